package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/groupbooking/internal/pricing"
)

// GroupStatus описывает жизненный цикл группы.
type GroupStatus string

const (
	// GroupStatusOpen: группа принимает участников.
	GroupStatusOpen GroupStatus = "open"
	// GroupStatusFull: набрано maxParticipants, новых участников нет.
	GroupStatusFull GroupStatus = "full"
	// GroupStatusConfirmed: цена зафиксирована, набор закрыт.
	GroupStatusConfirmed GroupStatus = "confirmed"
	// GroupStatusClosed: административное закрытие (например, дата тура прошла).
	GroupStatusClosed GroupStatus = "closed"
	// GroupStatusCancelled: отмена организатором или модератором.
	GroupStatusCancelled GroupStatus = "cancelled"
	// GroupStatusExpired: дедлайн наступил, минимум не набран.
	GroupStatusExpired GroupStatus = "expired"
)

var allowedTransitions = map[GroupStatus][]GroupStatus{
	GroupStatusOpen:      {GroupStatusFull, GroupStatusConfirmed, GroupStatusCancelled, GroupStatusExpired, GroupStatusClosed},
	GroupStatusFull:      {GroupStatusConfirmed, GroupStatusCancelled, GroupStatusExpired, GroupStatusClosed},
	GroupStatusConfirmed: {GroupStatusCancelled, GroupStatusClosed},
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s GroupStatus) Valid() bool {
	switch s {
	case GroupStatusOpen, GroupStatusFull, GroupStatusConfirmed,
		GroupStatusClosed, GroupStatusCancelled, GroupStatusExpired:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса нет исходящих переходов.
func (s GroupStatus) Terminal() bool {
	return s == GroupStatusClosed || s == GroupStatusCancelled || s == GroupStatusExpired
}

// Admitting сообщает, что группа ещё формируется (open или full).
func (s GroupStatus) Admitting() bool {
	return s == GroupStatusOpen || s == GroupStatusFull
}

// CanTransition проверяет наличие ребра from → to.
func CanTransition(from, to GroupStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ItemRef ссылается на бронируемый объект и конкретный слот.
type ItemRef struct {
	ItemID string
	SlotAt time.Time
}

// Group агрегирует состояние групповой покупки.
type Group struct {
	ID                  string
	Item                ItemRef
	MinParticipants     int
	MaxParticipants     int
	BasePrice           decimal.Decimal
	DiscountStep        decimal.Decimal
	PriceFloor          decimal.Decimal
	Currency            string
	CurrentParticipants int
	Status              GroupStatus
	InviteCode          string
	ExpiresAt           time.Time
	CreatedBy           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	// TerminalAt заполняется при переходе в терминальный статус.
	TerminalAt time.Time
	Version    int64
}

// Participant: место(а) пользователя в группе. Ключ: (GroupID, UserID).
type Participant struct {
	GroupID   string
	UserID    string
	PartySize int
	JoinedAt  time.Time
}

// Policy возвращает ценовую политику группы.
func (g Group) Policy() pricing.Policy {
	return pricing.Policy{
		BasePrice:    g.BasePrice,
		DiscountStep: g.DiscountStep,
		PriceFloor:   g.PriceFloor,
	}
}

// CurrentPrice всегда вычисляется из текущего числа участников.
func (g Group) CurrentPrice() decimal.Decimal {
	return g.Policy().PriceFor(g.CurrentParticipants)
}

// RemainingSeats возвращает число свободных мест.
func (g Group) RemainingSeats() int {
	left := g.MaxParticipants - g.CurrentParticipants
	if left < 0 {
		return 0
	}
	return left
}

// MinimumReached сообщает, что набран минимум участников.
func (g Group) MinimumReached() bool {
	return g.CurrentParticipants >= g.MinParticipants
}

// DeadlinePassed сообщает, что наступил expiresAt.
func (g Group) DeadlinePassed(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}

// SlotPassed сообщает, что дата бронируемого слота наступила.
func (g Group) SlotPassed(now time.Time) bool {
	return !g.Item.SlotAt.IsZero() && !now.Before(g.Item.SlotAt)
}

// NeedsTick сообщает, что планировщику есть что сделать с группой.
func (g Group) NeedsTick(now time.Time) bool {
	if g.Status.Terminal() {
		return false
	}
	if g.SlotPassed(now) {
		return true
	}
	return g.Status.Admitting() && g.DeadlinePassed(now)
}

// TransitionTo переводит группу в новый статус, соблюдая рёбра state machine.
func (g *Group) TransitionTo(to GroupStatus, now time.Time) error {
	if g.Status == to {
		return nil
	}
	if !CanTransition(g.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, g.Status, to)
	}
	g.Status = to
	g.UpdatedAt = now
	if to.Terminal() {
		g.TerminalAt = now
	}
	return nil
}

// ValidateInvariants проверяет поля группы и возвращает список замечаний.
func (g *Group) ValidateInvariants() []error {
	var errs []error

	if strings.TrimSpace(g.Item.ItemID) == "" {
		errs = append(errs, NewValidationError("item_id", "is required"))
	}
	if strings.TrimSpace(g.CreatedBy) == "" {
		errs = append(errs, NewValidationError("created_by", "is required"))
	}
	if g.MinParticipants < 1 {
		errs = append(errs, NewValidationError("min_participants", "must be >= 1"))
	}
	if g.MaxParticipants < g.MinParticipants {
		errs = append(errs, NewValidationError("max_participants", "must be >= min_participants"))
	}
	if err := g.Policy().Validate(); err != nil {
		errs = append(errs, NewValidationError("pricing", err.Error()))
	}
	if g.ExpiresAt.IsZero() {
		errs = append(errs, NewValidationError("expires_at", "is required"))
	}
	if !g.Item.SlotAt.IsZero() && g.Item.SlotAt.Before(g.ExpiresAt) {
		errs = append(errs, NewValidationError("expires_at", "must not be after the slot date"))
	}
	if g.CurrentParticipants < 0 || g.CurrentParticipants > g.MaxParticipants {
		errs = append(errs, ErrCapacityExceeded)
	}
	if !g.Status.Valid() {
		errs = append(errs, NewValidationError("status", fmt.Sprintf("unknown value %q", g.Status)))
	}

	return errs
}

// SumPartySizes возвращает суммарное число мест участников.
func SumPartySizes(participants []Participant) int {
	total := 0
	for _, p := range participants {
		total += p.PartySize
	}
	return total
}
