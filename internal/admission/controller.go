// Package admission: контроллер допуска в группы.
//
// Все мутации одной группы выполняются под одной точкой сериализации:
// блокировка по groupID (in-process и, опционально, Redis) плюс транзакция
// хранилища с блокировкой строки. Проверка вместимости и инкремент счётчика
// происходят внутри неё атомарно.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/groupbooking/internal/domain"
	"github.com/vladislavdragonenkov/groupbooking/internal/lock"
	"github.com/vladislavdragonenkov/groupbooking/internal/metrics"
)

const defaultLockTimeout = 2 * time.Second

// Имена операций для логов и метрик.
const (
	OpCreate  = "create"
	OpJoin    = "join"
	OpLeave   = "leave"
	OpTick    = "tick"
	OpConfirm = "confirm"
	OpCancel  = "cancel"
	OpClose   = "close"
	OpInvite  = "invite"
)

// Причины переходов, попадающие в события.
const (
	ReasonDeadline   = "deadline_reached"
	ReasonSlotPassed = "slot_passed"
	ReasonOrganizer  = "organizer"
)

// Options задаёт параметры контроллера.
type Options struct {
	Clock       domain.Clock
	LockTimeout time.Duration
	Logger      *log.Entry
	Metrics     *metrics.AdmissionMetrics
	NewID       func() string
}

// Option настраивает Controller.
type Option func(*Options)

// WithClock задаёт источник времени.
func WithClock(clock domain.Clock) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// WithLockTimeout задаёт предельное время ожидания блокировки группы.
func WithLockTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.LockTimeout = timeout
	}
}

// WithLogger задаёт logger контроллера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт метрики контроллера.
func WithMetrics(m *metrics.AdmissionMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithIDGenerator подменяет генератор идентификаторов групп.
func WithIDGenerator(fn func() string) Option {
	return func(opts *Options) {
		opts.NewID = fn
	}
}

// Controller сериализует мутации группы и применяет state machine.
type Controller struct {
	repo        domain.GroupRepository
	locker      lock.Locker
	clock       domain.Clock
	lockTimeout time.Duration
	logger      *log.Entry
	metrics     *metrics.AdmissionMetrics
	newID       func() string
}

// NewController создаёт контроллер допуска.
func NewController(repo domain.GroupRepository, locker lock.Locker, options ...Option) *Controller {
	opts := Options{
		Clock:       domain.SystemClock{},
		LockTimeout: defaultLockTimeout,
		NewID:       uuid.NewString,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "admission")
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock{}
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}

	return &Controller{
		repo:        repo,
		locker:      locker,
		clock:       opts.Clock,
		lockTimeout: opts.LockTimeout,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		newID:       opts.NewID,
	}
}

// CreateRequest: параметры новой группы.
type CreateRequest struct {
	ItemID          string
	SlotAt          time.Time
	MinParticipants int
	MaxParticipants int
	BasePrice       decimal.Decimal
	DiscountStep    decimal.Decimal
	PriceFloor      decimal.Decimal
	Currency        string
	ExpiresAt       time.Time
	CreatedBy       string
}

// JoinResult: итог Join. AlreadyJoined означает идемпотентный повтор.
type JoinResult struct {
	Group         domain.Group
	Participant   domain.Participant
	AlreadyJoined bool
}

// Create проверяет параметры и сохраняет группу в статусе open.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (domain.Group, error) {
	now := c.clock.Now()

	group := domain.Group{
		ID:              c.newID(),
		Item:            domain.ItemRef{ItemID: strings.TrimSpace(req.ItemID), SlotAt: req.SlotAt.UTC()},
		MinParticipants: req.MinParticipants,
		MaxParticipants: req.MaxParticipants,
		BasePrice:       req.BasePrice,
		DiscountStep:    req.DiscountStep,
		PriceFloor:      req.PriceFloor,
		Currency:        strings.ToUpper(strings.TrimSpace(req.Currency)),
		Status:          domain.GroupStatusOpen,
		ExpiresAt:       req.ExpiresAt.UTC(),
		CreatedBy:       strings.TrimSpace(req.CreatedBy),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.SlotAt.IsZero() {
		group.Item.SlotAt = time.Time{}
	}

	errs := group.ValidateInvariants()
	if !group.ExpiresAt.IsZero() && !group.ExpiresAt.After(now) {
		errs = append(errs, domain.NewValidationError("expires_at", "must be in the future"))
	}
	if len(errs) > 0 {
		c.metrics.RecordOperation(OpCreate, resultLabel(domain.ErrValidation))
		return domain.Group{}, errors.Join(errs...)
	}

	msg, err := domain.NewGroupEvent(domain.EventGroupCreated, group, now).OutboxMessage()
	if err != nil {
		return domain.Group{}, err
	}
	if err := c.repo.Create(ctx, group, msg); err != nil {
		c.metrics.RecordOperation(OpCreate, resultLabel(err))
		return domain.Group{}, fmt.Errorf("create group: %w", err)
	}

	c.metrics.RecordOperation(OpCreate, "ok")
	c.logger.WithFields(log.Fields{
		"group_id": group.ID,
		"item_id":  group.Item.ItemID,
		"min":      group.MinParticipants,
		"max":      group.MaxParticipants,
	}).Info("group created")

	return group, nil
}

// Join добавляет участника. Проверка мест и инкремент выполняются атомарно.
func (c *Controller) Join(ctx context.Context, groupID, userID string, partySize int) (JoinResult, error) {
	if err := validateIDs(groupID, userID); err != nil {
		c.metrics.RecordOperation(OpJoin, resultLabel(err))
		return JoinResult{}, err
	}
	if partySize < 1 {
		err := domain.NewValidationError("party_size", "must be >= 1")
		c.metrics.RecordOperation(OpJoin, resultLabel(err))
		return JoinResult{}, err
	}

	var (
		result  JoinResult
		lateErr error
	)

	err := c.mutate(ctx, OpJoin, groupID, func(tx domain.GroupTx, now time.Time) error {
		g := tx.Group()

		existing, found, err := tx.FindParticipant(userID)
		if err != nil {
			return err
		}
		if found {
			result = JoinResult{Group: g, Participant: existing, AlreadyJoined: true}
			return nil
		}

		if err := joinableStatus(g); err != nil {
			return err
		}
		if g.DeadlinePassed(now) {
			if err := c.applyDeadline(tx, &g, now); err != nil {
				return err
			}
			result.Group = g
			// Опоздавший видит итог дедлайна: expired или not joinable для confirmed.
			lateErr = joinableStatus(g)
			return nil
		}

		if left := g.RemainingSeats(); partySize > left {
			return fmt.Errorf("%w: requested %d seats, %d left", domain.ErrGroupNotJoinable, partySize, left)
		}

		g.CurrentParticipants += partySize
		if g.CurrentParticipants > g.MaxParticipants {
			return c.capacityViolation(g, userID, partySize)
		}
		g.UpdatedAt = now

		participant := domain.Participant{
			GroupID:   g.ID,
			UserID:    userID,
			PartySize: partySize,
			JoinedAt:  now,
		}
		tx.AddParticipant(participant)

		if g.CurrentParticipants == g.MaxParticipants {
			if err := c.transition(tx, &g, domain.GroupStatusFull, now, ""); err != nil {
				return err
			}
		}
		save(tx, &g)

		event := domain.NewGroupEvent(domain.EventParticipantJoined, g, now)
		event.UserID = userID
		event.PartySize = partySize
		if err := addEvent(tx, event); err != nil {
			return err
		}

		result = JoinResult{Group: g, Participant: participant}
		return nil
	})
	if err == nil {
		err = lateErr
	}

	switch {
	case err != nil:
		c.metrics.RecordOperation(OpJoin, resultLabel(err))
	case result.AlreadyJoined:
		c.metrics.RecordOperation(OpJoin, "duplicate")
	default:
		c.metrics.RecordOperation(OpJoin, "ok")
		c.metrics.RecordSeatsJoined(partySize)
		c.logger.WithFields(log.Fields{
			"group_id":     groupID,
			"user_id":      userID,
			"party_size":   partySize,
			"participants": result.Group.CurrentParticipants,
			"status":       result.Group.Status,
		}).Debug("participant joined")
	}

	if err != nil {
		return JoinResult{Group: result.Group}, err
	}
	return result, nil
}

// Leave удаляет участника, пока группа в статусе open.
func (c *Controller) Leave(ctx context.Context, groupID, userID string) (domain.Group, error) {
	if err := validateIDs(groupID, userID); err != nil {
		c.metrics.RecordOperation(OpLeave, resultLabel(err))
		return domain.Group{}, err
	}

	var (
		updated domain.Group
		lateErr error
	)

	err := c.mutate(ctx, OpLeave, groupID, func(tx domain.GroupTx, now time.Time) error {
		g := tx.Group()

		participant, found, err := tx.FindParticipant(userID)
		if err != nil {
			return err
		}
		if !found {
			return domain.ErrParticipantNotFound
		}
		if g.Status != domain.GroupStatusOpen {
			return fmt.Errorf("%w: status %s", domain.ErrLeaveNotAllowed, g.Status)
		}
		if g.DeadlinePassed(now) {
			if err := c.applyDeadline(tx, &g, now); err != nil {
				return err
			}
			updated = g
			lateErr = domain.ErrLeaveNotAllowed
			return nil
		}

		g.CurrentParticipants -= participant.PartySize
		if g.CurrentParticipants < 0 {
			g.CurrentParticipants = 0
		}
		g.UpdatedAt = now
		tx.RemoveParticipant(userID)
		save(tx, &g)

		event := domain.NewGroupEvent(domain.EventParticipantLeft, g, now)
		event.UserID = userID
		event.PartySize = participant.PartySize
		if err := addEvent(tx, event); err != nil {
			return err
		}

		updated = g
		return nil
	})
	if err == nil {
		err = lateErr
	}

	c.metrics.RecordOperation(OpLeave, resultLabel(err))
	return updated, err
}

// Tick применяет временные переходы: closed по дате слота, confirmed/expired по дедлайну.
// Повторный вызов безопасен. changed=false, если переход не потребовался.
func (c *Controller) Tick(ctx context.Context, groupID string, now time.Time) (domain.Group, bool, error) {
	if strings.TrimSpace(groupID) == "" {
		return domain.Group{}, false, domain.NewValidationError("group_id", "is required")
	}
	if now.IsZero() {
		now = c.clock.Now()
	}

	var (
		updated domain.Group
		changed bool
	)

	err := c.mutate(ctx, OpTick, groupID, func(tx domain.GroupTx, _ time.Time) error {
		g := tx.Group()
		updated = g

		switch {
		case g.Status.Terminal():
			return nil
		case g.SlotPassed(now):
			if err := c.transition(tx, &g, domain.GroupStatusClosed, now, ReasonSlotPassed); err != nil {
				return err
			}
			save(tx, &g)
		case g.Status.Admitting() && g.DeadlinePassed(now):
			if err := c.applyDeadline(tx, &g, now); err != nil {
				return err
			}
		default:
			return nil
		}

		updated = g
		changed = true
		return nil
	})

	label := resultLabel(err)
	if err == nil && !changed {
		label = "noop"
	}
	c.metrics.RecordOperation(OpTick, label)

	if err != nil {
		return domain.Group{}, false, err
	}
	if changed {
		c.logger.WithFields(log.Fields{
			"group_id":     groupID,
			"status":       updated.Status,
			"participants": updated.CurrentParticipants,
		}).Info("group lifecycle transition applied")
	}
	return updated, changed, nil
}

// Confirm фиксирует группу по сигналу организатора, если набран минимум.
func (c *Controller) Confirm(ctx context.Context, groupID string) (domain.Group, error) {
	var updated domain.Group

	err := c.mutate(ctx, OpConfirm, groupID, func(tx domain.GroupTx, now time.Time) error {
		g := tx.Group()
		updated = g

		if g.Status == domain.GroupStatusConfirmed {
			return nil
		}
		if !g.Status.Admitting() {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, g.Status, domain.GroupStatusConfirmed)
		}
		if g.DeadlinePassed(now) {
			if err := c.applyDeadline(tx, &g, now); err != nil {
				return err
			}
			updated = g
			return nil
		}
		if !g.MinimumReached() {
			return fmt.Errorf("%w: %d of %d", domain.ErrMinimumNotMet, g.CurrentParticipants, g.MinParticipants)
		}

		if err := c.transition(tx, &g, domain.GroupStatusConfirmed, now, ReasonOrganizer); err != nil {
			return err
		}
		save(tx, &g)
		updated = g
		return nil
	})

	c.metrics.RecordOperation(OpConfirm, resultLabel(err))
	if err != nil {
		return domain.Group{}, err
	}
	if updated.Status == domain.GroupStatusExpired {
		return updated, domain.ErrGroupExpired
	}
	return updated, nil
}

// Cancel переводит нетерминальную группу в cancelled. Повторная отмена: no-op.
func (c *Controller) Cancel(ctx context.Context, groupID, reason string) (domain.Group, error) {
	return c.terminate(ctx, OpCancel, groupID, domain.GroupStatusCancelled, reason)
}

// Close: административное закрытие группы независимо от числа участников.
func (c *Controller) Close(ctx context.Context, groupID, reason string) (domain.Group, error) {
	return c.terminate(ctx, OpClose, groupID, domain.GroupStatusClosed, reason)
}

// AssignInviteCode сохраняет код приглашения; уже назначенный код не меняется.
func (c *Controller) AssignInviteCode(ctx context.Context, groupID, code string) (domain.Group, error) {
	var updated domain.Group

	err := c.mutate(ctx, OpInvite, groupID, func(tx domain.GroupTx, now time.Time) error {
		g := tx.Group()
		updated = g
		if g.InviteCode != "" || g.Status.Terminal() {
			return nil
		}
		g.InviteCode = code
		g.UpdatedAt = now
		save(tx, &g)
		updated = g
		return nil
	})
	if err != nil {
		return domain.Group{}, err
	}
	return updated, nil
}

func (c *Controller) terminate(ctx context.Context, op, groupID string, to domain.GroupStatus, reason string) (domain.Group, error) {
	var updated domain.Group

	err := c.mutate(ctx, op, groupID, func(tx domain.GroupTx, now time.Time) error {
		g := tx.Group()
		updated = g

		if g.Status == to {
			return nil
		}
		if err := c.transition(tx, &g, to, now, reason); err != nil {
			return err
		}
		save(tx, &g)
		updated = g
		return nil
	})

	c.metrics.RecordOperation(op, resultLabel(err))
	if err != nil {
		return domain.Group{}, err
	}

	c.logger.WithFields(log.Fields{
		"group_id": groupID,
		"status":   updated.Status,
		"reason":   reason,
	}).Info("group terminated")
	return updated, nil
}

// mutate захватывает блокировку группы и выполняет fn в транзакции хранилища.
// При таймауте блокировки изменения не применяются.
func (c *Controller) mutate(ctx context.Context, op, groupID string, fn func(tx domain.GroupTx, now time.Time) error) error {
	waitStart := time.Now()
	release, err := c.locker.Acquire(ctx, groupID, c.lockTimeout)
	c.metrics.RecordLockWait(time.Since(waitStart))
	if err != nil {
		if errors.Is(err, domain.ErrGroupBusy) {
			c.logger.WithFields(log.Fields{
				"group_id":  groupID,
				"operation": op,
				"timeout":   c.lockTimeout,
			}).Warn("group lock timeout")
		}
		return err
	}
	defer release()

	start := time.Now()
	err = c.repo.Update(ctx, groupID, func(tx domain.GroupTx) error {
		return fn(tx, c.clock.Now())
	})
	c.metrics.RecordCriticalSection(op, time.Since(start))
	return err
}

// applyDeadline: при набранном минимуме confirmed, иначе expired.
func (c *Controller) applyDeadline(tx domain.GroupTx, g *domain.Group, now time.Time) error {
	to := domain.GroupStatusExpired
	if g.MinimumReached() {
		to = domain.GroupStatusConfirmed
	}
	if err := c.transition(tx, g, to, now, ReasonDeadline); err != nil {
		return err
	}
	save(tx, g)
	return nil
}

func (c *Controller) transition(tx domain.GroupTx, g *domain.Group, to domain.GroupStatus, now time.Time, reason string) error {
	from := g.Status
	if err := g.TransitionTo(to, now); err != nil {
		return err
	}
	c.metrics.RecordTransition(string(from), string(to))

	if eventType, ok := domain.StatusEventType(to); ok {
		event := domain.NewGroupEvent(eventType, *g, now)
		event.Reason = reason
		if err := addEvent(tx, event); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) capacityViolation(g domain.Group, userID string, partySize int) error {
	c.metrics.RecordCapacityViolation()
	c.logger.WithFields(log.Fields{
		"group_id":     g.ID,
		"user_id":      userID,
		"party_size":   partySize,
		"participants": g.CurrentParticipants,
		"max":          g.MaxParticipants,
		"critical":     true,
	}).Error("capacity invariant violated, commit rejected")
	return domain.ErrCapacityExceeded
}

// save фиксирует группу в транзакции и подхватывает выставленную хранилищем версию.
func save(tx domain.GroupTx, g *domain.Group) {
	tx.SaveGroup(*g)
	*g = tx.Group()
}

func addEvent(tx domain.GroupTx, event domain.GroupEvent) error {
	msg, err := event.OutboxMessage()
	if err != nil {
		return err
	}
	tx.AddEvent(msg)
	return nil
}

func joinableStatus(g domain.Group) error {
	switch g.Status {
	case domain.GroupStatusOpen:
		return nil
	case domain.GroupStatusExpired:
		return domain.ErrGroupExpired
	default:
		return fmt.Errorf("%w: status %s", domain.ErrGroupNotJoinable, g.Status)
	}
}

func validateIDs(groupID, userID string) error {
	if strings.TrimSpace(groupID) == "" {
		return domain.NewValidationError("group_id", "is required")
	}
	if strings.TrimSpace(userID) == "" {
		return domain.NewValidationError("user_id", "is required")
	}
	return nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrGroupBusy):
		return "busy"
	case errors.Is(err, domain.ErrGroupNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrGroupExpired):
		return "expired"
	case errors.Is(err, domain.ErrGroupNotJoinable):
		return "not_joinable"
	case errors.Is(err, domain.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, domain.ErrStoreUnavailable):
		return "store_unavailable"
	case domain.IsBusinessOutcome(err), errors.Is(err, domain.ErrParticipantNotFound):
		return "rejected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
