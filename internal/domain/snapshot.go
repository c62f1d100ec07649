package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// GroupSnapshot: согласованное представление группы для API и событий.
type GroupSnapshot struct {
	ID                  string          `json:"id"`
	ItemID              string          `json:"item_id"`
	SlotAt              *time.Time      `json:"slot_at,omitempty"`
	Status              GroupStatus     `json:"status"`
	MinParticipants     int             `json:"min_participants"`
	MaxParticipants     int             `json:"max_participants"`
	CurrentParticipants int             `json:"current_participants"`
	RemainingSeats      int             `json:"remaining_seats"`
	Currency            string          `json:"currency,omitempty"`
	BasePrice           decimal.Decimal `json:"base_price"`
	DiscountStep        decimal.Decimal `json:"discount_step"`
	PriceFloor          decimal.Decimal `json:"price_floor"`
	CurrentPrice        decimal.Decimal `json:"current_price_per_person"`
	NextPrice           decimal.Decimal `json:"next_price_per_person"`
	InviteCode          string          `json:"invite_code,omitempty"`
	ExpiresAt           time.Time       `json:"expires_at"`
	CreatedBy           string          `json:"created_by"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	Version             int64           `json:"version"`
}

// Snapshot строит представление группы; цены вычисляются, а не читаются из хранилища.
func (g Group) Snapshot() GroupSnapshot {
	snap := GroupSnapshot{
		ID:                  g.ID,
		ItemID:              g.Item.ItemID,
		Status:              g.Status,
		MinParticipants:     g.MinParticipants,
		MaxParticipants:     g.MaxParticipants,
		CurrentParticipants: g.CurrentParticipants,
		RemainingSeats:      g.RemainingSeats(),
		Currency:            g.Currency,
		BasePrice:           g.BasePrice,
		DiscountStep:        g.DiscountStep,
		PriceFloor:          g.PriceFloor,
		CurrentPrice:        g.CurrentPrice(),
		NextPrice:           g.Policy().PriceFor(g.CurrentParticipants + 1),
		InviteCode:          g.InviteCode,
		ExpiresAt:           g.ExpiresAt,
		CreatedBy:           g.CreatedBy,
		CreatedAt:           g.CreatedAt,
		UpdatedAt:           g.UpdatedAt,
		Version:             g.Version,
	}
	if !g.Item.SlotAt.IsZero() {
		slot := g.Item.SlotAt
		snap.SlotAt = &slot
	}
	return snap
}
