package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vladislavdragonenkov/groupbooking/internal/domain"
)

// InviteCodeRepository: таблица invite_codes. Уникальность кода и группы
// обеспечивают ограничения таблицы.
type InviteCodeRepository struct {
	db *sql.DB
}

// NewInviteCodeRepository создаёт репозиторий кодов приглашений.
func NewInviteCodeRepository(store *Store) *InviteCodeRepository {
	return &InviteCodeRepository{db: store.DB()}
}

func (r *InviteCodeRepository) Reserve(ctx context.Context, code, groupID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO invite_codes (code, group_id, created_at) VALUES ($1, $2, $3)
	`, code, groupID, at.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrInviteCodeTaken
		}
		return wrapErr("reserve invite code", err)
	}
	return nil
}

func (r *InviteCodeRepository) Lookup(ctx context.Context, code string) (string, error) {
	var groupID string
	err := r.db.QueryRowContext(ctx, `SELECT group_id FROM invite_codes WHERE code = $1`, code).Scan(&groupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrInvalidCode
		}
		return "", wrapErr("lookup invite code", err)
	}
	return groupID, nil
}

func (r *InviteCodeRepository) CodeFor(ctx context.Context, groupID string) (string, error) {
	var code string
	err := r.db.QueryRowContext(ctx, `SELECT code FROM invite_codes WHERE group_id = $1`, groupID).Scan(&code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrInvalidCode
		}
		return "", wrapErr("select invite code", err)
	}
	return code, nil
}

var _ domain.InviteCodeRepository = (*InviteCodeRepository)(nil)
