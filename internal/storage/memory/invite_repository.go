package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/groupbooking/internal/domain"
)

type inviteRecord struct {
	groupID   string
	createdAt time.Time
}

// InviteCodeRepository: in-memory таблица кодов приглашений.
type InviteCodeRepository struct {
	mu      sync.RWMutex
	byCode  map[string]inviteRecord
	byGroup map[string]string
}

// NewInviteCodeRepository создаёт пустую таблицу кодов.
func NewInviteCodeRepository() *InviteCodeRepository {
	return &InviteCodeRepository{
		byCode:  make(map[string]inviteRecord),
		byGroup: make(map[string]string),
	}
}

// Reserve закрепляет код за группой.
func (r *InviteCodeRepository) Reserve(ctx context.Context, code, groupID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byCode[code]; taken {
		return domain.ErrInviteCodeTaken
	}
	if _, has := r.byGroup[groupID]; has {
		return domain.ErrInviteCodeTaken
	}
	r.byCode[code] = inviteRecord{groupID: groupID, createdAt: at}
	r.byGroup[groupID] = code
	return nil
}

// Lookup возвращает группу по коду.
func (r *InviteCodeRepository) Lookup(ctx context.Context, code string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byCode[code]
	if !ok {
		return "", domain.ErrInvalidCode
	}
	return rec.groupID, nil
}

// CodeFor возвращает код группы.
func (r *InviteCodeRepository) CodeFor(ctx context.Context, groupID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	code, ok := r.byGroup[groupID]
	if !ok {
		return "", domain.ErrInvalidCode
	}
	return code, nil
}

var _ domain.InviteCodeRepository = (*InviteCodeRepository)(nil)
