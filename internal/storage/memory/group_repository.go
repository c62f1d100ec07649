package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/groupbooking/internal/domain"
)

type groupRecord struct {
	group        domain.Group
	participants map[string]domain.Participant
}

// GroupRepository: in-memory реализация GroupRepository.
// Update выполняется под эксклюзивной блокировкой хранилища, поэтому читатели
// видят только зафиксированные состояния.
type GroupRepository struct {
	mu     sync.RWMutex
	groups map[string]*groupRecord
	outbox domain.OutboxRepository
}

// NewGroupRepository возвращает in-memory репозиторий для локальной разработки и тестов.
// События из транзакций пишутся в outbox, если он передан.
func NewGroupRepository(outbox domain.OutboxRepository) *GroupRepository {
	return &GroupRepository{
		groups: make(map[string]*groupRecord),
		outbox: outbox,
	}
}

// Create сохраняет новую группу, если ID ещё не занят.
func (r *GroupRepository) Create(ctx context.Context, group domain.Group, events ...domain.OutboxMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.groups[group.ID]; exists {
		return domain.ErrGroupAlreadyExists
	}
	r.groups[group.ID] = &groupRecord{
		group:        group,
		participants: make(map[string]domain.Participant),
	}
	r.enqueue(events)
	return nil
}

// Get возвращает группу или ErrGroupNotFound.
func (r *GroupRepository) Get(ctx context.Context, id string) (domain.Group, error) {
	if err := ctx.Err(); err != nil {
		return domain.Group{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.groups[id]
	if !ok {
		return domain.Group{}, domain.ErrGroupNotFound
	}
	return rec.group, nil
}

// ListParticipants возвращает участников по возрастанию JoinedAt.
func (r *GroupRepository) ListParticipants(ctx context.Context, groupID string) ([]domain.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.groups[groupID]
	if !ok {
		return nil, domain.ErrGroupNotFound
	}

	result := make([]domain.Participant, 0, len(rec.participants))
	for _, p := range rec.participants {
		result = append(result, p)
	}
	sortParticipants(result)
	return result, nil
}

// ListDue возвращает группы, которым требуется Tick.
func (r *GroupRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	due := make([]domain.Group, 0)
	for _, rec := range r.groups {
		if rec.group.NeedsTick(now) {
			due = append(due, rec.group)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ExpiresAt.Equal(due[j].ExpiresAt) {
			return due[i].ExpiresAt.Before(due[j].ExpiresAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	ids := make([]string, 0, len(due))
	for _, g := range due {
		ids = append(ids, g.ID)
	}
	return ids, nil
}

// Update применяет fn к копии группы и фиксирует изменения целиком или никак.
func (r *GroupRepository) Update(ctx context.Context, id string, fn func(tx domain.GroupTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.groups[id]
	if !ok {
		return domain.ErrGroupNotFound
	}

	tx := &memoryGroupTx{
		base:    rec.group.Version,
		group:   rec.group,
		current: rec.participants,
		added:   make(map[string]domain.Participant),
		removed: make(map[string]struct{}),
	}
	if err := fn(tx); err != nil {
		return err
	}

	if tx.dirty {
		rec.group = tx.group
	}
	for userID := range tx.removed {
		delete(rec.participants, userID)
	}
	for userID, p := range tx.added {
		rec.participants[userID] = p
	}
	r.enqueue(tx.events)
	return nil
}

func (r *GroupRepository) enqueue(events []domain.OutboxMessage) {
	if r.outbox == nil {
		return
	}
	for _, msg := range events {
		// in-memory outbox не возвращает ошибок для валидных сообщений
		_, _ = r.outbox.Enqueue(msg)
	}
}

type memoryGroupTx struct {
	base    int64
	group   domain.Group
	dirty   bool
	current map[string]domain.Participant
	added   map[string]domain.Participant
	removed map[string]struct{}
	events  []domain.OutboxMessage
}

func (tx *memoryGroupTx) Group() domain.Group { return tx.group }

func (tx *memoryGroupTx) SaveGroup(group domain.Group) {
	group.Version = tx.base + 1
	tx.group = group
	tx.dirty = true
}

func (tx *memoryGroupTx) FindParticipant(userID string) (domain.Participant, bool, error) {
	if p, ok := tx.added[userID]; ok {
		return p, true, nil
	}
	if _, ok := tx.removed[userID]; ok {
		return domain.Participant{}, false, nil
	}
	p, ok := tx.current[userID]
	return p, ok, nil
}

func (tx *memoryGroupTx) AddParticipant(p domain.Participant) {
	delete(tx.removed, p.UserID)
	tx.added[p.UserID] = p
}

func (tx *memoryGroupTx) RemoveParticipant(userID string) {
	delete(tx.added, userID)
	tx.removed[userID] = struct{}{}
}

func (tx *memoryGroupTx) AddEvent(msg domain.OutboxMessage) {
	tx.events = append(tx.events, msg)
}

func sortParticipants(items []domain.Participant) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].JoinedAt.Equal(items[j].JoinedAt) {
			return items[i].JoinedAt.Before(items[j].JoinedAt)
		}
		return items[i].UserID < items[j].UserID
	})
}

var _ domain.GroupRepository = (*GroupRepository)(nil)
