package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/groupbooking/internal/domain"
)

const groupColumns = `
	id, item_id, slot_at, min_participants, max_participants,
	base_price, discount_step, price_floor, currency,
	current_participants, status, invite_code, expires_at,
	created_by, created_at, updated_at, terminal_at, version`

// GroupRepository: PostgreSQL-реализация domain.GroupRepository.
// Update держит строку группы под SELECT ... FOR UPDATE до коммита, поэтому
// запись сериализуется и без внешнего Locker; Locker лишь ограничивает ожидание.
type GroupRepository struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewGroupRepository создаёт репозиторий. lockTimeout > 0 ограничивает ожидание
// блокировки строки (SET LOCAL lock_timeout), по истечении: ErrGroupBusy.
func NewGroupRepository(store *Store, lockTimeout time.Duration) *GroupRepository {
	return &GroupRepository{db: store.DB(), lockTimeout: lockTimeout}
}

// Create вставляет группу и события одной транзакцией.
func (r *GroupRepository) Create(ctx context.Context, group domain.Group, events ...domain.OutboxMessage) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("begin create group", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO groups (`+groupColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, groupArgs(group)...)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrGroupAlreadyExists
		}
		return wrapErr("insert group", err)
	}

	if err = insertOutbox(ctx, tx, events, group.CreatedAt); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return wrapErr("commit create group", err)
	}
	return nil
}

// Get возвращает последнее зафиксированное состояние группы.
func (r *GroupRepository) Get(ctx context.Context, id string) (domain.Group, error) {
	group, err := scanGroup(r.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Group{}, domain.ErrGroupNotFound
		}
		return domain.Group{}, wrapErr("select group", err)
	}
	return group, nil
}

// ListParticipants возвращает участников по возрастанию JoinedAt.
func (r *GroupRepository) ListParticipants(ctx context.Context, groupID string) ([]domain.Participant, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM groups WHERE id = $1)`, groupID).Scan(&exists); err != nil {
		return nil, wrapErr("check group exists", err)
	}
	if !exists {
		return nil, domain.ErrGroupNotFound
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT group_id, user_id, party_size, joined_at
		FROM group_participants
		WHERE group_id = $1
		ORDER BY joined_at, user_id
	`, groupID)
	if err != nil {
		return nil, wrapErr("list participants", err)
	}
	defer rows.Close()

	result := make([]domain.Participant, 0)
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.GroupID, &p.UserID, &p.PartySize, &p.JoinedAt); err != nil {
			return nil, wrapErr("scan participant", err)
		}
		p.JoinedAt = p.JoinedAt.UTC()
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate participants", err)
	}
	return result, nil
}

// ListDue возвращает ID групп, которым требуется Tick.
func (r *GroupRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id
		FROM groups
		WHERE status IN ('open', 'full', 'confirmed')
		  AND (
		        (slot_at IS NOT NULL AND slot_at <= $1)
		     OR (status IN ('open', 'full') AND expires_at <= $1)
		  )
		ORDER BY expires_at, id
		LIMIT $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, wrapErr("list due groups", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr("scan due group", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate due groups", err)
	}
	return ids, nil
}

// Update выполняет fn над строкой группы, захваченной FOR UPDATE.
func (r *GroupRepository) Update(ctx context.Context, id string, fn func(tx domain.GroupTx) error) (err error) {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("begin update group", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if r.lockTimeout > 0 {
		// SET не принимает параметры, значение формируется из числа миллисекунд.
		if _, err = sqlTx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
			return wrapErr("set lock timeout", err)
		}
	}

	group, err := scanGroup(sqlTx.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrGroupNotFound
		}
		return wrapErr("lock group", err)
	}

	tx := &groupTx{
		ctx:     ctx,
		sqlTx:   sqlTx,
		base:    group.Version,
		group:   group,
		added:   make(map[string]domain.Participant),
		removed: make(map[string]struct{}),
	}
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.flush(); err != nil {
		return err
	}

	if err = sqlTx.Commit(); err != nil {
		return wrapErr("commit update group", err)
	}
	return nil
}

type groupTx struct {
	ctx     context.Context
	sqlTx   *sql.Tx
	base    int64
	group   domain.Group
	dirty   bool
	added   map[string]domain.Participant
	removed map[string]struct{}
	order   []string
	events  []domain.OutboxMessage
}

func (tx *groupTx) Group() domain.Group { return tx.group }

func (tx *groupTx) SaveGroup(group domain.Group) {
	group.Version = tx.base + 1
	tx.group = group
	tx.dirty = true
}

func (tx *groupTx) FindParticipant(userID string) (domain.Participant, bool, error) {
	if p, ok := tx.added[userID]; ok {
		return p, true, nil
	}
	if _, ok := tx.removed[userID]; ok {
		return domain.Participant{}, false, nil
	}

	var p domain.Participant
	err := tx.sqlTx.QueryRowContext(tx.ctx, `
		SELECT group_id, user_id, party_size, joined_at
		FROM group_participants
		WHERE group_id = $1 AND user_id = $2
	`, tx.group.ID, userID).Scan(&p.GroupID, &p.UserID, &p.PartySize, &p.JoinedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Participant{}, false, nil
		}
		return domain.Participant{}, false, wrapErr("select participant", err)
	}
	p.JoinedAt = p.JoinedAt.UTC()
	return p, true, nil
}

func (tx *groupTx) AddParticipant(p domain.Participant) {
	delete(tx.removed, p.UserID)
	if _, ok := tx.added[p.UserID]; !ok {
		tx.order = append(tx.order, p.UserID)
	}
	tx.added[p.UserID] = p
}

func (tx *groupTx) RemoveParticipant(userID string) {
	delete(tx.added, userID)
	tx.removed[userID] = struct{}{}
}

func (tx *groupTx) AddEvent(msg domain.OutboxMessage) {
	tx.events = append(tx.events, msg)
}

// flush записывает накопленные изменения в рамках той же SQL-транзакции.
func (tx *groupTx) flush() error {
	for userID := range tx.removed {
		if _, err := tx.sqlTx.ExecContext(tx.ctx, `
			DELETE FROM group_participants WHERE group_id = $1 AND user_id = $2
		`, tx.group.ID, userID); err != nil {
			return wrapErr("delete participant", err)
		}
	}

	for _, userID := range tx.order {
		p, ok := tx.added[userID]
		if !ok {
			continue
		}
		if _, err := tx.sqlTx.ExecContext(tx.ctx, `
			INSERT INTO group_participants (group_id, user_id, party_size, joined_at)
			VALUES ($1, $2, $3, $4)
		`, tx.group.ID, p.UserID, p.PartySize, p.JoinedAt.UTC()); err != nil {
			return wrapErr("insert participant", err)
		}
	}

	if tx.dirty {
		g := tx.group
		res, err := tx.sqlTx.ExecContext(tx.ctx, `
			UPDATE groups SET
				current_participants = $2,
				status = $3,
				invite_code = $4,
				updated_at = $5,
				terminal_at = $6,
				version = $7
			WHERE id = $1 AND version = $8
		`, g.ID, g.CurrentParticipants, string(g.Status), nullString(g.InviteCode),
			g.UpdatedAt.UTC(), nullTime(g.TerminalAt), g.Version, tx.base)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrInviteCodeTaken
			}
			return wrapErr("update group", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return wrapErr("update group rows affected", err)
		}
		if affected == 0 {
			return fmt.Errorf("update group %s: version %d changed under row lock", g.ID, tx.base)
		}
	}

	return insertOutbox(tx.ctx, tx.sqlTx, tx.events, tx.group.UpdatedAt)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (domain.Group, error) {
	var (
		g          domain.Group
		status     string
		slotAt     sql.NullTime
		inviteCode sql.NullString
		terminalAt sql.NullTime
	)
	if err := row.Scan(
		&g.ID, &g.Item.ItemID, &slotAt, &g.MinParticipants, &g.MaxParticipants,
		&g.BasePrice, &g.DiscountStep, &g.PriceFloor, &g.Currency,
		&g.CurrentParticipants, &status, &inviteCode, &g.ExpiresAt,
		&g.CreatedBy, &g.CreatedAt, &g.UpdatedAt, &terminalAt, &g.Version,
	); err != nil {
		return domain.Group{}, err
	}

	g.Status = domain.GroupStatus(status)
	if !g.Status.Valid() {
		return domain.Group{}, fmt.Errorf("group %s has unknown status %q", g.ID, status)
	}
	if slotAt.Valid {
		g.Item.SlotAt = slotAt.Time.UTC()
	}
	if inviteCode.Valid {
		g.InviteCode = inviteCode.String
	}
	if terminalAt.Valid {
		g.TerminalAt = terminalAt.Time.UTC()
	}
	g.ExpiresAt = g.ExpiresAt.UTC()
	g.CreatedAt = g.CreatedAt.UTC()
	g.UpdatedAt = g.UpdatedAt.UTC()
	return g, nil
}

func groupArgs(g domain.Group) []any {
	return []any{
		g.ID, g.Item.ItemID, nullTime(g.Item.SlotAt), g.MinParticipants, g.MaxParticipants,
		g.BasePrice, g.DiscountStep, g.PriceFloor, g.Currency,
		g.CurrentParticipants, string(g.Status), nullString(g.InviteCode), g.ExpiresAt.UTC(),
		g.CreatedBy, g.CreatedAt.UTC(), g.UpdatedAt.UTC(), nullTime(g.TerminalAt), g.Version,
	}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ domain.GroupRepository = (*GroupRepository)(nil)
