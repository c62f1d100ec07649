package domain

import (
	"context"
	"time"
)

// Clock отдаёт текущее время; в тестах подменяется фиксированным.
type Clock interface {
	Now() time.Time
}

// SystemClock: Clock на основе time.Now в UTC.
type SystemClock struct{}

// Now возвращает текущее время.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// GroupTx: представление одной группы внутри транзакции GroupRepository.Update.
// Изменения применяются атомарно после успешного возврата из функции-мутатора.
type GroupTx interface {
	// Group возвращает состояние группы, прочитанное под блокировкой строки.
	Group() Group
	// SaveGroup фиксирует новое состояние группы. Version выставляет хранилище.
	SaveGroup(group Group)
	// FindParticipant ищет участника группы по пользователю.
	FindParticipant(userID string) (Participant, bool, error)
	// AddParticipant добавляет участника.
	AddParticipant(p Participant)
	// RemoveParticipant удаляет участника.
	RemoveParticipant(userID string)
	// AddEvent кладёт событие в outbox той же транзакцией.
	AddEvent(msg OutboxMessage)
}

// GroupRepository описывает требования к хранилищу групп.
type GroupRepository interface {
	// Create сохраняет новую группу. ErrGroupAlreadyExists, если ID занят.
	Create(ctx context.Context, group Group, events ...OutboxMessage) error
	// Get возвращает последнее зафиксированное состояние группы или ErrGroupNotFound.
	Get(ctx context.Context, id string) (Group, error)
	// ListParticipants возвращает участников по возрастанию JoinedAt.
	ListParticipants(ctx context.Context, groupID string) ([]Participant, error)
	// ListDue возвращает ID нетерминальных групп, у которых наступил дедлайн или дата слота.
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)
	// Update выполняет fn в транзакции над одной группой (SELECT ... FOR UPDATE).
	// Ошибка fn откатывает все изменения.
	Update(ctx context.Context, id string, fn func(tx GroupTx) error) error
}

// InviteCodeRepository: таблица соответствия кодов приглашений и групп.
type InviteCodeRepository interface {
	// Reserve закрепляет код за группой. ErrInviteCodeTaken при коллизии.
	Reserve(ctx context.Context, code, groupID string, at time.Time) error
	// Lookup возвращает группу по коду или ErrInvalidCode.
	Lookup(ctx context.Context, code string) (string, error)
	// CodeFor возвращает код группы или ErrInvalidCode, если он ещё не выдан.
	CodeFor(ctx context.Context, groupID string) (string, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, responseBody []byte, httpStatus int) error
	MarkFailed(key string, responseBody []byte, httpStatus int) error
	DeleteExpired(before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
