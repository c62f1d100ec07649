package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation: некорректные входные данные; отсекается до критической секции.
	ErrValidation = errors.New("validation failed")
	// ErrGroupNotFound возвращается, если группа не найдена в хранилище.
	ErrGroupNotFound = errors.New("group not found")
	// ErrGroupNotJoinable: группа не принимает участников (статус или нехватка мест).
	ErrGroupNotJoinable = errors.New("group is not joinable")
	// ErrGroupExpired: дедлайн группы наступил, присоединение невозможно.
	ErrGroupExpired = errors.New("group expired")
	// ErrCapacityExceeded: нарушение инварианта вместимости. Признак ошибки сериализации.
	ErrCapacityExceeded = errors.New("group capacity exceeded")
	// ErrGroupBusy: не удалось захватить блокировку группы за отведённое время.
	ErrGroupBusy = errors.New("group is busy")
	// ErrStoreUnavailable: хранилище недоступно.
	ErrStoreUnavailable = errors.New("group store unavailable")
	// ErrInvalidTransition: переход статуса не разрешён state machine.
	ErrInvalidTransition = errors.New("invalid group status transition")
	// ErrMinimumNotMet: подтверждение невозможно, пока не набран минимум участников.
	ErrMinimumNotMet = errors.New("minimum participants not reached")
	// ErrParticipantNotFound: у пользователя нет записи участника в группе.
	ErrParticipantNotFound = errors.New("participant not found")
	// ErrLeaveNotAllowed: выход из группы разрешён только в статусе open.
	ErrLeaveNotAllowed = errors.New("leaving is allowed only while group is open")
	// ErrForbidden: у вызывающего нет прав на операцию.
	ErrForbidden = errors.New("operation is not permitted")
	// ErrGroupAlreadyExists: группа с таким ID уже сохранена.
	ErrGroupAlreadyExists = errors.New("group already exists")

	// ErrInvalidCode: код приглашения неизвестен или устарел.
	ErrInvalidCode = errors.New("invalid invite code")
	// ErrInviteCodeTaken: сгенерированный код уже занят другой группой.
	ErrInviteCodeTaken = errors.New("invite code already taken")
	// ErrCodeSpaceExhausted: исчерпаны попытки сгенерировать свободный код.
	ErrCodeSpaceExhausted = errors.New("invite code space exhausted")

	// ErrOutboxPublish: ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	ErrIdempotencyKeyAlreadyExists    = errors.New("idempotency key already exists")
	ErrIdempotencyHashMismatch        = errors.New("idempotency key reused with different payload")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")
)

// ValidationError описывает конкретное нарушение во входных данных.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError создаёт ошибку валидации поля.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is позволяет проверять ошибку через errors.Is(err, ErrValidation).
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// IsBusinessOutcome сообщает, что ошибка: ожидаемый бизнес-результат, а не сбой системы.
func IsBusinessOutcome(err error) bool {
	return errors.Is(err, ErrGroupNotJoinable) ||
		errors.Is(err, ErrGroupExpired) ||
		errors.Is(err, ErrMinimumNotMet) ||
		errors.Is(err, ErrLeaveNotAllowed) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsRetryable проверяет, можно ли безопасно повторить операцию с backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGroupBusy) || errors.Is(err, ErrStoreUnavailable)
}

// IsIdempotencyConflict проверяет, что ключ идемпотентности уже использован.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}
