package domain

import (
	"strings"
	"time"
)

// IdempotencyStatus: стадия обработки запроса с Idempotency-Key.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing: запрос принят, ответа ещё нет.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone: ответ 2xx сохранён и будет отдан при повторе.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed: сохранён ответ с ошибкой; повтор вернёт ту же ошибку.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// IdempotencyRecord: сохранённый результат создания группы по ключу клиента.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Active сообщает, что ключ ещё не истёк. Истёкший ключ можно занять заново.
func (r IdempotencyRecord) Active(now time.Time) bool {
	return r.TTLAt.After(now)
}

// Replayable сообщает, что ответ сохранён и его можно вернуть повторно.
func (r IdempotencyRecord) Replayable() bool {
	return r.Status != IdempotencyStatusProcessing && r.HTTPStatus != 0
}

// ScopedIdempotencyKey привязывает клиентский ключ к пользователю:
// одинаковые ключи разных пользователей не пересекаются.
func ScopedIdempotencyKey(userID, rawKey string) string {
	return strings.TrimSpace(userID) + ":" + strings.TrimSpace(rawKey)
}
