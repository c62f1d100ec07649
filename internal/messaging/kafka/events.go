package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/groupbooking/internal/domain"
)

const (
	TopicGroupEvents     = "groupbooking.group.events"
	TopicDeadLetterQueue = "groupbooking.dlq"
)

// Заголовки сообщений. Подписчики фильтруют по типу события, не разбирая тело.
const (
	HeaderEventType     = "x-event-type"
	HeaderAggregateID   = "x-aggregate-id"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// Envelope: формат сообщения в TopicGroupEvents.
// Payload содержит domain.GroupEvent.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// DLQPayload: тело сообщения в TopicDeadLetterQueue.
type DLQPayload struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	PublishError   string          `json:"publish_error"`
	DLQPublishedAt time.Time       `json:"dlq_published_at"`
}

// NewEnvelope упаковывает outbox-сообщение.
func NewEnvelope(msg domain.OutboxMessage, publishedAt time.Time) Envelope {
	return Envelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       json.RawMessage(msg.Payload),
		PublishedAt:   publishedAt.UTC(),
	}
}

// DecodeEnvelope разбирает сообщение из TopicGroupEvents.
func DecodeEnvelope(message *sarama.ConsumerMessage) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(message.Value, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.EventType == "" {
		return Envelope{}, fmt.Errorf("envelope at offset %d has no event_type", message.Offset)
	}
	return env, nil
}

// GroupEvent достаёт доменное событие из конверта.
func (e Envelope) GroupEvent() (domain.GroupEvent, error) {
	if e.AggregateType != domain.AggregateTypeGroup {
		return domain.GroupEvent{}, fmt.Errorf("unexpected aggregate type %q", e.AggregateType)
	}
	var event domain.GroupEvent
	if err := json.Unmarshal(e.Payload, &event); err != nil {
		return domain.GroupEvent{}, fmt.Errorf("unmarshal %s payload: %w", e.EventType, err)
	}
	return event, nil
}

// DLQRecord: разобранное сообщение из TopicDeadLetterQueue.
type DLQRecord struct {
	Envelope      Envelope
	Payload       DLQPayload
	OriginalTopic string
}

// DecodeDLQ разбирает сообщение DLQ: конверт, вложенный DLQPayload и заголовок x-original-topic.
func DecodeDLQ(message *sarama.ConsumerMessage) (DLQRecord, error) {
	env, err := DecodeEnvelope(message)
	if err != nil {
		return DLQRecord{}, err
	}
	if len(env.Payload) == 0 {
		return DLQRecord{}, fmt.Errorf("dlq envelope at offset %d has empty payload", message.Offset)
	}

	var payload DLQPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return DLQRecord{}, fmt.Errorf("unmarshal dlq payload: %w", err)
	}
	if len(payload.Payload) == 0 {
		return DLQRecord{}, fmt.Errorf("dlq payload does not contain original event payload")
	}

	return DLQRecord{
		Envelope:      env,
		Payload:       payload,
		OriginalTopic: headerValue(message.Headers, HeaderOriginalTopic),
	}, nil
}

// Replay восстанавливает исходный конверт события для повторной публикации.
func (r DLQRecord) Replay(publishedAt time.Time) Envelope {
	return Envelope{
		ID:            firstNonEmpty(r.Payload.OutboxID, r.Envelope.ID),
		AggregateType: firstNonEmpty(r.Payload.AggregateType, r.Envelope.AggregateType),
		AggregateID:   firstNonEmpty(r.Payload.AggregateID, r.Envelope.AggregateID),
		EventType:     firstNonEmpty(r.Payload.EventType, r.Envelope.EventType),
		Payload:       r.Payload.Payload,
		PublishedAt:   publishedAt.UTC(),
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

func headerValue(headers []*sarama.RecordHeader, key string) string {
	for _, h := range headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}
