package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/groupbooking/internal/domain"
)

// GroupEventPublisher публикует outbox-сообщения групп в Kafka.
// Ключ сообщения: ID группы, поэтому порядок событий одной группы сохраняется.
type GroupEventPublisher struct {
	producer *Producer
	topic    string
}

// NewGroupEventPublisher создаёт publisher для TopicGroupEvents (или topic, если задан).
func NewGroupEventPublisher(producer *Producer, topic string) *GroupEventPublisher {
	if topic == "" {
		topic = TopicGroupEvents
	}
	return &GroupEventPublisher{producer: producer, topic: topic}
}

// Publish отправляет конверт с событием.
func (p *GroupEventPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka group event publisher is not initialized")
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}

	return p.producer.SendJSON(p.topic, key, NewEnvelope(event, p.producer.now()), map[string]string{
		HeaderEventType:   event.EventType,
		HeaderAggregateID: event.AggregateID,
	})
}

// DLQPublisher кладёт в TopicDeadLetterQueue события, которые не удалось опубликовать.
// Payload входящего сообщения: сериализованный DLQPayload.
type DLQPublisher struct {
	producer    *Producer
	topic       string
	sourceTopic string
}

// NewDLQPublisher создаёт DLQ publisher; sourceTopic попадает в заголовок x-original-topic.
func NewDLQPublisher(producer *Producer, sourceTopic string) *DLQPublisher {
	if sourceTopic == "" {
		sourceTopic = TopicGroupEvents
	}
	return &DLQPublisher{producer: producer, topic: TopicDeadLetterQueue, sourceTopic: sourceTopic}
}

// Publish отправляет сообщение в DLQ.
func (p *DLQPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka dlq publisher is not initialized")
	}

	headers := map[string]string{
		HeaderEventType:     event.EventType,
		HeaderAggregateID:   event.AggregateID,
		HeaderOriginalTopic: p.sourceTopic,
		HeaderFailedAt:      p.producer.now().UTC().Format(time.RFC3339),
	}
	var payload DLQPayload
	if err := json.Unmarshal(event.Payload, &payload); err == nil && payload.PublishError != "" {
		headers[HeaderErrorMessage] = payload.PublishError
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}
	return p.producer.SendJSON(p.topic, key, NewEnvelope(event, p.producer.now()), headers)
}

var (
	_ domain.OutboxPublisher = (*GroupEventPublisher)(nil)
	_ domain.OutboxPublisher = (*DLQPublisher)(nil)
)
