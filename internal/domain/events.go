package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// AggregateTypeGroup: тип агрегата в outbox для событий групп.
const AggregateTypeGroup = "group"

// GroupEventType определяет тип доменного события группы.
type GroupEventType string

const (
	EventGroupCreated      GroupEventType = "group.created"
	EventParticipantJoined GroupEventType = "group.participant_joined"
	EventParticipantLeft   GroupEventType = "group.participant_left"
	EventGroupConfirmed    GroupEventType = "group.confirmed"
	EventGroupExpired      GroupEventType = "group.expired"
	EventGroupCancelled    GroupEventType = "group.cancelled"
	EventGroupClosed       GroupEventType = "group.closed"
	EventGroupBecameFull   GroupEventType = "group.full"
)

// GroupEvent уходит внешним подписчикам (чат, уведомления) через outbox.
type GroupEvent struct {
	EventType  GroupEventType `json:"event_type"`
	GroupID    string         `json:"group_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	UserID     string         `json:"user_id,omitempty"`
	PartySize  int            `json:"party_size,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Group      GroupSnapshot  `json:"group"`
}

// NewGroupEvent создаёт событие с актуальным снимком группы.
func NewGroupEvent(eventType GroupEventType, group Group, occurredAt time.Time) GroupEvent {
	return GroupEvent{
		EventType:  eventType,
		GroupID:    group.ID,
		OccurredAt: occurredAt.UTC(),
		Group:      group.Snapshot(),
	}
}

// StatusEventType возвращает событие, которое публикуется при входе в статус.
func StatusEventType(status GroupStatus) (GroupEventType, bool) {
	switch status {
	case GroupStatusFull:
		return EventGroupBecameFull, true
	case GroupStatusConfirmed:
		return EventGroupConfirmed, true
	case GroupStatusExpired:
		return EventGroupExpired, true
	case GroupStatusCancelled:
		return EventGroupCancelled, true
	case GroupStatusClosed:
		return EventGroupClosed, true
	default:
		return "", false
	}
}

// OutboxMessage сериализует событие для transactional outbox.
func (e GroupEvent) OutboxMessage() (OutboxMessage, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal %s event: %w", e.EventType, err)
	}
	return OutboxMessage{
		AggregateType: AggregateTypeGroup,
		AggregateID:   e.GroupID,
		EventType:     string(e.EventType),
		Payload:       payload,
	}, nil
}
