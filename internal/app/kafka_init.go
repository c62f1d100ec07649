package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/groupbooking/internal/domain"
	"github.com/vladislavdragonenkov/groupbooking/internal/messaging/kafka"
)

// initKafkaProducer создаёт producer, если брокеры заданы.
// Возвращает nil, nil, если Kafka не настроена.
func initKafkaProducer(cfg Config, logger *log.Entry) (*kafka.Producer, error) {
	brokers := cfg.kafkaBrokerList()
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(kafka.ProducerConfig{Brokers: brokers, ClientID: cfg.KafkaClientID})
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer")
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

// closeKafkaProducer закрывает producer, если он не nil.
func closeKafkaProducer(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

// newEventPublishers возвращает publisher событий групп и DLQ.
// Без Kafka события пишутся в лог, чтобы outbox не копился бесконечно.
func newEventPublishers(cfg Config, producer *kafka.Producer, logger *log.Entry) (domain.OutboxPublisher, domain.OutboxPublisher) {
	if producer == nil {
		return logPublisher{logger: logger.WithField("component", "event-log")}, nil
	}
	topic := cfg.KafkaTopic
	if topic == "" {
		topic = kafka.TopicGroupEvents
	}
	return kafka.NewGroupEventPublisher(producer, topic), kafka.NewDLQPublisher(producer, topic)
}

// logPublisher: publisher для запуска без брокера.
type logPublisher struct {
	logger *log.Entry
}

func (p logPublisher) Publish(event domain.OutboxMessage) error {
	p.logger.WithFields(log.Fields{
		"event_id":   event.ID,
		"group_id":   event.AggregateID,
		"event_type": event.EventType,
	}).Info("group event")
	return nil
}
