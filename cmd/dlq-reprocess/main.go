// Command dlq-reprocess возвращает события групп из DLQ в исходный топик.
//
// По умолчанию работает в режиме dry-run: только показывает, что было бы
// переотправлено. Флаг -group ограничивает повтор одной группой.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/groupbooking/internal/messaging/kafka"
)

const (
	defaultLimit = 100
	defaultIdle  = 2 * time.Second
	clientID     = "groupbooking-dlq-reprocess"
)

type options struct {
	brokers       []string
	dlqTopic      string
	fallbackTopic string
	groupID       string
	limit         int
	execute       bool
	newestFirst   bool
	idle          time.Duration
}

// partitionStream: часть sarama.PartitionConsumer, нужная для чтения.
type partitionStream interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

// dlqSource читает DLQ по партициям.
type dlqSource interface {
	Partitions(topic string) ([]int32, error)
	Bounds(topic string, partition int32) (oldest, newest int64, err error)
	Open(topic string, partition int32, offset int64) (partitionStream, error)
	Close() error
}

// eventSink публикует восстановленное событие; реализуется *kafka.Producer.
type eventSink interface {
	Send(topic, key string, value []byte, headers map[string]string) error
}

type saramaSource struct {
	client   sarama.Client
	consumer sarama.Consumer
}

func (s saramaSource) Partitions(topic string) ([]int32, error) {
	return s.client.Partitions(topic)
}

func (s saramaSource) Bounds(topic string, partition int32) (int64, int64, error) {
	oldest, err := s.client.GetOffset(topic, partition, sarama.OffsetOldest)
	if err != nil {
		return 0, 0, err
	}
	newest, err := s.client.GetOffset(topic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, 0, err
	}
	return oldest, newest, nil
}

func (s saramaSource) Open(topic string, partition int32, offset int64) (partitionStream, error) {
	return s.consumer.ConsumePartition(topic, partition, offset)
}

func (s saramaSource) Close() error {
	return errors.Join(s.consumer.Close(), s.client.Close())
}

// connect подключается к Kafka. В dry-run producer не создаётся.
var connect = func(opts options) (dlqSource, eventSink, func(), error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(opts.brokers, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	source := saramaSource{client: client, consumer: consumer}

	if !opts.execute {
		return source, nil, func() { _ = source.Close() }, nil
	}

	producer, err := kafka.NewProducer(kafka.ProducerConfig{Brokers: opts.brokers, ClientID: clientID})
	if err != nil {
		_ = source.Close()
		return nil, nil, nil, err
	}
	return source, producer, func() {
		_ = producer.Close()
		_ = source.Close()
	}, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if err := execute(os.Args[1:]); err != nil {
		log.WithError(err).Fatal("dlq replay failed")
	}
}

func execute(args []string) error {
	opts, err := parseOptions(args, os.Getenv)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, sink, closeFn, err := connect(opts)
	if err != nil {
		return err
	}
	defer closeFn()

	_, err = newReplayer(opts, source, sink).run(ctx)
	return err
}

func parseOptions(args []string, getenv func(string) string) (options, error) {
	var (
		opts    options
		brokers string
	)

	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.StringVar(&brokers, "brokers", "", "comma-separated Kafka brokers (default: GROUPS_KAFKA_BROKERS)")
	fs.StringVar(&opts.dlqTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ topic to scan")
	fs.StringVar(&opts.fallbackTopic, "target-topic", kafka.TopicGroupEvents, "topic for records without x-original-topic")
	fs.StringVar(&opts.groupID, "group", "", "replay events of this group only")
	fs.IntVar(&opts.limit, "limit", defaultLimit, "max records to scan")
	fs.BoolVar(&opts.execute, "execute", false, "publish records instead of dry-run")
	fs.BoolVar(&opts.newestFirst, "from-newest", false, "start from the newest records of each partition")
	fs.DurationVar(&opts.idle, "idle-timeout", defaultIdle, "stop reading a partition after this idle period")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if strings.TrimSpace(brokers) == "" {
		brokers = getenv("GROUPS_KAFKA_BROKERS")
	}
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			opts.brokers = append(opts.brokers, b)
		}
	}
	opts.groupID = strings.TrimSpace(opts.groupID)
	opts.dlqTopic = strings.TrimSpace(opts.dlqTopic)
	opts.fallbackTopic = strings.TrimSpace(opts.fallbackTopic)

	switch {
	case len(opts.brokers) == 0:
		return options{}, errors.New("kafka brokers are required (-brokers or GROUPS_KAFKA_BROKERS)")
	case opts.dlqTopic == "":
		return options{}, errors.New("source-topic is required")
	case opts.fallbackTopic == "":
		return options{}, errors.New("target-topic is required")
	case opts.limit <= 0:
		return options{}, errors.New("limit must be > 0")
	case opts.idle <= 0:
		return options{}, errors.New("idle-timeout must be > 0")
	}
	return opts, nil
}

// report: итог прогона по DLQ.
type report struct {
	Scanned  int
	Replayed int
	Filtered int
	Broken   int
	ByEvent  map[string]int
}

type replayer struct {
	opts   options
	source dlqSource
	sink   eventSink
	logger *log.Entry
	now    func() time.Time
}

func newReplayer(opts options, source dlqSource, sink eventSink) *replayer {
	return &replayer{
		opts:   opts,
		source: source,
		sink:   sink,
		logger: log.WithField("component", "dlq-reprocess"),
		now:    time.Now,
	}
}

func (r *replayer) run(ctx context.Context) (report, error) {
	rep := report{ByEvent: make(map[string]int)}
	if r.source == nil {
		return rep, errors.New("dlq source is required")
	}
	if r.opts.execute && r.sink == nil {
		return rep, errors.New("event sink is required in execute mode")
	}

	partitions, err := r.source.Partitions(r.opts.dlqTopic)
	if err != nil {
		return rep, fmt.Errorf("list partitions of %s: %w", r.opts.dlqTopic, err)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		budget := r.opts.limit - rep.Scanned
		if budget <= 0 {
			break
		}
		if err := r.scan(ctx, partition, budget, &rep); err != nil {
			return rep, err
		}
	}

	r.logger.WithFields(log.Fields{
		"execute":  r.opts.execute,
		"group_id": r.opts.groupID,
		"scanned":  rep.Scanned,
		"replayed": rep.Replayed,
		"filtered": rep.Filtered,
		"broken":   rep.Broken,
		"by_event": rep.ByEvent,
	}).Info("dlq replay finished")
	return rep, nil
}

// scan читает партицию до верхней границы на момент старта, лимита или простоя.
func (r *replayer) scan(ctx context.Context, partition int32, budget int, rep *report) error {
	oldest, newest, err := r.source.Bounds(r.opts.dlqTopic, partition)
	if err != nil {
		return fmt.Errorf("offsets of partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return nil
	}

	start := oldest
	if r.opts.newestFirst {
		start = max(oldest, newest-int64(budget))
	}

	stream, err := r.source.Open(r.opts.dlqTopic, partition, start)
	if err != nil {
		return fmt.Errorf("open partition %d: %w", partition, err)
	}
	defer func() { _ = stream.Close() }()

	for read := 0; read < budget; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case consumeErr := <-stream.Errors():
			if consumeErr != nil {
				return fmt.Errorf("read partition %d: %w", partition, consumeErr)
			}
		case <-time.After(r.opts.idle):
			return nil
		case msg, ok := <-stream.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return nil
			}
			read++
			if err := r.handle(msg, rep); err != nil {
				return err
			}
			if msg.Offset+1 >= newest {
				return nil
			}
		}
	}
	return nil
}

func (r *replayer) handle(msg *sarama.ConsumerMessage, rep *report) error {
	rep.Scanned++
	entry := r.logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	c, err := decodeCandidate(msg, r.opts.fallbackTopic, r.now())
	if err != nil {
		rep.Broken++
		entry.WithError(err).Warn("skip unreadable dlq record")
		return nil
	}
	if r.opts.groupID != "" && c.groupID != r.opts.groupID {
		rep.Filtered++
		return nil
	}

	entry = entry.WithFields(log.Fields{
		"group_id":   c.groupID,
		"event_type": c.eventType,
		"topic":      c.topic,
	})
	if r.opts.execute {
		if err := r.sink.Send(c.topic, c.groupID, c.body, c.headers); err != nil {
			return fmt.Errorf("replay %s of group %s: %w", c.eventType, c.groupID, err)
		}
		entry.Info("group event replayed")
	} else {
		entry.Info("dry-run: group event would be replayed")
	}

	rep.Replayed++
	rep.ByEvent[c.eventType]++
	return nil
}

// candidate: событие группы, восстановленное из записи DLQ.
type candidate struct {
	topic     string
	groupID   string
	eventType string
	body      []byte
	headers   map[string]string
}

// decodeCandidate берёт топик из x-original-topic, иначе fallbackTopic.
// Ключом остаётся id группы, чтобы событие вернулось в ту же партицию.
func decodeCandidate(msg *sarama.ConsumerMessage, fallbackTopic string, now time.Time) (candidate, error) {
	record, err := kafka.DecodeDLQ(msg)
	if err != nil {
		return candidate{}, err
	}

	env := record.Replay(now)
	body, err := json.Marshal(env)
	if err != nil {
		return candidate{}, fmt.Errorf("encode replay envelope: %w", err)
	}

	c := candidate{
		topic:     strings.TrimSpace(record.OriginalTopic),
		groupID:   env.AggregateID,
		eventType: env.EventType,
		body:      body,
		headers: map[string]string{
			kafka.HeaderEventType:   env.EventType,
			kafka.HeaderAggregateID: env.AggregateID,
		},
	}
	if c.topic == "" {
		c.topic = fallbackTopic
	}
	if c.groupID == "" {
		c.groupID = env.ID
	}
	return c, nil
}
