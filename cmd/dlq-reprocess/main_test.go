package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/groupbooking/internal/messaging/kafka"
)

func dlqRecord(t *testing.T, offset int64, groupID, eventID, eventType string) *sarama.ConsumerMessage {
	t.Helper()

	inner, err := json.Marshal(kafka.DLQPayload{
		OutboxID:      eventID,
		AggregateType: "group",
		AggregateID:   groupID,
		EventType:     eventType,
		Payload:       json.RawMessage(`{"group_id":"` + groupID + `","event_type":"` + eventType + `"}`),
		PublishError:  "broker unavailable",
	})
	require.NoError(t, err)

	raw, err := json.Marshal(kafka.Envelope{
		ID:            eventID,
		AggregateType: "group",
		AggregateID:   groupID,
		EventType:     eventType,
		Payload:       inner,
	})
	require.NoError(t, err)

	return &sarama.ConsumerMessage{Offset: offset, Value: raw}
}

type fakeStream struct {
	messages chan *sarama.ConsumerMessage
	errs     chan *sarama.ConsumerError
	closed   bool
}

func (s *fakeStream) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *fakeStream) Errors() <-chan *sarama.ConsumerError     { return s.errs }
func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

// fakeSource отдаёт записи партиции начиная с запрошенного offset.
type fakeSource struct {
	records map[int32][]*sarama.ConsumerMessage

	// keepOpen не закрывает канал сообщений: чтение завершается по простою.
	keepOpen      bool
	streamErr     error
	partitionsErr error
	boundsErr     error
	openErr       error
	highWater     map[int32]int64

	openedAt map[int32]int64
	streams  []*fakeStream
}

func (s *fakeSource) Partitions(string) ([]int32, error) {
	if s.partitionsErr != nil {
		return nil, s.partitionsErr
	}
	partitions := make([]int32, 0, len(s.records))
	for p := range s.records {
		partitions = append(partitions, p)
	}
	return partitions, nil
}

func (s *fakeSource) Bounds(_ string, partition int32) (int64, int64, error) {
	if s.boundsErr != nil {
		return 0, 0, s.boundsErr
	}
	records := s.records[partition]
	if len(records) == 0 {
		return 0, 0, nil
	}
	if hw, ok := s.highWater[partition]; ok {
		return records[0].Offset, hw, nil
	}
	return records[0].Offset, records[len(records)-1].Offset + 1, nil
}

func (s *fakeSource) Open(_ string, partition int32, offset int64) (partitionStream, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	if s.openedAt == nil {
		s.openedAt = make(map[int32]int64)
	}
	s.openedAt[partition] = offset

	stream := &fakeStream{
		messages: make(chan *sarama.ConsumerMessage, len(s.records[partition])),
		errs:     make(chan *sarama.ConsumerError, 1),
	}
	if s.streamErr != nil {
		stream.errs <- &sarama.ConsumerError{Partition: partition, Err: s.streamErr}
	} else {
		for _, msg := range s.records[partition] {
			if msg.Offset >= offset {
				msg.Partition = partition
				stream.messages <- msg
			}
		}
	}
	if !s.keepOpen {
		close(stream.messages)
	}
	s.streams = append(s.streams, stream)
	return stream, nil
}

func (s *fakeSource) Close() error { return nil }

func testOptions() options {
	return options{
		brokers:       []string{"localhost:9092"},
		dlqTopic:      kafka.TopicDeadLetterQueue,
		fallbackTopic: kafka.TopicGroupEvents,
		limit:         100,
		idle:          time.Second,
	}
}

func TestParseOptions(t *testing.T) {
	env := map[string]string{"GROUPS_KAFKA_BROKERS": "k1:9092, ,k2:9092"}
	getenv := func(key string) string { return env[key] }

	opts, err := parseOptions(nil, getenv)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, opts.brokers)
	assert.Equal(t, kafka.TopicDeadLetterQueue, opts.dlqTopic)
	assert.Equal(t, kafka.TopicGroupEvents, opts.fallbackTopic)
	assert.Equal(t, defaultLimit, opts.limit)
	assert.False(t, opts.execute)

	opts, err = parseOptions([]string{
		"-brokers", "flag:9092", "-group", " grp-7 ", "-limit", "5",
		"-execute", "-from-newest", "-idle-timeout", "250ms", "-target-topic", "replayed.events",
	}, getenv)
	require.NoError(t, err)
	assert.Equal(t, []string{"flag:9092"}, opts.brokers)
	assert.Equal(t, "grp-7", opts.groupID)
	assert.Equal(t, 5, opts.limit)
	assert.True(t, opts.execute)
	assert.True(t, opts.newestFirst)
	assert.Equal(t, 250*time.Millisecond, opts.idle)
	assert.Equal(t, "replayed.events", opts.fallbackTopic)
}

func TestParseOptions_Invalid(t *testing.T) {
	noEnv := func(string) string { return "" }

	cases := map[string][]string{
		"no brokers":     {},
		"empty source":   {"-brokers", "k:1", "-source-topic", " "},
		"empty target":   {"-brokers", "k:1", "-target-topic", ""},
		"zero limit":     {"-brokers", "k:1", "-limit", "0"},
		"negative idle":  {"-brokers", "k:1", "-idle-timeout", "-1s"},
		"unknown flag":   {"-brokers", "k:1", "-bogus"},
		"malformed bool": {"-brokers", "k:1", "-execute=maybe"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseOptions(args, noEnv)
			assert.Error(t, err)
		})
	}

	_, err := parseOptions([]string{"-h"}, noEnv)
	assert.ErrorIs(t, err, flag.ErrHelp)
}

func TestDecodeCandidate(t *testing.T) {
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	msg := dlqRecord(t, 0, "grp-1", "evt-1", "group_confirmed")
	msg.Headers = []*sarama.RecordHeader{
		{Key: []byte(kafka.HeaderOriginalTopic), Value: []byte("custom.group.events")},
	}

	c, err := decodeCandidate(msg, kafka.TopicGroupEvents, now)
	require.NoError(t, err)
	assert.Equal(t, "custom.group.events", c.topic)
	assert.Equal(t, "grp-1", c.groupID)
	assert.Equal(t, "group_confirmed", c.eventType)
	assert.Equal(t, "grp-1", c.headers[kafka.HeaderAggregateID])

	env, err := kafka.DecodeEnvelope(&sarama.ConsumerMessage{Value: c.body})
	require.NoError(t, err)
	assert.Equal(t, "evt-1", env.ID)
	assert.True(t, env.PublishedAt.Equal(now))
	assert.JSONEq(t, `{"group_id":"grp-1","event_type":"group_confirmed"}`, string(env.Payload))

	c, err = decodeCandidate(dlqRecord(t, 1, "grp-2", "evt-2", "participant_joined"), "fallback.events", now)
	require.NoError(t, err)
	assert.Equal(t, "fallback.events", c.topic)

	for _, raw := range []string{
		`not-json`,
		`{"id":"x","aggregate_type":"group","event_type":"participant_joined","payload":"not-an-object"}`,
	} {
		_, err := decodeCandidate(&sarama.ConsumerMessage{Value: []byte(raw)}, kafka.TopicGroupEvents, now)
		assert.Error(t, err, raw)
	}
}

func TestReplayer_DryRunCountsEventsPerType(t *testing.T) {
	source := &fakeSource{records: map[int32][]*sarama.ConsumerMessage{
		0: {
			dlqRecord(t, 10, "grp-1", "e1", "participant_joined"),
			{Offset: 11, Value: []byte("garbage")},
			dlqRecord(t, 12, "grp-1", "e2", "group_full"),
		},
		1: {
			dlqRecord(t, 0, "grp-2", "e3", "participant_joined"),
		},
	}}

	rep, err := newReplayer(testOptions(), source, nil).run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, rep.Scanned)
	assert.Equal(t, 3, rep.Replayed)
	assert.Equal(t, 1, rep.Broken)
	assert.Equal(t, map[string]int{"participant_joined": 2, "group_full": 1}, rep.ByEvent)
	for _, stream := range source.streams {
		assert.True(t, stream.closed)
	}
}

func TestReplayer_ExecuteReplaysOnlySelectedGroup(t *testing.T) {
	source := &fakeSource{records: map[int32][]*sarama.ConsumerMessage{
		0: {
			dlqRecord(t, 0, "grp-1", "e1", "participant_joined"),
			dlqRecord(t, 1, "grp-2", "e2", "participant_joined"),
			dlqRecord(t, 2, "grp-1", "e3", "group_cancelled"),
		},
	}}

	mockProducer := mocks.NewSyncProducer(t, nil)
	for _, want := range []string{"participant_joined", "group_cancelled"} {
		mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
			key, _ := msg.Key.Encode()
			if msg.Topic != kafka.TopicGroupEvents || string(key) != "grp-1" {
				return errors.New("replay must go to the group topic keyed by group id")
			}
			value, _ := msg.Value.Encode()
			env, err := kafka.DecodeEnvelope(&sarama.ConsumerMessage{Value: value})
			if err != nil {
				return err
			}
			if env.EventType != want {
				return errors.New("unexpected event order: " + env.EventType)
			}
			return nil
		})
	}
	producer := kafka.NewProducerFrom(mockProducer, nil)
	defer func() { assert.NoError(t, producer.Close()) }()

	opts := testOptions()
	opts.execute = true
	opts.groupID = "grp-1"

	rep, err := newReplayer(opts, source, producer).run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Scanned)
	assert.Equal(t, 2, rep.Replayed)
	assert.Equal(t, 1, rep.Filtered)
}

func TestReplayer_LimitAndNewestFirst(t *testing.T) {
	records := make([]*sarama.ConsumerMessage, 0, 6)
	for i := int64(0); i < 6; i++ {
		records = append(records, dlqRecord(t, 100+i, "grp-1", "e", "participant_joined"))
	}

	source := &fakeSource{records: map[int32][]*sarama.ConsumerMessage{0: records, 1: records[:2]}}
	opts := testOptions()
	opts.limit = 4
	opts.newestFirst = true

	rep, err := newReplayer(opts, source, nil).run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Scanned)
	assert.Equal(t, int64(102), source.openedAt[0])
	assert.NotContains(t, source.openedAt, int32(1), "budget is spent on the first partition")
}

func TestReplayer_StopsOnIdleAndCancel(t *testing.T) {
	// Граница партиции 5, но записи есть только с offset 0.
	newSource := func() *fakeSource {
		return &fakeSource{
			records:   map[int32][]*sarama.ConsumerMessage{0: {dlqRecord(t, 0, "grp-1", "e1", "participant_joined")}},
			highWater: map[int32]int64{0: 5},
			keepOpen:  true,
		}
	}

	opts := testOptions()
	opts.idle = 20 * time.Millisecond
	rep, err := newReplayer(opts, newSource(), nil).run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Scanned)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opts.idle = time.Minute
	_, err = newReplayer(opts, newSource(), nil).run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReplayer_Errors(t *testing.T) {
	records := map[int32][]*sarama.ConsumerMessage{0: {dlqRecord(t, 0, "grp-1", "e1", "participant_joined")}}
	boom := errors.New("boom")

	cases := []struct {
		name   string
		source dlqSource
		sink   eventSink
		exec   bool
	}{
		{name: "nil source"},
		{name: "execute without sink", source: &fakeSource{records: records}, exec: true},
		{name: "partitions", source: &fakeSource{records: records, partitionsErr: boom}},
		{name: "bounds", source: &fakeSource{records: records, boundsErr: boom}},
		{name: "open", source: &fakeSource{records: records, openErr: boom}},
		{name: "stream", source: &fakeSource{records: records, streamErr: boom, keepOpen: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := testOptions()
			opts.execute = tc.exec
			_, err := newReplayer(opts, tc.source, tc.sink).run(context.Background())
			assert.Error(t, err)
		})
	}

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer := kafka.NewProducerFrom(mockProducer, nil)
	defer func() { _ = producer.Close() }()

	opts := testOptions()
	opts.execute = true
	_, err := newReplayer(opts, &fakeSource{records: records}, producer).run(context.Background())
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}
