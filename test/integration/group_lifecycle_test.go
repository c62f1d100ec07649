package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/groupbooking/internal/admission"
	"github.com/vladislavdragonenkov/groupbooking/internal/domain"
	"github.com/vladislavdragonenkov/groupbooking/internal/invite"
	"github.com/vladislavdragonenkov/groupbooking/internal/lock"
	"github.com/vladislavdragonenkov/groupbooking/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/groupbooking/internal/scheduler"
	"github.com/vladislavdragonenkov/groupbooking/internal/service/booking"
	"github.com/vladislavdragonenkov/groupbooking/internal/service/outbox"
	"github.com/vladislavdragonenkov/groupbooking/internal/storage/memory"
	"github.com/vladislavdragonenkov/groupbooking/internal/transport/httpapi"
)

type movableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *movableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *movableClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingPublisher собирает конверты в том виде, в каком они ушли бы в Kafka.
type recordingPublisher struct {
	mu        sync.Mutex
	clock     domain.Clock
	envelopes []kafka.Envelope
}

func (p *recordingPublisher) Publish(msg domain.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = append(p.envelopes, kafka.NewEnvelope(msg, p.clock.Now()))
	return nil
}

func (p *recordingPublisher) eventTypes(groupID string) []domain.GroupEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.GroupEventType
	for _, env := range p.envelopes {
		if env.AggregateID != groupID {
			continue
		}
		event, err := env.GroupEvent()
		if err != nil {
			continue
		}
		out = append(out, event.EventType)
	}
	return out
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type GroupLifecycleSuite struct {
	suite.Suite

	clock     *movableClock
	server    *httptest.Server
	sweeper   *scheduler.Scheduler
	worker    *outbox.Worker
	publisher *recordingPublisher
}

func TestGroupLifecycleSuite(t *testing.T) {
	suite.Run(t, new(GroupLifecycleSuite))
}

func (s *GroupLifecycleSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	s.clock = &movableClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}

	outboxRepo := memory.NewOutboxRepository()
	groups := memory.NewGroupRepository(outboxRepo)
	ctrl := admission.NewController(groups, lock.NewMemoryLocker(), admission.WithClock(s.clock))
	registry := invite.NewRegistry(memory.NewInviteCodeRepository(), groups, invite.Options{Clock: s.clock})
	svc := booking.NewService(ctrl, groups, registry, booking.Config{
		InviteBaseURL: "https://groups.example.com",
		Clock:         s.clock,
	})

	s.server = httptest.NewServer(httpapi.NewRouter(svc, httpapi.Options{
		Idempotency:    memory.NewIdempotencyRepository(s.clock),
		IdempotencyTTL: time.Hour,
		Clock:          s.clock,
	}))
	s.sweeper = scheduler.New(groups, ctrl, scheduler.WithClock(s.clock))
	s.publisher = &recordingPublisher{clock: s.clock}
	s.worker = outbox.NewWorker(outboxRepo, s.publisher, outbox.WithClock(s.clock), outbox.WithRetryBaseDelay(0))
}

func (s *GroupLifecycleSuite) TearDownTest() {
	s.server.Close()
}

func (s *GroupLifecycleSuite) TestFullLifecycleFromInviteToClosed() {
	group := s.createGroup("alice", 2, 3, "")
	s.Equal("open", group.Status)
	s.NotEmpty(group.InviteCode)

	status, env := s.do(http.MethodGet, "/invite/"+group.InviteCode, "", nil, nil)
	s.Equal(http.StatusOK, status)
	s.Equal(group.ID, s.snapshot(env).ID)

	status, env = s.do(http.MethodPost, "/groups/"+group.ID+"/join", "bob", map[string]int{"party_size": 2}, nil)
	s.Equal(http.StatusCreated, status)

	status, env = s.do(http.MethodPost, "/groups/"+group.ID+"/join", "bob", nil, nil)
	s.Equal(http.StatusOK, status, "repeated join must be reported as already joined")
	var repeat struct {
		AlreadyJoined bool `json:"already_joined"`
	}
	s.Require().NoError(json.Unmarshal(env.Data, &repeat))
	s.True(repeat.AlreadyJoined)

	status, env = s.do(http.MethodPost, "/groups/"+group.ID+"/join", "carol", nil, nil)
	s.Equal(http.StatusCreated, status)

	status, env = s.do(http.MethodPost, "/groups/"+group.ID+"/join", "dave", nil, nil)
	s.Equal(http.StatusConflict, status)
	s.Equal(httpapi.CodeGroupNotJoinable, env.Error.Code)

	status, env = s.do(http.MethodGet, "/groups/"+group.ID, "", nil, nil)
	s.Equal(http.StatusOK, status)
	full := s.snapshot(env)
	s.Equal("full", full.Status)
	s.Equal(3, full.CurrentParticipants)
	s.Equal(0, full.RemainingSeats)

	status, env = s.do(http.MethodDelete, "/groups/"+group.ID+"/participants/me", "carol", nil, nil)
	s.Equal(http.StatusConflict, status)
	s.Equal(httpapi.CodeLeaveNotAllowed, env.Error.Code)

	status, _ = s.do(http.MethodPost, "/groups/"+group.ID+"/confirm", "bob", nil, nil)
	s.Equal(http.StatusForbidden, status)

	status, env = s.do(http.MethodPost, "/groups/"+group.ID+"/confirm", "alice", nil, nil)
	s.Equal(http.StatusOK, status)
	s.Equal("confirmed", s.snapshot(env).Status)

	s.clock.Advance(72 * time.Hour)
	result := s.sweeper.SweepOnce(context.Background())
	s.Equal(1, result.Changed)

	status, env = s.do(http.MethodGet, "/groups/"+group.ID, "", nil, nil)
	s.Equal(http.StatusOK, status)
	s.Equal("closed", s.snapshot(env).Status)

	sent := s.worker.ProcessOnce(context.Background())
	s.Zero(sent.Failed)

	events := s.publisher.eventTypes(group.ID)
	s.Require().NotEmpty(events)
	s.Equal(domain.EventGroupCreated, events[0])
	s.Equal(domain.EventGroupClosed, events[len(events)-1])
	s.Contains(events, domain.EventParticipantJoined)
	s.Contains(events, domain.EventGroupBecameFull)
	s.Contains(events, domain.EventGroupConfirmed)
}

func (s *GroupLifecycleSuite) TestDeadlineExpiresUnderfilledGroup() {
	group := s.createGroup("alice", 3, 5, "")

	status, _ := s.do(http.MethodPost, "/groups/"+group.ID+"/join", "bob", nil, nil)
	s.Equal(http.StatusCreated, status)

	s.clock.Advance(2 * time.Hour)

	status, env := s.do(http.MethodGet, "/groups/"+group.ID, "", nil, nil)
	s.Equal(http.StatusOK, status)
	s.Equal("expired", s.snapshot(env).Status)

	status, _ = s.do(http.MethodPost, "/groups/"+group.ID+"/join", "carol", nil, nil)
	s.Equal(http.StatusConflict, status)
}

func (s *GroupLifecycleSuite) TestDeadlineConfirmsGroupThatReachedMinimum() {
	group := s.createGroup("alice", 2, 5, "")
	for _, user := range []string{"bob", "carol"} {
		status, _ := s.do(http.MethodPost, "/groups/"+group.ID+"/join", user, nil, nil)
		s.Equal(http.StatusCreated, status)
	}

	s.clock.Advance(2 * time.Hour)
	s.sweeper.SweepOnce(context.Background())

	status, env := s.do(http.MethodGet, "/groups/"+group.ID, "", nil, nil)
	s.Equal(http.StatusOK, status)
	s.Equal("confirmed", s.snapshot(env).Status)
}

func (s *GroupLifecycleSuite) TestConcurrentJoinsNeverOverfill() {
	group := s.createGroup("alice", 2, 5, "")

	const joiners = 25
	statuses := make(chan int, joiners)
	var wg sync.WaitGroup
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status, _ := s.do(http.MethodPost, "/groups/"+group.ID+"/join", fmt.Sprintf("user-%02d", i), nil, nil)
			statuses <- status
		}(i)
	}
	wg.Wait()
	close(statuses)

	counts := map[int]int{}
	for status := range statuses {
		counts[status]++
	}
	s.Equal(5, counts[http.StatusCreated])
	s.Equal(joiners-5, counts[http.StatusConflict])

	_, env := s.do(http.MethodGet, "/groups/"+group.ID+"/participants", "", nil, nil)
	var participants struct {
		TotalSeats   int               `json:"total_seats"`
		Participants []json.RawMessage `json:"participants"`
	}
	s.Require().NoError(json.Unmarshal(env.Data, &participants))
	s.Equal(5, participants.TotalSeats)
	s.Len(participants.Participants, 5)
}

func (s *GroupLifecycleSuite) TestModeratorCancelIsIdempotent() {
	group := s.createGroup("alice", 2, 5, "")

	headers := map[string]string{httpapi.HeaderUserRole: "moderator"}
	for i := 0; i < 2; i++ {
		status, env := s.do(http.MethodPost, "/groups/"+group.ID+"/cancel", "mod-1", map[string]string{"reason": "venue closed"}, headers)
		s.Equal(http.StatusOK, status)
		s.Equal("cancelled", s.snapshot(env).Status)
	}

	status, _ := s.do(http.MethodPost, "/groups/"+group.ID+"/join", "bob", nil, nil)
	s.Equal(http.StatusConflict, status)
}

func (s *GroupLifecycleSuite) TestCreateIsIdempotentPerKey() {
	first := s.createGroup("alice", 2, 5, "create-1")
	second := s.createGroup("alice", 2, 5, "create-1")
	s.Equal(first.ID, second.ID)

	status, env := s.do(http.MethodPost, "/groups", "alice", s.createBody(3, 5), map[string]string{httpapi.HeaderIdempotencyKey: "create-1"})
	s.Equal(http.StatusUnprocessableEntity, status)
	s.Equal(httpapi.CodeIdempotencyReused, env.Error.Code)
}

func (s *GroupLifecycleSuite) TestUnknownInviteCode() {
	status, env := s.do(http.MethodGet, "/invite/ZZZZZZZZ", "", nil, nil)
	s.Equal(http.StatusNotFound, status)
	s.Equal(httpapi.CodeInvalidCode, env.Error.Code)
}

func (s *GroupLifecycleSuite) createBody(minSize, maxSize int) map[string]any {
	now := s.clock.Now()
	return map[string]any{
		"item_id":          "boat-tour",
		"slot_at":          now.Add(48 * time.Hour),
		"min_participants": minSize,
		"max_participants": maxSize,
		"base_price":       "100",
		"discount_step":    "10",
		"price_floor":      "60",
		"currency":         "EUR",
		"expires_at":       now.Add(time.Hour),
	}
}

func (s *GroupLifecycleSuite) createGroup(user string, minSize, maxSize int, key string) domain.GroupSnapshot {
	headers := map[string]string{}
	if key != "" {
		headers[httpapi.HeaderIdempotencyKey] = key
	}
	status, env := s.do(http.MethodPost, "/groups", user, s.createBody(minSize, maxSize), headers)
	s.Require().Equal(http.StatusCreated, status)
	return s.snapshot(env)
}

func (s *GroupLifecycleSuite) snapshot(env apiEnvelope) domain.GroupSnapshot {
	var snap domain.GroupSnapshot
	s.Require().True(env.Success)
	s.Require().NoError(json.Unmarshal(env.Data, &snap))
	return snap
}

func (s *GroupLifecycleSuite) do(method, path, user string, body any, headers map[string]string) (int, apiEnvelope) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, s.server.URL+path, reader)
	s.Require().NoError(err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(httpapi.HeaderUserID, user)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := s.server.Client().Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	var env apiEnvelope
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}
