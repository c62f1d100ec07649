package admission

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/groupbooking/internal/domain"
	"github.com/vladislavdragonenkov/groupbooking/internal/lock"
	"github.com/vladislavdragonenkov/groupbooking/internal/metrics"
	"github.com/vladislavdragonenkov/groupbooking/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	ctrl   *Controller
	repo   *memory.GroupRepository
	outbox *memory.OutboxRepository
	locker *lock.MemoryLocker
	clock  *fakeClock
}

func newFixture(t *testing.T, options ...Option) fixture {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	outbox := memory.NewOutboxRepository()
	repo := memory.NewGroupRepository(outbox)
	locker := lock.NewMemoryLocker()

	seq := 0
	base := []Option{
		WithClock(clock),
		WithMetrics(metrics.NewAdmissionMetricsWithRegisterer(prometheus.NewRegistry())),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("group-%d", seq)
		}),
	}

	return fixture{
		ctrl:   NewController(repo, locker, append(base, options...)...),
		repo:   repo,
		outbox: outbox,
		locker: locker,
		clock:  clock,
	}
}

func (f fixture) createGroup(t *testing.T, min, max int) domain.Group {
	t.Helper()

	now := f.clock.Now()
	group, err := f.ctrl.Create(context.Background(), CreateRequest{
		ItemID:          "tour-42",
		SlotAt:          now.Add(7 * 24 * time.Hour),
		MinParticipants: min,
		MaxParticipants: max,
		BasePrice:       decimal.NewFromInt(100),
		DiscountStep:    decimal.NewFromInt(10),
		PriceFloor:      decimal.NewFromInt(60),
		Currency:        "usd",
		ExpiresAt:       now.Add(48 * time.Hour),
		CreatedBy:       "organizer",
	})
	require.NoError(t, err)
	return group
}

func TestController_CreateValidatesInput(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()

	_, err := f.ctrl.Create(context.Background(), CreateRequest{
		ItemID:          "tour-42",
		MinParticipants: 5,
		MaxParticipants: 3,
		BasePrice:       decimal.NewFromInt(100),
		DiscountStep:    decimal.NewFromInt(10),
		PriceFloor:      decimal.NewFromInt(60),
		ExpiresAt:       now.Add(-time.Hour),
		CreatedBy:       "organizer",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Contains(t, err.Error(), "max_participants")
	assert.Contains(t, err.Error(), "expires_at")
}

func TestController_CreateStoresOpenGroup(t *testing.T) {
	f := newFixture(t)
	group := f.createGroup(t, 3, 8)

	assert.Equal(t, "group-1", group.ID)
	assert.Equal(t, domain.GroupStatusOpen, group.Status)
	assert.Equal(t, "USD", group.Currency)
	assert.True(t, decimal.NewFromInt(100).Equal(group.CurrentPrice()))

	pending := f.outbox.AllPending()
	require.Len(t, pending, 1)
	assert.Equal(t, string(domain.EventGroupCreated), pending[0].EventType)
}

func TestController_JoinFollowsPricingScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := f.createGroup(t, 3, 8)

	res, err := f.ctrl.Join(ctx, group.ID, "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Group.CurrentParticipants)
	assert.True(t, decimal.NewFromInt(100).Equal(res.Group.CurrentPrice()))

	res, err = f.ctrl.Join(ctx, group.ID, "u2", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Group.CurrentParticipants)
	assert.True(t, decimal.NewFromInt(80).Equal(res.Group.CurrentPrice()))
	assert.True(t, res.Group.MinimumReached())

	res, err = f.ctrl.Join(ctx, group.ID, "u3", 5)
	require.NoError(t, err)
	assert.Equal(t, 8, res.Group.CurrentParticipants)
	assert.Equal(t, domain.GroupStatusFull, res.Group.Status)
	assert.True(t, decimal.NewFromInt(60).Equal(res.Group.CurrentPrice()))

	_, err = f.ctrl.Join(ctx, group.ID, "u4", 1)
	assert.ErrorIs(t, err, domain.ErrGroupNotJoinable)

	participants, err := f.repo.ListParticipants(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, domain.SumPartySizes(participants))
}

func TestController_JoinRejectsPartyLargerThanRemaining(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := f.createGroup(t, 2, 5)

	_, err := f.ctrl.Join(ctx, group.ID, "u1", 4)
	require.NoError(t, err)

	_, err = f.ctrl.Join(ctx, group.ID, "u2", 2)
	require.ErrorIs(t, err, domain.ErrGroupNotJoinable)
	assert.Contains(t, err.Error(), "1 left")

	stored, err := f.repo.Get(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.CurrentParticipants)
	assert.Equal(t, domain.GroupStatusOpen, stored.Status)
}

func TestController_JoinIsIdempotentPerUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := f.createGroup(t, 2, 5)

	first, err := f.ctrl.Join(ctx, group.ID, "u1", 2)
	require.NoError(t, err)
	assert.False(t, first.AlreadyJoined)

	second, err := f.ctrl.Join(ctx, group.ID, "u1", 2)
	require.NoError(t, err)
	assert.True(t, second.AlreadyJoined)
	assert.Equal(t, 2, second.Group.CurrentParticipants)
	assert.Equal(t, first.Participant.JoinedAt, second.Participant.JoinedAt)
}

func TestController_JoinValidatesArguments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := f.createGroup(t, 2, 5)

	_, err := f.ctrl.Join(ctx, group.ID, "u1", 0)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.ctrl.Join(ctx, group.ID, " ", 1)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.ctrl.Join(ctx, "missing", "u1", 1)
	assert.ErrorIs(t, err, domain.ErrGroupNotFound)
}

func TestController_ConcurrentJoinsExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := f.createGroup(t, 2, 5)

	_, err := f.ctrl.Join(ctx, group.ID, "seed", 2)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.ctrl.Join(ctx, group.ID, fmt.Sprintf("party-%d", i), 3)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrGroupNotJoinable)
	}
	assert.Equal(t, 1, succeeded)

	stored, err := f.repo.Get(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.CurrentParticipants)
	assert.Equal(t, domain.GroupStatusFull, stored.Status)
}

func TestController_ConcurrentJoinsNeverOverbook(t *testing.T) {
	f := newFixture(t, WithLockTimeout(5*time.Second))
	ctx := context.Background()
	group := f.createGroup(t, 3, 8)

	const workers = 50

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.ctrl.Join(ctx, group.ID, fmt.Sprintf("user-%d", i), 1)
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrGroupNotJoinable)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 8, success)

	stored, err := f.repo.Get(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, stored.CurrentParticipants)

	participants, err := f.repo.ListParticipants(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.CurrentParticipants, domain.SumPartySizes(participants))
	assert.Equal(t, 0, f.locker.Len())
}

func TestController_ConcurrentMixedPartiesNeverOverbook(t *testing.T) {
	f := newFixture(t, WithLockTimeout(5*time.Second))
	ctx := context.Background()

	const (
		rounds   = 30
		workers  = 8
		maxSeats = 5
	)

	for round := 0; round < rounds; round++ {
		group := f.createGroup(t, 2, maxSeats)

		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			booked int
		)
		for i := 0; i < workers; i++ {
			partySize := 1 + rand.IntN(3)
			wg.Add(1)
			go func(i, partySize int) {
				defer wg.Done()
				_, err := f.ctrl.Join(ctx, group.ID, fmt.Sprintf("r%d-user-%d", round, i), partySize)
				if err == nil {
					mu.Lock()
					booked += partySize
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, domain.ErrGroupNotJoinable)
			}(i, partySize)
		}
		wg.Wait()

		stored, err := f.repo.Get(ctx, group.ID)
		require.NoError(t, err)
		assert.LessOrEqual(t, stored.CurrentParticipants, maxSeats)
		assert.Equal(t, booked, stored.CurrentParticipants, "round %d", round)

		participants, err := f.repo.ListParticipants(ctx, group.ID)
		require.NoError(t, err)
		assert.Equal(t, stored.CurrentParticipants, domain.SumPartySizes(participants))
		if stored.CurrentParticipants == maxSeats {
			assert.Equal(t, domain.GroupStatusFull, stored.Status)
		}
	}
	assert.Equal(t, 0, f.locker.Len())
}

func TestController_JoinTimesOutWhenGroupLocked(t *testing.T) {
	f := newFixture(t, WithLockTimeout(20*time.Millisecond))
	ctx := context.Background()
	group := f.createGroup(t, 2, 5)

	release, err := f.locker.Acquire(ctx, group.ID, time.Second)
	require.NoError(t, err)
	defer release()

	_, err = f.ctrl.Join(ctx, group.ID, "u1", 1)
	require.ErrorIs(t, err, domain.ErrGroupBusy)

	stored, err := f.repo.Get(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.CurrentParticipants)
}

func TestController_JoinAfterDeadlineExpiresGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := f.createGroup(t, 3, 8)

	_, err := f.ctrl.Join(ctx, group.ID, "u1", 1)
	require.NoError(t, err)

	f.clock.Advance(49 * time.Hour)

	res, err := f.ctrl.Join(ctx, group.ID, "u2", 1)
	require.ErrorIs(t, err, domain.ErrGroupExpired)
	assert.Equal(t, domain.GroupStatusExpired, res.Group.Status)

	stored, err := f.repo.Get(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GroupStatusExpired, stored.Status)
	assert.Equal(t, 1, stored.CurrentParticipants)
	assert.False(t, stored.TerminalAt.IsZero())

	_, err = f.ctrl.Join(ctx, group.ID, "u3", 1)
	assert.ErrorIs(t, err, domain.ErrGroupExpired)
}

func TestController_JoinAfterDeadlineWithMinimumReportsConfirmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := f.createGroup(t, 2, 8)

	_, err := f.ctrl.Join(ctx, group.ID, "u1", 2)
	require.NoError(t, err)

	f.clock.Advance(49 * time.Hour)

	res, err := f.ctrl.Join(ctx, group.ID, "u2", 1)
	require.ErrorIs(t, err, domain.ErrGroupNotJoinable)
	assert.NotErrorIs(t, err, domain.ErrGroupExpired)
	assert.Equal(t, domain.GroupStatusConfirmed, res.Group.Status)

	stored, err := f.repo.Get(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GroupStatusConfirmed, stored.Status)
	assert.Equal(t, 2, stored.CurrentParticipants)
}

func TestController_TickAppliesDeadlineOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reached := f.createGroup(t, 2, 8)
	_, err := f.ctrl.Join(ctx, reached.ID, "u1", 2)
	require.NoError(t, err)

	missed := f.createGroup(t, 3, 8)
	_, err = f.ctrl.Join(ctx, missed.ID, "u1", 1)
	require.NoError(t, err)

	later := f.clock.Now().Add(48 * time.Hour)

	g, changed, err := f.ctrl.Tick(ctx, reached.ID, later)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.GroupStatusConfirmed, g.Status)
	assert.True(t, decimal.NewFromInt(90).Equal(g.CurrentPrice()))

	g, changed, err = f.ctrl.Tick(ctx, missed.ID, later)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.GroupStatusExpired, g.Status)

	_, changed, err = f.ctrl.Tick(ctx, missed.ID, later)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestController_TickClosesAfterSlotDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := f.createGroup(t, 1, 4)

	_, err := f.ctrl.Join(ctx, group.ID, "u1", 1)
	require.NoError(t, err)
	_, err = f.ctrl.Confirm(ctx, group.ID)
	require.NoError(t, err)

	g, changed, err := f.ctrl.Tick(ctx, group.ID, f.clock.Now().Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.GroupStatusClosed, g.Status)
}

func TestController_TickBeforeDeadlineIsNoop(t *testing.T) {
	f := newFixture(t)
	group := f.createGroup(t, 2, 4)

	g, changed, err := f.ctrl.Tick(context.Background(), group.ID, time.Time{})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, domain.GroupStatusOpen, g.Status)
}

func TestController_ConfirmRequiresMinimum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := f.createGroup(t, 3, 8)

	_, err := f.ctrl.Join(ctx, group.ID, "u1", 2)
	require.NoError(t, err)

	_, err = f.ctrl.Confirm(ctx, group.ID)
	require.ErrorIs(t, err, domain.ErrMinimumNotMet)

	_, err = f.ctrl.Join(ctx, group.ID, "u2", 1)
	require.NoError(t, err)

	g, err := f.ctrl.Confirm(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GroupStatusConfirmed, g.Status)

	again, err := f.ctrl.Confirm(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, g.Version, again.Version)

	_, err = f.ctrl.Join(ctx, group.ID, "u3", 1)
	assert.ErrorIs(t, err, domain.ErrGroupNotJoinable)
}

func TestController_CancelAndClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	group := f.createGroup(t, 2, 4)
	g, err := f.ctrl.Cancel(ctx, group.ID, "organizer changed plans")
	require.NoError(t, err)
	assert.Equal(t, domain.GroupStatusCancelled, g.Status)

	_, err = f.ctrl.Cancel(ctx, group.ID, "again")
	require.NoError(t, err)

	_, err = f.ctrl.Close(ctx, group.ID, "admin")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	other := f.createGroup(t, 2, 4)
	g, err = f.ctrl.Close(ctx, other.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.GroupStatusClosed, g.Status)
}

func TestController_LeaveWhileOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := f.createGroup(t, 2, 4)

	_, err := f.ctrl.Join(ctx, group.ID, "u1", 2)
	require.NoError(t, err)

	g, err := f.ctrl.Leave(ctx, group.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, g.CurrentParticipants)

	_, err = f.ctrl.Leave(ctx, group.ID, "u1")
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)

	_, err = f.ctrl.Join(ctx, group.ID, "u2", 4)
	require.NoError(t, err)
	_, err = f.ctrl.Leave(ctx, group.ID, "u2")
	assert.ErrorIs(t, err, domain.ErrLeaveNotAllowed)
}

func TestController_AssignInviteCodeIsImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := f.createGroup(t, 2, 4)

	g, err := f.ctrl.AssignInviteCode(ctx, group.ID, "ABCD2345")
	require.NoError(t, err)
	assert.Equal(t, "ABCD2345", g.InviteCode)

	g, err = f.ctrl.AssignInviteCode(ctx, group.ID, "ZZZZ9999")
	require.NoError(t, err)
	assert.Equal(t, "ABCD2345", g.InviteCode)
}

func TestController_EmitsEventsThroughOutbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := f.createGroup(t, 1, 2)

	_, err := f.ctrl.Join(ctx, group.ID, "u1", 2)
	require.NoError(t, err)

	var types []string
	for _, msg := range f.outbox.AllPending() {
		assert.Equal(t, domain.AggregateTypeGroup, msg.AggregateType)
		assert.Equal(t, group.ID, msg.AggregateID)
		types = append(types, msg.EventType)
	}
	assert.Equal(t, []string{
		string(domain.EventGroupCreated),
		string(domain.EventGroupBecameFull),
		string(domain.EventParticipantJoined),
	}, types)
}

func TestResultLabel(t *testing.T) {
	cases := map[string]error{
		"ok":                nil,
		"validation":        domain.NewValidationError("x", "y"),
		"busy":              domain.ErrGroupBusy,
		"expired":           domain.ErrGroupExpired,
		"not_joinable":      fmt.Errorf("wrap: %w", domain.ErrGroupNotJoinable),
		"capacity_exceeded": domain.ErrCapacityExceeded,
		"canceled":          context.Canceled,
		"error":             errors.New("boom"),
	}
	for want, err := range cases {
		assert.Equal(t, want, resultLabel(err), want)
	}
}
