package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/groupbooking/internal/domain"
	"github.com/vladislavdragonenkov/groupbooking/internal/storage/memory"
)

func newTestGroup(id string, now time.Time) domain.Group {
	return domain.Group{
		ID:              id,
		Item:            domain.ItemRef{ItemID: "tour-1"},
		MinParticipants: 2,
		MaxParticipants: 4,
		BasePrice:       decimal.NewFromInt(100),
		DiscountStep:    decimal.NewFromInt(10),
		PriceFloor:      decimal.NewFromInt(70),
		Status:          domain.GroupStatusOpen,
		ExpiresAt:       now.Add(time.Hour),
		CreatedBy:       "owner",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestGroupRepository_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	outbox := memory.NewOutboxRepository()
	repo := memory.NewGroupRepository(outbox)
	now := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, newTestGroup("g-1", now), domain.OutboxMessage{EventType: "group.created"}))
	assert.ErrorIs(t, repo.Create(ctx, newTestGroup("g-1", now)), domain.ErrGroupAlreadyExists)

	got, err := repo.Get(ctx, "g-1")
	require.NoError(t, err)
	assert.Equal(t, "tour-1", got.Item.ItemID)
	assert.Len(t, outbox.AllPending(), 1)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrGroupNotFound)
}

func TestGroupRepository_UpdateCommitsAtomically(t *testing.T) {
	ctx := context.Background()
	outbox := memory.NewOutboxRepository()
	repo := memory.NewGroupRepository(outbox)
	now := time.Now().UTC()
	require.NoError(t, repo.Create(ctx, newTestGroup("g-1", now)))

	err := repo.Update(ctx, "g-1", func(tx domain.GroupTx) error {
		g := tx.Group()
		g.CurrentParticipants = 2
		tx.SaveGroup(g)
		tx.AddParticipant(domain.Participant{GroupID: "g-1", UserID: "u-1", PartySize: 2, JoinedAt: now})
		tx.AddEvent(domain.OutboxMessage{EventType: "group.participant_joined"})

		p, found, err := tx.FindParticipant("u-1")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, 2, p.PartySize)
		return nil
	})
	require.NoError(t, err)

	got, err := repo.Get(ctx, "g-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentParticipants)
	assert.Equal(t, int64(1), got.Version)

	participants, err := repo.ListParticipants(ctx, "g-1")
	require.NoError(t, err)
	require.Len(t, participants, 1)
	assert.Equal(t, 2, domain.SumPartySizes(participants))
	assert.Len(t, outbox.AllPending(), 1)
}

func TestGroupRepository_UpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	outbox := memory.NewOutboxRepository()
	repo := memory.NewGroupRepository(outbox)
	now := time.Now().UTC()
	require.NoError(t, repo.Create(ctx, newTestGroup("g-1", now)))

	boom := errors.New("boom")
	err := repo.Update(ctx, "g-1", func(tx domain.GroupTx) error {
		g := tx.Group()
		g.CurrentParticipants = 1
		tx.SaveGroup(g)
		tx.AddParticipant(domain.Participant{GroupID: "g-1", UserID: "u-1", PartySize: 1, JoinedAt: now})
		tx.AddEvent(domain.OutboxMessage{EventType: "group.participant_joined"})
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := repo.Get(ctx, "g-1")
	require.NoError(t, err)
	assert.Zero(t, got.CurrentParticipants)
	assert.Zero(t, got.Version)

	participants, err := repo.ListParticipants(ctx, "g-1")
	require.NoError(t, err)
	assert.Empty(t, participants)
	assert.Empty(t, outbox.AllPending())
}

func TestGroupRepository_ListParticipantsOrdered(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewGroupRepository(nil)
	now := time.Now().UTC()
	require.NoError(t, repo.Create(ctx, newTestGroup("g-1", now)))

	require.NoError(t, repo.Update(ctx, "g-1", func(tx domain.GroupTx) error {
		tx.AddParticipant(domain.Participant{GroupID: "g-1", UserID: "late", PartySize: 1, JoinedAt: now.Add(2 * time.Second)})
		tx.AddParticipant(domain.Participant{GroupID: "g-1", UserID: "early", PartySize: 1, JoinedAt: now})
		tx.AddParticipant(domain.Participant{GroupID: "g-1", UserID: "middle", PartySize: 1, JoinedAt: now.Add(time.Second)})
		return nil
	}))

	participants, err := repo.ListParticipants(ctx, "g-1")
	require.NoError(t, err)
	require.Len(t, participants, 3)
	assert.Equal(t, "early", participants[0].UserID)
	assert.Equal(t, "middle", participants[1].UserID)
	assert.Equal(t, "late", participants[2].UserID)

	require.NoError(t, repo.Update(ctx, "g-1", func(tx domain.GroupTx) error {
		tx.RemoveParticipant("middle")
		_, found, err := tx.FindParticipant("middle")
		require.NoError(t, err)
		assert.False(t, found)
		return nil
	}))
	participants, err = repo.ListParticipants(ctx, "g-1")
	require.NoError(t, err)
	assert.Len(t, participants, 2)
}

func TestGroupRepository_ListDue(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewGroupRepository(nil)
	now := time.Now().UTC()

	expiring := newTestGroup("expiring", now)
	expiring.ExpiresAt = now.Add(-time.Minute)
	fresh := newTestGroup("fresh", now)
	cancelled := newTestGroup("cancelled", now)
	cancelled.ExpiresAt = now.Add(-time.Hour)
	cancelled.Status = domain.GroupStatusCancelled
	confirmedPastSlot := newTestGroup("slot-passed", now)
	confirmedPastSlot.Status = domain.GroupStatusConfirmed
	confirmedPastSlot.ExpiresAt = now.Add(-2 * time.Hour)
	confirmedPastSlot.Item.SlotAt = now.Add(-time.Hour)

	for _, g := range []domain.Group{expiring, fresh, cancelled, confirmedPastSlot} {
		require.NoError(t, repo.Create(ctx, g))
	}

	ids, err := repo.ListDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"slot-passed", "expiring"}, ids)

	ids, err = repo.ListDue(ctx, now, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"slot-passed"}, ids)
}
