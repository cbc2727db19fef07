package infrastructure

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nexus-shipping/internal/service/shipping/domain"
)

var (
	t0   = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cost = domain.MustMoney("USD", 8, 990_000_000)
)

func newTask(t *testing.T, aggregateID string, notBefore time.Time) domain.Task {
	t.Helper()
	task, err := domain.NewTask(aggregateID, domain.TaskExpireQuote, 0, domain.ExpireQuotePayload{Quote: domain.NewQuote(cost)})
	require.NoError(t, err)
	task.NotBefore = notBefore
	return task
}

func TestMemoryStateStore_LoadMissing(t *testing.T) {
	s := NewMemoryStateStore()
	state, version, err := s.Load(context.Background(), "cart-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)
	assert.Equal(t, 0, state.Len())
}

func TestMemoryStateStore_CommitAndLoad(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStateStore()

	state := domain.NewShippingState()
	q := domain.NewQuote(cost)
	state.AddQuote(q)
	v, err := s.Commit(ctx, "cart-1", 0, state, []domain.Task{newTask(t, "cart-1", t0)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	loaded, version, err := s.Load(ctx, "cart-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	got, ok := loaded.Quote(q.ID)
	require.True(t, ok)
	assert.True(t, got.Cost.Equal(cost))

	// Load 返回的是副本，修改它不影响存储
	loaded.RemoveQuote(q.ID)
	again, _, err := s.Load(ctx, "cart-1")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Len())
}

func TestMemoryStateStore_VersionConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStateStore()
	_, err := s.Commit(ctx, "cart-1", 0, domain.NewShippingState(), nil)
	require.NoError(t, err)

	_, err = s.Commit(ctx, "cart-1", 0, domain.NewShippingState(), []domain.Task{newTask(t, "cart-1", t0)})
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)
	assert.Equal(t, 0, s.Pending(), "rejected commit must not leak tasks")
}

func TestMemoryStateStore_FetchDueOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStateStore()

	late := newTask(t, "a", t0.Add(time.Second))
	first := newTask(t, "a", t0)
	second := newTask(t, "b", t0)
	future := newTask(t, "b", t0.Add(time.Hour))
	_, err := s.Commit(ctx, "a", 0, domain.NewShippingState(), []domain.Task{late, first})
	require.NoError(t, err)
	_, err = s.Commit(ctx, "b", 0, domain.NewShippingState(), []domain.Task{second, future})
	require.NoError(t, err)

	due, err := s.FetchDue(ctx, t0.Add(time.Second), 10)
	require.NoError(t, err)
	ids := make([]string, len(due))
	for i, task := range due {
		ids[i] = task.ID
	}
	assert.Equal(t, []string{first.ID, second.ID, late.ID}, ids)

	limited, err := s.FetchDue(ctx, t0.Add(time.Second), 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, first.ID, limited[0].ID)

	require.NoError(t, s.MarkDispatched(ctx, []string{first.ID, second.ID}, t0))
	assert.Equal(t, 2, s.Pending())

	due, err = s.FetchDue(ctx, t0.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, late.ID, due[0].ID)
}

func TestMemoryStateStore_CancelledCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewMemoryStateStore()
	_, err := s.Commit(ctx, "cart-1", 0, domain.NewShippingState(), []domain.Task{newTask(t, "cart-1", t0)})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, s.Pending())
}
