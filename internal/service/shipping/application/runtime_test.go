package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nexus-shipping/internal/service/shipping/domain"
	"nexus-shipping/internal/service/shipping/infrastructure"
	"nexus-shipping/internal/service/shipping/infrastructure/adapter"
)

// faultyStore 包装 MemoryStateStore，可以让前几次 Commit 失败
type faultyStore struct {
	*infrastructure.MemoryStateStore
	mu        sync.Mutex
	failWith  error
	failTimes int
	commits   int
}

func (s *faultyStore) Commit(ctx context.Context, aggregateID string, expectedVersion int64, state *domain.ShippingState, tasks []domain.Task) (int64, error) {
	s.mu.Lock()
	s.commits++
	if s.failTimes > 0 {
		s.failTimes--
		s.mu.Unlock()
		return 0, s.failWith
	}
	s.mu.Unlock()
	return s.MemoryStateStore.Commit(ctx, aggregateID, expectedVersion, state, tasks)
}

func newFaultyRuntime(store *faultyStore) *Runtime {
	return NewRuntime(store, adapter.NewLocalLockerAdapter(), nil, testTracer)
}

func addQuote(ctx context.Context, wc WriterContext, state *domain.ShippingState) (Effects, error) {
	q := domain.NewQuote(testCost)
	state.AddQuote(q)
	task, err := wc.Schedule(time.Minute).ExpireQuoteTask(domain.ExpireQuotePayload{Quote: q})
	if err != nil {
		return Effects{}, err
	}
	return Effects{Tasks: []domain.Task{task}}, nil
}

func TestRuntime_CommitFailureLeavesNothing(t *testing.T) {
	store := &faultyStore{MemoryStateStore: infrastructure.NewMemoryStateStore(), failWith: errors.New("disk full"), failTimes: 1}
	rt := newFaultyRuntime(store)

	err := rt.Write(context.Background(), "cart-1", "", addQuote)
	assert.EqualError(t, err, "disk full")

	state, version, err := store.Load(context.Background(), "cart-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)
	assert.Equal(t, 0, state.Len())
	assert.Equal(t, 0, store.Pending())
}

func TestRuntime_OperationErrorLeavesNothing(t *testing.T) {
	store := &faultyStore{MemoryStateStore: infrastructure.NewMemoryStateStore()}
	rt := newFaultyRuntime(store)
	require.NoError(t, rt.Write(context.Background(), "cart-1", "", addQuote))

	boom := errors.New("boom")
	err := rt.Write(context.Background(), "cart-1", "", func(ctx context.Context, wc WriterContext, state *domain.ShippingState) (Effects, error) {
		if _, err := addQuote(ctx, wc, state); err != nil {
			return Effects{}, err
		}
		return Effects{}, boom
	})
	assert.ErrorIs(t, err, boom)

	state, version, err := store.Load(context.Background(), "cart-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	assert.Equal(t, 1, state.Len())
	assert.Equal(t, 1, store.Pending())
	assert.Equal(t, 1, store.commits)
}

func TestRuntime_RetriesVersionConflicts(t *testing.T) {
	store := &faultyStore{MemoryStateStore: infrastructure.NewMemoryStateStore(), failWith: domain.ErrConcurrentModification, failTimes: 2}
	rt := newFaultyRuntime(store)

	calls := 0
	err := rt.Write(context.Background(), "cart-1", "", func(ctx context.Context, wc WriterContext, state *domain.ShippingState) (Effects, error) {
		calls++
		return addQuote(ctx, wc, state)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	// 每次重试都基于重新加载的状态，失败的尝试不会留下报价
	state, _, err := store.Load(context.Background(), "cart-1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.Len())
	assert.Equal(t, 1, store.Pending())
}

func TestRuntime_GivesUpAfterRepeatedConflicts(t *testing.T) {
	store := &faultyStore{MemoryStateStore: infrastructure.NewMemoryStateStore(), failWith: domain.ErrConcurrentModification, failTimes: 100}
	rt := newFaultyRuntime(store)

	err := rt.Write(context.Background(), "cart-1", "", addQuote)
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)
	assert.Equal(t, defaultConflictRetries+1, store.commits)
}

func TestRuntime_RejectsForeignTasks(t *testing.T) {
	store := &faultyStore{MemoryStateStore: infrastructure.NewMemoryStateStore()}
	rt := newFaultyRuntime(store)

	err := rt.Write(context.Background(), "cart-1", "", func(_ context.Context, _ WriterContext, state *domain.ShippingState) (Effects, error) {
		other := WriterContext{AggregateID: "cart-2"}
		task, err := other.Schedule(0).ShipOrderTask(domain.ShipOrderPayload{TrackingID: "trk"})
		if err != nil {
			return Effects{}, err
		}
		state.AddQuote(domain.NewQuote(testCost))
		return Effects{Tasks: []domain.Task{task}}, nil
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTask)
	assert.Equal(t, 0, store.commits)
	assert.Equal(t, 0, store.Pending())
}

func TestRuntime_EmptyAggregateID(t *testing.T) {
	rt := newFaultyRuntime(&faultyStore{MemoryStateStore: infrastructure.NewMemoryStateStore()})
	assert.ErrorIs(t, rt.Write(context.Background(), "", "", addQuote), domain.ErrInvalidAggregateID)
	assert.ErrorIs(t, rt.Read(context.Background(), "", "", nil), domain.ErrInvalidAggregateID)
}

func TestRuntime_ReadUnknownAggregate(t *testing.T) {
	rt := newFaultyRuntime(&faultyStore{MemoryStateStore: infrastructure.NewMemoryStateStore()})
	err := rt.Read(context.Background(), "ghost", "", func(context.Context, ReaderContext, *domain.ShippingState) error {
		t.Fatal("read func must not run")
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrAggregateNotFound)
}

func TestRuntime_StampsNotBeforeAtCommit(t *testing.T) {
	clock := newFakeClock()
	store := infrastructure.NewMemoryStateStore()
	rt := NewRuntime(store, adapter.NewLocalLockerAdapter(), nil, testTracer).WithClock(clock.Now)

	require.NoError(t, rt.Write(context.Background(), "cart-1", "", addQuote))

	tasks, err := store.FetchDue(context.Background(), clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, tasks, "task must not be due before its delay")

	tasks, err = store.FetchDue(context.Background(), clock.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, clock.Now().Add(time.Minute), tasks[0].NotBefore)
}

// 同一聚合的并发写入被串行化，不会丢失更新
func TestRuntime_SerializesWritersPerAggregate(t *testing.T) {
	h := newHarness(t)
	const writers = 20

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.app.GetQuote(context.Background(), "cart-1", &GetQuoteRequest{QuoteExpirationSeconds: 60})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	view, err := h.app.GetState(context.Background(), "cart-1")
	require.NoError(t, err)
	assert.Len(t, view.Quotes, writers)
	assert.Equal(t, writers, h.store.Pending())
}
