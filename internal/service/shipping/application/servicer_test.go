package application

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nexus-shipping/internal/service/shipping/domain"
	"nexus-shipping/internal/service/shipping/domain/port"
)

func TestGetQuote_SchedulesExpiration(t *testing.T) {
	h := newHarness(t)
	commitAt := h.clock.Now()

	q := h.quote(t, "cart-1", 30)
	assert.NotEmpty(t, q.ID)
	assert.True(t, q.Cost.Equal(testCost))

	view, err := h.app.GetState(context.Background(), "cart-1")
	require.NoError(t, err)
	require.Len(t, view.Quotes, 1)
	assert.Equal(t, q.ID, view.Quotes[0].ID)

	tasks := h.dueTasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskExpireQuote, tasks[0].Kind)
	assert.Equal(t, "cart-1", tasks[0].AggregateID)
	assert.Equal(t, 30*time.Second, tasks[0].Delay)
	assert.Equal(t, commitAt.Add(30*time.Second), tasks[0].NotBefore)

	var payload domain.ExpireQuotePayload
	require.NoError(t, tasks[0].Decode(&payload))
	assert.Equal(t, q, payload.Quote)

	assert.Equal(t, []domain.EventType{domain.EventQuoteIssued}, h.publisher.Types())
}

func TestGetQuote_ZeroExpirationIsDueImmediately(t *testing.T) {
	h := newHarness(t)
	h.quote(t, "cart-1", 0)

	n, err := h.dispatcher.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	view, err := h.app.GetState(context.Background(), "cart-1")
	require.NoError(t, err)
	assert.Empty(t, view.Quotes)
}

func TestGetQuote_InvalidExpiration(t *testing.T) {
	h := newHarness(t)

	for _, secs := range []int64{-1, maxExpirationSeconds + 1} {
		_, err := h.app.GetQuote(context.Background(), "cart-1", &GetQuoteRequest{QuoteExpirationSeconds: secs})
		assert.ErrorIs(t, err, domain.ErrInvalidExpiration, "seconds=%d", secs)
	}

	// 什么都没有提交
	_, err := h.app.GetState(context.Background(), "cart-1")
	assert.ErrorIs(t, err, domain.ErrAggregateNotFound)
	assert.Equal(t, 0, h.store.Pending())
}

func TestPrepareShipOrder_ConsumesQuoteOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.quote(t, "cart-1", 60)

	resp, err := h.app.PrepareShipOrder(ctx, "cart-1", &PrepareShipOrderRequest{Quote: QuoteRef{ID: q.ID}})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.TrackingID)

	view, err := h.app.GetState(ctx, "cart-1")
	require.NoError(t, err)
	assert.Empty(t, view.Quotes)

	// 同一个报价不能再用第二次
	_, err = h.app.PrepareShipOrder(ctx, "cart-1", &PrepareShipOrderRequest{Quote: QuoteRef{ID: q.ID}})
	var invalid *domain.QuoteInvalidOrExpiredError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, q.ID, invalid.QuoteID)

	var shipTasks []domain.Task
	for _, task := range h.dueTasks(t) {
		if task.Kind == domain.TaskShipOrder {
			shipTasks = append(shipTasks, task)
		}
	}
	require.Len(t, shipTasks, 1)
	assert.Equal(t, time.Duration(0), shipTasks[0].Delay)

	var payload domain.ShipOrderPayload
	require.NoError(t, shipTasks[0].Decode(&payload))
	assert.Equal(t, resp.TrackingID, payload.TrackingID)
	assert.Equal(t, q, payload.Quote)
}

func TestPrepareShipOrder_UnknownQuote(t *testing.T) {
	h := newHarness(t)
	h.quote(t, "cart-1", 60)
	pendingBefore := h.store.Pending()

	_, err := h.app.PrepareShipOrder(context.Background(), "cart-1", &PrepareShipOrderRequest{Quote: QuoteRef{ID: "nope"}})
	assert.ErrorIs(t, err, domain.ErrQuoteInvalidOrExpired)
	assert.Equal(t, pendingBefore, h.store.Pending())

	view, err := h.app.GetState(context.Background(), "cart-1")
	require.NoError(t, err)
	assert.Len(t, view.Quotes, 1)
}

// 报价过期之后再下单，下单被拒绝
func TestScenario_ExpireThenPrepare(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.quote(t, "cart-1", 10)

	h.clock.Advance(10 * time.Second)
	n, err := h.dispatcher.DispatchDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.app.PrepareShipOrder(ctx, "cart-1", &PrepareShipOrderRequest{Quote: QuoteRef{ID: q.ID}})
	assert.ErrorIs(t, err, domain.ErrQuoteInvalidOrExpired)
	assert.Equal(t, 0, h.carrier.Calls())
	assert.Contains(t, h.publisher.Types(), domain.EventQuoteExpired)
}

// 先下单，之后到期的 ExpireQuoteTask 什么也不做，货照常发出
func TestScenario_PrepareThenExpire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.quote(t, "cart-1", 10)

	resp, err := h.app.PrepareShipOrder(ctx, "cart-1", &PrepareShipOrderRequest{Quote: QuoteRef{ID: q.ID}})
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	n, err := h.dispatcher.DispatchDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, h.store.Pending())

	require.Equal(t, 1, h.carrier.Calls())
	assert.Equal(t, resp.TrackingID, h.carrier.calls[0].TrackingID)
	assert.NotContains(t, h.publisher.Types(), domain.EventQuoteExpired)
	assert.Contains(t, h.publisher.Types(), domain.EventOrderShipped)
}

func TestExpireQuoteTask_MissingQuoteIsNoop(t *testing.T) {
	h := newHarness(t)
	state := domain.NewShippingState()
	kept := domain.NewQuote(testCost)
	state.AddQuote(kept)

	effects, err := h.servicer.ExpireQuoteTask(context.Background(), WriterContext{AggregateID: "cart-1"}, state,
		&ExpireQuoteTaskRequest{Quote: domain.NewQuote(testCost)})
	require.NoError(t, err)
	assert.Empty(t, effects.Tasks)
	assert.Empty(t, effects.Events)
	assert.Equal(t, 1, state.Len())
}

func TestShipOrderTask_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	h.carrier.script = []error{errFlaky, errFlaky}

	resp, err := h.servicer.ShipOrderTask(context.Background(), ReaderContext{AggregateID: "cart-1", TaskID: "task-1"}, nil,
		&ShipOrderTaskRequest{TrackingID: "trk-1", Quote: domain.NewQuote(testCost)})
	require.NoError(t, err)
	assert.False(t, resp.Skipped)
	assert.Equal(t, "REF-trk-1", resp.Receipt.CarrierReference)
	assert.Equal(t, 3, h.carrier.Calls())
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, h.sleeps)

	claim, err := h.ledger.Claim(context.Background(), "trk-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, port.ClaimCompleted, claim)
}

func TestShipOrderTask_PermanentFailureStopsRetrying(t *testing.T) {
	h := newHarness(t)
	h.carrier.script = []error{fmt.Errorf("address rejected: %w", port.ErrPermanentCarrierFailure)}

	_, err := h.servicer.ShipOrderTask(context.Background(), ReaderContext{AggregateID: "cart-1"}, nil,
		&ShipOrderTaskRequest{TrackingID: "trk-1"})
	assert.ErrorIs(t, err, ErrShipmentFailed)
	assert.ErrorIs(t, err, port.ErrPermanentCarrierFailure)
	assert.Equal(t, 1, h.carrier.Calls())
	assert.Empty(t, h.sleeps)

	// claim 已释放，下一次投递可以重新尝试
	claim, err := h.ledger.Claim(context.Background(), "trk-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, port.ClaimAcquired, claim)
}

func TestShipOrderTask_ExhaustedAttemptsAreRetryable(t *testing.T) {
	h := newHarness(t)
	h.carrier.script = []error{errFlaky, errFlaky, errFlaky, errFlaky, errFlaky, errFlaky}

	_, err := h.servicer.ShipOrderTask(context.Background(), ReaderContext{AggregateID: "cart-1"}, nil,
		&ShipOrderTaskRequest{TrackingID: "trk-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errFlaky))
	assert.NotErrorIs(t, err, ErrShipmentFailed)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, DefaultRetryPolicy().MaxAttempts, h.carrier.Calls())
	assert.Len(t, h.sleeps, DefaultRetryPolicy().MaxAttempts-1)

	claim, err := h.ledger.Claim(context.Background(), "trk-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, port.ClaimAcquired, claim)
}

func TestShipOrderTask_SkipsDuplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := &ShipOrderTaskRequest{TrackingID: "trk-1"}

	_, err := h.servicer.ShipOrderTask(ctx, ReaderContext{AggregateID: "cart-1"}, nil, req)
	require.NoError(t, err)

	resp, err := h.servicer.ShipOrderTask(ctx, ReaderContext{AggregateID: "cart-1"}, nil, req)
	require.NoError(t, err)
	assert.True(t, resp.Skipped)
	assert.Equal(t, 1, h.carrier.Calls())
}

func TestShipOrderTask_InProgressClaimIsRetryable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	claim, err := h.ledger.Claim(ctx, "trk-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, port.ClaimAcquired, claim)

	resp, err := h.servicer.ShipOrderTask(ctx, ReaderContext{AggregateID: "cart-1"}, nil, &ShipOrderTaskRequest{TrackingID: "trk-1"})
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrShipmentInProgress)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, 0, h.carrier.Calls())
}

func TestShipOrderTask_CancelledDuringBackoffIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.carrier.script = []error{errFlaky}
	h.servicer.sleep = func(context.Context, time.Duration) error { return context.Canceled }

	_, err := h.servicer.ShipOrderTask(context.Background(), ReaderContext{AggregateID: "cart-1"}, nil, &ShipOrderTaskRequest{TrackingID: "trk-1"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrShipmentFailed)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, 1, h.carrier.Calls())

	// claim 已释放，重启后的投递可以接手
	claim, err := h.ledger.Claim(context.Background(), "trk-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, port.ClaimAcquired, claim)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 800*time.Millisecond, p.Backoff(4))
	assert.Equal(t, time.Second, p.Backoff(5))
	assert.Equal(t, time.Second, p.Backoff(50))
}
