package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"
	"nexus-shipping/internal/service/shipping/domain"
	"nexus-shipping/internal/service/shipping/domain/port"
	"nexus-shipping/internal/service/shipping/infrastructure"
	"nexus-shipping/internal/service/shipping/infrastructure/adapter"
)

var (
	testTracer = noop.NewTracerProvider().Tracer("test")
	testCost   = domain.MustMoney("USD", 8, 990_000_000)
	errFlaky   = errors.New("carrier unavailable")
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// scriptedCarrier 按顺序返回预设的错误，脚本用完后一律成功
type scriptedCarrier struct {
	mu     sync.Mutex
	script []error
	calls  []port.ShipmentRequest
}

func (c *scriptedCarrier) Ship(_ context.Context, req port.ShipmentRequest) (port.ShipmentReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	if len(c.script) > 0 {
		err := c.script[0]
		c.script = c.script[1:]
		if err != nil {
			return port.ShipmentReceipt{}, err
		}
	}
	return port.ShipmentReceipt{CarrierReference: "REF-" + req.TrackingID}, nil
}

func (c *scriptedCarrier) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.ShippingEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.ShippingEvent) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

type harness struct {
	clock      *fakeClock
	store      *infrastructure.MemoryStateStore
	ledger     *adapter.LedgerMemoryAdapter
	carrier    *scriptedCarrier
	publisher  *recordingPublisher
	servicer   *Servicer
	runtime    *Runtime
	router     *TaskRouter
	app        *ShippingApplicationService
	dispatcher *TaskDispatcher
	sleeps     []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:     newFakeClock(),
		store:     infrastructure.NewMemoryStateStore(),
		ledger:    adapter.NewLedgerMemoryAdapter(),
		carrier:   &scriptedCarrier{},
		publisher: &recordingPublisher{},
	}
	h.servicer = NewServicer(adapter.NewFixedCostAdapter(testCost), h.carrier, h.ledger, DefaultRetryPolicy(), testTracer)
	h.servicer.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	h.runtime = NewRuntime(h.store, adapter.NewLocalLockerAdapter(), h.publisher, testTracer).WithClock(h.clock.Now)
	h.router = NewTaskRouter(h.runtime, h.servicer, h.publisher, testTracer)
	h.app = NewShippingApplicationService(h.runtime, h.servicer, testTracer)
	h.dispatcher = NewTaskDispatcher(h.store, NewDeadLetterSink(h.router, nil), time.Millisecond, 10).WithClock(h.clock.Now)
	return h
}

func (h *harness) quote(t *testing.T, aggregateID string, expirationSeconds int64) domain.Quote {
	t.Helper()
	resp, err := h.app.GetQuote(context.Background(), aggregateID, &GetQuoteRequest{QuoteExpirationSeconds: expirationSeconds})
	if err != nil {
		t.Fatalf("get quote: %v", err)
	}
	return resp.Quote
}

func (h *harness) dueTasks(t *testing.T) []domain.Task {
	t.Helper()
	tasks, err := h.store.FetchDue(context.Background(), h.clock.Now().Add(1000*time.Hour), 100)
	if err != nil {
		t.Fatalf("fetch due: %v", err)
	}
	return tasks
}
