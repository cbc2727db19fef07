package adapter

import (
	"context"
	"errors"
	"sync"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace/noop"
	"nexus-shipping/internal/service/shipping/domain"
)

var testTracer = noop.NewTracerProvider().Tracer("test")

// fakeWriter 记录写入的消息，实现 mq.MessageWriter
type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

type stubPublisher struct {
	got []domain.ShippingEvent
	err error
}

func (p *stubPublisher) Publish(_ context.Context, ev domain.ShippingEvent) error {
	p.got = append(p.got, ev)
	return p.err
}

var errBroker = errors.New("broker unavailable")
