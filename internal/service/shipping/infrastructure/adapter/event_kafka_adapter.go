package adapter

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"nexus-shipping/internal/pkg/mq"
	"nexus-shipping/internal/service/shipping/domain"
	"nexus-shipping/internal/service/shipping/domain/port"
)

// EventKafkaAdapter 把领域事件发布到 shipping-events 主题
type EventKafkaAdapter struct {
	writer mq.MessageWriter
}

func NewEventKafkaAdapter(writer mq.MessageWriter) *EventKafkaAdapter {
	return &EventKafkaAdapter{writer: writer}
}

func (a *EventKafkaAdapter) Publish(ctx context.Context, event domain.ShippingEvent) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return mq.ProduceMessage(ctx, a.writer, []byte(event.AggregateID), eventBytes,
		kafka.Header{Key: "event-type", Value: []byte(event.Type)},
	)
}

// FanoutPublisher 把同一个事件依次交给多个发布者，返回第一个错误但不会中断后续发布者
type FanoutPublisher []port.EventPublisher

func (f FanoutPublisher) Publish(ctx context.Context, event domain.ShippingEvent) error {
	var firstErr error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
