package port

import (
	"context"
	"nexus-shipping/internal/service/shipping/domain"
)

// AggregateLocker 保证同一个聚合在任意时刻只有一个写者。
// 不同聚合之间互不影响。
type AggregateLocker interface {
	Lock(ctx context.Context, aggregateID string) (unlock func(), err error)
}

// TaskSink 接收已提交且到期的任务：可以是 Kafka，也可以是进程内路由。
type TaskSink interface {
	Deliver(ctx context.Context, task domain.Task) error
}

// EventPublisher 是领域事件的出站端口（websocket、kafka 等）。
type EventPublisher interface {
	Publish(ctx context.Context, event domain.ShippingEvent) error
}
