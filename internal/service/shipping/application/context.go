// internal/service/shipping/application/context.go
package application

import (
	"time"

	"nexus-shipping/internal/service/shipping/domain"
)

// WriterContext 是写操作的调用上下文：允许修改状态，也允许调度任务。
// 由它调度出的任务继承同一个 AggregateID。
type WriterContext struct {
	AggregateID string
	TaskID      string // 由任务触发时非空
}

// ReaderContext 是只读操作的调用上下文：不能调度任务。
type ReaderContext struct {
	AggregateID string
	TaskID      string
}

// Schedule 返回一个任务句柄；在句柄上调用具体操作即登记一个任务。
// 任务只有在当前写操作提交之后才可见。
func (wc WriterContext) Schedule(delay time.Duration) TaskHandle {
	return TaskHandle{aggregateID: wc.AggregateID, delay: delay}
}

// TaskHandle 对应调度器契约 schedule(delay?) -> handle
type TaskHandle struct {
	aggregateID string
	delay       time.Duration
}

func (h TaskHandle) ExpireQuoteTask(payload domain.ExpireQuotePayload) (domain.Task, error) {
	return domain.NewTask(h.aggregateID, domain.TaskExpireQuote, h.delay, payload)
}

func (h TaskHandle) ShipOrderTask(payload domain.ShipOrderPayload) (domain.Task, error) {
	return domain.NewTask(h.aggregateID, domain.TaskShipOrder, h.delay, payload)
}

// Effects 是写操作的副作用：要提交的任务和提交后要广播的事件。
// 状态本身由操作在 runtime 提供的副本上原地修改。
type Effects struct {
	Tasks  []domain.Task
	Events []domain.ShippingEvent
}
