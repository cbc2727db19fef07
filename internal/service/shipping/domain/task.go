// internal/service/shipping/domain/task.go
package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskKind 是延迟任务的目标操作
type TaskKind string

const (
	TaskExpireQuote TaskKind = "ExpireQuoteTask"
	TaskShipOrder   TaskKind = "ShipOrderTask"
)

func (k TaskKind) Valid() bool {
	return k == TaskExpireQuote || k == TaskShipOrder
}

// Task 是一条由写操作产生的延迟任务请求。
// 它和状态变更在同一个事务里落库（outbox），只有提交成功后才会被调度器看到。
type Task struct {
	ID          string          `json:"id"`
	AggregateID string          `json:"aggregate_id"`
	Kind        TaskKind        `json:"kind"`
	Delay       time.Duration   `json:"delay"`
	NotBefore   time.Time       `json:"not_before"` // 提交时刻 + Delay，由 runtime 在提交前填充
	Payload     json.RawMessage `json:"payload"`
}

// ExpireQuotePayload 携带调度时捕获的报价
type ExpireQuotePayload struct {
	Quote Quote `json:"quote"`
}

// ShipOrderPayload 携带发货所需的上下文
type ShipOrderPayload struct {
	TrackingID string `json:"tracking_id"`
	Quote      Quote  `json:"quote"`
}

// NewTask 构造任务并序列化 payload。
func NewTask(aggregateID string, kind TaskKind, delay time.Duration, payload any) (Task, error) {
	if !kind.Valid() {
		return Task{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidTask, kind)
	}
	if delay < 0 {
		return Task{}, fmt.Errorf("%w: negative delay %v", ErrInvalidTask, delay)
	}
	if aggregateID == "" {
		return Task{}, fmt.Errorf("%w: empty aggregate id", ErrInvalidTask)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("%w: encode payload: %v", ErrInvalidTask, err)
	}
	return Task{
		ID:          uuid.NewString(),
		AggregateID: aggregateID,
		Kind:        kind,
		Delay:       delay,
		Payload:     raw,
	}, nil
}

// Decode 反序列化 payload
func (t Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", ErrInvalidTask, t.Kind, err)
	}
	return nil
}

// Due 判断任务在 now 时刻是否可以投递
func (t Task) Due(now time.Time) bool {
	return !now.Before(t.NotBefore)
}
