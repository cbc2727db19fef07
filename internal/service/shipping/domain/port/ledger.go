package port

import (
	"context"
	"time"
)

// ClaimResult 是 ShipmentLedger.Claim 的结果
type ClaimResult int

const (
	ClaimAcquired   ClaimResult = iota + 1 // 本次调用获得发货权
	ClaimInProgress                        // 另一个 worker 正在发货
	ClaimCompleted                         // 该任务已经发过货
)

func (r ClaimResult) String() string {
	switch r {
	case ClaimAcquired:
		return "acquired"
	case ClaimInProgress:
		return "in_progress"
	case ClaimCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// ShipmentLedger 记录每个 ShipOrderTask 的发货状态。
// 调度是 at-least-once 的，同一个任务可能被投递多次，而发货不是幂等操作。
type ShipmentLedger interface {
	// Claim 尝试占有任务的发货权，ttl 到期后占有自动失效。
	Claim(ctx context.Context, taskID string, ttl time.Duration) (ClaimResult, error)

	// Complete 标记任务已发货，之后的 Claim 都返回 ClaimCompleted。
	Complete(ctx context.Context, taskID string) error

	// Release 放弃未完成的占有，允许后续重投递再次尝试。
	Release(ctx context.Context, taskID string) error
}
