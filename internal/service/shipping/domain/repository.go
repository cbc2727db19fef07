// internal/service/shipping/domain/repository.go
package domain

import (
	"context"
	"time"
)

// StateStore 定义了 shipping 聚合的持久化接口。
// 它位于领域层，但由基础设施层实现。
type StateStore interface {
	// Load 返回聚合当前状态和版本号。聚合不存在时返回空状态和版本 0。
	Load(ctx context.Context, aggregateID string) (*ShippingState, int64, error)

	// Commit 在同一个事务中写入新状态并追加任务（outbox）。
	// expectedVersion 与存储中的版本不一致时返回 ErrConcurrentModification，且不写入任何内容。
	Commit(ctx context.Context, aggregateID string, expectedVersion int64, state *ShippingState, tasks []Task) (int64, error)
}

// Outbox 是调度器读取已提交任务的接口。
type Outbox interface {
	// FetchDue 返回 NotBefore <= now 且尚未投递的任务，按 NotBefore 升序。
	FetchDue(ctx context.Context, now time.Time, limit int) ([]Task, error)

	// MarkDispatched 标记任务已投递。
	MarkDispatched(ctx context.Context, taskIDs []string, at time.Time) error
}
