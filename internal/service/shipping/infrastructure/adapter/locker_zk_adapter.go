package adapter

import (
	"context"
	"fmt"

	"nexus-shipping/internal/pkg/logger"
	"nexus-shipping/internal/zookeeper"
)

// ZkLockerAdapter 使用 ZooKeeper 临时顺序节点实现跨进程的聚合写锁。
// 持锁进程崩溃时，会话过期会自动删除节点，锁随之释放。
type ZkLockerAdapter struct {
	conn   *zookeeper.Conn
	prefix string
}

func NewZkLockerAdapter(conn *zookeeper.Conn) *ZkLockerAdapter {
	return &ZkLockerAdapter{conn: conn, prefix: "agg-"}
}

func (a *ZkLockerAdapter) Lock(ctx context.Context, aggregateID string) (func(), error) {
	lock, err := zookeeper.NewDistributedLock(a.conn, a.prefix+aggregateID)
	if err != nil {
		return nil, err
	}
	if err := lock.Lock(ctx); err != nil {
		return nil, fmt.Errorf("zookeeper lock %s: %w", aggregateID, err)
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("aggregate_id", aggregateID).Msg("Failed to release zookeeper lock")
		}
	}, nil
}
