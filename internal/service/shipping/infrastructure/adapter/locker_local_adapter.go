package adapter

import (
	"context"
	"sync"
)

// LocalLockerAdapter 是 port.AggregateLocker 的进程内实现：每个聚合一把可被 ctx 打断的互斥锁。
// 只在单实例部署下成立，多实例请使用 ZkLockerAdapter。
type LocalLockerAdapter struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{} // 容量为 1 的信号量
	refs int
}

func NewLocalLockerAdapter() *LocalLockerAdapter {
	return &LocalLockerAdapter{slots: make(map[string]*lockSlot)}
}

func (l *LocalLockerAdapter) Lock(ctx context.Context, aggregateID string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[aggregateID]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[aggregateID] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(aggregateID, slot)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.ch
			l.release(aggregateID, slot)
		})
	}, nil
}

// release 在没有等待者时回收 slot，避免 map 无限增长
func (l *LocalLockerAdapter) release(aggregateID string, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, aggregateID)
	}
}
