package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"nexus-shipping/internal/service/shipping/domain"
)

type memoryRecord struct {
	data    []byte
	version int64
}

type memoryTask struct {
	seq  int64
	task domain.Task
}

// MemoryStateStore 是进程内的 StateStore/Outbox 实现，用于单机部署和测试。
// 状态以 JSON 保存，Load 返回的永远是独立副本。
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]memoryRecord
	tasks  []*memoryTask
	seq    int64
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]memoryRecord)}
}

func (s *MemoryStateStore) Load(_ context.Context, aggregateID string) (*domain.ShippingState, int64, error) {
	s.mu.Lock()
	rec, ok := s.states[aggregateID]
	s.mu.Unlock()
	if !ok {
		return domain.NewShippingState(), 0, nil
	}
	state := domain.NewShippingState()
	if err := json.Unmarshal(rec.data, state); err != nil {
		return nil, 0, fmt.Errorf("decode state of %s: %w", aggregateID, err)
	}
	return state, rec.version, nil
}

func (s *MemoryStateStore) Commit(ctx context.Context, aggregateID string, expectedVersion int64, state *domain.ShippingState, tasks []domain.Task) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("encode state of %s: %w", aggregateID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.states[aggregateID].version != expectedVersion {
		return 0, domain.ErrConcurrentModification
	}
	newVersion := expectedVersion + 1
	s.states[aggregateID] = memoryRecord{data: data, version: newVersion}
	for _, t := range tasks {
		s.seq++
		t.Payload = append(json.RawMessage(nil), t.Payload...)
		s.tasks = append(s.tasks, &memoryTask{seq: s.seq, task: t})
	}
	return newVersion, nil
}

func (s *MemoryStateStore) FetchDue(_ context.Context, now time.Time, limit int) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*memoryTask
	for _, mt := range s.tasks {
		if mt.task.Due(now) {
			due = append(due, mt)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].task.NotBefore.Equal(due[j].task.NotBefore) {
			return due[i].task.NotBefore.Before(due[j].task.NotBefore)
		}
		return due[i].seq < due[j].seq
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]domain.Task, len(due))
	for i, mt := range due {
		out[i] = mt.task
	}
	return out, nil
}

// MarkDispatched 直接移除已投递的任务，内存实现不保留投递历史
func (s *MemoryStateStore) MarkDispatched(_ context.Context, taskIDs []string, _ time.Time) error {
	ids := make(map[string]struct{}, len(taskIDs))
	for _, id := range taskIDs {
		ids[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.tasks[:0]
	for _, mt := range s.tasks {
		if _, ok := ids[mt.task.ID]; ok {
			continue
		}
		kept = append(kept, mt)
	}
	s.tasks = kept
	return nil
}

// Pending 返回尚未投递的任务数
func (s *MemoryStateStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
