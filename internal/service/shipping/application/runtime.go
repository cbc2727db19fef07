// internal/service/shipping/application/runtime.go
package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"nexus-shipping/internal/pkg/logger"
	"nexus-shipping/internal/pkg/metrics"
	"nexus-shipping/internal/service/shipping/domain"
	"nexus-shipping/internal/service/shipping/domain/port"
)

const defaultConflictRetries = 3

// WriteFunc 在状态副本上执行一次写操作。返回错误时副本被丢弃，不提交任何内容。
type WriteFunc func(ctx context.Context, wc WriterContext, state *domain.ShippingState) (Effects, error)

// ReadFunc 在状态快照上执行一次只读操作。
type ReadFunc func(ctx context.Context, rc ReaderContext, state *domain.ShippingState) error

// Runtime 负责写操作的事务语义：
// 同一聚合串行执行；状态变更和调度的任务在一次 Commit 中原子落库；
// 操作失败或提交失败时，既不改变状态，也不留下任何任务。
type Runtime struct {
	store     domain.StateStore
	locker    port.AggregateLocker
	publisher port.EventPublisher // 可以为 nil
	tracer    trace.Tracer

	now             func() time.Time
	conflictRetries int
}

func NewRuntime(store domain.StateStore, locker port.AggregateLocker, publisher port.EventPublisher, tracer trace.Tracer) *Runtime {
	return &Runtime{
		store:           store,
		locker:          locker,
		publisher:       publisher,
		tracer:          tracer,
		now:             time.Now,
		conflictRetries: defaultConflictRetries,
	}
}

// WithClock 替换提交时使用的时钟（测试用）
func (r *Runtime) WithClock(now func() time.Time) *Runtime {
	r.now = now
	return r
}

// Write 以写者身份执行 fn。
// 持有聚合锁期间出现版本冲突（其他进程绕过了锁）时，会重新加载状态并重试 fn。
func (r *Runtime) Write(ctx context.Context, aggregateID, taskID string, fn WriteFunc) error {
	ctx, span := r.tracer.Start(ctx, "runtime.Write")
	defer span.End()
	span.SetAttributes(attribute.String("shipping.aggregate.id", aggregateID))

	if aggregateID == "" {
		return domain.ErrInvalidAggregateID
	}

	unlock, err := r.locker.Lock(ctx, aggregateID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire aggregate lock failed")
		return fmt.Errorf("lock aggregate %s: %w", aggregateID, err)
	}
	defer unlock()

	wc := WriterContext{AggregateID: aggregateID, TaskID: taskID}
	for attempt := 0; ; attempt++ {
		effects, err := r.writeOnce(ctx, wc, fn)
		if err == nil {
			r.afterCommit(ctx, aggregateID, effects)
			return nil
		}
		if errors.Is(err, domain.ErrConcurrentModification) && attempt < r.conflictRetries {
			metrics.Commits.WithLabelValues("conflict").Inc()
			logger.Ctx(ctx).Warn().Str("aggregate_id", aggregateID).Int("attempt", attempt+1).Msg("Version conflict, reloading state")
			continue
		}
		metrics.Commits.WithLabelValues("failure").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return err
	}
}

func (r *Runtime) writeOnce(ctx context.Context, wc WriterContext, fn WriteFunc) (Effects, error) {
	current, version, err := r.store.Load(ctx, wc.AggregateID)
	if err != nil {
		return Effects{}, fmt.Errorf("load aggregate %s: %w", wc.AggregateID, err)
	}

	// 操作在副本上修改，失败时原状态不受影响
	working := current.Clone()
	effects, err := fn(ctx, wc, working)
	if err != nil {
		return Effects{}, err
	}

	commitAt := r.now()
	tasks := make([]domain.Task, len(effects.Tasks))
	for i, t := range effects.Tasks {
		if t.AggregateID != wc.AggregateID {
			return Effects{}, fmt.Errorf("%w: task %s targets aggregate %s, writer owns %s", domain.ErrInvalidTask, t.ID, t.AggregateID, wc.AggregateID)
		}
		t.NotBefore = commitAt.Add(t.Delay)
		tasks[i] = t
	}

	if _, err := r.store.Commit(ctx, wc.AggregateID, version, working, tasks); err != nil {
		return Effects{}, err
	}
	effects.Tasks = tasks
	for i := range effects.Events {
		if effects.Events[i].At.IsZero() {
			effects.Events[i].At = commitAt
		}
	}
	return effects, nil
}

// afterCommit 只在提交成功后运行：计数并广播事件。事件发布失败不影响已提交的结果。
func (r *Runtime) afterCommit(ctx context.Context, aggregateID string, effects Effects) {
	metrics.Commits.WithLabelValues("success").Inc()
	for _, t := range effects.Tasks {
		metrics.TasksScheduled.WithLabelValues(string(t.Kind)).Inc()
	}
	for _, ev := range effects.Events {
		switch ev.Type {
		case domain.EventQuoteIssued:
			metrics.QuotesIssued.Inc()
		case domain.EventQuoteConsumed:
			metrics.QuotesConsumed.Inc()
		case domain.EventQuoteExpired:
			metrics.QuotesExpired.Inc()
		}
		r.publish(ctx, ev)
	}
	logger.Ctx(ctx).Debug().Str("aggregate_id", aggregateID).Int("tasks", len(effects.Tasks)).Msg("Write committed")
}

func (r *Runtime) publish(ctx context.Context, ev domain.ShippingEvent) {
	if r.publisher == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = r.now()
	}
	if err := r.publisher.Publish(ctx, ev); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("event", string(ev.Type)).Str("aggregate_id", ev.AggregateID).Msg("Failed to publish shipping event")
	}
}

// Read 以读者身份执行 fn。聚合从未被写入时返回 ErrAggregateNotFound。
func (r *Runtime) Read(ctx context.Context, aggregateID, taskID string, fn ReadFunc) error {
	ctx, span := r.tracer.Start(ctx, "runtime.Read")
	defer span.End()
	span.SetAttributes(attribute.String("shipping.aggregate.id", aggregateID))

	if aggregateID == "" {
		return domain.ErrInvalidAggregateID
	}
	state, version, err := r.store.Load(ctx, aggregateID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return fmt.Errorf("load aggregate %s: %w", aggregateID, err)
	}
	if version == 0 {
		return fmt.Errorf("%w: %s", domain.ErrAggregateNotFound, aggregateID)
	}
	return fn(ctx, ReaderContext{AggregateID: aggregateID, TaskID: taskID}, state.Clone())
}
