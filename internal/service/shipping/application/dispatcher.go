// internal/service/shipping/application/dispatcher.go
package application

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"nexus-shipping/internal/pkg/logger"
	"nexus-shipping/internal/pkg/metrics"
	"nexus-shipping/internal/service/shipping/domain"
	"nexus-shipping/internal/service/shipping/domain/port"
)

// TaskDispatcher 轮询 outbox，把已提交且到期的任务交给 sink。
// 投递语义是 at-least-once：先投递后标记，进程在两者之间崩溃会导致重复投递。
type TaskDispatcher struct {
	outbox    domain.Outbox
	sink      port.TaskSink
	interval  time.Duration
	batchSize int
	now       func() time.Time
	tracer    trace.Tracer
}

func NewTaskDispatcher(outbox domain.Outbox, sink port.TaskSink, interval time.Duration, batchSize int) *TaskDispatcher {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &TaskDispatcher{
		outbox: outbox, sink: sink,
		interval: interval, batchSize: batchSize,
		now:    time.Now,
		tracer: otel.Tracer("shipping.dispatcher"),
	}
}

// WithClock 替换判断到期使用的时钟（测试用）
func (d *TaskDispatcher) WithClock(now func() time.Time) *TaskDispatcher {
	d.now = now
	return d
}

// Run 周期性地派发到期任务，直到 ctx 被取消。
func (d *TaskDispatcher) Run(ctx context.Context) error {
	log := logger.Ctx(ctx)
	log.Info().Dur("interval", d.interval).Int("batch_size", d.batchSize).Msg("🚀 Task dispatcher started")

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		// 一批满了说明可能还有积压，立即继续
		for {
			n, err := d.DispatchDue(ctx)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				log.Error().Err(err).Msg("Dispatch round failed")
				break
			}
			if n < d.batchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Task dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchDue 执行一轮派发，返回成功投递的任务数。
// 某个任务投递失败时本轮停止，已投递的任务照常标记，失败的任务留待下一轮。
func (d *TaskDispatcher) DispatchDue(ctx context.Context) (int, error) {
	tasks, err := d.outbox.FetchDue(ctx, d.now(), d.batchSize)
	if err != nil {
		return 0, errors.Wrap(err, "fetch due tasks")
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	delivered := make([]string, 0, len(tasks))
	var deliverErr error
	for _, t := range tasks {
		if err := d.deliver(ctx, t); err != nil {
			deliverErr = errors.Wrapf(err, "deliver task %s (%s)", t.ID, t.Kind)
			break
		}
		delivered = append(delivered, t.ID)
	}

	if len(delivered) > 0 {
		// 即使 ctx 已经取消，也要把已投递的任务标记掉，减少重复投递
		if err := d.outbox.MarkDispatched(context.WithoutCancel(ctx), delivered, d.now()); err != nil {
			return 0, errors.Wrap(err, "mark tasks dispatched")
		}
	}
	return len(delivered), deliverErr
}

func (d *TaskDispatcher) deliver(ctx context.Context, t domain.Task) error {
	ctx, span := d.tracer.Start(ctx, "dispatcher.Deliver", trace.WithAttributes(
		attribute.String("shipping.task.id", t.ID),
		attribute.String("shipping.task.kind", string(t.Kind)),
		attribute.String("shipping.aggregate.id", t.AggregateID),
		attribute.String("not_before", t.NotBefore.UTC().Format(time.RFC3339Nano)),
	))
	defer span.End()

	if err := d.sink.Deliver(ctx, t); err != nil {
		metrics.TasksDispatched.WithLabelValues(string(t.Kind), "failure").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "deliver failed")
		logger.Ctx(ctx).Warn().Err(err).Str("task_id", t.ID).Str("task_kind", string(t.Kind)).Msg("Task delivery failed, will retry next round")
		return err
	}
	metrics.TasksDispatched.WithLabelValues(string(t.Kind), "success").Inc()
	span.AddEvent("TaskDelivered")
	return nil
}
