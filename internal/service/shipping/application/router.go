// internal/service/shipping/application/router.go
package application

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"nexus-shipping/internal/pkg/logger"
	"nexus-shipping/internal/service/shipping/domain"
	"nexus-shipping/internal/service/shipping/domain/port"
)

// TaskRouter 把到期任务路由到对应的操作：ExpireQuoteTask 走写路径，ShipOrderTask 走读路径。
// 它实现 port.TaskSink，既可以被进程内调度器直接调用，也可以被 Kafka 消费者调用。
type TaskRouter struct {
	runtime   *Runtime
	servicer  *Servicer
	publisher port.EventPublisher // 可以为 nil
	tracer    trace.Tracer
}

func NewTaskRouter(runtime *Runtime, servicer *Servicer, publisher port.EventPublisher, tracer trace.Tracer) *TaskRouter {
	return &TaskRouter{runtime: runtime, servicer: servicer, publisher: publisher, tracer: tracer}
}

func (r *TaskRouter) Deliver(ctx context.Context, task domain.Task) error {
	ctx, span := r.tracer.Start(ctx, "router.Deliver", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("shipping.task.id", task.ID),
		attribute.String("shipping.task.kind", string(task.Kind)),
		attribute.String("shipping.aggregate.id", task.AggregateID),
	)

	switch task.Kind {
	case domain.TaskExpireQuote:
		var payload domain.ExpireQuotePayload
		if err := task.Decode(&payload); err != nil {
			return err
		}
		req := &ExpireQuoteTaskRequest{Quote: payload.Quote}
		return r.runtime.Write(ctx, task.AggregateID, task.ID, func(ctx context.Context, wc WriterContext, state *domain.ShippingState) (Effects, error) {
			return r.servicer.ExpireQuoteTask(ctx, wc, state, req)
		})

	case domain.TaskShipOrder:
		var payload domain.ShipOrderPayload
		if err := task.Decode(&payload); err != nil {
			return err
		}
		req := &ShipOrderTaskRequest{TrackingID: payload.TrackingID, Quote: payload.Quote}
		var resp *ShipOrderTaskResponse
		err := r.runtime.Read(ctx, task.AggregateID, task.ID, func(ctx context.Context, rc ReaderContext, state *domain.ShippingState) error {
			var err error
			resp, err = r.servicer.ShipOrderTask(ctx, rc, state, req)
			return err
		})
		if err != nil {
			return err
		}
		if !resp.Skipped && r.publisher != nil {
			ev := domain.ShippingEvent{
				Type:        domain.EventOrderShipped,
				AggregateID: task.AggregateID,
				QuoteID:     payload.Quote.ID,
				TrackingID:  payload.TrackingID,
			}
			if perr := r.publisher.Publish(ctx, ev); perr != nil {
				logger.Ctx(ctx).Warn().Err(perr).Str("tracking_id", payload.TrackingID).Msg("Failed to publish OrderShipped event")
			}
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidTask, task.Kind)
	}
}

// IsPermanent 判断投递错误是否不值得重试：重投递只会得到同样的结果。
// ctx 取消、重试耗尽、claim 被占用都不算，任务必须留给下一次投递。
func IsPermanent(err error) bool {
	return errors.Is(err, domain.ErrInvalidTask) ||
		errors.Is(err, domain.ErrAggregateNotFound) ||
		errors.Is(err, domain.ErrInvalidAggregateID) ||
		errors.Is(err, port.ErrPermanentCarrierFailure)
}

// DeadLetterSink 包装一个 TaskSink：永久性错误交给 onDead 处理后视为已投递，
// 瞬时错误原样返回，由调度器在下一轮重新投递。
type DeadLetterSink struct {
	next   port.TaskSink
	onDead func(ctx context.Context, task domain.Task, cause error)
}

func NewDeadLetterSink(next port.TaskSink, onDead func(ctx context.Context, task domain.Task, cause error)) *DeadLetterSink {
	if onDead == nil {
		onDead = logDeadTask
	}
	return &DeadLetterSink{next: next, onDead: onDead}
}

func (s *DeadLetterSink) Deliver(ctx context.Context, task domain.Task) error {
	err := s.next.Deliver(ctx, task)
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		s.onDead(ctx, task, err)
		return nil
	}
	return err
}

func logDeadTask(ctx context.Context, task domain.Task, cause error) {
	logger.Ctx(ctx).Error().Err(cause).
		Str("task_id", task.ID).
		Str("task_kind", string(task.Kind)).
		Str("aggregate_id", task.AggregateID).
		RawJSON("payload", task.Payload).
		Msg("🚨 Task dead-lettered")
}
