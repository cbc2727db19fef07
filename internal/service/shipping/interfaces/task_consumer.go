package interfaces

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"nexus-shipping/internal/pkg/logger"
	"nexus-shipping/internal/pkg/mq"
	"nexus-shipping/internal/service/shipping/application"
	"nexus-shipping/internal/service/shipping/domain"
	"nexus-shipping/internal/service/shipping/domain/port"
	"nexus-shipping/internal/service/shipping/infrastructure/adapter"
)

// TaskConsumerAdapter 是一个驱动适配器，它监听任务主题并把任务交给 TaskRouter 执行。
// 瞬时错误按指数退避原地重试，直到成功或进程关停（不提交 offset，重启后重新消费）；
// 只有永久错误才交给 FailureHandler 转入死信队列。
type TaskConsumerAdapter struct {
	reader         mq.MessageReader
	sink           port.TaskSink
	failureHandler *mq.FailureHandler
	retryBackoff   time.Duration
	maxBackoff     time.Duration
}

// NewTaskConsumerAdapter 创建一个新的Kafka消费者适配器。
func NewTaskConsumerAdapter(reader mq.MessageReader, sink port.TaskSink, failureHandler *mq.FailureHandler) *TaskConsumerAdapter {
	return &TaskConsumerAdapter{
		reader:         reader,
		sink:           sink,
		failureHandler: failureHandler,
		retryBackoff:   time.Second,
		maxBackoff:     30 * time.Second,
	}
}

// Run 开始监听Kafka主题，直到 ctx 被取消。这是一个长期运行的方法。
func (a *TaskConsumerAdapter) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().Msg("✅ Task Consumer Adapter started.")
	for {
		// 我们使用FetchMessage而不是ReadMessage，以便在处理完成后再提交Offset
		msg, err := a.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Ctx(ctx).Info().Msg("🛑 Task Consumer Adapter shutting down.")
				return nil
			}
			logger.Ctx(ctx).Error().Err(err).Msg("Could not fetch message, retrying...")
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		msgCtx := mq.ExtractTraceContext(ctx, msg.Headers)
		if err := a.processMessage(msgCtx, msg); err != nil {
			// 关停打断的消息不提交，重启后重新消费
			if ctx.Err() != nil {
				return nil
			}
			if !a.deadLetter(msgCtx, msg, err) {
				return nil
			}
		}

		if err := a.reader.CommitMessages(ctx, msg); err != nil {
			logger.Ctx(ctx).Error().Err(err).Int64("offset", msg.Offset).Msg("Failed to commit message")
		}
	}
}

// processMessage 反序列化消息并投递。返回的错误要么是永久错误，要么是 ctx 结束
func (a *TaskConsumerAdapter) processMessage(ctx context.Context, msg kafka.Message) error {
	task, err := adapter.DecodeTaskMessage(msg)
	if err != nil {
		return errors.Wrapf(domain.ErrInvalidTask, "decode task message: %v", err)
	}
	log := logger.Ctx(ctx).With().Str("task_id", task.ID).Str("task_kind", string(task.Kind)).Logger()

	backoff := a.retryBackoff
	for attempt := 1; ; attempt++ {
		err = a.sink.Deliver(ctx, task)
		if err == nil {
			return nil
		}
		if application.IsPermanent(err) {
			return err
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("Task delivery failed, retrying")
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff = min(2*backoff, a.maxBackoff)
	}
}

// deadLetter 转发到 DLT，转发失败时持续重试，直到成功或 ctx 结束（返回 false）
func (a *TaskConsumerAdapter) deadLetter(ctx context.Context, msg kafka.Message, cause error) bool {
	for {
		if err := a.failureHandler.Handle(ctx, msg, cause); err == nil {
			return true
		}
		if !sleep(ctx, a.retryBackoff) {
			return false
		}
	}
}

// sleep 等待 d，ctx 结束时返回 false
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
