package interfaces

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"nexus-shipping/internal/pkg/logger"
	"nexus-shipping/internal/pkg/mq"
	"nexus-shipping/internal/service/shipping/infrastructure/adapter"
)

// DltConsumerAdapter 监听死信队列并记录日志
type DltConsumerAdapter struct {
	reader mq.MessageReader
}

func NewDltConsumerAdapter(reader mq.MessageReader) *DltConsumerAdapter {
	return &DltConsumerAdapter{reader: reader}
}

func (a *DltConsumerAdapter) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().Msg("✅ DLT Consumer Adapter started.")
	for {
		msg, err := a.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Ctx(ctx).Info().Msg("🛑 DLT Consumer Adapter shutting down.")
				return nil
			}
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		// 记录死信消息详情
		logDeadLetter(ctx, msg)

		// DLT中的消息总是直接提交，因为它们已经被“处理”了（即记录日志）
		if err := a.reader.CommitMessages(ctx, msg); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("Failed to commit dead letter")
		}
	}
}

func logDeadLetter(ctx context.Context, msg kafka.Message) {
	headers := make(map[string]string)
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	// 使用结构化日志记录，便于后续分析
	logger.Ctx(ctx).Error().
		Str("reason", "dead_letter_message_received").
		Str("original_topic", headers[mq.HeaderOriginalTopic]).
		Str("original_partition", headers[mq.HeaderOriginalPartition]).
		Str("original_offset", headers[mq.HeaderOriginalOffset]).
		Str("exception_fqcn", headers[mq.HeaderExceptionFqcn]).
		Str("exception_message", headers[mq.HeaderExceptionMessage]).
		Str("task_id", headers[adapter.HeaderTaskID]).
		Str("task_kind", headers[adapter.HeaderTaskKind]).
		Str("key", string(msg.Key)).
		Str("value", string(msg.Value)).
		Msg("🚨 CRITICAL: Dead letter message received")
}
