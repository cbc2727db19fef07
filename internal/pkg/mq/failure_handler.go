// internal/pkg/mq/failure_handler.go
package mq

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"nexus-shipping/internal/pkg/logger"
)

// 死信消息头，与 Spring Kafka 的命名保持一致，便于跨语言排查
const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderExceptionFqcn     = "x-exception-fqcn"
	HeaderExceptionMessage  = "x-exception-message"
)

// FailureHandler 把处理失败的消息转发到死信队列（DLT）。
type FailureHandler struct {
	dltWriter MessageWriter
	dltTopic  string
}

func NewFailureHandler(dltWriter MessageWriter, dltTopic string) *FailureHandler {
	return &FailureHandler{dltWriter: dltWriter, dltTopic: dltTopic}
}

// Handle 转发失败消息。转发本身失败时返回错误，调用方不应提交 offset。
func (h *FailureHandler) Handle(ctx context.Context, msg kafka.Message, cause error) error {
	headers := make([]kafka.Header, 0, len(msg.Headers)+5)
	headers = append(headers, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderOriginalTopic, Value: []byte(msg.Topic)},
		kafka.Header{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		kafka.Header{Key: HeaderExceptionFqcn, Value: []byte(fmt.Sprintf("%T", errors.Cause(cause)))},
		kafka.Header{Key: HeaderExceptionMessage, Value: []byte(cause.Error())},
	)

	dead := kafka.Message{Key: msg.Key, Value: msg.Value, Headers: headers}
	if err := h.dltWriter.WriteMessages(ctx, dead); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("dlt_topic", h.dltTopic).Msg("Failed to forward message to DLT")
		return errors.Wrap(err, "forward to dead letter topic")
	}

	logger.Ctx(ctx).Warn().
		Err(cause).
		Str("original_topic", msg.Topic).
		Int64("original_offset", msg.Offset).
		Str("dlt_topic", h.dltTopic).
		Msg("Message moved to DLT")
	return nil
}
