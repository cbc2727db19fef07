package adapter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"nexus-shipping/internal/pkg/mq"
	"nexus-shipping/internal/service/shipping/domain"
)

const (
	HeaderTaskID   = "task-id"
	HeaderTaskKind = "task-kind"
)

// TaskKafkaAdapter 实现了 port.TaskSink：把到期任务发布到任务主题，由 shipping-service 的消费者执行。
// 以聚合ID作为 key，同一聚合的任务进入同一个分区，保持到期顺序。
type TaskKafkaAdapter struct {
	writer mq.MessageWriter
}

func NewTaskKafkaAdapter(writer mq.MessageWriter) *TaskKafkaAdapter {
	return &TaskKafkaAdapter{writer: writer}
}

func (a *TaskKafkaAdapter) Deliver(ctx context.Context, task domain.Task) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return mq.ProduceMessage(ctx, a.writer, []byte(task.AggregateID), taskBytes,
		kafka.Header{Key: HeaderTaskID, Value: []byte(task.ID)},
		kafka.Header{Key: HeaderTaskKind, Value: []byte(task.Kind)},
		kafka.Header{Key: "not-before", Value: []byte(task.NotBefore.UTC().Format(time.RFC3339Nano))},
	)
}

// DecodeTaskMessage 是 Deliver 的逆操作，供消费者使用
func DecodeTaskMessage(msg kafka.Message) (domain.Task, error) {
	var task domain.Task
	if err := json.Unmarshal(msg.Value, &task); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}
