package infrastructure

import (
	"encoding/json"
	"time"

	"nexus-shipping/internal/service/shipping/domain"
)

// ToDomainTask 将数据库模型转换为领域模型
func ToDomainTask(model *ShippingTaskModel) domain.Task {
	return domain.Task{
		ID:          model.ID,
		AggregateID: model.AggregateID,
		Kind:        domain.TaskKind(model.Kind),
		Delay:       time.Duration(model.DelayMs) * time.Millisecond,
		NotBefore:   model.NotBefore,
		Payload:     json.RawMessage(model.Payload),
	}
}

// FromDomainTask 将领域模型转换为数据库模型 (用于插入)
func FromDomainTask(t domain.Task) *ShippingTaskModel {
	return &ShippingTaskModel{
		ID:          t.ID,
		AggregateID: t.AggregateID,
		Kind:        string(t.Kind),
		DelayMs:     t.Delay.Milliseconds(),
		NotBefore:   t.NotBefore.UTC(),
		Payload:     string(t.Payload),
	}
}

// ToDomainState 反序列化状态列
func ToDomainState(model *ShippingStateModel) (*domain.ShippingState, error) {
	state := domain.NewShippingState()
	if model.State == "" {
		return state, nil
	}
	if err := json.Unmarshal([]byte(model.State), state); err != nil {
		return nil, err
	}
	return state, nil
}
