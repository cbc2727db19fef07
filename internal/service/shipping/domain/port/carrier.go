package port

import (
	"context"
	"errors"
	"nexus-shipping/internal/service/shipping/domain"
)

// ErrPermanentCarrierFailure 标记不可重试的承运商错误（请求被拒、地址无效等）。
// 其余错误一律视为瞬时错误，由 ShipOrderTask 退避重试。
var ErrPermanentCarrierFailure = errors.New("permanent carrier failure")

// ShipmentRequest 是交给承运商的发货请求
type ShipmentRequest struct {
	TaskID      string
	AggregateID string
	TrackingID  string
	Quote       domain.Quote
}

// ShipmentReceipt 是承运商的回执
type ShipmentReceipt struct {
	CarrierReference string `json:"carrier_reference"`
}

// Carrier 是物理发货系统的出站端口。
// 发货不可补偿，所以只能在写事务提交后由 ShipOrderTask 调用。
type Carrier interface {
	Ship(ctx context.Context, req ShipmentRequest) (ShipmentReceipt, error)
}
