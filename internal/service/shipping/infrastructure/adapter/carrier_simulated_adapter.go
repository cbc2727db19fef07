package adapter

import (
	"context"
	"sync"

	"nexus-shipping/internal/pkg/logger"
	"nexus-shipping/internal/service/shipping/domain/port"
)

// CarrierSimulatedAdapter 在没有配置承运商地址时使用：只记录日志并返回运单号作为回执
type CarrierSimulatedAdapter struct {
	mu      sync.Mutex
	shipped []port.ShipmentRequest
}

func NewCarrierSimulatedAdapter() *CarrierSimulatedAdapter {
	return &CarrierSimulatedAdapter{}
}

func (a *CarrierSimulatedAdapter) Ship(ctx context.Context, req port.ShipmentRequest) (port.ShipmentReceipt, error) {
	if err := ctx.Err(); err != nil {
		return port.ShipmentReceipt{}, err
	}
	a.mu.Lock()
	a.shipped = append(a.shipped, req)
	a.mu.Unlock()

	logger.Ctx(ctx).Info().
		Str("tracking_id", req.TrackingID).
		Str("aggregate_id", req.AggregateID).
		Stringer("cost", req.Quote.Cost).
		Msg("📦 [simulated carrier] shipment accepted")
	return port.ShipmentReceipt{CarrierReference: "SIM-" + req.TrackingID}, nil
}

// Shipped 返回已接受的发货请求
func (a *CarrierSimulatedAdapter) Shipped() []port.ShipmentRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]port.ShipmentRequest(nil), a.shipped...)
}
