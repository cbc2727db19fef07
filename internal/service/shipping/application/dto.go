// internal/service/shipping/application/dto.go
package application

import (
	"math"
	"time"

	"nexus-shipping/internal/service/shipping/domain"
	"nexus-shipping/internal/service/shipping/domain/port"
)

// maxExpirationSeconds 保证换算成 time.Duration 时不会溢出
const maxExpirationSeconds = math.MaxInt64 / int64(time.Second)

// GetQuoteRequest 是获取报价用例的输入
type GetQuoteRequest struct {
	QuoteExpirationSeconds int64             `json:"quote_expiration_seconds"`
	Address                domain.Address    `json:"address"`
	Items                  []domain.CartItem `json:"items,omitempty"`
}

// Expiration 把秒数转换为 time.Duration
func (r *GetQuoteRequest) Expiration() time.Duration {
	return time.Duration(r.QuoteExpirationSeconds) * time.Second
}

func (r *GetQuoteRequest) quoteInput() port.QuoteInput {
	return port.QuoteInput{Address: r.Address, Items: r.Items}
}

type GetQuoteResponse struct {
	Quote domain.Quote `json:"quote"`
}

// QuoteRef 按ID引用之前由 GetQuote 返回的报价
type QuoteRef struct {
	ID string `json:"id"`
}

type PrepareShipOrderRequest struct {
	Quote QuoteRef `json:"quote"`
}

type PrepareShipOrderResponse struct {
	TrackingID string `json:"tracking_id"`
}

// ExpireQuoteTaskRequest 携带调度时捕获的报价
type ExpireQuoteTaskRequest struct {
	Quote domain.Quote
}

type ShipOrderTaskRequest struct {
	TrackingID string
	Quote      domain.Quote
}

type ShipOrderTaskResponse struct {
	Receipt port.ShipmentReceipt
	// Skipped 为 true 表示该发货已由其他投递完成
	Skipped bool
}

// ShippingStateView 是聚合状态的只读视图
type ShippingStateView struct {
	AggregateID string         `json:"aggregate_id"`
	Quotes      []domain.Quote `json:"quotes"`
}
