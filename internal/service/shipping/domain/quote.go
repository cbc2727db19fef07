// internal/service/shipping/domain/quote.go
package domain

import "github.com/google/uuid"

// Quote 是一次有时效的运费报价。它只归属于 ShippingState，
// 被 PrepareShipOrder 或 ExpireQuoteTask 之一删除后即不可再被引用。
type Quote struct {
	ID   string `json:"id"`
	Cost Money  `json:"cost"`
}

// NewQuote 工厂函数：生成全局唯一的报价ID
func NewQuote(cost Money) Quote {
	return Quote{ID: uuid.NewString(), Cost: cost}
}

// Address 是收货地址，仅作为报价策略的输入。
type Address struct {
	StreetAddress string `json:"street_address,omitempty"`
	City          string `json:"city,omitempty"`
	State         string `json:"state,omitempty"`
	Country       string `json:"country,omitempty"`
	ZipCode       string `json:"zip_code,omitempty"`
}

// CartItem 是购物车中的一行商品。
type CartItem struct {
	ProductID string `json:"product_id"`
	Quantity  int32  `json:"quantity"`
}
