package port

import (
	"context"
	"nexus-shipping/internal/service/shipping/domain"
)

// QuoteInput 是报价策略的输入
type QuoteInput struct {
	Address domain.Address
	Items   []domain.CartItem
}

// CostPolicy 是运费计算策略的出站端口。
type CostPolicy interface {
	// Cost 根据请求计算运费，返回值必须是合法的 Money。
	Cost(ctx context.Context, in QuoteInput) (domain.Money, error)
}
