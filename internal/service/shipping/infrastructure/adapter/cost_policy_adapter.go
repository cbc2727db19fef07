package adapter

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"
	"nexus-shipping/internal/service/shipping/domain"
	"nexus-shipping/internal/service/shipping/domain/port"
)

// FixedCostAdapter 对所有请求返回同一个运费
type FixedCostAdapter struct {
	cost domain.Money
}

func NewFixedCostAdapter(cost domain.Money) *FixedCostAdapter {
	return &FixedCostAdapter{cost: cost}
}

// NewFixedCostAdapterFromString 从配置解析金额，例如 ("USD", "8.99")
func NewFixedCostAdapterFromString(currency, amount string) (*FixedCostAdapter, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse quote cost %q: %w", amount, err)
	}
	m, err := domain.MoneyFromDecimal(currency, d)
	if err != nil {
		return nil, err
	}
	return &FixedCostAdapter{cost: m}, nil
}

func (a *FixedCostAdapter) Cost(_ context.Context, _ port.QuoteInput) (domain.Money, error) {
	return a.cost, nil
}

// CelCostAdapter 用 CEL 表达式计算运费。
// 表达式可以使用 item_count、quantity（int）以及 country、zip_code（string），
// 结果可以是 int 或十进制字符串（如 "8.99"），单位为 currency 的主单位。
// double 结果会被拒绝，金额不经过浮点数。
type CelCostAdapter struct {
	currency   string
	expression string
	program    cel.Program
}

func NewCelCostAdapter(currency, expression string) (*CelCostAdapter, error) {
	env, err := cel.NewEnv(
		cel.Variable("item_count", cel.IntType),
		cel.Variable("quantity", cel.IntType),
		cel.Variable("country", cel.StringType),
		cel.Variable("zip_code", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}
	ast, iss := env.Compile(expression)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile cost expression %q: %w", expression, iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build cost program: %w", err)
	}
	// 提前校验币种，避免每次报价才失败
	if _, err := domain.NewMoney(currency, 0, 0); err != nil {
		return nil, err
	}
	return &CelCostAdapter{currency: currency, expression: expression, program: prg}, nil
}

func (a *CelCostAdapter) Cost(_ context.Context, in port.QuoteInput) (domain.Money, error) {
	var quantity int64
	for _, item := range in.Items {
		quantity += int64(item.Quantity)
	}
	out, _, err := a.program.Eval(map[string]any{
		"item_count": int64(len(in.Items)),
		"quantity":   quantity,
		"country":    in.Address.Country,
		"zip_code":   in.Address.ZipCode,
	})
	if err != nil {
		return domain.Money{}, fmt.Errorf("evaluate cost expression: %w", err)
	}

	var amount decimal.Decimal
	switch v := out.Value().(type) {
	case int64:
		amount = decimal.NewFromInt(v)
	case float64:
		return domain.Money{}, fmt.Errorf("%w: cost expression returned double %v, use an int or a decimal string", domain.ErrInvalidMoney, v)
	case string:
		amount, err = decimal.NewFromString(v)
		if err != nil {
			return domain.Money{}, fmt.Errorf("cost expression returned %q: %w", v, err)
		}
	default:
		return domain.Money{}, fmt.Errorf("cost expression returned unsupported type %T", v)
	}
	if amount.IsNegative() {
		return domain.Money{}, fmt.Errorf("%w: negative shipping cost %s", domain.ErrInvalidMoney, amount)
	}
	return domain.MoneyFromDecimal(a.currency, amount)
}
