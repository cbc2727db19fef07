// internal/service/shipping/domain/money.go
package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const nanosPerUnit = 1_000_000_000

// Money 是一个精确的金额值对象：币种 + 整数主单位 + 十亿分之一单位。
// 字段不导出，构造后不可变。
type Money struct {
	currencyCode string
	units        int64
	nanos        int32
}

// moneyWire 是 Money 的线上格式，必须精确往返，不允许出现浮点数。
type moneyWire struct {
	CurrencyCode string `json:"currency_code"`
	Units        int64  `json:"units"`
	Nanos        int32  `json:"nanos"`
}

// NewMoney 校验并构造一个 Money。
// units 与 nanos 必须同号（或其中一个为 0），nanos 的绝对值小于 1e9。
func NewMoney(currencyCode string, units int64, nanos int32) (Money, error) {
	code := strings.TrimSpace(currencyCode)
	if len(code) != 3 || strings.ToUpper(code) != code {
		return Money{}, fmt.Errorf("%w: currency code %q is not an ISO-4217 code", ErrInvalidMoney, currencyCode)
	}
	if nanos <= -nanosPerUnit || nanos >= nanosPerUnit {
		return Money{}, fmt.Errorf("%w: nanos %d out of range", ErrInvalidMoney, nanos)
	}
	if (units > 0 && nanos < 0) || (units < 0 && nanos > 0) {
		return Money{}, fmt.Errorf("%w: units %d and nanos %d have different signs", ErrInvalidMoney, units, nanos)
	}
	return Money{currencyCode: code, units: units, nanos: nanos}, nil
}

// MustMoney 用于常量场景，参数非法时 panic。
func MustMoney(currencyCode string, units int64, nanos int32) Money {
	m, err := NewMoney(currencyCode, units, nanos)
	if err != nil {
		panic(err)
	}
	return m
}

// MoneyFromDecimal 把十进制金额拆成 units/nanos。精度超过 nanos 的金额会被拒绝，而不是被截断。
func MoneyFromDecimal(currencyCode string, amount decimal.Decimal) (Money, error) {
	whole := amount.Truncate(0)
	if !whole.BigInt().IsInt64() {
		return Money{}, fmt.Errorf("%w: amount %s overflows units", ErrInvalidMoney, amount.String())
	}
	frac := amount.Sub(whole).Shift(9)
	if !frac.Equal(frac.Truncate(0)) {
		return Money{}, fmt.Errorf("%w: amount %s is finer than a nano", ErrInvalidMoney, amount.String())
	}
	return NewMoney(currencyCode, whole.IntPart(), int32(frac.IntPart()))
}

func (m Money) CurrencyCode() string { return m.currencyCode }
func (m Money) Units() int64         { return m.units }
func (m Money) Nanos() int32         { return m.nanos }

// IsZero 判断是否为零值（包括未初始化的 Money{}）。
func (m Money) IsZero() bool { return m.units == 0 && m.nanos == 0 }

// Decimal 返回精确的十进制表示。
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.units, 0).Add(decimal.New(int64(m.nanos), -9))
}

// Equal 比较币种与数值。
func (m Money) Equal(other Money) bool {
	return m.currencyCode == other.currencyCode && m.units == other.units && m.nanos == other.nanos
}

// String 仅用于日志，不承担货币格式化的职责。
func (m Money) String() string {
	return m.currencyCode + " " + m.Decimal().String()
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyWire{CurrencyCode: m.currencyCode, Units: m.units, Nanos: m.nanos})
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var w moneyWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parsed, err := NewMoney(w.CurrencyCode, w.Units, w.Nanos)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
