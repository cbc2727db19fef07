package domain

import (
	"errors"
	"fmt"
)

var (
	ErrQuoteInvalidOrExpired  = errors.New("quote invalid or expired")
	ErrInvalidMoney           = errors.New("invalid money value")
	ErrInvalidExpiration      = errors.New("quote expiration must not be negative")
	ErrInvalidTask            = errors.New("invalid task")
	ErrConcurrentModification = errors.New("shipping aggregate was modified concurrently")
	ErrAggregateNotFound      = errors.New("shipping aggregate not found")
	ErrInvalidAggregateID     = errors.New("invalid aggregate id")
)

// QuoteInvalidOrExpiredError 是 PrepareShipOrder 的业务错误：报价已被消费或已过期。
// 调用方按普通控制流分支处理，errors.Is(err, ErrQuoteInvalidOrExpired) 成立。
type QuoteInvalidOrExpiredError struct {
	QuoteID string
}

func (e *QuoteInvalidOrExpiredError) Error() string {
	return fmt.Sprintf("quote %q is invalid or expired", e.QuoteID)
}

func (e *QuoteInvalidOrExpiredError) Is(target error) bool {
	return target == ErrQuoteInvalidOrExpired
}
