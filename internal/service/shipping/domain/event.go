// internal/service/shipping/domain/event.go
package domain

import "time"

type EventType string

const (
	EventQuoteIssued   EventType = "QuoteIssued"
	EventQuoteConsumed EventType = "QuoteConsumed"
	EventQuoteExpired  EventType = "QuoteExpired"
	EventOrderShipped  EventType = "OrderShipped"
)

// ShippingEvent 是提交成功之后对外广播的领域事件（websocket / kafka）。
// 它不参与一致性保证，丢失只影响观察者。
type ShippingEvent struct {
	Type        EventType `json:"type"`
	AggregateID string    `json:"aggregate_id"`
	QuoteID     string    `json:"quote_id,omitempty"`
	TrackingID  string    `json:"tracking_id,omitempty"`
	Cost        *Money    `json:"cost,omitempty"`
	At          time.Time `json:"at"`
}
