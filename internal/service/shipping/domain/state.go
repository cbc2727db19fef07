// internal/service/shipping/domain/state.go
package domain

import (
	"encoding/json"
	"sort"
)

// ShippingState 是一个 shipping 聚合的全部持久化状态：按ID索引的有效报价集合。
// 零值可直接使用。
type ShippingState struct {
	quotes map[string]Quote
}

type shippingStateWire struct {
	Quotes []Quote `json:"quotes"`
}

func NewShippingState() *ShippingState {
	return &ShippingState{quotes: make(map[string]Quote)}
}

// AddQuote 插入（或覆盖同ID的）报价。
func (s *ShippingState) AddQuote(q Quote) {
	if s.quotes == nil {
		s.quotes = make(map[string]Quote)
	}
	s.quotes[q.ID] = q
}

// RemoveQuote 按ID删除报价，返回被删除的报价以及是否命中。
func (s *ShippingState) RemoveQuote(id string) (Quote, bool) {
	q, ok := s.quotes[id]
	if ok {
		delete(s.quotes, id)
	}
	return q, ok
}

func (s *ShippingState) Quote(id string) (Quote, bool) {
	q, ok := s.quotes[id]
	return q, ok
}

func (s *ShippingState) Len() int { return len(s.quotes) }

// Quotes 返回按ID排序的快照，保证输出稳定。
func (s *ShippingState) Quotes() []Quote {
	out := make([]Quote, 0, len(s.quotes))
	for _, q := range s.quotes {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clone 深拷贝。Quote 本身是值类型，复制 map 即可。
func (s *ShippingState) Clone() *ShippingState {
	if s == nil {
		return NewShippingState()
	}
	c := &ShippingState{quotes: make(map[string]Quote, len(s.quotes))}
	for id, q := range s.quotes {
		c.quotes[id] = q
	}
	return c
}

func (s *ShippingState) MarshalJSON() ([]byte, error) {
	return json.Marshal(shippingStateWire{Quotes: s.Quotes()})
}

func (s *ShippingState) UnmarshalJSON(data []byte) error {
	var w shippingStateWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	s.quotes = make(map[string]Quote, len(w.Quotes))
	for _, q := range w.Quotes {
		s.quotes[q.ID] = q
	}
	return nil
}
