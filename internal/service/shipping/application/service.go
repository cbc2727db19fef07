// internal/service/shipping/application/service.go
package application

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"nexus-shipping/internal/service/shipping/domain"
)

// maxAggregateIDLen 与持久化层的主键长度一致
const maxAggregateIDLen = 64

// ShippingApplicationService 是入站适配器（HTTP 等）调用的用例入口。
// 它把外部请求包装成 Runtime 上的写/读事务。
type ShippingApplicationService struct {
	runtime  *Runtime
	servicer *Servicer
	tracer   trace.Tracer
}

func NewShippingApplicationService(runtime *Runtime, servicer *Servicer, tracer trace.Tracer) *ShippingApplicationService {
	return &ShippingApplicationService{runtime: runtime, servicer: servicer, tracer: tracer}
}

func validateAggregateID(id string) error {
	if id == "" || len(id) > maxAggregateIDLen {
		return fmt.Errorf("%w: %q", domain.ErrInvalidAggregateID, id)
	}
	return nil
}

// GetQuote 为聚合签发一个新报价
func (s *ShippingApplicationService) GetQuote(ctx context.Context, aggregateID string, req *GetQuoteRequest) (*GetQuoteResponse, error) {
	ctx, span := s.tracer.Start(ctx, "app.GetQuote")
	defer span.End()

	if err := validateAggregateID(aggregateID); err != nil {
		return nil, err
	}
	var resp *GetQuoteResponse
	err := s.runtime.Write(ctx, aggregateID, "", func(ctx context.Context, wc WriterContext, state *domain.ShippingState) (Effects, error) {
		r, effects, err := s.servicer.GetQuote(ctx, wc, state, req)
		if err != nil {
			return Effects{}, err
		}
		resp = r
		return effects, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get quote failed")
		return nil, err
	}
	return resp, nil
}

// PrepareShipOrder 消费报价并准备发货
func (s *ShippingApplicationService) PrepareShipOrder(ctx context.Context, aggregateID string, req *PrepareShipOrderRequest) (*PrepareShipOrderResponse, error) {
	ctx, span := s.tracer.Start(ctx, "app.PrepareShipOrder")
	defer span.End()

	if err := validateAggregateID(aggregateID); err != nil {
		return nil, err
	}
	var resp *PrepareShipOrderResponse
	err := s.runtime.Write(ctx, aggregateID, "", func(ctx context.Context, wc WriterContext, state *domain.ShippingState) (Effects, error) {
		r, effects, err := s.servicer.PrepareShipOrder(ctx, wc, state, req)
		if err != nil {
			return Effects{}, err
		}
		resp = r
		return effects, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prepare ship order failed")
		return nil, err
	}
	return resp, nil
}

// GetState 返回聚合当前持有的有效报价
func (s *ShippingApplicationService) GetState(ctx context.Context, aggregateID string) (*ShippingStateView, error) {
	ctx, span := s.tracer.Start(ctx, "app.GetState")
	defer span.End()

	if err := validateAggregateID(aggregateID); err != nil {
		return nil, err
	}
	var view *ShippingStateView
	err := s.runtime.Read(ctx, aggregateID, "", func(_ context.Context, rc ReaderContext, state *domain.ShippingState) error {
		view = &ShippingStateView{AggregateID: rc.AggregateID, Quotes: state.Quotes()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}
