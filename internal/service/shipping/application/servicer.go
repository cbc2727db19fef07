// internal/service/shipping/application/servicer.go
package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"nexus-shipping/internal/pkg/logger"
	"nexus-shipping/internal/pkg/metrics"
	"nexus-shipping/internal/service/shipping/domain"
	"nexus-shipping/internal/service/shipping/domain/port"
)

var (
	// ErrShipmentFailed 表示承运商明确拒绝了这票货，重投递也不会成功
	ErrShipmentFailed = errors.New("shipment failed")
	// ErrShipmentInProgress 表示另一个投递持有该运单的 claim，任务需要稍后重投递
	ErrShipmentInProgress = errors.New("shipment in progress")
)

// Servicer 实现 shipping 聚合上的四个操作。
// 它只操作传入的状态和上下文，不关心提交、加锁和任务投递，这些由 Runtime 负责。
type Servicer struct {
	costPolicy port.CostPolicy
	carrier    port.Carrier
	ledger     port.ShipmentLedger
	retry      RetryPolicy
	tracer     trace.Tracer

	sleep func(ctx context.Context, d time.Duration) error
}

func NewServicer(costPolicy port.CostPolicy, carrier port.Carrier, ledger port.ShipmentLedger, retry RetryPolicy, tracer trace.Tracer) *Servicer {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	return &Servicer{
		costPolicy: costPolicy, carrier: carrier, ledger: ledger,
		retry: retry, tracer: tracer,
		sleep: sleepCtx,
	}
}

// GetQuote (Writer) 计算运费、保存报价，并调度在 QuoteExpirationSeconds 后执行的 ExpireQuoteTask。
func (s *Servicer) GetQuote(ctx context.Context, wc WriterContext, state *domain.ShippingState, req *GetQuoteRequest) (*GetQuoteResponse, Effects, error) {
	ctx, span := s.tracer.Start(ctx, "servicer.GetQuote")
	defer span.End()
	span.SetAttributes(
		attribute.String("shipping.aggregate.id", wc.AggregateID),
		attribute.Int64("shipping.quote.expiration_seconds", req.QuoteExpirationSeconds),
	)

	if req.QuoteExpirationSeconds < 0 || req.QuoteExpirationSeconds > maxExpirationSeconds {
		err := fmt.Errorf("%w: got %d seconds", domain.ErrInvalidExpiration, req.QuoteExpirationSeconds)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid expiration")
		return nil, Effects{}, err
	}

	cost, err := s.costPolicy.Cost(ctx, req.quoteInput())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cost policy failed")
		return nil, Effects{}, fmt.Errorf("compute shipping cost: %w", err)
	}

	quote := domain.NewQuote(cost)
	state.AddQuote(quote)

	expireTask, err := wc.Schedule(req.Expiration()).ExpireQuoteTask(domain.ExpireQuotePayload{Quote: quote})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "schedule expire task failed")
		return nil, Effects{}, err
	}

	span.SetAttributes(attribute.String("shipping.quote.id", quote.ID))
	span.AddEvent("Quote issued, expiration scheduled.")
	logger.Ctx(ctx).Info().
		Str("aggregate_id", wc.AggregateID).
		Str("quote_id", quote.ID).
		Stringer("cost", quote.Cost).
		Dur("expires_in", req.Expiration()).
		Msg("Quote issued")

	issuedCost := quote.Cost
	return &GetQuoteResponse{Quote: quote}, Effects{
		Tasks: []domain.Task{expireTask},
		Events: []domain.ShippingEvent{{
			Type:        domain.EventQuoteIssued,
			AggregateID: wc.AggregateID,
			QuoteID:     quote.ID,
			Cost:        &issuedCost,
		}},
	}, nil
}

// PrepareShipOrder (Writer) 消费一个有效报价，生成运单号并调度立即执行的 ShipOrderTask。
// 报价不存在（已被消费或已过期）时返回 *domain.QuoteInvalidOrExpiredError，状态不变，也不调度任务。
func (s *Servicer) PrepareShipOrder(ctx context.Context, wc WriterContext, state *domain.ShippingState, req *PrepareShipOrderRequest) (*PrepareShipOrderResponse, Effects, error) {
	ctx, span := s.tracer.Start(ctx, "servicer.PrepareShipOrder")
	defer span.End()
	span.SetAttributes(
		attribute.String("shipping.aggregate.id", wc.AggregateID),
		attribute.String("shipping.quote.id", req.Quote.ID),
	)

	quote, ok := state.RemoveQuote(req.Quote.ID)
	if !ok {
		metrics.QuoteRejections.Inc()
		span.AddEvent("Quote invalid or expired.")
		logger.Ctx(ctx).Info().Str("aggregate_id", wc.AggregateID).Str("quote_id", req.Quote.ID).Msg("Rejected ship order: quote invalid or expired")
		return nil, Effects{}, &domain.QuoteInvalidOrExpiredError{QuoteID: req.Quote.ID}
	}

	trackingID := uuid.NewString()
	shipTask, err := wc.Schedule(0).ShipOrderTask(domain.ShipOrderPayload{TrackingID: trackingID, Quote: quote})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "schedule ship task failed")
		return nil, Effects{}, err
	}

	span.SetAttributes(attribute.String("shipping.tracking.id", trackingID))
	logger.Ctx(ctx).Info().
		Str("aggregate_id", wc.AggregateID).
		Str("quote_id", quote.ID).
		Str("tracking_id", trackingID).
		Msg("Quote consumed, ship order prepared")

	return &PrepareShipOrderResponse{TrackingID: trackingID}, Effects{
		Tasks: []domain.Task{shipTask},
		Events: []domain.ShippingEvent{{
			Type:        domain.EventQuoteConsumed,
			AggregateID: wc.AggregateID,
			QuoteID:     quote.ID,
			TrackingID:  trackingID,
		}},
	}, nil
}

// ExpireQuoteTask (Writer) 移除到期的报价。报价已不存在时什么也不做，因此可以安全地重复投递。
func (s *Servicer) ExpireQuoteTask(ctx context.Context, wc WriterContext, state *domain.ShippingState, req *ExpireQuoteTaskRequest) (Effects, error) {
	ctx, span := s.tracer.Start(ctx, "servicer.ExpireQuoteTask")
	defer span.End()
	span.SetAttributes(
		attribute.String("shipping.aggregate.id", wc.AggregateID),
		attribute.String("shipping.quote.id", req.Quote.ID),
		attribute.String("shipping.task.id", wc.TaskID),
	)

	if _, ok := state.RemoveQuote(req.Quote.ID); !ok {
		span.AddEvent("Quote already gone, nothing to expire.")
		logger.Ctx(ctx).Debug().Str("aggregate_id", wc.AggregateID).Str("quote_id", req.Quote.ID).Msg("Quote already consumed or expired")
		return Effects{}, nil
	}

	logger.Ctx(ctx).Info().Str("aggregate_id", wc.AggregateID).Str("quote_id", req.Quote.ID).Msg("Quote expired")
	return Effects{
		Events: []domain.ShippingEvent{{
			Type:        domain.EventQuoteExpired,
			AggregateID: wc.AggregateID,
			QuoteID:     req.Quote.ID,
		}},
	}, nil
}

// ShipOrderTask (Reader) 调用承运商完成发货。
// 调度是 at-least-once 的：通过 ShipmentLedger 按运单号去重，同一运单最多成功发货一次。
// 瞬时错误按 RetryPolicy 退避重试；承运商永久拒绝时返回 ErrShipmentFailed。
// 重试耗尽或 ctx 结束返回的是瞬时错误，任务留在 outbox / Kafka 里等待重投递。
func (s *Servicer) ShipOrderTask(ctx context.Context, rc ReaderContext, _ *domain.ShippingState, req *ShipOrderTaskRequest) (*ShipOrderTaskResponse, error) {
	ctx, span := s.tracer.Start(ctx, "servicer.ShipOrderTask")
	defer span.End()
	span.SetAttributes(
		attribute.String("shipping.aggregate.id", rc.AggregateID),
		attribute.String("shipping.tracking.id", req.TrackingID),
		attribute.String("shipping.task.id", rc.TaskID),
	)
	log := logger.Ctx(ctx).With().
		Str("aggregate_id", rc.AggregateID).
		Str("tracking_id", req.TrackingID).
		Str("task_id", rc.TaskID).
		Logger()

	claimKey := req.TrackingID
	if claimKey == "" {
		claimKey = rc.TaskID
	}

	claim, err := s.ledger.Claim(ctx, claimKey, s.retry.ClaimTTL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger claim failed")
		return nil, fmt.Errorf("claim shipment %s: %w", claimKey, err)
	}
	switch claim {
	case port.ClaimCompleted:
		span.AddEvent("Shipment skipped", trace.WithAttributes(attribute.String("claim", claim.String())))
		log.Info().Msg("Shipment already completed, skipping duplicate delivery")
		return &ShipOrderTaskResponse{Skipped: true}, nil
	case port.ClaimInProgress:
		// 持有者可能已经崩溃，claim 过期后的重投递会接手
		span.AddEvent("Shipment claimed elsewhere")
		log.Info().Msg("Shipment claimed by another delivery, will retry later")
		return nil, fmt.Errorf("%w: tracking %s", ErrShipmentInProgress, claimKey)
	}

	shipReq := port.ShipmentRequest{
		TaskID:      rc.TaskID,
		AggregateID: rc.AggregateID,
		TrackingID:  req.TrackingID,
		Quote:       req.Quote,
	}

	var lastErr error
	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		receipt, err := s.carrier.Ship(ctx, shipReq)
		if err == nil {
			metrics.ShipmentAttempts.WithLabelValues("success").Inc()
			if cerr := s.ledger.Complete(ctx, claimKey); cerr != nil {
				// 货已经发出，不能让重投递再发一次；claim 会在 TTL 内挡住重复投递
				log.Error().Err(cerr).Msg("⚠️ Shipment done but ledger completion failed")
			}
			span.SetAttributes(attribute.String("shipping.carrier.reference", receipt.CarrierReference))
			log.Info().Int("attempt", attempt).Str("carrier_reference", receipt.CarrierReference).Msg("✅ Order shipped")
			return &ShipOrderTaskResponse{Receipt: receipt}, nil
		}

		lastErr = err
		if errors.Is(err, port.ErrPermanentCarrierFailure) {
			metrics.ShipmentAttempts.WithLabelValues("permanent_failure").Inc()
			log.Error().Err(err).Int("attempt", attempt).Msg("Carrier rejected shipment permanently")
			break
		}
		metrics.ShipmentAttempts.WithLabelValues("transient_failure").Inc()
		if attempt == s.retry.MaxAttempts {
			break
		}

		backoff := s.retry.Backoff(attempt)
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("Carrier call failed, retrying")
		if serr := s.sleep(ctx, backoff); serr != nil {
			lastErr = serr
			break
		}
	}

	if rerr := s.ledger.Release(context.WithoutCancel(ctx), claimKey); rerr != nil {
		log.Error().Err(rerr).Msg("Failed to release shipment claim")
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "shipment failed")
	if errors.Is(lastErr, port.ErrPermanentCarrierFailure) {
		return nil, fmt.Errorf("%w: tracking %s: %w", ErrShipmentFailed, req.TrackingID, lastErr)
	}
	return nil, fmt.Errorf("ship tracking %s: %w", req.TrackingID, lastErr)
}
