package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"nexus-shipping/internal/pkg/logger"
	"nexus-shipping/internal/service/shipping/application"
	"nexus-shipping/internal/service/shipping/domain"
)

const maxBodyBytes = 1 << 20

// ShippingHandler 封装了 shipping 服务的 HTTP 处理器
type ShippingHandler struct {
	service *application.ShippingApplicationService
	hub     *EventHub // 为 nil 时不注册 websocket 路由
	tracer  trace.Tracer
}

// NewShippingHandler 创建一个新的 HTTP 处理器实例
func NewShippingHandler(service *application.ShippingApplicationService, hub *EventHub, tracer trace.Tracer) *ShippingHandler {
	return &ShippingHandler{service: service, hub: hub, tracer: tracer}
}

// RegisterRoutes 在 Router 上注册所有路由
func (h *ShippingHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())

	// websocket 升级需要原始的 ResponseWriter（Hijacker），不经过 traceMiddleware
	if h.hub != nil {
		r.HandleFunc("/shipping/{aggregate}/events", h.hub.ServeWs).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/shipping").Subrouter()
	api.Use(h.traceMiddleware)
	api.HandleFunc("/{aggregate}/quotes", h.getQuote).Methods(http.MethodPost)
	api.HandleFunc("/{aggregate}/ship-orders", h.prepareShipOrder).Methods(http.MethodPost)
	api.HandleFunc("/{aggregate}", h.getState).Methods(http.MethodGet)
}

// traceMiddleware 从请求头恢复追踪上下文，开启 server span，并把带 trace_id 的 logger 放进 context
func (h *ShippingHandler) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		route := r.URL.Path
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		ctx, span := h.tracer.Start(ctx, r.Method+" "+route, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.String("shipping.aggregate.id", mux.Vars(r)["aggregate"]),
		)

		reqLogger := logger.Ctx(ctx).With().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Logger()
		ctx = logger.WithContext(ctx, reqLogger)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		level := zerolog.DebugLevel
		if rec.status >= http.StatusInternalServerError {
			level = zerolog.ErrorLevel
		}
		reqLogger.WithLevel(level).Int("status", rec.status).Dur("elapsed", time.Since(start)).Msg("HTTP request handled")
	})
}

func (h *ShippingHandler) getQuote(w http.ResponseWriter, r *http.Request) {
	var req application.GetQuoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	resp, err := h.service.GetQuote(r.Context(), mux.Vars(r)["aggregate"], &req)
	if err != nil {
		writeAppError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *ShippingHandler) prepareShipOrder(w http.ResponseWriter, r *http.Request) {
	var req application.PrepareShipOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	resp, err := h.service.PrepareShipOrder(r.Context(), mux.Vars(r)["aggregate"], &req)
	if err != nil {
		writeAppError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *ShippingHandler) getState(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetState(r.Context(), mux.Vars(r)["aggregate"])
	if err != nil {
		writeAppError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type errorBody struct {
	Error   string `json:"error"`
	QuoteID string `json:"quote_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// writeAppError 把应用层错误映射为 HTTP 状态码
func writeAppError(ctx context.Context, w http.ResponseWriter, err error) {
	var quoteErr *domain.QuoteInvalidOrExpiredError
	switch {
	case errors.As(err, &quoteErr):
		writeJSON(w, http.StatusConflict, errorBody{Error: "quote_invalid_or_expired", QuoteID: quoteErr.QuoteID})
	case errors.Is(err, domain.ErrQuoteInvalidOrExpired):
		writeJSON(w, http.StatusConflict, errorBody{Error: "quote_invalid_or_expired"})
	case errors.Is(err, domain.ErrInvalidExpiration),
		errors.Is(err, domain.ErrInvalidAggregateID),
		errors.Is(err, domain.ErrInvalidMoney):
		writeError(ctx, w, http.StatusBadRequest, "invalid_request", err)
	case errors.Is(err, domain.ErrAggregateNotFound):
		writeError(ctx, w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(ctx, w, http.StatusGatewayTimeout, "timeout", err)
	default:
		logger.Ctx(ctx).Error().Err(err).Msg("Request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code string, err error) {
	logger.Ctx(ctx).Debug().Err(err).Int("status", status).Msg("Request rejected")
	writeJSON(w, status, errorBody{Error: code, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
