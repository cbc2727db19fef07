package interfaces

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"nexus-shipping/internal/service/shipping/application"
	"nexus-shipping/internal/service/shipping/domain"
	"nexus-shipping/internal/service/shipping/infrastructure"
	"nexus-shipping/internal/service/shipping/infrastructure/adapter"
)

var testTracer = noop.NewTracerProvider().Tracer("test")

func newTestServer(t *testing.T) (*httptest.Server, *EventHub) {
	t.Helper()
	hub := NewEventHub()
	store := infrastructure.NewMemoryStateStore()
	runtime := application.NewRuntime(store, adapter.NewLocalLockerAdapter(), hub, testTracer)
	servicer := application.NewServicer(
		adapter.NewFixedCostAdapter(domain.MustMoney("USD", 8, 990_000_000)),
		adapter.NewCarrierSimulatedAdapter(),
		adapter.NewLedgerMemoryAdapter(),
		application.DefaultRetryPolicy(),
		testTracer,
	)
	svc := application.NewShippingApplicationService(runtime, servicer, testTracer)

	r := mux.NewRouter()
	NewShippingHandler(svc, hub, testTracer).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, hub
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHTTP_QuoteThenShip(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := postJSON(t, srv.URL+"/shipping/cart-1/quotes", `{"quote_expiration_seconds":60,"address":{"country":"US"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	quote := body["quote"].(map[string]any)
	quoteID := quote["id"].(string)
	assert.NotEmpty(t, quoteID)
	assert.Equal(t, "USD", quote["cost"].(map[string]any)["currency_code"])

	resp, body = postJSON(t, srv.URL+"/shipping/cart-1/ship-orders", `{"quote":{"id":"`+quoteID+`"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["tracking_id"])

	// 报价只能使用一次
	resp, body = postJSON(t, srv.URL+"/shipping/cart-1/ship-orders", `{"quote":{"id":"`+quoteID+`"}}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "quote_invalid_or_expired", body["error"])
	assert.Equal(t, quoteID, body["quote_id"])

	getResp, err := http.Get(srv.URL + "/shipping/cart-1")
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	var view application.ShippingStateView
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&view))
	assert.Equal(t, "cart-1", view.AggregateID)
	assert.Empty(t, view.Quotes)
}

func TestHTTP_BadRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	cases := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"negative expiration", "/shipping/cart-1/quotes", `{"quote_expiration_seconds":-5}`, http.StatusBadRequest},
		{"malformed json", "/shipping/cart-1/quotes", `{`, http.StatusBadRequest},
		{"unknown field", "/shipping/cart-1/quotes", `{"expires":5}`, http.StatusBadRequest},
		{"aggregate too long", "/shipping/" + strings.Repeat("x", 65) + "/quotes", `{}`, http.StatusBadRequest},
		{"unknown quote", "/shipping/cart-1/ship-orders", `{"quote":{"id":"nope"}}`, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := postJSON(t, srv.URL+tc.path, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestHTTP_UnknownAggregate(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/shipping/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTP_Healthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWriteAppError_Mapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{&domain.QuoteInvalidOrExpiredError{QuoteID: "q"}, http.StatusConflict},
		{domain.ErrInvalidAggregateID, http.StatusBadRequest},
		{domain.ErrInvalidMoney, http.StatusBadRequest},
		{domain.ErrAggregateNotFound, http.StatusNotFound},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{domain.ErrConcurrentModification, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeAppError(context.Background(), rec, tc.err)
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())
	}
}

func TestWebsocket_ReceivesEvents(t *testing.T) {
	srv, hub := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/shipping/cart-1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers("cart-1") == 1 }, time.Second, 5*time.Millisecond)

	resp, _ := postJSON(t, srv.URL+"/shipping/cart-1/quotes", `{"quote_expiration_seconds":60}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev domain.ShippingEvent
	require.NoError(t, json.Unmarshal(raw, &ev))
	assert.Equal(t, domain.EventQuoteIssued, ev.Type)
	assert.Equal(t, "cart-1", ev.AggregateID)
	assert.NotNil(t, ev.Cost)

	// 其他聚合的事件不会推送过来
	assert.Equal(t, 0, hub.Subscribers("cart-2"))
}
