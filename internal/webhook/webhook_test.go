package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/futures-gateway/internal/broker"
	"github.com/eddiefleurent/futures-gateway/internal/models"
	"github.com/eddiefleurent/futures-gateway/internal/pipeline"
)

type stubProcessor struct {
	lastSignal models.Signal
	results    []pipeline.Result
	err        error
}

func (s *stubProcessor) Process(_ context.Context, sig models.Signal) ([]pipeline.Result, error) {
	s.lastSignal = sig
	return s.results, s.err
}

type stubPush struct {
	delivered []broker.OrderEvent
}

func (s *stubPush) DeliverPushEvent(ev broker.OrderEvent) {
	s.delivered = append(s.delivered, ev)
}

func doJSON(t *testing.T, srv *Server, method, path string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_AutoDetectRoutesTXWhenNoSymbol(t *testing.T) {
	proc := &stubProcessor{results: []pipeline.Result{{Market: models.MarketTX, Accepted: true, OrderID: "O1"}}}
	srv := New(Config{}, proc, nil, nil)

	rec := doJSON(t, srv, http.MethodPost, "/webhook", map[string]any{
		"tradeId": "t1", "type": "entry", "direction": "開多", "txf": 1, "price": 0,
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.MarketTX, proc.lastSignal.Market)
	assert.Equal(t, 1, proc.lastSignal.TX.TXF)
}

func TestWebhook_AutoDetectRoutesBTCWhenSymbolPresent(t *testing.T) {
	proc := &stubProcessor{results: []pipeline.Result{{Market: models.MarketBTC, Accepted: true, OrderID: "O2"}}}
	srv := New(Config{}, proc, nil, nil)

	rec := doJSON(t, srv, http.MethodPost, "/webhook", map[string]any{
		"action": "LONG", "symbol": "BTCUSDT",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.MarketBTC, proc.lastSignal.Market)
	assert.Equal(t, "BTCUSDT", proc.lastSignal.Symbol)
}

func TestWebhook_BTCRouteAlwaysParsesBTC(t *testing.T) {
	proc := &stubProcessor{results: []pipeline.Result{{Market: models.MarketBTC, Accepted: true}}}
	srv := New(Config{}, proc, nil, nil)

	rec := doJSON(t, srv, http.MethodPost, "/webhook/btc", map[string]any{
		"action": "SHORT", "symbol": "BTCUSDT", "quantity": 0.01,
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.MarketBTC, proc.lastSignal.Market)
	assert.Equal(t, 0.01, proc.lastSignal.Quantity)
}

func TestWebhook_DuplicateSignalReturns200WithMessage(t *testing.T) {
	proc := &stubProcessor{results: []pipeline.Result{{Accepted: false, Message: "duplicate signal ignored"}}}
	srv := New(Config{}, proc, nil, nil)

	rec := doJSON(t, srv, http.MethodPost, "/webhook", map[string]any{"tradeId": "t1", "txf": 1})

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "duplicate signal ignored", resp.Message)
}

func TestWebhook_UnparseableBodyReturns400(t *testing.T) {
	proc := &stubProcessor{}
	srv := New(Config{}, proc, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_PipelineErrorReturns500(t *testing.T) {
	proc := &stubProcessor{err: assertErr{}}
	srv := New(Config{}, proc, nil, nil)

	rec := doJSON(t, srv, http.MethodPost, "/webhook", map[string]any{"tradeId": "t1", "txf": 1})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhook_SharedKeyRejectsMissingHeader(t *testing.T) {
	proc := &stubProcessor{results: []pipeline.Result{{Accepted: true}}}
	srv := New(Config{SharedKey: "secret"}, proc, nil, nil)

	rec := doJSON(t, srv, http.MethodPost, "/webhook", map[string]any{"tradeId": "t1", "txf": 1})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhook_TXOrderCallbackDeliversEvent(t *testing.T) {
	proc := &stubProcessor{}
	push := &stubPush{}
	srv := New(Config{}, proc, push, nil)

	rec := doJSON(t, srv, http.MethodPost, "/tx/order-callback", map[string]any{
		"order_id": "O1", "state": "filled", "fill_price": 22000, "fill_quantity": 1,
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, push.delivered, 1)
	assert.Equal(t, "O1", push.delivered[0].OrderID)
}

func TestWebhook_TXOrderCallbackAbsentWhenPushNil(t *testing.T) {
	proc := &stubProcessor{}
	srv := New(Config{}, proc, nil, nil)

	rec := doJSON(t, srv, http.MethodPost, "/tx/order-callback", map[string]any{"order_id": "O1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
