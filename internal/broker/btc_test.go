package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBTCClient(t *testing.T, handler http.HandlerFunc) (*BTCClient, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c := NewBTCClient(BTCConfig{BaseURL: srv.URL, APIKey: "key", APISecret: "secret", Timeout: time.Second})
	return c, srv.Close
}

func TestBTCClient_SignedRequestIncludesSignatureAndTimestamp(t *testing.T) {
	var captured url.Values
	c, closeSrv := newTestBTCClient(t, func(w http.ResponseWriter, r *http.Request) {
		captured = r.URL.Query()
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"totalWalletBalance": "1000.5", "availableBalance": "800", "totalUnrealizedProfit": "1.5",
		})
	})
	defer closeSrv()

	_, err := c.AccountSnapshot(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, captured.Get("signature"))
	assert.NotEmpty(t, captured.Get("timestamp"))
}

func TestBTCClient_ListPositions_FiltersZeroQuantityAndMapsShort(t *testing.T) {
	c, closeSrv := newTestBTCClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]string{
			{"symbol": "BTCUSDT", "positionAmt": "0", "entryPrice": "0", "markPrice": "0", "unRealizedProfit": "0", "liquidationPrice": "0", "leverage": "10", "marginType": "cross"},
			{"symbol": "ETHUSDT", "positionAmt": "-2.5", "entryPrice": "3000", "markPrice": "2950", "unRealizedProfit": "-125", "liquidationPrice": "3500", "leverage": "5", "marginType": "isolated"},
		})
	})
	defer closeSrv()

	positions, err := c.ListPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1, "zero-quantity rows must be filtered out")
	assert.Equal(t, "ETHUSDT", positions[0].Symbol)
	assert.Equal(t, 2.5, positions[0].Quantity)
}

func TestBTCClient_PlaceOrder_ReduceOnlyForCover(t *testing.T) {
	var captured url.Values
	c, closeSrv := newTestBTCClient(t, func(w http.ResponseWriter, r *http.Request) {
		captured = r.URL.Query()
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"orderId": 42, "status": "NEW"})
	})
	defer closeSrv()

	_, err := c.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: "sell", OC: "cover", Quantity: 0.01,
	})
	require.NoError(t, err)
	assert.Equal(t, "true", captured.Get("reduceOnly"))
}

func TestDecodeOrderTradeUpdate(t *testing.T) {
	raw := []byte(`{"e":"ORDER_TRADE_UPDATE","o":{"i":42,"X":"FILLED","ap":"101.5","z":"0.01","r":""}}`)
	ev, ok := decodeOrderTradeUpdate(raw)
	require.True(t, ok)
	assert.Equal(t, "42", ev.OrderID)
	assert.Equal(t, 101.5, ev.FillPrice)

	_, ok = decodeOrderTradeUpdate([]byte(`{"e":"ACCOUNT_UPDATE"}`))
	assert.False(t, ok, "non order-trade-update events must be ignored")
}
