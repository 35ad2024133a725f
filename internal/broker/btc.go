package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eddiefleurent/futures-gateway/internal/core"
	"github.com/eddiefleurent/futures-gateway/internal/models"
)

// BTCConfig holds the crypto exchange's REST/WebSocket endpoints and API
// credentials (spec §4.0/§4.2), grounded on the Binance-style futures API
// the original BTC module talks to.
type BTCConfig struct {
	BaseURL      string // e.g. https://fapi.binance.com
	WSBaseURL    string // e.g. wss://fstream.binance.com
	APIKey       string
	APISecret    string
	Timeout      time.Duration
	ClockSkewMax time.Duration // max tolerated drift before a request is refused
}

// BTCClient implements Broker against a Binance-style USDT-margined futures
// API: HMAC-SHA256 request signing, a listen-key-based user-data WebSocket
// stream for order events, and a separate ticker WebSocket for quotes.
type BTCClient struct {
	cfg        BTCConfig
	httpClient *http.Client

	mu        sync.Mutex
	listenKey string

	reconnectMu    sync.Mutex
	reconnectBurst int // failed dials since the last successful one; capped at 3 per burst (spec §4.2)
}

// NewBTCClient constructs a BTCClient.
func NewBTCClient(cfg BTCConfig) *BTCClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ClockSkewMax == 0 {
		cfg.ClockSkewMax = 5 * time.Second
	}
	return &BTCClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// sign returns the HMAC-SHA256 hex signature of a query string, per the
// exchange's request-signing convention.
func (c *BTCClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// signedQuery builds a query string with timestamp+recvWindow appended and
// signed, per the exchange convention of signing every private endpoint.
func (c *BTCClient) signedQuery(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(time.Now().UTC().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.ClockSkewMax.Milliseconds(), 10))
	query := params.Encode()
	return query + "&signature=" + c.sign(query)
}

func (c *BTCClient) Login(ctx context.Context) error {
	// Binance-style futures APIs have no session login; Login validates
	// the API key works and primes the listen key used by the user-data
	// stream (spec §4.2).
	if _, err := c.AccountSnapshot(ctx); err != nil {
		return fmt.Errorf("btc login: %w", err)
	}
	return c.renewListenKey(ctx)
}

func (c *BTCClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	key := c.listenKey
	c.mu.Unlock()
	if key == "" {
		return nil
	}
	_, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/listenKey", url.Values{}, nil)
	return err
}

func (c *BTCClient) Probe(ctx context.Context) error {
	var reply struct {
		ServerTime int64 `json:"serverTime"`
	}
	return c.doPublic(ctx, http.MethodGet, "/fapi/v1/time", nil, &reply)
}

// renewListenKey refreshes the user-data stream's listen key. The exchange
// requires this every 30 minutes or the stream is dropped (spec §4.2,
// grounded on the original module's user_data_stream_key lifecycle).
func (c *BTCClient) renewListenKey(ctx context.Context) error {
	var reply struct {
		ListenKey string `json:"listenKey"`
	}
	if err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/listenKey", url.Values{}, &reply); err != nil {
		return fmt.Errorf("btc renew listen key: %w", err)
	}
	c.mu.Lock()
	c.listenKey = reply.ListenKey
	c.mu.Unlock()
	return nil
}

// KeepAliveListenKey runs until ctx is cancelled, renewing the listen key
// every 30 minutes (spec §4.2). cmd/gateway starts this alongside the BTC
// user-data stream.
func (c *BTCClient) KeepAliveListenKey(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.renewListenKey(ctx)
		}
	}
}

func (c *BTCClient) ListPositions(ctx context.Context) ([]PositionItem, error) {
	var reply []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		LiquidationPrice string `json:"liquidationPrice"`
		Leverage         string `json:"leverage"`
		MarginType       string `json:"marginType"`
	}
	if err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{}, &reply); err != nil {
		return nil, err
	}
	items := make([]PositionItem, 0, len(reply))
	for _, p := range reply {
		qty := parseFloat(p.PositionAmt)
		if qty == 0 {
			continue
		}
		direction := models.DirectionOpenLong
		if qty < 0 {
			direction = models.DirectionOpenShort
			qty = -qty
		}
		leverage, _ := strconv.Atoi(p.Leverage)
		items = append(items, PositionItem{
			Symbol:        p.Symbol,
			Direction:     direction,
			Quantity:      qty,
			EntryPrice:    parseFloat(p.EntryPrice),
			MarkPrice:     parseFloat(p.MarkPrice),
			UnrealizedPnL: parseFloat(p.UnRealizedProfit),
			LiquidationPx: parseFloat(p.LiquidationPrice),
			Leverage:      leverage,
			MarginType:    p.MarginType,
		})
	}
	return items, nil
}

func (c *BTCClient) AccountSnapshot(ctx context.Context) (*AccountSnapshot, error) {
	var reply struct {
		TotalWalletBalance    string `json:"totalWalletBalance"`
		AvailableBalance      string `json:"availableBalance"`
		TotalUnrealizedProfit string `json:"totalUnrealizedProfit"`
		TotalMaintMargin      string `json:"totalMaintMargin"`
	}
	if err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/account", url.Values{}, &reply); err != nil {
		return nil, err
	}
	return &AccountSnapshot{
		Equity:         parseFloat(reply.TotalWalletBalance),
		AvailableCash:  parseFloat(reply.AvailableBalance),
		UnrealizedPnL:  parseFloat(reply.TotalUnrealizedProfit),
		MaintenanceReq: parseFloat(reply.TotalMaintMargin),
		At:             time.Now().UTC(),
	}, nil
}

func (c *BTCClient) Quote(ctx context.Context, symbol string) (*QuoteItem, error) {
	var reply struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	params := url.Values{"symbol": {symbol}}
	if err := c.doPublic(ctx, http.MethodGet, "/fapi/v1/ticker/price", params, &reply); err != nil {
		return nil, err
	}
	return &QuoteItem{Symbol: reply.Symbol, Last: parseFloat(reply.Price), At: time.Now().UTC()}, nil
}

func (c *BTCClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	params := url.Values{
		"symbol":           {req.Symbol},
		"side":             {btcSide(req.Side)},
		"type":             {btcOrderType(req.PriceType)},
		"quantity":         {strconv.FormatFloat(req.Quantity, 'f', -1, 64)},
		"newClientOrderId": {req.ClientID},
	}
	if req.OC == models.OCCover {
		params.Set("reduceOnly", "true")
	}
	if req.PriceType == models.PriceTypeLimit {
		params.Set("price", strconv.FormatFloat(req.LimitPrice, 'f', -1, 64))
		params.Set("timeInForce", btcTimeInForce(req.OrderType))
	}

	var reply struct {
		OrderID      int64  `json:"orderId"`
		Status       string `json:"status"`
		AvgPrice     string `json:"avgPrice"`
		ExecutedQty  string `json:"executedQty"`
		RejectReason string `json:"rejectReason,omitempty"`
	}
	if err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params, &reply); err != nil {
		return nil, err
	}
	resp := &OrderResponse{
		OrderID:      strconv.FormatInt(reply.OrderID, 10),
		State:        btcStatusToState(reply.Status),
		FillPrice:    parseFloat(reply.AvgPrice),
		FillQuantity: parseFloat(reply.ExecutedQty),
		FailReason:   reply.RejectReason,
		RawMessage:   reply.Status,
	}
	if resp.State == models.OrderStateRejected {
		return resp, fmt.Errorf("btc place order: %w: %s", core.ErrBrokerBusiness, reply.RejectReason)
	}
	return resp, nil
}

func (c *BTCClient) CancelOrder(ctx context.Context, orderID string) error {
	params := url.Values{"orderId": {orderID}}
	return c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params, nil)
}

func (c *BTCClient) OrderStatus(ctx context.Context, orderID string) (*OrderResponse, error) {
	var reply struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		AvgPrice    string `json:"avgPrice"`
		ExecutedQty string `json:"executedQty"`
	}
	params := url.Values{"orderId": {orderID}}
	if err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/order", params, &reply); err != nil {
		return nil, err
	}
	return &OrderResponse{
		OrderID:      strconv.FormatInt(reply.OrderID, 10),
		State:        btcStatusToState(reply.Status),
		FillPrice:    parseFloat(reply.AvgPrice),
		FillQuantity: parseFloat(reply.ExecutedQty),
		RawMessage:   reply.Status,
	}, nil
}

func (c *BTCClient) ServerTime(ctx context.Context) (time.Time, error) {
	var reply struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.doPublic(ctx, http.MethodGet, "/fapi/v1/time", nil, &reply); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(reply.ServerTime).UTC(), nil
}

func btcSide(s models.Side) string {
	if s == models.SideBuy {
		return "BUY"
	}
	return "SELL"
}

func btcOrderType(p models.PriceType) string {
	if p == models.PriceTypeLimit {
		return "LIMIT"
	}
	return "MARKET"
}

func btcTimeInForce(t models.OrderType) string {
	if t == models.OrderTypeIOC {
		return "IOC"
	}
	return "GTC"
}

func btcStatusToState(status string) models.OrderState {
	switch status {
	case "FILLED":
		return models.OrderStateFilled
	case "CANCELED", "CANCELLED":
		return models.OrderStateCancelled
	case "REJECTED":
		return models.OrderStateRejected
	case "EXPIRED":
		return models.OrderStateExpired
	default:
		return models.OrderStateSubmitted
	}
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func (c *BTCClient) doPublic(ctx context.Context, method, path string, params url.Values, out interface{}) error {
	full := c.cfg.BaseURL + path
	if len(params) > 0 {
		full += "?" + params.Encode()
	}
	return c.doRequest(ctx, method, full, nil, out)
}

func (c *BTCClient) doSigned(ctx context.Context, method, path string, params url.Values, out interface{}) error {
	query := c.signedQuery(params)
	full := c.cfg.BaseURL + path + "?" + query
	req, err := http.NewRequestWithContext(ctx, method, full, nil)
	if err != nil {
		return fmt.Errorf("btc request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.execute(req, path, out)
}

func (c *BTCClient) doRequest(ctx context.Context, method, full string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, full, body)
	if err != nil {
		return fmt.Errorf("btc request: %w", err)
	}
	return c.execute(req, full, out)
}

func (c *BTCClient) execute(req *http.Request, op string, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("btc request %s: %w: %v", op, core.ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("btc request %s: reading body: %w", op, err)
	}
	if resp.StatusCode >= 300 {
		return newAPIError("btc", op, resp.StatusCode, strconv.Itoa(resp.StatusCode), string(raw))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("btc request %s: decoding reply: %w", op, err)
	}
	return nil
}

// SubscribeOrderEvents opens the user-data WebSocket stream keyed by the
// current listen key and translates ORDER_TRADE_UPDATE events into
// OrderEvent. Reconnection is uncapped across the connection's lifetime
// but limited to 3 failed dials per outage burst (spec §4.2); the stream
// loop resets the burst counter on every successful dial, and after a
// one-minute pause once the cap is reached.
func (c *BTCClient) SubscribeOrderEvents(ctx context.Context) (<-chan OrderEvent, error) {
	c.mu.Lock()
	key := c.listenKey
	c.mu.Unlock()
	if key == "" {
		if err := c.renewListenKey(ctx); err != nil {
			return nil, fmt.Errorf("btc subscribe order events: %w", err)
		}
		c.mu.Lock()
		key = c.listenKey
		c.mu.Unlock()
	}

	out := make(chan OrderEvent, 256)
	go c.runUserDataStream(ctx, key, out)
	return out, nil
}

func (c *BTCClient) runUserDataStream(ctx context.Context, listenKey string, out chan<- OrderEvent) {
	defer close(out)
	endpoint := c.cfg.WSBaseURL + "/ws/" + listenKey

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.reconnectMu.Lock()
		burst := c.reconnectBurst
		c.reconnectMu.Unlock()
		if burst >= 3 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Minute):
			}
			c.reconnectMu.Lock()
			c.reconnectBurst = 0
			c.reconnectMu.Unlock()
			continue
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			c.reconnectMu.Lock()
			c.reconnectBurst++
			c.reconnectMu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		c.reconnectMu.Lock()
		c.reconnectBurst = 0
		c.reconnectMu.Unlock()
		c.readUserDataLoop(ctx, conn, out)
		_ = conn.Close()
	}
}

func (c *BTCClient) readUserDataLoop(ctx context.Context, conn *websocket.Conn, out chan<- OrderEvent) {
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		ev, ok := decodeOrderTradeUpdate(raw)
		if !ok {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func decodeOrderTradeUpdate(raw []byte) (OrderEvent, bool) {
	var env struct {
		EventType string `json:"e"`
		Order     struct {
			OrderID      int64  `json:"i"`
			Status       string `json:"X"`
			AvgPrice     string `json:"ap"`
			ExecutedQty  string `json:"z"`
			RejectReason string `json:"r"`
		} `json:"o"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || env.EventType != "ORDER_TRADE_UPDATE" {
		return OrderEvent{}, false
	}
	ev := OrderEvent{
		OrderID:      strconv.FormatInt(env.Order.OrderID, 10),
		State:        btcStatusToState(env.Order.Status),
		FillPrice:    parseFloat(env.Order.AvgPrice),
		FillQuantity: parseFloat(env.Order.ExecutedQty),
		FailReason:   env.Order.RejectReason,
		At:           time.Now().UTC(),
	}
	return ev, true
}

// TickerStream opens the public mark-price ticker WebSocket for symbol and
// delivers decoded QuoteItem values until ctx is cancelled. This is the
// second of BTCClient's two WebSocket connections (spec §4.2).
func (c *BTCClient) TickerStream(ctx context.Context, symbol string) (<-chan QuoteItem, error) {
	out := make(chan QuoteItem, 64)
	go c.runTickerStream(ctx, symbol, out)
	return out, nil
}

func (c *BTCClient) runTickerStream(ctx context.Context, symbol string, out chan<- QuoteItem) {
	defer close(out)
	streamName := fmt.Sprintf("%s@markPrice", lowercase(symbol))
	endpoint := c.cfg.WSBaseURL + "/ws/" + streamName

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			default:
			}
			_, raw, err := conn.ReadMessage()
			if err != nil {
				break
			}
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			var payload struct {
				Symbol string `json:"s"`
				Price  string `json:"p"`
			}
			if err := json.Unmarshal(raw, &payload); err != nil {
				continue
			}
			select {
			case out <- QuoteItem{Symbol: payload.Symbol, Last: parseFloat(payload.Price), At: time.Now().UTC()}:
			case <-ctx.Done():
				_ = conn.Close()
				return
			}
		}
		_ = conn.Close()
	}
}

func lowercase(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

var _ Broker = (*BTCClient)(nil)
var _ PushSubscriber = (*BTCClient)(nil)
