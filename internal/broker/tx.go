package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/eddiefleurent/futures-gateway/internal/core"
	"github.com/eddiefleurent/futures-gateway/internal/models"
)

// TXConfig holds everything TXClient needs to authenticate and reach the
// Taiwan futures broker's REST gateway (spec §4.0/§4.2).
type TXConfig struct {
	BaseURL        string
	Account        string
	CertPath       string
	CertPassword   string
	ActivationCode string
	Timeout        time.Duration
}

// TXClient implements Broker against the Taiwan futures broker's REST API.
// Order-state changes arrive over a broker-pushed callback (spec §4.2,
// §4.6); TXClient exposes that via SubscribeOrderEvents rather than
// requiring a poll loop.
type TXClient struct {
	cfg        TXConfig
	httpClient *http.Client

	mu         sync.Mutex
	sessionID  string
	loggedInAt time.Time

	pushMu sync.Mutex
	push   chan OrderEvent // fed by the broker's push callback HTTP endpoint
}

// NewTXClient constructs a TXClient. The push channel is bounded at 256 and
// drops the oldest unread event under back-pressure (spec §5), since an
// order-event backlog is only useful if it is fresh.
func NewTXClient(cfg TXConfig) *TXClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &TXClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		push:       make(chan OrderEvent, 256),
	}
}

// DeliverPushEvent is called by the webhook server's TX push-callback
// handler (spec §4.2) with a decoded order event. It never blocks: under
// back-pressure it drops the oldest queued event to make room, favouring
// recency over completeness. A dropped event is not replayed; the
// lifecycle polling fallback covers BTC orders only.
func (c *TXClient) DeliverPushEvent(ev OrderEvent) {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	select {
	case c.push <- ev:
	default:
		select {
		case <-c.push:
		default:
		}
		select {
		case c.push <- ev:
		default:
		}
	}
}

// SubscribeOrderEvents satisfies PushSubscriber.
func (c *TXClient) SubscribeOrderEvents(ctx context.Context) (<-chan OrderEvent, error) {
	out := make(chan OrderEvent, 256)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-c.push:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *TXClient) Login(ctx context.Context) error {
	var reply struct {
		SessionID string `json:"session_id"`
		Status    string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/auth/login", map[string]string{
		"account":         c.cfg.Account,
		"cert_path":       c.cfg.CertPath,
		"cert_password":   c.cfg.CertPassword,
		"activation_code": c.cfg.ActivationCode,
	}, &reply); err != nil {
		return fmt.Errorf("tx login: %w", err)
	}
	if reply.Status != "ok" {
		return fmt.Errorf("tx login: %w: %s", core.ErrAuthFailed, reply.Status)
	}
	c.mu.Lock()
	c.sessionID = reply.SessionID
	c.loggedInAt = time.Now().UTC()
	c.mu.Unlock()
	return nil
}

func (c *TXClient) Logout(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/auth/logout", nil, nil)
}

func (c *TXClient) Probe(ctx context.Context) error {
	var reply struct {
		Status string `json:"status"`
	}
	return c.doJSON(ctx, http.MethodGet, "/auth/status", nil, &reply)
}

func (c *TXClient) ListPositions(ctx context.Context) ([]PositionItem, error) {
	var reply struct {
		Positions []struct {
			Family     string  `json:"family"`
			Direction  string  `json:"direction"`
			Quantity   float64 `json:"quantity"`
			EntryPrice float64 `json:"entry_price"`
			MarkPrice  float64 `json:"mark_price"`
			PnL        float64 `json:"unrealized_pnl"`
		} `json:"positions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/positions", nil, &reply); err != nil {
		return nil, err
	}
	items := make([]PositionItem, 0, len(reply.Positions))
	for _, p := range reply.Positions {
		items = append(items, PositionItem{
			Family:        models.Family(p.Family),
			Direction:     models.Direction(p.Direction),
			Quantity:      p.Quantity,
			EntryPrice:    p.EntryPrice,
			MarkPrice:     p.MarkPrice,
			UnrealizedPnL: p.PnL,
		})
	}
	return items, nil
}

// ListContracts returns the tradable contracts for family, sorted by
// delivery date (spec §4.2), satisfying broker.ContractLister.
func (c *TXClient) ListContracts(ctx context.Context, family models.Family) ([]models.Contract, error) {
	var reply struct {
		Contracts []struct {
			Code         string `json:"code"`
			DeliveryDate string `json:"delivery_date"`
			IsR1         bool   `json:"is_r1"`
			IsR2         bool   `json:"is_r2"`
		} `json:"contracts"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/contracts/"+string(family), nil, &reply); err != nil {
		return nil, fmt.Errorf("tx list contracts: %w", err)
	}
	out := make([]models.Contract, 0, len(reply.Contracts))
	for _, rc := range reply.Contracts {
		delivery, err := time.Parse("2006-01-02", rc.DeliveryDate)
		if err != nil {
			return nil, fmt.Errorf("tx list contracts: parsing delivery_date %q: %w", rc.DeliveryDate, err)
		}
		out = append(out, models.Contract{
			Code:         rc.Code,
			Family:       family,
			DeliveryDate: delivery,
			IsR1:         rc.IsR1,
			IsR2:         rc.IsR2,
		})
	}
	sort.Sort(models.ByDeliveryDate(out))
	return out, nil
}

func (c *TXClient) AccountSnapshot(ctx context.Context) (*AccountSnapshot, error) {
	var reply struct {
		Equity        float64 `json:"equity"`
		AvailableCash float64 `json:"available_cash"`
		UnrealizedPnL float64 `json:"unrealized_pnl"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/account", nil, &reply); err != nil {
		return nil, err
	}
	return &AccountSnapshot{
		Equity:        reply.Equity,
		AvailableCash: reply.AvailableCash,
		UnrealizedPnL: reply.UnrealizedPnL,
		At:            time.Now().UTC(),
	}, nil
}

func (c *TXClient) Quote(ctx context.Context, symbol string) (*QuoteItem, error) {
	var reply struct {
		Last float64 `json:"last"`
		Bid  float64 `json:"bid"`
		Ask  float64 `json:"ask"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/quote/"+symbol, nil, &reply); err != nil {
		return nil, err
	}
	return &QuoteItem{Symbol: symbol, Last: reply.Last, Bid: reply.Bid, Ask: reply.Ask, At: time.Now().UTC()}, nil
}

func (c *TXClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	var reply struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
		Reason  string `json:"reason"`
	}
	body := map[string]interface{}{
		"family":      string(req.Family),
		"side":        string(req.Side),
		"oc":          string(req.OC),
		"quantity":    req.Quantity,
		"price_type":  string(req.PriceType),
		"order_type":  string(req.OrderType),
		"limit_price": req.LimitPrice,
		"client_id":   req.ClientID,
	}
	if err := c.doJSON(ctx, http.MethodPost, "/orders", body, &reply); err != nil {
		return nil, err
	}
	resp := &OrderResponse{OrderID: reply.OrderID, RawMessage: reply.Reason}
	switch reply.Status {
	case "accepted", "submitted":
		resp.State = models.OrderStateSubmitted
	case "rejected":
		resp.State = models.OrderStateRejected
		resp.FailReason = reply.Reason
		return resp, fmt.Errorf("tx place order: %w: %s", core.ErrBrokerBusiness, reply.Reason)
	default:
		resp.State = models.OrderStateSubmitted
	}
	return resp, nil
}

func (c *TXClient) CancelOrder(ctx context.Context, orderID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/orders/"+orderID, nil, nil)
}

func (c *TXClient) OrderStatus(ctx context.Context, orderID string) (*OrderResponse, error) {
	var reply struct {
		OrderID      string  `json:"order_id"`
		Status       string  `json:"status"`
		FillPrice    float64 `json:"fill_price"`
		FillQuantity float64 `json:"fill_quantity"`
		Reason       string  `json:"reason"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/orders/"+orderID, nil, &reply); err != nil {
		return nil, err
	}
	return &OrderResponse{
		OrderID:      reply.OrderID,
		State:        txStatusToState(reply.Status),
		FillPrice:    reply.FillPrice,
		FillQuantity: reply.FillQuantity,
		FailReason:   reply.Reason,
		RawMessage:   reply.Status,
	}, nil
}

func txStatusToState(status string) models.OrderState {
	switch status {
	case "filled":
		return models.OrderStateFilled
	case "cancelled":
		return models.OrderStateCancelled
	case "rejected":
		return models.OrderStateRejected
	case "expired":
		return models.OrderStateExpired
	default:
		return models.OrderStateSubmitted
	}
}

func (c *TXClient) ServerTime(ctx context.Context) (time.Time, error) {
	var reply struct {
		Epoch int64 `json:"epoch_ms"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/time", nil, &reply); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(reply.Epoch).UTC(), nil
}

// doJSON issues an HTTP request against the TX REST base URL, attaching
// the session id if one has been established, and decodes a JSON reply.
func (c *TXClient) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("tx request: encoding body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("tx request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.mu.Lock()
	session := c.sessionID
	c.mu.Unlock()
	if session != "" {
		req.Header.Set("X-Session-Id", session)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tx request %s: %w: %v", path, core.ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("tx request %s: reading body: %w", path, err)
	}

	if resp.StatusCode >= 300 {
		return newAPIError("tx", path, resp.StatusCode, strconv.Itoa(resp.StatusCode), string(raw))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("tx request %s: decoding reply: %w", path, err)
	}
	return nil
}

var _ Broker = (*TXClient)(nil)
var _ PushSubscriber = (*TXClient)(nil)
var _ ContractLister = (*TXClient)(nil)
