// Package broker defines the narrow interface both the TX (Taiwan futures)
// and BTC (crypto futures) adapters implement, plus the shared types that
// flow across it (spec §4.2).
package broker

import (
	"context"
	"time"

	"github.com/eddiefleurent/futures-gateway/internal/models"
)

// Broker is the capability surface the rest of the gateway depends on. Both
// TXClient and BTCClient implement it; nothing above this package branches
// on which market it is talking to.
type Broker interface {
	// Login establishes a session (TX: cert-based login; BTC: API key
	// validation via a signed account call).
	Login(ctx context.Context) error
	// Logout tears down the session, if the market has one.
	Logout(ctx context.Context) error
	// Probe performs a cheap call used by the connection supervisor to
	// detect silent disconnects (TX: session status; BTC: unauthenticated
	// server-time ping).
	Probe(ctx context.Context) error

	// ListPositions returns currently held positions.
	ListPositions(ctx context.Context) ([]PositionItem, error)
	// AccountSnapshot returns the account-level balance/margin snapshot
	// used for report building and preconditions.
	AccountSnapshot(ctx context.Context) (*AccountSnapshot, error)
	// Quote returns the latest quote for symbol (TX: contract code; BTC:
	// trading pair).
	Quote(ctx context.Context, symbol string) (*QuoteItem, error)

	// PlaceOrder submits an order and returns the broker's order id plus
	// any immediately-known fill data.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)
	// CancelOrder cancels a resting order by broker order id.
	CancelOrder(ctx context.Context, orderID string) error
	// OrderStatus polls an order's current status (BTC polling fallback;
	// TX REST equivalent of the push callback).
	OrderStatus(ctx context.Context, orderID string) (*OrderResponse, error)

	// ServerTime returns the broker's clock, used to detect local clock
	// skew before signing requests.
	ServerTime(ctx context.Context) (time.Time, error)
}

// ContractLister is implemented only by adapters that trade a
// delivery-dated product (TX): it lists tradable contracts for a family,
// sorted by delivery date, so the Rollover Engine can pick R1/R2 (spec
// §4.2, §4.7). BTC has no analogue — its symbol is fixed config.
type ContractLister interface {
	ListContracts(ctx context.Context, family models.Family) ([]models.Contract, error)
}

// PushSubscriber is implemented by adapters that deliver order-state
// changes asynchronously (TX's push callback, BTC's user-data stream)
// instead of requiring the caller to poll. The Lifecycle Tracker (C6)
// type-asserts for this to prefer push delivery over polling.
type PushSubscriber interface {
	// SubscribeOrderEvents returns a channel of OrderEvent delivered as the
	// broker reports them. The channel is closed when ctx is cancelled or
	// the underlying stream terminates.
	SubscribeOrderEvents(ctx context.Context) (<-chan OrderEvent, error)
}

// OrderRequest is the market-agnostic order submission payload.
type OrderRequest struct {
	Family     models.Family // TX only
	Symbol     string        // BTC only
	Side       models.Side
	OC         models.OC
	Quantity   float64
	PriceType  models.PriceType
	OrderType  models.OrderType
	LimitPrice float64
	ClientID   string // idempotency key, echoed back by adapters that support it
}

// OrderResponse is the broker's immediate reply to PlaceOrder/OrderStatus.
type OrderResponse struct {
	OrderID      string
	State        models.OrderState
	FillPrice    float64
	FillQuantity float64
	FailReason   string
	RawMessage   string // broker-native status/reason text, for logging
}

// OrderEvent is a single asynchronous order-state update.
type OrderEvent struct {
	OrderID      string
	State        models.OrderState
	FillPrice    float64
	FillQuantity float64
	FailReason   string
	At           time.Time
}

// PositionItem is a market-agnostic held-position row.
type PositionItem struct {
	Family        models.Family
	Symbol        string
	Direction     models.Direction
	Quantity      float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	LiquidationPx float64
	Leverage      int
	MarginType    string
}

// QuoteItem is a last-trade/bid-ask snapshot.
type QuoteItem struct {
	Symbol string
	Last   float64
	Bid    float64
	Ask    float64
	At     time.Time
}

// AccountSnapshot is the account-level balance view used for reporting and
// margin preconditions.
type AccountSnapshot struct {
	Equity         float64
	AvailableCash  float64
	UnrealizedPnL  float64
	MaintenanceReq float64 // BTC only; zero for TX
	At             time.Time
}
