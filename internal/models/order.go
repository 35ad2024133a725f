package models

import "time"

// Side is the buy/sell direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OC classifies whether an order opens a new position or closes one
// (spec §3 glossary: "OC type").
type OC string

const (
	OCNew   OC = "new"
	OCCover OC = "cover"
)

// PriceType is market vs limit.
type PriceType string

const (
	PriceTypeMarket PriceType = "market"
	PriceTypeLimit  PriceType = "limit"
)

// OrderType is the time-in-force qualifier.
type OrderType string

const (
	OrderTypeIOC OrderType = "ioc"
	OrderTypeROD OrderType = "rod"
)

// Order is the gateway's own record of a submitted order, tracked from
// submission through a terminal lifecycle event (spec §3).
type Order struct {
	ID          string
	Market      Market
	Family      Family // TX only; empty for BTC
	Symbol      string // BTC only; empty for TX
	Side        Side
	OC          OC
	Quantity    float64
	PriceType   PriceType
	OrderType   OrderType
	LimitPrice  float64
	IsManual    bool
	SubmittedAt time.Time

	StateMachine *OrderStateMachine

	FillPrice    float64
	FillQuantity float64
	FilledAt     time.Time
	FailReason   string
}

// State returns the order's current lifecycle state.
func (o *Order) State() OrderState {
	if o.StateMachine == nil {
		return OrderStateSubmitted
	}
	return o.StateMachine.Current()
}

// RegistryMeta is the subset of an Order persisted by the Order Registry
// (spec §3/§4.4): everything a late callback needs to interpret itself.
type RegistryMeta struct {
	OrderID     string    `json:"order_id"`
	Market      Market    `json:"market"`
	OC          OC        `json:"oc"`
	Direction   Direction `json:"direction"`
	Family      Family    `json:"family,omitempty"`
	Symbol      string    `json:"symbol,omitempty"`
	OrderType   OrderType `json:"order_type"`
	PriceType   PriceType `json:"price_type"`
	Quantity    float64   `json:"quantity,omitempty"`
	IsManual    bool      `json:"is_manual"`
	SubmittedAt time.Time `json:"submitted_at"`
}
