// Package models defines the data types shared across the gateway:
// inbound signals, contracts, orders, broker-reported positions, and the
// order lifecycle state machine.
package models

import "time"

// Market identifies which brokerage backend a signal or order targets.
type Market string

const (
	// MarketTX is the Taiwan futures broker (TXF/MXF/TMF).
	MarketTX Market = "TX"
	// MarketBTC is the crypto futures exchange (USDT perpetuals).
	MarketBTC Market = "BTC"
)

// SignalType distinguishes an entry alert from an exit alert.
type SignalType string

const (
	SignalEntry SignalType = "entry"
	SignalExit  SignalType = "exit"
)

// Direction is the canonical, market-agnostic trade direction a signal
// resolves to after lexicon normalization.
type Direction string

const (
	DirectionOpenLong   Direction = "open_long"
	DirectionOpenShort  Direction = "open_short"
	DirectionCloseLong  Direction = "close_long"
	DirectionCloseShort Direction = "close_short"
)

// IsOpen reports whether the direction opens a new position.
func (d Direction) IsOpen() bool {
	return d == DirectionOpenLong || d == DirectionOpenShort
}

// IsLong reports whether the direction concerns the long side.
func (d Direction) IsLong() bool {
	return d == DirectionOpenLong || d == DirectionCloseLong
}

// TXQuantities carries the three TX per-family quantities a single webhook
// payload may specify; at most the non-zero ones are actionable.
type TXQuantities struct {
	TXF int
	MXF int
	TMF int
}

// NonZero returns the families with a non-zero requested quantity.
func (q TXQuantities) NonZero() map[Family]int {
	out := make(map[Family]int, 3)
	if q.TXF != 0 {
		out[FamilyTXF] = q.TXF
	}
	if q.MXF != 0 {
		out[FamilyMXF] = q.MXF
	}
	if q.TMF != 0 {
		out[FamilyTMF] = q.TMF
	}
	return out
}

// Signal is the parsed, market-agnostic representation of a TradingView
// webhook alert, after direction normalization (spec §3, §4.5).
type Signal struct {
	TradeID   string
	Market    Market
	Type      SignalType
	Direction Direction

	// TX fields
	TX TXQuantities

	// BTC fields
	Symbol   string
	Quantity float64 // fractional; zero means "compute from risk sizing"

	Price float64 // hint, may be 0
	Time  time.Time

	// RawDirection holds the webhook's unparsed action/direction text
	// (e.g. "開多", "LONG", "+1") before lexicon normalization (spec
	// §4.5 step 3). Direction is populated once normalization succeeds.
	RawDirection string
	// RawMessage holds the original free-text message field, mined for an
	// embedded direction when RawDirection itself isn't one of the known
	// tokens.
	RawMessage string
}

// DedupKey composes the sliding-window dedup key described in spec §4.5.
// Dedup runs before direction normalization, so it keys on the raw,
// as-received direction token rather than the canonical Direction.
func (s Signal) DedupKey(familyHint string) string {
	dir := s.RawDirection
	if dir == "" {
		dir = string(s.Direction)
	}
	return s.TradeID + "|" + dir + "|" + familyHint
}
