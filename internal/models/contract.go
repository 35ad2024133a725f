package models

import "time"

// Family identifies a TX contract family (index futures size class).
type Family string

const (
	FamilyTXF Family = "TXF" // 大台 — full-size Taiwan index future
	FamilyMXF Family = "MXF" // 小台 — mini Taiwan index future
	FamilyTMF Family = "TMF" // 微台 — micro Taiwan index future
)

// DisplayName returns the Chinese retail name for a contract family.
func (f Family) DisplayName() string {
	switch f {
	case FamilyTXF:
		return "大台"
	case FamilyMXF:
		return "小台"
	case FamilyTMF:
		return "微台"
	default:
		return string(f)
	}
}

// PointValue returns the monetary value of a one-point move for the family.
func (f Family) PointValue() float64 {
	switch f {
	case FamilyTXF:
		return 200
	case FamilyMXF:
		return 50
	case FamilyTMF:
		return 10
	default:
		return 0
	}
}

// Contract is a single tradable TX futures contract instance.
type Contract struct {
	Code         string // e.g. "TXFG5"
	Family       Family
	DeliveryDate time.Time
	IsR1         bool // current-month
	IsR2         bool // next-month
}

// BTCContract describes the fixed perpetual symbol traded on the crypto
// exchange; unlike TX there is no delivery rollover, only config-driven
// leverage/margin-mode attributes.
type BTCContract struct {
	Symbol     string
	Leverage   int
	MarginMode string // "cross" | "isolated"
	MinLot     float64
}

// ByDeliveryDate sorts Contracts ascending by delivery date, as required
// by broker.ContractLister.ListContracts (spec §4.2: "results sorted by delivery date").
type ByDeliveryDate []Contract

func (c ByDeliveryDate) Len() int      { return len(c) }
func (c ByDeliveryDate) Swap(i, j int) { c[i], c[j] = c[j], c[i] }
func (c ByDeliveryDate) Less(i, j int) bool {
	return c[i].DeliveryDate.Before(c[j].DeliveryDate)
}
