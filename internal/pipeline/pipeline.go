// Package pipeline implements the Signal Pipeline (spec §4.5): webhook
// intake, dedup, calendar gating, direction normalization, rollover-aware
// contract selection, precondition enforcement, and order submission.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/futures-gateway/internal/broker"
	"github.com/eddiefleurent/futures-gateway/internal/calendar"
	"github.com/eddiefleurent/futures-gateway/internal/core"
	"github.com/eddiefleurent/futures-gateway/internal/journal"
	"github.com/eddiefleurent/futures-gateway/internal/models"
	"github.com/eddiefleurent/futures-gateway/internal/registry"
	"github.com/eddiefleurent/futures-gateway/internal/rollover"
	"github.com/eddiefleurent/futures-gateway/internal/util"
)

// OrderSubmitter is the subset of retry.Client the pipeline depends on,
// letting tests substitute a stub without standing up a real broker
// (spec §4.2's retry/backoff policy lives in internal/retry; the pipeline
// only calls through it).
type OrderSubmitter interface {
	PlaceOrderWithRetry(ctx context.Context, req broker.OrderRequest) (*broker.OrderResponse, error)
}

// PositionLister is the read path the pipeline needs to check open/close
// preconditions (spec §4.5 step 5).
type PositionLister interface {
	ListPositions(ctx context.Context) ([]broker.PositionItem, error)
}

// Notifier is the fan-out side effect the pipeline triggers on submission
// success/failure (spec §4.5's notification rules).
type Notifier interface {
	Notify(text string)
}

// Result is the outcome of attempting to place one order for one
// family/symbol extracted from a signal.
type Result struct {
	Market   models.Market
	Family   models.Family
	Symbol   string
	Accepted bool
	OrderID  string
	Message  string
}

// MarketDeps bundles the per-market collaborators the pipeline submits
// orders through.
type MarketDeps struct {
	Broker  PositionLister
	Submit  OrderSubmitter
	Journal *journal.Journal
}

// Config carries the BTC position-sizing parameters spec §4.5 step 6
// describes (risk-percent sizing when a webhook doesn't specify quantity).
type Config struct {
	BTCRiskPct  float64
	BTCLeverage int
	BTCMinLot   float64 // spec §4.5: 0.001 BTC minimum lot, also the rounding increment
}

// Pipeline is the Signal Pipeline (C5): the single entry point the
// webhook server calls for every inbound TradingView alert.
type Pipeline struct {
	tx  MarketDeps
	btc MarketDeps

	calendar *calendar.Calendar
	rollover *rollover.Engine
	registry *registry.Registry
	notifier Notifier
	logger   *log.Logger
	dedup    *dedupSet
	cfg      Config

	now   func() time.Time
	newID func() string
}

// New constructs a Pipeline. Either tx or btc's Broker/Submit/Journal may
// be left zero-valued if that market is disabled (spec §4.0: a blank
// market's credentials disable it without affecting the other).
func New(tx, btc MarketDeps, cal *calendar.Calendar, roll *rollover.Engine, reg *registry.Registry, notifier Notifier, logger *log.Logger, cfg Config) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.BTCMinLot <= 0 {
		cfg.BTCMinLot = 0.001
	}
	return &Pipeline{
		tx:       tx,
		btc:      btc,
		calendar: cal,
		rollover: roll,
		registry: reg,
		notifier: notifier,
		logger:   logger,
		dedup:    newDedupSet(),
		cfg:      cfg,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
}

// Process runs the full pipeline for one parsed signal and returns one
// Result per family/symbol attempted (TX may attempt several families in
// a single webhook payload; BTC always attempts exactly one).
func (p *Pipeline) Process(ctx context.Context, sig models.Signal) ([]Result, error) {
	switch sig.Market {
	case models.MarketTX:
		return p.processTX(ctx, sig)
	case models.MarketBTC:
		r, err := p.processBTC(ctx, sig)
		if err != nil {
			return nil, err
		}
		return []Result{r}, nil
	default:
		return nil, fmt.Errorf("pipeline: unknown market %q", sig.Market)
	}
}

func (p *Pipeline) processTX(ctx context.Context, sig models.Signal) ([]Result, error) {
	families := sig.TX.NonZero()
	if len(families) == 0 {
		return nil, fmt.Errorf("pipeline: tx signal %s has no non-zero family quantity", sig.TradeID)
	}

	results := make([]Result, 0, len(families))
	for family, qty := range families {
		res := p.processTXFamily(ctx, sig, family, qty)
		results = append(results, res)
	}
	return results, nil
}

func (p *Pipeline) processTXFamily(ctx context.Context, sig models.Signal, family models.Family, qty int) Result {
	hint := string(family)
	if p.dedup.CheckAndRecord(sig.DedupKey(hint)) {
		p.logger.Printf("duplicate signal ignored: trade_id=%s family=%s", sig.TradeID, hint)
		return Result{Market: models.MarketTX, Family: family, Accepted: false, Message: "duplicate signal ignored"}
	}

	if p.calendar != nil {
		ok, err := p.calendarOpen(sig.Time)
		if err != nil {
			p.logger.Printf("calendar check error: %v", err)
		}
		if !ok {
			return p.reject(models.MarketTX, family, "", core.ErrOutsideTradingHours, "盤中未開盤")
		}
	}

	positions, err := p.tx.Broker.ListPositions(ctx)
	if err != nil {
		return p.reject(models.MarketTX, family, "", err, "無法查詢持倉")
	}
	pos, hasPos := findPosition(positions, string(family), "")

	direction, err := NormalizeDirection(sig.RawDirection, sig.RawMessage, hasPos, hasPos && pos.Direction == models.DirectionOpenLong)
	if err != nil {
		return p.reject(models.MarketTX, family, "", err, "無法辨識動作")
	}

	contract, ok := p.rollover.ActiveContract(family)
	if !ok {
		return p.reject(models.MarketTX, family, "", fmt.Errorf("pipeline: no active contract for family %s", family), "無可用合約")
	}

	side, oc, err := p.resolveSideOC(direction, hasPos, pos)
	if err != nil {
		return p.reject(models.MarketTX, family, "", err, rejectReasonText(err))
	}

	req := broker.OrderRequest{
		Family:     family,
		Side:       side,
		OC:         oc,
		Quantity:   float64(qty),
		PriceType:  models.PriceTypeMarket,
		OrderType:  models.OrderTypeIOC,
		LimitPrice: 0,
		ClientID:   p.newID(),
	}

	return p.submit(ctx, p.tx, models.MarketTX, family, "", direction, req, sig, contract.Code, contract.DeliveryDate)
}

func (p *Pipeline) processBTC(ctx context.Context, sig models.Signal) (Result, error) {
	symbol := sig.Symbol
	if p.dedup.CheckAndRecord(sig.DedupKey(symbol)) {
		p.logger.Printf("duplicate signal ignored: trade_id=%s symbol=%s", sig.TradeID, symbol)
		return Result{Market: models.MarketBTC, Symbol: symbol, Accepted: false, Message: "duplicate signal ignored"}, nil
	}

	positions, err := p.btc.Broker.ListPositions(ctx)
	if err != nil {
		return p.reject(models.MarketBTC, "", symbol, err, "unable to query positions"), nil
	}
	pos, hasPos := findPosition(positions, "", symbol)

	direction, err := NormalizeDirection(sig.RawDirection, sig.RawMessage, hasPos, hasPos && pos.Direction == models.DirectionOpenLong)
	if err != nil {
		return p.reject(models.MarketBTC, "", symbol, err, "unrecognized action"), nil
	}

	side, oc, err := p.resolveSideOC(direction, hasPos, pos)
	if err != nil {
		return p.reject(models.MarketBTC, "", symbol, err, rejectReasonText(err)), nil
	}

	quantity := sig.Quantity
	if quantity == 0 && oc == models.OCNew {
		quantity, err = p.sizeBTCQuantity(ctx, symbol, sig.Price)
		if err != nil {
			return p.reject(models.MarketBTC, "", symbol, err, "unable to size position"), nil
		}
	}
	if oc == models.OCCover && quantity == 0 {
		quantity = pos.Quantity
	}

	req := broker.OrderRequest{
		Symbol:     symbol,
		Side:       side,
		OC:         oc,
		Quantity:   quantity,
		PriceType:  models.PriceTypeMarket,
		OrderType:  models.OrderTypeIOC,
		LimitPrice: 0,
		ClientID:   p.newID(),
	}

	return p.submit(ctx, p.btc, models.MarketBTC, "", symbol, direction, req, sig, symbol, time.Time{}), nil
}

// resolveSideOC applies spec §3/§4.5 step 5's open/close preconditions:
// opening requires no opposite-side position; closing requires a matching
// same-direction position, and closes the inverse side of it.
func (p *Pipeline) resolveSideOC(direction models.Direction, hasPos bool, pos broker.PositionItem) (models.Side, models.OC, error) {
	if direction.IsOpen() {
		side := models.SideBuy
		if direction == models.DirectionOpenShort {
			side = models.SideSell
		}
		if hasPos && (models.Position{Direction: pos.Direction, Quantity: pos.Quantity}).OppositeOf(side) {
			return "", "", core.ErrOppositePositionExists
		}
		return side, models.OCNew, nil
	}

	// Closing: requires a position whose direction matches what the
	// signal wants to close.
	wantLong := direction == models.DirectionCloseLong
	if !hasPos || pos.Quantity == 0 {
		return "", "", core.ErrNoPosition
	}
	posIsLong := pos.Direction == models.DirectionOpenLong
	if posIsLong != wantLong {
		return "", "", core.ErrNoPosition
	}
	side := models.SideSell // closing a long sells
	if !posIsLong {
		side = models.SideBuy // closing a short buys
	}
	return side, models.OCCover, nil
}

func rejectReasonText(err error) string {
	switch {
	case errors.Is(err, core.ErrOppositePositionExists):
		return "opposite position exists"
	case errors.Is(err, core.ErrNoPosition):
		return "無對應持倉"
	default:
		return err.Error()
	}
}

// sizeBTCQuantity derives the order quantity from available balance, risk
// percent, and leverage (spec §4.5 step 6, §6 scenario C):
// floor(available * risk_pct * leverage / mark_price), floored to the
// 0.001 lot increment, minimum 0.001.
func (p *Pipeline) sizeBTCQuantity(ctx context.Context, symbol string, priceHint float64) (float64, error) {
	type accountSnapshotter interface {
		AccountSnapshot(ctx context.Context) (*broker.AccountSnapshot, error)
	}
	type quoter interface {
		Quote(ctx context.Context, symbol string) (*broker.QuoteItem, error)
	}

	snap, ok := p.btc.Broker.(accountSnapshotter)
	if !ok {
		return 0, fmt.Errorf("pipeline: btc broker cannot report account snapshot")
	}
	acct, err := snap.AccountSnapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("pipeline: btc account snapshot: %w", err)
	}

	markPrice := priceHint
	if markPrice <= 0 {
		if q, ok := p.btc.Broker.(quoter); ok {
			quote, err := q.Quote(ctx, symbol)
			if err == nil && quote != nil {
				markPrice = quote.Last
			}
		}
	}
	if markPrice <= 0 {
		return 0, fmt.Errorf("pipeline: no usable mark price to size btc order")
	}

	raw := acct.AvailableCash * p.cfg.BTCRiskPct * float64(p.cfg.BTCLeverage) / markPrice
	lot := p.cfg.BTCMinLot
	floored := util.FloorToTick(raw, lot)
	if floored < lot {
		floored = lot
	}
	return floored, nil
}

func (p *Pipeline) calendarOpen(signalTime time.Time) (bool, error) {
	t := signalTime
	if t.IsZero() {
		t = p.now()
	}
	trading, err := p.calendar.IsTradingDay(t)
	if err != nil {
		return false, err
	}
	if !trading {
		return false, nil
	}
	return p.calendar.IsMarketOpen(t)
}

func findPosition(positions []broker.PositionItem, family, symbol string) (broker.PositionItem, bool) {
	for _, pos := range positions {
		if family != "" && string(pos.Family) == family && pos.Quantity != 0 {
			return pos, true
		}
		if symbol != "" && pos.Symbol == symbol && pos.Quantity != 0 {
			return pos, true
		}
	}
	return broker.PositionItem{}, false
}

// submit places the order, records it in the Order Registry and Trade
// Journal, and dispatches the success/failure notification (spec §4.5
// steps 6-7).
func (p *Pipeline) submit(ctx context.Context, deps MarketDeps, market models.Market, family models.Family, symbol string, direction models.Direction, req broker.OrderRequest, sig models.Signal, contractLabel string, deliveryDate time.Time) Result {
	resp, err := deps.Submit.PlaceOrderWithRetry(ctx, req)
	if err != nil {
		reason := err.Error()
		if resp != nil && resp.FailReason != "" {
			reason = resp.FailReason
		}
		p.journalFail(deps.Journal, market, family, symbol, direction, reason, sig.Time)
		p.notifyFailure(market, contractLabel, deliveryDate, direction, req, reason)
		return Result{Market: market, Family: family, Symbol: symbol, Accepted: false, Message: reason}
	}

	meta := models.RegistryMeta{
		OrderID:     resp.OrderID,
		Market:      market,
		OC:          req.OC,
		Direction:   direction,
		Family:      family,
		Symbol:      symbol,
		OrderType:   req.OrderType,
		PriceType:   req.PriceType,
		Quantity:    req.Quantity,
		IsManual:    false,
		SubmittedAt: p.now(),
	}
	if err := p.registry.Put(meta); err != nil {
		p.logger.Printf("registry put failed for order %s: %v", resp.OrderID, err)
	}
	if err := deps.Journal.Append(journal.Entry{
		Kind:      journal.KindOrderSubmitted,
		OrderID:   resp.OrderID,
		Market:    market,
		Family:    family,
		Symbol:    symbol,
		Side:      req.Side,
		OC:        req.OC,
		Direction: direction,
		Quantity:  req.Quantity,
		FilledAt:  p.now(),
		Category:  "auto",
	}); err != nil {
		p.logger.Printf("journal append failed for order %s: %v", resp.OrderID, err)
	}

	// Delay the success notification 2s so it never precedes a prior fill
	// notification already in flight (spec §4.5, §5 ordering guarantee).
	time.AfterFunc(2*time.Second, func() {
		p.notifier.Notify(submitNotificationText(market, contractLabel, deliveryDate, direction, req))
	})

	return Result{Market: market, Family: family, Symbol: symbol, Accepted: true, OrderID: resp.OrderID}
}

func (p *Pipeline) journalFail(j *journal.Journal, market models.Market, family models.Family, symbol string, direction models.Direction, reason string, at time.Time) {
	if at.IsZero() {
		at = p.now()
	}
	if err := j.Append(journal.Entry{
		Kind:       journal.KindFail,
		Market:     market,
		Family:     family,
		Symbol:     symbol,
		Direction:  direction,
		FailReason: reason,
		FilledAt:   at,
		Category:   "auto",
	}); err != nil {
		p.logger.Printf("journal append (fail) error: %v", err)
	}
}

func (p *Pipeline) reject(market models.Market, family models.Family, symbol string, err error, reason string) Result {
	var j *journal.Journal
	if market == models.MarketTX {
		j = p.tx.Journal
	} else {
		j = p.btc.Journal
	}
	if j != nil {
		p.journalFail(j, market, family, symbol, "", reason, time.Time{})
	}
	p.notifier.Notify(fmt.Sprintf("訂單失敗 [%s %s%s]: %s", market, family, symbol, reason))
	return Result{Market: market, Family: family, Symbol: symbol, Accepted: false, Message: reason}
}

func submitNotificationText(market models.Market, contractLabel string, deliveryDate time.Time, direction models.Direction, req broker.OrderRequest) string {
	delivery := ""
	if !deliveryDate.IsZero() {
		delivery = deliveryDate.Format("2006-01-02")
	}
	return fmt.Sprintf(
		"下單成功\n商品: %s\n交割日: %s\n委託別: %s\n方向: %s\n數量: %.3f\n價格: 市價",
		contractLabel, delivery, req.OrderType, direction, req.Quantity,
	)
}

func (p *Pipeline) notifyFailure(market models.Market, contractLabel string, deliveryDate time.Time, direction models.Direction, req broker.OrderRequest, reason string) {
	delivery := ""
	if !deliveryDate.IsZero() {
		delivery = deliveryDate.Format("2006-01-02")
	}
	p.notifier.Notify(fmt.Sprintf(
		"下單失敗\n商品: %s\n交割日: %s\n委託別: %s\n方向: %s\n數量: %.3f\n原因: %s",
		contractLabel, delivery, req.OrderType, direction, req.Quantity, reason,
	))
}
