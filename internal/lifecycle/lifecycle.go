// Package lifecycle implements the Lifecycle Tracker (C6): the single
// consumer of every order-state event source (TX push callback, BTC
// WebSocket, BTC polling fallback), driving each order's state machine to
// a terminal state and recording the result in the Trade Journal.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/eddiefleurent/futures-gateway/internal/broker"
	"github.com/eddiefleurent/futures-gateway/internal/journal"
	"github.com/eddiefleurent/futures-gateway/internal/models"
	"github.com/eddiefleurent/futures-gateway/internal/registry"
)

// Notifier is the fan-out side effect of a terminal lifecycle event.
type Notifier interface {
	Notify(text string)
}

// PositionLister is the TX-only read path used to fetch an authoritative
// fill price (spec §4.6 step 2).
type PositionLister interface {
	ListPositions(ctx context.Context) ([]broker.PositionItem, error)
}

// OrderStatusQuerier is the BTC polling-fallback read path (spec §4.6,
// §5): queried every 30s for every order still tracked by the registry.
type OrderStatusQuerier interface {
	OrderStatus(ctx context.Context, orderID string) (*broker.OrderResponse, error)
}

// reasonDictionary translates broker-native rejection codes into
// operator-facing text (spec §4.6: "the translation table is the single
// source of truth for operator-facing error text").
var reasonDictionary = map[string]string{
	"price_not_satisfied":   "Price not satisfied",
	"insufficient_margin":   "Insufficient margin",
	"outside_trading_hours": "Outside trading hours",
	"risk_control":          "Risk control rejection",
	"duplicate_client_id":   "Duplicate order id",
}

func translateReason(raw string) string {
	if t, ok := reasonDictionary[raw]; ok {
		return t
	}
	return raw
}

type orderTrack struct {
	machine       *models.OrderStateMachine
	cumulativeQty float64
}

// Tracker drives the order lifecycle state machine and journal writes.
type Tracker struct {
	registry     *registry.Registry
	txPositions  PositionLister // nil if TX is disabled
	btcPositions PositionLister // nil if BTC is disabled
	txJournal    *journal.Journal
	btcJournal   *journal.Journal
	notifier     Notifier
	logger       *log.Logger

	mu     sync.Mutex
	orders map[string]*orderTrack

	now func() time.Time
}

// New constructs a Tracker. Either journal/positions pair may be nil if
// that market is disabled; registry and notifier must not be nil
// (teacher's panic-on-nil-dependency convention, spec.md's Ambient Stack
// carries it forward here). btcPositions is consulted only by the
// registry-miss reconstruction path (spec §4.4); txPositions serves that
// path and the authoritative TX fill-price lookup.
func New(reg *registry.Registry, txPositions, btcPositions PositionLister, txJournal, btcJournal *journal.Journal, notifier Notifier, logger *log.Logger) *Tracker {
	if reg == nil {
		panic("lifecycle: registry must not be nil")
	}
	if notifier == nil {
		panic("lifecycle: notifier must not be nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Tracker{
		registry:     reg,
		txPositions:  txPositions,
		btcPositions: btcPositions,
		txJournal:    txJournal,
		btcJournal:   btcJournal,
		notifier:     notifier,
		logger:       logger,
		orders:       make(map[string]*orderTrack),
		now:          time.Now,
	}
}

func (t *Tracker) journalFor(market models.Market) *journal.Journal {
	if market == models.MarketTX {
		return t.txJournal
	}
	return t.btcJournal
}

func (t *Tracker) positionsFor(market models.Market) PositionLister {
	if market == models.MarketTX {
		return t.txPositions
	}
	return t.btcPositions
}

// HandleEvent processes a single asynchronous order-state update from any
// source for the given market. An order id the registry doesn't recognize
// is resolved via resolveMeta's reconstruction path (spec §4.4) rather
// than dropped outright; only an event that resolveMeta identifies as
// already fully processed is treated as a no-op.
func (t *Tracker) HandleEvent(ctx context.Context, market models.Market, ev broker.OrderEvent) {
	meta, ok := t.resolveMeta(ctx, market, ev)
	if !ok {
		t.logger.Printf("lifecycle: order %s already resolved in today's journal, dropping late event %s", ev.OrderID, ev.State)
		return
	}

	switch ev.State {
	case models.OrderStateFilled:
		t.handleFill(ctx, meta, ev)
	case models.OrderStateCancelled, models.OrderStateRejected, models.OrderStateExpired:
		t.handleTerminalNonFill(meta, ev)
	default:
		t.logger.Printf("lifecycle: order %s non-terminal update, state=%s", ev.OrderID, ev.State)
	}
}

// resolveMeta implements the Order Registry's lookup contract (spec §4.4):
// a registry hit is authoritative; on a miss, scan that day's journal for
// a matching order_submitted entry to rebuild full metadata. If the
// journal instead shows the order already reached a terminal entry
// (deal/cancel/fail), the event is a late duplicate of something already
// fully processed and is dropped (spec §4.6: "idempotent... Registry miss
// -> no-op"). If the journal has no record at all, infer oc from the
// market's live positions — a single held position is assumed opposite to
// a cover fill — falling back to the final default of {oc: new,
// is_manual: true} when positions are ambiguous or unavailable.
func (t *Tracker) resolveMeta(ctx context.Context, market models.Market, ev broker.OrderEvent) (models.RegistryMeta, bool) {
	if meta, ok := t.registry.Get(ev.OrderID); ok {
		return meta, true
	}

	j := t.journalFor(market)
	if j == nil {
		return defaultMeta(market, ev), true
	}

	at := ev.At
	if at.IsZero() {
		at = t.now()
	}
	entries, err := j.ReadDay(at)
	if err != nil {
		t.logger.Printf("lifecycle: journal scan for unknown order %s failed: %v", ev.OrderID, err)
		return defaultMeta(market, ev), true
	}

	var submitted *journal.Entry
	for i := range entries {
		e := entries[i]
		if e.OrderID != ev.OrderID {
			continue
		}
		switch e.Kind {
		case journal.KindOrderSubmitted:
			s := e
			submitted = &s
		case journal.KindDeal, journal.KindCancel, journal.KindFail:
			return models.RegistryMeta{}, false
		}
	}
	if submitted != nil {
		return models.RegistryMeta{
			OrderID:     submitted.OrderID,
			Market:      submitted.Market,
			OC:          submitted.OC,
			Direction:   submitted.Direction,
			Family:      submitted.Family,
			Symbol:      submitted.Symbol,
			Quantity:    submitted.Quantity,
			IsManual:    submitted.IsManual,
			SubmittedAt: submitted.FilledAt,
		}, true
	}

	return t.inferFromPositions(ctx, market, ev), true
}

// inferFromPositions consults the market's live positions when the
// journal has no record of the order at all. A single held position is
// the only case unambiguous enough to infer a family/symbol from; with
// zero or multiple positions there is no way to tell which one this order
// belongs to, so the spec's final default applies instead of guessing.
func (t *Tracker) inferFromPositions(ctx context.Context, market models.Market, ev broker.OrderEvent) models.RegistryMeta {
	lister := t.positionsFor(market)
	if lister == nil {
		return defaultMeta(market, ev)
	}

	posCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	positions, err := lister.ListPositions(posCtx)
	if err != nil {
		t.logger.Printf("lifecycle: position inference for unknown order %s failed: %v", ev.OrderID, err)
		return defaultMeta(market, ev)
	}
	if len(positions) != 1 {
		return defaultMeta(market, ev)
	}

	p := positions[0]
	return models.RegistryMeta{
		OrderID:     ev.OrderID,
		Market:      market,
		OC:          models.OCCover,
		Direction:   closingDirection(p.Direction),
		Family:      p.Family,
		Symbol:      p.Symbol,
		Quantity:    ev.FillQuantity,
		IsManual:    true,
		SubmittedAt: ev.At,
	}
}

// defaultMeta is spec §4.4's final fallback when neither the journal scan
// nor position inference resolves an unknown order id.
func defaultMeta(market models.Market, ev broker.OrderEvent) models.RegistryMeta {
	return models.RegistryMeta{
		OrderID:     ev.OrderID,
		Market:      market,
		OC:          models.OCNew,
		IsManual:    true,
		SubmittedAt: ev.At,
	}
}

// closingDirection returns the close direction that would unwind a held
// position in direction held.
func closingDirection(held models.Direction) models.Direction {
	if held == models.DirectionOpenShort {
		return models.DirectionCloseShort
	}
	return models.DirectionCloseLong
}

func (t *Tracker) trackFor(orderID string) *orderTrack {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.orders[orderID]
	if !ok {
		tr = &orderTrack{machine: models.NewOrderStateMachine()}
		t.orders[orderID] = tr
	}
	return tr
}

func (t *Tracker) forget(orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.orders, orderID)
}

// handleFill coalesces BTC partial fills — meta.Quantity carries the
// originally requested size — and only finalizes on full fill; TX always
// finalizes on its first deal event (spec §4.6: "TX treats
// OrderState.FuturesDeal with non-zero quantity as fill").
func (t *Tracker) handleFill(ctx context.Context, meta models.RegistryMeta, ev broker.OrderEvent) {
	track := t.trackFor(ev.OrderID)

	t.mu.Lock()
	track.cumulativeQty += ev.FillQuantity
	cumulative := track.cumulativeQty
	t.mu.Unlock()

	full := meta.Market == models.MarketTX || meta.Quantity <= 0 || cumulative >= meta.Quantity
	if !full {
		t.logger.Printf("lifecycle: order %s partial fill %.8f/%.8f", ev.OrderID, cumulative, meta.Quantity)
		return
	}

	if err := track.machine.Transition(models.OrderStateFilled); err != nil {
		t.logger.Printf("lifecycle: order %s late/duplicate fill ignored: %v", ev.OrderID, err)
		return
	}

	fillPrice := ev.FillPrice
	if meta.Market == models.MarketTX && meta.OC == models.OCNew && t.txPositions != nil {
		if price, ok := t.authoritativeTXPrice(ctx, meta); ok {
			fillPrice = price
		}
	}

	if j := t.journalFor(meta.Market); j != nil {
		if err := j.Append(journal.Entry{
			Kind:      journal.KindDeal,
			OrderID:   meta.OrderID,
			Market:    meta.Market,
			Family:    meta.Family,
			Symbol:    meta.Symbol,
			OC:        meta.OC,
			Direction: meta.Direction,
			Quantity:  cumulative,
			FillPrice: fillPrice,
			FilledAt:  t.now(),
			IsManual:  meta.IsManual,
			Category:  category(meta.IsManual),
		}); err != nil {
			t.logger.Printf("lifecycle: journal append (deal) failed for %s: %v", ev.OrderID, err)
		}
	}

	// 5s delay ensures the fill notification arrives after the pipeline's
	// own 2s-delayed submit notification (spec §4.5/§5 ordering guarantee).
	time.AfterFunc(5*time.Second, func() {
		t.notifier.Notify(fillNotificationText(meta, fillPrice, cumulative))
	})

	if err := t.registry.Delete(meta.OrderID); err != nil {
		t.logger.Printf("lifecycle: registry delete failed for %s: %v", ev.OrderID, err)
	}
	t.forget(ev.OrderID)
}

// authoritativeTXPrice retrieves the broker's own average entry price for
// the resulting position within a tight deadline (spec §4.6 step 2).
func (t *Tracker) authoritativeTXPrice(ctx context.Context, meta models.RegistryMeta) (float64, bool) {
	queryCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	positions, err := t.txPositions.ListPositions(queryCtx)
	if err != nil {
		t.logger.Printf("lifecycle: tx position lookup for authoritative price failed: %v", err)
		return 0, false
	}
	for _, p := range positions {
		if p.Family == meta.Family && p.Quantity != 0 {
			return p.EntryPrice, true
		}
	}
	return 0, false
}

func (t *Tracker) handleTerminalNonFill(meta models.RegistryMeta, ev broker.OrderEvent) {
	track := t.trackFor(ev.OrderID)
	if err := track.machine.Transition(ev.State); err != nil {
		t.logger.Printf("lifecycle: order %s late/duplicate terminal event ignored: %v", ev.OrderID, err)
		return
	}

	reason := translateReason(ev.FailReason)
	kind := journal.KindFail
	if ev.State == models.OrderStateCancelled {
		kind = journal.KindCancel
	}

	if j := t.journalFor(meta.Market); j != nil {
		if err := j.Append(journal.Entry{
			Kind:       kind,
			OrderID:    meta.OrderID,
			Market:     meta.Market,
			Family:     meta.Family,
			Symbol:     meta.Symbol,
			OC:         meta.OC,
			Direction:  meta.Direction,
			FilledAt:   t.now(),
			IsManual:   meta.IsManual,
			Category:   category(meta.IsManual),
			FailReason: reason,
		}); err != nil {
			t.logger.Printf("lifecycle: journal append (%s) failed for %s: %v", kind, ev.OrderID, err)
		}
	}

	t.notifier.Notify(terminalNotificationText(meta, ev.State, reason))

	if err := t.registry.Delete(meta.OrderID); err != nil {
		t.logger.Printf("lifecycle: registry delete failed for %s: %v", ev.OrderID, err)
	}
	t.forget(ev.OrderID)
}

// RunBTCPollingFallback polls every in-flight BTC order's status every
// 30s, synthesizing a lifecycle event for any terminal status observed
// (spec §4.6, §5). It runs until ctx is cancelled.
func (t *Tracker) RunBTCPollingFallback(ctx context.Context, querier OrderStatusQuerier) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.pollOnce(ctx, querier)
		}
	}
}

func (t *Tracker) pollOnce(ctx context.Context, querier OrderStatusQuerier) {
	for _, orderID := range t.registry.InFlight() {
		meta, ok := t.registry.Get(orderID)
		if !ok || meta.Market != models.MarketBTC {
			continue
		}
		resp, err := querier.OrderStatus(ctx, orderID)
		if err != nil {
			t.logger.Printf("lifecycle: btc poll status for %s failed: %v", orderID, err)
			continue
		}
		if !resp.State.IsTerminal() {
			continue
		}
		t.HandleEvent(ctx, models.MarketBTC, broker.OrderEvent{
			OrderID:      orderID,
			State:        resp.State,
			FillPrice:    resp.FillPrice,
			FillQuantity: resp.FillQuantity,
			FailReason:   resp.FailReason,
			At:           t.now(),
		})
	}
}

func category(isManual bool) string {
	if isManual {
		return "manual"
	}
	return "auto"
}

func fillNotificationText(meta models.RegistryMeta, price, qty float64) string {
	label := string(meta.Family)
	if label == "" {
		label = meta.Symbol
	}
	return fmt.Sprintf("成交通知\n商品: %s\n方向: %s\n數量: %.4f\n成交價: %.2f", label, meta.Direction, qty, price)
}

func terminalNotificationText(meta models.RegistryMeta, state models.OrderState, reason string) string {
	label := string(meta.Family)
	if label == "" {
		label = meta.Symbol
	}
	return fmt.Sprintf("訂單%s\n商品: %s\n方向: %s\n原因: %s", stateLabel(state), label, meta.Direction, reason)
}

func stateLabel(state models.OrderState) string {
	switch state {
	case models.OrderStateCancelled:
		return "已取消"
	case models.OrderStateRejected:
		return "被拒絕"
	case models.OrderStateExpired:
		return "已過期"
	default:
		return string(state)
	}
}
