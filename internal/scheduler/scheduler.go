// Package scheduler implements the Scheduler (C9): a wall-clock trigger
// loop that fires the day's fixed set of events (market-open notices,
// margin-change checks, statistics, and reports) without a cron
// dependency, so scheduling stays deterministic under clock skew
// (spec §9 design note).
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/eddiefleurent/futures-gateway/internal/broker"
	"github.com/eddiefleurent/futures-gateway/internal/calendar"
)

// Notifier is the fan-out side effect of a margin-requirement change.
type Notifier interface {
	Notify(text string)
}

// AccountSnapshotter is the narrow broker surface needed to detect
// margin-requirement changes (spec §4.9's 14:50 check).
type AccountSnapshotter interface {
	AccountSnapshot(ctx context.Context) (*broker.AccountSnapshot, error)
}

// reportOffset is the gap between a market's daily-statistics trigger and
// its daily report, and between the daily report and the monthly one
// (spec §4.9: "30 s later... 30 s further").
const reportOffset = 30 * time.Second

// Hooks are the side effects fired at each trigger point. Any hook may be
// left nil to disable that trigger's effect (e.g. a market with no
// report builder configured).
type Hooks struct {
	TXStart          func(ctx context.Context)
	BTCStart         func(ctx context.Context)
	MarginCheck      func(ctx context.Context, changed bool, current, previous broker.AccountSnapshot)
	BTCDailyStats    func(ctx context.Context, day time.Time)
	BTCDailyReport   func(ctx context.Context, day time.Time)
	BTCMonthlyReport func(ctx context.Context, day time.Time)
	TXDailyStats     func(ctx context.Context, day time.Time)
	TXDailyReport    func(ctx context.Context, day time.Time)
	TXMonthlyReport  func(ctx context.Context, day time.Time)
}

type trigger struct {
	key    string
	offset time.Duration // since local midnight
	fire   func(ctx context.Context, when time.Time)
}

// Scheduler drives Hooks at the wall-clock times named in a
// config.ScheduleConfig.
type Scheduler struct {
	loc      *time.Location
	calendar *calendar.Calendar
	hooks    Hooks
	logger   *log.Logger
	now      func() time.Time

	txSnapshotter  AccountSnapshotter
	btcSnapshotter AccountSnapshotter
	notifier       Notifier

	mu       sync.Mutex
	firedOn  map[string]string // trigger key -> date last fired ("2006-01-02")
	lastSnap map[string]broker.AccountSnapshot

	triggers []trigger
}

// Times is the parsed set of wall-clock trigger times, already validated
// (config.Validate parses each with "15:04" before this package sees them).
type Times struct {
	TXStart     time.Duration
	BTCStart    time.Duration
	MarginCheck time.Duration
	BTCReport   time.Duration
	TXReport    time.Duration
}

// ParseTimes parses the five "HH:MM" config strings into Times.
func ParseTimes(txStart, btcStart, marginCheck, btcReport, txReport string) (Times, error) {
	parse := func(s string) (time.Duration, error) {
		t, err := time.Parse("15:04", s)
		if err != nil {
			return 0, err
		}
		return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
	}
	var t Times
	var err error
	if t.TXStart, err = parse(txStart); err != nil {
		return Times{}, err
	}
	if t.BTCStart, err = parse(btcStart); err != nil {
		return Times{}, err
	}
	if t.MarginCheck, err = parse(marginCheck); err != nil {
		return Times{}, err
	}
	if t.BTCReport, err = parse(btcReport); err != nil {
		return Times{}, err
	}
	if t.TXReport, err = parse(txReport); err != nil {
		return Times{}, err
	}
	return t, nil
}

// New constructs a Scheduler. cal may be nil only if neither TXStart nor
// TXDailyStats hooks are set (both need trading-day/open gating).
func New(times Times, loc *time.Location, cal *calendar.Calendar, txSnap, btcSnap AccountSnapshotter, notifier Notifier, hooks Hooks, logger *log.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &Scheduler{
		loc:            loc,
		calendar:       cal,
		hooks:          hooks,
		logger:         logger,
		now:            time.Now,
		txSnapshotter:  txSnap,
		btcSnapshotter: btcSnap,
		notifier:       notifier,
		firedOn:        make(map[string]string),
		lastSnap:       make(map[string]broker.AccountSnapshot),
	}

	s.triggers = []trigger{
		{key: "tx_start", offset: times.TXStart, fire: s.fireTXStart},
		{key: "btc_start", offset: times.BTCStart, fire: s.fireBTCStart},
		{key: "margin_check", offset: times.MarginCheck, fire: s.fireMarginCheck},
		{key: "btc_stats", offset: times.BTCReport, fire: s.fireBTCStats},
		{key: "btc_report", offset: times.BTCReport + reportOffset, fire: s.fireBTCReport},
		{key: "btc_monthly", offset: times.BTCReport + 2*reportOffset, fire: s.fireBTCMonthly},
		{key: "tx_stats", offset: times.TXReport, fire: s.fireTXStats},
		{key: "tx_report", offset: times.TXReport + reportOffset, fire: s.fireTXReport},
		{key: "tx_monthly", offset: times.TXReport + 2*reportOffset, fire: s.fireTXMonthly},
	}
	return s
}

// Run drives the trigger loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		when, trig := s.nextTrigger(s.now())
		wait := when.Sub(s.now())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			s.markFired(trig.key, when)
			trig.fire(ctx, when)
		}
	}
}

func (s *Scheduler) nextTrigger(now time.Time) (time.Time, trigger) {
	var best time.Time
	var bestTrig trigger
	for _, trig := range s.triggers {
		candidate := s.candidateFor(trig, now)
		if bestTrig.key == "" || candidate.Before(best) {
			best = candidate
			bestTrig = trig
		}
	}
	return best, bestTrig
}

func (s *Scheduler) candidateFor(trig trigger, now time.Time) time.Time {
	local := now.In(s.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	candidate := midnight.Add(trig.offset)

	if !candidate.After(now) || s.firedFor(trig.key) == candidate.Format("2006-01-02") {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

func (s *Scheduler) firedFor(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firedOn[key]
}

func (s *Scheduler) markFired(key string, when time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firedOn[key] = when.In(s.loc).Format("2006-01-02")
}

func (s *Scheduler) fireTXStart(ctx context.Context, when time.Time) {
	if !s.txTradingDayAndOpen(when) {
		return
	}
	if s.hooks.TXStart != nil {
		s.hooks.TXStart(ctx)
	}
}

func (s *Scheduler) fireBTCStart(ctx context.Context, _ time.Time) {
	if s.hooks.BTCStart != nil {
		s.hooks.BTCStart(ctx)
	}
}

func (s *Scheduler) fireMarginCheck(ctx context.Context, _ time.Time) {
	s.checkMargin(ctx, "tx", s.txSnapshotter)
	s.checkMargin(ctx, "btc", s.btcSnapshotter)
}

func (s *Scheduler) checkMargin(ctx context.Context, market string, snapper AccountSnapshotter) {
	if snapper == nil {
		return
	}
	current, err := snapper.AccountSnapshot(ctx)
	if err != nil {
		s.logger.Printf("scheduler: %s margin check snapshot failed: %v", market, err)
		return
	}

	s.mu.Lock()
	previous, hadPrevious := s.lastSnap[market]
	s.lastSnap[market] = *current
	s.mu.Unlock()

	changed := hadPrevious && previous.MaintenanceReq != current.MaintenanceReq
	if s.hooks.MarginCheck != nil {
		s.hooks.MarginCheck(ctx, changed, *current, previous)
	}
	if changed && s.notifier != nil {
		s.notifier.Notify(market + " margin requirement changed")
	}
}

func (s *Scheduler) fireBTCStats(ctx context.Context, when time.Time) {
	if s.hooks.BTCDailyStats != nil {
		s.hooks.BTCDailyStats(ctx, when)
	}
}

func (s *Scheduler) fireBTCReport(ctx context.Context, when time.Time) {
	if s.hooks.BTCDailyReport != nil {
		s.hooks.BTCDailyReport(ctx, when)
	}
}

func (s *Scheduler) fireBTCMonthly(ctx context.Context, when time.Time) {
	if isLastDayOfMonth(when.In(s.loc)) && s.hooks.BTCMonthlyReport != nil {
		s.hooks.BTCMonthlyReport(ctx, when)
	}
}

func (s *Scheduler) fireTXStats(ctx context.Context, when time.Time) {
	if !s.txTradingDayOrSaturdayAfterFriday(when) {
		return
	}
	if s.hooks.TXDailyStats != nil {
		s.hooks.TXDailyStats(ctx, when)
	}
}

func (s *Scheduler) fireTXReport(ctx context.Context, when time.Time) {
	if !s.txTradingDayOrSaturdayAfterFriday(when) {
		return
	}
	if s.hooks.TXDailyReport != nil {
		s.hooks.TXDailyReport(ctx, when)
	}
}

func (s *Scheduler) fireTXMonthly(ctx context.Context, when time.Time) {
	if !s.txTradingDayOrSaturdayAfterFriday(when) {
		return
	}
	if s.isLastTradingDayOfMonth(when.In(s.loc)) && s.hooks.TXMonthlyReport != nil {
		s.hooks.TXMonthlyReport(ctx, when)
	}
}

func (s *Scheduler) txTradingDayAndOpen(when time.Time) bool {
	if s.calendar == nil {
		return false
	}
	open, err := s.calendar.IsMarketOpen(when)
	if err != nil {
		s.logger.Printf("scheduler: tx market-open check failed: %v", err)
		return false
	}
	return open
}

// txTradingDayOrSaturdayAfterFriday implements spec §4.9's "if trading
// day (or Saturday following a trading Friday)" gate for the 23:59
// TX trigger family.
func (s *Scheduler) txTradingDayOrSaturdayAfterFriday(when time.Time) bool {
	if s.calendar == nil {
		return false
	}
	local := when.In(s.loc)
	trading, err := s.calendar.IsTradingDay(local)
	if err != nil {
		s.logger.Printf("scheduler: tx trading-day check failed: %v", err)
		return false
	}
	if trading {
		return true
	}
	if local.Weekday() != time.Saturday {
		return false
	}
	yesterday := local.AddDate(0, 0, -1)
	fridayTrading, err := s.calendar.IsTradingDay(yesterday)
	if err != nil {
		return false
	}
	return fridayTrading
}

func (s *Scheduler) isLastTradingDayOfMonth(day time.Time) bool {
	if s.calendar == nil {
		return isLastDayOfMonth(day)
	}
	for d := day.AddDate(0, 0, 1); d.Month() == day.Month(); d = d.AddDate(0, 0, 1) {
		trading, err := s.calendar.IsTradingDay(d)
		if err == nil && trading {
			return false
		}
	}
	return true
}

func isLastDayOfMonth(day time.Time) bool {
	return day.AddDate(0, 0, 1).Month() != day.Month()
}
