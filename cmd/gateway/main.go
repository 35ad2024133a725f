// Command gateway is the futures trading gateway's entrypoint (spec.md
// §9's "Core context" design note, SPEC_FULL.md §4.0): it loads
// configuration, constructs every component, wires the fixed set of
// background loops into one errgroup, and waits for a shutdown signal.
//
// Grounded on the teacher's cmd/bot/main.go run() int shape and
// signal.Notify + close(stop) shutdown path, generalized from one broker
// to two independent markets.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/futures-gateway/internal/broker"
	"github.com/eddiefleurent/futures-gateway/internal/calendar"
	"github.com/eddiefleurent/futures-gateway/internal/config"
	"github.com/eddiefleurent/futures-gateway/internal/core"
	"github.com/eddiefleurent/futures-gateway/internal/journal"
	"github.com/eddiefleurent/futures-gateway/internal/lifecycle"
	"github.com/eddiefleurent/futures-gateway/internal/models"
	"github.com/eddiefleurent/futures-gateway/internal/notify"
	"github.com/eddiefleurent/futures-gateway/internal/pipeline"
	"github.com/eddiefleurent/futures-gateway/internal/registry"
	"github.com/eddiefleurent/futures-gateway/internal/report"
	"github.com/eddiefleurent/futures-gateway/internal/retry"
	"github.com/eddiefleurent/futures-gateway/internal/rollover"
	"github.com/eddiefleurent/futures-gateway/internal/scheduler"
	"github.com/eddiefleurent/futures-gateway/internal/supervisor"
	"github.com/eddiefleurent/futures-gateway/internal/webhook"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	flag.Parse()

	plainLogger := log.New(os.Stdout, "", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		plainLogger.Printf("config load failed: %v", err)
		return 1
	}

	webLogger := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		webLogger.SetLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := &gateway{cfg: cfg, plainLogger: plainLogger, webLogger: webLogger, core: core.NewContext()}
	if err := g.build(); err != nil {
		plainLogger.Printf("gateway build failed: %v", err)
		return 1
	}

	eg, egCtx := errgroup.WithContext(ctx)
	g.launchLoops(eg, egCtx)

	<-ctx.Done()
	plainLogger.Printf("shutdown signal received, stopping")
	g.core.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if g.webhookServer != nil {
		if err := g.webhookServer.Shutdown(shutdownCtx); err != nil {
			plainLogger.Printf("webhook server shutdown error: %v", err)
		}
	}
	if g.txBroker != nil {
		_ = g.txBroker.Logout(shutdownCtx)
	}
	if g.btcBroker != nil {
		_ = g.btcBroker.Logout(shutdownCtx)
	}

	if err := eg.Wait(); err != nil && err != context.Canceled {
		plainLogger.Printf("background loop error: %v", err)
	}
	return 0
}

// gateway bundles every constructed component, mirroring the teacher's
// practice of threading concrete collaborators through an entrypoint
// struct rather than a grab-bag of global variables (spec §9's Core
// context design note).
type gateway struct {
	cfg         *config.Config
	plainLogger *log.Logger
	webLogger   *logrus.Logger
	core        *core.Context

	txBroker  broker.Broker
	btcBroker broker.Broker
	txRaw     *broker.TXClient // unwrapped, for push-event delivery
	btcRaw    *broker.BTCClient

	cal        *calendar.Calendar
	rollo      *rollover.Engine
	reg        *registry.Registry
	notifier   *notify.Notifier
	txJournal  *journal.Journal
	btcJournal *journal.Journal
	pipe       *pipeline.Pipeline
	tracker    *lifecycle.Tracker
	reportBldr *report.Builder
	sched      *scheduler.Scheduler

	txSupervisor  *supervisor.Supervisor
	btcSupervisor *supervisor.Supervisor

	webhookServer *webhook.Server
}

func (g *gateway) build() error {
	g.notifier = notify.New(g.cfg.Telegram.BotToken, g.cfg.Telegram.ChatIDStrings(), g.plainLogger)

	loc, err := time.LoadLocation(g.cfg.Calendar.Timezone)
	if err != nil {
		return fmt.Errorf("gateway: calendar timezone: %w", err)
	}
	g.cal = calendar.New(g.cfg.Calendar.Dir, loc)

	g.reg, err = registry.New(g.cfg.Registry.Dir)
	if err != nil {
		return fmt.Errorf("gateway: registry: %w", err)
	}

	var txDeps, btcDeps pipeline.MarketDeps
	var reportTXDeps, reportBTCDeps report.MarketDeps

	if g.cfg.TX.LoginEnabled {
		g.txRaw = broker.NewTXClient(broker.TXConfig{
			BaseURL:        g.cfg.TX.BaseURL,
			Account:        g.cfg.TX.Account,
			CertPath:       g.cfg.TX.CertPath,
			CertPassword:   g.cfg.TX.CertPassword,
			ActivationCode: g.cfg.TX.ActivationCode,
		})
		g.txBroker = broker.NewCircuitBreakerBroker(g.txRaw)

		g.txJournal, err = journal.New(g.cfg.Journal.Dir+"/TXtransdata", "TXtrades")
		if err != nil {
			return fmt.Errorf("gateway: tx journal: %w", err)
		}

		g.rollo = rollover.New(g.txBroker.(rollover.ContractLister), g.notifier, g.plainLogger,
			[]models.Family{models.FamilyTXF, models.FamilyMXF, models.FamilyTMF})

		txRetry := retry.NewClient(g.txBroker, g.plainLogger)
		txDeps = pipeline.MarketDeps{Broker: g.txBroker, Submit: txRetry, Journal: g.txJournal}
		reportTXDeps = report.MarketDeps{
			Journal: g.txJournal, Positions: g.txBroker, Account: g.txBroker,
			DailyDir: g.cfg.Report.OutputDir + "/TX交易日報", MonthlyDir: g.cfg.Report.OutputDir + "/TX交易月報",
		}

		g.txSupervisor = supervisor.New("TX", g.txBroker, &g.core.TXLoginMu, g.notifier, g.plainLogger,
			func(now time.Time) bool { open, _ := g.cal.IsMarketOpen(now); return open }, true)
	}

	if g.cfg.BTC.LoginEnabled {
		g.btcRaw = broker.NewBTCClient(broker.BTCConfig{
			BaseURL:   g.cfg.BTC.BaseURL,
			WSBaseURL: g.cfg.BTC.WSBaseURL,
			APIKey:    g.cfg.BTC.APIKey,
			APISecret: g.cfg.BTC.APISecret,
		})
		g.btcBroker = broker.NewCircuitBreakerBroker(g.btcRaw)

		g.btcJournal, err = journal.New(g.cfg.Journal.Dir+"/BTCtransdata", "BTCtrades")
		if err != nil {
			return fmt.Errorf("gateway: btc journal: %w", err)
		}

		btcRetry := retry.NewClient(g.btcBroker, g.plainLogger)
		btcDeps = pipeline.MarketDeps{Broker: g.btcBroker, Submit: btcRetry, Journal: g.btcJournal}
		reportBTCDeps = report.MarketDeps{
			Journal: g.btcJournal, Positions: g.btcBroker, Account: g.btcBroker,
			DailyDir: g.cfg.Report.OutputDir + "/BTC交易日報", MonthlyDir: g.cfg.Report.OutputDir + "/BTC交易月報",
		}

		g.btcSupervisor = supervisor.New("BTC", g.btcBroker, &g.core.BTCLoginMu, g.notifier, g.plainLogger,
			func(time.Time) bool { return true }, false)
	}

	g.pipe = pipeline.New(txDeps, btcDeps, g.cal, g.rollo, g.reg, g.notifier, g.plainLogger, pipeline.Config{
		BTCRiskPct:  g.cfg.BTC.RiskPct,
		BTCLeverage: g.cfg.BTC.Leverage,
	})

	g.tracker = lifecycle.New(g.reg, g.txBroker, g.btcBroker, g.txJournal, g.btcJournal, g.notifier, g.plainLogger)
	g.reportBldr = report.New(reportTXDeps, reportBTCDeps, g.notifier, g.plainLogger)

	times, err := scheduler.ParseTimes(
		g.cfg.Schedule.TXStartTime, g.cfg.Schedule.BTCStartTime, g.cfg.Schedule.MarginCheckTime,
		g.cfg.Schedule.BTCReportTime, g.cfg.Schedule.TXReportTime,
	)
	if err != nil {
		return fmt.Errorf("gateway: schedule times: %w", err)
	}
	g.sched = scheduler.New(times, loc, g.cal, g.txBroker, g.btcBroker, g.notifier, g.buildHooks(), g.plainLogger)

	var txPush webhook.PushDeliverer
	if g.txRaw != nil {
		txPush = g.txRaw
	}
	g.webhookServer = webhook.New(webhook.Config{
		ListenAddr: g.cfg.Webhook.ListenAddr,
		SharedKey:  g.cfg.Webhook.SharedKey,
	}, g.pipe, txPush, g.webLogger)

	return nil
}

func (g *gateway) buildHooks() scheduler.Hooks {
	hooks := scheduler.Hooks{}
	if g.cfg.TX.LoginEnabled {
		hooks.TXStart = func(ctx context.Context) { g.notifier.Notify("TX system starting") }
		hooks.TXDailyStats = func(ctx context.Context, day time.Time) {
			g.plainLogger.Printf("TX daily stats for %s", day.Format("2006-01-02"))
		}
		hooks.TXDailyReport = func(ctx context.Context, day time.Time) {
			if _, err := g.reportBldr.BuildDaily(ctx, models.MarketTX, day); err != nil {
				g.plainLogger.Printf("TX daily report failed: %v", err)
			}
		}
		hooks.TXMonthlyReport = func(ctx context.Context, day time.Time) {
			if _, err := g.reportBldr.BuildMonthly(ctx, models.MarketTX, day); err != nil {
				g.plainLogger.Printf("TX monthly report failed: %v", err)
			}
		}
	}
	if g.cfg.BTC.LoginEnabled {
		hooks.BTCStart = func(ctx context.Context) { g.notifier.Notify("BTC system starting") }
		hooks.BTCDailyStats = func(ctx context.Context, day time.Time) {
			g.plainLogger.Printf("BTC daily stats for %s", day.Format("2006-01-02"))
		}
		hooks.BTCDailyReport = func(ctx context.Context, day time.Time) {
			if _, err := g.reportBldr.BuildDaily(ctx, models.MarketBTC, day); err != nil {
				g.plainLogger.Printf("BTC daily report failed: %v", err)
			}
		}
		hooks.BTCMonthlyReport = func(ctx context.Context, day time.Time) {
			if _, err := g.reportBldr.BuildMonthly(ctx, models.MarketBTC, day); err != nil {
				g.plainLogger.Printf("BTC monthly report failed: %v", err)
			}
		}
	}
	hooks.MarginCheck = func(ctx context.Context, changed bool, current, previous broker.AccountSnapshot) {
		if changed {
			g.notifier.Notify(fmt.Sprintf("margin requirement changed: %.2f -> %.2f", previous.MaintenanceReq, current.MaintenanceReq))
		}
	}
	return hooks
}

// launchLoops starts every background task named in spec §5: one per
// connection supervisor, the TX push dispatch, the BTC user-data and
// ticker streams, the BTC polling fallback, the rollover daily tick, the
// scheduler, and the webhook server — each selecting on the shared
// shutdown channel or the errgroup's derived context.
func (g *gateway) launchLoops(eg *errgroup.Group, ctx context.Context) {
	eg.Go(func() error {
		<-g.core.Done()
		return nil
	})

	eg.Go(func() error {
		return g.webhookServer.Start()
	})

	if g.cfg.TX.LoginEnabled {
		if err := g.txBroker.Login(ctx); err != nil {
			g.plainLogger.Printf("TX login failed: %v", err)
		} else {
			g.txSupervisor.MarkLoggedIn()
		}
		eg.Go(func() error { return g.txSupervisor.Run(ctx) })
		eg.Go(func() error { return g.runTXPushDispatch(ctx) })
		eg.Go(func() error { return g.runRolloverTick(ctx) })
	}

	if g.cfg.BTC.LoginEnabled {
		if err := g.btcBroker.Login(ctx); err != nil {
			g.plainLogger.Printf("BTC login failed: %v", err)
		} else {
			g.btcSupervisor.MarkLoggedIn()
		}
		eg.Go(func() error { return g.btcSupervisor.Run(ctx) })
		eg.Go(func() error { return g.runBTCPushDispatch(ctx) })
		eg.Go(func() error { return g.tracker.RunBTCPollingFallback(ctx, g.btcBroker) })
		eg.Go(func() error { return g.runBTCTicker(ctx) })
		eg.Go(func() error { g.btcRaw.KeepAliveListenKey(ctx); return nil })
	}

	eg.Go(func() error { return g.sched.Run(ctx) })
}

func (g *gateway) runTXPushDispatch(ctx context.Context) error {
	sub, ok := g.txBroker.(broker.PushSubscriber)
	if !ok {
		return nil
	}
	events, err := sub.SubscribeOrderEvents(ctx)
	if err != nil {
		return fmt.Errorf("tx push subscribe: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			g.tracker.HandleEvent(ctx, models.MarketTX, ev)
		}
	}
}

func (g *gateway) runBTCPushDispatch(ctx context.Context) error {
	sub, ok := g.btcBroker.(broker.PushSubscriber)
	if !ok {
		return nil
	}
	events, err := sub.SubscribeOrderEvents(ctx)
	if err != nil {
		return fmt.Errorf("btc push subscribe: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			g.tracker.HandleEvent(ctx, models.MarketBTC, ev)
		}
	}
}

// runBTCTicker keeps the public mark-price WebSocket open for the
// lifetime of the process; the stream itself feeds position-PnL
// refreshers per spec §4.2 — here it is drained to keep the connection
// alive; the quotes are discarded without logging.
func (g *gateway) runBTCTicker(ctx context.Context) error {
	if g.btcRaw == nil {
		return nil
	}
	quotes, err := g.btcRaw.TickerStream(ctx, g.cfg.BTC.Symbol)
	if err != nil {
		return fmt.Errorf("btc ticker subscribe: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-quotes:
			if !ok {
				return nil
			}
		}
	}
}

// runRolloverTick refreshes the rollover engine once at startup and then
// on the daily 00:05 tick spec §4.7 names.
func (g *gateway) runRolloverTick(ctx context.Context) error {
	if err := g.rollo.Refresh(ctx, time.Now()); err != nil {
		g.plainLogger.Printf("rollover: initial refresh failed: %v", err)
	}
	for {
		next := nextRolloverTick(time.Now())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
			if err := g.rollo.Refresh(ctx, time.Now()); err != nil {
				g.plainLogger.Printf("rollover: refresh failed: %v", err)
			}
		}
	}
}

func nextRolloverTick(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 5, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
