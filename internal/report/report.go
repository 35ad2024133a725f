// Package report implements the Report Builder (C10): a fixed
// four-block XLSX layout covering submissions/fills, account state,
// FIFO-matched close details, and live open positions (spec §4.10).
package report

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/eddiefleurent/futures-gateway/internal/broker"
	"github.com/eddiefleurent/futures-gateway/internal/journal"
	"github.com/eddiefleurent/futures-gateway/internal/models"
)

// fifoScanback is how many days back the close-details block scans for an
// opening fill that did not occur the same day (spec §4.10: "for
// cross-day closes, the builder scans back up to 7 days of journals").
const fifoScanback = 7 * 24 * time.Hour

// Notifier dispatches the finished report as a document attachment.
type Notifier interface {
	SendDocument(ctx context.Context, category, path, caption string) error
}

// PositionLister is the live open-position read path for block 4.
type PositionLister interface {
	ListPositions(ctx context.Context) ([]broker.PositionItem, error)
}

// AccountSnapshotter is the account-state read path for block 2.
type AccountSnapshotter interface {
	AccountSnapshot(ctx context.Context) (*broker.AccountSnapshot, error)
}

// MarketDeps bundles one market's read paths and output location.
type MarketDeps struct {
	Journal    *journal.Journal
	Positions  PositionLister
	Account    AccountSnapshotter
	DailyDir   string
	MonthlyDir string
}

// Builder produces and dispatches XLSX reports for both markets.
type Builder struct {
	tx       MarketDeps
	btc      MarketDeps
	notifier Notifier
	logger   *log.Logger
}

// New constructs a Builder. Either MarketDeps may be its zero value if
// that market is disabled — BuildDaily/BuildMonthly simply skip it.
func New(tx, btc MarketDeps, notifier Notifier, logger *log.Logger) *Builder {
	if logger == nil {
		logger = log.Default()
	}
	return &Builder{tx: tx, btc: btc, notifier: notifier, logger: logger}
}

func (b *Builder) deps(market models.Market) MarketDeps {
	if market == models.MarketTX {
		return b.tx
	}
	return b.btc
}

// BuildDaily builds and dispatches a single-day report for market.
func (b *Builder) BuildDaily(ctx context.Context, market models.Market, day time.Time) (string, error) {
	deps := b.deps(market)
	if deps.Journal == nil {
		return "", fmt.Errorf("report: %s journal not configured", market)
	}

	entries, err := deps.Journal.ReadDay(day)
	if err != nil {
		return "", fmt.Errorf("report: reading day entries: %w", err)
	}
	closes, err := b.resolveCloseDetails(deps, entries, day)
	if err != nil {
		return "", fmt.Errorf("report: resolving close details: %w", err)
	}

	snapshot := b.snapshotOrNil(ctx, deps)
	positions := b.positionsOrNil(ctx, deps)

	path := filepath.Join(deps.DailyDir, fmt.Sprintf("%s_%s.xlsx", market, day.Format("2006-01-02")))
	if err := buildWorkbook(path, market, entries, closes, snapshot, positions); err != nil {
		return "", err
	}

	b.dispatch(ctx, market, path, fmt.Sprintf("%s daily report %s", market, day.Format("2006-01-02")))
	return path, nil
}

// BuildMonthly builds and dispatches a whole-month report: the overview
// block aggregates every day in the month, but account-state and
// open-position blocks reflect the month's last day (spec §4.10).
func (b *Builder) BuildMonthly(ctx context.Context, market models.Market, month time.Time) (string, error) {
	deps := b.deps(market)
	if deps.Journal == nil {
		return "", fmt.Errorf("report: %s journal not configured", market)
	}

	first := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, month.Location())
	last := first.AddDate(0, 1, 0).Add(-24 * time.Hour)

	entries, err := deps.Journal.ReadRange(first, last)
	if err != nil {
		return "", fmt.Errorf("report: reading month entries: %w", err)
	}
	closes, err := b.resolveCloseDetails(deps, entries, last)
	if err != nil {
		return "", fmt.Errorf("report: resolving close details: %w", err)
	}

	snapshot := b.snapshotOrNil(ctx, deps)
	positions := b.positionsOrNil(ctx, deps)

	path := filepath.Join(deps.MonthlyDir, fmt.Sprintf("%s_%s.xlsx", market, first.Format("2006-01")))
	if err := buildWorkbook(path, market, entries, closes, snapshot, positions); err != nil {
		return "", err
	}

	b.dispatch(ctx, market, path, fmt.Sprintf("%s monthly report %s", market, first.Format("2006-01")))
	return path, nil
}

func (b *Builder) snapshotOrNil(ctx context.Context, deps MarketDeps) *broker.AccountSnapshot {
	if deps.Account == nil {
		return nil
	}
	snap, err := deps.Account.AccountSnapshot(ctx)
	if err != nil {
		b.logger.Printf("report: account snapshot failed: %v", err)
		return nil
	}
	return snap
}

func (b *Builder) positionsOrNil(ctx context.Context, deps MarketDeps) []broker.PositionItem {
	if deps.Positions == nil {
		return nil
	}
	positions, err := deps.Positions.ListPositions(ctx)
	if err != nil {
		b.logger.Printf("report: list positions failed: %v", err)
		return nil
	}
	return positions
}

func (b *Builder) dispatch(ctx context.Context, market models.Market, path, caption string) {
	if b.notifier == nil {
		return
	}
	if err := b.notifier.SendDocument(ctx, "report", path, caption); err != nil {
		b.logger.Printf("report: dispatch for %s failed: %v", market, err)
	}
}

// resolveCloseDetails FIFO-matches close fills in the reporting window
// against opens, scanning back up to fifoScanback for opens that
// occurred before the window.
func (b *Builder) resolveCloseDetails(deps MarketDeps, windowEntries []journal.Entry, windowEnd time.Time) ([]closeRow, error) {
	scanStart := windowEnd.Add(-fifoScanback)
	history, err := deps.Journal.ReadRange(scanStart, windowEnd)
	if err != nil {
		return nil, err
	}
	return fifoMatch(history, windowEntries), nil
}

type closeRow struct {
	Market     models.Market
	Family     models.Family
	Symbol     string
	Direction  models.Direction
	Quantity   float64
	OpenPrice  float64
	ClosePrice float64
	RealizedPnL float64
	ClosedAt   time.Time
}

type lot struct {
	price float64
	qty   float64
}

func fifoKey(e journal.Entry) string {
	if e.Market == models.MarketTX {
		return string(e.Family) + "|" + baseSide(e.Direction)
	}
	return e.Symbol + "|" + baseSide(e.Direction)
}

func baseSide(d models.Direction) string {
	switch d {
	case models.DirectionOpenLong, models.DirectionCloseLong:
		return "long"
	case models.DirectionOpenShort, models.DirectionCloseShort:
		return "short"
	default:
		return string(d)
	}
}

// fifoMatch consumes the deal-kind entries of history (which must include
// every relevant open, even ones before the reporting window) in
// timestamp order, then reports one closeRow per (possibly partial) match
// for every close deal that falls within windowEntries.
func fifoMatch(history []journal.Entry, windowEntries []journal.Entry) []closeRow {
	inWindow := make(map[journal.Entry]bool, len(windowEntries))
	for _, e := range windowEntries {
		inWindow[e] = true
	}

	sorted := make([]journal.Entry, len(history))
	copy(sorted, history)
	sort.Slice(sorted, func(i, k int) bool { return sorted[i].FilledAt.Before(sorted[k].FilledAt) })

	queues := make(map[string][]*lot)
	var rows []closeRow

	for _, e := range sorted {
		if e.Kind != journal.KindDeal {
			continue
		}
		key := fifoKey(e)
		switch e.OC {
		case models.OCNew:
			queues[key] = append(queues[key], &lot{price: e.FillPrice, qty: e.Quantity})
		case models.OCCover:
			remaining := e.Quantity
			for remaining > 1e-9 && len(queues[key]) > 0 {
				open := queues[key][0]
				matched := remaining
				if open.qty < matched {
					matched = open.qty
				}
				if inWindow[e] {
					rows = append(rows, closeRow{
						Market:      e.Market,
						Family:      e.Family,
						Symbol:      e.Symbol,
						Direction:   e.Direction,
						Quantity:    matched,
						OpenPrice:   open.price,
						ClosePrice:  e.FillPrice,
						RealizedPnL: realizedPnL(e, open.price, matched),
						ClosedAt:    e.FilledAt,
					})
				}
				open.qty -= matched
				remaining -= matched
				if open.qty <= 1e-9 {
					queues[key] = queues[key][1:]
				}
			}
		}
	}
	return rows
}

func realizedPnL(close journal.Entry, openPrice, qty float64) float64 {
	diff := close.FillPrice - openPrice
	pointValue := close.Family.PointValue()
	if close.Market == models.MarketBTC {
		pointValue = 1
	}
	pnl := diff * qty * pointValue
	if baseSide(close.Direction) == "short" {
		pnl = -pnl
	}
	return pnl
}

func buildWorkbook(path string, market models.Market, entries []journal.Entry, closes []closeRow, snapshot *broker.AccountSnapshot, positions []broker.PositionItem) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	const sheet = "Report"
	f.SetSheetName("Sheet1", sheet)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#4472C4"}, Pattern: 1},
		Font: &excelize.Font{Bold: true, Color: "#FFFFFF"},
	})
	if err != nil {
		return fmt.Errorf("report: header style: %w", err)
	}
	subHeaderStyle, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#D9D9D9"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	if err != nil {
		return fmt.Errorf("report: sub-header style: %w", err)
	}

	row := 1
	row = writeOverview(f, sheet, headerStyle, subHeaderStyle, row, market, entries, closes)
	row++
	row = writeAccountState(f, sheet, headerStyle, subHeaderStyle, row, snapshot)
	row++
	row = writeCloseDetails(f, sheet, headerStyle, subHeaderStyle, row, closes)
	row++
	writeOpenPositions(f, sheet, headerStyle, subHeaderStyle, row, positions)

	if err := f.SetColWidth(sheet, "A", "H", 16); err != nil {
		return fmt.Errorf("report: column width: %w", err)
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("report: saving workbook: %w", err)
	}
	return nil
}

func writeOverview(f *excelize.File, sheet string, header, sub int, row int, market models.Market, entries []journal.Entry, closes []closeRow) int {
	_ = f.SetCellValue(sheet, cell(row, 1), "Overview")
	_ = f.SetCellStyle(sheet, cell(row, 1), cell(row, 1), header)
	row++

	var submitted, cancelled, filled int
	for _, e := range entries {
		switch e.Kind {
		case journal.KindOrderSubmitted:
			submitted++
		case journal.KindCancel:
			cancelled++
		case journal.KindDeal:
			filled++
		}
	}
	_ = f.SetSheetRow(sheet, cell(row, 1), &[]interface{}{"Submitted", "Cancelled", "Filled"})
	_ = f.SetCellStyle(sheet, cell(row, 1), cell(row, 3), sub)
	row++
	_ = f.SetSheetRow(sheet, cell(row, 1), &[]interface{}{submitted, cancelled, filled})
	row++

	if market == models.MarketTX {
		row = writeTXFamilyPnL(f, sheet, sub, row, closes)
	} else {
		row = writeBTCSymbolVolumes(f, sheet, sub, row, entries)
	}
	return row
}

func writeTXFamilyPnL(f *excelize.File, sheet string, sub int, row int, closes []closeRow) int {
	byFamily := map[models.Family]float64{}
	for _, c := range closes {
		if c.Market == models.MarketTX {
			byFamily[c.Family] += c.RealizedPnL
		}
	}
	_ = f.SetSheetRow(sheet, cell(row, 1), &[]interface{}{"Family", "Realized PnL"})
	_ = f.SetCellStyle(sheet, cell(row, 1), cell(row, 2), sub)
	row++
	families := make([]string, 0, len(byFamily))
	for k := range byFamily {
		families = append(families, string(k))
	}
	sort.Strings(families)
	for _, k := range families {
		_ = f.SetSheetRow(sheet, cell(row, 1), &[]interface{}{k, byFamily[models.Family(k)]})
		row++
	}
	return row
}

func writeBTCSymbolVolumes(f *excelize.File, sheet string, sub int, row int, entries []journal.Entry) int {
	type agg struct {
		volume    float64
		priceSum  float64
		fillCount int
	}
	bySymbol := map[string]*agg{}
	for _, e := range entries {
		if e.Kind != journal.KindDeal {
			continue
		}
		a, ok := bySymbol[e.Symbol]
		if !ok {
			a = &agg{}
			bySymbol[e.Symbol] = a
		}
		a.volume += e.Quantity
		a.priceSum += e.FillPrice
		a.fillCount++
	}
	_ = f.SetSheetRow(sheet, cell(row, 1), &[]interface{}{"Symbol", "Volume", "Avg Price"})
	_ = f.SetCellStyle(sheet, cell(row, 1), cell(row, 3), sub)
	row++
	symbols := make([]string, 0, len(bySymbol))
	for k := range bySymbol {
		symbols = append(symbols, k)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		a := bySymbol[sym]
		avg := 0.0
		if a.fillCount > 0 {
			avg = a.priceSum / float64(a.fillCount)
		}
		_ = f.SetSheetRow(sheet, cell(row, 1), &[]interface{}{sym, a.volume, avg})
		row++
	}
	return row
}

func writeAccountState(f *excelize.File, sheet string, header, sub int, row int, snapshot *broker.AccountSnapshot) int {
	_ = f.SetCellValue(sheet, cell(row, 1), "Account State")
	_ = f.SetCellStyle(sheet, cell(row, 1), cell(row, 1), header)
	row++
	_ = f.SetSheetRow(sheet, cell(row, 1), &[]interface{}{"Equity", "Available Cash", "Unrealized PnL", "Maintenance Req"})
	_ = f.SetCellStyle(sheet, cell(row, 1), cell(row, 4), sub)
	row++
	if snapshot != nil {
		_ = f.SetSheetRow(sheet, cell(row, 1), &[]interface{}{snapshot.Equity, snapshot.AvailableCash, snapshot.UnrealizedPnL, snapshot.MaintenanceReq})
	} else {
		_ = f.SetSheetRow(sheet, cell(row, 1), &[]interface{}{"n/a", "n/a", "n/a", "n/a"})
	}
	row++
	return row
}

func writeCloseDetails(f *excelize.File, sheet string, header, sub int, row int, closes []closeRow) int {
	_ = f.SetCellValue(sheet, cell(row, 1), "Close Details")
	_ = f.SetCellStyle(sheet, cell(row, 1), cell(row, 1), header)
	row++
	_ = f.SetSheetRow(sheet, cell(row, 1), &[]interface{}{"Symbol", "Direction", "Quantity", "Open Price", "Close Price", "Realized PnL", "Closed At"})
	_ = f.SetCellStyle(sheet, cell(row, 1), cell(row, 7), sub)
	row++
	for _, c := range closes {
		label := string(c.Family)
		if label == "" {
			label = c.Symbol
		}
		_ = f.SetSheetRow(sheet, cell(row, 1), &[]interface{}{
			label, string(c.Direction), c.Quantity, c.OpenPrice, c.ClosePrice, c.RealizedPnL, c.ClosedAt.Format(time.RFC3339),
		})
		row++
	}
	return row
}

func writeOpenPositions(f *excelize.File, sheet string, header, sub int, row int, positions []broker.PositionItem) int {
	_ = f.SetCellValue(sheet, cell(row, 1), "Open Positions")
	_ = f.SetCellStyle(sheet, cell(row, 1), cell(row, 1), header)
	row++
	_ = f.SetSheetRow(sheet, cell(row, 1), &[]interface{}{"Symbol", "Direction", "Quantity", "Entry Price", "Mark Price", "Unrealized PnL"})
	_ = f.SetCellStyle(sheet, cell(row, 1), cell(row, 6), sub)
	row++
	for _, p := range positions {
		label := string(p.Family)
		if label == "" {
			label = p.Symbol
		}
		_ = f.SetSheetRow(sheet, cell(row, 1), &[]interface{}{
			label, string(p.Direction), p.Quantity, p.EntryPrice, p.MarkPrice, p.UnrealizedPnL,
		})
		row++
	}
	return row
}

func cell(row, col int) string {
	name, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return fmt.Sprintf("A%d", row)
	}
	return name
}
