package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/eddiefleurent/futures-gateway/internal/journal"
	"github.com/eddiefleurent/futures-gateway/internal/models"
)

func mustDeal(t *testing.T, day string, oc models.OC, dir models.Direction, price, qty float64) journal.Entry {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, day)
	require.NoError(t, err)
	return journal.Entry{
		Kind:      journal.KindDeal,
		Market:    models.MarketTX,
		Family:    models.FamilyTXF,
		OC:        oc,
		Direction: dir,
		Quantity:  qty,
		FillPrice: price,
		FilledAt:  ts,
	}
}

// TestFifoMatch_TwoLotPartialClose is the worked example from spec §8
// property 8: opens [O1@100 q=2, O2@110 q=1], close C@120 q=2 yields
// realized PnL (120-100)*2*200 = 8000; a subsequent close C@130 q=1
// against the remainder of O2 yields (130-110)*1*200 = 4000.
func TestFifoMatch_TwoLotPartialClose(t *testing.T) {
	o1 := mustDeal(t, "2026-01-05T09:00:00Z", models.OCNew, models.DirectionOpenLong, 100, 2)
	o2 := mustDeal(t, "2026-01-05T09:05:00Z", models.OCNew, models.DirectionOpenLong, 110, 1)
	c1 := mustDeal(t, "2026-01-05T10:00:00Z", models.OCCover, models.DirectionCloseLong, 120, 2)
	c2 := mustDeal(t, "2026-01-06T10:00:00Z", models.OCCover, models.DirectionCloseLong, 130, 1)

	history := []journal.Entry{o1, o2, c1, c2}

	rowsDay1 := fifoMatch(history, []journal.Entry{o1, o2, c1})
	require.Len(t, rowsDay1, 1)
	assert.InDelta(t, 8000, rowsDay1[0].RealizedPnL, 1e-9)
	assert.Equal(t, 100.0, rowsDay1[0].OpenPrice)
	assert.Equal(t, 120.0, rowsDay1[0].ClosePrice)
	assert.Equal(t, 2.0, rowsDay1[0].Quantity)

	rowsDay2 := fifoMatch(history, []journal.Entry{c2})
	require.Len(t, rowsDay2, 1)
	assert.InDelta(t, 4000, rowsDay2[0].RealizedPnL, 1e-9)
	assert.Equal(t, 110.0, rowsDay2[0].OpenPrice)
	assert.Equal(t, 130.0, rowsDay2[0].ClosePrice)
	assert.Equal(t, 1.0, rowsDay2[0].Quantity)
}

func TestFifoMatch_ShortCloseNegatesPnL(t *testing.T) {
	o1 := mustDeal(t, "2026-01-05T09:00:00Z", models.OCNew, models.DirectionOpenShort, 100, 1)
	c1 := mustDeal(t, "2026-01-05T10:00:00Z", models.OCCover, models.DirectionCloseShort, 90, 1)

	rows := fifoMatch([]journal.Entry{o1, c1}, []journal.Entry{o1, c1})
	require.Len(t, rows, 1)
	// Closing a short at a lower price is profitable: (90-100)*1*200 negated = 2000.
	assert.InDelta(t, 2000, rows[0].RealizedPnL, 1e-9)
}

func TestFifoMatch_OnlyReportsClosesWithinWindow(t *testing.T) {
	o1 := mustDeal(t, "2026-01-05T09:00:00Z", models.OCNew, models.DirectionOpenLong, 100, 1)
	c1 := mustDeal(t, "2026-01-06T10:00:00Z", models.OCCover, models.DirectionCloseLong, 120, 1)

	// c1 is in history (needed to consume the open lot) but not in the
	// reporting window, so it must not appear in the result.
	rows := fifoMatch([]journal.Entry{o1, c1}, []journal.Entry{o1})
	assert.Empty(t, rows)
}

func TestFifoMatch_BTCUsesUnitPointValue(t *testing.T) {
	o1 := journal.Entry{
		Kind: journal.KindDeal, Market: models.MarketBTC, Symbol: "BTCUSDT",
		OC: models.OCNew, Direction: models.DirectionOpenLong,
		Quantity: 0.5, FillPrice: 50000,
		FilledAt: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC),
	}
	c1 := journal.Entry{
		Kind: journal.KindDeal, Market: models.MarketBTC, Symbol: "BTCUSDT",
		OC: models.OCCover, Direction: models.DirectionCloseLong,
		Quantity: 0.5, FillPrice: 51000,
		FilledAt: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC),
	}

	rows := fifoMatch([]journal.Entry{o1, c1}, []journal.Entry{o1, c1})
	require.Len(t, rows, 1)
	assert.InDelta(t, 500, rows[0].RealizedPnL, 1e-9) // (51000-50000)*0.5*1
}

func TestResolveCloseDetails_ScansBackAcrossDays(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.New(dir, "TXtrades")
	require.NoError(t, err)

	open := mustDeal(t, "2026-01-01T09:00:00Z", models.OCNew, models.DirectionOpenLong, 100, 1)
	require.NoError(t, j.Append(open))

	closeEntry := mustDeal(t, "2026-01-05T10:00:00Z", models.OCCover, models.DirectionCloseLong, 120, 1)
	require.NoError(t, j.Append(closeEntry))

	b := &Builder{}
	deps := MarketDeps{Journal: j}
	windowEntries, err := j.ReadDay(closeEntry.FilledAt)
	require.NoError(t, err)

	rows, err := b.resolveCloseDetails(deps, windowEntries, closeEntry.FilledAt)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.InDelta(t, 4000, rows[0].RealizedPnL, 1e-9)
}

// TestWriteTXFamilyPnL_SumsRealizedPnLByFamily guards against the
// Overview block's per-family PnL column silently reporting zero: it must
// sum each closeRow's RealizedPnL grouped by Family, not the raw deal
// entries (which carry no realized-PnL field at all).
func TestWriteTXFamilyPnL_SumsRealizedPnLByFamily(t *testing.T) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	const sheet = "Sheet1"

	closes := []closeRow{
		{Market: models.MarketTX, Family: models.FamilyTXF, RealizedPnL: 8000},
		{Market: models.MarketTX, Family: models.FamilyTXF, RealizedPnL: 4000},
		{Market: models.MarketTX, Family: models.FamilyMXF, RealizedPnL: -1500},
		{Market: models.MarketBTC, Family: "", RealizedPnL: 999}, // must not leak into a TX-only report
	}

	writeTXFamilyPnL(f, sheet, 0, 1, closes)

	// Header occupies row 1; families are written in sorted order, so MXF
	// (row 2) precedes TXF (row 3).
	mxf, err := f.GetCellValue(sheet, "B2")
	require.NoError(t, err)
	txf, err := f.GetCellValue(sheet, "B3")
	require.NoError(t, err)
	assert.Equal(t, "-1500", mxf)
	assert.Equal(t, "12000", txf)
}
