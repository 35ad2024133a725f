package pipeline

import (
	"context"
	"log"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/futures-gateway/internal/broker"
	"github.com/eddiefleurent/futures-gateway/internal/journal"
	"github.com/eddiefleurent/futures-gateway/internal/models"
	"github.com/eddiefleurent/futures-gateway/internal/registry"
	"github.com/eddiefleurent/futures-gateway/internal/rollover"
)

type stubBroker struct {
	positions []broker.PositionItem
	snapshot  *broker.AccountSnapshot
	quote     *broker.QuoteItem
}

func (s *stubBroker) ListPositions(_ context.Context) ([]broker.PositionItem, error) {
	return s.positions, nil
}

func (s *stubBroker) AccountSnapshot(_ context.Context) (*broker.AccountSnapshot, error) {
	return s.snapshot, nil
}

func (s *stubBroker) Quote(_ context.Context, _ string) (*broker.QuoteItem, error) {
	return s.quote, nil
}

type stubSubmitter struct {
	mu    sync.Mutex
	resp  *broker.OrderResponse
	err   error
	calls []broker.OrderRequest
}

func (s *stubSubmitter) PlaceOrderWithRetry(_ context.Context, req broker.OrderRequest) (*broker.OrderResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

type fakeContractLister struct {
	contracts map[models.Family][]models.Contract
}

func (f *fakeContractLister) ListContracts(_ context.Context, family models.Family) ([]models.Contract, error) {
	return f.contracts[family], nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) Notify(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func newTestRollover(t *testing.T) *rollover.Engine {
	t.Helper()
	farDelivery := time.Now().AddDate(0, 2, 0)
	lister := &fakeContractLister{contracts: map[models.Family][]models.Contract{
		models.FamilyTXF: {
			{Code: "TXFH6", Family: models.FamilyTXF, DeliveryDate: farDelivery, IsR1: true},
			{Code: "TXFJ6", Family: models.FamilyTXF, DeliveryDate: farDelivery.AddDate(0, 1, 0), IsR2: true},
		},
	}}
	e := rollover.New(lister, &fakeNotifier{}, log.Default(), []models.Family{models.FamilyTXF})
	require.NoError(t, e.Refresh(context.Background(), time.Now()))
	return e
}

func newTestPipeline(t *testing.T, txBroker *stubBroker, txSubmit *stubSubmitter, notifier *fakeNotifier) (*Pipeline, *journal.Journal, *registry.Registry) {
	t.Helper()
	j, err := journal.New(t.TempDir())
	require.NoError(t, err)
	reg, err := registry.New(t.TempDir())
	require.NoError(t, err)

	roll := newTestRollover(t)

	p := New(
		MarketDeps{Broker: txBroker, Submit: txSubmit, Journal: j},
		MarketDeps{},
		nil, // no calendar gate in these tests
		roll,
		reg,
		notifier,
		log.Default(),
		Config{BTCRiskPct: 0.1, BTCLeverage: 5, BTCMinLot: 0.001},
	)
	return p, j, reg
}

func TestPipeline_DuplicateSignalWithinWindowIsIgnored(t *testing.T) {
	txBroker := &stubBroker{}
	submitter := &stubSubmitter{resp: &broker.OrderResponse{OrderID: "ord-1"}}
	notifier := &fakeNotifier{}
	p, _, _ := newTestPipeline(t, txBroker, submitter, notifier)

	sig := models.Signal{TradeID: "trade-1", Market: models.MarketTX, RawDirection: "開多", TX: models.TXQuantities{TXF: 1}}

	results1, err := p.Process(context.Background(), sig)
	require.NoError(t, err)
	require.Len(t, results1, 1)
	assert.True(t, results1[0].Accepted)

	results2, err := p.Process(context.Background(), sig)
	require.NoError(t, err)
	require.Len(t, results2, 1)
	assert.False(t, results2[0].Accepted)
	assert.Equal(t, "duplicate signal ignored", results2[0].Message)

	assert.Len(t, submitter.calls, 1, "the duplicate must never reach the broker")
}

func TestPipeline_OpenRejectsWhenOppositePositionExists(t *testing.T) {
	txBroker := &stubBroker{positions: []broker.PositionItem{
		{Family: models.FamilyTXF, Direction: models.DirectionOpenShort, Quantity: 1},
	}}
	submitter := &stubSubmitter{resp: &broker.OrderResponse{OrderID: "ord-2"}}
	notifier := &fakeNotifier{}
	p, _, _ := newTestPipeline(t, txBroker, submitter, notifier)

	sig := models.Signal{TradeID: "trade-2", Market: models.MarketTX, RawDirection: "開多", TX: models.TXQuantities{TXF: 1}}

	results, err := p.Process(context.Background(), sig)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Accepted)
	assert.Empty(t, submitter.calls, "an opening order must never be submitted over an opposite position")
}

func TestPipeline_CloseRejectsWhenNoMatchingPosition(t *testing.T) {
	txBroker := &stubBroker{} // no positions at all
	submitter := &stubSubmitter{resp: &broker.OrderResponse{OrderID: "ord-3"}}
	notifier := &fakeNotifier{}
	p, _, _ := newTestPipeline(t, txBroker, submitter, notifier)

	sig := models.Signal{TradeID: "trade-3", Market: models.MarketTX, RawDirection: "平多", TX: models.TXQuantities{TXF: 1}}

	results, err := p.Process(context.Background(), sig)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Accepted)
	assert.Empty(t, submitter.calls)
}

func TestPipeline_TXSubmitsToActiveRolloverContract(t *testing.T) {
	txBroker := &stubBroker{}
	submitter := &stubSubmitter{resp: &broker.OrderResponse{OrderID: "ord-4"}}
	notifier := &fakeNotifier{}
	p, j, reg := newTestPipeline(t, txBroker, submitter, notifier)

	sig := models.Signal{TradeID: "trade-4", Market: models.MarketTX, RawDirection: "開多", TX: models.TXQuantities{TXF: 2}}
	results, err := p.Process(context.Background(), sig)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Accepted)
	assert.Equal(t, "ord-4", results[0].OrderID)

	require.Len(t, submitter.calls, 1)
	assert.Equal(t, models.FamilyTXF, submitter.calls[0].Family)
	assert.Equal(t, models.SideBuy, submitter.calls[0].Side)
	assert.Equal(t, models.OCNew, submitter.calls[0].OC)
	assert.Equal(t, 2.0, submitter.calls[0].Quantity)

	meta, ok := reg.Get("ord-4")
	require.True(t, ok)
	assert.Equal(t, models.MarketTX, meta.Market)

	entries, err := j.ReadDay(time.Now())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, journal.KindOrderSubmitted, entries[0].Kind)
}

func TestPipeline_BTCSizesQuantityFromRiskWhenUnspecified(t *testing.T) {
	btcBroker := &stubBroker{
		snapshot: &broker.AccountSnapshot{AvailableCash: 10000},
		quote:    &broker.QuoteItem{Last: 50000},
	}
	submitter := &stubSubmitter{resp: &broker.OrderResponse{OrderID: "ord-5"}}
	notifier := &fakeNotifier{}

	j, err := journal.New(t.TempDir())
	require.NoError(t, err)
	reg, err := registry.New(t.TempDir())
	require.NoError(t, err)
	roll := newTestRollover(t)

	p := New(
		MarketDeps{},
		MarketDeps{Broker: btcBroker, Submit: submitter, Journal: j},
		nil,
		roll,
		reg,
		notifier,
		log.Default(),
		Config{BTCRiskPct: 0.1, BTCLeverage: 5, BTCMinLot: 0.001},
	)

	sig := models.Signal{TradeID: "trade-5", Market: models.MarketBTC, RawDirection: "long", Symbol: "BTCUSDT"}
	results, err := p.Process(context.Background(), sig)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Accepted)

	require.Len(t, submitter.calls, 1)
	raw := 10000.0 * 0.1 * 5.0 / 50000.0
	expected := math.Floor(raw/0.001) * 0.001
	assert.InDelta(t, expected, submitter.calls[0].Quantity, 1e-12)
	assert.Greater(t, submitter.calls[0].Quantity, 0.0)
}

func TestPipeline_UnrecognizedDirectionIsRejectedWithoutSubmission(t *testing.T) {
	txBroker := &stubBroker{}
	submitter := &stubSubmitter{resp: &broker.OrderResponse{OrderID: "ord-6"}}
	notifier := &fakeNotifier{}
	p, _, _ := newTestPipeline(t, txBroker, submitter, notifier)

	sig := models.Signal{TradeID: "trade-6", Market: models.MarketTX, RawDirection: "sideways", TX: models.TXQuantities{TXF: 1}}
	results, err := p.Process(context.Background(), sig)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Accepted)
	assert.Empty(t, submitter.calls)
	assert.Positive(t, notifier.count(), "a rejection must still notify")
}
