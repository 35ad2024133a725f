package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/futures-gateway/internal/models"
)

// stubBroker is a minimal Broker used to drive CircuitBreakerBroker without
// a live network dependency.
type stubBroker struct {
	callCount  int
	shouldFail bool
	failAfter  int
}

func (s *stubBroker) fail() error {
	s.callCount++
	if s.shouldFail && s.callCount > s.failAfter {
		return errors.New("stub broker error")
	}
	return nil
}

func (s *stubBroker) Login(context.Context) error  { return s.fail() }
func (s *stubBroker) Logout(context.Context) error { return s.fail() }
func (s *stubBroker) Probe(context.Context) error  { return s.fail() }

func (s *stubBroker) ListPositions(context.Context) ([]PositionItem, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	return []PositionItem{}, nil
}

func (s *stubBroker) AccountSnapshot(context.Context) (*AccountSnapshot, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	return &AccountSnapshot{Equity: 1000}, nil
}

func (s *stubBroker) Quote(_ context.Context, symbol string) (*QuoteItem, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	return &QuoteItem{Symbol: symbol, Last: 100.0}, nil
}

func (s *stubBroker) PlaceOrder(context.Context, OrderRequest) (*OrderResponse, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	return &OrderResponse{OrderID: "123", State: models.OrderStateSubmitted}, nil
}

func (s *stubBroker) CancelOrder(context.Context, string) error { return s.fail() }

func (s *stubBroker) OrderStatus(_ context.Context, orderID string) (*OrderResponse, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	return &OrderResponse{OrderID: orderID, State: models.OrderStateFilled}, nil
}

func (s *stubBroker) ServerTime(context.Context) (time.Time, error) {
	if err := s.fail(); err != nil {
		return time.Time{}, err
	}
	return time.Now(), nil
}

func TestNewCircuitBreakerBroker(t *testing.T) {
	stub := &stubBroker{}
	cb := NewCircuitBreakerBroker(stub)
	require.NotNil(t, cb)
	assert.Same(t, stub, cb.broker)
	assert.NotNil(t, cb.breaker)
}

func TestCircuitBreakerBroker_SuccessfulCalls(t *testing.T) {
	stub := &stubBroker{}
	cb := NewCircuitBreakerBroker(stub)

	snap, err := cb.AccountSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1000.0, snap.Equity)

	quote, err := cb.Quote(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", quote.Symbol)
}

func TestCircuitBreakerBroker_TripsOnFailureBurst(t *testing.T) {
	stub := &stubBroker{shouldFail: true, failAfter: 3}
	settings := CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     10 * time.Millisecond,
		Timeout:      20 * time.Millisecond,
		MinRequests:  1,
		FailureRatio: 0.5,
	}
	cb := NewCircuitBreakerBrokerWithSettings(stub, settings)

	for i := 0; i < 8; i++ {
		_, _ = cb.AccountSnapshot(context.Background())
	}

	assert.Equal(t, gobreaker.StateOpen, cb.State())
}

func TestCircuitBreakerBroker_OpenStateShortCircuits(t *testing.T) {
	stub := &stubBroker{shouldFail: true, failAfter: 0}
	settings := CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Second,
		Timeout:      time.Minute,
		MinRequests:  1,
		FailureRatio: 0.1,
	}
	cb := NewCircuitBreakerBrokerWithSettings(stub, settings)

	for i := 0; i < 5; i++ {
		_, _ = cb.AccountSnapshot(context.Background())
	}
	require.Equal(t, gobreaker.StateOpen, cb.State())

	callsBefore := stub.callCount
	_, err := cb.AccountSnapshot(context.Background())
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, callsBefore, stub.callCount, "open breaker must not forward the call")
}
