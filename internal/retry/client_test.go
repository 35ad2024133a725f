package retry

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/futures-gateway/internal/broker"
)

type mockBroker struct {
	mock.Mock
}

func (m *mockBroker) Login(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *mockBroker) Logout(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *mockBroker) Probe(ctx context.Context) error  { return m.Called(ctx).Error(0) }
func (m *mockBroker) ListPositions(ctx context.Context) ([]broker.PositionItem, error) {
	args := m.Called(ctx)
	items, _ := args.Get(0).([]broker.PositionItem)
	return items, args.Error(1)
}
func (m *mockBroker) AccountSnapshot(ctx context.Context) (broker.AccountSnapshot, error) {
	args := m.Called(ctx)
	snap, _ := args.Get(0).(broker.AccountSnapshot)
	return snap, args.Error(1)
}
func (m *mockBroker) Quote(ctx context.Context, symbol string) (broker.QuoteItem, error) {
	args := m.Called(ctx, symbol)
	q, _ := args.Get(0).(broker.QuoteItem)
	return q, args.Error(1)
}
func (m *mockBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*broker.OrderResponse)
	return resp, args.Error(1)
}
func (m *mockBroker) CancelOrder(ctx context.Context, orderID string) error {
	return m.Called(ctx, orderID).Error(0)
}
func (m *mockBroker) OrderStatus(ctx context.Context, orderID string) (*broker.OrderResponse, error) {
	args := m.Called(ctx, orderID)
	resp, _ := args.Get(0).(*broker.OrderResponse)
	return resp, args.Error(1)
}
func (m *mockBroker) ServerTime(ctx context.Context) (time.Time, error) {
	args := m.Called(ctx)
	t, _ := args.Get(0).(time.Time)
	return t, args.Error(1)
}

func testLogger() *log.Logger {
	return log.New(discardWriter{}, "", 0)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestPlaceOrderWithRetry_SucceedsFirstTry(t *testing.T) {
	mb := &mockBroker{}
	mb.On("PlaceOrder", mock.Anything, mock.Anything).Return(&broker.OrderResponse{OrderID: "1"}, nil).Once()

	c := NewClient(mb, testLogger(), Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond, Timeout: time.Second})
	resp, err := c.PlaceOrderWithRetry(context.Background(), broker.OrderRequest{ClientID: "x"})
	require.NoError(t, err)
	assert.Equal(t, "1", resp.OrderID)
	mb.AssertExpectations(t)
}

func TestPlaceOrderWithRetry_RetriesOnTransientThenSucceeds(t *testing.T) {
	mb := &mockBroker{}
	mb.On("PlaceOrder", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset by peer")).Once()
	mb.On("PlaceOrder", mock.Anything, mock.Anything).Return(&broker.OrderResponse{OrderID: "2"}, nil).Once()

	c := NewClient(mb, testLogger(), Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond, Timeout: time.Second})
	resp, err := c.PlaceOrderWithRetry(context.Background(), broker.OrderRequest{ClientID: "x"})
	require.NoError(t, err)
	assert.Equal(t, "2", resp.OrderID)
	mb.AssertExpectations(t)
}

func TestPlaceOrderWithRetry_DoesNotRetryNonTransient(t *testing.T) {
	mb := &mockBroker{}
	mb.On("PlaceOrder", mock.Anything, mock.Anything).Return(nil, errors.New("insufficient margin")).Once()

	c := NewClient(mb, testLogger(), Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond, Timeout: time.Second})
	_, err := c.PlaceOrderWithRetry(context.Background(), broker.OrderRequest{ClientID: "x"})
	require.Error(t, err)
	mb.AssertNumberOfCalls(t, "PlaceOrder", 1)
}

func TestPlaceOrderWithRetry_ExhaustsRetriesAndReturnsLastError(t *testing.T) {
	mb := &mockBroker{}
	mb.On("PlaceOrder", mock.Anything, mock.Anything).Return(nil, errors.New("503 service unavailable"))

	c := NewClient(mb, testLogger(), Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Timeout: time.Second})
	_, err := c.PlaceOrderWithRetry(context.Background(), broker.OrderRequest{ClientID: "x"})
	require.Error(t, err)
	mb.AssertNumberOfCalls(t, "PlaceOrder", 3)
}

func TestCancelOrderWithRetry_RetriesTransient(t *testing.T) {
	mb := &mockBroker{}
	mb.On("CancelOrder", mock.Anything, "o1").Return(errors.New("timeout")).Once()
	mb.On("CancelOrder", mock.Anything, "o1").Return(nil).Once()

	c := NewClient(mb, testLogger(), Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Timeout: time.Second})
	err := c.CancelOrderWithRetry(context.Background(), "o1")
	require.NoError(t, err)
	mb.AssertExpectations(t)
}

func TestCalculateNextBackoff_CapsAtMaxBackoff(t *testing.T) {
	c := NewClient(&mockBroker{}, testLogger(), Config{MaxRetries: 1, InitialBackoff: time.Second, MaxBackoff: 2 * time.Second, Timeout: time.Minute})
	b := c.calculateNextBackoff(5 * time.Second)
	assert.LessOrEqual(t, b, 2*time.Second+500*time.Millisecond)
}

func TestIsTransientError(t *testing.T) {
	c := NewClient(&mockBroker{}, testLogger())
	assert.True(t, c.isTransientError(errors.New("dial tcp: i/o timeout")))
	assert.True(t, c.isTransientError(errors.New("HTTP 429 rate limit exceeded")))
	assert.False(t, c.isTransientError(errors.New("order rejected: insufficient margin")))
	assert.False(t, c.isTransientError(nil))
}
