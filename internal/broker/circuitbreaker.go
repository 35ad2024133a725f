package broker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/futures-gateway/internal/models"
)

// CircuitBreakerSettings configures the gobreaker.CircuitBreaker wrapping a
// Broker. Defaults favor a quick trip and a short cooldown, since a broker
// outage during trading hours must surface to the notifier fast rather
// than queue up a backlog of timed-out calls (spec §4.2, §7).
type CircuitBreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultCircuitBreakerSettings returns the gateway's production defaults.
func DefaultCircuitBreakerSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     30 * time.Second,
		Timeout:      15 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// CircuitBreakerBroker wraps any Broker with a gobreaker.CircuitBreaker so
// a string of broker failures (network blip, broker-side outage) fails
// fast instead of piling up blocked goroutines against a dead endpoint.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
	name    string
}

// NewCircuitBreakerBroker wraps broker using DefaultCircuitBreakerSettings.
func NewCircuitBreakerBroker(b Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(b, DefaultCircuitBreakerSettings())
}

// NewCircuitBreakerBrokerWithSettings wraps broker with explicit settings,
// primarily for tests that need a fast trip/reset cycle.
func NewCircuitBreakerBrokerWithSettings(b Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	st := gobreaker.Settings{
		Name:        "broker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
	}
	return &CircuitBreakerBroker{
		broker:  b,
		breaker: gobreaker.NewCircuitBreaker(st),
	}
}

// State exposes the underlying breaker's state for health reporting.
func (cb *CircuitBreakerBroker) State() gobreaker.State {
	return cb.breaker.State()
}

func execute[T any](cb *CircuitBreakerBroker, fn func() (T, error)) (T, error) {
	result, err := cb.breaker.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

func (cb *CircuitBreakerBroker) Login(ctx context.Context) error {
	_, err := execute(cb, func() (struct{}, error) { return struct{}{}, cb.broker.Login(ctx) })
	return err
}

func (cb *CircuitBreakerBroker) Logout(ctx context.Context) error {
	_, err := execute(cb, func() (struct{}, error) { return struct{}{}, cb.broker.Logout(ctx) })
	return err
}

func (cb *CircuitBreakerBroker) Probe(ctx context.Context) error {
	_, err := execute(cb, func() (struct{}, error) { return struct{}{}, cb.broker.Probe(ctx) })
	return err
}

func (cb *CircuitBreakerBroker) ListPositions(ctx context.Context) ([]PositionItem, error) {
	return execute(cb, func() ([]PositionItem, error) { return cb.broker.ListPositions(ctx) })
}

func (cb *CircuitBreakerBroker) AccountSnapshot(ctx context.Context) (*AccountSnapshot, error) {
	return execute(cb, func() (*AccountSnapshot, error) { return cb.broker.AccountSnapshot(ctx) })
}

func (cb *CircuitBreakerBroker) Quote(ctx context.Context, symbol string) (*QuoteItem, error) {
	return execute(cb, func() (*QuoteItem, error) { return cb.broker.Quote(ctx, symbol) })
}

func (cb *CircuitBreakerBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	return execute(cb, func() (*OrderResponse, error) { return cb.broker.PlaceOrder(ctx, req) })
}

func (cb *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execute(cb, func() (struct{}, error) { return struct{}{}, cb.broker.CancelOrder(ctx, orderID) })
	return err
}

func (cb *CircuitBreakerBroker) OrderStatus(ctx context.Context, orderID string) (*OrderResponse, error) {
	return execute(cb, func() (*OrderResponse, error) { return cb.broker.OrderStatus(ctx, orderID) })
}

func (cb *CircuitBreakerBroker) ServerTime(ctx context.Context) (time.Time, error) {
	return execute(cb, func() (time.Time, error) { return cb.broker.ServerTime(ctx) })
}

// SubscribeOrderEvents passes through to the wrapped broker if it supports
// push delivery; the breaker does not guard a long-lived stream the way it
// guards individual request/response calls.
func (cb *CircuitBreakerBroker) SubscribeOrderEvents(ctx context.Context) (<-chan OrderEvent, error) {
	if ps, ok := cb.broker.(PushSubscriber); ok {
		return ps.SubscribeOrderEvents(ctx)
	}
	return nil, nil
}

// ListContracts passes through to the wrapped broker, guarded by the same
// breaker, if it supports delivery-dated contract listing (TX only); see
// ContractLister. Returns an empty slice (not an error) if the wrapped
// broker has no contracts to list, e.g. BTC.
func (cb *CircuitBreakerBroker) ListContracts(ctx context.Context, family models.Family) ([]models.Contract, error) {
	lister, ok := cb.broker.(ContractLister)
	if !ok {
		return nil, nil
	}
	return execute(cb, func() ([]models.Contract, error) { return lister.ListContracts(ctx, family) })
}

var _ Broker = (*CircuitBreakerBroker)(nil)
var _ ContractLister = (*CircuitBreakerBroker)(nil)
