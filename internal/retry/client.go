// Package retry provides exponential-backoff retry logic for broker
// operations, shared by both the TX and BTC adapters.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/eddiefleurent/futures-gateway/internal/broker"
)

// Config contains retry configuration parameters.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig provides sensible defaults for retry operations.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client wraps a broker.Broker with retry logic for order submission and
// cancellation.
type Client struct {
	broker broker.Broker
	logger *log.Logger
	config Config
}

// NewClient creates a new retry client with the given broker and optional
// config override.
func NewClient(b broker.Broker, logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.Default()
	}

	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}

	return &Client{broker: b, logger: logger, config: cfg}
}

// PlaceOrderWithRetry submits req, retrying transient broker/network
// failures with exponential backoff and jitter. A business rejection
// (core.ErrBrokerBusiness) is never retried — retrying a rejected order
// would duplicate it (spec §7).
func (c *Client) PlaceOrderWithRetry(ctx context.Context, req broker.OrderRequest) (*broker.OrderResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		select {
		case <-callCtx.Done():
			return nil, fmt.Errorf("place order timed out after %v: %w", c.config.Timeout, callCtx.Err())
		default:
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("operation canceled: %w", ctx.Err())
		}

		c.logger.Printf("place order attempt %d/%d (client_id=%s)", attempt+1, c.config.MaxRetries+1, req.ClientID)
		resp, err := c.broker.PlaceOrder(callCtx, req)
		if err == nil {
			c.logger.Printf("order placed successfully on attempt %d: %s", attempt+1, resp.OrderID)
			return resp, nil
		}

		lastErr = err
		c.logger.Printf("place order attempt %d failed: %v", attempt+1, err)

		if c.isTransientError(err) && attempt < c.config.MaxRetries {
			c.logger.Printf("transient error, retrying in %v", backoff)
			select {
			case <-time.After(backoff):
				backoff = c.calculateNextBackoff(backoff)
			case <-callCtx.Done():
				return nil, fmt.Errorf("place order timed out during backoff: %w", callCtx.Err())
			case <-ctx.Done():
				return nil, fmt.Errorf("operation canceled during backoff: %w", ctx.Err())
			}
			continue
		}
		break
	}

	return nil, fmt.Errorf("failed to place order after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// CancelOrderWithRetry cancels orderID, retrying transient failures the
// same way PlaceOrderWithRetry does.
func (c *Client) CancelOrderWithRetry(ctx context.Context, orderID string) error {
	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		}

		err := c.broker.CancelOrder(callCtx, orderID)
		if err == nil {
			return nil
		}
		lastErr = err

		if c.isTransientError(err) && attempt < c.config.MaxRetries {
			select {
			case <-time.After(backoff):
				backoff = c.calculateNextBackoff(backoff)
			case <-callCtx.Done():
				return fmt.Errorf("cancel order timed out during backoff: %w", callCtx.Err())
			case <-ctx.Done():
				return fmt.Errorf("operation canceled during backoff: %w", ctx.Err())
			}
			continue
		}
		break
	}

	return fmt.Errorf("failed to cancel order %s after %d attempts: %w", orderID, c.config.MaxRetries+1, lastErr)
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.Printf("failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

func (c *Client) isTransientError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"i/o timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"temporarily unavailable",
		"server error",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
		"network",
		"dns",
		"tcp",
		"no such host",
		"deadline exceeded",
		"tls handshake",
		"broken pipe",
		"eof",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
