package broker

import (
	"fmt"

	"github.com/eddiefleurent/futures-gateway/internal/core"
)

// APIError wraps a broker's native error response with the HTTP status
// and op-code the gateway needs to classify it (spec §7: transient vs
// business vs auth).
type APIError struct {
	Market  string
	Op      string
	Status  int
	Code    string
	Message string
	Err     error // sentinel from internal/core, or nil for an unclassified business error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: status=%d code=%s: %s", e.Market, e.Op, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: status=%d: %s", e.Market, e.Op, e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyHTTPStatus maps an HTTP status code to the sentinel used to
// decide whether a call is worth retrying (spec §7).
func classifyHTTPStatus(status int) error {
	switch {
	case status == 401 || status == 403:
		return core.ErrAuthFailed
	case status >= 500, status == 429, status == 0:
		return core.ErrNetwork
	default:
		return core.ErrBrokerBusiness
	}
}

// newAPIError builds an APIError with the sentinel pre-classified from the
// HTTP status, so callers can errors.Is it without re-deriving the mapping.
func newAPIError(market, op string, status int, code, message string) *APIError {
	return &APIError{
		Market:  market,
		Op:      op,
		Status:  status,
		Code:    code,
		Message: message,
		Err:     classifyHTTPStatus(status),
	}
}
