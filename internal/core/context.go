package core

import "sync"

// Context replaces the process-wide mutable globals a naive port would
// carry (spec §9): a single struct passed to every component holding the
// handful of cross-cutting locks that don't already belong to one
// package's own type (registry, rollover, and journal each guard their own
// state internally; Context adds the ones that span components, namely
// each market's login serialization and the shared shutdown signal).
// Supervisors capture a reference but never own it — Shutdown is called
// exactly once, from cmd/gateway/main.go.
type Context struct {
	// TXLoginMu serializes login/logout calls against the TX broker
	// client so the supervisor's 12-hour forced re-login and its
	// reconnect loop never race each other (spec §5).
	TXLoginMu sync.Mutex
	// BTCLoginMu is the BTC equivalent of TXLoginMu.
	BTCLoginMu sync.Mutex

	stopOnce sync.Once
	stop     chan struct{}
}

// NewContext constructs a Context ready to be handed to every component.
func NewContext() *Context {
	return &Context{stop: make(chan struct{})}
}

// Done returns the shared shutdown channel, closed exactly once by
// Shutdown. The background loops themselves stop on the signal-derived
// context cmd/gateway hands them; Done is the process-wide marker that
// shutdown has begun.
func (c *Context) Done() <-chan struct{} {
	return c.stop
}

// Shutdown signals every loop selecting on Done to stop before its next
// sleep boundary. Safe to call more than once or concurrently.
func (c *Context) Shutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
}
