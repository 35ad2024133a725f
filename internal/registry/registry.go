// Package registry implements the Order Registry (spec §4.4): the
// gateway's own record of every order it has submitted, keyed by broker
// order id, so a late callback or a polling-fallback read can be
// interpreted without re-querying the broker for context.
package registry

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/eddiefleurent/futures-gateway/internal/models"
	"github.com/eddiefleurent/futures-gateway/internal/storage"
)

// Registry is a concurrent, disk-backed map from broker order id to the
// metadata the Lifecycle Tracker needs to resolve a terminal event: which
// market, which family/symbol, oc type, and whether it was a manual
// (non-webhook) order.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]models.RegistryMeta
	file *storage.AtomicFile
}

// document is the on-disk shape: a flat list, since map key order is not
// stable across json.Marshal calls and a list is easier to append-scan
// when recovering from a partially written file.
type document struct {
	Orders []models.RegistryMeta `json:"orders"`
}

// New creates a Registry persisted at dir/order_mapping.json, loading any
// existing state.
func New(dir string) (*Registry, error) {
	af, err := storage.NewAtomicFile(filepath.Join(dir, "order_mapping.json"))
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	r := &Registry{byID: make(map[string]models.RegistryMeta), file: af}
	if af.Exists() {
		var doc document
		if err := af.ReadJSON(&doc); err != nil {
			return nil, fmt.Errorf("registry: loading %s: %w", af.Path(), err)
		}
		for _, m := range doc.Orders {
			r.byID[m.OrderID] = m
		}
	}
	return r, nil
}

// Put records a newly submitted order's metadata, persisting immediately
// so a crash right after submission does not lose the registry entry a
// later callback needs.
func (r *Registry) Put(meta models.RegistryMeta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[meta.OrderID] = meta
	return r.saveLocked()
}

// Get looks up an order's metadata by broker order id. The second return
// value is false on a registry miss, e.g. after a restart lost this
// process's in-memory/disk state for an order still in flight at the
// broker. The Lifecycle Tracker, the only caller, does not treat a miss
// as an automatic no-op: it reconstructs metadata from the trade journal
// or live positions first, per spec §4.4, and only drops the event if
// that reconstruction instead finds the order already reached a terminal
// journal entry (spec §4.6's idempotency rule).
func (r *Registry) Get(orderID string) (models.RegistryMeta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[orderID]
	return m, ok
}

// Delete removes an order's metadata once its lifecycle has reached a
// terminal state and been fully processed (fill recorded in the journal,
// notification sent), keeping the registry bounded to in-flight orders.
func (r *Registry) Delete(orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[orderID]; !ok {
		return nil
	}
	delete(r.byID, orderID)
	return r.saveLocked()
}

// InFlight returns the order ids of every order still tracked, for the
// polling fallback to iterate over.
func (r *Registry) InFlight() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	return ids
}

// Reconcile replaces the registry's contents with live (e.g. the broker's
// open orders) and persists the result. Nothing in the gateway calls it:
// New returns an error on a corrupt file rather than rebuilding from the
// broker.
func (r *Registry) Reconcile(live []models.RegistryMeta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[string]models.RegistryMeta, len(live))
	for _, m := range live {
		r.byID[m.OrderID] = m
	}
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	doc := document{Orders: make([]models.RegistryMeta, 0, len(r.byID))}
	for _, m := range r.byID {
		doc.Orders = append(doc.Orders, m)
	}
	return r.file.WriteJSON(doc)
}
