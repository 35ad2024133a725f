// Package rollover implements the Rollover Engine (spec §4.7): the
// component that decides whether newly placed TX orders should target the
// current-month (R1) or next-month (R2) contract during the pre-delivery
// window, and exclusively owns that transition.
package rollover

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/eddiefleurent/futures-gateway/internal/models"
)

// ContractLister is the subset of broker.Broker the engine needs to
// refresh its view of available contracts per family.
type ContractLister interface {
	ListContracts(ctx context.Context, family models.Family) ([]models.Contract, error)
}

// Notifier is the one-shot "rollover started" dispatch side-effect (spec
// §4.7), satisfied by notify.Notifier.
type Notifier interface {
	Notify(text string)
}

// State is a read-only snapshot of the engine's current rollover decision
// (spec §3's Rollover state), safe to copy and read without holding any
// lock.
type State struct {
	Active               bool
	StartedOn            time.Time
	NextMonthContracts    map[models.Family]models.Contract
	CurrentMonthContracts map[models.Family]models.Contract
}

// Engine computes and exclusively mutates rollover state; every other
// component only reads lock-free Snapshot()s (spec §3 ownership rule).
type Engine struct {
	lister   ContractLister
	notifier Notifier
	logger   *log.Logger
	families []models.Family

	mu    sync.RWMutex
	state State
}

// New constructs a rollover Engine that tracks the given TX contract
// families (typically TXF, MXF, TMF).
func New(lister ContractLister, notifier Notifier, logger *log.Logger, families []models.Family) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		lister:   lister,
		notifier: notifier,
		logger:   logger,
		families: families,
		state: State{
			NextMonthContracts:    make(map[models.Family]models.Contract),
			CurrentMonthContracts: make(map[models.Family]models.Contract),
		},
	}
}

// Snapshot returns a lock-free copy of the current rollover state for
// readers (spec §3: "everyone else reads it").
func (e *Engine) Snapshot() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.state
	s.NextMonthContracts = cloneContracts(e.state.NextMonthContracts)
	s.CurrentMonthContracts = cloneContracts(e.state.CurrentMonthContracts)
	return s
}

// ActiveContract returns the contract the Signal Pipeline should route an
// order to for family: the next-month contract while rollover is active,
// otherwise the current-month (R1) contract (spec §4.5 step 4).
func (e *Engine) ActiveContract(family models.Family) (models.Contract, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state.Active {
		c, ok := e.state.NextMonthContracts[family]
		if ok {
			return c, true
		}
	}
	c, ok := e.state.CurrentMonthContracts[family]
	return c, ok
}

// Refresh recomputes nearest delivery / in-window status and transitions
// state if needed, then refreshes the contract references. Called once at
// gateway startup and from the daily 00:05 tick (spec §4.7).
func (e *Engine) Refresh(ctx context.Context, now time.Time) error {
	currents := make(map[models.Family]models.Contract, len(e.families))
	nexts := make(map[models.Family]models.Contract, len(e.families))

	for _, fam := range e.families {
		contracts, err := e.lister.ListContracts(ctx, fam)
		if err != nil {
			return err
		}
		sorted := append([]models.Contract(nil), contracts...)
		sort.Sort(models.ByDeliveryDate(sorted))

		cur, next, ok := pickR1R2(sorted)
		if !ok {
			continue
		}
		currents[fam] = cur
		if next != nil {
			nexts[fam] = *next
		}
	}

	nearest := nearestDelivery(currents)
	if nearest.IsZero() {
		return nil
	}

	inWindow := computeInWindow(now, nearest)

	e.mu.Lock()
	wasActive := e.state.Active
	e.state.CurrentMonthContracts = currents
	if inWindow && !wasActive {
		e.state.Active = true
		e.state.StartedOn = now
		e.state.NextMonthContracts = nexts
	} else if !inWindow && wasActive {
		e.state.Active = false
		if !now.Before(nearest) {
			// Past delivery: invalidate so callers see the newly current
			// contract rather than a stale reference (spec §4.7).
			e.state.NextMonthContracts = make(map[models.Family]models.Contract)
		}
	} else if inWindow {
		e.state.NextMonthContracts = nexts
	}
	becameActive := !wasActive && e.state.Active
	e.mu.Unlock()

	if becameActive {
		e.logger.Printf("rollover: entering pre-delivery window, nearest_delivery=%s", nearest.Format("2006-01-02"))
		if e.notifier != nil {
			e.notifier.Notify("Rollover started: targeting next-month contracts ahead of delivery on " + nearest.Format("2006-01-02"))
		}
	}
	return nil
}

// pickR1R2 returns (current-month, next-month, ok) from a delivery-date
// ascending list: prefer contracts explicitly flagged IsR1/IsR2, falling
// back to the first two entries if the broker didn't flag them (spec §4.7:
// "R2 for each family; fall back to second-earliest delivery").
func pickR1R2(sorted []models.Contract) (models.Contract, *models.Contract, bool) {
	if len(sorted) == 0 {
		return models.Contract{}, nil, false
	}
	var r1 *models.Contract
	var r2 *models.Contract
	for i := range sorted {
		c := sorted[i]
		if c.IsR1 && r1 == nil {
			r1 = &sorted[i]
		}
		if c.IsR2 && r2 == nil {
			r2 = &sorted[i]
		}
	}
	if r1 == nil {
		r1 = &sorted[0]
	}
	if r2 == nil && len(sorted) > 1 {
		r2 = &sorted[1]
	}
	return *r1, r2, true
}

func nearestDelivery(currents map[models.Family]models.Contract) time.Time {
	var nearest time.Time
	for _, c := range currents {
		if nearest.IsZero() || c.DeliveryDate.Before(nearest) {
			nearest = c.DeliveryDate
		}
	}
	return nearest
}

// computeInWindow implements spec §4.7's in_window predicate: the window
// opens on nearest_delivery - 1 day and then holds while
// today < nearest_delivery, OR (today == nearest_delivery AND hour < 15).
func computeInWindow(now, nearestDelivery time.Time) bool {
	today := truncateDay(now)
	deliveryDay := truncateDay(nearestDelivery)
	if today.Before(deliveryDay.AddDate(0, 0, -1)) {
		return false
	}
	if today.Before(deliveryDay) {
		return true
	}
	if today.Equal(deliveryDay) {
		return now.Hour() < 15
	}
	return false
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func cloneContracts(m map[models.Family]models.Contract) map[models.Family]models.Contract {
	out := make(map[models.Family]models.Contract, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
