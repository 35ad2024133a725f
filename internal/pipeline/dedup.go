package pipeline

import (
	"sync"
	"time"
)

// dedupWindow is the sliding deduplication window spec §3/§4.5 mandates:
// 30 s per trade_id+direction+family-hint key.
const dedupWindow = 30 * time.Second

// dedupSet tracks recently-seen signal keys so a repeated webhook delivery
// within the window is dropped rather than re-submitted (spec §4.5 step 1,
// §8 property 1).
type dedupSet struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	now     func() time.Time
	window  time.Duration
	timers  map[string]*time.Timer
}

func newDedupSet() *dedupSet {
	return &dedupSet{
		seen:   make(map[string]time.Time),
		timers: make(map[string]*time.Timer),
		now:    time.Now,
		window: dedupWindow,
	}
}

// CheckAndRecord returns true if key was already seen within the window
// (the caller must drop the signal); otherwise it records key and
// schedules its eviction after the window elapses.
func (d *dedupSet) CheckAndRecord(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if seenAt, ok := d.seen[key]; ok && d.now().Sub(seenAt) < d.window {
		return true
	}

	d.seen[key] = d.now()
	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	d.timers[key] = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.seen, key)
		delete(d.timers, key)
	})
	return false
}
