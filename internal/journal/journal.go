// Package journal implements the Trade Journal (spec §4.3): an
// append-only, per-day JSON record of every fill, used for FIFO PnL
// matching and XLSX report generation. Each day gets its own file so a
// single corrupt write never loses more than one day's records, and old
// files are pruned on a rolling retention window.
package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/futures-gateway/internal/core"
	"github.com/eddiefleurent/futures-gateway/internal/models"
	"github.com/eddiefleurent/futures-gateway/internal/storage"
)

// Kind distinguishes the four record shapes spec §3 describes for a
// trade-journal entry: a submission acknowledgement, a confirmed fill
// (partial or total), a cancellation, or a business-rejected signal.
type Kind string

const (
	KindOrderSubmitted Kind = "order_submitted"
	KindDeal           Kind = "deal"
	KindCancel         Kind = "cancel"
	KindFail           Kind = "fail"
)

// Entry is a single append-only trade-journal record (spec §3/§4.3). Most
// fields are deal-shaped (fill price/quantity/time) since that is the
// majority of traffic and the shape FIFO PnL matching reads back; Kind
// distinguishes it from a submission/cancel/fail record, which instead
// populate RawPayload/FailReason.
type Entry struct {
	Kind      Kind          `json:"kind"`
	OrderID   string        `json:"order_id"`
	Market    models.Market `json:"market"`
	Family    models.Family `json:"family,omitempty"`
	Symbol    string        `json:"symbol,omitempty"`
	Side      models.Side   `json:"side"`
	OC        models.OC     `json:"oc"`
	Direction models.Direction `json:"direction,omitempty"`
	Quantity  float64       `json:"quantity"`
	FillPrice float64       `json:"fill_price"`
	FilledAt  time.Time     `json:"filled_at"`
	IsManual  bool          `json:"is_manual"`
	Category  string        `json:"category,omitempty"` // "auto" | "manual", mirrors IsManual for report readability
	FailReason string       `json:"fail_reason,omitempty"`
	RawPayload string       `json:"raw_broker_payload,omitempty"`
}

// Retention is how many daily files are kept before the oldest is pruned
// (spec §4.3: "30-file retention").
const Retention = 30

// Journal appends Entry records to per-day JSON files under dir, named
// {prefix}_YYYY-MM-DD.json (prefix defaults to "journal").
type Journal struct {
	dir    string
	prefix string
	mu     sync.Mutex
}

// New creates a Journal rooted at dir, creating it if necessary. An
// optional filePrefix overrides the default "journal" file-name prefix —
// the gateway passes "TXtrades"/"BTCtrades" so the on-disk names carry the
// `{MARKET}trades_` prefix. The date part is always dashed (YYYY-MM-DD),
// not YYYYMMDD.
func New(dir string, filePrefix ...string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("journal: creating directory: %w", err)
	}
	prefix := "journal"
	if len(filePrefix) > 0 && filePrefix[0] != "" {
		prefix = filePrefix[0]
	}
	return &Journal{dir: dir, prefix: prefix}, nil
}

func (j *Journal) pathFor(day time.Time) string {
	return filepath.Join(j.dir, fmt.Sprintf("%s_%s.json", j.prefix, day.UTC().Format("2006-01-02")))
}

// Append records a fill entry, appending to that day's file.
func (j *Journal) Append(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	path := j.pathFor(e.FilledAt)
	af, err := storage.NewAtomicFile(path)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}

	var entries []Entry
	if af.Exists() {
		if err := af.ReadJSON(&entries); err != nil {
			return fmt.Errorf("journal: %w: %s: %v", core.ErrJournalCorrupt, path, err)
		}
	}
	entries = append(entries, e)
	if err := af.WriteJSON(entries); err != nil {
		return fmt.Errorf("journal: writing %s: %w", path, err)
	}

	return j.pruneLocked()
}

// ReadDay returns the entries recorded for the given day. A missing file
// returns an empty slice, not an error.
func (j *Journal) ReadDay(day time.Time) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.readDayLocked(day)
}

func (j *Journal) readDayLocked(day time.Time) ([]Entry, error) {
	path := j.pathFor(day)
	af, err := storage.NewAtomicFile(path)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	if !af.Exists() {
		return nil, nil
	}
	var entries []Entry
	if err := af.ReadJSON(&entries); err != nil {
		return nil, j.quarantine(path, err)
	}
	return entries, nil
}

// ReadRange returns entries for every day in [from, to] inclusive, sorted
// by FilledAt ascending, for FIFO PnL matching across day boundaries.
func (j *Journal) ReadRange(from, to time.Time) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var all []Entry
	for d := truncateDay(from); !d.After(truncateDay(to)); d = d.AddDate(0, 0, 1) {
		entries, err := j.readDayLocked(d)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	sort.Slice(all, func(i, k int) bool { return all[i].FilledAt.Before(all[k].FilledAt) })
	return all, nil
}

func truncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// quarantine renames a file that failed to parse as JSON to a .corrupt
// suffix so a single bad write does not block every subsequent read of
// that day, per spec §4.3, and returns an error wrapping
// core.ErrJournalCorrupt.
func (j *Journal) quarantine(path string, parseErr error) error {
	quarantined := path + ".corrupt"
	if err := os.Rename(path, quarantined); err != nil {
		return fmt.Errorf("journal: %w: %s (also failed to quarantine: %v)", core.ErrJournalCorrupt, path, err)
	}
	return fmt.Errorf("journal: %w: %s quarantined as %s: %v", core.ErrJournalCorrupt, path, quarantined, parseErr)
}

// pruneLocked deletes the oldest daily files beyond Retention. Must be
// called with j.mu held.
func (j *Journal) pruneLocked() error {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return fmt.Errorf("journal: listing %s: %w", j.dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, j.prefix+"_") && strings.HasSuffix(name, ".json") {
			names = append(names, name)
		}
	}
	sort.Strings(names) // lexical == chronological for YYYY-MM-DD names

	if len(names) <= Retention {
		return nil
	}
	for _, name := range names[:len(names)-Retention] {
		if err := os.Remove(filepath.Join(j.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("journal: pruning %s: %w", name, err)
		}
	}
	return nil
}
