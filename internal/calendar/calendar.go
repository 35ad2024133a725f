// Package calendar answers is_trading_day / is_market_open / is_delivery_day
// questions from a per-year holiday CSV (spec §4.1). Typed configuration
// lives in internal/config, not here.
package calendar

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"

	"github.com/eddiefleurent/futures-gateway/internal/core"
)

// Session boundaries (local time), per spec §4.1.
var (
	dayOpen    = clock{8, 45}
	dayClose   = clock{13, 45}
	nightOpen  = clock{14, 50}
	nightClose = clock{5, 0} // next-day
)

type clock struct {
	hour, min int
}

func (c clock) before(t time.Time) bool {
	return t.Hour() < c.hour || (t.Hour() == c.hour && t.Minute() < c.min)
}
func (c clock) afterOrEqual(t time.Time) bool {
	return !c.before(t)
}

// Calendar answers trading-day/market-open/delivery-day questions from a
// directory of `holidaySchedule_{ROC_YEAR}.csv` files (spec §6), Big5
// encoded, columns {date, remark}; remark=="o" means trading.
type Calendar struct {
	dir string
	loc *time.Location

	mu    sync.RWMutex
	years map[int]map[string]bool // ROC year -> "YYYY/MM/DD" -> isTrading
}

// New creates a Calendar reading holiday CSVs from dir, interpreting times
// in loc (typically Asia/Taipei).
func New(dir string, loc *time.Location) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return &Calendar{
		dir:   dir,
		loc:   loc,
		years: make(map[int]map[string]bool),
	}
}

// rocYear converts a Gregorian year to the ROC (Minguo) year used in the
// calendar filenames (e.g. 2025 -> 114).
func rocYear(year int) int {
	return year - 1911
}

// loadYear reads and caches holidaySchedule_{ROC_YEAR}.csv for the given
// Gregorian year. Returns core.ErrCalendarMissing if the file is absent;
// callers must treat that as "assume closed" (spec §4.1).
func (c *Calendar) loadYear(year int) (map[string]bool, error) {
	c.mu.RLock()
	if m, ok := c.years[year]; ok {
		c.mu.RUnlock()
		return m, nil
	}
	c.mu.RUnlock()

	path := filepath.Join(c.dir, fmt.Sprintf("holidaySchedule_%d.csv", rocYear(year)))
	f, err := os.Open(path) // #nosec G304 -- path built from configured directory + validated year
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("calendar: %w: %s", core.ErrCalendarMissing, path)
		}
		return nil, fmt.Errorf("calendar: opening %s: %w", path, err)
	}
	defer f.Close()

	decoder := traditionalchinese.Big5.NewDecoder()
	scanner := bufio.NewScanner(transform.NewReader(f, decoder))

	days := make(map[string]bool)
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if first {
			first = false
			// skip a header row if present ("date,remark")
			if strings.HasPrefix(strings.ToLower(line), "date") {
				continue
			}
		}
		fields := strings.Split(line, ",")
		if len(fields) < 2 {
			continue
		}
		date := strings.TrimSpace(fields[0])
		remark := strings.TrimSpace(fields[1])
		days[date] = remark == "o"
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("calendar: reading %s: %w", path, err)
	}

	c.mu.Lock()
	c.years[year] = days
	c.mu.Unlock()
	return days, nil
}

// IsTradingDay reports whether d is a trading day per the holiday calendar.
// Sundays are always non-trading regardless of the CSV. A missing calendar
// file is treated as "closed" (spec §4.1).
func (c *Calendar) IsTradingDay(d time.Time) (bool, error) {
	d = d.In(c.loc)
	if d.Weekday() == time.Sunday {
		return false, nil
	}
	days, err := c.loadYear(d.Year())
	if err != nil {
		return false, err
	}
	key := d.Format("2006/01/02")
	trading, ok := days[key]
	if !ok {
		return false, nil
	}
	return trading, nil
}

// isTradingDaySafe swallows a CalendarMissing error into "closed", per the
// contract that callers of IsMarketOpen must never crash on a missing file.
func (c *Calendar) isTradingDaySafe(d time.Time) bool {
	ok, err := c.IsTradingDay(d)
	if err != nil {
		return false
	}
	return ok
}

// IsMarketOpen reports whether `now` falls within the union of the day
// session (08:45-13:45) and the night session (14:50-next day 05:00), for a
// trading day. Saturdays are a two-segment special case (spec §4.1, §9 open
// question): the night session portion that spills into Saturday morning
// (00:00-05:00) is available only if the preceding Friday was a trading
// day; the remainder of Saturday is always closed.
func (c *Calendar) IsMarketOpen(now time.Time) (bool, error) {
	now = now.In(c.loc)

	if now.Weekday() == time.Saturday {
		if nightClose.afterOrEqual(now) {
			// past 05:00 on Saturday: always closed regardless of calendar
			return false, nil
		}
		friday := now.AddDate(0, 0, -1)
		return c.isTradingDaySafe(friday), nil
	}

	today := now
	trading, err := c.IsTradingDay(today)
	if err != nil {
		return false, err
	}

	// Early-morning hours belong to the previous day's night session.
	if nightClose.before(now) {
		yesterday := now.AddDate(0, 0, -1)
		yesterdayTrading := c.isTradingDaySafe(yesterday)
		if yesterday.Weekday() == time.Saturday {
			// Saturday night session continuing into e.g. Sunday morning
			// never happens in this exchange's schedule; treat as closed.
			return false, nil
		}
		return yesterdayTrading, nil
	}

	if !trading {
		return false, nil
	}

	if dayOpen.afterOrEqual(now) && dayClose.before(now) {
		return true, nil
	}
	if nightOpen.afterOrEqual(now) {
		return true, nil
	}
	return false, nil
}

// IsDeliveryDay reports whether d is this month's delivery day: the third
// Wednesday of the month, per the TX futures contract specification. This
// is the single shared implementation referenced by both contract
// rendering and report building (spec §9 design notes).
func IsDeliveryDay(d time.Time) bool {
	return d.Weekday() == time.Wednesday && ThirdWednesday(d.Year(), d.Month()).Day() == d.Day()
}

// ThirdWednesday returns the third Wednesday of the given month/year, the
// TX futures delivery date convention.
func ThirdWednesday(year int, month time.Month) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(time.Wednesday) - int(first.Weekday()) + 7) % 7
	firstWednesday := first.AddDate(0, 0, offset)
	return firstWednesday.AddDate(0, 0, 14)
}
