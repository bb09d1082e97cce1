package bizhours

import (
	"time"
)

// Clock does deterministic time arithmetic restricted to a weekly business
// window. All methods are pure; results are exact to the second.
type Clock struct {
	loc       *time.Location
	openMin   int // minute of day
	closeMin  int
	openDays  [7]bool // indexed by time.Weekday
}

var defaultDays = [7]bool{
	time.Monday:    true,
	time.Tuesday:   true,
	time.Wednesday: true,
	time.Thursday:  true,
	time.Friday:    true,
}

// New builds a clock for the given window. A window with end <= start is
// invalid and falls back to Mon-Fri 09:00-18:00; same for an empty day set.
func New(loc *time.Location, openHour, openMinute, closeHour, closeMinute int, days [7]bool) Clock {
	if loc == nil {
		loc = time.UTC
	}
	c := Clock{
		loc:      loc,
		openMin:  openHour*60 + openMinute,
		closeMin: closeHour*60 + closeMinute,
		openDays: days,
	}
	if c.closeMin <= c.openMin || c.openMin < 0 || c.closeMin > 24*60 {
		c.openMin = 9 * 60
		c.closeMin = 18 * 60
	}
	anyDay := false
	for _, d := range c.openDays {
		if d {
			anyDay = true
			break
		}
	}
	if !anyDay {
		c.openDays = defaultDays
	}
	return c
}

// Default is the Mon-Fri 09:00-18:00 clock in the given location.
func Default(loc *time.Location) Clock {
	return New(loc, 9, 0, 18, 0, defaultDays)
}

func (c Clock) Location() *time.Location { return c.loc }

func (c Clock) dayOpen(t time.Time) time.Time {
	y, m, d := t.In(c.loc).Date()
	return time.Date(y, m, d, c.openMin/60, c.openMin%60, 0, 0, c.loc)
}

func (c Clock) dayClose(t time.Time) time.Time {
	y, m, d := t.In(c.loc).Date()
	return time.Date(y, m, d, c.closeMin/60, c.closeMin%60, 0, 0, c.loc)
}

// IsOpen reports whether the instant falls inside the business window.
func (c Clock) IsOpen(t time.Time) bool {
	lt := t.In(c.loc)
	if !c.openDays[lt.Weekday()] {
		return false
	}
	return !lt.Before(c.dayOpen(lt)) && !lt.After(c.dayClose(lt))
}

// RollForward returns the smallest business-open instant >= t; t itself when
// already open.
func (c Clock) RollForward(t time.Time) time.Time {
	cur := t.In(c.loc)
	for {
		if !c.openDays[cur.Weekday()] || cur.After(c.dayClose(cur)) {
			cur = c.dayOpen(cur.AddDate(0, 0, 1))
			continue
		}
		if cur.Before(c.dayOpen(cur)) {
			return c.dayOpen(cur)
		}
		return cur
	}
}

// EndOfDay returns the close instant of the business day containing t,
// rolling forward to the next open window first when t is outside one.
func (c Clock) EndOfDay(t time.Time) time.Time {
	return c.dayClose(c.RollForward(t))
}

// Add consumes d against consecutive business windows starting at the first
// open instant >= t. Zero or negative d returns the rolled-forward start.
func (c Clock) Add(t time.Time, d time.Duration) time.Time {
	cur := c.RollForward(t)
	if d <= 0 {
		return cur
	}
	remaining := d
	for {
		avail := c.dayClose(cur).Sub(cur)
		if remaining <= avail {
			return cur.Add(remaining)
		}
		remaining -= avail
		cur = c.dayOpen(cur.AddDate(0, 0, 1))
		for !c.openDays[cur.Weekday()] {
			cur = c.dayOpen(cur.AddDate(0, 0, 1))
		}
	}
}

// ElapsedAtLeast reports whether at least d of business time separates start
// from now, i.e. now >= Add(start, d).
func (c Clock) ElapsedAtLeast(start, now time.Time, d time.Duration) bool {
	return !now.Before(c.Add(start, d))
}
