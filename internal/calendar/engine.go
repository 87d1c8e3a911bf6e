// Package calendar answers the business-calendar questions the message flow
// depends on: working days, business hours, the pre-closing blocking window,
// and the end-of-day tolerance window.
//
// The engine is stateless: every predicate is a pure function of the injected
// instant and the configured calendar, which keeps it deterministic under test.
package calendar

import (
	"fmt"
	"strings"
	"time"
)

// Config describes one business calendar.
//
// Hours are local wall-clock hours in Timezone. Saturday is a working day with
// its own closing hour; Sunday is never a working day.
type Config struct {
	Timezone          string
	BusinessStartHour int
	BusinessEndHour   int
	SaturdayEndHour   int
	BlockingWindow    time.Duration
	EndOfDayTolerance time.Duration
}

func (c Config) withDefaults() Config {
	if c.BusinessStartHour <= 0 {
		c.BusinessStartHour = 8
	}
	if c.BusinessEndHour <= 0 {
		c.BusinessEndHour = 18
	}
	if c.SaturdayEndHour <= 0 {
		c.SaturdayEndHour = 12
	}
	if c.BlockingWindow <= 0 {
		c.BlockingWindow = time.Hour
	}
	if c.EndOfDayTolerance <= 0 {
		c.EndOfDayTolerance = 10 * time.Minute
	}
	return c
}

func (c Config) validate() error {
	if c.BusinessStartHour < 0 || c.BusinessStartHour > 23 {
		return fmt.Errorf("business_start_hour %d out of range", c.BusinessStartHour)
	}
	if c.BusinessEndHour < 1 || c.BusinessEndHour > 24 {
		return fmt.Errorf("business_end_hour %d out of range", c.BusinessEndHour)
	}
	if c.SaturdayEndHour < 1 || c.SaturdayEndHour > 24 {
		return fmt.Errorf("saturday_end_hour %d out of range", c.SaturdayEndHour)
	}
	if c.BusinessStartHour >= c.BusinessEndHour {
		return fmt.Errorf("business_start_hour %d must be before business_end_hour %d", c.BusinessStartHour, c.BusinessEndHour)
	}
	return nil
}

// Engine evaluates calendar windows. Safe for concurrent use.
type Engine struct {
	cfg Config
	loc *time.Location
}

func NewEngine(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("timezone %q: %w", tz, err)
		}
		loc = l
	}
	return &Engine{cfg: cfg, loc: loc}, nil
}

// Location returns the engine's resolved timezone.
func (e *Engine) Location() *time.Location { return e.loc }

// endHour returns the closing hour for the given day (Saturday closes early).
func (e *Engine) endHour(t time.Time) int {
	if t.Weekday() == time.Saturday {
		return e.cfg.SaturdayEndHour
	}
	return e.cfg.BusinessEndHour
}

// closingTime returns the instant the business closes on now's day.
func (e *Engine) closingTime(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), e.endHour(now), 0, 0, 0, now.Location())
}

// IsWorkingDay reports whether now falls on a working day (Mon-Sat).
func (e *Engine) IsWorkingDay(now time.Time) bool {
	return now.In(e.loc).Weekday() != time.Sunday
}

// IsBusinessHours reports whether now is inside [start, end) on a working day.
// Saturday uses its own closing hour.
func (e *Engine) IsBusinessHours(now time.Time) bool {
	t := now.In(e.loc)
	if t.Weekday() == time.Sunday {
		return false
	}
	h := t.Hour()
	return h >= e.cfg.BusinessStartHour && h < e.endHour(t)
}

// IsBlockingWindow reports whether now is inside the half-open window
// [close-BlockingWindow, close) that precedes the day's closing time.
// Threshold messages are suppressed here; end-of-day messages are not yet due.
// Sunday never blocks.
func (e *Engine) IsBlockingWindow(now time.Time) bool {
	t := now.In(e.loc)
	if t.Weekday() == time.Sunday {
		return false
	}
	closing := e.closingTime(t)
	return !t.Before(closing.Add(-e.cfg.BlockingWindow)) && t.Before(closing)
}

// CanSendEndOfDay reports whether now is inside the end-of-day window:
// from the closing time through the tolerance, inclusive at minute
// granularity. With close=18:00 and tolerance=10m the window covers
// 18:00:00 through 18:10:59. Pure window math; the working-day gate is the
// caller's, so an operator override can lift it.
func (e *Engine) CanSendEndOfDay(now time.Time) bool {
	t := now.In(e.loc)
	closing := e.closingTime(t)
	if t.Before(closing) {
		return false
	}
	tolMinutes := int(e.cfg.EndOfDayTolerance / time.Minute)
	return int(t.Sub(closing)/time.Minute) <= tolMinutes
}
