package dedup

import (
	"errors"
	"time"

	"waitline/internal/flow"
)

var (
	// ErrDisabled is returned by every operation when no store is configured.
	// Reserve fails closed on it: with no ledger there is no at-most-once.
	ErrDisabled = errors.New("dedup store disabled")

	// ErrNoReservation is returned by Confirm when no reserved entry matches.
	// Callers log it as an anomaly; it never creates a confirmed entry.
	ErrNoReservation = errors.New("no matching reservation")
)

// State of an exclusion entry.
type State string

const (
	StateReserved  State = "reserved"
	StateConfirmed State = "confirmed"
)

// Entry is one row of the exclusion ledger. At most one entry per
// (key, category) is active at a time.
type Entry struct {
	Key         string
	Category    flow.Category
	State       State
	ReservedAt  time.Time
	ConfirmedAt time.Time
	ExpiresAt   time.Time
	TemplateRef string
}

// Meta is attached to an entry on Confirm for audit/UI display.
type Meta struct {
	TemplateRef string
	SentAt      time.Time
}

// Config configures the exclusion store.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot + jsonl journal)
//   - "sqlite": SQLite database file
//   - "" or "none": disabled (reserve always denies)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// ReservationTTL bounds how long an unconfirmed reservation blocks
	// re-dispatch (the damage of a crashed dispatch that never released).
	ReservationTTL time.Duration
	// Retention bounds how long a confirmed entry suppresses re-sends.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = 10 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 20 * time.Hour
	}
	return c
}
