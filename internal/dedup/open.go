package dedup

import (
	"context"
	"errors"
	"strings"
	"time"

	"waitline/internal/flow"
	logx "waitline/pkg/logx"
)

// Store is the reserve/confirm ledger that makes dispatch at-most-once.
//
// Contract:
//   - Reserve is atomic with respect to concurrent callers: for any
//     (key, category), at most one caller is granted until that reservation
//     is confirmed, released, or expires.
//   - Confirm transitions reserved -> confirmed; without a matching
//     reservation it returns ErrNoReservation and stores nothing.
//   - Release deletes a reserved entry only; confirmed entries stay.
//   - Store failures must deny (fail closed), never grant.
type Store interface {
	Reserve(ctx context.Context, key string, cat flow.Category) (granted bool, err error)
	Confirm(ctx context.Context, key string, cat flow.Category, meta Meta) error
	Confirmed(ctx context.Context, key string, cat flow.Category) (bool, error)
	Release(ctx context.Context, key string, cat flow.Category) error
	ReclaimExpired(ctx context.Context, now time.Time) (removed int, err error)
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if the store is disabled; callers treat a nil store
// as deny-all (see Disabled).
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown dedup driver: " + driver)
	}
}

// Disabled returns a store that denies every reservation. It stands in when
// no backend is configured, preserving the at-most-once invariant over
// availability.
func Disabled() Store { return disabledStore{} }

type disabledStore struct{}

func (disabledStore) Reserve(context.Context, string, flow.Category) (bool, error) {
	return false, ErrDisabled
}
func (disabledStore) Confirm(context.Context, string, flow.Category, Meta) error { return ErrDisabled }
func (disabledStore) Confirmed(context.Context, string, flow.Category) (bool, error) {
	return false, ErrDisabled
}
func (disabledStore) Release(context.Context, string, flow.Category) error       { return ErrDisabled }
func (disabledStore) ReclaimExpired(context.Context, time.Time) (int, error)     { return 0, ErrDisabled }
func (disabledStore) List(context.Context) ([]Entry, error)                      { return nil, ErrDisabled }
func (disabledStore) Close() error                                               { return nil }
