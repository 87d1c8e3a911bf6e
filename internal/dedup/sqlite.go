package dedup

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"waitline/internal/flow"
	logx "waitline/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	cfg Config

	// Reserve needs read-check-insert atomicity; a single mutex is the
	// serialization point (SQLite runs one writer anyway).
	mu  sync.Mutex
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("dedup.path is required for sqlite driver")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, cfg: cfg, now: time.Now}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Reserve(ctx context.Context, key string, cat flow.Category) (bool, error) {
	if key == "" {
		return false, errors.New("empty key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var expiresMS int64
	err = tx.QueryRowContext(ctx,
		`SELECT expires_at FROM exclusions WHERE key = ? AND category = ?`,
		key, string(cat),
	).Scan(&expiresMS)
	switch {
	case err == nil:
		if now.Before(time.UnixMilli(expiresMS)) {
			// Active reservation or unexpired confirmation: deny.
			return false, nil
		}
		// Stale row: reclaim in place.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM exclusions WHERE key = ? AND category = ?`, key, string(cat)); err != nil {
			return false, err
		}
	case errors.Is(err, sql.ErrNoRows):
		// fall through to insert
	default:
		return false, err
	}

	expires := now.Add(s.cfg.ReservationTTL)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO exclusions(key, category, state, reserved_at, expires_at) VALUES(?,?,?,?,?)`,
		key, string(cat), string(StateReserved), now.UnixMilli(), expires.UnixMilli(),
	); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) Confirm(ctx context.Context, key string, cat flow.Category, meta Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sentAt := meta.SentAt
	if sentAt.IsZero() {
		sentAt = now
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE exclusions SET state = ?, confirmed_at = ?, expires_at = ?, template_ref = ?
		 WHERE key = ? AND category = ? AND state = ?`,
		string(StateConfirmed), sentAt.UnixMilli(), now.Add(s.cfg.Retention).UnixMilli(),
		meta.TemplateRef, key, string(cat), string(StateReserved),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoReservation
	}
	return nil
}

func (s *sqliteStore) Confirmed(ctx context.Context, key string, cat flow.Category) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM exclusions WHERE key = ? AND category = ? AND state = ? AND expires_at > ?`,
		key, string(cat), string(StateConfirmed), s.now().UnixMilli(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) Release(ctx context.Context, key string, cat flow.Category) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM exclusions WHERE key = ? AND category = ? AND state = ?`,
		key, string(cat), string(StateReserved),
	)
	return err
}

func (s *sqliteStore) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM exclusions WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *sqliteStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, category, state, reserved_at, COALESCE(confirmed_at, 0), expires_at, COALESCE(template_ref, '')
		 FROM exclusions ORDER BY reserved_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e           Entry
			cat, state  string
			reservedMS  int64
			confirmedMS int64
			expiresMS   int64
		)
		if err := rows.Scan(&e.Key, &cat, &state, &reservedMS, &confirmedMS, &expiresMS, &e.TemplateRef); err != nil {
			return nil, err
		}
		e.Category = flow.Category(cat)
		e.State = State(state)
		e.ReservedAt = time.UnixMilli(reservedMS)
		if confirmedMS > 0 {
			e.ConfirmedAt = time.UnixMilli(confirmedMS)
		}
		e.ExpiresAt = time.UnixMilli(expiresMS)
		out = append(out, e)
	}
	return out, rows.Err()
}
