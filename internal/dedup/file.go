package dedup

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"waitline/internal/flow"
	logx "waitline/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.exclusions.snapshot.json (periodic snapshot)
//   - <prefix>.exclusions.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger
	cfg Config

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	entries      map[string]journalEntry // keyed by key + "\n" + category

	writes int
	now    func() time.Time
}

type journalRecord struct {
	Op    string       `json:"op"` // "put" or "del"
	Key   string       `json:"key"`
	Cat   string       `json:"cat"`
	Entry journalEntry `json:"entry,omitempty"`
}

type journalEntry struct {
	State       string `json:"state"`
	ReservedAt  int64  `json:"reserved_at"`
	ConfirmedAt int64  `json:"confirmed_at,omitempty"`
	ExpiresAt   int64  `json:"expires_at"`
	TemplateRef string `json:"template_ref,omitempty"`
}

func entryKey(key string, cat flow.Category) string { return key + "\n" + string(cat) }

func splitEntryKey(k string) (string, flow.Category) {
	i := strings.IndexByte(k, '\n')
	if i < 0 {
		return k, ""
	}
	return k[:i], flow.Category(k[i+1:])
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("dedup.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".exclusions.snapshot.json"
	journalPath := prefix + ".exclusions.journal.jsonl"

	entries := map[string]journalEntry{}
	_ = loadSnapshot(snapPath, entries)
	_ = replayJournal(journalPath, entries)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		cfg:          cfg,
		snapshotPath: snapPath,
		journalFile:  jf,
		entries:      entries,
		now:          time.Now,
	}
	s.pruneLocked(s.now())
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.compactLocked()
	cerr := s.journalFile.Close()
	s.journalFile = nil
	if err != nil {
		return err
	}
	return cerr
}

func (s *fileStore) Reserve(ctx context.Context, key string, cat flow.Category) (bool, error) {
	_ = ctx
	if key == "" {
		return false, errors.New("empty key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return false, errors.New("dedup journal closed")
	}

	now := s.now()
	k := entryKey(key, cat)
	if e, ok := s.entries[k]; ok {
		if now.Before(time.UnixMilli(e.ExpiresAt)) {
			return false, nil
		}
		// Stale entry: reclaim in place.
		delete(s.entries, k)
	}

	e := journalEntry{
		State:      string(StateReserved),
		ReservedAt: now.UnixMilli(),
		ExpiresAt:  now.Add(s.cfg.ReservationTTL).UnixMilli(),
	}
	if err := s.appendLocked(journalRecord{Op: "put", Key: key, Cat: string(cat), Entry: e}); err != nil {
		// Failed durability means the grant can't be trusted: deny.
		return false, err
	}
	s.entries[k] = e
	return true, nil
}

func (s *fileStore) Confirm(ctx context.Context, key string, cat flow.Category, meta Meta) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("dedup journal closed")
	}

	now := s.now()
	k := entryKey(key, cat)
	e, ok := s.entries[k]
	if !ok || e.State != string(StateReserved) {
		return ErrNoReservation
	}

	sentAt := meta.SentAt
	if sentAt.IsZero() {
		sentAt = now
	}
	e.State = string(StateConfirmed)
	e.ConfirmedAt = sentAt.UnixMilli()
	e.ExpiresAt = now.Add(s.cfg.Retention).UnixMilli()
	e.TemplateRef = meta.TemplateRef

	if err := s.appendLocked(journalRecord{Op: "put", Key: key, Cat: string(cat), Entry: e}); err != nil {
		return err
	}
	s.entries[k] = e
	return nil
}

func (s *fileStore) Confirmed(ctx context.Context, key string, cat flow.Category) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryKey(key, cat)]
	if !ok || e.State != string(StateConfirmed) {
		return false, nil
	}
	return s.now().Before(time.UnixMilli(e.ExpiresAt)), nil
}

func (s *fileStore) Release(ctx context.Context, key string, cat flow.Category) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("dedup journal closed")
	}

	k := entryKey(key, cat)
	e, ok := s.entries[k]
	if !ok || e.State != string(StateReserved) {
		// Releasing a confirmed or absent entry is a no-op.
		return nil
	}
	if err := s.appendLocked(journalRecord{Op: "del", Key: key, Cat: string(cat)}); err != nil {
		return err
	}
	delete(s.entries, k)
	return nil
}

func (s *fileStore) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return 0, errors.New("dedup journal closed")
	}
	removed := s.pruneLocked(now)
	if removed > 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("exclusion compact failed", logx.Any("err", err))
		}
	}
	return removed, nil
}

func (s *fileStore) List(ctx context.Context) ([]Entry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for k, e := range s.entries {
		key, cat := splitEntryKey(k)
		entry := Entry{
			Key:         key,
			Category:    cat,
			State:       State(e.State),
			ReservedAt:  time.UnixMilli(e.ReservedAt),
			ExpiresAt:   time.UnixMilli(e.ExpiresAt),
			TemplateRef: e.TemplateRef,
		}
		if e.ConfirmedAt > 0 {
			entry.ConfirmedAt = time.UnixMilli(e.ConfirmedAt)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *fileStore) appendLocked(r journalRecord) error {
	enc := json.NewEncoder(s.journalFile)
	if err := enc.Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("exclusion compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) pruneLocked(now time.Time) int {
	ms := now.UnixMilli()
	removed := 0
	for k, e := range s.entries {
		if e.ExpiresAt <= ms {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.entries); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]journalEntry) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]journalEntry
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]journalEntry) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		k := entryKey(r.Key, flow.Category(r.Cat))
		switch r.Op {
		case "put":
			out[k] = r.Entry
		case "del":
			delete(out, k)
		}
	}
	return sc.Err()
}
