// Package scheduler runs the engine's recurring triggers on cron schedules.
// Each trigger gets overlap protection, a per-run timeout, pause/resume, and
// automatic disabling after too many consecutive failures.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"waitline/internal/eventbus"
	logx "waitline/pkg/logx"
)

type Config struct {
	Timezone       string // IANA zone, e.g. "America/Sao_Paulo"
	DefaultTimeout time.Duration
	HistorySize    int
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 50
	}
	return c
}

// Trigger declares one recurring job.
type Trigger struct {
	Name string
	Spec string // cron spec (seconds optional) or @every

	// Timeout bounds a single run; zero means Config.DefaultTimeout.
	Timeout time.Duration

	// Pausable triggers honor Pause/Resume. Maintenance jobs set this false
	// so an operator pause cannot stop dedup hygiene.
	Pausable bool

	// MaxConsecutiveFailures disables the trigger after that many failed
	// runs in a row. Zero means never disable.
	MaxConsecutiveFailures int

	Handler func(ctx context.Context) error
}

// RunRecord is one completed run in a trigger's history.
type RunRecord struct {
	Trigger  string
	Started  time.Time
	Duration time.Duration
	Error    string
}

type triggerState struct {
	def     Trigger
	entry   cron.EntryID
	running bool
	paused  bool
	// disabled is sticky until Resume.
	disabled    bool
	consecFails int
	lastStarted time.Time
	lastError   string
	runs        int
	skips       int
}

type Scheduler struct {
	mu sync.Mutex

	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	parser cron.Parser
	loc    *time.Location

	c        *cron.Cron
	triggers map[string]*triggerState
	order    []string

	ctx     context.Context
	started bool

	hmu     sync.Mutex
	history []RunRecord
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg: cfg.withDefaults(),
		log: log,
		bus: bus,
		parser: cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		triggers: map[string]*triggerState{},
	}
}

// Register adds a trigger. Must be called before Start; the spec is parsed
// eagerly so a bad schedule fails at wiring time, not first fire.
func (s *Scheduler) Register(t Trigger) error {
	if t.Name == "" || t.Handler == nil {
		return errors.New("scheduler: trigger needs a name and a handler")
	}
	if _, err := s.parser.Parse(t.Spec); err != nil {
		return fmt.Errorf("scheduler: trigger %s: bad spec %q: %w", t.Name, t.Spec, err)
	}
	if t.Timeout <= 0 {
		t.Timeout = s.cfg.DefaultTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler: already started")
	}
	if _, dup := s.triggers[t.Name]; dup {
		return fmt.Errorf("scheduler: trigger %s already registered", t.Name)
	}
	s.triggers[t.Name] = &triggerState{def: t}
	s.order = append(s.order, t.Name)
	return nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	loc, err := s.location()
	if err != nil {
		return err
	}
	s.loc = loc
	s.ctx = ctx
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	for _, name := range s.order {
		st := s.triggers[name]
		name := name
		id, err := s.c.AddFunc(st.def.Spec, func() { s.fire(name) })
		if err != nil {
			return fmt.Errorf("scheduler: trigger %s: %w", name, err)
		}
		st.entry = id
	}

	s.c.Start()
	s.started = true
	s.log.Info("scheduler started",
		logx.Int("triggers", len(s.triggers)), logx.String("tz", loc.String()))
	return nil
}

// Stop halts the cron loop and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	c := s.c
	s.c = nil
	s.mu.Unlock()

	<-c.Stop().Done()
	s.log.Info("scheduler stopped")
}

// Pause suspends a pausable trigger's runs; the cron entry keeps firing and
// each fire is skipped, so Resume takes effect on the next tick.
func (s *Scheduler) Pause(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.triggers[name]
	if !ok {
		return fmt.Errorf("scheduler: unknown trigger %s", name)
	}
	if !st.def.Pausable {
		return fmt.Errorf("scheduler: trigger %s is not pausable", name)
	}
	st.paused = true
	s.log.Info("trigger paused", logx.String("trigger", name))
	return nil
}

// Resume clears a trigger's pause and any auto-disable, resetting the
// failure streak.
func (s *Scheduler) Resume(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.triggers[name]
	if !ok {
		return fmt.Errorf("scheduler: unknown trigger %s", name)
	}
	st.paused = false
	st.disabled = false
	st.consecFails = 0
	s.log.Info("trigger resumed", logx.String("trigger", name))
	return nil
}

// ExecuteNow runs a trigger immediately, bypassing its schedule and pause
// state but not auto-disable or overlap protection. It blocks until the run
// returns.
func (s *Scheduler) ExecuteNow(ctx context.Context, name string) error {
	s.mu.Lock()
	st, ok := s.triggers[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: unknown trigger %s", name)
	}
	if st.disabled {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: trigger %s is disabled", name)
	}
	if st.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: trigger %s is already running", name)
	}
	st.running = true
	s.mu.Unlock()

	return s.run(ctx, st)
}

// fire is the cron entry point for one trigger.
func (s *Scheduler) fire(name string) {
	s.mu.Lock()
	st := s.triggers[name]
	ctx := s.ctx
	switch {
	case st.paused, st.disabled:
		st.skips++
		s.mu.Unlock()
		return
	case st.running:
		st.skips++
		s.mu.Unlock()
		s.log.Warn("previous run still in flight, skipping", logx.String("trigger", name))
		return
	}
	st.running = true
	s.mu.Unlock()

	_ = s.run(ctx, st)
}

// run executes the handler with its timeout and settles the trigger state.
// Callers must have set st.running under the lock.
func (s *Scheduler) run(ctx context.Context, st *triggerState) error {
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, st.def.Timeout)
	err := st.def.Handler(runCtx)
	cancel()

	rec := RunRecord{Trigger: st.def.Name, Started: start, Duration: time.Since(start)}
	if err != nil {
		rec.Error = err.Error()
	}
	s.record(rec)

	s.mu.Lock()
	st.running = false
	st.runs++
	st.lastStarted = start
	st.lastError = rec.Error
	if err == nil {
		st.consecFails = 0
		s.mu.Unlock()
		return nil
	}

	st.consecFails++
	fails := st.consecFails
	max := st.def.MaxConsecutiveFailures
	disabled := max > 0 && fails >= max && !st.disabled
	if disabled {
		st.disabled = true
	}
	s.mu.Unlock()

	s.log.Warn("trigger run failed",
		logx.String("trigger", st.def.Name), logx.Int("consecutive", fails), logx.Err(err))
	if disabled {
		s.log.Error("trigger disabled after repeated failures",
			logx.String("trigger", st.def.Name), logx.Int("failures", fails))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{
				Type: eventbus.TypeTriggerDisabled,
				Time: time.Now(),
				Data: DisabledEvent{Trigger: st.def.Name, Failures: fails, LastError: rec.Error},
			})
		}
	}
	return err
}

// DisabledEvent is the bus payload for an auto-disabled trigger.
type DisabledEvent struct {
	Trigger   string
	Failures  int
	LastError string
}

func (s *Scheduler) record(rec RunRecord) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, rec)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
}

// History returns a copy of the recent run records, oldest first.
func (s *Scheduler) History() []RunRecord {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]RunRecord, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Scheduler) location() (*time.Location, error) {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler: timezone %q: %w", tz, err)
	}
	return loc, nil
}
