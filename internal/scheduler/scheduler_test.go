package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"waitline/internal/eventbus"
	logx "waitline/pkg/logx"
)

func newTest(bus eventbus.Bus) *Scheduler {
	s := New(Config{Timezone: "UTC", DefaultTimeout: time.Second, HistorySize: 5}, bus, logx.Nop())
	s.ctx = context.Background()
	return s
}

func noop(context.Context) error { return nil }

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	s := newTest(nil)

	if err := s.Register(Trigger{Name: "ok", Spec: "*/2 * * * *", Handler: noop}); err != nil {
		t.Fatalf("valid trigger rejected: %v", err)
	}
	if err := s.Register(Trigger{Name: "ok", Spec: "* * * * *", Handler: noop}); err == nil {
		t.Fatal("duplicate name accepted")
	}
	if err := s.Register(Trigger{Name: "bad", Spec: "not a spec", Handler: noop}); err == nil {
		t.Fatal("bad spec accepted")
	}
	if err := s.Register(Trigger{Name: "", Spec: "* * * * *", Handler: noop}); err == nil {
		t.Fatal("empty name accepted")
	}
	if err := s.Register(Trigger{Name: "nil", Spec: "* * * * *"}); err == nil {
		t.Fatal("nil handler accepted")
	}
}

func TestRegisterAcceptsSecondsAndEvery(t *testing.T) {
	t.Parallel()
	s := newTest(nil)
	specs := []string{"*/30 * * * * *", "@every 45s", "0 18 * * 1-6", "@daily"}
	for i, spec := range specs {
		if err := s.Register(Trigger{Name: fmt.Sprintf("t%d", i), Spec: spec, Handler: noop}); err != nil {
			t.Fatalf("spec %q rejected: %v", spec, err)
		}
	}
}

func TestOverlapSkips(t *testing.T) {
	t.Parallel()
	s := newTest(nil)
	block := make(chan struct{})
	entered := make(chan struct{})
	err := s.Register(Trigger{Name: "slow", Spec: "@every 1s", Handler: func(context.Context) error {
		close(entered)
		<-block
		return nil
	}})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		s.fire("slow")
		close(done)
	}()
	<-entered

	// Second fire while the first is in flight must skip, not queue.
	s.fire("slow")
	st := s.triggers["slow"]
	s.mu.Lock()
	skips, running := st.skips, st.running
	s.mu.Unlock()
	if skips != 1 || !running {
		t.Fatalf("skips=%d running=%v, want one skip while running", skips, running)
	}

	close(block)
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.running || st.runs != 1 {
		t.Fatalf("running=%v runs=%d after completion", st.running, st.runs)
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	s := newTest(nil)
	runs := 0
	mustRegister(t, s, Trigger{Name: "poll", Spec: "@every 1s", Pausable: true, Handler: func(context.Context) error {
		runs++
		return nil
	}})
	mustRegister(t, s, Trigger{Name: "maintenance", Spec: "@daily", Handler: noop})

	if err := s.Pause("maintenance"); err == nil {
		t.Fatal("non-pausable trigger accepted a pause")
	}
	if err := s.Pause("poll"); err != nil {
		t.Fatal(err)
	}
	s.fire("poll")
	s.fire("poll")
	if runs != 0 {
		t.Fatalf("runs = %d while paused, want 0", runs)
	}
	if err := s.Resume("poll"); err != nil {
		t.Fatal(err)
	}
	s.fire("poll")
	if runs != 1 {
		t.Fatalf("runs = %d after resume, want 1", runs)
	}
}

func TestConsecutiveFailuresDisable(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	s := newTest(bus)
	runs := 0
	mustRegister(t, s, Trigger{
		Name: "poll", Spec: "@every 1s", Pausable: true, MaxConsecutiveFailures: 3,
		Handler: func(context.Context) error {
			runs++
			return errors.New("vendor down")
		},
	})

	for i := 0; i < 5; i++ {
		s.fire("poll")
	}
	if runs != 3 {
		t.Fatalf("runs = %d, want 3 (disabled after third failure)", runs)
	}

	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeTriggerDisabled {
			t.Fatalf("event type = %s", ev.Type)
		}
		d, ok := ev.Data.(DisabledEvent)
		if !ok || d.Trigger != "poll" || d.Failures != 3 {
			t.Fatalf("event data = %+v", ev.Data)
		}
	default:
		t.Fatal("no disabled event published")
	}

	if err := s.ExecuteNow(context.Background(), "poll"); err == nil {
		t.Fatal("ExecuteNow ran a disabled trigger")
	}

	// Resume clears the disable and the failure streak.
	if err := s.Resume("poll"); err != nil {
		t.Fatal(err)
	}
	s.fire("poll")
	if runs != 4 {
		t.Fatalf("runs = %d after resume, want 4", runs)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.triggers["poll"]; st.disabled || st.consecFails != 1 {
		t.Fatalf("disabled=%v consecFails=%d after resume+fail, want fresh streak", st.disabled, st.consecFails)
	}
}

func TestFailureStreakResetsOnSuccess(t *testing.T) {
	t.Parallel()
	s := newTest(nil)
	fail := true
	runs := 0
	mustRegister(t, s, Trigger{
		Name: "poll", Spec: "@every 1s", MaxConsecutiveFailures: 3,
		Handler: func(context.Context) error {
			runs++
			if fail {
				return errors.New("down")
			}
			return nil
		},
	})

	s.fire("poll")
	s.fire("poll")
	fail = false
	s.fire("poll")
	fail = true
	s.fire("poll")
	s.fire("poll")
	s.fire("poll")

	if runs != 6 {
		t.Fatalf("runs = %d, want 6 (streak reset kept the trigger alive)", runs)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.triggers["poll"]; !st.disabled {
		t.Fatal("trigger should be disabled after three straight failures")
	}
}

func TestExecuteNowBypassesPause(t *testing.T) {
	t.Parallel()
	s := newTest(nil)
	runs := 0
	mustRegister(t, s, Trigger{Name: "poll", Spec: "@every 1s", Pausable: true, Handler: func(context.Context) error {
		runs++
		return nil
	}})

	if err := s.Pause("poll"); err != nil {
		t.Fatal(err)
	}
	if err := s.ExecuteNow(context.Background(), "poll"); err != nil {
		t.Fatal(err)
	}
	if runs != 1 {
		t.Fatalf("runs = %d, want 1 (manual run ignores pause)", runs)
	}
}

func TestRunTimeoutSurfaces(t *testing.T) {
	t.Parallel()
	s := newTest(nil)
	mustRegister(t, s, Trigger{
		Name: "poll", Spec: "@every 1s", Timeout: 20 * time.Millisecond,
		Handler: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	if err := s.ExecuteNow(context.Background(), "poll"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	hist := s.History()
	if len(hist) != 1 || hist[0].Error == "" {
		t.Fatalf("history = %+v, want one failed record", hist)
	}
}

func TestHistoryRing(t *testing.T) {
	t.Parallel()
	s := newTest(nil)
	mustRegister(t, s, Trigger{Name: "poll", Spec: "@every 1s", Handler: noop})
	for i := 0; i < 12; i++ {
		s.fire("poll")
	}
	if got := len(s.History()); got != 5 {
		t.Fatalf("history length = %d, want capped at 5", got)
	}
}

func TestSnapshotSorted(t *testing.T) {
	t.Parallel()
	s := newTest(nil)
	mustRegister(t, s, Trigger{Name: "zeta", Spec: "@every 1s", Handler: noop})
	mustRegister(t, s, Trigger{Name: "alpha", Spec: "@every 1s", Handler: noop})
	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].Name != "alpha" || snap[1].Name != "zeta" {
		t.Fatalf("snapshot = %+v, want sorted by name", snap)
	}
}

func mustRegister(t *testing.T, s *Scheduler, tr Trigger) {
	t.Helper()
	if err := s.Register(tr); err != nil {
		t.Fatal(err)
	}
}
