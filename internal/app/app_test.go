package app

import (
	"os"
	"path/filepath"
	"testing"
)

const minimalConfig = `
logging:
  level: error
  console: false
  file:
    enabled: false
calendar:
  timezone: UTC
dedup:
  driver: none
chatapi:
  base_url: https://chat.example.com/api
  token: t
flow:
  min_wait_minutes: 30
  max_wait_minutes: 120
  templates:
    threshold: tpl-wait
    end_of_day: tpl-eod
triggers: {}
`

func TestNewWiresEverything(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waitline.yaml")
	if err := os.WriteFile(path, []byte(minimalConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer a.store.Close()

	snap := a.Scheduler().Snapshot()
	if len(snap) != 3 {
		t.Fatalf("triggers = %d, want 3", len(snap))
	}
	names := map[string]bool{}
	for _, ts := range snap {
		names[ts.Name] = true
	}
	for _, want := range []string{TriggerPoll, TriggerEndOfDay, TriggerMaintenance} {
		if !names[want] {
			t.Fatalf("trigger %s not registered (have %v)", want, names)
		}
	}
	for _, ts := range snap {
		if ts.Name == TriggerMaintenance && ts.Pausable {
			t.Fatal("maintenance trigger must not be pausable")
		}
	}

	if a.alerts != nil {
		t.Fatal("alerts should be disabled without a token")
	}
	if got := a.cfgm.Flow().Settings().MinWaitMinutes; got != 30 {
		t.Fatalf("flow settings not committed, min = %d", got)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waitline.yaml")
	if err := os.WriteFile(path, []byte("logging: {level: info}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path); err == nil {
		t.Fatal("config without chatapi.base_url accepted")
	}
}
