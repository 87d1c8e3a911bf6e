package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"waitline/internal/flow"
	logx "waitline/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
  file:
    enabled: true
    path: ./waitline.log
calendar:
  timezone: America/Sao_Paulo
  business_start_hour: 8
  business_end_hour: 18
  saturday_end_hour: 12
  blocking_window: 1h
  end_of_day_tolerance: 10m
dedup:
  driver: sqlite
  path: ./waitline.db
  reservation_ttl: 10m
  retention: 20h
chatapi:
  base_url: https://chat.example.com/api
  token: secret
  timeout: 10s
  rate_per_sec: 5
flow:
  paused: false
  end_of_day_paused: false
  ignore_business_hours: false
  min_wait_minutes: 30
  max_wait_minutes: 120
  excluded_sectors: [internal]
  templates:
    threshold: tpl-wait
    end_of_day: tpl-eod
triggers:
  poll_spec: "@every 1m"
  max_consecutive_failures: 5
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "waitline.yaml", sampleYAML), logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Logging.Level != "debug" || !cfg.Logging.File.Enabled {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	cal, err := cfg.Calendar.Engine()
	if err != nil {
		t.Fatal(err)
	}
	if cal.Timezone != "America/Sao_Paulo" || cal.BlockingWindow != time.Hour || cal.EndOfDayTolerance != 10*time.Minute {
		t.Fatalf("calendar = %+v", cal)
	}
	store, err := cfg.Dedup.Store()
	if err != nil {
		t.Fatal(err)
	}
	if store.Driver != "sqlite" || store.ReservationTTL != 10*time.Minute || store.Retention != 20*time.Hour {
		t.Fatalf("dedup = %+v", store)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestFlowSettingsConversion(t *testing.T) {
	t.Parallel()
	f := FlowConfig{
		Paused:           true,
		MinWaitMinutes:   30,
		MaxWaitMinutes:   120,
		ExcludedSectors:  []string{"internal"},
		ExcludedChannels: []string{"c9"},
		Templates:        TemplatesConfig{Threshold: "tpl-wait", EndOfDay: "tpl-eod"},
	}
	st := f.Settings()
	if !st.FlowPaused || st.MinWaitMinutes != 30 || st.MaxWaitMinutes != 120 {
		t.Fatalf("settings = %+v", st)
	}
	if st.Template(flow.CategoryThreshold) != "tpl-wait" || st.Template(flow.CategoryEndOfDay) != "tpl-eod" {
		t.Fatalf("templates = %+v", st.Templates)
	}
	if !st.SectorExcluded("internal") || st.SectorExcluded("triage") {
		t.Fatal("sector exclusion mapping broken")
	}
	if !st.ChannelExcluded("c9") {
		t.Fatal("channel exclusion mapping broken")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	body := strings.Replace(sampleYAML, "poll_spec:", "pol_spec:", 1)
	m := NewManager(writeConfig(t, "waitline.yaml", body), logx.Nop())
	if _, err := m.Load(); err == nil {
		t.Fatal("misspelled key accepted")
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad duration", func(c *Config) { c.Calendar.BlockingWindow = "one hour" }},
		{"negative duration", func(c *Config) { c.ChatAPI.Timeout = "-5s" }},
		{"unknown dedup driver", func(c *Config) { c.Dedup.Driver = "redis" }},
		{"missing base url", func(c *Config) { c.ChatAPI.BaseURL = " " }},
		{"inverted band", func(c *Config) { c.Flow.MinWaitMinutes = 200; c.Flow.MaxWaitMinutes = 100 }},
		{"zero max with threshold template", func(c *Config) { c.Flow.MaxWaitMinutes = 0 }},
		{"alerts without token", func(c *Config) { c.Alerts.Telegram.Enabled = true }},
		{"bad timezone", func(c *Config) { c.Calendar.Timezone = "Mars/Olympus" }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeConfig(t, "waitline.yaml", sampleYAML), logx.Nop())
			cfg, err := m.Load()
			if err != nil {
				t.Fatal(err)
			}
			bad := *cfg
			tc.mutate(&bad)
			if err := bad.Validate(); err == nil {
				t.Fatal("bad config accepted")
			}
		})
	}
}

func TestReloadPublishesToSubscribers(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "waitline.yaml", sampleYAML)
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	updated := strings.Replace(sampleYAML, "min_wait_minutes: 30", "min_wait_minutes: 45", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	m.reload()

	select {
	case cfg := <-ch:
		if cfg.Flow.MinWaitMinutes != 45 {
			t.Fatalf("min_wait_minutes = %d, want 45", cfg.Flow.MinWaitMinutes)
		}
	default:
		t.Fatal("no update published")
	}
	if m.Flow().MinWaitMinutes != 45 {
		t.Fatal("committed flow settings not updated")
	}
}

func TestReloadRejectedKeepsCommitted(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "waitline.yaml", sampleYAML)
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	bad := strings.Replace(sampleYAML, "blocking_window: 1h", "blocking_window: whenever", 1)
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	m.reload()

	select {
	case <-ch:
		t.Fatal("rejected config was published")
	default:
	}
	if m.Get().Flow.MinWaitMinutes != 30 {
		t.Fatal("committed config changed after rejected reload")
	}
}

func TestReloadSkipsUnchangedContent(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "waitline.yaml", sampleYAML)
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	m.reload()
	select {
	case <-ch:
		t.Fatal("unchanged content was republished")
	default:
	}
}

func TestChangedSections(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "waitline.yaml", sampleYAML), logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	next := *cfg
	next.Flow.Paused = true
	next.Triggers.PollSpec = "@every 30s"

	got := ChangedSections(cfg, &next)
	if len(got) != 2 || got[0] != "flow" || got[1] != "triggers" {
		t.Fatalf("changed = %v, want [flow triggers]", got)
	}
}
