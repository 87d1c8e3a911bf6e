package config

import (
	"fmt"
	"strings"
	"time"

	"waitline/internal/calendar"
	"waitline/internal/dedup"
	"waitline/internal/flow"
	logx "waitline/pkg/logx"
)

// Config is the full on-disk configuration. JSON and YAML are both accepted;
// YAML is coerced to JSON before strict decoding so unknown keys are rejected
// in either format.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Calendar CalendarConfig `json:"calendar"`
	Dedup    DedupConfig    `json:"dedup"`
	ChatAPI  ChatAPIConfig  `json:"chatapi"`
	Alerts   AlertsConfig   `json:"alerts,omitempty"`
	Flow     FlowConfig     `json:"flow"`
	Triggers TriggersConfig `json:"triggers"`
	Dispatch DispatchConfig `json:"dispatch,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

func (l LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}

// CalendarConfig drives the sending-window engine. Hours are local to
// Timezone; zero hours fall back to the engine defaults.
type CalendarConfig struct {
	Timezone          string `json:"timezone"`
	BusinessStartHour int    `json:"business_start_hour,omitempty"`
	BusinessEndHour   int    `json:"business_end_hour,omitempty"`
	SaturdayEndHour   int    `json:"saturday_end_hour,omitempty"`
	BlockingWindow    string `json:"blocking_window,omitempty"`
	EndOfDayTolerance string `json:"end_of_day_tolerance,omitempty"`
}

func (c CalendarConfig) Engine() (calendar.Config, error) {
	blocking, err := parseDuration("calendar.blocking_window", c.BlockingWindow)
	if err != nil {
		return calendar.Config{}, err
	}
	tol, err := parseDuration("calendar.end_of_day_tolerance", c.EndOfDayTolerance)
	if err != nil {
		return calendar.Config{}, err
	}
	return calendar.Config{
		Timezone:          c.Timezone,
		BusinessStartHour: c.BusinessStartHour,
		BusinessEndHour:   c.BusinessEndHour,
		SaturdayEndHour:   c.SaturdayEndHour,
		BlockingWindow:    blocking,
		EndOfDayTolerance: tol,
	}, nil
}

// DedupConfig selects and tunes the reservation store backend.
type DedupConfig struct {
	Driver         string `json:"driver"` // "sqlite", "file", or "none"
	Path           string `json:"path"`
	BusyTimeout    string `json:"busy_timeout,omitempty"`
	ReservationTTL string `json:"reservation_ttl,omitempty"`
	Retention      string `json:"retention,omitempty"`
}

func (d DedupConfig) Store() (dedup.Config, error) {
	busy, err := parseDuration("dedup.busy_timeout", d.BusyTimeout)
	if err != nil {
		return dedup.Config{}, err
	}
	ttl, err := parseDuration("dedup.reservation_ttl", d.ReservationTTL)
	if err != nil {
		return dedup.Config{}, err
	}
	retention, err := parseDuration("dedup.retention", d.Retention)
	if err != nil {
		return dedup.Config{}, err
	}
	return dedup.Config{
		Driver:         d.Driver,
		Path:           d.Path,
		BusyTimeout:    busy,
		ReservationTTL: ttl,
		Retention:      retention,
	}, nil
}

// ChatAPIConfig points at the chat vendor's REST API.
type ChatAPIConfig struct {
	BaseURL    string `json:"base_url"`
	Token      string `json:"token"`
	Timeout    string `json:"timeout,omitempty"`      // per-request, default 10s
	RatePerSec int    `json:"rate_per_sec,omitempty"` // default 5
	Burst      int    `json:"burst,omitempty"`

	// Breaker trips the client after repeated vendor failures so a dead
	// vendor doesn't eat every tick's budget.
	Breaker BreakerConfig `json:"breaker,omitempty"`
}

type BreakerConfig struct {
	MaxFailures int    `json:"max_failures,omitempty"` // default 5
	OpenFor     string `json:"open_for,omitempty"`     // default 30s
}

// AlertsConfig configures operator alerting. Telegram is optional; when the
// token or chat is missing alerts are silently disabled.
type AlertsConfig struct {
	Telegram TelegramAlerts `json:"telegram,omitempty"`
}

type TelegramAlerts struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token,omitempty"`
	ChatID      int64  `json:"chat_id,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// FlowConfig holds the operator-tunable eligibility settings. It reloads
// live: edits take effect on the next tick without a restart.
type FlowConfig struct {
	Paused              bool `json:"paused"`
	EndOfDayPaused      bool `json:"end_of_day_paused"`
	IgnoreBusinessHours bool `json:"ignore_business_hours"`

	MinWaitMinutes int `json:"min_wait_minutes"`
	MaxWaitMinutes int `json:"max_wait_minutes"`

	ExcludedSectors  []string `json:"excluded_sectors,omitempty"`
	ExcludedChannels []string `json:"excluded_channels,omitempty"`

	Templates TemplatesConfig `json:"templates"`
}

type TemplatesConfig struct {
	Threshold string `json:"threshold"`
	EndOfDay  string `json:"end_of_day"`
}

func (f FlowConfig) Settings() flow.Settings {
	return flow.Settings{
		FlowPaused:          f.Paused,
		EndOfDayPaused:      f.EndOfDayPaused,
		IgnoreBusinessHours: f.IgnoreBusinessHours,
		MinWaitMinutes:      f.MinWaitMinutes,
		MaxWaitMinutes:      f.MaxWaitMinutes,
		ExcludedSectors:     flow.IDSet(f.ExcludedSectors),
		ExcludedChannels:    flow.IDSet(f.ExcludedChannels),
		Templates: map[flow.Category]string{
			flow.CategoryThreshold: f.Templates.Threshold,
			flow.CategoryEndOfDay:  f.Templates.EndOfDay,
		},
	}
}

// TriggersConfig tunes the cron schedules. Empty specs fall back to the
// standard cadence: poll every minute, end-of-day check every minute,
// maintenance daily at 03:00.
type TriggersConfig struct {
	Timezone               string `json:"timezone,omitempty"` // defaults to calendar.timezone
	PollSpec               string `json:"poll_spec,omitempty"`
	EndOfDaySpec           string `json:"end_of_day_spec,omitempty"`
	MaintenanceSpec        string `json:"maintenance_spec,omitempty"`
	DefaultTimeout         string `json:"default_timeout,omitempty"`
	HistorySize            int    `json:"history_size,omitempty"`
	MaxConsecutiveFailures int    `json:"max_consecutive_failures,omitempty"`
}

// DispatchConfig tunes retry/fallback behavior per send.
type DispatchConfig struct {
	MaxAttempts  int     `json:"max_attempts,omitempty"`
	BaseDelay    string  `json:"base_delay,omitempty"`
	MaxDelay     string  `json:"max_delay,omitempty"`
	Jitter       float64 `json:"jitter,omitempty"`
	Parallelism  int     `json:"parallelism,omitempty"`
	FallbackText string  `json:"fallback_text,omitempty"`
}

// Validate checks everything that can fail at reload time, so a bad edit is
// rejected before it reaches any running component.
func (c *Config) Validate() error {
	cal, err := c.Calendar.Engine()
	if err != nil {
		return err
	}
	if _, err := calendar.NewEngine(cal); err != nil {
		return err
	}
	if _, err := c.Dedup.Store(); err != nil {
		return err
	}
	switch strings.TrimSpace(c.Dedup.Driver) {
	case "", "none", "file", "sqlite":
	default:
		return fmt.Errorf("dedup.driver: unknown driver %q", c.Dedup.Driver)
	}
	if strings.TrimSpace(c.ChatAPI.BaseURL) == "" {
		return fmt.Errorf("chatapi.base_url is required")
	}
	for _, f := range []struct{ path, raw string }{
		{"chatapi.timeout", c.ChatAPI.Timeout},
		{"chatapi.breaker.open_for", c.ChatAPI.Breaker.OpenFor},
		{"alerts.telegram.poll_timeout", c.Alerts.Telegram.PollTimeout},
		{"triggers.default_timeout", c.Triggers.DefaultTimeout},
		{"dispatch.base_delay", c.Dispatch.BaseDelay},
		{"dispatch.max_delay", c.Dispatch.MaxDelay},
	} {
		if _, err := parseDuration(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Flow.MinWaitMinutes < 0 || c.Flow.MaxWaitMinutes < 0 {
		return fmt.Errorf("flow: wait minutes must be >= 0")
	}
	// A zero max with a threshold template yields an empty band: every
	// contact would age straight past it.
	if c.Flow.Templates.Threshold != "" && c.Flow.MaxWaitMinutes == 0 {
		return fmt.Errorf("flow: max_wait_minutes must be > 0 when a threshold template is set")
	}
	if c.Flow.MaxWaitMinutes > 0 && c.Flow.MinWaitMinutes > c.Flow.MaxWaitMinutes {
		return fmt.Errorf("flow: min_wait_minutes %d exceeds max_wait_minutes %d",
			c.Flow.MinWaitMinutes, c.Flow.MaxWaitMinutes)
	}
	if c.Alerts.Telegram.Enabled && strings.TrimSpace(c.Alerts.Telegram.Token) == "" {
		return fmt.Errorf("alerts.telegram: enabled without a token")
	}
	return nil
}

func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
