package calendar

import (
	"testing"
	"time"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(Config{
		Timezone:          "UTC",
		BusinessStartHour: 8,
		BusinessEndHour:   18,
		SaturdayEndHour:   12,
		BlockingWindow:    time.Hour,
		EndOfDayTolerance: 10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

// 2025-03-10 is a Monday.
func mondayAt(h, m, s int) time.Time {
	return time.Date(2025, 3, 10, h, m, s, 0, time.UTC)
}

func TestBlockingWindowBoundaries(t *testing.T) {
	t.Parallel()
	e := testEngine(t)
	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{name: "just before window", at: mondayAt(16, 59, 59), want: false},
		{name: "window opens", at: mondayAt(17, 0, 0), want: true},
		{name: "last second", at: mondayAt(17, 59, 59), want: true},
		{name: "closing time", at: mondayAt(18, 0, 0), want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := e.IsBlockingWindow(tt.at); got != tt.want {
				t.Fatalf("IsBlockingWindow(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestEndOfDayWindowBoundaries(t *testing.T) {
	t.Parallel()
	e := testEngine(t)
	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{name: "before closing", at: mondayAt(17, 59, 0), want: false},
		{name: "at closing", at: mondayAt(18, 0, 0), want: true},
		{name: "at tolerance", at: mondayAt(18, 10, 0), want: true},
		{name: "last second of tolerance minute", at: mondayAt(18, 10, 59), want: true},
		{name: "past tolerance", at: mondayAt(18, 11, 0), want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := e.CanSendEndOfDay(tt.at); got != tt.want {
				t.Fatalf("CanSendEndOfDay(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestSaturdayUsesOwnClosingHour(t *testing.T) {
	t.Parallel()
	e := testEngine(t)

	// 2025-03-15 is a Saturday; closing hour 12 means the blocking window is 11:00-12:00.
	saturday := time.Date(2025, 3, 15, 11, 30, 0, 0, time.UTC)
	if !e.IsBlockingWindow(saturday) {
		t.Fatal("expected Saturday 11:30 inside blocking window")
	}
	if e.IsBusinessHours(time.Date(2025, 3, 15, 13, 0, 0, 0, time.UTC)) {
		t.Fatal("expected Saturday 13:00 outside business hours")
	}
	if !e.CanSendEndOfDay(time.Date(2025, 3, 15, 12, 5, 0, 0, time.UTC)) {
		t.Fatal("expected Saturday 12:05 inside end-of-day window")
	}
}

func TestSundayNeverWorksNorBlocks(t *testing.T) {
	t.Parallel()
	e := testEngine(t)

	// Same wall-clock instant as the Saturday blocking check, one day later.
	sunday := time.Date(2025, 3, 16, 11, 30, 0, 0, time.UTC)
	if e.IsWorkingDay(sunday) {
		t.Fatal("Sunday must not be a working day")
	}
	if e.IsBlockingWindow(sunday) {
		t.Fatal("Sunday must never block")
	}
	if e.IsBusinessHours(sunday) {
		t.Fatal("Sunday must not be business hours")
	}
	// The window itself still opens on Sunday; keeping the day gate out of
	// the engine lets the ignore-business-hours override lift it upstream.
	if !e.CanSendEndOfDay(time.Date(2025, 3, 16, 18, 5, 0, 0, time.UTC)) {
		t.Fatal("end-of-day window math must not depend on the weekday")
	}
}

func TestBusinessHoursBounds(t *testing.T) {
	t.Parallel()
	e := testEngine(t)
	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{name: "before opening", at: mondayAt(7, 59, 0), want: false},
		{name: "opening", at: mondayAt(8, 0, 0), want: true},
		{name: "last hour", at: mondayAt(17, 30, 0), want: true},
		{name: "closing", at: mondayAt(18, 0, 0), want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := e.IsBusinessHours(tt.at); got != tt.want {
				t.Fatalf("IsBusinessHours(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()
	if _, err := NewEngine(Config{BusinessStartHour: 19, BusinessEndHour: 18}); err == nil {
		t.Fatal("expected error for start >= end")
	}
	if _, err := NewEngine(Config{Timezone: "Not/AZone"}); err == nil {
		t.Fatal("expected error for bad timezone")
	}
}
