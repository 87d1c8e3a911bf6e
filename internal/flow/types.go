package flow

import (
	"strings"
	"time"
)

// Category names one outbound message kind. The engine treats categories as
// opaque: adding a new one requires a template mapping and a trigger, nothing
// else.
type Category string

const (
	// CategoryThreshold is sent once a contact's wait time enters the
	// configured [min,max] band.
	CategoryThreshold Category = "threshold"
	// CategoryEndOfDay is sent once during the end-of-day tolerance window,
	// regardless of band.
	CategoryEndOfDay Category = "end_of_day"
)

// Contact is a snapshot of one waiting caller as reported by the upstream
// contact platform. The engine never mutates contact records; wait time is
// derived at evaluation time, never stored.
type Contact struct {
	ID              string
	Name            string
	Phone           string
	SectorID        string
	ChannelID       string
	ChannelCategory string
	WaitingSince    time.Time
}

// WaitMinutes reports how long the contact has been waiting, measured at now.
func (c Contact) WaitMinutes(now time.Time) int {
	if c.WaitingSince.IsZero() || now.Before(c.WaitingSince) {
		return 0
	}
	return int(now.Sub(c.WaitingSince) / time.Minute)
}

// IdentityKey derives a stable dedup identity for a contact.
//
// Upstream session/attendance ids churn when a caller reconnects, so the key
// is built from fields that survive a reconnect: normalized name, the digits
// of the phone number, and the sector.
func IdentityKey(c Contact) string {
	name := strings.ToLower(strings.Join(strings.Fields(c.Name), " "))
	return name + "|" + phoneDigits(c.Phone) + "|" + strings.TrimSpace(c.SectorID)
}

func phoneDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Settings is the per-tick snapshot of the operator-controlled message flow
// configuration. It is read fresh each tick and never mutated by the engine.
type Settings struct {
	FlowPaused          bool
	EndOfDayPaused      bool
	IgnoreBusinessHours bool

	MinWaitMinutes int
	MaxWaitMinutes int

	ExcludedSectors  map[string]bool
	ExcludedChannels map[string]bool

	// Templates maps a category to the vendor action-card/template id.
	Templates map[Category]string
}

// Template resolves the template id for a category. Empty means unconfigured.
func (s Settings) Template(cat Category) string {
	return strings.TrimSpace(s.Templates[cat])
}

// SectorExcluded reports whether the sector is on the exclusion list.
func (s Settings) SectorExcluded(id string) bool { return s.ExcludedSectors[id] }

// ChannelExcluded reports whether the channel is on the exclusion list.
func (s Settings) ChannelExcluded(id string) bool { return s.ExcludedChannels[id] }

// IDSet builds an exclusion set from a list of ids, dropping blanks.
func IDSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			m[id] = true
		}
	}
	return m
}

// Status classifies the terminal result of one dispatch attempt.
type Status string

const (
	StatusSent    Status = "sent"
	StatusBlocked Status = "blocked"
	StatusFailed  Status = "failed"
)

// Outcome reason codes. Reasons are stable strings so downstream consumers
// (logs, dashboards) can aggregate on them.
const (
	ReasonPrimary             = "primary"
	ReasonFallback            = "fallback"
	ReasonReservationDenied   = "reservation_denied"
	ReasonStoreUnavailable    = "store_unavailable"
	ReasonSettingsUnavailable = "settings_unavailable"
	ReasonMissingTemplate     = "missing_template"
	ReasonSendFailed          = "send_failed"
	ReasonCanceled            = "canceled"
)

// Outcome is the per-attempt dispatch result emitted to the outcome sink.
// It is ephemeral: aggregated per tick, never persisted by the engine.
type Outcome struct {
	Status      Status
	Reason      string
	Category    Category
	ContactKey  string
	ContactName string
	TickID      string
	At          time.Time
}

// TickSummary aggregates one trigger tick for logging/metrics. An idle tick
// (nothing eligible) is still reported explicitly, never silently dropped.
type TickSummary struct {
	TickID   string
	Trigger  string
	Category Category
	Waiting  int
	Eligible int
	Sent     int
	Blocked  int
	Failed   int
	Took     time.Duration
}
