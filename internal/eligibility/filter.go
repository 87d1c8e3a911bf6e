// Package eligibility decides, per message category, which waiting contacts
// may be dispatched this tick. It is read-only: the filter inspects calendar
// windows, operator settings, and the exclusion ledger, but never mutates
// anything. Reservation stays with the dispatcher.
package eligibility

import (
	"context"
	"time"

	"waitline/internal/calendar"
	"waitline/internal/dedup"
	"waitline/internal/flow"
	logx "waitline/pkg/logx"
)

type Filter struct {
	cal   *calendar.Engine
	store dedup.Store
	log   logx.Logger
}

func NewFilter(cal *calendar.Engine, store dedup.Store, log logx.Logger) *Filter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if store == nil {
		store = dedup.Disabled()
	}
	return &Filter{cal: cal, store: store, log: log}
}

// Evaluate returns the contacts eligible for the category at now.
// Result ordering is unspecified.
//
// IgnoreBusinessHours overrides the working-day and business-hours gates only.
// It never overrides the pre-closing blocking window or the end-of-day
// tolerance window.
func (f *Filter) Evaluate(ctx context.Context, contacts []flow.Contact, cat flow.Category, st flow.Settings, now time.Time) []flow.Contact {
	if st.FlowPaused {
		return nil
	}
	if cat == flow.CategoryEndOfDay && st.EndOfDayPaused {
		return nil
	}

	switch cat {
	case flow.CategoryEndOfDay:
		if !f.cal.CanSendEndOfDay(now) {
			return nil
		}
		if !st.IgnoreBusinessHours && !f.cal.IsWorkingDay(now) {
			return nil
		}
	default:
		// threshold and any future wait-band category
		if f.cal.IsBlockingWindow(now) {
			return nil
		}
		if !st.IgnoreBusinessHours && !f.cal.IsBusinessHours(now) {
			return nil
		}
	}

	eligible := make([]flow.Contact, 0, len(contacts))
	for _, c := range contacts {
		if st.SectorExcluded(c.SectorID) || st.ChannelExcluded(c.ChannelID) {
			continue
		}

		if cat != flow.CategoryEndOfDay {
			// Inclusive band. Contacts aged past the maximum are intentionally
			// left to the end-of-day category.
			w := c.WaitMinutes(now)
			if w < st.MinWaitMinutes || w > st.MaxWaitMinutes {
				continue
			}
		}

		key := flow.IdentityKey(c)
		confirmed, err := f.store.Confirmed(ctx, key, cat)
		if err != nil {
			// Fail closed: with the ledger unreadable, assume already sent.
			f.log.Warn("exclusion pre-check failed, skipping contact",
				logx.String("key", key), logx.String("category", string(cat)), logx.Err(err))
			continue
		}
		if confirmed {
			continue
		}
		eligible = append(eligible, c)
	}
	return eligible
}
