package app

import (
	"context"
	"fmt"
	"time"

	"waitline/internal/eventbus"
	"waitline/internal/flow"
	logx "waitline/pkg/logx"
)

// pollTick is the threshold cadence: fetch the queue, filter by waiting-time
// band and window gates, dispatch.
func (a *App) pollTick(ctx context.Context) error {
	return a.runTick(ctx, TriggerPoll, flow.CategoryThreshold)
}

// endOfDayTick runs the same pipeline for the end-of-day category, which is
// only ever eligible inside the closing tolerance window.
func (a *App) endOfDayTick(ctx context.Context) error {
	return a.runTick(ctx, TriggerEndOfDay, flow.CategoryEndOfDay)
}

func (a *App) runTick(ctx context.Context, trigger string, cat flow.Category) error {
	st, err := a.settings.Settings(ctx)
	if err != nil {
		return fmt.Errorf("%s: settings: %w", trigger, err)
	}
	now := time.Now().In(a.cal.Location())

	contacts, err := a.source.FetchWaiting(ctx)
	if err != nil {
		// A fetch failure means no contacts this tick, not a trigger
		// failure. The next tick retries; the idle summary still goes out.
		a.log.Warn("fetch waiting failed, tick treated as empty",
			logx.String("trigger", trigger), logx.Err(err))
		a.orch.Run(ctx, trigger, 0, nil, cat, st)
		return nil
	}

	eligible := a.filter.Evaluate(ctx, contacts, cat, st, now)
	if len(eligible) == 0 && len(contacts) > 0 {
		a.log.Debug("no eligible contacts this tick",
			logx.String("trigger", trigger), logx.Int("waiting", len(contacts)))
	}
	a.orch.Run(ctx, trigger, len(contacts), eligible, cat, st)
	return nil
}

// maintenanceTick sweeps the reservation store: stale reservations past
// their TTL and confirmed entries past retention.
func (a *App) maintenanceTick(ctx context.Context) error {
	n, err := a.store.ReclaimExpired(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("%s: %w", TriggerMaintenance, err)
	}
	if n > 0 {
		a.log.Info("reclaimed expired dedup entries", logx.Int("count", n))
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeReclaimed, Data: n})
	}
	return nil
}
