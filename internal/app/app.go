// Package app wires the engine together: config, logging, the reservation
// store, the vendor client, the eligibility filter, the dispatch
// orchestrator, and the trigger scheduler.
package app

import (
	"context"
	"fmt"
	"time"

	"waitline/internal/adapters/chatapi"
	"waitline/internal/adapters/telegram"
	"waitline/internal/calendar"
	"waitline/internal/config"
	"waitline/internal/dedup"
	"waitline/internal/dispatch"
	"waitline/internal/eligibility"
	"waitline/internal/eventbus"
	"waitline/internal/flow"
	"waitline/internal/runtime/supervisor"
	"waitline/internal/scheduler"
	logx "waitline/pkg/logx"
)

// Trigger names, also used as cron job identities in logs and snapshots.
const (
	TriggerPoll        = "queue.poll"
	TriggerEndOfDay    = "queue.endofday"
	TriggerMaintenance = "dedup.maintenance"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus
	sup  *supervisor.Supervisor

	store    dedup.Store
	cal      *calendar.Engine
	source   flow.Source
	settings flow.SettingsProvider
	alerts   *telegram.Alerter
	filter   *eligibility.Filter
	orch     *dispatch.Orchestrator
	sched    *scheduler.Scheduler
}

// New loads the config file and builds every component. Sections that feed
// constructed components (calendar, dedup, chatapi, triggers) take effect on
// restart; flow settings and logging reload live.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO").With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(cfg.Logging.Logx())
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	calCfg, err := cfg.Calendar.Engine()
	if err != nil {
		return nil, err
	}
	cal, err := calendar.NewEngine(calCfg)
	if err != nil {
		return nil, err
	}

	dedupCfg, err := cfg.Dedup.Store()
	if err != nil {
		return nil, err
	}
	store, err := dedup.Open(dedupCfg, log.With(logx.String("comp", "dedup")))
	if err != nil {
		return nil, fmt.Errorf("open dedup store: %w", err)
	}
	if store == nil {
		// No backend configured: deny every send rather than risk doubles.
		log.Warn("dedup store disabled, all dispatches will be blocked")
		store = dedup.Disabled()
	}

	chatTimeout, _ := durationOf(cfg.ChatAPI.Timeout)
	breakerOpen, _ := durationOf(cfg.ChatAPI.Breaker.OpenFor)
	client, err := chatapi.New(chatapi.Config{
		BaseURL:            cfg.ChatAPI.BaseURL,
		Token:              cfg.ChatAPI.Token,
		Timeout:            chatTimeout,
		RatePerSec:         cfg.ChatAPI.RatePerSec,
		Burst:              cfg.ChatAPI.Burst,
		BreakerMaxFailures: cfg.ChatAPI.Breaker.MaxFailures,
		BreakerOpenFor:     breakerOpen,
	}, log.With(logx.String("comp", "chatapi")))
	if err != nil {
		store.Close()
		return nil, err
	}

	alertTimeout, _ := durationOf(cfg.Alerts.Telegram.PollTimeout)
	alerts, err := telegram.New(telegram.Config{
		Enabled:     cfg.Alerts.Telegram.Enabled,
		Token:       cfg.Alerts.Telegram.Token,
		ChatID:      cfg.Alerts.Telegram.ChatID,
		PollTimeout: alertTimeout,
	}, log.With(logx.String("comp", "alerts")))
	if err != nil {
		store.Close()
		return nil, err
	}

	bus := eventbus.New()
	retryBase, _ := durationOf(cfg.Dispatch.BaseDelay)
	retryMax, _ := durationOf(cfg.Dispatch.MaxDelay)
	orch := dispatch.NewOrchestrator(dispatch.Config{
		Retry: dispatch.RetryPolicy{
			MaxAttempts: cfg.Dispatch.MaxAttempts,
			BaseDelay:   retryBase,
			MaxDelay:    retryMax,
			Jitter:      cfg.Dispatch.Jitter,
		},
		Parallelism:  cfg.Dispatch.Parallelism,
		FallbackText: cfg.Dispatch.FallbackText,
	}, store, client, bus, log.With(logx.String("comp", "dispatch")))

	tz := cfg.Triggers.Timezone
	if tz == "" {
		tz = cfg.Calendar.Timezone
	}
	trigTimeout, _ := durationOf(cfg.Triggers.DefaultTimeout)
	sched := scheduler.New(scheduler.Config{
		Timezone:       tz,
		DefaultTimeout: trigTimeout,
		HistorySize:    cfg.Triggers.HistorySize,
	}, bus, log.With(logx.String("comp", "scheduler")))

	a := &App{
		cfgm:     cfgm,
		logs:     logs,
		log:      log,
		bus:      bus,
		store:    store,
		cal:      cal,
		source:   client,
		settings: cfgm,
		alerts:   alerts,
		filter:   eligibility.NewFilter(cal, store, log.With(logx.String("comp", "eligibility"))),
		orch:     orch,
		sched:    sched,
	}
	if err := a.registerTriggers(cfg.Triggers); err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) registerTriggers(tc config.TriggersConfig) error {
	maxFails := tc.MaxConsecutiveFailures
	if maxFails <= 0 {
		maxFails = 5
	}
	triggers := []scheduler.Trigger{
		{
			Name:                   TriggerPoll,
			Spec:                   specOr(tc.PollSpec, "@every 1m"),
			Pausable:               true,
			MaxConsecutiveFailures: maxFails,
			Handler:                a.pollTick,
		},
		{
			Name:                   TriggerEndOfDay,
			Spec:                   specOr(tc.EndOfDaySpec, "@every 1m"),
			Pausable:               true,
			MaxConsecutiveFailures: maxFails,
			Handler:                a.endOfDayTick,
		},
		{
			// Maintenance is deliberately not pausable: reservation hygiene
			// must outlive operator pauses.
			Name:    TriggerMaintenance,
			Spec:    specOr(tc.MaintenanceSpec, "0 3 * * *"),
			Handler: a.maintenanceTick,
		},
	}
	for _, t := range triggers {
		if err := a.sched.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Start brings up the background goroutines and the cron loop, then reports
// readiness to systemd.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(false),
	)

	a.sup.GoRestart("config.watch", func(ctx context.Context) error {
		return a.cfgm.Watch(ctx)
	})
	a.sup.Go("config.apply", func(ctx context.Context) error {
		a.applyUpdates(ctx)
		return nil
	})
	a.sup.Go("outcome.log", func(ctx context.Context) error {
		a.logOutcomes(ctx)
		return nil
	})
	if a.alerts != nil {
		a.sup.Go("alerts.telegram", func(ctx context.Context) error {
			a.alerts.Run(ctx, a.bus)
			return nil
		})
	}

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	notifyReady(a.sup, a.log)
	a.alerts.Notify("waitline engine started")
	a.log.Info("engine started")
	return nil
}

// Stop shuts everything down in dependency order: cron first so no new tick
// starts, then the goroutines, then the store.
func (a *App) Stop(ctx context.Context) error {
	notifyStopping(a.log)
	a.alerts.Notify("waitline engine stopping")

	a.sched.Stop()
	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	a.log.Info("engine stopped")
	a.logs.Close()
	return err
}

// Scheduler exposes trigger control (pause/resume/run-now/snapshot).
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// applyUpdates consumes accepted config reloads and applies the live
// sections.
func (a *App) applyUpdates(ctx context.Context) {
	updates := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(updates)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			a.logs.Apply(cfg.Logging.Logx())
			// Flow settings are read from the manager at each tick; nothing
			// to push here.
			a.log.Info("applied config update")
		}
	}
}

// logOutcomes is the default bus subscriber: every outcome and tick summary
// lands in the structured log.
func (a *App) logOutcomes(ctx context.Context) {
	events, unsubscribe := a.bus.Subscribe(64)
	defer unsubscribe()
	log := a.log.With(logx.String("comp", "outcome"))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case eventbus.TypeOutcome:
				out, ok := ev.Data.(flow.Outcome)
				if !ok {
					continue
				}
				log.Info("outcome",
					logx.String("tick", out.TickID),
					logx.String("category", string(out.Category)),
					logx.String("contact", out.ContactName),
					logx.String("status", string(out.Status)),
					logx.String("reason", string(out.Reason)))
			case eventbus.TypeTickSummary:
				sum, ok := ev.Data.(flow.TickSummary)
				if !ok {
					continue
				}
				log.Info("tick summary",
					logx.String("tick", sum.TickID),
					logx.String("trigger", sum.Trigger),
					logx.Int("waiting", sum.Waiting),
					logx.Int("eligible", sum.Eligible),
					logx.Int("sent", sum.Sent),
					logx.Int("blocked", sum.Blocked),
					logx.Int("failed", sum.Failed),
					logx.Duration("took", sum.Took))
			}
		}
	}
}

func specOr(spec, def string) string {
	if spec == "" {
		return def
	}
	return spec
}

// durationOf parses a config duration that Validate has already checked.
func durationOf(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}
