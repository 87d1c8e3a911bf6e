// Package dispatch owns the reserve -> send-with-retry -> confirm-or-release
// protocol. It is the only place in the engine with retry, backoff, and
// fallback logic.
package dispatch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"waitline/internal/dedup"
	"waitline/internal/eventbus"
	"waitline/internal/flow"
	logx "waitline/pkg/logx"
)

// Config tunes the orchestrator.
type Config struct {
	Retry RetryPolicy

	// Parallelism bounds concurrent sends across distinct contacts within one
	// tick. Retries for a single contact are always sequential.
	Parallelism int

	// FallbackText is the degraded plain-text message used when the templated
	// send exhausts its retries.
	FallbackText string
}

func (c Config) withDefaults() Config {
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	if c.FallbackText == "" {
		c.FallbackText = "Seguimos com você na fila. Um atendente falará com você em breve."
	}
	return c
}

type Orchestrator struct {
	cfg      Config
	store    dedup.Store
	notifier flow.Notifier
	bus      eventbus.Bus
	log      logx.Logger

	rmu sync.Mutex
	rng *rand.Rand
}

func NewOrchestrator(cfg Config, store dedup.Store, notifier flow.Notifier, bus eventbus.Bus, log logx.Logger) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if store == nil {
		store = dedup.Disabled()
	}
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		store:    store,
		notifier: notifier,
		bus:      bus,
		log:      log,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Dispatch sends one message to one contact under the at-most-once protocol
// and returns the terminal outcome. Every exit path either confirms or
// releases the reservation; cancellation included.
func (o *Orchestrator) Dispatch(ctx context.Context, c flow.Contact, cat flow.Category, st flow.Settings) flow.Outcome {
	key := flow.IdentityKey(c)
	out := flow.Outcome{
		Category:    cat,
		ContactKey:  key,
		ContactName: c.Name,
		At:          time.Now(),
	}

	granted, err := o.store.Reserve(ctx, key, cat)
	if err != nil {
		// Store trouble denies: nothing irreversible happened, so this is
		// blocked, not failed.
		o.log.Warn("reservation unavailable", logx.String("key", key), logx.String("category", string(cat)), logx.Err(err))
		out.Status = flow.StatusBlocked
		out.Reason = flow.ReasonStoreUnavailable
		return out
	}
	if !granted {
		out.Status = flow.StatusBlocked
		out.Reason = flow.ReasonReservationDenied
		return out
	}

	tpl := st.Template(cat)
	if tpl == "" {
		// Configuration error: release and surface distinctly so operators
		// can fix the template mapping. Never retried.
		o.release(key, cat)
		o.log.Error("no template configured for category", logx.String("category", string(cat)))
		out.Status = flow.StatusFailed
		out.Reason = flow.ReasonMissingTemplate
		return out
	}

	attempts, usedFallback, err := o.send(ctx, c, tpl)
	if err != nil {
		o.release(key, cat)
		if ctx.Err() != nil {
			out.Status = flow.StatusFailed
			out.Reason = flow.ReasonCanceled
			return out
		}
		o.log.Warn("dispatch failed",
			logx.String("key", key), logx.String("category", string(cat)),
			logx.Int("attempts", attempts), logx.Bool("fallback", usedFallback), logx.Err(err))
		out.Status = flow.StatusFailed
		out.Reason = flow.ReasonSendFailed
		return out
	}

	meta := dedup.Meta{TemplateRef: tpl, SentAt: time.Now()}
	if cerr := o.store.Confirm(ctx, key, cat, meta); cerr != nil {
		// The message went out; a confirm anomaly is loud but not fatal.
		o.log.Error("confirm failed after send", logx.String("key", key), logx.String("category", string(cat)), logx.Err(cerr))
	}

	out.Status = flow.StatusSent
	out.Reason = flow.ReasonPrimary
	if usedFallback {
		out.Reason = flow.ReasonFallback
	}
	o.log.Info("message dispatched",
		logx.String("contact", c.Name), logx.String("category", string(cat)),
		logx.Int("attempts", attempts), logx.Bool("fallback", usedFallback))
	return out
}

// send runs the templated primary with retry, then one fallback attempt.
func (o *Orchestrator) send(ctx context.Context, c flow.Contact, tpl string) (attempts int, usedFallback bool, err error) {
	primary := func(ctx context.Context) error {
		n, perr := o.cfg.Retry.Do(ctx, o.randSource(), func(ctx context.Context) error {
			return o.notifier.Send(ctx, c, tpl)
		})
		attempts = n
		return perr
	}
	fallback := func(ctx context.Context) error {
		return o.notifier.SendFallback(ctx, c, o.cfg.FallbackText)
	}
	usedFallback, err = withFallback(ctx, primary, fallback)
	return attempts, usedFallback, err
}

// Run dispatches a whole eligible set with bounded parallelism, publishing
// each outcome and a tick summary to the bus. waiting is the size of the
// full queue snapshot the eligible set was filtered from.
func (o *Orchestrator) Run(ctx context.Context, trigger string, waiting int, contacts []flow.Contact, cat flow.Category, st flow.Settings) []flow.Outcome {
	start := time.Now()
	tickID := uuid.NewString()

	outcomes := make([]flow.Outcome, len(contacts))
	sem := make(chan struct{}, o.cfg.Parallelism)
	var wg sync.WaitGroup
	for i, c := range contacts {
		i, c := i, c
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			out := o.Dispatch(ctx, c, cat, st)
			out.TickID = tickID
			outcomes[i] = out
			if o.bus != nil {
				o.bus.Publish(eventbus.Event{Type: eventbus.TypeOutcome, Time: out.At, Data: out})
			}
		}()
	}
	wg.Wait()

	summary := flow.TickSummary{
		TickID:   tickID,
		Trigger:  trigger,
		Category: cat,
		Waiting:  waiting,
		Eligible: len(contacts),
		Took:     time.Since(start),
	}
	for _, out := range outcomes {
		switch out.Status {
		case flow.StatusSent:
			summary.Sent++
		case flow.StatusBlocked:
			summary.Blocked++
		case flow.StatusFailed:
			summary.Failed++
		}
	}
	if o.bus != nil {
		typ := eventbus.TypeTickSummary
		if len(contacts) == 0 {
			typ = eventbus.TypeTickIdle
		}
		o.bus.Publish(eventbus.Event{Type: typ, Data: summary})
	}
	return outcomes
}

// randSource hands the retry policy a serialized rng; Dispatch may run from
// several goroutines at once.
func (o *Orchestrator) randSource() *rand.Rand {
	o.rmu.Lock()
	defer o.rmu.Unlock()
	return rand.New(rand.NewSource(o.rng.Int63()))
}

// release detaches from the caller's ctx so a canceled dispatch still frees
// its reservation instead of orphaning it.
func (o *Orchestrator) release(key string, cat flow.Category) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.store.Release(ctx, key, cat); err != nil {
		o.log.Error("release failed, reservation will expire by TTL",
			logx.String("key", key), logx.String("category", string(cat)), logx.Err(err))
	}
}
