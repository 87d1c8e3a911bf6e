// Package telegram sends operator alerts to a Telegram chat: trigger
// auto-disables, reclaim anomalies, startup and shutdown notices. It is
// strictly best-effort; a missing token disables it without error.
package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"waitline/internal/eventbus"
	"waitline/internal/scheduler"
	logx "waitline/pkg/logx"
)

type Config struct {
	Enabled     bool
	Token       string
	ChatID      int64
	PollTimeout time.Duration
}

type Alerter struct {
	bot     *tele.Bot
	chat    *tele.Chat
	log     logx.Logger
	limiter *rate.Limiter
}

// New builds the alerter. A disabled or unconfigured section yields a nil
// *Alerter, whose methods are all safe no-ops.
func New(cfg Config, log logx.Logger) (*Alerter, error) {
	if !cfg.Enabled || strings.TrimSpace(cfg.Token) == "" || cfg.ChatID == 0 {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram alerts: %w", err)
	}
	return &Alerter{
		bot:  bot,
		chat: &tele.Chat{ID: cfg.ChatID},
		log:  log,
		// One alert per second with a small burst keeps a flapping trigger
		// from flooding the chat.
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}, nil
}

// Notify sends one message to the operator chat.
func (a *Alerter) Notify(text string) {
	if a == nil {
		return
	}
	if !a.limiter.Allow() {
		a.log.Debug("operator alert dropped by rate limit")
		return
	}
	if _, err := a.bot.Send(a.chat, text); err != nil {
		a.log.Warn("operator alert send failed", logx.Err(err))
	}
}

// Run consumes engine events until ctx is canceled, forwarding the ones an
// operator should see. Intended to run under the app supervisor.
func (a *Alerter) Run(ctx context.Context, bus eventbus.Bus) {
	if a == nil || bus == nil {
		return
	}
	events, unsubscribe := bus.Subscribe(16)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if text := format(ev); text != "" {
				a.Notify(text)
			}
		}
	}
}

// format renders an event for the operator chat; empty means not alertable.
func format(ev eventbus.Event) string {
	switch ev.Type {
	case eventbus.TypeTriggerDisabled:
		d, ok := ev.Data.(scheduler.DisabledEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("⚠️ trigger %s disabled after %d consecutive failures\nlast error: %s",
			d.Trigger, d.Failures, d.LastError)
	case eventbus.TypeReclaimed:
		n, ok := ev.Data.(int)
		if !ok || n == 0 {
			return ""
		}
		return fmt.Sprintf("🧹 reclaimed %d expired send reservations", n)
	default:
		return ""
	}
}
