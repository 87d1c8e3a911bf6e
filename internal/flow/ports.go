package flow

import "context"

// Source provides the waiting-queue snapshot. A fetch failure means "no
// contacts this tick": the caller logs it and moves on.
type Source interface {
	FetchWaiting(ctx context.Context) ([]Contact, error)
}

// Notifier abstracts the vendor chat API. The engine does not know its wire
// format; it only distinguishes the templated primary path from the degraded
// plain-text fallback.
type Notifier interface {
	Send(ctx context.Context, c Contact, templateRef string) error
	SendFallback(ctx context.Context, c Contact, text string) error
}

// SettingsProvider returns a fresh settings snapshot. Called once per tick;
// the engine never caches beyond the tick's lifetime.
type SettingsProvider interface {
	Settings(ctx context.Context) (Settings, error)
}
