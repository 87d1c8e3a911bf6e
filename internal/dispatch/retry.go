package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy is the single retry/backoff shape used by the orchestrator.
// Zero fields fall back to defaults; Retryable defaults to IsTransient.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // 0.2 = +/-20%
	Retryable   func(error) bool
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 4
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Second
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

// Do runs fn up to MaxAttempts times, sleeping with exponential backoff
// between attempts. Sleeps suspend only the calling goroutine and abort
// promptly on ctx cancellation. It returns the attempt count alongside the
// final error.
func (p RetryPolicy) Do(ctx context.Context, rng *rand.Rand, fn func(ctx context.Context) error) (attempts int, err error) {
	p = p.withDefaults()

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		attempts = attempt
		err = fn(ctx)
		if err == nil {
			return attempts, nil
		}
		if !p.Retryable(err) {
			return attempts, err
		}
		if attempt >= p.MaxAttempts {
			return attempts, err
		}

		delay := p.delay(attempt, err, rng)
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return attempts, ctx.Err()
		case <-tmr.C:
		}
	}
	return attempts, err
}

// delay computes the backoff before the attempt following `attempt`.
// A RetryAfter hint from the error wins over the exponential curve; both are
// capped at MaxDelay and jittered to avoid thundering herds when many
// contacts retry in the same tick.
func (p RetryPolicy) delay(attempt int, err error, rng *rand.Rand) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}

	var ra RetryAfterError
	if errors.As(err, &ra) {
		d = ra.RetryAfter()
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.Jitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	return d
}

// withFallback runs primary and, if it exhausts its retries on a transient
// failure, runs fallback exactly once. Permanent errors and cancellation
// abort with no fallback.
func withFallback(ctx context.Context, primary, fallback func(ctx context.Context) error) (usedFallback bool, err error) {
	if err = primary(ctx); err == nil {
		return false, nil
	}
	if ctx.Err() != nil || !IsTransient(err) {
		return false, err
	}
	if ferr := fallback(ctx); ferr == nil {
		return true, nil
	}
	// The primary error is the more informative one to surface.
	return true, err
}
