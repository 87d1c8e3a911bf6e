// Package eventbus carries dispatch outcomes and lifecycle signals from the
// engine to whoever wants them (log sink, operator alerts, future UI).
package eventbus

import (
	"sync"
	"time"
)

// Well-known event types.
const (
	TypeOutcome         = "dispatch.outcome" // Data: flow.Outcome
	TypeTickSummary     = "tick.summary"     // Data: flow.TickSummary
	TypeTickIdle        = "tick.idle"        // Data: flow.TickSummary (zero counts)
	TypeTriggerDisabled = "trigger.disabled" // Data: scheduler.DisabledEvent
	TypeReclaimed       = "dedup.reclaimed"  // Data: removed entry count
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish never blocks.
//   - Slow subscribers lose events rather than stall the publisher.
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines; delivery
// happens on the publisher's stack.
func New() Bus {
	return &memBus{}
}

type memBus struct {
	mu   sync.Mutex
	subs []*subscriber
}

type subscriber struct {
	ch     chan Event
	closed bool
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends are non-blocking, so holding the lock through delivery is cheap
	// and means an unsubscribed channel can never be written to.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.closed {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s.closed {
			return
		}
		s.closed = true
		close(s.ch)
		for i, cur := range b.subs {
			if cur == s {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
	}
	return s.ch, unsub
}
