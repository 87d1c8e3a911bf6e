package eventbus

import (
	"testing"
	"time"
)

func TestFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeReclaimed, Data: 3})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case ev := <-ch:
			if ev.Type != TypeReclaimed || ev.Data.(int) != 3 {
				t.Fatalf("event = %+v", ev)
			}
			if ev.Time.IsZero() {
				t.Fatal("publish did not stamp time")
			}
		default:
			t.Fatal("subscriber missed the event")
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeTickIdle})
	b.Publish(Event{Type: TypeTickSummary}) // buffer full, dropped

	<-ch
	select {
	case ev := <-ch:
		t.Fatalf("expected drop, got %+v", ev)
	default:
	}
}

func TestUnsubscribeClosesAndStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // second call is a no-op

	b.Publish(Event{Type: TypeTickIdle, Time: time.Now()})

	if _, open := <-ch; open {
		t.Fatal("channel still open after unsubscribe")
	}
}
