package eventbus

import "testing"

func TestSubscribeFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	fired, unsubFired := b.Subscribe(4, TypeFired)
	defer unsubFired()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: TypeTick})
	b.Publish(Event{Type: TypeFired, Data: "x"})

	if len(fired) != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", len(fired))
	}
	if e := <-fired; e.Type != TypeFired || e.Time.IsZero() {
		t.Fatalf("event = %+v", e)
	}
	if len(all) != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", len(all))
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	b.Publish(Event{Type: TypeTick})
	b.Publish(Event{Type: TypeTick})
	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", b.Dropped())
	}
	unsub()
	unsub()
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: TypeTick})
}
