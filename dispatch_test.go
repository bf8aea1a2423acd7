package ari

import (
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func newTestDispatcher(t *testing.T) *dispatcher {
	t.Helper()
	d := newDispatcher(newRegistry(), zerolog.Nop(), 8)
	go d.run()
	t.Cleanup(d.stop)
	return d
}

func dtmfRaw(channelID, digit string) []byte {
	return []byte(fmt.Sprintf(
		`{"type": "ChannelDtmfReceived", "digit": %q, "channel": {"id": %q}}`, digit, channelID))
}

func TestDispatchOrderPerResource(t *testing.T) {
	d := newTestDispatcher(t)

	var mu sync.Mutex
	var got []string
	d.subscribeScoped(resourceKey{kind: kindChannel, id: "c1"}, EventChannelDtmfReceived, func(ev *Event) {
		mu.Lock()
		got = append(got, ev.Digit)
		mu.Unlock()
	})

	const n = 50
	for i := 0; i < n; i++ {
		d.handleRaw(dtmfRaw("c1", fmt.Sprintf("d%d", i)))
	}

	waitFor(t, "all events delivered", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	})
	mu.Lock()
	defer mu.Unlock()
	for i, digit := range got {
		if want := fmt.Sprintf("d%d", i); digit != want {
			t.Fatalf("event %d delivered out of order: got %q want %q", i, digit, want)
		}
	}
}

func TestGlobalListenersRunBeforeScoped(t *testing.T) {
	d := newTestDispatcher(t)

	var mu sync.Mutex
	var order []string
	record := func(tag string) EventHandler {
		return func(*Event) {
			mu.Lock()
			order = append(order, tag)
			mu.Unlock()
		}
	}
	key := resourceKey{kind: kindChannel, id: "c1"}
	d.subscribeScoped(key, EventAny, record("scoped-1"))
	d.subscribeGlobal(EventAny, record("global-1"))
	d.subscribeGlobal(EventChannelDtmfReceived, record("global-2"))
	d.subscribeScoped(key, EventChannelDtmfReceived, record("scoped-2"))

	d.handleRaw(dtmfRaw("c1", "1"))

	waitFor(t, "all listeners invoked", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	})
	mu.Lock()
	defer mu.Unlock()
	want := []string{"global-1", "global-2", "scoped-1", "scoped-2"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("wrong dispatch order: got %v want %v", order, want)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	d := newTestDispatcher(t)

	var mu sync.Mutex
	count := 0
	l := d.subscribeGlobal(EventAny, func(*Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	d.handleRaw(dtmfRaw("c1", "1"))
	waitFor(t, "first delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	l.Cancel()
	l.Cancel() // idempotent

	d.handleRaw(dtmfRaw("c1", "2"))
	// A second listener proves the queue advanced past the event the
	// cancelled listener must not see.
	seen := make(chan struct{})
	var once sync.Once
	d.subscribeGlobal(EventAny, func(*Event) { once.Do(func() { close(seen) }) })
	d.handleRaw(dtmfRaw("c1", "3"))
	<-seen

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("cancelled listener still invoked: count=%d", count)
	}
}

func TestFirstSeenEventCreatesHandle(t *testing.T) {
	d := newTestDispatcher(t)
	d.handleRaw([]byte(`{"type": "StasisStart", "application": "demo", "channel": {"id": "c9", "state": "Ring"}}`))
	waitFor(t, "handle created", func() bool {
		return d.registry.contains(kindChannel, "c9")
	})
	e, _ := d.registry.lookup(kindChannel, "c9")
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.channel == nil || e.channel.State != "Ring" {
		t.Fatalf("snapshot not applied: %+v", e.channel)
	}
}

func TestTerminalEventRemovesResourceAfterListeners(t *testing.T) {
	d := newTestDispatcher(t)
	key := resourceKey{kind: kindChannel, id: "c1"}

	var mu sync.Mutex
	var liveDuringDispatch bool
	var scopedCalls int
	d.subscribeScoped(key, EventChannelDestroyed, func(*Event) {
		mu.Lock()
		liveDuringDispatch = d.registry.contains(kindChannel, "c1")
		scopedCalls++
		mu.Unlock()
	})

	d.handleRaw(dtmfRaw("c1", "1")) // creates the handle
	d.handleRaw([]byte(`{"type": "ChannelDestroyed", "cause": 16, "channel": {"id": "c1"}}`))

	waitFor(t, "resource removed", func() bool {
		return !d.registry.contains(kindChannel, "c1")
	})
	mu.Lock()
	if scopedCalls != 1 {
		mu.Unlock()
		t.Fatalf("scoped listener calls = %d", scopedCalls)
	}
	if !liveDuringDispatch {
		mu.Unlock()
		t.Fatalf("handle must still be live while listeners run")
	}
	mu.Unlock()

	// The retired resource's listeners are gone: a later event for the
	// same id reaches a fresh generation only.
	d.handleRaw([]byte(`{"type": "ChannelDestroyed", "cause": 16, "channel": {"id": "c1"}}`))
	waitFor(t, "second generation removed", func() bool {
		return !d.registry.contains(kindChannel, "c1")
	})
	mu.Lock()
	defer mu.Unlock()
	if scopedCalls != 1 {
		t.Fatalf("listener survived its handle: calls=%d", scopedCalls)
	}
}

func TestMalformedMessageKeepsStreamAlive(t *testing.T) {
	d := newTestDispatcher(t)

	var mu sync.Mutex
	count := 0
	d.subscribeGlobal(EventAny, func(*Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	d.handleRaw([]byte(`not json at all`))
	d.handleRaw([]byte(`{"no": "type"}`))
	d.handleRaw(dtmfRaw("c1", "1"))

	waitFor(t, "valid event delivered", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})
}

func TestListenerPanicRecovered(t *testing.T) {
	d := newTestDispatcher(t)

	var mu sync.Mutex
	count := 0
	d.subscribeGlobal(EventAny, func(*Event) { panic("listener bug") })
	d.subscribeGlobal(EventAny, func(*Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	d.handleRaw(dtmfRaw("c1", "1"))
	d.handleRaw(dtmfRaw("c1", "2"))

	waitFor(t, "dispatch survives panics", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	})
}

func TestSubscriptionChannelDelivery(t *testing.T) {
	d := newTestDispatcher(t)

	key := resourceKey{kind: kindChannel, id: "c1"}
	sub := d.subscription(&key, []EventType{EventChannelDtmfReceived})

	d.handleRaw([]byte(`{"type": "ChannelStateChange", "channel": {"id": "c1", "state": "Up"}}`))
	d.handleRaw(dtmfRaw("c1", "7"))

	ev := <-sub.Events()
	if ev.Type != EventChannelDtmfReceived || ev.Digit != "7" {
		t.Fatalf("type filter leaked: %+v", ev)
	}

	sub.Cancel()
	if _, ok := <-sub.Events(); ok {
		t.Fatalf("channel should be closed after Cancel")
	}
	// Delivery after cancel must not panic on the closed channel.
	d.handleRaw(dtmfRaw("c1", "8"))
	seen := make(chan struct{})
	var once sync.Once
	d.subscribeGlobal(EventAny, func(*Event) { once.Do(func() { close(seen) }) })
	d.handleRaw(dtmfRaw("c1", "9"))
	<-seen
}
