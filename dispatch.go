package ari

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EventHandler is a callback listener. Handlers run on the dispatch
// goroutine, serialized with every other handler; long-running work
// should be handed off to its own goroutine so the queue keeps moving.
type EventHandler func(*Event)

// Listener is the handle returned by On; Cancel unsubscribes it.
type Listener struct {
	id   uint64
	key  *resourceKey
	d    *dispatcher
	once sync.Once
}

// Cancel removes the listener. Safe to call more than once.
func (l *Listener) Cancel() {
	l.once.Do(func() { l.d.unsubscribe(l) })
}

// Subscription is a channel-backed listener. Unlike callback listeners
// it has a bounded buffer: a subscriber that stops draining loses
// events once the buffer fills (logged and counted, never blocking
// dispatch).
type Subscription struct {
	l      *Listener
	mu     sync.Mutex
	closed bool
	events chan *Event
}

// Events returns the delivery channel. It is closed by Cancel.
func (s *Subscription) Events() <-chan *Event { return s.events }

// Cancel unsubscribes and closes the delivery channel.
func (s *Subscription) Cancel() {
	s.l.Cancel()
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()
}

func (s *Subscription) deliver(ev *Event, d *dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		d.droppedCounter.Add(context.Background(), 1)
		d.log.Warn().Str("event", string(ev.Type)).Msg("subscription buffer full, event dropped")
	}
}

type registeredListener struct {
	id    uint64
	etype EventType
	fn    EventHandler
}

func (r registeredListener) matches(t EventType) bool {
	return r.etype == EventAny || r.etype == t
}

// eventQueue is the unbounded FIFO between the stream read loop and
// the dispatch goroutine. The read loop only ever appends, so listener
// work can never stall receipt of the next raw message.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*Event
	closed bool
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *eventQueue) push(ev *Event) {
	q.mu.Lock()
	if !q.closed {
		q.items = append(q.items, ev)
		q.cond.Signal()
	}
	q.mu.Unlock()
}

// pop blocks until an event is available or the queue is closed.
func (q *eventQueue) pop() (*Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev, true
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// dispatcher demultiplexes parsed events to listeners. One goroutine
// drains the queue, which serializes all dispatch and preserves
// server-send order per resource.
type dispatcher struct {
	log      zerolog.Logger
	registry *registry
	subBuf   int

	eventCounter   metric.Int64Counter
	droppedCounter metric.Int64Counter

	mu     sync.Mutex
	nextID uint64
	global []registeredListener
	scoped map[resourceKey][]registeredListener

	queue *eventQueue
	done  chan struct{}
}

func newDispatcher(reg *registry, log zerolog.Logger, subBuf int) *dispatcher {
	meter := otel.Meter("ari-client")
	evCounter, _ := meter.Int64Counter("ari.events_total",
		metric.WithDescription("Total number of events dispatched"))
	dropCounter, _ := meter.Int64Counter("ari.subscription_dropped_total",
		metric.WithDescription("Events dropped by full subscription buffers"))
	return &dispatcher{
		log:            log,
		registry:       reg,
		subBuf:         subBuf,
		eventCounter:   evCounter,
		droppedCounter: dropCounter,
		scoped:         make(map[resourceKey][]registeredListener),
		queue:          newEventQueue(),
		done:           make(chan struct{}),
	}
}

// run drains the queue until stop. Started once per session.
func (d *dispatcher) run() {
	defer close(d.done)
	for {
		ev, ok := d.queue.pop()
		if !ok {
			return
		}
		d.dispatch(ev)
	}
}

func (d *dispatcher) stop() {
	d.queue.close()
}

// handleRaw parses a raw stream message and enqueues it. Malformed
// payloads are logged and dropped; the stream stays alive.
func (d *dispatcher) handleRaw(data []byte) {
	ev, err := parseEvent(data)
	if err != nil {
		d.log.Warn().Err(err).Msg("dropping malformed event")
		return
	}
	d.queue.push(ev)
}

// dispatch resolves the event's resources, applies state effects,
// invokes matching listeners (global first, then scoped, each in
// registration order), and finally tombstones resources retired by
// terminal events.
func (d *dispatcher) dispatch(ev *Event) {
	d.eventCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("type", string(ev.Type))))

	keys := ev.resourceKeys()
	d.applyState(ev, keys)

	for _, fn := range d.collect(ev, keys) {
		d.invoke(ev, fn)
	}

	for _, key := range ev.terminalKeys() {
		d.registry.remove(key.kind, key.id)
		d.dropScoped(key)
	}
}

// applyState resolves every referenced resource (creating entries for
// first-seen ids) and refreshes its snapshot before listeners run.
func (d *dispatcher) applyState(ev *Event, keys []resourceKey) {
	for _, key := range keys {
		e := d.registry.resolve(key.kind, key.id)
		e.mu.Lock()
		switch key.kind {
		case kindChannel:
			if ev.Channel != nil {
				c := *ev.Channel
				e.channel = &c
			}
		case kindPlayback:
			if ev.Playback != nil {
				p := *ev.Playback
				e.playback = &p
			}
			switch ev.Type {
			case EventPlaybackStarted, EventPlaybackContinuing:
				if !e.state.Terminal() {
					e.state = PlaybackPlaying
				}
			case EventPlaybackFinished:
				if !e.state.Terminal() {
					e.state = PlaybackFinished
				}
			}
		}
		e.mu.Unlock()
	}
}

func (d *dispatcher) collect(ev *Event, keys []resourceKey) []EventHandler {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []EventHandler
	for _, l := range d.global {
		if l.matches(ev.Type) {
			out = append(out, l.fn)
		}
	}
	for _, key := range keys {
		for _, l := range d.scoped[key] {
			if l.matches(ev.Type) {
				out = append(out, l.fn)
			}
		}
	}
	return out
}

func (d *dispatcher) invoke(ev *Event, fn EventHandler) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("event", string(ev.Type)).
				Msg("listener panicked")
		}
	}()
	fn(ev)
}

func (d *dispatcher) subscribeGlobal(etype EventType, fn EventHandler) *Listener {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.global = append(d.global, registeredListener{id: d.nextID, etype: etype, fn: fn})
	return &Listener{id: d.nextID, d: d}
}

func (d *dispatcher) subscribeScoped(key resourceKey, etype EventType, fn EventHandler) *Listener {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.scoped[key] = append(d.scoped[key], registeredListener{id: d.nextID, etype: etype, fn: fn})
	k := key
	return &Listener{id: d.nextID, key: &k, d: d}
}

// subscription builds a channel-backed listener. types narrows the
// delivered events; empty means all.
func (d *dispatcher) subscription(key *resourceKey, types []EventType) *Subscription {
	typeset := make(map[EventType]bool, len(types))
	for _, t := range types {
		typeset[t] = true
	}
	sub := &Subscription{events: make(chan *Event, d.subBuf)}
	fn := func(ev *Event) {
		if len(typeset) > 0 && !typeset[ev.Type] {
			return
		}
		sub.deliver(ev, d)
	}
	if key != nil {
		sub.l = d.subscribeScoped(*key, EventAny, fn)
	} else {
		sub.l = d.subscribeGlobal(EventAny, fn)
	}
	return sub
}

func (d *dispatcher) unsubscribe(l *Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l.key == nil {
		d.global = removeListener(d.global, l.id)
		return
	}
	d.scoped[*l.key] = removeListener(d.scoped[*l.key], l.id)
	if len(d.scoped[*l.key]) == 0 {
		delete(d.scoped, *l.key)
	}
}

// dropScoped discards all listeners owned by a retired resource.
func (d *dispatcher) dropScoped(key resourceKey) {
	d.mu.Lock()
	delete(d.scoped, key)
	d.mu.Unlock()
}

func removeListener(list []registeredListener, id uint64) []registeredListener {
	for i, l := range list {
		if l.id == id {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
