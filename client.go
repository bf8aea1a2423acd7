package ari

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/glyphCezilleSantillan/node-ari-client/internal/stats"
)

// ApplicationHandler receives the entry event for a channel the server
// routed into a named application. Handlers run on their own goroutine
// so they may issue operations and wait on further events freely.
type ApplicationHandler func(c *Client, h *ChannelHandle, ev *Event)

// Client is one authenticated connection to the control server. No
// ambient global: every component hangs off an explicit Client.
type Client struct {
	opts       *Options
	log        zerolog.Logger
	registry   *registry
	dispatcher *dispatcher
	session    *session

	mu       sync.Mutex
	handlers map[string]ApplicationHandler
}

// newClient assembles the client without touching the network. Connect
// wires the stream on top; tests drive it directly.
func newClient(opts *Options) *Client {
	opts = opts.withDefaults()
	log := defaultLogger()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	reg := newRegistry()
	disp := newDispatcher(reg, log, opts.SubscriptionBuffer)
	c := &Client{
		opts:       opts,
		log:        log,
		registry:   reg,
		dispatcher: disp,
		session:    newSession(opts, log, disp, reg),
		handlers:   make(map[string]ApplicationHandler),
	}

	// The application router is the first global listener, so entry
	// events reach the application before any user listener sees them.
	disp.subscribeGlobal(EventStasisStart, c.routeEntry)

	go disp.run()
	return c
}

// Connect establishes a session: dials the event stream, registers the
// configured application names, and starts dispatch. It fails with a
// ConnectionError once the bounded connect attempts are exhausted.
func Connect(ctx context.Context, opts *Options) (*Client, error) {
	if opts == nil || opts.URL == "" {
		return nil, fmt.Errorf("connect: missing server URL: %w", ErrInvalidArgument)
	}
	if len(opts.Applications) == 0 {
		return nil, fmt.Errorf("connect: no application names: %w", ErrInvalidArgument)
	}

	c := newClient(opts)
	if err := c.session.connectStream(ctx); err != nil {
		c.session.close()
		return nil, err
	}
	c.session.mu.Lock()
	conn := c.session.conn
	c.session.mu.Unlock()
	go c.session.readLoop(conn)
	return c, nil
}

// routeEntry hands a StasisStart to exactly one application handler,
// chosen by the application name the server attributed to the event.
// A miss is logged, never fatal.
func (c *Client) routeEntry(ev *Event) {
	if ev.Channel == nil || ev.Channel.ID == "" {
		c.log.Warn().Msg("entry event without channel reference")
		return
	}
	c.mu.Lock()
	handler := c.handlers[ev.Application]
	c.mu.Unlock()
	if handler == nil {
		c.log.Warn().Err(ErrUnknownApplication).Str("application", ev.Application).
			Str("channel", ev.Channel.ID).Msg("no handler for entry event")
		return
	}
	go handler(c, c.Channel(ev.Channel.ID), ev)
}

// Application binds a handler to an application name and registers the
// name with the session. Re-registering a known name just replaces the
// handler; the registration itself is a no-op. Names added after
// connect join the stream's interest set on the next (re)dial.
func (c *Client) Application(ctx context.Context, name string, handler ApplicationHandler) error {
	if name == "" {
		return fmt.Errorf("application: empty name: %w", ErrInvalidArgument)
	}
	c.mu.Lock()
	c.handlers[name] = handler
	c.mu.Unlock()

	if !c.session.registerApp(name) {
		return nil
	}
	if c.session.State() != StateConnected {
		return nil
	}
	// Probe the server's view of the late-registered name; absence is
	// expected until the stream re-dials with it.
	var data ApplicationData
	if err := c.session.request(ctx, "GET", "/applications/"+name, nil, &data); err != nil {
		c.log.Info().Str("application", name).
			Msg("application not yet known to server, registered for next dial")
		return nil
	}
	c.log.Info().Str("application", name).Msg("application registered")
	return nil
}

// ApplicationNames returns the registered application names.
func (c *Client) ApplicationNames() []string {
	return c.session.appNames()
}

// On registers a session-global callback listener. EventAny matches
// every event type.
func (c *Client) On(etype EventType, fn EventHandler) *Listener {
	return c.dispatcher.subscribeGlobal(etype, fn)
}

// Subscribe returns a channel-backed subscription for session-global
// events, optionally narrowed to the given types.
func (c *Client) Subscribe(types ...EventType) *Subscription {
	return c.dispatcher.subscription(nil, types)
}

// Channel resolves the handle for a channel id, creating one on first
// reference.
func (c *Client) Channel(id string) *ChannelHandle {
	return &ChannelHandle{client: c, entry: c.registry.resolve(kindChannel, id)}
}

// Playback resolves the handle for a playback id, creating one on
// first reference.
func (c *Client) Playback(id string) *PlaybackHandle {
	e := c.registry.resolve(kindPlayback, id)
	return &PlaybackHandle{client: c, entry: e}
}

// Channels lists the server's active channels.
func (c *Client) Channels(ctx context.Context) ([]ChannelData, error) {
	var out []ChannelData
	if err := c.session.request(ctx, "GET", "/channels", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// State returns the session's connection state.
func (c *Client) State() SessionState {
	return c.session.State()
}

// RequestStats reports latency percentiles for control operations
// issued through this client.
func (c *Client) RequestStats() stats.Snapshot {
	return c.session.RequestStats()
}

// Close tears down the session. All pending operations fail with
// ErrSessionClosed and every live handle is tombstoned.
func (c *Client) Close() error {
	c.session.close()
	return nil
}
