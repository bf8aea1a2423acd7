package ari

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/glyphCezilleSantillan/node-ari-client/internal/stats"
)

// SessionState is the connection lifecycle of a session.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// httpDoer is the seam between the session and the HTTP transport.
// Tests substitute a recording fake.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// pendingOp is one in-flight control operation awaiting its response.
type pendingOp struct {
	id       string
	method   string
	path     string
	issuedAt time.Time
	cancel   context.CancelFunc
}

// pendingTable is the session's outstanding-request table, keyed by
// correlation id.
type pendingTable struct {
	mu  sync.Mutex
	ops map[string]*pendingOp
}

func newPendingTable() *pendingTable {
	return &pendingTable{ops: make(map[string]*pendingOp)}
}

func (t *pendingTable) add(op *pendingOp) {
	t.mu.Lock()
	t.ops[op.id] = op
	t.mu.Unlock()
}

func (t *pendingTable) remove(id string) {
	t.mu.Lock()
	delete(t.ops, id)
	t.mu.Unlock()
}

func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

// failAll cancels every pending operation, unblocking its caller.
// Returns the number of operations cancelled.
func (t *pendingTable) failAll() int {
	t.mu.Lock()
	ops := make([]*pendingOp, 0, len(t.ops))
	for _, op := range t.ops {
		ops = append(ops, op)
	}
	t.ops = make(map[string]*pendingOp)
	t.mu.Unlock()
	for _, op := range ops {
		op.cancel()
	}
	return len(ops)
}

// session owns the persistent event stream and the request/response
// channel for one authenticated connection to the control server.
type session struct {
	opts       *Options
	log        zerolog.Logger
	http       httpDoer
	dialer     *websocket.Dialer
	dispatcher *dispatcher
	registry   *registry
	pending    *pendingTable
	stats      *stats.Tracker

	tracer     trace.Tracer
	reqCounter metric.Int64Counter
	errCounter metric.Int64Counter

	mu    sync.Mutex
	state SessionState
	conn  *websocket.Conn
	apps  []string

	closed    chan struct{}
	closeOnce sync.Once
	rng       *rand.Rand
}

func newSession(opts *Options, log zerolog.Logger, disp *dispatcher, reg *registry) *session {
	var doer httpDoer = &http.Client{}
	if opts.HTTPClient != nil {
		doer = opts.HTTPClient
	}
	tracer := otel.Tracer("ari-client")
	meter := otel.Meter("ari-client")
	reqCounter, _ := meter.Int64Counter("ari.requests_total",
		metric.WithDescription("Total number of control requests issued"))
	errCounter, _ := meter.Int64Counter("ari.request_errors_total",
		metric.WithDescription("Total number of failed control requests"))
	return &session{
		opts:       opts,
		log:        log,
		http:       doer,
		dialer:     websocket.DefaultDialer,
		dispatcher: disp,
		registry:   reg,
		pending:    newPendingTable(),
		stats:      stats.NewTracker(),
		tracer:     tracer,
		reqCounter: reqCounter,
		errCounter: errCounter,
		state:      StateDisconnected,
		apps:       append([]string(nil), opts.Applications...),
		closed:     make(chan struct{}),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the current connection state.
func (s *session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *session) restURL(path string) string {
	return fmt.Sprintf("http://%s/ari%s", s.opts.URL, path)
}

func (s *session) eventsURL() string {
	s.mu.Lock()
	apps := strings.Join(s.apps, ",")
	s.mu.Unlock()
	return fmt.Sprintf("ws://%s/ari/events?api_key=%s&app=%s",
		s.opts.URL,
		url.QueryEscape(s.opts.Username+":"+s.opts.Password),
		url.QueryEscape(apps))
}

// registerApp records an application name for stream registration.
// Re-registering a known name is a no-op. Names added after connect
// take effect on the next (re)dial; the stream's interest set is fixed
// at dial time.
func (s *session) registerApp(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.apps {
		if a == name {
			return false
		}
	}
	s.apps = append(s.apps, name)
	return true
}

func (s *session) appNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.apps...)
}

// connectStream dials the event stream, registering interest in the
// session's application names. Transient failures retry with bounded
// backoff up to the configured attempt limit, then fail permanently
// with a ConnectionError.
func (s *session) connectStream(ctx context.Context) error {
	s.setState(StateConnecting)
	wsURL := s.eventsURL()
	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxConnectAttempts; attempt++ {
		if attempt > 1 {
			delay := nextBackoffDelay(s.opts.Backoff, attempt, s.rng)
			select {
			case <-ctx.Done():
				s.setState(StateDisconnected)
				return &ConnectionError{URL: wsURL, Err: ctx.Err()}
			case <-s.closed:
				s.setState(StateDisconnected)
				return &ConnectionError{URL: wsURL, Err: ErrSessionClosed}
			case <-time.After(delay):
			}
		}
		conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
		if err == nil {
			s.mu.Lock()
			s.conn = conn
			s.state = StateConnected
			s.mu.Unlock()
			s.log.Info().Str("url", s.opts.URL).Strs("apps", s.appNames()).
				Msg("event stream connected")
			return nil
		}
		lastErr = err
		s.log.Warn().Err(err).Int("attempt", attempt).Msg("event stream dial failed")
	}
	s.setState(StateDisconnected)
	return &ConnectionError{URL: wsURL, Err: lastErr}
}

// readLoop reads raw messages off the stream and hands them to the
// dispatcher. It owns nothing else: parsing and listener invocation
// happen on the dispatch goroutine, so a slow listener can never stall
// the read.
func (s *session) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if s.isClosed() {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("event stream dropped")
			}
			s.setState(StateDisconnected)
			if s.opts.Reconnect {
				s.reconnect()
			} else {
				s.close()
			}
			return
		}
		s.dispatcher.handleRaw(msg)
	}
}

// reconnect re-dials the stream and re-registers application names.
// Events sent by the server while disconnected are lost; there is no
// replay. Permanent dial failure ends the session.
func (s *session) reconnect() {
	if err := s.connectStream(context.Background()); err != nil {
		s.log.Error().Err(err).Msg("reconnect failed, closing session")
		s.close()
		return
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	go s.readLoop(conn)
}

// request issues one control operation: assigns a correlation id,
// records it in the pending table, transmits, and blocks the caller
// until the response arrives, the request times out, or the session
// closes. out, when non-nil, receives the decoded JSON response body.
func (s *session) request(ctx context.Context, method, path string, body, out interface{}) error {
	if s.isClosed() {
		return fmt.Errorf("%s %s: %w", method, path, ErrSessionClosed)
	}

	ctx, span := s.tracer.Start(ctx, "ari.Request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
		))
	defer span.End()
	s.reqCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))

	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	op := &pendingOp{
		id:       uuid.NewString(),
		method:   method,
		path:     path,
		issuedAt: time.Now(),
		cancel:   cancel,
	}
	s.pending.add(op)
	defer s.pending.remove(op.id)

	err := s.doHTTP(reqCtx, op, body, out)
	s.stats.Record(time.Since(op.issuedAt), err != nil)
	if err != nil {
		s.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
		span.RecordError(err)
	}
	return err
}

func (s *session) doHTTP(ctx context.Context, op *pendingOp, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s %s: encode body: %w", op.method, op.path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, op.method, s.restURL(op.path), reader)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op.method, op.path, err)
	}
	req.SetBasicAuth(s.opts.Username, s.opts.Password)
	req.Header.Set("X-Request-ID", op.id)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		switch {
		case s.isClosed():
			return fmt.Errorf("%s %s: %w", op.method, op.path, ErrSessionClosed)
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return fmt.Errorf("%s %s: %w", op.method, op.path, ErrTimeout)
		default:
			return fmt.Errorf("%s %s: %w", op.method, op.path, err)
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", op.method, op.path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RequestError{Status: resp.StatusCode, Reason: errorReason(respBody)}
	}

	if out != nil {
		trimmed := strings.TrimSpace(string(respBody))
		if trimmed == "" || trimmed == "null" {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", op.method, op.path, err)
		}
	}
	return nil
}

// errorReason pulls the server's message field out of an error body,
// falling back to the raw text.
func errorReason(body []byte) string {
	var msg struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &msg); err == nil && msg.Message != "" {
		return msg.Message
	}
	return strings.TrimSpace(string(body))
}

// RequestStats reports the request-latency snapshot for this session.
func (s *session) RequestStats() stats.Snapshot {
	return s.stats.Snapshot()
}

// close tears the session down: fails every pending operation with
// ErrSessionClosed, closes the stream, stops dispatch, and tombstones
// the registry. Idempotent.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		close(s.closed)

		if n := s.pending.failAll(); n > 0 {
			s.log.Info().Int("pending", n).Msg("failed pending operations on close")
		}

		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}

		s.dispatcher.stop()
		s.registry.clear()
		s.setState(StateDisconnected)
		s.log.Info().Msg("session closed")
	})
}
