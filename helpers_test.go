package ari

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeDoer records control requests and serves scripted responses.
type fakeDoer struct {
	mu      sync.Mutex
	calls   []string
	respond func(req *http.Request) *http.Response
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Method+" "+req.URL.Path)
	f.mu.Unlock()
	if f.respond != nil {
		if resp := f.respond(req); resp != nil {
			return resp, nil
		}
	}
	return textResponse(204, ""), nil
}

func (f *fakeDoer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeDoer) lastCall() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

// blockingDoer parks every request until its context is cancelled.
type blockingDoer struct{}

func (blockingDoer) Do(req *http.Request) (*http.Response, error) {
	<-req.Context().Done()
	return nil, req.Context().Err()
}

func textResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func newTestClient(t *testing.T, doer httpDoer) *Client {
	t.Helper()
	logger := zerolog.Nop()
	opts := &Options{
		URL:                "ari.test:8088",
		Username:           "user",
		Password:           "secret",
		Applications:       []string{"demo"},
		RequestTimeout:     2 * time.Second,
		SubscriptionBuffer: 8,
		Logger:             &logger,
	}
	c := newClient(opts)
	if doer != nil {
		c.session.http = doer
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
