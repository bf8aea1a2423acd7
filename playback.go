package ari

import (
	"context"
	"fmt"
)

// ControlOperation is a playback transport operation. The set is
// closed: anything else fails local validation before any network
// round-trip.
type ControlOperation string

const (
	ControlPause   ControlOperation = "pause"
	ControlUnpause ControlOperation = "unpause"
	ControlReverse ControlOperation = "reverse"
	ControlForward ControlOperation = "forward"
	ControlRestart ControlOperation = "restart"
	ControlStop    ControlOperation = "stop"
)

func (op ControlOperation) valid() bool {
	switch op {
	case ControlPause, ControlUnpause, ControlReverse, ControlForward, ControlRestart, ControlStop:
		return true
	}
	return false
}

// PlaybackHandle is the typed proxy for one live playback.
type PlaybackHandle struct {
	client *Client
	entry  *resourceEntry
}

// ID returns the playback id.
func (h *PlaybackHandle) ID() string { return h.entry.key.id }

// Generation returns the registry generation of this handle.
func (h *PlaybackHandle) Generation() uint64 { return h.entry.generation }

// State returns the locally tracked playback state.
func (h *PlaybackHandle) State() PlaybackState {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	return h.entry.state
}

// Data returns the last-known snapshot of the playback, if any.
func (h *PlaybackHandle) Data() *PlaybackData {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	if h.entry.playback == nil {
		return nil
	}
	p := *h.entry.playback
	return &p
}

// Control issues a transport operation against the playback.
//
// Operations against a terminal playback fail with ErrInvalidState.
// Pausing an already-paused playback (or unpausing a playing one) is
// accepted idempotently without a network call. "stop" deletes the
// playback; the handle leaves the registry when the terminal event
// arrives.
func (h *PlaybackHandle) Control(ctx context.Context, op ControlOperation) error {
	if !op.valid() {
		return fmt.Errorf("control %q: %w", op, ErrInvalidArgument)
	}

	h.entry.mu.Lock()
	if h.entry.terminated || h.entry.state.Terminal() {
		state := h.entry.state
		h.entry.mu.Unlock()
		return fmt.Errorf("playback %s is %s: %w", h.ID(), state, ErrInvalidState)
	}
	if (op == ControlPause && h.entry.state == PlaybackPaused) ||
		(op == ControlUnpause && h.entry.state == PlaybackPlaying) {
		h.entry.mu.Unlock()
		return nil
	}
	h.entry.mu.Unlock()

	var err error
	if op == ControlStop {
		err = h.client.session.request(ctx, "DELETE", "/playbacks/"+h.ID(), nil, nil)
	} else {
		body := map[string]string{"operation": string(op)}
		err = h.client.session.request(ctx, "POST", "/playbacks/"+h.ID()+"/control", body, nil)
	}
	if err != nil {
		return err
	}

	h.entry.mu.Lock()
	if !h.entry.state.Terminal() {
		switch op {
		case ControlPause:
			h.entry.state = PlaybackPaused
		case ControlUnpause, ControlReverse, ControlForward, ControlRestart:
			h.entry.state = PlaybackPlaying
		case ControlStop:
			h.entry.state = PlaybackStopped
		}
	}
	h.entry.mu.Unlock()
	return nil
}

// Stop halts the playback. Equivalent to Control with "stop".
func (h *PlaybackHandle) Stop(ctx context.Context) error {
	return h.Control(ctx, ControlStop)
}

// On registers a callback for events referencing this playback.
func (h *PlaybackHandle) On(etype EventType, fn EventHandler) *Listener {
	return h.client.dispatcher.subscribeScoped(h.entry.key, etype, fn)
}

// Subscribe returns a channel-backed subscription for events
// referencing this playback.
func (h *PlaybackHandle) Subscribe(types ...EventType) *Subscription {
	key := h.entry.key
	return h.client.dispatcher.subscription(&key, types)
}
