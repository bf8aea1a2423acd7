package ari

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ChannelHandle is the typed proxy for one live channel. Handles are
// cheap: any number may wrap the same registry entry, and a handle
// outlived by its channel rejects operations with ErrInvalidState.
type ChannelHandle struct {
	client *Client
	entry  *resourceEntry
}

// ID returns the channel id.
func (h *ChannelHandle) ID() string { return h.entry.key.id }

// Generation returns the registry generation of this handle. A fresh
// handle resolved after a terminal event carries a higher generation.
func (h *ChannelHandle) Generation() uint64 { return h.entry.generation }

// Data returns the last-known snapshot of the channel, if any.
func (h *ChannelHandle) Data() *ChannelData {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	if h.entry.channel == nil {
		return nil
	}
	c := *h.entry.channel
	return &c
}

// Answer answers the channel.
func (h *ChannelHandle) Answer(ctx context.Context) error {
	if err := h.entry.checkLive(); err != nil {
		return err
	}
	return h.client.session.request(ctx, "POST", "/channels/"+h.ID()+"/answer", nil, nil)
}

// Hangup hangs the channel up. The channel is removed from the
// registry when its terminal event arrives, not on the response.
func (h *ChannelHandle) Hangup(ctx context.Context) error {
	if err := h.entry.checkLive(); err != nil {
		return err
	}
	return h.client.session.request(ctx, "DELETE", "/channels/"+h.ID(), nil, nil)
}

// Get fetches the current server-side snapshot and refreshes the
// handle's cached data.
func (h *ChannelHandle) Get(ctx context.Context) (*ChannelData, error) {
	if err := h.entry.checkLive(); err != nil {
		return nil, err
	}
	var data ChannelData
	if err := h.client.session.request(ctx, "GET", "/channels/"+h.ID(), nil, &data); err != nil {
		return nil, err
	}
	h.entry.mu.Lock()
	c := data
	h.entry.channel = &c
	h.entry.mu.Unlock()
	return &data, nil
}

// Play starts a playback of the given media URI on the channel. The
// playback id is generated client-side and pre-registered, so events
// referencing it resolve immediately instead of racing handle
// creation. On success the returned handle is in the Playing state.
func (h *ChannelHandle) Play(ctx context.Context, mediaURI string) (*PlaybackHandle, error) {
	if err := h.entry.checkLive(); err != nil {
		return nil, err
	}
	if mediaURI == "" {
		return nil, fmt.Errorf("play: empty media URI: %w", ErrInvalidArgument)
	}

	pb := h.client.Playback(uuid.NewString())
	body := map[string]string{"media": mediaURI}
	path := "/channels/" + h.ID() + "/play/" + pb.ID()
	var data PlaybackData
	if err := h.client.session.request(ctx, "POST", path, body, &data); err != nil {
		// The pre-registered handle never went live on the server.
		h.client.registry.remove(kindPlayback, pb.ID())
		return nil, err
	}

	pb.entry.mu.Lock()
	if data.ID != "" {
		d := data
		pb.entry.playback = &d
	}
	if !pb.entry.state.Terminal() {
		pb.entry.state = PlaybackPlaying
	}
	pb.entry.mu.Unlock()
	return pb, nil
}

// On registers a callback for events referencing this channel.
func (h *ChannelHandle) On(etype EventType, fn EventHandler) *Listener {
	return h.client.dispatcher.subscribeScoped(h.entry.key, etype, fn)
}

// Subscribe returns a channel-backed subscription for events
// referencing this channel, optionally narrowed to the given types.
func (h *ChannelHandle) Subscribe(types ...EventType) *Subscription {
	key := h.entry.key
	return h.client.dispatcher.subscription(&key, types)
}
