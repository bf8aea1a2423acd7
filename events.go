package ari

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType enumerates the inbound event types the core understands.
// Anything else parses to EventUnknown with the raw type preserved on
// the Event, so new server-side types never break dispatch.
type EventType string

const (
	EventStasisStart         EventType = "StasisStart"
	EventStasisEnd           EventType = "StasisEnd"
	EventChannelCreated      EventType = "ChannelCreated"
	EventChannelStateChange  EventType = "ChannelStateChange"
	EventChannelDtmfReceived EventType = "ChannelDtmfReceived"
	EventChannelHangupReq    EventType = "ChannelHangupRequest"
	EventChannelDestroyed    EventType = "ChannelDestroyed"
	EventPlaybackStarted     EventType = "PlaybackStarted"
	EventPlaybackContinuing  EventType = "PlaybackContinuing"
	EventPlaybackFinished    EventType = "PlaybackFinished"
	EventUnknown             EventType = "Unknown"

	// EventAny is the wildcard listener filter. It never appears on a
	// parsed Event.
	EventAny EventType = "*"
)

var knownEventTypes = map[EventType]bool{
	EventStasisStart:         true,
	EventStasisEnd:           true,
	EventChannelCreated:      true,
	EventChannelStateChange:  true,
	EventChannelDtmfReceived: true,
	EventChannelHangupReq:    true,
	EventChannelDestroyed:    true,
	EventPlaybackStarted:     true,
	EventPlaybackContinuing:  true,
	EventPlaybackFinished:    true,
}

// Event is one parsed inbound message. Events are transient: consumed
// by dispatch, never persisted.
type Event struct {
	Type        EventType
	RawType     string
	Application string
	Timestamp   time.Time
	Args        []string

	// Resource references embedded in the payload. Nil when the event
	// does not reference that resource kind.
	Channel  *ChannelData
	Playback *PlaybackData

	// Digit carries the keypad tone for ChannelDtmfReceived.
	Digit string
	// Cause carries the hangup cause for ChannelHangupRequest.
	Cause int

	// Raw is the full wire payload, for fields the typed view omits.
	Raw json.RawMessage
}

type eventEnvelope struct {
	Type        string        `json:"type"`
	Application string        `json:"application"`
	Timestamp   string        `json:"timestamp"`
	Args        []string      `json:"args"`
	Channel     *ChannelData  `json:"channel"`
	Playback    *PlaybackData `json:"playback"`
	Digit       string        `json:"digit"`
	Cause       int           `json:"cause"`
}

// parseEvent decodes a raw stream message into an Event. A payload
// without a type field is malformed; callers log and drop it.
func parseEvent(data []byte) (*Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode event: missing type field")
	}

	ev := &Event{
		Type:        EventType(env.Type),
		RawType:     env.Type,
		Application: env.Application,
		Args:        env.Args,
		Channel:     env.Channel,
		Playback:    env.Playback,
		Digit:       env.Digit,
		Cause:       env.Cause,
		Raw:         append(json.RawMessage(nil), data...),
	}
	if !knownEventTypes[ev.Type] {
		ev.Type = EventUnknown
	}
	if env.Timestamp != "" {
		if ts, err := time.Parse("2006-01-02T15:04:05.000-0700", env.Timestamp); err == nil {
			ev.Timestamp = ts
		} else if ts, err := time.Parse(time.RFC3339Nano, env.Timestamp); err == nil {
			ev.Timestamp = ts
		}
	}
	return ev, nil
}

// resourceKeys lists the resources this event references, channel
// first. The order fixes the dispatch order of scoped listeners when an
// event touches more than one resource.
func (e *Event) resourceKeys() []resourceKey {
	var keys []resourceKey
	if e.Channel != nil && e.Channel.ID != "" {
		keys = append(keys, resourceKey{kind: kindChannel, id: e.Channel.ID})
	}
	if e.Playback != nil && e.Playback.ID != "" {
		keys = append(keys, resourceKey{kind: kindPlayback, id: e.Playback.ID})
	}
	return keys
}

// terminalKeys lists the resources this event retires. The registry
// tombstones them after listener invocation completes.
func (e *Event) terminalKeys() []resourceKey {
	switch e.Type {
	case EventStasisEnd, EventChannelDestroyed:
		if e.Channel != nil && e.Channel.ID != "" {
			return []resourceKey{{kind: kindChannel, id: e.Channel.ID}}
		}
	case EventPlaybackFinished:
		if e.Playback != nil && e.Playback.ID != "" {
			return []resourceKey{{kind: kindPlayback, id: e.Playback.ID}}
		}
	}
	return nil
}
