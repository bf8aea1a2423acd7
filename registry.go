package ari

import (
	"fmt"
	"sync"
)

type resourceKind int

const (
	kindChannel resourceKind = iota
	kindPlayback
)

func (k resourceKind) String() string {
	switch k {
	case kindChannel:
		return "channel"
	case kindPlayback:
		return "playback"
	}
	return "resource"
}

type resourceKey struct {
	kind resourceKind
	id   string
}

// PlaybackState tracks the local view of a playback's lifecycle:
// Created -> Playing -> {Paused <-> Playing} -> Stopped | Finished.
type PlaybackState int

const (
	PlaybackCreated PlaybackState = iota
	PlaybackPlaying
	PlaybackPaused
	PlaybackStopped
	PlaybackFinished
)

func (s PlaybackState) String() string {
	switch s {
	case PlaybackCreated:
		return "created"
	case PlaybackPlaying:
		return "playing"
	case PlaybackPaused:
		return "paused"
	case PlaybackStopped:
		return "stopped"
	case PlaybackFinished:
		return "finished"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s PlaybackState) Terminal() bool {
	return s == PlaybackStopped || s == PlaybackFinished
}

// resourceEntry is the registry-owned state behind a handle. Handles
// are thin wrappers; every handle for a live id shares one entry.
type resourceEntry struct {
	key        resourceKey
	generation uint64

	mu         sync.Mutex
	terminated bool
	channel    *ChannelData
	playback   *PlaybackData
	state      PlaybackState
}

func (e *resourceEntry) checkLive() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		return fmt.Errorf("%s %s: %w", e.key.kind, e.key.id, ErrInvalidState)
	}
	return nil
}

// registry maps resource ids to locally-owned entries. Ids are scoped
// to a generation: a tombstoned id resolves to a fresh entry with a
// bumped generation, never to the retired one.
type registry struct {
	mu          sync.Mutex
	live        map[resourceKey]*resourceEntry
	generations map[resourceKey]uint64
}

func newRegistry() *registry {
	return &registry{
		live:        make(map[resourceKey]*resourceEntry),
		generations: make(map[resourceKey]uint64),
	}
}

// resolve returns the live entry for the id, constructing and
// registering one on first reference. It never fails.
func (r *registry) resolve(kind resourceKind, id string) *resourceEntry {
	key := resourceKey{kind: kind, id: id}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.live[key]; ok {
		return e
	}
	r.generations[key]++
	e := &resourceEntry{key: key, generation: r.generations[key]}
	r.live[key] = e
	return e
}

// lookup returns the live entry without creating one.
func (r *registry) lookup(kind resourceKind, id string) (*resourceEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.live[resourceKey{kind: kind, id: id}]
	return e, ok
}

func (r *registry) contains(kind resourceKind, id string) bool {
	_, ok := r.lookup(kind, id)
	return ok
}

// remove tombstones the live entry for the id. Stale handles keep the
// retired entry and reject further operations; a later resolve for the
// same id yields a fresh generation.
func (r *registry) remove(kind resourceKind, id string) {
	key := resourceKey{kind: kind, id: id}
	r.mu.Lock()
	e, ok := r.live[key]
	if ok {
		delete(r.live, key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.terminated = true
	if key.kind == kindPlayback && !e.state.Terminal() {
		e.state = PlaybackFinished
	}
	e.mu.Unlock()
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// clear tombstones every live entry. Used on session teardown.
func (r *registry) clear() {
	r.mu.Lock()
	entries := make([]*resourceEntry, 0, len(r.live))
	for _, e := range r.live {
		entries = append(entries, e)
	}
	r.live = make(map[resourceKey]*resourceEntry)
	r.mu.Unlock()
	for _, e := range entries {
		e.mu.Lock()
		e.terminated = true
		if e.key.kind == kindPlayback && !e.state.Terminal() {
			e.state = PlaybackFinished
		}
		e.mu.Unlock()
	}
}
