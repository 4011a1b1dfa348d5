// Package client is the embeddable canvas core: it owns the local grid
// state, the world lifecycle, optimistic placement, and realtime sync
// against a hub. Frontends (a renderer, a bot) drive it and observe it
// through its event stream.
package client

import (
	"sync"
	"time"
)

// EventKind classifies one observable state transition.
type EventKind string

const (
	EventSyncState     EventKind = "sync_state"
	EventPhase         EventKind = "phase"
	EventBlockMerged   EventKind = "block_merged"
	EventBlockRejected EventKind = "block_rejected"
	EventPresence      EventKind = "presence"
	EventWorldUpdate   EventKind = "world_update"
	EventReset         EventKind = "reset"
	EventSnapshot      EventKind = "snapshot"
)

// Event is one entry in the observable stream. Detail is a short
// human-readable qualifier (a state name, a rejection reason, a cell).
type Event struct {
	Kind    EventKind
	WorldID string
	Detail  string
	At      time.Time
}

// Events fans transitions out to registered observers. Every significant
// state change in the core goes through here rather than straight to a
// log, so embedders can surface transitions however they like.
type Events struct {
	mu   sync.Mutex
	subs []func(Event)
}

func NewEvents() *Events {
	return &Events{}
}

// Subscribe registers an observer. Observers run synchronously on the
// emitting goroutine and must not block.
func (e *Events) Subscribe(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, fn)
}

func (e *Events) emit(ev Event) {
	e.mu.Lock()
	subs := make([]func(Event), len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}
