// Package events carries session updates, permission requests and
// connection status changes from the connection layer to every interested
// listener (the orchestrator and any attached UI), without a process-global
// emitter.
package events

import (
	"sync"

	"github.com/sjroesink/OpenAgentManager-sub000/acp"
)

// ConnState describes a connection lifecycle transition.
type ConnState string

const (
	ConnLaunching ConnState = "launching"
	ConnConnected ConnState = "connected"
	ConnError     ConnState = "error"
	ConnExited    ConnState = "exited"
)

// StatusChange reports a connection lifecycle transition to the UI.
type StatusChange struct {
	ConnectionID string    `json:"connection_id"`
	AgentID      string    `json:"agent_id"`
	State        ConnState `json:"state"`
	Error        string    `json:"error,omitempty"`
}

// Handlers is one subscriber's set of callbacks; nil entries are skipped.
// Callbacks run synchronously on the publisher's goroutine, so they must
// not block.
type Handlers struct {
	SessionUpdate     func(acp.Update)
	PermissionRequest func(acp.PermissionRequest)
	StatusChange      func(StatusChange)
}

// Bus is a typed observer list. The zero value is not usable; construct
// with NewBus.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]Handlers
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]Handlers)}
}

// Subscribe registers handlers and returns a function that removes them.
func (b *Bus) Subscribe(h Handlers) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *Bus) snapshot() []Handlers {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := make([]Handlers, 0, len(b.subs))
	for _, h := range b.subs {
		subs = append(subs, h)
	}
	return subs
}

func (b *Bus) PublishSessionUpdate(u acp.Update) {
	for _, h := range b.snapshot() {
		if h.SessionUpdate != nil {
			h.SessionUpdate(u)
		}
	}
}

func (b *Bus) PublishPermissionRequest(r acp.PermissionRequest) {
	for _, h := range b.snapshot() {
		if h.PermissionRequest != nil {
			h.PermissionRequest(r)
		}
	}
}

func (b *Bus) PublishStatusChange(s StatusChange) {
	for _, h := range b.snapshot() {
		if h.StatusChange != nil {
			h.StatusChange(s)
		}
	}
}
