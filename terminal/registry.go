// Package terminal tracks terminals created on behalf of agents. PTY
// allocation itself is delegated to an injected allocator; this registry
// only mints identifiers and keeps the session association.
package terminal

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Info describes one issued terminal.
type Info struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Command   string    `json:"command"`
	Args      []string  `json:"args,omitempty"`
	Cwd       string    `json:"cwd"`
	CreatedAt time.Time `json:"created_at"`
}

// PTY is the external terminal collaborator. Allocate is called after an
// ID has been issued; a nil PTY means IDs are issued without allocation.
type PTY interface {
	Allocate(info Info) error
	Release(id string) error
}

// Registry implements acp.TerminalAllocator.
type Registry struct {
	log *slog.Logger
	pty PTY

	mu    sync.Mutex
	terms map[string]Info
}

func NewRegistry(pty PTY, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{log: log, pty: pty, terms: make(map[string]Info)}
}

// Create issues a terminal ID for the session and delegates allocation.
func (r *Registry) Create(sessionID, command string, args []string, cwd string) (string, error) {
	info := Info{
		ID:        uuid.Must(uuid.NewV7()).String(),
		SessionID: sessionID,
		Command:   command,
		Args:      args,
		Cwd:       cwd,
		CreatedAt: time.Now(),
	}

	if r.pty != nil {
		if err := r.pty.Allocate(info); err != nil {
			return "", err
		}
	}

	r.mu.Lock()
	r.terms[info.ID] = info
	r.mu.Unlock()

	r.log.Info("terminal created", "terminalId", info.ID, "sessionId", sessionID, "command", command)
	return info.ID, nil
}

// Release drops a terminal and tells the allocator to tear it down.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	_, ok := r.terms[id]
	delete(r.terms, id)
	r.mu.Unlock()

	if ok && r.pty != nil {
		if err := r.pty.Release(id); err != nil {
			r.log.Warn("terminal release failed", "terminalId", id, "error", err)
		}
	}
}

// ReleaseSession drops every terminal belonging to a session.
func (r *Registry) ReleaseSession(sessionID string) {
	r.mu.Lock()
	var ids []string
	for id, info := range r.terms {
		if info.SessionID == sessionID {
			ids = append(ids, id)
			delete(r.terms, id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		if r.pty != nil {
			if err := r.pty.Release(id); err != nil {
				r.log.Warn("terminal release failed", "terminalId", id, "error", err)
			}
		}
	}
}

// List returns all issued terminals.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.terms))
	for _, info := range r.terms {
		out = append(out, info)
	}
	return out
}
