package acp

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultPermissionTimeout caps how long an unanswered permission request
// stays pending before it resolves to a cancelled outcome.
const DefaultPermissionTimeout = 5 * time.Minute

// PermissionBroker correlates agent-initiated permission requests with
// resolutions supplied later by the UI. Each request resolves exactly once:
// either the UI picks an option or the timeout fires, whichever comes
// first; the loser finds the entry already removed and is a no-op.
type PermissionBroker struct {
	log       *slog.Logger
	timeout   time.Duration
	onRequest func(PermissionRequest)

	mu      sync.Mutex
	pending map[string]*pendingPermission
}

type pendingPermission struct {
	ch    chan PermissionOutcome
	timer *time.Timer
}

func NewPermissionBroker(timeout time.Duration, onRequest func(PermissionRequest), log *slog.Logger) *PermissionBroker {
	if timeout <= 0 {
		timeout = DefaultPermissionTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &PermissionBroker{
		log:       log,
		timeout:   timeout,
		onRequest: onRequest,
		pending:   make(map[string]*pendingPermission),
	}
}

// Request registers a pending permission request, emits it toward the UI,
// and blocks until it resolves. Agents that supply no options get a
// built-in allow/deny pair.
func (b *PermissionBroker) Request(sessionID string, toolCall ToolCallRef, options []PermissionOption) PermissionOutcome {
	if len(options) == 0 {
		options = []PermissionOption{
			{OptionID: "allow", Name: "Allow", Kind: "allow_once"},
			{OptionID: "deny", Name: "Deny", Kind: "reject_once"},
		}
	}

	requestID := uuid.Must(uuid.NewV7()).String()
	p := &pendingPermission{ch: make(chan PermissionOutcome, 1)}
	p.timer = time.AfterFunc(b.timeout, func() { b.expire(requestID) })

	b.mu.Lock()
	b.pending[requestID] = p
	b.mu.Unlock()

	b.log.Info("permission requested",
		"requestId", requestID,
		"sessionId", sessionID,
		"tool", toolCall.Title)

	if b.onRequest != nil {
		b.onRequest(PermissionRequest{
			RequestID: requestID,
			SessionID: sessionID,
			ToolCall:  toolCall,
			Options:   options,
		})
	}

	return <-p.ch
}

// Resolve settles the request with the UI's selection. It reports whether
// a matching pending request existed; a false return means the request
// belongs to another connection, already timed out, or was already
// answered.
func (b *PermissionBroker) Resolve(requestID, optionID string) bool {
	p := b.take(requestID)
	if p == nil {
		return false
	}
	p.timer.Stop()
	p.ch <- PermissionOutcome{Outcome: OutcomeSelected, OptionID: optionID}
	b.log.Info("permission resolved", "requestId", requestID, "optionId", optionID)
	return true
}

// Cancel settles the request with a cancelled outcome, as when the user
// dismisses the prompt without choosing. Reports whether the request was
// still pending here.
func (b *PermissionBroker) Cancel(requestID string) bool {
	p := b.take(requestID)
	if p == nil {
		return false
	}
	p.timer.Stop()
	p.ch <- PermissionOutcome{Outcome: OutcomeCancelled}
	b.log.Info("permission dismissed", "requestId", requestID)
	return true
}

// PendingCount returns the number of unresolved requests.
func (b *PermissionBroker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// CancelAll resolves every pending request with a cancelled outcome. Called
// when the connection dies so no reverse call is left waiting.
func (b *PermissionBroker) CancelAll() {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string]*pendingPermission)
	b.mu.Unlock()

	for id, p := range pending {
		p.timer.Stop()
		p.ch <- PermissionOutcome{Outcome: OutcomeCancelled}
		b.log.Debug("permission cancelled on shutdown", "requestId", id)
	}
}

func (b *PermissionBroker) expire(requestID string) {
	p := b.take(requestID)
	if p == nil {
		return
	}
	p.ch <- PermissionOutcome{Outcome: OutcomeCancelled}
	b.log.Info("permission request timed out", "requestId", requestID)
}

// take removes and returns the pending entry, or nil if absent. Removal on
// first settle is what makes resolution exactly-once.
func (b *PermissionBroker) take(requestID string) *pendingPermission {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.pending[requestID]
	delete(b.pending, requestID)
	return p
}
