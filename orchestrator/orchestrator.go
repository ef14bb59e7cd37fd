// Package orchestrator owns the session table: creating sessions on agent
// connections, queueing prompts per session, aggregating streamed updates
// into persistent history, and recovering sessions whose agent process died.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sjroesink/OpenAgentManager-sub000/acp"
	"github.com/sjroesink/OpenAgentManager-sub000/config"
	"github.com/sjroesink/OpenAgentManager-sub000/connection"
	"github.com/sjroesink/OpenAgentManager-sub000/events"
	"github.com/sjroesink/OpenAgentManager-sub000/session"
	"github.com/sjroesink/OpenAgentManager-sub000/worktree"
)

const (
	// A dead connection gets one relaunch per prompt before the prompt
	// fails for good.
	maxPromptAttempts    = 2
	defaultLaunchBackoff = 500 * time.Millisecond
	stopReasonError      = "error"
	stopReasonCancelled  = "cancelled"
)

// ConnectionSource is the slice of the connection manager the orchestrator
// needs. *connection.Manager satisfies it.
type ConnectionSource interface {
	Launch(ctx context.Context, agentID, workDir string, extraEnv map[string]string) (*connection.Connection, error)
	Get(id string) (*connection.Connection, bool)
	FindByAgent(agentID string) (*connection.Connection, bool)
	List() []*connection.Connection
}

// promptEntry is one queued prompt: the content blocks to send plus the
// optional session mode to run them under.
type promptEntry struct {
	blocks []acp.ContentBlock
	mode   string
}

// state is one session's in-memory view: metadata, history, the prompt
// queue and the assistant blocks of the in-flight turn.
type state struct {
	info session.Info
	msgs []session.Message

	queue    []promptEntry
	draining bool

	turn []session.Block

	// persist serializes history writes so snapshots reach the store in
	// the order they were taken. Acquired before o.mu, never inside it.
	persist sync.Mutex
}

// Orchestrator routes prompts to agent connections and keeps the stored
// history consistent with what the UI has seen.
type Orchestrator struct {
	log   *slog.Logger
	cfg   *config.Config
	store session.Store
	bus   *events.Bus
	conns ConnectionSource
	prep  worktree.Preparer // nil when worktrees are not configured

	launchBackoff time.Duration

	mu       sync.Mutex
	sessions map[string]*state
}

func New(cfg *config.Config, store session.Store, bus *events.Bus, conns ConnectionSource, prep worktree.Preparer, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		log:           log,
		cfg:           cfg,
		store:         store,
		bus:           bus,
		conns:         conns,
		prep:          prep,
		launchBackoff: defaultLaunchBackoff,
		sessions:      make(map[string]*state),
	}
	bus.Subscribe(events.Handlers{SessionUpdate: o.handleUpdate})
	return o
}

// Rehydrate loads every stored session into the table. Sessions come back
// without a live connection; the first prompt relaunches their agent.
func (o *Orchestrator) Rehydrate() error {
	records, err := o.store.LoadAll()
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, rec := range records {
		info := rec.Info
		if info.Status == session.StatusPrompting || info.Status == session.StatusActive {
			info.Status = session.StatusIdle
		}
		info.ConnectionID = ""
		o.sessions[info.ID] = &state{info: info, msgs: rec.Messages}
	}
	o.log.Info("sessions rehydrated", "count", len(records))
	return nil
}

// CreateParams configures a new session.
type CreateParams struct {
	AgentID string
	WorkDir string
	// UseWorktree prepares an isolated worktree for the session and runs
	// the agent there instead of WorkDir.
	UseWorktree   bool
	InitialPrompt string
	// Env is per-launch extra environment for the agent process. It is the
	// last merge layer and survives relaunches of this session's agent.
	Env map[string]string
}

// CreateSession launches (or reuses) a connection for the agent, opens a
// session on it and persists the session. When an initial prompt is given,
// it is queued before returning.
func (o *Orchestrator) CreateSession(ctx context.Context, p CreateParams) (session.Info, error) {
	agent, ok := o.cfg.FindAgent(p.AgentID)
	if !ok {
		return session.Info{}, fmt.Errorf("unknown agent %q", p.AgentID)
	}

	id := uuid.Must(uuid.NewV7()).String()
	workDir := p.WorkDir
	worktreeDir := ""
	initialPrompt := p.InitialPrompt

	if p.UseWorktree {
		if o.prep == nil {
			return session.Info{}, errors.New("worktrees are not configured")
		}
		prepared, err := o.prep.Prepare(ctx, id, agent)
		if err != nil {
			return session.Info{}, fmt.Errorf("prepare worktree: %w", err)
		}
		workDir = prepared.Dir
		worktreeDir = prepared.Dir
		if initialPrompt == "" {
			initialPrompt = prepared.InitialPrompt
		}
	}

	conn, err := o.connectionFor(ctx, p.AgentID, workDir, p.Env)
	if err != nil {
		return session.Info{}, err
	}
	if err := o.openRemoteSession(ctx, conn, id, workDir); err != nil {
		return session.Info{}, err
	}

	now := time.Now()
	info := session.Info{
		ID:           id,
		AgentID:      p.AgentID,
		AgentName:    conn.AgentName,
		ConnectionID: conn.ID,
		Status:       session.StatusActive,
		WorkDir:      workDir,
		WorktreeDir:  worktreeDir,
		LaunchEnv:    p.Env,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.store.Save(info); err != nil {
		return session.Info{}, fmt.Errorf("persist session: %w", err)
	}

	o.mu.Lock()
	o.sessions[id] = &state{info: info}
	o.mu.Unlock()
	o.log.Info("session created", "sessionId", id, "agent", p.AgentID, "workDir", workDir)

	if initialPrompt != "" {
		if err := o.Prompt(id, initialPrompt, ""); err != nil {
			return info, err
		}
	}
	return info, nil
}

// connectionFor reuses a live connection for the agent or launches one.
func (o *Orchestrator) connectionFor(ctx context.Context, agentID, workDir string, extraEnv map[string]string) (*connection.Connection, error) {
	if conn, ok := o.conns.FindByAgent(agentID); ok {
		return conn, nil
	}
	return o.conns.Launch(ctx, agentID, workDir, extraEnv)
}

// openRemoteSession runs session/new and binds the agent's session ID to
// the host-stable one.
func (o *Orchestrator) openRemoteSession(ctx context.Context, conn *connection.Connection, id, workDir string) error {
	var res acp.NewSessionResult
	err := conn.Client.Call(ctx, acp.MethodSessionNew, acp.NewSessionParams{
		Cwd:        workDir,
		MCPServers: []json.RawMessage{},
	}, &res)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	conn.Client.Sessions().Bind(res.SessionID, id)
	return nil
}

// Prompt appends the user message to history and queues the prompt. Prompts
// for the same session run strictly in submission order; each one fully
// completes, including persistence, before the next starts. mode selects
// the agent's session mode for this prompt; empty leaves it unset.
func (o *Orchestrator) Prompt(sessionID, content, mode string) error {
	o.mu.Lock()
	st, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		var err error
		if st, err = o.rehydrateOne(sessionID); err != nil {
			return err
		}
	}

	// The persist lock is held across the store write so snapshots from
	// concurrent submissions cannot land out of order.
	st.persist.Lock()
	o.mu.Lock()
	st.msgs = append(st.msgs, session.Message{
		Role:      "user",
		Blocks:    []session.Block{{Type: "text", Text: content}},
		CreatedAt: time.Now(),
	})
	msgs := snapshotMessages(st.msgs)

	st.queue = append(st.queue, promptEntry{
		blocks: []acp.ContentBlock{acp.TextBlock(content)},
		mode:   mode,
	})
	start := !st.draining
	st.draining = true
	o.mu.Unlock()

	if err := o.store.UpdateMessages(sessionID, msgs); err != nil {
		o.log.Error("persist user message", "sessionId", sessionID, "error", err)
	}
	st.persist.Unlock()

	if start {
		go o.drain(sessionID)
	}
	return nil
}

// rehydrateOne pulls a session the table does not know from the store.
func (o *Orchestrator) rehydrateOne(sessionID string) (*state, error) {
	rec, ok, err := o.store.Load(sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, session.ErrSessionNotFound
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if st, exists := o.sessions[sessionID]; exists {
		return st, nil
	}
	info := rec.Info
	info.ConnectionID = ""
	st := &state{info: info, msgs: rec.Messages}
	o.sessions[sessionID] = st
	return st, nil
}

// drain executes queued prompts one at a time until the queue is empty.
func (o *Orchestrator) drain(sessionID string) {
	for {
		o.mu.Lock()
		st, ok := o.sessions[sessionID]
		if !ok || len(st.queue) == 0 {
			if ok {
				st.draining = false
			}
			o.mu.Unlock()
			return
		}
		entry := st.queue[0]
		st.queue = st.queue[1:]
		o.mu.Unlock()

		o.executePrompt(sessionID, entry)
	}
}

// executePrompt sends one prompt, recovering a dead connection at most
// once, and finalizes the turn either way.
func (o *Orchestrator) executePrompt(sessionID string, entry promptEntry) {
	ctx := context.Background()
	o.setStatus(sessionID, session.StatusPrompting)

	var lastErr error
	for attempt := 0; attempt < maxPromptAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(o.launchBackoff)
		}

		conn, err := o.ensureConnected(ctx, sessionID)
		if err != nil {
			lastErr = err
			continue
		}

		remote := conn.Client.Sessions().ToRemote(sessionID)
		var res acp.PromptResult
		err = conn.Client.Call(ctx, acp.MethodSessionPrompt, acp.PromptParams{
			SessionID: remote,
			Prompt:    entry.blocks,
			Mode:      entry.mode,
		}, &res)
		if err == nil {
			o.finishTurn(sessionID, res.StopReason, nil)
			return
		}

		lastErr = err
		// Only a dead process is worth a relaunch; a protocol-level error
		// from a live agent will not improve on retry.
		if !errors.Is(err, acp.ErrClientClosed) {
			break
		}
	}
	o.finishTurn(sessionID, stopReasonError, lastErr)
}

// ensureConnected returns the session's live connection, relaunching the
// agent and rebinding the session when the old connection is gone. The
// host-stable session ID survives the swap.
func (o *Orchestrator) ensureConnected(ctx context.Context, sessionID string) (*connection.Connection, error) {
	o.mu.Lock()
	st, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return nil, session.ErrSessionNotFound
	}
	connID := st.info.ConnectionID
	agentID := st.info.AgentID
	workDir := st.info.WorkDir
	launchEnv := st.info.LaunchEnv
	o.mu.Unlock()

	if conn, ok := o.conns.Get(connID); ok && conn.Alive() {
		return conn, nil
	}

	o.log.Info("relaunching agent for session", "sessionId", sessionID, "agent", agentID)
	conn, err := o.conns.Launch(ctx, agentID, workDir, launchEnv)
	if err != nil {
		return nil, fmt.Errorf("relaunch agent: %w", err)
	}
	if err := o.openRemoteSession(ctx, conn, sessionID, workDir); err != nil {
		return nil, err
	}

	o.mu.Lock()
	st.info.ConnectionID = conn.ID
	st.info.UpdatedAt = time.Now()
	info := st.info
	o.mu.Unlock()

	if err := o.store.Save(info); err != nil {
		o.log.Error("persist session after relaunch", "sessionId", sessionID, "error", err)
	}
	return conn, nil
}

// finishTurn folds the aggregated assistant blocks into history, persists
// the session, and reports turn completion on the bus.
func (o *Orchestrator) finishTurn(sessionID, stopReason string, callErr error) {
	o.mu.Lock()
	st, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return
	}

	st.persist.Lock()
	o.mu.Lock()
	blocks := st.turn
	st.turn = nil
	if callErr != nil {
		blocks = append(blocks, session.Block{Type: "text", Text: "Error: " + callErr.Error()})
	}
	if len(blocks) > 0 || callErr != nil {
		st.msgs = append(st.msgs, session.Message{
			Role:       "assistant",
			Blocks:     blocks,
			StopReason: stopReason,
			CreatedAt:  time.Now(),
		})
	}
	msgs := snapshotMessages(st.msgs)

	switch {
	case callErr != nil:
		st.info.Status = session.StatusError
	case stopReason == stopReasonCancelled:
		st.info.Status = session.StatusCancelled
	default:
		st.info.Status = session.StatusIdle
	}
	st.info.UpdatedAt = time.Now()
	info := st.info
	o.mu.Unlock()

	if err := o.store.UpdateMessages(sessionID, msgs); err != nil {
		o.log.Error("persist turn", "sessionId", sessionID, "error", err)
	}
	if err := o.store.Save(info); err != nil {
		o.log.Error("persist session status", "sessionId", sessionID, "error", err)
	}
	st.persist.Unlock()

	if callErr != nil {
		o.log.Warn("prompt failed", "sessionId", sessionID, "error", callErr)
	}
	o.bus.PublishSessionUpdate(acp.Update{
		Kind:       acp.UpdateTurnComplete,
		SessionID:  sessionID,
		StopReason: stopReason,
	})
}

// handleUpdate aggregates streamed updates into the in-flight assistant
// message. Runs synchronously on the connection's read path, so ordering
// within a session is the agent's emission order.
func (o *Orchestrator) handleUpdate(u acp.Update) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.sessions[u.SessionID]
	if !ok {
		return
	}

	switch u.Kind {
	case acp.UpdateMessageChunk:
		appendText(&st.turn, "text", u.Text)
	case acp.UpdateThoughtChunk:
		appendText(&st.turn, "thought", u.Text)
	case acp.UpdateToolCallStart:
		st.turn = append(st.turn, session.Block{
			Type:       "tool_call",
			ToolCallID: u.ToolCallID,
			ToolTitle:  u.ToolTitle,
			ToolStatus: u.ToolStatus,
			ToolInput:  u.ToolInput,
		})
	case acp.UpdateToolCallUpdate:
		for i := len(st.turn) - 1; i >= 0; i-- {
			if st.turn[i].Type == "tool_call" && st.turn[i].ToolCallID == u.ToolCallID {
				if u.ToolStatus != "" {
					st.turn[i].ToolStatus = u.ToolStatus
				}
				if len(u.ToolOutput) > 0 {
					st.turn[i].ToolOutput = u.ToolOutput
				}
				break
			}
		}
	}
	st.info.UpdatedAt = time.Now()
}

// appendText merges consecutive chunks of the same block type.
func appendText(blocks *[]session.Block, blockType, text string) {
	if n := len(*blocks); n > 0 && (*blocks)[n-1].Type == blockType {
		(*blocks)[n-1].Text += text
		return
	}
	*blocks = append(*blocks, session.Block{Type: blockType, Text: text})
}

// Cancel asks the agent to stop the session's current turn. The session is
// marked cancelled even when no live connection remains to notify.
func (o *Orchestrator) Cancel(sessionID string) error {
	o.mu.Lock()
	st, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return session.ErrSessionNotFound
	}
	connID := st.info.ConnectionID
	st.info.Status = session.StatusCancelled
	st.info.UpdatedAt = time.Now()
	info := st.info
	o.mu.Unlock()

	if conn, live := o.conns.Get(connID); live && conn.Alive() {
		remote := conn.Client.Sessions().ToRemote(sessionID)
		if err := conn.Client.Notify(acp.MethodSessionCancel, acp.CancelParams{SessionID: remote}); err != nil {
			o.log.Warn("cancel notify failed", "sessionId", sessionID, "error", err)
		}
	}

	if err := o.store.Save(info); err != nil {
		return fmt.Errorf("persist cancel: %w", err)
	}
	return nil
}

// ResolvePermission answers a pending permission request. An empty option
// dismisses it. The request ID is host-minted and unique across
// connections, so every broker can be asked until one claims it.
func (o *Orchestrator) ResolvePermission(requestID, optionID string) error {
	for _, conn := range o.conns.List() {
		broker := conn.Client.Broker()
		if optionID == "" {
			if broker.Cancel(requestID) {
				return nil
			}
		} else if broker.Resolve(requestID, optionID) {
			return nil
		}
	}
	return fmt.Errorf("no pending permission request %q", requestID)
}

// List returns all known sessions, newest first.
func (o *Orchestrator) List() []session.Info {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]session.Info, 0, len(o.sessions))
	for _, st := range o.sessions {
		out = append(out, st.info)
	}
	sortInfos(out)
	return out
}

// History returns the session's metadata and full message history.
func (o *Orchestrator) History(sessionID string) (session.Record, error) {
	o.mu.Lock()
	st, ok := o.sessions[sessionID]
	if ok {
		rec := session.Record{Info: st.info, Messages: snapshotMessages(st.msgs)}
		o.mu.Unlock()
		return rec, nil
	}
	o.mu.Unlock()

	rec, found, err := o.store.Load(sessionID)
	if err != nil {
		return session.Record{}, err
	}
	if !found {
		return session.Record{}, session.ErrSessionNotFound
	}
	return rec, nil
}

// DeleteSession removes the session from the table and the store, and
// releases its worktree when it had one.
func (o *Orchestrator) DeleteSession(sessionID string) error {
	o.mu.Lock()
	st, ok := o.sessions[sessionID]
	var worktreeDir string
	if ok {
		worktreeDir = st.info.WorktreeDir
		delete(o.sessions, sessionID)
	}
	o.mu.Unlock()

	if err := o.store.Delete(sessionID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		return err
	}
	if worktreeDir != "" && o.prep != nil {
		if err := o.prep.Remove(sessionID); err != nil {
			o.log.Warn("worktree cleanup failed", "sessionId", sessionID, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) setStatus(sessionID string, status session.Status) {
	o.mu.Lock()
	st, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return
	}
	st.info.Status = status
	st.info.UpdatedAt = time.Now()
	info := st.info
	o.mu.Unlock()

	if err := o.store.Save(info); err != nil {
		o.log.Error("persist session status", "sessionId", sessionID, "error", err)
	}
}

func snapshotMessages(msgs []session.Message) []session.Message {
	out := make([]session.Message, len(msgs))
	copy(out, msgs)
	return out
}

func sortInfos(infos []session.Info) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.After(infos[j].CreatedAt) })
}
