// Package ws exposes the host to UI clients: JSON-RPC 2.0 over WebSocket,
// with server-initiated notifications for session updates, permission
// requests and connection status.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/sjroesink/OpenAgentManager-sub000/acp"
	"github.com/sjroesink/OpenAgentManager-sub000/config"
	"github.com/sjroesink/OpenAgentManager-sub000/events"
	"github.com/sjroesink/OpenAgentManager-sub000/orchestrator"
	"github.com/sjroesink/OpenAgentManager-sub000/rpc"
	"github.com/sjroesink/OpenAgentManager-sub000/session"
	"github.com/sjroesink/OpenAgentManager-sub000/watch"
)

// RPCHandler accepts WebSocket connections and serves the UI protocol.
type RPCHandler struct {
	log     *slog.Logger
	token   string
	cfg     *config.Config
	orch    *orchestrator.Orchestrator
	conns   orchestrator.ConnectionSource
	watcher *watch.FSWatcher
	bus     *events.Bus
	devMode bool

	mu     sync.Mutex
	states map[*connState]struct{}
}

func NewRPCHandler(token string, cfg *config.Config, orch *orchestrator.Orchestrator, conns orchestrator.ConnectionSource, watcher *watch.FSWatcher, bus *events.Bus, store session.Store, devMode bool, log *slog.Logger) *RPCHandler {
	if log == nil {
		log = slog.Default()
	}
	h := &RPCHandler{
		log:     log,
		token:   token,
		cfg:     cfg,
		orch:    orch,
		conns:   conns,
		watcher: watcher,
		bus:     bus,
		devMode: devMode,
		states:  make(map[*connState]struct{}),
	}
	store.SetOnChangeListener(h.broadcastSessionStatus)
	return h
}

func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.devMode,
	})
	if err != nil {
		h.log.Error("failed to accept websocket", "error", err)
		return
	}
	h.handleConnection(r.Context(), conn)
}

func (h *RPCHandler) handleConnection(ctx context.Context, wsConn *websocket.Conn) {
	connID := uuid.Must(uuid.NewV7()).String()
	log := h.log.With("uiConnId", connID)
	log.Info("new websocket connection")

	state := &connState{
		id:       connID,
		attached: make(map[string]struct{}),
	}

	stream := newWebSocketStream(wsConn)
	handler := &methodHandler{RPCHandler: h, state: state, log: log}
	rpcConn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.AsyncHandler(handler))
	state.setConn(rpcConn)

	h.mu.Lock()
	h.states[state] = struct{}{}
	h.mu.Unlock()

	unsubscribe := h.bus.Subscribe(events.Handlers{
		SessionUpdate:     state.forwardSessionUpdate,
		PermissionRequest: state.forwardPermissionRequest,
		StatusChange:      state.forwardConnectionStatus,
	})

	<-rpcConn.DisconnectNotify()

	unsubscribe()
	h.watcher.CleanupConnection(connID)
	h.mu.Lock()
	delete(h.states, state)
	h.mu.Unlock()
	log.Info("connection closed")
}

// broadcastSessionStatus pushes store changes to every authenticated UI
// connection.
func (h *RPCHandler) broadcastSessionStatus(ev session.ChangeEvent) {
	params := rpc.SessionStatusParams{Op: ev.Op, Info: ev.Info}

	h.mu.Lock()
	states := make([]*connState, 0, len(h.states))
	for state := range h.states {
		states = append(states, state)
	}
	h.mu.Unlock()

	for _, state := range states {
		state.notify("session.status", params)
	}
}

// connState is the per-UI-connection view: auth, attached sessions and the
// underlying jsonrpc2 connection.
type connState struct {
	id string

	mu            sync.Mutex
	conn          *jsonrpc2.Conn
	authenticated bool
	attached      map[string]struct{}
}

func (s *connState) setConn(conn *jsonrpc2.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *connState) isAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *connState) setAuthenticated() {
	s.mu.Lock()
	s.authenticated = true
	s.mu.Unlock()
}

func (s *connState) attach(sessionID string) {
	s.mu.Lock()
	s.attached[sessionID] = struct{}{}
	s.mu.Unlock()
}

func (s *connState) detach(sessionID string) {
	s.mu.Lock()
	delete(s.attached, sessionID)
	s.mu.Unlock()
}

func (s *connState) isAttached(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.attached[sessionID]
	return ok
}

// notify sends a server-initiated notification; unauthenticated
// connections receive nothing.
func (s *connState) notify(method string, params any) {
	s.mu.Lock()
	conn := s.conn
	ok := s.authenticated
	s.mu.Unlock()
	if !ok || conn == nil {
		return
	}
	if err := conn.Notify(context.Background(), method, params); err != nil {
		slog.Debug("ui notify failed", "method", method, "error", err)
	}
}

func (s *connState) forwardSessionUpdate(u acp.Update) {
	if !s.isAttached(u.SessionID) {
		return
	}
	s.notify("session.update", rpc.SessionUpdateParams{Update: u})
}

func (s *connState) forwardPermissionRequest(r acp.PermissionRequest) {
	if !s.isAttached(r.SessionID) {
		return
	}
	s.notify("permission.request", rpc.PermissionRequestParams(r))
}

func (s *connState) forwardConnectionStatus(sc events.StatusChange) {
	s.notify("connection.status", rpc.ConnectionStatusParams(sc))
}

// methodHandler dispatches one connection's JSON-RPC requests.
type methodHandler struct {
	*RPCHandler
	state *connState
	log   *slog.Logger
}

func (h *methodHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	// Auth must be the first request.
	if !h.state.isAuthenticated() {
		if req.Method != "auth" {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "first request must be auth")
			conn.Close()
			return
		}
		h.handleAuth(ctx, conn, req)
		return
	}

	switch req.Method {
	case "agent.list":
		h.handleAgentList(ctx, conn, req)
	case "connection.list":
		h.handleConnectionList(ctx, conn, req)
	case "session.create":
		h.handleSessionCreate(ctx, conn, req)
	case "session.list":
		h.handleSessionList(ctx, conn, req)
	case "session.attach":
		h.handleSessionAttach(ctx, conn, req)
	case "session.detach":
		h.handleSessionDetach(ctx, conn, req)
	case "session.prompt":
		h.handleSessionPrompt(ctx, conn, req)
	case "session.cancel":
		h.handleSessionCancel(ctx, conn, req)
	case "session.delete":
		h.handleSessionDelete(ctx, conn, req)
	case "session.history":
		h.handleSessionHistory(ctx, conn, req)
	case "permission.respond":
		h.handlePermissionRespond(ctx, conn, req)
	case "watch.subscribe":
		h.handleWatchSubscribe(ctx, conn, req)
	case "watch.unsubscribe":
		h.handleWatchUnsubscribe(ctx, conn, req)
	default:
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (h *methodHandler) handleAuth(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.AuthParams
	if !h.decodeParams(ctx, conn, req, &params) {
		conn.Close()
		return
	}

	if subtle.ConstantTimeCompare([]byte(params.Token), []byte(h.token)) != 1 {
		h.log.Warn("invalid auth token")
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "invalid token")
		conn.Close()
		return
	}

	h.state.setAuthenticated()
	h.log.Info("authenticated")
	h.reply(ctx, conn, req.ID, struct{}{})
}

func (h *methodHandler) handleAgentList(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	agents := make([]rpc.AgentInfo, 0, len(h.cfg.Agents))
	for _, a := range h.cfg.Agents {
		agents = append(agents, rpc.AgentInfo{ID: a.ID, Name: a.Name, Kind: string(a.Kind)})
	}
	h.reply(ctx, conn, req.ID, rpc.AgentListResult{Agents: agents})
}

func (h *methodHandler) handleConnectionList(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	list := h.conns.List()
	infos := make([]rpc.ConnectionInfo, 0, len(list))
	for _, c := range list {
		infos = append(infos, rpc.ConnectionInfo{
			ID:           c.ID,
			AgentID:      c.AgentID,
			AgentName:    c.AgentName,
			AgentVersion: c.AgentVersion,
			WorkDir:      c.WorkDir,
			Alive:        c.Alive(),
			CreatedAt:    c.CreatedAt,
		})
	}
	h.reply(ctx, conn, req.ID, rpc.ConnectionListResult{Connections: infos})
}

func (h *methodHandler) handleSessionCreate(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionCreateParams
	if !h.decodeParams(ctx, conn, req, &params) {
		return
	}
	if params.AgentID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "agent_id required")
		return
	}

	info, err := h.orch.CreateSession(ctx, orchestrator.CreateParams{
		AgentID:       params.AgentID,
		WorkDir:       params.WorkDir,
		UseWorktree:   params.UseWorktree,
		InitialPrompt: params.InitialPrompt,
		Env:           params.Env,
	})
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, err.Error())
		return
	}

	// Creator implicitly follows its own session.
	h.state.attach(info.ID)
	h.reply(ctx, conn, req.ID, info)
}

func (h *methodHandler) handleSessionList(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	h.reply(ctx, conn, req.ID, rpc.SessionListResult{Sessions: h.orch.List()})
}

func (h *methodHandler) handleSessionAttach(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionIDParams
	if !h.decodeParams(ctx, conn, req, &params) {
		return
	}

	rec, err := h.orch.History(params.SessionID)
	if err != nil {
		h.replySessionError(ctx, conn, req.ID, err)
		return
	}

	h.state.attach(params.SessionID)
	h.log.Info("attached to session", "sessionId", params.SessionID)
	h.reply(ctx, conn, req.ID, rpc.SessionAttachResult{Info: rec.Info})
}

func (h *methodHandler) handleSessionDetach(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionIDParams
	if !h.decodeParams(ctx, conn, req, &params) {
		return
	}
	h.state.detach(params.SessionID)
	h.reply(ctx, conn, req.ID, struct{}{})
}

func (h *methodHandler) handleSessionPrompt(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionPromptParams
	if !h.decodeParams(ctx, conn, req, &params) {
		return
	}
	if params.Content == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "content required")
		return
	}

	if err := h.orch.Prompt(params.SessionID, params.Content, params.Mode); err != nil {
		h.replySessionError(ctx, conn, req.ID, err)
		return
	}
	h.state.attach(params.SessionID)
	h.reply(ctx, conn, req.ID, struct{}{})
}

func (h *methodHandler) handleSessionCancel(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionIDParams
	if !h.decodeParams(ctx, conn, req, &params) {
		return
	}
	if err := h.orch.Cancel(params.SessionID); err != nil {
		h.replySessionError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, struct{}{})
}

func (h *methodHandler) handleSessionDelete(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionIDParams
	if !h.decodeParams(ctx, conn, req, &params) {
		return
	}
	if err := h.orch.DeleteSession(params.SessionID); err != nil {
		h.replySessionError(ctx, conn, req.ID, err)
		return
	}
	h.state.detach(params.SessionID)
	h.log.Info("session deleted", "sessionId", params.SessionID)
	h.reply(ctx, conn, req.ID, struct{}{})
}

func (h *methodHandler) handleSessionHistory(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionIDParams
	if !h.decodeParams(ctx, conn, req, &params) {
		return
	}
	rec, err := h.orch.History(params.SessionID)
	if err != nil {
		h.replySessionError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, rpc.SessionHistoryResult{Info: rec.Info, Messages: rec.Messages})
}

func (h *methodHandler) handlePermissionRespond(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.PermissionRespondParams
	if !h.decodeParams(ctx, conn, req, &params) {
		return
	}
	if err := h.orch.ResolvePermission(params.RequestID, params.OptionID); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, err.Error())
		return
	}
	h.reply(ctx, conn, req.ID, struct{}{})
}

func (h *methodHandler) handleWatchSubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.WatchSubscribeParams
	if !h.decodeParams(ctx, conn, req, &params) {
		return
	}
	id, err := h.watcher.Subscribe(params.Path, conn, h.state.id)
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, err.Error())
		return
	}
	h.reply(ctx, conn, req.ID, rpc.WatchSubscribeResult{WatchID: id})
}

func (h *methodHandler) handleWatchUnsubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.WatchUnsubscribeParams
	if !h.decodeParams(ctx, conn, req, &params) {
		return
	}
	h.watcher.Unsubscribe(params.WatchID)
	h.reply(ctx, conn, req.ID, struct{}{})
}

func (h *methodHandler) decodeParams(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, v any) bool {
	if req.Params == nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "params required")
		return false
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return false
	}
	return true
}

func (h *methodHandler) reply(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, result any) {
	if err := conn.Reply(ctx, id, result); err != nil {
		h.log.Error("failed to send response", "error", err)
	}
}

func (h *methodHandler) replySessionError(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, err error) {
	if errors.Is(err, session.ErrSessionNotFound) {
		h.replyError(ctx, conn, id, jsonrpc2.CodeInvalidParams, "session not found")
		return
	}
	h.replyError(ctx, conn, id, jsonrpc2.CodeInternalError, err.Error())
}

func (h *methodHandler) replyError(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, code int64, message string) {
	rpcErr := &jsonrpc2.Error{Code: code, Message: message}
	if err := conn.ReplyWithError(ctx, id, rpcErr); err != nil {
		h.log.Error("failed to send error response", "error", err)
	}
}

// webSocketStream adapts coder/websocket to jsonrpc2.ObjectStream.
type webSocketStream struct {
	conn *websocket.Conn
	mu   sync.Mutex // protects writes
}

func newWebSocketStream(conn *websocket.Conn) *webSocketStream {
	return &webSocketStream{conn: conn}
}

func (s *webSocketStream) ReadObject(v interface{}) error {
	_, data, err := s.conn.Read(context.Background())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *webSocketStream) WriteObject(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(context.Background(), websocket.MessageText, data)
}

func (s *webSocketStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

var _ jsonrpc2.ObjectStream = (*webSocketStream)(nil)
