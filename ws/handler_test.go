package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/sjroesink/OpenAgentManager-sub000/acp"
	"github.com/sjroesink/OpenAgentManager-sub000/config"
	"github.com/sjroesink/OpenAgentManager-sub000/connection"
	"github.com/sjroesink/OpenAgentManager-sub000/events"
	"github.com/sjroesink/OpenAgentManager-sub000/orchestrator"
	"github.com/sjroesink/OpenAgentManager-sub000/rpc"
	"github.com/sjroesink/OpenAgentManager-sub000/session"
	"github.com/sjroesink/OpenAgentManager-sub000/watch"
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpc2.Error `json:"error,omitempty"`
}

type rpcNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type testEnv struct {
	t      *testing.T
	mock   *mockClient
	bus    *events.Bus
	server *httptest.Server
	conn   *websocket.Conn
	ctx    context.Context
	reqID  int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{Agents: []config.Agent{
		{ID: "a1", Name: "Agent One", Kind: config.KindBinary, Command: "/bin/true"},
	}}

	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	mock := newMockClient("r1")
	src := newMockSource(&connection.Connection{
		ID: "c1", AgentID: "a1", AgentName: "Agent One", Client: mock, CreatedAt: time.Now(),
	})

	bus := events.NewBus()
	orch := orchestrator.New(cfg, store, bus, src, nil, nil)

	watcher := watch.NewFSWatcher(nil)
	if err := watcher.Start(); err != nil {
		t.Fatalf("watcher: %v", err)
	}
	t.Cleanup(watcher.Stop)

	h := NewRPCHandler("test-token", cfg, orch, src, watcher, bus, store, true, nil)
	server := httptest.NewServer(h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		cancel()
		server.Close()
		t.Fatalf("failed to connect: %v", err)
	}

	env := &testEnv{t: t, mock: mock, bus: bus, server: server, conn: conn, ctx: ctx}

	resp := env.call("auth", rpc.AuthParams{Token: "test-token"})
	if resp.Error != nil {
		t.Fatalf("auth failed: %s", resp.Error.Message)
	}

	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "")
		cancel()
		server.Close()
	})
	return env
}

func (e *testEnv) send(method string, params interface{}) int {
	e.reqID++
	req := rpcRequest{JSONRPC: "2.0", ID: e.reqID, Method: method, Params: params}
	data, _ := json.Marshal(req)
	if err := e.conn.Write(e.ctx, websocket.MessageText, data); err != nil {
		e.t.Fatalf("failed to send: %v", err)
	}
	return e.reqID
}

// call sends a request and reads frames until its response arrives,
// discarding interleaved notifications.
func (e *testEnv) call(method string, params interface{}) rpcResponse {
	id := e.send(method, params)
	for {
		_, data, err := e.conn.Read(e.ctx)
		if err != nil {
			e.t.Fatalf("failed to read: %v", err)
		}
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			e.t.Fatalf("failed to unmarshal response: %v", err)
		}
		if resp.ID == id && (resp.Result != nil || resp.Error != nil) {
			return resp
		}
	}
}

// waitNotification reads frames until a notification with the method
// arrives, skipping everything else.
func (e *testEnv) waitNotification(method string) rpcNotification {
	for {
		_, data, err := e.conn.Read(e.ctx)
		if err != nil {
			e.t.Fatalf("failed to read while waiting for %s: %v", method, err)
		}
		var notif rpcNotification
		if err := json.Unmarshal(data, &notif); err != nil {
			continue
		}
		if notif.Method == method {
			return notif
		}
	}
}

func (e *testEnv) createSession() session.Info {
	resp := e.call("session.create", rpc.SessionCreateParams{AgentID: "a1", WorkDir: "/w"})
	if resp.Error != nil {
		e.t.Fatalf("session.create failed: %s", resp.Error.Message)
	}
	var info session.Info
	if err := json.Unmarshal(resp.Result, &info); err != nil {
		e.t.Fatalf("decode session info: %v", err)
	}
	return info
}

func TestAuth_InvalidToken(t *testing.T) {
	cfg := &config.Config{}
	store, _ := session.NewFileStore(t.TempDir())
	bus := events.NewBus()
	src := newMockSource()
	orch := orchestrator.New(cfg, store, bus, src, nil, nil)
	watcher := watch.NewFSWatcher(nil)
	if err := watcher.Start(); err != nil {
		t.Fatal(err)
	}
	defer watcher.Stop()

	h := NewRPCHandler("secret", cfg, orch, src, watcher, bus, store, true, nil)
	server := httptest.NewServer(h)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "auth", Params: rpc.AuthParams{Token: "wrong"}}
	data, _ := json.Marshal(req)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("failed to send: %v", err)
	}

	_, respData, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	var resp rpcResponse
	if err := json.Unmarshal(respData, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || !strings.Contains(resp.Error.Message, "invalid token") {
		t.Errorf("expected invalid token error, got %+v", resp.Error)
	}
}

func TestAuth_MustBeFirst(t *testing.T) {
	cfg := &config.Config{}
	store, _ := session.NewFileStore(t.TempDir())
	bus := events.NewBus()
	src := newMockSource()
	orch := orchestrator.New(cfg, store, bus, src, nil, nil)
	watcher := watch.NewFSWatcher(nil)
	if err := watcher.Start(); err != nil {
		t.Fatal(err)
	}
	defer watcher.Stop()

	server := httptest.NewServer(NewRPCHandler("secret", cfg, orch, src, watcher, bus, store, true, nil))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "session.list", Params: struct{}{}}
	data, _ := json.Marshal(req)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatal(err)
	}

	_, respData, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var resp rpcResponse
	if err := json.Unmarshal(respData, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || !strings.Contains(resp.Error.Message, "auth") {
		t.Errorf("expected auth-first error, got %+v", resp.Error)
	}
}

func TestAgentList(t *testing.T) {
	env := newTestEnv(t)

	resp := env.call("agent.list", struct{}{})
	if resp.Error != nil {
		t.Fatalf("agent.list failed: %s", resp.Error.Message)
	}
	var result rpc.AgentListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Agents) != 1 || result.Agents[0].ID != "a1" {
		t.Errorf("agents = %+v", result.Agents)
	}
}

func TestUnknownMethod(t *testing.T) {
	env := newTestEnv(t)
	resp := env.call("nope.nothing", struct{}{})
	if resp.Error == nil || resp.Error.Code != jsonrpc2.CodeMethodNotFound {
		t.Errorf("expected method not found, got %+v", resp.Error)
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)

	info := env.createSession()
	if info.AgentID != "a1" || info.ConnectionID != "c1" {
		t.Fatalf("unexpected session %+v", info)
	}

	resp := env.call("session.list", struct{}{})
	var list rpc.SessionListResult
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Sessions) != 1 || list.Sessions[0].ID != info.ID {
		t.Errorf("sessions = %+v", list.Sessions)
	}

	resp = env.call("session.history", rpc.SessionIDParams{SessionID: info.ID})
	if resp.Error != nil {
		t.Fatalf("session.history failed: %s", resp.Error.Message)
	}

	resp = env.call("session.delete", rpc.SessionIDParams{SessionID: info.ID})
	if resp.Error != nil {
		t.Fatalf("session.delete failed: %s", resp.Error.Message)
	}

	resp = env.call("session.history", rpc.SessionIDParams{SessionID: info.ID})
	if resp.Error == nil {
		t.Error("expected history of deleted session to fail")
	}
}

func TestSessionPrompt_StreamsUpdates(t *testing.T) {
	env := newTestEnv(t)
	info := env.createSession()

	modes := make(chan string, 1)
	env.mock.onPrompt = func(p acp.PromptParams) (acp.PromptResult, error) {
		modes <- p.Mode
		env.bus.PublishSessionUpdate(acp.Update{
			Kind: acp.UpdateMessageChunk, SessionID: info.ID, Text: "hello",
		})
		return acp.PromptResult{StopReason: "end_turn"}, nil
	}

	resp := env.call("session.prompt", rpc.SessionPromptParams{SessionID: info.ID, Content: "hi", Mode: "code"})
	if resp.Error != nil {
		t.Fatalf("session.prompt failed: %s", resp.Error.Message)
	}

	notif := env.waitNotification("session.update")
	var params rpc.SessionUpdateParams
	if err := json.Unmarshal(notif.Params, &params); err != nil {
		t.Fatal(err)
	}
	if params.Update.Kind != acp.UpdateMessageChunk || params.Update.Text != "hello" {
		t.Errorf("update = %+v", params.Update)
	}
	if got := <-modes; got != "code" {
		t.Errorf("agent saw mode %q, want code", got)
	}
}

func TestSessionPrompt_UnknownSession(t *testing.T) {
	env := newTestEnv(t)
	resp := env.call("session.prompt", rpc.SessionPromptParams{SessionID: "missing", Content: "hi"})
	if resp.Error == nil || resp.Error.Code != jsonrpc2.CodeInvalidParams {
		t.Errorf("expected invalid params, got %+v", resp.Error)
	}
}

func TestPermissionRespond_Unknown(t *testing.T) {
	env := newTestEnv(t)
	resp := env.call("permission.respond", rpc.PermissionRespondParams{RequestID: "nope", OptionID: "allow"})
	if resp.Error == nil {
		t.Error("expected error for unknown permission request")
	}
}

func TestWatchSubscribeUnsubscribe(t *testing.T) {
	env := newTestEnv(t)

	dir := t.TempDir()
	resp := env.call("watch.subscribe", rpc.WatchSubscribeParams{Path: dir})
	if resp.Error != nil {
		t.Fatalf("watch.subscribe failed: %s", resp.Error.Message)
	}
	var result rpc.WatchSubscribeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.WatchID == "" {
		t.Fatal("empty watch id")
	}

	resp = env.call("watch.unsubscribe", rpc.WatchUnsubscribeParams{WatchID: result.WatchID})
	if resp.Error != nil {
		t.Fatalf("watch.unsubscribe failed: %s", resp.Error.Message)
	}

	resp = env.call("watch.subscribe", rpc.WatchSubscribeParams{Path: dir + "/absent"})
	if resp.Error == nil {
		t.Error("expected error for missing path")
	}
}
