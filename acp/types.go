// Package acp implements the host side of the Agent Client Protocol:
// newline-delimited JSON-RPC 2.0 over a child process's stdio. The Client
// correlates host-initiated requests by ID and dispatches agent-initiated
// reverse calls (session updates, permission requests, file access,
// terminal creation) to typed handlers.
package acp

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the ACP protocol version this host speaks.
const ProtocolVersion = 1

// Host-initiated methods.
const (
	MethodInitialize    = "initialize"
	MethodAuthenticate  = "authenticate"
	MethodSessionNew    = "session/new"
	MethodSessionPrompt = "session/prompt"
	MethodSessionCancel = "session/cancel"
)

// Agent-initiated methods.
const (
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
	MethodReadTextFile      = "fs/read_text_file"
	MethodWriteTextFile     = "fs/write_text_file"
	MethodCreateTerminal    = "terminal/create"
)

// Reserved JSON-RPC error codes.
const (
	CodeParseError       = -32700
	CodeInvalidParams    = -32602
	CodeMethodNotFound   = -32601
	CodeInternalError    = -32603
	CodeResourceNotFound = -32002
	CodeWriteFailure     = -32003
)

// frame is a single JSON-RPC message in either direction. A non-empty
// Method marks an inbound call or notification; otherwise the frame is a
// response to one of our requests.
type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object returned by the agent.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("agent error %d: %s", e.Code, e.Message)
}

// ContentBlock is one unit of prompt or message content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// --- initialize / authenticate ---

type FSCapabilities struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

type ClientCapabilities struct {
	FS       FSCapabilities `json:"fs"`
	Terminal bool           `json:"terminal"`
}

type InitializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
}

type AgentCapabilities struct {
	LoadSession        bool            `json:"loadSession,omitempty"`
	PromptCapabilities json.RawMessage `json:"promptCapabilities,omitempty"`
}

// AuthMethod describes one authentication scheme advertised by the agent.
// Type "env_var" means the agent reads the named environment variable.
type AuthMethod struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Type   string `json:"type,omitempty"`
	EnvVar string `json:"envVar,omitempty"`
}

type AgentInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type InitializeResult struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities"`
	AuthMethods       []AuthMethod      `json:"authMethods"`
	AgentInfo         *AgentInfo        `json:"agentInfo,omitempty"`
}

type AuthenticateParams struct {
	MethodID string `json:"methodId"`
}

// --- session lifecycle ---

type NewSessionParams struct {
	Cwd        string            `json:"cwd"`
	MCPServers []json.RawMessage `json:"mcpServers"`
}

type NewSessionResult struct {
	SessionID string `json:"sessionId"`
}

type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
	Mode      string         `json:"mode,omitempty"`
}

type PromptResult struct {
	StopReason string `json:"stopReason"`
}

type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// --- session/update ---

// Wire kinds of the sessionUpdate union.
const (
	wireAgentMessageChunk = "agent_message_chunk"
	wireAgentThoughtChunk = "agent_thought_chunk"
	wireUserMessageChunk  = "user_message_chunk"
	wireToolCall          = "tool_call"
	wireToolCallUpdate    = "tool_call_update"
	wirePlan              = "plan"
	wireCurrentModeUpdate = "current_mode_update"
	wireUsageUpdate       = "usage_update"
)

// sessionNotification is the params shape of session/update.
type sessionNotification struct {
	SessionID string     `json:"sessionId"`
	Update    wireUpdate `json:"update"`
}

// wireUpdate is the agent-specific update union, decoded at the parsing
// boundary and translated into a normalized Update before anything else
// sees it.
type wireUpdate struct {
	Kind          string          `json:"sessionUpdate"`
	Content       *ContentBlock   `json:"content,omitempty"`
	ToolCallID    string          `json:"toolCallId,omitempty"`
	Title         string          `json:"title,omitempty"`
	ToolKind      string          `json:"kind,omitempty"`
	Status        string          `json:"status,omitempty"`
	RawInput      json.RawMessage `json:"rawInput,omitempty"`
	RawOutput     json.RawMessage `json:"rawOutput,omitempty"`
	Entries       []PlanEntry     `json:"entries,omitempty"`
	CurrentModeID string          `json:"currentModeId,omitempty"`
	Usage         json.RawMessage `json:"usage,omitempty"`
}

// PlanEntry is one step of an agent-reported plan.
type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status,omitempty"`
}

// UpdateKind classifies a normalized session update.
type UpdateKind string

const (
	UpdateMessageChunk   UpdateKind = "message_chunk"
	UpdateThoughtChunk   UpdateKind = "thought_chunk"
	UpdateToolCallStart  UpdateKind = "tool_call_start"
	UpdateToolCallUpdate UpdateKind = "tool_call_update"
	UpdateTurnComplete   UpdateKind = "turn_complete"
	UpdatePlan           UpdateKind = "plan"
	UpdateModeChange     UpdateKind = "mode_change"
	UpdateUsage          UpdateKind = "usage"
)

// Update is a normalized session update. SessionID always carries the
// host-stable (virtualized) identifier, never the agent's own one.
type Update struct {
	Kind       UpdateKind      `json:"kind"`
	SessionID  string          `json:"session_id"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolTitle  string          `json:"tool_title,omitempty"`
	ToolKind   string          `json:"tool_kind,omitempty"`
	ToolStatus string          `json:"tool_status,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput json.RawMessage `json:"tool_output,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	Plan       []PlanEntry     `json:"plan,omitempty"`
	ModeID     string          `json:"mode_id,omitempty"`
	Usage      json.RawMessage `json:"usage,omitempty"`
}

// --- permission requests ---

// ToolCallRef describes the tool call a permission request is gating.
type ToolCallRef struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
}

// PermissionOption is one selectable answer to a permission request.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind,omitempty"`
}

type requestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCallRef        `json:"toolCall"`
	Options   []PermissionOption `json:"options,omitempty"`
}

// Permission outcome values on the wire.
const (
	OutcomeSelected  = "selected"
	OutcomeCancelled = "cancelled"
)

// PermissionOutcome is the resolution of a permission request.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

type requestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// PermissionRequest is emitted toward the UI when the agent asks for
// approval. RequestID is host-minted and is what the UI answers with.
type PermissionRequest struct {
	RequestID string             `json:"request_id"`
	SessionID string             `json:"session_id"`
	ToolCall  ToolCallRef        `json:"tool_call"`
	Options   []PermissionOption `json:"options"`
}

// --- file access / terminal ---

type readTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      *int   `json:"line,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
}

type readTextFileResult struct {
	Content string `json:"content"`
}

type writeTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

type createTerminalParams struct {
	SessionID string   `json:"sessionId"`
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`
}

type createTerminalResult struct {
	TerminalID string `json:"terminalId"`
}

// TerminalAllocator creates terminals on behalf of an agent. The actual
// PTY lives behind this interface; the dispatcher only forwards.
type TerminalAllocator interface {
	Create(sessionID, command string, args []string, cwd string) (string, error)
}
