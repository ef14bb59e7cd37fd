package session

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrSessionNotFound = errors.New("session not found")

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusPrompting Status = "prompting"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
	StatusIdle      Status = "idle"
)

// Info is the orchestration-level view of a session. ID is the host-stable
// identifier; the agent's own session ID never appears here.
type Info struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	AgentName    string    `json:"agent_name,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Status       Status    `json:"status"`
	WorkDir      string    `json:"work_dir"`
	WorktreeDir  string    `json:"worktree_dir,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// LaunchEnv is per-launch extra environment given at session creation,
	// reapplied whenever the session's agent is relaunched.
	LaunchEnv map[string]string `json:"launch_env,omitempty"`
}

// Block is one unit of message content.
type Block struct {
	Type       string          `json:"type"` // "text", "thought", "tool_call"
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolTitle  string          `json:"tool_title,omitempty"`
	ToolStatus string          `json:"tool_status,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput json.RawMessage `json:"tool_output,omitempty"`
}

// Message is one turn of conversation history.
type Message struct {
	Role       string    `json:"role"` // "user" or "assistant"
	Blocks     []Block   `json:"blocks"`
	StopReason string    `json:"stop_reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Record is what the store persists: metadata plus ordered history.
type Record struct {
	Info     Info      `json:"info"`
	Messages []Message `json:"messages"`
}

// ChangeOp classifies a store change notification.
type ChangeOp string

const (
	OpCreate ChangeOp = "create"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// ChangeEvent notifies a listener that the stored session set changed.
type ChangeEvent struct {
	Op   ChangeOp
	Info Info
}

// Store persists sessions so the orchestrator can rehydrate them after a
// host restart.
type Store interface {
	Save(info Info) error
	UpdateMessages(sessionID string, messages []Message) error
	LoadAll() ([]Record, error)
	Load(sessionID string) (Record, bool, error)
	Delete(sessionID string) error
	SetOnChangeListener(listener func(ChangeEvent))
}
