// Package rpc defines the JSON-RPC 2.0 wire types for the WebSocket UI
// surface: params and results for every method, and the params of
// server-initiated notifications.
package rpc

import (
	"time"

	"github.com/sjroesink/OpenAgentManager-sub000/acp"
	"github.com/sjroesink/OpenAgentManager-sub000/events"
	"github.com/sjroesink/OpenAgentManager-sub000/session"
)

// Client → Server

type AuthParams struct {
	Token string `json:"token"`
}

type AgentInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

type AgentListResult struct {
	Agents []AgentInfo `json:"agents"`
}

type ConnectionInfo struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	AgentName    string    `json:"agent_name"`
	AgentVersion string    `json:"agent_version,omitempty"`
	WorkDir      string    `json:"work_dir"`
	Alive        bool      `json:"alive"`
	CreatedAt    time.Time `json:"created_at"`
}

type ConnectionListResult struct {
	Connections []ConnectionInfo `json:"connections"`
}

type SessionCreateParams struct {
	AgentID       string `json:"agent_id"`
	WorkDir       string `json:"work_dir,omitempty"`
	UseWorktree   bool   `json:"use_worktree,omitempty"`
	InitialPrompt string `json:"initial_prompt,omitempty"`
	// Env is extra environment for the agent launch, applied after the
	// agent's configured env.
	Env map[string]string `json:"env,omitempty"`
}

type SessionListResult struct {
	Sessions []session.Info `json:"sessions"`
}

type SessionPromptParams struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	// Mode selects the agent's session mode for this prompt.
	Mode string `json:"mode,omitempty"`
}

type SessionIDParams struct {
	SessionID string `json:"session_id"`
}

type SessionHistoryResult struct {
	Info     session.Info      `json:"info"`
	Messages []session.Message `json:"messages"`
}

type SessionAttachResult struct {
	Info session.Info `json:"info"`
}

type PermissionRespondParams struct {
	RequestID string `json:"request_id"`
	// Empty OptionID dismisses the request without choosing.
	OptionID string `json:"option_id,omitempty"`
}

type WatchSubscribeParams struct {
	Path string `json:"path"`
}

type WatchSubscribeResult struct {
	WatchID string `json:"watch_id"`
}

type WatchUnsubscribeParams struct {
	WatchID string `json:"watch_id"`
}

// Server → Client notifications

// SessionUpdateParams carries one streamed agent update, delivered only to
// connections attached to the session.
type SessionUpdateParams struct {
	Update acp.Update `json:"update"`
}

// SessionStatusParams announces a change to the stored session set.
type SessionStatusParams struct {
	Op   session.ChangeOp `json:"op"`
	Info session.Info     `json:"info"`
}

// ConnectionStatusParams mirrors events.StatusChange on the wire.
type ConnectionStatusParams = events.StatusChange

// PermissionRequestParams asks the UI to answer a pending permission
// request via permission.respond.
type PermissionRequestParams = acp.PermissionRequest
