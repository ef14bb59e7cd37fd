package acp

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// handleCall routes an inbound message that carries a method name. Session
// updates are handled inline so listeners observe them in arrival order;
// calls that expect a response run in their own goroutine because they can
// block (a permission request waits on the UI for up to the broker timeout).
func (c *Client) handleCall(f frame) {
	switch f.Method {
	case MethodSessionUpdate:
		c.handleSessionUpdate(f.Params)
	case MethodRequestPermission:
		go c.handleRequestPermission(f)
	case MethodReadTextFile:
		go c.handleReadTextFile(f)
	case MethodWriteTextFile:
		go c.handleWriteTextFile(f)
	case MethodCreateTerminal:
		go c.handleCreateTerminal(f)
	default:
		if f.ID != nil {
			c.replyError(f.ID, CodeMethodNotFound, "method not found: "+f.Method)
			return
		}
		c.log.Debug("ignoring unknown notification from agent", "method", f.Method)
	}
}

func (c *Client) reply(id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		c.log.Error("marshal reverse-call result", "error", err)
		c.replyError(id, CodeInternalError, "internal error")
		return
	}
	if err := c.write(frame{JSONRPC: "2.0", ID: id, Result: raw}); err != nil {
		c.log.Debug("failed to send reverse-call response", "error", err)
	}
}

func (c *Client) replyError(id json.RawMessage, code int, message string) {
	f := frame{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
	if err := c.write(f); err != nil {
		c.log.Debug("failed to send error response", "error", err)
	}
}

func (c *Client) handleSessionUpdate(params json.RawMessage) {
	var n sessionNotification
	if err := json.Unmarshal(params, &n); err != nil {
		c.log.Warn("malformed session/update", "error", err)
		return
	}

	sessionID := c.sessions.ToInternal(n.SessionID)
	update, ok := c.translateUpdate(sessionID, n.Update)
	if !ok {
		return
	}
	if c.onUpdate != nil {
		c.onUpdate(update)
	}
}

// translateUpdate converts the agent-specific update shape into the
// normalized form. Empty content chunks are suppressed; lifecycle updates
// (tool calls, plan, mode) always pass through.
func (c *Client) translateUpdate(sessionID string, w wireUpdate) (Update, bool) {
	switch w.Kind {
	case wireAgentMessageChunk, wireUserMessageChunk:
		if w.Content == nil || w.Content.Text == "" {
			return Update{}, false
		}
		return Update{Kind: UpdateMessageChunk, SessionID: sessionID, Text: w.Content.Text}, true

	case wireAgentThoughtChunk:
		if w.Content == nil || w.Content.Text == "" {
			return Update{}, false
		}
		return Update{Kind: UpdateThoughtChunk, SessionID: sessionID, Text: w.Content.Text}, true

	case wireToolCall:
		c.trackToolCall(sessionID, w.ToolCallID)
		return Update{
			Kind:       UpdateToolCallStart,
			SessionID:  sessionID,
			ToolCallID: w.ToolCallID,
			ToolTitle:  w.Title,
			ToolKind:   w.ToolKind,
			ToolStatus: w.Status,
			ToolInput:  w.RawInput,
		}, true

	case wireToolCallUpdate:
		id := c.correlateToolCall(sessionID, w.ToolCallID, w.Status)
		return Update{
			Kind:       UpdateToolCallUpdate,
			SessionID:  sessionID,
			ToolCallID: id,
			ToolTitle:  w.Title,
			ToolStatus: w.Status,
			ToolOutput: w.RawOutput,
		}, true

	case wirePlan:
		return Update{Kind: UpdatePlan, SessionID: sessionID, Plan: w.Entries}, true

	case wireCurrentModeUpdate:
		return Update{Kind: UpdateModeChange, SessionID: sessionID, ModeID: w.CurrentModeID}, true

	case wireUsageUpdate:
		return Update{Kind: UpdateUsage, SessionID: sessionID, Usage: w.Usage}, true

	default:
		c.log.Debug("ignoring unknown session update kind", "kind", w.Kind)
		return Update{}, false
	}
}

func (c *Client) trackToolCall(sessionID, toolCallID string) {
	if toolCallID == "" {
		return
	}
	c.mu.Lock()
	c.openCalls[sessionID] = append(c.openCalls[sessionID], toolCallID)
	c.mu.Unlock()
}

// correlateToolCall resolves a tool_call_update to an open tool call. A
// mismatched ID falls back to the single open call when exactly one is
// open; terminal statuses close the call.
func (c *Client) correlateToolCall(sessionID, toolCallID, status string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	open := c.openCalls[sessionID]
	known := false
	for _, id := range open {
		if id == toolCallID {
			known = true
			break
		}
	}
	if !known && len(open) == 1 {
		c.log.Debug("tool_call_update id fallback", "got", toolCallID, "using", open[0])
		toolCallID = open[0]
	}

	if status == "completed" || status == "failed" || status == "cancelled" {
		kept := open[:0]
		for _, id := range open {
			if id != toolCallID {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(c.openCalls, sessionID)
		} else {
			c.openCalls[sessionID] = kept
		}
	}
	return toolCallID
}

func (c *Client) handleRequestPermission(f frame) {
	var p requestPermissionParams
	if err := json.Unmarshal(f.Params, &p); err != nil {
		c.replyError(f.ID, CodeInvalidParams, "invalid params")
		return
	}

	sessionID := c.sessions.ToInternal(p.SessionID)
	outcome := c.perms.Request(sessionID, p.ToolCall, p.Options)
	c.reply(f.ID, requestPermissionResult{Outcome: outcome})
}

func (c *Client) handleReadTextFile(f frame) {
	var p readTextFileParams
	if err := json.Unmarshal(f.Params, &p); err != nil {
		c.replyError(f.ID, CodeInvalidParams, "invalid params")
		return
	}

	path := c.resolvePath(p.Path)
	data, err := os.ReadFile(path)
	if err != nil {
		c.log.Warn("fs/read_text_file failed", "path", path, "error", err)
		c.replyError(f.ID, CodeResourceNotFound, "file not found: "+p.Path)
		return
	}

	content := string(data)
	if p.Line != nil || p.Limit != nil {
		content = sliceLines(content, p.Line, p.Limit)
	}
	c.reply(f.ID, readTextFileResult{Content: content})
}

func (c *Client) handleWriteTextFile(f frame) {
	var p writeTextFileParams
	if err := json.Unmarshal(f.Params, &p); err != nil {
		c.replyError(f.ID, CodeInvalidParams, "invalid params")
		return
	}

	path := c.resolvePath(p.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		c.replyError(f.ID, CodeWriteFailure, "write failed: "+err.Error())
		return
	}
	if err := os.WriteFile(path, []byte(p.Content), 0644); err != nil {
		c.log.Warn("fs/write_text_file failed", "path", path, "error", err)
		c.replyError(f.ID, CodeWriteFailure, "write failed: "+err.Error())
		return
	}
	c.reply(f.ID, struct{}{})
}

func (c *Client) handleCreateTerminal(f frame) {
	var p createTerminalParams
	if err := json.Unmarshal(f.Params, &p); err != nil {
		c.replyError(f.ID, CodeInvalidParams, "invalid params")
		return
	}
	if c.terminals == nil {
		c.replyError(f.ID, CodeInternalError, "terminal support not configured")
		return
	}

	cwd := p.Cwd
	if cwd == "" {
		cwd = c.workDir
	}
	id, err := c.terminals.Create(c.sessions.ToInternal(p.SessionID), p.Command, p.Args, cwd)
	if err != nil {
		c.replyError(f.ID, CodeInternalError, "terminal create failed: "+err.Error())
		return
	}
	c.reply(f.ID, createTerminalResult{TerminalID: id})
}

func (c *Client) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.workDir, path)
}

// sliceLines applies the optional 1-based line offset and line limit of
// fs/read_text_file.
func sliceLines(content string, line, limit *int) string {
	lines := strings.Split(content, "\n")
	start := 0
	if line != nil && *line > 1 {
		start = *line - 1
	}
	if start > len(lines) {
		start = len(lines)
	}
	end := len(lines)
	if limit != nil && *limit >= 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "\n")
}
