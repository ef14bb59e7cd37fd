package session

import (
	"testing"
	"time"
)

func newInfo(id string) Info {
	now := time.Now()
	return Info{
		ID:        id,
		AgentID:   "claude-code",
		Status:    StatusActive,
		WorkDir:   "/tmp/work",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestFileStore_SaveAndLoad(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	if err := store.Save(newInfo("sess-1")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	rec, found, err := store.Load("sess-1")
	if err != nil || !found {
		t.Fatalf("Load failed: found=%v err=%v", found, err)
	}
	if rec.Info.AgentID != "claude-code" {
		t.Errorf("unexpected agent id %q", rec.Info.AgentID)
	}
	if len(rec.Messages) != 0 {
		t.Errorf("expected empty history, got %d messages", len(rec.Messages))
	}
}

func TestFileStore_SaveIsUpsert(t *testing.T) {
	store, _ := NewFileStore(t.TempDir())

	info := newInfo("sess-1")
	store.Save(info)

	info.Status = StatusError
	if err := store.Save(info); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	records, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Info.Status != StatusError {
		t.Errorf("status not updated: %q", records[0].Info.Status)
	}
}

func TestFileStore_UpdateMessagesRoundTrip(t *testing.T) {
	store, _ := NewFileStore(t.TempDir())
	store.Save(newInfo("sess-1"))

	msgs := []Message{
		{Role: "user", Blocks: []Block{{Type: "text", Text: "hello"}}, CreatedAt: time.Now()},
		{Role: "assistant", Blocks: []Block{
			{Type: "text", Text: "hi there"},
			{Type: "tool_call", ToolCallID: "tc1", ToolTitle: "read file", ToolStatus: "completed"},
		}, StopReason: "end_turn", CreatedAt: time.Now()},
	}
	if err := store.UpdateMessages("sess-1", msgs); err != nil {
		t.Fatalf("UpdateMessages failed: %v", err)
	}

	rec, _, err := store.Load("sess-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(rec.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(rec.Messages))
	}
	if rec.Messages[1].StopReason != "end_turn" {
		t.Errorf("stop reason lost: %+v", rec.Messages[1])
	}
	if rec.Messages[1].Blocks[1].ToolCallID != "tc1" {
		t.Errorf("tool call block lost: %+v", rec.Messages[1].Blocks)
	}
}

func TestFileStore_UpdateMessagesUnknownSession(t *testing.T) {
	store, _ := NewFileStore(t.TempDir())

	err := store.UpdateMessages("nope", nil)
	if err != ErrSessionNotFound {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestFileStore_Delete(t *testing.T) {
	store, _ := NewFileStore(t.TempDir())
	store.Save(newInfo("sess-1"))
	store.UpdateMessages("sess-1", []Message{{Role: "user"}})

	if err := store.Delete("sess-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, found, _ := store.Load("sess-1"); found {
		t.Error("session still present after delete")
	}
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store, _ := NewFileStore(dir)
	store.Save(newInfo("sess-1"))
	store.UpdateMessages("sess-1", []Message{{Role: "user", Blocks: []Block{{Type: "text", Text: "persisted"}}}})

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	rec, found, err := reopened.Load("sess-1")
	if err != nil || !found {
		t.Fatalf("Load after reopen: found=%v err=%v", found, err)
	}
	if rec.Messages[0].Blocks[0].Text != "persisted" {
		t.Errorf("history lost across reopen: %+v", rec.Messages)
	}
}

func TestFileStore_ChangeListener(t *testing.T) {
	store, _ := NewFileStore(t.TempDir())

	var events []ChangeEvent
	store.SetOnChangeListener(func(e ChangeEvent) { events = append(events, e) })

	store.Save(newInfo("sess-1"))
	store.Delete("sess-1")

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Op != OpCreate || events[1].Op != OpDelete {
		t.Errorf("unexpected ops: %+v", events)
	}
}
