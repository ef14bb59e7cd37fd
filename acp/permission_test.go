package acp

import (
	"testing"
	"time"
)

func TestPermissionBroker_ResolveBeforeTimeout(t *testing.T) {
	requests := make(chan PermissionRequest, 1)
	b := NewPermissionBroker(time.Minute, func(r PermissionRequest) { requests <- r }, nil)

	outcomes := make(chan PermissionOutcome, 1)
	go func() {
		outcomes <- b.Request("s1", ToolCallRef{ToolCallID: "tc1", Title: "edit file"}, nil)
	}()

	req := <-requests
	if len(req.Options) != 2 {
		t.Fatalf("expected fallback allow/deny options, got %+v", req.Options)
	}

	if !b.Resolve(req.RequestID, "allow") {
		t.Fatal("Resolve reported no pending request")
	}

	outcome := <-outcomes
	if outcome.Outcome != OutcomeSelected || outcome.OptionID != "allow" {
		t.Errorf("unexpected outcome %+v", outcome)
	}
	if b.PendingCount() != 0 {
		t.Errorf("pending entry leaked")
	}
}

func TestPermissionBroker_Timeout(t *testing.T) {
	requests := make(chan PermissionRequest, 1)
	b := NewPermissionBroker(50*time.Millisecond, func(r PermissionRequest) { requests <- r }, nil)

	outcomes := make(chan PermissionOutcome, 1)
	start := time.Now()
	go func() {
		outcomes <- b.Request("s1", ToolCallRef{ToolCallID: "tc1"}, nil)
	}()
	req := <-requests

	outcome := <-outcomes
	elapsed := time.Since(start)
	if outcome.Outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled outcome, got %+v", outcome)
	}
	if elapsed < 50*time.Millisecond {
		t.Errorf("resolved before the timeout: %v", elapsed)
	}
	if elapsed > time.Second {
		t.Errorf("resolved far too late: %v", elapsed)
	}

	// A late UI answer after the timeout has no effect.
	if b.Resolve(req.RequestID, "allow") {
		t.Error("Resolve after timeout should be a no-op")
	}
}

func TestPermissionBroker_CancelAll(t *testing.T) {
	requests := make(chan PermissionRequest, 2)
	b := NewPermissionBroker(time.Minute, func(r PermissionRequest) { requests <- r }, nil)

	outcomes := make(chan PermissionOutcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			outcomes <- b.Request("s1", ToolCallRef{}, nil)
		}()
	}
	<-requests
	<-requests

	b.CancelAll()
	for i := 0; i < 2; i++ {
		if o := <-outcomes; o.Outcome != OutcomeCancelled {
			t.Errorf("expected cancelled, got %+v", o)
		}
	}
}

func TestPermissionBroker_KeepsAgentOptions(t *testing.T) {
	requests := make(chan PermissionRequest, 1)
	b := NewPermissionBroker(time.Minute, func(r PermissionRequest) { requests <- r }, nil)

	opts := []PermissionOption{
		{OptionID: "once", Name: "Allow once"},
		{OptionID: "always", Name: "Always allow"},
		{OptionID: "no", Name: "Reject"},
	}
	go b.Request("s1", ToolCallRef{}, opts)

	req := <-requests
	if len(req.Options) != 3 || req.Options[1].OptionID != "always" {
		t.Errorf("agent-supplied options were replaced: %+v", req.Options)
	}
	b.Resolve(req.RequestID, "no")
}
