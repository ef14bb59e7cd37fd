package acp

import "testing"

func TestSessionMap_BindAndLookup(t *testing.T) {
	m := NewSessionMap()

	m.Bind("remote-a", "internal-1")
	if got := m.ToInternal("remote-a"); got != "internal-1" {
		t.Errorf("ToInternal = %q, want internal-1", got)
	}
	if got := m.ToRemote("internal-1"); got != "remote-a" {
		t.Errorf("ToRemote = %q, want remote-a", got)
	}
}

func TestSessionMap_FallbackWhenUnbound(t *testing.T) {
	m := NewSessionMap()

	if got := m.ToInternal("unknown"); got != "unknown" {
		t.Errorf("ToInternal fallback = %q", got)
	}
	if got := m.ToRemote("unknown"); got != "unknown" {
		t.Errorf("ToRemote fallback = %q", got)
	}
}

func TestSessionMap_RebindReplacesOldRemote(t *testing.T) {
	m := NewSessionMap()

	m.Bind("remote-old", "internal-1")
	m.Bind("remote-new", "internal-1")

	if got := m.ToRemote("internal-1"); got != "remote-new" {
		t.Errorf("ToRemote after rebind = %q, want remote-new", got)
	}
	// The stale remote ID no longer maps to the internal one.
	if got := m.ToInternal("remote-old"); got != "remote-old" {
		t.Errorf("stale remote mapping survived rebind: %q", got)
	}
	if got := m.ToInternal("remote-new"); got != "internal-1" {
		t.Errorf("ToInternal after rebind = %q", got)
	}
}

func TestSessionMap_TwoIndependentBindings(t *testing.T) {
	m := NewSessionMap()

	m.Bind("remote-a", "internal-1")
	m.Bind("remote-b", "internal-2")

	if m.ToInternal("remote-a") != "internal-1" || m.ToInternal("remote-b") != "internal-2" {
		t.Error("bindings are not independently addressable")
	}
}
