package terminal

import (
	"errors"
	"testing"
)

type fakePTY struct {
	allocated []Info
	released  []string
	failNext  bool
}

func (p *fakePTY) Allocate(info Info) error {
	if p.failNext {
		return errors.New("no pty available")
	}
	p.allocated = append(p.allocated, info)
	return nil
}

func (p *fakePTY) Release(id string) error {
	p.released = append(p.released, id)
	return nil
}

func TestCreateAndRelease(t *testing.T) {
	pty := &fakePTY{}
	r := NewRegistry(pty, nil)

	id, err := r.Create("s1", "ls", []string{"-la"}, "/w")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if id == "" {
		t.Fatal("empty terminal id")
	}
	if len(pty.allocated) != 1 || pty.allocated[0].SessionID != "s1" {
		t.Errorf("allocation = %+v", pty.allocated)
	}

	r.Release(id)
	if len(pty.released) != 1 || pty.released[0] != id {
		t.Errorf("released = %v", pty.released)
	}
	if got := len(r.List()); got != 0 {
		t.Errorf("terminals after release = %d", got)
	}

	// Releasing an unknown terminal must not reach the allocator.
	r.Release("unknown")
	if len(pty.released) != 1 {
		t.Errorf("unexpected release call: %v", pty.released)
	}
}

func TestCreate_AllocatorFailure(t *testing.T) {
	pty := &fakePTY{failNext: true}
	r := NewRegistry(pty, nil)

	if _, err := r.Create("s1", "ls", nil, "/w"); err == nil {
		t.Fatal("expected error")
	}
	if got := len(r.List()); got != 0 {
		t.Errorf("failed allocation left %d terminals", got)
	}
}

func TestReleaseSession(t *testing.T) {
	pty := &fakePTY{}
	r := NewRegistry(pty, nil)

	if _, err := r.Create("s1", "ls", nil, "/w"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create("s1", "top", nil, "/w"); err != nil {
		t.Fatal(err)
	}
	c, err := r.Create("s2", "ls", nil, "/w")
	if err != nil {
		t.Fatal(err)
	}

	r.ReleaseSession("s1")
	if len(pty.released) != 2 {
		t.Errorf("released = %v, want both s1 terminals", pty.released)
	}
	left := r.List()
	if len(left) != 1 || left[0].ID != c {
		t.Errorf("remaining = %+v", left)
	}
}
