package ws

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sjroesink/OpenAgentManager-sub000/acp"
	"github.com/sjroesink/OpenAgentManager-sub000/connection"
)

// mockClient satisfies connection.AgentClient for handler tests.
type mockClient struct {
	remote   string
	sessions *acp.SessionMap
	broker   *acp.PermissionBroker
	alive    atomic.Bool

	onPrompt func(p acp.PromptParams) (acp.PromptResult, error)
}

func newMockClient(remote string) *mockClient {
	c := &mockClient{
		remote:   remote,
		sessions: acp.NewSessionMap(),
		broker:   acp.NewPermissionBroker(time.Minute, nil, nil),
	}
	c.alive.Store(true)
	return c
}

func (c *mockClient) Call(ctx context.Context, method string, params any, result any) error {
	if !c.alive.Load() {
		return acp.ErrClientClosed
	}
	switch method {
	case acp.MethodSessionNew:
		*(result.(*acp.NewSessionResult)) = acp.NewSessionResult{SessionID: c.remote}
		return nil
	case acp.MethodSessionPrompt:
		if c.onPrompt == nil {
			*(result.(*acp.PromptResult)) = acp.PromptResult{StopReason: "end_turn"}
			return nil
		}
		res, err := c.onPrompt(params.(acp.PromptParams))
		if err != nil {
			return err
		}
		*(result.(*acp.PromptResult)) = res
		return nil
	}
	return fmt.Errorf("unexpected call %s", method)
}

func (c *mockClient) Notify(method string, params any) error { return nil }
func (c *mockClient) Sessions() *acp.SessionMap              { return c.sessions }
func (c *mockClient) Broker() *acp.PermissionBroker          { return c.broker }
func (c *mockClient) Alive() bool                            { return c.alive.Load() }
func (c *mockClient) Terminate()                             { c.alive.Store(false) }

// mockSource is a fixed pool of connections.
type mockSource struct {
	mu    sync.Mutex
	conns map[string]*connection.Connection
}

func newMockSource(conns ...*connection.Connection) *mockSource {
	s := &mockSource{conns: make(map[string]*connection.Connection)}
	for _, c := range conns {
		s.conns[c.ID] = c
	}
	return s
}

func (s *mockSource) Launch(ctx context.Context, agentID, workDir string, extraEnv map[string]string) (*connection.Connection, error) {
	return nil, fmt.Errorf("no launchable connection for %s", agentID)
}

func (s *mockSource) Get(id string) (*connection.Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	return c, ok
}

func (s *mockSource) FindByAgent(agentID string) (*connection.Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		if c.AgentID == agentID && c.Client.Alive() {
			return c, true
		}
	}
	return nil, false
}

func (s *mockSource) List() []*connection.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*connection.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}
