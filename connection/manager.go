// Package connection owns the lifecycle of agent processes: resolving the
// spawn command for each distribution kind, building the child environment,
// running the initialize handshake and tearing connections down again.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sjroesink/OpenAgentManager-sub000/acp"
	"github.com/sjroesink/OpenAgentManager-sub000/config"
	"github.com/sjroesink/OpenAgentManager-sub000/events"
)

const handshakeTimeout = 30 * time.Second

// Environment variables never forwarded from agent config into the child.
// These change interpreter or loader behavior and must come from the host.
var envDenyList = map[string]struct{}{
	"LD_PRELOAD":            {},
	"DYLD_INSERT_LIBRARIES": {},
	"LD_LIBRARY_PATH":       {},
	"PATH":                  {},
	"SHELL":                 {},
	"ENV":                   {},
	"BASH_ENV":              {},
	"IFS":                   {},
}

// AgentClient is the protocol surface a live connection exposes. It is
// satisfied by *acp.Client; tests substitute fakes.
type AgentClient interface {
	Call(ctx context.Context, method string, params any, result any) error
	Notify(method string, params any) error
	Sessions() *acp.SessionMap
	Broker() *acp.PermissionBroker
	Alive() bool
	Terminate()
}

// Connection is one live agent process with its negotiated capabilities.
type Connection struct {
	ID           string
	AgentID      string
	AgentName    string
	AgentVersion string
	WorkDir      string
	Caps         acp.AgentCapabilities
	AuthMethods  []acp.AuthMethod
	CreatedAt    time.Time

	Client AgentClient
}

// Alive reports whether the underlying process is still usable.
func (c *Connection) Alive() bool { return c.Client.Alive() }

// Manager launches and tracks agent connections.
type Manager struct {
	log       *slog.Logger
	cfg       *config.Config
	bus       *events.Bus
	terminals acp.TerminalAllocator

	mu    sync.Mutex
	conns map[string]*Connection
}

func NewManager(cfg *config.Config, bus *events.Bus, terminals acp.TerminalAllocator, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:       log,
		cfg:       cfg,
		bus:       bus,
		terminals: terminals,
		conns:     make(map[string]*Connection),
	}
}

// Launch starts the agent's process in workDir, completes the initialize
// handshake and registers the connection. extraEnv is caller-supplied
// per-launch environment, merged after the agent's configured env and
// subject to the same deny-list. On any failure after the process started,
// the process is terminated before the error is returned.
func (m *Manager) Launch(ctx context.Context, agentID, workDir string, extraEnv map[string]string) (*Connection, error) {
	agent, ok := m.cfg.FindAgent(agentID)
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", agentID)
	}

	connID := uuid.Must(uuid.NewV7()).String()
	m.bus.PublishStatusChange(events.StatusChange{
		ConnectionID: connID, AgentID: agentID, State: events.ConnLaunching,
	})

	path, args, err := resolveCommand(agent)
	if err != nil {
		m.publishError(connID, agentID, err)
		return nil, err
	}

	env, warnings := mergeEnv(os.Environ(), agent, extraEnv)
	for _, w := range warnings {
		m.log.Warn("dropping agent env entry", "agent", agentID, "var", w)
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = workDir
	cmd.Env = env

	log := m.log.With("connectionId", connID, "agent", agentID)
	client, err := acp.Spawn(cmd, acp.Options{
		WorkDir:             workDir,
		Logger:              log,
		Terminals:           m.terminals,
		OnUpdate:            m.bus.PublishSessionUpdate,
		OnPermissionRequest: m.bus.PublishPermissionRequest,
		OnExit: func(exitErr error) {
			m.drop(connID)
			m.bus.PublishStatusChange(events.StatusChange{
				ConnectionID: connID, AgentID: agentID,
				State: events.ConnExited, Error: exitErr.Error(),
			})
		},
	})
	if err != nil {
		err = fmt.Errorf("launch agent %q: %w", agentID, err)
		m.publishError(connID, agentID, err)
		return nil, err
	}

	conn := &Connection{
		ID:        connID,
		AgentID:   agentID,
		AgentName: agent.Name,
		WorkDir:   workDir,
		CreatedAt: time.Now(),
		Client:    client,
	}

	if err := m.handshake(ctx, conn, agent); err != nil {
		client.Terminate()
		err = fmt.Errorf("agent %q handshake: %w", agentID, err)
		m.publishError(connID, agentID, err)
		return nil, err
	}

	m.mu.Lock()
	m.conns[connID] = conn
	m.mu.Unlock()

	m.bus.PublishStatusChange(events.StatusChange{
		ConnectionID: connID, AgentID: agentID, State: events.ConnConnected,
	})
	log.Info("agent connected", "name", conn.AgentName, "version", conn.AgentVersion)
	return conn, nil
}

// handshake runs initialize and, when the agent advertises an env_var auth
// method we can satisfy from configured API keys, authenticate as well. An
// authenticate failure is surfaced as a status event but does not kill the
// connection: some agents accept the env var without the explicit call.
func (m *Manager) handshake(ctx context.Context, conn *Connection, agent config.Agent) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	var res acp.InitializeResult
	err := conn.Client.Call(ctx, acp.MethodInitialize, acp.InitializeParams{
		ProtocolVersion: acp.ProtocolVersion,
		ClientCapabilities: acp.ClientCapabilities{
			FS:       acp.FSCapabilities{ReadTextFile: true, WriteTextFile: true},
			Terminal: true,
		},
	}, &res)
	if err != nil {
		return err
	}
	if res.ProtocolVersion != acp.ProtocolVersion {
		m.log.Warn("agent speaks a different protocol version",
			"agent", agent.ID, "theirs", res.ProtocolVersion, "ours", acp.ProtocolVersion)
	}

	conn.Caps = res.AgentCapabilities
	conn.AuthMethods = res.AuthMethods
	if res.AgentInfo != nil {
		conn.AgentName = res.AgentInfo.Name
		conn.AgentVersion = res.AgentInfo.Version
	}

	if method, ok := autoAuthMethod(res.AuthMethods, agent.APIKeys); ok {
		err := conn.Client.Call(ctx, acp.MethodAuthenticate, acp.AuthenticateParams{MethodID: method.ID}, nil)
		if err != nil {
			m.log.Warn("authenticate failed", "agent", agent.ID, "method", method.ID, "error", err)
			m.bus.PublishStatusChange(events.StatusChange{
				ConnectionID: conn.ID, AgentID: agent.ID,
				State: events.ConnError, Error: fmt.Sprintf("authenticate: %v", err),
			})
		}
	}
	return nil
}

// autoAuthMethod picks the first env_var auth method whose variable we
// inject from the agent's configured API keys.
func autoAuthMethod(methods []acp.AuthMethod, apiKeys map[string]string) (acp.AuthMethod, bool) {
	for _, method := range methods {
		if method.Type != "env_var" || method.EnvVar == "" {
			continue
		}
		if _, ok := apiKeys[method.EnvVar]; ok {
			return method, true
		}
	}
	return acp.AuthMethod{}, false
}

// Get returns a connection by ID.
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[id]
	return conn, ok
}

// FindByAgent returns a live connection for the agent, if any exists.
func (m *Manager) FindByAgent(agentID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		if conn.AgentID == agentID && conn.Client.Alive() {
			return conn, true
		}
	}
	return nil, false
}

// List returns all tracked connections, newest first.
func (m *Manager) List() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Terminate shuts one connection down and removes it.
func (m *Manager) Terminate(id string) error {
	conn, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("unknown connection %q", id)
	}
	conn.Client.Terminate()
	m.drop(id)
	return nil
}

// Shutdown terminates every connection. Used on server exit.
func (m *Manager) Shutdown() {
	for _, conn := range m.List() {
		conn.Client.Terminate()
		m.drop(conn.ID)
	}
}

func (m *Manager) drop(id string) {
	m.mu.Lock()
	delete(m.conns, id)
	m.mu.Unlock()
}

func (m *Manager) publishError(connID, agentID string, err error) {
	m.bus.PublishStatusChange(events.StatusChange{
		ConnectionID: connID, AgentID: agentID,
		State: events.ConnError, Error: err.Error(),
	})
}

// resolveCommand turns an agent's distribution config into an executable
// path and argument list.
func resolveCommand(agent config.Agent) (string, []string, error) {
	var path string
	var args []string

	switch agent.Kind {
	case config.KindBinary:
		path = agent.Command
		args = append(args, agent.Args...)
	case config.KindPackageRunner:
		path = agent.Runner
		args = append(args, "--yes", agent.Package)
		args = append(args, agent.Args...)
	case config.KindPlatformBinary:
		name := fmt.Sprintf("%s-%s-%s", agent.ID, runtime.GOOS, runtime.GOARCH)
		path = filepath.Join(agent.Dir, name)
		if _, err := os.Stat(path); err != nil {
			return "", nil, fmt.Errorf("platform binary for %s/%s: %w", runtime.GOOS, runtime.GOARCH, err)
		}
		args = append(args, agent.Args...)
	default:
		return "", nil, fmt.Errorf("agent %q: unknown kind %q", agent.ID, agent.Kind)
	}

	if agent.ModelArg != "" && agent.Model != "" {
		args = append(args, agent.ModelArg, agent.Model)
	}
	return path, args, nil
}

// mergeEnv builds the child environment: the host environment, then API
// keys, then the model variable, then the agent's custom env, then the
// caller's per-launch extra env. Custom and extra entries naming a
// deny-listed variable are dropped and reported back as warnings. The
// result is deterministic for a given input.
func mergeEnv(base []string, agent config.Agent, extra map[string]string) (env []string, dropped []string) {
	merged := make(map[string]string, len(base))
	var order []string
	set := func(key, value string) {
		if _, seen := merged[key]; !seen {
			order = append(order, key)
		}
		merged[key] = value
	}

	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			set(k, v)
		}
	}

	for _, k := range sortedKeys(agent.APIKeys) {
		set(k, agent.APIKeys[k])
	}
	if agent.ModelEnvVar != "" && agent.Model != "" {
		set(agent.ModelEnvVar, agent.Model)
	}
	for _, k := range sortedKeys(agent.Env) {
		if _, deny := envDenyList[k]; deny {
			dropped = append(dropped, k)
			continue
		}
		set(k, agent.Env[k])
	}
	for _, k := range sortedKeys(extra) {
		if _, deny := envDenyList[k]; deny {
			dropped = append(dropped, k)
			continue
		}
		set(k, extra[k])
	}

	env = make([]string, 0, len(order))
	for _, k := range order {
		env = append(env, k+"="+merged[k])
	}
	return env, dropped
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
