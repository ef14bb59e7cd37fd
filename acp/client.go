package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	stderrReadTimeout = 5 * time.Second
	terminateGrace    = 3 * time.Second

	// Agents emit one JSON value per line; tool outputs can make lines big.
	maxLineSize = 1024 * 1024
)

// ErrClientClosed is returned by Call and Notify after the agent process
// has died or the client was terminated.
var ErrClientClosed = errors.New("agent connection closed")

// Options configures a Client. All callbacks are optional.
type Options struct {
	WorkDir string
	Logger  *slog.Logger

	// OnUpdate receives normalized session updates keyed by the virtualized
	// session identifier, in arrival order.
	OnUpdate func(Update)

	// OnPermissionRequest is invoked when the agent asks for approval. The
	// request stays pending until Broker().Resolve or the broker timeout.
	OnPermissionRequest func(PermissionRequest)

	// OnExit is invoked once when the process exits, after every pending
	// request has been rejected.
	OnExit func(err error)

	Terminals TerminalAllocator

	// PermissionTimeout overrides the broker's default five minutes.
	PermissionTimeout time.Duration
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

// Client is one spawned agent process plus its protocol state: the line
// framer, the request correlator, the reverse-call dispatcher, the session
// ID map and the permission broker.
type Client struct {
	log       *slog.Logger
	workDir   string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdinMu   sync.Mutex
	onUpdate  func(Update)
	onExit    func(error)
	terminals TerminalAllocator

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan pendingResult
	closed  bool
	exitErr error

	// Open tool calls per internal session ID, in start order. Used to
	// re-correlate tool_call_update events carrying an unknown ID.
	openCalls map[string][]string

	sessions *SessionMap
	perms    *PermissionBroker

	done chan struct{}
}

// Spawn starts the agent process and begins reading its output. cmd must
// not have been started. The caller still owns the handshake; Spawn only
// establishes transport.
func Spawn(cmd *exec.Cmd, opts Options) (*Client, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}

	c := newClient(stdin, stdout, opts)
	c.cmd = cmd
	c.log.Info("agent process started", "pid", cmd.Process.Pid)

	stderrCh := readStderr(stderr)
	go func() {
		c.readLoop(stdout)

		var diag string
		select {
		case diag = <-stderrCh:
		case <-time.After(stderrReadTimeout):
		}

		err := cmd.Wait()
		exitErr := processExitError(err, diag)
		c.fail(exitErr)
		c.log.Info("agent process exited", "error", err)
		if c.onExit != nil {
			c.onExit(exitErr)
		}
		close(c.done)
	}()

	return c, nil
}

// newClient wires a client over raw streams. Spawn uses it with process
// pipes; tests drive it with in-memory pipes. When constructed this way the
// caller must run readLoop (Spawn does).
func newClient(stdin io.WriteCloser, stdout io.Reader, opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		log:       log,
		workDir:   opts.WorkDir,
		stdin:     stdin,
		onUpdate:  opts.OnUpdate,
		onExit:    opts.OnExit,
		terminals: opts.Terminals,
		pending:   make(map[int64]chan pendingResult),
		openCalls: make(map[string][]string),
		sessions:  NewSessionMap(),
		done:      make(chan struct{}),
	}
	c.perms = NewPermissionBroker(opts.PermissionTimeout, opts.OnPermissionRequest, log)
	return c
}

// Sessions returns the session ID virtualizer for this connection.
func (c *Client) Sessions() *SessionMap { return c.sessions }

// Broker returns the permission broker for this connection.
func (c *Client) Broker() *PermissionBroker { return c.perms }

// Done is closed after the process has exited and pending calls were
// rejected.
func (c *Client) Done() <-chan struct{} { return c.done }

// Alive reports whether the process is still usable for calls.
func (c *Client) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Call sends a request and blocks until the correlated response arrives,
// the context is cancelled, or the process dies. A non-nil result is
// unmarshalled from the response's result field.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		exitErr := c.exitErr
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrClientClosed, exitErr)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan pendingResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := frame{JSONRPC: "2.0", ID: intID(id), Method: method, Params: raw}
	if err := c.write(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if result == nil || len(res.result) == 0 {
			return nil
		}
		if err := json.Unmarshal(res.result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	}
}

// Notify sends a request with no ID; no response is expected.
func (c *Client) Notify(method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.mu.Unlock()
	return c.write(frame{JSONRPC: "2.0", Method: method, Params: raw})
}

// Terminate asks the process to exit with SIGTERM and escalates to SIGKILL
// after a grace period. It returns once the process is gone.
func (c *Client) Terminate() {
	if c.cmd == nil || c.cmd.Process == nil {
		return
	}
	c.log.Info("terminating agent process", "pid", c.cmd.Process.Pid)
	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		c.log.Debug("SIGTERM failed", "error", err)
	}
	select {
	case <-c.done:
	case <-time.After(terminateGrace):
		c.log.Warn("agent did not exit in time, killing", "pid", c.cmd.Process.Pid)
		_ = c.cmd.Process.Kill()
		<-c.done
	}
}

// Kill forcefully terminates the process without a grace period.
func (c *Client) Kill() {
	if c.cmd == nil || c.cmd.Process == nil {
		return
	}
	_ = c.cmd.Process.Kill()
	<-c.done
}

// write frames a message as a single newline-terminated JSON line.
func (c *Client) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	c.stdinMu.Lock()
	defer c.stdinMu.Unlock()
	_, err = c.stdin.Write(append(data, '\n'))
	return err
}

// readLoop splits the agent's stdout into lines and routes each parsed
// message. Lines that are not valid JSON are dropped: agents sometimes
// leak diagnostic text onto stdout and that must not kill the stream.
func (c *Client) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, maxLineSize), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			c.log.Warn("dropping non-JSON line from agent", "error", err, "line", truncate(string(line), 120))
			continue
		}

		if f.Method != "" {
			c.handleCall(f)
			continue
		}
		c.settle(f)
	}

	if err := scanner.Err(); err != nil {
		c.log.Error("agent stdout read error", "error", err)
	}
}

// settle routes a response to its pending request by ID. Responses with no
// matching entry are ignored; they are either duplicates or strays.
func (c *Client) settle(f frame) {
	var id int64
	if err := json.Unmarshal(f.ID, &id); err != nil {
		c.log.Warn("response with non-numeric id", "id", string(f.ID))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.log.Debug("response with no pending request", "id", id)
		return
	}
	if f.Error != nil {
		ch <- pendingResult{err: f.Error}
		return
	}
	ch <- pendingResult{result: f.Result}
}

// fail rejects every pending request with the process exit error. This is
// the sole broadcast failure path; it must leave no entry unresolved.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.exitErr = err
	pending := c.pending
	c.pending = make(map[int64]chan pendingResult)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- pendingResult{err: err}
	}
	c.perms.CancelAll()

	if len(pending) > 0 {
		c.log.Warn("rejected pending requests on process exit", "count", len(pending))
	}
}

func processExitError(waitErr error, stderr string) error {
	stderr = strings.TrimSpace(stderr)
	switch {
	case waitErr == nil && stderr == "":
		return errors.New("agent process exited")
	case waitErr == nil:
		return fmt.Errorf("agent process exited: %s", stderr)
	case stderr == "":
		return fmt.Errorf("agent process exited: %w", waitErr)
	default:
		return fmt.Errorf("agent process exited: %w: %s", waitErr, stderr)
	}
}

func readStderr(stderr io.Reader) <-chan string {
	ch := make(chan string, 1)
	go func() {
		var content strings.Builder
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, maxLineSize), maxLineSize)
		for scanner.Scan() {
			content.WriteString(scanner.Text())
			content.WriteString("\n")
		}
		ch <- content.String()
	}()
	return ch
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}

func intID(id int64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf("%d", id))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
