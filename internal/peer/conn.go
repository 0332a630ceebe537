package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mattjoyce/mcplocal/internal/log"
	"github.com/mattjoyce/mcplocal/internal/protocol"
	"github.com/mattjoyce/mcplocal/internal/tool"
)

const (
	// DefaultStopTimeout is how long Stop waits after SIGTERM before SIGKILL.
	DefaultStopTimeout = 5 * time.Second

	// DefaultProtocolVersion is sent in the initialize handshake.
	DefaultProtocolVersion = "2024-11-05"

	// exitDrainWait bounds how long a failed read waits for the child to exit
	// so its stderr is complete.
	exitDrainWait = 2 * time.Second
)

// Config describes one child process.
type Config struct {
	Name    string
	Command string
	Args    []string
	Dir     string
	// Env entries override the inherited environment.
	Env map[string]string

	// SendInitialized writes notifications/initialized after the handshake.
	SendInitialized bool
	StopTimeout     time.Duration

	ProtocolVersion string
	ClientName      string
	ClientVersion   string
}

// session is the state of one spawned child. It is replaced wholesale on
// every Start and never mutated after publication, except for waitErr which
// is written before done is closed.
type session struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *os.File
	reader  *protocol.Reader
	stderr  *stderrBuffer
	done    chan struct{}
	waitErr error
}

func (s *session) exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Conn is a client for exactly one child process speaking line-delimited
// JSON-RPC over its stdin and stdout. At most one request is in flight at a
// time: the turn lock covers the write of a request and the read of its
// response.
type Conn struct {
	cfg    Config
	logger *slog.Logger

	// lifeMu serializes Start and Stop. Stop never takes mu, so it can
	// always interrupt a call blocked on a read.
	lifeMu sync.Mutex
	// abortMu guards abort and stopWaiters. A Stop queued behind lifeMu
	// cancels the handshake holding it.
	abortMu     sync.Mutex
	abort       context.CancelCauseFunc
	stopWaiters int
	// mu is the turn lock.
	mu sync.Mutex

	state      atomic.Int32
	sess       atomic.Pointer[session]
	nextID     atomic.Int64
	serverInfo atomic.Value
}

// NewConn returns an unstarted connection.
func NewConn(cfg Config) *Conn {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = DefaultProtocolVersion
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "mcplocal"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "dev"
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Command
	}
	return &Conn{
		cfg:    cfg,
		logger: log.WithPeer(cfg.Name),
	}
}

// Name returns the configured peer name.
func (c *Conn) Name() string { return c.cfg.Name }

// Config returns a copy of the connection's configuration.
func (c *Conn) Config() Config { return c.cfg }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// PID returns the child's process id, or 0 when no child is running.
func (c *Conn) PID() int {
	s := c.sess.Load()
	if s == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Stderr returns what the current child has written to stderr so far.
func (c *Conn) Stderr() string {
	s := c.sess.Load()
	if s == nil {
		return ""
	}
	return s.stderr.String()
}

// ServerInfo returns the initialize result from the last handshake.
func (c *Conn) ServerInfo() json.RawMessage {
	v, _ := c.serverInfo.Load().(json.RawMessage)
	return v
}

// Start spawns the child and performs the handshake. It is a no-op when the
// connection is already Ready. Cancelling ctx during the handshake kills the
// child.
func (c *Conn) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.State() == StateReady {
		return nil
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	c.armAbort(cancel)
	defer c.armAbort(nil)

	if old := c.sess.Load(); old != nil {
		c.teardown(old)
		c.sess.Store(nil)
	}

	c.setState(StateStarting)
	s, err := c.spawn()
	if err != nil {
		c.setState(StateFailed)
		c.logger.Error("spawn failed", "command", c.cfg.Command, "error", err)
		return &LifecycleError{Peer: c.cfg.Name, Op: "start", State: StateFailed, Err: err}
	}
	c.sess.Store(s)

	if err := c.handshake(ctx, s); err != nil {
		c.teardown(s)
		c.sess.Store(nil)
		c.setState(StateFailed)
		if diag := s.stderr.String(); diag != "" && !strings.Contains(err.Error(), diag) {
			err = fmt.Errorf("%w (stderr: %s)", err, diag)
		}
		c.logger.Error("handshake failed", "error", err)
		return &LifecycleError{Peer: c.cfg.Name, Op: "start", State: StateFailed, Err: err}
	}

	c.setState(StateReady)
	c.logger.Info("peer ready", "pid", s.cmd.Process.Pid)
	return nil
}

// armAbort installs the cancel func of the running Start. When a Stop is
// already waiting the handshake is cancelled at once.
func (c *Conn) armAbort(cancel context.CancelCauseFunc) {
	c.abortMu.Lock()
	defer c.abortMu.Unlock()
	c.abort = cancel
	if cancel != nil && c.stopWaiters > 0 {
		cancel(ErrInterrupted)
	}
}

func (c *Conn) spawn() (*session, error) {
	cmd := exec.Command(c.cfg.Command, c.cfg.Args...) // #nosec G204 -- command comes from operator configuration
	cmd.Dir = c.cfg.Dir
	cmd.Env = mergeEnv(os.Environ(), c.cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// A plain os.Pipe keeps the read end ours: cmd.Wait closes pipes made by
	// StdoutPipe, which would race with a call still reading the response.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	stderr := newStderrBuffer(maxStderrBytes)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("start %s: %w", c.cfg.Command, err)
	}
	_ = stdoutW.Close()

	s := &session{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		reader: protocol.NewReader(stdoutR),
		stderr: stderr,
		done:   make(chan struct{}),
	}
	go func() {
		s.waitErr = cmd.Wait()
		close(s.done)
		if c.sess.Load() == s && c.state.CompareAndSwap(int32(StateReady), int32(StateFailed)) {
			c.logger.Warn("peer exited unexpectedly", "error", s.waitErr, "stderr", s.stderr.String())
		}
	}()
	return s, nil
}

func (c *Conn) handshake(ctx context.Context, s *session) error {
	stop := context.AfterFunc(ctx, func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	req, err := protocol.NewRequest(c.nextID.Add(1), "initialize", map[string]any{
		"protocolVersion": c.cfg.ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    c.cfg.ClientName,
			"version": c.cfg.ClientVersion,
		},
	})
	if err != nil {
		return err
	}
	resp, err := c.exchange(ctx, s, req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("initialize: %w", context.Cause(ctx))
		}
		return fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize: %w", resp.Error)
	}
	c.serverInfo.Store(resp.Result)

	if c.cfg.SendInitialized {
		note, err := protocol.NewNotification("notifications/initialized", nil)
		if err != nil {
			return err
		}
		if err := protocol.WriteMessage(s.stdin, note); err != nil {
			return fmt.Errorf("initialized notification: %w", err)
		}
	}
	return nil
}

// ready returns the live session or a LifecycleError.
func (c *Conn) ready(op string) (*session, error) {
	st := c.State()
	s := c.sess.Load()
	if st != StateReady || s == nil {
		return nil, &LifecycleError{Peer: c.cfg.Name, Op: op, State: st, Err: ErrNotReady}
	}
	return s, nil
}

// Call sends one request and waits for its response. A JSON-RPC error
// response is returned as *protocol.Error.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if _, err := c.ready("call"); err != nil {
		return nil, err
	}
	req, err := protocol.NewRequest(c.nextID.Add(1), method, params)
	if err != nil {
		return nil, err
	}
	resp, err := c.Roundtrip(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Notify writes a notification. No response is read.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	note, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	_, err = c.Roundtrip(ctx, note)
	return err
}

// Roundtrip sends a caller-built envelope and returns the child's response.
// A notification returns (nil, nil) once written. The caller's id is sent
// unchanged.
func (c *Conn) Roundtrip(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	if msg == nil {
		return nil, errors.New("roundtrip: nil message")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.ready("call")
	if err != nil {
		return nil, err
	}
	return c.exchange(ctx, s, msg)
}

// exchange writes msg and, unless it is a notification, reads until the
// matching response. The caller holds mu.
func (c *Conn) exchange(ctx context.Context, s *session, msg *protocol.Message) (*protocol.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg.JSONRPC == "" {
		msg.JSONRPC = protocol.Version
	}
	if err := protocol.WriteMessage(s.stdin, msg); err != nil {
		if s.exited() || errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) {
			return nil, c.noResponse(s, err)
		}
		return nil, err
	}
	if msg.IsNotification() {
		return nil, nil
	}

	for {
		resp, err := s.reader.ReadMessage()
		if err != nil {
			if errors.Is(err, protocol.ErrParse) {
				c.desync(s, err)
				return nil, &protocol.TransportError{Op: "read", Err: err}
			}
			return nil, c.noResponse(s, err)
		}
		if resp.Method != "" {
			c.logger.Debug("skipping server-initiated message", "method", resp.Method)
			continue
		}
		if !protocol.SameID(resp.ID, msg.ID) {
			err := fmt.Errorf("%w: sent %s, got %s", ErrIDMismatch, msg.ID, resp.ID)
			c.desync(s, err)
			return nil, &protocol.TransportError{Op: "read", Err: err}
		}
		return resp, nil
	}
}

// desync marks the connection failed after an unreadable or unexpected
// line. The pipe may still hold a reply, so no further request is written
// until Start spawns a fresh child.
func (c *Conn) desync(s *session, cause error) {
	if c.sess.Load() == s && c.state.CompareAndSwap(int32(StateReady), int32(StateFailed)) {
		c.logger.Warn("peer stream out of sync", "error", cause)
	}
}

// noResponse marks the connection failed and builds an error carrying the
// child's stderr.
func (c *Conn) noResponse(s *session, cause error) error {
	select {
	case <-s.done:
	case <-time.After(exitDrainWait):
	}
	if c.sess.Load() == s {
		c.state.CompareAndSwap(int32(StateReady), int32(StateFailed))
	}

	diag := s.stderr.String()
	if diag == "" {
		diag = "<empty>"
	}
	c.logger.Warn("peer closed stream", "error", cause, "stderr", diag)
	return &protocol.TransportError{
		Op:  "read",
		Err: fmt.Errorf("%w from %s: %v; stderr: %s", ErrNoResponse, c.cfg.Name, cause, diag),
	}
}

// Stop terminates the child: stdin is closed, SIGTERM is sent, and after
// StopTimeout the child is killed. Stop on a connection that never started
// is a no-op. A Start still in its handshake is interrupted and fails. The
// connection always ends Stopped and can be started again.
func (c *Conn) Stop(ctx context.Context) error {
	c.abortMu.Lock()
	c.stopWaiters++
	if c.abort != nil {
		c.abort(ErrInterrupted)
	}
	c.abortMu.Unlock()

	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.abortMu.Lock()
	c.stopWaiters--
	c.abortMu.Unlock()

	s := c.sess.Load()
	if s == nil {
		if c.State() != StateNotStarted {
			c.setState(StateStopped)
		}
		return nil
	}

	// Unpublish first so the exit watcher and in-flight calls see a
	// deliberate stop rather than a crash.
	c.sess.Store(nil)
	c.setState(StateStopped)
	forced := c.terminate(ctx, s)

	if forced {
		c.logger.Warn("peer killed after stop timeout", "timeout", c.cfg.StopTimeout)
		return &LifecycleError{Peer: c.cfg.Name, Op: "stop", State: StateStopped, Err: ErrForcedKill}
	}
	c.logger.Info("peer stopped")
	return nil
}

// terminate runs the SIGTERM → wait → SIGKILL sequence and reports whether
// the kill was needed.
func (c *Conn) terminate(ctx context.Context, s *session) bool {
	defer func() { _ = s.stdout.Close() }()

	_ = s.stdin.Close()
	if s.exited() {
		return false
	}
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
	}

	timer := time.NewTimer(c.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-s.done:
		return false
	case <-timer.C:
	case <-ctx.Done():
	}

	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	select {
	case <-s.done:
	case <-time.After(exitDrainWait):
	}
	return true
}

// teardown kills a session without the graceful sequence.
func (c *Conn) teardown(s *session) {
	_ = s.stdin.Close()
	if !s.exited() && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	select {
	case <-s.done:
	case <-time.After(exitDrainWait):
	}
	_ = s.stdout.Close()
}

// ListTools returns the child's tool specs. A response without a tools field
// yields an empty slice.
func (c *Conn) ListTools(ctx context.Context) ([]tool.Spec, error) {
	raw, err := c.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []tool.Spec `json:"tools"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decode tools/list result: %w", err)
		}
	}
	if result.Tools == nil {
		result.Tools = []tool.Spec{}
	}
	return result.Tools, nil
}

// CallTool invokes a tool on the child. Arguments are sent under both "args"
// and "arguments" so hosts of either dialect accept them.
func (c *Conn) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	return c.Call(ctx, "tools/call", map[string]any{
		"name":      name,
		"args":      args,
		"arguments": args,
	})
}

// mergeEnv overlays overrides on base. Later entries win; the result is
// sorted by key.
func mergeEnv(base []string, overrides map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}
