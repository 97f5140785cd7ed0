package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/irislabs/iris/internal/cache"
	"github.com/irislabs/iris/internal/common/logger"
	"github.com/irislabs/iris/internal/pubsub"
	"github.com/irislabs/iris/pkg/streamjson"
)

const defaultTerminateGrace = 5 * time.Second

// stderrErrorPatterns are the stderr fragments that indicate the link to
// the child is broken rather than ordinary diagnostic chatter.
var stderrErrorPatterns = []string{
	"Permission denied",
	"Authentication failed",
	"Connection refused",
	"Connection timed out",
}

// errorWrapper wraps an error so it can be stored in atomic.Value, which
// rejects nil.
type errorWrapper struct {
	err error
}

// Options carries the per-transport knobs that are not part of the
// launch command itself.
type Options struct {
	SessionID      string
	TerminateGrace time.Duration
	ConfigSnapshot string
}

// Process is a Transport over one OS child. Local children run the agent
// argv directly; remote ones run the local ssh client whose stdio carries
// the remote agent's frames. The two differ only in launch command and in
// the remote artifact cleanup at termination.
type Process struct {
	command CommandInfo
	cleanup *RemoteCleanup
	opts    Options
	logger  *logger.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	status   atomic.Value // Status
	pid      atomic.Int32
	exitCode atomic.Int32
	exitErr  atomic.Value // errorWrapper

	statusBroker *pubsub.Broker[Status]
	errorBroker  *pubsub.Broker[error]

	// mu guards the in-flight entry, the handshake signals and the
	// status transitions that depend on them.
	mu             sync.Mutex
	inflight       *cache.Entry
	initCh         chan struct{}
	readyCh        chan struct{}
	initSeen       bool
	readySeen      bool
	agentSessionID string

	processed atomic.Int64
	lastReply atomic.Value // time.Time
	startedAt atomic.Value // time.Time

	wg        sync.WaitGroup
	stopCh    chan struct{}
	doneCh    chan struct{}
	spawnMu   sync.Mutex
	termMu    sync.Mutex
	closeOnce sync.Once
}

var _ Transport = (*Process)(nil)

// NewLocalTransport builds a transport that launches the agent directly.
func NewLocalTransport(command CommandInfo, opts Options, log *logger.Logger) *Process {
	return newProcess(command, nil, opts, log)
}

// NewSSHTransport builds a transport that launches the agent through the
// local ssh client. cleanup, if non-nil, removes the session's remote
// artifacts at termination.
func NewSSHTransport(command CommandInfo, cleanup *RemoteCleanup, opts Options, log *logger.Logger) *Process {
	return newProcess(command, cleanup, opts, log)
}

func newProcess(command CommandInfo, cleanup *RemoteCleanup, opts Options, log *logger.Logger) *Process {
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = defaultTerminateGrace
	}

	p := &Process{
		command: command,
		cleanup: cleanup,
		opts:    opts,
		logger: log.WithFields(
			zap.String("component", "transport"),
			zap.String("session_id", opts.SessionID),
		),
		statusBroker: pubsub.NewBroker[Status](),
		errorBroker:  pubsub.NewBroker[error](),
	}
	p.status.Store(StatusStopped)
	p.exitCode.Store(-1)
	return p
}

// Spawn launches the child and drives the handshake. See Transport.
func (p *Process) Spawn(ctx context.Context, spawnEntry *cache.Entry, timeout time.Duration) error {
	p.spawnMu.Lock()
	defer p.spawnMu.Unlock()

	if p.Status() != StatusStopped || p.doneCh != nil {
		return fmt.Errorf("%w: status %s", ErrAlreadySpawned, p.Status())
	}

	p.logger.Info("spawning agent process",
		zap.String("executable", p.command.Executable),
		zap.String("workdir", p.command.WorkingDir))

	p.setStatus(StatusSpawning)
	p.exitErr.Store(errorWrapper{})

	// NOTE: intentionally not exec.CommandContext. The spawn context only
	// bounds the handshake; the agent must outlive the call that started it.
	p.cmd = exec.Command(p.command.Executable, p.command.Args...)
	p.cmd.Dir = p.command.WorkingDir
	if len(p.command.Env) > 0 {
		p.cmd.Env = append(os.Environ(), p.command.Env...)
	}

	var err error
	if p.stdin, err = p.cmd.StdinPipe(); err != nil {
		return p.failSpawn(fmt.Errorf("stdin pipe: %w", err))
	}
	if p.stdout, err = p.cmd.StdoutPipe(); err != nil {
		return p.failSpawn(fmt.Errorf("stdout pipe: %w", err))
	}
	if p.stderr, err = p.cmd.StderrPipe(); err != nil {
		return p.failSpawn(fmt.Errorf("stderr pipe: %w", err))
	}

	if err := p.cmd.Start(); err != nil {
		return p.failSpawn(fmt.Errorf("start: %w", err))
	}

	p.pid.Store(int32(p.cmd.Process.Pid))
	p.startedAt.Store(time.Now())
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	p.mu.Lock()
	p.inflight = spawnEntry
	p.initCh = make(chan struct{})
	p.readyCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(3)
	go p.readFrames()
	go p.readStderr()
	go p.waitForExit()

	// The ping provokes the handshake; everything the child emits before
	// READY lands in the spawn entry, and the ping itself is recorded so
	// the entry holds both directions of the exchange.
	ping, err := streamjson.EncodeUserFrame(spawnEntry.TellString + "\n")
	if err == nil {
		p.recordOutgoing(spawnEntry, ping)
		_, err = p.stdin.Write(ping)
	}
	if err != nil {
		return p.failSpawn(fmt.Errorf("write ping: %w", err))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.initCh:
	case <-p.doneCh:
		return p.failSpawn(fmt.Errorf("agent exited before init: %w", p.exitReason()))
	case <-timer.C:
		return p.failSpawn(ErrSpawnTimeout)
	case <-ctx.Done():
		return p.failSpawn(ctx.Err())
	}

	select {
	case <-p.readyCh:
	case <-p.doneCh:
		return p.failSpawn(fmt.Errorf("agent exited after init: %w", p.exitReason()))
	case <-timer.C:
		return p.failSpawn(ErrSpawnTimeout)
	case <-ctx.Done():
		return p.failSpawn(ctx.Err())
	}

	p.logger.Info("agent process ready",
		zap.Int("pid", p.PID()),
		zap.String("agent_session_id", p.AgentSessionID()))
	return nil
}

// failSpawn reaps whatever was started and reports the failure. The
// status passes through ERROR to STOPPED.
func (p *Process) failSpawn(err error) error {
	perr := &ProcessError{Op: "spawn", Err: err}
	p.errorBroker.Publish(perr)
	p.setStatus(StatusError)

	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	if p.doneCh != nil {
		<-p.doneCh
	}

	p.mu.Lock()
	p.inflight = nil
	p.mu.Unlock()

	p.setStatus(StatusStopped)
	p.closeBrokers()
	p.logger.Error("spawn failed", zap.Error(err))
	return perr
}

// ExecuteTell pins the entry and writes the tell. See Transport.
func (p *Process) ExecuteTell(entry *cache.Entry) error {
	p.mu.Lock()
	if p.Status() != StatusReady || p.inflight != nil {
		status := p.Status()
		p.mu.Unlock()
		return fmt.Errorf("%w: status %s", ErrNotReady, status)
	}
	p.inflight = entry
	p.setStatus(StatusBusy)
	stdin := p.stdin
	p.mu.Unlock()

	payload, err := streamjson.EncodeUserFrame(entry.TellString + "\n")
	if err == nil {
		p.recordOutgoing(entry, payload)
		_, err = stdin.Write(payload)
	}
	if err != nil {
		p.mu.Lock()
		p.inflight = nil
		p.setStatus(StatusError)
		p.mu.Unlock()
		return p.reportError("tell", err)
	}

	p.logger.Debug("tell dispatched",
		zap.String("entry_id", entry.ID),
		zap.Int("bytes", len(payload)))
	return nil
}

// Cancel interrupts the in-flight turn. See Transport.
func (p *Process) Cancel() error {
	p.mu.Lock()
	if p.Status() != StatusBusy {
		p.mu.Unlock()
		return nil
	}
	p.inflight = nil
	p.setStatus(StatusReady)
	stdin := p.stdin
	p.mu.Unlock()

	p.logger.Info("cancelling in-flight tell")
	if _, err := stdin.Write([]byte{0x1B}); err != nil {
		return p.reportError("cancel", err)
	}
	return nil
}

// Terminate shuts the child down. Idempotent; always ends in STOPPED.
func (p *Process) Terminate(ctx context.Context) {
	p.termMu.Lock()
	defer p.termMu.Unlock()

	switch p.Status() {
	case StatusStopped, StatusTerminating:
		return
	}

	p.logger.Info("terminating agent process", zap.Int("pid", p.PID()))

	// Transition and unpin in one critical section so a concurrent
	// ExecuteTell either pins before this (and its entry is terminated
	// here) or observes TERMINATING and refuses.
	p.mu.Lock()
	p.setStatus(StatusTerminating)
	entry := p.inflight
	p.inflight = nil
	stdin := p.stdin
	p.mu.Unlock()

	if entry != nil {
		entry.Terminate(cache.ReasonTransportTerminated)
	}

	if p.stopCh != nil {
		close(p.stopCh)
	}
	if stdin != nil {
		_ = stdin.Close()
	}

	if p.doneCh != nil {
		timer := time.NewTimer(p.opts.TerminateGrace)
		select {
		case <-p.doneCh:
			timer.Stop()
			p.logger.Info("agent process exited within grace period")
		case <-timer.C:
			p.logger.Warn("grace period elapsed, killing agent process")
			p.kill()
		case <-ctx.Done():
			timer.Stop()
			p.kill()
		}
	}

	if p.cleanup != nil {
		_ = p.cleanup.Run(p.logger)
	}

	p.setStatus(StatusStopped)
	p.closeBrokers()
}

func (p *Process) kill() {
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.doneCh
}

// recordOutgoing appends a frame we are about to write to the entry, so
// the cache shows the user frame ahead of the child's response to it.
func (p *Process) recordOutgoing(entry *cache.Entry, payload []byte) {
	frame, err := streamjson.ParseLine(payload)
	if err != nil {
		return
	}
	if err := entry.Append(frame); err != nil {
		p.logger.Debug("outgoing frame not recorded", zap.String("entry_id", entry.ID))
	}
}

// readFrames is the stdout loop: one JSON frame per line.
func (p *Process) readFrames() {
	defer p.wg.Done()

	scanner := bufio.NewScanner(p.stdout)
	// Agent frames can be large (tool results, file dumps): allow 10MB.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-p.stopCh:
			return
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		frame, err := streamjson.ParseLine(line)
		if err != nil {
			p.logger.Debug("discarding non-frame output", zap.String("line", string(line)))
			continue
		}
		p.handleFrame(frame)
	}

	if err := scanner.Err(); err != nil {
		p.logger.Debug("stdout reader error", zap.Error(err))
	}
}

// handleFrame appends the frame to the pinned entry and applies its
// lifecycle significance: init resolves the handshake wait, result ends
// the current exchange and returns the transport to READY.
func (p *Process) handleFrame(frame *streamjson.Frame) {
	p.mu.Lock()
	entry := p.inflight
	p.mu.Unlock()

	if entry != nil {
		if err := entry.Append(frame); err != nil {
			p.logger.Debug("dropping frame for closed entry",
				zap.String("entry_id", entry.ID),
				zap.String("type", frame.Type))
		}
	}

	switch {
	case frame.IsInit():
		p.mu.Lock()
		if frame.SessionID != "" {
			p.agentSessionID = frame.SessionID
		}
		if p.initCh != nil && !p.initSeen {
			p.initSeen = true
			close(p.initCh)
		}
		p.mu.Unlock()
		p.logger.Debug("agent init",
			zap.String("agent_session_id", frame.SessionID),
			zap.String("model", frame.Model))

	case frame.IsResult():
		p.processed.Add(1)
		p.lastReply.Store(time.Now())

		p.mu.Lock()
		done := p.inflight
		p.inflight = nil
		var becameReady bool
		switch p.Status() {
		case StatusSpawning:
			p.setStatus(StatusReady)
			if !p.readySeen {
				p.readySeen = true
				becameReady = true
			}
		case StatusBusy:
			p.setStatus(StatusReady)
		}
		p.mu.Unlock()

		if done != nil {
			// Complete is a separate acquisition on the entry, so the
			// result append above is already visible to its subscribers.
			done.Complete()
		}
		// Release the spawn waiter only after the entry is closed.
		if becameReady {
			close(p.readyCh)
		}
	}
}

// readStderr logs the child's stderr and surfaces connectivity failures
// on the error stream.
func (p *Process) readStderr() {
	defer p.wg.Done()

	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		p.logger.Debug("agent stderr", zap.String("line", line))

		for _, pattern := range stderrErrorPatterns {
			if strings.Contains(line, pattern) {
				p.reportError("stderr", errors.New(line))
				break
			}
		}
	}

	if err := scanner.Err(); err != nil {
		p.logger.Debug("stderr reader error", zap.Error(err))
	}
}

// waitForExit reaps the child. Spawn and Terminate own the status
// transitions on their paths; this goroutine handles the child dying out
// from under a live transport.
func (p *Process) waitForExit() {
	defer p.wg.Done()

	err := p.cmd.Wait()
	if err != nil {
		p.exitErr.Store(errorWrapper{err: err})
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.exitCode.Store(int32(exitErr.ExitCode()))
		}
		p.logger.Info("agent process exited", zap.Error(err))
	} else {
		p.exitCode.Store(0)
		p.logger.Info("agent process exited cleanly")
	}
	close(p.doneCh)

	switch p.Status() {
	case StatusSpawning, StatusTerminating, StatusError, StatusStopped:
		return
	}

	p.mu.Lock()
	entry := p.inflight
	p.inflight = nil
	p.mu.Unlock()

	if entry != nil {
		entry.Terminate(cache.ReasonTransportTerminated)
	}
	p.reportError("exit", p.exitReason())
	p.setStatus(StatusStopped)
	p.closeBrokers()
}

func (p *Process) setStatus(status Status) {
	p.status.Store(status)
	p.statusBroker.Publish(status)
}

func (p *Process) reportError(op string, err error) *ProcessError {
	perr := &ProcessError{Op: op, Err: err}
	p.errorBroker.Publish(perr)
	return perr
}

func (p *Process) closeBrokers() {
	p.closeOnce.Do(func() {
		p.statusBroker.Close()
		p.errorBroker.Close()
	})
}

// exitReason describes why the child is gone, preferring the wait error.
func (p *Process) exitReason() error {
	if v := p.exitErr.Load(); v != nil {
		if w, ok := v.(errorWrapper); ok && w.err != nil {
			return w.err
		}
	}
	return fmt.Errorf("exit code %d", p.ExitCode())
}

// Status returns the current lifecycle state.
func (p *Process) Status() Status {
	return p.status.Load().(Status)
}

// StatusStream subscribes to lifecycle transitions.
func (p *Process) StatusStream(ctx context.Context) <-chan Status {
	return p.statusBroker.Subscribe(ctx)
}

// ErrorStream subscribes to process failures.
func (p *Process) ErrorStream(ctx context.Context) <-chan error {
	return p.errorBroker.Subscribe(ctx)
}

// SessionID returns the owning session.
func (p *Process) SessionID() string {
	return p.opts.SessionID
}

// AgentSessionID returns the session id the child reported at init.
func (p *Process) AgentSessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agentSessionID
}

// PID returns the child's process id, 0 before spawn.
func (p *Process) PID() int {
	return int(p.pid.Load())
}

// IsReady reports whether the transport can accept a tell.
func (p *Process) IsReady() bool {
	return p.Status() == StatusReady
}

// IsBusy reports whether an exchange is in flight, including the spawn
// handshake.
func (p *Process) IsBusy() bool {
	status := p.Status()
	return status == StatusBusy || status == StatusSpawning
}

// InFlight returns the entry currently receiving frames, nil when idle.
func (p *Process) InFlight() *cache.Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight
}

// MessagesProcessed counts completed exchanges, the handshake included.
func (p *Process) MessagesProcessed() int64 {
	return p.processed.Load()
}

// LastResponseAt returns when the child last produced a result frame.
func (p *Process) LastResponseAt() *time.Time {
	if v := p.lastReply.Load(); v != nil {
		t := v.(time.Time)
		return &t
	}
	return nil
}

// Uptime is the time since the child started, zero before spawn.
func (p *Process) Uptime() time.Duration {
	if v := p.startedAt.Load(); v != nil {
		return time.Since(v.(time.Time))
	}
	return 0
}

// ExitCode returns the child's exit code, -1 while running.
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

// LaunchCommand renders the command this transport launches.
func (p *Process) LaunchCommand() string {
	return p.command.String()
}

// ConfigSnapshot returns the launch configuration JSON, for debugging.
func (p *Process) ConfigSnapshot() string {
	return p.opts.ConfigSnapshot
}

// Info snapshots the transport for status tools.
func (p *Process) Info() Info {
	return Info{
		SessionID:         p.SessionID(),
		Status:            p.Status(),
		PID:               p.PID(),
		Remote:            p.cleanup != nil,
		MessagesProcessed: p.MessagesProcessed(),
		LastResponseAt:    p.LastResponseAt(),
		UptimeSeconds:     int64(p.Uptime().Seconds()),
		ExitCode:          p.ExitCode(),
		LaunchCommand:     p.LaunchCommand(),
	}
}
