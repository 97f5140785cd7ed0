// Package transport owns the stdio link to a single agent child process.
//
// A transport is a dumb pipe: it launches the child (directly or wrapped
// in ssh), writes user frames to its stdin, parses the newline-delimited
// JSON it emits, and appends every frame to the cache entry pinned as the
// current target. It never interprets conversation content.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/irislabs/iris/internal/cache"
)

// Status is the transport lifecycle state.
//
// STOPPED → SPAWNING → READY ⇄ BUSY → TERMINATING → STOPPED, with ERROR
// as a transient state immediately before STOPPED on failure paths.
type Status string

const (
	StatusStopped     Status = "STOPPED"
	StatusSpawning    Status = "SPAWNING"
	StatusReady       Status = "READY"
	StatusBusy        Status = "BUSY"
	StatusTerminating Status = "TERMINATING"
	StatusError       Status = "ERROR"
)

var (
	// ErrSpawnTimeout is returned when the child does not complete the
	// init handshake within the spawn timeout.
	ErrSpawnTimeout = errors.New("timed out waiting for agent handshake")

	// ErrNotReady reports ExecuteTell on a transport that is not READY
	// or still has an in-flight entry. It indicates a caller bug.
	ErrNotReady = errors.New("transport not ready")

	// ErrAlreadySpawned reports a second Spawn on the same transport.
	// Transports are single-use: the pool builds a fresh one per spawn.
	ErrAlreadySpawned = errors.New("transport already spawned")
)

// ProcessError reports a failure of the child process or its stdio link:
// spawn errors, broken pipes, ssh connectivity failures, unexpected exits.
type ProcessError struct {
	Op  string // "spawn", "tell", "cancel", "stderr", "exit"
	Err error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("agent process %s: %v", e.Op, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Info is a point-in-time snapshot of a transport, for status tools and
// the dashboard.
type Info struct {
	SessionID         string     `json:"sessionId"`
	Status            Status     `json:"status"`
	PID               int        `json:"pid,omitempty"`
	Remote            bool       `json:"remote"`
	MessagesProcessed int64      `json:"messagesProcessed"`
	LastResponseAt    *time.Time `json:"lastResponseAt,omitempty"`
	UptimeSeconds     int64      `json:"uptimeSeconds"`
	ExitCode          int        `json:"exitCode"`
	LaunchCommand     string     `json:"launchCommand,omitempty"`
}

// Transport drives one live agent child on behalf of one session.
type Transport interface {
	// Spawn launches the child and runs the handshake: a synthetic ping
	// user frame built from the spawn entry's tell string, then a wait
	// for the system/init frame, then a wait for the first result frame.
	// The ping and every frame the handshake produces are appended to
	// spawnEntry. On success the transport is READY. On failure the
	// status passes through ERROR to STOPPED and a descriptive error is
	// returned.
	Spawn(ctx context.Context, spawnEntry *cache.Entry, timeout time.Duration) error

	// ExecuteTell pins entry as the target for incoming frames, moves to
	// BUSY and writes the tell as a user frame, recording it on the
	// entry first. It does not wait for the reply; callers observe
	// progress through the entry's stream.
	ExecuteTell(entry *cache.Entry) error

	// Terminate shuts the child down: close stdin, wait out the grace
	// period, then kill. Idempotent; always ends in STOPPED. A pinned
	// in-flight entry is marked terminated.
	Terminate(ctx context.Context)

	// Cancel asks the child to abandon the in-flight turn with a single
	// ESC byte and unpins the entry. Best effort: the child may ignore it.
	Cancel() error

	Status() Status
	StatusStream(ctx context.Context) <-chan Status
	ErrorStream(ctx context.Context) <-chan error

	SessionID() string
	AgentSessionID() string
	PID() int
	IsReady() bool
	IsBusy() bool
	InFlight() *cache.Entry
	MessagesProcessed() int64
	LastResponseAt() *time.Time
	Uptime() time.Duration
	ExitCode() int
	LaunchCommand() string
	ConfigSnapshot() string
	Info() Info
}
