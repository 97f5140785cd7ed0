package session

import (
	"context"
	"errors"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid process state transition")
	ErrSessionBusy       = errors.New("session is already processing")
)

// Store is the persistence contract for session records.
// Implementations serialize writes per row; callers never retry.
type Store interface {
	// GetOrCreateSession returns the existing row for the pair or
	// creates one with a freshly minted session id. Concurrent calls
	// for the same pair yield exactly one row.
	GetOrCreateSession(ctx context.Context, fromTeam, toTeam string) (*Session, error)

	// GetSession looks up a session by team pair.
	GetSession(ctx context.Context, fromTeam, toTeam string) (*Session, error)

	// GetSessionByID looks up a session by its session id.
	GetSessionByID(ctx context.Context, sessionID string) (*Session, error)

	// ListSessions returns sessions matching the filter, most recently
	// used first.
	ListSessions(ctx context.Context, filter Filter) ([]*Session, error)

	// UpdateProcessState moves the session through its state machine.
	// Repeating the current state is a no-op; disallowed edges return
	// ErrInvalidTransition.
	UpdateProcessState(ctx context.Context, sessionID string, state ProcessState) error

	// BeginTell atomically moves an idle session to processing and pins
	// entryID as the in-flight entry. A session that is not idle returns
	// ErrSessionBusy; this is how concurrent tells for one pair lose.
	BeginTell(ctx context.Context, sessionID, entryID string) error

	// CompleteSpawn moves a spawning session to idle once its transport
	// is ready. Touching zero rows is not an error: a concurrent actor
	// may already have moved the session on.
	CompleteSpawn(ctx context.Context, sessionID string) error

	// SetCurrentCacheEntry pins the in-flight cache entry, or clears it
	// when entryID is nil.
	SetCurrentCacheEntry(ctx context.Context, sessionID string, entryID *string) error

	// ResetAllProcessStates folds every non-stopped session back to
	// stopped and clears its in-flight entry. Called once at startup;
	// rows left spawning or processing by an unclean shutdown refer to
	// children that no longer exist. Returns the number of rows touched.
	ResetAllProcessStates(ctx context.Context) (int64, error)

	// SetStatus marks the session active or archived.
	SetStatus(ctx context.Context, sessionID string, status Status) error

	// RecordUsage bumps the last-used timestamp.
	RecordUsage(ctx context.Context, sessionID string) error

	// IncrementMessageCount adds one to the session's message counter.
	IncrementMessageCount(ctx context.Context, sessionID string) error

	// UpdateLastResponse records that the child produced a response now.
	UpdateLastResponse(ctx context.Context, sessionID string) error

	// UpdateDebugInfo records the launch command and config snapshot of
	// the session's most recent spawn.
	UpdateDebugInfo(ctx context.Context, sessionID, launchCmd, configSnapshot string) error

	// DeleteSession removes the row. When removeFiles is set, the
	// session's on-disk artifacts (resume state, per-session MCP
	// config) are removed as well.
	DeleteSession(ctx context.Context, sessionID string, removeFiles bool) error

	// Close releases the underlying connections.
	Close() error
}
