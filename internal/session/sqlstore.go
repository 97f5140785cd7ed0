package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/irislabs/iris/internal/db"
)

// SQLStore implements Store on SQLite or PostgreSQL through a shared
// connection pool. Queries use ? placeholders and are rebound for the
// active driver.
type SQLStore struct {
	pool *db.Pool

	// sessionsDir is where per-session on-disk artifacts live; used by
	// DeleteSession(removeFiles). Empty disables file removal.
	sessionsDir string
}

// NewSQLStore initializes the schema and returns a ready store.
func NewSQLStore(pool *db.Pool, sessionsDir string) (*SQLStore, error) {
	s := &SQLStore{pool: pool, sessionsDir: sessionsDir}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection pools.
func (s *SQLStore) Close() error {
	return s.pool.Close()
}

// initSchema creates the sessions table if it does not exist.
func (s *SQLStore) initSchema() error {
	_, err := s.pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		from_team TEXT NOT NULL,
		to_team TEXT NOT NULL,
		process_state TEXT NOT NULL DEFAULT 'stopped',
		status TEXT NOT NULL DEFAULT 'active',
		current_cache_entry TEXT,
		message_count INTEGER NOT NULL DEFAULT 0,
		launch_cmd TEXT NOT NULL DEFAULT '',
		config_snapshot TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		last_used_at TIMESTAMP NOT NULL,
		last_response_at TIMESTAMP,
		UNIQUE(from_team, to_team)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_process_state ON sessions(process_state);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_used ON sessions(last_used_at);
	`)
	return err
}

const sessionColumns = `session_id, from_team, to_team, process_state, status,
	current_cache_entry, message_count, launch_cmd, config_snapshot,
	created_at, last_used_at, last_response_at`

// scanSession reads one row into a Session.
func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	sess := &Session{}
	var currentEntry sql.NullString
	var lastResponse sql.NullTime
	err := row.Scan(
		&sess.SessionID, &sess.FromTeam, &sess.ToTeam,
		&sess.ProcessState, &sess.Status,
		&currentEntry, &sess.MessageCount,
		&sess.LaunchCmd, &sess.ConfigSnapshot,
		&sess.CreatedAt, &sess.LastUsedAt, &lastResponse,
	)
	if err != nil {
		return nil, err
	}
	if currentEntry.Valid {
		sess.CurrentCacheEntryID = &currentEntry.String
	}
	if lastResponse.Valid {
		t := lastResponse.Time
		sess.LastResponseAt = &t
	}
	return sess, nil
}

// GetOrCreateSession inserts a fresh row for the pair unless one exists,
// then reads whichever row won. Losing a concurrent race is not an
// error; the loser re-reads the winner's row.
func (s *SQLStore) GetOrCreateSession(ctx context.Context, fromTeam, toTeam string) (*Session, error) {
	writer := s.pool.Writer()
	now := time.Now().UTC()

	query := writer.Rebind(`
		INSERT INTO sessions (session_id, from_team, to_team, process_state, status, message_count, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (from_team, to_team) DO NOTHING
	`)
	_, err := writer.ExecContext(ctx, query,
		uuid.New().String(), fromTeam, toTeam,
		ProcessStateStopped, StatusActive, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	// Read through the writer so our own insert is always visible.
	row := writer.QueryRowContext(ctx,
		writer.Rebind(`SELECT `+sessionColumns+` FROM sessions WHERE from_team = ? AND to_team = ?`),
		fromTeam, toTeam)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("failed to read session after create: %w", err)
	}
	return sess, nil
}

// GetSession looks up a session by team pair.
func (s *SQLStore) GetSession(ctx context.Context, fromTeam, toTeam string) (*Session, error) {
	reader := s.pool.Reader()
	row := reader.QueryRowContext(ctx,
		reader.Rebind(`SELECT `+sessionColumns+` FROM sessions WHERE from_team = ? AND to_team = ?`),
		fromTeam, toTeam)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s→%s", ErrSessionNotFound, fromTeam, toTeam)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSessionByID looks up a session by its session id.
func (s *SQLStore) GetSessionByID(ctx context.Context, sessionID string) (*Session, error) {
	reader := s.pool.Reader()
	row := reader.QueryRowContext(ctx,
		reader.Rebind(`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`),
		sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ListSessions returns sessions matching the filter, most recently used
// first.
func (s *SQLStore) ListSessions(ctx context.Context, filter Filter) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var conditions []string
	var args []any

	if filter.FromTeam != "" {
		conditions = append(conditions, "from_team = ?")
		args = append(args, filter.FromTeam)
	}
	if filter.ToTeam != "" {
		conditions = append(conditions, "to_team = ?")
		args = append(args, filter.ToTeam)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.ProcessState != "" {
		conditions = append(conditions, "process_state = ?")
		args = append(args, filter.ProcessState)
	}
	for i, cond := range conditions {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY last_used_at DESC"

	reader := s.pool.Reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateProcessState validates and applies a process-state transition.
func (s *SQLStore) UpdateProcessState(ctx context.Context, sessionID string, state ProcessState) error {
	current, err := s.GetSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if current.ProcessState == state {
		return nil
	}
	if !CanTransition(current.ProcessState, state) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, current.ProcessState, state)
	}
	return s.updateByID(ctx, sessionID, `UPDATE sessions SET process_state = ? WHERE session_id = ?`, state)
}

// BeginTell claims an idle session for a new tell. The guarded update
// is the serialization point: of N concurrent tells for one pair,
// exactly one row update matches process_state = 'idle'.
func (s *SQLStore) BeginTell(ctx context.Context, sessionID, entryID string) error {
	writer := s.pool.Writer()
	res, err := writer.ExecContext(ctx,
		writer.Rebind(`UPDATE sessions SET process_state = ?, current_cache_entry = ? WHERE session_id = ? AND process_state = ?`),
		ProcessStateProcessing, entryID, sessionID, ProcessStateIdle)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetSessionByID(ctx, sessionID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
	}
	return nil
}

// CompleteSpawn moves a spawning session to idle. Guarded like
// BeginTell so a late writer cannot roll back a session that has
// already begun processing.
func (s *SQLStore) CompleteSpawn(ctx context.Context, sessionID string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx,
		writer.Rebind(`UPDATE sessions SET process_state = ? WHERE session_id = ? AND process_state = ?`),
		ProcessStateIdle, sessionID, ProcessStateSpawning)
	return err
}

// ResetAllProcessStates folds every non-stopped session back to stopped
// and clears its in-flight entry.
func (s *SQLStore) ResetAllProcessStates(ctx context.Context) (int64, error) {
	writer := s.pool.Writer()
	res, err := writer.ExecContext(ctx,
		writer.Rebind(`UPDATE sessions SET process_state = ?, current_cache_entry = NULL WHERE process_state != ?`),
		ProcessStateStopped, ProcessStateStopped)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetCurrentCacheEntry pins or clears the in-flight entry.
func (s *SQLStore) SetCurrentCacheEntry(ctx context.Context, sessionID string, entryID *string) error {
	var value sql.NullString
	if entryID != nil {
		value = sql.NullString{String: *entryID, Valid: true}
	}
	return s.updateByID(ctx, sessionID, `UPDATE sessions SET current_cache_entry = ? WHERE session_id = ?`, value)
}

// SetStatus marks the session active or archived.
func (s *SQLStore) SetStatus(ctx context.Context, sessionID string, status Status) error {
	return s.updateByID(ctx, sessionID, `UPDATE sessions SET status = ? WHERE session_id = ?`, status)
}

// RecordUsage bumps the last-used timestamp.
func (s *SQLStore) RecordUsage(ctx context.Context, sessionID string) error {
	return s.updateByID(ctx, sessionID, `UPDATE sessions SET last_used_at = ? WHERE session_id = ?`, time.Now().UTC())
}

// IncrementMessageCount adds one to the message counter.
func (s *SQLStore) IncrementMessageCount(ctx context.Context, sessionID string) error {
	writer := s.pool.Writer()
	res, err := writer.ExecContext(ctx,
		writer.Rebind(`UPDATE sessions SET message_count = message_count + 1 WHERE session_id = ?`),
		sessionID)
	if err != nil {
		return err
	}
	return requireRow(res, sessionID)
}

// UpdateLastResponse records a response arrival time.
func (s *SQLStore) UpdateLastResponse(ctx context.Context, sessionID string) error {
	return s.updateByID(ctx, sessionID, `UPDATE sessions SET last_response_at = ? WHERE session_id = ?`, time.Now().UTC())
}

// UpdateDebugInfo records the launch command and config snapshot.
func (s *SQLStore) UpdateDebugInfo(ctx context.Context, sessionID, launchCmd, configSnapshot string) error {
	writer := s.pool.Writer()
	res, err := writer.ExecContext(ctx,
		writer.Rebind(`UPDATE sessions SET launch_cmd = ?, config_snapshot = ? WHERE session_id = ?`),
		launchCmd, configSnapshot, sessionID)
	if err != nil {
		return err
	}
	return requireRow(res, sessionID)
}

// DeleteSession removes the row and, optionally, the session's on-disk
// artifact directory.
func (s *SQLStore) DeleteSession(ctx context.Context, sessionID string, removeFiles bool) error {
	writer := s.pool.Writer()
	res, err := writer.ExecContext(ctx,
		writer.Rebind(`DELETE FROM sessions WHERE session_id = ?`),
		sessionID)
	if err != nil {
		return err
	}
	if err := requireRow(res, sessionID); err != nil {
		return err
	}

	if removeFiles && s.sessionsDir != "" && sessionID != "" {
		dir := filepath.Join(s.sessionsDir, sessionID)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove session files: %w", err)
		}
	}
	return nil
}

// updateByID runs a single-row update keyed by session id.
func (s *SQLStore) updateByID(ctx context.Context, sessionID, query string, value any) error {
	writer := s.pool.Writer()
	res, err := writer.ExecContext(ctx, writer.Rebind(query), value, sessionID)
	if err != nil {
		return err
	}
	return requireRow(res, sessionID)
}

// requireRow converts a zero-row update into ErrSessionNotFound.
func requireRow(res sql.Result, sessionID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}
