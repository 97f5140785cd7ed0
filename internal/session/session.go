// Package session persists the (fromTeam, toTeam) session records that
// survive across child processes. A session's sessionId is the stable
// handle the pool, cache, and dashboard correlate on, and the resume
// token handed to respawned children.
package session

import (
	"time"
)

// ProcessState tracks the lifecycle of the session's child process.
// It mirrors the transport status; stopped means no transport exists.
type ProcessState string

const (
	ProcessStateStopped     ProcessState = "stopped"
	ProcessStateSpawning    ProcessState = "spawning"
	ProcessStateIdle        ProcessState = "idle"
	ProcessStateProcessing  ProcessState = "processing"
	ProcessStateTerminating ProcessState = "terminating"
)

// Status distinguishes live sessions from archived ones. Archival is a
// dashboard operation; the dispatcher never archives.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// validTransitions lists the allowed process-state edges. Writing the
// current state again is always permitted (idempotent updates).
var validTransitions = map[ProcessState][]ProcessState{
	ProcessStateStopped:     {ProcessStateSpawning},
	ProcessStateSpawning:    {ProcessStateIdle, ProcessStateTerminating, ProcessStateStopped},
	ProcessStateIdle:        {ProcessStateProcessing, ProcessStateTerminating, ProcessStateStopped},
	ProcessStateProcessing:  {ProcessStateIdle, ProcessStateTerminating, ProcessStateStopped},
	ProcessStateTerminating: {ProcessStateStopped},
}

// CanTransition reports whether moving from one process state to another
// is allowed.
func CanTransition(from, to ProcessState) bool {
	if from == to {
		return true
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Session is one persistent (fromTeam, toTeam) record.
type Session struct {
	SessionID string `json:"sessionId" db:"session_id"`
	FromTeam  string `json:"fromTeam" db:"from_team"`
	ToTeam    string `json:"toTeam" db:"to_team"`

	ProcessState ProcessState `json:"processState" db:"process_state"`
	Status       Status       `json:"status" db:"status"`

	// CurrentCacheEntryID identifies the tell presently in flight, nil
	// when the session is not processing.
	CurrentCacheEntryID *string `json:"currentCacheEntryId,omitempty" db:"current_cache_entry"`

	MessageCount int `json:"messageCount" db:"message_count"`

	// LaunchCmd and ConfigSnapshot record how the child was last
	// launched, for debugging.
	LaunchCmd      string `json:"launchCmd,omitempty" db:"launch_cmd"`
	ConfigSnapshot string `json:"configSnapshot,omitempty" db:"config_snapshot"`

	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
	LastUsedAt     time.Time  `json:"lastUsedAt" db:"last_used_at"`
	LastResponseAt *time.Time `json:"lastResponseAt,omitempty" db:"last_response_at"`
}

// PairKey returns the pool key for this session's team pair.
func (s *Session) PairKey() string {
	return PairKey(s.FromTeam, s.ToTeam)
}

// PairKey builds the canonical "{fromTeam}→{toTeam}" key.
func PairKey(fromTeam, toTeam string) string {
	return fromTeam + "→" + toTeam
}

// Filter narrows ListSessions results. Zero-valued fields match all.
type Filter struct {
	FromTeam     string
	ToTeam       string
	Status       Status
	ProcessState ProcessState
}
