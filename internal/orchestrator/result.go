package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTimeout reports a caller timeout outside the accepted range.
var ErrInvalidTimeout = errors.New("timeout must be -1, 0 or a positive number of milliseconds")

// Send statuses for structured outcomes. A successful tell carries no
// status; its reply travels in SendResult.Text.
const (
	StatusAsync      = "async"
	StatusBusy       = "busy"
	StatusSpawning   = "spawning"
	StatusMcpTimeout = "mcp_timeout"
	StatusTerminated = "terminated"
)

// SendResult is the structured outcome of SendMessage.
type SendResult struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`

	// CurrentCacheSessionID names the session whose cache holds the tell
	// already in flight; set on busy responses.
	CurrentCacheSessionID string `json:"currentCacheSessionId,omitempty"`

	// CacheEntryID identifies the entry to poll for late results; set on
	// async, busy and mcp_timeout responses.
	CacheEntryID string `json:"cacheEntryId,omitempty"`

	// Reason is the cache termination reason on terminated responses.
	Reason string `json:"reason,omitempty"`

	// PartialResponse is the assistant text collected so far.
	PartialResponse string `json:"partialResponse,omitempty"`

	// RawMessages are the frames recorded before the caller gave up.
	RawMessages []json.RawMessage `json:"rawMessages,omitempty"`

	// Text is the concatenated assistant reply on success. Not part of
	// the wire shape; callers return it as a bare string.
	Text string `json:"-"`
}

// Success reports whether the tell completed and Text holds the reply.
func (r *SendResult) Success() bool {
	return r.Status == ""
}

// ParseTimeout validates a caller-supplied timeout in milliseconds and
// converts it to a duration. -1 means async, 0 means wait indefinitely.
func ParseTimeout(ms int64) (time.Duration, error) {
	if ms < -1 {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidTimeout, ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
