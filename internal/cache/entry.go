// Package cache holds the per-session message history. Every frame a child
// emits is appended to exactly one cache entry: the SPAWN entry created
// while the process is opening, or the TELL entry for the utterance in
// flight. Entries survive transport replacement and termination.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/irislabs/iris/internal/pubsub"
	"github.com/irislabs/iris/pkg/streamjson"
)

var (
	ErrEntryClosed   = errors.New("cache entry is closed")
	ErrEntryNotFound = errors.New("cache entry not found")
)

// EntryType identifies what triggered an entry.
type EntryType string

const (
	// EntryTypeSpawn groups the frames produced while opening a child,
	// including the system/init handshake.
	EntryTypeSpawn EntryType = "SPAWN"
	// EntryTypeTell groups one user utterance and every frame up to and
	// including its result.
	EntryTypeTell EntryType = "TELL"
)

// EntryStatus is the lifecycle state of an entry.
type EntryStatus string

const (
	EntryStatusActive     EntryStatus = "active"
	EntryStatusCompleted  EntryStatus = "completed"
	EntryStatusTerminated EntryStatus = "terminated"
)

// Termination reasons recorded on entries that did not complete normally.
const (
	ReasonResponseTimeout     = "RESPONSE_TIMEOUT"
	ReasonUserCancelled       = "USER_CANCELLED"
	ReasonTransportTerminated = "TRANSPORT_TERMINATED"
)

// Message is one recorded protocol frame.
type Message struct {
	// Timestamp is monotonic within an entry: appends are serialized.
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Raw       json.RawMessage `json:"raw"`
}

// Entry is an ordered, append-only group of protocol messages.
// It exposes a snapshot accessor and a live stream; late subscribers
// receive the snapshot first and never miss frames appended after they
// subscribed.
type Entry struct {
	ID         string
	Type       EntryType
	TellString string
	CreatedAt  time.Time

	mu                sync.RWMutex
	messages          []Message
	status            EntryStatus
	terminationReason string
	completedAt       *time.Time
	broker            *pubsub.Broker[Message]
}

func newEntry(entryType EntryType, tellString string) *Entry {
	return &Entry{
		ID:         uuid.New().String(),
		Type:       entryType,
		TellString: tellString,
		CreatedAt:  time.Now(),
		status:     EntryStatusActive,
		broker:     pubsub.NewBroker[Message](),
	}
}

// Append records a parsed frame on the entry and notifies subscribers.
// Returns ErrEntryClosed if the entry is completed or terminated.
func (e *Entry) Append(frame *streamjson.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != EntryStatusActive {
		return ErrEntryClosed
	}

	msg := Message{
		Timestamp: time.Now(),
		Type:      frame.Type,
		Raw:       frame.Raw,
	}
	e.messages = append(e.messages, msg)

	// Publish while holding the lock so Subscribe's snapshot+register
	// step cannot interleave with an append. The broker never blocks.
	e.broker.Publish(msg)
	return nil
}

// Complete marks the entry completed and closes the message stream.
// Idempotent. Callers append the result frame first and call Complete
// as a separate step, so every subscriber observes the result before
// the channel closes.
func (e *Entry) Complete() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != EntryStatusActive {
		return
	}
	now := time.Now()
	e.status = EntryStatusCompleted
	e.completedAt = &now
	e.broker.Close()
}

// Terminate records an abnormal end. An active entry transitions to
// terminated and its stream closes. A completed entry keeps its status;
// only the reason is recorded. Repeated calls keep the first reason.
func (e *Entry) Terminate(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.terminationReason == "" {
		e.terminationReason = reason
	}
	if e.status != EntryStatusActive {
		return
	}
	now := time.Now()
	e.status = EntryStatusTerminated
	e.completedAt = &now
	e.broker.Close()
}

// Subscribe returns the current snapshot and a channel of subsequent
// messages. The channel closes when the entry completes or terminates;
// messages published before the close are still delivered.
func (e *Entry) Subscribe(ctx context.Context) ([]Message, <-chan Message) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snapshot := make([]Message, len(e.messages))
	copy(snapshot, e.messages)
	return snapshot, e.broker.Subscribe(ctx)
}

// Snapshot returns a copy of the messages recorded so far.
func (e *Entry) Snapshot() []Message {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snapshot := make([]Message, len(e.messages))
	copy(snapshot, e.messages)
	return snapshot
}

// Status returns the entry's lifecycle state.
func (e *Entry) Status() EntryStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// IsActive reports whether the entry is still collecting frames.
func (e *Entry) IsActive() bool {
	return e.Status() == EntryStatusActive
}

// TerminationReason returns the recorded reason, if any.
func (e *Entry) TerminationReason() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.terminationReason
}

// CompletedAt returns when the entry completed or terminated, or nil.
func (e *Entry) CompletedAt() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.completedAt == nil {
		return nil
	}
	t := *e.completedAt
	return &t
}

// MessageCount returns the number of recorded messages.
func (e *Entry) MessageCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.messages)
}

// AssistantText concatenates the text of every assistant frame recorded
// on the entry. Used to build the caller-facing reply and the partial
// response reported on timeouts.
func (e *Entry) AssistantText() string {
	snapshot := e.Snapshot()

	var sb strings.Builder
	for _, msg := range snapshot {
		if msg.Type != streamjson.TypeAssistant {
			continue
		}
		frame, err := streamjson.ParseLine(msg.Raw)
		if err != nil {
			continue
		}
		sb.WriteString(frame.TextContent())
	}
	return sb.String()
}

// RawMessages returns the raw payloads of every recorded message.
func (e *Entry) RawMessages() []json.RawMessage {
	snapshot := e.Snapshot()
	raws := make([]json.RawMessage, len(snapshot))
	for i, msg := range snapshot {
		raws[i] = msg.Raw
	}
	return raws
}
