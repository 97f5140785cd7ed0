package cache

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Stats summarizes a session's cache.
type Stats struct {
	Total           int `json:"total"`
	SpawnCount      int `json:"spawnCount"`
	TellCount       int `json:"tellCount"`
	ActiveCount     int `json:"activeCount"`
	CompletedCount  int `json:"completedCount"`
	TerminatedCount int `json:"terminatedCount"`
}

// Export formats accepted by ExportMessages.
const (
	ExportFormatJSON = "json"
	ExportFormatText = "text"
)

// MessageCache is the ordered sequence of entries for one session.
// It persists for the session's lifetime and survives transport
// replacement.
type MessageCache struct {
	sessionID string

	mu      sync.RWMutex
	entries []*Entry
	byID    map[string]*Entry
}

// NewMessageCache creates an empty cache for the given session.
func NewMessageCache(sessionID string) *MessageCache {
	return &MessageCache{
		sessionID: sessionID,
		byID:      make(map[string]*Entry),
	}
}

// SessionID returns the session this cache belongs to.
func (c *MessageCache) SessionID() string {
	return c.sessionID
}

// CreateEntry appends a new active entry.
func (c *MessageCache) CreateEntry(entryType EntryType, tellString string) *Entry {
	entry := newEntry(entryType, tellString)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
	c.byID[entry.ID] = entry
	return entry
}

// GetAllEntries returns the entries in creation order.
func (c *MessageCache) GetAllEntries() []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := make([]*Entry, len(c.entries))
	copy(entries, c.entries)
	return entries
}

// GetEntryByID returns the entry with the given id.
func (c *MessageCache) GetEntryByID(id string) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return entry, nil
}

// LatestEntry returns the most recently created entry, or nil.
func (c *MessageCache) LatestEntry() *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.entries) == 0 {
		return nil
	}
	return c.entries[len(c.entries)-1]
}

// RemoveEntry deletes an entry, closing its stream if still active.
// Used to discard the partial entry of a failed spawn.
func (c *MessageCache) RemoveEntry(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	delete(c.byID, id)
	for i, e := range c.entries {
		if e.ID == id {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			break
		}
	}
	entry.Terminate(ReasonTransportTerminated)
	return nil
}

// Stats computes counters over the current entries.
func (c *MessageCache) Stats() Stats {
	entries := c.GetAllEntries()

	stats := Stats{Total: len(entries)}
	for _, entry := range entries {
		switch entry.Type {
		case EntryTypeSpawn:
			stats.SpawnCount++
		case EntryTypeTell:
			stats.TellCount++
		}
		switch entry.Status() {
		case EntryStatusActive:
			stats.ActiveCount++
		case EntryStatusCompleted:
			stats.CompletedCount++
		case EntryStatusTerminated:
			stats.TerminatedCount++
		}
	}
	return stats
}

// GetRecentMessages returns the last n messages across all entries,
// oldest first.
func (c *MessageCache) GetRecentMessages(n int) []Message {
	entries := c.GetAllEntries()

	var all []Message
	for _, entry := range entries {
		all = append(all, entry.Snapshot()...)
	}
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// exportedEntry is the JSON shape of one entry in an export.
type exportedEntry struct {
	ID                string      `json:"id"`
	Type              EntryType   `json:"type"`
	TellString        string      `json:"tellString"`
	Status            EntryStatus `json:"status"`
	TerminationReason string      `json:"terminationReason,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
	CompletedAt       *time.Time  `json:"completedAt,omitempty"`
	Messages          []Message   `json:"messages"`
	AssistantText     string      `json:"assistantText,omitempty"`
}

// ExportMessages serializes the full cache in the requested format.
// Supported formats: json, text.
func (c *MessageCache) ExportMessages(format string) (string, error) {
	entries := c.GetAllEntries()

	switch format {
	case ExportFormatJSON:
		exported := make([]exportedEntry, len(entries))
		for i, entry := range entries {
			exported[i] = exportedEntry{
				ID:                entry.ID,
				Type:              entry.Type,
				TellString:        entry.TellString,
				Status:            entry.Status(),
				TerminationReason: entry.TerminationReason(),
				CreatedAt:         entry.CreatedAt,
				CompletedAt:       entry.CompletedAt(),
				Messages:          entry.Snapshot(),
				AssistantText:     entry.AssistantText(),
			}
		}
		data, err := json.MarshalIndent(exported, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to export cache: %w", err)
		}
		return string(data), nil

	case ExportFormatText:
		var sb strings.Builder
		for _, entry := range entries {
			fmt.Fprintf(&sb, "=== %s %s [%s]", entry.Type, entry.ID, entry.Status())
			if reason := entry.TerminationReason(); reason != "" {
				fmt.Fprintf(&sb, " (%s)", reason)
			}
			sb.WriteString("\n")
			if entry.TellString != "" {
				fmt.Fprintf(&sb, "> %s\n", entry.TellString)
			}
			for _, msg := range entry.Snapshot() {
				fmt.Fprintf(&sb, "%s %-12s %s\n",
					msg.Timestamp.Format(time.RFC3339), msg.Type, string(msg.Raw))
			}
			sb.WriteString("\n")
		}
		return sb.String(), nil

	default:
		return "", fmt.Errorf("unsupported export format %q", format)
	}
}
