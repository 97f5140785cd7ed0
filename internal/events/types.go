// Package events provides event types and utilities for the Iris event system.
package events

// Event types for transport lifecycle
const (
	ProcessSpawned    = "process.spawned"
	ProcessTerminated = "process.terminated"
	ProcessError      = "process.error"
)

// Event types for sessions
const (
	SessionCreated = "session.created"
	SessionDeleted = "session.deleted"
)

// Event types for permission requests
const (
	PermissionRequested = "permission.requested"
	PermissionResolved  = "permission.resolved"
)

// Source identifiers for published events.
const (
	SourcePool         = "pool"
	SourceOrchestrator = "orchestrator"
	SourcePermissions  = "permissions"
)

// BuildProcessSubject creates a process lifecycle subject for a specific session
func BuildProcessSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildSessionSubject creates a session lifecycle subject for a specific session
func BuildSessionSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildPermissionSubject creates a permission subject for a specific request
func BuildPermissionSubject(eventType, requestID string) string {
	return eventType + "." + requestID
}

// BuildProcessWildcardSubject creates a wildcard subscription for all process lifecycle events
func BuildProcessWildcardSubject() string {
	return "process.>"
}

// BuildSessionWildcardSubject creates a wildcard subscription for all session events
func BuildSessionWildcardSubject() string {
	return "session.>"
}

// BuildPermissionWildcardSubject creates a wildcard subscription for all permission events
func BuildPermissionWildcardSubject() string {
	return "permission.>"
}
