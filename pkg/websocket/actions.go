package websocket

// Action constants for WebSocket messages. Event notifications carry
// the bus event type as their action, so the notification actions here
// mirror the subjects published by the server.
const (
	// Health
	ActionHealthCheck = "health.check"

	// Process lifecycle notifications (server -> client)
	ActionProcessSpawned    = "process.spawned"
	ActionProcessTerminated = "process.terminated"
	ActionProcessError      = "process.error"

	// Session lifecycle notifications (server -> client)
	ActionSessionCreated = "session.created"
	ActionSessionDeleted = "session.deleted"

	// Permission notifications (server -> client)
	ActionPermissionRequested = "permission.requested"
	ActionPermissionResolved  = "permission.resolved"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
