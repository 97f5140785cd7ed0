package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/irislabs/iris/internal/common/logger"
	"github.com/irislabs/iris/internal/events"
	"github.com/irislabs/iris/internal/events/bus"
	"github.com/irislabs/iris/internal/teams"
)

// ErrPermissionNotFound reports a resolution for a request that is not
// pending (already resolved, timed out, or never existed).
var ErrPermissionNotFound = errors.New("permission request not found")

// PermissionDecision is the verdict returned to the agent's
// permission-prompt tool.
type PermissionDecision struct {
	Allow   bool   `json:"allow"`
	Mode    string `json:"mode"`
	Message string `json:"message,omitempty"`
}

// PendingPermission is one tool-use request awaiting a human decision.
type PendingPermission struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	FromTeam  string    `json:"fromTeam"`
	ToTeam    string    `json:"toTeam"`
	ToolName  string    `json:"toolName"`
	Input     string    `json:"input,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type permissionResolution struct {
	approved bool
	reason   string
}

type pendingPermission struct {
	PendingPermission
	resolve chan permissionResolution
}

// Permissions arbitrates tool-use requests according to each team's
// permission mode. Modes yes, no and forward resolve synchronously; ask
// queues the request, publishes it on the event bus and waits for a
// human verdict, denying when none arrives in time.
type Permissions struct {
	timeout time.Duration
	bus     bus.EventBus
	logger  *logger.Logger
	stopCh  <-chan struct{}

	mu      sync.Mutex
	pending map[string]*pendingPermission
}

func newPermissions(timeout time.Duration, eventBus bus.EventBus, stopCh <-chan struct{}, log *logger.Logger) *Permissions {
	return &Permissions{
		timeout: timeout,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "permissions")),
		stopCh:  stopCh,
		pending: make(map[string]*pendingPermission),
	}
}

// Request resolves one tool-use request against the given mode and
// blocks until a verdict exists. It always returns a decision.
func (p *Permissions) Request(ctx context.Context, req PendingPermission, mode string) PermissionDecision {
	switch mode {
	case teams.PermissionYes:
		return PermissionDecision{Allow: true, Mode: mode}
	case teams.PermissionNo:
		return PermissionDecision{Allow: false, Mode: mode, Message: "tool use denied by team policy"}
	case teams.PermissionForward:
		return PermissionDecision{Allow: false, Mode: mode, Message: "forward mode is not implemented; denied"}
	}

	// ask: queue the request and wait. No verdict means deny.
	pend := &pendingPermission{PendingPermission: req, resolve: make(chan permissionResolution, 1)}
	p.mu.Lock()
	p.pending[req.ID] = pend
	p.mu.Unlock()
	defer p.drop(req.ID)

	p.logger.Info("permission requested",
		zap.String("request_id", req.ID),
		zap.String("session_id", req.SessionID),
		zap.String("tool", req.ToolName))
	p.publish(ctx, events.PermissionRequested, req.ID, map[string]any{
		"requestId": req.ID,
		"sessionId": req.SessionID,
		"fromTeam":  req.FromTeam,
		"toTeam":    req.ToTeam,
		"toolName":  req.ToolName,
		"input":     req.Input,
		"reason":    req.Reason,
	})

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	var dec PermissionDecision
	select {
	case res := <-pend.resolve:
		dec = PermissionDecision{Allow: res.approved, Mode: mode, Message: res.reason}
	case <-timer.C:
		dec = PermissionDecision{Allow: false, Mode: mode, Message: fmt.Sprintf("no decision within %s; denied", p.timeout)}
	case <-ctx.Done():
		dec = PermissionDecision{Allow: false, Mode: mode, Message: "caller went away before a decision; denied"}
	case <-p.stopCh:
		dec = PermissionDecision{Allow: false, Mode: mode, Message: "server shutting down; denied"}
	}

	p.publish(context.WithoutCancel(ctx), events.PermissionResolved, req.ID, map[string]any{
		"requestId": req.ID,
		"sessionId": req.SessionID,
		"approved":  dec.Allow,
		"message":   dec.Message,
	})
	return dec
}

// Resolve delivers a human verdict for a pending request.
func (p *Permissions) Resolve(id string, approved bool, reason string) error {
	p.mu.Lock()
	pend, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPermissionNotFound, id)
	}

	// The channel is buffered; the waiter may have left on its timeout
	// between our lookup and this send, so never block.
	pend.resolve <- permissionResolution{approved: approved, reason: reason}
	return nil
}

// Pending returns the requests currently awaiting a decision, oldest
// first.
func (p *Permissions) Pending() []PendingPermission {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]PendingPermission, 0, len(p.pending))
	for _, pend := range p.pending {
		out = append(out, pend.PendingPermission)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (p *Permissions) drop(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *Permissions) publish(ctx context.Context, eventType, requestID string, data map[string]any) {
	if p.bus == nil {
		return
	}
	subject := events.BuildPermissionSubject(eventType, requestID)
	if err := p.bus.Publish(ctx, subject, bus.NewEvent(eventType, events.SourcePermissions, data)); err != nil {
		p.logger.WithError(err).Warn("failed to publish permission event", zap.String("subject", subject))
	}
}

// Permission arbitrates one tool-use request from a session's agent.
// The session resolves to its target team, whose permission mode
// decides. Unknown sessions and teams deny outright.
func (o *Orchestrator) Permission(ctx context.Context, sessionID, toolName, input, reason string) PermissionDecision {
	sess, err := o.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		o.logger.WithError(err).Warn("permission request for unknown session",
			zap.String("session_id", sessionID))
		return PermissionDecision{Allow: false, Message: "unknown session"}
	}
	team, err := o.registry.Get(sess.ToTeam)
	if err != nil {
		o.logger.WithError(err).Warn("permission request for unknown team",
			zap.String("session_id", sessionID))
		return PermissionDecision{Allow: false, Message: "unknown team"}
	}

	req := PendingPermission{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		FromTeam:  sess.FromTeam,
		ToTeam:    sess.ToTeam,
		ToolName:  toolName,
		Input:     input,
		Reason:    reason,
		CreatedAt: time.Now(),
	}
	return o.perms.Request(ctx, req, team.PermissionMode)
}

// PendingPermissions lists the permission requests awaiting a decision.
func (o *Orchestrator) PendingPermissions() []PendingPermission {
	return o.perms.Pending()
}

// ResolvePermission delivers a human verdict for a pending request.
func (o *Orchestrator) ResolvePermission(id string, approved bool, reason string) error {
	return o.perms.Resolve(id, approved, reason)
}
