package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/irislabs/iris/internal/common/logger"
	"github.com/irislabs/iris/internal/orchestrator"
	"github.com/irislabs/iris/internal/pool"
	"github.com/irislabs/iris/internal/session"
	"github.com/irislabs/iris/internal/teams"
)

type handler struct {
	orch   *orchestrator.Orchestrator
	logger *logger.Logger
}

func newHandler(orch *orchestrator.Orchestrator, log *logger.Logger) *handler {
	return &handler{
		orch:   orch,
		logger: log.WithFields(zap.String("component", "gateway-api")),
	}
}

// respondError maps domain errors onto HTTP statuses.
func (h *handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, orchestrator.ErrPermissionNotFound),
		errors.Is(err, teams.ErrUnknownTeam):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, teams.ErrInvalidTeamName):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrSessionBusy),
		errors.Is(err, pool.ErrProcessNotFound):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
	}
}

// listSessions returns sessions, optionally filtered by team, status or
// process state.
// GET /api/sessions?from_team=&to_team=&status=&state=
func (h *handler) listSessions(c *gin.Context) {
	filter := session.Filter{
		FromTeam:     c.Query("from_team"),
		ToTeam:       c.Query("to_team"),
		Status:       session.Status(c.Query("status")),
		ProcessState: session.ProcessState(c.Query("state")),
	}

	sessions, err := h.orch.ListSessions(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// getSession returns a single session row.
// GET /api/sessions/:id
func (h *handler) getSession(c *gin.Context) {
	sess, err := h.orch.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// sessionReport returns the session plus cache counters, recent
// messages and transport info.
// GET /api/sessions/:id/report?limit=
func (h *handler) sessionReport(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return
	}

	rep, err := h.orch.ReportByID(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// archiveSession hides a session from active listings. Nothing is
// destroyed and the orchestrator never sets this status itself.
// POST /api/sessions/:id/archive
func (h *handler) archiveSession(c *gin.Context) {
	sessionID := c.Param("id")
	if err := h.orch.ArchiveSession(c.Request.Context(), sessionID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":    "session archived",
		"session_id": sessionID,
	})
}

type sendCommandRequest struct {
	Command string `json:"command"`
}

// sendCommand pushes a raw slash command to the session's live child.
// POST /api/sessions/:id/command
func (h *handler) sendCommand(c *gin.Context) {
	var req sendCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Command == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}

	entry, err := h.orch.SendCommand(c.Request.Context(), c.Param("id"), req.Command)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message":  "command dispatched",
		"entry_id": entry.ID,
	})
}

// pendingPermissions lists unresolved ask-mode permission requests,
// oldest first.
// GET /api/permissions/pending
func (h *handler) pendingPermissions(c *gin.Context) {
	pending := h.orch.PendingPermissions()
	c.JSON(http.StatusOK, gin.H{
		"pending": pending,
		"total":   len(pending),
	})
}

type resolvePermissionRequest struct {
	Approved *bool  `json:"approved"`
	Reason   string `json:"reason"`
}

// resolvePermission settles a pending ask-mode request. The waiting
// child unblocks with the verdict.
// POST /api/permissions/:id/resolve
func (h *handler) resolvePermission(c *gin.Context) {
	var req resolvePermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Approved == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "approved is required"})
		return
	}

	if err := h.orch.ResolvePermission(c.Param("id"), *req.Approved, req.Reason); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "permission resolved",
		"request_id": c.Param("id"),
		"approved":   *req.Approved,
	})
}
