package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/claudesmith/claudesmith/internal/common/errors"
	"github.com/claudesmith/claudesmith/internal/common/logger"
)

// Handler holds the HTTP handlers for the session API.
type Handler struct {
	service *Service
	logger  *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(service *Service, log *logger.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  log.WithFields(zap.String("component", "api-handler")),
	}
}

// Execute starts a session.
// POST /api/v1/sessions/:sessionId/execute
func (h *Handler) Execute(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.BadRequest(err.Error()))
		return
	}

	if err := h.service.Execute(c.Request.Context(), sessionID, req.AgentConfig, req.Prompt); err != nil {
		h.logger.Error("failed to start session",
			zap.String("session_id", sessionID),
			zap.Error(err))
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"sessionId": sessionID,
		"status":    "started",
	})
}

// Interrupt stops a running session.
// POST /api/v1/sessions/:sessionId/interrupt
func (h *Handler) Interrupt(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if err := h.service.Interrupt(c.Request.Context(), sessionID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "status": "interrupted"})
}

// Answer delivers answers to a session's pending question.
// POST /api/v1/sessions/:sessionId/answer
func (h *Handler) Answer(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.BadRequest(err.Error()))
		return
	}

	if err := h.service.Answer(sessionID, req.RequestID, req.Answers); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "status": "answered"})
}

// SetPermissionMode switches a running session's permission mode.
// POST /api/v1/sessions/:sessionId/permission-mode
func (h *Handler) SetPermissionMode(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req PermissionModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.BadRequest(err.Error()))
		return
	}

	if err := h.service.SetPermissionMode(c.Request.Context(), sessionID, req.Mode); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "mode": req.Mode})
}

// SetModel switches a running session's model.
// POST /api/v1/sessions/:sessionId/model
func (h *Handler) SetModel(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req ModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.BadRequest(err.Error()))
		return
	}

	if err := h.service.SetModel(c.Request.Context(), sessionID, req.Model); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "model": req.Model})
}

// Rewind restores a session's files to a message checkpoint.
// POST /api/v1/sessions/:sessionId/rewind
func (h *Handler) Rewind(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req RewindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.BadRequest(err.Error()))
		return
	}

	if err := h.service.RewindFiles(c.Request.Context(), sessionID, req.MessageUUID, req.DryRun); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "status": "rewound", "dryRun": req.DryRun})
}

// Timeline returns the session's execution timeline.
// GET /api/v1/sessions/:sessionId/timeline
func (h *Handler) Timeline(c *gin.Context) {
	sessionID := c.Param("sessionId")
	timeline, err := h.service.Timeline(sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "events": timeline})
}

// Destroy tears a session down.
// DELETE /api/v1/sessions/:sessionId
func (h *Handler) Destroy(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if err := h.service.Destroy(c.Request.Context(), sessionID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "status": "destroyed"})
}

// ListSessions returns live session ids.
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.service.Sessions()})
}

// Healthz reports liveness.
// GET /healthz
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func writeError(c *gin.Context, err error) {
	c.JSON(apperrors.HTTPStatus(err), gin.H{"error": err.Error()})
}
