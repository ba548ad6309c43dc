package handler

import (
	"net/http"

	"botfleet/internal/service/recovery"
	"botfleet/pkg/store/mysql/model"

	"github.com/gin-gonic/gin"
)

// RecoveryHandler serves recovery events
type RecoveryHandler struct {
	orchestrator *recovery.Orchestrator
}

// NewRecoveryHandler creates a new recovery handler
func NewRecoveryHandler(orchestrator *recovery.Orchestrator) *RecoveryHandler {
	return &RecoveryHandler{orchestrator: orchestrator}
}

// TriggerRequest opens a manual recovery
type TriggerRequest struct {
	NodeID string `json:"node_id" binding:"required"`
	Actor  string `json:"actor"`
}

// Trigger marks a node failed and schedules recovery of its tenants. An already open event for the
// node is returned as is.
func (h *RecoveryHandler) Trigger(c *gin.Context) {
	var req TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Actor == "" {
		req.Actor = "admin"
	}

	ctx := c.Request.Context()
	event, err := h.orchestrator.Trigger(ctx, req.NodeID, model.RecoveryTriggerManual, req.Actor)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.orchestrator.Schedule(ctx, event); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, event)
}

// ListEvents lists recent recovery events
func (h *RecoveryHandler) ListEvents(c *gin.Context) {
	events, err := h.orchestrator.List(c.Request.Context(), queryLimit(c, 50))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// GetEvent returns an event with its items
func (h *RecoveryHandler) GetEvent(c *gin.Context) {
	detail, err := h.orchestrator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// Drive runs a recovery pass over an event now
func (h *RecoveryHandler) Drive(c *gin.Context) {
	event, err := h.orchestrator.Drive(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}
