package handlers

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"appforge/internal/agents"
	"appforge/internal/auth"
)

// SandboxEvent is posted by the sandbox service to the webhook URL it was
// given when the instance was created.
type SandboxEvent struct {
	EventType string `json:"eventType" binding:"required"`
	Error     *struct {
		Message   string    `json:"message"`
		Source    string    `json:"source,omitempty"`
		Stack     string    `json:"stack,omitempty"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"error,omitempty"`
}

// SandboxWebhook records runtime errors reported by a session's instance.
// Callers authenticate with the sandbox service API key.
func (h *AgentHandler) SandboxWebhook(c *gin.Context) {
	if key := h.Config.SandboxAPIKey; key != "" {
		got := auth.BearerToken(c.GetHeader("Authorization"))
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			fail(c, http.StatusUnauthorized, "Invalid webhook credentials", "UNAUTHORIZED")
			return
		}
	}

	var ev SandboxEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request: "+err.Error(), "INVALID_REQUEST")
		return
	}
	agentID := c.Param("agentId")
	agent, err := h.Agents.Lookup(c.Request.Context(), agentID)
	if err != nil {
		fail(c, http.StatusNotFound, err.Error(), "AGENT_NOT_FOUND")
		return
	}

	if ev.EventType == "runtime_error" && ev.Error != nil && ev.Error.Message != "" {
		if err := agent.ReportClientError(c.Request.Context(), agents.ClientError{
			Message:   ev.Error.Message,
			Source:    ev.Error.Source,
			Stack:     ev.Error.Stack,
			Timestamp: ev.Error.Timestamp,
		}); err != nil {
			h.logger.Warn("failed to record sandbox error", zap.String("agent_id", agentID), zap.Error(err))
			fail(c, http.StatusInternalServerError, "Failed to record event", "WEBHOOK_FAILED")
			return
		}
	}
	c.JSON(http.StatusOK, StandardResponse{Success: true})
}
