// Package handlers exposes the agent control surface over HTTP and WebSocket.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"appforge/internal/agents"
	"appforge/internal/config"
	"appforge/internal/logging"
	"appforge/internal/wstoken"
)

// StandardResponse represents a standard API response
type StandardResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

func fail(c *gin.Context, status int, msg, code string) {
	c.JSON(status, StandardResponse{Success: false, Error: msg, Code: code})
}

// TokenIssuer issues single-use WebSocket tokens.
type TokenIssuer interface {
	Issue(ctx context.Context, userID, agentID string, ttl time.Duration) (string, error)
}

// Deps are the collaborators of the agent handlers. Credits, Apps and
// ModelConfigs are optional.
type Deps struct {
	Config       *config.Config
	Agents       *agents.Directory
	Hub          *agents.Hub
	Templates    agents.TemplateChooser
	Tokens       TokenIssuer
	Credits      CreditService
	Apps         AppService
	ModelConfigs ModelConfigService
}

// AgentHandler serves /api/agent.
type AgentHandler struct {
	Deps
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewAgentHandler creates the handler.
func NewAgentHandler(deps Deps) *AgentHandler {
	if deps.Config == nil {
		deps.Config = &config.Config{MaxDebugCalls: 1, WSTokenTTL: wstoken.DefaultTTL}
	}
	return &AgentHandler{
		Deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin is checked before the upgrade.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logging.Component("agent-handler"),
	}
}

// RegisterRoutes mounts the agent routes. requireAuth guards the JSON routes.
// The WebSocket route answers 426 and 403 before optionalAuth runs, so a
// rejected upgrade never spends its ticket, and the handler answers 401.
func (h *AgentHandler) RegisterRoutes(r gin.IRouter, requireAuth, optionalAuth gin.HandlerFunc) {
	agent := r.Group("/api/agent")
	agent.POST("", requireAuth, h.StartCodeGeneration)
	agent.GET("/:agentId", requireAuth, h.ConnectToExistingAgent)
	agent.GET("/:agentId/ws", h.websocketPreflight, optionalAuth, h.HandleWebSocket)
	agent.POST("/:agentId/preview", requireAuth, h.DeployPreview)
	agent.GET("/:agentId/summary", requireAuth, h.GetSummary)
	agent.POST("/:agentId/clone", requireAuth, h.CloneAgent)
	agent.POST("/:agentId/debug", requireAuth, h.DeepDebug)
	agent.POST("/:agentId/webhook", h.SandboxWebhook)
}
