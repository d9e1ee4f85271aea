package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"appforge/internal/agents"
	"appforge/internal/ai"
	"appforge/internal/middleware"
	"appforge/internal/templates"
	"appforge/pkg/models"
)

// CodeGenArgs is the body of POST /api/agent.
type CodeGenArgs struct {
	Query            string                      `json:"query"`
	Language         string                      `json:"language,omitempty"`
	Frameworks       []string                    `json:"frameworks,omitempty"`
	SelectedTemplate string                      `json:"selectedTemplate,omitempty"`
	Images           []templates.ImageAttachment `json:"images,omitempty"`
}

var defaultFrameworks = []string{"react", "vite"}

const defaultLanguage = "typescript"

// AgentConnectionData tells a client where to attach to a session.
type AgentConnectionData struct {
	WebsocketURL string `json:"websocketUrl"`
	AgentID      string `json:"agentId"`
}

// AgentPreviewResponse is returned by a successful preview deploy.
type AgentPreviewResponse struct {
	PreviewURL string `json:"previewURL"`
	TunnelURL  string `json:"tunnelURL,omitempty"`
	InstanceID string `json:"instanceId"`
}

// StartCodeGeneration starts a session and streams its progress as NDJSON.
func (h *AgentHandler) StartCodeGeneration(c *gin.Context) {
	if !h.Config.HasUsableOpenAIKey() {
		fail(c, http.StatusBadRequest, "OPENAI_API_KEY is missing. Set it in .dev.vars for local dev or as a Wrangler secret for deployments.", "CONFIG_MISSING")
		return
	}

	var body CodeGenArgs
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, "Invalid JSON in request body: "+err.Error(), "INVALID_REQUEST")
		return
	}
	if body.Query == "" {
		fail(c, http.StatusBadRequest, `Missing "query" field in request body`, "INVALID_REQUEST")
		return
	}

	userID, ok := middleware.GetUserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, "Authentication required", "UNAUTHORIZED")
		return
	}
	ctx := c.Request.Context()

	if h.Credits != nil && h.Config.CreditsEnabled {
		if ok, err := h.chargeGeneration(ctx, userID); err != nil {
			h.logger.Warn("credit system unavailable, skipping credit enforcement", zap.Error(err))
		} else if !ok {
			fail(c, http.StatusPaymentRequired, "Insufficient credits. Please upgrade your plan.", "INSUFFICIENT_CREDITS")
			return
		}
	}

	agentID := uuid.New().String()
	ictx := ai.InferenceContext{
		AgentID:                agentID,
		UserID:                 userID,
		UserModelConfigs:       h.userModelConfigs(ctx, userID),
		EnableRealtimeCodeFix:  false,
		EnableFastSmartCodeFix: false,
	}
	h.logger.Info("initialized inference context",
		zap.String("user_id", userID),
		zap.Int("model_configs", len(ictx.UserModelConfigs)))

	details, selection, err := h.Templates.GetTemplateForQuery(ctx, &ictx, body.Query, body.Images)
	if err != nil {
		h.logger.Error("template selection failed", zap.String("agent_id", agentID), zap.Error(err))
		fail(c, http.StatusInternalServerError, "Failed to start code generation: "+err.Error(), "TEMPLATE_SELECTION_FAILED")
		return
	}

	agent, err := h.Agents.Get(ctx, agentID)
	if err != nil {
		fail(c, http.StatusInternalServerError, "Failed to start code generation: "+err.Error(), "AGENT_UNAVAILABLE")
		return
	}

	if h.Apps != nil {
		title := body.Query
		if len(title) > 100 {
			title = title[:100]
		}
		if err := h.Apps.CreateApp(ctx, &models.App{
			ID:             agentID,
			UserID:         userID,
			Title:          title,
			OriginalPrompt: body.Query,
			FinalPrompt:    body.Query,
			Visibility:     "private",
			Status:         "generating",
			Version:        1,
		}); err != nil {
			h.logger.Warn("failed to pre-create app record", zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	language := body.Language
	if language == "" {
		language = defaultLanguage
	}
	frameworks := body.Frameworks
	if len(frameworks) == 0 {
		frameworks = defaultFrameworks
	}

	c.Header("Content-Type", "text/event-stream; charset=utf-8")
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate, no-transform")
	c.Header("Pragma", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	out := &ndjsonWriter{w: c.Writer}
	out.write(gin.H{
		"message":       "Code generation started",
		"agentId":       agentID,
		"websocketUrl":  h.websocketURL(c, agentID, userID),
		"httpStatusUrl": requestOrigin(c) + "/api/agent/" + agentID,
		"template": gin.H{
			"name":  details.Name,
			"files": templates.ImportantFiles(details),
		},
	})

	h.logger.Info("agent init launched", zap.String("agent_id", agentID))

	// Generation outlives the client; a closed stream only drops chunks.
	runCtx := context.WithoutCancel(ctx)
	state, err := agent.Initialize(runCtx, agents.InitArgs{
		Query:            body.Query,
		UserID:           userID,
		Language:         language,
		Frameworks:       frameworks,
		Hostname:         h.previewHostname(c),
		InferenceContext: ictx,
		Images:           body.Images,
		Template:         details,
		Selection:        selection,
		OnBlueprintChunk: func(chunk string) { out.write(gin.H{"chunk": chunk}) },
	})
	if err != nil {
		h.logger.Error("code generation failed", zap.String("agent_id", agentID), zap.Error(err))
		out.write(gin.H{"error": err.Error()})
		h.setAppStatus(runCtx, agentID, "failed", "")
		return
	}
	h.setAppStatus(runCtx, agentID, "completed", state.PreviewURL)
	h.logger.Info("agent terminated successfully", zap.String("agent_id", agentID))
}

func (h *AgentHandler) chargeGeneration(ctx context.Context, userID string) (bool, error) {
	if err := h.Credits.EnsureCreditsUpToDate(ctx, userID); err != nil {
		return false, err
	}
	res, err := h.Credits.ConsumeCredits(ctx, userID, 1)
	if err != nil {
		return false, err
	}
	return res.OK, nil
}

func (h *AgentHandler) userModelConfigs(ctx context.Context, userID string) map[ai.AgentActionKey]ai.ModelConfig {
	if h.ModelConfigs == nil {
		return nil
	}
	merged, err := h.ModelConfigs.GetUserModelConfigs(ctx, userID)
	if err != nil {
		h.logger.Warn("model config service unavailable, using defaults", zap.Error(err))
		return nil
	}
	return userOverrides(merged)
}

func (h *AgentHandler) setAppStatus(ctx context.Context, agentID, status, deploymentURL string) {
	if h.Apps == nil {
		return
	}
	if err := h.Apps.UpdateAppStatus(ctx, agentID, status, deploymentURL); err != nil {
		h.logger.Warn("failed to update app status", zap.String("agent_id", agentID), zap.Error(err))
	}
}

// ConnectToExistingAgent returns a fresh WebSocket URL for an initialized session.
func (h *AgentHandler) ConnectToExistingAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	if _, err := h.ownedAgent(c, agentID); err != nil {
		fail(c, http.StatusNotFound, "Agent instance not found or not initialized", "AGENT_NOT_FOUND")
		return
	}
	userID, _ := middleware.GetUserID(c)

	c.JSON(http.StatusOK, StandardResponse{
		Success: true,
		Data: AgentConnectionData{
			WebsocketURL: h.websocketURL(c, agentID, userID),
			AgentID:      agentID,
		},
	})
}

// websocketPreflight rejects non-upgrade requests and foreign origins.
func (h *AgentHandler) websocketPreflight(c *gin.Context) {
	if !middleware.IsWebSocketUpgrade(c.Request) {
		c.String(http.StatusUpgradeRequired, "Expected WebSocket upgrade")
		c.Abort()
		return
	}
	if !middleware.ValidateWebSocketOrigin(c.Request, h.Config.AllowedOrigins, h.logger) {
		c.String(http.StatusForbidden, "Forbidden: Invalid origin")
		c.Abort()
		return
	}
	c.Next()
}

// HandleWebSocket attaches a client to a session's event stream.
func (h *AgentHandler) HandleWebSocket(c *gin.Context) {
	agentID := c.Param("agentId")
	userID, ok := middleware.GetUserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, "Missing user", "UNAUTHORIZED")
		return
	}

	agent, err := h.ownedAgent(c, agentID)
	if err != nil {
		fail(c, http.StatusNotFound, "Agent instance not found or not initialized", "AGENT_NOT_FOUND")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	h.logger.Info("websocket connected", zap.String("agent_id", agentID), zap.String("user_id", userID))

	var greeting agents.Event
	if state, err := agent.GetFullState(c.Request.Context()); err != nil {
		greeting = agents.NewEvent(agents.MsgError, agentID, gin.H{"error": "Failed to get agent instance: " + err.Error()})
	} else {
		greeting = agents.NewEvent(agents.MsgConnected, agentID, gin.H{"state": state})
	}
	h.Hub.Serve(conn, agentID, userID, greeting)
}

// DeployPreview deploys the session to its sandbox.
func (h *AgentHandler) DeployPreview(c *gin.Context) {
	agentID := c.Param("agentId")
	agent, err := h.ownedAgent(c, agentID)
	if err != nil {
		h.logger.Warn("preview requested for unknown agent", zap.String("agent_id", agentID))
		fail(c, http.StatusInternalServerError, "Failed to deploy preview", "DEPLOY_FAILED")
		return
	}
	preview, err := agent.DeployToSandbox(c.Request.Context())
	if err != nil || preview == nil {
		h.logger.Error("failed to deploy preview", zap.String("agent_id", agentID), zap.Error(err))
		fail(c, http.StatusInternalServerError, "Failed to deploy preview", "DEPLOY_FAILED")
		return
	}
	h.logger.Info("preview deployed", zap.String("agent_id", agentID), zap.String("preview_url", preview.PreviewURL))
	h.setAppStatus(c.Request.Context(), agentID, "completed", preview.PreviewURL)

	c.JSON(http.StatusOK, StandardResponse{
		Success: true,
		Data: AgentPreviewResponse{
			PreviewURL: preview.PreviewURL,
			InstanceID: preview.RunID,
		},
	})
}

// GetSummary returns the session summary without touching the sandbox.
func (h *AgentHandler) GetSummary(c *gin.Context) {
	agent, err := h.ownedAgent(c, c.Param("agentId"))
	if err != nil {
		fail(c, http.StatusNotFound, "Agent instance not found or not initialized", "AGENT_NOT_FOUND")
		return
	}
	c.JSON(http.StatusOK, StandardResponse{Success: true, Data: agent.GetSummary()})
}

// CloneAgent forks a session.
func (h *AgentHandler) CloneAgent(c *gin.Context) {
	sourceID := c.Param("agentId")
	var newID string
	_, err := h.ownedAgent(c, sourceID)
	if err == nil {
		newID, err = h.Agents.Clone(c.Request.Context(), sourceID)
	}
	if err != nil {
		var nf *agents.NotFoundError
		if errors.As(err, &nf) {
			fail(c, http.StatusNotFound, err.Error(), "AGENT_NOT_FOUND")
			return
		}
		h.logger.Error("clone failed", zap.String("agent_id", sourceID), zap.Error(err))
		fail(c, http.StatusInternalServerError, "Failed to clone agent", "CLONE_FAILED")
		return
	}
	userID, _ := middleware.GetUserID(c)

	if h.Apps != nil {
		if clone, err := h.Agents.Lookup(c.Request.Context(), newID); err == nil && clone.GetSummary() != nil {
			s := clone.GetSummary()
			parent := sourceID
			title := s.Query
			if len(title) > 100 {
				title = title[:100]
			}
			if err := h.Apps.CreateApp(c.Request.Context(), &models.App{
				ID:             newID,
				UserID:         userID,
				Title:          title,
				OriginalPrompt: s.Query,
				FinalPrompt:    s.Query,
				Visibility:     "private",
				Status:         "completed",
				ParentAppID:    &parent,
				Version:        1,
			}); err != nil {
				h.logger.Warn("failed to create app record for clone", zap.String("agent_id", newID), zap.Error(err))
			}
		}
	}

	c.JSON(http.StatusCreated, StandardResponse{
		Success: true,
		Data: AgentConnectionData{
			WebsocketURL: h.websocketURL(c, newID, userID),
			AgentID:      newID,
		},
	})
}

// DeepDebug runs the deep_debug tool for a single conversation turn.
func (h *AgentHandler) DeepDebug(c *gin.Context) {
	var args agents.DeepDebugArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request: "+err.Error(), "INVALID_REQUEST")
		return
	}
	agent, err := h.ownedAgent(c, c.Param("agentId"))
	if err != nil {
		fail(c, http.StatusNotFound, "Agent instance not found or not initialized", "AGENT_NOT_FOUND")
		return
	}

	tool := agents.NewDeepDebugTool(agent, h.Config.MaxDebugCalls, nil, nil)
	res := tool.Invoke(c.Request.Context(), args)
	if res.Error != "" {
		status := http.StatusInternalServerError
		if code, _, found := strings.Cut(res.Error, ":"); found && isRefusalCode(code) {
			status = http.StatusConflict
		}
		c.JSON(status, StandardResponse{Success: false, Error: res.Error})
		return
	}
	c.JSON(http.StatusOK, StandardResponse{Success: true, Data: res})
}

// ownedAgent looks up an initialized session. A session owned by another user
// is reported as not found.
func (h *AgentHandler) ownedAgent(c *gin.Context, agentID string) (*agents.Agent, error) {
	agent, err := h.Agents.Lookup(c.Request.Context(), agentID)
	if err != nil {
		return nil, err
	}
	userID, _ := middleware.GetUserID(c)
	if owner := agent.GetSummary().UserID; owner != "" && userID != "" && owner != userID {
		h.logger.Warn("agent access denied", zap.String("agent_id", agentID), zap.String("user_id", userID))
		return nil, &agents.NotFoundError{ID: agentID}
	}
	return agent, nil
}

func isRefusalCode(code string) bool {
	switch code {
	case "GENERATION_IN_PROGRESS", "DEBUG_IN_PROGRESS", "CALL_LIMIT_EXCEEDED":
		return true
	}
	return false
}

// websocketURL builds the session socket URL with a single-use token.
// Token failures leave the URL bare.
func (h *AgentHandler) websocketURL(c *gin.Context, agentID, userID string) string {
	scheme := "ws"
	if requestScheme(c) == "https" {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: c.Request.Host, Path: "/api/agent/" + agentID + "/ws"}
	if h.Tokens != nil && userID != "" {
		token, err := h.Tokens.Issue(c.Request.Context(), userID, agentID, h.Config.WSTokenTTL)
		if err != nil {
			h.logger.Warn("failed to issue websocket token", zap.String("agent_id", agentID), zap.Error(err))
		} else {
			u.RawQuery = url.Values{"token": {token}}.Encode()
		}
	}
	return u.String()
}

// previewHostname is the host generated apps are previewed on.
func (h *AgentHandler) previewHostname(c *gin.Context) string {
	host := c.Request.Host
	if strings.HasPrefix(host, "localhost") || h.Config.PublicHost == "" {
		return host
	}
	return h.Config.PublicHost
}

func requestScheme(c *gin.Context) string {
	if c.Request.TLS != nil {
		return "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		return strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	return "http"
}

func requestOrigin(c *gin.Context) string {
	return requestScheme(c) + "://" + c.Request.Host
}

// ndjsonWriter writes one JSON value per line and flushes. Writes after the
// client has gone are dropped.
type ndjsonWriter struct {
	mu     sync.Mutex
	w      gin.ResponseWriter
	broken bool
}

func (n *ndjsonWriter) write(v interface{}) {
	line, err := json.Marshal(v)
	if err != nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.broken {
		return
	}
	if _, err := n.w.Write(append(line, '\n')); err != nil {
		n.broken = true
		return
	}
	n.w.Flush()
}
