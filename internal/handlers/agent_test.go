package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/internal/agents"
	"appforge/internal/ai"
	"appforge/pkg/models"
)

func TestStartCodeGeneration_RequestValidation(t *testing.T) {
	t.Run("missing openai key", func(t *testing.T) {
		ts := newTestServer(t)
		ts.cfg.OpenAIAPIKey = "short"
		w := ts.do(http.MethodPost, "/api/agent", gin.H{"query": "todo"}, ts.authed())
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decodeResponse(t, w).Error, "OPENAI_API_KEY is missing")
	})

	t.Run("invalid json", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.do(http.MethodPost, "/api/agent", "{not json", ts.authed())
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decodeResponse(t, w).Error, "Invalid JSON in request body")
	})

	t.Run("missing query", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.do(http.MethodPost, "/api/agent", gin.H{"language": "go"}, ts.authed())
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, `Missing "query" field in request body`, decodeResponse(t, w).Error)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.do(http.MethodPost, "/api/agent", gin.H{"query": "todo"}, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestStartCodeGeneration_Streams(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(http.MethodPost, "/api/agent", gin.H{"query": "build a todo app"}, ts.authed())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/event-stream; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Cache-Control"), "no-cache")

	lines := ndjsonLines(t, w.Body.Bytes())
	require.GreaterOrEqual(t, len(lines), 2)

	first := lines[0]
	agentID := first["agentId"].(string)
	assert.Equal(t, "Code generation started", first["message"])
	assert.Equal(t, "http://example.com/api/agent/"+agentID, first["httpStatusUrl"])

	wsURL, err := url.Parse(first["websocketUrl"].(string))
	require.NoError(t, err)
	assert.Equal(t, "ws", wsURL.Scheme)
	assert.Equal(t, "example.com", wsURL.Host)
	assert.Equal(t, "/api/agent/"+agentID+"/ws", wsURL.Path)
	assert.NotEmpty(t, wsURL.Query().Get("token"))

	tmpl := first["template"].(map[string]interface{})
	assert.Equal(t, "vite-cf-DO-runner", tmpl["name"])
	assert.Len(t, tmpl["files"], 1)

	assert.Contains(t, lines[1], "chunk")
	for _, line := range lines {
		assert.NotContains(t, line, "error")
	}

	a, err := ts.dir.Lookup(context.Background(), agentID)
	require.NoError(t, err)
	state, err := a.GetFullState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "typescript", state.Language)
	assert.Equal(t, []string{"react", "vite"}, state.Frameworks)
	assert.Equal(t, "user-1", state.UserID)
	assert.False(t, state.InferenceContext.EnableRealtimeCodeFix)
	assert.False(t, state.InferenceContext.EnableFastSmartCodeFix)

	var app models.App
	require.NoError(t, ts.db.DB.First(&app, "id = ?", agentID).Error)
	assert.Equal(t, "build a todo app", app.Title)
	assert.Equal(t, "completed", app.Status)
	assert.Equal(t, "user-1", app.UserID)

	var acct models.CreditAccount
	require.NoError(t, ts.db.DB.First(&acct, "user_id = ?", "user-1").Error)
	assert.Equal(t, DefaultMonthlyCredits-1, acct.Balance)
}

func TestStartCodeGeneration_TitleTruncated(t *testing.T) {
	ts := newTestServer(t)
	query := strings.Repeat("a", 150)
	agentID, _ := ts.start(t, query)

	var app models.App
	require.NoError(t, ts.db.DB.First(&app, "id = ?", agentID).Error)
	assert.Len(t, app.Title, 100)
	assert.Equal(t, query, app.OriginalPrompt)
}

func TestStartCodeGeneration_Credits(t *testing.T) {
	t.Run("insufficient", func(t *testing.T) {
		credits := &stubCredits{result: ConsumeResult{OK: false}}
		ts := newTestServer(t, func(d *Deps) { d.Credits = credits })
		w := ts.do(http.MethodPost, "/api/agent", gin.H{"query": "todo"}, ts.authed())
		assert.Equal(t, http.StatusPaymentRequired, w.Code)
		assert.Equal(t, "Insufficient credits. Please upgrade your plan.", decodeResponse(t, w).Error)
		assert.Equal(t, 1, credits.consumed)
	})

	t.Run("credit system errors do not block", func(t *testing.T) {
		ts := newTestServer(t, func(d *Deps) { d.Credits = &stubCredits{ensureErr: errUnavailable} })
		ts.start(t, "todo")
	})

	t.Run("disabled", func(t *testing.T) {
		credits := &stubCredits{result: ConsumeResult{OK: false}}
		ts := newTestServer(t, func(d *Deps) { d.Credits = credits })
		ts.cfg.CreditsEnabled = false
		ts.start(t, "todo")
		assert.Zero(t, credits.consumed)
	})
}

func TestStartCodeGeneration_UserOverridesOnly(t *testing.T) {
	configs := &stubModelConfigs{configs: map[ai.AgentActionKey]MergedModelConfig{
		ai.ActionScreenshotAnalysis: {ModelConfig: ai.ModelConfig{Name: "[gemini]/custom", MaxTokens: 100}, IsUserOverride: true},
		ai.ActionBlueprint:          {ModelConfig: ai.AgentConfig[ai.ActionBlueprint]},
	}}
	ts := newTestServer(t, func(d *Deps) { d.ModelConfigs = configs })
	agentID, _ := ts.start(t, "todo")

	a, err := ts.dir.Lookup(context.Background(), agentID)
	require.NoError(t, err)
	state, err := a.GetFullState(context.Background())
	require.NoError(t, err)
	require.Len(t, state.InferenceContext.UserModelConfigs, 1)
	assert.Equal(t, "[gemini]/custom", state.InferenceContext.UserModelConfigs[ai.ActionScreenshotAnalysis].Name)
}

func TestStartCodeGeneration_ModelConfigErrorUsesDefaults(t *testing.T) {
	ts := newTestServer(t, func(d *Deps) { d.ModelConfigs = &stubModelConfigs{err: errUnavailable} })
	ts.start(t, "todo")
}

func TestStartCodeGeneration_Failures(t *testing.T) {
	t.Run("template selection", func(t *testing.T) {
		ts := newTestServer(t)
		ts.template.err = errors.New("no templates available to select")
		w := ts.do(http.MethodPost, "/api/agent", gin.H{"query": "todo"}, ts.authed())
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("pipeline error is streamed", func(t *testing.T) {
		ts := newTestServer(t)
		ts.sandbox.set(func(s *stubSandbox) { s.createErr = "no capacity" })
		agentID, lines := ts.start(t, "todo")

		last := lines[len(lines)-1]
		assert.Contains(t, last["error"], "no capacity")

		var app models.App
		require.NoError(t, ts.db.DB.First(&app, "id = ?", agentID).Error)
		assert.Equal(t, "failed", app.Status)
	})
}

func TestConnectToExistingAgent(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/api/agent/unknown", nil, ts.authed())
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Agent instance not found or not initialized", decodeResponse(t, w).Error)

	agentID, _ := ts.start(t, "todo")
	w = ts.do(http.MethodGet, "/api/agent/"+agentID, nil, ts.authed())
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, agentID, data["agentId"])

	wsURL, err := url.Parse(data["websocketUrl"].(string))
	require.NoError(t, err)
	token := wsURL.Query().Get("token")
	require.NotEmpty(t, token)

	v := ts.tokens.ValidateAndConsume(context.Background(), token, agentID)
	assert.True(t, v.Valid)
	assert.Equal(t, "user-1", v.UserID)
}

func TestHandleWebSocket_Rejections(t *testing.T) {
	ts := newTestServer(t)
	agentID, _ := ts.start(t, "todo")
	path := "/api/agent/" + agentID + "/ws"
	upgrade := map[string]string{
		"Connection":            "Upgrade",
		"Upgrade":               "websocket",
		"Sec-WebSocket-Version": "13",
		"Sec-WebSocket-Key":     "dGhlIHNhbXBsZSBub25jZQ==",
	}
	with := func(base map[string]string, extra map[string]string) map[string]string {
		out := map[string]string{}
		for k, v := range base {
			out[k] = v
		}
		for k, v := range extra {
			out[k] = v
		}
		return out
	}

	w := ts.do(http.MethodGet, path, nil, ts.authed())
	assert.Equal(t, http.StatusUpgradeRequired, w.Code)
	assert.Equal(t, "Expected WebSocket upgrade", w.Body.String())

	w = ts.do(http.MethodGet, path, nil, with(upgrade, map[string]string{"Origin": "https://evil.example.net"}))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Forbidden: Invalid origin", w.Body.String())

	w = ts.do(http.MethodGet, path, nil, with(upgrade, map[string]string{"Origin": "https://app.example.com"}))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(http.MethodGet, path+"?token=forged", nil, with(upgrade, map[string]string{"Origin": "https://app.example.com"}))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleWebSocket_Connects(t *testing.T) {
	ts := newTestServer(t)
	agentID, lines := ts.start(t, "todo")

	srv := httptest.NewServer(ts.router)
	defer srv.Close()

	issued, err := url.Parse(lines[0]["websocketUrl"].(string))
	require.NoError(t, err)
	target := "ws" + strings.TrimPrefix(srv.URL, "http") + issued.Path + "?" + issued.RawQuery

	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	require.NoError(t, err)
	defer conn.Close()

	var greeting agents.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&greeting))
	assert.Equal(t, agents.MsgConnected, greeting.Type)
	assert.Equal(t, agentID, greeting.SessionID)

	require.NoError(t, conn.WriteJSON(agents.ClientMessage{Type: agents.ClientGetState}))
	var state agents.Event
	require.NoError(t, conn.ReadJSON(&state))
	assert.Equal(t, agents.MsgState, state.Type)

	// the token was single use
	_, resp, err := websocket.DefaultDialer.Dial(target, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func wsUpgradeHeaders(origin string) map[string]string {
	return map[string]string{
		"Connection":            "Upgrade",
		"Upgrade":               "websocket",
		"Sec-WebSocket-Version": "13",
		"Sec-WebSocket-Key":     "dGhlIHNhbXBsZSBub25jZQ==",
		"Origin":                origin,
	}
}

func TestHandleWebSocket_RejectedOriginKeepsToken(t *testing.T) {
	ts := newTestServer(t)
	agentID, _ := ts.start(t, "todo")

	token, err := ts.tokens.Issue(context.Background(), "user-1", agentID, 0)
	require.NoError(t, err)

	w := ts.do(http.MethodGet, "/api/agent/"+agentID+"/ws?token="+token, nil, wsUpgradeHeaders("https://evil.example.net"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	v := ts.tokens.ValidateAndConsume(context.Background(), token, agentID)
	assert.True(t, v.Valid)
	assert.Equal(t, "user-1", v.UserID)
}

func TestHandleWebSocket_UnknownAgent(t *testing.T) {
	ts := newTestServer(t)

	token, err := ts.tokens.Issue(context.Background(), "user-1", "ghost", 0)
	require.NoError(t, err)

	w := ts.do(http.MethodGet, "/api/agent/ghost/ws?token="+token, nil, wsUpgradeHeaders("https://app.example.com"))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Agent instance not found or not initialized", decodeResponse(t, w).Error)

	_, err = ts.dir.Lookup(context.Background(), "ghost")
	var nf *agents.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestAgentRoutes_OtherUsersSession(t *testing.T) {
	ts := newTestServer(t)
	agentID, _ := ts.start(t, "todo")

	otherJWT, _, err := ts.auth.GenerateToken("user-2", "other@example.com", "user")
	require.NoError(t, err)
	other := map[string]string{"Authorization": "Bearer " + otherJWT}
	base := "/api/agent/" + agentID

	w := ts.do(http.MethodGet, base, nil, other)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(http.MethodGet, base+"/summary", nil, other)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(http.MethodPost, base+"/clone", nil, other)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(http.MethodPost, base+"/debug", gin.H{"issue": "blank page"}, other)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// answered exactly like an unknown session
	w = ts.do(http.MethodPost, base+"/preview", nil, other)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Failed to deploy preview", decodeResponse(t, w).Error)

	token, err := ts.tokens.Issue(context.Background(), "user-2", agentID, 0)
	require.NoError(t, err)
	w = ts.do(http.MethodGet, base+"/ws?token="+token, nil, wsUpgradeHeaders("https://app.example.com"))
	assert.Equal(t, http.StatusNotFound, w.Code)

	// the owner still gets through
	w = ts.do(http.MethodGet, base+"/summary", nil, ts.authed())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-1", decodeResponse(t, w).Data.(map[string]interface{})["userId"])
}

func TestDeployPreview(t *testing.T) {
	ts := newTestServer(t)
	agentID, _ := ts.start(t, "todo")

	w := ts.do(http.MethodPost, "/api/agent/"+agentID+"/preview", nil, ts.authed())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := decodeResponse(t, w).Data.(map[string]interface{})
	assert.Equal(t, "https://run-1.apps.test", data["previewURL"])
	assert.Equal(t, "run-1", data["instanceId"])

	ts.sandbox.set(func(s *stubSandbox) { s.deployErr = "build failed" })
	w = ts.do(http.MethodPost, "/api/agent/"+agentID+"/preview", nil, ts.authed())
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Failed to deploy preview", decodeResponse(t, w).Error)

	w = ts.do(http.MethodPost, "/api/agent/nobody/preview", nil, ts.authed())
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetSummary(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/api/agent/missing/summary", nil, ts.authed())
	assert.Equal(t, http.StatusNotFound, w.Code)

	agentID, _ := ts.start(t, "build a todo app")
	w = ts.do(http.MethodGet, "/api/agent/"+agentID+"/summary", nil, ts.authed())
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeResponse(t, w).Data.(map[string]interface{})
	assert.Equal(t, agentID, data["sessionId"])
	assert.Equal(t, "build a todo app", data["query"])
	assert.Equal(t, "vite-cf-DO-runner", data["templateName"])
}

func TestCloneAgent(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/agent/ghost/clone", nil, ts.authed())
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Agent ghost not found", decodeResponse(t, w).Error)

	sourceID, _ := ts.start(t, "todo")
	w = ts.do(http.MethodPost, "/api/agent/"+sourceID+"/clone", nil, ts.authed())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	data := decodeResponse(t, w).Data.(map[string]interface{})
	cloneID := data["agentId"].(string)
	assert.NotEqual(t, sourceID, cloneID)
	assert.Contains(t, data["websocketUrl"], "/api/agent/"+cloneID+"/ws?token=")

	var app models.App
	require.NoError(t, ts.db.DB.First(&app, "id = ?", cloneID).Error)
	require.NotNil(t, app.ParentAppID)
	assert.Equal(t, sourceID, *app.ParentAppID)
}

func TestDeepDebug(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/agent/x/debug", gin.H{}, ts.authed())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodPost, "/api/agent/x/debug", gin.H{"issue": "blank page"}, ts.authed())
	assert.Equal(t, http.StatusNotFound, w.Code)

	agentID, _ := ts.start(t, "todo")
	w = ts.do(http.MethodPost, "/api/agent/"+agentID+"/debug", gin.H{"issue": "blank page", "focus_paths": []string{"src/App.tsx"}}, ts.authed())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := decodeResponse(t, w).Data.(map[string]interface{})
	assert.Contains(t, data["transcript"], "App.tsx exports a number")
}

func TestIsRefusalCode(t *testing.T) {
	assert.True(t, isRefusalCode("CALL_LIMIT_EXCEEDED"))
	assert.True(t, isRefusalCode("GENERATION_IN_PROGRESS"))
	assert.True(t, isRefusalCode("DEBUG_IN_PROGRESS"))
	assert.False(t, isRefusalCode("deployment failed"))
}

func TestWebsocketURLScheme(t *testing.T) {
	ts := newTestServer(t)
	r := gin.New()
	r.GET("/u", func(c *gin.Context) { c.String(http.StatusOK, ts.handler.websocketURL(c, "a1", "")) })

	req := httptest.NewRequest(http.MethodGet, "/u", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "wss://example.com/api/agent/a1/ws", w.Body.String())
}

func TestSandboxWebhook(t *testing.T) {
	ts := newTestServer(t)
	ts.cfg.SandboxAPIKey = "sandbox-key"
	agentID, _ := ts.start(t, "todo")
	path := "/api/agent/" + agentID + "/webhook"
	event := gin.H{"eventType": "runtime_error", "error": gin.H{"message": "TypeError: x is undefined", "source": "App.tsx"}}

	w := ts.do(http.MethodPost, path, event, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	bearer := map[string]string{"Authorization": "Bearer sandbox-key"}
	w = ts.do(http.MethodPost, "/api/agent/ghost/webhook", event, bearer)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(http.MethodPost, path, gin.H{}, bearer)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodPost, path, event, bearer)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	a, err := ts.dir.Lookup(context.Background(), agentID)
	require.NoError(t, err)
	state, err := a.GetFullState(context.Background())
	require.NoError(t, err)
	require.Len(t, state.ClientReportedErrors, 1)
	assert.Equal(t, "TypeError: x is undefined", state.ClientReportedErrors[0].Message)
	assert.False(t, state.ClientReportedErrors[0].Timestamp.IsZero())
}
