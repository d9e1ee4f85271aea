package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"appforge/internal/agents"
	"appforge/internal/ai"
	"appforge/internal/auth"
	"appforge/internal/cache"
	"appforge/internal/config"
	"appforge/internal/db"
	"appforge/internal/middleware"
	"appforge/internal/sandbox"
	"appforge/internal/templates"
	"appforge/internal/wstoken"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubSandbox struct {
	mu        sync.Mutex
	createErr string
	deployErr string
}

func ok() sandbox.BaseResponse { return sandbox.BaseResponse{Success: true} }

func (s *stubSandbox) CreateInstance(ctx context.Context, templateName, projectName, webhookURL string, envVars map[string]string, opts ...sandbox.CallOption) *sandbox.BootstrapResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != "" {
		return &sandbox.BootstrapResponse{BaseResponse: sandbox.BaseResponse{Error: s.createErr}}
	}
	return &sandbox.BootstrapResponse{BaseResponse: ok(), RunID: "run-1", PreviewURL: "https://run-1.preview.test"}
}

func (s *stubSandbox) WriteFiles(ctx context.Context, instanceID string, files []sandbox.FileObject, commitMessage string) *sandbox.WriteFilesResponse {
	return &sandbox.WriteFilesResponse{BaseResponse: ok()}
}

func (s *stubSandbox) GetFiles(ctx context.Context, instanceID string, paths []string) *sandbox.GetFilesResponse {
	return &sandbox.GetFilesResponse{BaseResponse: ok()}
}

func (s *stubSandbox) GetInstanceErrors(ctx context.Context, instanceID string) *sandbox.RuntimeErrorResponse {
	return &sandbox.RuntimeErrorResponse{BaseResponse: ok()}
}

func (s *stubSandbox) ClearInstanceErrors(ctx context.Context, instanceID string) *sandbox.ClearErrorsResponse {
	return &sandbox.ClearErrorsResponse{BaseResponse: ok()}
}

func (s *stubSandbox) RunStaticAnalysis(ctx context.Context, instanceID string, files []string) *sandbox.StaticAnalysisResponse {
	return &sandbox.StaticAnalysisResponse{BaseResponse: ok()}
}

func (s *stubSandbox) Deploy(ctx context.Context, instanceID string) *sandbox.DeploymentResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deployErr != "" {
		return &sandbox.DeploymentResult{BaseResponse: sandbox.BaseResponse{Error: s.deployErr}}
	}
	return &sandbox.DeploymentResult{BaseResponse: ok(), DeployedURL: "https://" + instanceID + ".apps.test"}
}

func (s *stubSandbox) ShutdownInstance(ctx context.Context, instanceID string) *sandbox.ShutdownResponse {
	return &sandbox.ShutdownResponse{BaseResponse: ok()}
}

func (s *stubSandbox) set(fn func(*stubSandbox)) {
	s.mu.Lock()
	fn(s)
	s.mu.Unlock()
}

type stubTemplates struct {
	err error
}

func (s *stubTemplates) GetTemplateForQuery(ctx context.Context, ictx *ai.InferenceContext, query string, images []templates.ImageAttachment) (*sandbox.TemplateDetails, *templates.Selection, error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	name := "vite-cf-DO-runner"
	return &sandbox.TemplateDetails{
		Name: name,
		Files: []sandbox.FileObject{
			{FilePath: "package.json", FileContents: "{}"},
			{FilePath: "src/main.tsx", FileContents: "render()"},
		},
		ImportantFiles: []string{"package.json"},
	}, &templates.Selection{SelectedTemplateName: &name}, nil
}

func jsonAnswer(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(raw)
}

var scriptedAnswers = map[string]string{
	"blueprint": jsonAnswer(map[string]interface{}{
		"title":       "Todo",
		"projectName": "todo-app",
		"description": "A todo list",
		"phases":      []map[string]interface{}{{"name": "Core", "description": "List and add todos"}},
	}),
	"firstPhaseImplementation": jsonAnswer(map[string]interface{}{
		"files": []map[string]string{{"filePath": "src/App.tsx", "fileContents": "export default 1", "filePurpose": "root"}},
	}),
	"phaseImplementation": jsonAnswer(map[string]interface{}{
		"files": []map[string]string{{"filePath": "src/index.css", "fileContents": "body{}"}},
	}),
	"deepDebugger": jsonAnswer(map[string]interface{}{
		"analysis": "App.tsx exports a number",
		"done":     true,
		"fixes":    []map[string]string{{"filePath": "src/App.tsx", "fileContents": "export default function App() {}"}},
	}),
}

func scriptedProvider() ai.Provider {
	return ai.ProviderFunc(func(ctx context.Context, call *ai.Call) (*ai.Completion, error) {
		if answer, found := scriptedAnswers[call.OperationID]; found {
			return &ai.Completion{Content: answer}, nil
		}
		return &ai.Completion{Content: "{}"}, nil
	})
}

type stubCredits struct {
	ensureErr  error
	consumeErr error
	result     ConsumeResult
	consumed   int
}

func (s *stubCredits) EnsureCreditsUpToDate(ctx context.Context, userID string) error {
	return s.ensureErr
}

func (s *stubCredits) ConsumeCredits(ctx context.Context, userID string, amount int) (ConsumeResult, error) {
	if s.consumeErr != nil {
		return ConsumeResult{}, s.consumeErr
	}
	s.consumed += amount
	return s.result, nil
}

type stubModelConfigs struct {
	configs map[ai.AgentActionKey]MergedModelConfig
	err     error
}

func (s *stubModelConfigs) GetUserModelConfigs(ctx context.Context, userID string) (map[ai.AgentActionKey]MergedModelConfig, error) {
	return s.configs, s.err
}

var errUnavailable = errors.New("database unavailable")

type testServer struct {
	router   *gin.Engine
	handler  *AgentHandler
	cfg      *config.Config
	sandbox  *stubSandbox
	dir      *agents.Directory
	hub      *agents.Hub
	db       *db.Database
	tokens   *wstoken.Service
	auth     *auth.AuthService
	apps     *GormAppService
	credits  *GormCreditService
	userJWT  string
	template *stubTemplates
}

func newTestServer(t *testing.T, configure ...func(*Deps)) *testServer {
	t.Helper()

	database, err := db.Open(db.Config{SQLitePath: filepath.Join(t.TempDir(), "handlers.db")})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	mem := cache.NewMemoryCache(time.Minute, 100)
	t.Cleanup(func() { mem.Close() })

	ts := &testServer{
		cfg: &config.Config{
			OpenAIAPIKey:   "sk-test-0123456789",
			CreditsEnabled: true,
			MaxDebugCalls:  1,
			WSTokenTTL:     90 * time.Second,
			AllowedOrigins: []string{"https://app.example.com"},
			PublicHost:     "apps.example.com",
		},
		sandbox:  &stubSandbox{},
		db:       database,
		tokens:   wstoken.NewService(mem, 90*time.Second),
		auth:     auth.NewAuthService("handler-test-secret"),
		apps:     NewGormAppService(database.DB),
		credits:  NewGormCreditService(database.DB),
		template: &stubTemplates{},
	}

	provider := scriptedProvider()
	executor := ai.NewExecutor(ai.NewModelRouter(nil),
		ai.WithProvider(ai.ProviderGeminiCompat, provider),
		ai.WithProvider(ai.ProviderGeminiNative, provider),
		ai.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))

	ts.hub = agents.NewHub(nil)
	t.Cleanup(ts.hub.Close)
	ts.dir = agents.NewDirectory(agents.Deps{
		Store:    agents.NewGormStateStore(database.DB),
		Executor: executor,
		Sandbox:  func(string) agents.SandboxClient { return ts.sandbox },
		Events:   ts.hub,
	})
	ts.hub.SetHandler(ts.dir)
	t.Cleanup(ts.dir.Shutdown)

	deps := Deps{
		Config:       ts.cfg,
		Agents:       ts.dir,
		Hub:          ts.hub,
		Templates:    ts.template,
		Tokens:       ts.tokens,
		Credits:      ts.credits,
		Apps:         ts.apps,
		ModelConfigs: NewGormModelConfigService(database.DB),
	}
	for _, fn := range configure {
		fn(&deps)
	}
	ts.handler = NewAgentHandler(deps)

	ts.router = gin.New()
	ts.handler.RegisterRoutes(ts.router,
		middleware.RequireAuth(ts.auth, ts.tokens),
		middleware.OptionalAuth(ts.auth, ts.tokens))

	ts.userJWT, _, err = ts.auth.GenerateToken("user-1", "user@example.com", "user")
	require.NoError(t, err)
	return ts
}

func (ts *testServer) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) authed() map[string]string {
	return map[string]string{"Authorization": "Bearer " + ts.userJWT}
}

// start runs a full generation and returns the agent id and stream lines.
func (ts *testServer) start(t *testing.T, query string) (string, []map[string]interface{}) {
	t.Helper()
	w := ts.do(http.MethodPost, "/api/agent", gin.H{"query": query}, ts.authed())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	lines := ndjsonLines(t, w.Body.Bytes())
	require.NotEmpty(t, lines)
	id, _ := lines[0]["agentId"].(string)
	require.NotEmpty(t, id)
	return id, lines
}

func ndjsonLines(t *testing.T, body []byte) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line), sc.Text())
		out = append(out, line)
	}
	return out
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) StandardResponse {
	t.Helper()
	var resp StandardResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}
