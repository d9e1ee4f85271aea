package agents

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"appforge/internal/ai"
	"appforge/internal/sandbox"
)

// fakeSandbox records calls and serves canned responses.
type fakeSandbox struct {
	mu        sync.Mutex
	calls     []string
	files     map[string]string
	issues    []sandbox.CodeIssue
	createErr string
	deployErr string
	shutdowns []string
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{files: map[string]string{}}
}

func (f *fakeSandbox) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeSandbox) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func ok() sandbox.BaseResponse { return sandbox.BaseResponse{Success: true} }

func failed(msg string) sandbox.BaseResponse { return sandbox.BaseResponse{Error: msg} }

func (f *fakeSandbox) CreateInstance(ctx context.Context, templateName, projectName, webhookURL string, envVars map[string]string, opts ...sandbox.CallOption) *sandbox.BootstrapResponse {
	f.record("create")
	if f.createErr != "" {
		return &sandbox.BootstrapResponse{BaseResponse: failed(f.createErr)}
	}
	return &sandbox.BootstrapResponse{BaseResponse: ok(), RunID: "run-1", PreviewURL: "https://run-1.preview.test"}
}

func (f *fakeSandbox) WriteFiles(ctx context.Context, instanceID string, files []sandbox.FileObject, commitMessage string) *sandbox.WriteFilesResponse {
	f.record("write")
	f.mu.Lock()
	for _, file := range files {
		f.files[file.FilePath] = file.FileContents
	}
	f.mu.Unlock()
	return &sandbox.WriteFilesResponse{BaseResponse: ok()}
}

func (f *fakeSandbox) GetFiles(ctx context.Context, instanceID string, paths []string) *sandbox.GetFilesResponse {
	f.record("get_files")
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &sandbox.GetFilesResponse{BaseResponse: ok()}
	for _, p := range paths {
		if c, exists := f.files[p]; exists {
			out.Files = append(out.Files, sandbox.FileObject{FilePath: p, FileContents: c})
		}
	}
	return out
}

func (f *fakeSandbox) GetInstanceErrors(ctx context.Context, instanceID string) *sandbox.RuntimeErrorResponse {
	f.record("errors")
	return &sandbox.RuntimeErrorResponse{BaseResponse: ok()}
}

func (f *fakeSandbox) ClearInstanceErrors(ctx context.Context, instanceID string) *sandbox.ClearErrorsResponse {
	f.record("clear_errors")
	return &sandbox.ClearErrorsResponse{BaseResponse: ok()}
}

func (f *fakeSandbox) RunStaticAnalysis(ctx context.Context, instanceID string, files []string) *sandbox.StaticAnalysisResponse {
	f.record("analysis")
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &sandbox.StaticAnalysisResponse{BaseResponse: ok()}
	out.Lint.Issues = f.issues
	f.issues = nil
	return out
}

func (f *fakeSandbox) Deploy(ctx context.Context, instanceID string) *sandbox.DeploymentResult {
	f.record("deploy")
	if f.deployErr != "" {
		return &sandbox.DeploymentResult{BaseResponse: failed(f.deployErr)}
	}
	return &sandbox.DeploymentResult{BaseResponse: ok(), DeployedURL: "https://" + instanceID + ".apps.test"}
}

func (f *fakeSandbox) ShutdownInstance(ctx context.Context, instanceID string) *sandbox.ShutdownResponse {
	f.record("shutdown")
	f.mu.Lock()
	f.shutdowns = append(f.shutdowns, instanceID)
	f.mu.Unlock()
	return &sandbox.ShutdownResponse{BaseResponse: ok()}
}

// scriptedModel answers by action name.
type scriptedModel struct {
	mu      sync.Mutex
	actions []string
	answers map[string][]string
	prompts []string
	block   chan struct{}
	// gates holds calls for one operation until the channel closes.
	gates   map[string]chan struct{}
	entered chan string
}

func newScriptedModel() *scriptedModel {
	return &scriptedModel{answers: map[string][]string{
		"blueprint": {mustJSON(map[string]interface{}{
			"title":       "Todo",
			"projectName": "todo-app",
			"description": "A todo list",
			"phases": []map[string]interface{}{
				{"name": "Core", "description": "List and add todos"},
				{"name": "Polish", "description": "Styling"},
			},
		})},
		"firstPhaseImplementation": {mustJSON(map[string]interface{}{
			"files": []map[string]string{{"filePath": "src/App.tsx", "fileContents": "export default 1", "filePurpose": "root"}},
		})},
		"phaseImplementation": {mustJSON(map[string]interface{}{
			"files": []map[string]string{{"filePath": "src/index.css", "fileContents": "body{}"}},
		})},
		"fileRegeneration": {mustJSON(map[string]interface{}{
			"files": []map[string]string{{"filePath": "src/App.tsx", "fileContents": "export default 2"}},
		})},
		"deepDebugger": {mustJSON(map[string]interface{}{
			"analysis": "App.tsx exports a number",
			"done":     true,
			"fixes":    []map[string]string{{"filePath": "src/App.tsx", "fileContents": "export default function App() {}"}},
		})},
	}}
}

func (m *scriptedModel) Generate(ctx context.Context, call *ai.Call) (*ai.Completion, error) {
	if gate := m.gates[call.OperationID]; gate != nil {
		if m.entered != nil {
			m.entered <- call.OperationID
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, call.OperationID)
	var prompt strings.Builder
	for _, msg := range call.Messages {
		prompt.WriteString(msg.Text())
		prompt.WriteString("\n")
	}
	m.prompts = append(m.prompts, prompt.String())
	list := m.answers[call.OperationID]
	if len(list) == 0 {
		return &ai.Completion{Content: "{}"}, nil
	}
	out := list[0]
	if len(list) > 1 {
		m.answers[call.OperationID] = list[1:]
	}
	return &ai.Completion{Content: out}, nil
}

func (m *scriptedModel) Actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.actions...)
}

func (m *scriptedModel) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

func mustJSON(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(raw)
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingBroadcaster) Broadcast(sessionID string, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingBroadcaster) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type testEnv struct {
	sandbox *fakeSandbox
	model   *scriptedModel
	store   *MemoryStateStore
	events  *recordingBroadcaster
	dir     *Directory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		sandbox: newFakeSandbox(),
		model:   newScriptedModel(),
		store:   NewMemoryStateStore(),
		events:  &recordingBroadcaster{},
	}
	executor := ai.NewExecutor(ai.NewModelRouter(nil),
		ai.WithProvider(ai.ProviderGeminiCompat, env.model),
		ai.WithProvider(ai.ProviderGeminiNative, env.model),
		ai.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	env.dir = NewDirectory(Deps{
		Store:    env.store,
		Executor: executor,
		Sandbox:  func(string) SandboxClient { return env.sandbox },
		Events:   env.events,
	})
	t.Cleanup(env.dir.Shutdown)
	return env
}

func testTemplate() *sandbox.TemplateDetails {
	return &sandbox.TemplateDetails{
		Name:           "vite-cf-DO-runner",
		Files:          []sandbox.FileObject{{FilePath: "package.json", FileContents: "{}"}},
		ImportantFiles: []string{"package.json"},
	}
}

func initArgs() InitArgs {
	return InitArgs{
		Query:      "build a todo app",
		UserID:     "user-1",
		Language:   "typescript",
		Frameworks: []string{"react", "vite"},
		Template:   testTemplate(),
	}
}

func initializedAgent(t *testing.T, env *testEnv) *Agent {
	t.Helper()
	a, err := env.dir.Get(context.Background(), "session-1")
	require.NoError(t, err)
	_, err = a.Initialize(context.Background(), initArgs())
	require.NoError(t, err)
	return a
}
