// Package agents runs code generation sessions. Each session is owned by a
// single Agent actor that serialises every state mutation on its own
// goroutine and persists after each one.
package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"appforge/internal/ai"
	"appforge/internal/logging"
	"appforge/internal/sandbox"
	"appforge/internal/templates"
)

var (
	ErrAgentStopped       = errors.New("agent stopped")
	ErrAlreadyInitialized = errors.New("agent already initialized")
	ErrNotInitialized     = errors.New("agent not initialized")
	ErrGenerationRunning  = errors.New("code generation is already running")
	ErrDebugRunning       = errors.New("a debug session is running")
	ErrNoSandbox          = errors.New("no sandbox instance for session")
)

// NotFoundError reports an unknown or uninitialized session.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("Agent %s not found", e.ID) }

// SandboxClient is the subset of the sandbox RPC client an agent uses.
type SandboxClient interface {
	CreateInstance(ctx context.Context, templateName, projectName, webhookURL string, envVars map[string]string, opts ...sandbox.CallOption) *sandbox.BootstrapResponse
	WriteFiles(ctx context.Context, instanceID string, files []sandbox.FileObject, commitMessage string) *sandbox.WriteFilesResponse
	GetFiles(ctx context.Context, instanceID string, paths []string) *sandbox.GetFilesResponse
	GetInstanceErrors(ctx context.Context, instanceID string) *sandbox.RuntimeErrorResponse
	ClearInstanceErrors(ctx context.Context, instanceID string) *sandbox.ClearErrorsResponse
	RunStaticAnalysis(ctx context.Context, instanceID string, files []string) *sandbox.StaticAnalysisResponse
	Deploy(ctx context.Context, instanceID string) *sandbox.DeploymentResult
	ShutdownInstance(ctx context.Context, instanceID string) *sandbox.ShutdownResponse
}

// SandboxDialer returns the sandbox client for a session.
type SandboxDialer func(sessionID string) SandboxClient

// FactoryDialer adapts a sandbox.Factory.
func FactoryDialer(f *sandbox.Factory) SandboxDialer {
	return func(sessionID string) SandboxClient { return f.Client(sessionID) }
}

// TemplateChooser picks a template when InitArgs does not carry one.
type TemplateChooser interface {
	GetTemplateForQuery(ctx context.Context, ictx *ai.InferenceContext, query string, images []templates.ImageAttachment) (*sandbox.TemplateDetails, *templates.Selection, error)
}

// Broadcaster delivers events to a session's connected clients.
type Broadcaster interface {
	Broadcast(sessionID string, ev Event)
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(string, Event) {}

// Options tunes agent behaviour.
type Options struct {
	MaxDebugCalls   int
	DebugIterations int
	WebhookBaseURL  string
	// ProtectedPaths overrides DefaultProtectedPaths when non-nil.
	ProtectedPaths []string
}

// Deps are the collaborators shared by every agent.
type Deps struct {
	Store     StateStore
	Executor  *ai.Executor
	Sandbox   SandboxDialer
	Templates TemplateChooser
	Events    Broadcaster
	Options   Options
}

func (d Deps) withDefaults() Deps {
	if d.Store == nil {
		d.Store = NewMemoryStateStore()
	}
	if d.Events == nil {
		d.Events = nopBroadcaster{}
	}
	if d.Options.MaxDebugCalls <= 0 {
		d.Options.MaxDebugCalls = 1
	}
	if d.Options.DebugIterations <= 0 {
		d.Options.DebugIterations = 4
	}
	return d
}

// InitArgs starts a session.
type InitArgs struct {
	Query            string
	UserID           string
	Language         string
	Frameworks       []string
	Hostname         string
	InferenceContext ai.InferenceContext
	Images           []templates.ImageAttachment

	// Template may be preselected by the caller.
	Template  *sandbox.TemplateDetails
	Selection *templates.Selection

	OnBlueprintChunk func(chunk string)
}

// PreviewResult is returned by a deploy.
type PreviewResult struct {
	RunID      string `json:"runId"`
	PreviewURL string `json:"previewURL"`
}

type activity int32

const (
	activityNone activity = iota
	activityGenerating
	activityDebugging
)

type generationRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type actorState struct {
	state *CodeGenState
	run   *generationRun
}

type command func(*actorState)

// Agent owns one session.
type Agent struct {
	id     string
	deps   Deps
	fsm    *PhaseMachine
	guard  *PathGuard
	logger *zap.Logger

	inbox    chan command
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	activity    atomic.Int32
	summary     atomic.Pointer[Summary]
	initialized atomic.Bool
}

func newAgent(state *CodeGenState, deps Deps) *Agent {
	a := &Agent{
		id:      state.SessionID,
		deps:    deps.withDefaults(),
		fsm:     NewPhaseMachine(state.SessionID, state.Phase),
		guard:   NewPathGuard(deps.Options.ProtectedPaths),
		logger:  logging.ForSession("agent", state.SessionID),
		inbox:   make(chan command, 16),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	st := &actorState{state: state}
	a.publish(state)
	go a.loop(st)
	return a
}

// ID returns the session id.
func (a *Agent) ID() string { return a.id }

// Phases returns the lifecycle machine.
func (a *Agent) Phases() *PhaseMachine { return a.fsm }

func (a *Agent) loop(st *actorState) {
	defer close(a.stopped)
	for {
		select {
		case cmd := <-a.inbox:
			cmd(st)
		case <-a.quit:
			return
		}
	}
}

// do runs fn on the actor goroutine and waits for it.
func (a *Agent) do(ctx context.Context, fn func(st *actorState) error) error {
	errc := make(chan error, 1)
	cmd := func(st *actorState) {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("agent command panicked", zap.Any("panic", r))
				errc <- fmt.Errorf("agent command panicked: %v", r)
			}
		}()
		errc <- fn(st)
	}

	select {
	case a.inbox <- cmd:
	case <-a.quit:
		return ErrAgentStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errc:
		return err
	case <-a.stopped:
		return ErrAgentStopped
	}
}

// mutate applies fn to the state, persists it and publishes a new summary.
func (a *Agent) mutate(ctx context.Context, fn func(s *CodeGenState)) error {
	return a.do(ctx, func(st *actorState) error {
		fn(st.state)
		return a.persist(ctx, st.state)
	})
}

func (a *Agent) persist(ctx context.Context, s *CodeGenState) error {
	s.Phase = a.fsm.Current()
	s.UpdatedAt = time.Now().UTC()
	if err := a.deps.Store.Save(context.WithoutCancel(ctx), s); err != nil {
		a.logger.Error("failed to persist agent state", zap.Error(err))
		return fmt.Errorf("persist state: %w", err)
	}
	a.publish(s)
	return nil
}

func (a *Agent) publish(s *CodeGenState) {
	a.summary.Store(summarize(s))
	a.initialized.Store(s.Initialized())
}

// fire applies a lifecycle event. Invalid transitions are logged, not fatal.
func (a *Agent) fire(event AgentEvent, detail string) {
	if err := a.fsm.Fire(event, detail); err != nil {
		a.logger.Debug("ignored lifecycle event", zap.Error(err))
	}
}

// writable drops generated files the path guard refuses.
func (a *Agent) writable(files []FileOutput) []FileOutput {
	allowed, rejected := a.guard.Filter(files)
	for _, r := range rejected {
		a.logger.Warn("dropped generated file", zap.String("path", r.Path), zap.String("reason", r.Error()))
	}
	return allowed
}

func (a *Agent) emit(eventType string, data interface{}) {
	a.deps.Events.Broadcast(a.id, NewEvent(eventType, a.id, data))
}

// claim atomically takes the activity slot if it is free.
func (a *Agent) claim(act activity) bool {
	return a.activity.CompareAndSwap(int32(activityNone), int32(act))
}

func (a *Agent) release(act activity) {
	a.activity.CompareAndSwap(int32(act), int32(activityNone))
}

// IsCodeGenerating reports whether a generation run holds the session.
func (a *Agent) IsCodeGenerating() bool {
	return activity(a.activity.Load()) == activityGenerating
}

// IsDeepDebugging reports whether a debug session holds the session.
func (a *Agent) IsDeepDebugging() bool {
	return activity(a.activity.Load()) == activityDebugging
}

// IsInitialized reports whether the session has been initialized.
func (a *Agent) IsInitialized() bool {
	return a.initialized.Load()
}

// GetSummary returns the last published summary.
func (a *Agent) GetSummary() *Summary {
	s := *a.summary.Load()
	return &s
}

// GetFullState returns a deep copy of the session state.
func (a *Agent) GetFullState(ctx context.Context) (*CodeGenState, error) {
	var out *CodeGenState
	err := a.do(ctx, func(st *actorState) error {
		out = st.state.Copy()
		return nil
	})
	return out, err
}

// SetState replaces the session state and persists it.
func (a *Agent) SetState(ctx context.Context, state *CodeGenState) error {
	if state == nil {
		return errors.New("state is required")
	}
	next := state.Copy()
	next.SessionID = a.id
	next.AgentID = a.id
	return a.do(ctx, func(st *actorState) error {
		a.fsm.Reset(next.Phase)
		st.state = next
		return a.persist(ctx, st.state)
	})
}

// Initialize runs the whole generation pipeline and returns the final state.
func (a *Agent) Initialize(ctx context.Context, args InitArgs) (*CodeGenState, error) {
	if args.Query == "" {
		return nil, errors.New("query is required")
	}
	if !a.claim(activityGenerating) {
		if a.IsDeepDebugging() {
			return nil, ErrDebugRunning
		}
		return nil, ErrGenerationRunning
	}
	succeeded := false
	defer func() {
		a.release(activityGenerating)
		if succeeded {
			a.resumePending()
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	run := &generationRun{cancel: cancel, done: make(chan struct{})}
	defer func() {
		cancel()
		close(run.done)
		_ = a.do(context.Background(), func(st *actorState) error {
			if st.run == run {
				st.run = nil
			}
			return nil
		})
	}()

	err := a.do(ctx, func(st *actorState) error {
		if st.state.Initialized() {
			return ErrAlreadyInitialized
		}
		if err := a.fsm.Fire(EventStart, args.Query); err != nil {
			return err
		}
		s := NewCodeGenState(a.id)
		s.UserID = args.UserID
		s.Query = args.Query
		s.Language = args.Language
		s.Frameworks = args.Frameworks
		s.Hostname = args.Hostname
		s.InferenceContext = args.InferenceContext
		s.InferenceContext.AgentID = a.id
		s.ShouldBeGenerating = true
		s.CurrentDevState = DevStatePhaseGenerating
		if args.Template != nil {
			s.TemplateName = args.Template.Name
		}
		st.state = s
		st.run = run
		return a.persist(ctx, s)
	})
	if err != nil {
		return nil, err
	}

	a.logger.Info("generation started", zap.String("query", truncate(args.Query, 120)))
	a.emit(MsgGenerationStarted, map[string]interface{}{"query": args.Query})

	if err := a.generate(runCtx, args); err != nil {
		a.failGeneration(ctx, err)
		return nil, err
	}
	succeeded = true
	return a.GetFullState(ctx)
}

func (a *Agent) failGeneration(ctx context.Context, err error) {
	if errors.Is(err, ai.ErrCancelled) || errors.Is(err, context.Canceled) {
		a.logger.Info("generation cancelled")
	} else {
		a.logger.Error("generation failed", zap.Error(err))
	}
	a.fire(EventFatalError, err.Error())
	_ = a.mutate(context.WithoutCancel(ctx), func(s *CodeGenState) {
		s.ShouldBeGenerating = false
		s.CurrentDevState = DevStateIdle
	})
	a.emit(MsgError, map[string]interface{}{"error": err.Error()})
}

// DeployToSandbox deploys the session's instance and returns its preview URL.
// A session without an instance is bootstrapped and its files rewritten first.
func (a *Agent) DeployToSandbox(ctx context.Context) (*PreviewResult, error) {
	snap, err := a.GetFullState(ctx)
	if err != nil {
		return nil, err
	}
	if !snap.Initialized() {
		return nil, ErrNotInitialized
	}

	sb := a.deps.Sandbox(a.id)
	instanceID := snap.SandboxInstanceID
	if instanceID == "" {
		instanceID, err = a.bootstrap(ctx, sb, snap)
		if err != nil {
			return nil, err
		}
		if files := toFileObjects(snap.GeneratedFiles); len(files) > 0 {
			if res := sb.WriteFiles(ctx, instanceID, files, "restore generated files"); !res.OK() {
				return nil, fmt.Errorf("failed to restore files: %s", res.ErrorText())
			}
		}
	}

	a.emit(MsgDeploymentStarted, nil)
	res := sb.Deploy(ctx, instanceID)
	if !res.OK() {
		a.emit(MsgDeploymentFailed, map[string]interface{}{"error": res.ErrorText()})
		return nil, fmt.Errorf("deployment failed: %s", res.ErrorText())
	}

	a.fire(EventDeployComplete, res.DeployedURL)
	if err := a.mutate(ctx, func(s *CodeGenState) {
		s.PreviewURL = res.DeployedURL
	}); err != nil {
		return nil, err
	}
	a.emit(MsgDeploymentCompleted, map[string]interface{}{"previewURL": res.DeployedURL})
	a.logger.Info("deployed preview", zap.String("url", res.DeployedURL))
	return &PreviewResult{RunID: instanceID, PreviewURL: res.DeployedURL}, nil
}

// Stop cancels any running generation and ends the actor.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = a.do(ctx, func(st *actorState) error {
			if st.run != nil {
				st.run.cancel()
			}
			return nil
		})
		cancel()
		close(a.quit)
		<-a.stopped
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
