package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"appforge/internal/logging"
	"appforge/internal/metrics"
)

// Directory creates or fetches the single actor for each session id.
type Directory struct {
	mu     sync.Mutex
	agents map[string]*Agent
	deps   Deps
	logger *zap.Logger
}

// NewDirectory creates an empty directory.
func NewDirectory(deps Deps) *Directory {
	return &Directory{
		agents: make(map[string]*Agent),
		deps:   deps.withDefaults(),
		logger: logging.Component("agent-directory"),
	}
}

// Options returns the agent options in effect.
func (d *Directory) Options() Options { return d.deps.Options }

// Get returns the actor for id, rehydrating it from the store or creating an
// empty one.
func (d *Directory) Get(ctx context.Context, id string) (*Agent, error) {
	return d.load(ctx, id, true)
}

// Lookup returns an initialized actor or a NotFoundError. Unknown ids do not
// create an actor.
func (d *Directory) Lookup(ctx context.Context, id string) (*Agent, error) {
	a, err := d.load(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if !a.IsInitialized() {
		return nil, &NotFoundError{ID: id}
	}
	return a, nil
}

func (d *Directory) load(ctx context.Context, id string, create bool) (*Agent, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("agent id is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.agents[id]; ok {
		return a, nil
	}

	state, err := d.deps.Store.Load(ctx, id)
	switch {
	case errors.Is(err, ErrStateNotFound):
		if !create {
			return nil, &NotFoundError{ID: id}
		}
		state = NewCodeGenState(id)
	case err != nil:
		return nil, err
	default:
		d.logger.Info("rehydrated agent", zap.String("session_id", id), zap.String("phase", string(state.Phase)))
		state = rehydrate(state)
	}

	a := newAgent(state, d.deps)
	d.agents[id] = a
	metrics.Get().ActiveAgents.Inc()
	return a, nil
}

// rehydrate clears what cannot survive a restart. A run that was in flight
// is gone, so transient phases become failed.
func rehydrate(s *CodeGenState) *CodeGenState {
	switch s.Phase {
	case PhaseInitializing, PhaseGenerating, PhaseDebugging:
		s.Phase = PhaseFailed
		s.ShouldBeGenerating = false
		s.CurrentDevState = DevStateIdle
	}
	if s.GeneratedFiles == nil {
		s.GeneratedFiles = map[string]FileOutput{}
	}
	return s
}

// Clone forks sourceID into a new session and returns its id. The source
// must be initialized and is not modified.
func (d *Directory) Clone(ctx context.Context, sourceID string) (string, error) {
	src, err := d.Lookup(ctx, sourceID)
	if err != nil {
		return "", err
	}
	state, err := src.GetFullState(ctx)
	if err != nil {
		return "", err
	}

	newID := uuid.New().String()
	state.SessionID = newID
	state.AgentID = newID
	state.InferenceContext.AgentID = newID
	state.resetSessionScoped()
	switch state.Phase {
	case PhaseInitializing, PhaseGenerating, PhaseDebugging, PhaseDeployed:
		state.Phase = PhaseReviewing
	}

	if err := d.deps.Store.Save(ctx, state); err != nil {
		return "", fmt.Errorf("save cloned session: %w", err)
	}

	d.mu.Lock()
	d.agents[newID] = newAgent(state, d.deps)
	d.mu.Unlock()
	metrics.Get().ActiveAgents.Inc()

	d.logger.Info("cloned agent", zap.String("source", sourceID), zap.String("clone", newID))
	return newID, nil
}

// Delete stops the actor, shuts down its sandbox instance and removes its state.
func (d *Directory) Delete(ctx context.Context, id string) error {
	d.mu.Lock()
	a, ok := d.agents[id]
	delete(d.agents, id)
	d.mu.Unlock()

	if ok {
		if state, err := a.GetFullState(ctx); err == nil && state.SandboxInstanceID != "" && d.deps.Sandbox != nil {
			if res := d.deps.Sandbox(id).ShutdownInstance(ctx, state.SandboxInstanceID); !res.OK() {
				d.logger.Warn("failed to shut down sandbox instance",
					zap.String("session_id", id),
					zap.String("error", res.ErrorText()))
			}
		}
		a.Stop()
		metrics.Get().ActiveAgents.Dec()
	}
	return d.deps.Store.Delete(ctx, id)
}

// Shutdown stops every actor.
func (d *Directory) Shutdown() {
	d.mu.Lock()
	agents := make([]*Agent, 0, len(d.agents))
	for id, a := range d.agents {
		agents = append(agents, a)
		delete(d.agents, id)
	}
	d.mu.Unlock()

	for _, a := range agents {
		a.Stop()
		metrics.Get().ActiveAgents.Dec()
	}
}

// HandleClientMessage implements ClientMessageHandler.
func (d *Directory) HandleClientMessage(ctx context.Context, sessionID string, msg ClientMessage) []Event {
	a, err := d.Lookup(ctx, sessionID)
	if err != nil {
		return []Event{NewEvent(MsgError, sessionID, map[string]string{"error": err.Error()})}
	}

	switch msg.Type {
	case ClientGetState:
		state, err := a.GetFullState(ctx)
		if err != nil {
			return []Event{NewEvent(MsgError, sessionID, map[string]string{"error": err.Error()})}
		}
		return []Event{NewEvent(MsgState, sessionID, state)}

	case ClientUserSuggestion:
		if err := a.QueueUserSuggestion(ctx, msg.Content); err != nil {
			return []Event{NewEvent(MsgError, sessionID, map[string]string{"error": err.Error()})}
		}
		return nil

	case ClientReportError:
		ce := ClientError{Message: msg.Content}
		if msg.Error != nil {
			ce = *msg.Error
		}
		if ce.Message == "" {
			return nil
		}
		if err := a.ReportClientError(ctx, ce); err != nil {
			return []Event{NewEvent(MsgError, sessionID, map[string]string{"error": err.Error()})}
		}
		return nil

	case ClientDeploy:
		go func() {
			if _, err := a.DeployToSandbox(context.Background()); err != nil {
				d.logger.Warn("client requested deploy failed", zap.String("session_id", sessionID), zap.Error(err))
			}
		}()
		return nil

	default:
		return []Event{NewEvent(MsgError, sessionID, map[string]string{"error": "unknown message type: " + msg.Type})}
	}
}
