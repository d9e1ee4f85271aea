package agents

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"appforge/internal/logging"
	"appforge/internal/metrics"
)

// AgentPhase is the coarse lifecycle state of a session.
type AgentPhase string

const (
	PhaseIdle         AgentPhase = "idle"
	PhaseInitializing AgentPhase = "initializing"
	PhaseGenerating   AgentPhase = "generating"
	PhaseReviewing    AgentPhase = "reviewing"
	PhaseDebugging    AgentPhase = "debugging"
	PhaseDeployed     AgentPhase = "deployed"
	PhaseFailed       AgentPhase = "failed"
)

// AgentEvent triggers a phase transition.
type AgentEvent string

const (
	EventStart             AgentEvent = "start"
	EventTemplateReady     AgentEvent = "template_ready"
	EventBlueprintReady    AgentEvent = "blueprint_ready"
	EventPhaseComplete     AgentEvent = "phase_complete"
	EventAllPhasesComplete AgentEvent = "all_phases_complete"
	EventDebugStart        AgentEvent = "debug_start"
	EventDebugEnd          AgentEvent = "debug_end"
	EventDeployComplete    AgentEvent = "deploy_complete"
	EventFatalError        AgentEvent = "fatal_error"
	EventResume            AgentEvent = "resume"
)

type transition struct {
	From  AgentPhase
	Event AgentEvent
	To    AgentPhase
}

var validTransitions = []transition{
	{PhaseIdle, EventStart, PhaseInitializing},
	{PhaseInitializing, EventTemplateReady, PhaseInitializing},
	{PhaseInitializing, EventBlueprintReady, PhaseGenerating},

	{PhaseGenerating, EventPhaseComplete, PhaseGenerating},
	{PhaseGenerating, EventAllPhasesComplete, PhaseReviewing},

	// debugging is never entered while generating
	{PhaseReviewing, EventDebugStart, PhaseDebugging},
	{PhaseDeployed, EventDebugStart, PhaseDebugging},
	{PhaseFailed, EventDebugStart, PhaseDebugging},
	{PhaseDebugging, EventDebugEnd, PhaseReviewing},

	{PhaseReviewing, EventDeployComplete, PhaseDeployed},
	{PhaseDeployed, EventDeployComplete, PhaseDeployed},
	{PhaseFailed, EventDeployComplete, PhaseDeployed},

	{PhaseReviewing, EventResume, PhaseGenerating},
	{PhaseDeployed, EventResume, PhaseGenerating},
	{PhaseFailed, EventResume, PhaseGenerating},

	{PhaseInitializing, EventFatalError, PhaseFailed},
	{PhaseGenerating, EventFatalError, PhaseFailed},
	{PhaseReviewing, EventFatalError, PhaseFailed},
	{PhaseDebugging, EventFatalError, PhaseFailed},
}

// PhaseTransition is emitted on every phase change.
type PhaseTransition struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionId"`
	From      AgentPhase `json:"from"`
	To        AgentPhase `json:"to"`
	Event     AgentEvent `json:"event"`
	Timestamp time.Time  `json:"timestamp"`
	Detail    string     `json:"detail,omitempty"`
}

// PhaseMachine guards the session lifecycle.
type PhaseMachine struct {
	mu          sync.RWMutex
	sessionID   string
	phase       AgentPhase
	history     []PhaseTransition
	subscribers []chan PhaseTransition
	logger      *zap.Logger
}

// NewPhaseMachine starts a machine at phase, which is PhaseIdle for new
// sessions and the persisted phase for rehydrated ones.
func NewPhaseMachine(sessionID string, phase AgentPhase) *PhaseMachine {
	if phase == "" {
		phase = PhaseIdle
	}
	return &PhaseMachine{
		sessionID: sessionID,
		phase:     phase,
		history:   make([]PhaseTransition, 0, 16),
		logger:    logging.ForSession("fsm", sessionID),
	}
}

// Current returns the current phase.
func (m *PhaseMachine) Current() AgentPhase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// Can reports whether event is valid from the current phase.
func (m *PhaseMachine) Can(event AgentEvent) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := lookupTransition(m.phase, event)
	return ok
}

// Fire applies event. It returns an error and leaves the phase unchanged if
// the transition is not in the table.
func (m *PhaseMachine) Fire(event AgentEvent, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.phase
	to, ok := lookupTransition(from, event)
	if !ok {
		return fmt.Errorf("invalid transition: phase=%s event=%s", from, event)
	}

	record := PhaseTransition{
		ID:        uuid.New().String(),
		SessionID: m.sessionID,
		From:      from,
		To:        to,
		Event:     event,
		Timestamp: time.Now().UTC(),
		Detail:    detail,
	}
	m.phase = to
	m.history = append(m.history, record)

	for _, ch := range m.subscribers {
		select {
		case ch <- record:
		default:
		}
	}

	metrics.Get().RecordStateTransition(string(from), string(to))
	m.logger.Debug("phase transition",
		zap.String("from", string(from)),
		zap.String("event", string(event)),
		zap.String("to", string(to)))
	return nil
}

// Reset moves the machine to phase without a transition record. Used when a
// whole snapshot is restored.
func (m *PhaseMachine) Reset(phase AgentPhase) {
	if phase == "" {
		phase = PhaseIdle
	}
	m.mu.Lock()
	m.phase = phase
	m.mu.Unlock()
}

// History returns a copy of all transitions so far.
func (m *PhaseMachine) History() []PhaseTransition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PhaseTransition, len(m.history))
	copy(out, m.history)
	return out
}

// Subscribe registers ch for transition records. Slow subscribers miss records.
func (m *PhaseMachine) Subscribe(ch chan PhaseTransition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, ch)
}

// Unsubscribe removes ch.
func (m *PhaseMachine) Unsubscribe(ch chan PhaseTransition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subscribers {
		if s == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			return
		}
	}
}

func lookupTransition(from AgentPhase, event AgentEvent) (AgentPhase, bool) {
	for _, t := range validTransitions {
		if t.From == from && t.Event == event {
			return t.To, true
		}
	}
	return "", false
}
