package agents

import (
	"encoding/json"
	"time"

	"appforge/internal/ai"
)

// DevState tracks where the generation loop is within the current phase.
type DevState string

const (
	DevStateIdle              DevState = "idle"
	DevStatePhaseGenerating   DevState = "phaseGenerating"
	DevStatePhaseImplementing DevState = "phaseImplementing"
	DevStateReviewing         DevState = "reviewing"
	DevStateFinalizing        DevState = "finalizing"
)

// FileOutput is one generated file.
type FileOutput struct {
	FilePath     string `json:"filePath"`
	FileContents string `json:"fileContents"`
	FilePurpose  string `json:"filePurpose,omitempty"`
}

// PhasePlan is one planned implementation step from the blueprint.
type PhasePlan struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Files       []string `json:"files,omitempty"`
}

// Blueprint is the model's plan for the app.
type Blueprint struct {
	Title       string      `json:"title"`
	ProjectName string      `json:"projectName"`
	Description string      `json:"description"`
	Frameworks  []string    `json:"frameworks,omitempty"`
	Views       []string    `json:"views,omitempty"`
	Phases      []PhasePlan `json:"phases"`
}

// PhaseState records a phase once it has been implemented.
type PhaseState struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Files       []FileOutput `json:"files"`
	Completed   bool         `json:"completed"`
	CompletedAt time.Time    `json:"completedAt,omitempty"`
}

// ClientError is an error the browser preview reported back.
type ClientError struct {
	Message   string    `json:"message"`
	Source    string    `json:"source,omitempty"`
	Stack     string    `json:"stack,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CodeGenState is the durable record of one generation session.
type CodeGenState struct {
	SessionID  string   `json:"sessionId"`
	AgentID    string   `json:"agentId"`
	UserID     string   `json:"userId"`
	Query      string   `json:"query"`
	Language   string   `json:"language"`
	Frameworks []string `json:"frameworks"`
	Hostname   string   `json:"hostname"`

	TemplateName string     `json:"templateName"`
	Blueprint    *Blueprint `json:"blueprint,omitempty"`

	GeneratedPhases      []PhaseState          `json:"generatedPhases"`
	GeneratedFiles       map[string]FileOutput `json:"generatedFiles"`
	ConversationMessages []ai.Message          `json:"conversationMessages,omitempty"`

	SandboxInstanceID    string        `json:"sandboxInstanceId,omitempty"`
	PreviewURL           string        `json:"previewUrl,omitempty"`
	PendingUserInputs    []string      `json:"pendingUserInputs"`
	CurrentDevState      DevState      `json:"currentDevState"`
	ShouldBeGenerating   bool          `json:"shouldBeGenerating"`
	ClientReportedErrors []ClientError `json:"clientReportedErrors"`

	Phase            AgentPhase          `json:"phase"`
	InferenceContext ai.InferenceContext `json:"inferenceContext"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewCodeGenState returns an empty state for sessionID.
func NewCodeGenState(sessionID string) *CodeGenState {
	now := time.Now().UTC()
	return &CodeGenState{
		SessionID:            sessionID,
		AgentID:              sessionID,
		GeneratedFiles:       map[string]FileOutput{},
		PendingUserInputs:    []string{},
		ClientReportedErrors: []ClientError{},
		CurrentDevState:      DevStateIdle,
		Phase:                PhaseIdle,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// Copy returns a deep copy of s.
func (s *CodeGenState) Copy() *CodeGenState {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	var out CodeGenState
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return &out
}

// Initialized reports whether Initialize has populated the state.
func (s *CodeGenState) Initialized() bool {
	return s != nil && s.Query != "" && s.TemplateName != ""
}

// resetSessionScoped clears everything tied to a running session, keeping
// the blueprint and history.
func (s *CodeGenState) resetSessionScoped() {
	s.SandboxInstanceID = ""
	s.PreviewURL = ""
	s.PendingUserInputs = []string{}
	s.CurrentDevState = DevStateIdle
	s.ShouldBeGenerating = false
	s.ClientReportedErrors = []ClientError{}
}

// Summary is the lightweight read-only view of a session.
type Summary struct {
	SessionID          string     `json:"sessionId"`
	UserID             string     `json:"userId,omitempty"`
	Query              string     `json:"query"`
	TemplateName       string     `json:"templateName"`
	Phase              AgentPhase `json:"phase"`
	CurrentDevState    DevState   `json:"currentDevState"`
	PhasesCompleted    int        `json:"phasesCompleted"`
	TotalPhases        int        `json:"totalPhases"`
	ShouldBeGenerating bool       `json:"shouldBeGenerating"`
	PreviewURL         string     `json:"previewUrl,omitempty"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

func summarize(s *CodeGenState) *Summary {
	sum := &Summary{
		SessionID:          s.SessionID,
		UserID:             s.UserID,
		Query:              s.Query,
		TemplateName:       s.TemplateName,
		Phase:              s.Phase,
		CurrentDevState:    s.CurrentDevState,
		ShouldBeGenerating: s.ShouldBeGenerating,
		PreviewURL:         s.PreviewURL,
		UpdatedAt:          s.UpdatedAt,
	}
	for _, p := range s.GeneratedPhases {
		if p.Completed {
			sum.PhasesCompleted++
		}
	}
	if s.Blueprint != nil {
		sum.TotalPhases = len(s.Blueprint.Phases)
	}
	return sum
}
