package ai

// AgentActionKey names a logical inference action performed by the agent.
type AgentActionKey string

const (
	ActionTemplateSelection        AgentActionKey = "templateSelection"
	ActionBlueprint                AgentActionKey = "blueprint"
	ActionProjectSetup             AgentActionKey = "projectSetup"
	ActionPhaseGeneration          AgentActionKey = "phaseGeneration"
	ActionFirstPhaseImplementation AgentActionKey = "firstPhaseImplementation"
	ActionPhaseImplementation      AgentActionKey = "phaseImplementation"
	ActionRealtimeCodeFixer        AgentActionKey = "realtimeCodeFixer"
	ActionFastCodeFixer            AgentActionKey = "fastCodeFixer"
	ActionConversationalResponse   AgentActionKey = "conversationalResponse"
	ActionDeepDebugger             AgentActionKey = "deepDebugger"
	ActionCodeReview               AgentActionKey = "codeReview"
	ActionFileRegeneration         AgentActionKey = "fileRegeneration"
	ActionScreenshotAnalysis       AgentActionKey = "screenshotAnalysis"
)

// AllActionKeys returns every known action in a stable order.
func AllActionKeys() []AgentActionKey {
	return []AgentActionKey{
		ActionTemplateSelection,
		ActionBlueprint,
		ActionProjectSetup,
		ActionPhaseGeneration,
		ActionFirstPhaseImplementation,
		ActionPhaseImplementation,
		ActionRealtimeCodeFixer,
		ActionFastCodeFixer,
		ActionConversationalResponse,
		ActionDeepDebugger,
		ActionCodeReview,
		ActionFileRegeneration,
		ActionScreenshotAnalysis,
	}
}

// IsValidActionKey reports whether key names a known action.
func IsValidActionKey(key string) bool {
	_, ok := AgentConfig[AgentActionKey(key)]
	return ok
}

// ReasoningEffort is forwarded to providers that support it.
type ReasoningEffort string

const (
	ReasoningNone   ReasoningEffort = "none"
	ReasoningLow    ReasoningEffort = "low"
	ReasoningMedium ReasoningEffort = "medium"
	ReasoningHigh   ReasoningEffort = "high"
)

// Known model identifiers.
const (
	// ModelDisabled turns an action off entirely; callers skip inference.
	ModelDisabled = "disabled"

	ModelCFLlama31_8B        = "@cf/meta/llama-3.1-8b-instruct"
	ModelCFLlama31_70B       = "@cf/meta/llama-3.1-70b-instruct"
	ModelCFQwen25Coder32B    = "@cf/qwen/qwen2.5-coder-32b-instruct"
	ModelCFDeepSeekR1Qwen32B = "@cf/deepseek-ai/DeepSeek-R1-Distill-Qwen-32B"

	ModelGeminiPro   = "[gemini]/gemini-1.5-pro-latest"
	ModelGeminiFlash = "[gemini]/gemini-1.5-flash-latest"

	// DefaultModel is used when no configuration names a primary model.
	DefaultModel = ModelCFLlama31_8B
	// DefaultFallbackModel is used when no configuration names a fallback.
	DefaultFallbackModel = "google-ai-studio/gemini-2.5-flash"
)

// ModelConfig is the per-action model selection and sampling parameters.
type ModelConfig struct {
	Name            string          `json:"name"`
	ReasoningEffort ReasoningEffort `json:"reasoning_effort,omitempty"`
	MaxTokens       int             `json:"max_tokens,omitempty"`
	Temperature     float64         `json:"temperature"`
	FallbackModel   string          `json:"fallbackModel,omitempty"`
}

// AgentConfig is the static per-action configuration table. Read-only.
var AgentConfig = map[AgentActionKey]ModelConfig{
	ActionTemplateSelection: {
		Name:          ModelGeminiFlash,
		MaxTokens:     2000,
		Temperature:   0.6,
		FallbackModel: ModelGeminiFlash,
	},
	ActionBlueprint: {
		Name:            ModelGeminiPro,
		ReasoningEffort: ReasoningMedium,
		MaxTokens:       64000,
		Temperature:     0.7,
		FallbackModel:   ModelGeminiFlash,
	},
	ActionProjectSetup: {
		Name:            ModelGeminiFlash,
		ReasoningEffort: ReasoningLow,
		MaxTokens:       10000,
		Temperature:     0.2,
		FallbackModel:   ModelGeminiFlash,
	},
	ActionPhaseGeneration: {
		Name:            ModelGeminiPro,
		ReasoningEffort: ReasoningLow,
		MaxTokens:       32000,
		Temperature:     0.2,
		FallbackModel:   ModelGeminiFlash,
	},
	ActionFirstPhaseImplementation: {
		Name:            ModelGeminiPro,
		ReasoningEffort: ReasoningLow,
		MaxTokens:       64000,
		Temperature:     0.2,
		FallbackModel:   ModelGeminiFlash,
	},
	ActionPhaseImplementation: {
		Name:            ModelGeminiPro,
		ReasoningEffort: ReasoningLow,
		MaxTokens:       64000,
		Temperature:     0.2,
		FallbackModel:   ModelGeminiFlash,
	},
	ActionRealtimeCodeFixer: {
		Name:            ModelGeminiFlash,
		ReasoningEffort: ReasoningLow,
		MaxTokens:       32000,
		Temperature:     1,
		FallbackModel:   ModelGeminiFlash,
	},
	ActionFastCodeFixer: {
		Name:          ModelGeminiFlash,
		MaxTokens:     64000,
		Temperature:   0,
		FallbackModel: ModelGeminiFlash,
	},
	ActionConversationalResponse: {
		Name:            ModelGeminiFlash,
		ReasoningEffort: ReasoningLow,
		MaxTokens:       4000,
		Temperature:     0,
		FallbackModel:   ModelGeminiFlash,
	},
	ActionDeepDebugger: {
		Name:            ModelGeminiPro,
		ReasoningEffort: ReasoningHigh,
		MaxTokens:       8000,
		Temperature:     0.5,
		FallbackModel:   ModelGeminiFlash,
	},
	ActionCodeReview: {
		Name:            ModelGeminiPro,
		ReasoningEffort: ReasoningMedium,
		MaxTokens:       32000,
		Temperature:     0.1,
		FallbackModel:   ModelGeminiFlash,
	},
	ActionFileRegeneration: {
		Name:            ModelGeminiPro,
		ReasoningEffort: ReasoningLow,
		MaxTokens:       32000,
		Temperature:     0,
		FallbackModel:   ModelGeminiFlash,
	},
	ActionScreenshotAnalysis: {
		Name:            ModelGeminiPro,
		ReasoningEffort: ReasoningMedium,
		MaxTokens:       8000,
		Temperature:     0.1,
		FallbackModel:   ModelGeminiFlash,
	},
}

// InferenceContext is created once per generation session and carried with
// every inference call made on the session's behalf. Cancellation travels on
// the context.Context passed alongside it.
type InferenceContext struct {
	AgentID                string                         `json:"agentId"`
	UserID                 string                         `json:"userId"`
	UserModelConfigs       map[AgentActionKey]ModelConfig `json:"userModelConfigs,omitempty"`
	EnableRealtimeCodeFix  bool                           `json:"enableRealtimeCodeFix"`
	EnableFastSmartCodeFix bool                           `json:"enableFastSmartCodeFix"`
}
