package ai

import (
	"context"
	"strings"
)

// ProviderKind identifies which adapter serves a model.
type ProviderKind int

const (
	ProviderOpenAI ProviderKind = iota
	ProviderWorkersAI
	ProviderGeminiCompat
	ProviderGeminiNative
)

func (k ProviderKind) String() string {
	switch k {
	case ProviderOpenAI:
		return "openai"
	case ProviderWorkersAI:
		return "workers-ai"
	case ProviderGeminiCompat:
		return "gemini-openai"
	case ProviderGeminiNative:
		return "gemini"
	default:
		return "unknown"
	}
}

const (
	geminiNativePrefix = "google-ai-studio/"
	geminiCompatPrefix = "[gemini]/"
	workersAIPrefix    = "@cf/"
)

// ModelID is a model identifier with its provider resolved once, up front.
type ModelID struct {
	Raw      string       // identifier as configured
	Provider ProviderKind // adapter that serves it
	Name     string       // identifier sent on the wire
}

func (m ModelID) String() string { return m.Raw }

// ParseModelID resolves the provider for a configured model identifier.
//
//	google-ai-studio/<model>  native Gemini client, family after the slash
//	[gemini]/<model>          Google's OpenAI-compatible endpoint
//	@cf/<vendor>/<model>      Workers AI, full id kept
//	<vendor>/<model>, <model> OpenAI, prefix stripped
func ParseModelID(raw string) ModelID {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, geminiNativePrefix):
		return ModelID{Raw: raw, Provider: ProviderGeminiNative, Name: strings.TrimPrefix(raw, geminiNativePrefix)}
	case strings.HasPrefix(raw, geminiCompatPrefix):
		return ModelID{Raw: raw, Provider: ProviderGeminiCompat, Name: strings.TrimPrefix(raw, geminiCompatPrefix)}
	case strings.HasPrefix(raw, workersAIPrefix):
		return ModelID{Raw: raw, Provider: ProviderWorkersAI, Name: raw}
	}
	name := raw
	if i := strings.Index(raw, "/"); i >= 0 {
		name = raw[i+1:]
	}
	return ModelID{Raw: raw, Provider: ProviderOpenAI, Name: name}
}

// Call is a single provider request after routing and trimming.
type Call struct {
	OperationID     string
	Model           ModelID
	Messages        []Message
	Schema          *Schema
	MaxTokens       int
	Temperature     float64
	ReasoningEffort ReasoningEffort
	Attempt         int
}

// Usage reports token accounting when a provider returns it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the raw text a provider produced.
type Completion struct {
	Content string
	Model   string
	Usage   Usage
}

// Provider is implemented by each inference backend adapter.
type Provider interface {
	Generate(ctx context.Context, call *Call) (*Completion, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, call *Call) (*Completion, error)

func (f ProviderFunc) Generate(ctx context.Context, call *Call) (*Completion, error) {
	return f(ctx, call)
}
