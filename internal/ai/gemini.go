package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"
)

// GeminiProvider calls Gemini through the native genai client.
type GeminiProvider struct {
	apiKey string

	once   sync.Once
	client *genai.Client
	err    error
}

// NewGeminiProvider creates a provider; the underlying client is built on first use.
func NewGeminiProvider(apiKey string) *GeminiProvider {
	return &GeminiProvider{apiKey: apiKey}
}

var geminiSafetySettings = []*genai.SafetySetting{
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
}

func (g *GeminiProvider) getClient(ctx context.Context) (*genai.Client, error) {
	g.once.Do(func() {
		if g.apiKey == "" {
			g.err = errors.New("gemini API key not configured")
			return
		}
		g.client, g.err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  g.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	return g.client, g.err
}

// Generate sends the conversation as a Gemini history ending in a user turn.
func (g *GeminiProvider) Generate(ctx context.Context, call *Call) (*Completion, error) {
	client, err := g.getClient(ctx)
	if err != nil {
		return nil, err
	}

	contents, err := buildGeminiContents(call.Messages, call.Schema)
	if err != nil {
		return nil, err
	}

	temperature := float32(call.Temperature)
	cfg := &genai.GenerateContentConfig{
		Temperature:    &temperature,
		SafetySettings: geminiSafetySettings,
	}
	if call.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(call.MaxTokens)
	}
	if call.Schema != nil {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := client.Models.GenerateContent(ctx, call.Model.Name, contents, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("gemini generate: %w", err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("gemini: %w", ErrEmptyResponse)
	}

	out := &Completion{Content: text, Model: call.Model.Name}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

// buildGeminiContents converts role messages into Gemini history. System
// prompts are folded into the final user turn, along with the schema
// instruction when structured output is requested.
func buildGeminiContents(messages []Message, schema *Schema) ([]*genai.Content, error) {
	system, rest := splitSystem(messages)
	if len(rest) == 0 {
		return nil, errors.New("gemini: no user message to send")
	}
	last := rest[len(rest)-1]
	if last.Role != RoleUser {
		return nil, fmt.Errorf("gemini: last message must be from the user, got %q", last.Role)
	}

	contents := make([]*genai.Content, 0, len(rest))
	for _, m := range rest[:len(rest)-1] {
		var role genai.Role = genai.RoleUser
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Text(), role))
	}

	prompt := last.Text()
	if system != "" {
		prompt = system + "\n\n---\n\nUSER REQUEST:\n" + prompt
	}
	if schema != nil {
		prompt += "\n\nIMPORTANT: You MUST respond in JSON format that strictly adheres to the following JSON schema:\n" + string(schema.Raw)
	}
	contents = append(contents, genai.NewContentFromText(prompt, genai.RoleUser))
	return contents, nil
}
