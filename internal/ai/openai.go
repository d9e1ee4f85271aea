package ai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"appforge/internal/logging"
)

// OpenAICompatProvider talks to any endpoint implementing the OpenAI
// Responses and Chat Completions protocols.
type OpenAICompatProvider struct {
	name         string
	apiKey       string
	baseURL      string
	useResponses bool
	httpClient   *http.Client
}

// OpenAIOption customises an OpenAICompatProvider.
type OpenAIOption func(*OpenAICompatProvider)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(p *OpenAICompatProvider) { p.httpClient = c }
}

// WithoutResponsesAPI makes the provider go straight to Chat Completions,
// for endpoints that only implement that protocol.
func WithoutResponsesAPI() OpenAIOption {
	return func(p *OpenAICompatProvider) { p.useResponses = false }
}

// NewOpenAICompatProvider creates a provider for baseURL (e.g. https://api.openai.com/v1).
func NewOpenAICompatProvider(name, apiKey, baseURL string, opts ...OpenAIOption) *OpenAICompatProvider {
	p := &OpenAICompatProvider{
		name:         name,
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		useResponses: true,
		httpClient: &http.Client{
			Timeout: 180 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Generate tries the Responses API first and falls back to Chat Completions.
func (p *OpenAICompatProvider) Generate(ctx context.Context, call *Call) (*Completion, error) {
	if !p.useResponses {
		return p.chat(ctx, call)
	}

	out, err := p.responses(ctx, call)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	logging.L().Debug("responses API failed, falling back to chat completions",
		zap.String("provider", p.name),
		zap.String("model", call.Model.Name),
		zap.Error(err))
	return p.chat(ctx, call)
}

func (p *OpenAICompatProvider) responses(ctx context.Context, call *Call) (*Completion, error) {
	body, err := buildResponsesBody(call)
	if err != nil {
		return nil, err
	}
	raw, err := p.post(ctx, "/responses", body)
	if err != nil {
		return nil, err
	}

	text := gjson.GetBytes(raw, "output_text").String()
	if text == "" {
		// Some servers omit the convenience field; collect output message text.
		var b strings.Builder
		gjson.GetBytes(raw, "output").ForEach(func(_, item gjson.Result) bool {
			item.Get("content").ForEach(func(_, part gjson.Result) bool {
				if t := part.Get("text"); t.Exists() {
					b.WriteString(t.String())
				}
				return true
			})
			return true
		})
		text = b.String()
	}
	if text == "" {
		return nil, fmt.Errorf("%s responses: %w", p.name, ErrEmptyResponse)
	}

	return &Completion{
		Content: text,
		Model:   gjson.GetBytes(raw, "model").String(),
		Usage: Usage{
			PromptTokens:     int(gjson.GetBytes(raw, "usage.input_tokens").Int()),
			CompletionTokens: int(gjson.GetBytes(raw, "usage.output_tokens").Int()),
			TotalTokens:      int(gjson.GetBytes(raw, "usage.total_tokens").Int()),
		},
	}, nil
}

func (p *OpenAICompatProvider) chat(ctx context.Context, call *Call) (*Completion, error) {
	body, err := buildChatBody(call)
	if err != nil {
		return nil, err
	}
	raw, err := p.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}

	if msg := gjson.GetBytes(raw, "error.message"); msg.Exists() {
		return nil, &APIError{Provider: p.name, StatusCode: http.StatusOK, Message: msg.String()}
	}

	text := flattenContent(gjson.GetBytes(raw, "choices.0.message.content"))
	if text == "" {
		return nil, fmt.Errorf("%s chat completions: %w", p.name, ErrEmptyResponse)
	}

	return &Completion{
		Content: text,
		Model:   gjson.GetBytes(raw, "model").String(),
		Usage: Usage{
			PromptTokens:     int(gjson.GetBytes(raw, "usage.prompt_tokens").Int()),
			CompletionTokens: int(gjson.GetBytes(raw, "usage.completion_tokens").Int()),
			TotalTokens:      int(gjson.GetBytes(raw, "usage.total_tokens").Int()),
		},
	}, nil
}

func (p *OpenAICompatProvider) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := gjson.GetBytes(raw, "error.message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return nil, &APIError{
			Provider:   p.name,
			StatusCode: resp.StatusCode,
			Message:    msg,
			RetryAfter: retryAfterSeconds(resp.Header.Get("Retry-After")),
		}
	}
	return raw, nil
}

// buildResponsesBody renders a Responses API request. System prompts become
// the instructions field.
func buildResponsesBody(call *Call) ([]byte, error) {
	system, rest := splitSystem(call.Messages)

	body := []byte(`{}`)
	var err error
	set := func(path string, v interface{}) {
		if err == nil {
			body, err = sjson.SetBytes(body, path, v)
		}
	}

	set("model", call.Model.Name)
	if system != "" {
		set("instructions", system)
	}
	for i, m := range rest {
		set(fmt.Sprintf("input.%d.role", i), string(m.Role))
		set(fmt.Sprintf("input.%d.content", i), m.Text())
	}
	if call.MaxTokens > 0 {
		set("max_output_tokens", call.MaxTokens)
	}
	set("temperature", call.Temperature)
	if call.ReasoningEffort != "" && call.ReasoningEffort != ReasoningNone {
		set("reasoning.effort", string(call.ReasoningEffort))
	}
	if call.Schema != nil {
		set("text.format.type", "json_schema")
		set("text.format.name", schemaName(call))
		set("text.format.strict", true)
		if err == nil {
			body, err = sjson.SetRawBytes(body, "text.format.schema", call.Schema.Raw)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build responses request: %w", err)
	}
	return body, nil
}

// buildChatBody renders a Chat Completions request.
func buildChatBody(call *Call) ([]byte, error) {
	body := []byte(`{}`)
	var err error
	set := func(path string, v interface{}) {
		if err == nil {
			body, err = sjson.SetBytes(body, path, v)
		}
	}

	set("model", call.Model.Name)
	for i, m := range call.Messages {
		set(fmt.Sprintf("messages.%d.role", i), string(m.Role))
		set(fmt.Sprintf("messages.%d.content", i), m.Text())
	}
	if call.MaxTokens > 0 {
		set("max_tokens", call.MaxTokens)
	}
	set("temperature", call.Temperature)
	if call.Schema != nil {
		set("response_format.type", "json_object")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build chat request: %w", err)
	}
	return body, nil
}

func schemaName(call *Call) string {
	if call.OperationID != "" {
		return call.OperationID
	}
	if call.Schema != nil && call.Schema.Name != "" {
		return call.Schema.Name
	}
	return "response"
}

// flattenContent joins the text parts of an array content value.
func flattenContent(v gjson.Result) string {
	if !v.IsArray() {
		return v.String()
	}
	var parts []string
	v.ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			parts = append(parts, t.String())
		} else if part.Type == gjson.String {
			parts = append(parts, part.String())
		}
		return true
	})
	return strings.Join(parts, "")
}

func retryAfterSeconds(h string) time.Duration {
	if h == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
