package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"appforge/internal/logging"
	"appforge/internal/metrics"
)

// Request is one logical inference operation.
type Request struct {
	Action   AgentActionKey
	Messages []Message
	Context  *InferenceContext
	Schema   *Schema

	// Optional call-site overrides.
	ModelConfig *ModelConfig
	ModelName   string
	MaxTokens   int
	Temperature *float64

	// OnChunk receives the whole text once when no schema is set.
	OnChunk func(chunk string)
}

// Result is a successful inference outcome. Object is set when a schema was given.
type Result struct {
	Text   string
	Object interface{}
	Model  string
	Usage  Usage
}

// ExecutorConfig holds executor defaults.
type ExecutorConfig struct {
	Retry             RetryConfig
	MaxTokens         int
	Temperature       float64
	PromptTokenBudget int
}

// DefaultExecutorConfig returns the standard executor defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Retry:             DefaultRetryConfig(),
		MaxTokens:         16000,
		Temperature:       0.2,
		PromptTokenBudget: 16000,
	}
}

// Executor routes, trims, calls and validates inference requests.
type Executor struct {
	router    *ModelRouter
	providers map[ProviderKind]Provider
	cfg       ExecutorConfig
	sleep     SleepFunc
	logger    *zap.Logger
}

// ExecutorOption customises an Executor.
type ExecutorOption func(*Executor)

// WithProvider registers p for kind, replacing any existing adapter.
func WithProvider(kind ProviderKind, p Provider) ExecutorOption {
	return func(e *Executor) { e.providers[kind] = p }
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn SleepFunc) ExecutorOption {
	return func(e *Executor) { e.sleep = fn }
}

// WithExecutorConfig overrides the defaults.
func WithExecutorConfig(cfg ExecutorConfig) ExecutorOption {
	return func(e *Executor) { e.cfg = cfg }
}

// NewExecutor creates an executor. The provider registry is fixed after construction.
func NewExecutor(router *ModelRouter, opts ...ExecutorOption) *Executor {
	if router == nil {
		router = NewModelRouter(nil)
	}
	e := &Executor{
		router:    router,
		providers: make(map[ProviderKind]Provider),
		cfg:       DefaultExecutorConfig(),
		sleep:     ContextSleep,
		logger:    logging.Component("inference"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Router returns the executor's model router.
func (e *Executor) Router() *ModelRouter { return e.router }

// Execute runs req against the primary model and, if that fails, the fallback.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	res := e.router.Resolve(req.Action, req.Context, req.ModelConfig)
	if req.ModelName != "" {
		res.Primary = ParseModelID(req.ModelName)
		res.Disabled = req.ModelName == ModelDisabled
	}
	if res.Disabled {
		return nil, ErrActionDisabled
	}

	messages, dropped := TrimMessages(req.Messages, e.cfg.PromptTokenBudget)
	if dropped > 0 {
		e.logger.Info("trimmed inference messages",
			zap.String("action", string(req.Action)),
			zap.Int("dropped", dropped),
			zap.Int("estimated_tokens", EstimateTokens(messages)))
	}

	call := Call{
		OperationID:     string(req.Action),
		Messages:        messages,
		Schema:          req.Schema,
		MaxTokens:       e.maxTokens(req, res),
		Temperature:     e.temperature(req, res),
		ReasoningEffort: res.ReasoningEffort,
	}

	attempts := 0
	result, n, err := e.run(ctx, call, res.Primary, true)
	attempts += n
	if err == nil {
		return e.finish(req, result), nil
	}
	if errors.Is(err, ErrCancelled) {
		return nil, err
	}

	if res.Fallback.Raw != "" && res.Fallback.Raw != res.Primary.Raw {
		reason := "error"
		if IsRateLimitError(err) {
			reason = "rate_limit"
		}
		e.logger.Warn("primary model failed, falling back",
			zap.String("action", string(req.Action)),
			zap.String("primary", res.Primary.Raw),
			zap.String("fallback", res.Fallback.Raw),
			zap.Error(err))
		metrics.Get().RecordInferenceFallback(res.Primary.Raw, res.Fallback.Raw, reason)

		result, n, err = e.run(ctx, call, res.Fallback, false)
		attempts += n
		if err == nil {
			return e.finish(req, result), nil
		}
		if errors.Is(err, ErrCancelled) {
			return nil, err
		}
	}

	return nil, &InferenceError{Op: string(req.Action), Model: res.Primary.Raw, Attempts: attempts, Cause: err}
}

// run performs the retry loop for one model. On the primary, a rate-limit
// failure returns at once so the caller can escalate.
func (e *Executor) run(ctx context.Context, call Call, model ModelID, primary bool) (*Result, int, error) {
	provider, ok := e.providers[model.Provider]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s (%s)", ErrNoProvider, model.Raw, model.Provider)
	}
	call.Model = model

	retries := e.cfg.Retry.Retries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	attempts := 0
	for i := 0; i < retries; i++ {
		if ctx.Err() != nil {
			return nil, attempts, ErrCancelled
		}
		attempts++
		call.Attempt = i + 1

		start := time.Now()
		out, err := e.attempt(ctx, provider, &call)
		e.record(call, model, start, out, err)
		if err == nil {
			return out, attempts, nil
		}
		if isCancellation(ctx, err) {
			return nil, attempts, ErrCancelled
		}
		lastErr = err

		rateLimited := IsRateLimitError(err)
		e.logger.Warn("inference attempt failed",
			zap.String("action", call.OperationID),
			zap.String("model", model.Raw),
			zap.Int("attempt", i+1),
			zap.Int("of", retries),
			zap.Bool("rate_limited", rateLimited),
			zap.Error(err))

		if rateLimited && primary {
			return nil, attempts, err
		}
		if i == retries-1 {
			break
		}

		var retryAfter time.Duration
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			retryAfter = apiErr.RetryAfter
		}
		reason := "error"
		if rateLimited {
			reason = "rate_limit"
		}
		metrics.Get().RecordInferenceRetry(call.OperationID, reason)
		if err := e.sleep(ctx, e.cfg.Retry.delay(i, rateLimited, retryAfter)); err != nil {
			return nil, attempts, ErrCancelled
		}
	}
	return nil, attempts, lastErr
}

func (e *Executor) attempt(ctx context.Context, provider Provider, call *Call) (*Result, error) {
	comp, err := provider.Generate(ctx, call)
	if err != nil {
		return nil, err
	}
	out := &Result{Text: comp.Content, Model: call.Model.Raw, Usage: comp.Usage}
	if call.Schema != nil {
		obj, err := call.Schema.Parse(comp.Content)
		if err != nil {
			return nil, err
		}
		out.Object = obj
	}
	return out, nil
}

func (e *Executor) record(call Call, model ModelID, start time.Time, out *Result, err error) {
	outcome := "success"
	var usage Usage
	switch {
	case err == nil:
		usage = out.Usage
	case IsRateLimitError(err):
		outcome = "rate_limited"
	default:
		var schemaErr *SchemaError
		if errors.As(err, &schemaErr) {
			outcome = "invalid_output"
		} else {
			outcome = "error"
		}
	}
	metrics.Get().RecordInference(model.Provider.String(), model.Raw, call.OperationID, outcome,
		time.Since(start), usage.PromptTokens, usage.CompletionTokens)
}

func (e *Executor) finish(req Request, out *Result) *Result {
	if req.OnChunk != nil && req.Schema == nil && out.Text != "" {
		req.OnChunk(out.Text)
	}
	return out
}

func (e *Executor) maxTokens(req Request, res Resolution) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	if res.MaxTokens > 0 {
		return res.MaxTokens
	}
	return e.cfg.MaxTokens
}

func (e *Executor) temperature(req Request, res Resolution) float64 {
	if req.Temperature != nil {
		return *req.Temperature
	}
	if res.Source == "default" {
		return e.cfg.Temperature
	}
	return res.Temperature
}
