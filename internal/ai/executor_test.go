package ai

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProvider struct {
	mu      sync.Mutex
	calls   []string
	respond func(call *Call, n int) (*Completion, error)
}

func (s *scriptedProvider) Generate(ctx context.Context, call *Call) (*Completion, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call.Model.Raw)
	n := len(s.calls)
	s.mu.Unlock()
	return s.respond(call, n)
}

type sleepRecorder struct {
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestExecutor(p Provider, rec *sleepRecorder) *Executor {
	static := map[AgentActionKey]ModelConfig{
		ActionBlueprint: {Name: "openai/primary", FallbackModel: "openai/fallback", Temperature: 0.7},
	}
	return NewExecutor(NewModelRouter(static),
		WithProvider(ProviderOpenAI, p),
		WithSleep(rec.sleep))
}

func TestExecute_Success(t *testing.T) {
	p := &scriptedProvider{respond: func(call *Call, n int) (*Completion, error) {
		assert.InDelta(t, 0.7, call.Temperature, 1e-9)
		assert.Equal(t, 16000, call.MaxTokens)
		return &Completion{Content: "done"}, nil
	}}
	rec := &sleepRecorder{}

	var chunks []string
	out, err := newTestExecutor(p, rec).Execute(context.Background(), Request{
		Action:   ActionBlueprint,
		Messages: []Message{UserMessage("go")},
		OnChunk:  func(c string) { chunks = append(chunks, c) },
	})
	require.NoError(t, err)
	assert.Equal(t, "done", out.Text)
	assert.Equal(t, "openai/primary", out.Model)
	assert.Equal(t, []string{"done"}, chunks)
	assert.Empty(t, rec.delays)
}

func TestExecute_LinearBackoffThenFallback(t *testing.T) {
	p := &scriptedProvider{respond: func(call *Call, n int) (*Completion, error) {
		if call.Model.Raw == "openai/primary" {
			return nil, errors.New("boom")
		}
		return &Completion{Content: "from fallback"}, nil
	}}
	rec := &sleepRecorder{}

	out, err := newTestExecutor(p, rec).Execute(context.Background(), Request{
		Action:   ActionBlueprint,
		Messages: []Message{UserMessage("go")},
	})
	require.NoError(t, err)
	assert.Equal(t, "from fallback", out.Text)
	assert.Equal(t, []string{"openai/primary", "openai/primary", "openai/primary", "openai/fallback"}, p.calls)
	assert.Equal(t, []time.Duration{400 * time.Millisecond, 800 * time.Millisecond}, rec.delays)
}

func TestExecute_RateLimitEscalatesImmediately(t *testing.T) {
	p := &scriptedProvider{respond: func(call *Call, n int) (*Completion, error) {
		if call.Model.Raw == "openai/primary" {
			return nil, &APIError{Provider: "openai", StatusCode: http.StatusTooManyRequests, Message: "slow down"}
		}
		return &Completion{Content: "ok"}, nil
	}}
	rec := &sleepRecorder{}

	_, err := newTestExecutor(p, rec).Execute(context.Background(), Request{
		Action:   ActionBlueprint,
		Messages: []Message{UserMessage("go")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"openai/primary", "openai/fallback"}, p.calls)
	assert.Empty(t, rec.delays)
}

func TestExecute_ExhaustedReturnsInferenceError(t *testing.T) {
	p := &scriptedProvider{respond: func(call *Call, n int) (*Completion, error) {
		return nil, errors.New("quota exceeded")
	}}
	rec := &sleepRecorder{}

	_, err := newTestExecutor(p, rec).Execute(context.Background(), Request{
		Action:   ActionBlueprint,
		Messages: []Message{UserMessage("go")},
	})
	require.Error(t, err)

	var infErr *InferenceError
	require.ErrorAs(t, err, &infErr)
	// One attempt on the primary (rate limited), three on the fallback.
	assert.Equal(t, 4, infErr.Attempts)
	assert.Contains(t, err.Error(), "Inference failed for blueprint after 4 attempts")
	// Fallback rate limits back off exponentially: 400ms, 800ms.
	assert.Equal(t, []time.Duration{400 * time.Millisecond, 800 * time.Millisecond}, rec.delays)
}

func TestExecute_SchemaFailureIsRetried(t *testing.T) {
	schema := MustCompileSchema("templateSelection", templatePickSchema)
	p := &scriptedProvider{respond: func(call *Call, n int) (*Completion, error) {
		if n == 1 {
			return &Completion{Content: `{"wrong":true}`}, nil
		}
		return &Completion{Content: `{"selectedTemplateName":"x","reasoning":"y"}`}, nil
	}}
	rec := &sleepRecorder{}

	var chunks []string
	out, err := newTestExecutor(p, rec).Execute(context.Background(), Request{
		Action:   ActionBlueprint,
		Messages: []Message{UserMessage("go")},
		Schema:   schema,
		OnChunk:  func(c string) { chunks = append(chunks, c) },
	})
	require.NoError(t, err)
	require.NotNil(t, out.Object)
	assert.Len(t, p.calls, 2)
	assert.Empty(t, chunks)
}

func TestExecute_Disabled(t *testing.T) {
	p := &scriptedProvider{respond: func(call *Call, n int) (*Completion, error) {
		t.Fatal("provider must not be called")
		return nil, nil
	}}
	_, err := newTestExecutor(p, &sleepRecorder{}).Execute(context.Background(), Request{
		Action:    ActionBlueprint,
		ModelName: ModelDisabled,
		Messages:  []Message{UserMessage("go")},
	})
	assert.ErrorIs(t, err, ErrActionDisabled)
}

func TestExecute_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &scriptedProvider{respond: func(call *Call, n int) (*Completion, error) {
		cancel()
		return nil, context.Canceled
	}}

	_, err := newTestExecutor(p, &sleepRecorder{}).Execute(ctx, Request{
		Action:   ActionBlueprint,
		Messages: []Message{UserMessage("go")},
	})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, p.calls, 1)
}

func TestExecute_NoProvider(t *testing.T) {
	e := NewExecutor(NewModelRouter(nil), WithSleep((&sleepRecorder{}).sleep))
	_, err := e.Execute(context.Background(), Request{
		Action:   ActionBlueprint,
		Messages: []Message{UserMessage("go")},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestRetryConfigDelay(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.Equal(t, 400*time.Millisecond, cfg.delay(0, false, 0))
	assert.Equal(t, 1200*time.Millisecond, cfg.delay(2, false, 0))
	assert.Equal(t, 1600*time.Millisecond, cfg.delay(2, true, 0))
	assert.Equal(t, 5*time.Second, cfg.delay(0, true, 5*time.Second))
	assert.Equal(t, 10*time.Second, cfg.delay(10, true, 0))
}
