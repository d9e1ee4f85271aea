package sandbox

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
	pauses int
}

func (f *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	f.sleeps = append(f.sleeps, d)
	f.mu.Unlock()
	return ctx.Err()
}

func (f *fakeClock) pause(time.Duration) {
	f.mu.Lock()
	f.pauses++
	f.mu.Unlock()
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *fakeClock) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	q := NewQueue(16)
	t.Cleanup(q.Close)

	clock := &fakeClock{}
	c := NewClient("session-1",
		WithEndpoint(server.URL, "runner-token"),
		WithQueue(q),
		WithClock(clock.sleep, clock.pause, func() time.Duration { return 0 }))
	return c, clock
}

func TestClient_CreateInstance(t *testing.T) {
	c, clock := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/instances", r.URL.Path)
		assert.Equal(t, "Bearer runner-token", r.Header.Get("Authorization"))
		assert.Equal(t, "session-1", r.Header.Get("x-session-id"))
		assert.Equal(t, "reset", r.Header.Get("x-container-action"))

		var body BootstrapRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "vite-cf-DO-runner", body.TemplateName)
		assert.Equal(t, "todo", body.ProjectName)

		_, _ = io.WriteString(w, `{"success":true,"runId":"run-42","previewURL":"https://run-42.preview"}`)
	})

	resp := c.CreateInstance(context.Background(), "vite-cf-DO-runner", "todo", "", nil, WithReset())
	require.True(t, resp.OK(), resp.Error)
	assert.Equal(t, "run-42", resp.RunID)
	assert.Empty(t, resp.Error)
	assert.Equal(t, 1, clock.pauses)
}

func TestClient_NonOKReturnsBodyText(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "instance exploded")
	})

	resp := c.GetInstanceStatus(context.Background(), "run-1")
	assert.False(t, resp.OK())
	assert.Equal(t, "instance exploded", resp.ErrorText())
}

func TestClient_InvalidResponse(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// success without the required deployedUrl
		_, _ = io.WriteString(w, `{"success":true}`)
	})

	resp := c.Deploy(context.Background(), "run-1")
	assert.False(t, resp.OK())
	assert.Equal(t, ErrTextValidation, resp.Error)
}

func TestClient_TransportError(t *testing.T) {
	q := NewQueue(4)
	defer q.Close()
	c := NewClient("s", WithEndpoint("http://127.0.0.1:1", "t"), WithQueue(q),
		WithClock(nil, func(time.Duration) {}, nil))

	resp := c.ListAllInstances(context.Background())
	assert.False(t, resp.OK())
	assert.Equal(t, ErrTextRequest, resp.Error)
}

func TestClient_RetryAfterThenSuccess(t *testing.T) {
	var calls atomic.Int32
	c, clock := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, `{"success":true,"results":[{"command":"bun install","success":true,"exitCode":0}]}`)
	})

	resp := c.ExecuteCommands(context.Background(), "run-1", []string{"bun install"}, 0)
	require.True(t, resp.OK(), resp.Error)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, []time.Duration{2 * time.Second}, clock.sleeps)
}

func TestClient_RateLimitExhausted(t *testing.T) {
	var calls atomic.Int32
	c, clock := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	resp := c.GetInstanceErrors(context.Background(), "run-1")
	assert.False(t, resp.OK())
	assert.Equal(t, ErrTextRateLimit, resp.Error)
	assert.Equal(t, int32(maxRateLimitRetries), calls.Load())
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, clock.sleeps)
}

func TestClient_CancelledBeforeDispatch(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := c.ShutdownInstance(ctx, "run-1")
	assert.False(t, resp.OK())
	assert.Equal(t, ErrTextCancelled, resp.Error)
	assert.Zero(t, calls.Load())
}

func TestClient_InvalidRequestNotSent(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	resp := c.WriteFiles(context.Background(), "run-1", []FileObject{{FilePath: ""}}, "")
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Error, ErrTextInvalidInput)
	assert.Zero(t, calls.Load())
}

func TestClient_QueryEncoding(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/instances/run-1/files":
			assert.Equal(t, `["src/App.tsx","package.json"]`, r.URL.Query().Get("filePaths"))
			_, _ = io.WriteString(w, `{"success":true,"files":[{"filePath":"src/App.tsx","fileContents":"x"}]}`)
		case "/instances/run-1/logs":
			assert.Equal(t, "true", r.URL.Query().Get("reset"))
			assert.Equal(t, "30", r.URL.Query().Get("duration"))
			_, _ = io.WriteString(w, `{"success":true,"logs":{"stdout":"ok","stderr":""}}`)
		case "/instances/run-1/analysis":
			assert.Equal(t, "a.ts,b.ts", r.URL.Query().Get("files"))
			_, _ = io.WriteString(w, `{"success":true,"lint":{"issues":[{"message":"m","filePath":"a.ts","line":1,"severity":"error"}]},"typecheck":{"issues":[]}}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	files := c.GetFiles(context.Background(), "run-1", []string{"src/App.tsx", "package.json"})
	require.True(t, files.OK(), files.Error)
	assert.Len(t, files.Files, 1)

	logs := c.GetLogs(context.Background(), "run-1", true, 30)
	require.True(t, logs.OK(), logs.Error)
	assert.Equal(t, "ok", logs.Logs.Stdout)

	analysis := c.RunStaticAnalysis(context.Background(), "run-1", []string{"a.ts", "b.ts"})
	require.True(t, analysis.OK(), analysis.Error)
	assert.Equal(t, 1, analysis.IssueCount())
}

func TestClient_FIFOAcrossClients(t *testing.T) {
	var (
		mu       sync.Mutex
		order    []string
		inFlight atomic.Int32
		maxSeen  atomic.Int32
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		if n > maxSeen.Load() {
			maxSeen.Store(n)
		}
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		order = append(order, r.Header.Get("x-session-id"))
		mu.Unlock()
		inFlight.Add(-1)
		_, _ = io.WriteString(w, `{"success":true}`)
	}))
	defer server.Close()

	q := NewQueue(16)
	defer q.Close()
	noPause := WithClock(nil, func(time.Duration) {}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		c := NewClient(string(rune('a'+i)), WithEndpoint(server.URL, "t"), WithQueue(q), noPause)
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.ClearInstanceErrors(context.Background(), "run")
		}()
	}
	wg.Wait()

	assert.Len(t, order, 5)
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 3*time.Second, parseRetryAfter("3", now))
	assert.Equal(t, 10*time.Second, parseRetryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter("soon", now))
	assert.Zero(t, parseRetryAfter("", now))
}

func TestEndpointLabel(t *testing.T) {
	assert.Equal(t, "/instances/:id/files", endpointLabel("/instances/run-1/files?filePaths=x"))
	assert.Equal(t, "/instances", endpointLabel("/instances"))
	assert.Equal(t, "/templates/:id", endpointLabel("/templates/vite"))
}

func TestClient_WriteFileLogs(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/logs", r.URL.Path)
		var body fileLogBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "generation", body.LogName)
		assert.Equal(t, "phase 1 done", body.Log)
		_, _ = w.Write([]byte(`{"success":true}`))
	})

	assert.True(t, c.WriteFileLogs(context.Background(), "generation", "phase 1 done").OK())

	res := c.WriteFileLogs(context.Background(), "", "x")
	assert.False(t, res.OK())
}
