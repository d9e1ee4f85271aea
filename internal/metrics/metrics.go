// Package metrics provides Prometheus metrics for appforge.
// Exports HTTP, inference, sandbox, agent and WebSocket metrics.
package metrics

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "appforge"

var (
	once     sync.Once
	instance *Metrics

	labelSanitizer = regexp.MustCompile(`[^a-z0-9_]+`)
)

// Metrics holds all Prometheus metric collectors for appforge
type Metrics struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Inference Metrics
	InferenceRequestsTotal *prometheus.CounterVec
	InferenceDuration      *prometheus.HistogramVec
	InferenceTokensUsed    *prometheus.CounterVec
	InferenceFallbacks     *prometheus.CounterVec
	InferenceRetries       *prometheus.CounterVec

	// Sandbox Metrics
	SandboxRequestsTotal *prometheus.CounterVec
	SandboxQueueDepth    prometheus.Gauge
	SandboxRateLimited   prometheus.Counter

	// Agent Metrics
	ActiveAgents          prometheus.Gauge
	AgentStateTransitions *prometheus.CounterVec
	DeepDebugRefusals     *prometheus.CounterVec

	// WebSocket Metrics
	WebSocketConnections prometheus.Gauge
	WebSocketMessages    *prometheus.CounterVec

	// Cache Metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// System Metrics
	BuildInfo   *prometheus.GaugeVec
	StartupTime prometheus.Gauge
}

// Get returns the singleton Metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint, method, and status code",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	m.InferenceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "requests_total",
			Help:      "Total inference calls by provider, model, and outcome",
		},
		[]string{"provider", "model", "outcome"},
	)

	m.InferenceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "duration_seconds",
			Help:      "Inference call duration in seconds",
			Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"provider", "action"},
	)

	m.InferenceTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "tokens_total",
			Help:      "Tokens consumed by provider and direction",
		},
		[]string{"provider", "type"},
	)

	m.InferenceFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "fallbacks_total",
			Help:      "Escalations from a primary to a fallback model",
		},
		[]string{"from", "to", "reason"},
	)

	m.InferenceRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "retries_total",
			Help:      "Inference retries by action and reason",
		},
		[]string{"action", "reason"},
	)

	m.SandboxRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "requests_total",
			Help:      "Sandbox service requests by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	m.SandboxQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "queue_depth",
			Help:      "Requests waiting in the sandbox request queue",
		},
	)

	m.SandboxRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "rate_limited_total",
			Help:      "Sandbox 429 responses that triggered a backoff",
		},
	)

	m.ActiveAgents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agents",
			Name:      "active",
			Help:      "Agent actors currently resident in memory",
		},
	)

	m.AgentStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agents",
			Name:      "state_transitions_total",
			Help:      "Generation state machine transitions",
		},
		[]string{"from", "to"},
	)

	m.DeepDebugRefusals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agents",
			Name:      "deep_debug_refusals_total",
			Help:      "Deep debug calls refused by reason",
		},
		[]string{"reason"},
	)

	m.WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections",
			Help:      "Open agent WebSocket connections",
		},
	)

	m.WebSocketMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_total",
			Help:      "WebSocket messages by type and direction",
		},
		[]string{"type", "direction"},
	)

	m.CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache hits by cache name",
		},
		[]string{"cache"},
	)

	m.CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache misses by cache name",
		},
		[]string{"cache"},
	)

	m.BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "environment"},
	)

	m.StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "startup_timestamp_seconds",
			Help:      "Unix time the process started",
		},
	)
	m.StartupTime.Set(float64(time.Now().Unix()))

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint, method string, statusCode int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// RecordInference records a completed or failed inference call
func (m *Metrics) RecordInference(provider, model, action, outcome string, duration time.Duration, promptTokens, completionTokens int) {
	m.InferenceRequestsTotal.WithLabelValues(provider, model, outcome).Inc()
	m.InferenceDuration.WithLabelValues(provider, action).Observe(duration.Seconds())
	if promptTokens > 0 {
		m.InferenceTokensUsed.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.InferenceTokensUsed.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
}

// RecordInferenceFallback records an escalation to the fallback model
func (m *Metrics) RecordInferenceFallback(from, to, reason string) {
	m.InferenceFallbacks.WithLabelValues(from, to, sanitizeLabel(reason)).Inc()
}

// RecordInferenceRetry records one retry
func (m *Metrics) RecordInferenceRetry(action, reason string) {
	m.InferenceRetries.WithLabelValues(action, sanitizeLabel(reason)).Inc()
}

// RecordSandboxRequest records a sandbox service call outcome
func (m *Metrics) RecordSandboxRequest(endpoint string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.SandboxRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
}

// RecordStateTransition records a generation state change
func (m *Metrics) RecordStateTransition(from, to string) {
	m.AgentStateTransitions.WithLabelValues(from, to).Inc()
}

// RecordDeepDebugRefusal records why a deep debug call was refused
func (m *Metrics) RecordDeepDebugRefusal(reason string) {
	m.DeepDebugRefusals.WithLabelValues(sanitizeLabel(reason)).Inc()
}

// RecordWebSocketMessage records a WebSocket frame
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	m.WebSocketMessages.WithLabelValues(msgType, direction).Inc()
}

// RecordCacheOperation records a cache hit or miss
func (m *Metrics) RecordCacheOperation(cacheName string, hit bool) {
	if hit {
		m.CacheHitsTotal.WithLabelValues(cacheName).Inc()
	} else {
		m.CacheMissesTotal.WithLabelValues(cacheName).Inc()
	}
}

// SetBuildInfo sets build information
func (m *Metrics) SetBuildInfo(version, environment string) {
	m.BuildInfo.WithLabelValues(version, environment).Set(1)
}

func sanitizeLabel(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	v = labelSanitizer.ReplaceAllString(v, "_")
	v = strings.Trim(v, "_")
	if v == "" {
		return "unknown"
	}
	return v
}
