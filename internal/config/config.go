// Package config loads appforge runtime configuration from the environment
// and validates the secrets the service cannot run without.
package config

import (
	"strings"
	"time"
)

// Config is the process-wide configuration assembled at startup.
type Config struct {
	Port        string
	Environment string
	PublicHost  string

	// Persistence
	DatabaseURL string // postgres DSN; empty selects sqlite
	SQLitePath  string
	RedisURL    string

	JWTSecret string

	// Inference providers
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	GeminiAPIKey        string
	GeminiOpenAIBaseURL string
	CloudflareAccountID string
	CloudflareAIToken   string

	// Remote sandbox service
	SandboxServiceURL string
	SandboxAPIKey     string

	MaxDebugCalls   int
	AllowedOrigins  []string
	WSTokenTTL      time.Duration
	CreditsEnabled  bool
	RateLimitPerMin int
	RateLimitBurst  int
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applying defaults.
// Secrets are validated separately via ValidateSecrets.
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: GetEnvironment(),
		PublicHost:  getEnv("PUBLIC_HOST", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", "appforge.db"),
		RedisURL:    getEnv("REDIS_URL", ""),

		JWTSecret: getEnv("JWT_SECRET", ""),

		OpenAIAPIKey:        NormalizeAPIKey(getEnvAny([]string{"OPENAI_API_KEY", "OPENAI_KEY"}, "")),
		OpenAIBaseURL:       strings.TrimRight(getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"), "/"),
		GeminiAPIKey:        NormalizeAPIKey(getEnvAny([]string{"GOOGLE_AI_STUDIO_API_KEY", "GEMINI_API_KEY", "GOOGLE_AI_API_KEY"}, "")),
		GeminiOpenAIBaseURL: strings.TrimRight(getEnv("GEMINI_OPENAI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta/openai"), "/"),
		CloudflareAccountID: getEnv("CF_ACCOUNT_ID", ""),
		CloudflareAIToken:   NormalizeAPIKey(getEnv("CF_AI_API_TOKEN", "")),

		SandboxServiceURL: strings.TrimRight(getEnv("SANDBOX_SERVICE_URL", "http://localhost:3000"), "/"),
		SandboxAPIKey:     NormalizeAPIKey(getEnv("SANDBOX_SERVICE_API_KEY", "")),

		MaxDebugCalls:   getEnvInt("MAX_DEBUG_CALLS", 1),
		AllowedOrigins:  splitList(getEnv("ALLOWED_ORIGINS", "")),
		WSTokenTTL:      getEnvDuration("WS_TOKEN_TTL", 90*time.Second),
		CreditsEnabled:  IsEnabled(getEnv("ENABLE_CREDITS", "true")),
		RateLimitPerMin: getEnvInt("RATE_LIMIT_PER_MINUTE", 600),
		RateLimitBurst:  getEnvInt("RATE_LIMIT_BURST", 50),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 20*time.Second),
	}
}

// WorkersAIBaseURL returns the OpenAI-compatible Workers AI endpoint, or ""
// when no account is configured.
func (c *Config) WorkersAIBaseURL() string {
	if c.CloudflareAccountID == "" {
		return ""
	}
	return "https://api.cloudflare.com/client/v4/accounts/" + c.CloudflareAccountID + "/ai/v1"
}

// HasUsableOpenAIKey mirrors the start-generation preflight: a key shorter
// than ten characters is treated as absent.
func (c *Config) HasUsableOpenAIKey() bool {
	return len(strings.TrimSpace(c.OpenAIAPIKey)) >= 10
}
