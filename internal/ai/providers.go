package ai

import (
	"appforge/internal/config"
)

const geminiOpenAIBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"

// ProvidersFromConfig registers one adapter per provider kind that has credentials.
func ProvidersFromConfig(cfg *config.Config) []ExecutorOption {
	var opts []ExecutorOption

	if cfg.HasUsableOpenAIKey() {
		opts = append(opts, WithProvider(ProviderOpenAI,
			NewOpenAICompatProvider("openai", cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)))
	}
	if base := cfg.WorkersAIBaseURL(); base != "" && cfg.CloudflareAIToken != "" {
		opts = append(opts, WithProvider(ProviderWorkersAI,
			NewOpenAICompatProvider("workers-ai", cfg.CloudflareAIToken, base)))
	}
	if cfg.GeminiAPIKey != "" {
		base := cfg.GeminiOpenAIBaseURL
		if base == "" {
			base = geminiOpenAIBaseURL
		}
		opts = append(opts,
			WithProvider(ProviderGeminiCompat,
				NewOpenAICompatProvider("gemini-openai", cfg.GeminiAPIKey, base, WithoutResponsesAPI())),
			WithProvider(ProviderGeminiNative, NewGeminiProvider(cfg.GeminiAPIKey)))
	}
	return opts
}
