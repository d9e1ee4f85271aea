package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"strings"
	"unicode"

	"go.uber.org/zap"
)

// Minimum lengths for production secrets
const (
	MinJWTSecretLength     = 32
	MinSandboxKeyLength    = 16
	MinDatabaseURLLength   = 10
	MinProviderKeyLength   = 10
)

// SecretRequirement defines a required secret and its validation rules
type SecretRequirement struct {
	Name        string
	EnvVar      string
	Description string
	Required    bool // Required in production
	MinLength   int
	Validator   func(string) error
}

// SecretsValidationError represents a validation failure
type SecretsValidationError struct {
	Missing  []string
	Invalid  []string
	Warnings []string
}

func (e *SecretsValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing secrets: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, fmt.Sprintf("invalid secrets: %s", strings.Join(e.Invalid, ", ")))
	}
	return strings.Join(parts, "; ")
}

func (e *SecretsValidationError) HasErrors() bool {
	return len(e.Missing) > 0 || len(e.Invalid) > 0
}

// DefaultSecretRequirements returns the secrets appforge checks at startup.
func DefaultSecretRequirements() []SecretRequirement {
	return []SecretRequirement{
		{
			Name:        "JWT Secret",
			EnvVar:      "JWT_SECRET",
			Description: "HMAC key for verifying session bearer tokens",
			Required:    true,
			MinLength:   MinJWTSecretLength,
			Validator:   validateJWTSecret,
		},
		{
			Name:        "Sandbox Service API Key",
			EnvVar:      "SANDBOX_SERVICE_API_KEY",
			Description: "Bearer token for the remote sandbox runner service",
			Required:    true,
			MinLength:   MinSandboxKeyLength,
		},
		{
			Name:        "Database URL",
			EnvVar:      "DATABASE_URL",
			Description: "PostgreSQL connection string (sqlite is used when unset)",
			Required:    false,
			MinLength:   MinDatabaseURLLength,
			Validator:   validateDatabaseURL,
		},
		{
			Name:        "OpenAI API Key",
			EnvVar:      "OPENAI_API_KEY",
			Description: "Key for OpenAI-compatible inference",
			Required:    false,
			MinLength:   MinProviderKeyLength,
		},
	}
}

// ValidateSecrets validates all required secrets. In production a non-nil
// error is returned if any required secret is missing or invalid; callers
// must treat that as fatal. Outside production problems become warnings.
func ValidateSecrets() (*SecretsValidationError, error) {
	isProduction := IsProductionEnvironment()
	result := &SecretsValidationError{}

	for _, req := range DefaultSecretRequirements() {
		value := os.Getenv(req.EnvVar)

		if value == "" {
			if req.Required && isProduction {
				result.Missing = append(result.Missing, req.EnvVar)
			} else if req.Required {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("%s not set - using development default (NOT SECURE FOR PRODUCTION)", req.EnvVar))
			}
			continue
		}

		if len(value) < req.MinLength {
			if isProduction {
				result.Invalid = append(result.Invalid,
					fmt.Sprintf("%s: too short (min %d characters)", req.EnvVar, req.MinLength))
			} else {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("%s: shorter than recommended (%d chars, recommend %d+)", req.EnvVar, len(value), req.MinLength))
			}
		}

		if req.Validator != nil {
			if err := req.Validator(value); err != nil {
				if isProduction {
					result.Invalid = append(result.Invalid, fmt.Sprintf("%s: %s", req.EnvVar, err.Error()))
				} else {
					result.Warnings = append(result.Warnings,
						fmt.Sprintf("%s: %s (allowed in development)", req.EnvVar, err.Error()))
				}
			}
		}
	}

	if isProduction && result.HasErrors() {
		return result, result
	}
	return result, nil
}

// ValidateAndLogSecrets validates secrets and logs which ones are configured
// (names only, never values).
func ValidateAndLogSecrets(logger *zap.Logger) error {
	result, err := ValidateSecrets()
	if err != nil {
		logger.Error("secrets validation failed", zap.Error(err))
		return err
	}
	for _, warning := range result.Warnings {
		logger.Warn(warning)
	}
	for _, req := range DefaultSecretRequirements() {
		logger.Info("secret status",
			zap.String("name", req.EnvVar),
			zap.Bool("configured", os.Getenv(req.EnvVar) != ""))
	}
	return nil
}

// --- Validators ---

// validateJWTSecret enforces a strong JWT signing key.
func validateJWTSecret(secret string) error {
	if len(secret) < MinJWTSecretLength {
		return fmt.Errorf("must be at least %d characters", MinJWTSecretLength)
	}

	weakSecrets := []string{
		"secret", "jwt-secret", "changeme", "password", "example",
		"default", "placeholder", "replace-me", "appforge",
	}
	lower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if strings.Contains(lower, weak) {
			return fmt.Errorf("contains weak/placeholder value %q", weak)
		}
	}

	allAlpha, allDigit := true, true
	for _, c := range secret {
		if !unicode.IsLetter(c) {
			allAlpha = false
		}
		if !unicode.IsDigit(c) {
			allDigit = false
		}
	}
	if allAlpha {
		return errors.New("must contain non-alphabetic characters for sufficient entropy")
	}
	if allDigit {
		return errors.New("must contain non-numeric characters for sufficient entropy")
	}

	if entropy := shannonEntropy(secret); entropy < 3.0 {
		return fmt.Errorf("entropy too low (%.1f bits/char, need >= 3.0)", entropy)
	}
	if hasRepeatingPattern(secret) {
		return errors.New("appears to contain a repeating pattern")
	}
	return nil
}

// validateDatabaseURL checks for a valid PostgreSQL connection string.
func validateDatabaseURL(rawURL string) error {
	if !strings.HasPrefix(rawURL, "postgres://") && !strings.HasPrefix(rawURL, "postgresql://") {
		return errors.New("must be a PostgreSQL connection URL (postgres:// or postgresql://)")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}
	if parsed.Hostname() == "" {
		return errors.New("database URL must include a hostname")
	}
	return nil
}

// shannonEntropy calculates Shannon entropy in bits per character.
func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	freq := make(map[rune]float64)
	for _, c := range s {
		freq[c]++
	}
	length := float64(len([]rune(s)))
	entropy := 0.0
	for _, count := range freq {
		p := count / length
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// hasRepeatingPattern detects simple repeating patterns (e.g., "abcabc").
func hasRepeatingPattern(s string) bool {
	n := len(s)
	if n < 6 {
		return false
	}
	for patLen := 1; patLen <= n/2; patLen++ {
		isRepeat := true
		for i := patLen; i < n; i++ {
			if s[i] != s[i%patLen] {
				isRepeat = false
				break
			}
		}
		if isRepeat {
			return true
		}
	}
	return false
}

// GenerateSecureSecret generates a cryptographically secure random secret
func GenerateSecureSecret(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
