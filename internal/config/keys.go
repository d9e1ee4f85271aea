package config

import "strings"

// NormalizeAPIKey strips formatting noise that commonly appears in env-var values.
func NormalizeAPIKey(raw string) string {
	key := strings.TrimSpace(raw)
	if key == "" {
		return ""
	}

	key = strings.Trim(key, `"'`)
	key = strings.TrimSpace(key)
	if len(key) >= len("bearer ") && strings.EqualFold(key[:len("bearer ")], "bearer ") {
		key = strings.TrimSpace(key[len("bearer "):])
	}

	key = strings.NewReplacer(`\r`, "", `\n`, "", "\r", "", "\n", "", "\t", "").Replace(key)

	// Visible ASCII only; anything else breaks the Authorization header.
	filtered := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		if b := key[i]; b >= 33 && b <= 126 {
			filtered = append(filtered, b)
		}
	}

	return string(filtered)
}
