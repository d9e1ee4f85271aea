package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// IsOriginAllowed compares origin to the allow list by scheme and host.
// Trailing slashes are ignored and "*" allows everything.
func IsOriginAllowed(origin string, allowList []string) bool {
	want := normalizeOrigin(origin)
	if want == "" {
		return false
	}
	for _, allowed := range allowList {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" || normalizeOrigin(allowed) == want {
			return true
		}
	}
	return false
}

func normalizeOrigin(origin string) string {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(origin), "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

// ValidateWebSocketOrigin decides whether a WebSocket handshake may proceed.
// Clients without an Origin header are not browsers and are let through.
// Same-host origins are always accepted.
func ValidateWebSocketOrigin(r *http.Request, allowList []string, logger *zap.Logger) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		logger.Warn("websocket connection attempt without Origin header")
		return true
	}
	if u, err := url.Parse(origin); err == nil && u.Host != "" && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	if !IsOriginAllowed(origin, allowList) {
		logger.Warn("websocket connection rejected from unauthorized origin",
			zap.String("origin", origin),
			zap.String("request_host", r.Host))
		return false
	}
	return true
}
