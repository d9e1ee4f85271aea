package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestIsOriginAllowed(t *testing.T) {
	allow := []string{"https://app.example.com/", "http://localhost:5173"}
	tests := []struct {
		origin string
		want   bool
	}{
		{"https://app.example.com", true},
		{"https://APP.example.com/", true},
		{"http://localhost:5173", true},
		{"http://localhost:3000", false},
		{"http://app.example.com", false},
		{"not a url", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			assert.Equal(t, tt.want, IsOriginAllowed(tt.origin, allow))
		})
	}
	assert.True(t, IsOriginAllowed("https://anything.test", []string{"*"}))
}

func TestValidateWebSocketOrigin(t *testing.T) {
	allow := []string{"https://app.example.com"}
	tests := []struct {
		name     string
		origin   string
		want     bool
		wantWarn string
	}{
		{"missing origin", "", true, "websocket connection attempt without Origin header"},
		{"same host", "https://api.example.com", true, ""},
		{"allow listed", "https://app.example.com", true, ""},
		{"foreign", "https://evil.example.com", false, "websocket connection rejected from unauthorized origin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.WarnLevel)
			req := httptest.NewRequest("GET", "https://api.example.com/api/agent/a1/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}

			assert.Equal(t, tt.want, ValidateWebSocketOrigin(req, allow, zap.New(core)))
			if tt.wantWarn == "" {
				assert.Zero(t, logs.Len())
				return
			}
			if assert.Equal(t, 1, logs.Len()) {
				assert.Equal(t, tt.wantWarn, logs.All()[0].Message)
			}
		})
	}
}
