package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWebhookBaseURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"  ", ""},
		{"apps.example.com", "https://apps.example.com"},
		{"apps.example.com/", "https://apps.example.com"},
		{"http://localhost:8080", "http://localhost:8080"},
		{"https://apps.example.com/", "https://apps.example.com"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, webhookBaseURL(tt.in), tt.in)
	}
}
