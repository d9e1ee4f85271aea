// Package wstoken issues single-use tokens that authenticate a browser
// WebSocket upgrade, where custom headers cannot be sent.
package wstoken

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"appforge/internal/cache"
	"appforge/internal/logging"
	"appforge/internal/metrics"
)

const (
	// Prefix namespaces token records in the cache.
	Prefix = "ws-token"
	// DefaultTTL is the lifetime of a token issued with a zero ttl.
	DefaultTTL = 90 * time.Second
)

// Record is what the cache holds per token.
type Record struct {
	UserID    string `json:"userId"`
	AgentID   string `json:"agentId"`
	CreatedAt int64  `json:"createdAt"`
}

// Validation is the outcome of ValidateAndConsume.
type Validation struct {
	Valid  bool
	UserID string
}

// Service issues and consumes tokens.
type Service struct {
	cache  cache.Cache
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a service. A zero ttl means DefaultTTL.
func NewService(c cache.Cache, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{cache: c, ttl: ttl, logger: logging.Component("ws-token"), now: time.Now}
}

// TTL returns the default token lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

// Issue creates a token bound to userID and agentID.
func (s *Service) Issue(ctx context.Context, userID, agentID string, ttl time.Duration) (string, error) {
	if userID == "" || agentID == "" {
		return "", errors.New("user id and agent id are required")
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	token, err := newToken()
	if err != nil {
		return "", err
	}
	rec := Record{UserID: userID, AgentID: agentID, CreatedAt: s.now().UnixMilli()}
	if err := cache.SetJSON(ctx, s.cache, cache.Key(Prefix, token), rec, ttl); err != nil {
		return "", fmt.Errorf("store ws token: %w", err)
	}
	return token, nil
}

// ValidateAndConsume accepts token once for agentID. A token presented for a
// different agent is rejected and left in place. Cache errors count as invalid.
func (s *Service) ValidateAndConsume(ctx context.Context, token, agentID string) Validation {
	if token == "" {
		return Validation{}
	}
	key := cache.Key(Prefix, token)

	var rec Record
	err := cache.GetJSON(ctx, s.cache, key, &rec)
	metrics.Get().RecordCacheOperation("ws_token", err == nil)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Warn("ws token lookup failed", zap.String("token", tokenPrefix(token)), zap.Error(err))
		} else {
			s.logger.Warn("unknown or expired ws token", zap.String("token", tokenPrefix(token)))
		}
		return Validation{}
	}
	if rec.AgentID != agentID {
		s.logger.Warn("ws token agent mismatch",
			zap.String("token", tokenPrefix(token)),
			zap.String("agent_id", agentID))
		return Validation{}
	}

	deleted, err := s.cache.Delete(ctx, key)
	if err != nil || !deleted {
		s.logger.Warn("ws token already consumed", zap.String("token", tokenPrefix(token)), zap.Error(err))
		return Validation{}
	}
	return Validation{Valid: true, UserID: rec.UserID}
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate ws token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func tokenPrefix(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
