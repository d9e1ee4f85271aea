package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"appforge/internal/auth"
	"appforge/internal/wstoken"
)

// TokenValidator consumes single-use WebSocket tokens.
type TokenValidator interface {
	ValidateAndConsume(ctx context.Context, token, agentID string) wstoken.Validation
}

type authFailure struct {
	msg  string
	code string
}

// RequireAuth accepts a bearer JWT, or for WebSocket upgrades a single-use
// ?token= bound to the :agentId route parameter. It sets user_id.
func RequireAuth(authService *auth.AuthService, tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if f := authenticate(c, authService, tokens); f != nil {
			abortWith(c, http.StatusUnauthorized, f.msg, f.code, nil)
			return
		}
		c.Next()
	}
}

// OptionalAuth sets user_id when the request carries valid credentials and
// never rejects. Handlers decide what an anonymous request gets.
func OptionalAuth(authService *auth.AuthService, tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authenticate(c, authService, tokens)
		c.Next()
	}
}

func authenticate(c *gin.Context, authService *auth.AuthService, tokens TokenValidator) *authFailure {
	if tokens != nil && IsWebSocketUpgrade(c.Request) {
		if token := c.Query("token"); token != "" {
			v := tokens.ValidateAndConsume(c.Request.Context(), token, c.Param("agentId"))
			if !v.Valid {
				return &authFailure{"Invalid or expired WebSocket token", "INVALID_WS_TOKEN"}
			}
			c.Set("user_id", v.UserID)
			return nil
		}
	}

	token := auth.TokenFromRequest(c)
	if token == "" {
		return &authFailure{"Authorization header is required", "AUTH_HEADER_MISSING"}
	}
	claims, err := authService.ValidateToken(token)
	if err != nil {
		code := "TOKEN_VALIDATION_FAILED"
		switch {
		case errors.Is(err, auth.ErrTokenExpired):
			code = "TOKEN_EXPIRED"
		case errors.Is(err, auth.ErrInvalidToken):
			code = "INVALID_TOKEN"
		}
		return &authFailure{err.Error(), code}
	}

	c.Set("user_id", claims.UserID)
	c.Set("email", claims.Email)
	c.Set("role", claims.Role)
	return nil
}

// GetUserID returns the authenticated user id.
func GetUserID(c *gin.Context) (string, bool) {
	id := c.GetString("user_id")
	return id, id != ""
}
