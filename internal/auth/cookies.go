package auth

import (
	"github.com/gin-gonic/gin"
)

// SessionCookie is the httpOnly cookie browsers send in place of a header.
const SessionCookie = "appforge_session"

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the session cookie.
func TokenFromRequest(c *gin.Context) string {
	if token := BearerToken(c.GetHeader("Authorization")); token != "" {
		return token
	}
	if token, err := c.Cookie(SessionCookie); err == nil {
		return token
	}
	return ""
}
