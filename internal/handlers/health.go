package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Health() error
}

// CacheHealth reports on the token cache backend.
type CacheHealth interface {
	Health(ctx context.Context) map[string]interface{}
}

// Health answers /health with database and cache status. The database is
// required; a degraded cache only marks the response.
func Health(database HealthChecker, cache CacheHealth, version string) gin.HandlerFunc {
	started := time.Now()
	return func(c *gin.Context) {
		status := "healthy"
		code := http.StatusOK
		checks := gin.H{}

		if database != nil {
			if err := database.Health(); err != nil {
				status = "unhealthy"
				code = http.StatusServiceUnavailable
				checks["database"] = gin.H{"status": "down", "error": err.Error()}
			} else {
				checks["database"] = gin.H{"status": "up"}
			}
		}

		if cache != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			info := cache.Health(ctx)
			cancel()
			if connected, _ := info["connected"].(bool); !connected && status == "healthy" {
				status = "degraded"
			}
			checks["cache"] = info
		} else {
			checks["cache"] = gin.H{"status": "memory"}
		}

		c.JSON(code, gin.H{
			"status":    status,
			"version":   version,
			"uptime":    time.Since(started).Round(time.Second).String(),
			"timestamp": time.Now().UTC(),
			"checks":    checks,
		})
	}
}
