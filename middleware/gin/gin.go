// Package gin provides Gin middleware for PRO entitlement enforcement
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Service is the subscription service instance (required)
	Service *gosubs.Service

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnNotEntitled is called when the user has no active PRO access
	// If nil, aborts with 403 JSON
	OnNotEntitled func(c *gongin.Context)

	// OnUnauthorized is called when user is not authenticated
	// If nil, aborts with 401 JSON
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, aborts with 500 JSON
	OnError func(c *gongin.Context, err error)
}

// RequirePro creates a Gin middleware that only lets entitled users through
func RequirePro(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Service == nil {
		panic("gosubs/gin: Config.Service is required")
	}
	if cfg.GetUserID == nil {
		panic("gosubs/gin: Config.GetUserID is required")
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gongin.H{"error": "unauthorized"})
			}
			return
		}

		entitled, err := cfg.Service.Entitled(c.Request.Context(), userID)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gongin.H{"error": "internal error"})
			}
			return
		}
		if !entitled {
			if cfg.OnNotEntitled != nil {
				cfg.OnNotEntitled(c)
			} else {
				c.AbortWithStatusJSON(http.StatusForbidden, gongin.H{"error": "pro subscription required"})
			}
			return
		}

		c.Next()
	}
}

// UserIDFromHeader returns a UserIDExtractor that reads a header
func UserIDFromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// UserIDFromContext returns a UserIDExtractor that reads a Gin context key
func UserIDFromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if userID, ok := c.Get(key); ok {
			if s, ok := userID.(string); ok {
				return s
			}
		}
		return ""
	}
}
