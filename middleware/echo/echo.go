// Package echo provides Echo middleware for PRO entitlement enforcement
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Service is the subscription service instance (required)
	Service *gosubs.Service

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnNotEntitled is called when the user has no active PRO access
	// If nil, returns 403 JSON
	OnNotEntitled func(c echo.Context) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 JSON
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 JSON
	OnError func(c echo.Context, err error) error
}

// RequirePro creates an Echo middleware that only lets entitled users through
func RequirePro(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Service == nil {
		panic("gosubs/echo: Config.Service is required")
	}
	if cfg.GetUserID == nil {
		panic("gosubs/echo: Config.GetUserID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}

			entitled, err := cfg.Service.Entitled(c.Request().Context(), userID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
			}
			if !entitled {
				if cfg.OnNotEntitled != nil {
					return cfg.OnNotEntitled(c)
				}
				return c.JSON(http.StatusForbidden, map[string]string{"error": "pro subscription required"})
			}

			return next(c)
		}
	}
}

// UserIDFromHeader returns a UserIDExtractor that reads a header
func UserIDFromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}
