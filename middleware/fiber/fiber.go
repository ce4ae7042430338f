// Package fiber provides Fiber middleware for PRO entitlement enforcement
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Service is the subscription service instance (required)
	Service *gosubs.Service

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnNotEntitled is called when the user has no active PRO access
	// If nil, returns 403 JSON
	OnNotEntitled func(c *fiber.Ctx) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 JSON
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 JSON
	OnError func(c *fiber.Ctx, err error) error
}

// RequirePro creates a Fiber middleware that only lets entitled users through
func RequirePro(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Service == nil {
		panic("gosubs/fiber: Config.Service is required")
	}
	if cfg.GetUserID == nil {
		panic("gosubs/fiber: Config.GetUserID is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}

		entitled, err := cfg.Service.Entitled(c.UserContext(), userID)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
		}
		if !entitled {
			if cfg.OnNotEntitled != nil {
				return cfg.OnNotEntitled(c)
			}
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "pro subscription required"})
		}

		return c.Next()
	}
}

// UserIDFromHeader returns a UserIDExtractor that reads a header
func UserIDFromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}
