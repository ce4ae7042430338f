// Package http provides HTTP middleware for PRO entitlement enforcement
package http

import (
	"net/http"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Service is the subscription service instance (required)
	Service *gosubs.Service

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// OnNotEntitled is called when the user has no active PRO access
	// If nil, returns 403 Forbidden
	OnNotEntitled func(w http.ResponseWriter, r *http.Request)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// RequirePro creates an HTTP middleware that only lets entitled users
// through. Entitlement is plan plus unexpired period; a soft-cancelled
// subscription passes until its expiry.
func RequirePro(config Config) func(http.Handler) http.Handler {
	if config.Service == nil {
		panic("gosubs/http: Config.Service is required")
	}
	if config.GetUserID == nil {
		panic("gosubs/http: Config.GetUserID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			entitled, err := config.Service.Entitled(r.Context(), userID)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}
			if !entitled {
				if config.OnNotEntitled != nil {
					config.OnNotEntitled(w, r)
				} else {
					http.Error(w, "Pro subscription required", http.StatusForbidden)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces PRO entitlement (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := RequirePro(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// Common extractors for convenience

// FromHeader returns a UserIDExtractor that reads a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a UserIDExtractor that reads the request context
func FromContext(key interface{}) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
