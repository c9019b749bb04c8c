// Package api provides the HTTP management interface for the monitor.
package api

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-monitor/internal/adapter/config"
)

// Middleware wraps handlers with security checks.
type Middleware struct {
	config config.APIConfig
	logger zerolog.Logger
}

// NewMiddleware creates a middleware with the given configuration.
func NewMiddleware(cfg config.APIConfig, logger zerolog.Logger) *Middleware {
	return &Middleware{
		config: cfg,
		logger: logger.With().Str("component", "api-middleware").Logger(),
	}
}

// cors adds CORS headers based on configuration. Returns true if this
// was a preflight request that has been fully handled.
func (m *Middleware) cors(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}

	allowed := false
	allowedOrigin := ""
	if len(m.config.AllowedOrigins) == 0 {
		// No origins configured: development mode, allow all.
		allowed = true
		allowedOrigin = "*"
	} else {
		for _, o := range m.config.AllowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				allowedOrigin = origin
				break
			}
		}
	}
	if !allowed {
		m.logger.Warn().Str("origin", origin).Msg("CORS: origin not allowed")
		return false
	}

	w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
	w.Header().Set("Access-Control-Max-Age", "86400")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return true
	}
	return false
}

// limitBody caps the request body size when configured.
func (m *Middleware) limitBody(w http.ResponseWriter, r *http.Request) {
	if m.config.MaxRequestBodySize > 0 && r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, m.config.MaxRequestBodySize)
	}
}

// authenticated checks the API key in header or query param.
func (m *Middleware) authenticated(r *http.Request) bool {
	if !m.config.AuthEnabled {
		return true
	}
	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		apiKey = r.URL.Query().Get("api_key")
	}
	return apiKey == m.config.APIKey
}

// Secure combines CORS, body size limiting, and authentication. Used
// for endpoints that change device or monitor state.
func (m *Middleware) Secure(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.cors(w, r) {
			return
		}
		m.limitBody(w, r)
		if !m.authenticated(r) {
			m.logger.Warn().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote", r.RemoteAddr).
				Msg("Authentication failed")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// ReadOnly applies CORS and body size limiting but no auth. Used for
// public read endpoints.
func (m *Middleware) ReadOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.cors(w, r) {
			return
		}
		m.limitBody(w, r)
		next(w, r)
	}
}
