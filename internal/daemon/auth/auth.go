// Copyright 2025 Stagehand Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth provides the dashboard token middleware, security
// headers, and the CORS allowlist for the daemon API.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/stagehand-ai/stagehand/internal/daemon/httputil"
)

// DefaultCORSOrigins is the allowlist applied when CORS_ORIGINS is unset.
// "null" admits file:// dashboard builds.
var DefaultCORSOrigins = []string{
	"http://localhost:5173",
	"http://127.0.0.1:5173",
	"null",
}

// Config controls the middleware chain.
type Config struct {
	// APIToken, when non-empty, is required on every /api/* request
	// except OPTIONS and /api/health.
	APIToken string

	// CORSOrigins is the exact-match origin allowlist.
	CORSOrigins []string
}

// ParseCORSOrigins splits the CORS_ORIGINS env value, falling back to the
// default allowlist.
func ParseCORSOrigins(env string) []string {
	if strings.TrimSpace(env) == "" {
		return DefaultCORSOrigins
	}
	var out []string
	for _, o := range strings.Split(env, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return DefaultCORSOrigins
	}
	return out
}

// SecurityHeaders sets the fixed response headers on every response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// CORS applies the exact-match origin allowlist and answers preflight
// requests.
func CORS(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && allowed[origin] {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Vary", "Origin")
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Token")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireToken enforces the dashboard API token when configured. OPTIONS
// requests, the health endpoint, and pairing session creation are always
// exempt. The static token is compared in constant time; validate, when
// non-nil, additionally accepts bearers issued by the pairing flow.
func RequireToken(token string, validate func(string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || r.URL.Path == "/api/health" ||
				strings.HasPrefix(r.URL.Path, "/api/pairing/") {
				next.ServeHTTP(w, r)
				return
			}
			presented := presentedToken(r)
			if presented == "" {
				httputil.WriteError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			if validate != nil && validate(presented) {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteError(w, http.StatusUnauthorized, "Unauthorized")
		})
	}
}

// presentedToken extracts Authorization: Bearer then X-API-Token.
func presentedToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.Header.Get("X-API-Token")
}

// Chain composes middleware outermost-first.
func Chain(h http.Handler, middleware ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}
