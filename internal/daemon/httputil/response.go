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

// Package httputil provides JSON response helpers for the daemon API.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// WriteJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError writes a JSON error response with the given status code and message.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{
		"error": message,
	})
}

// WriteErrorCode writes a JSON error response carrying a machine-readable
// code alongside the human-readable message. Extra fields are merged into
// the response body.
func WriteErrorCode(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	body := map[string]any{
		"error": message,
		"code":  code,
	}
	for k, v := range extra {
		body[k] = v
	}
	WriteJSON(w, status, body)
}

// ValidationIssue describes a single request validation failure.
type ValidationIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// WriteValidationError writes a 400 response in the standard validation
// failure shape: {error:"Validation failed", details:[{path,message}]}.
func WriteValidationError(w http.ResponseWriter, issues []ValidationIssue) {
	WriteJSON(w, http.StatusBadRequest, map[string]any{
		"error":   "Validation failed",
		"details": issues,
	})
}
