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

// Package log builds the daemon's slog logger and fixes the field keys
// shared across packages so run records stay greppable.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Field keys used on every structured record that touches a run.
const (
	RunIDKey    = "run_id"
	PipelineKey = "pipeline"
	StepIDKey   = "step_id"
	ProviderKey = "provider"
)

// Config selects level, format, and destination for the daemon logger.
type Config struct {
	Level     string    // debug, info, warn, error
	Format    string    // "json" (default) or "text"
	Output    io.Writer // defaults to os.Stderr
	AddSource bool
}

// FromEnv derives a Config from the environment. STAGEHAND_DEBUG=1 forces
// debug level with source locations; otherwise STAGEHAND_LOG_LEVEL wins
// over LOG_LEVEL. LOG_FORMAT and LOG_SOURCE tune the rest.
func FromEnv() *Config {
	cfg := &Config{Level: "info", Format: "json", Output: os.Stderr}

	switch os.Getenv("STAGEHAND_DEBUG") {
	case "1", "true":
		cfg.Level = "debug"
		cfg.AddSource = true
	default:
		if level := os.Getenv("STAGEHAND_LOG_LEVEL"); level != "" {
			cfg.Level = level
		} else if level := os.Getenv("LOG_LEVEL"); level != "" {
			cfg.Level = level
		}
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = strings.ToLower(format)
	}
	if os.Getenv("LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}
	return cfg
}

// New builds the logger; a nil config gets the FromEnv defaults sans env.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = &Config{Level: "info", Format: "json", Output: os.Stderr}
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent tags a logger with the subsystem emitting it.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

// WithRunContext scopes a logger to one pipeline run.
func WithRunContext(logger *slog.Logger, runID, pipelineID string) *slog.Logger {
	return logger.With(
		slog.String(RunIDKey, runID),
		slog.String(PipelineKey, pipelineID),
	)
}

// WithStepContext scopes a logger to one step execution within a run.
func WithStepContext(logger *slog.Logger, runID, stepID string) *slog.Logger {
	return logger.With(
		slog.String(RunIDKey, runID),
		slog.String(StepIDKey, stepID),
	)
}

// WithProvider tags a logger with the provider handling the work.
func WithProvider(logger *slog.Logger, provider string) *slog.Logger {
	return logger.With(slog.String(ProviderKey, provider))
}

// Error wraps an error as a standard attribute.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// SanitizeAPIKey reduces a credential to its last four characters for
// logging. Keys too short to truncate are fully redacted.
func SanitizeAPIKey(key string) string {
	if len(key) <= 4 {
		return "[REDACTED]"
	}
	return "..." + key[len(key)-4:]
}
