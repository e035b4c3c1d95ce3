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

package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stagehand-ai/stagehand/internal/daemon/auth"
	"github.com/stagehand-ai/stagehand/internal/scheduler"
)

// DefaultPort is the daemon listen port when PORT is unset.
const DefaultPort = 8787

// DefaultDrainTimeout bounds graceful shutdown.
const DefaultDrainTimeout = 30 * time.Second

// Config is the daemon runtime configuration: defaults, overridden by
// the optional <home>/config.yaml, overridden by environment variables.
type Config struct {
	// Home is the state root (state.json, secure-inputs/, markers).
	Home string `yaml:"-"`

	Port                  int      `yaml:"port"`
	CORSOrigins           []string `yaml:"corsOrigins"`
	APIToken              string   `yaml:"-"`
	CatchupMinutes        int      `yaml:"catchupWindowMinutes"`
	RemoteMode            bool     `yaml:"remote"`
	MinimumDesktopVersion string   `yaml:"minimumDesktopVersion"`

	DrainTimeout time.Duration `yaml:"-"`
}

// LoadConfig resolves the daemon configuration.
//
// Environment variables: STAGEHAND_HOME, PORT, CORS_ORIGINS,
// DASHBOARD_API_TOKEN, SCHEDULER_CATCHUP_WINDOW_MINUTES,
// STAGEHAND_REMOTE.
func LoadConfig() (*Config, error) {
	home := os.Getenv("STAGEHAND_HOME")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		home = filepath.Join(userHome, ".stagehand")
	}

	cfg := &Config{
		Home:           home,
		Port:           DefaultPort,
		CORSOrigins:    auth.DefaultCORSOrigins,
		CatchupMinutes: scheduler.DefaultCatchupMinutes,
		DrainTimeout:   DefaultDrainTimeout,
	}

	if data, err := os.ReadFile(filepath.Join(home, "config.yaml")); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config.yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if port := os.Getenv("PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return nil, fmt.Errorf("invalid PORT %q", port)
		}
		cfg.Port = n
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = auth.ParseCORSOrigins(origins)
	}
	if token := os.Getenv("DASHBOARD_API_TOKEN"); token != "" {
		cfg.APIToken = token
	}
	if window := os.Getenv("SCHEDULER_CATCHUP_WINDOW_MINUTES"); window != "" {
		n, err := strconv.Atoi(window)
		if err != nil {
			return nil, fmt.Errorf("invalid SCHEDULER_CATCHUP_WINDOW_MINUTES %q", window)
		}
		cfg.CatchupMinutes = scheduler.ClampCatchup(n)
	}
	if remote := os.Getenv("STAGEHAND_REMOTE"); remote == "1" || remote == "true" {
		cfg.RemoteMode = true
	}

	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = auth.DefaultCORSOrigins
	}
	return cfg, nil
}
