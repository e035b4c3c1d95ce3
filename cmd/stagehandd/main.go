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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/stagehand-ai/stagehand/internal/daemon"
	"github.com/stagehand-ai/stagehand/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		port        = flag.Int("port", 0, "Listen port (overrides PORT)")
		home        = flag.String("home", "", "State directory (overrides STAGEHAND_HOME)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("stagehandd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	if *home != "" {
		os.Setenv("STAGEHAND_HOME", *home)
	}

	cfg, err := daemon.LoadConfig()
	if err != nil {
		logger.Error("Failed to load config", log.Error(err))
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}

	daemon.Version = version
	d, err := daemon.New(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize daemon", log.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		logger.Error("Daemon exited with error", log.Error(err))
		os.Exit(1)
	}
}
