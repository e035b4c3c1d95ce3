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

// Package daemon assembles the orchestration server: state store, vault,
// provider adapters, run queue, scheduler, recovery, and the HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/stagehand-ai/stagehand/internal/daemon/api"
	"github.com/stagehand-ai/stagehand/internal/daemon/auth"
	"github.com/stagehand-ai/stagehand/internal/daemon/pairing"
	"github.com/stagehand-ai/stagehand/internal/log"
	"github.com/stagehand-ai/stagehand/internal/metrics"
	"github.com/stagehand-ai/stagehand/internal/preflight"
	"github.com/stagehand-ai/stagehand/internal/provider"
	"github.com/stagehand-ai/stagehand/internal/run"
	"github.com/stagehand-ai/stagehand/internal/scheduler"
	"github.com/stagehand-ai/stagehand/internal/store"
	"github.com/stagehand-ai/stagehand/internal/vault"
)

// Version is the daemon build version, overridable at link time.
var Version = "dev"

// Daemon owns the wired components and the HTTP server.
type Daemon struct {
	cfg    *Config
	logger *slog.Logger

	store     *store.FileStore
	vault     *vault.Vault
	queue     *run.Service
	scheduler *scheduler.Scheduler
	metrics   *metrics.Metrics
	server    *http.Server
}

// New wires the daemon from configuration.
func New(cfg *Config, logger *slog.Logger) (*Daemon, error) {
	fileStore, err := store.NewFileStore(cfg.Home)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	masterKey, err := vault.LoadMasterKey(cfg.Home)
	if err != nil {
		return nil, fmt.Errorf("failed to load master key: %w", err)
	}
	salt, err := vault.LoadSalt(cfg.Home)
	if err != nil {
		return nil, fmt.Errorf("failed to load vault salt: %w", err)
	}
	encryptor, err := vault.NewAESGCMEncryptor(masterKey, salt)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}
	secureVault, err := vault.New(cfg.Home, encryptor)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault: %w", err)
	}

	resolver := provider.NewSerializedResolver(provider.NewStoreResolver(fileStore))
	registry := provider.NewRegistry(
		provider.NewCodexAdapter(),
		provider.NewClaudeAdapter(),
	)

	m := metrics.New()
	evaluator := preflight.New(fileStore, resolver, secureVault)
	runner := run.NewStepRunner(registry, resolver, logger)
	executor := run.NewExecutor(fileStore, runner, logger, m)
	queue := run.NewService(fileStore, secureVault, evaluator, executor, logger, m)

	markers := scheduler.NewMarkers(fileStore.Root())
	sched := scheduler.New(fileStore, queue, markers, cfg.CatchupMinutes, logger)
	sched.SetMetrics(m)

	pairingMgr := pairing.NewManager(cfg.APIToken, cfg.RemoteMode, masterKey)

	handler := api.New(api.Config{
		Store:                 fileStore,
		Queue:                 queue,
		Vault:                 secureVault,
		Preflight:             evaluator,
		Scheduler:             sched,
		Pairing:               pairingMgr,
		Resolver:              resolver,
		Logger:                logger,
		Version:               Version,
		MinimumDesktopVersion: cfg.MinimumDesktopVersion,
	})

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("GET /metrics", m.Handler())

	chained := auth.Chain(mux,
		auth.SecurityHeaders,
		auth.CORS(cfg.CORSOrigins),
		auth.RequireToken(cfg.APIToken, pairingMgr.ValidateToken),
		observeRequests(m),
	)

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Port)),
		Handler:           chained,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Daemon{
		cfg:       cfg,
		logger:    log.WithComponent(logger, "daemon"),
		store:     fileStore,
		vault:     secureVault,
		queue:     queue,
		scheduler: sched,
		metrics:   m,
		server:    server,
	}, nil
}

// Run starts the daemon and blocks until ctx is cancelled, then drains
// workers and shuts the server down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	d.queue.Start(ctx)
	d.queue.RecoverInterrupted()
	d.scheduler.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("Daemon listening", slog.Int("port", d.cfg.Port))
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		d.scheduler.Stop()
		return err
	case <-ctx.Done():
	}

	d.logger.Info("Shutting down; draining run workers")
	d.scheduler.Stop()
	if !d.queue.Drain(d.cfg.DrainTimeout) {
		d.logger.Warn("Drain timeout exceeded; interrupted runs will recover on next start")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// observeRequests records request counts and latency.
func observeRequests(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			m.ObserveHTTP(r.Method, statusClass(rec.status), time.Since(start))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps SSE streaming working through the middleware chain.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}
