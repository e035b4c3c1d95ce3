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

// Package api implements the daemon's HTTP surface.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stagehand-ai/stagehand/internal/daemon/httputil"
	"github.com/stagehand-ai/stagehand/internal/daemon/pairing"
	"github.com/stagehand-ai/stagehand/internal/log"
	"github.com/stagehand-ai/stagehand/internal/preflight"
	"github.com/stagehand-ai/stagehand/internal/provider"
	"github.com/stagehand-ai/stagehand/internal/run"
	"github.com/stagehand-ai/stagehand/internal/scheduler"
	"github.com/stagehand-ai/stagehand/internal/store"
	"github.com/stagehand-ai/stagehand/internal/vault"
)

// Handler serves the dashboard API.
type Handler struct {
	store     store.StateStore
	queue     *run.Service
	vault     *vault.Vault
	preflight *preflight.Evaluator
	scheduler *scheduler.Scheduler
	pairing   *pairing.Manager
	resolver  provider.CredentialResolver
	logger    *slog.Logger
	now       func() time.Time

	// version is the daemon build version reported by health.
	version string
	// minimumDesktopVersion, when set, drives the health client payload.
	minimumDesktopVersion string
}

// Config wires the handler's collaborators.
type Config struct {
	Store                 store.StateStore
	Queue                 *run.Service
	Vault                 *vault.Vault
	Preflight             *preflight.Evaluator
	Scheduler             *scheduler.Scheduler
	Pairing               *pairing.Manager
	Resolver              provider.CredentialResolver
	Logger                *slog.Logger
	Version               string
	MinimumDesktopVersion string
}

// New creates the API handler.
func New(cfg Config) *Handler {
	return &Handler{
		store:                 cfg.Store,
		queue:                 cfg.Queue,
		vault:                 cfg.Vault,
		preflight:             cfg.Preflight,
		scheduler:             cfg.Scheduler,
		pairing:               cfg.Pairing,
		resolver:              cfg.Resolver,
		logger:                log.WithComponent(cfg.Logger, "api"),
		now:                   time.Now,
		version:               cfg.Version,
		minimumDesktopVersion: cfg.MinimumDesktopVersion,
	}
}

// SetClock overrides the time source, for tests.
func (h *Handler) SetClock(now func() time.Time) {
	h.now = now
}

// RegisterRoutes installs all API routes on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.handleHealth)
	mux.HandleFunc("GET /api/state", h.handleState)

	mux.HandleFunc("GET /api/pipelines", h.handleListPipelines)
	mux.HandleFunc("POST /api/pipelines", h.handleCreatePipeline)
	mux.HandleFunc("GET /api/pipelines/{id}", h.handleGetPipeline)
	mux.HandleFunc("PUT /api/pipelines/{id}", h.handleUpdatePipeline)
	mux.HandleFunc("DELETE /api/pipelines/{id}", h.handleDeletePipeline)

	mux.HandleFunc("POST /api/pipelines/{id}/runs", h.handleQueueRun)
	mux.HandleFunc("POST /api/pipelines/{id}/smart-run-plan", h.handleSmartRunPlan)
	mux.HandleFunc("POST /api/pipelines/{id}/startup-check", h.handleStartupCheck)
	mux.HandleFunc("POST /api/pipelines/{id}/secure-inputs", h.handleUpsertSecureInputs)
	mux.HandleFunc("DELETE /api/pipelines/{id}/secure-inputs", h.handleDeleteSecureInputs)

	mux.HandleFunc("GET /api/runs", h.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", h.handleGetRun)
	mux.HandleFunc("GET /api/runs/{id}/logs/stream", h.handleStreamLogs)
	mux.HandleFunc("POST /api/runs/{id}/stop", h.handleStopRun)
	mux.HandleFunc("POST /api/runs/{id}/pause", h.handlePauseRun)
	mux.HandleFunc("POST /api/runs/{id}/resume", h.handleResumeRun)
	mux.HandleFunc("POST /api/runs/{id}/approvals/{approvalId}", h.handleResolveApproval)

	mux.HandleFunc("POST /api/pairing/sessions", h.handleCreatePairing)
	mux.HandleFunc("POST /api/pairing/sessions/{id}/approve", h.handleApprovePairing)
	mux.HandleFunc("POST /api/pairing/sessions/{id}/claim", h.handleClaimPairing)
}

// healthClient is the desktop compatibility payload.
type healthClient struct {
	MinimumDesktopVersion string `json:"minimumDesktopVersion"`
	ClientVersion         string `json:"clientVersion"`
	UpdateRequired        bool   `json:"updateRequired"`
	Message               string `json:"message"`
	DownloadURL           string `json:"downloadUrl,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"ok":      true,
		"now":     h.now().UTC().Format(time.RFC3339),
		"version": h.version,
	}

	clientVersion := r.URL.Query().Get("clientVersion")
	if clientVersion != "" && h.minimumDesktopVersion != "" {
		required := versionLess(clientVersion, h.minimumDesktopVersion)
		client := healthClient{
			MinimumDesktopVersion: h.minimumDesktopVersion,
			ClientVersion:         clientVersion,
			UpdateRequired:        required,
		}
		if required {
			client.Message = "A newer desktop client is required to connect to this daemon."
		}
		body["client"] = client
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}

// versionLess compares dotted numeric versions; non-numeric segments
// compare as zero.
func versionLess(a, b string) bool {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			return av < bv
		}
	}
	return false
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	st := h.store.State()

	providers := make(map[string]store.Provider, len(st.Providers))
	for id, p := range st.Providers {
		if p.APIKey != "" {
			p.APIKey = log.SanitizeAPIKey(p.APIKey)
		}
		providers[id] = p
	}

	servers := make([]store.MCPServer, len(st.MCPServers))
	for i, srv := range st.MCPServers {
		srv.Env = maskAll(srv.Env)
		srv.Headers = maskAll(srv.Headers)
		servers[i] = srv
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"pipelines": st.Pipelines,
		"providers": providers,
		"mcp":       servers,
		"storage":   st.Storage,
		"runs":      st.Runs,
	})
}

func maskAll(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k := range m {
		out[k] = vault.MaskSentinel
	}
	return out
}
