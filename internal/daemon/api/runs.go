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

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/stagehand-ai/stagehand/internal/daemon/httputil"
	"github.com/stagehand-ai/stagehand/internal/run"
	"github.com/stagehand-ai/stagehand/internal/store"
)

// logStreamPollInterval paces the SSE log follower.
const logStreamPollInterval = 500 * time.Millisecond

type queueRunRequest struct {
	Task             string            `json:"task"`
	Inputs           map[string]string `json:"inputs,omitempty"`
	PersistSensitive bool              `json:"persistSensitive,omitempty"`
}

func (h *Handler) handleQueueRun(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetPipeline(r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	var req queueRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteValidationError(w, []httputil.ValidationIssue{
			{Path: "body", Message: "invalid JSON: " + err.Error()},
		})
		return
	}
	if req.Task == "" {
		httputil.WriteValidationError(w, []httputil.ValidationIssue{
			{Path: "task", Message: "task is required"},
		})
		return
	}

	created, err := h.queue.QueueRun(r.Context(), *p, req.Task, req.Inputs, req.PersistSensitive)
	if err != nil {
		var pf *run.PreflightError
		if errors.As(err, &pf) {
			httputil.WriteJSON(w, http.StatusConflict, map[string]any{
				"error":        "Preflight failed",
				"reason":       "preflight_failed",
				"failedChecks": pf.Checks,
			})
			return
		}
		h.writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{"run": created})
}

type planRequest struct {
	Inputs map[string]string `json:"inputs,omitempty"`
}

func (h *Handler) handleSmartRunPlan(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetPipeline(r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	var req planRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.WriteValidationError(w, []httputil.ValidationIssue{
				{Path: "body", Message: "invalid JSON: " + err.Error()},
			})
			return
		}
	}

	plan := h.preflight.Evaluate(r.Context(), p, req.Inputs)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"checks": plan.Checks,
		"ok":     plan.OK(),
	})
}

// handleStartupCheck runs the deep provider checks: CLI presence on PATH
// in addition to configured credentials.
func (h *Handler) handleStartupCheck(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetPipeline(r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	seen := make(map[string]bool)
	type providerStatus struct {
		ProviderID string `json:"providerId"`
		LoggedIn   bool   `json:"loggedIn"`
		CanUseAPI  bool   `json:"canUseApi"`
		CanUseCLI  bool   `json:"canUseCli"`
		Detail     string `json:"detail,omitempty"`
	}
	var statuses []providerStatus
	ok := true
	for _, s := range p.Steps {
		if s.ProviderID == "" || seen[s.ProviderID] {
			continue
		}
		seen[s.ProviderID] = true

		st, err := h.resolver.Status(r.Context(), s.ProviderID, true)
		if err != nil {
			statuses = append(statuses, providerStatus{ProviderID: s.ProviderID, Detail: err.Error()})
			ok = false
			continue
		}
		statuses = append(statuses, providerStatus{
			ProviderID: s.ProviderID,
			LoggedIn:   st.LoggedIn,
			CanUseAPI:  st.CanUseAPI,
			CanUseCLI:  st.CanUseCLI,
			Detail:     st.Detail,
		})
		if !st.Usable() {
			ok = false
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"providers": statuses, "ok": ok})
}

type secureInputsRequest struct {
	Values map[string]string `json:"values,omitempty"`
	Keys   []string          `json:"keys,omitempty"`
}

func (h *Handler) handleUpsertSecureInputs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.store.GetPipeline(id); err != nil {
		h.writeStoreError(w, err)
		return
	}

	var req secureInputsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteValidationError(w, []httputil.ValidationIssue{
			{Path: "body", Message: "invalid JSON: " + err.Error()},
		})
		return
	}
	if len(req.Values) == 0 {
		httputil.WriteValidationError(w, []httputil.ValidationIssue{
			{Path: "values", Message: "values must not be empty"},
		})
		return
	}

	keys, err := h.vault.Upsert(id, req.Values)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (h *Handler) handleDeleteSecureInputs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.store.GetPipeline(id); err != nil {
		h.writeStoreError(w, err)
		return
	}

	var req secureInputsRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.WriteValidationError(w, []httputil.ValidationIssue{
				{Path: "body", Message: "invalid JSON: " + err.Error()},
			})
			return
		}
	}

	if err := h.vault.Delete(id, req.Keys...); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			httputil.WriteValidationError(w, []httputil.ValidationIssue{
				{Path: "limit", Message: "limit must be a non-negative integer"},
			})
			return
		}
		limit = n
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"runs": h.store.ListRuns(limit)})
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.GetRun(r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"run": rec})
}

func (h *Handler) handleStopRun(w http.ResponseWriter, r *http.Request) {
	rec, err := h.queue.CancelRun(r.PathValue("id"), "Stopped by user")
	if err != nil {
		h.writeRunError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"run": rec})
}

func (h *Handler) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	rec, err := h.queue.PauseRun(r.PathValue("id"))
	if err != nil {
		h.writeRunError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"run": rec})
}

func (h *Handler) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	rec, err := h.queue.ResumeRun(r.PathValue("id"))
	if err != nil {
		h.writeRunError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"run": rec})
}

type approvalRequest struct {
	Decision string `json:"decision"`
	Note     string `json:"note,omitempty"`
}

func (h *Handler) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteValidationError(w, []httputil.ValidationIssue{
			{Path: "body", Message: "invalid JSON: " + err.Error()},
		})
		return
	}
	if req.Decision != string(store.ApprovalApproved) && req.Decision != string(store.ApprovalRejected) {
		httputil.WriteValidationError(w, []httputil.ValidationIssue{
			{Path: "decision", Message: `decision must be "approved" or "rejected"`},
		})
		return
	}

	rec, err := h.queue.ResolveApproval(
		r.PathValue("id"), r.PathValue("approvalId"),
		store.ApprovalResolution(req.Decision), req.Note)
	if err != nil {
		h.writeRunError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"run": rec})
}

// writeRunError maps run lifecycle errors to the conflict taxonomy.
func (h *Handler) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, run.ErrRunNotRunning):
		httputil.WriteErrorCode(w, http.StatusConflict, "run_not_running", "Run is not running", nil)
	case errors.Is(err, run.ErrRunNotPaused):
		httputil.WriteErrorCode(w, http.StatusConflict, "run_not_paused", "Run is not paused", nil)
	case errors.Is(err, run.ErrRunNotAwaitingApproval):
		httputil.WriteErrorCode(w, http.StatusConflict, "run_not_awaiting_approval", "Run is not awaiting approval", nil)
	case errors.Is(err, run.ErrApprovalResolved):
		httputil.WriteErrorCode(w, http.StatusConflict, "approval_already_resolved", "Approval already resolved", nil)
	case errors.Is(err, run.ErrInvalidDecision):
		httputil.WriteValidationError(w, []httputil.ValidationIssue{
			{Path: "decision", Message: `decision must be "approved" or "rejected"`},
		})
	default:
		h.writeStoreError(w, err)
	}
}

// handleStreamLogs follows a run's log via server-sent events. The
// stream closes when the run reaches a terminal status and all lines
// have been delivered, or when the client disconnects.
func (h *Handler) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.store.GetRun(id); err != nil {
		h.writeStoreError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(logStreamPollInterval)
	defer ticker.Stop()

	sent := 0
	for {
		rec, err := h.store.GetRun(id)
		if err != nil {
			return
		}
		for ; sent < len(rec.Logs); sent++ {
			data, err := json.Marshal(map[string]string{"line": rec.Logs[sent]})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		flusher.Flush()

		if rec.Status.Terminal() && sent >= len(rec.Logs) {
			fmt.Fprintf(w, "event: done\ndata: {\"status\":%q}\n\n", rec.Status)
			flusher.Flush()
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
