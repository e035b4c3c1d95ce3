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
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/stagehand-ai/stagehand/internal/daemon/httputil"
	"github.com/stagehand-ai/stagehand/internal/log"
	"github.com/stagehand-ai/stagehand/internal/pipeline"
	"github.com/stagehand-ai/stagehand/internal/store"
)

func (h *Handler) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"pipelines": h.store.ListPipelines(),
	})
}

func (h *Handler) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetPipeline(r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"pipeline": p})
}

func (h *Handler) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	var p pipeline.Pipeline
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		httputil.WriteValidationError(w, []httputil.ValidationIssue{
			{Path: "body", Message: "invalid JSON: " + err.Error()},
		})
		return
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	ensureStepIDs(&p)
	p.Policy = effectiveCreatePolicy(p.Policy)
	p.CreatedAt = h.now()
	p.UpdatedAt = p.CreatedAt

	if issues := pipeline.Validate(&p); len(issues) > 0 {
		httputil.WriteValidationError(w, toValidationIssues(issues))
		return
	}

	created, err := h.store.CreatePipeline(p)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{"pipeline": created})
}

func (h *Handler) handleUpdatePipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := h.store.GetPipeline(id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	var p pipeline.Pipeline
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		httputil.WriteValidationError(w, []httputil.ValidationIssue{
			{Path: "body", Message: "invalid JSON: " + err.Error()},
		})
		return
	}

	p.ID = id
	ensureStepIDs(&p)
	p.Policy = effectiveCreatePolicy(p.Policy)
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = h.now()

	if issues := pipeline.Validate(&p); len(issues) > 0 {
		httputil.WriteValidationError(w, toValidationIssues(issues))
		return
	}

	updated, err := h.store.UpdatePipeline(id, p)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"pipeline": updated})
}

// handleDeletePipeline removes the pipeline and cascades to its secure
// inputs and scheduler marker.
func (h *Handler) handleDeletePipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.DeletePipeline(id); err != nil {
		h.writeStoreError(w, err)
		return
	}

	if err := h.vault.Delete(id); err != nil {
		h.logger.Warn("Failed to delete secure inputs during pipeline cascade",
			slog.String(log.PipelineKey, id), log.Error(err))
	}
	if h.scheduler != nil {
		h.scheduler.DeleteMarker(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// ensureStepIDs assigns ids to steps, links, and gates created without
// one.
func ensureStepIDs(p *pipeline.Pipeline) {
	for i := range p.Steps {
		if p.Steps[i].ID == "" {
			p.Steps[i].ID = uuid.NewString()
		}
	}
	for i := range p.Links {
		if p.Links[i].ID == "" {
			p.Links[i].ID = uuid.NewString()
		}
	}
	for i := range p.Gates {
		if p.Gates[i].ID == "" {
			p.Gates[i].ID = uuid.NewString()
		}
	}
}

// effectiveCreatePolicy defaults then clamps a submitted policy.
func effectiveCreatePolicy(pol pipeline.Policy) pipeline.Policy {
	if pol == (pipeline.Policy{}) {
		pol = pipeline.DefaultPolicy()
	}
	return pol.Clamp()
}

func toValidationIssues(issues []pipeline.Issue) []httputil.ValidationIssue {
	out := make([]httputil.ValidationIssue, len(issues))
	for i, iss := range issues {
		out[i] = httputil.ValidationIssue{Path: iss.Path, Message: iss.Message}
	}
	return out
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "Not found")
		return
	}
	h.logger.Error("Request failed", log.Error(err))
	httputil.WriteError(w, http.StatusInternalServerError, "Internal server error")
}
