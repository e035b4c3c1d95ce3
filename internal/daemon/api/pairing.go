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
	"net/http"

	"github.com/stagehand-ai/stagehand/internal/daemon/httputil"
	"github.com/stagehand-ai/stagehand/internal/daemon/pairing"
)

type createPairingRequest struct {
	ClientName string `json:"clientName,omitempty"`
}

func (h *Handler) handleCreatePairing(w http.ResponseWriter, r *http.Request) {
	var req createPairingRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.WriteValidationError(w, []httputil.ValidationIssue{
				{Path: "body", Message: "invalid JSON: " + err.Error()},
			})
			return
		}
	}

	session, err := h.pairing.Create(req.ClientName)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{"session": session})
}

type approvePairingRequest struct {
	Code       string `json:"code"`
	AdminToken string `json:"adminToken,omitempty"`
}

func (h *Handler) handleApprovePairing(w http.ResponseWriter, r *http.Request) {
	var req approvePairingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteValidationError(w, []httputil.ValidationIssue{
			{Path: "body", Message: "invalid JSON: " + err.Error()},
		})
		return
	}

	session, err := h.pairing.Approve(r.PathValue("id"), req.Code, req.AdminToken)
	if err != nil {
		h.writePairingError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (h *Handler) handleClaimPairing(w http.ResponseWriter, r *http.Request) {
	token, session, err := h.pairing.Claim(r.PathValue("id"))
	if err != nil {
		h.writePairingError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"token":   token,
		"session": session,
	})
}

func (h *Handler) writePairingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pairing.ErrNotFound), errors.Is(err, pairing.ErrExpired):
		httputil.WriteError(w, http.StatusNotFound, "Pairing session not found")
	case errors.Is(err, pairing.ErrAdminTokenRequired):
		httputil.WriteErrorCode(w, http.StatusServiceUnavailable,
			"pairing_admin_token_required", "Remote pairing requires an admin token", nil)
	case errors.Is(err, pairing.ErrAdminTokenInvalid):
		httputil.WriteError(w, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, pairing.ErrCodeInvalid):
		httputil.WriteErrorCode(w, http.StatusConflict,
			"pairing_code_invalid", "Pairing code does not match", nil)
	case errors.Is(err, pairing.ErrNotApproved):
		httputil.WriteErrorCode(w, http.StatusConflict,
			"pairing_not_approved", "Pairing session is not approved", nil)
	default:
		h.writeStoreError(w, err)
	}
}
