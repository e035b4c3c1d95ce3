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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-ai/stagehand/internal/daemon/pairing"
	"github.com/stagehand-ai/stagehand/internal/pipeline"
	"github.com/stagehand-ai/stagehand/internal/preflight"
	"github.com/stagehand-ai/stagehand/internal/provider"
	"github.com/stagehand-ai/stagehand/internal/run"
	"github.com/stagehand-ai/stagehand/internal/store"
	"github.com/stagehand-ai/stagehand/internal/vault"
)

// passAdapter completes every invocation immediately with a passing
// workflow status.
type passAdapter struct{}

func (passAdapter) ID() string { return "codex" }

func (passAdapter) Invoke(ctx context.Context, creds provider.Credentials, req provider.InvokeRequest) (<-chan provider.Event, error) {
	ch := make(chan provider.Event, 2)
	ch <- provider.Event{Type: provider.EventChunk, Chunk: "done"}
	ch <- provider.Event{Type: provider.EventChunk, Chunk: "WORKFLOW_STATUS: PASS"}
	close(ch)
	return ch, nil
}

type harness struct {
	mux   *http.ServeMux
	h     *Handler
	fs    *store.FileStore
	vault *vault.Vault
	queue *run.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	fs, err := store.NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, fs.SetProvider(store.Provider{ID: "prov1", Kind: "codex", APIKey: "sk-test"}))

	enc, err := vault.NewAESGCMEncryptor([]byte("test-master-key"), []byte("test-salt-123456"))
	require.NoError(t, err)
	v, err := vault.New(dir, enc)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := provider.NewStoreResolver(fs)
	runner := run.NewStepRunner(provider.NewRegistry(passAdapter{}), resolver, logger)
	ex := run.NewExecutor(fs, runner, logger, nil)
	pf := preflight.New(fs, resolver, v)
	svc := run.NewService(fs, v, pf, ex, logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		svc.Drain(5 * time.Second)
	})
	svc.Start(ctx)

	h := New(Config{
		Store:     fs,
		Queue:     svc,
		Vault:     v,
		Preflight: pf,
		Pairing:   pairing.NewManager("", false, []byte("test-signing-key")),
		Resolver:  resolver,
		Logger:    logger,
		Version:   "1.2.3",
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &harness{mux: mux, h: h, fs: fs, vault: v, queue: svc}
}

// do performs a request against the handler and decodes the JSON body.
func (hr *harness) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	hr.mux.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded), "body: %s", rec.Body.String())
	}
	return rec, decoded
}

func (hr *harness) createPipeline(t *testing.T, p pipeline.Pipeline) map[string]any {
	t.Helper()
	rec, body := hr.do(t, http.MethodPost, "/api/pipelines", p)
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	return body["pipeline"].(map[string]any)
}

func simplePipeline() pipeline.Pipeline {
	return pipeline.Pipeline{
		Name: "deploy",
		Steps: []pipeline.Step{
			{Name: "work", Role: pipeline.RoleExecutor, Prompt: "do {{task}}", ProviderID: "prov1", Model: "gpt-5"},
		},
	}
}

func waitForRunStatus(t *testing.T, fs *store.FileStore, runID string, want store.RunStatus) *store.Run {
	t.Helper()
	var got *store.Run
	require.Eventually(t, func() bool {
		r, err := fs.GetRun(runID)
		if err != nil {
			return false
		}
		got = r
		return r.Status == want
	}, 5*time.Second, 10*time.Millisecond, "run never reached %s", want)
	return got
}

func TestHealth(t *testing.T) {
	hr := newHarness(t)
	now := time.Date(2026, 8, 26, 9, 30, 0, 0, time.UTC)
	hr.h.SetClock(func() time.Time { return now })

	rec, body := hr.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.Equal(t, "2026-08-26T09:30:00Z", body["now"])
	assert.NotContains(t, body, "client")
}

func TestHealthClientCompatibility(t *testing.T) {
	hr := newHarness(t)
	hr.h.minimumDesktopVersion = "2.0.0"

	rec, body := hr.do(t, http.MethodGet, "/api/health?clientVersion=1.9.4", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	client := body["client"].(map[string]any)
	assert.Equal(t, true, client["updateRequired"])
	assert.Equal(t, "2.0.0", client["minimumDesktopVersion"])
	assert.Equal(t, "1.9.4", client["clientVersion"])
	assert.NotEmpty(t, client["message"])

	_, body = hr.do(t, http.MethodGet, "/api/health?clientVersion=2.1.0", nil)
	client = body["client"].(map[string]any)
	assert.Equal(t, false, client["updateRequired"])
	assert.Equal(t, "", client["message"])
}

func TestVersionLess(t *testing.T) {
	for _, tt := range []struct {
		a, b string
		want bool
	}{
		{"1.0.0", "2.0.0", true},
		{"2.0.0", "1.0.0", false},
		{"1.2.0", "1.2.0", false},
		{"v1.2", "1.2.0", false},
		{"1.2", "1.2.1", true},
		{"1.9", "1.10", true},
		{"abc", "1", true},
	} {
		assert.Equal(t, tt.want, versionLess(tt.a, tt.b), "%s < %s", tt.a, tt.b)
	}
}

func TestStateMasksSecrets(t *testing.T) {
	hr := newHarness(t)
	require.NoError(t, hr.fs.SetProvider(store.Provider{ID: "prov2", Kind: "claude", APIKey: "sk-ant-verysecret-9876"}))
	require.NoError(t, hr.fs.SetMCPServer(store.MCPServer{
		ID:      "m1",
		Name:    "github",
		Env:     map[string]string{"GITHUB_TOKEN": "ghp_secret"},
		Headers: map[string]string{"Authorization": "Bearer abc"},
		Healthy: true,
	}))

	rec, body := hr.do(t, http.MethodGet, "/api/state", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-ant-verysecret-9876")
	assert.NotContains(t, rec.Body.String(), "ghp_secret")
	assert.NotContains(t, rec.Body.String(), "Bearer abc")

	providers := body["providers"].(map[string]any)
	assert.Equal(t, "...9876", providers["prov2"].(map[string]any)["apiKey"])

	mcp := body["mcp"].([]any)
	require.Len(t, mcp, 1)
	env := mcp[0].(map[string]any)["env"].(map[string]any)
	assert.Equal(t, vault.MaskSentinel, env["GITHUB_TOKEN"])
}

func TestCreatePipelineAssignsIDsAndPolicy(t *testing.T) {
	hr := newHarness(t)
	created := hr.createPipeline(t, simplePipeline())

	assert.NotEmpty(t, created["id"])
	steps := created["steps"].([]any)
	require.Len(t, steps, 1)
	assert.NotEmpty(t, steps[0].(map[string]any)["id"])

	policy := created["policy"].(map[string]any)
	assert.Equal(t, float64(3), policy["maxLoops"])
	assert.Equal(t, float64(24), policy["maxStepExecutions"])
}

func TestCreatePipelineValidationFailure(t *testing.T) {
	hr := newHarness(t)

	rec, body := hr.do(t, http.MethodPost, "/api/pipelines", pipeline.Pipeline{Name: "empty"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Validation failed", body["error"])
	assert.NotEmpty(t, body["details"])
}

func TestCreatePipelineRejectsMalformedJSON(t *testing.T) {
	hr := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/api/pipelines", bytes.NewReader([]byte("{nope")))
	rec := httptest.NewRecorder()
	hr.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPipelineCRUD(t *testing.T) {
	hr := newHarness(t)
	created := hr.createPipeline(t, simplePipeline())
	id := created["id"].(string)

	rec, body := hr.do(t, http.MethodGet, "/api/pipelines/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "deploy", body["pipeline"].(map[string]any)["name"])

	updated := simplePipeline()
	updated.Name = "deploy v2"
	rec, body = hr.do(t, http.MethodPut, "/api/pipelines/"+id, updated)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "deploy v2", body["pipeline"].(map[string]any)["name"])

	rec, _ = hr.do(t, http.MethodGet, "/api/pipelines", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = hr.do(t, http.MethodDelete, "/api/pipelines/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, body = hr.do(t, http.MethodGet, "/api/pipelines/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Not found", body["error"])
}

func TestDeletePipelineCascadesSecureInputs(t *testing.T) {
	hr := newHarness(t)
	id := hr.createPipeline(t, simplePipeline())["id"].(string)

	_, err := hr.vault.Upsert(id, map[string]string{"API_KEY": "sk-secret"})
	require.NoError(t, err)

	rec, _ := hr.do(t, http.MethodDelete, "/api/pipelines/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	keys, err := hr.vault.Keys(id)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestQueueRunEndpoint(t *testing.T) {
	hr := newHarness(t)
	id := hr.createPipeline(t, simplePipeline())["id"].(string)

	rec, body := hr.do(t, http.MethodPost, "/api/pipelines/"+id+"/runs",
		map[string]any{"task": "ship it"})
	require.Equal(t, http.StatusAccepted, rec.Code, "body: %s", rec.Body.String())
	runID := body["run"].(map[string]any)["id"].(string)
	require.NotEmpty(t, runID)

	waitForRunStatus(t, hr.fs, runID, store.RunCompleted)
}

func TestQueueRunRequiresTask(t *testing.T) {
	hr := newHarness(t)
	id := hr.createPipeline(t, simplePipeline())["id"].(string)

	rec, body := hr.do(t, http.MethodPost, "/api/pipelines/"+id+"/runs", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Validation failed", body["error"])
}

func TestQueueRunUnknownPipeline(t *testing.T) {
	hr := newHarness(t)
	rec, _ := hr.do(t, http.MethodPost, "/api/pipelines/ghost/runs", map[string]any{"task": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueRunPreflightConflict(t *testing.T) {
	hr := newHarness(t)
	p := simplePipeline()
	p.Steps[0].Prompt = "deploy {{TARGET_ENV}}"
	id := hr.createPipeline(t, p)["id"].(string)

	rec, body := hr.do(t, http.MethodPost, "/api/pipelines/"+id+"/runs",
		map[string]any{"task": "ship"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Preflight failed", body["error"])
	assert.Equal(t, "preflight_failed", body["reason"])

	failed := body["failedChecks"].([]any)
	require.NotEmpty(t, failed)
	assert.Equal(t, "inputs.TARGET_ENV", failed[0].(map[string]any)["id"])
}

func TestSmartRunPlan(t *testing.T) {
	hr := newHarness(t)
	p := simplePipeline()
	p.Steps[0].Prompt = "deploy {{branch}}"
	id := hr.createPipeline(t, p)["id"].(string)

	rec, body := hr.do(t, http.MethodPost, "/api/pipelines/"+id+"/smart-run-plan",
		map[string]any{"inputs": map[string]string{"branch": "main"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
	assert.NotEmpty(t, body["checks"])

	// Without the input the plan reports the gap but stays a 200.
	rec, body = hr.do(t, http.MethodPost, "/api/pipelines/"+id+"/smart-run-plan", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["ok"])
}

func TestStartupCheck(t *testing.T) {
	hr := newHarness(t)
	id := hr.createPipeline(t, simplePipeline())["id"].(string)

	rec, body := hr.do(t, http.MethodPost, "/api/pipelines/"+id+"/startup-check", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	providers := body["providers"].([]any)
	require.Len(t, providers, 1)
	st := providers[0].(map[string]any)
	assert.Equal(t, "prov1", st["providerId"])
	assert.Equal(t, true, st["canUseApi"])
}

func TestSecureInputsEndpoints(t *testing.T) {
	hr := newHarness(t)
	id := hr.createPipeline(t, simplePipeline())["id"].(string)

	rec, body := hr.do(t, http.MethodPost, "/api/pipelines/"+id+"/secure-inputs",
		map[string]any{"values": map[string]string{"API_KEY": "sk-secret", "DB_PASS": "hunter2"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.ElementsMatch(t, []any{"API_KEY", "DB_PASS"}, body["keys"].([]any))

	rec, body = hr.do(t, http.MethodPost, "/api/pipelines/"+id+"/secure-inputs",
		map[string]any{"values": map[string]string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Validation failed", body["error"])

	rec, _ = hr.do(t, http.MethodDelete, "/api/pipelines/"+id+"/secure-inputs",
		map[string]any{"keys": []string{"DB_PASS"}})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	keys, err := hr.vault.Keys(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"API_KEY"}, keys)

	rec, _ = hr.do(t, http.MethodDelete, "/api/pipelines/"+id+"/secure-inputs", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	keys, err = hr.vault.Keys(id)
	require.NoError(t, err)
	assert.Empty(t, keys)

	rec, _ = hr.do(t, http.MethodPost, "/api/pipelines/ghost/secure-inputs",
		map[string]any{"values": map[string]string{"K": "v"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRunsLimitValidation(t *testing.T) {
	hr := newHarness(t)

	for _, limit := range []string{"abc", "-1"} {
		rec, _ := hr.do(t, http.MethodGet, "/api/runs?limit="+limit, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", limit)
	}

	rec, body := hr.do(t, http.MethodGet, "/api/runs?limit=5", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "runs")
}

func TestGetRunNotFound(t *testing.T) {
	hr := newHarness(t)
	rec, body := hr.do(t, http.MethodGet, "/api/runs/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Not found", body["error"])
}

func TestRunLifecycleConflicts(t *testing.T) {
	hr := newHarness(t)
	id := hr.createPipeline(t, simplePipeline())["id"].(string)

	rec, body := hr.do(t, http.MethodPost, "/api/pipelines/"+id+"/runs",
		map[string]any{"task": "ship"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	runID := body["run"].(map[string]any)["id"].(string)
	waitForRunStatus(t, hr.fs, runID, store.RunCompleted)

	// Pause and resume demand specific run states.
	rec, body = hr.do(t, http.MethodPost, "/api/runs/"+runID+"/pause", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "run_not_running", body["code"])

	rec, body = hr.do(t, http.MethodPost, "/api/runs/"+runID+"/resume", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "run_not_paused", body["code"])

	// Stop on a terminal run is idempotent: the record comes back unchanged.
	rec, body = hr.do(t, http.MethodPost, "/api/runs/"+runID+"/stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(store.RunCompleted), body["run"].(map[string]any)["status"])

	// Approvals on a run with none recorded.
	rec, _ = hr.do(t, http.MethodPost, "/api/runs/"+runID+"/approvals/nope",
		map[string]any{"decision": "approved"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveApprovalInvalidDecision(t *testing.T) {
	hr := newHarness(t)
	rec, body := hr.do(t, http.MethodPost, "/api/runs/r1/approvals/a1",
		map[string]any{"decision": "maybe"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Validation failed", body["error"])
}

func TestStreamLogsDeliversAndCloses(t *testing.T) {
	hr := newHarness(t)
	now := time.Now().UTC()
	require.NoError(t, hr.fs.CreateRun(&store.Run{
		ID:         "r1",
		PipelineID: "p1",
		Status:     store.RunCompleted,
		Logs:       []string{"Run started", "Run completed"},
		CreatedAt:  now,
	}))

	rec, _ := hr.do(t, http.MethodGet, "/api/runs/r1/logs/stream", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	out := rec.Body.String()
	assert.Contains(t, out, `data: {"line":"Run started"}`)
	assert.Contains(t, out, `data: {"line":"Run completed"}`)
	assert.Contains(t, out, "event: done")
	assert.Contains(t, out, `{"status":"completed"}`)
}

func TestStreamLogsUnknownRun(t *testing.T) {
	hr := newHarness(t)
	rec, _ := hr.do(t, http.MethodGet, "/api/runs/ghost/logs/stream", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPairingEndpoints(t *testing.T) {
	hr := newHarness(t)

	rec, body := hr.do(t, http.MethodPost, "/api/pairing/sessions",
		map[string]any{"clientName": "Desktop on office-mac"})
	require.Equal(t, http.StatusCreated, rec.Code)
	session := body["session"].(map[string]any)
	sessionID := session["id"].(string)
	code := session["code"].(string)
	assert.Len(t, code, 6)
	assert.Equal(t, string(pairing.StatusPending), session["status"])

	// Claim before approval is rejected.
	rec, body = hr.do(t, http.MethodPost, "/api/pairing/sessions/"+sessionID+"/claim", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "pairing_not_approved", body["code"])

	rec, body = hr.do(t, http.MethodPost, "/api/pairing/sessions/"+sessionID+"/approve",
		map[string]any{"code": "000000x"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "pairing_code_invalid", body["code"])

	rec, body = hr.do(t, http.MethodPost, "/api/pairing/sessions/"+sessionID+"/approve",
		map[string]any{"code": code})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(pairing.StatusApproved), body["session"].(map[string]any)["status"])

	rec, body = hr.do(t, http.MethodPost, "/api/pairing/sessions/"+sessionID+"/claim", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, body["token"])
	assert.Equal(t, string(pairing.StatusClaimed), body["session"].(map[string]any)["status"])

	// Tokens are single-claim.
	rec, body = hr.do(t, http.MethodPost, "/api/pairing/sessions/"+sessionID+"/claim", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "pairing_not_approved", body["code"])
}

func TestPairingUnknownSession(t *testing.T) {
	hr := newHarness(t)
	rec, body := hr.do(t, http.MethodPost, "/api/pairing/sessions/ghost/approve",
		map[string]any{"code": "123456"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Pairing session not found", body["error"])
}
