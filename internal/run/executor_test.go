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

package run

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-ai/stagehand/internal/pipeline"
	"github.com/stagehand-ai/stagehand/internal/provider"
	"github.com/stagehand-ai/stagehand/internal/store"
)

func newTestExecutor(t *testing.T, adapter provider.Adapter) (*Executor, *store.FileStore) {
	t.Helper()
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fs.SetProvider(store.Provider{ID: "prov1", Kind: "codex", APIKey: "sk-test"}))

	runner := NewStepRunner(provider.NewRegistry(adapter), provider.NewStoreResolver(fs), discardLogger())
	return NewExecutor(fs, runner, discardLogger(), nil), fs
}

// promptAdapter scripts responses by a marker embedded in each step's
// prompt, so multi-step runs stay deterministic.
func promptAdapter(script map[string][]provider.Event) *fakeAdapter {
	return &fakeAdapter{id: "codex", invoke: func(call int, req provider.InvokeRequest) ([]provider.Event, error) {
		for marker, evs := range script {
			if strings.Contains(req.Prompt, marker) {
				return evs, nil
			}
		}
		return passEvents("default"), nil
	}}
}

func queuedRun(t *testing.T, fs *store.FileStore, p *pipeline.Pipeline, task string) *store.Run {
	t.Helper()
	run := &store.Run{
		PipelineID:   p.ID,
		PipelineName: p.Name,
		Task:         task,
		Status:       store.RunQueued,
		StepRuns:     pendingSkeletons(pipeline.Order(p.Steps, p.Links)),
	}
	require.NoError(t, fs.CreateRun(run))
	return run
}

func stepRecord(t *testing.T, run *store.Run, stepID string) *store.StepRun {
	t.Helper()
	for i := range run.StepRuns {
		if run.StepRuns[i].StepID == stepID {
			return &run.StepRuns[i]
		}
	}
	t.Fatalf("no step record for %q", stepID)
	return nil
}

func TestExecuteHappyPath(t *testing.T) {
	adapter := promptAdapter(map[string][]provider.Event{
		"STEP-A": passEvents("analysis done"),
		"STEP-B": passEvents("build done"),
	})
	ex, fs := newTestExecutor(t, adapter)

	p, err := fs.CreatePipeline(pipeline.Pipeline{
		Name: "two-step",
		Steps: []pipeline.Step{
			{ID: "a", Name: "analyze", Role: pipeline.RoleAnalysis, Prompt: "STEP-A", ProviderID: "prov1", Model: "gpt-5"},
			{ID: "b", Name: "build", Role: pipeline.RoleExecutor, Prompt: "STEP-B", ProviderID: "prov1", Model: "gpt-5"},
		},
		Links: []pipeline.Link{{ID: "l1", SourceID: "a", TargetID: "b", Condition: pipeline.CondOnPass}},
	})
	require.NoError(t, err)
	run := queuedRun(t, fs, p, "ship it")

	require.NoError(t, ex.Execute(context.Background(), run.ID, *p, nil))

	got, err := fs.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)

	a := stepRecord(t, got, "a")
	assert.Equal(t, store.StepCompleted, a.Status)
	assert.Equal(t, store.OutcomePass, a.Outcome)
	assert.Contains(t, a.Output, "analysis done")

	b := stepRecord(t, got, "b")
	assert.Equal(t, store.StepCompleted, b.Status)

	assert.Contains(t, got.Logs, "Run started")
	assert.Contains(t, got.Logs, "Run completed")
}

func TestExecuteBranchesOnFail(t *testing.T) {
	adapter := promptAdapter(map[string][]provider.Event{
		"STEP-A": failEvents("tests red"),
		"STEP-B": passEvents("should not run"),
		"STEP-C": passEvents("fixed"),
	})
	ex, fs := newTestExecutor(t, adapter)

	p, err := fs.CreatePipeline(pipeline.Pipeline{
		Name: "branching",
		Steps: []pipeline.Step{
			{ID: "a", Name: "test", Role: pipeline.RoleTester, Prompt: "STEP-A", ProviderID: "prov1", Model: "gpt-5"},
			{ID: "b", Name: "release", Role: pipeline.RoleExecutor, Prompt: "STEP-B", ProviderID: "prov1", Model: "gpt-5"},
			{ID: "c", Name: "repair", Role: pipeline.RoleExecutor, Prompt: "STEP-C", ProviderID: "prov1", Model: "gpt-5"},
		},
		Links: []pipeline.Link{
			{ID: "l1", SourceID: "a", TargetID: "b", Condition: pipeline.CondOnPass},
			{ID: "l2", SourceID: "a", TargetID: "c", Condition: pipeline.CondOnFail},
		},
	})
	require.NoError(t, err)
	run := queuedRun(t, fs, p, "task")

	require.NoError(t, ex.Execute(context.Background(), run.ID, *p, nil))

	got, err := fs.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, got.Status)
	assert.Equal(t, store.StepCompleted, stepRecord(t, got, "c").Status)
	// The on_pass branch was never taken; its skeleton ends up skipped.
	assert.Equal(t, store.StepSkipped, stepRecord(t, got, "b").Status)
}

func TestExecuteRetriesExhaustFailedStep(t *testing.T) {
	adapter := &fakeAdapter{id: "codex", invoke: func(call int, req provider.InvokeRequest) ([]provider.Event, error) {
		return nil, errors.New("cli crashed")
	}}
	ex, fs := newTestExecutor(t, adapter)

	p, err := fs.CreatePipeline(pipeline.Pipeline{
		Name: "fragile",
		Steps: []pipeline.Step{
			{ID: "a", Name: "flaky", Role: pipeline.RoleExecutor, Prompt: "go", ProviderID: "prov1", Model: "gpt-5"},
		},
	})
	require.NoError(t, err)
	run := queuedRun(t, fs, p, "task")

	require.NoError(t, ex.Execute(context.Background(), run.ID, *p, nil))

	got, err := fs.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, got.Status)
	assert.Equal(t, 3, adapter.callCount())

	attempts := 0
	for _, sr := range got.StepRuns {
		if sr.StepID == "a" && sr.Status == store.StepFailed {
			attempts++
		}
	}
	assert.Equal(t, 3, attempts)
	assert.Contains(t, got.Logs, `Run failed: step "flaky" exhausted 3 attempts`)
}

func TestExecuteStepBudgetExhausted(t *testing.T) {
	adapter := &fakeAdapter{id: "codex", invoke: func(call int, req provider.InvokeRequest) ([]provider.Event, error) {
		return passEvents("looping"), nil
	}}
	ex, fs := newTestExecutor(t, adapter)

	// The executor dead-ends after e and falls back to the orchestrator,
	// so o-e-o-e fills the budget of 4.
	p, err := fs.CreatePipeline(pipeline.Pipeline{
		Name: "loop",
		Steps: []pipeline.Step{
			{ID: "o", Name: "plan", Role: pipeline.RoleOrchestrator, Prompt: "go", ProviderID: "prov1", Model: "gpt-5"},
			{ID: "e", Name: "work", Role: pipeline.RoleExecutor, Prompt: "go", ProviderID: "prov1", Model: "gpt-5"},
		},
		Links:  []pipeline.Link{{ID: "l1", SourceID: "o", TargetID: "e"}},
		Policy: pipeline.Policy{MaxLoops: 12, MaxStepExecutions: 4, StageTimeoutMs: 60000},
	})
	require.NoError(t, err)
	run := queuedRun(t, fs, p, "task")

	require.NoError(t, ex.Execute(context.Background(), run.ID, *p, nil))

	got, err := fs.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, got.Status)
	assert.Equal(t, 4, adapter.callCount())
	assert.Contains(t, got.Logs, "Run failed: step_budget_exhausted")

	fallbackLogged := false
	for _, line := range got.Logs {
		if strings.Contains(line, "disconnected_fallback") {
			fallbackLogged = true
		}
	}
	assert.True(t, fallbackLogged)
}

func TestExecuteLoopCapCompletesRun(t *testing.T) {
	adapter := &fakeAdapter{id: "codex", invoke: func(call int, req provider.InvokeRequest) ([]provider.Event, error) {
		return passEvents("done"), nil
	}}
	ex, fs := newTestExecutor(t, adapter)

	p, err := fs.CreatePipeline(pipeline.Pipeline{
		Name: "capped",
		Steps: []pipeline.Step{
			{ID: "o", Name: "plan", Role: pipeline.RoleOrchestrator, Prompt: "go", ProviderID: "prov1", Model: "gpt-5"},
			{ID: "e", Name: "work", Role: pipeline.RoleExecutor, Prompt: "go", ProviderID: "prov1", Model: "gpt-5"},
		},
		Links:  []pipeline.Link{{ID: "l1", SourceID: "o", TargetID: "e"}},
		Policy: pipeline.Policy{MaxLoops: 1, MaxStepExecutions: 10, StageTimeoutMs: 60000},
	})
	require.NoError(t, err)
	run := queuedRun(t, fs, p, "task")

	require.NoError(t, ex.Execute(context.Background(), run.ID, *p, nil))

	got, err := fs.GetRun(run.ID)
	require.NoError(t, err)
	// One orchestrator visit is allowed; the fallback would be a second.
	assert.Equal(t, store.RunCompleted, got.Status)
	assert.Equal(t, 2, adapter.callCount())
}

func TestExecuteBlockingGateFailsStep(t *testing.T) {
	adapter := &fakeAdapter{id: "codex", invoke: func(call int, req provider.InvokeRequest) ([]provider.Event, error) {
		return passEvents("work done, nothing shipped"), nil
	}}
	ex, fs := newTestExecutor(t, adapter)

	p, err := fs.CreatePipeline(pipeline.Pipeline{
		Name: "gated",
		Steps: []pipeline.Step{
			{ID: "a", Name: "ship", Role: pipeline.RoleExecutor, Prompt: "go", ProviderID: "prov1", Model: "gpt-5"},
		},
		Gates: []pipeline.QualityGate{{
			ID: "g1", Name: "must ship", TargetStepID: "a",
			Kind: pipeline.GateRegexMustMatch, Pattern: "SHIPPED", Blocking: true,
		}},
	})
	require.NoError(t, err)
	run := queuedRun(t, fs, p, "task")

	require.NoError(t, ex.Execute(context.Background(), run.ID, *p, nil))

	got, err := fs.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, got.Status)
	assert.Equal(t, 3, adapter.callCount())

	last := got.LastStepRun()
	require.NotNil(t, last)
	assert.Equal(t, store.StepFailed, last.Status)
	require.NotEmpty(t, last.GateResults)
	assert.False(t, last.GateResults[0].Passed)
	assert.Contains(t, last.Error, `quality gate "must ship" failed`)

	blocked := false
	for _, line := range got.Logs {
		if strings.Contains(line, "blocked by gate") {
			blocked = true
		}
	}
	assert.True(t, blocked)
}

func TestExecuteNonBlockingGateAnnotates(t *testing.T) {
	adapter := &fakeAdapter{id: "codex", invoke: func(call int, req provider.InvokeRequest) ([]provider.Event, error) {
		return passEvents("work done"), nil
	}}
	ex, fs := newTestExecutor(t, adapter)

	p, err := fs.CreatePipeline(pipeline.Pipeline{
		Name: "advisory",
		Steps: []pipeline.Step{
			{ID: "a", Name: "work", Role: pipeline.RoleExecutor, Prompt: "go", ProviderID: "prov1", Model: "gpt-5"},
		},
		Gates: []pipeline.QualityGate{{
			ID: "g1", Name: "style", TargetStepID: pipeline.AnyStep,
			Kind: pipeline.GateRegexMustMatch, Pattern: "LINTED", Blocking: false,
		}},
	})
	require.NoError(t, err)
	run := queuedRun(t, fs, p, "task")

	require.NoError(t, ex.Execute(context.Background(), run.ID, *p, nil))

	got, err := fs.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, got.Status)

	a := stepRecord(t, got, "a")
	assert.Equal(t, store.StepCompleted, a.Status)
	require.NotEmpty(t, a.GateResults)
	assert.False(t, a.GateResults[0].Passed)

	annotated := false
	for _, line := range got.Logs {
		if strings.Contains(line, "failed (non-blocking)") {
			annotated = true
		}
	}
	assert.True(t, annotated)
}

func TestExecuteManualApprovalSuspendsAndResumes(t *testing.T) {
	adapter := promptAdapter(map[string][]provider.Event{
		"STEP-A": passEvents("plan ready"),
		"STEP-B": passEvents("deployed"),
	})
	ex, fs := newTestExecutor(t, adapter)

	p, err := fs.CreatePipeline(pipeline.Pipeline{
		Name: "approval",
		Steps: []pipeline.Step{
			{ID: "a", Name: "plan", Role: pipeline.RolePlanner, Prompt: "STEP-A", ProviderID: "prov1", Model: "gpt-5"},
			{ID: "b", Name: "deploy", Role: pipeline.RoleExecutor, Prompt: "STEP-B", ProviderID: "prov1", Model: "gpt-5"},
		},
		Links: []pipeline.Link{{ID: "l1", SourceID: "a", TargetID: "b", Condition: pipeline.CondOnPass}},
		Gates: []pipeline.QualityGate{{
			ID: "g1", Name: "human sign-off", TargetStepID: "a",
			Kind: pipeline.GateManualApproval, Blocking: true,
		}},
	})
	require.NoError(t, err)
	run := queuedRun(t, fs, p, "task")

	require.NoError(t, ex.Execute(context.Background(), run.ID, *p, nil))

	got, err := fs.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunAwaitingApproval, got.Status)
	require.Len(t, got.Approvals, 1)
	assert.Equal(t, "a", got.Approvals[0].StepID)
	assert.Equal(t, "g1", got.Approvals[0].GateID)
	assert.Equal(t, store.ApprovalUnresolved, got.Approvals[0].Resolution)
	assert.Equal(t, store.StepPending, stepRecord(t, got, "b").Status)

	// Approve and re-attach, as the queue would.
	_, err = fs.UpdateRun(run.ID, func(r *store.Run) {
		r.Approvals[0].Resolution = store.ApprovalApproved
		r.Status = store.RunRunning
	})
	require.NoError(t, err)

	require.NoError(t, ex.Execute(context.Background(), run.ID, *p, nil))

	got, err = fs.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, got.Status)
	assert.Equal(t, store.StepCompleted, stepRecord(t, got, "b").Status)
}

func TestExecuteRendersPromptTemplates(t *testing.T) {
	var capturedPrompt string
	adapter := &fakeAdapter{id: "codex", invoke: func(call int, req provider.InvokeRequest) ([]provider.Event, error) {
		if call == 2 {
			capturedPrompt = req.Prompt
		}
		return passEvents("analysis output"), nil
	}}
	ex, fs := newTestExecutor(t, adapter)

	p, err := fs.CreatePipeline(pipeline.Pipeline{
		Name: "templated",
		Steps: []pipeline.Step{
			{ID: "a", Name: "analyze", Role: pipeline.RoleAnalysis, Prompt: "Analyze {{task}}", ProviderID: "prov1", Model: "gpt-5"},
			{
				ID: "b", Name: "build", Role: pipeline.RoleExecutor, ProviderID: "prov1", Model: "gpt-5",
				Prompt:          "Build on branch {{branch}}",
				ContextTemplate: "Previous findings: {{previous_output}}",
			},
		},
		Links: []pipeline.Link{{ID: "l1", SourceID: "a", TargetID: "b"}},
	})
	require.NoError(t, err)
	run := queuedRun(t, fs, p, "fix the login bug")

	require.NoError(t, ex.Execute(context.Background(), run.ID, *p, map[string]string{"branch": "main"}))

	assert.Contains(t, capturedPrompt, "Build on branch main")
	assert.Contains(t, capturedPrompt, "Previous findings:")
	assert.Contains(t, capturedPrompt, "analysis output")

	got, err := fs.GetRun(run.ID)
	require.NoError(t, err)
	b := stepRecord(t, got, "b")
	assert.Contains(t, b.InputContext, "analysis output")
}

func TestExecuteStoresStepOutput(t *testing.T) {
	adapter := &fakeAdapter{id: "codex", invoke: func(call int, req provider.InvokeRequest) ([]provider.Event, error) {
		return passEvents(`{"verdict":"ok"}`), nil
	}}
	ex, fs := newTestExecutor(t, adapter)

	p, err := fs.CreatePipeline(pipeline.Pipeline{
		Name: "persisting",
		Steps: []pipeline.Step{
			{
				ID: "a", Name: "report", Role: pipeline.RoleReview, Prompt: "go",
				ProviderID: "prov1", Model: "gpt-5",
				StoreOutput: true, OutputFormat: pipeline.OutputJSON,
				RequiredFields: []string{"verdict"},
			},
		},
	})
	require.NoError(t, err)
	run := queuedRun(t, fs, p, "task")

	require.NoError(t, ex.Execute(context.Background(), run.ID, *p, nil))

	path := filepath.Join(fs.StorageConfig().WorkspacesDir, run.ID, "outputs", "a.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `{"verdict":"ok"}`)
}

func TestExecuteInterruptedStepMarkedFailedOnRestart(t *testing.T) {
	adapter := promptAdapter(nil)
	ex, fs := newTestExecutor(t, adapter)

	p, err := fs.CreatePipeline(pipeline.Pipeline{
		Name: "stale",
		Steps: []pipeline.Step{
			{ID: "a", Name: "work", Role: pipeline.RoleExecutor, Prompt: "go", ProviderID: "prov1", Model: "gpt-5"},
		},
	})
	require.NoError(t, err)

	// A run whose worker died mid-step: the record says running.
	run := queuedRun(t, fs, p, "task")
	_, err = fs.UpdateRun(run.ID, func(r *store.Run) {
		r.Status = store.RunRunning
		r.StepRuns[0].Status = store.StepRunning
		r.StepRuns[0].Attempts = 1
	})
	require.NoError(t, err)

	require.NoError(t, ex.Execute(context.Background(), run.ID, *p, nil))

	got, err := fs.GetRun(run.ID)
	require.NoError(t, err)
	interrupted := false
	for _, sr := range got.StepRuns {
		if sr.Error == "interrupted before completion" {
			interrupted = true
		}
	}
	assert.True(t, interrupted)
	assert.Equal(t, store.RunCompleted, got.Status)
}
