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

// Package run drives pipeline runs to completion: the executor walks the
// step graph, the step runner dispatches provider CLIs, the queue admits
// runs and owns the worker lifecycle, and recovery re-attaches workers
// after a restart.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-ai/stagehand/internal/log"
	"github.com/stagehand-ai/stagehand/internal/pipeline"
	"github.com/stagehand-ai/stagehand/internal/provider"
	"github.com/stagehand-ai/stagehand/internal/store"
)

// maxStepRetries caps executions of a single step within one retry
// series (execution failures and blocking gate failures).
const maxStepRetries = 3

// Executor drives one run to a terminal status. One cooperative loop per
// run; it suspends on approvals and pauses by returning, leaving the run
// record in the suspended state.
type Executor struct {
	store   store.StateStore
	runner  *StepRunner
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time
}

// NewExecutor creates an executor.
func NewExecutor(st store.StateStore, runner *StepRunner, logger *slog.Logger, metrics Metrics) *Executor {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Executor{
		store:   st,
		runner:  runner,
		logger:  log.WithComponent(logger, "executor"),
		metrics: metrics,
		now:     time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

type decisionKind int

const (
	decideStep decisionKind = iota
	decideComplete
	decideFailed
)

type decision struct {
	kind          decisionKind
	step          *pipeline.Step
	attempts      int
	fallbackRoute bool
	reason        string
}

// Execute runs the cooperative loop for one run until it reaches a
// terminal status or suspends (pause, approval, cancellation). inputs is
// the unmasked runtime merge of raw and secure inputs.
func (e *Executor) Execute(ctx context.Context, runID string, p pipeline.Pipeline, inputs map[string]string) error {
	logger := log.WithRunContext(e.logger, runID, p.ID)

	pol := p.Policy
	if pol == (pipeline.Policy{}) {
		pol = pipeline.DefaultPolicy()
	}
	pol = pol.Clamp()

	ws := e.store.StorageConfig().WorkspacesDir
	isolatedDir := filepath.Join(ws, runID)
	sharedDir := filepath.Join(ws, "shared")
	for _, dir := range []string{isolatedDir, sharedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Warn("Failed to create workspace directory", slog.String("dir", dir), log.Error(err))
		}
	}

	// A step left running belongs to a worker that died mid-flight.
	if _, err := e.store.UpdateRun(runID, func(r *store.Run) {
		for i := range r.StepRuns {
			if r.StepRuns[i].Status == store.StepRunning {
				t := e.now()
				r.StepRuns[i].Status = store.StepFailed
				r.StepRuns[i].Error = "interrupted before completion"
				r.StepRuns[i].FinishedAt = &t
			}
		}
		if r.Status == store.RunQueued {
			t := e.now()
			r.Status = store.RunRunning
			r.StartedAt = &t
			r.AppendLog("Run started")
		}
	}); err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}

	ordered := pipeline.Order(p.Steps, p.Links)
	providers := e.store.Providers()
	fallback := provider.NewAuthFallback()

	for {
		if ctx.Err() != nil {
			return e.onInterrupt(ctx, runID)
		}

		run, err := e.store.GetRun(runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() || run.Status != store.RunRunning {
			return nil
		}

		d := e.selectNext(run, &p, ordered, pol)
		switch d.kind {
		case decideComplete:
			return e.finish(runID, store.RunCompleted, "Run completed")
		case decideFailed:
			return e.finish(runID, store.RunFailed, d.reason)
		}

		if executedCount(run) >= pol.MaxStepExecutions {
			return e.finish(runID, store.RunFailed, "Run failed: step_budget_exhausted")
		}
		if d.fallbackRoute {
			e.appendLog(runID, fmt.Sprintf(
				"No outgoing link matched; routing to orchestrator %q (disconnected_fallback)", d.step.Name))
		}

		suspended, err := e.executeStep(ctx, runID, &p, *d.step, d.attempts, inputs, providers, fallback, isolatedDir, sharedDir)
		if err != nil {
			return err
		}
		if suspended {
			return nil
		}
	}
}

// executeStep dispatches one step attempt and records its result. It
// returns suspended=true when the run moved to awaiting_approval and the
// worker must exit.
func (e *Executor) executeStep(
	ctx context.Context,
	runID string,
	p *pipeline.Pipeline,
	step pipeline.Step,
	attempts int,
	inputs map[string]string,
	providers map[string]store.Provider,
	fallback *provider.AuthFallback,
	isolatedDir, sharedDir string,
) (bool, error) {
	run, err := e.store.GetRun(runID)
	if err != nil {
		return false, err
	}

	prevOutput := lastCompletedOutput(run)
	renderedContext := renderTemplate(step.ContextTemplate, run.Task, prevOutput, inputs)

	prov := providers[step.ProviderID]
	servers := serversForStep(e.store.MCPServers(), step.MCPServerIDs)

	workDir := isolatedDir
	if step.SharedStorage {
		workDir = sharedDir
	}

	stepIdx := -1
	if _, err := e.store.UpdateRun(runID, func(r *store.Run) {
		t := e.now()
		sr := store.StepRun{
			StepID:       step.ID,
			StepName:     step.Name,
			Role:         string(step.Role),
			Status:       store.StepRunning,
			Attempts:     attempts,
			InputContext: renderedContext,
			StartedAt:    &t,
		}
		if idx := pendingIndex(r, step.ID); idx >= 0 {
			r.StepRuns[idx] = sr
			stepIdx = idx
		} else {
			r.StepRuns = append(r.StepRuns, sr)
			stepIdx = len(r.StepRuns) - 1
		}
		r.AppendLog(fmt.Sprintf("Step %q started (attempt %d)", step.Name, attempts))
		r.AppendLog(fmt.Sprintf("Dispatching to %s model %s", prov.Kind, step.Model))
	}); err != nil {
		return false, err
	}

	rendered := step
	rendered.Prompt = renderTemplate(step.Prompt, run.Task, prevOutput, inputs)
	prompt := BuildPrompt(rendered, renderedContext, servers)
	req := StepRequest{
		Step:         step,
		Prompt:       prompt,
		WorkDir:      workDir,
		StageTimeout: effectivePolicy(p).StageTimeout(),
		ProviderID:   step.ProviderID,
		ProviderKind: prov.Kind,
		Fallback:     fallback,
		MCPServers:   servers,
		Log: func(line string) {
			e.appendLog(runID, fmt.Sprintf("[%s] %s", step.Name, line))
		},
	}

	log.WithStepContext(e.logger, runID, step.ID).Debug("Dispatching step",
		slog.String(log.ProviderKey, prov.Kind), slog.String("model", step.Model))

	started := e.now()
	res, runErr := e.runner.Run(ctx, req)
	duration := e.now().Sub(started)

	if ctx.Err() != nil {
		return false, e.onInterrupt(ctx, runID)
	}

	if runErr != nil {
		e.metrics.StepFinished(prov.Kind, "error", duration)
		if _, err := e.store.UpdateRun(runID, func(r *store.Run) {
			if stepIdx < 0 || stepIdx >= len(r.StepRuns) {
				return
			}
			t := e.now()
			sr := &r.StepRuns[stepIdx]
			sr.Status = store.StepFailed
			sr.Error = runErr.Error()
			sr.FinishedAt = &t
			r.AppendLog(fmt.Sprintf("Step %q failed: %v", step.Name, runErr))
		}); err != nil {
			return false, err
		}
		return false, nil
	}

	gates := p.GatesForStep(step.ID)
	auto := EvaluateAutomaticGates(gates, GateContext{
		Output:      res.Output,
		IsolatedDir: isolatedDir,
		SharedDir:   sharedDir,
	})
	blocking := BlockingFailure(auto)

	if _, err := e.store.UpdateRun(runID, func(r *store.Run) {
		if stepIdx < 0 || stepIdx >= len(r.StepRuns) {
			return
		}
		t := e.now()
		sr := &r.StepRuns[stepIdx]
		sr.Output = res.Output
		sr.SubagentNotes = res.SubagentNotes
		sr.GateResults = auto
		sr.Outcome = res.Outcome
		sr.FinishedAt = &t
		for _, line := range res.Tail {
			r.AppendLog(fmt.Sprintf("[%s] %s", step.Name, line))
		}
		if blocking != nil {
			sr.Status = store.StepFailed
			sr.Error = fmt.Sprintf("quality gate %q failed: %s", blocking.Name, blocking.Message)
			r.AppendLog(fmt.Sprintf("Step %q blocked by gate %q: %s", step.Name, blocking.Name, blocking.Message))
			return
		}
		sr.Status = store.StepCompleted
		r.AppendLog(fmt.Sprintf("Step %q completed (%s) in %dms", step.Name, sr.Outcome, duration.Milliseconds()))
		for _, g := range auto {
			if !g.Passed && !g.Blocking {
				r.AppendLog(fmt.Sprintf("Gate %q failed (non-blocking): %s", g.Name, g.Message))
			}
		}
	}); err != nil {
		return false, err
	}

	e.metrics.StepFinished(prov.Kind, string(res.Outcome), duration)
	if blocking != nil {
		return false, nil
	}

	if step.StoreOutput {
		e.storeOutput(runID, step, workDir, res.Output)
	}

	return e.maybeAwaitApproval(runID, step, gates)
}

// maybeAwaitApproval suspends the run on the first manual gate without an
// approved resolution. Returns suspended=true when the worker must exit.
func (e *Executor) maybeAwaitApproval(runID string, step pipeline.Step, gates []pipeline.QualityGate) (bool, error) {
	run, err := e.store.GetRun(runID)
	if err != nil {
		return false, err
	}

	for _, g := range gates {
		if g.Kind != pipeline.GateManualApproval {
			continue
		}
		if hasApprovedApproval(run, step.ID, g.ID) {
			continue
		}

		gate := g
		if _, err := e.store.UpdateRun(runID, func(r *store.Run) {
			if !store.CanTransition(r.Status, store.RunAwaitingApproval) {
				return
			}
			r.Status = store.RunAwaitingApproval
			r.Approvals = append(r.Approvals, store.Approval{
				ID:        uuid.NewString(),
				StepID:    step.ID,
				GateID:    gate.ID,
				CreatedAt: e.now(),
			})
			r.AppendLog(fmt.Sprintf("Awaiting manual approval for gate %q on step %q", gate.Name, step.Name))
		}); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// selectNext picks the next step by the routing policy: gate/failure
// retry first, then outgoing links by outcome, then orchestrator
// fallback, else completion.
func (e *Executor) selectNext(run *store.Run, p *pipeline.Pipeline, ordered []pipeline.Step, pol pipeline.Policy) decision {
	last := lastExecuted(run)
	if last == nil {
		if len(ordered) == 0 {
			return decision{kind: decideComplete}
		}
		s := p.StepByID(ordered[0].ID)
		if s == nil {
			return decision{kind: decideFailed, reason: "Run failed: first step missing from pipeline"}
		}
		return decision{kind: decideStep, step: s, attempts: 1}
	}

	if last.Status == store.StepFailed {
		if last.Attempts < maxStepRetries {
			s := p.StepByID(last.StepID)
			if s == nil {
				return decision{kind: decideFailed, reason: fmt.Sprintf("Run failed: step %q no longer exists", last.StepName)}
			}
			return decision{kind: decideStep, step: s, attempts: last.Attempts + 1}
		}
		return decision{kind: decideFailed, reason: fmt.Sprintf(
			"Run failed: step %q exhausted %d attempts", last.StepName, last.Attempts)}
	}

	for _, l := range p.OutgoingLinks(last.StepID) {
		if !linkMatches(l.EffectiveCondition(), last.Outcome) {
			continue
		}
		if s := p.StepByID(l.TargetID); s != nil {
			return decision{kind: decideStep, step: s, attempts: 1}
		}
	}

	orch := p.Orchestrator()
	if orch != nil && orch.ID != last.StepID && orchestratorVisits(run, orch.ID) < pol.MaxLoops {
		return decision{kind: decideStep, step: orch, attempts: 1, fallbackRoute: true}
	}

	return decision{kind: decideComplete}
}

func linkMatches(cond pipeline.LinkCondition, outcome store.Outcome) bool {
	switch cond {
	case pipeline.CondAlways:
		return true
	case pipeline.CondOnPass:
		return outcome == store.OutcomePass
	case pipeline.CondOnFail:
		return outcome == store.OutcomeFail
	}
	return false
}

// finish transitions the run to a terminal status, skipping any remaining
// pending skeletons.
func (e *Executor) finish(runID string, status store.RunStatus, line string) error {
	updated, err := e.store.UpdateRun(runID, func(r *store.Run) {
		if !store.CanTransition(r.Status, status) {
			return
		}
		t := e.now()
		r.Status = status
		r.FinishedAt = &t
		markPendingSkipped(r)
		r.AppendLog(line)
	})
	if err != nil {
		return err
	}
	if updated.StartedAt != nil && updated.FinishedAt != nil {
		e.metrics.RunFinished(string(updated.Status), updated.FinishedAt.Sub(*updated.StartedAt))
	}
	return nil
}

// onInterrupt classifies a context cancellation. Pause and stop paths
// have already written the run record; daemon shutdown leaves the record
// for startup recovery.
func (e *Executor) onInterrupt(ctx context.Context, runID string) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrPauseRequested) {
		return nil
	}
	var sc *stopCause
	if errors.As(cause, &sc) {
		return nil
	}
	if run, err := e.store.GetRun(runID); err == nil && run.Status.Terminal() {
		return nil
	}
	return nil
}

// storeOutput persists a completed step's output into the workspace.
func (e *Executor) storeOutput(runID string, step pipeline.Step, workDir, output string) {
	ext := ".md"
	if step.OutputFormat == pipeline.OutputJSON {
		ext = ".json"
	}
	dir := filepath.Join(workDir, "outputs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.appendLog(runID, fmt.Sprintf("Failed to create outputs directory: %v", err))
		return
	}
	path := filepath.Join(dir, step.ID+ext)
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		e.appendLog(runID, fmt.Sprintf("Failed to store output for step %q: %v", step.Name, err))
	}
}

func (e *Executor) appendLog(runID, line string) {
	if _, err := e.store.UpdateRun(runID, func(r *store.Run) {
		r.AppendLog(line)
	}); err != nil {
		e.logger.Warn("Failed to append run log", slog.String(log.RunIDKey, runID), log.Error(err))
	}
}

// effectivePolicy returns the pipeline policy with defaults and clamping
// applied.
func effectivePolicy(p *pipeline.Pipeline) pipeline.Policy {
	pol := p.Policy
	if pol == (pipeline.Policy{}) {
		pol = pipeline.DefaultPolicy()
	}
	return pol.Clamp()
}

// --- run record helpers ---

// executedCount counts step executions (completed or failed records).
func executedCount(r *store.Run) int {
	n := 0
	for i := range r.StepRuns {
		switch r.StepRuns[i].Status {
		case store.StepCompleted, store.StepFailed:
			n++
		}
	}
	return n
}

// lastExecuted returns the most recent completed or failed step record.
func lastExecuted(r *store.Run) *store.StepRun {
	var last *store.StepRun
	var lastAt time.Time
	for i := range r.StepRuns {
		sr := &r.StepRuns[i]
		if sr.Status != store.StepCompleted && sr.Status != store.StepFailed {
			continue
		}
		at := r.CreatedAt
		if sr.StartedAt != nil {
			at = *sr.StartedAt
		}
		if last == nil || !at.Before(lastAt) {
			last = sr
			lastAt = at
		}
	}
	return last
}

// lastCompletedOutput returns the output of the most recent completed
// step, or "".
func lastCompletedOutput(r *store.Run) string {
	var out string
	var lastAt time.Time
	for i := range r.StepRuns {
		sr := &r.StepRuns[i]
		if sr.Status != store.StepCompleted {
			continue
		}
		at := r.CreatedAt
		if sr.StartedAt != nil {
			at = *sr.StartedAt
		}
		if !at.Before(lastAt) {
			out = sr.Output
			lastAt = at
		}
	}
	return out
}

// orchestratorVisits counts executions of the orchestrator step.
func orchestratorVisits(r *store.Run, orchID string) int {
	n := 0
	for i := range r.StepRuns {
		sr := &r.StepRuns[i]
		if sr.StepID != orchID {
			continue
		}
		if sr.Status == store.StepCompleted || sr.Status == store.StepFailed {
			n++
		}
	}
	return n
}

// pendingIndex finds the first pending skeleton for the step, or -1.
func pendingIndex(r *store.Run, stepID string) int {
	for i := range r.StepRuns {
		if r.StepRuns[i].StepID == stepID && r.StepRuns[i].Status == store.StepPending {
			return i
		}
	}
	return -1
}

// markPendingSkipped converts remaining pending skeletons to skipped.
func markPendingSkipped(r *store.Run) {
	for i := range r.StepRuns {
		if r.StepRuns[i].Status == store.StepPending {
			r.StepRuns[i].Status = store.StepSkipped
			r.StepRuns[i].Outcome = store.OutcomeSkipped
		}
	}
}

// markRunningFailed converts in-flight step records to failed with the
// given reason; used on cancellation.
func markRunningFailed(r *store.Run, reason string, now time.Time) {
	for i := range r.StepRuns {
		if r.StepRuns[i].Status == store.StepRunning {
			r.StepRuns[i].Status = store.StepFailed
			r.StepRuns[i].Error = reason
			t := now
			r.StepRuns[i].FinishedAt = &t
		}
	}
}

func hasApprovedApproval(r *store.Run, stepID, gateID string) bool {
	for i := range r.Approvals {
		a := &r.Approvals[i]
		if a.StepID == stepID && a.GateID == gateID && a.Resolution == store.ApprovalApproved {
			return true
		}
	}
	return false
}

func serversForStep(all []store.MCPServer, ids []string) []store.MCPServer {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []store.MCPServer
	for _, s := range all {
		if want[s.ID] {
			out = append(out, s)
		}
	}
	return out
}
