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
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-ai/stagehand/internal/log"
	"github.com/stagehand-ai/stagehand/internal/pipeline"
	"github.com/stagehand-ai/stagehand/internal/preflight"
	"github.com/stagehand-ai/stagehand/internal/store"
	"github.com/stagehand-ai/stagehand/internal/vault"
)

// Conflict errors surfaced to the HTTP boundary with machine-readable
// codes.
var (
	ErrRunNotRunning          = errors.New("run is not running")
	ErrRunNotPaused           = errors.New("run is not paused")
	ErrRunNotAwaitingApproval = errors.New("run is not awaiting approval")
	ErrApprovalResolved       = errors.New("approval already resolved")
	ErrInvalidDecision        = errors.New("decision must be approved or rejected")
)

// PreflightError rejects run admission; no run record is created.
type PreflightError struct {
	Checks []preflight.Check
}

func (e *PreflightError) Error() string {
	ids := make([]string, len(e.Checks))
	for i, c := range e.Checks {
		ids[i] = c.ID
	}
	return "preflight failed: " + strings.Join(ids, ", ")
}

// SecureStore is the vault surface the queue depends on.
type SecureStore interface {
	Get(pipelineID string) (map[string]string, error)
	Upsert(pipelineID string, partial map[string]string) ([]string, error)
}

// Service is the run queue and controller registry: it admits runs after
// preflight, owns one worker per active run, and exposes the lifecycle
// commands (pause, resume, cancel, approvals).
type Service struct {
	store       store.StateStore
	secure      SecureStore
	preflight   *preflight.Evaluator
	executor    *Executor
	controllers *Controllers
	logger      *slog.Logger
	metrics     Metrics
	now         func() time.Time

	mu      sync.Mutex
	rootCtx context.Context
	wg      sync.WaitGroup
}

// NewService creates the queue service.
func NewService(st store.StateStore, secure SecureStore, pf *preflight.Evaluator, ex *Executor, logger *slog.Logger, metrics Metrics) *Service {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Service{
		store:       st,
		secure:      secure,
		preflight:   pf,
		executor:    ex,
		controllers: NewControllers(),
		logger:      log.WithComponent(logger, "queue"),
		metrics:     metrics,
		now:         time.Now,
		rootCtx:     context.Background(),
	}
}

// SetClock overrides the time source, for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.executor.SetClock(now)
}

// Start binds workers to the daemon lifetime context.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.rootCtx = ctx
	s.mu.Unlock()
}

// Drain waits for all active workers to exit, up to the timeout.
func (s *Service) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Controllers exposes the registry for observers (metrics, tests).
func (s *Service) Controllers() *Controllers {
	return s.controllers
}

// QueueRun admits a run: preflight, input normalization, secure input
// persistence and merge, masked run record, and worker launch. A
// *PreflightError is returned, and no run record created, when any
// preflight check fails.
func (s *Service) QueueRun(ctx context.Context, p pipeline.Pipeline, task string, rawInputs map[string]string, persistSensitive bool) (*store.Run, error) {
	inputs := normalizeInputs(rawInputs)

	plan := s.preflight.Evaluate(ctx, &p, inputs)
	if failed := plan.Failed(); len(failed) > 0 {
		return nil, &PreflightError{Checks: failed}
	}

	sensitive := vault.PickSensitive(inputs)
	if persistSensitive && len(sensitive) > 0 {
		if _, err := s.secure.Upsert(p.ID, sensitive); err != nil {
			return nil, fmt.Errorf("failed to persist secure inputs: %w", err)
		}
	}

	secure, err := s.secure.Get(p.ID)
	if err != nil {
		s.logger.Warn("Failed to load secure inputs; continuing without",
			slog.String(log.PipelineKey, p.ID), log.Error(err))
		secure = map[string]string{}
	}
	runtime := vault.Merge(inputs, secure)

	run := &store.Run{
		ID:           uuid.NewString(),
		PipelineID:   p.ID,
		PipelineName: p.Name,
		Task:         task,
		Inputs:       vault.MaskSensitive(runtime),
		Status:       store.RunQueued,
		StepRuns:     pendingSkeletons(pipeline.Order(p.Steps, p.Links)),
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateRun(run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	s.metrics.RunQueued()

	s.startWorker(run.ID, p, runtime)
	return run, nil
}

// HasActiveRun reports whether the pipeline has a non-terminal run.
func (s *Service) HasActiveRun(pipelineID string) bool {
	for _, r := range s.store.ListRuns(0) {
		if r.PipelineID == pipelineID && !r.Status.Terminal() {
			return true
		}
	}
	return false
}

// LaunchScheduled implements scheduler.Launcher. Scheduled firings never
// persist sensitive inputs.
func (s *Service) LaunchScheduled(ctx context.Context, p pipeline.Pipeline, task string, inputs map[string]string) error {
	_, err := s.QueueRun(ctx, p, task, inputs, false)
	return err
}

// PauseRun suspends a running run. The worker exits; a fresh worker is
// attached on resume.
func (s *Service) PauseRun(id string) (*store.Run, error) {
	run, err := s.store.GetRun(id)
	if err != nil {
		return nil, err
	}
	if run.Status != store.RunRunning {
		return nil, ErrRunNotRunning
	}

	updated, err := s.store.UpdateRun(id, func(r *store.Run) {
		if r.Status != store.RunRunning {
			return
		}
		r.Status = store.RunPaused
		r.AppendLog("Run paused")
	})
	if err != nil {
		return nil, err
	}
	s.controllers.Cancel(id, ErrPauseRequested)
	return updated, nil
}

// ResumeRun moves a paused run back to running and attaches a worker.
func (s *Service) ResumeRun(id string) (*store.Run, error) {
	run, err := s.store.GetRun(id)
	if err != nil {
		return nil, err
	}
	if run.Status != store.RunPaused {
		return nil, ErrRunNotPaused
	}

	updated, err := s.store.UpdateRun(id, func(r *store.Run) {
		if r.Status != store.RunPaused {
			return
		}
		r.Status = store.RunRunning
		r.AppendLog("Run resumed")
	})
	if err != nil {
		return nil, err
	}
	s.attachWorker(updated)
	return updated, nil
}

// CancelRun moves the run to cancelled and signals its worker. Idempotent
// and re-entrant: cancelling a terminal run returns the run unchanged.
func (s *Service) CancelRun(id, reason string) (*store.Run, error) {
	run, err := s.store.GetRun(id)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}

	now := s.now()
	updated, err := s.store.UpdateRun(id, func(r *store.Run) {
		if r.Status.Terminal() {
			return
		}
		r.Status = store.RunCancelled
		t := now
		r.FinishedAt = &t
		markRunningFailed(r, "cancelled", now)
		markPendingSkipped(r)
		r.AppendLog(reason)
	})
	if err != nil {
		return nil, err
	}
	s.controllers.Cancel(id, &stopCause{reason: reason})
	if updated.StartedAt != nil && updated.FinishedAt != nil {
		s.metrics.RunFinished(string(store.RunCancelled), updated.FinishedAt.Sub(*updated.StartedAt))
	}
	return updated, nil
}

// ResolveApproval records the human decision on a pending approval.
// Approved resumes the run with a fresh worker; rejected fails the run.
func (s *Service) ResolveApproval(runID, approvalID string, decision store.ApprovalResolution, note string) (*store.Run, error) {
	if decision != store.ApprovalApproved && decision != store.ApprovalRejected {
		return nil, ErrInvalidDecision
	}

	run, err := s.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	appr := run.ApprovalByID(approvalID)
	if appr == nil {
		return nil, fmt.Errorf("approval %s: %w", approvalID, store.ErrNotFound)
	}
	if appr.Resolution != store.ApprovalUnresolved {
		return nil, ErrApprovalResolved
	}
	if run.Status != store.RunAwaitingApproval {
		return nil, ErrRunNotAwaitingApproval
	}

	now := s.now()
	updated, err := s.store.UpdateRun(runID, func(r *store.Run) {
		a := r.ApprovalByID(approvalID)
		if a == nil || a.Resolution != store.ApprovalUnresolved {
			return
		}
		a.Resolution = decision
		a.Note = note
		if decision == store.ApprovalApproved {
			if store.CanTransition(r.Status, store.RunRunning) {
				r.Status = store.RunRunning
			}
			r.AppendLog("Approval granted; resuming run")
			return
		}
		if store.CanTransition(r.Status, store.RunFailed) {
			r.Status = store.RunFailed
			t := now
			r.FinishedAt = &t
			markPendingSkipped(r)
		}
		r.AppendLog("Approval rejected; run failed")
	})
	if err != nil {
		return nil, err
	}

	if decision == store.ApprovalApproved {
		s.attachWorker(updated)
	} else if updated.StartedAt != nil && updated.FinishedAt != nil {
		s.metrics.RunFinished(string(store.RunFailed), updated.FinishedAt.Sub(*updated.StartedAt))
	}
	return updated, nil
}

// attachWorker re-attaches a worker to an existing run after resume,
// approval, or recovery. The vault is re-merged because persisted run
// inputs are masked.
func (s *Service) attachWorker(run *store.Run) {
	if s.controllers.Has(run.ID) {
		return
	}

	p, err := s.store.GetPipeline(run.PipelineID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if _, cerr := s.CancelRun(run.ID, "pipeline_no_longer_exists"); cerr != nil {
				s.logger.Error("Failed to cancel orphaned run",
					slog.String(log.RunIDKey, run.ID), log.Error(cerr))
			}
			return
		}
		s.logger.Error("Failed to load pipeline for worker attach",
			slog.String(log.RunIDKey, run.ID), log.Error(err))
		return
	}

	secure, err := s.secure.Get(run.PipelineID)
	if err != nil {
		s.logger.Warn("Failed to load secure inputs on attach; continuing without",
			slog.String(log.RunIDKey, run.ID), log.Error(err))
		secure = map[string]string{}
	}
	runtime := vault.Merge(run.Inputs, secure)

	if _, err := s.store.UpdateRun(run.ID, func(r *store.Run) {
		r.AppendLog("Worker attached")
	}); err != nil {
		s.logger.Warn("Failed to append attach log", slog.String(log.RunIDKey, run.ID), log.Error(err))
	}
	s.startWorker(run.ID, *p, runtime)
}

// startWorker spawns the run's worker goroutine under a cancellation
// controller. The controller entry is removed on every exit path; a
// panicking worker cancels its run.
func (s *Service) startWorker(runID string, p pipeline.Pipeline, runtime map[string]string) {
	s.mu.Lock()
	root := s.rootCtx
	s.mu.Unlock()

	ctx, cancel := context.WithCancelCause(root)
	if !s.controllers.Register(runID, cancel) {
		cancel(nil)
		return
	}

	s.wg.Add(1)
	s.metrics.WorkerStarted()
	go func() {
		defer s.wg.Done()
		defer s.metrics.WorkerStopped()
		defer s.controllers.Remove(runID)
		defer cancel(nil)
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Run worker panicked",
					slog.String(log.RunIDKey, runID), slog.Any("panic", rec))
				s.controllers.Remove(runID)
				if _, err := s.CancelRun(runID, "Unexpected run error"); err != nil {
					s.logger.Error("Failed to cancel run after panic",
						slog.String(log.RunIDKey, runID), log.Error(err))
				}
			}
		}()

		if err := s.executor.Execute(ctx, runID, p, runtime); err != nil {
			s.logger.Error("Run worker exited with error",
				slog.String(log.RunIDKey, runID), log.Error(err))
		}
	}()
}

// normalizeInputs copies the map, trimming keys and dropping empties.
func normalizeInputs(raw map[string]string) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// pendingSkeletons builds pending step records in resolver order.
func pendingSkeletons(ordered []pipeline.Step) []store.StepRun {
	out := make([]store.StepRun, 0, len(ordered))
	for _, s := range ordered {
		out = append(out, store.StepRun{
			StepID:   s.ID,
			StepName: s.Name,
			Role:     string(s.Role),
			Status:   store.StepPending,
		})
	}
	return out
}
