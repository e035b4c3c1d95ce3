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
	"errors"
	"log/slog"

	"github.com/stagehand-ai/stagehand/internal/log"
	"github.com/stagehand-ai/stagehand/internal/pipeline"
	"github.com/stagehand-ai/stagehand/internal/store"
)

const recoveryLogLine = "Recovered after daemon restart"

// RecoverInterrupted scans persisted runs after a restart. Queued and
// running runs are re-queued with fresh workers; paused and
// awaiting-approval runs keep their state and wait for the operator;
// runs whose pipeline no longer exists are cancelled.
func (s *Service) RecoverInterrupted() {
	for _, run := range s.store.ListRuns(0) {
		if run.Status.Terminal() {
			continue
		}

		p, err := s.store.GetPipeline(run.PipelineID)
		if errors.Is(err, store.ErrNotFound) {
			if _, cerr := s.CancelRun(run.ID, "pipeline_no_longer_exists"); cerr != nil {
				s.logger.Error("Failed to cancel orphaned run",
					slog.String(log.RunIDKey, run.ID), log.Error(cerr))
			}
			continue
		}
		if err != nil {
			s.logger.Error("Failed to load pipeline during recovery",
				slog.String(log.RunIDKey, run.ID), log.Error(err))
			continue
		}

		switch run.Status {
		case store.RunQueued, store.RunRunning:
			s.requeue(run, p)
		case store.RunPaused, store.RunAwaitingApproval:
			s.noteRecovered(run.ID)
		}
	}
}

// requeue resets an interrupted run to queued, rebuilds pending-step
// skeletons for the steps not yet completed, clears approvals, and
// attaches a fresh worker.
func (s *Service) requeue(run *store.Run, p *pipeline.Pipeline) {
	ordered := pipeline.Order(p.Steps, p.Links)
	now := s.now()

	updated, err := s.store.UpdateRun(run.ID, func(r *store.Run) {
		if r.Status.Terminal() {
			return
		}
		r.Status = store.RunQueued
		r.StartedAt = nil
		markRunningFailed(r, "interrupted by daemon restart", now)
		rebuildSkeletons(r, ordered)
		r.Approvals = nil
		r.AppendLog(recoveryLogLine + "; run re-queued")
	})
	if err != nil {
		s.logger.Error("Failed to re-queue interrupted run",
			slog.String(log.RunIDKey, run.ID), log.Error(err))
		return
	}
	s.logger.Info("Re-queued interrupted run",
		slog.String(log.RunIDKey, run.ID), slog.String(log.PipelineKey, run.PipelineID))
	s.attachWorker(updated)
}

// noteRecovered appends a single recovery line to a suspended run, only
// when the last log line differs, so repeated restarts do not pile up.
func (s *Service) noteRecovered(runID string) {
	if _, err := s.store.UpdateRun(runID, func(r *store.Run) {
		line := recoveryLogLine + "; awaiting operator action"
		if n := len(r.Logs); n > 0 && r.Logs[n-1] == line {
			return
		}
		r.AppendLog(line)
	}); err != nil {
		s.logger.Error("Failed to append recovery log",
			slog.String(log.RunIDKey, runID), log.Error(err))
	}
}

// rebuildSkeletons drops stale pending records and appends a pending
// skeleton for every ordered step without a completed execution.
func rebuildSkeletons(r *store.Run, ordered []pipeline.Step) {
	kept := r.StepRuns[:0]
	completed := make(map[string]bool)
	for _, sr := range r.StepRuns {
		if sr.Status == store.StepPending {
			continue
		}
		if sr.Status == store.StepCompleted {
			completed[sr.StepID] = true
		}
		kept = append(kept, sr)
	}
	r.StepRuns = kept

	for _, s := range ordered {
		if completed[s.ID] {
			continue
		}
		r.StepRuns = append(r.StepRuns, store.StepRun{
			StepID:   s.ID,
			StepName: s.Name,
			Role:     string(s.Role),
			Status:   store.StepPending,
		})
	}
}
