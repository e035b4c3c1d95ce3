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

// Package scheduler triggers pipeline runs from cron schedules. A fixed
// ticker examines a trailing catch-up window of minutes so firings missed
// during downtime coalesce into one run on restart.
package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/stagehand-ai/stagehand/internal/log"
	"github.com/stagehand-ai/stagehand/internal/pipeline"
	"github.com/stagehand-ai/stagehand/internal/store"
)

const (
	// TickInterval paces scheduler evaluation.
	TickInterval = 15 * time.Second

	// DefaultCatchupMinutes is the default trailing window examined per tick.
	DefaultCatchupMinutes = 15
	// MaxCatchupMinutes clamps the configurable catch-up window.
	MaxCatchupMinutes = 720
)

// ClampCatchup forces a configured window into [0, MaxCatchupMinutes].
func ClampCatchup(minutes int) int {
	if minutes < 0 {
		return 0
	}
	if minutes > MaxCatchupMinutes {
		return MaxCatchupMinutes
	}
	return minutes
}

// Launcher dispatches scheduled runs. The run queue implements it.
type Launcher interface {
	// HasActiveRun reports whether the pipeline has a non-terminal run.
	HasActiveRun(pipelineID string) bool
	// LaunchScheduled runs preflight and, if it passes, enqueues a run.
	LaunchScheduled(ctx context.Context, p pipeline.Pipeline, task string, inputs map[string]string) error
}

// Metrics counts scheduler activity.
type Metrics interface {
	SchedulerFired()
	SchedulerSkipped()
}

type nopMetrics struct{}

func (nopMetrics) SchedulerFired()   {}
func (nopMetrics) SchedulerSkipped() {}

// Scheduler owns the tick loop and the marker map.
type Scheduler struct {
	store    store.StateStore
	launcher Launcher
	markers  *Markers
	logger   *slog.Logger
	metrics  Metrics

	catchupMinutes int
	now            func() time.Time

	ticking atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// warnedInvalid tracks pipelines already warned about, so invalid
	// cron or timezone configs log once, not every tick.
	warnedInvalid map[string]bool
}

// New creates a scheduler.
func New(st store.StateStore, launcher Launcher, markers *Markers, catchupMinutes int, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:          st,
		launcher:       launcher,
		markers:        markers,
		logger:         log.WithComponent(logger, "scheduler"),
		metrics:        nopMetrics{},
		catchupMinutes: ClampCatchup(catchupMinutes),
		now:            time.Now,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		warnedInvalid:  make(map[string]bool),
	}
}

// SetClock overrides the time source, for tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// SetMetrics installs a metrics sink.
func (s *Scheduler) SetMetrics(m Metrics) {
	if m != nil {
		s.metrics = m
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop halts the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	// Evaluate immediately on start so restart recovery does not wait a
	// full interval.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates all schedules once. Re-entrant calls are skipped: if a
// previous tick is still running, this one returns immediately.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		return
	}
	defer s.ticking.Store(false)

	if err := s.markers.Load(); err != nil {
		s.logger.Error("Failed to load scheduler markers", log.Error(err))
	}

	now := s.now()
	window := s.catchupWindow(now)
	fired := false

	for _, p := range s.store.ListPipelines() {
		if p.Schedule == nil || !p.Schedule.Enabled {
			continue
		}
		if s.evaluate(ctx, p, window) {
			fired = true
		}
	}

	if fired {
		if err := s.markers.Persist(); err != nil {
			s.logger.Error("Failed to persist scheduler markers", log.Error(err))
		}
	}
}

// catchupWindow returns the current minute and up to catchupMinutes
// preceding minutes, oldest first, seconds zeroed.
func (s *Scheduler) catchupWindow(now time.Time) []time.Time {
	current := now.Truncate(time.Minute)
	window := make([]time.Time, 0, s.catchupMinutes+1)
	for i := s.catchupMinutes; i >= 0; i-- {
		window = append(window, current.Add(-time.Duration(i)*time.Minute))
	}
	return window
}

// evaluate checks one pipeline's schedule against the window and returns
// true when any marker was handled (fresh firing or sentinel update).
func (s *Scheduler) evaluate(ctx context.Context, p pipeline.Pipeline, window []time.Time) bool {
	sched := p.Schedule
	logger := s.logger.With(slog.String(log.PipelineKey, p.ID))

	expr, err := ParseCron(sched.Cron)
	if err != nil {
		sentinel := invalidCronPrefix + sched.Cron
		handled := s.markers.Get(p.ID) != sentinel
		s.markers.Set(p.ID, sentinel)
		if !s.warnedInvalid[p.ID] {
			s.warnedInvalid[p.ID] = true
			logger.Warn("Invalid cron expression", slog.String("cron", sched.Cron), log.Error(err))
		}
		return handled
	}

	loc := time.UTC
	if sched.Timezone != "" {
		loc, err = time.LoadLocation(sched.Timezone)
		if err != nil {
			sentinel := invalidTimezonePrefix + sched.Timezone
			handled := s.markers.Get(p.ID) != sentinel
			s.markers.Set(p.ID, sentinel)
			if !s.warnedInvalid[p.ID] {
				s.warnedInvalid[p.ID] = true
				logger.Warn("Invalid schedule timezone", slog.String("timezone", sched.Timezone), log.Error(err))
			}
			return handled
		}
	}
	delete(s.warnedInvalid, p.ID)

	handled := false
	for _, slot := range window {
		zoned := slot.In(loc)
		if !expr.Matches(zoned) {
			continue
		}

		minuteKey := zoned.Format("2006-01-02T15:04")
		marker := Fingerprint(minuteKey, sched.Cron, sched.Timezone)
		if s.markers.Get(p.ID) == marker {
			continue
		}
		// A stored fingerprint with a newer minute for the same cron and
		// timezone means this slot already fired before a restart.
		if prev := s.markers.Get(p.ID); fingerprintMinute(prev) >= minuteKey &&
			prev == Fingerprint(fingerprintMinute(prev), sched.Cron, sched.Timezone) {
			continue
		}

		handled = true
		s.markers.Set(p.ID, marker)
		s.fire(ctx, p, logger, minuteKey)
	}
	return handled
}

// fire dispatches one fresh firing. Active runs and preflight failures
// skip the launch; the marker has already advanced.
func (s *Scheduler) fire(ctx context.Context, p pipeline.Pipeline, logger *slog.Logger, minuteKey string) {
	if s.launcher.HasActiveRun(p.ID) {
		s.metrics.SchedulerSkipped()
		logger.Info("Skipping scheduled firing: pipeline already has an active run",
			slog.String("minute", minuteKey))
		return
	}

	task := p.Schedule.TaskOverride
	if task == "" {
		task = "Scheduled run of " + p.Name
	}

	if err := s.launcher.LaunchScheduled(ctx, p, task, p.Schedule.Inputs); err != nil {
		s.metrics.SchedulerSkipped()
		logger.Warn("Scheduled firing skipped", slog.String("minute", minuteKey), log.Error(err))
		return
	}
	s.metrics.SchedulerFired()
	logger.Info("Scheduled run enqueued", slog.String("minute", minuteKey))
}

// DeleteMarker removes a pipeline's marker and persists the map. Called
// from the pipeline deletion cascade.
func (s *Scheduler) DeleteMarker(pipelineID string) {
	if err := s.markers.Load(); err != nil {
		s.logger.Error("Failed to load scheduler markers", log.Error(err))
		return
	}
	s.markers.Delete(pipelineID)
	if err := s.markers.Persist(); err != nil {
		s.logger.Error("Failed to persist scheduler markers", log.Error(err))
	}
}
