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

package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-ai/stagehand/internal/pipeline"
	"github.com/stagehand-ai/stagehand/internal/store"
)

type launch struct {
	pipelineID string
	task       string
	inputs     map[string]string
}

// fakeLauncher records dispatches. When coalesce is set, the first launch
// marks the pipeline active, mirroring the queue's behavior.
type fakeLauncher struct {
	mu       sync.Mutex
	launches []launch
	active   map[string]bool
	coalesce bool
	err      error
}

func newFakeLauncher(coalesce bool) *fakeLauncher {
	return &fakeLauncher{active: make(map[string]bool), coalesce: coalesce}
}

func (f *fakeLauncher) HasActiveRun(pipelineID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[pipelineID]
}

func (f *fakeLauncher) LaunchScheduled(ctx context.Context, p pipeline.Pipeline, task string, inputs map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.launches = append(f.launches, launch{pipelineID: p.ID, task: task, inputs: inputs})
	if f.coalesce {
		f.active[p.ID] = true
	}
	return nil
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(t *testing.T, launcher Launcher, catchup int) (*Scheduler, *store.FileStore) {
	t.Helper()
	dir := t.TempDir()
	fs, err := store.NewFileStore(dir)
	require.NoError(t, err)
	s := New(fs, launcher, NewMarkers(dir), catchup, testLogger())
	return s, fs
}

func scheduledPipeline(t *testing.T, fs *store.FileStore, cron string) *pipeline.Pipeline {
	t.Helper()
	p, err := fs.CreatePipeline(pipeline.Pipeline{
		Name: "scheduled",
		Steps: []pipeline.Step{
			{ID: "a", Name: "step", Role: pipeline.RoleExecutor, ProviderID: "prov1"},
		},
		Schedule: &pipeline.Schedule{
			Enabled:      true,
			Cron:         cron,
			TaskOverride: "nightly sweep",
			Inputs:       map[string]string{"branch": "main"},
		},
	})
	require.NoError(t, err)
	return p
}

func TestTickCoalescesCatchupWindowIntoOneRun(t *testing.T) {
	launcher := newFakeLauncher(true)
	s, fs := newTestScheduler(t, launcher, 5)
	p := scheduledPipeline(t, fs, "*/1 * * * *")

	now := time.Date(2026, 8, 26, 12, 30, 30, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	s.Tick(context.Background())

	// Every minute in the window matched, but the active run swallowed
	// all but the first firing.
	require.Equal(t, 1, launcher.count())
	assert.Equal(t, "nightly sweep", launcher.launches[0].task)
	assert.Equal(t, map[string]string{"branch": "main"}, launcher.launches[0].inputs)

	// The marker still advanced to the newest matched minute.
	marker := s.markers.Get(p.ID)
	assert.True(t, strings.HasPrefix(marker, "2026-08-26T12:30|"), "marker = %q", marker)

	// A second tick at the same time fires nothing.
	s.Tick(context.Background())
	assert.Equal(t, 1, launcher.count())
}

func TestTickDoesNotRefireAcrossRestart(t *testing.T) {
	launcher := newFakeLauncher(true)
	dir := t.TempDir()
	fs, err := store.NewFileStore(dir)
	require.NoError(t, err)
	p := scheduledPipeline(t, fs, "0 12 * * *")

	now := time.Date(2026, 8, 26, 12, 0, 10, 0, time.UTC)

	s := New(fs, launcher, NewMarkers(dir), 15, testLogger())
	s.SetClock(func() time.Time { return now })
	s.Tick(context.Background())
	require.Equal(t, 1, launcher.count())
	require.NotEmpty(t, s.markers.Get(p.ID))

	// Simulate a restart: fresh scheduler, same marker file, a few
	// minutes later with the fired slot still inside the window.
	launcher2 := newFakeLauncher(true)
	s2 := New(fs, launcher2, NewMarkers(dir), 15, testLogger())
	s2.SetClock(func() time.Time { return now.Add(4 * time.Minute) })
	s2.Tick(context.Background())
	assert.Equal(t, 0, launcher2.count())
}

func TestTickRecordsInvalidCronSentinel(t *testing.T) {
	launcher := newFakeLauncher(true)
	s, fs := newTestScheduler(t, launcher, 5)
	p := scheduledPipeline(t, fs, "not a cron")

	s.SetClock(func() time.Time { return time.Date(2026, 8, 26, 12, 30, 0, 0, time.UTC) })
	s.Tick(context.Background())

	assert.Equal(t, 0, launcher.count())
	assert.Equal(t, "invalid-cron:not a cron", s.markers.Get(p.ID))
}

func TestTickRecordsInvalidTimezoneSentinel(t *testing.T) {
	launcher := newFakeLauncher(true)
	s, fs := newTestScheduler(t, launcher, 5)
	p, err := fs.CreatePipeline(pipeline.Pipeline{
		Name: "zoned",
		Steps: []pipeline.Step{
			{ID: "a", Name: "step", Role: pipeline.RoleExecutor, ProviderID: "prov1"},
		},
		Schedule: &pipeline.Schedule{Enabled: true, Cron: "* * * * *", Timezone: "Mars/Olympus"},
	})
	require.NoError(t, err)

	s.SetClock(func() time.Time { return time.Date(2026, 8, 26, 12, 30, 0, 0, time.UTC) })
	s.Tick(context.Background())

	assert.Equal(t, 0, launcher.count())
	assert.Equal(t, "invalid-timezone:Mars/Olympus", s.markers.Get(p.ID))
}

func TestTickSkipsDisabledSchedules(t *testing.T) {
	launcher := newFakeLauncher(true)
	s, fs := newTestScheduler(t, launcher, 5)
	_, err := fs.CreatePipeline(pipeline.Pipeline{
		Name: "disabled",
		Steps: []pipeline.Step{
			{ID: "a", Name: "step", Role: pipeline.RoleExecutor, ProviderID: "prov1"},
		},
		Schedule: &pipeline.Schedule{Enabled: false, Cron: "* * * * *"},
	})
	require.NoError(t, err)

	s.SetClock(func() time.Time { return time.Date(2026, 8, 26, 12, 30, 0, 0, time.UTC) })
	s.Tick(context.Background())
	assert.Equal(t, 0, launcher.count())
}

func TestMarkerAdvancesWhenLaunchFails(t *testing.T) {
	launcher := newFakeLauncher(true)
	launcher.err = errors.New("preflight failed")
	s, fs := newTestScheduler(t, launcher, 0)
	p := scheduledPipeline(t, fs, "*/1 * * * *")

	s.SetClock(func() time.Time { return time.Date(2026, 8, 26, 12, 30, 0, 0, time.UTC) })
	s.Tick(context.Background())

	// The firing was consumed even though dispatch failed: scheduled
	// firings never retry.
	assert.Equal(t, 0, launcher.count())
	assert.True(t, strings.HasPrefix(s.markers.Get(p.ID), "2026-08-26T12:30|"))
}

func TestDeleteMarkerCascade(t *testing.T) {
	launcher := newFakeLauncher(true)
	s, fs := newTestScheduler(t, launcher, 0)
	p := scheduledPipeline(t, fs, "*/1 * * * *")

	s.SetClock(func() time.Time { return time.Date(2026, 8, 26, 12, 30, 0, 0, time.UTC) })
	s.Tick(context.Background())
	require.NotEmpty(t, s.markers.Get(p.ID))

	s.DeleteMarker(p.ID)
	assert.Empty(t, s.markers.Get(p.ID))
}

func TestClampCatchup(t *testing.T) {
	assert.Equal(t, 0, ClampCatchup(-5))
	assert.Equal(t, 15, ClampCatchup(15))
	assert.Equal(t, MaxCatchupMinutes, ClampCatchup(100000))
}
