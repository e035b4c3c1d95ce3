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

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestCountersAppearInExposition(t *testing.T) {
	m := New()

	m.RunQueued()
	m.RunQueued()
	m.RunFinished("completed", 3*time.Second)
	m.RunFinished("failed", time.Second)
	m.StepFinished("codex", "pass", 2*time.Second)
	m.WorkerStarted()
	m.SchedulerFired()
	m.SchedulerSkipped()
	m.ObserveHTTP("GET", "2xx", 50*time.Millisecond)

	out := scrape(t, m)
	assert.Contains(t, out, "stagehand_runs_queued_total 2")
	assert.Contains(t, out, `stagehand_runs_finished_total{status="completed"} 1`)
	assert.Contains(t, out, `stagehand_runs_finished_total{status="failed"} 1`)
	assert.Contains(t, out, `stagehand_step_duration_seconds_count{outcome="pass",provider="codex"} 1`)
	assert.Contains(t, out, "stagehand_active_run_workers 1")
	assert.Contains(t, out, "stagehand_scheduler_fires_total 1")
	assert.Contains(t, out, "stagehand_scheduler_skips_total 1")
	assert.Contains(t, out, `stagehand_http_requests_total{method="GET",status="2xx"} 1`)
}

func TestWorkerGaugeTracksStartStop(t *testing.T) {
	m := New()
	m.WorkerStarted()
	m.WorkerStarted()
	m.WorkerStopped()
	assert.Contains(t, scrape(t, m), "stagehand_active_run_workers 1")
}

func TestFreshRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.RunQueued()
	assert.Contains(t, scrape(t, a), "stagehand_runs_queued_total 1")
	assert.Contains(t, scrape(t, b), "stagehand_runs_queued_total 0")
}
