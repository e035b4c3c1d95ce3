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

import "time"

// Metrics receives execution telemetry. The prometheus-backed
// implementation lives outside this package; NopMetrics is the default.
type Metrics interface {
	RunQueued()
	RunFinished(status string, duration time.Duration)
	StepFinished(providerKind string, outcome string, duration time.Duration)
	WorkerStarted()
	WorkerStopped()
}

// NopMetrics discards all telemetry.
type NopMetrics struct{}

func (NopMetrics) RunQueued()                                   {}
func (NopMetrics) RunFinished(string, time.Duration)            {}
func (NopMetrics) StepFinished(string, string, time.Duration)   {}
func (NopMetrics) WorkerStarted()                               {}
func (NopMetrics) WorkerStopped()                               {}
