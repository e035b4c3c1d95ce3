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

// Run record types. Runs are mutated only through StateStore.UpdateRun so
// that every observable change corresponds to a committed snapshot.
package store

import "time"

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunQueued            RunStatus = "queued"
	RunRunning           RunStatus = "running"
	RunPaused            RunStatus = "paused"
	RunAwaitingApproval  RunStatus = "awaiting_approval"
	RunCompleted         RunStatus = "completed"
	RunFailed            RunStatus = "failed"
	RunCancelled         RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the run status graph permits from -> to.
// The graph: queued -> running; running <-> paused; running <-> awaiting_approval;
// any non-terminal -> terminal.
func CanTransition(from, to RunStatus) bool {
	if from.Terminal() {
		return false
	}
	if to.Terminal() {
		return true
	}
	switch from {
	case RunQueued:
		return to == RunRunning
	case RunRunning:
		return to == RunPaused || to == RunAwaitingApproval
	case RunPaused, RunAwaitingApproval:
		return to == RunRunning
	}
	return false
}

// StepStatus is the lifecycle state of a single step execution record.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Outcome is the workflow-level result a step reported.
type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomeNeutral Outcome = "neutral"
	OutcomeSkipped Outcome = "skipped"
)

// GateResult records the evaluation of one quality gate against a step.
type GateResult struct {
	GateID   string `json:"gateId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Passed   bool   `json:"passed"`
	Blocking bool   `json:"blocking"`
	Message  string `json:"message,omitempty"`
}

// StepRun records one step's execution within a run.
type StepRun struct {
	StepID        string       `json:"stepId"`
	StepName      string       `json:"stepName"`
	Role          string       `json:"role"`
	Status        StepStatus   `json:"status"`
	Attempts      int          `json:"attempts"`
	Outcome       Outcome      `json:"workflowOutcome,omitempty"`
	InputContext  string       `json:"inputContext,omitempty"`
	Output        string       `json:"output,omitempty"`
	SubagentNotes []string     `json:"subagentNotes,omitempty"`
	GateResults   []GateResult `json:"qualityGateResults,omitempty"`
	Error         string       `json:"error,omitempty"`
	StartedAt     *time.Time   `json:"startedAt,omitempty"`
	FinishedAt    *time.Time   `json:"finishedAt,omitempty"`
}

// ApprovalResolution is the human decision on a manual gate.
type ApprovalResolution string

const (
	ApprovalUnresolved ApprovalResolution = ""
	ApprovalApproved   ApprovalResolution = "approved"
	ApprovalRejected   ApprovalResolution = "rejected"
)

// Approval is a manual gate resolution record.
type Approval struct {
	ID         string             `json:"id"`
	StepID     string             `json:"stepId"`
	GateID     string             `json:"gateId"`
	CreatedAt  time.Time          `json:"createdAt"`
	Resolution ApprovalResolution `json:"resolution,omitempty"`
	Note       string             `json:"note,omitempty"`
}

// Run is one attempt to execute a pipeline end-to-end.
// Inputs are masked for persistence; the runtime merge path holds the
// unmasked values outside the record.
type Run struct {
	ID           string            `json:"id"`
	PipelineID   string            `json:"pipelineId"`
	PipelineName string            `json:"pipelineName"`
	Task         string            `json:"task"`
	Inputs       map[string]string `json:"inputs,omitempty"`
	Status       RunStatus         `json:"status"`
	StartedAt    *time.Time        `json:"startedAt,omitempty"`
	FinishedAt   *time.Time        `json:"finishedAt,omitempty"`
	Logs         []string          `json:"logs,omitempty"`
	StepRuns     []StepRun         `json:"stepRuns"`
	Approvals    []Approval        `json:"approvals,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// AppendLog appends a log line to the run.
func (r *Run) AppendLog(line string) {
	r.Logs = append(r.Logs, line)
}

// LastStepRun returns the most recent step record, or nil.
func (r *Run) LastStepRun() *StepRun {
	if len(r.StepRuns) == 0 {
		return nil
	}
	return &r.StepRuns[len(r.StepRuns)-1]
}

// PendingApproval returns the first unresolved approval, or nil.
func (r *Run) PendingApproval() *Approval {
	for i := range r.Approvals {
		if r.Approvals[i].Resolution == ApprovalUnresolved {
			return &r.Approvals[i]
		}
	}
	return nil
}

// ApprovalByID returns the approval with the given id, or nil.
func (r *Run) ApprovalByID(id string) *Approval {
	for i := range r.Approvals {
		if r.Approvals[i].ID == id {
			return &r.Approvals[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the run record.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	if r.Inputs != nil {
		out.Inputs = make(map[string]string, len(r.Inputs))
		for k, v := range r.Inputs {
			out.Inputs[k] = v
		}
	}
	out.Logs = append([]string(nil), r.Logs...)
	out.Approvals = append([]Approval(nil), r.Approvals...)
	out.StepRuns = make([]StepRun, len(r.StepRuns))
	for i, sr := range r.StepRuns {
		c := sr
		c.SubagentNotes = append([]string(nil), sr.SubagentNotes...)
		c.GateResults = append([]GateResult(nil), sr.GateResults...)
		out.StepRuns[i] = c
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}
