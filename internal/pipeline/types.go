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

// Package pipeline defines the pipeline data model: steps, links,
// quality gates, schedules, and the runtime policy that bounds execution.
package pipeline

import "time"

// Role identifies the function of a step within a pipeline.
type Role string

const (
	RoleAnalysis     Role = "analysis"
	RolePlanner      Role = "planner"
	RoleOrchestrator Role = "orchestrator"
	RoleExecutor     Role = "executor"
	RoleTester       Role = "tester"
	RoleReview       Role = "review"
)

// ValidRole reports whether r is a known step role.
func ValidRole(r Role) bool {
	switch r {
	case RoleAnalysis, RolePlanner, RoleOrchestrator, RoleExecutor, RoleTester, RoleReview:
		return true
	}
	return false
}

// LinkCondition controls when a link is followed during execution.
type LinkCondition string

const (
	CondAlways LinkCondition = "always"
	CondOnPass LinkCondition = "on_pass"
	CondOnFail LinkCondition = "on_fail"
)

// ValidLinkCondition reports whether c is a known link condition.
func ValidLinkCondition(c LinkCondition) bool {
	switch c {
	case CondAlways, CondOnPass, CondOnFail:
		return true
	}
	return false
}

// OutputFormat is the expected format of a step's final output.
type OutputFormat string

const (
	OutputMarkdown OutputFormat = "markdown"
	OutputJSON     OutputFormat = "json"
)

// GateKind identifies the assertion a quality gate performs.
type GateKind string

const (
	GateRegexMustMatch    GateKind = "regex_must_match"
	GateRegexMustNotMatch GateKind = "regex_must_not_match"
	GateJSONFieldExists   GateKind = "json_field_exists"
	GateArtifactExists    GateKind = "artifact_exists"
	GateManualApproval    GateKind = "manual_approval"
)

// ValidGateKind reports whether k is a known gate kind.
func ValidGateKind(k GateKind) bool {
	switch k {
	case GateRegexMustMatch, GateRegexMustNotMatch, GateJSONFieldExists,
		GateArtifactExists, GateManualApproval:
		return true
	}
	return false
}

// AnyStep is the gate target sentinel matching every step.
const AnyStep = "any_step"

// Runtime policy bounds. Values outside these ranges are clamped on input.
const (
	MinMaxLoops          = 0
	MaxMaxLoops          = 12
	MinMaxStepExecutions = 4
	MaxMaxStepExecutions = 120
	MinStageTimeout      = 10 * time.Second
	MaxStageTimeout      = 20 * time.Minute
)

// Policy bounds pipeline execution at runtime.
type Policy struct {
	// MaxLoops caps how many times execution may revisit the orchestrator.
	MaxLoops int `json:"maxLoops" yaml:"maxLoops"`
	// MaxStepExecutions caps the total number of step executions in a run.
	MaxStepExecutions int `json:"maxStepExecutions" yaml:"maxStepExecutions"`
	// StageTimeoutMs bounds a single step attempt, in milliseconds.
	StageTimeoutMs int `json:"stageTimeoutMs" yaml:"stageTimeoutMs"`
}

// DefaultPolicy returns the policy applied when a pipeline omits one.
func DefaultPolicy() Policy {
	return Policy{
		MaxLoops:          3,
		MaxStepExecutions: 24,
		StageTimeoutMs:    int((5 * time.Minute).Milliseconds()),
	}
}

// Clamp forces the policy fields into their allowed ranges.
func (p Policy) Clamp() Policy {
	if p.MaxLoops < MinMaxLoops {
		p.MaxLoops = MinMaxLoops
	}
	if p.MaxLoops > MaxMaxLoops {
		p.MaxLoops = MaxMaxLoops
	}
	if p.MaxStepExecutions < MinMaxStepExecutions {
		p.MaxStepExecutions = MinMaxStepExecutions
	}
	if p.MaxStepExecutions > MaxMaxStepExecutions {
		p.MaxStepExecutions = MaxMaxStepExecutions
	}
	minMs := int(MinStageTimeout.Milliseconds())
	maxMs := int(MaxStageTimeout.Milliseconds())
	if p.StageTimeoutMs < minMs {
		p.StageTimeoutMs = minMs
	}
	if p.StageTimeoutMs > maxMs {
		p.StageTimeoutMs = maxMs
	}
	return p
}

// StageTimeout returns the stage timeout as a duration.
func (p Policy) StageTimeout() time.Duration {
	return time.Duration(p.StageTimeoutMs) * time.Millisecond
}

// Delegation bounds.
const (
	MinDelegationCount = 1
	MaxDelegationCount = 8
)

// Delegation configures parallel sub-invocations of a step.
type Delegation struct {
	Enabled bool `json:"enableDelegation" yaml:"enableDelegation"`
	Count   int  `json:"delegationCount" yaml:"delegationCount"`
}

// Step is one LLM invocation within a pipeline.
type Step struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Role            Role         `json:"role"`
	Prompt          string       `json:"prompt"`
	ProviderID      string       `json:"providerId"`
	Model           string       `json:"model"`
	ReasoningEffort string       `json:"reasoningEffort,omitempty"`
	FastMode        bool         `json:"fastMode,omitempty"`
	LongContext     bool         `json:"longContext,omitempty"` // 1M-context flag
	ContextWindow   int          `json:"contextWindowTokens,omitempty"`
	ContextTemplate string       `json:"contextTemplate"`
	Delegation      Delegation   `json:"delegation"`
	StoreOutput     bool         `json:"storeOutput,omitempty"`
	SharedStorage   bool         `json:"sharedStorage,omitempty"`
	MCPServerIDs    []string     `json:"mcpServerIds,omitempty"`
	OutputFormat    OutputFormat `json:"outputFormat,omitempty"`
	RequiredFields  []string     `json:"requiredOutputFields,omitempty"`
	RequiredFiles   []string     `json:"requiredOutputFiles,omitempty"`
}

// Link is a conditional transition between two steps.
type Link struct {
	ID        string        `json:"id"`
	SourceID  string        `json:"sourceStepId"`
	TargetID  string        `json:"targetStepId"`
	Condition LinkCondition `json:"condition,omitempty"`
}

// EffectiveCondition returns the link condition, defaulting to always.
func (l Link) EffectiveCondition() LinkCondition {
	if l.Condition == "" {
		return CondAlways
	}
	return l.Condition
}

// QualityGate is a post-step assertion that may block or annotate progress.
type QualityGate struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	TargetStepID string   `json:"targetStepId"` // step id or AnyStep
	Kind         GateKind `json:"kind"`
	Blocking     bool     `json:"blocking"`
	Pattern      string   `json:"pattern,omitempty"`
	PatternFlags string   `json:"patternFlags,omitempty"`
	JSONPath     string   `json:"jsonPath,omitempty"`
	ArtifactPath string   `json:"artifactPath,omitempty"`
	Message      string   `json:"message,omitempty"`
}

// RunMode selects how a scheduled firing dispatches a run.
type RunMode string

const (
	RunModeSmart RunMode = "smart"
	RunModeQuick RunMode = "quick"
)

// Schedule configures automatic cron-based triggering of a pipeline.
type Schedule struct {
	Enabled      bool              `json:"enabled"`
	Cron         string            `json:"cron"`
	Timezone     string            `json:"timezone,omitempty"`
	TaskOverride string            `json:"taskOverride,omitempty"`
	RunMode      RunMode           `json:"runMode,omitempty"`
	Inputs       map[string]string `json:"inputs,omitempty"`
}

// Pipeline is a directed graph of agent steps with conditional links.
// The graph may contain cycles; the executor enforces loop and execution caps.
type Pipeline struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Steps     []Step        `json:"steps"`
	Links     []Link        `json:"links"`
	Policy    Policy        `json:"policy"`
	Schedule  *Schedule     `json:"schedule,omitempty"`
	Gates     []QualityGate `json:"qualityGates,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// StepByID returns the step with the given id, or nil.
func (p *Pipeline) StepByID(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// StepIndex returns the original index of the step with the given id, or -1.
func (p *Pipeline) StepIndex(id string) int {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// Orchestrator returns the first orchestrator-role step, or nil.
func (p *Pipeline) Orchestrator() *Step {
	for i := range p.Steps {
		if p.Steps[i].Role == RoleOrchestrator {
			return &p.Steps[i]
		}
	}
	return nil
}

// OutgoingLinks returns the links whose source is the given step,
// preserving definition order.
func (p *Pipeline) OutgoingLinks(stepID string) []Link {
	var out []Link
	for _, l := range p.Links {
		if l.SourceID == stepID {
			out = append(out, l)
		}
	}
	return out
}

// GatesForStep returns the gates targeting the given step or AnyStep,
// preserving definition order.
func (p *Pipeline) GatesForStep(stepID string) []QualityGate {
	var out []QualityGate
	for _, g := range p.Gates {
		if g.TargetStepID == stepID || g.TargetStepID == AnyStep {
			out = append(out, g)
		}
	}
	return out
}
