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

// Package preflight evaluates the smart run plan: the static and dynamic
// checks that gate run dispatch.
package preflight

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/stagehand-ai/stagehand/internal/pipeline"
	"github.com/stagehand-ai/stagehand/internal/provider"
	"github.com/stagehand-ai/stagehand/internal/scheduler"
	"github.com/stagehand-ai/stagehand/internal/store"
)

// CheckStatus is the outcome of one preflight check.
type CheckStatus string

const (
	StatusPass CheckStatus = "pass"
	StatusWarn CheckStatus = "warn"
	StatusFail CheckStatus = "fail"
)

// Check is one entry in a smart run plan.
type Check struct {
	ID      string         `json:"id"`
	Title   string         `json:"title"`
	Status  CheckStatus    `json:"status"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Plan is an ordered list of checks for one prospective run.
type Plan struct {
	Checks []Check `json:"checks"`
}

// Failed returns the failing checks.
func (p *Plan) Failed() []Check {
	var out []Check
	for _, c := range p.Checks {
		if c.Status == StatusFail {
			out = append(out, c)
		}
	}
	return out
}

// OK reports whether no check failed.
func (p *Plan) OK() bool {
	return len(p.Failed()) == 0
}

// SecureKeyLister exposes which vault keys exist for a pipeline without
// exposing values.
type SecureKeyLister interface {
	Keys(pipelineID string) ([]string, error)
}

// Evaluator runs preflight checks against a pipeline.
type Evaluator struct {
	store    store.StateStore
	resolver provider.CredentialResolver
	secure   SecureKeyLister
}

// New creates an evaluator.
func New(st store.StateStore, resolver provider.CredentialResolver, secure SecureKeyLister) *Evaluator {
	return &Evaluator{store: st, resolver: resolver, secure: secure}
}

// builtinPlaceholders are always available at render time.
var builtinPlaceholders = map[string]bool{
	"task":            true,
	"previous_output": true,
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Evaluate produces the smart run plan for a pipeline with the given
// runtime inputs.
func (e *Evaluator) Evaluate(ctx context.Context, p *pipeline.Pipeline, inputs map[string]string) *Plan {
	plan := &Plan{}
	plan.Checks = append(plan.Checks, e.structuralChecks(p)...)
	plan.Checks = append(plan.Checks, e.credentialChecks(ctx, p)...)
	plan.Checks = append(plan.Checks, e.inputChecks(p, inputs)...)
	plan.Checks = append(plan.Checks, e.mcpChecks(p)...)
	plan.Checks = append(plan.Checks, e.scheduleChecks(p)...)
	return plan
}

func (e *Evaluator) structuralChecks(p *pipeline.Pipeline) []Check {
	var checks []Check

	orchestrators := 0
	for _, s := range p.Steps {
		if s.Model == "" {
			checks = append(checks, Check{
				ID:      "structural.model." + s.ID,
				Title:   "Step model",
				Status:  StatusFail,
				Message: fmt.Sprintf("step %q has no model configured", s.Name),
			})
		}
		if s.Role == pipeline.RoleOrchestrator {
			orchestrators++
		}
		if s.OutputFormat == pipeline.OutputJSON && len(s.RequiredFields) == 0 {
			checks = append(checks, Check{
				ID:      "structural.outputs." + s.ID,
				Title:   "Required output fields",
				Status:  StatusFail,
				Message: fmt.Sprintf("step %q has JSON output but no required fields", s.Name),
			})
		}
	}

	if orchestrators > 1 {
		checks = append(checks, Check{
			ID:      "structural.orchestrators",
			Title:   "Orchestrator count",
			Status:  StatusFail,
			Message: fmt.Sprintf("pipeline has %d orchestrator steps; at most one is allowed", orchestrators),
		})
	}

	for _, l := range p.Links {
		if p.StepByID(l.SourceID) == nil || p.StepByID(l.TargetID) == nil {
			checks = append(checks, Check{
				ID:      "structural.link." + l.ID,
				Title:   "Link endpoints",
				Status:  StatusFail,
				Message: fmt.Sprintf("link %s references a missing step", l.ID),
			})
		}
	}

	if len(checks) == 0 {
		checks = append(checks, Check{
			ID:      "structural",
			Title:   "Pipeline structure",
			Status:  StatusPass,
			Message: "all steps, links, and outputs are well formed",
		})
	}
	return checks
}

func (e *Evaluator) credentialChecks(ctx context.Context, p *pipeline.Pipeline) []Check {
	var checks []Check

	seen := make(map[string]bool)
	var providers []string
	for _, s := range p.Steps {
		if s.ProviderID != "" && !seen[s.ProviderID] {
			seen[s.ProviderID] = true
			providers = append(providers, s.ProviderID)
		}
	}
	sort.Strings(providers)

	for _, id := range providers {
		status, err := e.resolver.Status(ctx, id, false)
		if err != nil {
			checks = append(checks, Check{
				ID:      "credentials." + id,
				Title:   "Provider credentials",
				Status:  StatusFail,
				Message: fmt.Sprintf("provider %s: %v", id, err),
			})
			continue
		}
		if !status.Usable() {
			checks = append(checks, Check{
				ID:      "credentials." + id,
				Title:   "Provider credentials",
				Status:  StatusFail,
				Message: fmt.Sprintf("provider %s has no usable API key, CLI, or login", id),
			})
			continue
		}
		checks = append(checks, Check{
			ID:      "credentials." + id,
			Title:   "Provider credentials",
			Status:  StatusPass,
			Message: fmt.Sprintf("provider %s is ready", id),
		})
	}
	return checks
}

func (e *Evaluator) inputChecks(p *pipeline.Pipeline, inputs map[string]string) []Check {
	available := make(map[string]bool, len(inputs))
	for k := range inputs {
		available[k] = true
	}
	if e.secure != nil {
		if keys, err := e.secure.Keys(p.ID); err == nil {
			for _, k := range keys {
				available[k] = true
			}
		}
	}

	missing := make(map[string]bool)
	for _, s := range p.Steps {
		for _, text := range []string{s.Prompt, s.ContextTemplate} {
			for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
				key := m[1]
				if builtinPlaceholders[key] || available[key] {
					continue
				}
				missing[key] = true
			}
		}
	}

	if len(missing) == 0 {
		return []Check{{
			ID:      "inputs",
			Title:   "Template inputs",
			Status:  StatusPass,
			Message: "all template placeholders are satisfied",
		}}
	}

	keys := make([]string, 0, len(missing))
	for k := range missing {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	checks := make([]Check, 0, len(keys))
	for _, k := range keys {
		checks = append(checks, Check{
			ID:      "inputs." + k,
			Title:   "Template inputs",
			Status:  StatusFail,
			Message: fmt.Sprintf("placeholder {{%s}} has no value in inputs or secure inputs", k),
		})
	}
	return checks
}

func (e *Evaluator) mcpChecks(p *pipeline.Pipeline) []Check {
	known := make(map[string]store.MCPServer)
	for _, srv := range e.store.MCPServers() {
		known[srv.ID] = srv
	}

	var checks []Check
	seen := make(map[string]bool)
	for _, s := range p.Steps {
		for _, id := range s.MCPServerIDs {
			if seen[id] {
				continue
			}
			seen[id] = true

			srv, ok := known[id]
			if !ok {
				checks = append(checks, Check{
					ID:      "mcp." + id,
					Title:   "MCP server",
					Status:  StatusFail,
					Message: fmt.Sprintf("MCP server %s is not configured", id),
				})
				continue
			}
			if !srv.Healthy {
				checks = append(checks, Check{
					ID:      "mcp." + id,
					Title:   "MCP server",
					Status:  StatusFail,
					Message: fmt.Sprintf("MCP server %s is unhealthy", srv.Name),
				})
				continue
			}
			checks = append(checks, Check{
				ID:      "mcp." + id,
				Title:   "MCP server",
				Status:  StatusPass,
				Message: fmt.Sprintf("MCP server %s is healthy", srv.Name),
			})
		}
	}
	return checks
}

func (e *Evaluator) scheduleChecks(p *pipeline.Pipeline) []Check {
	if p.Schedule == nil || !p.Schedule.Enabled {
		return nil
	}

	var checks []Check
	if _, err := scheduler.ParseCron(p.Schedule.Cron); err != nil {
		checks = append(checks, Check{
			ID:      "schedule.cron",
			Title:   "Schedule cron",
			Status:  StatusFail,
			Message: fmt.Sprintf("invalid cron expression %q: %v", p.Schedule.Cron, err),
		})
	} else {
		checks = append(checks, Check{
			ID:      "schedule.cron",
			Title:   "Schedule cron",
			Status:  StatusPass,
			Message: "cron expression parses",
		})
	}

	if _, err := scheduler.ZonedMinuteKey(p.CreatedAt, p.Schedule.Timezone); err != nil {
		checks = append(checks, Check{
			ID:      "schedule.timezone",
			Title:   "Schedule timezone",
			Status:  StatusFail,
			Message: err.Error(),
		})
	} else {
		checks = append(checks, Check{
			ID:      "schedule.timezone",
			Title:   "Schedule timezone",
			Status:  StatusPass,
			Message: "timezone resolves",
		})
	}
	return checks
}
