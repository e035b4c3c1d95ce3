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

package pipeline

import (
	"fmt"
	"strings"
)

// Issue describes a single validation problem within a pipeline definition.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Validate checks the structural invariants of a pipeline definition and
// returns every problem found. A pipeline with no issues is safe to persist;
// runtime concerns (credentials, inputs, MCP health) are preflight's job.
func Validate(p *Pipeline) []Issue {
	var issues []Issue

	if strings.TrimSpace(p.Name) == "" {
		issues = append(issues, Issue{Path: "name", Message: "pipeline name is required"})
	}
	if len(p.Steps) == 0 {
		issues = append(issues, Issue{Path: "steps", Message: "pipeline must have at least one step"})
	}

	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if s.ID == "" {
			issues = append(issues, Issue{Path: path + ".id", Message: "step id is required"})
		} else if seen[s.ID] {
			issues = append(issues, Issue{Path: path + ".id", Message: fmt.Sprintf("duplicate step id %q", s.ID)})
		}
		seen[s.ID] = true

		if !ValidRole(s.Role) {
			issues = append(issues, Issue{Path: path + ".role", Message: fmt.Sprintf("unknown role %q", s.Role)})
		}
		if s.ProviderID == "" {
			issues = append(issues, Issue{Path: path + ".providerId", Message: "step provider is required"})
		}
		if s.Delegation.Enabled {
			if s.Delegation.Count < MinDelegationCount || s.Delegation.Count > MaxDelegationCount {
				issues = append(issues, Issue{
					Path:    path + ".delegation.count",
					Message: fmt.Sprintf("delegation count must be in [%d,%d]", MinDelegationCount, MaxDelegationCount),
				})
			}
		}
		if s.OutputFormat != "" && s.OutputFormat != OutputMarkdown && s.OutputFormat != OutputJSON {
			issues = append(issues, Issue{Path: path + ".outputFormat", Message: fmt.Sprintf("unknown output format %q", s.OutputFormat)})
		}
	}

	for i, l := range p.Links {
		path := fmt.Sprintf("links[%d]", i)
		if !seen[l.SourceID] {
			issues = append(issues, Issue{Path: path + ".sourceStepId", Message: fmt.Sprintf("unknown step %q", l.SourceID)})
		}
		if !seen[l.TargetID] {
			issues = append(issues, Issue{Path: path + ".targetStepId", Message: fmt.Sprintf("unknown step %q", l.TargetID)})
		}
		if l.Condition != "" && !ValidLinkCondition(l.Condition) {
			issues = append(issues, Issue{Path: path + ".condition", Message: fmt.Sprintf("unknown condition %q", l.Condition)})
		}
	}

	for i, g := range p.Gates {
		path := fmt.Sprintf("qualityGates[%d]", i)
		if !ValidGateKind(g.Kind) {
			issues = append(issues, Issue{Path: path + ".kind", Message: fmt.Sprintf("unknown gate kind %q", g.Kind)})
		}
		if g.TargetStepID != AnyStep && !seen[g.TargetStepID] {
			issues = append(issues, Issue{Path: path + ".targetStepId", Message: fmt.Sprintf("unknown step %q", g.TargetStepID)})
		}
		switch g.Kind {
		case GateRegexMustMatch, GateRegexMustNotMatch:
			if g.Pattern == "" {
				issues = append(issues, Issue{Path: path + ".pattern", Message: "pattern is required for regex gates"})
			}
		case GateJSONFieldExists:
			if g.JSONPath == "" {
				issues = append(issues, Issue{Path: path + ".jsonPath", Message: "jsonPath is required for json_field_exists gates"})
			}
		case GateArtifactExists:
			if g.ArtifactPath == "" {
				issues = append(issues, Issue{Path: path + ".artifactPath", Message: "artifactPath is required for artifact_exists gates"})
			}
		}
	}

	return issues
}
