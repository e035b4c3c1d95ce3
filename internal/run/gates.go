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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/stagehand-ai/stagehand/internal/pipeline"
	"github.com/stagehand-ai/stagehand/internal/store"
)

// GateContext carries the step output and workspace locations a gate may
// inspect.
type GateContext struct {
	Output      string
	IsolatedDir string
	SharedDir   string
}

// EvaluateAutomaticGates runs every non-manual gate targeting the step,
// in definition order. Manual approval gates are handled by the executor.
func EvaluateAutomaticGates(gates []pipeline.QualityGate, gctx GateContext) []store.GateResult {
	var results []store.GateResult
	for _, g := range gates {
		if g.Kind == pipeline.GateManualApproval {
			continue
		}
		results = append(results, evaluateGate(g, gctx))
	}
	return results
}

// BlockingFailure returns the first failed blocking result, or nil.
func BlockingFailure(results []store.GateResult) *store.GateResult {
	for i := range results {
		if !results[i].Passed && results[i].Blocking {
			return &results[i]
		}
	}
	return nil
}

func evaluateGate(g pipeline.QualityGate, gctx GateContext) store.GateResult {
	result := store.GateResult{
		GateID:   g.ID,
		Name:     g.Name,
		Kind:     string(g.Kind),
		Blocking: g.Blocking,
	}

	var passed bool
	var detail string
	switch g.Kind {
	case pipeline.GateRegexMustMatch:
		passed, detail = evalRegex(g, gctx.Output, true)
	case pipeline.GateRegexMustNotMatch:
		passed, detail = evalRegex(g, gctx.Output, false)
	case pipeline.GateJSONFieldExists:
		passed, detail = evalJSONField(g.JSONPath, gctx.Output)
	case pipeline.GateArtifactExists:
		passed, detail = evalArtifact(g.ArtifactPath, gctx)
	default:
		passed, detail = false, fmt.Sprintf("unknown gate kind %q", g.Kind)
	}

	result.Passed = passed
	if !passed {
		result.Message = g.Message
		if result.Message == "" {
			result.Message = detail
		}
	}
	return result
}

func evalRegex(g pipeline.QualityGate, output string, mustMatch bool) (bool, string) {
	pattern := g.Pattern
	if g.PatternFlags != "" {
		pattern = "(?" + g.PatternFlags + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Sprintf("invalid pattern: %v", err)
	}
	matched := re.MatchString(output)
	if matched == mustMatch {
		return true, ""
	}
	if mustMatch {
		return false, fmt.Sprintf("output did not match /%s/", g.Pattern)
	}
	return false, fmt.Sprintf("output matched forbidden /%s/", g.Pattern)
}

// fencedJSONRe extracts the first fenced JSON block from markdown output.
var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\}|\\[.*?\\])\\s*```")

// extractJSON parses the step output as JSON, falling back to the first
// fenced code block.
func extractJSON(output string) (any, bool) {
	var doc any
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &doc); err == nil {
		return doc, true
	}
	m := fencedJSONRe.FindStringSubmatch(output)
	if m == nil {
		return nil, false
	}
	if err := json.Unmarshal([]byte(m[1]), &doc); err != nil {
		return nil, false
	}
	return doc, true
}

// evalJSONField traverses a dotted path through the step's JSON output
// and passes iff the terminal value exists and is non-null.
func evalJSONField(path, output string) (bool, string) {
	doc, ok := extractJSON(output)
	if !ok {
		return false, "output is not valid JSON"
	}

	query, err := gojq.Parse(dottedPathQuery(path))
	if err != nil {
		return false, fmt.Sprintf("invalid field path %q: %v", path, err)
	}

	iter := query.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return false, fmt.Sprintf("field %q not found", path)
	}
	if err, isErr := v.(error); isErr {
		return false, fmt.Sprintf("field %q not found: %v", path, err)
	}
	if v == nil {
		return false, fmt.Sprintf("field %q is null", path)
	}
	return true, ""
}

// dottedPathQuery converts "a.b.c" into a jq query with quoted segments
// so keys containing special characters still resolve.
func dottedPathQuery(path string) string {
	var b strings.Builder
	for _, seg := range strings.Split(path, ".") {
		fmt.Fprintf(&b, ".[%q]?", seg)
	}
	if b.Len() == 0 {
		return "."
	}
	return b.String()
}

// evalArtifact checks the referenced path under the run's isolated folder
// first, then the shared folder.
func evalArtifact(rel string, gctx GateContext) (bool, string) {
	rel = filepath.Clean(rel)
	if rel == "" || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return false, fmt.Sprintf("artifact path %q escapes the workspace", rel)
	}
	for _, dir := range []string{gctx.IsolatedDir, gctx.SharedDir} {
		if dir == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, rel)); err == nil {
			return true, ""
		}
	}
	return false, fmt.Sprintf("artifact %q not found", rel)
}
