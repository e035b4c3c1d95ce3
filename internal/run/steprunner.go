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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/stagehand-ai/stagehand/internal/log"
	"github.com/stagehand-ai/stagehand/internal/pipeline"
	"github.com/stagehand-ai/stagehand/internal/provider"
	"github.com/stagehand-ai/stagehand/internal/store"
)

const (
	// maxTransientRetries bounds retries of transient CLI failures within
	// one step attempt.
	maxTransientRetries = 3
	// transientBackoffInitial seeds the 1s, 2s, 4s retry schedule.
	transientBackoffInitial = time.Second

	// logTailLimit bounds the stdout tail surfaced into run logs per step.
	logTailLimit = 20
)

var workflowStatusRe = regexp.MustCompile(`(?i)WORKFLOW_STATUS:\s*(PASS|FAIL)`)

// StepRequest describes one step dispatch.
type StepRequest struct {
	Step         pipeline.Step
	Prompt       string
	WorkDir      string
	StageTimeout time.Duration
	ProviderID   string
	ProviderKind string
	Fallback     *provider.AuthFallback
	MCPServers   []store.MCPServer
	// Log appends a line to the run log. Called from the worker goroutine
	// and, during delegation, from sub-invocation goroutines.
	Log func(line string)
}

// StepResult is the structured outcome of one step execution.
type StepResult struct {
	Output        string
	Outcome       store.Outcome
	SubagentNotes []string
	// Tail holds the last output lines for run-log streaming.
	Tail []string
}

// StepRunner renders prompts, dispatches to provider adapters, and
// extracts the structured outcome from the event stream.
type StepRunner struct {
	registry *provider.Registry
	resolver provider.CredentialResolver
	logger   *slog.Logger
}

// NewStepRunner creates a step runner.
func NewStepRunner(registry *provider.Registry, resolver provider.CredentialResolver, logger *slog.Logger) *StepRunner {
	return &StepRunner{
		registry: registry,
		resolver: resolver,
		logger:   log.WithComponent(logger, "steprunner"),
	}
}

// BuildPrompt assembles the full prompt: step prompt, rendered context,
// MCP server enumeration, required-output directives, and the workflow
// status postamble.
func BuildPrompt(step pipeline.Step, renderedContext string, servers []store.MCPServer) string {
	var b strings.Builder
	b.WriteString(step.Prompt)

	if renderedContext != "" {
		b.WriteString("\n\n")
		b.WriteString(renderedContext)
	}

	if len(servers) > 0 {
		names := make([]string, 0, len(servers))
		for _, s := range servers {
			names = append(names, s.Name)
		}
		b.WriteString("\n\nAvailable MCP servers: ")
		b.WriteString(strings.Join(names, ", "))
	}

	if len(step.RequiredFields) > 0 {
		b.WriteString("\n\nYour output must include the following fields: ")
		b.WriteString(strings.Join(step.RequiredFields, ", "))
	}
	if len(step.RequiredFiles) > 0 {
		b.WriteString("\nYou must produce the following files in the working directory: ")
		b.WriteString(strings.Join(step.RequiredFiles, ", "))
	}

	b.WriteString("\n\nWhen you are done, emit a final line reading exactly " +
		"WORKFLOW_STATUS: PASS if the task succeeded, or WORKFLOW_STATUS: FAIL if it did not.")
	if step.OutputFormat == pipeline.OutputJSON {
		b.WriteString("\nReturn your result as a single fenced ```json code block.")
	}
	return b.String()
}

// Run executes a step, fanning out to delegation sub-invocations when
// enabled. The returned error is non-nil only for execution failures
// (timeouts, subprocess errors after retries); a model-reported FAIL is a
// normal result with Outcome fail.
func (r *StepRunner) Run(ctx context.Context, req StepRequest) (StepResult, error) {
	n := req.Step.Delegation.Count
	if !req.Step.Delegation.Enabled || n <= 1 {
		return r.invokeWithRetry(ctx, req, "")
	}
	if n > pipeline.MaxDelegationCount {
		n = pipeline.MaxDelegationCount
	}
	return r.delegate(ctx, req, n)
}

// delegate launches n parallel sub-invocations of the same prompt. The
// primary output is the first sub whose status parsed PASS, otherwise the
// last that completed. Every sub output is recorded as a subagent note.
func (r *StepRunner) delegate(ctx context.Context, req StepRequest, n int) (StepResult, error) {
	type subResult struct {
		res StepResult
		err error
	}
	results := make([]subResult, n)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			tag := fmt.Sprintf("sub-%d/%d", i+1, n)
			res, err := r.invokeWithRetry(gctx, req, tag)
			results[i] = subResult{res: res, err: err}
			// Sub failures do not abort the group; aggregation decides.
			return nil
		})
	}
	_ = g.Wait()

	var (
		primary  *StepResult
		lastDone *StepResult
		lastErr  error
		notes    []string
	)
	for i := range results {
		sub := results[i]
		tag := fmt.Sprintf("sub-%d/%d", i+1, n)
		if sub.err != nil {
			lastErr = sub.err
			notes = append(notes, fmt.Sprintf("[%s] error: %v", tag, sub.err))
			continue
		}
		notes = append(notes, fmt.Sprintf("[%s] %s", tag, sub.res.Output))
		lastDone = &results[i].res
		if primary == nil && sub.res.Outcome == store.OutcomePass {
			primary = &results[i].res
		}
	}

	if primary == nil {
		primary = lastDone
	}
	if primary == nil {
		return StepResult{SubagentNotes: notes}, fmt.Errorf("all %d delegated invocations failed: %w", n, lastErr)
	}

	out := *primary
	out.SubagentNotes = notes
	return out, nil
}

// invokeWithRetry runs one CLI invocation, retrying transient failures
// with capped exponential backoff and applying the per-run auth fallback
// on repeated credential rejections.
func (r *StepRunner) invokeWithRetry(ctx context.Context, req StepRequest, tag string) (StepResult, error) {
	adapter, ok := r.registry.Get(req.ProviderKind)
	if !ok {
		return StepResult{}, fmt.Errorf("no adapter for provider kind %q", req.ProviderKind)
	}
	logger := log.WithProvider(r.logger, req.ProviderKind)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = transientBackoffInitial
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 8 * time.Second

	var result StepResult
	operation := func() error {
		creds, err := r.resolver.Resolve(ctx, req.ProviderID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if req.Fallback != nil {
			creds = req.Fallback.Apply(req.ProviderID, creds)
		}

		res, err := r.invokeOnce(ctx, adapter, creds, req, tag)
		if err == nil {
			result = res
			return nil
		}
		if errors.Is(err, provider.ErrUnauthorized) {
			if req.Fallback != nil && req.Fallback.RecordUnauthorized(req.ProviderID) && creds.LoggedIn {
				// Retry immediately on the OAuth path.
				return err
			}
			return backoff.Permanent(err)
		}
		if errors.Is(err, provider.ErrTransient) {
			logger.Warn("Transient CLI error; retrying", log.Error(err))
			if req.Log != nil {
				req.Log(fmt.Sprintf("Transient CLI error, retrying: %v", err))
			}
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, maxTransientRetries), ctx))
	if err != nil {
		return StepResult{}, err
	}
	return result, nil
}

// invokeOnce spawns the CLI and consumes its event stream to completion.
func (r *StepRunner) invokeOnce(ctx context.Context, adapter provider.Adapter, creds provider.Credentials, req StepRequest, tag string) (StepResult, error) {
	events, err := adapter.Invoke(ctx, creds, provider.InvokeRequest{
		Model:           req.Step.Model,
		ReasoningEffort: req.Step.ReasoningEffort,
		Prompt:          req.Prompt,
		FastMode:        req.Step.FastMode,
		LongContext:     req.Step.LongContext,
		StageTimeout:    req.StageTimeout,
		WorkDir:         req.WorkDir,
		Tag:             tag,
	})
	if err != nil {
		return StepResult{}, err
	}
	return r.consume(events, req.Log, tag)
}

// consume drains the adapter event stream, accumulating output chunks and
// surfacing shell/tool/progress events into the run log. Heartbeats are
// filtered. The workflow outcome comes from the final_status event or,
// failing that, the last WORKFLOW_STATUS line in accumulated output.
func (r *StepRunner) consume(events <-chan provider.Event, logf func(string), tag string) (StepResult, error) {
	var (
		out      strings.Builder
		tail     []string
		streamed error
	)

	prefix := ""
	if tag != "" {
		prefix = "[" + tag + "] "
	}
	emit := func(line string) {
		if logf != nil {
			logf(prefix + line)
		}
	}

	outcome := store.OutcomeNeutral
	for ev := range events {
		switch ev.Type {
		case provider.EventChunk:
			out.WriteString(ev.Chunk)
			out.WriteByte('\n')
			tail = append(tail, ev.Chunk)
			if len(tail) > logTailLimit {
				tail = tail[1:]
			}
		case provider.EventShellCommand:
			if ev.Cwd != "" {
				emit(fmt.Sprintf("$ %s (cwd: %s)", ev.Command, ev.Cwd))
			} else {
				emit("$ " + ev.Command)
			}
		case provider.EventToolAction:
			emit("Model used tool: " + ev.Tool)
		case provider.EventModelSummary:
			emit("Model summary: " + ev.Summary)
		case provider.EventFinalStatus:
			outcome = parseOutcome(ev.FinalStatus, outcome)
		case provider.EventProgress:
			emit(fmt.Sprintf("Still running (pid %d, %ds elapsed)", ev.PID, ev.ElapsedMs/1000))
		case provider.EventError:
			streamed = ev.Err
		case provider.EventHeartbeat, provider.EventToolResult:
			// Liveness only; nothing to record.
		}
	}

	if streamed != nil {
		return StepResult{}, streamed
	}

	output := out.String()
	if outcome == store.OutcomeNeutral {
		if m := workflowStatusRe.FindAllStringSubmatch(output, -1); len(m) > 0 {
			outcome = parseOutcome(m[len(m)-1][1], outcome)
		}
	}
	return StepResult{Output: output, Outcome: outcome, Tail: tail}, nil
}

func parseOutcome(status string, fallback store.Outcome) store.Outcome {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "PASS":
		return store.OutcomePass
	case "FAIL":
		return store.OutcomeFail
	}
	return fallback
}
