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

package provider

import (
	"context"
	"os"
)

// CodexAdapter drives the OpenAI `codex` CLI.
type CodexAdapter struct {
	// CLIPath overrides the binary name, for tests.
	CLIPath string
}

// NewCodexAdapter creates a Codex adapter.
func NewCodexAdapter() *CodexAdapter {
	return &CodexAdapter{CLIPath: "codex"}
}

// ID returns the provider identifier.
func (a *CodexAdapter) ID() string {
	return "codex"
}

// Invoke spawns the codex CLI with the prompt on stdin and streams
// newline-delimited JSON from stdout.
func (a *CodexAdapter) Invoke(ctx context.Context, creds Credentials, req InvokeRequest) (<-chan Event, error) {
	args := []string{"--format", "stream-json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ReasoningEffort != "" {
		args = append(args, "--reasoning-effort", req.ReasoningEffort)
	} else if req.FastMode {
		args = append(args, "--reasoning-effort", "low")
	}

	env := os.Environ()
	if creds.Mode == AuthAPIKey && creds.APIKey != "" {
		env = append(env, "OPENAI_API_KEY="+creds.APIKey)
	}

	spec := processSpec{
		Command:      a.CLIPath,
		Args:         args,
		Env:          env,
		Dir:          req.WorkDir,
		Stdin:        req.Prompt,
		StageTimeout: req.StageTimeout,
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		if err := runProcess(ctx, spec, classifyLine, events); err != nil {
			events <- Event{Type: EventError, Err: err}
		}
	}()
	return events, nil
}
