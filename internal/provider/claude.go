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
	"errors"
	"os"
)

// ClaudeAdapter drives the Anthropic `claude` CLI.
type ClaudeAdapter struct {
	// CLIPath overrides the binary name, for tests.
	CLIPath string
}

// NewClaudeAdapter creates a Claude adapter.
func NewClaudeAdapter() *ClaudeAdapter {
	return &ClaudeAdapter{CLIPath: "claude"}
}

// ID returns the provider identifier.
func (a *ClaudeAdapter) ID() string {
	return "claude"
}

// Invoke spawns `claude --print --output-format stream-json` with the
// prompt on stdin and streams newline-delimited JSON from stdout.
func (a *ClaudeAdapter) Invoke(ctx context.Context, creds Credentials, req InvokeRequest) (<-chan Event, error) {
	args := []string{"--print", "--output-format", "stream-json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}

	env := os.Environ()
	if creds.Mode == AuthAPIKey && creds.APIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+creds.APIKey)
	}
	if req.LongContext {
		env = append(env, "ANTHROPIC_BETAS=context-1m-2025-08-07")
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

// SubmitAuthCode accepts an auth code for remote pairing login flows.
// The browser-driven OAuth flow lives outside the core; this adapter only
// declares the submission channel.
func (a *ClaudeAdapter) SubmitAuthCode(ctx context.Context, code string) error {
	return errors.New("auth code submission requires an interactive login session")
}
