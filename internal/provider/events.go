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

// Package provider drives vendor CLIs (Codex, Claude) as subprocesses and
// translates their newline-delimited JSON streams into a uniform event
// sequence for the step runner.
package provider

import (
	"context"
	"time"
)

// EventType classifies a single provider stream event.
type EventType string

const (
	// EventChunk carries user-facing output text.
	EventChunk EventType = "chunk"
	// EventHeartbeat is a metadata-only stream line (session ids, status
	// lines). It proves liveness but contributes no output.
	EventHeartbeat EventType = "heartbeat"
	// EventShellCommand is a model-initiated shell invocation.
	EventShellCommand EventType = "model_shell_command"
	// EventToolAction is a model-initiated non-shell tool use (Read, Write, Edit).
	EventToolAction EventType = "model_tool_action"
	// EventToolResult carries the result of a tool invocation.
	EventToolResult EventType = "tool_result"
	// EventModelSummary is a model-produced summary line.
	EventModelSummary EventType = "model_summary"
	// EventFinalStatus is the terminal status reported by the model.
	EventFinalStatus EventType = "final_status"
	// EventProgress is an adapter-emitted liveness pulse; it must never be
	// surfaced as a user-facing event.
	EventProgress EventType = "command_progress"
	// EventError carries a stream or subprocess error.
	EventError EventType = "error"
)

// Event is one element of a provider stream.
type Event struct {
	Type        EventType
	Chunk       string
	Tool        string
	Command     string
	Cwd         string
	Summary     string
	FinalStatus string
	ElapsedMs   int64
	PID         int
	Err         error
}

// InvokeRequest describes one CLI invocation.
type InvokeRequest struct {
	Model           string
	ReasoningEffort string
	Prompt          string
	FastMode        bool
	LongContext     bool
	StageTimeout    time.Duration
	WorkDir         string
	// Tag identifies delegation sub-invocations ("sub-1/4").
	Tag string
}

// Adapter translates between the executor and a vendor CLI.
type Adapter interface {
	// ID returns the provider identifier ("codex", "claude").
	ID() string
	// Invoke spawns the CLI and returns its event stream. The channel is
	// closed when the subprocess exits on any path.
	Invoke(ctx context.Context, creds Credentials, req InvokeRequest) (<-chan Event, error)
}

// Registry maps provider ids to adapters.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.ID()] = a
}

// Get returns the adapter for a provider id.
func (r *Registry) Get(id string) (Adapter, bool) {
	a, ok := r.adapters[id]
	return a, ok
}
