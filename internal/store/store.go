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

// Package store persists daemon state as append-only JSON snapshots.
// All mutations go through a single writer; reads are lock-free snapshots
// of the last committed value.
package store

import (
	"errors"

	"github.com/stagehand-ai/stagehand/internal/pipeline"
)

// ErrNotFound is returned when a pipeline or run does not exist.
var ErrNotFound = errors.New("not found")

// Provider describes a configured LLM provider CLI.
type Provider struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Kind         string `json:"kind"` // "codex" or "claude"
	DefaultModel string `json:"defaultModel,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	OAuth        bool   `json:"oauth,omitempty"`
}

// MCPServer describes a configured MCP server available to steps.
type MCPServer struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Healthy bool              `json:"healthy"`
}

// StorageConfig locates run workspaces on disk.
type StorageConfig struct {
	// WorkspacesDir holds per-run isolated folders and the shared folder.
	WorkspacesDir string `json:"workspacesDir"`
}

// State is the full persisted daemon state.
type State struct {
	Pipelines  []pipeline.Pipeline  `json:"pipelines"`
	Providers  map[string]Provider  `json:"providers"`
	MCPServers []MCPServer          `json:"mcp"`
	Storage    StorageConfig        `json:"storage"`
	Runs       []*Run               `json:"runs"`
}

// StateStore is the persistence boundary the core depends on.
type StateStore interface {
	// State returns a deep-copied snapshot of the full state.
	State() *State

	GetPipeline(id string) (*pipeline.Pipeline, error)
	ListPipelines() []pipeline.Pipeline
	CreatePipeline(p pipeline.Pipeline) (*pipeline.Pipeline, error)
	UpdatePipeline(id string, p pipeline.Pipeline) (*pipeline.Pipeline, error)
	DeletePipeline(id string) error

	// CreateRun persists a new run record.
	CreateRun(r *Run) error
	// UpdateRun applies the mutator to the run under the write lock and
	// commits the result. It is the only way run records change.
	UpdateRun(id string, mutate func(*Run)) (*Run, error)
	GetRun(id string) (*Run, error)
	// ListRuns returns up to limit runs, newest first. limit <= 0 means all.
	ListRuns(limit int) []*Run

	Providers() map[string]Provider
	SetProvider(p Provider) error
	MCPServers() []MCPServer
	StorageConfig() StorageConfig
}
