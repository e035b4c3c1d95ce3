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

package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-ai/stagehand/internal/pipeline"
)

// DefaultRunRetention is the maximum number of run records kept in state.
const DefaultRunRetention = 200

// FileStore persists state to <root>/state.json using temp-file + rename.
// Mutations are serialized by a mutex; after each commit an immutable
// snapshot is published for lock-free reads.
type FileStore struct {
	root      string
	retention int

	mu       sync.Mutex // serializes all mutations
	state    *State     // writer-owned working copy
	snapshot atomic.Pointer[State]
}

// NewFileStore opens (or initializes) a file store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	fs := &FileStore{
		root:      dir,
		retention: DefaultRunRetention,
	}

	st, err := fs.load()
	if err != nil {
		return nil, err
	}
	fs.state = st
	fs.publish()

	return fs, nil
}

// Root returns the state directory. Collaborators (vault, scheduler)
// keep their own files under the same root.
func (fs *FileStore) Root() string {
	return fs.root
}

// SetRunRetention overrides the run retention limit.
func (fs *FileStore) SetRunRetention(n int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if n > 0 {
		fs.retention = n
	}
}

func (fs *FileStore) statePath() string {
	return filepath.Join(fs.root, "state.json")
}

func (fs *FileStore) load() (*State, error) {
	data, err := os.ReadFile(fs.statePath())
	if os.IsNotExist(err) {
		return &State{
			Providers: make(map[string]Provider),
			Storage:   StorageConfig{WorkspacesDir: filepath.Join(fs.root, "workspaces")},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	if st.Providers == nil {
		st.Providers = make(map[string]Provider)
	}
	if st.Storage.WorkspacesDir == "" {
		st.Storage.WorkspacesDir = filepath.Join(fs.root, "workspaces")
	}
	return &st, nil
}

// commit writes the working state to disk atomically and publishes a
// fresh read snapshot. Must be called with fs.mu held.
func (fs *FileStore) commit() error {
	data, err := json.MarshalIndent(fs.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	tmp := fs.statePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := os.Rename(tmp, fs.statePath()); err != nil {
		return fmt.Errorf("failed to replace state: %w", err)
	}

	fs.publish()
	return nil
}

// publish stores a deep copy of the working state for lock-free reads.
// Must be called with fs.mu held (or during construction).
func (fs *FileStore) publish() {
	fs.snapshot.Store(cloneState(fs.state))
}

func cloneState(st *State) *State {
	out := &State{
		Pipelines: append([]pipeline.Pipeline(nil), st.Pipelines...),
		Providers: make(map[string]Provider, len(st.Providers)),
		Storage:   st.Storage,
	}
	for k, v := range st.Providers {
		out.Providers[k] = v
	}
	out.MCPServers = append([]MCPServer(nil), st.MCPServers...)
	out.Runs = make([]*Run, len(st.Runs))
	for i, r := range st.Runs {
		out.Runs[i] = r.Clone()
	}
	return out
}

// State returns the last committed snapshot.
func (fs *FileStore) State() *State {
	return fs.snapshot.Load()
}

// GetPipeline returns the pipeline with the given id.
func (fs *FileStore) GetPipeline(id string) (*pipeline.Pipeline, error) {
	for _, p := range fs.snapshot.Load().Pipelines {
		if p.ID == id {
			c := p
			return &c, nil
		}
	}
	return nil, fmt.Errorf("pipeline %s: %w", id, ErrNotFound)
}

// ListPipelines returns all pipelines in creation order.
func (fs *FileStore) ListPipelines() []pipeline.Pipeline {
	return fs.snapshot.Load().Pipelines
}

// CreatePipeline persists a new pipeline, assigning an id if absent.
func (fs *FileStore) CreatePipeline(p pipeline.Pipeline) (*pipeline.Pipeline, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Policy = p.Policy.Clamp()

	fs.state.Pipelines = append(fs.state.Pipelines, p)
	if err := fs.commit(); err != nil {
		fs.state.Pipelines = fs.state.Pipelines[:len(fs.state.Pipelines)-1]
		return nil, err
	}
	return &p, nil
}

// UpdatePipeline replaces the pipeline with the given id.
func (fs *FileStore) UpdatePipeline(id string, p pipeline.Pipeline) (*pipeline.Pipeline, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for i := range fs.state.Pipelines {
		if fs.state.Pipelines[i].ID == id {
			p.ID = id
			p.CreatedAt = fs.state.Pipelines[i].CreatedAt
			p.UpdatedAt = time.Now().UTC()
			p.Policy = p.Policy.Clamp()
			fs.state.Pipelines[i] = p
			if err := fs.commit(); err != nil {
				return nil, err
			}
			return &p, nil
		}
	}
	return nil, fmt.Errorf("pipeline %s: %w", id, ErrNotFound)
}

// DeletePipeline removes the pipeline with the given id.
func (fs *FileStore) DeletePipeline(id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for i := range fs.state.Pipelines {
		if fs.state.Pipelines[i].ID == id {
			fs.state.Pipelines = append(fs.state.Pipelines[:i], fs.state.Pipelines[i+1:]...)
			return fs.commit()
		}
	}
	return fmt.Errorf("pipeline %s: %w", id, ErrNotFound)
}

// CreateRun persists a new run record, trimming to the retention limit.
func (fs *FileStore) CreateRun(r *Run) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	fs.state.Runs = append(fs.state.Runs, r.Clone())
	if len(fs.state.Runs) > fs.retention {
		fs.state.Runs = fs.state.Runs[len(fs.state.Runs)-fs.retention:]
	}
	return fs.commit()
}

// UpdateRun applies the mutator to the stored run under the write lock.
func (fs *FileStore) UpdateRun(id string, mutate func(*Run)) (*Run, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for i, r := range fs.state.Runs {
		if r.ID == id {
			mutate(fs.state.Runs[i])
			if err := fs.commit(); err != nil {
				return nil, err
			}
			return fs.state.Runs[i].Clone(), nil
		}
	}
	return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
}

// GetRun returns the run with the given id.
func (fs *FileStore) GetRun(id string) (*Run, error) {
	for _, r := range fs.snapshot.Load().Runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
}

// ListRuns returns up to limit runs, newest first.
func (fs *FileStore) ListRuns(limit int) []*Run {
	runs := fs.snapshot.Load().Runs
	out := make([]*Run, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		out = append(out, runs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Providers returns the configured providers map.
func (fs *FileStore) Providers() map[string]Provider {
	return fs.snapshot.Load().Providers
}

// SetProvider creates or replaces a provider entry.
func (fs *FileStore) SetProvider(p Provider) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.state.Providers[p.ID] = p
	return fs.commit()
}

// MCPServers returns the configured MCP servers.
func (fs *FileStore) MCPServers() []MCPServer {
	return fs.snapshot.Load().MCPServers
}

// SetMCPServer creates or replaces an MCP server entry, keyed by id.
func (fs *FileStore) SetMCPServer(srv MCPServer) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for i := range fs.state.MCPServers {
		if fs.state.MCPServers[i].ID == srv.ID {
			fs.state.MCPServers[i] = srv
			return fs.commit()
		}
	}
	fs.state.MCPServers = append(fs.state.MCPServers, srv)
	return fs.commit()
}

// StorageConfig returns the workspace storage configuration.
func (fs *FileStore) StorageConfig() StorageConfig {
	return fs.snapshot.Load().Storage
}

var _ StateStore = (*FileStore)(nil)
