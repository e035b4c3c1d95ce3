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
	"sync"
)

// ErrPauseRequested is the cancellation cause used when a worker is asked
// to stand down because the run was paused. The run record keeps its
// paused status; the worker exits without writing a terminal state.
var ErrPauseRequested = errors.New("run paused")

// stopCause wraps a user-visible cancellation reason as a context cause.
type stopCause struct {
	reason string
}

func (c *stopCause) Error() string {
	return fmt.Sprintf("run stopped: %s", c.reason)
}

// Controllers is the registry of active run workers. At most one
// controller exists per run; the handle is the worker's cancellation
// function.
type Controllers struct {
	mu      sync.Mutex
	handles map[string]context.CancelCauseFunc
}

// NewControllers creates an empty registry.
func NewControllers() *Controllers {
	return &Controllers{handles: make(map[string]context.CancelCauseFunc)}
}

// Register installs a cancellation handle for the run. It returns false
// when a controller is already registered, in which case the caller must
// not start a second worker.
func (c *Controllers) Register(runID string, cancel context.CancelCauseFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handles[runID]; ok {
		return false
	}
	c.handles[runID] = cancel
	return true
}

// Remove drops the run's handle. Safe to call when absent.
func (c *Controllers) Remove(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, runID)
}

// Has reports whether a worker is registered for the run.
func (c *Controllers) Has(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handles[runID]
	return ok
}

// Count returns the number of active workers.
func (c *Controllers) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// Cancel signals the run's worker with the given cause. Returns false
// when no worker is registered. Idempotent: cancelling an already
// cancelled context is a no-op.
func (c *Controllers) Cancel(runID string, cause error) bool {
	c.mu.Lock()
	cancel, ok := c.handles[runID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	cancel(cause)
	return true
}
