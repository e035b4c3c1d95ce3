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

package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Marker sentinels recorded for unschedulable pipelines.
const (
	invalidCronPrefix     = "invalid-cron:"
	invalidTimezonePrefix = "invalid-timezone:"
)

// Fingerprint builds the marker value proving a minute×cron×tz has fired.
func Fingerprint(minuteKey, cron, tz string) string {
	return minuteKey + "|" + cron + "|" + tz
}

// fingerprintMinute extracts the minute key from a stored fingerprint.
// Sentinel markers yield an empty minute key.
func fingerprintMinute(marker string) string {
	if strings.HasPrefix(marker, invalidCronPrefix) || strings.HasPrefix(marker, invalidTimezonePrefix) {
		return ""
	}
	if idx := strings.IndexByte(marker, '|'); idx >= 0 {
		return marker[:idx]
	}
	return ""
}

// Markers persists per-pipeline last-fired fingerprints. The map is owned
// by the scheduler task; persistence is atomic (temp file + rename). The
// mutex covers the pipeline-deletion cascade, which runs off the
// scheduler goroutine.
type Markers struct {
	mu      sync.Mutex
	path    string
	entries map[string]string
	loaded  bool
}

// NewMarkers creates a marker store under the state root.
func NewMarkers(root string) *Markers {
	return &Markers{
		path:    filepath.Join(root, "scheduler-markers.json"),
		entries: make(map[string]string),
	}
}

// Load reads markers from disk. Safe to call repeatedly; only the first
// call reads the file.
func (m *Markers) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return nil
	}
	m.loaded = true

	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read scheduler markers: %w", err)
	}
	if err := json.Unmarshal(data, &m.entries); err != nil {
		return fmt.Errorf("failed to parse scheduler markers: %w", err)
	}
	return nil
}

// Get returns the stored marker for a pipeline.
func (m *Markers) Get(pipelineID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[pipelineID]
}

// Set records a marker. Fingerprints never regress: a candidate whose
// minute key is older than the stored one (same cron and tz) is ignored.
func (m *Markers) Set(pipelineID, marker string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.entries[pipelineID]
	curMinute := fingerprintMinute(current)
	newMinute := fingerprintMinute(marker)
	if curMinute != "" && newMinute != "" && newMinute < curMinute &&
		strings.TrimPrefix(current, curMinute) == strings.TrimPrefix(marker, newMinute) {
		return
	}
	m.entries[pipelineID] = marker
}

// Delete removes a pipeline's marker (pipeline deletion cascade).
func (m *Markers) Delete(pipelineID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, pipelineID)
}

// Persist writes markers atomically.
func (m *Markers) Persist() error {
	m.mu.Lock()
	data, err := json.MarshalIndent(m.entries, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to encode scheduler markers: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write scheduler markers: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("failed to replace scheduler markers: %w", err)
	}
	return nil
}

// Snapshot returns a copy of the marker map for observers.
func (m *Markers) Snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out
}
