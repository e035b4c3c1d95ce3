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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("2026-08-26T12:30", "*/5 * * * *", "UTC")
	assert.Equal(t, "2026-08-26T12:30|*/5 * * * *|UTC", fp)
	assert.Equal(t, "2026-08-26T12:30", fingerprintMinute(fp))

	assert.Empty(t, fingerprintMinute("invalid-cron:* * *"))
	assert.Empty(t, fingerprintMinute("invalid-timezone:Mars/Olympus"))
}

func TestMarkersNeverRegress(t *testing.T) {
	m := NewMarkers(t.TempDir())
	require.NoError(t, m.Load())

	newer := Fingerprint("2026-08-26T12:30", "* * * * *", "")
	older := Fingerprint("2026-08-26T12:20", "* * * * *", "")

	m.Set("p1", newer)
	m.Set("p1", older)
	assert.Equal(t, newer, m.Get("p1"))

	// A different cron is a different series and may replace freely.
	other := Fingerprint("2026-08-26T12:20", "*/5 * * * *", "")
	m.Set("p1", other)
	assert.Equal(t, other, m.Get("p1"))

	// Sentinels always replace.
	m.Set("p1", "invalid-cron:nonsense")
	assert.Equal(t, "invalid-cron:nonsense", m.Get("p1"))
}

func TestMarkersPersistAndReload(t *testing.T) {
	dir := t.TempDir()

	m := NewMarkers(dir)
	require.NoError(t, m.Load())
	m.Set("p1", Fingerprint("2026-08-26T12:30", "* * * * *", ""))
	require.NoError(t, m.Persist())

	reloaded := NewMarkers(dir)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, m.Get("p1"), reloaded.Get("p1"))
}

func TestMarkersDelete(t *testing.T) {
	m := NewMarkers(t.TempDir())
	require.NoError(t, m.Load())
	m.Set("p1", "x")
	m.Delete("p1")
	assert.Empty(t, m.Get("p1"))
	assert.Empty(t, m.Snapshot())
}
