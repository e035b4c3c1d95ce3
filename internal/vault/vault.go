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

package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Vault stores per-pipeline secure inputs encrypted at rest under
// <root>/secure-inputs/<pipelineID>.enc.
type Vault struct {
	dir string
	enc Encryptor
	mu  sync.Mutex
}

// New creates a vault rooted under the state directory.
func New(root string, enc Encryptor) (*Vault, error) {
	dir := filepath.Join(root, "secure-inputs")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create secure-inputs directory: %w", err)
	}
	return &Vault{dir: dir, enc: enc}, nil
}

func (v *Vault) path(pipelineID string) string {
	return filepath.Join(v.dir, pipelineID+".enc")
}

// Get returns the decrypted secure inputs for a pipeline. A missing record
// yields an empty map.
func (v *Vault) Get(pipelineID string) (map[string]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.read(pipelineID)
}

// read loads and decrypts an entry. Must hold v.mu.
func (v *Vault) read(pipelineID string) (map[string]string, error) {
	data, err := os.ReadFile(v.path(pipelineID))
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secure inputs: %w", err)
	}

	plaintext, err := v.enc.Decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secure inputs for %s: %w", pipelineID, err)
	}

	var entries map[string]string
	if err := json.Unmarshal(plaintext, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse secure inputs: %w", err)
	}
	return entries, nil
}

// write encrypts and persists an entry atomically. Must hold v.mu.
func (v *Vault) write(pipelineID string, entries map[string]string) error {
	plaintext, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode secure inputs: %w", err)
	}
	ciphertext, err := v.enc.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt secure inputs: %w", err)
	}

	tmp := v.path(pipelineID) + ".tmp"
	if err := os.WriteFile(tmp, ciphertext, 0o600); err != nil {
		return fmt.Errorf("failed to write secure inputs: %w", err)
	}
	if err := os.Rename(tmp, v.path(pipelineID)); err != nil {
		return fmt.Errorf("failed to replace secure inputs: %w", err)
	}
	return nil
}

// Upsert merges partial entries into the pipeline's record and returns the
// sorted unique union of keys now stored.
func (v *Vault) Upsert(pipelineID string, partial map[string]string) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entries, err := v.read(pipelineID)
	if err != nil {
		return nil, err
	}
	for k, val := range partial {
		entries[k] = val
	}
	if err := v.write(pipelineID, entries); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes the given keys, or the whole record when keys is empty.
func (v *Vault) Delete(pipelineID string, keys ...string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(keys) == 0 {
		err := os.Remove(v.path(pipelineID))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete secure inputs: %w", err)
		}
		return nil
	}

	entries, err := v.read(pipelineID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		delete(entries, k)
	}
	if len(entries) == 0 {
		err := os.Remove(v.path(pipelineID))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete secure inputs: %w", err)
		}
		return nil
	}
	return v.write(pipelineID, entries)
}

// Keys returns the sorted key names stored for a pipeline without exposing
// values.
func (v *Vault) Keys(pipelineID string) ([]string, error) {
	entries, err := v.Get(pipelineID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
