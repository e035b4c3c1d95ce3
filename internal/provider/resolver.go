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
	"fmt"
	"os/exec"

	"github.com/stagehand-ai/stagehand/internal/store"
)

// cliBinaries maps provider kinds to their CLI binary names.
var cliBinaries = map[string]string{
	"codex":  "codex",
	"claude": "claude",
}

// StoreResolver resolves credentials from the configured providers map.
type StoreResolver struct {
	store store.StateStore
}

// NewStoreResolver creates a resolver backed by the state store.
func NewStoreResolver(st store.StateStore) *StoreResolver {
	return &StoreResolver{store: st}
}

// Resolve returns the credentials for a configured provider. API-key mode
// is preferred when a key is present; otherwise the CLI's own login is used.
func (r *StoreResolver) Resolve(ctx context.Context, providerID string) (Credentials, error) {
	p, ok := r.store.Providers()[providerID]
	if !ok {
		return Credentials{}, fmt.Errorf("provider %s: %w", providerID, store.ErrNotFound)
	}

	creds := Credentials{LoggedIn: p.OAuth}
	if p.APIKey != "" {
		creds.Mode = AuthAPIKey
		creds.APIKey = p.APIKey
	} else {
		creds.Mode = AuthOAuth
	}
	return creds, nil
}

// Status reports the provider's available auth paths. A deep check also
// verifies the CLI binary is installed.
func (r *StoreResolver) Status(ctx context.Context, providerID string, deep bool) (OAuthStatus, error) {
	p, ok := r.store.Providers()[providerID]
	if !ok {
		return OAuthStatus{}, fmt.Errorf("provider %s: %w", providerID, store.ErrNotFound)
	}

	status := OAuthStatus{
		LoggedIn:  p.OAuth,
		CanUseAPI: p.APIKey != "",
		CanUseCLI: true,
	}
	if deep {
		bin := cliBinaries[p.Kind]
		if bin == "" {
			bin = p.Kind
		}
		if _, err := exec.LookPath(bin); err != nil {
			status.CanUseCLI = false
			status.Detail = fmt.Sprintf("%s CLI not found on PATH", bin)
		}
	}
	return status, nil
}

var _ CredentialResolver = (*StoreResolver)(nil)
