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
	"sync"
)

// ErrUnauthorized indicates the provider rejected the credentials (401).
var ErrUnauthorized = errors.New("provider rejected credentials")

// AuthMode selects how the CLI authenticates.
type AuthMode string

const (
	AuthAPIKey AuthMode = "api_key"
	AuthOAuth  AuthMode = "oauth"
)

// Credentials are resolved just before each subprocess spawn.
type Credentials struct {
	Mode     AuthMode
	APIKey   string
	LoggedIn bool
}

// OAuthStatus reports a provider's login state.
type OAuthStatus struct {
	LoggedIn  bool   `json:"loggedIn"`
	CanUseAPI bool   `json:"canUseApi"`
	CanUseCLI bool   `json:"canUseCli"`
	Detail    string `json:"detail,omitempty"`
}

// Usable reports whether any auth path is available.
func (s OAuthStatus) Usable() bool {
	return s.CanUseAPI || s.CanUseCLI || s.LoggedIn
}

// CredentialResolver resolves provider credentials. Implementations may
// trigger CLI-side token refresh; Resolve must be idempotent for
// concurrent calls.
type CredentialResolver interface {
	Resolve(ctx context.Context, providerID string) (Credentials, error)
	Status(ctx context.Context, providerID string, deep bool) (OAuthStatus, error)
}

// SerializedResolver wraps a resolver with a per-provider mutex so that
// token refresh never races between concurrent step dispatches.
type SerializedResolver struct {
	inner CredentialResolver

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSerializedResolver wraps the given resolver.
func NewSerializedResolver(inner CredentialResolver) *SerializedResolver {
	return &SerializedResolver{
		inner: inner,
		locks: make(map[string]*sync.Mutex),
	}
}

func (r *SerializedResolver) lockFor(providerID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[providerID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[providerID] = l
	}
	return l
}

// Resolve serializes resolution per provider.
func (r *SerializedResolver) Resolve(ctx context.Context, providerID string) (Credentials, error) {
	l := r.lockFor(providerID)
	l.Lock()
	defer l.Unlock()
	return r.inner.Resolve(ctx, providerID)
}

// Status serializes status checks per provider.
func (r *SerializedResolver) Status(ctx context.Context, providerID string, deep bool) (OAuthStatus, error) {
	l := r.lockFor(providerID)
	l.Lock()
	defer l.Unlock()
	return r.inner.Status(ctx, providerID, deep)
}

// AuthFallback tracks 401 responses within a single run. After two
// API-key rejections for a provider, subsequent attempts switch to OAuth
// when an OAuth credential is available.
type AuthFallback struct {
	mu       sync.Mutex
	failures map[string]int
	forced   map[string]bool
}

// NewAuthFallback creates a per-run fallback tracker.
func NewAuthFallback() *AuthFallback {
	return &AuthFallback{
		failures: make(map[string]int),
		forced:   make(map[string]bool),
	}
}

// RecordUnauthorized notes a 401 for the provider and returns true when
// the fallback threshold has been crossed.
func (f *AuthFallback) RecordUnauthorized(providerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[providerID]++
	if f.failures[providerID] >= 2 {
		f.forced[providerID] = true
	}
	return f.forced[providerID]
}

// Apply switches credentials to OAuth when fallback is active and the
// provider is logged in.
func (f *AuthFallback) Apply(providerID string, creds Credentials) Credentials {
	f.mu.Lock()
	forced := f.forced[providerID]
	f.mu.Unlock()

	if forced && creds.LoggedIn {
		creds.Mode = AuthOAuth
		creds.APIKey = ""
	}
	return creds
}

// AuthCodeSubmitter is implemented by adapters that accept an auth-code
// submission channel for remote pairing flows. The flow itself lives
// outside the core; only the interface is declared here.
type AuthCodeSubmitter interface {
	SubmitAuthCode(ctx context.Context, code string) error
}
