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

// Package pairing implements the dashboard pairing flow: short-lived
// sessions with a human-readable code, operator approval, and a signed
// claim token.
package pairing

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// SessionTTL bounds how long a pairing code stays claimable.
	SessionTTL = 5 * time.Minute
	// TokenTTL bounds issued claim tokens.
	TokenTTL = 30 * 24 * time.Hour
)

var (
	ErrNotFound    = errors.New("pairing session not found")
	ErrExpired     = errors.New("pairing session expired")
	ErrCodeInvalid = errors.New("pairing code does not match")
	ErrNotApproved = errors.New("pairing session not approved")
	// ErrAdminTokenRequired maps to 503: remote mode demands an admin
	// token the daemon was not configured with.
	ErrAdminTokenRequired = errors.New("remote pairing requires an admin token")
	ErrAdminTokenInvalid  = errors.New("admin token does not match")
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusClaimed  Status = "claimed"
)

// Session is one pairing attempt.
type Session struct {
	ID         string    `json:"id"`
	Code       string    `json:"code"`
	ClientName string    `json:"clientName,omitempty"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Manager owns pairing sessions and issues claim tokens.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	adminToken string
	remoteMode bool
	signingKey []byte
	now        func() time.Time
}

// NewManager creates a pairing manager. remoteMode requires the admin
// token on approval.
func NewManager(adminToken string, remoteMode bool, signingKey []byte) *Manager {
	return &Manager{
		sessions:   make(map[string]*Session),
		adminToken: adminToken,
		remoteMode: remoteMode,
		signingKey: signingKey,
		now:        time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Create opens a new session with a fresh 6-digit code.
func (m *Manager) Create(clientName string) (*Session, error) {
	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate pairing code: %w", err)
	}

	now := m.now()
	s := &Session{
		ID:         uuid.NewString(),
		Code:       code,
		ClientName: clientName,
		Status:     StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(SessionTTL),
	}

	m.mu.Lock()
	m.purgeLocked(now)
	m.sessions[s.ID] = s
	m.mu.Unlock()

	out := *s
	return &out, nil
}

// Approve marks a session approved. The code must match; in remote mode
// the configured admin token must also be presented.
func (m *Manager) Approve(id, code, adminToken string) (*Session, error) {
	if m.remoteMode {
		if m.adminToken == "" {
			return nil, ErrAdminTokenRequired
		}
		if subtle.ConstantTimeCompare([]byte(adminToken), []byte(m.adminToken)) != 1 {
			return nil, ErrAdminTokenInvalid
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(code), []byte(s.Code)) != 1 {
		return nil, ErrCodeInvalid
	}
	s.Status = StatusApproved
	out := *s
	return &out, nil
}

// Claim exchanges an approved session for a signed bearer token. The
// session transitions to claimed and cannot be claimed again.
func (m *Manager) Claim(id string) (string, *Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookupLocked(id)
	if err != nil {
		return "", nil, err
	}
	if s.Status != StatusApproved {
		return "", nil, ErrNotApproved
	}

	now := m.now()
	claims := jwt.RegisteredClaims{
		Subject:   s.ID,
		Issuer:    "stagehand",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingKey)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign pairing token: %w", err)
	}

	s.Status = StatusClaimed
	out := *s
	return token, &out, nil
}

// ValidateToken reports whether a presented bearer is a valid, unexpired
// pairing token.
func (m *Manager) ValidateToken(token string) bool {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.signingKey, nil
	}, jwt.WithIssuer("stagehand"), jwt.WithExpirationRequired())
	return err == nil && parsed.Valid
}

// lookupLocked finds a live session. Must hold m.mu.
func (m *Manager) lookupLocked(id string) (*Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if m.now().After(s.ExpiresAt) {
		delete(m.sessions, id)
		return nil, ErrExpired
	}
	return s, nil
}

// purgeLocked drops expired sessions. Must hold m.mu.
func (m *Manager) purgeLocked(now time.Time) {
	for id, s := range m.sessions {
		if now.After(s.ExpiresAt) {
			delete(m.sessions, id)
		}
	}
}

// generateCode returns a uniformly random 6-digit code with leading
// zeros preserved.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
