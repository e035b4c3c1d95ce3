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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/argon2"
)

const (
	// Argon2id parameters for master key derivation.
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // 64MB in KB
	argon2Parallelism = 4
	argon2KeyLength   = 32 // 256 bits for AES-256

	// gcmNonceSize is the standard 96-bit GCM nonce.
	gcmNonceSize = 12

	keyringService = "stagehand"
	keyringUser    = "master-key"
)

// ErrDecryptFailed is returned when authenticated decryption fails.
var ErrDecryptFailed = errors.New("decryption failed")

// Encryptor provides authenticated symmetric encryption for vault entries.
// The core never sees raw keying material; callers inject an implementation.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AESGCMEncryptor implements Encryptor with AES-256-GCM. The data key is
// derived from a master key and a machine-local salt via Argon2id. Each
// Encrypt call draws a fresh nonce.
type AESGCMEncryptor struct {
	aead cipher.AEAD
}

// NewAESGCMEncryptor derives the data key and prepares the AEAD.
func NewAESGCMEncryptor(masterKey, salt []byte) (*AESGCMEncryptor, error) {
	if len(masterKey) == 0 {
		return nil, errors.New("master key is empty")
	}
	key := argon2.IDKey(masterKey, salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return &AESGCMEncryptor{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh nonce. Output is nonce || ciphertext.
func (e *AESGCMEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens nonce || ciphertext produced by Encrypt.
func (e *AESGCMEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < gcmNonceSize {
		return nil, ErrDecryptFailed
	}
	nonce, sealed := ciphertext[:gcmNonceSize], ciphertext[gcmNonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// LoadMasterKey resolves the per-installation master key. It tries the OS
// keyring first and falls back to a 0600 file under the state root, so
// headless installs keep working without a keychain.
func LoadMasterKey(root string) ([]byte, error) {
	if v, err := keyring.Get(keyringService, keyringUser); err == nil && v != "" {
		return base64.StdEncoding.DecodeString(v)
	}

	path := filepath.Join(root, "master.key")
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return base64.StdEncoding.DecodeString(string(data))
	}

	// First use: generate and persist a fresh key.
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)

	if err := keyring.Set(keyringService, keyringUser, encoded); err != nil {
		if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
			return nil, fmt.Errorf("failed to persist master key: %w", err)
		}
	}
	return key, nil
}

// LoadSalt returns the machine-local salt, generating it on first use.
func LoadSalt(root string) ([]byte, error) {
	path := filepath.Join(root, "vault.salt")
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return data, nil
	}

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist salt: %w", err)
	}
	return salt, nil
}
