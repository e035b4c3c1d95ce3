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

// Package vault stores sensitive run inputs encrypted at rest and masks
// them on every egress path except the runtime merge.
package vault

import "strings"

// MaskSentinel replaces sensitive values on persisted records and API
// responses.
const MaskSentinel = "********"

// sensitiveTokens are matched against the alphanumeric projection of a
// key name, so API-Key, apiKey, and api_key all normalize to "apikey".
var sensitiveTokens = []string{
	"password",
	"secret",
	"token",
	"apikey",
	"auth",
	"bearer",
	"credential",
	"privatekey",
}

// normalizeKey lowercases the key and drops every non-alphanumeric rune.
func normalizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range strings.ToLower(key) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsSensitiveKey reports whether the input key is classified sensitive.
func IsSensitiveKey(key string) bool {
	norm := normalizeKey(key)
	for _, tok := range sensitiveTokens {
		if strings.Contains(norm, tok) {
			return true
		}
	}
	return false
}

// PickSensitive returns the subset of inputs whose keys are sensitive.
func PickSensitive(inputs map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range inputs {
		if IsSensitiveKey(k) {
			out[k] = v
		}
	}
	return out
}

// Mask returns a copy of inputs with the given keys replaced by the mask
// sentinel. Keys absent from inputs are ignored.
func Mask(inputs map[string]string, keys []string) map[string]string {
	out := make(map[string]string, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	for _, k := range keys {
		if _, ok := out[k]; ok {
			out[k] = MaskSentinel
		}
	}
	return out
}

// MaskSensitive masks every sensitive key present in inputs.
func MaskSensitive(inputs map[string]string) map[string]string {
	out := make(map[string]string, len(inputs))
	for k, v := range inputs {
		if IsSensitiveKey(k) {
			out[k] = MaskSentinel
		} else {
			out[k] = v
		}
	}
	return out
}

// Merge overlays secure entries onto runtime inputs. Secure values win so
// that a masked persisted value never leaks into a running pipeline.
func Merge(runtime, secure map[string]string) map[string]string {
	out := make(map[string]string, len(runtime)+len(secure))
	for k, v := range runtime {
		out[k] = v
	}
	for k, v := range secure {
		out[k] = v
	}
	return out
}
