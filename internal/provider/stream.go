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
	"encoding/json"
	"strings"
)

// metadataKeys are stream fields that carry session bookkeeping rather
// than output. A JSON line exposing only these keys is a heartbeat.
var metadataKeys = map[string]bool{
	"session_id": true,
	"uuid":       true,
	"statusline": true,
	"type":       true,
	"subtype":    true,
	"request_id": true,
	"model":      true,
}

// shellTools are tool names surfaced as model shell commands.
var shellTools = map[string]bool{
	"Bash": true,
}

// classifyLine translates one NDJSON stream line into a provider event.
// Lines that fail to decode as JSON are treated as plain output chunks.
func classifyLine(line []byte) Event {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return Event{Type: EventHeartbeat}
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return Event{Type: EventChunk, Chunk: trimmed}
	}

	if tool, ok := decoded["tool"].(string); ok && tool != "" {
		return classifyToolEvent(tool, decoded)
	}

	if summary, ok := decoded["summary"].(string); ok && summary != "" {
		return Event{Type: EventModelSummary, Summary: summary}
	}

	if status, ok := decoded["final_status"].(string); ok && status != "" {
		return Event{Type: EventFinalStatus, FinalStatus: status}
	}

	if text := extractText(decoded); text != "" {
		return Event{Type: EventChunk, Chunk: text}
	}

	if metadataOnly(decoded) {
		return Event{Type: EventHeartbeat}
	}

	// Unknown shape with substantive fields: surface the raw line so
	// nothing the model said is silently dropped.
	return Event{Type: EventChunk, Chunk: trimmed}
}

// classifyToolEvent maps tool invocations to shell-command or tool-action
// events.
func classifyToolEvent(tool string, decoded map[string]any) Event {
	input, _ := decoded["input"].(map[string]any)
	if input == nil {
		input, _ = decoded["parameters"].(map[string]any)
	}

	if _, ok := decoded["result"]; ok {
		return Event{Type: EventToolResult, Tool: tool}
	}

	if shellTools[tool] {
		ev := Event{Type: EventShellCommand, Tool: tool}
		if input != nil {
			ev.Command, _ = input["command"].(string)
			ev.Cwd, _ = input["cwd"].(string)
		}
		return ev
	}

	return Event{Type: EventToolAction, Tool: tool}
}

// extractText pulls output text from the known content field shapes.
func extractText(decoded map[string]any) string {
	for _, key := range []string{"text", "chunk", "delta", "content"} {
		switch v := decoded[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			if s, ok := v["text"].(string); ok && s != "" {
				return s
			}
		case []any:
			var b strings.Builder
			for _, item := range v {
				if m, ok := item.(map[string]any); ok {
					if s, ok := m["text"].(string); ok {
						b.WriteString(s)
					}
				}
			}
			if b.Len() > 0 {
				return b.String()
			}
		}
	}

	// Claude's stream-json nests content under message.
	if msg, ok := decoded["message"].(map[string]any); ok {
		return extractText(msg)
	}

	if result, ok := decoded["result"].(string); ok {
		return result
	}

	return ""
}

// metadataOnly reports whether every key in the decoded line is session
// bookkeeping.
func metadataOnly(decoded map[string]any) bool {
	for k := range decoded {
		if !metadataKeys[k] {
			return false
		}
	}
	return true
}
