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
	"regexp"
	"strings"
)

var templateRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// renderTemplate substitutes {{task}}, {{previous_output}}, and input
// placeholders. Unknown placeholders are left verbatim so the failure is
// visible in the prompt rather than silently blank.
func renderTemplate(tpl, task, previousOutput string, inputs map[string]string) string {
	return templateRe.ReplaceAllStringFunc(tpl, func(m string) string {
		key := strings.TrimSpace(strings.Trim(m, "{}"))
		switch key {
		case "task":
			return task
		case "previous_output":
			return previousOutput
		}
		if v, ok := inputs[key]; ok {
			return v
		}
		return m
	})
}
