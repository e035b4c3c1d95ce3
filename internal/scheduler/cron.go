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
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronExpr represents a parsed 5-field POSIX cron expression.
type CronExpr struct {
	minute     []int // 0-59
	hour       []int // 0-23
	dayOfMonth []int // 1-31
	month      []int // 1-12
	dayOfWeek  []int // 0-6 (0 = Sunday)

	// Restricted flags drive the POSIX DOM/DOW OR rule: when both fields
	// are constrained, a time matches if either matches.
	domRestricted bool
	dowRestricted bool
}

var monthNames = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

var weekdayNames = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

// ParseCron parses a cron expression.
// Format: minute hour day-of-month month day-of-week
// Supports *, */n, lists (a,b,c), ranges (a-b), and month/weekday names.
func ParseCron(expr string) (*CronExpr, error) {
	switch strings.ToLower(strings.TrimSpace(expr)) {
	case "@hourly":
		expr = "0 * * * *"
	case "@daily", "@midnight":
		expr = "0 0 * * *"
	case "@weekly":
		expr = "0 0 * * 0"
	case "@monthly":
		expr = "0 0 1 * *"
	case "@yearly", "@annually":
		expr = "0 0 1 1 *"
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}

	c := &CronExpr{
		domRestricted: fields[2] != "*",
		dowRestricted: fields[4] != "*",
	}
	var err error

	c.minute, err = parseField(fields[0], 0, 59, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid minute field: %w", err)
	}
	c.hour, err = parseField(fields[1], 0, 23, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid hour field: %w", err)
	}
	c.dayOfMonth, err = parseField(fields[2], 1, 31, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid day-of-month field: %w", err)
	}
	c.month, err = parseField(fields[3], 1, 12, monthNames)
	if err != nil {
		return nil, fmt.Errorf("invalid month field: %w", err)
	}
	c.dayOfWeek, err = parseField(fields[4], 0, 7, weekdayNames)
	if err != nil {
		return nil, fmt.Errorf("invalid day-of-week field: %w", err)
	}
	// 7 is an alias for Sunday.
	for i, v := range c.dayOfWeek {
		if v == 7 {
			c.dayOfWeek[i] = 0
		}
	}

	return c, nil
}

// parseField parses a single cron field, resolving names when a name map
// is provided.
func parseField(field string, min, max int, names map[string]int) ([]int, error) {
	if field == "*" {
		result := make([]int, max-min+1)
		for i := range result {
			result[i] = min + i
		}
		return result, nil
	}

	var result []int
	for _, part := range strings.Split(field, ",") {
		values, err := parseFieldPart(part, min, max, names)
		if err != nil {
			return nil, err
		}
		result = append(result, values...)
	}
	return unique(result), nil
}

// parseFieldPart parses one list element (handles ranges and steps).
func parseFieldPart(part string, min, max int, names map[string]int) ([]int, error) {
	step := 1
	if idx := strings.Index(part, "/"); idx != -1 {
		stepStr := part[idx+1:]
		var err error
		step, err = strconv.Atoi(stepStr)
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step: %s", stepStr)
		}
		part = part[:idx]
	}

	var start, end int
	var err error

	if part == "*" {
		start, end = min, max
	} else if idx := strings.Index(part, "-"); idx != -1 {
		start, err = parseValue(part[:idx], names)
		if err != nil {
			return nil, fmt.Errorf("invalid range start: %s", part[:idx])
		}
		end, err = parseValue(part[idx+1:], names)
		if err != nil {
			return nil, fmt.Errorf("invalid range end: %s", part[idx+1:])
		}
	} else {
		start, err = parseValue(part, names)
		if err != nil {
			return nil, fmt.Errorf("invalid value: %s", part)
		}
		end = start
	}

	if start < min || start > max {
		return nil, fmt.Errorf("value %d out of range [%d-%d]", start, min, max)
	}
	if end < min || end > max {
		return nil, fmt.Errorf("value %d out of range [%d-%d]", end, min, max)
	}
	if start > end {
		return nil, fmt.Errorf("invalid range: %d > %d", start, end)
	}

	var result []int
	for i := start; i <= end; i += step {
		result = append(result, i)
	}
	return result, nil
}

// parseValue resolves a numeric value or a month/weekday name.
func parseValue(s string, names map[string]int) (int, error) {
	if names != nil {
		if v, ok := names[strings.ToLower(s)]; ok {
			return v, nil
		}
	}
	return strconv.Atoi(s)
}

// Matches reports whether the expression fires at the given time.
// Seconds and smaller units are ignored.
func (c *CronExpr) Matches(t time.Time) bool {
	if !contains(c.minute, t.Minute()) {
		return false
	}
	if !contains(c.hour, t.Hour()) {
		return false
	}
	if !contains(c.month, int(t.Month())) {
		return false
	}

	domMatch := contains(c.dayOfMonth, t.Day())
	dowMatch := contains(c.dayOfWeek, int(t.Weekday()))

	// POSIX: when both DOM and DOW are restricted, either may match.
	if c.domRestricted && c.dowRestricted {
		return domMatch || dowMatch
	}
	return domMatch && dowMatch
}

func contains(slice []int, val int) bool {
	for _, v := range slice {
		if v == val {
			return true
		}
	}
	return false
}

func unique(slice []int) []int {
	seen := make(map[int]bool)
	var result []int
	for _, v := range slice {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}

// ZonedMinuteKey formats t in the given IANA timezone as YYYY-MM-DDTHH:MM.
// It doubles as timezone validation: an unknown zone returns an error.
func ZonedMinuteKey(t time.Time, tz string) (string, error) {
	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
	}
	return t.In(loc).Format("2006-01-02T15:04"), nil
}
