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

// Subprocess discipline shared by all CLI adapters: scoped acquisition
// with guaranteed release, idle and stage timeouts, progress pulses, and
// graceful terminate before force-kill.
package provider

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

var (
	// ErrStageTimeout indicates the step exceeded its stage timeout.
	ErrStageTimeout = errors.New("stage timeout exceeded")
	// ErrIdleTimeout indicates no stdout arrived within the idle window.
	ErrIdleTimeout = errors.New("idle timeout: no output from CLI")
	// ErrTransient marks failures worth retrying (early non-zero exit
	// without output, network timeouts).
	ErrTransient = errors.New("transient CLI error")
)

const (
	// terminateGrace is how long a subprocess gets between SIGTERM and SIGKILL.
	terminateGrace = 2 * time.Second
	// earlyExitWindow bounds the "failed immediately" transient heuristic.
	earlyExitWindow = 2 * time.Second
	// maxLineSize bounds a single NDJSON stream line.
	maxLineSize = 4 * 1024 * 1024
)

// progressPulseInterval paces command_progress liveness events. Var so
// tests can shorten the cadence.
var progressPulseInterval = 30 * time.Second

// processSpec describes one CLI subprocess invocation.
type processSpec struct {
	Command      string
	Args         []string
	Env          []string
	Dir          string
	Stdin        string
	StageTimeout time.Duration
}

// idleWindow derives the idle timeout from the stage timeout: two thirds
// of the stage budget without any stdout means the CLI has stalled.
func idleWindow(stageTimeout time.Duration) time.Duration {
	return 2 * stageTimeout / 3
}

// runProcess spawns the CLI and pumps classified events until the process
// exits, the context is cancelled, or a timeout fires. The subprocess is
// released on every exit path: graceful terminate, then force-kill after
// the grace period.
func runProcess(ctx context.Context, spec processSpec, classify func([]byte) Event, events chan<- Event) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stdin = strings.NewReader(spec.Stdin)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = terminateGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: failed to start %s: %v", ErrTransient, spec.Command, err)
	}
	pid := cmd.Process.Pid

	lines := make(chan []byte, 64)
	scanDone := make(chan struct{})
	var scanErr error
	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			lines <- line
		}
		scanErr = scanner.Err()
		close(lines)
	}()

	// Wait closes the stdout pipe on exit, so it must not start until the
	// scanner has read everything. WaitDelay still force-closes the pipe if
	// the process tree keeps it open past the grace period.
	done := make(chan error, 1)
	go func() {
		<-scanDone
		done <- cmd.Wait()
	}()

	stageTimer := time.NewTimer(spec.StageTimeout)
	defer stageTimer.Stop()
	idleTimer := time.NewTimer(idleWindow(spec.StageTimeout))
	defer idleTimer.Stop()
	pulse := time.NewTicker(progressPulseInterval)
	defer pulse.Stop()

	sawOutput := false
	streamOpen := true

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				streamOpen = false
				lines = nil
				if scanErr != nil {
					cancel()
					<-done
					return fmt.Errorf("%s output stream: %v", spec.Command, scanErr)
				}
				continue
			}
			sawOutput = true
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(idleWindow(spec.StageTimeout))
			events <- classify(line)

		case <-pulse.C:
			events <- Event{
				Type:      EventProgress,
				ElapsedMs: time.Since(start).Milliseconds(),
				PID:       pid,
			}

		case <-stageTimer.C:
			cancel()
			drainLines(lines)
			<-done
			return ErrStageTimeout

		case <-idleTimer.C:
			if streamOpen {
				cancel()
				drainLines(lines)
				<-done
				return ErrIdleTimeout
			}

		case <-ctx.Done():
			drainLines(lines)
			<-done
			return ctx.Err()

		case err := <-done:
			// Drain any lines emitted before exit.
			if lines != nil {
				for line := range lines {
					sawOutput = true
					events <- classify(line)
				}
			}
			if err == nil {
				if scanErr != nil {
					return fmt.Errorf("%s output stream: %v", spec.Command, scanErr)
				}
				return nil
			}
			if isUnauthorized(stderr.String()) {
				return fmt.Errorf("%w: %s", ErrUnauthorized, firstLine(stderr.String()))
			}
			if !sawOutput && time.Since(start) < earlyExitWindow {
				return fmt.Errorf("%w: %s exited early: %v", ErrTransient, spec.Command, err)
			}
			if isNetworkTimeout(stderr.String()) {
				return fmt.Errorf("%w: %s: %v", ErrTransient, spec.Command, err)
			}
			return fmt.Errorf("%s failed: %v (stderr: %s)", spec.Command, err, firstLine(stderr.String()))
		}
	}
}

// drainLines unblocks the scanner after cancellation so it can reach the
// closed pipe and exit; discarded output is already past its usefulness.
func drainLines(lines <-chan []byte) {
	if lines == nil {
		return
	}
	for range lines {
	}
}

func isUnauthorized(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "401") || strings.Contains(s, "unauthorized")
}

func isNetworkTimeout(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "timeout") || strings.Contains(s, "connection reset") ||
		strings.Contains(s, "temporarily unavailable")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
