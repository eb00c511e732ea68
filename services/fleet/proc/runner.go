// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package proc spawns and terminates backend model processes.
//
// # Description
//
// The runner forks a child from a launch script, captures its stdout
// and stderr line by line without blocking the child, and delivers
// each line to the log fan-out tagged with its model. Termination is
// cooperative then forceful: SIGTERM to the process group, a grace
// wait, then SIGKILL to the group. The runner never interprets
// process output; readiness is the health probe's concern.
package proc

import (
	"bufio"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"log/slog"
)

// scanBufferSize caps a single captured output line (1 MiB).
const scanBufferSize = 1024 * 1024

// =============================================================================
// Line Sink
// =============================================================================

// LineSink receives captured process output lines.
//
// The log fan-out manager satisfies this. Append must not block.
type LineSink interface {
	Append(model, text string)
}

// =============================================================================
// Handle
// =============================================================================

// Handle refers to one spawned backend process.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Handle struct {
	model string
	cmd   *exec.Cmd
	pid   int

	done    chan struct{}
	waitErr error

	stopMu  sync.Mutex
	stopped bool
}

// PID returns the child's process id.
func (h *Handle) PID() int { return h.pid }

// Alive reports whether the child has not yet been reaped.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done returns a channel closed when the child exits.
func (h *Handle) Done() <-chan struct{} { return h.done }

// WaitErr returns the child's exit error. Only valid after Done is
// closed.
func (h *Handle) WaitErr() error { return h.waitErr }

// =============================================================================
// Runner
// =============================================================================

// Runner spawns launch scripts and manages their process groups.
type Runner struct {
	sink   LineSink
	logger *slog.Logger
}

// NewRunner creates a runner delivering output lines to sink.
func NewRunner(sink LineSink, logger *slog.Logger) *Runner {
	return &Runner{sink: sink, logger: logger}
}

// Spawn starts the launch script in its own process group.
//
// # Description
//
// The child runs under /bin/bash in a fresh process group so that
// Stop can signal the whole tree, including any servers the script
// execs. Stdout and stderr are scanned line by line into the sink;
// scanning goroutines exit when the pipes close.
//
// # Inputs
//
//   - model: Canonical model name used to tag output lines.
//   - scriptPath: Launch script path.
//
// # Outputs
//
//   - *Handle: Live process handle.
//   - error: Non-nil if the child could not be started.
func (r *Runner) Spawn(model, scriptPath string) (*Handle, error) {
	cmd := exec.Command("/bin/bash", scriptPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe for %s: %w", model, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe for %s: %w", model, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s (%s): %w", model, scriptPath, err)
	}

	h := &Handle{
		model: model,
		cmd:   cmd,
		pid:   cmd.Process.Pid,
		done:  make(chan struct{}),
	}

	r.logger.Info("backend process started",
		"model", model,
		"pid", h.pid,
		"script", scriptPath,
	)

	var scanners sync.WaitGroup
	scanners.Add(2)
	go r.scanLines(&scanners, model, stdout)
	go r.scanLines(&scanners, model, stderr)

	go func() {
		scanners.Wait()
		h.waitErr = cmd.Wait()
		close(h.done)
		r.logger.Info("backend process exited",
			"model", model,
			"pid", h.pid,
			"error", h.waitErr,
		)
	}()

	return h, nil
}

// scanLines forwards one pipe to the sink line by line.
func (r *Runner) scanLines(wg *sync.WaitGroup, model string, pipe interface{ Read([]byte) (int, error) }) {
	defer wg.Done()
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)
	for scanner.Scan() {
		r.sink.Append(model, scanner.Text())
	}
}

// Stop terminates the child and its whole process group.
//
// # Description
//
// Sends SIGTERM to the process group, waits up to grace for the
// child to exit, then sends SIGKILL to the group and waits for the
// reaper. Idempotent: stopping an already-exited or already-stopped
// handle returns nil.
//
// # Inputs
//
//   - h: The handle to terminate.
//   - grace: Soft-kill window before SIGKILL.
//
// # Outputs
//
//   - error: Non-nil only if signalling failed unexpectedly.
func (r *Runner) Stop(h *Handle, grace time.Duration) error {
	h.stopMu.Lock()
	if h.stopped {
		h.stopMu.Unlock()
		<-h.done
		return nil
	}
	h.stopped = true
	h.stopMu.Unlock()

	select {
	case <-h.done:
		return nil
	default:
	}

	r.logger.Info("stopping backend process",
		"model", h.model,
		"pid", h.pid,
		"grace", grace.String(),
	)

	// Negative pid targets the whole process group.
	if err := unix.Kill(-h.pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		return fmt.Errorf("SIGTERM group %d: %w", h.pid, err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-timer.C:
	}

	r.logger.Warn("grace period elapsed, killing process group",
		"model", h.model,
		"pid", h.pid,
	)
	if err := unix.Kill(-h.pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return fmt.Errorf("SIGKILL group %d: %w", h.pid, err)
	}

	<-h.done
	return nil
}
