// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianFleet/services/fleet/datatypes"
)

// =============================================================================
// Variant Selection
// =============================================================================

// selectVariant picks the first variant whose required devices are
// all online. Declaration order is priority order.
func selectVariant(def *datatypes.ModelDef, online map[string]bool) (*datatypes.LaunchVariant, bool) {
	for i := range def.Variants {
		v := &def.Variants[i]
		usable := true
		for _, d := range v.RequiredDevices {
			if !online[d] {
				usable = false
				break
			}
		}
		if usable {
			return v, true
		}
	}
	return nil, false
}

// =============================================================================
// Start Entry Points
// =============================================================================

// EnsureRunning brings a model to routing for a request path.
//
// # Description
//
// Returns immediately when the model is already routing, joins the
// in-progress attempt when it is starting, and launches a new attempt
// bounded by the health timeout when it is stopped or failed. A
// failed model re-enters starting with its reason cleared. Cancelling
// ctx abandons the wait only, never the start itself.
func (c *Controller) EnsureRunning(ctx context.Context, name string) error {
	return c.start(ctx, name, true)
}

// StartModel starts a model explicitly.
//
// Unlike the request path there is no health deadline: the attempt
// runs until the backend is healthy, the process dies, or the model
// is stopped.
func (c *Controller) StartModel(ctx context.Context, name string) error {
	return c.start(ctx, name, false)
}

// start is the shared entry: resolve state, coalesce or launch.
func (c *Controller) start(ctx context.Context, name string, withDeadline bool) error {
	c.mu.Lock()
	m, err := c.model(name)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	// A pending or running attempt coalesces every caller, whether or
	// not it has acquired the start serial yet.
	if m.attempt != nil {
		att := m.attempt
		c.mu.Unlock()
		return c.await(ctx, att)
	}

	switch m.state {
	case datatypes.StateRouting:
		c.mu.Unlock()
		return nil

	case datatypes.StateFailed:
		m.state = datatypes.StateStopped
		m.failureReason = ""
	}

	att := &startAttempt{done: make(chan struct{})}
	m.attempt = att

	// The start runs on a detached context so an abandoning client
	// never interrupts it; only StopModel or the health deadline can.
	base, cancelBase := context.WithCancel(context.Background())
	runCtx, cancel := base, cancelBase
	if withDeadline {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(base, c.cfg.Settings().HealthTimeout())
		cancel = func() {
			cancelTimeout()
			cancelBase()
		}
	}
	m.startCancel = cancel
	c.mu.Unlock()

	go c.doStart(runCtx, m, att)
	return c.await(ctx, att)
}

// await blocks on an attempt until it finishes or the caller leaves.
func (c *Controller) await(ctx context.Context, att *startAttempt) error {
	select {
	case <-att.done:
		return att.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// Start Execution
// =============================================================================

// doStart runs one start attempt to completion and publishes the
// outcome to every coalesced waiter.
func (c *Controller) doStart(ctx context.Context, m *managedModel, att *startAttempt) {
	began := c.now()
	err := c.runStart(ctx, m)

	c.mu.Lock()
	m.attempt = nil
	if m.startCancel != nil {
		m.startCancel()
		m.startCancel = nil
	}
	c.mu.Unlock()

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	if c.metrics != nil {
		c.metrics.RecordStart(m.def.Name, outcome, time.Since(began).Seconds())
	}

	att.err = err
	close(att.done)
}

// runStart is the start attempt body: select, admit, spawn, probe.
func (c *Controller) runStart(ctx context.Context, m *managedModel) error {
	name := m.def.Name

	online := c.devices.OnlineSet(ctx)
	v, ok := selectVariant(m.def, online)
	if !ok {
		c.setStopped(m)
		return datatypes.NewError(datatypes.KindNoUsableDevice,
			"no launch variant of %q has all required devices online", name)
	}

	select {
	case c.startSem <- struct{}{}:
	case <-ctx.Done():
		c.setStopped(m)
		return c.startInterrupted(ctx, name)
	}
	defer func() { <-c.startSem }()

	// Only the serial holder is observably starting; a model queued on
	// the serial still reports stopped.
	c.mu.Lock()
	m.state = datatypes.StateStarting
	c.mu.Unlock()

	if err := c.admit(ctx, m, v); err != nil {
		c.setStopped(m)
		return err
	}

	h, err := c.runner.Spawn(name, v.LaunchScript)
	if err != nil {
		c.releaseReservation(m)
		c.setFailed(m, fmt.Sprintf("spawn failed: %v", err))
		return datatypes.WrapError(datatypes.KindBackendUnavailable, err,
			"model %q failed to start", name)
	}

	c.mu.Lock()
	m.handle = h
	m.variant = v.Name
	c.mu.Unlock()

	c.logger.Info("model starting",
		"model", name,
		"variant", v.Name,
		"pid", h.PID(),
	)

	if err := c.awaitHealthy(ctx, m, h); err != nil {
		c.releaseReservation(m)
		return err
	}

	now := unixSeconds(c.now())
	c.mu.Lock()
	m.state = datatypes.StateRouting
	m.failureReason = ""
	m.lastActivity = now
	m.reserved = nil
	c.mu.Unlock()

	c.openRuntime(name, now, m)
	go c.watchExit(m, h)

	c.logger.Info("model routing", "model", name, "variant", v.Name, "port", m.def.Port)
	return nil
}

// startInterrupted maps a cancelled start context to the right error.
func (c *Controller) startInterrupted(ctx context.Context, name string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return datatypes.NewError(datatypes.KindStartTimeout,
			"model %q did not become healthy within %s", name, c.cfg.Settings().HealthTimeout())
	}
	return datatypes.NewError(datatypes.KindBackendUnavailable,
		"model %q start was cancelled", name)
}

// =============================================================================
// Admission and Eviction
// =============================================================================

// admit checks the selected variant's memory reservations against
// live device snapshots, evicting idle models one at a time until the
// variant fits or no eviction candidate remains.
func (c *Controller) admit(ctx context.Context, m *managedModel, v *datatypes.LaunchVariant) error {
	name := m.def.Name
	for {
		short := c.deficit(ctx, m, v)
		if len(short) == 0 {
			c.mu.Lock()
			m.reserved = v.MemoryMB
			c.mu.Unlock()
			return nil
		}

		victim, ok := c.evictionCandidate(name)
		if !ok {
			return datatypes.NewError(datatypes.KindInsufficientMemory,
				"insufficient free memory on %v for model %q variant %q", short, name, v.Name)
		}

		c.logger.Warn("evicting idle model for memory",
			"victim", victim,
			"starting", name,
			"short_devices", short,
		)
		if c.stopIfIdle(victim) && c.metrics != nil {
			c.metrics.RecordEviction(victim)
		}
		c.devices.Refresh(ctx)

		select {
		case <-ctx.Done():
			return c.startInterrupted(ctx, name)
		default:
		}
	}
}

// deficit lists devices whose free memory, minus reservations held by
// other starting models, cannot cover the variant's requirement.
func (c *Controller) deficit(ctx context.Context, m *managedModel, v *datatypes.LaunchVariant) []string {
	infos := c.devices.Snapshots(ctx)

	reserved := make(map[string]int64)
	c.mu.Lock()
	for _, other := range c.models {
		if other == m || other.state != datatypes.StateStarting {
			continue
		}
		for dev, mb := range other.reserved {
			reserved[dev] += mb
		}
	}
	c.mu.Unlock()

	var short []string
	for dev, need := range v.MemoryMB {
		info, ok := infos[dev]
		if !ok || !info.Online || info.Snapshot == nil {
			short = append(short, dev)
			continue
		}
		if info.Snapshot.FreeMB-reserved[dev] < need {
			short = append(short, dev)
		}
	}
	return short
}

// evictionCandidate picks the least recently active routing model
// with no requests in flight.
func (c *Controller) evictionCandidate(exclude string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	best := ""
	var bestTS float64
	for name, m := range c.models {
		if name == exclude || m.state != datatypes.StateRouting || m.inFlight != 0 {
			continue
		}
		if best == "" || m.lastActivity < bestTS {
			best, bestTS = name, m.lastActivity
		}
	}
	return best, best != ""
}

// =============================================================================
// Health Wait
// =============================================================================

// awaitHealthy polls the mode's health probe until the backend is
// ready, the process dies, or the start context ends.
func (c *Controller) awaitHealthy(ctx context.Context, m *managedModel, h ProcessHandle) error {
	name := m.def.Name
	for {
		probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		err := c.prober.Health(probeCtx, m.def.Mode, m.def.Port, name)
		cancel()
		if err == nil {
			return nil
		}

		select {
		case <-h.Done():
			c.setFailed(m, "process exited during startup")
			return datatypes.NewError(datatypes.KindBackendUnavailable,
				"model %q process exited during startup", name)

		case <-ctx.Done():
			// Deadline or stop; either way the spawned process goes.
			_ = c.runner.Stop(h, c.cfg.Settings().StopGrace())
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				c.setFailed(m, "health probe timed out")
			} else {
				c.setStopped(m)
			}
			return c.startInterrupted(ctx, name)

		case <-time.After(healthPollInterval):
		}
	}
}

// =============================================================================
// State Helpers
// =============================================================================

// setStopped resets a model to stopped.
func (c *Controller) setStopped(m *managedModel) {
	c.mu.Lock()
	m.state = datatypes.StateStopped
	m.handle = nil
	m.variant = ""
	m.reserved = nil
	c.mu.Unlock()
}

// setFailed records a failure with its reason.
func (c *Controller) setFailed(m *managedModel, reason string) {
	c.mu.Lock()
	m.state = datatypes.StateFailed
	m.failureReason = reason
	m.handle = nil
	m.variant = ""
	m.reserved = nil
	c.mu.Unlock()
}

// releaseReservation drops a pending admission reservation.
func (c *Controller) releaseReservation(m *managedModel) {
	c.mu.Lock()
	m.reserved = nil
	c.mu.Unlock()
}
