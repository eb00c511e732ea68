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

	"github.com/AleutianAI/AleutianFleet/services/fleet/datatypes"
)

// =============================================================================
// Stop
// =============================================================================

// StopModel stops a model regardless of in-flight requests.
//
// # Description
//
// A routing model's process group is terminated and its runtime
// interval closed. A starting model's attempt is cancelled first and
// the spawned process, if any, is reaped by the attempt itself. A
// failed model is reset to stopped, clearing the failure reason.
func (c *Controller) StopModel(ctx context.Context, name string) error {
	c.mu.Lock()
	m, err := c.model(name)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	// An attempt exists while a start is queued on the serial or
	// running; cancel it before judging the settled state.
	if m.attempt != nil {
		cancel := m.startCancel
		att := m.attempt
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		select {
		case <-att.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		// The attempt may have won the race and reached routing.
		return c.StopModel(ctx, name)
	}

	switch m.state {
	case datatypes.StateStopped:
		c.mu.Unlock()
		return nil

	case datatypes.StateFailed:
		m.state = datatypes.StateStopped
		m.failureReason = ""
		c.mu.Unlock()
		return nil
	}

	// Routing: take ownership of the handle under the lock, terminate
	// outside it.
	h := m.handle
	rid := m.runtimeID
	m.state = datatypes.StateStopped
	m.handle = nil
	m.variant = ""
	m.runtimeID = 0
	m.failureReason = ""
	c.mu.Unlock()

	c.closeRuntime(name, rid)
	c.logger.Info("model stopped", "model", name)

	if h != nil {
		return c.runner.Stop(h, c.cfg.Settings().StopGrace())
	}
	return nil
}

// stopIfIdle stops a routing model only when nothing is in flight.
//
// Used by eviction and the idle sweeper, which must never preempt an
// active request. Returns whether the model was stopped.
func (c *Controller) stopIfIdle(name string) bool {
	c.mu.Lock()
	m, ok := c.models[name]
	if !ok || m.state != datatypes.StateRouting || m.inFlight != 0 {
		c.mu.Unlock()
		return false
	}
	h := m.handle
	rid := m.runtimeID
	m.state = datatypes.StateStopped
	m.handle = nil
	m.variant = ""
	m.runtimeID = 0
	c.mu.Unlock()

	c.closeRuntime(name, rid)
	if h != nil {
		if err := c.runner.Stop(h, c.cfg.Settings().StopGrace()); err != nil {
			c.logger.Error("stop failed", "model", name, "error", err)
		}
	}
	return true
}

// StopAll stops every non-stopped model.
func (c *Controller) StopAll(ctx context.Context) error {
	var errs []error
	for _, def := range c.cfg.Models() {
		if err := c.StopModel(ctx, def.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RestartAutostart stops and starts every auto-start model.
//
// # Outputs
//
//   - map[string]string: Failure message per model that did not come
//     back; empty when everything restarted.
func (c *Controller) RestartAutostart(ctx context.Context) map[string]string {
	failures := make(map[string]string)
	for _, def := range c.cfg.Models() {
		if !def.AutoStart {
			continue
		}
		if err := c.StopModel(ctx, def.Name); err != nil {
			failures[def.Name] = err.Error()
			continue
		}
		if err := c.StartModel(ctx, def.Name); err != nil {
			failures[def.Name] = err.Error()
		}
	}
	return failures
}

// =============================================================================
// Exit Watcher
// =============================================================================

// watchExit transitions a routing model to failed when its process
// exits behind the controller's back.
func (c *Controller) watchExit(m *managedModel, h ProcessHandle) {
	<-h.Done()

	c.mu.Lock()
	if m.handle != h || m.state != datatypes.StateRouting {
		// A stop already took ownership.
		c.mu.Unlock()
		return
	}
	m.state = datatypes.StateFailed
	m.failureReason = "process exited"
	m.handle = nil
	m.variant = ""
	rid := m.runtimeID
	m.runtimeID = 0
	c.mu.Unlock()

	c.closeRuntime(m.def.Name, rid)
	c.logger.Error("backend process exited unexpectedly",
		"model", m.def.Name,
		"error", h.WaitErr(),
	)
}

// =============================================================================
// Runtime Intervals
// =============================================================================

// openRuntime opens the billing runtime interval for a model.
func (c *Controller) openRuntime(name string, start float64, m *managedModel) {
	if c.recorder == nil {
		return
	}
	id, err := c.recorder.OpenRuntime(context.Background(), name, start)
	if err != nil {
		c.logger.Error("open runtime interval failed", "model", name, "error", err)
		return
	}
	c.mu.Lock()
	m.runtimeID = id
	c.mu.Unlock()
}

// closeRuntime finalises a runtime interval at the current time.
func (c *Controller) closeRuntime(name string, id int64) {
	if c.recorder == nil || id == 0 {
		return
	}
	end := unixSeconds(c.now())
	if err := c.recorder.AdvanceRuntime(context.Background(), name, id, end); err != nil {
		c.logger.Error("close runtime interval failed", "model", name, "error", err)
	}
}
