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
	"time"

	"github.com/AleutianAI/AleutianFleet/services/fleet/datatypes"
)

// keeperInterval is the runtime interval advance period.
const keeperInterval = 10 * time.Second

// =============================================================================
// Idle Sweeper
// =============================================================================

// StartSweeper launches the periodic idle sweep.
//
// Safe to call once; a second call is a no-op.
func (c *Controller) StartSweeper() {
	c.mu.Lock()
	if c.sweeperDone != nil {
		c.mu.Unlock()
		return
	}
	done := make(chan struct{})
	c.sweeperDone = done
	c.mu.Unlock()

	interval := c.cfg.Settings().SweepInterval()
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweepIdle()
			case <-done:
				return
			}
		}
	}()

	c.logger.Info("idle sweeper started",
		"interval", interval.String(),
		"idle_timeout", c.cfg.Settings().IdleTimeout().String(),
	)
}

// sweepIdle stops routing models idle past the timeout.
//
// A model with requests in flight is never swept, whatever its
// last-activity age.
func (c *Controller) sweepIdle() {
	cutoff := unixSeconds(c.now()) - c.cfg.Settings().IdleTimeout().Seconds()

	c.mu.Lock()
	var idle []string
	for name, m := range c.models {
		if m.state == datatypes.StateRouting && m.inFlight == 0 && m.lastActivity <= cutoff {
			idle = append(idle, name)
		}
	}
	c.mu.Unlock()

	for _, name := range idle {
		if c.stopIfIdle(name) {
			c.logger.Info("idle model stopped", "model", name)
			if c.metrics != nil {
				c.metrics.RecordIdleStop(name)
			}
		}
	}
}

// =============================================================================
// Runtime Keeper
// =============================================================================

// StartRuntimeKeeper launches the periodic runtime interval advance.
//
// While a model routes, its open accounting interval's end time is
// pushed forward every tick so a crash loses at most one period of
// billed runtime.
func (c *Controller) StartRuntimeKeeper() {
	if c.recorder == nil {
		return
	}
	c.mu.Lock()
	if c.keeperDone != nil {
		c.mu.Unlock()
		return
	}
	done := make(chan struct{})
	c.keeperDone = done
	c.mu.Unlock()

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ticker := time.NewTicker(keeperInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.advanceRuntimes()
			case <-done:
				return
			}
		}
	}()
}

// advanceRuntimes pushes every routing model's interval end forward.
func (c *Controller) advanceRuntimes() {
	type open struct {
		name string
		id   int64
	}
	c.mu.Lock()
	var opens []open
	for name, m := range c.models {
		if m.state == datatypes.StateRouting && m.runtimeID != 0 {
			opens = append(opens, open{name: name, id: m.runtimeID})
		}
	}
	c.mu.Unlock()

	end := unixSeconds(c.now())
	for _, o := range opens {
		if err := c.recorder.AdvanceRuntime(context.Background(), o.name, o.id, end); err != nil {
			c.logger.Error("advance runtime interval failed", "model", o.name, "error", err)
		}
	}
}

// =============================================================================
// Shutdown
// =============================================================================

// StopBackground stops the sweeper and keeper and waits for them.
func (c *Controller) StopBackground() {
	c.mu.Lock()
	if c.sweeperDone != nil {
		close(c.sweeperDone)
		c.sweeperDone = nil
	}
	if c.keeperDone != nil {
		close(c.keeperDone)
		c.keeperDone = nil
	}
	c.mu.Unlock()
	c.bg.Wait()
}
