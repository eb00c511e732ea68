// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package controller owns the model lifecycle state machine.
//
// # Description
//
// Each catalogued model moves between stopped, starting, routing, and
// failed. The controller serialises starts process-wide, admits them
// against live device memory with eviction of idle models, probes
// health through the interface adapters, and sweeps idle models back
// to stopped. It is the single writer of model state; every other
// package reads state through it.
package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianFleet/services/fleet/config"
	"github.com/AleutianAI/AleutianFleet/services/fleet/datatypes"
	"github.com/AleutianAI/AleutianFleet/services/fleet/devices"
	"github.com/AleutianAI/AleutianFleet/services/fleet/ifaces"
	"github.com/AleutianAI/AleutianFleet/services/fleet/observability"
	"github.com/AleutianAI/AleutianFleet/services/fleet/proc"
)

// healthPollInterval is the delay between health probe attempts while
// a model is starting.
const healthPollInterval = 2 * time.Second

// healthProbeTimeout bounds one individual probe attempt.
const healthProbeTimeout = 10 * time.Second

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// ProcessHandle is the controller's view of a spawned backend.
type ProcessHandle interface {
	PID() int
	Alive() bool
	Done() <-chan struct{}
	WaitErr() error
}

// ProcessRunner spawns and terminates backend processes.
type ProcessRunner interface {
	Spawn(model, scriptPath string) (ProcessHandle, error)
	Stop(h ProcessHandle, grace time.Duration) error
}

// procAdapter lifts *proc.Runner to the ProcessRunner interface.
type procAdapter struct {
	r *proc.Runner
}

// NewProcAdapter wraps the process runner for controller use.
func NewProcAdapter(r *proc.Runner) ProcessRunner {
	return procAdapter{r: r}
}

func (p procAdapter) Spawn(model, scriptPath string) (ProcessHandle, error) {
	h, err := p.r.Spawn(model, scriptPath)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (p procAdapter) Stop(h ProcessHandle, grace time.Duration) error {
	return p.r.Stop(h.(*proc.Handle), grace)
}

// HealthProber probes a backend for readiness by mode.
type HealthProber interface {
	Health(ctx context.Context, mode datatypes.Mode, port int, model string) error
}

// ifaceProber probes through the interface adapter registry.
type ifaceProber struct {
	reg *ifaces.Registry
}

// NewIfaceProber wraps the interface registry as a HealthProber.
func NewIfaceProber(reg *ifaces.Registry) HealthProber {
	return ifaceProber{reg: reg}
}

func (p ifaceProber) Health(ctx context.Context, mode datatypes.Mode, port int, model string) error {
	a, ok := p.reg.Get(mode)
	if !ok {
		return datatypes.NewError(datatypes.KindInternal, "mode %q has no interface adapter", mode)
	}
	return a.Health(ctx, port, model)
}

// RuntimeRecorder persists model runtime intervals for billing.
//
// The accounting store satisfies this. A nil recorder disables
// runtime tracking.
type RuntimeRecorder interface {
	OpenRuntime(ctx context.Context, model string, start float64) (int64, error)
	AdvanceRuntime(ctx context.Context, model string, id int64, end float64) error
}

// =============================================================================
// Managed Model
// =============================================================================

// startAttempt coalesces concurrent start requests for one model.
//
// Every waiter blocks on done and reads err afterwards; the start
// itself continues even when all waiters abandon it.
type startAttempt struct {
	done chan struct{}
	err  error
}

// managedModel is the controller's mutable record for one model.
//
// All fields are guarded by the controller mutex.
type managedModel struct {
	def *datatypes.ModelDef

	state         datatypes.ModelState
	variant       string
	handle        ProcessHandle
	failureReason string

	// attempt is non-nil exactly while the model is starting.
	attempt     *startAttempt
	startCancel context.CancelFunc

	// reserved holds the admission reservation while starting.
	reserved map[string]int64

	inFlight     int64
	lastActivity float64

	// runtimeID is the open accounting interval row, 0 when none.
	runtimeID int64
}

// =============================================================================
// Controller
// =============================================================================

// Controller is the model lifecycle manager.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Controller struct {
	cfg      *config.Store
	devices  *devices.Registry
	prober   HealthProber
	runner   ProcessRunner
	recorder RuntimeRecorder
	metrics  *observability.FleetMetrics
	logger   *slog.Logger
	now      func() time.Time

	// startSem serialises starts process-wide.
	startSem chan struct{}

	mu     sync.Mutex
	models map[string]*managedModel

	sweeperDone chan struct{}
	keeperDone  chan struct{}
	bg          sync.WaitGroup
}

// New builds a controller over the catalogue.
//
// # Inputs
//
//   - cfg: Loaded catalogue store.
//   - dev: Device registry for admission and availability.
//   - prober: Health prober (usually NewIfaceProber).
//   - runner: Process runner (usually NewProcAdapter).
//   - recorder: Runtime interval recorder; nil disables tracking.
//   - metrics: Fleet metrics sink.
//   - logger: Structured logger.
func New(cfg *config.Store, dev *devices.Registry, prober HealthProber,
	runner ProcessRunner, recorder RuntimeRecorder,
	metrics *observability.FleetMetrics, logger *slog.Logger) *Controller {

	c := &Controller{
		cfg:      cfg,
		devices:  dev,
		prober:   prober,
		runner:   runner,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		startSem: make(chan struct{}, 1),
		models:   make(map[string]*managedModel),
	}
	for _, def := range cfg.Models() {
		c.models[def.Name] = &managedModel{
			def:   def,
			state: datatypes.StateStopped,
		}
	}
	return c
}

// unixSeconds converts a time to float64 unix seconds.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// model returns the managed record for a canonical name.
func (c *Controller) model(name string) (*managedModel, error) {
	m, ok := c.models[name]
	if !ok {
		return nil, datatypes.NewError(datatypes.KindModelNotFound,
			"model %q is not in the catalogue", name)
	}
	return m, nil
}

// =============================================================================
// Status
// =============================================================================

// statusLocked builds the external status for one model. Caller holds
// the mutex; online may be nil to skip availability.
func (c *Controller) statusLocked(m *managedModel, online map[string]bool) datatypes.ModelStatus {
	st := datatypes.ModelStatus{
		Name:          m.def.Name,
		Aliases:       m.def.Aliases,
		Mode:          m.def.Mode,
		Port:          m.def.Port,
		AutoStart:     m.def.AutoStart,
		State:         m.state,
		Variant:       m.variant,
		InFlight:      m.inFlight,
		LastActivity:  m.lastActivity,
		FailureReason: m.failureReason,
	}
	if m.handle != nil {
		st.PID = m.handle.PID()
	}
	if online != nil {
		if v, ok := selectVariant(m.def, online); ok {
			st.IsAvailable = true
			st.AvailableVariant = v.Name
		}
	}
	return st
}

// Status reports one model's current status.
func (c *Controller) Status(ctx context.Context, name string) (datatypes.ModelStatus, error) {
	online := c.devices.OnlineSet(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	m, err := c.model(name)
	if err != nil {
		return datatypes.ModelStatus{}, err
	}
	return c.statusLocked(m, online), nil
}

// StatusAll reports every model's status in catalogue order.
func (c *Controller) StatusAll(ctx context.Context) []datatypes.ModelStatus {
	online := c.devices.OnlineSet(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]datatypes.ModelStatus, 0, len(c.models))
	for _, def := range c.cfg.Models() {
		out = append(out, c.statusLocked(c.models[def.Name], online))
	}
	return out
}

// =============================================================================
// Request Accounting
// =============================================================================

// BeginRequest marks one forwarded request as in flight.
func (c *Controller) BeginRequest(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.models[name]; ok {
		m.inFlight++
		m.lastActivity = unixSeconds(c.now())
	}
}

// EndRequest marks one forwarded request as finished.
func (c *Controller) EndRequest(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.models[name]; ok {
		if m.inFlight > 0 {
			m.inFlight--
		}
		m.lastActivity = unixSeconds(c.now())
	}
}
