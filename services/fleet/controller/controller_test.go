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
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFleet/services/fleet/config"
	"github.com/AleutianAI/AleutianFleet/services/fleet/datatypes"
	"github.com/AleutianAI/AleutianFleet/services/fleet/devices"
)

// =============================================================================
// Fakes
// =============================================================================

// stubDevice is a controllable device adapter.
type stubDevice struct {
	id      string
	total   int64
	free    atomic.Int64
	offline atomic.Bool
}

func newStubDevice(id string, total, free int64) *stubDevice {
	d := &stubDevice{id: id, total: total}
	d.free.Store(free)
	return d
}

func (d *stubDevice) ID() string { return d.id }

func (d *stubDevice) Snapshot(ctx context.Context) (datatypes.DeviceSnapshot, error) {
	if d.offline.Load() {
		return datatypes.DeviceSnapshot{}, errors.New("device offline")
	}
	free := d.free.Load()
	return datatypes.DeviceSnapshot{
		Kind:       "gpu",
		MemoryKind: "vram",
		TotalMB:    d.total,
		FreeMB:     free,
		UsedMB:     d.total - free,
	}, nil
}

// fakeHandle is a fake backend process.
type fakeHandle struct {
	pid     int
	done    chan struct{}
	once    sync.Once
	waitErr error
}

func (h *fakeHandle) PID() int { return h.pid }
func (h *fakeHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) WaitErr() error        { return h.waitErr }

func (h *fakeHandle) exit(err error) {
	h.once.Do(func() {
		h.waitErr = err
		close(h.done)
	})
}

// fakeRunner records spawns and stops without real processes.
type fakeRunner struct {
	mu       sync.Mutex
	spawned  []string
	stopped  []string
	handles  map[ProcessHandle]string
	spawnErr error
	onStop   func(model string)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{handles: make(map[ProcessHandle]string)}
}

func (r *fakeRunner) Spawn(model, scriptPath string) (ProcessHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spawnErr != nil {
		return nil, r.spawnErr
	}
	h := &fakeHandle{pid: 1000 + len(r.spawned), done: make(chan struct{})}
	r.spawned = append(r.spawned, model)
	r.handles[h] = model
	return h, nil
}

func (r *fakeRunner) Stop(h ProcessHandle, grace time.Duration) error {
	r.mu.Lock()
	model := r.handles[h]
	r.stopped = append(r.stopped, model)
	hook := r.onStop
	r.mu.Unlock()

	h.(*fakeHandle).exit(nil)
	if hook != nil {
		hook(model)
	}
	return nil
}

func (r *fakeRunner) spawnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spawned)
}

func (r *fakeRunner) stoppedModels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.stopped))
	copy(out, r.stopped)
	return out
}

// fakeProber answers health probes from the test.
type fakeProber struct {
	mu    sync.Mutex
	err   error
	gate  chan struct{}
	calls int
}

func (p *fakeProber) Health(ctx context.Context, mode datatypes.Mode, port int, model string) error {
	p.mu.Lock()
	p.calls++
	gate := p.gate
	err := p.err
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// fakeSet satisfies config.AdapterSet for the interface modes.
type fakeSet map[string]bool

func (f fakeSet) Has(id string) bool { return f[id] }

// =============================================================================
// Environment
// =============================================================================

type env struct {
	c      *Controller
	runner *fakeRunner
	prober *fakeProber
	gpu    *stubDevice
}

const testCatalogue = `
settings:
  health_timeout_sec: 1
  stop_grace_sec: 1
models:
  - name: alpha
    aliases: [al]
    mode: chat
    port: 9101
    auto_start: true
    variants:
      - name: full
        required_devices: [gpu0]
        memory_mb: {gpu0: 8000}
        launch_script: /opt/scripts/alpha.sh
  - name: beta
    mode: chat
    port: 9102
    variants:
      - name: full
        required_devices: [gpu0]
        memory_mb: {gpu0: 8000}
        launch_script: /opt/scripts/beta.sh
`

func newEnv(t *testing.T) *env {
	t.Helper()

	gpu := newStubDevice("gpu0", 24000, 10000)
	reg := devices.NewRegistry([]devices.Adapter{gpu}, time.Nanosecond)

	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalogue), 0644))

	cfg, err := config.Load(path, reg, fakeSet{"chat": true})
	require.NoError(t, err)

	runner := newFakeRunner()
	prober := &fakeProber{}
	c := New(cfg, reg, prober, runner, nil, nil, slog.Default())
	return &env{c: c, runner: runner, prober: prober, gpu: gpu}
}

func (e *env) state(t *testing.T, name string) datatypes.ModelState {
	t.Helper()
	st, err := e.c.Status(context.Background(), name)
	require.NoError(t, err)
	return st.State
}

// =============================================================================
// Tests
// =============================================================================

// TestSelectVariant_PriorityOrder picks the first usable variant.
func TestSelectVariant_PriorityOrder(t *testing.T) {
	def := &datatypes.ModelDef{
		Name: "m",
		Variants: []datatypes.LaunchVariant{
			{Name: "dual", RequiredDevices: []string{"gpu0", "gpu1"}},
			{Name: "single", RequiredDevices: []string{"gpu0"}},
		},
	}

	v, ok := selectVariant(def, map[string]bool{"gpu0": true, "gpu1": true})
	require.True(t, ok)
	assert.Equal(t, "dual", v.Name)

	v, ok = selectVariant(def, map[string]bool{"gpu0": true})
	require.True(t, ok)
	assert.Equal(t, "single", v.Name)

	_, ok = selectVariant(def, map[string]bool{})
	assert.False(t, ok)
}

// TestEnsureRunning_StartsAndRoutes walks the happy path.
func TestEnsureRunning_StartsAndRoutes(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.c.EnsureRunning(context.Background(), "alpha"))

	st, err := e.c.Status(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StateRouting, st.State)
	assert.Equal(t, "full", st.Variant)
	assert.NotZero(t, st.PID)
	assert.True(t, st.IsAvailable)
	assert.Equal(t, 1, e.runner.spawnCount())

	// A second call is a no-op.
	require.NoError(t, e.c.EnsureRunning(context.Background(), "alpha"))
	assert.Equal(t, 1, e.runner.spawnCount())
}

// TestEnsureRunning_CoalescesConcurrentStarts shares one attempt and
// one spawn across simultaneous callers.
func TestEnsureRunning_CoalescesConcurrentStarts(t *testing.T) {
	e := newEnv(t)
	gate := make(chan struct{})
	e.prober.gate = gate

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.c.EnsureRunning(context.Background(), "alpha")
		}(i)
	}

	// Let everyone pile onto the attempt, then release the probe.
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, e.runner.spawnCount())
	assert.Equal(t, datatypes.StateRouting, e.state(t, "alpha"))
}

// TestStartSerial_OnlyOneModelStarting keeps a queued start invisible
// until it holds the process-wide serial: at most one model is ever
// observably starting.
func TestStartSerial_OnlyOneModelStarting(t *testing.T) {
	e := newEnv(t)
	gate := make(chan struct{})
	e.prober.gate = gate

	alphaDone := make(chan error, 1)
	go func() { alphaDone <- e.c.StartModel(context.Background(), "alpha") }()
	require.Eventually(t, func() bool {
		return e.state(t, "alpha") == datatypes.StateStarting
	}, 3*time.Second, 10*time.Millisecond)

	betaDone := make(chan error, 1)
	go func() { betaDone <- e.c.StartModel(context.Background(), "beta") }()

	// While alpha holds the serial at its health probe, beta stays
	// queued and reports stopped.
	for i := 0; i < 20; i++ {
		if e.state(t, "alpha") == datatypes.StateStarting {
			assert.Equal(t, datatypes.StateStopped, e.state(t, "beta"))
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(gate)
	require.NoError(t, <-alphaDone)
	require.NoError(t, <-betaDone)
	assert.Equal(t, datatypes.StateRouting, e.state(t, "alpha"))
	assert.Equal(t, datatypes.StateRouting, e.state(t, "beta"))
}

// TestEnsureRunning_AbandonedWaiterDoesNotCancelStart lets a client
// leave while the start carries on.
func TestEnsureRunning_AbandonedWaiterDoesNotCancelStart(t *testing.T) {
	e := newEnv(t)
	gate := make(chan struct{})
	e.prober.gate = gate

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.c.EnsureRunning(ctx, "alpha") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(gate)
	require.Eventually(t, func() bool {
		return e.state(t, "alpha") == datatypes.StateRouting
	}, 3*time.Second, 20*time.Millisecond)
}

// TestEnsureRunning_NoUsableDevice leaves the model stopped.
func TestEnsureRunning_NoUsableDevice(t *testing.T) {
	e := newEnv(t)
	e.gpu.offline.Store(true)

	err := e.c.EnsureRunning(context.Background(), "alpha")
	require.Error(t, err)
	assert.Equal(t, datatypes.KindNoUsableDevice, datatypes.KindOf(err))
	assert.Equal(t, datatypes.StateStopped, e.state(t, "alpha"))
	assert.Equal(t, 0, e.runner.spawnCount())
}

// TestEnsureRunning_RetriesFailedModel re-enters starting with the
// reason cleared instead of refusing.
func TestEnsureRunning_RetriesFailedModel(t *testing.T) {
	e := newEnv(t)
	e.runner.spawnErr = errors.New("bash: not found")

	err := e.c.EnsureRunning(context.Background(), "alpha")
	require.Error(t, err)
	assert.Equal(t, datatypes.KindBackendUnavailable, datatypes.KindOf(err))
	assert.Equal(t, datatypes.StateFailed, e.state(t, "alpha"))

	// The next ensure clears the failure and tries again.
	e.runner.spawnErr = nil
	require.NoError(t, e.c.EnsureRunning(context.Background(), "alpha"))
	assert.Equal(t, datatypes.StateRouting, e.state(t, "alpha"))
}

// TestStartTimeout kills the process and records the failure.
func TestStartTimeout(t *testing.T) {
	e := newEnv(t)
	e.prober.err = errors.New("connection refused")

	err := e.c.EnsureRunning(context.Background(), "alpha")
	require.Error(t, err)
	assert.Equal(t, datatypes.KindStartTimeout, datatypes.KindOf(err))

	st, serr := e.c.Status(context.Background(), "alpha")
	require.NoError(t, serr)
	assert.Equal(t, datatypes.StateFailed, st.State)
	assert.Equal(t, "health probe timed out", st.FailureReason)
	assert.Equal(t, []string{"alpha"}, e.runner.stoppedModels())
}

// TestAdmission_EvictsIdleModel frees memory by stopping the least
// recently active idle model.
func TestAdmission_EvictsIdleModel(t *testing.T) {
	e := newEnv(t)
	e.runner.onStop = func(model string) {
		if model == "alpha" {
			e.gpu.free.Store(10000)
		}
	}

	require.NoError(t, e.c.EnsureRunning(context.Background(), "alpha"))
	// The routing backend now occupies most of the device.
	e.gpu.free.Store(2000)

	require.NoError(t, e.c.EnsureRunning(context.Background(), "beta"))

	assert.Equal(t, datatypes.StateStopped, e.state(t, "alpha"))
	assert.Equal(t, datatypes.StateRouting, e.state(t, "beta"))
	assert.Equal(t, []string{"alpha"}, e.runner.stoppedModels())
}

// TestAdmission_NeverEvictsBusyModel fails with insufficient memory
// rather than preempting an in-flight request.
func TestAdmission_NeverEvictsBusyModel(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.c.EnsureRunning(context.Background(), "alpha"))
	e.c.BeginRequest("alpha")
	e.gpu.free.Store(2000)

	err := e.c.EnsureRunning(context.Background(), "beta")
	require.Error(t, err)
	assert.Equal(t, datatypes.KindInsufficientMemory, datatypes.KindOf(err))
	assert.Equal(t, datatypes.StateRouting, e.state(t, "alpha"))
	assert.Equal(t, datatypes.StateStopped, e.state(t, "beta"))
}

// TestStopModel_DuringStart cancels the attempt and reaps the child.
func TestStopModel_DuringStart(t *testing.T) {
	e := newEnv(t)
	e.prober.gate = make(chan struct{}) // never released

	done := make(chan error, 1)
	go func() { done <- e.c.StartModel(context.Background(), "alpha") }()

	require.Eventually(t, func() bool {
		return e.runner.spawnCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, e.c.StopModel(context.Background(), "alpha"))

	err := <-done
	require.Error(t, err)
	assert.Equal(t, datatypes.KindBackendUnavailable, datatypes.KindOf(err))
	assert.Equal(t, datatypes.StateStopped, e.state(t, "alpha"))
	assert.Equal(t, []string{"alpha"}, e.runner.stoppedModels())
}

// TestStopModel_ResetsFailed clears the failure reason.
func TestStopModel_ResetsFailed(t *testing.T) {
	e := newEnv(t)
	e.runner.spawnErr = errors.New("boom")

	_ = e.c.EnsureRunning(context.Background(), "alpha")
	require.Equal(t, datatypes.StateFailed, e.state(t, "alpha"))

	require.NoError(t, e.c.StopModel(context.Background(), "alpha"))
	st, err := e.c.Status(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StateStopped, st.State)
	assert.Empty(t, st.FailureReason)
}

// TestWatchExit_MarksFailed catches a backend dying behind the
// controller's back.
func TestWatchExit_MarksFailed(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.c.EnsureRunning(context.Background(), "alpha"))

	e.runner.mu.Lock()
	var h *fakeHandle
	for handle, model := range e.runner.handles {
		if model == "alpha" {
			h = handle.(*fakeHandle)
		}
	}
	e.runner.mu.Unlock()
	require.NotNil(t, h)

	h.exit(errors.New("exit status 137"))

	require.Eventually(t, func() bool {
		return e.state(t, "alpha") == datatypes.StateFailed
	}, 2*time.Second, 10*time.Millisecond)

	st, err := e.c.Status(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, "process exited", st.FailureReason)
}

// TestSweepIdle stops idle routing models past the timeout but never
// busy ones.
func TestSweepIdle(t *testing.T) {
	e := newEnv(t)
	base := time.Now()
	e.c.now = func() time.Time { return base }

	require.NoError(t, e.c.EnsureRunning(context.Background(), "alpha"))
	require.NoError(t, e.c.EnsureRunning(context.Background(), "beta"))
	e.c.BeginRequest("beta")

	// Not yet idle long enough.
	e.c.now = func() time.Time { return base.Add(5 * time.Minute) }
	e.c.sweepIdle()
	assert.Equal(t, datatypes.StateRouting, e.state(t, "alpha"))

	// Past the 900s default timeout: alpha goes, busy beta stays.
	e.c.now = func() time.Time { return base.Add(20 * time.Minute) }
	e.c.sweepIdle()
	assert.Equal(t, datatypes.StateStopped, e.state(t, "alpha"))
	assert.Equal(t, datatypes.StateRouting, e.state(t, "beta"))
}

// TestRestartAutostart restarts only auto-start models.
func TestRestartAutostart(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.c.EnsureRunning(context.Background(), "alpha"))
	require.NoError(t, e.c.EnsureRunning(context.Background(), "beta"))

	failures := e.c.RestartAutostart(context.Background())
	assert.Empty(t, failures)

	// alpha (auto_start) was stopped and respawned; beta untouched.
	assert.Equal(t, []string{"alpha"}, e.runner.stoppedModels())
	assert.Equal(t, 3, e.runner.spawnCount())
	assert.Equal(t, datatypes.StateRouting, e.state(t, "alpha"))
	assert.Equal(t, datatypes.StateRouting, e.state(t, "beta"))
}

// TestBeginEndRequest maintains the in-flight gauge.
func TestBeginEndRequest(t *testing.T) {
	e := newEnv(t)

	e.c.BeginRequest("alpha")
	e.c.BeginRequest("alpha")
	st, err := e.c.Status(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.InFlight)
	assert.NotZero(t, st.LastActivity)

	e.c.EndRequest("alpha")
	e.c.EndRequest("alpha")
	e.c.EndRequest("alpha") // never below zero
	st, err = e.c.Status(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.InFlight)
}

// TestStatusAll reports catalogue order and availability.
func TestStatusAll(t *testing.T) {
	e := newEnv(t)

	all := e.c.StatusAll(context.Background())
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, "beta", all[1].Name)
	for _, st := range all {
		assert.Equal(t, datatypes.StateStopped, st.State)
		assert.True(t, st.IsAvailable)
		assert.Equal(t, "full", st.AvailableVariant)
	}

	e.gpu.offline.Store(true)
	all = e.c.StatusAll(context.Background())
	for _, st := range all {
		assert.False(t, st.IsAvailable, fmt.Sprintf("model %s", st.Name))
	}
}

// TestStatus_UnknownModel maps to a not-found error.
func TestStatus_UnknownModel(t *testing.T) {
	e := newEnv(t)
	_, err := e.c.Status(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, datatypes.KindModelNotFound, datatypes.KindOf(err))
}
