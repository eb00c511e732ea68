// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package devices

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFleet/services/fleet/datatypes"
)

// fakeAdapter is a scriptable adapter for registry tests.
type fakeAdapter struct {
	id    string
	calls atomic.Int64
	mu    sync.Mutex
	snap  datatypes.DeviceSnapshot
	err   error
}

func (f *fakeAdapter) ID() string { return f.id }

func (f *fakeAdapter) Snapshot(ctx context.Context) (datatypes.DeviceSnapshot, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.err
}

func (f *fakeAdapter) set(snap datatypes.DeviceSnapshot, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = snap
	f.err = err
}

// TestRegistry_SnapshotCaching verifies the TTL cache: repeated reads
// inside the TTL hit the adapter only once.
func TestRegistry_SnapshotCaching(t *testing.T) {
	fake := &fakeAdapter{id: "gpu0", snap: datatypes.DeviceSnapshot{TotalMB: 16000, FreeMB: 16000}}
	r := NewRegistry([]Adapter{fake}, time.Minute)

	ctx := context.Background()
	first := r.Snapshots(ctx)
	second := r.Snapshots(ctx)

	require.Contains(t, first, "gpu0")
	assert.True(t, first["gpu0"].Online)
	assert.Equal(t, int64(16000), first["gpu0"].Snapshot.FreeMB)
	assert.Equal(t, first["gpu0"].Snapshot.FreeMB, second["gpu0"].Snapshot.FreeMB)
	assert.Equal(t, int64(1), fake.calls.Load(), "second read must be served from cache")
}

// TestRegistry_TTLExpiry verifies a stale cache triggers a re-query.
func TestRegistry_TTLExpiry(t *testing.T) {
	fake := &fakeAdapter{id: "gpu0", snap: datatypes.DeviceSnapshot{FreeMB: 100}}
	r := NewRegistry([]Adapter{fake}, 10*time.Millisecond)

	// Injected clock so the test does not sleep.
	now := time.Now()
	r.now = func() time.Time { return now }

	ctx := context.Background()
	r.Snapshots(ctx)
	fake.set(datatypes.DeviceSnapshot{FreeMB: 42}, nil)

	now = now.Add(time.Second)
	got := r.Snapshots(ctx)
	assert.Equal(t, int64(42), got["gpu0"].Snapshot.FreeMB)
	assert.Equal(t, int64(2), fake.calls.Load())
}

// TestRegistry_Refresh bypasses a fresh cache.
func TestRegistry_Refresh(t *testing.T) {
	fake := &fakeAdapter{id: "gpu0", snap: datatypes.DeviceSnapshot{FreeMB: 100}}
	r := NewRegistry([]Adapter{fake}, time.Hour)

	ctx := context.Background()
	r.Snapshots(ctx)
	fake.set(datatypes.DeviceSnapshot{FreeMB: 7}, nil)

	got := r.Refresh(ctx)
	assert.Equal(t, int64(7), got["gpu0"].Snapshot.FreeMB)
}

// TestRegistry_FailingAdapterStaysRegistered verifies that an adapter
// error maps to online=false without removing the adapter.
func TestRegistry_FailingAdapterStaysRegistered(t *testing.T) {
	ok := &fakeAdapter{id: "gpu0", snap: datatypes.DeviceSnapshot{FreeMB: 10}}
	bad := &fakeAdapter{id: "gpu1", err: errors.New("nvml unreachable")}
	r := NewRegistry([]Adapter{ok, bad}, time.Millisecond)

	got := r.Refresh(context.Background())

	assert.True(t, got["gpu0"].Online)
	assert.False(t, got["gpu1"].Online)
	assert.Contains(t, got["gpu1"].Error, "nvml unreachable")
	assert.True(t, r.Has("gpu1"))

	online := r.OnlineSet(context.Background())
	assert.True(t, online["gpu0"])
	assert.False(t, online["gpu1"])
}

// TestRegistry_FreeMB covers online, offline, and unknown devices.
func TestRegistry_FreeMB(t *testing.T) {
	ok := &fakeAdapter{id: "gpu0", snap: datatypes.DeviceSnapshot{FreeMB: 123}}
	bad := &fakeAdapter{id: "gpu1", err: errors.New("down")}
	r := NewRegistry([]Adapter{ok, bad}, time.Minute)

	ctx := context.Background()
	assert.Equal(t, int64(123), r.FreeMB(ctx, "gpu0"))
	assert.Equal(t, int64(0), r.FreeMB(ctx, "gpu1"))
	assert.Equal(t, int64(0), r.FreeMB(ctx, "missing"))
}

// TestParseNvidiaCSV parses a representative nvidia-smi line.
func TestParseNvidiaCSV(t *testing.T) {
	snap, err := parseNvidiaCSV("16384, 2048, 14336, 37, 61")
	require.NoError(t, err)

	assert.Equal(t, int64(16384), snap.TotalMB)
	assert.Equal(t, int64(2048), snap.UsedMB)
	assert.Equal(t, int64(14336), snap.FreeMB)
	assert.Equal(t, 37.0, snap.UtilPercent)
	require.NotNil(t, snap.TemperatureC)
	assert.Equal(t, 61.0, *snap.TemperatureC)

	_, err = parseNvidiaCSV("not,enough")
	assert.Error(t, err)
}

// TestBuiltin_CPURegistered verifies the link-time table carries the
// cpu adapter.
func TestBuiltin_CPURegistered(t *testing.T) {
	var found bool
	for _, a := range Builtin() {
		if a.ID() == "cpu" {
			found = true
		}
	}
	assert.True(t, found)
}
