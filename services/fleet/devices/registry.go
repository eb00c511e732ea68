// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package devices provides the device adapter registry.
//
// # Description
//
// A device adapter reports online state and a memory/utilisation
// snapshot for one device (a GPU, the host CPU/RAM). Adapters are
// registered at link time via Register; there is no runtime plugin
// loading. The registry caches snapshots with a short TTL so the
// admission check stays cheap under request load, and deduplicates
// concurrent refreshes with singleflight.
//
// A failing adapter reports online=false with an error string; it is
// never removed from the registry.
package devices

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianFleet/services/fleet/datatypes"
)

// =============================================================================
// Adapter Interface and Link-Time Registration
// =============================================================================

// Adapter reports state for one device.
//
// # Thread Safety
//
// Snapshot may be called concurrently.
type Adapter interface {
	// ID returns the unique device identifier used in the catalogue
	// (required_devices, memory_mb keys).
	ID() string

	// Snapshot returns the current device state. An error means the
	// device is offline or unreadable; the registry translates it to
	// online=false.
	Snapshot(ctx context.Context) (datatypes.DeviceSnapshot, error)
}

var (
	builtinMu sync.Mutex
	builtin   = make(map[string]Adapter)
)

// Register adds an adapter to the link-time table.
//
// Called from adapter init functions. Panics on a duplicate id since
// that is a programming error.
func Register(a Adapter) {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	if _, dup := builtin[a.ID()]; dup {
		panic(fmt.Sprintf("devices: duplicate adapter id %q", a.ID()))
	}
	builtin[a.ID()] = a
}

// Builtin returns the registered adapters sorted by id.
func Builtin() []Adapter {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	out := make([]Adapter, 0, len(builtin))
	for _, a := range builtin {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// =============================================================================
// Registry
// =============================================================================

// Registry serves cached device snapshots.
//
// # Fields
//
//   - adapters: Immutable id → adapter map.
//   - ttl: Snapshot cache lifetime.
//   - now: Clock, injectable for tests.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Concurrent cache misses
// collapse into a single refresh via singleflight.
type Registry struct {
	adapters map[string]Adapter
	ttl      time.Duration
	now      func() time.Time

	mu        sync.Mutex
	cached    map[string]datatypes.DeviceInfo
	fetchedAt time.Time

	group singleflight.Group
}

// NewRegistry builds a registry over the given adapters.
//
// # Inputs
//
//   - adapters: The adapters to serve; usually Builtin() plus any
//     discovered GPUs.
//   - ttl: Snapshot cache lifetime (default 1s when zero).
func NewRegistry(adapters []Adapter, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = time.Second
	}
	m := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.ID()] = a
	}
	return &Registry{
		adapters: m,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Has reports whether a device id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.adapters[id]
	return ok
}

// IDs returns the registered device ids sorted.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Snapshots returns the per-device info, served from cache when fresh.
//
// # Description
//
// On a cache miss all adapters are queried; concurrent callers share
// one refresh. The returned map is a copy the caller may keep.
func (r *Registry) Snapshots(ctx context.Context) map[string]datatypes.DeviceInfo {
	r.mu.Lock()
	if r.cached != nil && r.now().Sub(r.fetchedAt) < r.ttl {
		out := copyInfos(r.cached)
		r.mu.Unlock()
		return out
	}
	r.mu.Unlock()

	v, _, _ := r.group.Do("refresh", func() (any, error) {
		return r.refresh(ctx), nil
	})
	return copyInfos(v.(map[string]datatypes.DeviceInfo))
}

// Refresh bypasses the cache and queries every adapter now.
//
// Used after evicting models so admission sees the reclaimed memory.
func (r *Registry) Refresh(ctx context.Context) map[string]datatypes.DeviceInfo {
	v, _, _ := r.group.Do("refresh", func() (any, error) {
		return r.refresh(ctx), nil
	})
	return copyInfos(v.(map[string]datatypes.DeviceInfo))
}

// OnlineSet returns the ids of currently online devices.
func (r *Registry) OnlineSet(ctx context.Context) map[string]bool {
	online := make(map[string]bool)
	for id, info := range r.Snapshots(ctx) {
		if info.Online {
			online[id] = true
		}
	}
	return online
}

// FreeMB returns the free megabytes on one device, 0 when offline.
func (r *Registry) FreeMB(ctx context.Context, id string) int64 {
	info, ok := r.Snapshots(ctx)[id]
	if !ok || !info.Online || info.Snapshot == nil {
		return 0
	}
	return info.Snapshot.FreeMB
}

// refresh queries every adapter and replaces the cache.
func (r *Registry) refresh(ctx context.Context) map[string]datatypes.DeviceInfo {
	infos := make(map[string]datatypes.DeviceInfo, len(r.adapters))
	for id, a := range r.adapters {
		snap, err := a.Snapshot(ctx)
		if err != nil {
			infos[id] = datatypes.DeviceInfo{ID: id, Online: false, Error: err.Error()}
			continue
		}
		s := snap
		infos[id] = datatypes.DeviceInfo{ID: id, Online: true, Snapshot: &s}
	}

	r.mu.Lock()
	r.cached = infos
	r.fetchedAt = r.now()
	r.mu.Unlock()
	return infos
}

func copyInfos(in map[string]datatypes.DeviceInfo) map[string]datatypes.DeviceInfo {
	out := make(map[string]datatypes.DeviceInfo, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
