// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ifaces provides the interface adapter registry.
//
// # Description
//
// An interface adapter corresponds to one model mode and knows three
// things: which request paths backends of that mode serve, whether a
// given request path is compatible with the mode, and how to
// health-check a freshly spawned backend. Adapters are registered at
// link time via Register; there is no runtime plugin loading.
package ifaces

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianFleet/services/fleet/datatypes"
)

// =============================================================================
// Adapter Interface and Link-Time Registration
// =============================================================================

// Adapter is the per-mode protocol contract.
//
// # Thread Safety
//
// All methods may be called concurrently.
type Adapter interface {
	// Mode returns the mode this adapter serves.
	Mode() datatypes.Mode

	// Endpoints returns the request path prefixes backends of this
	// mode serve, without a leading slash (e.g. "v1/chat/completions").
	Endpoints() []string

	// Validate reports whether the request path is compatible with
	// this mode. Returns a ModeMismatch FleetError otherwise.
	Validate(path, model string) error

	// Health probes a backend on 127.0.0.1:port.
	//
	// The probe must respect the context deadline. It checks both
	// liveness (the HTTP endpoint answers) and functionality (a
	// minimal mode-appropriate request succeeds). A nil return means
	// the backend is ready to route.
	Health(ctx context.Context, port int, model string) error
}

var (
	builtinMu sync.Mutex
	builtin   = make(map[datatypes.Mode]Adapter)
)

// Register adds an adapter to the link-time table.
//
// Panics on a duplicate mode since that is a programming error.
func Register(a Adapter) {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	if _, dup := builtin[a.Mode()]; dup {
		panic(fmt.Sprintf("ifaces: duplicate adapter for mode %q", a.Mode()))
	}
	builtin[a.Mode()] = a
}

// =============================================================================
// Registry
// =============================================================================

// Registry serves the registered interface adapters.
//
// Immutable after construction; safe for concurrent use.
type Registry struct {
	adapters map[datatypes.Mode]Adapter
}

// NewRegistry builds a registry over the link-time adapter table.
func NewRegistry() *Registry {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	m := make(map[datatypes.Mode]Adapter, len(builtin))
	for k, v := range builtin {
		m[k] = v
	}
	return &Registry{adapters: m}
}

// Has reports whether a mode id has a registered adapter.
func (r *Registry) Has(id string) bool {
	_, ok := r.adapters[datatypes.Mode(id)]
	return ok
}

// Get returns the adapter for a mode.
func (r *Registry) Get(mode datatypes.Mode) (Adapter, bool) {
	a, ok := r.adapters[mode]
	return a, ok
}

// Modes returns the registered modes sorted.
func (r *Registry) Modes() []datatypes.Mode {
	out := make([]datatypes.Mode, 0, len(r.adapters))
	for m := range r.adapters {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// =============================================================================
// Path Matching
// =============================================================================

// matchPath reports whether a request path matches one of the
// endpoint prefixes. Paths are compared without leading slashes.
func matchPath(path string, endpoints []string) bool {
	p := strings.TrimPrefix(path, "/")
	for _, e := range endpoints {
		if p == e || strings.HasPrefix(p, e+"/") {
			return true
		}
	}
	return false
}
