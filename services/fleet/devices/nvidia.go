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
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianFleet/services/fleet/datatypes"
)

// =============================================================================
// NVIDIA GPU Adapter
// =============================================================================

// nvidiaQueryTimeout bounds one nvidia-smi invocation.
const nvidiaQueryTimeout = 3 * time.Second

// NvidiaAdapter reports one NVIDIA GPU via nvidia-smi.
//
// # Description
//
// The adapter shells out to nvidia-smi with a CSV query for memory,
// utilisation, and temperature. A failing or missing nvidia-smi makes
// the device report offline; the adapter itself stays registered.
type NvidiaAdapter struct {
	id    string
	index int
}

// NewNvidiaAdapter creates an adapter for one GPU index.
//
// The device id is "gpu{index}" unless an explicit id is given.
func NewNvidiaAdapter(id string, index int) *NvidiaAdapter {
	if id == "" {
		id = fmt.Sprintf("gpu%d", index)
	}
	return &NvidiaAdapter{id: id, index: index}
}

// ID returns the catalogue device id.
func (n *NvidiaAdapter) ID() string { return n.id }

// Snapshot queries nvidia-smi for the GPU's current state.
func (n *NvidiaAdapter) Snapshot(ctx context.Context) (datatypes.DeviceSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, nvidiaQueryTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=memory.total,memory.used,memory.free,utilization.gpu,temperature.gpu",
		"--format=csv,noheader,nounits",
		"-i", strconv.Itoa(n.index),
	).Output()
	if err != nil {
		return datatypes.DeviceSnapshot{}, fmt.Errorf("nvidia-smi gpu %d: %w", n.index, err)
	}

	return parseNvidiaCSV(strings.TrimSpace(string(out)))
}

// parseNvidiaCSV parses one "total, used, free, util, temp" line.
func parseNvidiaCSV(line string) (datatypes.DeviceSnapshot, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 5 {
		return datatypes.DeviceSnapshot{}, fmt.Errorf("unexpected nvidia-smi output %q", line)
	}
	nums := make([]float64, 5)
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return datatypes.DeviceSnapshot{}, fmt.Errorf("parse nvidia-smi field %q: %w", f, err)
		}
		nums[i] = v
	}

	temp := nums[4]
	return datatypes.DeviceSnapshot{
		Kind:         "nvidia_gpu",
		MemoryKind:   "vram",
		TotalMB:      int64(nums[0]),
		UsedMB:       int64(nums[1]),
		FreeMB:       int64(nums[2]),
		UtilPercent:  nums[3],
		TemperatureC: &temp,
	}, nil
}

// DiscoverNvidia probes nvidia-smi and returns one adapter per GPU.
//
// # Description
//
// Runs "nvidia-smi -L" once at startup; each listed GPU gets an
// adapter with id "gpu{index}". A host without NVIDIA tooling simply
// returns no adapters.
//
// # Inputs
//
//   - ctx: Bounds the probe.
//
// # Outputs
//
//   - []Adapter: One adapter per discovered GPU, possibly empty.
func DiscoverNvidia(ctx context.Context) []Adapter {
	ctx, cancel := context.WithTimeout(ctx, nvidiaQueryTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "nvidia-smi", "-L").Output()
	if err != nil {
		return nil
	}

	var adapters []Adapter
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if !strings.HasPrefix(strings.TrimSpace(line), "GPU ") {
			continue
		}
		adapters = append(adapters, NewNvidiaAdapter("", len(adapters)))
	}
	return adapters
}
