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
	"bufio"
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianFleet/services/fleet/datatypes"
)

// =============================================================================
// CPU / System RAM Adapter
// =============================================================================

// cpuAdapter reports host RAM from /proc/meminfo and load from
// /proc/loadavg. It backs CPU-only launch variants.
type cpuAdapter struct {
	meminfoPath string
	loadavgPath string
}

func init() {
	Register(&cpuAdapter{
		meminfoPath: "/proc/meminfo",
		loadavgPath: "/proc/loadavg",
	})
}

// ID returns the catalogue device id for the host CPU.
func (c *cpuAdapter) ID() string { return "cpu" }

// Snapshot reads MemTotal/MemAvailable and the 1-minute load average.
//
// Utilisation is the load average over the core count, clamped to 100.
func (c *cpuAdapter) Snapshot(ctx context.Context) (datatypes.DeviceSnapshot, error) {
	totalKB, availKB, err := c.readMeminfo()
	if err != nil {
		return datatypes.DeviceSnapshot{}, err
	}

	util := 0.0
	if load, err := c.readLoadavg(); err == nil {
		util = load / float64(runtime.NumCPU()) * 100
		if util > 100 {
			util = 100
		}
	}

	totalMB := totalKB / 1024
	freeMB := availKB / 1024
	return datatypes.DeviceSnapshot{
		Kind:        "cpu",
		MemoryKind:  "ram",
		TotalMB:     totalMB,
		FreeMB:      freeMB,
		UsedMB:      totalMB - freeMB,
		UtilPercent: util,
	}, nil
}

// readMeminfo returns MemTotal and MemAvailable in kilobytes.
func (c *cpuAdapter) readMeminfo() (totalKB, availKB int64, err error) {
	f, err := os.Open(c.meminfoPath)
	if err != nil {
		return 0, 0, fmt.Errorf("open %s: %w", c.meminfoPath, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB, _ = strconv.ParseInt(fields[1], 10, 64)
		case "MemAvailable:":
			availKB, _ = strconv.ParseInt(fields[1], 10, 64)
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, fmt.Errorf("read %s: %w", c.meminfoPath, err)
	}
	if totalKB == 0 {
		return 0, 0, fmt.Errorf("%s: MemTotal not found", c.meminfoPath)
	}
	return totalKB, availKB, nil
}

// readLoadavg returns the 1-minute load average.
func (c *cpuAdapter) readLoadavg() (float64, error) {
	raw, err := os.ReadFile(c.loadavgPath)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0, fmt.Errorf("%s: empty", c.loadavgPath)
	}
	return strconv.ParseFloat(fields[0], 64)
}
