// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the shared types for the fleet gateway.
//
// # Description
//
// This package holds the model catalogue schema, runtime state types,
// billing types, and the typed error kinds used across the fleet
// services. It has no dependencies on other fleet packages so every
// service can import it freely.
package datatypes

import "time"

// =============================================================================
// Modes
// =============================================================================

// Mode identifies the protocol family a backend speaks.
//
// Each mode corresponds to a registered interface adapter that knows
// how to health-check the backend and which request paths it serves.
type Mode string

const (
	// ModeChat serves v1/chat/completions.
	ModeChat Mode = "chat"

	// ModeBase serves v1/completions (raw text completion).
	ModeBase Mode = "base"

	// ModeEmbedding serves v1/embeddings.
	ModeEmbedding Mode = "embedding"

	// ModeReranker serves v1/rerank.
	ModeReranker Mode = "reranker"
)

// =============================================================================
// Catalogue
// =============================================================================

// LaunchVariant is one alternative launch configuration for a model.
//
// # Description
//
// A model may declare several variants, each with its own required
// device set, memory reservations, and launch script. Declaration
// order defines priority: the first variant whose required devices are
// all online is selected.
//
// # Fields
//
//   - Name: Human-readable variant label (e.g. "rtx4090-full").
//   - RequiredDevices: Device adapter ids that must all be online.
//   - MemoryMB: Reserved megabytes per device id for admission control.
//   - LaunchScript: Path to the script that starts the backend.
type LaunchVariant struct {
	Name            string           `yaml:"name" json:"name" validate:"required"`
	RequiredDevices []string         `yaml:"required_devices" json:"required_devices" validate:"required,min=1"`
	MemoryMB        map[string]int64 `yaml:"memory_mb" json:"memory_mb" validate:"required,min=1"`
	LaunchScript    string           `yaml:"launch_script" json:"launch_script" validate:"required"`
}

// ModelDef is one entry in the model catalogue.
//
// # Fields
//
//   - Name: Canonical model name, unique within the catalogue.
//   - Aliases: Additional names the model may be invoked by. Aliases
//     are globally unique across the whole catalogue.
//   - Mode: Protocol family; must match a registered interface adapter.
//   - Port: Fixed private listen port of the backend process.
//   - AutoStart: Start this model when the daemon boots.
//   - Variants: Ordered launch variants, highest priority first.
type ModelDef struct {
	Name      string          `yaml:"name" json:"name" validate:"required"`
	Aliases   []string        `yaml:"aliases" json:"aliases"`
	Mode      Mode            `yaml:"mode" json:"mode" validate:"required"`
	Port      int             `yaml:"port" json:"port" validate:"required,gt=0,lte=65535"`
	AutoStart bool            `yaml:"auto_start" json:"auto_start"`
	Variants  []LaunchVariant `yaml:"variants" json:"variants" validate:"required,min=1,dive"`
}

// Settings holds program-wide tunables from the catalogue file.
//
// Zero values are replaced with defaults by ApplyDefaults.
type Settings struct {
	// Host and Port for the public HTTP surface.
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port" validate:"omitempty,gt=0,lte=65535"`

	// DBPath is the accounting database file.
	DBPath string `yaml:"db_path" json:"db_path"`

	// IdleTimeoutSec stops a routing model after this much inactivity.
	IdleTimeoutSec int `yaml:"idle_timeout_sec" json:"idle_timeout_sec" validate:"omitempty,gt=0"`

	// SweepIntervalSec is the idle sweeper period.
	SweepIntervalSec int `yaml:"sweep_interval_sec" json:"sweep_interval_sec" validate:"omitempty,gt=0"`

	// HealthTimeoutSec bounds a single start attempt on routing paths.
	HealthTimeoutSec int `yaml:"health_timeout_sec" json:"health_timeout_sec" validate:"omitempty,gt=0"`

	// StopGraceSec is the soft-kill window before a hard kill.
	StopGraceSec int `yaml:"stop_grace_sec" json:"stop_grace_sec" validate:"omitempty,gt=0"`

	// SnapshotTTLMS caches device snapshots for this long.
	SnapshotTTLMS int `yaml:"snapshot_ttl_ms" json:"snapshot_ttl_ms" validate:"omitempty,gt=0"`

	// LogBufferLines is the per-model ring buffer capacity.
	LogBufferLines int `yaml:"log_buffer_lines" json:"log_buffer_lines" validate:"omitempty,gt=0"`

	// LogQueueDepth bounds each log subscriber's outbound queue.
	LogQueueDepth int `yaml:"log_queue_depth" json:"log_queue_depth" validate:"omitempty,gt=0"`
}

// Default settings values.
const (
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 8080
	DefaultDBPath           = "webui/monitoring.db"
	DefaultIdleTimeoutSec   = 900
	DefaultSweepIntervalSec = 30
	DefaultHealthTimeoutSec = 300
	DefaultStopGraceSec     = 10
	DefaultSnapshotTTLMS    = 1000
	DefaultLogBufferLines   = 2000
	DefaultLogQueueDepth    = 256
)

// ApplyDefaults fills zero-valued fields with the package defaults.
func (s *Settings) ApplyDefaults() {
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.DBPath == "" {
		s.DBPath = DefaultDBPath
	}
	if s.IdleTimeoutSec == 0 {
		s.IdleTimeoutSec = DefaultIdleTimeoutSec
	}
	if s.SweepIntervalSec == 0 {
		s.SweepIntervalSec = DefaultSweepIntervalSec
	}
	if s.HealthTimeoutSec == 0 {
		s.HealthTimeoutSec = DefaultHealthTimeoutSec
	}
	if s.StopGraceSec == 0 {
		s.StopGraceSec = DefaultStopGraceSec
	}
	if s.SnapshotTTLMS == 0 {
		s.SnapshotTTLMS = DefaultSnapshotTTLMS
	}
	if s.LogBufferLines == 0 {
		s.LogBufferLines = DefaultLogBufferLines
	}
	if s.LogQueueDepth == 0 {
		s.LogQueueDepth = DefaultLogQueueDepth
	}
}

// IdleTimeout returns IdleTimeoutSec as a duration.
func (s Settings) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSec) * time.Second
}

// SweepInterval returns SweepIntervalSec as a duration.
func (s Settings) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSec) * time.Second
}

// HealthTimeout returns HealthTimeoutSec as a duration.
func (s Settings) HealthTimeout() time.Duration {
	return time.Duration(s.HealthTimeoutSec) * time.Second
}

// StopGrace returns StopGraceSec as a duration.
func (s Settings) StopGrace() time.Duration {
	return time.Duration(s.StopGraceSec) * time.Second
}

// SnapshotTTL returns SnapshotTTLMS as a duration.
func (s Settings) SnapshotTTL() time.Duration {
	return time.Duration(s.SnapshotTTLMS) * time.Millisecond
}

// Catalogue is the full parsed model catalogue file.
type Catalogue struct {
	Settings Settings   `yaml:"settings" json:"settings"`
	Models   []ModelDef `yaml:"models" json:"models" validate:"dive"`
}
