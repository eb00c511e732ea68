// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// =============================================================================
// Model Runtime State
// =============================================================================

// ModelState is the lifecycle state of a managed model.
type ModelState string

const (
	// StateStopped means no backend process exists for the model.
	StateStopped ModelState = "stopped"

	// StateStarting means the backend was spawned and is being
	// health-checked. At most one model is in this state at a time.
	StateStarting ModelState = "starting"

	// StateRouting means the backend passed its health probe and is
	// eligible to receive forwarded requests.
	StateRouting ModelState = "routing"

	// StateFailed means the last start attempt failed or the process
	// exited unexpectedly. FailureReason carries the detail.
	StateFailed ModelState = "failed"
)

// ModelStatus is the externally visible status of one model.
//
// # Fields
//
//   - Variant: Name of the selected launch variant when non-stopped.
//   - InFlight: Requests currently being forwarded to the backend.
//   - LastActivity: Unix seconds of the last request start or end.
//   - IsAvailable: Whether any launch variant's required devices are
//     currently online.
//   - AvailableVariant: Name of the variant that would be selected for
//     the next start, empty when IsAvailable is false.
type ModelStatus struct {
	Name             string     `json:"name"`
	Aliases          []string   `json:"aliases"`
	Mode             Mode       `json:"mode"`
	Port             int        `json:"port"`
	AutoStart        bool       `json:"auto_start"`
	State            ModelState `json:"state"`
	Variant          string     `json:"variant,omitempty"`
	PID              int        `json:"pid,omitempty"`
	InFlight         int64      `json:"in_flight"`
	LastActivity     float64    `json:"last_activity,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	IsAvailable      bool       `json:"is_available"`
	AvailableVariant string     `json:"available_variant,omitempty"`
}

// =============================================================================
// Devices
// =============================================================================

// DeviceSnapshot is one adapter's point-in-time view of its device.
//
// TemperatureC is nil when the adapter cannot read a temperature.
type DeviceSnapshot struct {
	Kind        string   `json:"kind"`
	MemoryKind  string   `json:"memory_kind"`
	TotalMB     int64    `json:"total_mb"`
	FreeMB      int64    `json:"free_mb"`
	UsedMB      int64    `json:"used_mb"`
	UtilPercent float64  `json:"util_percent"`
	TemperatureC *float64 `json:"temperature_c"`
}

// DeviceInfo pairs a snapshot with the adapter's availability.
//
// A failing adapter reports Online=false with Error set; it is never
// removed from the registry.
type DeviceInfo struct {
	ID       string          `json:"id"`
	Online   bool            `json:"online"`
	Snapshot *DeviceSnapshot `json:"snapshot,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// =============================================================================
// OpenAI-shaped catalogue entries
// =============================================================================

// OpenAIModel is one entry of the GET /v1/models listing.
type OpenAIModel struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	OwnedBy string   `json:"owned_by"`
	Aliases []string `json:"aliases"`
	Mode    Mode     `json:"mode"`
}

// OpenAIModelList is the GET /v1/models response envelope.
type OpenAIModelList struct {
	Object string        `json:"object"`
	Data   []OpenAIModel `json:"data"`
}
