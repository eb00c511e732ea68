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
// Billing
// =============================================================================

// Unbounded marks a tier bound with no upper or lower limit.
const Unbounded int64 = -1

// Tier is one pricing row of a model's tiered billing table.
//
// # Description
//
// A tier matches a request when the input-token count lies in
// (InMin, InMax] and the output-token count lies in (OutMin, OutMax],
// with Unbounded (-1) denoting no limit on that side. When several
// tiers match, the lowest Index wins. Prices are per million tokens.
//
// Tier indices are stable identity: deleting a tier never renumbers
// the remaining tiers.
type Tier struct {
	Index           int     `json:"tier_index" validate:"required,gt=0"`
	InMin           int64   `json:"min_input_tokens" validate:"gte=-1"`
	InMax           int64   `json:"max_input_tokens" validate:"gte=-1"`
	OutMin          int64   `json:"min_output_tokens" validate:"gte=-1"`
	OutMax          int64   `json:"max_output_tokens" validate:"gte=-1"`
	InPrice         float64 `json:"input_price" validate:"gte=0"`
	OutPrice        float64 `json:"output_price" validate:"gte=0"`
	CacheOK         bool    `json:"support_cache"`
	CacheWritePrice float64 `json:"cache_write_price" validate:"gte=0"`
	CacheReadPrice  float64 `json:"cache_read_price" validate:"gte=0"`
}

// Matches reports whether the request token counts fall inside this
// tier's bounds. Bounds are half-open: min < value <= max.
func (t Tier) Matches(inTok, outTok int64) bool {
	if t.InMin != Unbounded && inTok <= t.InMin {
		return false
	}
	if t.InMax != Unbounded && inTok > t.InMax {
		return false
	}
	if t.OutMin != Unbounded && outTok <= t.OutMin {
		return false
	}
	if t.OutMax != Unbounded && outTok > t.OutMax {
		return false
	}
	return true
}

// PricingConfig is a model's complete billing configuration.
type PricingConfig struct {
	UseTiered   bool    `json:"use_tier_pricing"`
	Tiers       []Tier  `json:"tiers"`
	HourlyPrice float64 `json:"hourly_price"`
}

// =============================================================================
// Accounting records
// =============================================================================

// RequestRecord is one persisted request, written once on completion.
//
// StartTS and EndTS are unix seconds; throughput aggregation uses the
// true duration EndTS - StartTS where it is meaningful.
type RequestRecord struct {
	StartTS float64 `json:"start_ts"`
	EndTS   float64 `json:"end_ts"`
	InTok   int64   `json:"input_tokens"`
	OutTok  int64   `json:"output_tokens"`
	CacheN  int64   `json:"cache_n"`
	PromptN int64   `json:"prompt_n"`
}

// Usage is the token usage extracted from a backend response.
//
// Extraction is best-effort: absent or malformed fields read as zero
// and never fail the client request.
type Usage struct {
	InTok   int64
	OutTok  int64
	CacheN  int64
	PromptN int64
}

// RuntimeInterval is one liveness interval of a model or the program.
//
// An open interval has EndTS equal to StartTS at creation and is
// advanced by the runtime keeper while the subject is live.
type RuntimeInterval struct {
	StartTS float64 `json:"start_ts"`
	EndTS   float64 `json:"end_ts"`
}
