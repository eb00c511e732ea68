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
// Aggregation payloads
// =============================================================================

// Token classes reported by the aggregation queries.
const (
	ClassInput     = "input"
	ClassOutput    = "output"
	ClassTotal     = "total"
	ClassCacheHit  = "cache_hit"
	ClassCacheMiss = "cache_miss"
)

// BucketSeries is one vectorised aggregation result.
//
// # Description
//
// Each slice has exactly N entries; entry i covers the half-open
// window (T0 + i*W, T0 + (i+1)*W] with W = (T1-T0)/N. The meaning of
// the values depends on the query: tokens per second for throughput,
// raw token totals for trends, currency units for costs.
type BucketSeries struct {
	T0 float64 `json:"t0"`
	T1 float64 `json:"t1"`
	N  int     `json:"n"`

	Input     []float64 `json:"input"`
	Output    []float64 `json:"output"`
	Total     []float64 `json:"total"`
	CacheHit  []float64 `json:"cache_hit"`
	CacheMiss []float64 `json:"cache_miss"`
}

// NewBucketSeries allocates a zeroed series for the given window.
func NewBucketSeries(t0, t1 float64, n int) *BucketSeries {
	return &BucketSeries{
		T0:        t0,
		T1:        t1,
		N:         n,
		Input:     make([]float64, n),
		Output:    make([]float64, n),
		Total:     make([]float64, n),
		CacheHit:  make([]float64, n),
		CacheMiss: make([]float64, n),
	}
}

// BucketWidth returns the bucket width in seconds.
func (s *BucketSeries) BucketWidth() float64 {
	if s.N == 0 {
		return 0
	}
	return (s.T1 - s.T0) / float64(s.N)
}

// BucketTimestamp returns the midpoint timestamp of bucket i.
func (s *BucketSeries) BucketTimestamp(i int) float64 {
	return s.T0 + (float64(i)+0.5)*s.BucketWidth()
}

// TimePoint is one dashboard sample: a midpoint timestamp plus a map
// of series name to value.
type TimePoint struct {
	Timestamp float64            `json:"timestamp"`
	Data      map[string]float64 `json:"data"`
}

// CostSeries is the bucketed cost result for one model set.
type CostSeries struct {
	T0     float64   `json:"t0"`
	T1     float64   `json:"t1"`
	N      int       `json:"n"`
	Cost   []float64 `json:"cost"`
}

// UsageSummary is the aggregate for one mode or for the whole fleet.
type UsageSummary struct {
	TotalTokens int64   `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost"`
}

// SessionTotals is the running totals since program start.
type SessionTotals struct {
	Since        float64 `json:"since"`
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
}

// ModelStorageStats reports accounting footprint for one model.
type ModelStorageStats struct {
	Name           string `json:"name"`
	RequestCount   int64  `json:"request_count"`
	RuntimeCount   int64  `json:"runtime_count"`
	HasRuntimeData bool   `json:"has_runtime_data"`
	HasBillingData bool   `json:"has_billing_data"`
}

// StorageStats is the whole-database storage report.
type StorageStats struct {
	DBPath    string              `json:"db_path"`
	FileBytes int64               `json:"file_bytes"`
	Models    []ModelStorageStats `json:"models"`
}
