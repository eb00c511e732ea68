// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"fmt"
	"math"

	"github.com/AleutianAI/AleutianFleet/services/fleet/datatypes"
)

// modeUnknown classifies stored models absent from the live catalogue.
const modeUnknown = datatypes.Mode("unknown")

// =============================================================================
// Row Loading
// =============================================================================

// loadRequests returns requests completed inside the half-open window
// (t0, t1].
func (s *Store) loadRequests(ctx context.Context, safe string, t0, t1 float64) ([]datatypes.RequestRecord, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT start_time, end_time, input_tokens, output_tokens, cache_n, prompt_n
		 FROM %s_requests WHERE end_time > ? AND end_time <= ? ORDER BY end_time`, safe), t0, t1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []datatypes.RequestRecord
	for rows.Next() {
		var r datatypes.RequestRecord
		if err := rows.Scan(&r.StartTS, &r.EndTS, &r.InTok, &r.OutTok, &r.CacheN, &r.PromptN); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// loadRuntime returns runtime intervals overlapping the window.
func (s *Store) loadRuntime(ctx context.Context, safe string, t0, t1 float64) ([]datatypes.RuntimeInterval, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT start_time, end_time FROM %s_runtime
		 WHERE end_time > ? AND start_time < ? ORDER BY start_time`, safe), t0, t1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []datatypes.RuntimeInterval
	for rows.Next() {
		var iv datatypes.RuntimeInterval
		if err := rows.Scan(&iv.StartTS, &iv.EndTS); err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}

// =============================================================================
// Bucketing
// =============================================================================

// bucketIndex maps a completion timestamp to its bucket, clipped to
// the valid range so boundary rows never fall off the series.
func bucketIndex(t0, width float64, n int, ts float64) int {
	if width <= 0 {
		return 0
	}
	i := int(math.Floor((ts - t0) / width))
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// accumulateTokens adds one request's token counts to a series.
func accumulateTokens(series *datatypes.BucketSeries, rec datatypes.RequestRecord) {
	i := bucketIndex(series.T0, series.BucketWidth(), series.N, rec.EndTS)
	series.Input[i] += float64(rec.InTok)
	series.Output[i] += float64(rec.OutTok)
	series.Total[i] += float64(rec.InTok + rec.OutTok)
	series.CacheHit[i] += float64(rec.CacheN)
	// The cache-miss class is the full processed prompt count, not the
	// prompt minus cached remainder.
	series.CacheMiss[i] += float64(rec.PromptN)
}

// perSecond converts bucketed token totals into rates in place.
func perSecond(series *datatypes.BucketSeries) {
	w := series.BucketWidth()
	if w <= 0 {
		return
	}
	for i := 0; i < series.N; i++ {
		series.Input[i] /= w
		series.Output[i] /= w
		series.Total[i] /= w
		series.CacheHit[i] /= w
		series.CacheMiss[i] /= w
	}
}

// =============================================================================
// Fleet Series
// =============================================================================

// modeFor classifies a stored model by the live catalogue.
func modeFor(modes map[string]datatypes.Mode, name string) datatypes.Mode {
	if m, ok := modes[name]; ok {
		return m
	}
	return modeUnknown
}

// eachModelRequests walks every stored model's requests in the window.
func (s *Store) eachModelRequests(ctx context.Context, t0, t1 float64,
	fn func(name string, recs []datatypes.RequestRecord) error) error {
	names, err := s.ModelNames(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		safe, known, err := s.lookupSafe(ctx, name)
		if err != nil || !known {
			continue
		}
		recs, err := s.loadRequests(ctx, safe, t0, t1)
		if err != nil {
			return fmt.Errorf("load requests for %s: %w", name, err)
		}
		if err := fn(name, recs); err != nil {
			return err
		}
	}
	return nil
}

// ThroughputSeries aggregates fleet token throughput in tokens per
// second, overall and broken down by interface mode.
//
// # Inputs
//
//   - t0, t1: Window bounds, unix seconds.
//   - n: Bucket count.
//   - modes: Live catalogue name to mode mapping; stored models not
//     in the mapping are classified "unknown".
func (s *Store) ThroughputSeries(ctx context.Context, t0, t1 float64, n int,
	modes map[string]datatypes.Mode) (*datatypes.BucketSeries, map[datatypes.Mode]*datatypes.BucketSeries, error) {

	total, byMode, err := s.TokenTrendSeries(ctx, t0, t1, n, modes)
	if err != nil {
		return nil, nil, err
	}
	perSecond(total)
	for _, series := range byMode {
		perSecond(series)
	}
	return total, byMode, nil
}

// TokenTrendSeries aggregates raw token totals per bucket, overall
// and broken down by interface mode.
func (s *Store) TokenTrendSeries(ctx context.Context, t0, t1 float64, n int,
	modes map[string]datatypes.Mode) (*datatypes.BucketSeries, map[datatypes.Mode]*datatypes.BucketSeries, error) {

	total := datatypes.NewBucketSeries(t0, t1, n)
	byMode := make(map[datatypes.Mode]*datatypes.BucketSeries)

	err := s.eachModelRequests(ctx, t0, t1, func(name string, recs []datatypes.RequestRecord) error {
		mode := modeFor(modes, name)
		series, ok := byMode[mode]
		if !ok {
			series = datatypes.NewBucketSeries(t0, t1, n)
			byMode[mode] = series
		}
		for _, rec := range recs {
			accumulateTokens(total, rec)
			accumulateTokens(series, rec)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return total, byMode, nil
}

// ModelTokenTrend aggregates raw token totals for one model.
func (s *Store) ModelTokenTrend(ctx context.Context, model string, t0, t1 float64, n int) (*datatypes.BucketSeries, error) {
	series := datatypes.NewBucketSeries(t0, t1, n)
	safe, known, err := s.lookupSafe(ctx, model)
	if err != nil {
		return nil, err
	}
	if !known {
		return series, nil
	}
	recs, err := s.loadRequests(ctx, safe, t0, t1)
	if err != nil {
		return nil, fmt.Errorf("load requests for %s: %w", model, err)
	}
	for _, rec := range recs {
		accumulateTokens(series, rec)
	}
	return series, nil
}

// ModelThroughput aggregates tokens per second for one model.
func (s *Store) ModelThroughput(ctx context.Context, model string, t0, t1 float64, n int) (*datatypes.BucketSeries, error) {
	series, err := s.ModelTokenTrend(ctx, model, t0, t1, n)
	if err != nil {
		return nil, err
	}
	perSecond(series)
	return series, nil
}

// =============================================================================
// Cost Series
// =============================================================================

// newCostSeries allocates a zeroed cost series.
func newCostSeries(t0, t1 float64, n int) *datatypes.CostSeries {
	return &datatypes.CostSeries{T0: t0, T1: t1, N: n, Cost: make([]float64, n)}
}

// addTieredCosts prices each request and adds it to its bucket.
func addTieredCosts(series *datatypes.CostSeries, tiers []datatypes.Tier, recs []datatypes.RequestRecord) {
	w := (series.T1 - series.T0) / float64(series.N)
	for _, rec := range recs {
		i := bucketIndex(series.T0, w, series.N, rec.EndTS)
		series.Cost[i] += RequestCost(tiers, rec)
	}
}

// addHourlyCosts distributes interval runtime over the buckets it
// overlaps at the hourly rate.
func addHourlyCosts(series *datatypes.CostSeries, price float64, intervals []datatypes.RuntimeInterval) {
	if price <= 0 || series.N == 0 {
		return
	}
	w := (series.T1 - series.T0) / float64(series.N)
	if w <= 0 {
		return
	}
	for _, iv := range intervals {
		start := math.Max(iv.StartTS, series.T0)
		end := math.Min(iv.EndTS, series.T1)
		if end <= start {
			continue
		}
		first := bucketIndex(series.T0, w, series.N, start)
		last := bucketIndex(series.T0, w, series.N, end)
		for i := first; i <= last; i++ {
			b0 := series.T0 + float64(i)*w
			b1 := b0 + w
			overlap := math.Min(b1, end) - math.Max(b0, start)
			if overlap > 0 {
				series.Cost[i] += overlap / 3600 * price
			}
		}
	}
}

// costForModel computes one model's bucketed cost per its billing
// configuration.
func (s *Store) costForModel(ctx context.Context, name string, t0, t1 float64, n int) (*datatypes.CostSeries, error) {
	series := newCostSeries(t0, t1, n)

	safe, known, err := s.lookupSafe(ctx, name)
	if err != nil {
		return nil, err
	}
	if !known {
		return series, nil
	}

	cfg, err := s.GetPricing(ctx, name)
	if err != nil {
		return nil, err
	}
	if cfg.UseTiered {
		recs, err := s.loadRequests(ctx, safe, t0, t1)
		if err != nil {
			return nil, fmt.Errorf("load requests for %s: %w", name, err)
		}
		addTieredCosts(series, cfg.Tiers, recs)
		return series, nil
	}

	intervals, err := s.loadRuntime(ctx, safe, t0, t1)
	if err != nil {
		return nil, fmt.Errorf("load runtime for %s: %w", name, err)
	}
	addHourlyCosts(series, cfg.HourlyPrice, intervals)
	return series, nil
}

// CostTrendSeries aggregates fleet cost per bucket, overall and by
// interface mode. Tiered models are priced per request; hourly models
// by runtime overlap with each bucket.
func (s *Store) CostTrendSeries(ctx context.Context, t0, t1 float64, n int,
	modes map[string]datatypes.Mode) (*datatypes.CostSeries, map[datatypes.Mode]*datatypes.CostSeries, error) {

	total := newCostSeries(t0, t1, n)
	byMode := make(map[datatypes.Mode]*datatypes.CostSeries)

	names, err := s.ModelNames(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, name := range names {
		series, err := s.costForModel(ctx, name, t0, t1, n)
		if err != nil {
			return nil, nil, err
		}
		mode := modeFor(modes, name)
		target, ok := byMode[mode]
		if !ok {
			target = newCostSeries(t0, t1, n)
			byMode[mode] = target
		}
		for i := 0; i < n; i++ {
			total.Cost[i] += series.Cost[i]
			target.Cost[i] += series.Cost[i]
		}
	}
	return total, byMode, nil
}

// ModelCostTrend aggregates cost per bucket for one model.
func (s *Store) ModelCostTrend(ctx context.Context, model string, t0, t1 float64, n int) (*datatypes.CostSeries, error) {
	return s.costForModel(ctx, model, t0, t1, n)
}

// =============================================================================
// Summaries
// =============================================================================

// UsageSummaries computes total tokens and total cost over the window,
// overall and by interface mode.
func (s *Store) UsageSummaries(ctx context.Context, t0, t1 float64,
	modes map[string]datatypes.Mode) (datatypes.UsageSummary, map[datatypes.Mode]datatypes.UsageSummary, error) {

	var total datatypes.UsageSummary
	byMode := make(map[datatypes.Mode]datatypes.UsageSummary)

	names, err := s.ModelNames(ctx)
	if err != nil {
		return total, nil, err
	}
	for _, name := range names {
		safe, known, err := s.lookupSafe(ctx, name)
		if err != nil || !known {
			continue
		}
		recs, err := s.loadRequests(ctx, safe, t0, t1)
		if err != nil {
			return total, nil, fmt.Errorf("load requests for %s: %w", name, err)
		}
		cost, err := s.costForModel(ctx, name, t0, t1, 1)
		if err != nil {
			return total, nil, err
		}

		var sum datatypes.UsageSummary
		for _, rec := range recs {
			sum.TotalTokens += rec.InTok + rec.OutTok
		}
		sum.TotalCost = cost.Cost[0]

		mode := modeFor(modes, name)
		agg := byMode[mode]
		agg.TotalTokens += sum.TotalTokens
		agg.TotalCost += sum.TotalCost
		byMode[mode] = agg

		total.TotalTokens += sum.TotalTokens
		total.TotalCost += sum.TotalCost
	}
	return total, byMode, nil
}

// ModelUsageSummary computes one model's window totals.
func (s *Store) ModelUsageSummary(ctx context.Context, model string, t0, t1 float64) (datatypes.UsageSummary, error) {
	var sum datatypes.UsageSummary
	safe, known, err := s.lookupSafe(ctx, model)
	if err != nil {
		return sum, err
	}
	if !known {
		return sum, nil
	}
	recs, err := s.loadRequests(ctx, safe, t0, t1)
	if err != nil {
		return sum, fmt.Errorf("load requests for %s: %w", model, err)
	}
	for _, rec := range recs {
		sum.TotalTokens += rec.InTok + rec.OutTok
	}
	cost, err := s.costForModel(ctx, model, t0, t1, 1)
	if err != nil {
		return sum, err
	}
	sum.TotalCost = cost.Cost[0]
	return sum, nil
}

// SessionTotals sums request counts and tokens completed after since.
func (s *Store) SessionTotals(ctx context.Context, since float64) (datatypes.SessionTotals, error) {
	totals := datatypes.SessionTotals{Since: since}
	err := s.eachModelRequests(ctx, since, math.MaxFloat64, func(name string, recs []datatypes.RequestRecord) error {
		for _, rec := range recs {
			totals.Requests++
			totals.InputTokens += rec.InTok
			totals.OutputTokens += rec.OutTok
		}
		return nil
	})
	if err != nil {
		return totals, err
	}
	totals.TotalTokens = totals.InputTokens + totals.OutputTokens
	return totals, nil
}
