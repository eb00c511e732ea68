// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianFleet/services/fleet/datatypes"
)

// =============================================================================
// Series Conversion
// =============================================================================

// tokenPoints flattens a bucket series into dashboard time points.
//
// Each point carries the midpoint timestamp of its bucket and all five
// token classes.
func tokenPoints(s *datatypes.BucketSeries) []datatypes.TimePoint {
	points := make([]datatypes.TimePoint, 0, s.N)
	for i := 0; i < s.N; i++ {
		points = append(points, datatypes.TimePoint{
			Timestamp: s.BucketTimestamp(i),
			Data: map[string]float64{
				datatypes.ClassInput:     s.Input[i],
				datatypes.ClassOutput:    s.Output[i],
				datatypes.ClassTotal:     s.Total[i],
				datatypes.ClassCacheHit:  s.CacheHit[i],
				datatypes.ClassCacheMiss: s.CacheMiss[i],
			},
		})
	}
	return points
}

// costPoints flattens a cost series into dashboard time points.
func costPoints(s *datatypes.CostSeries) []datatypes.TimePoint {
	width := (s.T1 - s.T0) / float64(s.N)
	points := make([]datatypes.TimePoint, 0, s.N)
	for i := 0; i < s.N; i++ {
		points = append(points, datatypes.TimePoint{
			Timestamp: s.T0 + (float64(i)+0.5)*width,
			Data:      map[string]float64{"cost": s.Cost[i]},
		})
	}
	return points
}

func tokenBreakdown(byMode map[datatypes.Mode]*datatypes.BucketSeries) map[string][]datatypes.TimePoint {
	out := make(map[string][]datatypes.TimePoint, len(byMode))
	for mode, series := range byMode {
		out[string(mode)] = tokenPoints(series)
	}
	return out
}

func costBreakdown(byMode map[datatypes.Mode]*datatypes.CostSeries) map[string][]datatypes.TimePoint {
	out := make(map[string][]datatypes.TimePoint, len(byMode))
	for mode, series := range byMode {
		out[string(mode)] = costPoints(series)
	}
	return out
}

// =============================================================================
// Throughput
// =============================================================================

// Throughput serves GET /api/metrics/throughput/{t0}/{t1}/{n}.
//
// Values are tokens per second: each bucket's token totals divided by
// the bucket width.
func (s *Server) Throughput(c *gin.Context) {
	t0, t1, n, err := parseWindow(c, true)
	if err != nil {
		fail(c, err)
		return
	}
	overall, byMode, err := s.store.ThroughputSeries(c.Request.Context(), t0, t1, n, s.catalogueModes())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{
		"t0":             t0,
		"t1":             t1,
		"n":              n,
		"time_points":    tokenPoints(overall),
		"mode_breakdown": tokenBreakdown(byMode),
	})
}

// CurrentSession serves GET /api/metrics/throughput/current-session.
func (s *Server) CurrentSession(c *gin.Context) {
	totals, err := s.store.SessionTotals(c.Request.Context(), s.sessionStart)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"session": totals})
}

// =============================================================================
// Analytics
// =============================================================================

// UsageSummary serves GET /api/analytics/usage-summary/{t0}/{t1}.
func (s *Server) UsageSummary(c *gin.Context) {
	t0, t1, _, err := parseWindow(c, false)
	if err != nil {
		fail(c, err)
		return
	}
	overall, byMode, err := s.store.UsageSummaries(c.Request.Context(), t0, t1, s.catalogueModes())
	if err != nil {
		fail(c, err)
		return
	}
	breakdown := make(map[string]datatypes.UsageSummary, len(byMode))
	for mode, summary := range byMode {
		breakdown[string(mode)] = summary
	}
	ok(c, gin.H{
		"t0":             t0,
		"t1":             t1,
		"summary":        overall,
		"mode_breakdown": breakdown,
	})
}

// TokenTrends serves GET /api/analytics/token-trends/{t0}/{t1}/{n}.
//
// Unlike throughput the values are raw token totals per bucket.
func (s *Server) TokenTrends(c *gin.Context) {
	t0, t1, n, err := parseWindow(c, true)
	if err != nil {
		fail(c, err)
		return
	}
	overall, byMode, err := s.store.TokenTrendSeries(c.Request.Context(), t0, t1, n, s.catalogueModes())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{
		"t0":             t0,
		"t1":             t1,
		"n":              n,
		"time_points":    tokenPoints(overall),
		"mode_breakdown": tokenBreakdown(byMode),
	})
}

// CostTrends serves GET /api/analytics/cost-trends/{t0}/{t1}/{n}.
func (s *Server) CostTrends(c *gin.Context) {
	t0, t1, n, err := parseWindow(c, true)
	if err != nil {
		fail(c, err)
		return
	}
	overall, byMode, err := s.store.CostTrendSeries(c.Request.Context(), t0, t1, n, s.catalogueModes())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{
		"t0":             t0,
		"t1":             t1,
		"n":              n,
		"time_points":    costPoints(overall),
		"mode_breakdown": costBreakdown(byMode),
	})
}

// ModelStats serves GET /api/analytics/model-stats/{alias}/{t0}/{t1}/{n}.
//
// Bundles throughput, token trend, cost trend and the window summary
// for one model into a single response.
func (s *Server) ModelStats(c *gin.Context) {
	def, err := s.resolve(c.Param("alias"))
	if err != nil {
		fail(c, err)
		return
	}
	t0, t1, n, err := parseWindow(c, true)
	if err != nil {
		fail(c, err)
		return
	}
	ctx := c.Request.Context()

	throughput, err := s.store.ModelThroughput(ctx, def.Name, t0, t1, n)
	if err != nil {
		fail(c, err)
		return
	}
	trend, err := s.store.ModelTokenTrend(ctx, def.Name, t0, t1, n)
	if err != nil {
		fail(c, err)
		return
	}
	cost, err := s.store.ModelCostTrend(ctx, def.Name, t0, t1, n)
	if err != nil {
		fail(c, err)
		return
	}
	summary, err := s.store.ModelUsageSummary(ctx, def.Name, t0, t1)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{
		"model":        def.Name,
		"t0":           t0,
		"t1":           t1,
		"n":            n,
		"throughput":   tokenPoints(throughput),
		"token_trends": tokenPoints(trend),
		"cost_trends":  costPoints(cost),
		"summary":      summary,
	})
}
