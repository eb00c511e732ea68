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
	"sort"

	"github.com/AleutianAI/AleutianFleet/services/fleet/datatypes"
)

// =============================================================================
// Pricing CRUD
// =============================================================================

// GetPricing returns a model's complete billing configuration with
// tiers sorted by index.
func (s *Store) GetPricing(ctx context.Context, model string) (datatypes.PricingConfig, error) {
	var cfg datatypes.PricingConfig
	safe, err := s.safeFor(ctx, model)
	if err != nil {
		return cfg, err
	}

	var useTiered int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT use_tier_pricing FROM %s_billing_method WHERE id = 1`, safe)).Scan(&useTiered); err != nil {
		return cfg, fmt.Errorf("billing method for %s: %w", model, err)
	}
	cfg.UseTiered = useTiered != 0

	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT price FROM %s_hourly_price WHERE id = 1`, safe)).Scan(&cfg.HourlyPrice); err != nil {
		return cfg, fmt.Errorf("hourly price for %s: %w", model, err)
	}

	cfg.Tiers, err = s.tiers(ctx, safe)
	if err != nil {
		return cfg, fmt.Errorf("tiers for %s: %w", model, err)
	}
	return cfg, nil
}

// tiers loads the tier table sorted by index.
func (s *Store) tiers(ctx context.Context, safe string) ([]datatypes.Tier, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT tier_index, min_input_tokens, max_input_tokens,
		        min_output_tokens, max_output_tokens,
		        input_price, output_price,
		        support_cache, cache_write_price, cache_read_price
		 FROM %s_tier_pricing ORDER BY tier_index`, safe))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []datatypes.Tier
	for rows.Next() {
		var t datatypes.Tier
		var cacheOK int
		if err := rows.Scan(&t.Index, &t.InMin, &t.InMax, &t.OutMin, &t.OutMax,
			&t.InPrice, &t.OutPrice, &cacheOK, &t.CacheWritePrice, &t.CacheReadPrice); err != nil {
			return nil, err
		}
		t.CacheOK = cacheOK != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

// validateTier rejects malformed bounds and prices.
func validateTier(t datatypes.Tier) error {
	if t.Index <= 0 {
		return datatypes.NewError(datatypes.KindPricingInvalid,
			"tier index must be positive, got %d", t.Index)
	}
	for _, b := range []int64{t.InMin, t.InMax, t.OutMin, t.OutMax} {
		if b < datatypes.Unbounded {
			return datatypes.NewError(datatypes.KindPricingInvalid,
				"tier bound %d is invalid; use -1 for unbounded", b)
		}
	}
	if t.InMin != datatypes.Unbounded && t.InMax != datatypes.Unbounded && t.InMax <= t.InMin {
		return datatypes.NewError(datatypes.KindPricingInvalid,
			"input bounds (%d, %d] are empty", t.InMin, t.InMax)
	}
	if t.OutMin != datatypes.Unbounded && t.OutMax != datatypes.Unbounded && t.OutMax <= t.OutMin {
		return datatypes.NewError(datatypes.KindPricingInvalid,
			"output bounds (%d, %d] are empty", t.OutMin, t.OutMax)
	}
	if t.InPrice < 0 || t.OutPrice < 0 || t.CacheWritePrice < 0 || t.CacheReadPrice < 0 {
		return datatypes.NewError(datatypes.KindPricingInvalid, "prices must be non-negative")
	}
	return nil
}

// UpsertTier inserts or replaces one tier row.
//
// # Description
//
// Tier indices are stable identity, so a write to an existing index
// replaces that tier in place and never renumbers its neighbours.
func (s *Store) UpsertTier(ctx context.Context, model string, t datatypes.Tier) error {
	if err := validateTier(t); err != nil {
		return err
	}
	safe, err := s.safeFor(ctx, model)
	if err != nil {
		return err
	}
	cacheOK := 0
	if t.CacheOK {
		cacheOK = 1
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT OR REPLACE INTO %s_tier_pricing
		 (tier_index, min_input_tokens, max_input_tokens, min_output_tokens, max_output_tokens,
		  input_price, output_price, support_cache, cache_write_price, cache_read_price)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, safe),
		t.Index, t.InMin, t.InMax, t.OutMin, t.OutMax,
		t.InPrice, t.OutPrice, cacheOK, t.CacheWritePrice, t.CacheReadPrice)
	if err != nil {
		return fmt.Errorf("upsert tier %d for %s: %w", t.Index, model, err)
	}
	return nil
}

// DeleteTier removes one tier row.
//
// # Description
//
// The last remaining tier cannot be deleted while the model exists;
// a model always has at least one tier.
func (s *Store) DeleteTier(ctx context.Context, model string, index int) error {
	safe, err := s.safeFor(ctx, model)
	if err != nil {
		return err
	}

	var count int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s_tier_pricing`, safe)).Scan(&count); err != nil {
		return fmt.Errorf("count tiers for %s: %w", model, err)
	}
	if count <= 1 {
		return datatypes.NewError(datatypes.KindLastTierDeletion,
			"model %q has a single tier; delete refused", model)
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s_tier_pricing WHERE tier_index = ?`, safe), index)
	if err != nil {
		return fmt.Errorf("delete tier %d for %s: %w", index, model, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return datatypes.NewError(datatypes.KindTierConflict,
			"model %q has no tier with index %d", model, index)
	}
	return nil
}

// SetHourlyPrice sets the flat hourly rate.
func (s *Store) SetHourlyPrice(ctx context.Context, model string, price float64) error {
	if price < 0 {
		return datatypes.NewError(datatypes.KindPricingInvalid,
			"hourly price must be non-negative, got %g", price)
	}
	safe, err := s.safeFor(ctx, model)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s_hourly_price SET price = ? WHERE id = 1`, safe), price)
	if err != nil {
		return fmt.Errorf("set hourly price for %s: %w", model, err)
	}
	return nil
}

// SetBillingMode switches a model between tiered and hourly billing.
func (s *Store) SetBillingMode(ctx context.Context, model string, useTiered bool) error {
	safe, err := s.safeFor(ctx, model)
	if err != nil {
		return err
	}
	v := 0
	if useTiered {
		v = 1
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s_billing_method SET use_tier_pricing = ? WHERE id = 1`, safe), v)
	if err != nil {
		return fmt.Errorf("set billing mode for %s: %w", model, err)
	}
	return nil
}

// =============================================================================
// Cost Evaluation
// =============================================================================

// SelectTier picks the lowest-index tier matching the token counts.
func SelectTier(tiers []datatypes.Tier, inTok, outTok int64) (datatypes.Tier, bool) {
	sorted := make([]datatypes.Tier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	for _, t := range sorted {
		if t.Matches(inTok, outTok) {
			return t, true
		}
	}
	return datatypes.Tier{}, false
}

// RequestCost prices one request against a tier table.
//
// # Description
//
// Prices are per million tokens. Cached prompt tokens are billed at
// the cache read price only when the matched tier supports caching;
// otherwise the cache term is zero. A request matching no tier costs
// nothing.
func RequestCost(tiers []datatypes.Tier, rec datatypes.RequestRecord) float64 {
	t, ok := SelectTier(tiers, rec.InTok, rec.OutTok)
	if !ok {
		return 0
	}
	cost := float64(rec.PromptN)*t.InPrice/1e6 + float64(rec.OutTok)*t.OutPrice/1e6
	if t.CacheOK {
		cost += float64(rec.CacheN) * t.CacheReadPrice / 1e6
	}
	return cost
}
