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
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianFleet/services/fleet/datatypes"
)

// =============================================================================
// Billing
// =============================================================================

// billingName canonicalizes the {name} path parameter.
//
// Catalogued aliases resolve to the canonical model name; anything
// else passes through unchanged so pricing for orphaned accounting
// data stays reachable.
func (s *Server) billingName(c *gin.Context) string {
	name := c.Param("name")
	if def, found := s.cfg.Resolve(name); found {
		return def.Name
	}
	return name
}

// GetPricing serves GET /api/billing/models/{name}/pricing.
func (s *Server) GetPricing(c *gin.Context) {
	name := s.billingName(c)
	cfg, err := s.store.GetPricing(c.Request.Context(), name)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"model": name, "pricing": cfg})
}

// UpsertTier serves POST /api/billing/models/{name}/pricing/tier.
//
// An existing index is replaced in place; a new index is added. The
// remaining tiers are never renumbered.
func (s *Server) UpsertTier(c *gin.Context) {
	name := s.billingName(c)
	var tier datatypes.Tier
	if err := c.ShouldBindJSON(&tier); err != nil {
		fail(c, datatypes.WrapError(datatypes.KindPricingInvalid, err, "malformed tier body"))
		return
	}
	if err := s.store.UpsertTier(c.Request.Context(), name, tier); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"model": name, "tier_index": tier.Index})
}

// DeleteTier serves DELETE /api/billing/models/{name}/pricing/tier/{idx}.
func (s *Server) DeleteTier(c *gin.Context) {
	name := s.billingName(c)
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil {
		fail(c, datatypes.NewError(datatypes.KindInvalidRequest,
			"invalid tier index %q", c.Param("idx")))
		return
	}
	if err := s.store.DeleteTier(c.Request.Context(), name, idx); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"model": name, "tier_index": idx})
}

// SetHourly serves POST /api/billing/models/{name}/pricing/hourly.
func (s *Server) SetHourly(c *gin.Context) {
	name := s.billingName(c)
	var body struct {
		Price float64 `json:"price"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, datatypes.WrapError(datatypes.KindPricingInvalid, err, "malformed hourly price body"))
		return
	}
	if err := s.store.SetHourlyPrice(c.Request.Context(), name, body.Price); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"model": name, "hourly_price": body.Price})
}

// SetBillingMode serves POST /api/billing/models/{name}/pricing/set/{method}.
//
// Method is "tier" or "hourly".
func (s *Server) SetBillingMode(c *gin.Context) {
	name := s.billingName(c)
	var useTiered bool
	switch method := c.Param("method"); method {
	case "tier":
		useTiered = true
	case "hourly":
		useTiered = false
	default:
		fail(c, datatypes.NewError(datatypes.KindPricingInvalid,
			"unknown billing method %q; use tier or hourly", method))
		return
	}
	if err := s.store.SetBillingMode(c.Request.Context(), name, useTiered); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"model": name, "method": c.Param("method")})
}

// =============================================================================
// Data Maintenance
// =============================================================================

// Orphans serves GET /api/data/models/orphaned.
//
// Lists models with accounting tables but no catalogue entry.
func (s *Server) Orphans(c *gin.Context) {
	catalogued := func(name string) bool {
		_, found := s.cfg.Resolve(name)
		return found
	}
	orphans, err := s.store.ListOrphans(c.Request.Context(), catalogued)
	if err != nil {
		fail(c, err)
		return
	}
	if orphans == nil {
		orphans = []string{}
	}
	ok(c, gin.H{"orphaned": orphans})
}

// StorageStats serves GET /api/data/storage/stats.
func (s *Server) StorageStats(c *gin.Context) {
	stats, err := s.store.StorageStats(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"storage": stats})
}

// DropModel serves DELETE /api/data/models/{name}.
//
// Refuses to drop data for a model still in the catalogue.
func (s *Server) DropModel(c *gin.Context) {
	name := c.Param("name")
	_, catalogued := s.cfg.Resolve(name)
	if err := s.store.Drop(c.Request.Context(), name, catalogued); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"model": name})
}
