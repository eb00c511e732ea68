// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianFleet/services/fleet/handlers"
	"github.com/AleutianAI/AleutianFleet/services/fleet/proxy"
)

// SetupRoutes registers the full HTTP surface.
//
// # Description
//
// The admin and analytics endpoints are explicit routes; everything
// else, in particular POST /v1/* inference traffic, falls through to
// the routing proxy via NoRoute.
func SetupRoutes(router *gin.Engine, s *handlers.Server, p *proxy.Proxy) {
	router.GET("/", s.Info)
	router.GET("/health", s.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/v1/models", s.ListModels)

	api := router.Group("/api")
	{
		api.GET("/info", s.Info)
		api.GET("/health", s.Health)
		api.GET("/devices/info", s.DeviceInfo)

		models := api.Group("/models")
		{
			models.GET("/:alias/info", s.ModelInfo)
			models.POST("/:alias/start", s.StartModel)
			models.POST("/:alias/stop", s.StopModel)
			models.GET("/:alias/logs", s.LogSnapshot)
			models.GET("/:alias/logs/stream", s.LogStream)
			models.POST("/restart-autostart", s.RestartAutostart)
			models.POST("/stop-all", s.StopAll)
		}

		logsGroup := api.Group("/logs")
		{
			logsGroup.GET("/stats", s.LogStats)
			logsGroup.POST("/:alias/clear", s.LogClear)
		}

		metrics := api.Group("/metrics")
		{
			metrics.GET("/throughput/current-session", s.CurrentSession)
			metrics.GET("/throughput/:t0/:t1/:n", s.Throughput)
		}

		analytics := api.Group("/analytics")
		{
			analytics.GET("/usage-summary/:t0/:t1", s.UsageSummary)
			analytics.GET("/token-trends/:t0/:t1/:n", s.TokenTrends)
			analytics.GET("/cost-trends/:t0/:t1/:n", s.CostTrends)
			analytics.GET("/model-stats/:alias/:t0/:t1/:n", s.ModelStats)
		}

		billing := api.Group("/billing/models/:name/pricing")
		{
			billing.GET("", s.GetPricing)
			billing.POST("/tier", s.UpsertTier)
			billing.DELETE("/tier/:idx", s.DeleteTier)
			billing.POST("/hourly", s.SetHourly)
			billing.POST("/set/:method", s.SetBillingMode)
		}

		data := api.Group("/data")
		{
			data.GET("/models/orphaned", s.Orphans)
			data.GET("/storage/stats", s.StorageStats)
			data.DELETE("/models/:name", s.DropModel)
		}
	}

	// Inference traffic keeps the OpenAI path shapes, so the proxy is
	// the fallback rather than a wildcard route.
	router.NoRoute(p.Handle)
}
