// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the admin HTTP surface.
//
// # Description
//
// Everything outside the /v1 proxy paths lives here: service info,
// model lifecycle operations, log streaming, device info, analytics,
// billing configuration, and data maintenance. All error responses
// share the {success:false, message, error} envelope with the status
// code mapped from the error kind.
package handlers

import (
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianFleet/services/fleet/config"
	"github.com/AleutianAI/AleutianFleet/services/fleet/controller"
	"github.com/AleutianAI/AleutianFleet/services/fleet/datatypes"
	"github.com/AleutianAI/AleutianFleet/services/fleet/devices"
	"github.com/AleutianAI/AleutianFleet/services/fleet/logs"
	"github.com/AleutianAI/AleutianFleet/services/fleet/store"
)

// ServiceName identifies the gateway in info responses.
const ServiceName = "AleutianFleet"

// Version is the reported service version.
var Version = "dev"

// =============================================================================
// Server
// =============================================================================

// Server holds the handler dependencies.
type Server struct {
	cfg    *config.Store
	ctrl   *controller.Controller
	dev    *devices.Registry
	logs   *logs.Manager
	store  *store.Store
	logger *slog.Logger

	startedAt time.Time

	// sessionStart anchors the current-session totals, unix seconds.
	sessionStart float64
}

// New builds the admin handler set.
func New(cfg *config.Store, ctrl *controller.Controller, dev *devices.Registry,
	lm *logs.Manager, st *store.Store, logger *slog.Logger) *Server {
	now := time.Now()
	return &Server{
		cfg:          cfg,
		ctrl:         ctrl,
		dev:          dev,
		logs:         lm,
		store:        st,
		logger:       logger,
		startedAt:    now,
		sessionStart: float64(now.UnixNano()) / 1e9,
	}
}

// =============================================================================
// Response Helpers
// =============================================================================

// fail writes the shared error envelope.
func fail(c *gin.Context, err error) {
	resp := gin.H{
		"success": false,
		"message": datatypes.ClientMessage(err),
	}
	if kind := datatypes.KindOf(err); kind != "" {
		resp["error"] = string(kind)
	}
	c.JSON(datatypes.HTTPStatus(err), resp)
}

// ok writes a success envelope merged with extra payload fields.
func ok(c *gin.Context, extra gin.H) {
	resp := gin.H{"success": true}
	for k, v := range extra {
		resp[k] = v
	}
	c.JSON(http.StatusOK, resp)
}

// resolve maps a name or alias to its catalogue definition.
func (s *Server) resolve(alias string) (*datatypes.ModelDef, error) {
	def, found := s.cfg.Resolve(alias)
	if !found {
		return nil, datatypes.NewError(datatypes.KindModelNotFound,
			"model %q is not in the catalogue", alias)
	}
	return def, nil
}

// catalogueModes maps canonical names to modes for aggregation.
func (s *Server) catalogueModes() map[string]datatypes.Mode {
	modes := make(map[string]datatypes.Mode)
	for _, def := range s.cfg.Models() {
		modes[def.Name] = def.Mode
	}
	return modes
}

// parseWindow reads the {t0}/{t1}/{n} path parameters.
func parseWindow(c *gin.Context, withBuckets bool) (float64, float64, int, error) {
	t0, err := strconv.ParseFloat(c.Param("t0"), 64)
	if err != nil {
		return 0, 0, 0, datatypes.NewError(datatypes.KindInvalidRequest, "invalid t0 %q", c.Param("t0"))
	}
	t1, err := strconv.ParseFloat(c.Param("t1"), 64)
	if err != nil {
		return 0, 0, 0, datatypes.NewError(datatypes.KindInvalidRequest, "invalid t1 %q", c.Param("t1"))
	}
	if t1 <= t0 {
		return 0, 0, 0, datatypes.NewError(datatypes.KindInvalidRequest, "window end %g is not after start %g", t1, t0)
	}
	n := 1
	if withBuckets {
		n, err = strconv.Atoi(c.Param("n"))
		if err != nil || n <= 0 {
			return 0, 0, 0, datatypes.NewError(datatypes.KindInvalidRequest, "invalid bucket count %q", c.Param("n"))
		}
	}
	return t0, t1, n, nil
}

// =============================================================================
// Info and Health
// =============================================================================

// Info serves GET / and GET /api/info.
func (s *Server) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":    ServiceName,
		"version":    Version,
		"uptime_sec": int64(time.Since(s.startedAt).Seconds()),
	})
}

// Health serves GET /health and GET /api/health.
func (s *Server) Health(c *gin.Context) {
	running := 0
	for _, st := range s.ctrl.StatusAll(c.Request.Context()) {
		if st.State == datatypes.StateRouting {
			running++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"models_count":   len(s.cfg.Models()),
		"running_models": running,
	})
}

// =============================================================================
// OpenAI Catalogue
// =============================================================================

// ListModels serves GET /v1/models with the OpenAI list shape.
func (s *Server) ListModels(c *gin.Context) {
	created := s.startedAt.Unix()
	list := datatypes.OpenAIModelList{Object: "list"}
	for _, def := range s.cfg.Models() {
		list.Data = append(list.Data, datatypes.OpenAIModel{
			ID:      def.Name,
			Object:  "model",
			Created: created,
			OwnedBy: ServiceName,
			Aliases: def.Aliases,
			Mode:    def.Mode,
		})
	}
	c.JSON(http.StatusOK, list)
}

// =============================================================================
// Devices
// =============================================================================

// DeviceInfo serves GET /api/devices/info.
func (s *Server) DeviceInfo(c *gin.Context) {
	infos := s.dev.Snapshots(c.Request.Context())
	out := make([]datatypes.DeviceInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	ok(c, gin.H{"devices": out})
}
