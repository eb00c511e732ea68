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
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianFleet/services/fleet/datatypes"
	"github.com/AleutianAI/AleutianFleet/services/fleet/logs"
)

// allModelsAlias returns the whole status map from the info endpoint.
const allModelsAlias = "all-models"

// =============================================================================
// Model Lifecycle
// =============================================================================

// ModelInfo serves GET /api/models/{alias}/info.
//
// The reserved alias "all-models" returns the status of every model
// keyed by canonical name.
func (s *Server) ModelInfo(c *gin.Context) {
	alias := c.Param("alias")
	if alias == allModelsAlias {
		all := make(map[string]datatypes.ModelStatus)
		for _, st := range s.ctrl.StatusAll(c.Request.Context()) {
			all[st.Name] = st
		}
		ok(c, gin.H{"models": all})
		return
	}

	def, err := s.resolve(alias)
	if err != nil {
		fail(c, err)
		return
	}
	st, err := s.ctrl.Status(c.Request.Context(), def.Name)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"model": st})
}

// StartModel serves POST /api/models/{alias}/start.
//
// Blocks until the model routes or the attempt fails; there is no
// server-side deadline, only the client's disconnect.
func (s *Server) StartModel(c *gin.Context) {
	def, err := s.resolve(c.Param("alias"))
	if err != nil {
		fail(c, err)
		return
	}
	if err := s.ctrl.StartModel(c.Request.Context(), def.Name); err != nil {
		fail(c, err)
		return
	}
	st, _ := s.ctrl.Status(c.Request.Context(), def.Name)
	ok(c, gin.H{"model": def.Name, "state": st.State})
}

// StopModel serves POST /api/models/{alias}/stop.
func (s *Server) StopModel(c *gin.Context) {
	def, err := s.resolve(c.Param("alias"))
	if err != nil {
		fail(c, err)
		return
	}
	if err := s.ctrl.StopModel(c.Request.Context(), def.Name); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"model": def.Name, "state": datatypes.StateStopped})
}

// RestartAutostart serves POST /api/models/restart-autostart.
func (s *Server) RestartAutostart(c *gin.Context) {
	failures := s.ctrl.RestartAutostart(c.Request.Context())
	ok(c, gin.H{"failures": failures})
}

// StopAll serves POST /api/models/stop-all.
func (s *Server) StopAll(c *gin.Context) {
	if err := s.ctrl.StopAll(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{})
}

// =============================================================================
// Logs
// =============================================================================

// LogSnapshot serves GET /api/models/{alias}/logs.
func (s *Server) LogSnapshot(c *gin.Context) {
	def, err := s.resolve(c.Param("alias"))
	if err != nil {
		fail(c, err)
		return
	}
	lines := s.logs.Snapshot(def.Name)
	if lines == nil {
		lines = []logs.Line{}
	}
	ok(c, gin.H{"model": def.Name, "lines": lines})
}

// LogStream serves GET /api/models/{alias}/logs/stream as SSE.
//
// # Description
//
// Frames are `data: {json}\n\n` with json.type one of historical,
// historical_complete, realtime, stream_end, error. The stream ends
// after a stream_end or error frame, or silently when the client
// disconnects.
func (s *Server) LogStream(c *gin.Context) {
	def, err := s.resolve(c.Param("alias"))
	if err != nil {
		fail(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	sub := s.logs.Subscribe(def.Name)
	defer s.logs.Unsubscribe(def.Name, sub.ID)

	clientGone := c.Request.Context().Done()
	for {
		select {
		case ev, open := <-sub.Events:
			if !open {
				return
			}
			frame, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("log event marshal failed", "model", def.Name, "error", err)
				return
			}
			if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", frame); err != nil {
				return
			}
			c.Writer.Flush()
			if ev.Type == logs.EventStreamEnd || ev.Type == logs.EventError {
				return
			}
		case <-clientGone:
			return
		}
	}
}

// LogStats serves GET /api/logs/stats.
func (s *Server) LogStats(c *gin.Context) {
	ok(c, gin.H{"buffers": s.logs.Stats()})
}

// LogClear serves POST /api/logs/{alias}/clear.
//
// The optional keep_minutes query parameter retains entries newer
// than the horizon; absent or zero wipes the buffer.
func (s *Server) LogClear(c *gin.Context) {
	def, err := s.resolve(c.Param("alias"))
	if err != nil {
		fail(c, err)
		return
	}

	var keep float64
	if raw := c.Query("keep_minutes"); raw != "" {
		keep, err = strconv.ParseFloat(raw, 64)
		if err != nil || keep < 0 {
			fail(c, datatypes.NewError(datatypes.KindInvalidRequest, "invalid keep_minutes %q", raw))
			return
		}
	}
	removed := s.logs.Clear(def.Name, keep)
	ok(c, gin.H{"model": def.Name, "removed": removed})
}
