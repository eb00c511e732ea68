// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package proxy forwards OpenAI-shaped requests to model backends.
//
// # Description
//
// The proxy is the gateway's catch-all for /v1 request paths. It
// resolves the body's model field through the catalogue aliases,
// validates the path against the model's mode, lazily starts the
// backend, and forwards the request transparently, streaming or not.
// Token usage is extracted from the response on a best-effort basis
// and recorded for billing; extraction failures never fail the client
// request.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianFleet/services/fleet/config"
	"github.com/AleutianAI/AleutianFleet/services/fleet/datatypes"
	"github.com/AleutianAI/AleutianFleet/services/fleet/ifaces"
	"github.com/AleutianAI/AleutianFleet/services/fleet/observability"
)

// maxBodyBytes caps a forwarded request body (32 MiB).
const maxBodyBytes = 32 << 20

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// Fleet is the lifecycle surface the proxy needs.
//
// The controller satisfies this.
type Fleet interface {
	EnsureRunning(ctx context.Context, name string) error
	BeginRequest(name string)
	EndRequest(name string)
}

// RequestRecorder persists completed request accounting rows.
//
// The accounting store satisfies this. A nil recorder disables
// accounting.
type RequestRecorder interface {
	RecordRequest(ctx context.Context, model string, rec datatypes.RequestRecord) error
}

// =============================================================================
// Proxy
// =============================================================================

// Proxy is the request-forwarding gateway.
type Proxy struct {
	cfg     *config.Store
	fleet   Fleet
	ifaces  *ifaces.Registry
	rec     RequestRecorder
	metrics *observability.FleetMetrics
	logger  *slog.Logger
	client  *http.Client
	now     func() time.Time
}

// New builds the proxy.
//
// # Inputs
//
//   - cfg: Catalogue store for alias resolution and ports.
//   - fleet: Lifecycle controller.
//   - reg: Interface registry for mode/path validation.
//   - rec: Request recorder; nil disables accounting.
//   - metrics: Fleet metrics sink; may be nil.
//   - logger: Structured logger.
func New(cfg *config.Store, fleet Fleet, reg *ifaces.Registry,
	rec RequestRecorder, metrics *observability.FleetMetrics, logger *slog.Logger) *Proxy {
	return &Proxy{
		cfg:     cfg,
		fleet:   fleet,
		ifaces:  reg,
		rec:     rec,
		metrics: metrics,
		logger:  logger,
		// Backends may stream for many minutes; no client timeout.
		client: &http.Client{},
		now:    time.Now,
	}
}

// requestEnvelope is the subset of the body the proxy reads.
type requestEnvelope struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// Handle forwards one /v1 request to its model backend.
//
// Registered as the router's NoRoute fallback so every OpenAI path
// lands here without per-endpoint registration.
func (p *Proxy) Handle(c *gin.Context) {
	path := c.Request.URL.Path
	if !strings.HasPrefix(path, "/v1/") {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"message": fmt.Sprintf("unknown path %q", path),
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		p.fail(c, "", datatypes.WrapError(datatypes.KindInternal, err, "failed to read request body"))
		return
	}

	var env requestEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Model == "" {
		p.fail(c, "", datatypes.NewError(datatypes.KindModelNotFound,
			"request body has no model field"))
		return
	}

	def, ok := p.cfg.Resolve(env.Model)
	if !ok {
		p.fail(c, env.Model, datatypes.NewError(datatypes.KindModelNotFound,
			"model %q is not in the catalogue", env.Model))
		return
	}

	adapter, ok := p.ifaces.Get(def.Mode)
	if !ok {
		p.fail(c, def.Name, datatypes.NewError(datatypes.KindInternal,
			"mode %q has no interface adapter", def.Mode))
		return
	}
	if err := adapter.Validate(path, def.Name); err != nil {
		p.fail(c, def.Name, err)
		return
	}

	if err := p.fleet.EnsureRunning(c.Request.Context(), def.Name); err != nil {
		p.fail(c, def.Name, err)
		return
	}

	p.forward(c, def, env.Stream, body)
}

// fail writes the error envelope and counts the failed request.
func (p *Proxy) fail(c *gin.Context, model string, err error) {
	if p.metrics != nil && model != "" {
		p.metrics.RecordRequest(model, false)
	}
	resp := gin.H{
		"success": false,
		"message": datatypes.ClientMessage(err),
	}
	if kind := datatypes.KindOf(err); kind != "" {
		resp["error"] = string(kind)
	}
	c.JSON(datatypes.HTTPStatus(err), resp)
}

// =============================================================================
// Forwarding
// =============================================================================

// forward relays the request to the backend and accounts the result.
func (p *Proxy) forward(c *gin.Context, def *datatypes.ModelDef, stream bool, body []byte) {
	name := def.Name
	startTS := unixSeconds(p.now())

	p.fleet.BeginRequest(name)
	if p.metrics != nil {
		p.metrics.ForwardStarted(name)
	}
	defer func() {
		p.fleet.EndRequest(name)
		if p.metrics != nil {
			p.metrics.ForwardEnded(name)
		}
	}()

	target := fmt.Sprintf("http://127.0.0.1:%d%s", def.Port, c.Request.URL.Path)
	if q := c.Request.URL.RawQuery; q != "" {
		target += "?" + q
	}

	req, err := http.NewRequestWithContext(c.Request.Context(),
		c.Request.Method, target, bytes.NewReader(body))
	if err != nil {
		p.fail(c, name, datatypes.WrapError(datatypes.KindInternal, err, "failed to build backend request"))
		return
	}
	copyHeaders(req.Header, c.Request.Header)

	resp, err := p.client.Do(req)
	if err != nil {
		p.fail(c, name, datatypes.WrapError(datatypes.KindBackendError, err,
			"backend for %q did not answer", name))
		return
	}
	defer resp.Body.Close()

	var usage datatypes.Usage
	if stream || strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		usage = p.relayStream(c, resp)
	} else {
		usage = p.relayBuffered(c, resp)
	}

	endTS := unixSeconds(p.now())
	success := resp.StatusCode < 400
	if p.metrics != nil {
		p.metrics.RecordRequest(name, success)
		p.metrics.RecordTokens(name, usage.InTok, usage.OutTok)
	}
	if p.rec != nil && success {
		rec := datatypes.RequestRecord{
			StartTS: startTS,
			EndTS:   endTS,
			InTok:   usage.InTok,
			OutTok:  usage.OutTok,
			CacheN:  usage.CacheN,
			PromptN: usage.PromptN,
		}
		if err := p.rec.RecordRequest(context.Background(), name, rec); err != nil {
			p.logger.Error("record request failed", "model", name, "error", err)
		}
	}
}

// relayBuffered copies a non-streaming response in one piece.
func (p *Proxy) relayBuffered(c *gin.Context, resp *http.Response) datatypes.Usage {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		p.logger.Error("backend response read failed", "error", err)
		c.Status(http.StatusBadGateway)
		return datatypes.Usage{}
	}

	copyHeaders(c.Writer.Header(), resp.Header)
	c.Writer.WriteHeader(resp.StatusCode)
	_, _ = c.Writer.Write(data)

	return extractUsage(data)
}

// relayStream copies the response chunk by chunk, flushing each, and
// keeps a bounded tail for usage extraction afterwards.
func (p *Proxy) relayStream(c *gin.Context, resp *http.Response) datatypes.Usage {
	copyHeaders(c.Writer.Header(), resp.Header)
	c.Writer.WriteHeader(resp.StatusCode)

	tail := newTailBuffer(tailCapacity)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := c.Writer.Write(chunk); werr != nil {
				// Client gone; keep draining in stream order so usage
				// still arrives.
				tail.Write(chunk)
				_, _ = io.Copy(tail, resp.Body)
				break
			}
			c.Writer.Flush()
			tail.Write(chunk)
		}
		if err != nil {
			break
		}
	}
	return extractStreamUsage(tail.Bytes())
}

// copyHeaders copies all header values, skipping hop-by-hop fields.
func copyHeaders(dst, src http.Header) {
	for k, vals := range src {
		switch http.CanonicalHeaderKey(k) {
		case "Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade":
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

// unixSeconds converts a time to float64 unix seconds.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
