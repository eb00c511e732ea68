// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFleet/services/fleet/config"
	"github.com/AleutianAI/AleutianFleet/services/fleet/datatypes"
	"github.com/AleutianAI/AleutianFleet/services/fleet/ifaces"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeFleet struct {
	mu      sync.Mutex
	ensured []string
	begins  int
	ends    int
	err     error
}

func (f *fakeFleet) EnsureRunning(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ensured = append(f.ensured, name)
	return nil
}

func (f *fakeFleet) BeginRequest(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begins++
}

func (f *fakeFleet) EndRequest(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends++
}

type fakeRecorder struct {
	mu   sync.Mutex
	recs []datatypes.RequestRecord
}

func (r *fakeRecorder) RecordRequest(ctx context.Context, model string, rec datatypes.RequestRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *fakeRecorder) last(t *testing.T) datatypes.RequestRecord {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.recs)
	return r.recs[len(r.recs)-1]
}

type fakeSet map[string]bool

func (f fakeSet) Has(id string) bool { return f[id] }

// =============================================================================
// Environment
// =============================================================================

type proxyEnv struct {
	gateway *httptest.Server
	fleet   *fakeFleet
	rec     *fakeRecorder
}

// newProxyEnv wires a gateway in front of the given backend handler.
// The catalogue's model port points at the backend server.
func newProxyEnv(t *testing.T, backend http.Handler) *proxyEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := httptest.NewServer(backend)
	t.Cleanup(ts.Close)
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)

	catalogue := fmt.Sprintf(`
models:
  - name: alpha
    aliases: [al]
    mode: chat
    port: %s
    variants:
      - name: full
        required_devices: [gpu0]
        memory_mb: {gpu0: 1000}
        launch_script: /opt/scripts/alpha.sh
`, u.Port())

	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogue), 0644))

	reg := ifaces.NewRegistry()
	cfg, err := config.Load(path, fakeSet{"gpu0": true}, reg)
	require.NoError(t, err)

	fleet := &fakeFleet{}
	rec := &fakeRecorder{}
	p := New(cfg, fleet, reg, rec, nil, slog.Default())

	r := gin.New()
	r.NoRoute(p.Handle)
	gateway := httptest.NewServer(r)
	t.Cleanup(gateway.Close)

	return &proxyEnv{gateway: gateway, fleet: fleet, rec: rec}
}

func (e *proxyEnv) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.gateway.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

// =============================================================================
// Tests
// =============================================================================

// TestForward_NonStreaming relays the body and records usage.
func TestForward_NonStreaming(t *testing.T) {
	var backendPath string
	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cmpl-1","usage":{"prompt_tokens":120,"completion_tokens":45},"timings":{"cache_n":80,"prompt_n":120}}`)
	})
	e := newProxyEnv(t, backend)

	resp := e.post(t, "/v1/chat/completions", `{"model":"al","messages":[]}`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "cmpl-1")
	assert.Equal(t, "/v1/chat/completions", backendPath)

	// Alias resolved to the canonical name before lifecycle calls.
	assert.Equal(t, []string{"alpha"}, e.fleet.ensured)
	assert.Equal(t, 1, e.fleet.begins)
	assert.Equal(t, 1, e.fleet.ends)

	rec := e.rec.last(t)
	assert.Equal(t, int64(120), rec.InTok)
	assert.Equal(t, int64(45), rec.OutTok)
	assert.Equal(t, int64(80), rec.CacheN)
	assert.Equal(t, int64(120), rec.PromptN)
	assert.Greater(t, rec.EndTS, 0.0)
	assert.GreaterOrEqual(t, rec.EndTS, rec.StartTS)
}

// TestForward_Streaming relays SSE frames and extracts usage from the
// final data frame, skipping the [DONE] sentinel.
func TestForward_Streaming(t *testing.T) {
	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n")
		f.Flush()
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		f.Flush()
		fmt.Fprint(w, "data: {\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":2},\"timings\":{\"cache_n\":4,\"prompt_n\":10}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		f.Flush()
	})
	e := newProxyEnv(t, backend)

	resp := e.post(t, "/v1/chat/completions", `{"model":"alpha","stream":true}`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hel")
	assert.Contains(t, string(data), "[DONE]")

	rec := e.rec.last(t)
	assert.Equal(t, int64(10), rec.InTok)
	assert.Equal(t, int64(2), rec.OutTok)
	assert.Equal(t, int64(4), rec.CacheN)
}

// TestHandle_UnknownModel maps to 404 with the error envelope.
func TestHandle_UnknownModel(t *testing.T) {
	e := newProxyEnv(t, http.NotFoundHandler())

	resp := e.post(t, "/v1/chat/completions", `{"model":"mystery"}`)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	data, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(data), `"success":false`)
	assert.Contains(t, string(data), "model_not_found")
}

// TestHandle_MissingModelField rejects bodies without a model.
func TestHandle_MissingModelField(t *testing.T) {
	e := newProxyEnv(t, http.NotFoundHandler())

	resp := e.post(t, "/v1/chat/completions", `{"messages":[]}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestHandle_ModeMismatch rejects a chat model on the embeddings path.
func TestHandle_ModeMismatch(t *testing.T) {
	e := newProxyEnv(t, http.NotFoundHandler())

	resp := e.post(t, "/v1/embeddings", `{"model":"alpha","input":["x"]}`)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	data, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(data), "mode_mismatch")
	assert.Empty(t, e.fleet.ensured, "mismatched request must not start the model")
}

// TestHandle_EnsureFailure propagates lifecycle errors as 503.
func TestHandle_EnsureFailure(t *testing.T) {
	e := newProxyEnv(t, http.NotFoundHandler())
	e.fleet.err = datatypes.NewError(datatypes.KindInsufficientMemory, "no room")

	resp := e.post(t, "/v1/chat/completions", `{"model":"alpha"}`)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	data, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(data), "insufficient_memory")
}

// TestHandle_NonV1Path falls through with 404.
func TestHandle_NonV1Path(t *testing.T) {
	e := newProxyEnv(t, http.NotFoundHandler())

	resp := e.post(t, "/v2/other", `{"model":"alpha"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestExtractUsage_Fallback fills prompt_n from prompt_tokens.
func TestExtractUsage_Fallback(t *testing.T) {
	u := extractUsage([]byte(`{"usage":{"prompt_tokens":50,"completion_tokens":7}}`))
	assert.Equal(t, int64(50), u.InTok)
	assert.Equal(t, int64(7), u.OutTok)
	assert.Equal(t, int64(50), u.PromptN)
	assert.Equal(t, int64(0), u.CacheN)

	// Malformed bodies read as zeros, never as an error.
	assert.Equal(t, datatypes.Usage{}, extractUsage([]byte("not json")))
}

// TestExtractStreamUsage scans backwards past [DONE] and delta frames.
func TestExtractStreamUsage(t *testing.T) {
	tail := []byte("data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n" +
		"data: {\"usage\":{\"prompt_tokens\":33,\"completion_tokens\":11}}\n\n" +
		"data: [DONE]\n\n")
	u := extractStreamUsage(tail)
	assert.Equal(t, int64(33), u.InTok)
	assert.Equal(t, int64(11), u.OutTok)

	assert.Equal(t, datatypes.Usage{}, extractStreamUsage([]byte("data: [DONE]\n\n")))
}

// TestTailBuffer keeps only the newest bytes.
func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(8)
	tb.Write([]byte("abcdef"))
	tb.Write([]byte("ghij"))
	assert.Equal(t, "cdefghij", string(tb.Bytes()))

	tb.Write([]byte("0123456789abcdef"))
	assert.Equal(t, "89abcdef", string(tb.Bytes()))
}

// chunkedBody yields one predefined slice per Read call.
type chunkedBody struct {
	chunks [][]byte
}

func (b *chunkedBody) Read(p []byte) (int, error) {
	if len(b.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.chunks[0])
	b.chunks = b.chunks[1:]
	return n, nil
}

func (b *chunkedBody) Close() error { return nil }

// droppingWriter accepts a fixed number of writes, then fails like a
// disconnected client.
type droppingWriter struct {
	header http.Header
	writes int
	accept int
}

func (w *droppingWriter) Header() http.Header { return w.header }
func (w *droppingWriter) WriteHeader(int)     {}
func (w *droppingWriter) Flush()              {}

func (w *droppingWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.writes > w.accept {
		return 0, fmt.Errorf("write tcp: broken pipe")
	}
	return len(p), nil
}

// TestRelayStream_DisconnectKeepsTailInStreamOrder drops the client
// mid-stream with the usage frame split across the failing chunk and
// the drained remainder; the tail must stay in stream order for the
// usage scan to parse the frame.
func TestRelayStream_DisconnectKeepsTailInStreamOrder(t *testing.T) {
	gin.SetMode(gin.TestMode)

	usageFrame := "data: {\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":2}}\n\n"
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body: &chunkedBody{chunks: [][]byte{
			[]byte("data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n"),
			[]byte(usageFrame[:20]),
			[]byte(usageFrame[20:] + "data: [DONE]\n\n"),
		}},
	}

	c, _ := gin.CreateTestContext(&droppingWriter{header: http.Header{}, accept: 1})
	p := New(nil, nil, nil, nil, nil, slog.Default())

	u := p.relayStream(c, resp)
	assert.Equal(t, int64(10), u.InTok)
	assert.Equal(t, int64(2), u.OutTok)
}
