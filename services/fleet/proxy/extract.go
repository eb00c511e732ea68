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
	"bytes"
	"encoding/json"
	"strings"

	"github.com/AleutianAI/AleutianFleet/services/fleet/datatypes"
)

// tailCapacity bounds the stream tail kept for usage extraction. The
// final SSE frame carrying usage is tiny; 64 KiB is ample headroom.
const tailCapacity = 64 * 1024

// =============================================================================
// Tail Buffer
// =============================================================================

// tailBuffer keeps only the last capacity bytes written to it.
type tailBuffer struct {
	cap  int
	data []byte
}

func newTailBuffer(capacity int) *tailBuffer {
	return &tailBuffer{cap: capacity}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= t.cap {
		t.data = append(t.data[:0], p[n-t.cap:]...)
		return n, nil
	}
	t.data = append(t.data, p...)
	if over := len(t.data) - t.cap; over > 0 {
		t.data = t.data[over:]
	}
	return n, nil
}

func (t *tailBuffer) Bytes() []byte {
	return t.data
}

// =============================================================================
// Usage Extraction
// =============================================================================

// usagePayload is the subset of a backend response the proxy reads.
//
// The usage object is the OpenAI shape; timings is the llama.cpp
// extension carrying prompt cache counters.
type usagePayload struct {
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Timings struct {
		CacheN  int64 `json:"cache_n"`
		PromptN int64 `json:"prompt_n"`
	} `json:"timings"`
}

// extractUsage reads token usage from a JSON response body.
//
// Best-effort: a malformed body or missing fields read as zeros.
// PromptN falls back to the prompt token count when the backend
// reports no timings.
func extractUsage(body []byte) datatypes.Usage {
	var p usagePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return datatypes.Usage{}
	}
	u := datatypes.Usage{
		InTok:   p.Usage.PromptTokens,
		OutTok:  p.Usage.CompletionTokens,
		CacheN:  p.Timings.CacheN,
		PromptN: p.Timings.PromptN,
	}
	if u.PromptN == 0 {
		u.PromptN = u.InTok
	}
	return u
}

// extractStreamUsage reads usage from the tail of an SSE stream.
//
// Scans the data frames backwards, skipping the [DONE] sentinel, and
// takes the first frame that parses and carries usage. Zeros when no
// frame qualifies.
func extractStreamUsage(tail []byte) datatypes.Usage {
	lines := bytes.Split(tail, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(string(lines[i]))
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		u := extractUsage([]byte(payload))
		if u.InTok != 0 || u.OutTok != 0 {
			return u
		}
	}
	return datatypes.Usage{}
}
