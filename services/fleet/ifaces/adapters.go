// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ifaces

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianFleet/services/fleet/datatypes"
)

// =============================================================================
// Built-in Mode Adapters
// =============================================================================

func init() {
	Register(&chatAdapter{})
	Register(&baseAdapter{})
	Register(&embeddingAdapter{})
	Register(&rerankerAdapter{})
}

// localClient builds an OpenAI client pointed at a local backend.
//
// Local backends require no API key; a placeholder token keeps the
// client library happy.
func localClient(port int) *openai.Client {
	cfg := openai.DefaultConfig("local")
	cfg.BaseURL = fmt.Sprintf("http://127.0.0.1:%d/v1", port)
	return openai.NewClientWithConfig(cfg)
}

// liveness checks that the backend's HTTP surface answers at all.
//
// Every OpenAI-compatible server exposes the models listing, so it
// doubles as the socket-accept probe.
func liveness(ctx context.Context, port int) error {
	if _, err := localClient(port).ListModels(ctx); err != nil {
		return fmt.Errorf("liveness probe: %w", err)
	}
	return nil
}

func modeMismatch(mode datatypes.Mode, path, model string) error {
	return datatypes.NewError(datatypes.KindModeMismatch,
		"model %q has mode %q which does not serve %s", model, mode, path)
}

// -----------------------------------------------------------------------------
// Chat
// -----------------------------------------------------------------------------

// chatAdapter serves v1/chat/completions backends.
type chatAdapter struct{}

func (a *chatAdapter) Mode() datatypes.Mode { return datatypes.ModeChat }

func (a *chatAdapter) Endpoints() []string {
	return []string{"v1/chat/completions"}
}

func (a *chatAdapter) Validate(path, model string) error {
	if !matchPath(path, a.Endpoints()) {
		return modeMismatch(a.Mode(), path, model)
	}
	return nil
}

// Health probes liveness, then a single-token chat completion.
func (a *chatAdapter) Health(ctx context.Context, port int, model string) error {
	if err := liveness(ctx, port); err != nil {
		return err
	}
	_, err := localClient(port).CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     model,
		MaxTokens: 1,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "ping"},
		},
	})
	if err != nil {
		return fmt.Errorf("chat probe: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Base (raw completion)
// -----------------------------------------------------------------------------

// baseAdapter serves v1/completions backends.
type baseAdapter struct{}

func (a *baseAdapter) Mode() datatypes.Mode { return datatypes.ModeBase }

func (a *baseAdapter) Endpoints() []string {
	return []string{"v1/completions"}
}

func (a *baseAdapter) Validate(path, model string) error {
	if !matchPath(path, a.Endpoints()) {
		return modeMismatch(a.Mode(), path, model)
	}
	return nil
}

// Health probes liveness, then a single-token completion.
func (a *baseAdapter) Health(ctx context.Context, port int, model string) error {
	if err := liveness(ctx, port); err != nil {
		return err
	}
	_, err := localClient(port).CreateCompletion(ctx, openai.CompletionRequest{
		Model:     model,
		Prompt:    "ping",
		MaxTokens: 1,
	})
	if err != nil {
		return fmt.Errorf("completion probe: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Embedding
// -----------------------------------------------------------------------------

// embeddingAdapter serves v1/embeddings backends.
type embeddingAdapter struct{}

func (a *embeddingAdapter) Mode() datatypes.Mode { return datatypes.ModeEmbedding }

func (a *embeddingAdapter) Endpoints() []string {
	return []string{"v1/embeddings"}
}

func (a *embeddingAdapter) Validate(path, model string) error {
	if !matchPath(path, a.Endpoints()) {
		return modeMismatch(a.Mode(), path, model)
	}
	return nil
}

// Health probes liveness, then a one-input embedding request.
func (a *embeddingAdapter) Health(ctx context.Context, port int, model string) error {
	if err := liveness(ctx, port); err != nil {
		return err
	}
	_, err := localClient(port).CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(model),
		Input: []string{"ping"},
	})
	if err != nil {
		return fmt.Errorf("embedding probe: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Reranker
// -----------------------------------------------------------------------------

// rerankerAdapter serves v1/rerank backends.
//
// The rerank endpoint is not part of the OpenAI client library, so
// the functionality probe issues a raw HTTP request.
type rerankerAdapter struct{}

func (a *rerankerAdapter) Mode() datatypes.Mode { return datatypes.ModeReranker }

func (a *rerankerAdapter) Endpoints() []string {
	return []string{"v1/rerank"}
}

func (a *rerankerAdapter) Validate(path, model string) error {
	if !matchPath(path, a.Endpoints()) {
		return modeMismatch(a.Mode(), path, model)
	}
	return nil
}

// Health probes liveness, then a minimal rerank request.
func (a *rerankerAdapter) Health(ctx context.Context, port int, model string) error {
	if err := liveness(ctx, port); err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]any{
		"model":     model,
		"query":     "ping",
		"documents": []string{"ping"},
	})
	if err != nil {
		return fmt.Errorf("rerank probe: %w", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/v1/rerank", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("rerank probe: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("rerank probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("rerank probe: backend returned %d", resp.StatusCode)
	}
	return nil
}
