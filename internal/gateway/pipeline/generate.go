// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pipeline runs one generation request end to end: candidate model
// iteration, reservation lifecycle, the upstream call, error classification,
// and image extraction.
//
// Per request the flow is Admitting -> Reserved -> Calling and then one of
// Responded, Advanced (access failure, next candidate), or Refused. The
// reservation backing an allocation is finalized exactly once on every
// terminal path, so failed calls still count against quota.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"imagegate/internal/gateway/config"
	"imagegate/internal/gateway/metrics"
	"imagegate/internal/gateway/ratelimit"
	"imagegate/internal/gateway/upstream"
)

// promptInstruction is prepended to every composed prompt. Currently empty;
// kept as the single place operators would patch a standing instruction in.
const promptInstruction = ""

// blockedFinishReasons are candidate finish reasons treated as a safety
// block of the generation itself.
var blockedFinishReasons = map[string]struct{}{
	"SAFETY":             {},
	"PROHIBITED_CONTENT": {},
	"BLOCKLIST":          {},
}

// Caller is the upstream capability the pipeline invokes.
type Caller interface {
	GenerateContent(ctx context.Context, req upstream.GenerateRequest) (*upstream.Response, error)
}

// ClientSource yields upstream handles. *upstream.ClientCache satisfies it
// through NewCacheSource; tests substitute fakes.
type ClientSource interface {
	APIKeyClient(apiKey string, flavor upstream.Flavor) Caller
	ProjectClient(project, location string) Caller
}

type cacheSource struct{ cache *upstream.ClientCache }

// NewCacheSource adapts a ClientCache to the ClientSource interface.
func NewCacheSource(cache *upstream.ClientCache) ClientSource { return cacheSource{cache} }

func (s cacheSource) APIKeyClient(apiKey string, flavor upstream.Flavor) Caller {
	return s.cache.APIKeyClient(apiKey, flavor)
}

func (s cacheSource) ProjectClient(project, location string) Caller {
	return s.cache.ProjectClient(project, location)
}

// Input is one validated generation request.
type Input struct {
	Prompt         string
	StyleName      string
	GridPNGBase64  string
	NegativePrompt string
	Model          string
}

// Result is a completed generation.
type Result struct {
	Image     []byte
	MIMEType  string
	Model     string
	LatencyMS int
}

// Generator coordinates the scheduler, the client cache, and the upstream
// capability for generate requests.
type Generator struct {
	cfg     *config.Config
	sched   *ratelimit.Scheduler
	clients ClientSource
	log     zerolog.Logger
}

// NewGenerator wires a generator.
func NewGenerator(cfg *config.Config, sched *ratelimit.Scheduler, clients ClientSource, log zerolog.Logger) *Generator {
	return &Generator{cfg: cfg, sched: sched, clients: clients, log: log}
}

// ClassifyBucket maps a model id to its rate-limit bucket. The preferred
// (user-supplied) id is consulted only when the canonical id matches
// neither configured model.
func ClassifyBucket(model, preferred, standardID, premiumID string) ratelimit.Bucket {
	normalized := strings.TrimSpace(model)
	if normalized != "" && normalized == strings.TrimSpace(premiumID) {
		return ratelimit.BucketPremium
	}
	if normalized != "" && normalized == strings.TrimSpace(standardID) {
		return ratelimit.BucketStandard
	}
	if p := strings.TrimSpace(preferred); p != "" && p == strings.TrimSpace(premiumID) {
		return ratelimit.BucketPremium
	}
	return ratelimit.BucketStandard
}

// buildPrompt composes the upstream prompt deterministically.
func buildPrompt(prompt, styleName, negativePrompt string) string {
	text := fmt.Sprintf("%s\n\nStyle: %s\nAdditional context: %s", promptInstruction, styleName, prompt)
	if negativePrompt != "" {
		text += "\nNegative prompt: " + negativePrompt
	}
	return text
}

// Generate runs the candidate loop. Any returned error is a *RequestError.
func (g *Generator) Generate(ctx context.Context, in Input) (*Result, *RequestError) {
	grid, err := base64.StdEncoding.Strict().DecodeString(in.GridPNGBase64)
	if err != nil {
		return nil, &RequestError{Status: 422, Message: "grid_png_base64 must be valid base64"}
	}

	models := g.cfg.CandidateModels(in.Model)
	promptText := buildPrompt(in.Prompt, in.StyleName, in.NegativePrompt)
	var lastErr error

	for _, model := range models {
		bucket := ClassifyBucket(model, in.Model, g.cfg.Model, g.cfg.ModelPremium)

		caller, flavor, grant, reqErr := g.acquireClient(bucket)
		if reqErr != nil {
			return nil, reqErr
		}

		req := upstream.GenerateRequest{
			Model:     model,
			Prompt:    promptText,
			Image:     grid,
			ImageMIME: "image/png",
			Config: upstream.GenerationConfig{
				Temperature:        1,
				TopP:               0.95,
				MaxOutputTokens:    g.cfg.MaxOutputTokens,
				ResponseModalities: g.cfg.ResponseModalities,
				AspectRatio:        g.cfg.AspectRatio,
				ImageSize:          g.cfg.ImageSize,
				OutputMIMEType:     g.cfg.OutputMIMEType,
			},
		}

		start := time.Now()
		resp, err := caller.GenerateContent(ctx, req)
		// The reservation is consumed on every terminal path, so transient
		// failures still count toward quota.
		g.sched.Finalize(grant)

		if err != nil {
			lastErr = err
			if isRateLimitError(err) {
				g.log.Warn().Str("model", model).Err(err).Msg("upstream rate limit")
				metrics.UpstreamRequestsTotal.WithLabelValues("rate_limited").Inc()
				return nil, &RequestError{
					Status:            429,
					Message:           fmt.Sprintf("Model %q hit upstream rate limit. Please wait and retry.", model),
					RetryAfterSeconds: g.cfg.RetryAfterSeconds,
				}
			}
			if isAccessError(err) {
				g.log.Warn().Str("model", model).Err(err).Msg("model unavailable; trying next candidate")
				metrics.UpstreamRequestsTotal.WithLabelValues("access_denied").Inc()
				continue
			}
			g.log.Error().Str("model", model).Str("flavor", string(flavor)).Err(err).Msg("upstream generate call failed")
			metrics.UpstreamRequestsTotal.WithLabelValues("error").Inc()
			return nil, &RequestError{Status: 500, Message: fmt.Sprintf("upstream request failed: %v", err)}
		}

		image, mimeType, extractErr := g.extractImage(resp)
		if extractErr != nil {
			return nil, extractErr
		}

		latency := time.Since(start)
		metrics.UpstreamRequestsTotal.WithLabelValues("ok").Inc()
		metrics.GenerateLatencySeconds.Observe(latency.Seconds())
		if model != models[0] {
			g.log.Warn().Str("primary", models[0]).Str("fallback", model).Msg("primary model unavailable; fallback served the request")
		}
		return &Result{
			Image:     image,
			MIMEType:  mimeType,
			Model:     model,
			LatencyMS: int(latency.Milliseconds()),
		}, nil
	}

	return nil, &RequestError{
		Status:  500,
		Message: fmt.Sprintf("no usable image model found in candidates %v: %v", models, lastErr),
	}
}

// acquireClient resolves the upstream handle for one candidate attempt.
// In api_key auth this goes through the scheduler (and may be refused); in
// project auth it is the cached project handle with no reservation.
func (g *Generator) acquireClient(bucket ratelimit.Bucket) (Caller, upstream.Flavor, ratelimit.Grant, *RequestError) {
	authMode := g.cfg.EffectiveAuthMode()

	if authMode == "api_key" {
		grant, err := g.sched.Reserve(bucket)
		if err != nil {
			var limited *ratelimit.RateLimitedError
			if errors.As(err, &limited) {
				return nil, "", ratelimit.Grant{}, &RequestError{
					Status:            429,
					Message:           fmt.Sprintf("%s rate limit reached. Please wait and retry.", limited.Bucket.Label()),
					RetryAfterSeconds: limited.RetryAfterSeconds,
				}
			}
			return nil, "", ratelimit.Grant{}, &RequestError{Status: 500, Message: err.Error()}
		}
		if grant.Key == "" {
			return nil, "", ratelimit.Grant{}, &RequestError{
				Status:  500,
				Message: "api_key auth requires a configured key pool (UPSTREAM_API_KEYS or the profile-specific pool)",
			}
		}
		flavor := upstream.FlavorProject
		if g.cfg.ResolveKeyBackend(grant.Key) == "developer" {
			flavor = upstream.FlavorDeveloper
		}
		if grant.KeyCount > 1 {
			g.log.Info().Int("index", grant.KeyIndex+1).Int("of", grant.KeyCount).Str("profile", g.cfg.KeyProfile).Msg("using pooled API key")
		}
		return g.clients.APIKeyClient(grant.Key, flavor), flavor, grant, nil
	}

	if g.cfg.ProjectID == "" {
		if authMode == "project" {
			return nil, "", ratelimit.Grant{}, &RequestError{
				Status:  500,
				Message: "project auth requires UPSTREAM_PROJECT_ID",
			}
		}
		return nil, "", ratelimit.Grant{}, &RequestError{
			Status:  500,
			Message: "missing upstream credentials: set UPSTREAM_PROJECT_ID for project auth or UPSTREAM_API_KEYS for api_key auth",
		}
	}
	return g.clients.ProjectClient(g.cfg.ProjectID, g.cfg.Location), upstream.FlavorProject, ratelimit.Grant{}, nil
}

// extractImage walks the response candidates. Prompt- or candidate-level
// safety blocks map to 400; the first inline image part wins; a reply with
// no image at all is a 502, with any accompanying text logged for triage.
func (g *Generator) extractImage(resp *upstream.Response) ([]byte, string, *RequestError) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		metrics.UpstreamRequestsTotal.WithLabelValues("blocked").Inc()
		return nil, "", &RequestError{
			Status:  400,
			Message: fmt.Sprintf("prompt blocked by safety filter: %s", resp.PromptFeedback.BlockReason),
		}
	}

	var collected []string
	for _, candidate := range resp.Candidates {
		if _, blocked := blockedFinishReasons[candidate.FinishReason]; blocked {
			metrics.UpstreamRequestsTotal.WithLabelValues("blocked").Inc()
			return nil, "", &RequestError{
				Status:  400,
				Message: fmt.Sprintf("generation blocked: %s", candidate.FinishReason),
			}
		}
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				collected = append(collected, part.Text)
			}
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			image, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				continue
			}
			mimeType := part.InlineData.MIMEType
			if mimeType == "" {
				mimeType = "image/png"
			}
			return image, mimeType, nil
		}
	}

	if len(collected) > 0 {
		text := strings.Join(collected, "")
		if len(text) > 500 {
			text = text[:500]
		}
		g.log.Warn().Str("text", text).Msg("model returned text but no image output")
	}
	metrics.UpstreamRequestsTotal.WithLabelValues("no_image").Inc()
	return nil, "", &RequestError{Status: 502, Message: "model response completed without image data"}
}
