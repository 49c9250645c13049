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

package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"imagegate/internal/gateway/config"
	"imagegate/internal/gateway/pipeline"
	"imagegate/internal/gateway/ratelimit"
	"imagegate/internal/gateway/upstream"
)

// fakeUpstream satisfies pipeline.ClientSource with a single canned caller.
type fakeUpstream struct {
	respond func(req upstream.GenerateRequest) (*upstream.Response, error)
}

func (f *fakeUpstream) GenerateContent(_ context.Context, req upstream.GenerateRequest) (*upstream.Response, error) {
	return f.respond(req)
}

func (f *fakeUpstream) APIKeyClient(string, upstream.Flavor) pipeline.Caller { return f }
func (f *fakeUpstream) ProjectClient(string, string) pipeline.Caller         { return f }

func okUpstream() *fakeUpstream {
	return &fakeUpstream{respond: func(upstream.GenerateRequest) (*upstream.Response, error) {
		return &upstream.Response{
			Candidates: []upstream.Candidate{{
				FinishReason: "STOP",
				Content: &upstream.Content{
					Parts: []upstream.Part{{
						InlineData: &upstream.Blob{
							MIMEType: "image/png",
							Data:     base64.StdEncoding.EncodeToString([]byte("fake-image")),
						},
					}},
				},
			}},
		}, nil
	}}
}

func projectConfig() *config.Config {
	return &config.Config{
		HTTPAddr:           ":0",
		AuthMode:           "project",
		ProjectID:          "proj-1",
		Location:           "us-central1",
		KeyProfile:         "developer",
		KeyBackend:         "auto",
		Model:              "standard-model",
		ModelPremium:       "premium-model",
		RetryAfterSeconds:  30,
		MaxOutputTokens:    4096,
		ResponseModalities: []string{"IMAGE"},
		ImageSize:          "1K",
		AspectRatio:        "1:1",
		OutputMIMEType:     "image/png",
		RateLimitEnabled:   true,
		PollMS:             5000,
		StatePath:          "/tmp/state.json",
		Limits:             ratelimit.DefaultLimits,
	}
}

// newTestServer wires a full server with a fake upstream. keys overrides the
// scheduler pool; limits applies to every bucket when active limiting is on.
func newTestServer(t *testing.T, cfg *config.Config, source pipeline.ClientSource, keys []string, limits ratelimit.Limits) *Server {
	t.Helper()
	backing := ratelimit.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	store := ratelimit.NewStore(context.Background(), backing, cfg.RetryAfterSeconds, zerolog.Nop())
	sched := ratelimit.NewScheduler(store,
		func() []string { return keys },
		cfg.RateLimitRuntimeEnabled,
		func(ratelimit.Bucket) ratelimit.Limits { return limits },
	)
	gen := pipeline.NewGenerator(cfg, sched, source, zerolog.Nop())
	return NewServer(cfg, store, gen, zerolog.Nop())
}

func generateBody(t *testing.T, overrides map[string]any) *bytes.Reader {
	t.Helper()
	body := map[string]any{
		"prompt":          "a mossy stone wall",
		"grid_png_base64": base64.StdEncoding.EncodeToString([]byte("png-bytes")),
	}
	for k, v := range overrides {
		body[k] = v
	}
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return bytes.NewReader(data)
}

func doRequest(t *testing.T, server *Server, method, path string, body *bytes.Reader) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, body)
	}
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)
	return recorder
}

func TestHealthz(t *testing.T) {
	server := newTestServer(t, projectConfig(), okUpstream(), nil, ratelimit.Limits{})
	rec := doRequest(t, server, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if ok, _ := payload["ok"].(bool); !ok {
		t.Error("ok = false, want true with a project configured")
	}
	if payload["effective_auth_mode"] != "project" {
		t.Errorf("effective_auth_mode = %v, want project", payload["effective_auth_mode"])
	}
	if payload["model"] != "standard-model" || payload["model_premium"] != "premium-model" {
		t.Errorf("models = %v / %v", payload["model"], payload["model_premium"])
	}
	for _, field := range []string{
		"api_key_pool_size", "api_key_profile", "candidate_models",
		"rate_limit_enabled", "rate_limit_runtime_enabled", "rate_limit_defaults", "rate_limit_poll_ms",
	} {
		if _, ok := payload[field]; !ok {
			t.Errorf("payload missing field %q", field)
		}
	}
}

func TestRateLimitStatus(t *testing.T) {
	server := newTestServer(t, projectConfig(), okUpstream(), nil, ratelimit.Limits{})
	rec := doRequest(t, server, http.MethodGet, "/v1/rate-limit-status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var payload rateLimitStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Enabled {
		t.Error("enabled = true, want false under project auth")
	}
	if payload.KeyPoolSize != 0 {
		t.Errorf("key_pool_size = %d, want 0", payload.KeyPoolSize)
	}
	if payload.PollMS != 5000 {
		t.Errorf("poll_ms = %d, want 5000", payload.PollMS)
	}
	if payload.UpdatedAt == "" {
		t.Error("updated_at is empty")
	}
	standard, ok := payload.Models["standard"]
	if !ok {
		t.Fatalf("models = %v, want a standard entry", payload.Models)
	}
	if standard.Label != "Standard" {
		t.Errorf("standard label = %q, want Standard", standard.Label)
	}
	if _, ok := payload.Models["premium"]; !ok {
		t.Error("models missing premium entry")
	}
}

func TestGenerateGrid(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		server := newTestServer(t, projectConfig(), okUpstream(), nil, ratelimit.Limits{})
		rec := doRequest(t, server, http.MethodPost, "/v1/generate-grid", generateBody(t, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
		}

		var payload generateGridResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		image, err := base64.StdEncoding.DecodeString(payload.ImageBase64)
		if err != nil {
			t.Fatalf("image_base64 not valid base64: %v", err)
		}
		if string(image) != "fake-image" {
			t.Errorf("image = %q", image)
		}
		if payload.MIMEType != "image/png" || payload.Model != "standard-model" {
			t.Errorf("payload = %+v", payload)
		}
		if payload.LatencyMS < 0 {
			t.Errorf("latency_ms = %d, want >= 0", payload.LatencyMS)
		}
	})

	t.Run("Validation", func(t *testing.T) {
		server := newTestServer(t, projectConfig(), okUpstream(), nil, ratelimit.Limits{})
		testCases := []struct {
			name      string
			overrides map[string]any
			fragment  string
		}{
			{"MissingPrompt", map[string]any{"prompt": "  "}, "prompt is required"},
			{"PromptTooLong", map[string]any{"prompt": strings.Repeat("x", 2001)}, "2000"},
			{"MissingGrid", map[string]any{"grid_png_base64": ""}, "grid_png_base64 is required"},
			{"BadBase64", map[string]any{"grid_png_base64": "!!not-base64!!"}, "valid base64"},
			{"NegativePromptTooLong", map[string]any{"negative_prompt": strings.Repeat("x", 1001)}, "1000"},
			{"ModelTooLong", map[string]any{"model": strings.Repeat("m", 201)}, "200"},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				rec := doRequest(t, server, http.MethodPost, "/v1/generate-grid", generateBody(t, tc.overrides))
				if rec.Code != 422 {
					t.Fatalf("status = %d, body = %s, want 422", rec.Code, rec.Body.String())
				}
				if !strings.Contains(rec.Body.String(), tc.fragment) {
					t.Errorf("body = %s, want %q mentioned", rec.Body.String(), tc.fragment)
				}
			})
		}
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		server := newTestServer(t, projectConfig(), okUpstream(), nil, ratelimit.Limits{})
		rec := doRequest(t, server, http.MethodPost, "/v1/generate-grid", bytes.NewReader([]byte("{nope")))
		if rec.Code != 422 {
			t.Fatalf("status = %d, want 422", rec.Code)
		}
	})

	t.Run("APIKeyModeWithoutPoolIs500", func(t *testing.T) {
		cfg := projectConfig()
		cfg.AuthMode = "api_key"
		cfg.ProjectID = ""
		server := newTestServer(t, cfg, okUpstream(), nil, ratelimit.Limits{})
		rec := doRequest(t, server, http.MethodPost, "/v1/generate-grid", generateBody(t, nil))
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", rec.Code)
		}
	})

	t.Run("RateLimitedIs429WithRetryAfter", func(t *testing.T) {
		cfg := projectConfig()
		cfg.AuthMode = "api_key"
		cfg.ProjectID = ""
		server := newTestServer(t, cfg, okUpstream(), []string{"AIza-a"}, ratelimit.Limits{RPM: 1, RPD: 10})

		if rec := doRequest(t, server, http.MethodPost, "/v1/generate-grid", generateBody(t, nil)); rec.Code != http.StatusOK {
			t.Fatalf("first request status = %d, body = %s", rec.Code, rec.Body.String())
		}
		rec := doRequest(t, server, http.MethodPost, "/v1/generate-grid", generateBody(t, nil))
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("second request status = %d, want 429", rec.Code)
		}
		if rec.Header().Get("Retry-After") == "" {
			t.Error("429 response missing Retry-After header")
		}
		if !strings.Contains(rec.Body.String(), "Standard rate limit reached") {
			t.Errorf("body = %s, want bucket label in message", rec.Body.String())
		}
	})

	t.Run("MethodNotAllowed", func(t *testing.T) {
		server := newTestServer(t, projectConfig(), okUpstream(), nil, ratelimit.Limits{})
		rec := doRequest(t, server, http.MethodGet, "/v1/generate-grid", nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", rec.Code)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	server := newTestServer(t, projectConfig(), okUpstream(), nil, ratelimit.Limits{})
	rec := doRequest(t, server, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "imagegate_") {
		t.Error("metrics output missing gateway series")
	}
}
