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

// Package api is the HTTP surface of the gateway: health and status probes,
// the generate endpoint, and the Prometheus scrape handler. Handlers do
// request-shape validation only; everything behavioral lives in pipeline
// and ratelimit.
package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"imagegate/internal/gateway/config"
	"imagegate/internal/gateway/pipeline"
	"imagegate/internal/gateway/ratelimit"
)

// Request field bounds. Violations are reported as 422 before any work
// happens.
const (
	maxPromptLen         = 2000
	maxStyleNameLen      = 200
	maxNegativePromptLen = 1000
	maxModelLen          = 200

	defaultStyleName = "default-style"
)

// Server hosts the gateway's HTTP API.
type Server struct {
	cfg    *config.Config
	store  *ratelimit.Store
	gen    *pipeline.Generator
	log    zerolog.Logger
	router *mux.Router
}

// NewServer builds the server and its route table.
func NewServer(cfg *config.Config, store *ratelimit.Store, gen *pipeline.Generator, log zerolog.Logger) *Server {
	s := &Server{cfg: cfg, store: store, gen: gen, log: log}

	r := mux.NewRouter()
	r.Use(s.requestLogger)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/v1/rate-limit-status", s.handleRateLimitStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/generate-grid", s.handleGenerateGrid).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

// requestLogger tags each request with an id and logs it on completion.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	keys := s.cfg.APIKeys()
	firstKey := ""
	if len(keys) > 0 {
		firstKey = keys[0]
	}

	var projectID any
	if s.cfg.ProjectID != "" {
		projectID = s.cfg.ProjectID
	}

	limits := make(map[string]ratelimit.Limits, len(s.cfg.Limits))
	for bucket, l := range s.cfg.Limits {
		limits[string(bucket)] = l
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                         s.cfg.ProjectID != "" || firstKey != "",
		"project_id":                 projectID,
		"location":                   s.cfg.Location,
		"auth_mode":                  s.cfg.AuthMode,
		"effective_auth_mode":        s.cfg.EffectiveAuthMode(),
		"api_key_profile":            s.cfg.KeyProfile,
		"api_key_backend":            s.cfg.KeyBackend,
		"effective_api_backend":      s.cfg.EffectiveKeyBackend(),
		"api_key_pool_size":          len(keys),
		"api_key_configured":         firstKey != "",
		"model":                      s.cfg.Model,
		"model_premium":              s.cfg.ModelPremium,
		"model_fallbacks":            s.cfg.ModelFallbacks,
		"candidate_models":           s.cfg.CandidateModels(""),
		"response_modalities":        s.cfg.ResponseModalities,
		"image_size":                 s.cfg.ImageSize,
		"http_timeout_ms":            int(s.cfg.HTTPTimeout / time.Millisecond),
		"rate_limit_enabled":         s.cfg.RateLimitEnabled,
		"rate_limit_runtime_enabled": s.cfg.RateLimitRuntimeEnabled(keys),
		"rate_limit_state_path":      s.cfg.StatePath,
		"rate_limit_defaults":        limits,
		"rate_limit_poll_ms":         s.cfg.PollMS,
	})
}

// rateLimitStatusResponse is the payload the UI polls for quota display.
type rateLimitStatusResponse struct {
	Enabled     bool                              `json:"enabled"`
	KeyPoolSize int                               `json:"key_pool_size"`
	UpdatedAt   string                            `json:"updated_at"`
	PollMS      int                               `json:"poll_ms"`
	Models      map[string]ratelimit.BucketStatus `json:"models"`
}

func (s *Server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	keys := s.cfg.APIKeys()
	enabled := s.cfg.RateLimitRuntimeEnabled(keys)
	snapshot := s.store.Snapshot(keys, s.cfg.Limits, enabled)

	models := make(map[string]ratelimit.BucketStatus, len(snapshot.Models))
	for bucket, status := range snapshot.Models {
		models[string(bucket)] = status
	}
	writeJSON(w, http.StatusOK, rateLimitStatusResponse{
		Enabled:     enabled,
		KeyPoolSize: len(keys),
		UpdatedAt:   snapshot.UpdatedAt,
		PollMS:      s.cfg.PollMS,
		Models:      models,
	})
}

type generateGridRequest struct {
	Prompt         string `json:"prompt"`
	StyleName      string `json:"style_name"`
	GridPNGBase64  string `json:"grid_png_base64"`
	NegativePrompt string `json:"negative_prompt"`
	Model          string `json:"model"`
}

type generateGridResponse struct {
	ImageBase64 string `json:"image_base64"`
	MIMEType    string `json:"mime_type"`
	Model       string `json:"model"`
	LatencyMS   int    `json:"latency_ms"`
}

func (s *Server) handleGenerateGrid(w http.ResponseWriter, r *http.Request) {
	var payload generateGridRequest
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&payload); err != nil {
		writeError(w, &pipeline.RequestError{Status: 422, Message: "request body must be valid JSON"})
		return
	}

	if reqErr := validateGenerateGrid(&payload); reqErr != nil {
		writeError(w, reqErr)
		return
	}

	result, reqErr := s.gen.Generate(r.Context(), pipeline.Input{
		Prompt:         payload.Prompt,
		StyleName:      payload.StyleName,
		GridPNGBase64:  payload.GridPNGBase64,
		NegativePrompt: payload.NegativePrompt,
		Model:          payload.Model,
	})
	if reqErr != nil {
		writeError(w, reqErr)
		return
	}

	writeJSON(w, http.StatusOK, generateGridResponse{
		ImageBase64: base64.StdEncoding.EncodeToString(result.Image),
		MIMEType:    result.MIMEType,
		Model:       result.Model,
		LatencyMS:   result.LatencyMS,
	})
}

// validateGenerateGrid enforces field presence and bounds, applying the
// style default in place.
func validateGenerateGrid(p *generateGridRequest) *pipeline.RequestError {
	p.Prompt = strings.TrimSpace(p.Prompt)
	if p.Prompt == "" {
		return &pipeline.RequestError{Status: 422, Message: "prompt is required"}
	}
	if len(p.Prompt) > maxPromptLen {
		return &pipeline.RequestError{Status: 422, Message: "prompt exceeds 2000 characters"}
	}

	p.StyleName = strings.TrimSpace(p.StyleName)
	if p.StyleName == "" {
		p.StyleName = defaultStyleName
	}
	if len(p.StyleName) > maxStyleNameLen {
		return &pipeline.RequestError{Status: 422, Message: "style_name exceeds 200 characters"}
	}

	if strings.TrimSpace(p.GridPNGBase64) == "" {
		return &pipeline.RequestError{Status: 422, Message: "grid_png_base64 is required"}
	}

	if len(p.NegativePrompt) > maxNegativePromptLen {
		return &pipeline.RequestError{Status: 422, Message: "negative_prompt exceeds 1000 characters"}
	}

	p.Model = strings.TrimSpace(p.Model)
	if len(p.Model) > maxModelLen {
		return &pipeline.RequestError{Status: 422, Message: "model exceeds 200 characters"}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError emits the standard error envelope, with a Retry-After header
// when the failure carries a wait hint.
func writeError(w http.ResponseWriter, reqErr *pipeline.RequestError) {
	if reqErr.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(reqErr.RetryAfterSeconds))
	}
	writeJSON(w, reqErr.Status, map[string]string{"detail": reqErr.Message})
}
