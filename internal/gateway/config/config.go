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

// Package config loads and validates the gateway configuration from the
// environment. The Config record is immutable after Load and is passed
// explicitly into components; no component reads the environment directly.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"imagegate/internal/gateway/keypool"
	"imagegate/internal/gateway/ratelimit"
)

// Defaults applied when the environment leaves a knob unset or invalid.
const (
	DefaultHTTPAddr          = ":8081"
	DefaultLocation          = "us-central1"
	DefaultModel             = "gemini-2.5-flash-image"
	DefaultModelPremium      = "gemini-3-pro-image-preview"
	DefaultHTTPTimeoutMS     = 105_000
	DefaultRetryAfterSeconds = 30
	DefaultMaxOutputTokens   = 4096
	DefaultImageSize         = "1K"
	DefaultAspectRatio       = "1:1"
	DefaultOutputMIMEType    = "image/png"
	DefaultAuthMode          = "auto"
	DefaultKeyProfile        = "developer"
	DefaultKeyBackend        = "auto"
	DefaultPollMS            = 5_000
	DefaultStatePath         = ".temp/rate-limit-state.json"
	DefaultStateBackend      = "file"
	DefaultRedisAddr         = "127.0.0.1:6379"
	DefaultRedisKey          = "imagegate:rate-limit-state"
)

// Config is the immutable runtime configuration.
type Config struct {
	HTTPAddr string
	LogLevel string

	// Upstream credentials and auth resolution.
	ProjectID  string
	Location   string
	AuthMode   string // auto | project | api_key
	KeyProfile string // developer | aistudio
	KeyBackend string // auto | project | developer

	// Raw pool strings, parsed on every APIKeys call so the pool order and
	// dedup semantics match a fresh read.
	rawProfileKeys string
	rawGenericKeys string

	// Models.
	Model          string
	ModelPremium   string
	ModelFallbacks []string

	// Generation knobs.
	HTTPTimeout        time.Duration
	RetryAfterSeconds  int
	MaxOutputTokens    int
	ResponseModalities []string
	ImageSize          string
	AspectRatio        string
	OutputMIMEType     string

	// Rate limiting.
	RateLimitEnabled bool
	PollMS           int
	StatePath        string
	Limits           map[ratelimit.Bucket]ratelimit.Limits
	StateBackend     string // file | redis
	RedisAddr        string
	RedisKey         string
}

// Load reads the environment once and returns the resolved configuration.
// Malformed values fall back to defaults with a logged warning; Load never
// fails.
func Load(log zerolog.Logger) *Config {
	cfg := &Config{
		HTTPAddr:   envOr("HTTP_ADDR", DefaultHTTPAddr),
		LogLevel:   envOr("LOG_LEVEL", "info"),
		ProjectID:  strings.TrimSpace(os.Getenv("UPSTREAM_PROJECT_ID")),
		Location:   envOr("UPSTREAM_LOCATION", DefaultLocation),
		AuthMode:   enumOr(os.Getenv("UPSTREAM_AUTH_MODE"), DefaultAuthMode, "auto", "project", "api_key"),
		KeyProfile: enumOr(os.Getenv("UPSTREAM_KEY_PROFILE"), DefaultKeyProfile, "developer", "aistudio"),
		KeyBackend: enumOr(os.Getenv("UPSTREAM_KEY_BACKEND"), DefaultKeyBackend, "auto", "project", "developer"),

		rawGenericKeys: strings.TrimSpace(os.Getenv("UPSTREAM_API_KEYS")),

		Model:          strings.TrimSpace(envOr("UPSTREAM_MODEL", DefaultModel)),
		ModelPremium:   strings.TrimSpace(envOr("UPSTREAM_MODEL_PREMIUM", DefaultModelPremium)),
		ModelFallbacks: splitModels(os.Getenv("UPSTREAM_MODEL_FALLBACKS")),

		HTTPTimeout:        time.Duration(positiveIntOr(os.Getenv("UPSTREAM_HTTP_TIMEOUT_MS"), DefaultHTTPTimeoutMS)) * time.Millisecond,
		RetryAfterSeconds:  positiveIntOr(os.Getenv("UPSTREAM_RETRY_AFTER_SECONDS"), DefaultRetryAfterSeconds),
		MaxOutputTokens:    positiveIntOr(os.Getenv("UPSTREAM_MAX_OUTPUT_TOKENS"), DefaultMaxOutputTokens),
		ResponseModalities: parseModalities(os.Getenv("UPSTREAM_RESPONSE_MODALITIES")),
		ImageSize:          enumOrUpper(os.Getenv("UPSTREAM_IMAGE_SIZE"), DefaultImageSize, "1K", "2K", "4K"),
		AspectRatio:        envOr("UPSTREAM_ASPECT_RATIO", DefaultAspectRatio),
		OutputMIMEType:     enumOr(os.Getenv("UPSTREAM_OUTPUT_MIME_TYPE"), DefaultOutputMIMEType, "image/png", "image/jpeg"),

		RateLimitEnabled: parseBool(os.Getenv("RATE_LIMIT_ENABLED"), true),
		PollMS:           parsePollMS(os.Getenv("RATE_LIMIT_POLL_MS")),
		StatePath:        resolveStatePath(os.Getenv("RATE_LIMIT_STATE_PATH")),
		Limits:           parseLimits(os.Getenv("RATE_LIMIT_DEFAULTS_JSON"), log),
		StateBackend:     enumOr(os.Getenv("RATE_LIMIT_BACKEND"), DefaultStateBackend, "file", "redis"),
		RedisAddr:        envOr("RATE_LIMIT_REDIS_ADDR", DefaultRedisAddr),
		RedisKey:         envOr("RATE_LIMIT_REDIS_KEY", DefaultRedisKey),
	}

	switch cfg.KeyProfile {
	case "developer":
		cfg.rawProfileKeys = strings.TrimSpace(os.Getenv("UPSTREAM_API_KEYS_DEVELOPER"))
	case "aistudio":
		cfg.rawProfileKeys = strings.TrimSpace(os.Getenv("UPSTREAM_API_KEYS_AISTUDIO"))
	}
	return cfg
}

// APIKeys parses the configured pool: the profile-specific pool first, then
// any generic fallback pool, deduplicated in first-seen order.
func (c *Config) APIKeys() []string {
	return keypool.Merge(keypool.ParseList(c.rawProfileKeys), keypool.ParseList(c.rawGenericKeys))
}

// FirstAPIKey returns the head of the pool, or "".
func (c *Config) FirstAPIKey() string {
	keys := c.APIKeys()
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

// EffectiveAuthMode resolves "auto": project auth when a project id is
// configured, api_key when the pool is non-empty, otherwise none.
func (c *Config) EffectiveAuthMode() string {
	if c.AuthMode != "auto" {
		return c.AuthMode
	}
	if c.ProjectID != "" {
		return "project"
	}
	if c.FirstAPIKey() != "" {
		return "api_key"
	}
	return "none"
}

// ResolveKeyBackend picks the upstream flavor for one API key. Keys with the
// well-known developer-API prefix use the developer flavor unless the
// backend is pinned.
func (c *Config) ResolveKeyBackend(apiKey string) string {
	if c.KeyBackend == "project" || c.KeyBackend == "developer" {
		return c.KeyBackend
	}
	if strings.HasPrefix(apiKey, "AIza") {
		return "developer"
	}
	return "project"
}

// EffectiveKeyBackend resolves the flavor for the head of the pool, used for
// diagnostics. Outside api_key auth the project flavor applies.
func (c *Config) EffectiveKeyBackend() string {
	if c.EffectiveAuthMode() != "api_key" {
		return "project"
	}
	apiKey := c.FirstAPIKey()
	if apiKey == "" {
		return "project"
	}
	return c.ResolveKeyBackend(apiKey)
}

// RateLimitRuntimeEnabled reports whether the ledger participates in key
// scheduling: the toggle is on, effective auth is api_key, the profile is
// developer, and the pool is non-empty. Otherwise the scheduler degrades to
// pure round-robin.
func (c *Config) RateLimitRuntimeEnabled(keys []string) bool {
	if !c.RateLimitEnabled {
		return false
	}
	if c.EffectiveAuthMode() != "api_key" {
		return false
	}
	if c.KeyProfile != "developer" {
		return false
	}
	return len(keys) > 0
}

// CandidateModels composes the ordered candidate list for one request:
// preferred first, then the configured standard model, then fallbacks,
// deduplicated in first-seen order.
func (c *Config) CandidateModels(preferred string) []string {
	var ordered []string
	seen := make(map[string]struct{})
	for _, model := range append([]string{strings.TrimSpace(preferred), c.Model}, c.ModelFallbacks...) {
		if model == "" {
			continue
		}
		if _, ok := seen[model]; ok {
			continue
		}
		seen[model] = struct{}{}
		ordered = append(ordered, model)
	}
	return ordered
}

// BucketLimits returns the configured limits for bucket, falling back to
// built-ins for unknown buckets.
func (c *Config) BucketLimits(bucket ratelimit.Bucket) ratelimit.Limits {
	if limits, ok := c.Limits[bucket]; ok {
		return limits
	}
	return ratelimit.DefaultLimits[ratelimit.BucketStandard]
}

func envOr(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func enumOr(raw, fallback string, allowed ...string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	for _, candidate := range allowed {
		if value == candidate {
			return value
		}
	}
	return fallback
}

func enumOrUpper(raw, fallback string, allowed ...string) string {
	value := strings.ToUpper(strings.TrimSpace(raw))
	for _, candidate := range allowed {
		if value == candidate {
			return value
		}
	}
	return fallback
}

// parseBool treats empty/unset as the default; "0", "false", "no", and
// "off" (any case) disable, everything else enables.
func parseBool(raw string, fallback bool) bool {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return fallback
	}
	switch normalized {
	case "0", "false", "no", "off":
		return false
	}
	return true
}

func positiveIntOr(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

// parsePollMS enforces the 500 ms floor; anything lower (or unparseable)
// falls back to the default.
func parsePollMS(raw string) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value < 500 {
		return DefaultPollMS
	}
	return value
}

func resolveStatePath(raw string) string {
	path := strings.TrimSpace(raw)
	if path == "" {
		path = DefaultStatePath
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}

func splitModels(raw string) []string {
	var ordered []string
	seen := make(map[string]struct{})
	for _, token := range strings.Split(raw, ",") {
		model := strings.TrimSpace(token)
		if model == "" {
			continue
		}
		if _, ok := seen[model]; ok {
			continue
		}
		seen[model] = struct{}{}
		ordered = append(ordered, model)
	}
	return ordered
}

func parseModalities(raw string) []string {
	var ordered []string
	seen := make(map[string]struct{})
	for _, token := range strings.Split(raw, ",") {
		modality := strings.ToUpper(strings.TrimSpace(token))
		if modality == "" {
			continue
		}
		if _, ok := seen[modality]; ok {
			continue
		}
		seen[modality] = struct{}{}
		ordered = append(ordered, modality)
	}
	if len(ordered) == 0 {
		return []string{"IMAGE"}
	}
	return ordered
}

// parseLimits merges the JSON override onto the built-in limits. A
// malformed document or field is logged and the built-in value kept.
func parseLimits(raw string, log zerolog.Logger) map[ratelimit.Bucket]ratelimit.Limits {
	out := make(map[ratelimit.Bucket]ratelimit.Limits, len(ratelimit.Buckets))
	for _, bucket := range ratelimit.Buckets {
		out[bucket] = ratelimit.DefaultLimits[bucket]
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out
	}

	var parsed map[string]map[string]json.Number
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		log.Warn().Err(err).Msg("invalid RATE_LIMIT_DEFAULTS_JSON; using built-in limits")
		return out
	}
	for _, bucket := range ratelimit.Buckets {
		source, ok := parsed[string(bucket)]
		if !ok {
			continue
		}
		limits := out[bucket]
		limits.RPM = nonNegativeIntOr(source["rpm"], limits.RPM)
		limits.RPD = nonNegativeIntOr(source["rpd"], limits.RPD)
		out[bucket] = limits
	}
	return out
}

func nonNegativeIntOr(raw json.Number, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := raw.Int64()
	if err != nil || value < 0 {
		return fallback
	}
	return int(value)
}
