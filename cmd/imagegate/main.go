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

// Package main is the entry point for the imagegate gateway.
//
// The gateway fronts a multimodal image-generation provider: it validates
// incoming generate requests, schedules them across a pool of upstream API
// keys under per-key sliding-window quotas, calls the provider with model
// fallback, and serves health, quota-status, and Prometheus endpoints.
//
// This file wires the pieces together:
// 1. Load configuration from the environment (with .env support).
// 2. Open the rate-limit state backing (file or Redis) and the ledger store.
// 3. Build the key scheduler, the upstream client cache, and the pipeline.
// 4. Serve the HTTP API and shut down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"imagegate/internal/gateway/api"
	"imagegate/internal/gateway/config"
	"imagegate/internal/gateway/pipeline"
	"imagegate/internal/gateway/ratelimit"
	"imagegate/internal/gateway/upstream"
)

func main() {
	// 1. Configuration. A local .env is a convenience for development; a
	// missing file is not an error.
	_ = godotenv.Load()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg := config.Load(log)
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	// 2. Rate-limit ledger. A corrupt or missing state document degrades to
	// an empty ledger inside NewStore, so startup never fails on state.
	backing, err := ratelimit.BuildStateStore(cfg.StateBackend, cfg.StatePath, cfg.RedisAddr, cfg.RedisKey)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StateBackend).Msg("configure rate-limit state backend")
	}
	store := ratelimit.NewStore(context.Background(), backing, cfg.RetryAfterSeconds, log)

	// 3. Scheduler, client cache, pipeline.
	sched := ratelimit.NewScheduler(store, cfg.APIKeys, cfg.RateLimitRuntimeEnabled, cfg.BucketLimits)
	clients := pipeline.NewCacheSource(upstream.NewClientCache(cfg.HTTPTimeout))
	gen := pipeline.NewGenerator(cfg, sched, clients, log)

	// 4. HTTP server.
	server := api.NewServer(cfg, store, gen, log)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: generate calls can legitimately run for the
		// full upstream timeout.
	}

	go func() {
		log.Info().
			Str("addr", cfg.HTTPAddr).
			Str("auth_mode", cfg.EffectiveAuthMode()).
			Int("key_pool_size", len(cfg.APIKeys())).
			Bool("rate_limit_runtime", cfg.RateLimitRuntimeEnabled(cfg.APIKeys())).
			Msg("gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// 5. Graceful shutdown. In-flight generate calls get a grace period a
	// little past the upstream timeout before the listener is torn down.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTPTimeout+5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	log.Info().Msg("gateway stopped")
}
