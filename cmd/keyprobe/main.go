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

// Package main implements keyprobe, an operator tool that exercises the
// configured API key pool against the generation endpoint. Each attempt
// rotates through the pool, sends a small synthetic grayscale tile, and
// reports OK/FAIL per key with latency, fingerprint, and backend flavor.
// Exit status is 0 only when every attempt succeeded.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"imagegate/internal/gateway/config"
	"imagegate/internal/gateway/keypool"
	"imagegate/internal/gateway/upstream"
)

const defaultProbePrompt = "Generate a simple grayscale moon-like texture tile with no text."

func main() {
	os.Exit(run())
}

func run() int {
	apiKeyFlag := flag.String("api-key", "", "API key or comma-separated key pool. If omitted, read from the env profile pool.")
	attempts := flag.Int("attempts", 3, "Number of probe requests.")
	modelFlag := flag.String("model", "", "Model for probe requests. Default: UPSTREAM_MODEL.")
	timeoutMS := flag.Int("timeout-ms", 0, "HTTP timeout per request in milliseconds. 0 means use UPSTREAM_HTTP_TIMEOUT_MS.")
	backendFlag := flag.String("backend", "auto", "Backend flavor: auto, developer, or project.")
	envFile := flag.String("env-file", ".env.local", "Environment file to load before reading keys.")
	prompt := flag.String("prompt", defaultProbePrompt, "Prompt text sent in each probe request.")
	flag.Parse()

	_ = godotenv.Load(*envFile)

	log := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
	cfg := config.Load(log)

	keys := cfg.APIKeys()
	if strings.TrimSpace(*apiKeyFlag) != "" {
		keys = keypool.ParseList(*apiKeyFlag)
	}
	if len(keys) == 0 {
		fmt.Println("[error] Missing API key pool. Use --api-key or set UPSTREAM_API_KEYS_DEVELOPER.")
		return 2
	}

	if *attempts < 1 {
		*attempts = 1
	}
	timeout := cfg.HTTPTimeout
	if *timeoutMS > 0 {
		timeout = time.Duration(maxInt(*timeoutMS, 1000)) * time.Millisecond
	}
	model := strings.TrimSpace(*modelFlag)
	if model == "" {
		model = cfg.Model
	}
	backendHint := *backendFlag
	if backendHint != "developer" && backendHint != "project" {
		backendHint = cfg.KeyBackend
	}

	grid, err := buildTestGridPNG()
	if err != nil {
		fmt.Printf("[error] build probe image: %v\n", err)
		return 2
	}

	fmt.Printf("[info] profile=%s pool_size=%d backend_hint=%s model=%s attempts=%d timeout_ms=%d\n",
		cfg.KeyProfile, len(keys), backendHint, model, *attempts, timeout/time.Millisecond)
	fmt.Printf("[keys] %s\n", poolPreview(keys))

	cache := upstream.NewClientCache(timeout)
	successCount := 0
	for attempt := 1; attempt <= *attempts; attempt++ {
		keyIndex := (attempt - 1) % len(keys)
		apiKey := keys[keyIndex]
		backend := resolveBackend(apiKey, backendHint)
		flavor := upstream.FlavorProject
		if backend == "developer" {
			flavor = upstream.FlavorDeveloper
		}
		client := cache.APIKeyClient(apiKey, flavor)

		ok, latencyMS, detail := runProbe(client, cfg, model, *prompt, grid)
		keyMeta := fmt.Sprintf("key=%d/%d fp=%s backend=%s", keyIndex+1, len(keys), keypool.Fingerprint(apiKey), backend)
		verdict := "FAIL"
		if ok {
			successCount++
			verdict = "OK"
		}
		fmt.Printf("[%d/%d] %s %dms %s %s\n", attempt, *attempts, verdict, latencyMS, keyMeta, detail)
	}

	failureCount := *attempts - successCount
	usable := successCount == *attempts
	fmt.Printf("[summary] success=%d failure=%d usable=%t\n", successCount, failureCount, usable)
	if usable {
		return 0
	}
	return 1
}

func runProbe(client *upstream.Client, cfg *config.Config, model, prompt string, grid []byte) (bool, int, string) {
	req := upstream.GenerateRequest{
		Model:     model,
		Prompt:    prompt,
		Image:     grid,
		ImageMIME: "image/png",
		Config: upstream.GenerationConfig{
			Temperature:        1,
			TopP:               0.95,
			MaxOutputTokens:    cfg.MaxOutputTokens,
			ResponseModalities: cfg.ResponseModalities,
			AspectRatio:        cfg.AspectRatio,
			ImageSize:          cfg.ImageSize,
			OutputMIMEType:     cfg.OutputMIMEType,
		},
	}

	started := time.Now()
	resp, err := client.GenerateContent(context.Background(), req)
	latencyMS := int(time.Since(started).Milliseconds())
	if err != nil {
		return false, latencyMS, fmt.Sprintf("status=%s type=%T detail=%s", statusCode(err), err, strings.TrimSpace(err.Error()))
	}

	mimeType, size, text := imageMeta(resp)
	if size > 0 {
		return true, latencyMS, fmt.Sprintf("mime=%s bytes=%d", mimeType, size)
	}
	if len(text) > 120 {
		text = text[:117] + "..."
	}
	return false, latencyMS, fmt.Sprintf("status=200 type=NoImageOutput detail=%s", text)
}

// imageMeta reports the first inline image in the response, or any
// accompanying text when there is none.
func imageMeta(resp *upstream.Response) (mimeType string, size int, text string) {
	var collected []string
	for _, candidate := range resp.Candidates {
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
			mimeType = part.InlineData.MIMEType
			if mimeType == "" {
				mimeType = "image/png"
			}
			// Wire data is base64; report the decoded size.
			return mimeType, len(part.InlineData.Data) / 4 * 3, ""
		}
	}
	joined := strings.TrimSpace(strings.Join(collected, ""))
	if joined == "" {
		joined = "<empty>"
	}
	return "", 0, joined
}

func resolveBackend(apiKey, hint string) string {
	if hint == "developer" || hint == "project" {
		return hint
	}
	if strings.HasPrefix(apiKey, "AIza") {
		return "developer"
	}
	return "project"
}

func statusCode(err error) string {
	if apiErr, ok := err.(*upstream.APIError); ok {
		return fmt.Sprintf("%d", apiErr.StatusCode)
	}
	return "-"
}

func poolPreview(keys []string) string {
	limit := len(keys)
	if limit > 5 {
		limit = 5
	}
	parts := make([]string, 0, limit)
	for i := 0; i < limit; i++ {
		parts = append(parts, fmt.Sprintf("%d:%s(%s)", i+1, keypool.Mask(keys[i]), keypool.Fingerprint(keys[i])))
	}
	preview := strings.Join(parts, ", ")
	if len(keys) > 5 {
		preview = fmt.Sprintf("%s, ... (+%d more)", preview, len(keys)-5)
	}
	return preview
}

// buildTestGridPNG renders a 256x256 diagonal grayscale gradient tile.
func buildTestGridPNG() ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, 256, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x + y) / 2)})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
