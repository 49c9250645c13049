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

package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	developerBaseURL   = "https://generativelanguage.googleapis.com"
	projectBaseURLTmpl = "https://%s-aiplatform.googleapis.com"
)

// safetyCategories are disabled wholesale for every call; the gateway's
// block handling happens on the response side via finish reasons.
var safetyCategories = []string{
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_HARASSMENT",
}

// Client is an immutable handle onto one provider endpoint. Handles are safe
// for concurrent use; the underlying http.Client does its own pooling.
type Client struct {
	httpClient *http.Client
	flavor     Flavor
	apiKey     string
	project    string
	location   string

	// baseURL overrides the provider endpoint; used by tests.
	baseURL string
}

// NewAPIKeyClient builds a handle authenticated by an API key, in either
// flavor.
func NewAPIKeyClient(apiKey string, flavor Flavor, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		flavor:     flavor,
		apiKey:     apiKey,
	}
}

// NewProjectClient builds a project-scoped handle.
//
// TODO: project-mode requests currently rely on ambient auth (API key or
// fronting proxy); wire a credential source for application-default tokens.
func NewProjectClient(project, location string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		flavor:     FlavorProject,
		project:    project,
		location:   location,
	}
}

func (c *Client) endpoint(model string) string {
	base := c.baseURL
	if c.flavor == FlavorDeveloper {
		if base == "" {
			base = developerBaseURL
		}
		return fmt.Sprintf("%s/v1beta/models/%s:generateContent", base, model)
	}
	if base == "" {
		base = fmt.Sprintf(projectBaseURLTmpl, c.location)
	}
	if c.project != "" {
		return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:generateContent",
			base, c.project, c.location, model)
	}
	return fmt.Sprintf("%s/v1/publishers/google/models/%s:generateContent", base, model)
}

// wire shapes for the generateContent call.
type wireRequest struct {
	Contents         []Content          `json:"contents"`
	GenerationConfig wireGenConfig      `json:"generationConfig"`
	SafetySettings   []wireSafetySetting `json:"safetySettings"`
}

type wireGenConfig struct {
	Temperature        float64          `json:"temperature"`
	TopP               float64          `json:"topP"`
	MaxOutputTokens    int              `json:"maxOutputTokens"`
	ResponseModalities []string         `json:"responseModalities,omitempty"`
	ImageConfig        *wireImageConfig `json:"imageConfig,omitempty"`
}

type wireImageConfig struct {
	AspectRatio    string `json:"aspectRatio,omitempty"`
	ImageSize      string `json:"imageSize,omitempty"`
	OutputMIMEType string `json:"outputMimeType,omitempty"`
}

type wireSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type wireError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// GenerateContent issues one generation call and returns the parsed
// response, or an *APIError for any non-2xx provider reply.
func (c *Client) GenerateContent(ctx context.Context, req GenerateRequest) (*Response, error) {
	imageConfig := &wireImageConfig{AspectRatio: req.Config.AspectRatio}
	if c.flavor != FlavorDeveloper {
		imageConfig.ImageSize = req.Config.ImageSize
		imageConfig.OutputMIMEType = req.Config.OutputMIMEType
	}

	body := wireRequest{
		Contents: []Content{{
			Role: "user",
			Parts: []Part{
				{Text: req.Prompt},
				{InlineData: &Blob{
					MIMEType: req.ImageMIME,
					Data:     base64.StdEncoding.EncodeToString(req.Image),
				}},
			},
		}},
		GenerationConfig: wireGenConfig{
			Temperature:        req.Config.Temperature,
			TopP:               req.Config.TopP,
			MaxOutputTokens:    req.Config.MaxOutputTokens,
			ResponseModalities: req.Config.ResponseModalities,
			ImageConfig:        imageConfig,
		},
	}
	for _, category := range safetyCategories {
		body.SafetySettings = append(body.SafetySettings, wireSafetySetting{Category: category, Threshold: "OFF"})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(req.Model), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("x-goog-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("generate call: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read generate response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var parsed wireError
		if err := json.Unmarshal(data, &parsed); err == nil && parsed.Error.Message != "" {
			apiErr.Status = parsed.Error.Status
			apiErr.Message = parsed.Error.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return nil, apiErr
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode generate response: %w", err)
	}
	return &out, nil
}
