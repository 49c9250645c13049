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

// Package upstream talks to the multimodal generation provider. It exposes
// the provider's generateContent surface in the two flavors the gateway
// uses: the developer API (keyed by AIza-prefixed keys) and the
// project-scoped variant.
package upstream

import "fmt"

// Flavor selects the provider endpoint family.
type Flavor string

const (
	FlavorDeveloper Flavor = "developer"
	FlavorProject   Flavor = "project"
)

// GenerationConfig carries the tunables sent with every generation call.
// ImageSize and OutputMIMEType are dropped on the developer flavor, which
// rejects them.
type GenerationConfig struct {
	Temperature        float64
	TopP               float64
	MaxOutputTokens    int
	ResponseModalities []string
	AspectRatio        string
	ImageSize          string
	OutputMIMEType     string
}

// GenerateRequest is one generation call: a text prompt plus one inline
// image.
type GenerateRequest struct {
	Model     string
	Prompt    string
	Image     []byte
	ImageMIME string
	Config    GenerationConfig
}

// Blob is inline binary content; Data is base64 on the wire.
type Blob struct {
	MIMEType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// Part is one piece of candidate content: text or inline data.
type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

// Content groups the parts of one candidate.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

// Candidate is one generation alternative.
type Candidate struct {
	FinishReason string   `json:"finishReason,omitempty"`
	Content      *Content `json:"content,omitempty"`
}

// PromptFeedback reports prompt-level safety screening.
type PromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

// Response is the provider's generateContent reply.
type Response struct {
	PromptFeedback *PromptFeedback `json:"promptFeedback,omitempty"`
	Candidates     []Candidate     `json:"candidates,omitempty"`
}

// APIError is a non-2xx reply from the provider, carrying the HTTP status
// and the provider's status token (e.g. RESOURCE_EXHAUSTED, NOT_FOUND).
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("upstream %d %s: %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("upstream %d: %s", e.StatusCode, e.Message)
}
