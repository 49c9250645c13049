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
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testRequest() GenerateRequest {
	return GenerateRequest{
		Model:     "test-model",
		Prompt:    "draw a tile",
		Image:     []byte{0x89, 0x50, 0x4e, 0x47},
		ImageMIME: "image/png",
		Config: GenerationConfig{
			Temperature:        1,
			TopP:               0.95,
			MaxOutputTokens:    4096,
			ResponseModalities: []string{"IMAGE"},
			AspectRatio:        "1:1",
			ImageSize:          "1K",
			OutputMIMEType:     "image/png",
		},
	}
}

func imageReply(t *testing.T, w http.ResponseWriter) {
	t.Helper()
	reply := Response{
		Candidates: []Candidate{{
			FinishReason: "STOP",
			Content: &Content{
				Role: "model",
				Parts: []Part{{
					InlineData: &Blob{
						MIMEType: "image/png",
						Data:     base64.StdEncoding.EncodeToString([]byte("fake-image")),
					},
				}},
			},
		}},
	}
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		t.Fatalf("encode reply: %v", err)
	}
}

func TestGenerateContentDeveloper(t *testing.T) {
	var gotPath, gotKey string
	var gotBody wireRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		imageReply(t, w)
	}))
	defer server.Close()

	client := NewAPIKeyClient("AIzaTestKey", FlavorDeveloper, 5*time.Second)
	client.baseURL = server.URL

	resp, err := client.GenerateContent(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("GenerateContent() error: %v", err)
	}

	if want := "/v1beta/models/test-model:generateContent"; gotPath != want {
		t.Errorf("path = %q, want %q", gotPath, want)
	}
	if gotKey != "AIzaTestKey" {
		t.Errorf("x-goog-api-key = %q, want the configured key", gotKey)
	}

	// The developer flavor must not send imageSize/outputMimeType.
	imageConfig := gotBody.GenerationConfig.ImageConfig
	if imageConfig == nil {
		t.Fatal("request carried no imageConfig")
	}
	if imageConfig.ImageSize != "" || imageConfig.OutputMIMEType != "" {
		t.Errorf("developer imageConfig = %+v, want only aspectRatio", imageConfig)
	}
	if imageConfig.AspectRatio != "1:1" {
		t.Errorf("aspectRatio = %q, want 1:1", imageConfig.AspectRatio)
	}
	if len(gotBody.SafetySettings) != 4 {
		t.Errorf("safetySettings count = %d, want 4", len(gotBody.SafetySettings))
	}

	if len(resp.Candidates) != 1 || resp.Candidates[0].Content.Parts[0].InlineData == nil {
		t.Errorf("response = %+v, want one candidate with inline data", resp)
	}
}

func TestGenerateContentProject(t *testing.T) {
	var gotPath string
	var gotBody wireRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		imageReply(t, w)
	}))
	defer server.Close()

	client := NewProjectClient("proj-1", "us-central1", 5*time.Second)
	client.baseURL = server.URL

	if _, err := client.GenerateContent(context.Background(), testRequest()); err != nil {
		t.Fatalf("GenerateContent() error: %v", err)
	}

	want := "/v1/projects/proj-1/locations/us-central1/publishers/google/models/test-model:generateContent"
	if gotPath != want {
		t.Errorf("path = %q, want %q", gotPath, want)
	}
	imageConfig := gotBody.GenerationConfig.ImageConfig
	if imageConfig == nil || imageConfig.ImageSize != "1K" || imageConfig.OutputMIMEType != "image/png" {
		t.Errorf("project imageConfig = %+v, want full image config", imageConfig)
	}
}

func TestGenerateContentErrors(t *testing.T) {
	t.Run("StructuredError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":429,"message":"Quota exceeded","status":"RESOURCE_EXHAUSTED"}}`))
		}))
		defer server.Close()

		client := NewAPIKeyClient("AIzaTestKey", FlavorDeveloper, 5*time.Second)
		client.baseURL = server.URL

		_, err := client.GenerateContent(context.Background(), testRequest())
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("error = %v, want *APIError", err)
		}
		if apiErr.StatusCode != 429 || apiErr.Status != "RESOURCE_EXHAUSTED" || apiErr.Message != "Quota exceeded" {
			t.Errorf("APIError = %+v", apiErr)
		}
		if !strings.Contains(apiErr.Error(), "RESOURCE_EXHAUSTED") {
			t.Errorf("Error() = %q, want status token included", apiErr.Error())
		}
	})

	t.Run("UnstructuredError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream exploded"))
		}))
		defer server.Close()

		client := NewAPIKeyClient("AIzaTestKey", FlavorDeveloper, 5*time.Second)
		client.baseURL = server.URL

		_, err := client.GenerateContent(context.Background(), testRequest())
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("error = %v, want *APIError", err)
		}
		if apiErr.StatusCode != 502 || apiErr.Message != "upstream exploded" {
			t.Errorf("APIError = %+v", apiErr)
		}
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Drain the body so the server detects the client disconnect
			// and cancels the request context; otherwise Close deadlocks.
			io.Copy(io.Discard, r.Body)
			<-r.Context().Done()
		}))
		defer server.Close()

		client := NewAPIKeyClient("AIzaTestKey", FlavorDeveloper, 5*time.Second)
		client.baseURL = server.URL

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		if _, err := client.GenerateContent(ctx, testRequest()); err == nil {
			t.Fatal("GenerateContent() succeeded past a cancelled context")
		}
	})
}
