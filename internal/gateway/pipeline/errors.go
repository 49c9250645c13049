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

package pipeline

import (
	"errors"
	"strings"

	"imagegate/internal/gateway/upstream"
)

// RequestError is an HTTP-shaped failure produced by the pipeline. The API
// layer maps it directly onto a status code and, when RetryAfterSeconds is
// positive, a Retry-After header.
type RequestError struct {
	Status            int
	Message           string
	RetryAfterSeconds int
}

func (e *RequestError) Error() string { return e.Message }

// accessMarkers are the provider message fragments that identify a model
// access problem (missing entitlement, unknown model) rather than a request
// defect.
var accessMarkers = []string{
	"publisher model",
	"not found",
	"not_found",
	"does not have access",
	"permission denied",
}

// isRateLimitError recognizes upstream 429s and resource-exhausted signals.
func isRateLimitError(err error) bool {
	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == 429 {
		return true
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "resource_exhausted") || strings.Contains(text, "429")
}

// isAccessError recognizes the provider replies that mean "this key cannot
// use this model": 400/403/404 carrying a known access marker. Access
// failures are the only class that advances the candidate loop.
func isAccessError(err error) bool {
	var apiErr *upstream.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case 400, 403, 404:
	default:
		return false
	}
	text := strings.ToLower(apiErr.Error())
	for _, marker := range accessMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
