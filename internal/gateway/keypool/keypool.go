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

// Package keypool manages the pool of upstream API keys: parsing the
// configured pool string, fingerprinting keys for ledger bookkeeping, and
// scheduling round-robin key selection coordinated with the rate-limit store.
package keypool

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ParseList splits a raw pool string on commas, newlines, and semicolons,
// trims each token, and deduplicates by equality in first-seen order.
func ParseList(raw string) []string {
	var ordered []string
	seen := make(map[string]struct{})
	for _, token := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n' || r == ';'
	}) {
		key := strings.TrimSpace(token)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		ordered = append(ordered, key)
	}
	return ordered
}

// Merge appends the keys of extra pools onto base, preserving first-seen
// order and dropping duplicates.
func Merge(base []string, extras ...[]string) []string {
	out := make([]string, 0, len(base))
	seen := make(map[string]struct{}, len(base))
	for _, key := range base {
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	for _, pool := range extras {
		for _, key := range pool {
			if _, ok := seen[key]; !ok {
				seen[key] = struct{}{}
				out = append(out, key)
			}
		}
	}
	return out
}

// Fingerprint derives a stable 16-hex-character identifier from a secret key.
// The fingerprint is used only to key ledger entries and for logging; it is
// NOT a security comparison and leaks no key material.
func Fingerprint(apiKey string) string {
	digest := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(digest[:])[:16]
}

// Mask renders a key safe for logs: first four and last four characters with
// the middle elided. Short keys are fully starred out.
func Mask(apiKey string) string {
	if len(apiKey) <= 8 {
		return strings.Repeat("*", len(apiKey))
	}
	return apiKey[:4] + "..." + apiKey[len(apiKey)-4:]
}
