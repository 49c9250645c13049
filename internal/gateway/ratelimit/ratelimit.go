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

// Package ratelimit implements the durable per-(bucket, key-fingerprint)
// reservation ledger with sliding-window RPM/RPD accounting.
//
// The ledger records one event per admitted request. Events age out of the
// minute and day windows as time passes and are pruned once older than the
// day window. A single exclusive lock guards the in-memory ledger and the
// persistence path; the store is safe for concurrent use within one process
// but must not be shared across processes on the same backing state.
package ratelimit

import "fmt"

// Bucket is a quota class indexed by model tier.
type Bucket string

const (
	BucketStandard Bucket = "standard"
	BucketPremium  Bucket = "premium"
)

// Buckets lists every known bucket in a stable order.
var Buckets = []Bucket{BucketStandard, BucketPremium}

var bucketLabels = map[Bucket]string{
	BucketStandard: "Standard",
	BucketPremium:  "Premium",
}

// Known reports whether b is one of the closed set of buckets.
func (b Bucket) Known() bool {
	_, ok := bucketLabels[b]
	return ok
}

// Label returns the human-readable name for the bucket.
func (b Bucket) Label() string {
	if label, ok := bucketLabels[b]; ok {
		return label
	}
	return string(b)
}

// Sliding-window spans in seconds.
const (
	RPMWindowSeconds = 60
	RPDWindowSeconds = 86_400
)

// Limits holds the per-key quota for one bucket. Zero means the quota is
// unknown and the key is never admitted in that bucket.
type Limits struct {
	RPM int `json:"rpm"`
	RPD int `json:"rpd"`
}

// DefaultLimits are the built-in per-key quotas used when no override is
// configured (or the configured override is malformed).
var DefaultLimits = map[Bucket]Limits{
	BucketStandard: {RPM: 500, RPD: 2_000},
	BucketPremium:  {RPM: 20, RPD: 250},
}

// RateLimitedError reports that no key in the pool can admit a request in
// the given bucket right now.
type RateLimitedError struct {
	Bucket            Bucket
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for model bucket %q", e.Bucket)
}

// NewRateLimitedError clamps retryAfter to at least one second.
func NewRateLimitedError(bucket Bucket, retryAfter int) *RateLimitedError {
	if retryAfter < 1 {
		retryAfter = 1
	}
	return &RateLimitedError{Bucket: bucket, RetryAfterSeconds: retryAfter}
}
