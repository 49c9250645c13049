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

package ratelimit

import "sync"

// Grant is the outcome of a scheduling decision: the key to use and, when
// the ledger participated, the reservation to finalize afterwards.
type Grant struct {
	Key         string
	KeyIndex    int
	KeyCount    int
	Reservation *Reservation // nil when runtime limiting is inactive
}

// Scheduler selects keys round-robin across the pool, coordinating with the
// Store when runtime limiting is active. The cursor has its own fine-grained
// mutex, distinct from the store lock; the scheduler never holds the cursor
// lock while calling into the store.
type Scheduler struct {
	store *Store

	// pool re-parses the configured pool on each call; active reports
	// whether ledger-backed limiting applies to that pool; limits yields
	// the per-key quota for a bucket.
	pool   func() []string
	active func(keys []string) bool
	limits func(bucket Bucket) Limits

	mu     sync.Mutex
	cursor int
}

// NewScheduler wires a scheduler to the store and its configuration
// accessors. The cursor starts at zero.
func NewScheduler(store *Store, pool func() []string, active func([]string) bool, limits func(Bucket) Limits) *Scheduler {
	return &Scheduler{store: store, pool: pool, active: active, limits: limits}
}

// Reserve picks a key for one request in bucket.
//
// With runtime limiting inactive it advances the cursor and returns the next
// key with no reservation. With limiting active it snapshots the cursor,
// releases the cursor lock, asks the store for an allocation starting there,
// then re-acquires the cursor lock to advance it — to the granted index + 1
// on success, or start + 1 on refusal so one exhausted key cannot pin the
// rotation. Every call advances the cursor exactly once.
//
// An empty pool returns a zero-valued Grant (Key == "", KeyCount == 0); the
// caller decides whether that is a configuration error.
func (s *Scheduler) Reserve(bucket Bucket) (Grant, error) {
	keys := s.pool()
	if len(keys) == 0 {
		return Grant{KeyIndex: -1}, nil
	}

	if !s.active(keys) {
		s.mu.Lock()
		keyIndex := s.cursor % len(keys)
		s.cursor++
		s.mu.Unlock()
		return Grant{Key: keys[keyIndex], KeyIndex: keyIndex, KeyCount: len(keys)}, nil
	}

	s.mu.Lock()
	startIndex := s.cursor % len(keys)
	s.mu.Unlock()

	allocation, retryAfter := s.store.Reserve(bucket, keys, s.limits(bucket), startIndex)
	if allocation == nil {
		s.mu.Lock()
		s.cursor = startIndex + 1
		s.mu.Unlock()
		return Grant{}, NewRateLimitedError(bucket, retryAfter)
	}

	s.mu.Lock()
	s.cursor = allocation.KeyIndex + 1
	s.mu.Unlock()
	return Grant{
		Key:      allocation.Key,
		KeyIndex: allocation.KeyIndex,
		KeyCount: allocation.KeyCount,
		Reservation: &Reservation{
			Bucket:      bucket,
			Fingerprint: allocation.Fingerprint,
			EventID:     allocation.EventID,
		},
	}, nil
}

// Finalize consumes a grant's reservation, if any. Safe to call with a
// grant that carried none.
func (s *Scheduler) Finalize(grant Grant) {
	if grant.Reservation == nil {
		return
	}
	s.store.Finalize(*grant.Reservation)
}
