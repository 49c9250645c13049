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

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"imagegate/internal/gateway/keypool"
	"imagegate/internal/gateway/metrics"
)

// Allocation describes a successful reservation: which key was granted and
// the ledger coordinates needed to finalize it later.
type Allocation struct {
	Key         string
	KeyIndex    int
	KeyCount    int
	Fingerprint string
	EventID     string
}

// Reservation locates one ledger event for finalization.
type Reservation struct {
	Bucket      Bucket
	Fingerprint string
	EventID     string
}

// Counter pairs a used count with its aggregate limit.
type Counter struct {
	Used  int `json:"used"`
	Limit int `json:"limit"`
}

// BucketStatus is the per-bucket view reported by Snapshot.
type BucketStatus struct {
	Label             string  `json:"label"`
	RPM               Counter `json:"rpm"`
	RPD               Counter `json:"rpd"`
	Exhausted         bool    `json:"exhausted"`
	RetryAfterSeconds int     `json:"retry_after_seconds"`
}

// Snapshot is a read-only view of current usage across all buckets.
type Snapshot struct {
	UpdatedAt string
	Models    map[Bucket]BucketStatus
}

// Store owns the reservation ledger. Reserve, Finalize, and Snapshot each
// run a full prune under the same exclusive lock; the only I/O performed
// while holding the lock is the small atomic state write.
type Store struct {
	mu                sync.Mutex
	doc               document
	backing           StateStore
	defaultRetryAfter int
	now               func() time.Time
	log               zerolog.Logger
}

// NewStore loads the persisted ledger from backing. A missing document
// yields an empty ledger; a corrupt one is logged and discarded, never
// fatal. defaultRetryAfter is the retry hint used when no per-event wait
// can be computed (empty pool, zero limits).
func NewStore(ctx context.Context, backing StateStore, defaultRetryAfter int, log zerolog.Logger) *Store {
	s := &Store{
		backing:           backing,
		defaultRetryAfter: defaultRetryAfter,
		now:               time.Now,
		log:               log,
	}
	nowTS := float64(s.now().UnixNano()) / 1e9
	data, err := backing.Load(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load rate limit state; starting empty")
		s.doc = emptyDocument(nowTS)
		return s
	}
	if data == nil {
		s.doc = emptyDocument(nowTS)
		return s
	}
	doc, err := decodeDocument(data, nowTS)
	if err != nil {
		log.Warn().Err(err).Msg("corrupt rate limit state; starting empty")
		s.doc = emptyDocument(nowTS)
		return s
	}
	s.doc = doc
	return s
}

// nowSeconds returns the current wall time as float seconds since epoch.
func (s *Store) nowSeconds() float64 {
	return float64(s.now().UnixNano()) / 1e9
}

// Reserve admits a request in bucket against the first available key,
// scanning the pool round-robin from startIndex. It returns either an
// allocation or a retry-after in seconds: the soonest moment any key in the
// pool frees a slot, or the default hint when nothing better is known.
func (s *Store) Reserve(bucket Bucket, keys []string, limits Limits, startIndex int) (*Allocation, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowTS := s.nowSeconds()
	changed := s.pruneLocked(nowTS)

	if len(keys) == 0 {
		if changed {
			s.persistLocked()
		}
		return nil, s.defaultRetryAfter
	}

	var waits []int
	keyCount := len(keys)
	for offset := 0; offset < keyCount; offset++ {
		keyIndex := (startIndex + offset) % keyCount
		apiKey := keys[keyIndex]
		fingerprint := keypool.Fingerprint(apiKey)
		entries := s.doc.Events[bucket][fingerprint]

		if available(entries, limits, nowTS) {
			event := Event{ID: newEventID(), TS: nowTS}
			s.appendEventLocked(bucket, fingerprint, event)
			s.doc.UpdatedAt = isoTime(nowTS)
			s.persistLocked()
			metrics.ReservationsTotal.WithLabelValues(string(bucket)).Inc()
			return &Allocation{
				Key:         apiKey,
				KeyIndex:    keyIndex,
				KeyCount:    keyCount,
				Fingerprint: fingerprint,
				EventID:     event.ID,
			}, 0
		}

		if wait := s.waitSeconds(entries, limits, nowTS); wait > 0 {
			waits = append(waits, wait)
		}
	}

	if changed {
		s.persistLocked()
	}
	metrics.RefusalsTotal.WithLabelValues(string(bucket)).Inc()
	// Across keys the caller wants the soonest any key becomes usable.
	retryAfter := s.defaultRetryAfter
	if len(waits) > 0 {
		retryAfter = waits[0]
		for _, w := range waits[1:] {
			if w < retryAfter {
				retryAfter = w
			}
		}
	}
	if retryAfter < 1 {
		retryAfter = 1
	}
	return nil, retryAfter
}

// Finalize advances the reservation's timestamp to the completion moment,
// never backwards, so long-running requests count against the minute window
// from when they finished. Unknown reservations (already pruned) are a no-op.
func (s *Store) Finalize(res Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowTS := s.nowSeconds()
	changed := s.pruneLocked(nowTS)

	entries := s.doc.Events[res.Bucket][res.Fingerprint]
	updated := false
	for i := range entries {
		if entries[i].ID != res.EventID {
			continue
		}
		if nowTS > entries[i].TS {
			entries[i].TS = nowTS
		}
		updated = true
		break
	}
	if updated {
		// Keep each event list non-decreasing in ts after the bump.
		sort.Slice(entries, func(i, j int) bool { return entries[i].TS < entries[j].TS })
		s.doc.Events[res.Bucket][res.Fingerprint] = entries
		s.doc.UpdatedAt = isoTime(nowTS)
		s.persistLocked()
	} else if changed {
		s.persistLocked()
	}
}

// Snapshot aggregates usage across the whole pool for every bucket.
// Limits are per key; reported limits are scaled by the pool size.
func (s *Store) Snapshot(keys []string, limitsByBucket map[Bucket]Limits, enabled bool) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowTS := s.nowSeconds()
	if s.pruneLocked(nowTS) {
		s.persistLocked()
	}

	models := make(map[Bucket]BucketStatus, len(Buckets))
	for _, bucket := range Buckets {
		limits, ok := limitsByBucket[bucket]
		if !ok {
			limits = DefaultLimits[bucket]
		}
		rpmTotal := maxInt(0, limits.RPM) * len(keys)
		rpdTotal := maxInt(0, limits.RPD) * len(keys)

		rpmUsed, rpdUsed := 0, 0
		anyAvailable := false
		var blockedWaits []int
		for _, apiKey := range keys {
			entries := s.doc.Events[bucket][keypool.Fingerprint(apiKey)]
			keyRPM, keyRPD, _, _ := usage(entries, nowTS)
			rpmUsed += keyRPM
			rpdUsed += keyRPD
			if available(entries, limits, nowTS) {
				anyAvailable = true
			} else if wait := s.waitSeconds(entries, limits, nowTS); wait > 0 {
				blockedWaits = append(blockedWaits, wait)
			}
		}

		exhausted := enabled && len(keys) > 0 && !anyAvailable
		retryAfter := 0
		if exhausted && len(blockedWaits) > 0 {
			retryAfter = blockedWaits[0]
			for _, w := range blockedWaits[1:] {
				if w < retryAfter {
					retryAfter = w
				}
			}
		}
		models[bucket] = BucketStatus{
			Label:             bucket.Label(),
			RPM:               Counter{Used: rpmUsed, Limit: rpmTotal},
			RPD:               Counter{Used: rpdUsed, Limit: rpdTotal},
			Exhausted:         exhausted,
			RetryAfterSeconds: retryAfter,
		}
	}

	updatedAt := s.doc.UpdatedAt
	if updatedAt == "" {
		updatedAt = isoTime(nowTS)
	}
	return Snapshot{UpdatedAt: updatedAt, Models: models}
}

// pruneLocked drops events older than the day window, then empty
// fingerprint and bucket submaps. Reports whether anything changed and
// refreshes updated_at if so. Caller holds the lock.
func (s *Store) pruneLocked(nowTS float64) bool {
	cutoff := nowTS - RPDWindowSeconds
	changed := false
	dropped := 0
	for bucket, bucketEvents := range s.doc.Events {
		for fingerprint, entries := range bucketEvents {
			kept := entries[:0:0]
			for _, ev := range entries {
				if ev.TS >= cutoff {
					kept = append(kept, ev)
				}
			}
			if len(kept) != len(entries) {
				changed = true
				dropped += len(entries) - len(kept)
			}
			if len(kept) > 0 {
				bucketEvents[fingerprint] = kept
			} else {
				delete(bucketEvents, fingerprint)
				changed = true
			}
		}
		if len(bucketEvents) == 0 {
			delete(s.doc.Events, bucket)
			changed = true
		}
	}
	if dropped > 0 {
		metrics.PrunedEventsTotal.Add(float64(dropped))
	}
	if changed {
		s.doc.UpdatedAt = isoTime(nowTS)
	}
	return changed
}

// appendEventLocked adds an event, creating submaps as needed. Caller holds
// the lock. Events are appended at now, which is >= every retained ts, so
// the ascending order of the list is preserved.
func (s *Store) appendEventLocked(bucket Bucket, fingerprint string, ev Event) {
	bucketEvents, ok := s.doc.Events[bucket]
	if !ok {
		bucketEvents = make(map[string][]Event)
		s.doc.Events[bucket] = bucketEvents
	}
	bucketEvents[fingerprint] = append(bucketEvents[fingerprint], ev)
}

// persistLocked writes the document through the backing store. Persistence
// failures are logged, not propagated: the in-memory ledger stays
// authoritative for the life of the process.
func (s *Store) persistLocked() {
	data, err := encodeDocument(s.doc)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode rate limit state")
		return
	}
	if err := s.backing.Save(context.Background(), data); err != nil {
		s.log.Error().Err(err).Msg("failed to persist rate limit state")
	}
}

// usage computes used counts and the window subsequences for one key.
// Entries are kept ascending by ts, so the filtered slices stay sorted.
func usage(entries []Event, nowTS float64) (rpmUsed, rpdUsed int, minuteEvents, dayEvents []Event) {
	rpmCutoff := nowTS - RPMWindowSeconds
	rpdCutoff := nowTS - RPDWindowSeconds
	for _, ev := range entries {
		if ev.TS >= rpdCutoff {
			dayEvents = append(dayEvents, ev)
		}
		if ev.TS >= rpmCutoff {
			minuteEvents = append(minuteEvents, ev)
		}
	}
	return len(minuteEvents), len(dayEvents), minuteEvents, dayEvents
}

// available reports whether one key can admit a request right now. A zero
// limit means the quota is unknown and the key is never available.
func available(entries []Event, limits Limits, nowTS float64) bool {
	if limits.RPM <= 0 || limits.RPD <= 0 {
		return false
	}
	rpmUsed, rpdUsed, _, _ := usage(entries, nowTS)
	return rpmUsed < limits.RPM && rpdUsed < limits.RPD
}

// waitSeconds estimates how long until this key frees a slot. Both windows
// must permit admission, so the result is the max of the per-window waits
// (the binding constraint), rounded up and at least one second when any
// waiting is required. Zero limits yield the default retry hint.
func (s *Store) waitSeconds(entries []Event, limits Limits, nowTS float64) int {
	if limits.RPM <= 0 || limits.RPD <= 0 {
		return s.defaultRetryAfter
	}

	rpmUsed, rpdUsed, minuteEvents, dayEvents := usage(entries, nowTS)
	var waits []float64

	if rpmUsed >= limits.RPM && len(minuteEvents) > 0 {
		releaseIndex := maxInt(0, rpmUsed-limits.RPM)
		releaseTS := minuteEvents[releaseIndex].TS + RPMWindowSeconds
		waits = append(waits, math.Max(0, releaseTS-nowTS))
	}
	if rpdUsed >= limits.RPD && len(dayEvents) > 0 {
		releaseIndex := maxInt(0, rpdUsed-limits.RPD)
		releaseTS := dayEvents[releaseIndex].TS + RPDWindowSeconds
		waits = append(waits, math.Max(0, releaseTS-nowTS))
	}

	if len(waits) == 0 {
		return 0
	}
	longest := waits[0]
	for _, w := range waits[1:] {
		if w > longest {
			longest = w
		}
	}
	return maxInt(1, int(math.Ceil(longest)))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
