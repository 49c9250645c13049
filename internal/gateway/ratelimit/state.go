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
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// stateVersion is the persisted document schema version.
const stateVersion = 1

// Event is one reservation in the ledger. Tokens is carried through the
// persisted schema for a future extension and is never consulted by the
// windowing math.
type Event struct {
	ID     string  `json:"id"`
	TS     float64 `json:"ts"`
	Tokens int     `json:"tokens"`
}

// document is the persisted form of the ledger: a single JSON object mapping
// bucket -> fingerprint -> ascending event list.
type document struct {
	Version   int                           `json:"version"`
	UpdatedAt string                        `json:"updated_at"`
	Events    map[Bucket]map[string][]Event `json:"events"`
}

func emptyDocument(now float64) document {
	return document{
		Version:   stateVersion,
		UpdatedAt: isoTime(now),
		Events:    make(map[Bucket]map[string][]Event),
	}
}

// isoTime formats seconds-since-epoch as ISO-8601 UTC with second precision.
func isoTime(ts float64) string {
	return time.Unix(int64(ts), 0).UTC().Format("2006-01-02T15:04:05Z")
}

// decodeDocument parses and normalizes a persisted ledger. Unknown buckets,
// malformed fingerprints, and events without a usable timestamp are dropped;
// missing event ids are synthesized, negative token counts clamped, and each
// event list re-sorted ascending by timestamp. A decode failure is returned
// to the caller, which falls back to an empty ledger.
func decodeDocument(data []byte, now float64) (document, error) {
	var raw struct {
		Version   int                                          `json:"version"`
		UpdatedAt string                                       `json:"updated_at"`
		Events    map[string]map[string][]map[string]json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return document{}, err
	}

	doc := emptyDocument(now)
	if raw.UpdatedAt != "" {
		doc.UpdatedAt = raw.UpdatedAt
	}
	for bucketName, bucketEvents := range raw.Events {
		bucket := Bucket(bucketName)
		if !bucket.Known() {
			continue
		}
		normalized := make(map[string][]Event)
		for fingerprint, entries := range bucketEvents {
			var kept []Event
			for _, entry := range entries {
				ev, ok := decodeEvent(entry)
				if !ok {
					continue
				}
				kept = append(kept, ev)
			}
			if len(kept) == 0 {
				continue
			}
			sort.Slice(kept, func(i, j int) bool { return kept[i].TS < kept[j].TS })
			normalized[fingerprint] = kept
		}
		if len(normalized) > 0 {
			doc.Events[bucket] = normalized
		}
	}
	return doc, nil
}

func decodeEvent(raw map[string]json.RawMessage) (Event, bool) {
	var ev Event
	tsRaw, ok := raw["ts"]
	if !ok {
		return Event{}, false
	}
	if err := json.Unmarshal(tsRaw, &ev.TS); err != nil {
		// Timestamps may have been written as strings by older tooling.
		var s string
		if err := json.Unmarshal(tsRaw, &s); err != nil {
			return Event{}, false
		}
		if err := json.Unmarshal([]byte(s), &ev.TS); err != nil {
			return Event{}, false
		}
	}
	if tokRaw, ok := raw["tokens"]; ok {
		if err := json.Unmarshal(tokRaw, &ev.Tokens); err != nil {
			ev.Tokens = 0
		}
	}
	if ev.Tokens < 0 {
		ev.Tokens = 0
	}
	if idRaw, ok := raw["id"]; ok {
		_ = json.Unmarshal(idRaw, &ev.ID)
	}
	if ev.ID == "" {
		ev.ID = newEventID()
	}
	return ev, true
}

// encodeDocument serializes the ledger compactly. json.Marshal emits no
// insignificant whitespace, matching the compact-separator contract.
func encodeDocument(doc document) ([]byte, error) {
	return json.Marshal(doc)
}

// newEventID returns a fresh opaque hex id, unique within the service
// lifetime (and far beyond).
func newEventID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
