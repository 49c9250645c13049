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

package keypool

import (
	"reflect"
	"testing"
)

func TestParseList(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
		want []string
	}{
		{"Empty", "", nil},
		{"WhitespaceOnly", "  \n ; , ", nil},
		{"Single", "key-a", []string{"key-a"}},
		{"Commas", "key-a, key-b,key-c", []string{"key-a", "key-b", "key-c"}},
		{"Newlines", "key-a\nkey-b\n", []string{"key-a", "key-b"}},
		{"Semicolons", "key-a;key-b", []string{"key-a", "key-b"}},
		{"MixedSeparators", "key-a,key-b\nkey-c;key-d", []string{"key-a", "key-b", "key-c", "key-d"}},
		{"DedupFirstSeen", "key-a,key-b,key-a", []string{"key-a", "key-b"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ParseList(tc.raw); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("ParseList(%q) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	got := Merge([]string{"a", "b"}, []string{"b", "c"}, []string{"a", "d"})
	want := []string{"a", "b", "c", "d"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Merge() = %v, want %v", got, want)
	}

	if got := Merge(nil); len(got) != 0 {
		t.Errorf("Merge(nil) = %v, want empty", got)
	}
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("AIzaExampleKey123")
	if len(fp) != 16 {
		t.Fatalf("Fingerprint length = %d, want 16", len(fp))
	}
	for _, r := range fp {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			t.Fatalf("Fingerprint contains non-hex rune %q", r)
		}
	}
	if fp != Fingerprint("AIzaExampleKey123") {
		t.Error("Fingerprint is not stable for equal inputs")
	}
	if fp == Fingerprint("AIzaExampleKey124") {
		t.Error("distinct keys produced identical fingerprints")
	}
}

func TestMask(t *testing.T) {
	testCases := []struct {
		raw  string
		want string
	}{
		{"", ""},
		{"short", "*****"},
		{"12345678", "********"},
		{"AIzaSyExampleSecret", "AIza...cret"},
	}

	for _, tc := range testCases {
		if got := Mask(tc.raw); got != tc.want {
			t.Errorf("Mask(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}
