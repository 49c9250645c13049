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
	"fmt"
	"testing"
	"time"
)

func TestClientCacheAPIKey(t *testing.T) {
	cache := NewClientCache(5 * time.Second)

	t.Run("MemoizesPerKeyAndFlavor", func(t *testing.T) {
		first := cache.APIKeyClient("key-a", FlavorDeveloper)
		if second := cache.APIKeyClient("key-a", FlavorDeveloper); second != first {
			t.Error("same (key, flavor) produced a new handle")
		}
		if other := cache.APIKeyClient("key-a", FlavorProject); other == first {
			t.Error("different flavor reused the developer handle")
		}
		if other := cache.APIKeyClient("key-b", FlavorDeveloper); other == first {
			t.Error("different key reused the handle")
		}
	})

	t.Run("EvictsLeastRecentlyUsed", func(t *testing.T) {
		cache := NewClientCache(5 * time.Second)
		first := cache.APIKeyClient("key-0", FlavorDeveloper)
		for i := 1; i <= apiKeyCacheSize; i++ {
			cache.APIKeyClient(fmt.Sprintf("key-%d", i), FlavorDeveloper)
		}
		if again := cache.APIKeyClient("key-0", FlavorDeveloper); again == first {
			t.Error("evicted handle returned; expected a rebuilt one")
		}
	})
}

func TestClientCacheProject(t *testing.T) {
	cache := NewClientCache(5 * time.Second)

	first := cache.ProjectClient("proj-1", "us-central1")
	if second := cache.ProjectClient("proj-1", "us-central1"); second != first {
		t.Error("same project tuple produced a new handle")
	}
	moved := cache.ProjectClient("proj-1", "europe-west4")
	if moved == first {
		t.Error("changed location reused the old handle")
	}
	// The project slot holds one handle; flipping back rebuilds.
	if back := cache.ProjectClient("proj-1", "us-central1"); back == first {
		t.Error("replaced handle returned; expected a rebuilt one")
	}
}
