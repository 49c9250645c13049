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
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// apiKeyCacheSize bounds the number of live per-key handles.
const apiKeyCacheSize = 16

// ClientCache memoizes provider handles. Per-key handles live in a bounded
// LRU; the project-mode handle occupies a single slot keyed by its
// (project, location, timeout) tuple. Construction happens under the cache
// lock, which is cheap because building a handle does no I/O.
type ClientCache struct {
	mu      sync.Mutex
	byKey   *lru.Cache
	timeout time.Duration

	projectKey    string
	projectClient *Client
}

// NewClientCache builds a cache whose handles use the given upstream
// timeout.
func NewClientCache(timeout time.Duration) *ClientCache {
	cache, _ := lru.New(apiKeyCacheSize) // only errors on size <= 0
	return &ClientCache{byKey: cache, timeout: timeout}
}

// APIKeyClient returns the memoized handle for (apiKey, flavor), building
// it on first use.
func (c *ClientCache) APIKeyClient(apiKey string, flavor Flavor) *Client {
	cacheKey := string(flavor) + "\x00" + apiKey
	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.byKey.Get(cacheKey); ok {
		return cached.(*Client)
	}
	client := NewAPIKeyClient(apiKey, flavor, c.timeout)
	c.byKey.Add(cacheKey, client)
	return client
}

// ProjectClient returns the memoized project-mode handle, replacing it when
// the project tuple changes.
func (c *ClientCache) ProjectClient(project, location string) *Client {
	key := fmt.Sprintf("%s\x00%s\x00%d", project, location, c.timeout)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.projectClient != nil && c.projectKey == key {
		return c.projectClient
	}
	c.projectClient = NewProjectClient(project, location, c.timeout)
	c.projectKey = key
	return c.projectClient
}
