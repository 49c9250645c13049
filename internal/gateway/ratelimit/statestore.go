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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	redis "github.com/redis/go-redis/v9"
)

// StateStore is the backing storage for the persisted ledger document.
// Load returns (nil, nil) when no document exists yet. Implementations must
// make Save atomic from a reader's point of view: a concurrent Load observes
// either the prior or the new document, never a torn write.
type StateStore interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// FileStore persists the ledger as a single JSON file using the
// write-temp-then-rename idiom. Single-writer: the file is assumed to be
// owned by exactly one service instance.
type FileStore struct {
	path string
}

// NewFileStore returns a store writing to path. Parent directories are
// created on the first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the target file path.
func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (f *FileStore) Save(_ context.Context, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state temp file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// RedisStringClient abstracts the minimal Redis surface the redis-backed
// state store needs. Implementations may wrap github.com/redis/go-redis/v9
// or any equivalent; Get returns (value, found, error).
type RedisStringClient interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// GoRedisStringClient wraps github.com/redis/go-redis/v9 as a
// RedisStringClient.
type GoRedisStringClient struct{ c *redis.Client }

// NewGoRedisStringClient connects to addr (e.g. "127.0.0.1:6379").
func NewGoRedisStringClient(addr string) *GoRedisStringClient {
	return &GoRedisStringClient{c: redis.NewClient(&redis.Options{Addr: addr})}
}

func (g *GoRedisStringClient) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := g.c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (g *GoRedisStringClient) Set(ctx context.Context, key, value string) error {
	return g.c.Set(ctx, key, value, 0).Err()
}

// RedisStore keeps the whole ledger document under one Redis string key.
// A single SET per Save preserves the document-at-a-time atomicity contract;
// the single-writer requirement is unchanged.
type RedisStore struct {
	client RedisStringClient
	key    string
}

// NewRedisStore returns a store holding the document under key.
func NewRedisStore(client RedisStringClient, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

func (r *RedisStore) Load(ctx context.Context) ([]byte, error) {
	value, found, err := r.client.Get(ctx, r.key)
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	if !found {
		return nil, nil
	}
	return []byte(value), nil
}

func (r *RedisStore) Save(ctx context.Context, data []byte) error {
	if err := r.client.Set(ctx, r.key, string(data)); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}

// BuildStateStore constructs a StateStore from a backend selector.
// Supported backends:
//   - "file" (default): single JSON file at path
//   - "redis": whole document under redisKey at redisAddr
func BuildStateStore(backend, path, redisAddr, redisKey string) (StateStore, error) {
	switch backend {
	case "", "file":
		return NewFileStore(path), nil
	case "redis":
		if redisAddr == "" {
			return nil, errors.New("redis state backend requires an address")
		}
		return NewRedisStore(NewGoRedisStringClient(redisAddr), redisKey), nil
	default:
		return nil, fmt.Errorf("unknown rate limit state backend: %s", backend)
	}
}
