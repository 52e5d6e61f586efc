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

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"quotely/internal/reactions/errs"
)

// FirstPageKey caches the unfiltered first page of an item's reactions.
func FirstPageKey(itemID string) string { return fmt.Sprintf("cache:reactions:p1:{%s}", itemID) }

// PageCache stores whole query responses for a short time, msgpack-encoded.
type PageCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewPageCache(client redis.UniversalClient, ttl time.Duration) *PageCache {
	return &PageCache{client: client, ttl: ttl}
}

// Get decodes the entry at key into dst and reports whether it was present.
func (p *PageCache) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := p.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errs.Transient("cache", "read page", err)
	}
	if err := msgpack.Unmarshal(raw, dst); err != nil {
		// Undecodable entries are treated as misses and overwritten.
		return false, nil
	}
	return true, nil
}

func (p *PageCache) Set(ctx context.Context, key string, v any) error {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode page: %w", err)
	}
	if err := p.client.Set(ctx, key, raw, p.ttl).Err(); err != nil {
		return errs.Transient("cache", "write page", err)
	}
	return nil
}

func (p *PageCache) Invalidate(ctx context.Context, key string) error {
	if err := p.client.Del(ctx, key).Err(); err != nil {
		return errs.Transient("cache", "invalidate page", err)
	}
	return nil
}
