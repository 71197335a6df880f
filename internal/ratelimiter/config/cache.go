// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: August 2026
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

// Package config resolves the limits that apply to an (entity, resource)
// pair through the entity > resource > system precedence chain, fronted by a
// process-local TTL cache with negative entries and singleflight fetches.
package config

import (
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is the cache lifetime used when callers have no opinion.
const DefaultTTL = 60 * time.Second

// Cache is a TTL cache for config and entity lookups. It stores whatever the
// fetch function returns, including typed nil pointers, which is how "no
// config here" gets remembered. A zero TTL disables storage entirely;
// every call then goes to the fetcher.
type Cache struct {
	ttl   time.Duration
	data  *gocache.Cache
	group singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits   int64
	Misses int64
	Size   int
}

// NewCache builds a cache with the given entry TTL. ttl == 0 disables
// caching.
func NewCache(ttl time.Duration) *Cache {
	c := &Cache{ttl: ttl}
	if ttl > 0 {
		c.data = gocache.New(ttl, 2*ttl)
	}
	return c
}

// Do returns the cached value for key, or runs fetch to populate it.
// Concurrent misses on the same key share one fetch. Fetch errors are not
// cached.
func (c *Cache) Do(key string, fetch func() (any, error)) (any, error) {
	if c.data == nil {
		v, err, _ := c.group.Do(key, fetch)
		return v, err
	}
	if v, ok := c.data.Get(key); ok {
		c.hits.Add(1)
		return v, nil
	}
	c.misses.Add(1)
	v, err, _ := c.group.Do(key, func() (any, error) {
		// A racing caller may have filled the entry while we queued.
		if v, ok := c.data.Get(key); ok {
			return v, nil
		}
		v, err := fetch()
		if err != nil {
			return nil, err
		}
		c.data.SetDefault(key, v)
		return v, nil
	})
	return v, err
}

// Invalidate drops every entry. Config mutations are rare relative to
// acquires, so coarse flushing beats precise eviction bookkeeping.
func (c *Cache) Invalidate() {
	if c.data != nil {
		c.data.Flush()
	}
}

// Stats reports hit/miss counters and the live entry count.
func (c *Cache) Stats() Stats {
	s := Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	if c.data != nil {
		s.Size = c.data.ItemCount()
	}
	return s
}
