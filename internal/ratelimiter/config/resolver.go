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

package config

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tokengate"
	"tokengate/internal/ratelimiter/store"
)

// Precedence sources reported alongside resolved limits.
const (
	SourceEntity   = "entity"
	SourceResource = "resource"
	SourceSystem   = "system"
)

// On-unavailable policies carried on the system config record.
const (
	OnUnavailableAllow = "allow"
	OnUnavailableBlock = "block"
)

// Store is the slice of the repository the resolver reads through.
type Store interface {
	GetConfig(ctx context.Context, key store.ItemKey) (*store.ConfigRecord, error)
	GetEntity(ctx context.Context, ns, entityID string) (*store.EntityRecord, error)
}

// Resolver answers, per acquire, "what limits apply here" and "what is the
// system on-unavailable policy". All reads go through the shared cache;
// entity metadata for cascade walks shares the same cache and TTL.
type Resolver struct {
	st    Store
	cache *Cache
	log   *zap.Logger
}

// NewResolver builds a resolver over st. A nil cache gets a DefaultTTL one.
func NewResolver(st Store, cache *Cache, log *zap.Logger) *Resolver {
	if cache == nil {
		cache = NewCache(DefaultTTL)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{st: st, cache: cache, log: log}
}

// Cache exposes the underlying cache for stats and invalidation.
func (r *Resolver) Cache() *Cache { return r.cache }

// Invalidate drops all cached config and entity records. Called on every
// config mutation path.
func (r *Resolver) Invalidate() { r.cache.Invalidate() }

// config loads one config record through the cache. Absence is cached as a
// typed nil.
func (r *Resolver) config(ctx context.Context, key store.ItemKey) (*store.ConfigRecord, error) {
	v, err := r.cache.Do("cfg\x00"+key.PK+"\x00"+key.SK, func() (any, error) {
		rec, err := r.st.GetConfig(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return (*store.ConfigRecord)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.ConfigRecord), nil
}

// Entity loads entity metadata through the cache, for the cascade chain
// walk. Returns store.ErrNotFound for unknown entities; the negative entry
// is still cached so repeated acquires for a missing entity stay cheap.
func (r *Resolver) Entity(ctx context.Context, ns, entityID string) (*store.EntityRecord, error) {
	v, err := r.cache.Do("ent\x00"+ns+"\x00"+entityID, func() (any, error) {
		rec, err := r.st.GetEntity(ctx, ns, entityID)
		if errors.Is(err, store.ErrNotFound) {
			return (*store.EntityRecord)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	rec := v.(*store.EntityRecord)
	if rec == nil {
		return nil, fmt.Errorf("entity %s/%s: %w", ns, entityID, store.ErrNotFound)
	}
	return rec, nil
}

// ResolveLimits walks the precedence chain for (entity, resource) and
// returns the first tier that defines any limits, with the tier's name.
// A (nil, "", nil) return means no stored config applies and the caller's
// defaults, if any, take over.
func (r *Resolver) ResolveLimits(ctx context.Context, ns, entityID, resource string) (map[string]tokengate.LimitConfig, string, error) {
	tiers := []struct {
		key    store.ItemKey
		source string
	}{
		{store.EntityConfigKey(ns, entityID, resource), SourceEntity},
		{store.ResourceConfigKey(ns, resource), SourceResource},
		{store.SystemConfigKey(ns), SourceSystem},
	}
	for _, tier := range tiers {
		rec, err := r.config(ctx, tier.key)
		if err != nil {
			return nil, "", fmt.Errorf("resolving %s config: %w", tier.source, err)
		}
		if rec != nil && len(rec.Limits) > 0 {
			return rec.Limits, tier.source, nil
		}
	}
	return nil, "", nil
}

// ResolveOnUnavailable reads the system-level on-unavailable policy.
// Absent or unset means block: admitting traffic on infrastructure failure
// is opt-in.
func (r *Resolver) ResolveOnUnavailable(ctx context.Context, ns string) (string, error) {
	rec, err := r.config(ctx, store.SystemConfigKey(ns))
	if err != nil {
		return "", fmt.Errorf("resolving on-unavailable policy: %w", err)
	}
	if rec == nil || rec.OnUnavailable == "" {
		return OnUnavailableBlock, nil
	}
	return rec.OnUnavailable, nil
}
