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

package admin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tokengate"
	"tokengate/internal/ratelimiter/config"
	"tokengate/internal/ratelimiter/core"
	"tokengate/internal/ratelimiter/store"
	"tokengate/internal/ratelimiter/store/storetest"
)

const testNS = "abc12345"

var rpmLimits = map[string]tokengate.LimitConfig{
	"rpm": {Capacity: 100, RefillAmount: 100, RefillPeriod: time.Minute},
}

func newTestService() (*Service, *store.Repository, *storetest.Fake) {
	fake := storetest.NewFake()
	repo := store.NewRepository(fake, "tokengate-test", zap.NewNop())
	resolver := config.NewResolver(repo, config.NewCache(time.Minute), zap.NewNop())
	s := NewService(repo, resolver, zap.NewNop())
	s.clock = func() time.Time { return time.UnixMilli(1700000000000) }
	return s, repo, fake
}

func TestEntityLifecycle(t *testing.T) {
	s, repo, _ := newTestService()
	ctx := context.Background()

	require.NoError(t, s.CreateEntity(ctx, testNS, store.EntityRecord{ID: "org-1", Name: "Org"}, "ops"))
	require.NoError(t, s.CreateEntity(ctx, testNS, store.EntityRecord{ID: "user-1", ParentID: "org-1", Cascade: true}, "ops"))

	err := s.CreateEntity(ctx, testNS, store.EntityRecord{ID: "user-1"}, "ops")
	require.ErrorIs(t, err, store.ErrConflict)

	err = s.CreateEntity(ctx, testNS, store.EntityRecord{ID: "user-2", ParentID: "ghost"}, "ops")
	require.ErrorIs(t, err, store.ErrNotFound, "parents must exist")

	err = s.CreateEntity(ctx, testNS, store.EntityRecord{ID: "bad/id"}, "ops")
	require.ErrorIs(t, err, core.ErrValidation)

	got, err := s.GetEntity(ctx, testNS, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", got.ParentID)
	assert.True(t, got.Cascade)

	// audit events land under the entity's partition
	keys, err := repo.QueryPartition(ctx, testNS+"/AUDIT#user-1")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestDeleteEntityReleasesRegistryCounts(t *testing.T) {
	s, repo, _ := newTestService()
	ctx := context.Background()

	require.NoError(t, s.CreateEntity(ctx, testNS, store.EntityRecord{ID: "user-1"}, "ops"))
	require.NoError(t, s.SetEntityLimits(ctx, testNS, "user-1", "chat", rpmLimits, "ops"))
	require.NoError(t, s.SetEntityLimits(ctx, testNS, "user-1", "embeddings", rpmLimits, "ops"))

	counts, err := repo.ListConfigResources(ctx, testNS)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"chat": 1, "embeddings": 1}, counts)

	require.NoError(t, s.DeleteEntity(ctx, testNS, "user-1", "ops"))

	counts, err = repo.ListConfigResources(ctx, testNS)
	require.NoError(t, err)
	assert.Empty(t, counts)

	_, err = s.GetEntity(ctx, testNS, "user-1")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetEntityLimits(ctx, testNS, "user-1", "chat")
	require.ErrorIs(t, err, store.ErrNotFound)

	err = s.DeleteEntity(ctx, testNS, "user-1", "ops")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSystemLimits(t *testing.T) {
	s, _, _ := newTestService()
	ctx := context.Background()

	err := s.SetSystemLimits(ctx, testNS, rpmLimits, "shrug", "ops")
	require.ErrorIs(t, err, core.ErrValidation)

	err = s.SetSystemLimits(ctx, testNS, nil, config.OnUnavailableAllow, "ops")
	require.ErrorIs(t, err, core.ErrValidation)

	require.NoError(t, s.SetSystemLimits(ctx, testNS, rpmLimits, config.OnUnavailableAllow, "ops"))
	rec, err := s.GetSystemLimits(ctx, testNS)
	require.NoError(t, err)
	assert.Equal(t, config.OnUnavailableAllow, rec.OnUnavailable)
	assert.EqualValues(t, 100, rec.Limits["rpm"].Capacity)

	require.NoError(t, s.DeleteSystemLimits(ctx, testNS, "ops"))
	_, err = s.GetSystemLimits(ctx, testNS)
	require.ErrorIs(t, err, store.ErrNotFound)
	err = s.DeleteSystemLimits(ctx, testNS, "ops")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestResourceLimits(t *testing.T) {
	s, _, _ := newTestService()
	ctx := context.Background()

	err := s.SetResourceLimits(ctx, testNS, "bad/name", rpmLimits, "ops")
	require.ErrorIs(t, err, core.ErrValidation)

	reserved := map[string]tokengate.LimitConfig{"__wcu__": {Capacity: 1, RefillAmount: 1, RefillPeriod: time.Second}}
	err = s.SetResourceLimits(ctx, testNS, "chat", reserved, "ops")
	require.ErrorIs(t, err, core.ErrValidation)

	require.NoError(t, s.SetResourceLimits(ctx, testNS, "chat", rpmLimits, "ops"))
	rec, err := s.GetResourceLimits(ctx, testNS, "chat")
	require.NoError(t, err)
	assert.Len(t, rec.Limits, 1)

	require.NoError(t, s.DeleteResourceLimits(ctx, testNS, "chat", "ops"))
	_, err = s.GetResourceLimits(ctx, testNS, "chat")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestEntityLimitsRegistryCounting(t *testing.T) {
	s, repo, _ := newTestService()
	ctx := context.Background()

	err := s.SetEntityLimits(ctx, testNS, "ghost", "chat", rpmLimits, "ops")
	require.ErrorIs(t, err, store.ErrNotFound, "overrides need an existing entity")

	require.NoError(t, s.CreateEntity(ctx, testNS, store.EntityRecord{ID: "user-1"}, "ops"))
	require.NoError(t, s.SetEntityLimits(ctx, testNS, "user-1", "chat", rpmLimits, "ops"))

	// Rewriting the same override must not double-count.
	require.NoError(t, s.SetEntityLimits(ctx, testNS, "user-1", "chat", rpmLimits, "ops"))
	counts, err := repo.ListConfigResources(ctx, testNS)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"chat": 1}, counts)

	require.NoError(t, s.DeleteEntityLimits(ctx, testNS, "user-1", "chat", "ops"))
	counts, err = repo.ListConfigResources(ctx, testNS)
	require.NoError(t, err)
	assert.Empty(t, counts)

	err = s.DeleteEntityLimits(ctx, testNS, "user-1", "chat", "ops")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestConfigWritesInvalidateResolver(t *testing.T) {
	s, _, _ := newTestService()
	ctx := context.Background()

	require.NoError(t, s.SetSystemLimits(ctx, testNS, rpmLimits, "", "ops"))
	limits, source, err := s.resolver.ResolveLimits(ctx, testNS, "user-1", "chat")
	require.NoError(t, err)
	assert.Equal(t, config.SourceSystem, source)
	assert.EqualValues(t, 100, limits["rpm"].Capacity)

	tighter := map[string]tokengate.LimitConfig{
		"rpm": {Capacity: 5, RefillAmount: 5, RefillPeriod: time.Minute},
	}
	require.NoError(t, s.SetResourceLimits(ctx, testNS, "chat", tighter, "ops"))

	limits, source, err = s.resolver.ResolveLimits(ctx, testNS, "user-1", "chat")
	require.NoError(t, err)
	assert.Equal(t, config.SourceResource, source, "the cached system answer must not survive the write")
	assert.EqualValues(t, 5, limits["rpm"].Capacity)
}

func TestVersionRecord(t *testing.T) {
	s, _, _ := newTestService()
	ctx := context.Background()

	rec, err := s.GetVersionRecord(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, s.WriteVersionRecord(ctx, store.VersionRecord{SchemaVersion: 3, MinClientVersion: 1}, "ops"))
	rec, err = s.GetVersionRecord(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.EqualValues(t, 3, rec.SchemaVersion)
	assert.EqualValues(t, 1700000000000, rec.UpdatedAtMS)
}

func TestStatus(t *testing.T) {
	s, _, fake := newTestService()
	ctx := context.Background()

	require.NoError(t, s.WriteVersionRecord(ctx, store.VersionRecord{SchemaVersion: 3, MinClientVersion: 1}, "ops"))
	require.NoError(t, s.CreateEntity(ctx, testNS, store.EntityRecord{ID: "user-1"}, "ops"))
	require.NoError(t, s.SetEntityLimits(ctx, testNS, "user-1", "chat", rpmLimits, "ops"))

	st, err := s.Status(ctx, testNS)
	require.NoError(t, err)
	assert.True(t, st.Healthy)
	assert.EqualValues(t, 3, st.SchemaVersion)
	assert.Equal(t, map[string]int64{"chat": 1}, st.Resources)

	fake.PingErr = assert.AnError
	st, err = s.Status(ctx, testNS)
	require.NoError(t, err)
	assert.False(t, st.Healthy)
}
