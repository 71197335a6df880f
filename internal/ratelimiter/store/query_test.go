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

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokengate"
)

// seedEntityTree creates the rows DeleteEntityTree must find: metadata, an
// entity-level config, a usage snapshot, an audit event, and bucket shards
// across two resources.
func seedEntityTree(t *testing.T, repo *Repository) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, repo.PutEntity(ctx, testNS, EntityRecord{ID: "user-1", CreatedAtMS: 1}))
	_, err := repo.PutConfig(ctx, testNS, EntityConfigKey(testNS, "user-1", "chat"), ConfigRecord{
		Limits: map[string]tokengate.LimitConfig{"rpm": rpmConfig},
	})
	require.NoError(t, err)
	require.NoError(t, repo.UpsertUsageSnapshot(ctx, testNS, UsageDelta{
		EntityID: "user-1", Resource: "chat", WindowStart: "2026-08-26T14",
		CountersMilli: map[string]int64{"rpm": 1000}, Events: 1,
	}))
	require.NoError(t, repo.PutAudit(ctx, AuditRecord{
		EventID: "01J5XQZJ8G0000000000000002", NamespaceID: testNS, EntityID: "user-1", Action: "entity.create",
	}))
	limits := map[string]tokengate.LimitConfig{"rpm": rpmConfig}
	require.NoError(t, repo.PutBucketShard(ctx, testNS, BucketKey{EntityID: "user-1", Resource: "chat", Shard: 0}, limits, 2, 1))
	require.NoError(t, repo.PutBucketShard(ctx, testNS, BucketKey{EntityID: "user-1", Resource: "chat", Shard: 1}, limits, 2, 1))
	require.NoError(t, repo.PutBucketShard(ctx, testNS, BucketKey{EntityID: "user-1", Resource: "embeddings", Shard: 0}, limits, 1, 1))
}

func TestQueryEntityBuckets(t *testing.T) {
	repo, _ := newTestRepo()
	seedEntityTree(t, repo)

	keys, err := repo.QueryEntityBuckets(context.Background(), testNS, "user-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []BucketKey{
		{EntityID: "user-1", Resource: "chat", Shard: 0},
		{EntityID: "user-1", Resource: "chat", Shard: 1},
		{EntityID: "user-1", Resource: "embeddings", Shard: 0},
	}, keys)
}

func TestQueryResourceEntities(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo()
	seedEntityTree(t, repo)

	limits := map[string]tokengate.LimitConfig{"rpm": rpmConfig}
	require.NoError(t, repo.PutBucketShard(ctx, testNS, BucketKey{EntityID: "user-2", Resource: "chat", Shard: 0}, limits, 1, 1))

	// user-1 appears once despite two chat shards plus a usage snapshot on
	// the same index.
	ids, err := repo.QueryResourceEntities(ctx, testNS, "chat")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user-1", "user-2"}, ids)
}

func TestQueryNamespaceItemsAndPurge(t *testing.T) {
	ctx := context.Background()
	repo, fake := newTestRepo()
	seedEntityTree(t, repo)

	// A second namespace's rows must not leak into the listing.
	require.NoError(t, repo.PutEntity(ctx, "other0000", EntityRecord{ID: "user-9", CreatedAtMS: 1}))

	keys, err := repo.QueryNamespaceItems(ctx, testNS)
	require.NoError(t, err)
	assert.Len(t, keys, 7, "metadata, config, snapshot, audit, and three shards")

	require.NoError(t, repo.BatchDeleteKeys(ctx, keys))
	assert.Equal(t, 1, fake.Len(), "only the other namespace's row survives")
}

func TestDeleteEntityTree(t *testing.T) {
	ctx := context.Background()
	repo, fake := newTestRepo()
	seedEntityTree(t, repo)

	// Sibling entity in the same namespace stays.
	require.NoError(t, repo.PutEntity(ctx, testNS, EntityRecord{ID: "user-2", CreatedAtMS: 1}))

	require.NoError(t, repo.DeleteEntityTree(ctx, testNS, "user-1"))

	assert.Equal(t, 1, fake.Len())
	got, err := repo.GetEntity(ctx, testNS, "user-2")
	require.NoError(t, err)
	assert.Equal(t, "user-2", got.ID)

	// Idempotent on an already-empty tree.
	require.NoError(t, repo.DeleteEntityTree(ctx, testNS, "user-1"))
}
