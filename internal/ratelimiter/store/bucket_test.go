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
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokengate"
	"tokengate/internal/ratelimiter/schema"
)

const testNS = "abc12345"

var rpmConfig = tokengate.LimitConfig{
	Capacity:     10,
	RefillAmount: 10,
	RefillPeriod: time.Minute,
}

func TestBuildBucketUpdateShape(t *testing.T) {
	old := int64(1700000000000)
	w := BucketWrite{
		Key:         BucketKey{EntityID: "user-1", Resource: "chat", Shard: 0},
		OldRefillMS: &old,
		NewRefillMS: 1700000005000,
		Deltas: map[string]CounterDelta{
			"rpm": {TokensMilli: -3000, ConsumedMilli: 3000},
		},
	}

	expr, cond, names, values := buildBucketUpdate(testNS, w)
	require.NotNil(t, cond)

	assert.Equal(t, "SET #n1 = :v1 ADD #n3 :v3, #n4 :v4", expr)
	assert.Equal(t, "#n2 = :v2", *cond)
	assert.Equal(t, schema.AttrRefill, names["#n1"])
	assert.Equal(t, schema.AttrRefill, names["#n2"])
	assert.Equal(t, "b_rpm_tk", names["#n3"])
	assert.Equal(t, "b_rpm_tc", names["#n4"])
	assert.Len(t, values, 4)
}

func TestTransactWriteBucketsFirstTouch(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo()
	key := BucketKey{EntityID: "user-1", Resource: "chat", Shard: 0}

	// First touch: ADD guarded on the item not existing yet, plus
	// if_not_exists config mirrors.
	err := repo.TransactWriteBuckets(ctx, testNS, []BucketWrite{{
		Key:         key,
		NewRefillMS: 1700000000000,
		Deltas:      map[string]CounterDelta{"rpm": {TokensMilli: -2000, ConsumedMilli: 2000}},
		InitLimits:  map[string]tokengate.LimitConfig{"rpm": rpmConfig},
	}}, nil)
	require.NoError(t, err)

	b, err := repo.GetBucket(ctx, testNS, key)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, key, b.Key)
	assert.Equal(t, int64(1700000000000), b.RefillMS)
	assert.Equal(t, 1, b.ShardCount)

	st, ok := b.State("rpm")
	require.True(t, ok)
	assert.Equal(t, int64(-2000), st.TokensMilli)
	assert.Equal(t, int64(10), st.Config.Capacity)
	assert.Equal(t, time.Minute, st.Config.RefillPeriod)
	assert.Equal(t, int64(2000), b.ConsumedMilli["rpm"])
}

func TestTransactWriteBucketsInitDoesNotClobberConfig(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo()
	key := BucketKey{EntityID: "user-1", Resource: "chat", Shard: 0}

	first := BucketWrite{
		Key:         key,
		NewRefillMS: 1700000000000,
		Deltas:      map[string]CounterDelta{"rpm": {TokensMilli: -1000, ConsumedMilli: 1000}},
		InitLimits:  map[string]tokengate.LimitConfig{"rpm": rpmConfig},
	}
	require.NoError(t, repo.TransactWriteBuckets(ctx, testNS, []BucketWrite{first}, nil))

	// A racing creator loses the attribute_not_exists guard outright; its
	// initial balance must not stack on top of the winner's.
	bigger := rpmConfig
	bigger.Capacity = 999
	second := BucketWrite{
		Key:         key,
		NewRefillMS: 1700000001000,
		Deltas:      map[string]CounterDelta{"rpm": {TokensMilli: -1000, ConsumedMilli: 1000}},
		InitLimits:  map[string]tokengate.LimitConfig{"rpm": bigger},
	}
	err := repo.TransactWriteBuckets(ctx, testNS, []BucketWrite{second}, nil)
	require.ErrorIs(t, err, ErrConditionFailed)

	// The retry carries the winner's rf; if_not_exists keeps its different
	// init values from overwriting the mirrors already on the item.
	winner := int64(1700000000000)
	second.OldRefillMS = &winner
	require.NoError(t, repo.TransactWriteBuckets(ctx, testNS, []BucketWrite{second}, nil))

	b, err := repo.GetBucket(ctx, testNS, key)
	require.NoError(t, err)
	st, _ := b.State("rpm")
	assert.Equal(t, int64(10), st.Config.Capacity)
	assert.Equal(t, int64(-2000), st.TokensMilli, "counter deltas still accumulate")
}

func TestTransactWriteBucketsRefillCAS(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo()
	key := BucketKey{EntityID: "user-1", Resource: "chat", Shard: 0}

	require.NoError(t, repo.TransactWriteBuckets(ctx, testNS, []BucketWrite{{
		Key:         key,
		NewRefillMS: 1700000000000,
		Deltas:      map[string]CounterDelta{"rpm": {TokensMilli: -1000, ConsumedMilli: 1000}},
		InitLimits:  map[string]tokengate.LimitConfig{"rpm": rpmConfig},
	}}, nil))

	stale := int64(1600000000000)
	err := repo.TransactWriteBuckets(ctx, testNS, []BucketWrite{{
		Key:         key,
		OldRefillMS: &stale,
		NewRefillMS: 1700000005000,
		Deltas:      map[string]CounterDelta{"rpm": {TokensMilli: -1000, ConsumedMilli: 1000}},
	}}, nil)
	require.ErrorIs(t, err, ErrConditionFailed)

	// The cancelled transaction left the item untouched.
	b, err := repo.GetBucket(ctx, testNS, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), b.RefillMS)
	st, _ := b.State("rpm")
	assert.Equal(t, int64(-1000), st.TokensMilli)
}

func TestTransactWriteBucketsWithAudit(t *testing.T) {
	ctx := context.Background()
	repo, fake := newTestRepo()
	key := BucketKey{EntityID: "user-1", Resource: "chat", Shard: 0}

	audit := &AuditRecord{
		EventID:     "01J5XQZJ8G0000000000000001",
		TimestampMS: 1700000000000,
		NamespaceID: testNS,
		EntityID:    "user-1",
		Action:      "acquire",
		Principal:   "svc-gateway",
	}
	require.NoError(t, repo.TransactWriteBuckets(ctx, testNS, []BucketWrite{{
		Key:         key,
		NewRefillMS: 1700000000000,
		Deltas:      map[string]CounterDelta{"rpm": {TokensMilli: -1000, ConsumedMilli: 1000}},
		InitLimits:  map[string]tokengate.LimitConfig{"rpm": rpmConfig},
	}}, audit))

	item := fake.Item(schema.AuditPK(testNS, "user-1"), schema.AuditSK(audit.EventID))
	require.NotNil(t, item, "audit row rides in the same transaction")
}

func TestTransactWriteBucketsRejectsOversizedBatch(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo()

	writes := make([]BucketWrite, maxTransactItems)
	for i := range writes {
		writes[i] = BucketWrite{
			Key:         BucketKey{EntityID: "user-1", Resource: "chat", Shard: i},
			NewRefillMS: 1,
			Deltas:      map[string]CounterDelta{"rpm": {TokensMilli: -1}},
		}
	}
	// 25 writes plus the audit put is one over the transaction ceiling.
	err := repo.TransactWriteBuckets(ctx, testNS, writes, &AuditRecord{EventID: "x", NamespaceID: testNS, EntityID: "user-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "25-item limit")
}

func TestAddToBucketCompensation(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo()
	key := BucketKey{EntityID: "user-1", Resource: "chat", Shard: 0}

	require.NoError(t, repo.TransactWriteBuckets(ctx, testNS, []BucketWrite{{
		Key:         key,
		NewRefillMS: 1700000000000,
		Deltas:      map[string]CounterDelta{"rpm": {TokensMilli: -5000, ConsumedMilli: 5000}},
		InitLimits:  map[string]tokengate.LimitConfig{"rpm": rpmConfig},
	}}, nil))

	// Unconditional compensating ADD reverses the speculative debit.
	require.NoError(t, repo.AddToBucket(ctx, testNS, BucketWrite{
		Key:    key,
		Deltas: map[string]CounterDelta{"rpm": {TokensMilli: 5000, ConsumedMilli: -5000}},
	}))

	b, err := repo.GetBucket(ctx, testNS, key)
	require.NoError(t, err)
	st, _ := b.State("rpm")
	assert.Equal(t, int64(0), st.TokensMilli)
	assert.Equal(t, int64(0), b.ConsumedMilli["rpm"])
}

func TestBatchGetBucketsDedupAndMisses(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo()

	k0 := BucketKey{EntityID: "user-1", Resource: "chat", Shard: 0}
	k1 := BucketKey{EntityID: "user-1", Resource: "chat", Shard: 1}
	missing := BucketKey{EntityID: "user-2", Resource: "chat", Shard: 0}

	require.NoError(t, repo.PutBucketShard(ctx, testNS, k0, map[string]tokengate.LimitConfig{"rpm": rpmConfig}, 2, 1700000000000))
	require.NoError(t, repo.PutBucketShard(ctx, testNS, k1, map[string]tokengate.LimitConfig{"rpm": rpmConfig}, 2, 1700000000000))

	got, err := repo.BatchGetBuckets(ctx, testNS, []BucketKey{k0, k1, k0, missing})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[k0].ShardCount)
	assert.Equal(t, 2, got[k1].ShardCount)
	assert.NotContains(t, got, missing)
}

func TestGetBucketAbsent(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo()

	b, err := repo.GetBucket(ctx, testNS, BucketKey{EntityID: "ghost", Resource: "chat"})
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestSetShardCountOneWay(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo()
	key := BucketKey{EntityID: "user-1", Resource: "chat", Shard: 0}

	require.NoError(t, repo.PutBucketShard(ctx, testNS, key, map[string]tokengate.LimitConfig{"rpm": rpmConfig}, 1, 1700000000000))

	require.NoError(t, repo.SetShardCount(ctx, testNS, key, 1, 2))

	// A concurrent doubler lost the race: its CAS on the old count fails.
	err := repo.SetShardCount(ctx, testNS, key, 1, 2)
	require.ErrorIs(t, err, ErrConditionFailed)

	// Shrinking is rejected before the store is touched.
	err = repo.SetShardCount(ctx, testNS, key, 2, 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConditionFailed)
}

func TestPutBucketShardIdempotent(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo()
	key := BucketKey{EntityID: "user-1", Resource: "chat", Shard: 3}

	require.NoError(t, repo.PutBucketShard(ctx, testNS, key, map[string]tokengate.LimitConfig{"rpm": rpmConfig}, 4, 1700000000000))

	// Debit the fresh shard, then re-materialise: the guarded put is a no-op.
	require.NoError(t, repo.AddToBucket(ctx, testNS, BucketWrite{
		Key:    key,
		Deltas: map[string]CounterDelta{"rpm": {TokensMilli: -1000}},
	}))
	require.NoError(t, repo.PutBucketShard(ctx, testNS, key, map[string]tokengate.LimitConfig{"rpm": rpmConfig}, 4, 1700000099000))

	b, err := repo.GetBucket(ctx, testNS, key)
	require.NoError(t, err)
	st, _ := b.State("rpm")
	assert.Equal(t, int64(-1000), st.TokensMilli, "existing shard state survives")
	assert.Equal(t, int64(1700000000000), b.RefillMS)
}

func TestUpsertUsageSnapshotAccumulates(t *testing.T) {
	ctx := context.Background()
	repo, fake := newTestRepo()

	d := UsageDelta{
		EntityID:      "user-1",
		Resource:      "chat",
		WindowStart:   "2026-08-26T14",
		CountersMilli: map[string]int64{"rpm": 3000, "tpm": 0},
		Events:        2,
		TTLEpoch:      1700086400,
	}
	require.NoError(t, repo.UpsertUsageSnapshot(ctx, testNS, d))

	d.CountersMilli = map[string]int64{"rpm": 1000}
	d.Events = 1
	d.TTLEpoch = 1700090000 // later flush must not move the window's TTL
	require.NoError(t, repo.UpsertUsageSnapshot(ctx, testNS, d))

	item := fake.Item(schema.EntityPK(testNS, "user-1"), schema.UsageSK("chat", "2026-08-26T14"))
	require.NotNil(t, item)
	assert.Equal(t, "4000", item["u_rpm"].(*types.AttributeValueMemberN).Value)
	assert.Equal(t, "3", item[schema.AttrTotalEvents].(*types.AttributeValueMemberN).Value)
	assert.Equal(t, "1700086400", item[schema.AttrTTL].(*types.AttributeValueMemberN).Value)
	_, hasTPM := item["u_tpm"]
	assert.False(t, hasTPM, "zero counters are not written")
}

func TestUpsertUsageSnapshotEmptyDeltaIsNoop(t *testing.T) {
	ctx := context.Background()
	repo, fake := newTestRepo()

	require.NoError(t, repo.UpsertUsageSnapshot(ctx, testNS, UsageDelta{
		EntityID:    "user-1",
		Resource:    "chat",
		WindowStart: "2026-08-26T14",
	}))
	assert.Equal(t, 0, fake.Len())
}
