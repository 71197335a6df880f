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

package aggregator

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tokengate"
	"tokengate/internal/ratelimiter/schema"
	"tokengate/internal/ratelimiter/store"
	"tokengate/internal/ratelimiter/store/storetest"
)

const testNS = "abc12345"

var t0 = time.UnixMilli(1700000000000)

type fakeS3 struct {
	mu   sync.Mutex
	puts []*s3.PutObjectInput
	err  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func avs(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func avn(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func newAgg(cfg Config) (*Aggregator, *storetest.Fake, *fakeS3) {
	fake := storetest.NewFake()
	repo := store.NewRepository(fake, "tokengate-test", zap.NewNop())
	s3c := &fakeS3{}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return t0 }
	}
	return New(repo, s3c, cfg, zap.NewNop()), fake, s3c
}

// bucketImage builds a bucket row image: key attributes plus the given
// numeric counters.
func bucketImage(entity, resource string, shard int, rf, shardCount int64, nums map[string]int64) map[string]types.AttributeValue {
	img := map[string]types.AttributeValue{
		schema.AttrPK:         avs(schema.BucketPK(testNS, entity, resource, shard)),
		schema.AttrSK:         avs(schema.BucketSK),
		schema.AttrRefill:     avn(rf),
		schema.AttrShardCount: avn(shardCount),
	}
	for k, v := range nums {
		img[k] = avn(v)
	}
	return img
}

func keysOf(img map[string]types.AttributeValue) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		schema.AttrPK: img[schema.AttrPK],
		schema.AttrSK: img[schema.AttrSK],
	}
}

func itemN(t *testing.T, item map[string]types.AttributeValue, attr string) int64 {
	t.Helper()
	n, ok := item[attr].(*types.AttributeValueMemberN)
	require.True(t, ok, "attribute %s missing or not numeric", attr)
	v, err := strconv.ParseInt(n.Value, 10, 64)
	require.NoError(t, err)
	return v
}

func TestExtractDeltas(t *testing.T) {
	old := bucketImage("user-1", "chat", 0, 100, 1, map[string]int64{
		"b_rpm_tc": 1000,
		"b_tpm_tc": 500,
	})
	new_ := bucketImage("user-1", "chat", 0, 200, 1, map[string]int64{
		"b_rpm_tc":      3000,
		"b_tpm_tc":      500,
		"b___wcu___tc":  2000,
		"b_rpm_tk":      -42, // balance changes are not consumption
	})
	rec := StreamRecord{
		EventName:   EventModify,
		Keys:        keysOf(new_),
		OldImage:    old,
		NewImage:    new_,
		TimestampMS: t0.UnixMilli(),
	}

	deltas := extractDeltas(rec)
	byLimit := map[string]int64{}
	for _, d := range deltas {
		assert.Equal(t, "user-1", d.EntityID)
		assert.Equal(t, "chat", d.Resource)
		assert.Equal(t, testNS, d.Namespace)
		byLimit[d.LimitName] = d.TokensMilli
	}
	assert.Equal(t, map[string]int64{"rpm": 2000, schema.WCULimitName: 2000}, byLimit)

	rec.Keys = map[string]types.AttributeValue{schema.AttrPK: avs(testNS + "/ENTITY#user-1"), schema.AttrSK: avs("#META")}
	assert.Empty(t, extractDeltas(rec))
}

func TestSnapshotRollup(t *testing.T) {
	agg, fake, _ := newAgg(Config{})
	base := bucketImage("user-1", "chat", 0, t0.UnixMilli(), 1, map[string]int64{"b_rpm_tc": 0})
	mid := bucketImage("user-1", "chat", 0, t0.UnixMilli(), 1, map[string]int64{"b_rpm_tc": 2000})
	last := bucketImage("user-1", "chat", 0, t0.UnixMilli(), 1, map[string]int64{"b_rpm_tc": 5000})

	res := agg.HandleBatch(context.Background(), []StreamRecord{
		{EventName: EventModify, SequenceNumber: "1", Keys: keysOf(mid), OldImage: base, NewImage: mid, TimestampMS: t0.UnixMilli()},
		{EventName: EventModify, SequenceNumber: "2", Keys: keysOf(last), OldImage: mid, NewImage: last, TimestampMS: t0.UnixMilli()},
	})
	require.NoError(t, res.Errors)
	assert.Empty(t, res.FailedSequenceNumbers)
	assert.Equal(t, 1, res.Deltas)

	window := schema.WindowStart(t0, schema.WindowHourly)
	item := fake.Item(schema.EntityPK(testNS, "user-1"), schema.UsageSK("chat", window))
	require.NotNil(t, item)
	assert.EqualValues(t, 5000, itemN(t, item, "u_rpm"))
	assert.EqualValues(t, 2, itemN(t, item, schema.AttrTotalEvents))
	assert.Greater(t, itemN(t, item, schema.AttrTTL), t0.Unix())
}

func TestSnapshotFailureMarksRecords(t *testing.T) {
	agg, fake, _ := newAgg(Config{})
	base := bucketImage("user-1", "chat", 0, t0.UnixMilli(), 1, map[string]int64{"b_rpm_tc": 0})
	next := bucketImage("user-1", "chat", 0, t0.UnixMilli(), 1, map[string]int64{"b_rpm_tc": 2000})
	fake.PushErr("UpdateItem", errors.New("throttled"))

	res := agg.HandleBatch(context.Background(), []StreamRecord{
		{EventName: EventModify, SequenceNumber: "7", Keys: keysOf(next), OldImage: base, NewImage: next, TimestampMS: t0.UnixMilli()},
	})
	require.Error(t, res.Errors)
	assert.Equal(t, []string{"7"}, res.FailedSequenceNumbers)
}

// A bucket that is burning tokens faster than it refills gets topped up with
// an ADD that commutes with consumes the stream has not shown yet.
func TestProactiveRefillCommutes(t *testing.T) {
	agg, fake, _ := newAgg(Config{})
	rf := t0.UnixMilli() - 10_000
	cfgAttrs := map[string]int64{
		"b_rpm_cp": 10_000,
		"b_rpm_bx": 10_000,
		"b_rpm_ra": 10_000,
		"b_rpm_rp": 60_000,
	}

	// Live row: a concurrent consume of 1M milli landed after the stream
	// snapshot was cut.
	live := bucketImage("user-1", "chat", 0, rf, 1, map[string]int64{
		"b_rpm_tk": -500_000,
		"b_rpm_tc": 10_500_000,
	})
	for k, v := range cfgAttrs {
		live[k] = avn(v)
	}
	fake.SetItem(live)

	old := bucketImage("user-1", "chat", 0, rf, 1, map[string]int64{"b_rpm_tc": 9_400_000})
	new_ := bucketImage("user-1", "chat", 0, rf, 1, map[string]int64{
		"b_rpm_tk": 500_000,
		"b_rpm_tc": 9_500_000,
	})
	for k, v := range cfgAttrs {
		new_[k] = avn(v)
	}

	res := agg.HandleBatch(context.Background(), []StreamRecord{
		{EventName: EventModify, SequenceNumber: "1", Keys: keysOf(new_), OldImage: old, NewImage: new_, TimestampMS: t0.UnixMilli()},
	})
	require.NoError(t, res.Errors)

	// 10s of elapsed credit at 10k tokens/60s is 1_666_666 milli, added on
	// top of the concurrent consume rather than clobbering it.
	item := fake.Item(schema.BucketPK(testNS, "user-1", "chat", 0), schema.BucketSK)
	require.NotNil(t, item)
	assert.EqualValues(t, -500_000+1_666_666, itemN(t, item, "b_rpm_tk"))
	assert.EqualValues(t, t0.UnixMilli(), itemN(t, item, schema.AttrRefill))
}

func TestProactiveRefillLosesRace(t *testing.T) {
	agg, fake, _ := newAgg(Config{})
	streamRF := t0.UnixMilli() - 10_000

	// The live row's rf already moved past the stream snapshot.
	live := bucketImage("user-1", "chat", 0, t0.UnixMilli()-1_000, 1, map[string]int64{
		"b_rpm_tk": 900_000,
		"b_rpm_tc": 9_600_000,
		"b_rpm_cp": 10_000, "b_rpm_bx": 10_000, "b_rpm_ra": 10_000, "b_rpm_rp": 60_000,
	})
	fake.SetItem(live)

	old := bucketImage("user-1", "chat", 0, streamRF, 1, map[string]int64{"b_rpm_tc": 9_400_000})
	new_ := bucketImage("user-1", "chat", 0, streamRF, 1, map[string]int64{
		"b_rpm_tk": 500_000,
		"b_rpm_tc": 9_500_000,
		"b_rpm_cp": 10_000, "b_rpm_bx": 10_000, "b_rpm_ra": 10_000, "b_rpm_rp": 60_000,
	})

	res := agg.HandleBatch(context.Background(), []StreamRecord{
		{EventName: EventModify, SequenceNumber: "1", Keys: keysOf(new_), OldImage: old, NewImage: new_, TimestampMS: t0.UnixMilli()},
	})
	require.NoError(t, res.Errors, "a lost rf race is a no-op, not a failure")

	item := fake.Item(schema.BucketPK(testNS, "user-1", "chat", 0), schema.BucketSK)
	assert.EqualValues(t, 900_000, itemN(t, item, "b_rpm_tk"))
}

func TestShardDoublingOnHotWrites(t *testing.T) {
	agg, fake, _ := newAgg(Config{})
	ctx := context.Background()
	repo := store.NewRepository(fake, "tokengate-test", zap.NewNop())
	key0 := store.BucketKey{EntityID: "user-1", Resource: "chat", Shard: 0}
	limits := map[string]tokengate.LimitConfig{
		"rpm": {Capacity: 10, RefillAmount: 10, RefillPeriod: time.Minute},
	}
	require.NoError(t, repo.PutBucketShard(ctx, testNS, key0, limits, 1, t0.UnixMilli()-10_000))

	// 5000 write units over a one-second span, well past 80% of 1000.
	old := bucketImage("user-1", "chat", 0, t0.UnixMilli()-10_000, 1, map[string]int64{"b___wcu___tc": 0})
	new_ := bucketImage("user-1", "chat", 0, t0.UnixMilli()-10_000, 1, map[string]int64{"b___wcu___tc": 5_000_000})

	res := agg.HandleBatch(ctx, []StreamRecord{
		{EventName: EventModify, SequenceNumber: "1", Keys: keysOf(new_), OldImage: old, NewImage: new_, TimestampMS: t0.UnixMilli()},
	})
	require.NoError(t, res.Errors)

	item := fake.Item(schema.BucketPK(testNS, "user-1", "chat", 0), schema.BucketSK)
	assert.EqualValues(t, 2, itemN(t, item, schema.AttrShardCount))
}

func TestShardDoublingBelowThresholdIsQuiet(t *testing.T) {
	agg, fake, _ := newAgg(Config{})
	old := bucketImage("user-1", "chat", 0, t0.UnixMilli(), 1, map[string]int64{"b___wcu___tc": 0})
	new_ := bucketImage("user-1", "chat", 0, t0.UnixMilli(), 1, map[string]int64{"b___wcu___tc": 100_000})

	res := agg.HandleBatch(context.Background(), []StreamRecord{
		{EventName: EventModify, SequenceNumber: "1", Keys: keysOf(new_), OldImage: old, NewImage: new_, TimestampMS: t0.UnixMilli()},
	})
	require.NoError(t, res.Errors)
	assert.Zero(t, fake.Len())
}

func TestShardMaterialisation(t *testing.T) {
	agg, fake, _ := newAgg(Config{})
	cfgAttrs := map[string]int64{
		"b_rpm_tk": 3_000_000,
		"b_rpm_cp": 10, "b_rpm_bx": 10, "b_rpm_ra": 10, "b_rpm_rp": 60_000,
		"b_rpm_tc": 7_000_000,
	}
	old := bucketImage("user-1", "chat", 0, t0.UnixMilli(), 1, cfgAttrs)
	new_ := bucketImage("user-1", "chat", 0, t0.UnixMilli(), 2, cfgAttrs)

	res := agg.HandleBatch(context.Background(), []StreamRecord{
		{EventName: EventModify, SequenceNumber: "1", Keys: keysOf(new_), OldImage: old, NewImage: new_, TimestampMS: t0.UnixMilli()},
	})
	require.NoError(t, res.Errors)

	shard1 := fake.Item(schema.BucketPK(testNS, "user-1", "chat", 1), schema.BucketSK)
	require.NotNil(t, shard1, "shard 1 must be materialised after the count doubles")
	assert.EqualValues(t, 2, itemN(t, shard1, schema.AttrShardCount))
	assert.EqualValues(t, 10, itemN(t, shard1, "b_rpm_cp"))
	assert.EqualValues(t, 0, itemN(t, shard1, "b_rpm_tk"), "new shards start empty")

	// Re-delivery of the same record must not reset the shard.
	fake.SetItem(bucketImage("user-1", "chat", 1, t0.UnixMilli(), 2, map[string]int64{"b_rpm_tk": 123}))
	res = agg.HandleBatch(context.Background(), []StreamRecord{
		{EventName: EventModify, SequenceNumber: "2", Keys: keysOf(new_), OldImage: old, NewImage: new_, TimestampMS: t0.UnixMilli()},
	})
	require.NoError(t, res.Errors)
	shard1 = fake.Item(schema.BucketPK(testNS, "user-1", "chat", 1), schema.BucketSK)
	assert.EqualValues(t, 123, itemN(t, shard1, "b_rpm_tk"))
}

func seedAudit(t *testing.T, fake *storetest.Fake, rec store.AuditRecord) StreamRecord {
	t.Helper()
	repo := store.NewRepository(fake, "tokengate-test", zap.NewNop())
	require.NoError(t, repo.PutAudit(context.Background(), rec))
	item := fake.Item(schema.AuditPK(rec.NamespaceID, rec.EntityID), schema.AuditSK(rec.EventID))
	require.NotNil(t, item)
	return StreamRecord{
		EventName:      EventRemove,
		SequenceNumber: rec.EventID,
		Keys: map[string]types.AttributeValue{
			schema.AttrPK: item[schema.AttrPK],
			schema.AttrSK: item[schema.AttrSK],
		},
		OldImage:    item,
		TimestampMS: t0.UnixMilli(),
	}
}

func TestAuditArchival(t *testing.T) {
	agg, fake, s3c := newAgg(Config{AuditBucket: "tokengate-archive"})
	expired := func(id, action string) store.AuditRecord {
		return store.AuditRecord{
			EventID:     id,
			TimestampMS: t0.Add(-40 * 24 * time.Hour).UnixMilli(),
			NamespaceID: testNS,
			EntityID:    "user-1",
			Action:      action,
			Principal:   "ops@example.com",
			Resource:    "chat",
			Details:     map[string]string{"limit": "rpm"},
			TTLEpoch:    t0.Unix() - 60,
		}
	}
	rec1 := seedAudit(t, fake, expired("01A", "entity.create"))
	rec2 := seedAudit(t, fake, expired("01B", "limits.set"))
	fresh := expired("01C", "entity.delete")
	fresh.TTLEpoch = t0.Unix() + 3600
	rec3 := seedAudit(t, fake, fresh)

	res := agg.HandleBatch(context.Background(), []StreamRecord{rec1, rec2, rec3})
	require.NoError(t, res.Errors)
	assert.Empty(t, res.FailedSequenceNumbers)

	require.Len(t, s3c.puts, 1, "one object per date partition")
	put := s3c.puts[0]
	assert.Equal(t, "tokengate-archive", *put.Bucket)
	day := t0.Add(-40 * 24 * time.Hour).UTC()
	assert.Regexp(t,
		`^audit/year=`+day.Format("2006")+`/month=`+day.Format("01")+`/day=`+day.Format("02")+`/audit-[0-9a-f-]+-\d{8}T\d{6}Z\.jsonl\.gz$`,
		*put.Key)
	assert.Equal(t, "application/x-ndjson", *put.ContentType)
	assert.Equal(t, "gzip", *put.ContentEncoding)

	zr, err := gzip.NewReader(put.Body)
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)

	dec := json.NewDecoder(bytes.NewReader(raw))
	var lines []archiveLine
	for dec.More() {
		var l archiveLine
		require.NoError(t, dec.Decode(&l))
		lines = append(lines, l)
	}
	require.Len(t, lines, 2, "the unexpired record stays out of the archive")
	assert.Equal(t, "01A", lines[0].EventID)
	assert.Equal(t, "entity.create", lines[0].Action)
	assert.Equal(t, "user-1", lines[0].EntityID)
	assert.Equal(t, "ops@example.com", lines[0].Principal)
	assert.Equal(t, map[string]string{"limit": "rpm"}, lines[0].Details)
	assert.Equal(t, "01B", lines[1].EventID)
}

func TestAuditArchivalFailureMarksRecords(t *testing.T) {
	agg, fake, s3c := newAgg(Config{AuditBucket: "tokengate-archive"})
	s3c.err = errors.New("access denied")
	rec := seedAudit(t, fake, store.AuditRecord{
		EventID:     "01A",
		TimestampMS: t0.Add(-time.Hour).UnixMilli(),
		NamespaceID: testNS,
		EntityID:    "user-1",
		Action:      "entity.create",
		TTLEpoch:    t0.Unix() - 1,
	})

	res := agg.HandleBatch(context.Background(), []StreamRecord{rec})
	require.Error(t, res.Errors)
	assert.Equal(t, []string{"01A"}, res.FailedSequenceNumbers)
}

func TestArchivalDisabledDropsExpired(t *testing.T) {
	fake := storetest.NewFake()
	repo := store.NewRepository(fake, "tokengate-test", zap.NewNop())
	agg := New(repo, nil, Config{Clock: func() time.Time { return t0 }}, zap.NewNop())
	rec := seedAudit(t, fake, store.AuditRecord{
		EventID:     "01A",
		TimestampMS: t0.Add(-time.Hour).UnixMilli(),
		NamespaceID: testNS,
		EntityID:    "user-1",
		Action:      "entity.create",
		TTLEpoch:    t0.Unix() - 1,
	})

	res := agg.HandleBatch(context.Background(), []StreamRecord{rec})
	require.NoError(t, res.Errors)
	assert.Empty(t, res.FailedSequenceNumbers)
}
