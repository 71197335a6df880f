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
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tokengate"
	"tokengate/internal/ratelimiter/schema"
	"tokengate/internal/ratelimiter/store"
	"tokengate/internal/ratelimiter/telemetry"
)

const (
	// DefaultShardWCUThreshold is the fraction of per-shard write capacity
	// above which the shard count doubles.
	DefaultShardWCUThreshold = 0.8
	// DefaultWCUPerShard is the assumed write-unit ceiling of one physical
	// shard, units per second.
	DefaultWCUPerShard = 1000.0
	// DefaultMaxShardCount caps one-way shard growth.
	DefaultMaxShardCount = 64
	// DefaultSnapshotTTL keeps usage snapshots for 35 days.
	DefaultSnapshotTTL = 35 * 24 * time.Hour
)

// Config tunes the batch handler. Zero values take the defaults above;
// Granularity defaults to hourly windows. An empty AuditBucket disables
// archival.
type Config struct {
	Granularity       schema.WindowGranularity
	SnapshotTTL       time.Duration
	AuditBucket       string
	ShardWCUThreshold float64
	WCUPerShard       float64
	MaxShardCount     int
	Clock             func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Granularity == "" {
		c.Granularity = schema.WindowHourly
	}
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = DefaultSnapshotTTL
	}
	if c.ShardWCUThreshold <= 0 {
		c.ShardWCUThreshold = DefaultShardWCUThreshold
	}
	if c.WCUPerShard <= 0 {
		c.WCUPerShard = DefaultWCUPerShard
	}
	if c.MaxShardCount <= 0 {
		c.MaxShardCount = DefaultMaxShardCount
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Aggregator folds one stream batch at a time into the table and the archive.
type Aggregator struct {
	repo *store.Repository
	s3   S3Client
	cfg  Config
	log  *zap.Logger
}

// New wires the handler. s3c may be nil when archival is disabled.
func New(repo *store.Repository, s3c S3Client, cfg Config, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{repo: repo, s3: s3c, cfg: cfg.withDefaults(), log: log}
}

// BatchResult reports what the batch did. FailedSequenceNumbers lists
// records whose effects were not durably applied; the poller must not
// checkpoint past them. Refill and shard writes that lose their conditional
// race are not failures.
type BatchResult struct {
	Deltas                int
	FailedSequenceNumbers []string
	Errors                error
}

type snapKey struct {
	ns       string
	entityID string
	resource string
	window   string
}

type snapGroup struct {
	delta store.UsageDelta
	seqs  []string
}

// bucketView is the last observed state of one bucket shard within the
// batch, plus the batch-accumulated consumption used for rate projection.
type bucketView struct {
	ns      string
	key     store.BucketKey
	item    *store.BucketItem
	tcDelta map[string]int64
	firstMS int64
	lastMS  int64
}

// HandleBatch processes one ordered batch of stream records. Every
// responsibility runs even when an earlier one errored; errors accumulate
// into the result.
func (a *Aggregator) HandleBatch(ctx context.Context, records []StreamRecord) BatchResult {
	now := a.cfg.Clock()
	nowMS := now.UnixMilli()

	var res BatchResult
	snaps := make(map[snapKey]*snapGroup)
	buckets := make(map[string]*bucketView)
	var expired []auditRemove

	for _, rec := range records {
		pk := rec.PK()
		switch {
		case schema.IsBucketPK(pk) && (rec.EventName == EventModify || rec.EventName == EventInsert):
			a.foldBucketRecord(rec, snaps, buckets)
			if rec.EventName == EventModify {
				a.materialiseShards(ctx, rec, nowMS, &res)
			}
		case schema.IsAuditPK(pk) && rec.EventName == EventRemove:
			if ttl := attrN(rec.OldImage, schema.AttrTTL); ttl > 0 && ttl <= now.Unix() {
				expired = append(expired, auditRemove{rec: rec})
			}
		}
	}

	a.flushSnapshots(ctx, snaps, &res)
	a.refillAndShard(ctx, buckets, nowMS, &res)
	a.archive(ctx, expired, &res)

	telemetry.ObserveStreamDeltas(res.Deltas)
	return res
}

// foldBucketRecord extracts the record's deltas into the snapshot groups and
// updates the bucket's running view.
func (a *Aggregator) foldBucketRecord(rec StreamRecord, snaps map[snapKey]*snapGroup, buckets map[string]*bucketView) {
	deltas := extractDeltas(rec)
	for _, d := range deltas {
		if d.LimitName == schema.WCULimitName {
			continue
		}
		k := snapKey{
			ns:       d.Namespace,
			entityID: d.EntityID,
			resource: d.Resource,
			window:   schema.WindowStart(time.UnixMilli(d.TimestampMS), a.cfg.Granularity),
		}
		g := snaps[k]
		if g == nil {
			g = &snapGroup{delta: store.UsageDelta{
				EntityID:      d.EntityID,
				Resource:      d.Resource,
				WindowStart:   k.window,
				CountersMilli: make(map[string]int64),
				TTLEpoch:      a.cfg.Clock().Add(a.cfg.SnapshotTTL).Unix(),
			}}
			snaps[k] = g
		}
		g.delta.CountersMilli[d.LimitName] += d.TokensMilli
		g.delta.Events++
		g.seqs = append(g.seqs, rec.SequenceNumber)
	}

	pk := rec.PK()
	v := buckets[pk]
	if v == nil {
		ns, entityID, resource, shard, ok := schema.ParseBucketPK(pk)
		if !ok {
			return
		}
		v = &bucketView{
			ns:      ns,
			key:     store.BucketKey{EntityID: entityID, Resource: resource, Shard: shard},
			tcDelta: make(map[string]int64),
			firstMS: rec.TimestampMS,
		}
		buckets[pk] = v
	}
	for _, d := range deltas {
		v.tcDelta[d.LimitName] += d.TokensMilli
	}
	v.lastMS = rec.TimestampMS
	item, err := store.UnmarshalBucketItem(rec.NewImage)
	if err != nil {
		a.log.Warn("undecodable bucket image", zap.String("pk", pk), zap.Error(err))
		return
	}
	item.Key = v.key
	v.item = item
}

// flushSnapshots issues one upsert per (entity, resource, window). A failed
// upsert marks every contributing record so the batch is redelivered.
func (a *Aggregator) flushSnapshots(ctx context.Context, snaps map[snapKey]*snapGroup, res *BatchResult) {
	for k, g := range snaps {
		res.Deltas += len(g.delta.CountersMilli)
		if err := a.repo.UpsertUsageSnapshot(ctx, k.ns, g.delta); err != nil {
			telemetry.ObserveSnapshotWrite(false)
			res.FailedSequenceNumbers = append(res.FailedSequenceNumbers, g.seqs...)
			res.Errors = multierr.Append(res.Errors, err)
			a.log.Error("snapshot upsert failed",
				zap.String("entity", k.entityID),
				zap.String("resource", k.resource),
				zap.String("window", k.window),
				zap.Error(err))
			continue
		}
		telemetry.ObserveSnapshotWrite(true)
	}
}

// spanSeconds is the batch's observation span for a bucket, floored at one
// second so a single-record batch still yields a finite rate.
func (v *bucketView) spanSeconds() float64 {
	span := float64(v.lastMS-v.firstMS) / 1000
	if span < 1 {
		span = 1
	}
	return span
}

func (a *Aggregator) refillAndShard(ctx context.Context, buckets map[string]*bucketView, nowMS int64, res *BatchResult) {
	for _, v := range buckets {
		if v.item == nil {
			continue
		}
		a.maybeRefill(ctx, v, nowMS, res)
		a.maybeDouble(ctx, v, res)
	}
}

// maybeRefill tops up a bucket that is trending empty: when the batch's
// projected consumption over a limit's next period exceeds the balance that
// period would leave, the elapsed-time credit is pushed now instead of
// waiting for the next client write. The write ADDs per-limit credit for
// every limit and advances rf under the optimistic lock, so it commutes with
// concurrent consumes and pending credit is never dropped. Losing the rf
// race means someone else already refilled; that is a no-op.
func (a *Aggregator) maybeRefill(ctx context.Context, v *bucketView, nowMS int64, res *BatchResult) {
	span := v.spanSeconds()
	trending := false
	deltas := make(map[string]store.CounterDelta)
	for limit, state := range v.item.Limits {
		if limit == schema.WCULimitName || state.Config.RefillPeriod <= 0 {
			continue
		}
		credit := tokengate.Refill(state, nowMS).TokensMilli - state.TokensMilli
		if credit > 0 {
			deltas[limit] = store.CounterDelta{TokensMilli: credit}
		}
		rate := float64(v.tcDelta[limit]) / span
		projected := rate * state.Config.RefillPeriod.Seconds()
		if projected > float64(tokengate.CalculateAvailable(state, nowMS)) {
			trending = true
		}
	}
	if !trending || len(deltas) == 0 {
		return
	}

	old := v.item.RefillMS
	err := a.repo.AddToBucket(ctx, v.ns, store.BucketWrite{
		Key:         v.key,
		OldRefillMS: &old,
		NewRefillMS: nowMS,
		Deltas:      deltas,
	})
	switch {
	case err == nil:
		telemetry.ObserveRefillWrite("ok")
	case store.IsConditionFailed(err):
		telemetry.ObserveRefillWrite("lost_race")
	default:
		telemetry.ObserveRefillWrite("error")
		res.Errors = multierr.Append(res.Errors, err)
	}
}

// maybeDouble doubles the shard count when the bucket's write-unit rate runs
// hot. The count lives on shard 0 and only ever grows.
func (a *Aggregator) maybeDouble(ctx context.Context, v *bucketView, res *BatchResult) {
	wcu := float64(v.tcDelta[schema.WCULimitName]) / float64(tokengate.MilliPerToken) / v.spanSeconds()
	if wcu <= a.cfg.ShardWCUThreshold*a.cfg.WCUPerShard {
		return
	}
	count := v.item.ShardCount
	if count < 1 {
		count = 1
	}
	if count*2 > a.cfg.MaxShardCount {
		return
	}
	canonical := store.BucketKey{EntityID: v.key.EntityID, Resource: v.key.Resource, Shard: 0}
	err := a.repo.SetShardCount(ctx, v.ns, canonical, count, count*2)
	switch {
	case err == nil:
		telemetry.ObserveShardDoubling()
		a.log.Info("doubled shard count",
			zap.String("entity", v.key.EntityID),
			zap.String("resource", v.key.Resource),
			zap.Int("shards", count*2))
	case store.IsConditionFailed(err):
		// another worker got there first
	default:
		res.Errors = multierr.Append(res.Errors, err)
	}
}

// materialiseShards creates the new physical shards after a shard_count
// increase lands on shard 0, copying the canonical limit configuration.
// Creation is idempotent: already-materialised shards are left alone.
func (a *Aggregator) materialiseShards(ctx context.Context, rec StreamRecord, nowMS int64, res *BatchResult) {
	oldCount := int(attrN(rec.OldImage, schema.AttrShardCount))
	newCount := int(attrN(rec.NewImage, schema.AttrShardCount))
	if oldCount < 1 || newCount <= oldCount {
		return
	}
	ns, entityID, resource, shard, ok := schema.ParseBucketPK(rec.PK())
	if !ok || shard != 0 {
		return
	}
	item, err := store.UnmarshalBucketItem(rec.NewImage)
	if err != nil {
		res.Errors = multierr.Append(res.Errors, err)
		return
	}
	limits := make(map[string]tokengate.LimitConfig)
	for name, state := range item.Limits {
		if name == schema.WCULimitName || state.Config.RefillPeriod <= 0 {
			continue
		}
		limits[name] = state.Config
	}
	for s := oldCount; s < newCount; s++ {
		key := store.BucketKey{EntityID: entityID, Resource: resource, Shard: s}
		if err := a.repo.PutBucketShard(ctx, ns, key, limits, newCount, nowMS); err != nil {
			res.Errors = multierr.Append(res.Errors, err)
		}
	}
}
