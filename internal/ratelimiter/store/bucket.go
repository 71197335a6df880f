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
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"

	"tokengate"
	"tokengate/internal/ratelimiter/schema"
)

// Store-enforced limits on composite operations.
const (
	maxTransactItems = 25
	maxBatchGetKeys  = 100
	maxBatchWrite    = 25
	batchGetRetries  = 3
)

// bucketItemKey renders the table key of a bucket shard.
func bucketItemKey(ns string, k BucketKey) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		schema.AttrPK: avS(schema.BucketPK(ns, k.EntityID, k.Resource, k.Shard)),
		schema.AttrSK: avS(schema.BucketSK),
	}
}

// UnmarshalBucketItem decodes a composite bucket row by enumerating its flat
// b_{limit}_{field} attributes. Also used by the aggregator on stream images.
func UnmarshalBucketItem(item map[string]types.AttributeValue) (*BucketItem, error) {
	pk := getS(item, schema.AttrPK)
	_, entity, resource, shard, ok := schema.ParseBucketPK(pk)
	if !ok {
		return nil, fmt.Errorf("item %q is not a bucket shard", pk)
	}
	b := &BucketItem{
		Key:           BucketKey{EntityID: entity, Resource: resource, Shard: shard},
		RefillMS:      getN(item, schema.AttrRefill),
		ShardCount:    int(getN(item, schema.AttrShardCount)),
		Limits:        make(map[string]tokengate.BucketState),
		ConsumedMilli: make(map[string]int64),
	}
	if b.ShardCount == 0 {
		b.ShardCount = 1
	}
	names := make([]string, 0, len(item))
	for n := range item {
		names = append(names, n)
	}
	for _, limit := range schema.EnumerateLimits(names) {
		st := tokengate.BucketState{
			TokensMilli:  getN(item, schema.BucketAttr(limit, schema.FieldTokens)),
			LastRefillMS: b.RefillMS,
			Config: tokengate.LimitConfig{
				Capacity:     getN(item, schema.BucketAttr(limit, schema.FieldCapacity)),
				Burst:        getN(item, schema.BucketAttr(limit, schema.FieldBurst)),
				RefillAmount: getN(item, schema.BucketAttr(limit, schema.FieldRefillAmount)),
				RefillPeriod: time.Duration(getN(item, schema.BucketAttr(limit, schema.FieldRefillPeriod))) * time.Millisecond,
			},
		}
		b.Limits[limit] = st
		b.ConsumedMilli[limit] = getN(item, schema.BucketAttr(limit, schema.FieldTotalConsumed))
	}
	return b, nil
}

// buildBucketUpdate renders one BucketWrite as a DynamoDB update expression.
//
// Shape: ADD on tk/tc (commutes with every other writer), SET rf guarded by
// the optimistic lock on the previous rf, and if_not_exists SETs for the
// identity and config-mirror attributes on first touch.
func buildBucketUpdate(ns string, w BucketWrite) (expr string, cond *string, names map[string]string, values map[string]types.AttributeValue) {
	names = map[string]string{}
	values = map[string]types.AttributeValue{}

	var sets, adds []string
	ni, vi := 0, 0
	name := func(attr string) string {
		ni++
		p := fmt.Sprintf("#n%d", ni)
		names[p] = attr
		return p
	}
	value := func(v types.AttributeValue) string {
		vi++
		p := fmt.Sprintf(":v%d", vi)
		values[p] = v
		return p
	}

	if w.NewRefillMS > 0 {
		sets = append(sets, fmt.Sprintf("%s = %s", name(schema.AttrRefill), value(avN(w.NewRefillMS))))
	}
	if w.OldRefillMS != nil {
		p := name(schema.AttrRefill)
		c := fmt.Sprintf("%s = %s", p, value(avN(*w.OldRefillMS)))
		cond = &c
	} else if len(w.InitLimits) > 0 {
		// First touch: two writers racing to create the same item must not
		// both ADD the initial balance. The loser re-reads and retries
		// against the winner's rf.
		c := fmt.Sprintf("attribute_not_exists(%s)", name(schema.AttrRefill))
		cond = &c
	}

	// Deterministic iteration keeps expressions stable for tests and logs.
	limits := lo.Keys(w.Deltas)
	sort.Strings(limits)
	for _, limit := range limits {
		d := w.Deltas[limit]
		if d.TokensMilli != 0 {
			adds = append(adds, fmt.Sprintf("%s %s",
				name(schema.BucketAttr(limit, schema.FieldTokens)), value(avN(d.TokensMilli))))
		}
		if d.ConsumedMilli != 0 {
			adds = append(adds, fmt.Sprintf("%s %s",
				name(schema.BucketAttr(limit, schema.FieldTotalConsumed)), value(avN(d.ConsumedMilli))))
		}
	}

	if len(w.InitLimits) > 0 {
		ine := func(attr string, v types.AttributeValue) {
			p := name(attr)
			sets = append(sets, fmt.Sprintf("%s = if_not_exists(%s, %s)", p, p, value(v)))
		}
		initLimits := lo.Keys(w.InitLimits)
		sort.Strings(initLimits)
		for _, limit := range initLimits {
			cfg := w.InitLimits[limit]
			ine(schema.BucketAttr(limit, schema.FieldCapacity), avN(cfg.Capacity))
			ine(schema.BucketAttr(limit, schema.FieldBurst), avN(cfg.EffectiveBurst()))
			ine(schema.BucketAttr(limit, schema.FieldRefillAmount), avN(cfg.RefillAmount))
			ine(schema.BucketAttr(limit, schema.FieldRefillPeriod), avN(cfg.RefillPeriod.Milliseconds()))
		}
		ine(schema.AttrShardCount, avN(1))
		ine(schema.AttrEntityID, avS(w.Key.EntityID))
		ine(schema.AttrResource, avS(w.Key.Resource))
		ine(schema.AttrGSI2PK, avS(schema.GSI2PK(ns, w.Key.Resource)))
		ine(schema.AttrGSI2SK, avS(schema.GSI2SK(w.Key.EntityID)))
		ine(schema.AttrGSI3PK, avS(schema.GSI3PK(ns, w.Key.EntityID)))
		ine(schema.AttrGSI3SK, avS(schema.GSI3SK(w.Key.Resource, w.Key.Shard)))
		ine(schema.AttrGSI4PK, avS(ns))
	}

	var parts []string
	if len(sets) > 0 {
		parts = append(parts, "SET "+strings.Join(sets, ", "))
	}
	if len(adds) > 0 {
		parts = append(parts, "ADD "+strings.Join(adds, ", "))
	}
	return strings.Join(parts, " "), cond, names, values
}

// TransactWriteBuckets applies all bucket writes, plus an optional audit
// put, in one transaction. A transaction cancelled purely by condition
// failures surfaces as ErrConditionFailed so the caller can refresh and
// retry; anything else is an infrastructure failure.
func (r *Repository) TransactWriteBuckets(ctx context.Context, ns string, writes []BucketWrite, audit *AuditRecord) error {
	if len(writes) == 0 && audit == nil {
		return nil
	}
	items := make([]types.TransactWriteItem, 0, len(writes)+1)
	for _, w := range writes {
		expr, cond, names, values := buildBucketUpdate(ns, w)
		items = append(items, types.TransactWriteItem{Update: &types.Update{
			TableName:                 aws.String(r.table),
			Key:                       bucketItemKey(ns, w.Key),
			UpdateExpression:          aws.String(expr),
			ConditionExpression:       cond,
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		}})
	}
	if audit != nil {
		item, err := marshalAuditItem(*audit)
		if err != nil {
			return err
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName: aws.String(r.table),
			Item:      item,
		}})
	}
	if len(items) > maxTransactItems {
		return fmt.Errorf("transaction of %d items exceeds the %d-item limit", len(items), maxTransactItems)
	}
	if _, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	}); err != nil {
		if IsConditionFailed(err) {
			return fmt.Errorf("bucket transaction: %w: %v", ErrConditionFailed, err)
		}
		return fmt.Errorf("bucket transaction: %w", err)
	}
	return nil
}

// AddToBucket applies a single bucket's counter deltas outside of a larger
// transaction. Used by lease follow-up writes, compensation, and the
// aggregator's proactive refill.
func (r *Repository) AddToBucket(ctx context.Context, ns string, w BucketWrite) error {
	expr, cond, names, values := buildBucketUpdate(ns, w)
	if expr == "" {
		return nil
	}
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.table),
		Key:                       bucketItemKey(ns, w.Key),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       cond,
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if IsConditionFailed(err) {
			return fmt.Errorf("bucket %v update: %w: %v", w.Key, ErrConditionFailed, err)
		}
		return fmt.Errorf("bucket %v update: %w", w.Key, err)
	}
	return nil
}

// BatchGetBuckets reads the composite items for the given keys, deduplicated
// and chunked at the store's 100-key ceiling. Missing buckets are simply
// absent from the result map.
func (r *Repository) BatchGetBuckets(ctx context.Context, ns string, keys []BucketKey) (map[BucketKey]*BucketItem, error) {
	out := make(map[BucketKey]*BucketItem, len(keys))
	unique := lo.Uniq(keys)
	for _, chunk := range lo.Chunk(unique, maxBatchGetKeys) {
		reqKeys := make([]map[string]types.AttributeValue, 0, len(chunk))
		for _, k := range chunk {
			reqKeys = append(reqKeys, bucketItemKey(ns, k))
		}
		for attempt := 0; len(reqKeys) > 0; attempt++ {
			resp, err := r.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
				RequestItems: map[string]types.KeysAndAttributes{
					r.table: {Keys: reqKeys, ConsistentRead: aws.Bool(true)},
				},
			})
			if err != nil {
				return nil, fmt.Errorf("batch-getting %d buckets: %w", len(reqKeys), err)
			}
			for _, item := range resp.Responses[r.table] {
				b, err := UnmarshalBucketItem(item)
				if err != nil {
					return nil, err
				}
				out[b.Key] = b
			}
			reqKeys = nil
			if kaa, ok := resp.UnprocessedKeys[r.table]; ok {
				reqKeys = kaa.Keys
			}
			if len(reqKeys) > 0 && attempt >= batchGetRetries {
				return nil, fmt.Errorf("batch get left %d unprocessed keys after %d attempts", len(reqKeys), attempt+1)
			}
		}
	}
	return out, nil
}

// GetBucket reads one bucket shard, or (nil, nil) when absent.
func (r *Repository) GetBucket(ctx context.Context, ns string, key BucketKey) (*BucketItem, error) {
	item, err := r.getItem(ctx, ItemKey{
		PK: schema.BucketPK(ns, key.EntityID, key.Resource, key.Shard),
		SK: schema.BucketSK,
	})
	if err != nil || item == nil {
		return nil, err
	}
	return UnmarshalBucketItem(item)
}

// SetShardCount doubles (or otherwise raises) shard_count on the canonical
// shard, guarded against concurrent raisers. Sharding is one-way: the
// condition rejects any write that would lower the count.
func (r *Repository) SetShardCount(ctx context.Context, ns string, key BucketKey, old, next int) error {
	if next <= old {
		return fmt.Errorf("shard count may only grow: %d -> %d", old, next)
	}
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(r.table),
		Key:                      bucketItemKey(ns, key),
		UpdateExpression:         aws.String("SET #sc = :next"),
		ConditionExpression:      aws.String("#sc = :old"),
		ExpressionAttributeNames: map[string]string{"#sc": schema.AttrShardCount},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":next": avN(int64(next)),
			":old":  avN(int64(old)),
		},
	})
	if err != nil {
		if IsConditionFailed(err) {
			return fmt.Errorf("shard count for %v: %w: %v", key, ErrConditionFailed, err)
		}
		return fmt.Errorf("raising shard count for %v: %w", key, err)
	}
	return nil
}

// PutBucketShard materialises a new shard by writing its canonical config
// mirrors with a fresh rf and an empty balance. Guarded so a concurrent
// materialiser cannot reset an active shard.
func (r *Repository) PutBucketShard(ctx context.Context, ns string, key BucketKey, limits map[string]tokengate.LimitConfig, shardCount int, nowMS int64) error {
	item := map[string]types.AttributeValue{
		schema.AttrPK:         avS(schema.BucketPK(ns, key.EntityID, key.Resource, key.Shard)),
		schema.AttrSK:         avS(schema.BucketSK),
		schema.AttrRefill:     avN(nowMS),
		schema.AttrShardCount: avN(int64(shardCount)),
		schema.AttrEntityID:   avS(key.EntityID),
		schema.AttrResource:   avS(key.Resource),
		schema.AttrGSI2PK:     avS(schema.GSI2PK(ns, key.Resource)),
		schema.AttrGSI2SK:     avS(schema.GSI2SK(key.EntityID)),
		schema.AttrGSI3PK:     avS(schema.GSI3PK(ns, key.EntityID)),
		schema.AttrGSI3SK:     avS(schema.GSI3SK(key.Resource, key.Shard)),
		schema.AttrGSI4PK:     avS(ns),
	}
	for limit, cfg := range limits {
		item[schema.BucketAttr(limit, schema.FieldTokens)] = avN(0)
		item[schema.BucketAttr(limit, schema.FieldCapacity)] = avN(cfg.Capacity)
		item[schema.BucketAttr(limit, schema.FieldBurst)] = avN(cfg.EffectiveBurst())
		item[schema.BucketAttr(limit, schema.FieldRefillAmount)] = avN(cfg.RefillAmount)
		item[schema.BucketAttr(limit, schema.FieldRefillPeriod)] = avN(cfg.RefillPeriod.Milliseconds())
		item[schema.BucketAttr(limit, schema.FieldTotalConsumed)] = avN(0)
	}
	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if IsConditionFailed(err) {
			return nil // shard already materialised by someone else
		}
		return fmt.Errorf("materialising shard %v: %w", key, err)
	}
	return nil
}

// UpsertUsageSnapshot folds one window's deltas into a snapshot row:
// identity attributes are SET only if_not_exists, counters are ADDed. The
// flat layout makes the two verbs compatible in one statement.
func (r *Repository) UpsertUsageSnapshot(ctx context.Context, ns string, d UsageDelta) error {
	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	ni, vi := 0, 0
	name := func(attr string) string {
		ni++
		p := fmt.Sprintf("#n%d", ni)
		names[p] = attr
		return p
	}
	value := func(v types.AttributeValue) string {
		vi++
		p := fmt.Sprintf(":v%d", vi)
		values[p] = v
		return p
	}

	var sets, adds []string
	ine := func(attr string, v types.AttributeValue) {
		p := name(attr)
		sets = append(sets, fmt.Sprintf("%s = if_not_exists(%s, %s)", p, p, value(v)))
	}
	ine(schema.AttrResource, avS(d.Resource))
	ine(schema.AttrWindowStart, avS(d.WindowStart))
	ine(schema.AttrEntityID, avS(d.EntityID))
	ine(schema.AttrGSI2PK, avS(schema.GSI2PK(ns, d.Resource)))
	ine(schema.AttrGSI2SK, avS(schema.GSI2SK(d.EntityID)))
	ine(schema.AttrGSI4PK, avS(ns))
	if d.TTLEpoch > 0 {
		ine(schema.AttrTTL, avN(d.TTLEpoch))
	}

	limits := lo.Keys(d.CountersMilli)
	sort.Strings(limits)
	for _, limit := range limits {
		if d.CountersMilli[limit] == 0 {
			continue
		}
		adds = append(adds, fmt.Sprintf("%s %s",
			name(schema.UsageAttr(limit)), value(avN(d.CountersMilli[limit]))))
	}
	if d.Events != 0 {
		adds = append(adds, fmt.Sprintf("%s %s", name(schema.AttrTotalEvents), value(avN(d.Events))))
	}
	if len(adds) == 0 {
		return nil
	}

	expr := "SET " + strings.Join(sets, ", ") + " ADD " + strings.Join(adds, ", ")
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.table),
		Key: map[string]types.AttributeValue{
			schema.AttrPK: avS(schema.EntityPK(ns, d.EntityID)),
			schema.AttrSK: avS(schema.UsageSK(d.Resource, d.WindowStart)),
		},
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("upserting snapshot %s/%s/%s: %w", d.EntityID, d.Resource, d.WindowStart, err)
	}
	return nil
}
