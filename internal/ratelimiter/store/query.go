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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"

	"tokengate/internal/ratelimiter/schema"
)

// queryAll drains a paginated query, calling fn for every item.
func (r *Repository) queryAll(ctx context.Context, in *dynamodb.QueryInput, fn func(map[string]types.AttributeValue)) error {
	for {
		resp, err := r.client.Query(ctx, in)
		if err != nil {
			return err
		}
		for _, item := range resp.Items {
			fn(item)
		}
		if len(resp.LastEvaluatedKey) == 0 {
			return nil
		}
		in.ExclusiveStartKey = resp.LastEvaluatedKey
	}
}

// QueryPartition returns the keys of every row under one partition key.
// Delete-entity uses it to drain the entity and audit partitions.
func (r *Repository) QueryPartition(ctx context.Context, pk string) ([]ItemKey, error) {
	var keys []ItemKey
	err := r.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.table),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": avS(pk),
		},
		ProjectionExpression: aws.String("PK, SK"),
	}, func(item map[string]types.AttributeValue) {
		keys = append(keys, ItemKey{PK: getS(item, schema.AttrPK), SK: getS(item, schema.AttrSK)})
	})
	if err != nil {
		return nil, fmt.Errorf("querying partition %s: %w", pk, err)
	}
	return keys, nil
}

// QueryEntityBuckets lists every bucket shard of an entity via GSI3, without
// a table scan.
func (r *Repository) QueryEntityBuckets(ctx context.Context, ns, entityID string) ([]BucketKey, error) {
	var out []BucketKey
	err := r.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.table),
		IndexName:              aws.String(schema.IndexGSI3),
		KeyConditionExpression: aws.String("GSI3PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": avS(schema.GSI3PK(ns, entityID)),
		},
	}, func(item map[string]types.AttributeValue) {
		pk := getS(item, schema.AttrPK)
		if _, entity, resource, shard, ok := schema.ParseBucketPK(pk); ok {
			out = append(out, BucketKey{EntityID: entity, Resource: resource, Shard: shard})
		}
	})
	if err != nil {
		return nil, fmt.Errorf("querying buckets of entity %s: %w", entityID, err)
	}
	return out, nil
}

// QueryResourceEntities lists the entity ids with bucket state for a
// resource via GSI2, for cross-entity resource aggregation.
func (r *Repository) QueryResourceEntities(ctx context.Context, ns, resource string) ([]string, error) {
	var out []string
	err := r.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.table),
		IndexName:              aws.String(schema.IndexGSI2),
		KeyConditionExpression: aws.String("GSI2PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": avS(schema.GSI2PK(ns, resource)),
		},
	}, func(item map[string]types.AttributeValue) {
		if id := getS(item, schema.AttrEntityID); id != "" {
			out = append(out, id)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("querying entities for resource %s: %w", resource, err)
	}
	return lo.Uniq(out), nil
}

// QueryNamespaceItems returns the key of every data row belonging to a
// namespace via GSI4. Used only by purge.
func (r *Repository) QueryNamespaceItems(ctx context.Context, nsid string) ([]ItemKey, error) {
	var keys []ItemKey
	err := r.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.table),
		IndexName:              aws.String(schema.IndexGSI4),
		KeyConditionExpression: aws.String("GSI4PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": avS(nsid),
		},
	}, func(item map[string]types.AttributeValue) {
		keys = append(keys, ItemKey{PK: getS(item, schema.AttrPK), SK: getS(item, schema.AttrSK)})
	})
	if err != nil {
		return nil, fmt.Errorf("querying namespace %s items: %w", nsid, err)
	}
	return keys, nil
}

// BatchDeleteKeys removes rows in chunks of 25, retrying unprocessed writes
// a bounded number of times.
func (r *Repository) BatchDeleteKeys(ctx context.Context, keys []ItemKey) error {
	for _, chunk := range lo.Chunk(lo.Uniq(keys), maxBatchWrite) {
		reqs := make([]types.WriteRequest, 0, len(chunk))
		for _, k := range chunk {
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{
				Key: map[string]types.AttributeValue{
					schema.AttrPK: avS(k.PK),
					schema.AttrSK: avS(k.SK),
				},
			}})
		}
		for attempt := 0; len(reqs) > 0; attempt++ {
			resp, err := r.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{r.table: reqs},
			})
			if err != nil {
				return fmt.Errorf("batch-deleting %d rows: %w", len(reqs), err)
			}
			reqs = resp.UnprocessedItems[r.table]
			if len(reqs) > 0 && attempt >= batchGetRetries {
				return fmt.Errorf("batch delete left %d unprocessed rows after %d attempts", len(reqs), attempt+1)
			}
		}
	}
	return nil
}

// DeleteEntityTree removes every row an entity owns: its metadata/config/
// usage partition, its audit partition, and all bucket shards discovered via
// GSI3. Paginated and chunked; safe to re-run.
func (r *Repository) DeleteEntityTree(ctx context.Context, ns, entityID string) error {
	keys, err := r.QueryPartition(ctx, schema.EntityPK(ns, entityID))
	if err != nil {
		return err
	}
	auditKeys, err := r.QueryPartition(ctx, schema.AuditPK(ns, entityID))
	if err != nil {
		return err
	}
	keys = append(keys, auditKeys...)
	buckets, err := r.QueryEntityBuckets(ctx, ns, entityID)
	if err != nil {
		return err
	}
	for _, b := range buckets {
		keys = append(keys, ItemKey{
			PK: schema.BucketPK(ns, b.EntityID, b.Resource, b.Shard),
			SK: schema.BucketSK,
		})
	}
	if err := r.BatchDeleteKeys(ctx, keys); err != nil {
		return fmt.Errorf("deleting entity %s tree: %w", entityID, err)
	}
	return nil
}
