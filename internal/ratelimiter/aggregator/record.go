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

// Package aggregator consumes the table's change stream: it folds bucket
// consumption deltas into usage snapshots, tops up buckets that are trending
// empty with writes that commute with in-flight consumes, doubles shard
// counts under write pressure, and ships expired audit rows to the archive.
package aggregator

import (
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"tokengate/internal/ratelimiter/schema"
)

// Stream event names.
const (
	EventInsert = "INSERT"
	EventModify = "MODIFY"
	EventRemove = "REMOVE"
)

// StreamRecord is one change event, already converted to plain dynamodb
// attribute values by the poller.
type StreamRecord struct {
	EventName      string
	SequenceNumber string
	Keys           map[string]types.AttributeValue
	OldImage       map[string]types.AttributeValue
	NewImage       map[string]types.AttributeValue
	// TimestampMS is the record's approximate creation time.
	TimestampMS int64
}

// PK returns the record's partition key.
func (r StreamRecord) PK() string {
	if v, ok := r.Keys[schema.AttrPK].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// ConsumptionDelta is one limit's consumption change extracted from a bucket
// record.
type ConsumptionDelta struct {
	Namespace   string
	EntityID    string
	Resource    string
	LimitName   string
	TokensMilli int64
	TimestampMS int64
}

func attrN(img map[string]types.AttributeValue, name string) int64 {
	if v, ok := img[name].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

// extractDeltas diffs the `b_{limit}_tc` counters between a bucket record's
// images. INSERTs diff against zero so the first consume on a fresh shard is
// not lost. Zero deltas and non-counter attributes are skipped; the `__wcu__`
// virtual limit is extracted like any other and filtered by the snapshot
// layer.
func extractDeltas(r StreamRecord) []ConsumptionDelta {
	ns, entityID, resource, _, ok := schema.ParseBucketPK(r.PK())
	if !ok {
		return nil
	}
	var out []ConsumptionDelta
	for name := range r.NewImage {
		limit, field, ok := schema.ParseBucketAttr(name)
		if !ok || field != schema.FieldTotalConsumed {
			continue
		}
		d := attrN(r.NewImage, name) - attrN(r.OldImage, name)
		if d == 0 {
			continue
		}
		out = append(out, ConsumptionDelta{
			Namespace:   ns,
			EntityID:    entityID,
			Resource:    resource,
			LimitName:   limit,
			TokensMilli: d,
			TimestampMS: r.TimestampMS,
		})
	}
	return out
}
