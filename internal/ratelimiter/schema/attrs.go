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

package schema

import (
	"strings"
	"time"
)

// Composite bucket items are flat: one attribute per (limit, field) pair
// named b_{limit}_{field}. Flatness is load-bearing — the aggregator writes
// ADD expressions that must commute with concurrent speculative client
// updates, and a nested map path cannot be both "SET if_not_exists" and
// "ADD" in one statement.
const bucketAttrPrefix = "b_"

// BucketField is one of the per-limit counter suffixes inside a composite
// bucket item.
type BucketField string

const (
	FieldTokens        BucketField = "tk" // current balance, millitokens, may be negative
	FieldCapacity      BucketField = "cp" // capacity mirror, tokens
	FieldBurst         BucketField = "bx" // burst mirror, tokens
	FieldRefillAmount  BucketField = "ra" // refill amount mirror, tokens per period
	FieldRefillPeriod  BucketField = "rp" // refill period mirror, milliseconds
	FieldTotalConsumed BucketField = "tc" // lifetime consumption, millitokens, ADD-only
)

var bucketFields = map[BucketField]struct{}{
	FieldTokens: {}, FieldCapacity: {}, FieldBurst: {},
	FieldRefillAmount: {}, FieldRefillPeriod: {}, FieldTotalConsumed: {},
}

// BucketAttr builds the flat attribute name for one limit field.
func BucketAttr(limitName string, field BucketField) string {
	return bucketAttrPrefix + limitName + "_" + string(field)
}

// ParseBucketAttr decomposes a flat bucket attribute name. ok is false for
// attributes outside the b_{limit}_{field} family (rf, shard_count, keys…).
func ParseBucketAttr(name string) (limitName string, field BucketField, ok bool) {
	body, found := strings.CutPrefix(name, bucketAttrPrefix)
	if !found {
		return "", "", false
	}
	i := strings.LastIndexByte(body, '_')
	if i <= 0 || i == len(body)-1 {
		return "", "", false
	}
	limitName, field = body[:i], BucketField(body[i+1:])
	if _, known := bucketFields[field]; !known {
		return "", "", false
	}
	return limitName, field, true
}

// EnumerateLimits scans an attribute-name set and returns the limit names
// that have at least one b_{limit}_{field} attribute present.
func EnumerateLimits(attrNames []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, n := range attrNames {
		limit, _, ok := ParseBucketAttr(n)
		if !ok {
			continue
		}
		if _, dup := seen[limit]; dup {
			continue
		}
		seen[limit] = struct{}{}
		out = append(out, limit)
	}
	return out
}

// Usage snapshot counters are flat for the same if_not_exists/ADD reason as
// buckets: u_{limit} holds millitokens consumed in the window.
const usageAttrPrefix = "u_"

// AttrTotalEvents counts stream delta events folded into a snapshot window.
const AttrTotalEvents = "total_events"

// AttrWindowStart holds the ISO window start on snapshot items.
const AttrWindowStart = "window_start"

// UsageAttr builds the snapshot counter attribute for one limit.
func UsageAttr(limitName string) string { return usageAttrPrefix + limitName }

// ParseUsageAttr decomposes a snapshot counter attribute name.
func ParseUsageAttr(name string) (limitName string, ok bool) {
	return strings.CutPrefix(name, usageAttrPrefix)
}

// WindowGranularity selects the snapshot rollup window.
type WindowGranularity string

const (
	WindowHourly  WindowGranularity = "hourly"
	WindowDaily   WindowGranularity = "daily"
	WindowMonthly WindowGranularity = "monthly"
)

// WindowStart formats the ISO window-start label for a timestamp. Labels
// sort lexicographically in time order so snapshot SKs range-scan cleanly.
func WindowStart(t time.Time, g WindowGranularity) string {
	t = t.UTC()
	switch g {
	case WindowDaily:
		return t.Format("2006-01-02")
	case WindowMonthly:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02T15")
	}
}
