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
	"tokengate"
)

// ItemKey addresses one row in the table.
type ItemKey struct {
	PK string
	SK string
}

// EntityRecord is the metadata row of a rate-limited entity.
type EntityRecord struct {
	ID       string
	Name     string
	ParentID string
	// Cascade propagates this entity's consumption to its parent chain when
	// no per-acquire override is given.
	Cascade     bool
	Metadata    map[string]string
	CreatedAtMS int64
}

// ConfigRecord is a composite limit configuration at system, resource, or
// entity level. OnUnavailable is meaningful only on the system record.
type ConfigRecord struct {
	Limits        map[string]tokengate.LimitConfig
	OnUnavailable string // "allow" | "block" | ""
	UpdatedAtMS   int64
}

// BucketKey addresses one logical bucket shard.
type BucketKey struct {
	EntityID string
	Resource string
	Shard    int
}

// BucketItem is the decoded composite bucket row: one shared refill
// timestamp plus per-limit state and lifetime consumption counters.
type BucketItem struct {
	Key        BucketKey
	RefillMS   int64
	ShardCount int
	// Limits carries tk/cp/bx/ra/rp per limit name.
	Limits map[string]tokengate.BucketState
	// ConsumedMilli carries the ADD-only tc counter per limit name.
	ConsumedMilli map[string]int64
}

// State returns the BucketState for limit, or (zero, false) when the item
// does not track that limit yet.
func (b *BucketItem) State(limit string) (tokengate.BucketState, bool) {
	if b == nil {
		return tokengate.BucketState{}, false
	}
	s, ok := b.Limits[limit]
	return s, ok
}

// CounterDelta is an ADD applied to one limit's counters: TokensMilli goes
// to tk (signed), ConsumedMilli to tc.
type CounterDelta struct {
	TokensMilli   int64
	ConsumedMilli int64
}

// BucketWrite describes one bucket mutation inside an acquire transaction.
//
// OldRefillMS non-nil makes the update conditional on rf (the optimistic
// lock). Nil with InitLimits set means first touch: the update is guarded
// on the item not existing, ADDs initialise missing counters to zero, and
// InitLimits mirrors the limit configuration into the item with
// if_not_exists. Nil with no InitLimits is an unconditional commutative
// ADD (lease compensation).
type BucketWrite struct {
	Key         BucketKey
	OldRefillMS *int64
	// NewRefillMS sets rf when > 0. Zero leaves rf untouched (pure
	// commutative ADD, used by lease adjustments and compensation).
	NewRefillMS int64
	Deltas      map[string]CounterDelta
	InitLimits  map[string]tokengate.LimitConfig
}

// AuditRecord is an immutable admin-action event. EventID is a ULID so that
// stream order within a shard equals creation order.
type AuditRecord struct {
	EventID     string
	TimestampMS int64
	NamespaceID string
	EntityID    string
	Action      string
	Principal   string
	Resource    string
	Details     map[string]string
	// TTLEpoch marks when the record expires into the archival pipeline.
	TTLEpoch int64
}

// UsageDelta is one window's worth of snapshot increments.
type UsageDelta struct {
	EntityID    string
	Resource    string
	WindowStart string
	// CountersMilli maps limit name to consumed millitokens in the window.
	CountersMilli map[string]int64
	Events        int64
	TTLEpoch      int64
}

// NamespaceRecord is the reverse registry row of a tenant namespace.
type NamespaceRecord struct {
	ID          string
	Name        string
	Status      string // "active" | "deleted"
	CreatedAtMS int64
	DeletedAtMS int64
}

// Namespace status values.
const (
	NamespaceActive  = "active"
	NamespaceDeleted = "deleted"
)

// VersionRecord gates client/schema compatibility at limiter init.
type VersionRecord struct {
	SchemaVersion     int64
	MinClientVersion  int64
	AggregatorVersion int64
	UpdatedAtMS       int64
}
