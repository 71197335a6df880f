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

// Package schema is the single source of truth for key and attribute naming
// in the wide-row table. Every partition key, sort key, and index key MUST be
// produced through these constructors so that writers, queries, and the
// stream consumer always agree on layout. The functions here are pure.
package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// ReservedNamespace is the shared namespace holding system-wide records:
// the namespace registry itself, shared configs, and the version record.
// It cannot be registered, deleted, or purged.
const ReservedNamespace = "_"

// Table attribute names shared across record kinds.
const (
	AttrPK         = "PK"
	AttrSK         = "SK"
	AttrGSI2PK     = "GSI2PK"
	AttrGSI2SK     = "GSI2SK"
	AttrGSI3PK     = "GSI3PK"
	AttrGSI3SK     = "GSI3SK"
	AttrGSI4PK     = "GSI4PK"
	AttrTTL        = "ttl"
	AttrRefill     = "rf"
	AttrShardCount = "shard_count"
	AttrEntityID   = "entity_id"
	AttrResource   = "resource"
)

// Index names.
const (
	IndexGSI2 = "GSI2" // resource -> entity: cross-entity resource aggregation
	IndexGSI3 = "GSI3" // entity -> bucket shards: shard discovery without a scan
	IndexGSI4 = "GSI4" // namespace -> items: namespace purge only
)

// Fixed sort keys.
const (
	MetaSK            = "#META"
	BucketSK          = "#STATE"
	ConfigSK          = "#CONFIG"
	ConfigResourcesSK = "#CONFIG_RESOURCES"
	VersionSK         = "#VERSION"
	ProvisionerSK     = "#PROVISIONER"
)

// WCULimitName is the virtual per-bucket limit whose consumption counter
// tracks write activity. The aggregator reads it to decide proactive
// sharding; it is never part of user-facing limit configuration.
const WCULimitName = "__wcu__"

// EntityPK builds the partition key owning an entity's metadata, configs,
// and usage snapshots.
func EntityPK(ns, entityID string) string {
	return ns + "/ENTITY#" + entityID
}

// BucketPK builds the partition key of one bucket shard.
func BucketPK(ns, entityID, resource string, shard int) string {
	return ns + "/BUCKET#" + entityID + "#" + resource + "#" + strconv.Itoa(shard)
}

// SystemPK is the partition holding namespace-level shared records.
func SystemPK(ns string) string { return ns + "/SYSTEM" }

// ResourcePK builds the partition key of a resource-level default config.
func ResourcePK(ns, resource string) string {
	return ns + "/RESOURCE#" + resource
}

// AuditPK builds the partition key of an entity's audit history.
func AuditPK(ns, entityID string) string {
	return ns + "/AUDIT#" + entityID
}

// AuditSK builds the sort key for one audit event. The ULID suffix makes
// stream order equal creation order within a shard.
func AuditSK(ulid string) string { return "#AUDIT#" + ulid }

// EntityConfigSK is the sort key of an entity-level config scoped to one
// resource.
func EntityConfigSK(resource string) string { return ConfigSK + "#" + resource }

// UsageSK builds the sort key of a rolling usage snapshot.
func UsageSK(resource, windowStart string) string {
	return "#USAGE#" + resource + "#" + windowStart
}

// NamespaceForwardSK maps a tenant name to its id under the reserved
// namespace's SYSTEM partition.
func NamespaceForwardSK(name string) string { return "#NAMESPACE#" + name }

// NamespaceReverseSK maps a namespace id back to its registration record.
func NamespaceReverseSK(id string) string { return "#NSID#" + id }

// GSI2 keys: resource on the hash side so "all entities touching resource R"
// is one query.
func GSI2PK(ns, resource string) string { return ns + "/RES#" + resource }
func GSI2SK(entityID string) string     { return "ENTITY#" + entityID }

// GSI3 keys: entity on the hash side so all bucket shards of an entity are
// discoverable without a scan.
func GSI3PK(ns, entityID string) string { return ns + "/ENT#" + entityID }
func GSI3SK(resource string, shard int) string {
	return "BUCKET#" + resource + "#" + strconv.Itoa(shard)
}

// ParseBucketPK decomposes a bucket partition key. ok is false when the key
// is not a bucket key.
func ParseBucketPK(pk string) (ns, entityID, resource string, shard int, ok bool) {
	nsPart, rest, found := strings.Cut(pk, "/BUCKET#")
	if !found {
		return "", "", "", 0, false
	}
	parts := strings.Split(rest, "#")
	if len(parts) < 3 {
		return "", "", "", 0, false
	}
	shard, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return "", "", "", 0, false
	}
	entityID = parts[0]
	resource = strings.Join(parts[1:len(parts)-1], "#")
	return nsPart, entityID, resource, shard, true
}

// IsBucketPK reports whether pk belongs to a bucket shard item.
func IsBucketPK(pk string) bool { return strings.Contains(pk, "/BUCKET#") }

// IsAuditPK reports whether pk belongs to an audit partition.
func IsAuditPK(pk string) bool { return strings.Contains(pk, "/AUDIT#") }

// EntityIDFromAuditPK extracts the entity id from an audit partition key.
func EntityIDFromAuditPK(pk string) (ns, entityID string, ok bool) {
	nsPart, rest, found := strings.Cut(pk, "/AUDIT#")
	if !found {
		return "", "", false
	}
	return nsPart, rest, true
}

// ValidateName rejects identifiers that would corrupt key composition.
// Names feed directly into '#'-delimited keys, so the delimiter and the
// namespace separator are forbidden, as are empty strings.
func ValidateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s must not be empty", kind)
	}
	if strings.ContainsAny(name, "#/") {
		return fmt.Errorf("%s %q must not contain '#' or '/'", kind, name)
	}
	return nil
}
