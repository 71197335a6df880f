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
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"tokengate"
	"tokengate/internal/ratelimiter/schema"
)

// Repository is the typed I/O layer over the wide-row table. It carries no
// business logic: callers decide what to write, the repository decides how.
type Repository struct {
	client DynamoClient
	table  string
	log    *zap.Logger
}

// NewRepository wires a repository over the given client and table. A nil
// logger is replaced with a no-op logger.
func NewRepository(client DynamoClient, table string, log *zap.Logger) *Repository {
	if log == nil {
		log = zap.NewNop()
	}
	return &Repository{client: client, table: table, log: log}
}

// Table returns the backing table name.
func (r *Repository) Table() string { return r.table }

// Ping probes table reachability. It returns false on any client error.
func (r *Repository) Ping(ctx context.Context) bool {
	_, err := r.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(r.table),
	})
	if err != nil {
		r.log.Warn("store ping failed", zap.Error(err))
		return false
	}
	return true
}

// getItem is the shared consistent single-item read.
func (r *Repository) getItem(ctx context.Context, key ItemKey) (map[string]types.AttributeValue, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.table),
		Key: map[string]types.AttributeValue{
			schema.AttrPK: avS(key.PK),
			schema.AttrSK: avS(key.SK),
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting item %s/%s: %w", key.PK, key.SK, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

// deleteItem removes one row unconditionally.
func (r *Repository) deleteItem(ctx context.Context, key ItemKey) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.table),
		Key: map[string]types.AttributeValue{
			schema.AttrPK: avS(key.PK),
			schema.AttrSK: avS(key.SK),
		},
	})
	if err != nil {
		return fmt.Errorf("deleting item %s/%s: %w", key.PK, key.SK, err)
	}
	return nil
}

// --- Entities ---

// PutEntity writes entity metadata. With ifNotExists set, an existing row
// yields ErrConflict.
func (r *Repository) PutEntity(ctx context.Context, ns string, rec EntityRecord) error {
	return r.putEntity(ctx, ns, rec, true)
}

// UpdateEntity overwrites entity metadata without an existence guard.
func (r *Repository) UpdateEntity(ctx context.Context, ns string, rec EntityRecord) error {
	return r.putEntity(ctx, ns, rec, false)
}

func (r *Repository) putEntity(ctx context.Context, ns string, rec EntityRecord, ifNotExists bool) error {
	item := map[string]types.AttributeValue{
		schema.AttrPK:       avS(schema.EntityPK(ns, rec.ID)),
		schema.AttrSK:       avS(schema.MetaSK),
		schema.AttrGSI4PK:   avS(ns),
		schema.AttrEntityID: avS(rec.ID),
		"name":              avS(rec.Name),
		"cascade":           avBool(rec.Cascade),
		"created_at":        avN(rec.CreatedAtMS),
	}
	if rec.ParentID != "" {
		item["parent_id"] = avS(rec.ParentID)
	}
	if len(rec.Metadata) > 0 {
		md, err := attributevalue.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling entity metadata: %w", err)
		}
		item["metadata"] = md
	}
	in := &dynamodb.PutItemInput{
		TableName: aws.String(r.table),
		Item:      item,
	}
	if ifNotExists {
		in.ConditionExpression = aws.String("attribute_not_exists(PK)")
	}
	if _, err := r.client.PutItem(ctx, in); err != nil {
		if IsConditionFailed(err) {
			return fmt.Errorf("entity %s: %w", rec.ID, ErrConflict)
		}
		return fmt.Errorf("putting entity %s: %w", rec.ID, err)
	}
	return nil
}

// GetEntity loads entity metadata, or ErrNotFound.
func (r *Repository) GetEntity(ctx context.Context, ns, entityID string) (*EntityRecord, error) {
	item, err := r.getItem(ctx, ItemKey{PK: schema.EntityPK(ns, entityID), SK: schema.MetaSK})
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("entity %s: %w", entityID, ErrNotFound)
	}
	rec := &EntityRecord{
		ID:          entityID,
		Name:        getS(item, "name"),
		ParentID:    getS(item, "parent_id"),
		Cascade:     getBool(item, "cascade"),
		CreatedAtMS: getN(item, "created_at"),
	}
	if md, ok := item["metadata"]; ok {
		if err := attributevalue.Unmarshal(md, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling entity metadata: %w", err)
		}
	}
	return rec, nil
}

// DeleteEntityMeta removes only the metadata row; tree deletion is the
// caller's fan-out over QueryPartition/QueryEntityBuckets.
func (r *Repository) DeleteEntityMeta(ctx context.Context, ns, entityID string) error {
	return r.deleteItem(ctx, ItemKey{PK: schema.EntityPK(ns, entityID), SK: schema.MetaSK})
}

// --- Configs ---

// ConfigKey addresses one of the three config tiers.
func SystemConfigKey(ns string) ItemKey {
	return ItemKey{PK: schema.SystemPK(ns), SK: schema.ConfigSK}
}
func ResourceConfigKey(ns, resource string) ItemKey {
	return ItemKey{PK: schema.ResourcePK(ns, resource), SK: schema.ConfigSK}
}
func EntityConfigKey(ns, entityID, resource string) ItemKey {
	return ItemKey{PK: schema.EntityPK(ns, entityID), SK: schema.EntityConfigSK(resource)}
}

// PutConfig writes a composite config record at key. Returns whether a
// record already existed, so callers can maintain the config registry
// without double counting.
func (r *Repository) PutConfig(ctx context.Context, ns string, key ItemKey, rec ConfigRecord) (existed bool, err error) {
	limits := make(map[string]map[string]int64, len(rec.Limits))
	for name, lc := range rec.Limits {
		limits[name] = map[string]int64{
			"capacity":      lc.Capacity,
			"burst":         lc.Burst,
			"refill_amount": lc.RefillAmount,
			"refill_period": lc.RefillPeriod.Milliseconds(),
		}
	}
	limitsAV, err := attributevalue.Marshal(limits)
	if err != nil {
		return false, fmt.Errorf("marshaling limits: %w", err)
	}
	item := map[string]types.AttributeValue{
		schema.AttrPK:     avS(key.PK),
		schema.AttrSK:     avS(key.SK),
		schema.AttrGSI4PK: avS(ns),
		"limits":          limitsAV,
		"updated_at":      avN(rec.UpdatedAtMS),
	}
	if rec.OnUnavailable != "" {
		item["on_unavailable"] = avS(rec.OnUnavailable)
	}
	out, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:    aws.String(r.table),
		Item:         item,
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, fmt.Errorf("putting config %s/%s: %w", key.PK, key.SK, err)
	}
	return len(out.Attributes) > 0, nil
}

// GetConfig loads a composite config record, or ErrNotFound.
func (r *Repository) GetConfig(ctx context.Context, key ItemKey) (*ConfigRecord, error) {
	item, err := r.getItem(ctx, key)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("config %s/%s: %w", key.PK, key.SK, ErrNotFound)
	}
	var raw map[string]map[string]int64
	if av, ok := item["limits"]; ok {
		if err := attributevalue.Unmarshal(av, &raw); err != nil {
			return nil, fmt.Errorf("unmarshaling limits: %w", err)
		}
	}
	rec := &ConfigRecord{
		Limits:        make(map[string]tokengate.LimitConfig, len(raw)),
		OnUnavailable: getS(item, "on_unavailable"),
		UpdatedAtMS:   getN(item, "updated_at"),
	}
	for name, f := range raw {
		rec.Limits[name] = tokengate.LimitConfig{
			Capacity:     f["capacity"],
			Burst:        f["burst"],
			RefillAmount: f["refill_amount"],
			RefillPeriod: time.Duration(f["refill_period"]) * time.Millisecond,
		}
	}
	return rec, nil
}

// DeleteConfig removes a config record. Returns whether it existed.
func (r *Repository) DeleteConfig(ctx context.Context, key ItemKey) (existed bool, err error) {
	out, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.table),
		Key: map[string]types.AttributeValue{
			schema.AttrPK: avS(key.PK),
			schema.AttrSK: avS(key.SK),
		},
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, fmt.Errorf("deleting config %s/%s: %w", key.PK, key.SK, err)
	}
	return len(out.Attributes) > 0, nil
}

// --- Config resource registry ---
//
// The registry item at {ns}/SYSTEM / #CONFIG_RESOURCES holds one counter
// attribute per resource that has at least one entity-level config. It lets
// garbage collection enumerate entity configs without a scan.

func configResourceAttr(resource string) string { return "r_" + resource }

// AdjustConfigResourceCount ADDs delta to the per-resource counter and
// returns the new count. A count dropping to zero or below removes the
// attribute in a follow-up guarded update.
func (r *Repository) AdjustConfigResourceCount(ctx context.Context, ns, resource string, delta int64) (int64, error) {
	attr := configResourceAttr(resource)
	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.table),
		Key: map[string]types.AttributeValue{
			schema.AttrPK: avS(schema.SystemPK(ns)),
			schema.AttrSK: avS(schema.ConfigResourcesSK),
		},
		UpdateExpression:         aws.String("ADD #r :d"),
		ExpressionAttributeNames: map[string]string{"#r": attr},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":d": avN(delta),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return 0, fmt.Errorf("adjusting config registry for %s: %w", resource, err)
	}
	count := getN(out.Attributes, attr)
	if count <= 0 {
		// Remove the attribute only if nobody raced it back up.
		_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(r.table),
			Key: map[string]types.AttributeValue{
				schema.AttrPK: avS(schema.SystemPK(ns)),
				schema.AttrSK: avS(schema.ConfigResourcesSK),
			},
			UpdateExpression:         aws.String("REMOVE #r"),
			ConditionExpression:      aws.String("#r <= :zero"),
			ExpressionAttributeNames: map[string]string{"#r": attr},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":zero": avN(0),
			},
		})
		if err != nil && !IsConditionFailed(err) {
			return count, fmt.Errorf("pruning config registry for %s: %w", resource, err)
		}
	}
	return count, nil
}

// ListConfigResources returns the per-resource entity-config counts.
func (r *Repository) ListConfigResources(ctx context.Context, ns string) (map[string]int64, error) {
	item, err := r.getItem(ctx, ItemKey{PK: schema.SystemPK(ns), SK: schema.ConfigResourcesSK})
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	for name := range item {
		if res, ok := cutPrefix(name, "r_"); ok {
			out[res] = getN(item, name)
		}
	}
	return out, nil
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return "", false
}

// --- Version record ---

// GetVersionRecord loads the schema/version gate record. A missing record
// returns (nil, nil): an undeployed table is not an error.
func (r *Repository) GetVersionRecord(ctx context.Context) (*VersionRecord, error) {
	item, err := r.getItem(ctx, ItemKey{
		PK: schema.SystemPK(schema.ReservedNamespace),
		SK: schema.VersionSK,
	})
	if err != nil || item == nil {
		return nil, err
	}
	return &VersionRecord{
		SchemaVersion:     getN(item, "schema_version"),
		MinClientVersion:  getN(item, "min_client_version"),
		AggregatorVersion: getN(item, "aggregator_version"),
		UpdatedAtMS:       getN(item, "updated_at"),
	}, nil
}

// PutVersionRecord writes the version gate record.
func (r *Repository) PutVersionRecord(ctx context.Context, rec VersionRecord) error {
	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.table),
		Item: map[string]types.AttributeValue{
			schema.AttrPK:        avS(schema.SystemPK(schema.ReservedNamespace)),
			schema.AttrSK:        avS(schema.VersionSK),
			"schema_version":     avN(rec.SchemaVersion),
			"min_client_version": avN(rec.MinClientVersion),
			"aggregator_version": avN(rec.AggregatorVersion),
			"updated_at":         avN(rec.UpdatedAtMS),
		},
	})
	if err != nil {
		return fmt.Errorf("putting version record: %w", err)
	}
	return nil
}

// --- Audit ---

// marshalAuditItem renders an audit record to its table row.
func marshalAuditItem(rec AuditRecord) (map[string]types.AttributeValue, error) {
	item := map[string]types.AttributeValue{
		schema.AttrPK:     avS(schema.AuditPK(rec.NamespaceID, rec.EntityID)),
		schema.AttrSK:     avS(schema.AuditSK(rec.EventID)),
		schema.AttrGSI4PK: avS(rec.NamespaceID),
		"event_id":        avS(rec.EventID),
		"timestamp":       avN(rec.TimestampMS),
		"action":          avS(rec.Action),
		"principal":       avS(rec.Principal),
		schema.AttrTTL:    avN(rec.TTLEpoch),
	}
	if rec.Resource != "" {
		item[schema.AttrResource] = avS(rec.Resource)
	}
	if len(rec.Details) > 0 {
		av, err := attributevalue.Marshal(rec.Details)
		if err != nil {
			return nil, fmt.Errorf("marshaling audit details: %w", err)
		}
		item["details"] = av
	}
	return item, nil
}

// PutAudit writes one audit event.
func (r *Repository) PutAudit(ctx context.Context, rec AuditRecord) error {
	item, err := marshalAuditItem(rec)
	if err != nil {
		return err
	}
	if _, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("putting audit event %s: %w", rec.EventID, err)
	}
	return nil
}

// UnmarshalAuditItem decodes an audit row; the aggregator uses it on REMOVE
// stream images headed to the archive.
func UnmarshalAuditItem(item map[string]types.AttributeValue) (*AuditRecord, error) {
	pk := getS(item, schema.AttrPK)
	ns, entity, ok := schema.EntityIDFromAuditPK(pk)
	if !ok {
		return nil, fmt.Errorf("item %q is not an audit record", pk)
	}
	rec := &AuditRecord{
		EventID:     getS(item, "event_id"),
		TimestampMS: getN(item, "timestamp"),
		NamespaceID: ns,
		EntityID:    entity,
		Action:      getS(item, "action"),
		Principal:   getS(item, "principal"),
		Resource:    getS(item, schema.AttrResource),
		TTLEpoch:    getN(item, schema.AttrTTL),
	}
	if av, ok := item["details"]; ok {
		if err := attributevalue.Unmarshal(av, &rec.Details); err != nil {
			return nil, fmt.Errorf("unmarshaling audit details: %w", err)
		}
	}
	return rec, nil
}

// --- Namespace registry items ---

// GetNamespaceForward resolves a namespace name to its id, or ErrNotFound.
func (r *Repository) GetNamespaceForward(ctx context.Context, name string) (string, error) {
	item, err := r.getItem(ctx, ItemKey{
		PK: schema.SystemPK(schema.ReservedNamespace),
		SK: schema.NamespaceForwardSK(name),
	})
	if err != nil {
		return "", err
	}
	if item == nil {
		return "", fmt.Errorf("namespace %s: %w", name, ErrNotFound)
	}
	return getS(item, "nsid"), nil
}

// GetNamespaceReverse loads the registration record for a namespace id.
func (r *Repository) GetNamespaceReverse(ctx context.Context, id string) (*NamespaceRecord, error) {
	item, err := r.getItem(ctx, ItemKey{
		PK: schema.SystemPK(schema.ReservedNamespace),
		SK: schema.NamespaceReverseSK(id),
	})
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("namespace id %s: %w", id, ErrNotFound)
	}
	return &NamespaceRecord{
		ID:          id,
		Name:        getS(item, "name"),
		Status:      getS(item, "status"),
		CreatedAtMS: getN(item, "created_at"),
		DeletedAtMS: getN(item, "deleted_at"),
	}, nil
}

// CreateNamespace atomically writes the forward and reverse rows for a
// freshly minted namespace. ErrConflict when the name row already exists.
func (r *Repository) CreateNamespace(ctx context.Context, rec NamespaceRecord) error {
	forward := map[string]types.AttributeValue{
		schema.AttrPK: avS(schema.SystemPK(schema.ReservedNamespace)),
		schema.AttrSK: avS(schema.NamespaceForwardSK(rec.Name)),
		"nsid":        avS(rec.ID),
	}
	reverse := map[string]types.AttributeValue{
		schema.AttrPK: avS(schema.SystemPK(schema.ReservedNamespace)),
		schema.AttrSK: avS(schema.NamespaceReverseSK(rec.ID)),
		"name":        avS(rec.Name),
		"status":      avS(rec.Status),
		"created_at":  avN(rec.CreatedAtMS),
	}
	_, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(r.table),
				Item:                forward,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			}},
			{Put: &types.Put{
				TableName: aws.String(r.table),
				Item:      reverse,
			}},
		},
	})
	if err != nil {
		if IsConditionFailed(err) {
			return fmt.Errorf("namespace %s: %w", rec.Name, ErrConflict)
		}
		return fmt.Errorf("creating namespace %s: %w", rec.Name, err)
	}
	return nil
}

// SoftDeleteNamespace removes the forward row and marks the reverse row
// deleted in one transaction. Data rows are untouched.
func (r *Repository) SoftDeleteNamespace(ctx context.Context, name, id string, nowMS int64) error {
	_, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Delete: &types.Delete{
				TableName: aws.String(r.table),
				Key: map[string]types.AttributeValue{
					schema.AttrPK: avS(schema.SystemPK(schema.ReservedNamespace)),
					schema.AttrSK: avS(schema.NamespaceForwardSK(name)),
				},
			}},
			{Update: &types.Update{
				TableName: aws.String(r.table),
				Key: map[string]types.AttributeValue{
					schema.AttrPK: avS(schema.SystemPK(schema.ReservedNamespace)),
					schema.AttrSK: avS(schema.NamespaceReverseSK(id)),
				},
				UpdateExpression: aws.String("SET #st = :deleted, deleted_at = :now"),
				ExpressionAttributeNames: map[string]string{
					"#st": "status",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":deleted": avS(NamespaceDeleted),
					":now":     avN(nowMS),
				},
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("soft-deleting namespace %s: %w", name, err)
	}
	return nil
}

// RecoverNamespace restores the forward row and rewrites the reverse row as
// active. The forward Put is guarded, so ErrConflict surfaces when the name
// has been re-registered to a different id in the meantime.
func (r *Repository) RecoverNamespace(ctx context.Context, rec NamespaceRecord) error {
	return r.CreateNamespace(ctx, NamespaceRecord{
		ID: rec.ID, Name: rec.Name, Status: NamespaceActive, CreatedAtMS: rec.CreatedAtMS,
	})
}

// DeleteNamespaceReverse removes the reverse registry row; the final step of
// a purge.
func (r *Repository) DeleteNamespaceReverse(ctx context.Context, id string) error {
	return r.deleteItem(ctx, ItemKey{
		PK: schema.SystemPK(schema.ReservedNamespace),
		SK: schema.NamespaceReverseSK(id),
	})
}

// ListNamespaces returns all reverse registry rows.
func (r *Repository) ListNamespaces(ctx context.Context) ([]NamespaceRecord, error) {
	var out []NamespaceRecord
	var start map[string]types.AttributeValue
	for {
		resp, err := r.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(r.table),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :pfx)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":  avS(schema.SystemPK(schema.ReservedNamespace)),
				":pfx": avS("#NSID#"),
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("listing namespaces: %w", err)
		}
		for _, item := range resp.Items {
			sk := getS(item, schema.AttrSK)
			id := sk[len("#NSID#"):]
			out = append(out, NamespaceRecord{
				ID:          id,
				Name:        getS(item, "name"),
				Status:      getS(item, "status"),
				CreatedAtMS: getN(item, "created_at"),
				DeletedAtMS: getN(item, "deleted_at"),
			})
		}
		if len(resp.LastEvaluatedKey) == 0 {
			return out, nil
		}
		start = resp.LastEvaluatedKey
	}
}

// --- Provisioner state ---

// GetProvisionerState loads the declarative applier's managed-set item for a
// namespace into dst (a JSON-tagged struct). Returns ErrNotFound when no
// manifest was ever applied.
func (r *Repository) GetProvisionerState(ctx context.Context, ns string, dst any) error {
	item, err := r.getItem(ctx, ItemKey{PK: schema.SystemPK(ns), SK: schema.ProvisionerSK})
	if err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("provisioner state for %s: %w", ns, ErrNotFound)
	}
	av, ok := item["state"]
	if !ok {
		return fmt.Errorf("provisioner state for %s: %w", ns, ErrNotFound)
	}
	if err := attributevalue.Unmarshal(av, dst); err != nil {
		return fmt.Errorf("unmarshaling provisioner state: %w", err)
	}
	return nil
}

// PutProvisionerState stores the applier's managed set and content hash.
func (r *Repository) PutProvisionerState(ctx context.Context, ns string, state any, hash uint64, nowMS int64) error {
	av, err := attributevalue.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling provisioner state: %w", err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.table),
		Item: map[string]types.AttributeValue{
			schema.AttrPK:     avS(schema.SystemPK(ns)),
			schema.AttrSK:     avS(schema.ProvisionerSK),
			schema.AttrGSI4PK: avS(ns),
			"state":           av,
			"content_hash":    avN(int64(hash)),
			"updated_at":      avN(nowMS),
		},
	})
	if err != nil {
		return fmt.Errorf("putting provisioner state: %w", err)
	}
	return nil
}
