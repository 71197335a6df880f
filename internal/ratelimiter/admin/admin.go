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

// Package admin is the mutation surface behind the CLI: entity lifecycle,
// limit configuration at the three resolution tiers, version gating, and
// operational status. Every mutation leaves an audit event.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"tokengate"
	"tokengate/internal/ratelimiter/config"
	"tokengate/internal/ratelimiter/core"
	"tokengate/internal/ratelimiter/schema"
	"tokengate/internal/ratelimiter/store"
)

// DefaultAuditTTL keeps admin audit events for 90 days before they expire
// into the archival pipeline.
const DefaultAuditTTL = 90 * 24 * time.Hour

// configAuditEntity owns audit events that target system or resource level
// configuration rather than a concrete entity.
const configAuditEntity = "_config"

// Service carries admin operations. The resolver is optional; when present
// its cache is invalidated after every configuration write.
type Service struct {
	repo     *store.Repository
	resolver *config.Resolver
	log      *zap.Logger
	clock    func() time.Time
	auditTTL time.Duration
}

// NewService wires the admin surface.
func NewService(repo *store.Repository, resolver *config.Resolver, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		resolver: resolver,
		log:      log,
		clock:    time.Now,
		auditTTL: DefaultAuditTTL,
	}
}

func (s *Service) invalidate() {
	if s.resolver != nil {
		s.resolver.Invalidate()
	}
}

// audit records one admin action. Audit failures are logged, never returned:
// the mutation already happened and must not be reported as failed.
func (s *Service) audit(ctx context.Context, ns, entityID, action, principal, resource string, details map[string]string) {
	now := s.clock()
	rec := store.AuditRecord{
		EventID:     ulid.Make().String(),
		TimestampMS: now.UnixMilli(),
		NamespaceID: ns,
		EntityID:    entityID,
		Action:      action,
		Principal:   principal,
		Resource:    resource,
		Details:     details,
		TTLEpoch:    now.Add(s.auditTTL).Unix(),
	}
	if err := s.repo.PutAudit(ctx, rec); err != nil {
		s.log.Error("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

func validateLimits(limits map[string]tokengate.LimitConfig) error {
	if len(limits) == 0 {
		return fmt.Errorf("no limits given: %w", core.ErrValidation)
	}
	for name, cfg := range limits {
		if err := schema.ValidateName("limit", name); err != nil {
			return fmt.Errorf("%w: %w", core.ErrValidation, err)
		}
		if name == schema.WCULimitName {
			return fmt.Errorf("limit name %q is reserved: %w", name, core.ErrValidation)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("limit %q: %w: %w", name, core.ErrValidation, err)
		}
	}
	return nil
}

func limitNames(limits map[string]tokengate.LimitConfig) string {
	names := make([]string, 0, len(limits))
	for name := range limits {
		names = append(names, name)
	}
	return strings.Join(names, ",")
}

// --- Entities ---

// CreateEntity registers a new entity. ErrConflict when the id is taken.
func (s *Service) CreateEntity(ctx context.Context, ns string, rec store.EntityRecord, principal string) error {
	if err := schema.ValidateName("entity", rec.ID); err != nil {
		return fmt.Errorf("%w: %w", core.ErrValidation, err)
	}
	if rec.ParentID != "" {
		if _, err := s.repo.GetEntity(ctx, ns, rec.ParentID); err != nil {
			return fmt.Errorf("parent %s: %w", rec.ParentID, err)
		}
	}
	rec.CreatedAtMS = s.clock().UnixMilli()
	if err := s.repo.PutEntity(ctx, ns, rec); err != nil {
		return err
	}
	s.audit(ctx, ns, rec.ID, "entity.create", principal, "", map[string]string{"parent": rec.ParentID})
	return nil
}

// GetEntity loads entity metadata.
func (s *Service) GetEntity(ctx context.Context, ns, entityID string) (*store.EntityRecord, error) {
	return s.repo.GetEntity(ctx, ns, entityID)
}

// DeleteEntity removes the entity and everything it owns: metadata, config
// overrides, buckets, usage snapshots, and audit history. Config registry
// counts are released first so readers never see a count above the row set.
func (s *Service) DeleteEntity(ctx context.Context, ns, entityID, principal string) error {
	if _, err := s.repo.GetEntity(ctx, ns, entityID); err != nil {
		return err
	}
	keys, err := s.repo.QueryPartition(ctx, schema.EntityPK(ns, entityID))
	if err != nil {
		return err
	}
	for _, key := range keys {
		resource, ok := strings.CutPrefix(key.SK, schema.ConfigSK+"#")
		if !ok {
			continue
		}
		if _, err := s.repo.AdjustConfigResourceCount(ctx, ns, resource, -1); err != nil {
			return err
		}
	}
	if err := s.repo.DeleteEntityTree(ctx, ns, entityID); err != nil {
		return err
	}
	s.invalidate()
	s.audit(ctx, ns, entityID, "entity.delete", principal, "", nil)
	return nil
}

// --- System level ---

// SetSystemLimits writes the namespace-wide default limit set and the
// on-unavailable policy.
func (s *Service) SetSystemLimits(ctx context.Context, ns string, limits map[string]tokengate.LimitConfig, onUnavailable, principal string) error {
	if err := validateLimits(limits); err != nil {
		return err
	}
	switch onUnavailable {
	case "", config.OnUnavailableAllow, config.OnUnavailableBlock:
	default:
		return fmt.Errorf("on_unavailable %q: %w", onUnavailable, core.ErrValidation)
	}
	_, err := s.repo.PutConfig(ctx, ns, store.SystemConfigKey(ns), store.ConfigRecord{
		Limits:        limits,
		OnUnavailable: onUnavailable,
		UpdatedAtMS:   s.clock().UnixMilli(),
	})
	if err != nil {
		return err
	}
	s.invalidate()
	s.audit(ctx, ns, configAuditEntity, "limits.system.set", principal, "", map[string]string{"limits": limitNames(limits)})
	return nil
}

// GetSystemLimits reads the system config row.
func (s *Service) GetSystemLimits(ctx context.Context, ns string) (*store.ConfigRecord, error) {
	return s.repo.GetConfig(ctx, store.SystemConfigKey(ns))
}

// DeleteSystemLimits drops the system config row.
func (s *Service) DeleteSystemLimits(ctx context.Context, ns, principal string) error {
	existed, err := s.repo.DeleteConfig(ctx, store.SystemConfigKey(ns))
	if err != nil {
		return err
	}
	if !existed {
		return fmt.Errorf("system config for %s: %w", ns, store.ErrNotFound)
	}
	s.invalidate()
	s.audit(ctx, ns, configAuditEntity, "limits.system.delete", principal, "", nil)
	return nil
}

// --- Resource level ---

// SetResourceLimits writes a resource's default limit set.
func (s *Service) SetResourceLimits(ctx context.Context, ns, resource string, limits map[string]tokengate.LimitConfig, principal string) error {
	if err := schema.ValidateName("resource", resource); err != nil {
		return fmt.Errorf("%w: %w", core.ErrValidation, err)
	}
	if err := validateLimits(limits); err != nil {
		return err
	}
	_, err := s.repo.PutConfig(ctx, ns, store.ResourceConfigKey(ns, resource), store.ConfigRecord{
		Limits:      limits,
		UpdatedAtMS: s.clock().UnixMilli(),
	})
	if err != nil {
		return err
	}
	s.invalidate()
	s.audit(ctx, ns, configAuditEntity, "limits.resource.set", principal, resource, map[string]string{"limits": limitNames(limits)})
	return nil
}

// GetResourceLimits reads a resource config row.
func (s *Service) GetResourceLimits(ctx context.Context, ns, resource string) (*store.ConfigRecord, error) {
	return s.repo.GetConfig(ctx, store.ResourceConfigKey(ns, resource))
}

// DeleteResourceLimits drops a resource config row.
func (s *Service) DeleteResourceLimits(ctx context.Context, ns, resource, principal string) error {
	existed, err := s.repo.DeleteConfig(ctx, store.ResourceConfigKey(ns, resource))
	if err != nil {
		return err
	}
	if !existed {
		return fmt.Errorf("resource config %s/%s: %w", ns, resource, store.ErrNotFound)
	}
	s.invalidate()
	s.audit(ctx, ns, configAuditEntity, "limits.resource.delete", principal, resource, nil)
	return nil
}

// --- Entity level ---

// SetEntityLimits writes an entity's override for one resource and keeps the
// config-resource registry in step on first write.
func (s *Service) SetEntityLimits(ctx context.Context, ns, entityID, resource string, limits map[string]tokengate.LimitConfig, principal string) error {
	if err := schema.ValidateName("resource", resource); err != nil {
		return fmt.Errorf("%w: %w", core.ErrValidation, err)
	}
	if err := validateLimits(limits); err != nil {
		return err
	}
	if _, err := s.repo.GetEntity(ctx, ns, entityID); err != nil {
		return err
	}
	existed, err := s.repo.PutConfig(ctx, ns, store.EntityConfigKey(ns, entityID, resource), store.ConfigRecord{
		Limits:      limits,
		UpdatedAtMS: s.clock().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if !existed {
		if _, err := s.repo.AdjustConfigResourceCount(ctx, ns, resource, 1); err != nil {
			return err
		}
	}
	s.invalidate()
	s.audit(ctx, ns, entityID, "limits.entity.set", principal, resource, map[string]string{"limits": limitNames(limits)})
	return nil
}

// GetEntityLimits reads an entity's override row for one resource.
func (s *Service) GetEntityLimits(ctx context.Context, ns, entityID, resource string) (*store.ConfigRecord, error) {
	return s.repo.GetConfig(ctx, store.EntityConfigKey(ns, entityID, resource))
}

// DeleteEntityLimits drops an entity's override row and releases its
// registry count.
func (s *Service) DeleteEntityLimits(ctx context.Context, ns, entityID, resource, principal string) error {
	existed, err := s.repo.DeleteConfig(ctx, store.EntityConfigKey(ns, entityID, resource))
	if err != nil {
		return err
	}
	if !existed {
		return fmt.Errorf("entity config %s/%s/%s: %w", ns, entityID, resource, store.ErrNotFound)
	}
	if _, err := s.repo.AdjustConfigResourceCount(ctx, ns, resource, -1); err != nil {
		return err
	}
	s.invalidate()
	s.audit(ctx, ns, entityID, "limits.entity.delete", principal, resource, nil)
	return nil
}

// --- Version gate ---

// GetVersionRecord reads the shared version row; (nil, nil) when none exists.
func (s *Service) GetVersionRecord(ctx context.Context) (*store.VersionRecord, error) {
	return s.repo.GetVersionRecord(ctx)
}

// WriteVersionRecord sets the shared schema/compatibility row.
func (s *Service) WriteVersionRecord(ctx context.Context, rec store.VersionRecord, principal string) error {
	rec.UpdatedAtMS = s.clock().UnixMilli()
	if err := s.repo.PutVersionRecord(ctx, rec); err != nil {
		return err
	}
	s.audit(ctx, schema.ReservedNamespace, configAuditEntity, "version.set", principal, "", map[string]string{
		"schema_version":     fmt.Sprint(rec.SchemaVersion),
		"min_client_version": fmt.Sprint(rec.MinClientVersion),
	})
	return nil
}

// --- Status ---

// Status is an operational snapshot for one namespace.
type Status struct {
	Healthy          bool
	SchemaVersion    int64
	MinClientVersion int64
	// Resources maps resource name to the number of entity-level override
	// rows registered for it.
	Resources  map[string]int64
	Namespaces int
}

// Status aggregates table health, the version record, the namespace count,
// and the namespace's config-resource registry.
func (s *Service) Status(ctx context.Context, ns string) (*Status, error) {
	st := &Status{Healthy: s.repo.Ping(ctx)}
	if !st.Healthy {
		return st, nil
	}
	ver, err := s.repo.GetVersionRecord(ctx)
	if err != nil {
		return nil, err
	}
	if ver != nil {
		st.SchemaVersion = ver.SchemaVersion
		st.MinClientVersion = ver.MinClientVersion
	}
	if st.Resources, err = s.repo.ListConfigResources(ctx, ns); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	namespaces, err := s.repo.ListNamespaces(ctx)
	if err != nil {
		return nil, err
	}
	st.Namespaces = len(namespaces)
	return st, nil
}
