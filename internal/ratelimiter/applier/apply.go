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

package applier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"go.uber.org/zap"

	"tokengate/internal/ratelimiter/namespace"
	"tokengate/internal/ratelimiter/store"
)

// Applier reconciles manifests. Single-writer per namespace: the provisioner
// state item is rewritten last, so a crashed apply is repaired by re-running.
type Applier struct {
	repo     *store.Repository
	registry *namespace.Registry
	log      *zap.Logger
	clock    func() time.Time
}

// NewApplier wires an applier.
func NewApplier(repo *store.Repository, registry *namespace.Registry, log *zap.Logger) *Applier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Applier{repo: repo, registry: registry, log: log, clock: time.Now}
}

// provisionerState is the persisted shape of the #PROVISIONER item.
type provisionerState struct {
	Hash    uint64     `json:"hash"`
	Managed ManagedSet `json:"managed"`
}

// Result reports one apply run.
type Result struct {
	NamespaceID string
	Changes     []Change
	// Unchanged is set when the manifest's content hash matches the last
	// applied one and nothing was written.
	Unchanged bool
}

// Plan registers the namespace (idempotently) and returns the changes an
// Apply would make, without writing any configuration.
func (a *Applier) Plan(ctx context.Context, m *Manifest) (*Result, error) {
	id, _, err := a.registry.Register(ctx, m.Namespace)
	if err != nil {
		return nil, err
	}
	st, hash, err := a.loadState(ctx, id, m)
	if err != nil {
		return nil, err
	}
	if hash == st.Hash {
		return &Result{NamespaceID: id, Unchanged: true}, nil
	}
	return &Result{NamespaceID: id, Changes: Diff(m, st.Managed)}, nil
}

// Apply reconciles the manifest into the store. Re-applying an unchanged
// manifest performs no writes.
func (a *Applier) Apply(ctx context.Context, m *Manifest) (*Result, error) {
	id, _, err := a.registry.Register(ctx, m.Namespace)
	if err != nil {
		return nil, err
	}
	st, hash, err := a.loadState(ctx, id, m)
	if err != nil {
		return nil, err
	}
	if hash == st.Hash {
		a.log.Info("manifest unchanged", zap.String("namespace", m.Namespace), zap.String("nsid", id))
		return &Result{NamespaceID: id, Unchanged: true}, nil
	}

	changes := Diff(m, st.Managed)
	for _, c := range changes {
		if err := a.applyChange(ctx, id, m, c); err != nil {
			return nil, fmt.Errorf("applying %s: %w", c, err)
		}
		a.log.Info("applied change", zap.String("nsid", id), zap.String("change", c.String()))
	}

	next := provisionerState{Hash: hash, Managed: managedSetOf(m)}
	if err := a.repo.PutProvisionerState(ctx, id, next, hash, a.clock().UnixMilli()); err != nil {
		return nil, err
	}
	return &Result{NamespaceID: id, Changes: changes}, nil
}

func (a *Applier) loadState(ctx context.Context, nsid string, m *Manifest) (provisionerState, uint64, error) {
	var st provisionerState
	if err := a.repo.GetProvisionerState(ctx, nsid, &st); err != nil && !errors.Is(err, store.ErrNotFound) {
		return st, 0, err
	}
	hash, err := hashstructure.Hash(m, hashstructure.FormatV2, nil)
	if err != nil {
		return st, 0, fmt.Errorf("hashing manifest: %w", err)
	}
	return st, hash, nil
}

func (a *Applier) applyChange(ctx context.Context, nsid string, m *Manifest, c Change) error {
	switch c.Level {
	case LevelSystem:
		if c.Action == ActionDelete {
			_, err := a.repo.DeleteConfig(ctx, store.SystemConfigKey(nsid))
			return err
		}
		_, err := a.repo.PutConfig(ctx, nsid, store.SystemConfigKey(nsid), store.ConfigRecord{
			Limits:        configs(m.System.Limits),
			OnUnavailable: m.System.OnUnavailable,
			UpdatedAtMS:   a.clock().UnixMilli(),
		})
		return err

	case LevelResource:
		if c.Action == ActionDelete {
			_, err := a.repo.DeleteConfig(ctx, store.ResourceConfigKey(nsid, c.Target))
			return err
		}
		_, err := a.repo.PutConfig(ctx, nsid, store.ResourceConfigKey(nsid, c.Target), store.ConfigRecord{
			Limits:      configs(m.Resources[c.Target].Limits),
			UpdatedAtMS: a.clock().UnixMilli(),
		})
		return err

	case LevelEntity:
		if c.Action == ActionDelete {
			return a.repo.DeleteEntityMeta(ctx, nsid, c.Target)
		}
		spec := m.Entities[c.Target]
		rec := store.EntityRecord{
			ID:          c.Target,
			Name:        spec.Name,
			ParentID:    spec.Parent,
			Cascade:     spec.Cascade,
			CreatedAtMS: a.clock().UnixMilli(),
		}
		err := a.repo.PutEntity(ctx, nsid, rec)
		if errors.Is(err, store.ErrConflict) {
			return a.repo.UpdateEntity(ctx, nsid, rec)
		}
		return err

	case LevelEntityLimits:
		entityID, resource, ok := strings.Cut(c.Target, "/")
		if !ok {
			return fmt.Errorf("malformed entity-limits target %q", c.Target)
		}
		key := store.EntityConfigKey(nsid, entityID, resource)
		if c.Action == ActionDelete {
			existed, err := a.repo.DeleteConfig(ctx, key)
			if err != nil {
				return err
			}
			if existed {
				_, err = a.repo.AdjustConfigResourceCount(ctx, nsid, resource, -1)
			}
			return err
		}
		existed, err := a.repo.PutConfig(ctx, nsid, key, store.ConfigRecord{
			Limits:      configs(m.Entities[entityID].Resources[resource].Limits),
			UpdatedAtMS: a.clock().UnixMilli(),
		})
		if err != nil {
			return err
		}
		if !existed {
			_, err = a.repo.AdjustConfigResourceCount(ctx, nsid, resource, 1)
		}
		return err

	default:
		return fmt.Errorf("unknown change level %q", c.Level)
	}
}
