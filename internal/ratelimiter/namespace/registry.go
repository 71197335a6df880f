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

// Package namespace manages the tenant registry: the forward name->id and
// reverse id->record rows under the reserved shared namespace.
package namespace

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"tokengate/internal/ratelimiter/core"
	"tokengate/internal/ratelimiter/schema"
	"tokengate/internal/ratelimiter/store"
)

// IDLength is the length of minted namespace tokens.
const IDLength = 8

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Registry performs namespace lifecycle operations against the store.
type Registry struct {
	repo  *store.Repository
	log   *zap.Logger
	clock func() time.Time
}

// NewRegistry wires a registry. A nil logger is replaced with a nop.
func NewRegistry(repo *store.Repository, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{repo: repo, log: log, clock: time.Now}
}

func guardReserved(name string) error {
	if name == schema.ReservedNamespace {
		return fmt.Errorf("namespace %q is reserved: %w", name, core.ErrValidation)
	}
	return schema.ValidateName("namespace", name)
}

// mintID draws an opaque lowercase token.
func mintID() (string, error) {
	buf := make([]byte, IDLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("minting namespace id: %w", err)
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(buf), nil
}

// Register returns the namespace id for name, minting and persisting a fresh
// one when the name is unknown. Idempotent: re-registering an active name
// returns its existing id with created == false. Losing the creation race to
// a concurrent registrar resolves to the winner's id.
func (r *Registry) Register(ctx context.Context, name string) (id string, created bool, err error) {
	if err := guardReserved(name); err != nil {
		return "", false, err
	}
	id, err = r.repo.GetNamespaceForward(ctx, name)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", false, err
	}

	id, err = mintID()
	if err != nil {
		return "", false, err
	}
	err = r.repo.CreateNamespace(ctx, store.NamespaceRecord{
		ID:          id,
		Name:        name,
		Status:      store.NamespaceActive,
		CreatedAtMS: r.clock().UnixMilli(),
	})
	if err == nil {
		r.log.Info("registered namespace", zap.String("name", name), zap.String("nsid", id))
		return id, true, nil
	}
	if errors.Is(err, store.ErrConflict) {
		id, rerr := r.repo.GetNamespaceForward(ctx, name)
		if rerr != nil {
			return "", false, rerr
		}
		return id, false, nil
	}
	return "", false, err
}

// RegisterBulk registers every name and returns the full name->id map.
// Re-running with the same names yields the identical map.
func (r *Registry) RegisterBulk(ctx context.Context, names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		id, _, err := r.Register(ctx, name)
		if err != nil {
			return out, fmt.Errorf("registering %q: %w", name, err)
		}
		out[name] = id
	}
	return out, nil
}

// List returns every registered namespace, active and soft-deleted, sorted
// by name.
func (r *Registry) List(ctx context.Context) ([]store.NamespaceRecord, error) {
	recs, err := r.repo.ListNamespaces(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
	return recs, nil
}

// Show resolves a namespace by name first, then by id.
func (r *Registry) Show(ctx context.Context, nameOrID string) (*store.NamespaceRecord, error) {
	if id, err := r.repo.GetNamespaceForward(ctx, nameOrID); err == nil {
		return r.repo.GetNamespaceReverse(ctx, id)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return r.repo.GetNamespaceReverse(ctx, nameOrID)
}

// Delete soft-deletes a namespace: the name is freed, the reverse record is
// marked deleted, and every data row stays in place for Recover.
func (r *Registry) Delete(ctx context.Context, name string) error {
	if err := guardReserved(name); err != nil {
		return err
	}
	id, err := r.repo.GetNamespaceForward(ctx, name)
	if err != nil {
		return err
	}
	if err := r.repo.SoftDeleteNamespace(ctx, name, id, r.clock().UnixMilli()); err != nil {
		return err
	}
	r.log.Info("soft-deleted namespace", zap.String("name", name), zap.String("nsid", id))
	return nil
}

// Recover restores a soft-deleted namespace under its original name.
// ErrConflict when the name has since been re-registered to a different id;
// recovering an id that is already active is a no-op.
func (r *Registry) Recover(ctx context.Context, id string) (*store.NamespaceRecord, error) {
	rec, err := r.repo.GetNamespaceReverse(ctx, id)
	if err != nil {
		return nil, err
	}
	if current, err := r.repo.GetNamespaceForward(ctx, rec.Name); err == nil {
		if current == id {
			rec.Status = store.NamespaceActive
			return rec, nil
		}
		return nil, fmt.Errorf("name %q now belongs to %s: %w", rec.Name, current, store.ErrConflict)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err := r.repo.RecoverNamespace(ctx, *rec); err != nil {
		return nil, err
	}
	r.log.Info("recovered namespace", zap.String("name", rec.Name), zap.String("nsid", id))
	rec.Status = store.NamespaceActive
	rec.DeletedAtMS = 0
	return rec, nil
}

// Orphans lists soft-deleted namespaces, the only purge candidates.
func (r *Registry) Orphans(ctx context.Context) ([]store.NamespaceRecord, error) {
	recs, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, rec := range recs {
		if rec.Status == store.NamespaceDeleted {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Purge permanently removes every data row of a soft-deleted namespace by
// draining GSI4 in chunked batch deletes, then drops the reverse record.
// Returns the number of data rows removed. Safe to re-run after a partial
// failure.
func (r *Registry) Purge(ctx context.Context, id string) (int, error) {
	if id == schema.ReservedNamespace {
		return 0, fmt.Errorf("the shared namespace cannot be purged: %w", core.ErrValidation)
	}
	rec, err := r.repo.GetNamespaceReverse(ctx, id)
	if err != nil {
		return 0, err
	}
	if rec.Status != store.NamespaceDeleted {
		return 0, fmt.Errorf("namespace %s is still active, delete it first: %w", id, store.ErrConflict)
	}

	total := 0
	for {
		keys, err := r.repo.QueryNamespaceItems(ctx, id)
		if err != nil {
			return total, err
		}
		if len(keys) == 0 {
			break
		}
		if err := r.repo.BatchDeleteKeys(ctx, keys); err != nil {
			return total, err
		}
		total += len(keys)
	}
	if err := r.repo.DeleteNamespaceReverse(ctx, id); err != nil {
		return total, err
	}
	r.log.Info("purged namespace", zap.String("nsid", id), zap.Int("rows", total))
	return total, nil
}
