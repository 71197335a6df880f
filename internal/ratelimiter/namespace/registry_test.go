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

package namespace

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tokengate/internal/ratelimiter/core"
	"tokengate/internal/ratelimiter/store"
	"tokengate/internal/ratelimiter/store/storetest"
)

func newTestRegistry() (*Registry, *storetest.Fake) {
	fake := storetest.NewFake()
	repo := store.NewRepository(fake, "tokengate-test", zap.NewNop())
	r := NewRegistry(repo, zap.NewNop())
	r.clock = func() time.Time { return time.UnixMilli(1700000000000) }
	return r, fake
}

func TestRegisterIdempotent(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	id1, created, err := r.Register(ctx, "team-a")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, id1, IDLength)
	assert.Regexp(t, "^[a-z0-9]+$", id1)

	id2, created, err := r.Register(ctx, "team-a")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id1, id2)
}

func TestRegisterRejectsBadNames(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	_, _, err := r.Register(ctx, "_")
	require.ErrorIs(t, err, core.ErrValidation)

	_, _, err = r.Register(ctx, "bad/name")
	require.Error(t, err)

	_, _, err = r.Register(ctx, "")
	require.Error(t, err)
}

func TestRegisterBulkStable(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()
	names := []string{"team-a", "team-b", "team-c"}

	first, err := r.RegisterBulk(ctx, names)
	require.NoError(t, err)
	require.Len(t, first, 3)

	second, err := r.RegisterBulk(ctx, names)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLifecycle(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	id, _, err := r.Register(ctx, "team-a")
	require.NoError(t, err)

	byName, err := r.Show(ctx, "team-a")
	require.NoError(t, err)
	byID, err := r.Show(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, byName, byID)
	assert.Equal(t, store.NamespaceActive, byName.Status)
	assert.EqualValues(t, 1700000000000, byName.CreatedAtMS)

	require.NoError(t, r.Delete(ctx, "team-a"))
	_, err = r.Show(ctx, "team-a")
	require.ErrorIs(t, err, store.ErrNotFound, "the name is freed")
	gone, err := r.Show(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.NamespaceDeleted, gone.Status)
	assert.NotZero(t, gone.DeletedAtMS)

	orphans, err := r.Orphans(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, id, orphans[0].ID)

	rec, err := r.Recover(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.NamespaceActive, rec.Status)
	back, err := r.Show(ctx, "team-a")
	require.NoError(t, err)
	assert.Equal(t, id, back.ID)
}

func TestRecoverConflictsWithReRegisteredName(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	oldID, _, err := r.Register(ctx, "team-a")
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, "team-a"))

	newID, created, err := r.Register(ctx, "team-a")
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, oldID, newID)

	_, err = r.Recover(ctx, oldID)
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestRecoverActiveIsNoop(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	id, _, err := r.Register(ctx, "team-a")
	require.NoError(t, err)

	rec, err := r.Recover(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.NamespaceActive, rec.Status)
}

func TestPurgeDrainsNamespaceData(t *testing.T) {
	r, fake := newTestRegistry()
	ctx := context.Background()

	id, _, err := r.Register(ctx, "team-a")
	require.NoError(t, err)

	// 30 data rows force more than one delete chunk.
	for i := 0; i < 30; i++ {
		fake.SetItem(map[string]types.AttributeValue{
			"PK":     &types.AttributeValueMemberS{Value: fmt.Sprintf("%s/ENTITY#user-%d", id, i)},
			"SK":     &types.AttributeValueMemberS{Value: "#META"},
			"GSI4PK": &types.AttributeValueMemberS{Value: id},
		})
	}
	foreign := map[string]types.AttributeValue{
		"PK":     &types.AttributeValueMemberS{Value: "zzzzzzzz/ENTITY#other"},
		"SK":     &types.AttributeValueMemberS{Value: "#META"},
		"GSI4PK": &types.AttributeValueMemberS{Value: "zzzzzzzz"},
	}
	fake.SetItem(foreign)

	_, err = r.Purge(ctx, id)
	require.ErrorIs(t, err, store.ErrConflict, "active namespaces refuse to purge")

	require.NoError(t, r.Delete(ctx, "team-a"))
	n, err := r.Purge(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 30, n)

	_, err = r.Show(ctx, id)
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.NotNil(t, fake.Item("zzzzzzzz/ENTITY#other", "#META"), "other tenants are untouched")

	// Re-running a finished purge reports nothing left to do.
	_, err = r.Purge(ctx, id)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPurgeReservedRefused(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Purge(context.Background(), "_")
	require.ErrorIs(t, err, core.ErrValidation)
}
