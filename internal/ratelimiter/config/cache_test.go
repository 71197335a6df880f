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

package config

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheHitMiss(t *testing.T) {
	c := NewCache(time.Minute)
	calls := 0
	fetch := func() (any, error) {
		calls++
		return "value", nil
	}

	v, err := c.Do("k", fetch)
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	v, err = c.Do("k", fetch)
	require.NoError(t, err)
	assert.Equal(t, "value", v)
	assert.Equal(t, 1, calls, "second call is served from cache")

	s := c.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, 1, s.Size)
}

func TestCacheStoresTypedNil(t *testing.T) {
	type rec struct{ n int }
	c := NewCache(time.Minute)
	calls := 0

	for i := 0; i < 3; i++ {
		v, err := c.Do("absent", func() (any, error) {
			calls++
			return (*rec)(nil), nil
		})
		require.NoError(t, err)
		assert.Nil(t, v.(*rec))
	}
	assert.Equal(t, 1, calls, "negative result is cached like any other")
}

func TestCacheErrorsAreNotCached(t *testing.T) {
	c := NewCache(time.Minute)
	calls := 0
	boom := errors.New("backend down")

	for i := 0; i < 2; i++ {
		_, err := c.Do("k", func() (any, error) {
			calls++
			return nil, boom
		})
		require.ErrorIs(t, err, boom)
	}
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, c.Stats().Size)
}

func TestCacheZeroTTLDisables(t *testing.T) {
	c := NewCache(0)
	calls := 0
	for i := 0; i < 3; i++ {
		_, err := c.Do("k", func() (any, error) {
			calls++
			return i, nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, calls)
	assert.Equal(t, 0, c.Stats().Size)
}

func TestCacheInvalidate(t *testing.T) {
	c := NewCache(time.Minute)
	calls := 0
	fetch := func() (any, error) {
		calls++
		return "v", nil
	}
	_, _ = c.Do("k", fetch)
	c.Invalidate()
	_, _ = c.Do("k", fetch)
	assert.Equal(t, 2, calls)
}

func TestCacheSingleflight(t *testing.T) {
	c := NewCache(time.Minute)
	var calls atomic.Int64
	gate := make(chan struct{})

	const workers = 16
	var wg sync.WaitGroup
	results := make([]any, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Do("shared", func() (any, error) {
				calls.Add(1)
				<-gate
				return "once", nil
			})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	// Give every worker a chance to reach the fetch before releasing it.
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "concurrent misses share one fetch")
	for _, v := range results {
		assert.Equal(t, "once", v)
	}
}
