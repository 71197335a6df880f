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

package integration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tokengate"
	"tokengate/internal/ratelimiter/config"
	"tokengate/internal/ratelimiter/core"
	"tokengate/internal/ratelimiter/schema"
	"tokengate/internal/ratelimiter/store"
	"tokengate/internal/ratelimiter/store/storetest"
)

// Test_ConcurrentAcquiresConserveTokens hammers one bucket from several
// goroutines. The conditional-write lock must serialise the races so that
// exactly burst tokens are admitted and the stored counters account for
// every one of them; a lost CAS retry that double-spent or dropped tokens
// would break the totals.
func Test_ConcurrentAcquiresConserveTokens(t *testing.T) {
	const (
		capacity   = 200
		goroutines = 4
		attempts   = 100
	)
	ctx := context.Background()
	clock := func() time.Time { return t0 }

	fake := storetest.NewFake()
	repo := store.NewRepository(fake, "tokengate-test", zap.NewNop())
	resolver := config.NewResolver(repo, config.NewCache(time.Minute), zap.NewNop())
	limiter, err := core.New(ctx, repo, resolver, core.Options{
		Namespace:        testNS,
		Clock:            clock,
		CASAttempts:      100,
		CASBaseDelay:     time.Millisecond,
		SkipVersionCheck: true,
	})
	require.NoError(t, err)

	limits := map[string]tokengate.LimitConfig{
		"rpm": {Capacity: capacity, RefillAmount: capacity, RefillPeriod: time.Minute},
	}

	var admitted, rejected atomic.Int64
	var wg sync.WaitGroup
	errs := make(chan error, goroutines*attempts)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < attempts; i++ {
				_, err := limiter.Acquire(ctx, core.Request{
					EntityID:         "user-1",
					Resource:         "chat",
					Consume:          map[string]int64{"rpm": 1},
					Limits:           limits,
					SkipStoredLimits: true,
				})
				switch {
				case err == nil:
					admitted.Add(1)
				case isRateLimit(err):
					rejected.Add(1)
				default:
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("acquire failed outside the rate-limit path: %v", err)
	}

	// The clock is pinned, so no refill credit: admissions stop at burst.
	assert.EqualValues(t, capacity, admitted.Load())
	assert.EqualValues(t, goroutines*attempts-capacity, rejected.Load())

	item, err := repo.GetBucket(ctx, testNS, store.BucketKey{EntityID: "user-1", Resource: "chat", Shard: 0})
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.EqualValues(t, 0, item.Limits["rpm"].TokensMilli)
	assert.EqualValues(t, capacity*tokengate.MilliPerToken, item.ConsumedMilli["rpm"])
	// One write unit per admitted transaction; rejections never write.
	assert.EqualValues(t, capacity*tokengate.MilliPerToken, item.ConsumedMilli[schema.WCULimitName])
}

func isRateLimit(err error) bool {
	var rlErr *core.RateLimitError
	return errors.As(err, &rlErr)
}
