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

package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tokengate"
	"tokengate/internal/ratelimiter/store"
	"tokengate/internal/ratelimiter/telemetry"
)

type leaseState int

const (
	leaseActive leaseState = iota
	leaseCommitted
	leaseReleased
)

// Lease is the scope of one admitted acquire. The speculative reservation is
// already durable when the lease is handed out; Commit persists only the
// adjustments accumulated inside the scope, and Rollback compensates the
// reservation when the scope unwinds with a failure.
//
//	ACTIVE --commit--> COMMITTED
//	ACTIVE --rollback--> RELEASED
//
// Re-entry after either terminal state fails with ErrLeaseClosed.
type Lease struct {
	limiter *Limiter
	log     *zap.Logger

	resource string
	// keys are the routed bucket keys charged at acquire, child first.
	keys []store.BucketKey
	// limits is the child entity's effective limit set.
	limits map[string]tokengate.LimitConfig
	// reserved is the durable per-limit reservation from acquire, in whole
	// tokens. extras accumulate in memory until commit.
	reserved map[string]int64
	extras   map[string]int64

	// degraded marks a lease admitted under the allow policy while the
	// store was unreachable; it tracks deltas but never writes.
	degraded bool

	mu    sync.Mutex
	state leaseState
}

func newLease(l *Limiter, req Request, plans []entityPlan) *Lease {
	keys := make([]store.BucketKey, len(plans))
	for i, p := range plans {
		keys[i] = p.key
	}
	reserved := make(map[string]int64, len(req.Consume))
	for limit, amount := range req.Consume {
		reserved[limit] = amount
	}
	return &Lease{
		limiter:  l,
		log:      l.log,
		resource: req.Resource,
		keys:     keys,
		limits:   plans[0].limits,
		reserved: reserved,
		extras:   map[string]int64{},
	}
}

func newDegradedLease(l *Limiter, req Request) *Lease {
	lease := newLease(l, req, []entityPlan{{
		entityID: req.EntityID,
		limits:   req.Limits,
		key:      store.BucketKey{EntityID: req.EntityID, Resource: req.Resource},
	}})
	lease.degraded = true
	return lease
}

// Degraded reports whether this lease was admitted without a durable
// reservation because the store was unreachable.
func (le *Lease) Degraded() bool { return le.degraded }

// Reserved returns the per-limit tokens charged so far, acquire reservation
// plus accumulated adjustments.
func (le *Lease) Reserved() map[string]int64 {
	le.mu.Lock()
	defer le.mu.Unlock()
	out := make(map[string]int64, len(le.reserved))
	for limit, amount := range le.reserved {
		out[limit] = amount + le.extras[limit]
	}
	for limit, extra := range le.extras {
		if _, ok := le.reserved[limit]; !ok {
			out[limit] = extra
		}
	}
	return out
}

func (le *Lease) checkActive() error {
	if le.state != leaseActive {
		return fmt.Errorf("lease for %s: %w", le.resource, ErrLeaseClosed)
	}
	return nil
}

// Adjust records an unchecked correction to the reservation, in whole
// tokens per limit. Positive deltas charge more, negative ones hand tokens
// back; the bucket may go negative. Nothing is written until Commit.
func (le *Lease) Adjust(deltas map[string]int64) error {
	le.mu.Lock()
	defer le.mu.Unlock()
	if err := le.checkActive(); err != nil {
		return err
	}
	for limit, d := range deltas {
		if _, ok := le.limits[limit]; !ok && !le.degraded {
			return fmt.Errorf("unknown limit %s: %w", limit, ErrValidation)
		}
		le.extras[limit] += d
	}
	return nil
}

// Consume records an additional checked charge: it verifies the child
// bucket's projected balance covers the delta before accumulating it, and
// rejects with a *RateLimitError otherwise.
func (le *Lease) Consume(ctx context.Context, deltas map[string]int64) error {
	le.mu.Lock()
	defer le.mu.Unlock()
	if err := le.checkActive(); err != nil {
		return err
	}
	for limit, d := range deltas {
		if _, ok := le.limits[limit]; !ok && !le.degraded {
			return fmt.Errorf("unknown limit %s: %w", limit, ErrValidation)
		}
		if d < 0 {
			return fmt.Errorf("consume delta for %s must be non-negative: %w", limit, ErrValidation)
		}
	}
	if !le.degraded {
		item, err := le.limiter.repo.GetBucket(ctx, le.limiter.ns, le.keys[0])
		if err != nil {
			return fmt.Errorf("reading bucket for checked consume: %w", err)
		}
		nowMS := le.limiter.nowMS()
		var statuses []LimitStatus
		var maxRetry time.Duration
		rejected := false
		for limit, d := range deltas {
			cfg := le.limits[limit]
			state := tokengate.NewBucketState(cfg, nowMS)
			if item != nil {
				if s, ok := item.State(limit); ok {
					state = s
				}
			}
			res := tokengate.TryConsume(state, d, nowMS)
			statuses = append(statuses, LimitStatus{
				EntityID:          le.keys[0].EntityID,
				Resource:          le.resource,
				LimitName:         limit,
				Available:         float64(res.AvailableMilli) / tokengate.MilliPerToken,
				Requested:         float64(d),
				Exceeded:          !res.OK,
				RetryAfterSeconds: res.RetryAfter.Seconds(),
				Capacity:          cfg.Capacity,
				Burst:             cfg.EffectiveBurst(),
			})
			if !res.OK {
				rejected = true
				if res.RetryAfter > maxRetry {
					maxRetry = res.RetryAfter
				}
			}
		}
		if rejected {
			return &RateLimitError{
				EntityID:   le.keys[0].EntityID,
				Resource:   le.resource,
				Limits:     statuses,
				RetryAfter: maxRetry,
			}
		}
	}
	for limit, d := range deltas {
		le.extras[limit] += d
	}
	return nil
}

// Commit closes the lease. The acquire reservation is already durable; only
// accumulated extras need a follow-up write: one transaction of commutative
// ADDs across the chain, so no ancestor is charged without the others.
func (le *Lease) Commit(ctx context.Context) error {
	le.mu.Lock()
	defer le.mu.Unlock()
	if err := le.checkActive(); err != nil {
		return err
	}
	le.state = leaseCommitted
	if le.degraded {
		return nil
	}
	deltas := map[string]store.CounterDelta{}
	for limit, extra := range le.extras {
		if extra == 0 {
			continue
		}
		milli := extra * tokengate.MilliPerToken
		deltas[limit] = store.CounterDelta{TokensMilli: -milli, ConsumedMilli: milli}
	}
	if len(deltas) == 0 {
		return nil
	}
	writes := make([]store.BucketWrite, len(le.keys))
	for i, key := range le.keys {
		writes[i] = store.BucketWrite{Key: key, Deltas: deltas}
	}
	if err := le.limiter.repo.TransactWriteBuckets(ctx, le.limiter.ns, writes, nil); err != nil {
		return fmt.Errorf("committing adjustments across %d buckets: %w", len(writes), err)
	}
	return nil
}

// Rollback compensates the durable reservation so the buckets read as if
// the acquire never happened. Extras were never written and are simply
// dropped. Compensation is best-effort: a failure is logged and returned,
// never retried into a different state, and never suppressed by the
// on-unavailable policy.
func (le *Lease) Rollback(ctx context.Context) error {
	le.mu.Lock()
	defer le.mu.Unlock()
	if err := le.checkActive(); err != nil {
		return err
	}
	le.state = leaseReleased
	if le.degraded {
		return nil
	}
	deltas := map[string]store.CounterDelta{}
	for limit, amount := range le.reserved {
		milli := amount * tokengate.MilliPerToken
		deltas[limit] = store.CounterDelta{TokensMilli: milli, ConsumedMilli: -milli}
	}
	var errs error
	for _, key := range le.keys {
		if err := le.limiter.repo.AddToBucket(ctx, le.limiter.ns, store.BucketWrite{
			Key:    key,
			Deltas: deltas,
		}); err != nil {
			telemetry.ObserveCompensationFailure()
			le.log.Error("lease compensation failed, balance drift until next refill cap",
				zap.String("entity_id", key.EntityID),
				zap.String("resource", key.Resource),
				zap.Int("shard", key.Shard),
				zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("compensating %v: %w", key, err))
		}
	}
	return errs
}
