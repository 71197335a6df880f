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

// Package tokengate implements the pure token-bucket engine for the
// distributed rate limiter. All arithmetic is done in millitokens (tokens
// multiplied by 1000) so that refill rates such as "100 tokens / 60s" stay
// exact under integer math. Balances may go negative: post-hoc
// reconciliation is allowed to take a bucket into debt, which is repaid by
// subsequent refill.
//
// Nothing in this package performs I/O or reads the wall clock; callers pass
// the current time in epoch milliseconds, which keeps every operation
// deterministic and trivially testable.
package tokengate

import (
	"fmt"
	"math"
	"time"
)

// MilliPerToken is the fixed-point scale for all token arithmetic.
const MilliPerToken = 1000

// LimitConfig describes one named limit of a bucket: a capacity, an optional
// burst ceiling, and a refill rate expressed as RefillAmount tokens per
// RefillPeriod.
type LimitConfig struct {
	Capacity     int64
	Burst        int64 // 0 means "same as Capacity"
	RefillAmount int64
	RefillPeriod time.Duration
}

// EffectiveBurst returns the burst ceiling, falling back to Capacity when no
// explicit burst was configured.
func (c LimitConfig) EffectiveBurst() int64 {
	if c.Burst > 0 {
		return c.Burst
	}
	return c.Capacity
}

// BurstMilli returns the burst ceiling in millitokens.
func (c LimitConfig) BurstMilli() int64 { return c.EffectiveBurst() * MilliPerToken }

// Validate rejects configurations that cannot refill or hold tokens.
func (c LimitConfig) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", c.Capacity)
	}
	if c.Burst < 0 {
		return fmt.Errorf("burst must be non-negative, got %d", c.Burst)
	}
	if c.RefillAmount <= 0 {
		return fmt.Errorf("refill amount must be positive, got %d", c.RefillAmount)
	}
	if c.RefillPeriod <= 0 {
		return fmt.Errorf("refill period must be positive, got %s", c.RefillPeriod)
	}
	return nil
}

// refillRateMilliPerSecond is the refill rate converted to millitokens/second.
func (c LimitConfig) refillRateMilliPerSecond() float64 {
	return float64(c.RefillAmount*MilliPerToken) / c.RefillPeriod.Seconds()
}

// BucketState is the in-memory projection of one limit inside a composite
// bucket item: the current balance, the shared refill timestamp, and the
// limit configuration mirrored into the item.
type BucketState struct {
	TokensMilli  int64
	LastRefillMS int64
	Config       LimitConfig
}

// NewBucketState returns a full bucket (balance == burst) stamped at nowMS.
func NewBucketState(cfg LimitConfig, nowMS int64) BucketState {
	return BucketState{
		TokensMilli:  cfg.BurstMilli(),
		LastRefillMS: nowMS,
		Config:       cfg,
	}
}

// Refill advances the bucket to nowMS, crediting elapsed-time tokens.
//
// The credited amount is elapsed_ms * refill_amount_milli / refill_period_ms
// with integer truncation. The result is capped at the burst ceiling; a
// negative balance refills monotonically toward zero and may overshoot up to
// burst when enough time has elapsed. A nowMS earlier than LastRefillMS is
// treated as zero elapsed time, and the timestamp never moves backwards.
func Refill(s BucketState, nowMS int64) BucketState {
	elapsed := nowMS - s.LastRefillMS
	if elapsed <= 0 {
		return s
	}
	periodMS := s.Config.RefillPeriod.Milliseconds()
	if periodMS <= 0 {
		return s
	}
	added := elapsed * s.Config.RefillAmount * MilliPerToken / periodMS
	next := s.TokensMilli + added
	if burst := s.Config.BurstMilli(); next > burst {
		next = burst
	}
	s.TokensMilli = next
	s.LastRefillMS = nowMS
	return s
}

// CalculateAvailable returns the projected millitoken balance at nowMS
// without mutating anything.
func CalculateAvailable(s BucketState, nowMS int64) int64 {
	return Refill(s, nowMS).TokensMilli
}

// ConsumeResult reports the outcome of a TryConsume.
type ConsumeResult struct {
	OK              bool
	NewState        BucketState
	AvailableMilli  int64 // balance after refill, before the consume
	RequestedMilli  int64
	RetryAfter      time.Duration // zero when OK
}

// TryConsume refills to nowMS and then attempts to take requested whole
// tokens. On failure the state is returned refilled but unconsumed, and
// RetryAfter estimates when the deficit would be covered by refill alone.
func TryConsume(s BucketState, requested int64, nowMS int64) ConsumeResult {
	r := Refill(s, nowMS)
	need := requested * MilliPerToken
	res := ConsumeResult{
		NewState:       r,
		AvailableMilli: r.TokensMilli,
		RequestedMilli: need,
	}
	if r.TokensMilli >= need {
		res.OK = true
		res.NewState.TokensMilli = r.TokensMilli - need
		return res
	}
	res.RetryAfter = RetryAfter(need-r.TokensMilli, r.Config)
	return res
}

// ForceConsume refills to nowMS and subtracts deltaTokens without checking
// availability. The balance may go negative; it never waits. Used by lease
// adjustment when actual usage exceeded the speculative reservation.
func ForceConsume(s BucketState, deltaTokens int64, nowMS int64) BucketState {
	r := Refill(s, nowMS)
	r.TokensMilli -= deltaTokens * MilliPerToken
	return r
}

// RetryAfter converts a millitoken deficit into the wall-clock time refill
// needs to cover it.
func RetryAfter(deficitMilli int64, cfg LimitConfig) time.Duration {
	if deficitMilli <= 0 {
		return 0
	}
	rate := cfg.refillRateMilliPerSecond()
	if rate <= 0 {
		return time.Duration(math.MaxInt64)
	}
	secs := float64(deficitMilli) / rate
	return time.Duration(secs * float64(time.Second))
}

// RetryAfterHeaderSeconds rounds a retry-after up to whole seconds for use
// in a Retry-After response header. The minimum for a non-zero wait is 1.
func RetryAfterHeaderSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

// WouldRefillSatisfy previews whether consuming consume[i] tokens from
// states[i] would succeed if every bucket were refilled at nowMS. It mutates
// nothing; the acquire retry path uses it to decide between another
// optimistic attempt and a definitive rejection. The returned results are
// positional with states.
func WouldRefillSatisfy(states []BucketState, consume []int64, nowMS int64) (bool, []ConsumeResult) {
	ok := true
	results := make([]ConsumeResult, len(states))
	for i := range states {
		results[i] = TryConsume(states[i], consume[i], nowMS)
		if !results[i].OK {
			ok = false
		}
	}
	return ok, results
}

// MaxRetryAfter returns the largest retry-after across results, i.e. the
// wait imposed by the most constraining violated limit.
func MaxRetryAfter(results []ConsumeResult) time.Duration {
	var out time.Duration
	for _, r := range results {
		if !r.OK && r.RetryAfter > out {
			out = r.RetryAfter
		}
	}
	return out
}
