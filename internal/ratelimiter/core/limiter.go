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

// Package core implements the acquire/commit/rollback lease protocol over
// the store: speculative refill-and-consume, one conditional transaction per
// acquire covering the whole cascade chain, CAS retry with backoff, and
// compensation when a lease unwinds.
package core

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/avast/retry-go"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"tokengate"
	"tokengate/internal/ratelimiter/config"
	"tokengate/internal/ratelimiter/schema"
	"tokengate/internal/ratelimiter/store"
	"tokengate/internal/ratelimiter/telemetry"
)

// ClientVersion is compared against the table's minimum on init.
const ClientVersion = 1

const (
	defaultMaxCascadeDepth = 10
	defaultCASAttempts     = 5
	defaultCASBaseDelay    = 5 * time.Millisecond
	defaultAuditTTL        = 24 * time.Hour
)

// Options configures a Limiter. Zero values get the documented defaults.
type Options struct {
	// Namespace is the opaque namespace id every key is scoped under.
	Namespace string
	// Clock is a test seam; defaults to time.Now.
	Clock func() time.Time
	// MaxCascadeDepth bounds the parent chain walk. Default 10.
	MaxCascadeDepth int
	// CASAttempts and CASBaseDelay shape the conditional-write retry loop.
	// Defaults: 5 attempts starting at 5ms with exponential backoff+jitter.
	CASAttempts  uint
	CASBaseDelay time.Duration
	// ClientVersion overrides the compiled-in version, for rollout tests.
	ClientVersion int64
	// SkipVersionCheck bypasses the init gate for read-only inspection.
	SkipVersionCheck bool
	// AuditAcquires rides an audit record in every acquire transaction.
	AuditAcquires bool
	// AuditTTL is how long acquire audit rows live before stream archival.
	AuditTTL time.Duration
	Log      *zap.Logger
}

// Limiter is the client-side protocol engine. It is safe for concurrent use;
// the config cache inside the resolver is its only shared mutable state.
type Limiter struct {
	repo     *store.Repository
	resolver *config.Resolver
	ns       string
	opts     Options
	log      *zap.Logger
	clock    func() time.Time
}

// New validates options and runs the version gate: if the table carries a
// version record whose minimum client version exceeds ours, initialisation
// fails with ErrVersionMismatch unless SkipVersionCheck is set.
func New(ctx context.Context, repo *store.Repository, resolver *config.Resolver, opts Options) (*Limiter, error) {
	if opts.Namespace == "" {
		return nil, fmt.Errorf("namespace is required: %w", ErrValidation)
	}
	if opts.Namespace == schema.ReservedNamespace {
		return nil, fmt.Errorf("namespace %q is reserved: %w", opts.Namespace, ErrValidation)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MaxCascadeDepth <= 0 {
		opts.MaxCascadeDepth = defaultMaxCascadeDepth
	}
	if opts.CASAttempts == 0 {
		opts.CASAttempts = defaultCASAttempts
	}
	if opts.CASBaseDelay <= 0 {
		opts.CASBaseDelay = defaultCASBaseDelay
	}
	if opts.ClientVersion == 0 {
		opts.ClientVersion = ClientVersion
	}
	if opts.AuditTTL <= 0 {
		opts.AuditTTL = defaultAuditTTL
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if resolver == nil {
		return nil, fmt.Errorf("resolver is required: %w", ErrValidation)
	}
	if !opts.SkipVersionCheck {
		rec, err := repo.GetVersionRecord(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading version record: %w", err)
		}
		if rec != nil && opts.ClientVersion < rec.MinClientVersion {
			return nil, fmt.Errorf("client version %d below table minimum %d: %w",
				opts.ClientVersion, rec.MinClientVersion, ErrVersionMismatch)
		}
	}
	return &Limiter{
		repo:     repo,
		resolver: resolver,
		ns:       opts.Namespace,
		opts:     opts,
		log:      opts.Log,
		clock:    opts.Clock,
	}, nil
}

// Resolver exposes the config resolver, mainly so callers can invalidate the
// cache after out-of-band config changes.
func (l *Limiter) Resolver() *config.Resolver { return l.resolver }

func (l *Limiter) nowMS() int64 { return l.clock().UnixMilli() }

// Request describes one acquire.
type Request struct {
	EntityID string
	Resource string
	// Consume maps limit name to whole tokens to reserve.
	Consume map[string]int64
	// Limits are caller-supplied defaults, used when no stored config
	// applies or when SkipStoredLimits is set.
	Limits map[string]tokengate.LimitConfig
	// SkipStoredLimits makes Limits authoritative without a config lookup.
	SkipStoredLimits bool
	// Cascade overrides the entity record's cascade flag when non-nil.
	Cascade *bool
	// ShardKey routes the request to a bucket shard. Defaults to EntityID,
	// which keeps a single caller's traffic on one shard.
	ShardKey string
	// Principal is recorded on the audit trail when auditing is on.
	Principal string
}

func (l *Limiter) validate(req Request) error {
	if err := schema.ValidateName("entity id", req.EntityID); err != nil {
		return fmt.Errorf("%v: %w", err, ErrValidation)
	}
	if err := schema.ValidateName("resource", req.Resource); err != nil {
		return fmt.Errorf("%v: %w", err, ErrValidation)
	}
	if len(req.Consume) == 0 {
		return fmt.Errorf("consume map is empty: %w", ErrValidation)
	}
	for name, amount := range req.Consume {
		if err := schema.ValidateName("limit", name); err != nil {
			return fmt.Errorf("%v: %w", err, ErrValidation)
		}
		if amount <= 0 {
			return fmt.Errorf("consume amount for %s must be positive, got %d: %w", name, amount, ErrValidation)
		}
	}
	return nil
}

// cascadeChain returns the entity ids whose buckets this acquire must
// charge, child first. The walk follows parent_id references with a depth
// bound and cycle detection; entities without a metadata record terminate
// the chain.
func (l *Limiter) cascadeChain(ctx context.Context, req Request) ([]string, error) {
	chain := []string{req.EntityID}
	rec, err := l.resolver.Entity(ctx, l.ns, req.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		return chain, nil
	}
	if err != nil {
		return nil, err
	}
	cascade := rec.Cascade
	if req.Cascade != nil {
		cascade = *req.Cascade
	}
	if !cascade {
		return chain, nil
	}
	seen := map[string]bool{req.EntityID: true}
	for rec != nil && rec.ParentID != "" {
		parent := rec.ParentID
		if seen[parent] {
			return nil, fmt.Errorf("cascade cycle through entity %s: %w", parent, ErrValidation)
		}
		if len(chain) >= l.opts.MaxCascadeDepth {
			return nil, fmt.Errorf("cascade chain exceeds depth %d: %w", l.opts.MaxCascadeDepth, ErrValidation)
		}
		seen[parent] = true
		chain = append(chain, parent)
		rec, err = l.resolver.Entity(ctx, l.ns, parent)
		if errors.Is(err, store.ErrNotFound) {
			rec = nil
		} else if err != nil {
			return nil, err
		}
	}
	return chain, nil
}

// limitsFor resolves the effective limit set for one entity in the chain.
func (l *Limiter) limitsFor(ctx context.Context, req Request, entityID string) (map[string]tokengate.LimitConfig, error) {
	var limits map[string]tokengate.LimitConfig
	if req.SkipStoredLimits {
		limits = req.Limits
	} else {
		stored, _, err := l.resolver.ResolveLimits(ctx, l.ns, entityID, req.Resource)
		if err != nil {
			return nil, err
		}
		limits = stored
		if limits == nil {
			limits = req.Limits
		}
	}
	if len(limits) == 0 {
		return nil, fmt.Errorf("no limits configured for %s/%s: %w", entityID, req.Resource, ErrNotFound)
	}
	for name := range req.Consume {
		cfg, ok := limits[name]
		if !ok {
			return nil, fmt.Errorf("unknown limit %s for %s/%s: %w", name, entityID, req.Resource, ErrValidation)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("limit %s: %v: %w", name, err, ErrValidation)
		}
	}
	return limits, nil
}

// shardFor picks a shard in [0, count) from a stable hash of the routing
// key, so one caller's traffic stays on one shard while distinct callers
// spread out.
func shardFor(shardKey string, count int) int {
	if count <= 1 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(shardKey))
	return int(h.Sum64() % uint64(count))
}

// entityPlan is the per-entity working state of one acquire attempt.
type entityPlan struct {
	entityID string
	limits   map[string]tokengate.LimitConfig
	key      store.BucketKey
}

// snapshot is the most recent read of every routed bucket, refreshed after
// each conditional-check failure.
type snapshot map[string]*store.BucketItem

// Acquire reserves capacity for req across the full cascade chain in one
// conditional transaction. On success the returned lease is ACTIVE and the
// reservation is already durable. A *RateLimitError reports rejection; an
// *UnavailableError (or a degraded lease, under the allow policy) reports
// infrastructure failure.
func (l *Limiter) Acquire(ctx context.Context, req Request) (*Lease, error) {
	start := time.Now()
	lease, outcome, err := l.acquire(ctx, req)
	telemetry.ObserveAcquire(outcome, time.Since(start))
	return lease, err
}

func (l *Limiter) acquire(ctx context.Context, req Request) (*Lease, string, error) {
	if err := l.validate(req); err != nil {
		return nil, telemetry.OutcomeError, err
	}
	shardKey := req.ShardKey
	if shardKey == "" {
		shardKey = req.EntityID
	}

	chain, err := l.cascadeChain(ctx, req)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			return nil, telemetry.OutcomeError, err
		}
		return l.failOpen(ctx, req, fmt.Errorf("resolving cascade chain: %w", err))
	}
	plans := make([]entityPlan, len(chain))
	for i, entityID := range chain {
		limits, err := l.limitsFor(ctx, req, entityID)
		if err != nil {
			if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) {
				return nil, telemetry.OutcomeError, err
			}
			return l.failOpen(ctx, req, err)
		}
		plans[i] = entityPlan{entityID: entityID, limits: limits}
	}

	snap, err := l.readBuckets(ctx, plans, req.Resource, shardKey)
	if err != nil {
		return l.failOpen(ctx, req, err)
	}

	var audit *store.AuditRecord
	if l.opts.AuditAcquires {
		now := l.clock()
		audit = &store.AuditRecord{
			EventID:     ulid.Make().String(),
			TimestampMS: now.UnixMilli(),
			NamespaceID: l.ns,
			EntityID:    req.EntityID,
			Action:      "acquire",
			Principal:   req.Principal,
			Resource:    req.Resource,
			TTLEpoch:    now.Add(l.opts.AuditTTL).Unix(),
		}
	}

	var lease *Lease
	var rejection *RateLimitError
	err = retry.Do(
		func() error {
			nowMS := l.nowMS()
			writes, rlErr := l.plan(plans, req, snap, nowMS)
			if rlErr != nil {
				rejection = rlErr
				return retry.Unrecoverable(rlErr)
			}
			if err := l.repo.TransactWriteBuckets(ctx, l.ns, writes, audit); err != nil {
				if errors.Is(err, store.ErrConditionFailed) {
					telemetry.ObserveCASConflict()
					if rerr := l.refresh(ctx, plans, snap); rerr != nil {
						return retry.Unrecoverable(rerr)
					}
					return err
				}
				return retry.Unrecoverable(err)
			}
			lease = newLease(l, req, plans)
			return nil
		},
		retry.Attempts(l.opts.CASAttempts),
		retry.Delay(l.opts.CASBaseDelay),
		retry.MaxJitter(l.opts.CASBaseDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err == nil {
		return lease, telemetry.OutcomeAdmitted, nil
	}
	if rejection != nil {
		return nil, telemetry.OutcomeRejected, rejection
	}
	// Retry budget exhausted on contention, or a hard store error.
	return l.failOpen(ctx, req, err)
}

// readBuckets resolves shard routing (the canonical shard 0 carries
// shard_count) and loads the routed bucket of every entity in the chain.
func (l *Limiter) readBuckets(ctx context.Context, plans []entityPlan, resource, shardKey string) (snapshot, error) {
	keys0 := make([]store.BucketKey, len(plans))
	for i, p := range plans {
		keys0[i] = store.BucketKey{EntityID: p.entityID, Resource: resource, Shard: 0}
	}
	items0, err := l.repo.BatchGetBuckets(ctx, l.ns, keys0)
	if err != nil {
		return nil, err
	}

	snap := make(snapshot, len(plans))
	var routed []store.BucketKey
	for i := range plans {
		count := 1
		if item, ok := items0[keys0[i]]; ok {
			count = item.ShardCount
		}
		plans[i].key = store.BucketKey{
			EntityID: plans[i].entityID,
			Resource: resource,
			Shard:    shardFor(shardKey, count),
		}
		if plans[i].key.Shard == 0 {
			snap[plans[i].entityID] = items0[keys0[i]] // may be nil: absent
		} else {
			routed = append(routed, plans[i].key)
		}
	}
	if len(routed) > 0 {
		items, err := l.repo.BatchGetBuckets(ctx, l.ns, routed)
		if err != nil {
			return nil, err
		}
		for i := range plans {
			if plans[i].key.Shard != 0 {
				snap[plans[i].entityID] = items[plans[i].key]
			}
		}
	}
	return snap, nil
}

// refresh re-reads every routed bucket after a conditional-check failure.
func (l *Limiter) refresh(ctx context.Context, plans []entityPlan, snap snapshot) error {
	keys := make([]store.BucketKey, len(plans))
	for i, p := range plans {
		keys[i] = p.key
	}
	items, err := l.repo.BatchGetBuckets(ctx, l.ns, keys)
	if err != nil {
		return err
	}
	for _, p := range plans {
		snap[p.entityID] = items[p.key]
	}
	return nil
}

// plan speculatively refills and consumes against the snapshot. It returns
// either the transaction's writes or a definitive rejection: if the request
// would violate a limit even with refill-at-now applied, no amount of
// retrying helps.
func (l *Limiter) plan(plans []entityPlan, req Request, snap snapshot, nowMS int64) ([]store.BucketWrite, *RateLimitError) {
	var statuses []LimitStatus
	var rejected bool
	responsible := ""
	var maxRetry time.Duration

	writes := make([]store.BucketWrite, 0, len(plans))
	for _, p := range plans {
		item := snap[p.entityID]
		w := store.BucketWrite{
			Key:         p.key,
			NewRefillMS: nowMS,
			Deltas:      map[string]store.CounterDelta{},
		}
		if item != nil {
			rf := item.RefillMS
			w.OldRefillMS = &rf
		}

		// Advancing rf banks the pending refill credit of every limit on
		// the item, consumed in this request or not.
		if item != nil {
			for limit, state := range item.Limits {
				if _, consumed := req.Consume[limit]; consumed {
					continue
				}
				refilled := tokengate.Refill(state, nowMS)
				if d := refilled.TokensMilli - state.TokensMilli; d != 0 {
					w.Deltas[limit] = store.CounterDelta{TokensMilli: d}
				}
			}
		}

		for limit, amount := range req.Consume {
			cfg := p.limits[limit]
			var state tokengate.BucketState
			existing := false
			if item != nil {
				state, existing = item.State(limit)
			}
			if !existing {
				state = tokengate.NewBucketState(cfg, nowMS)
				if w.InitLimits == nil {
					w.InitLimits = map[string]tokengate.LimitConfig{}
				}
				w.InitLimits[limit] = cfg
			}

			res := tokengate.TryConsume(state, amount, nowMS)
			statuses = append(statuses, LimitStatus{
				EntityID:          p.entityID,
				Resource:          req.Resource,
				LimitName:         limit,
				Available:         float64(res.AvailableMilli) / tokengate.MilliPerToken,
				Requested:         float64(amount),
				Exceeded:          !res.OK,
				RetryAfterSeconds: res.RetryAfter.Seconds(),
				Capacity:          cfg.Capacity,
				Burst:             cfg.EffectiveBurst(),
			})
			if !res.OK {
				rejected = true
				if responsible == "" {
					responsible = p.entityID
				}
				if res.RetryAfter > maxRetry {
					maxRetry = res.RetryAfter
				}
				continue
			}

			// The ADD delta folds refill credit and the consume together.
			// For a limit born this request, the stored attribute starts at
			// zero, so the delta is the full post-consume balance.
			base := int64(0)
			if existing {
				base = state.TokensMilli
			}
			d := w.Deltas[limit]
			d.TokensMilli += res.NewState.TokensMilli - base
			d.ConsumedMilli += res.RequestedMilli
			w.Deltas[limit] = d
		}

		// Every bucket write costs one write unit; the aggregator watches
		// this virtual counter to decide when to shard.
		w.Deltas[schema.WCULimitName] = store.CounterDelta{ConsumedMilli: tokengate.MilliPerToken}
		writes = append(writes, w)
	}

	if rejected {
		return nil, &RateLimitError{
			EntityID:   responsible,
			Resource:   req.Resource,
			Limits:     statuses,
			RetryAfter: maxRetry,
		}
	}
	return writes, nil
}

// failOpen consults the system on-unavailable policy for an infrastructure
// error: allow admits with a degraded lease, block surfaces the failure.
// Rate-limit rejections never reach this path.
func (l *Limiter) failOpen(ctx context.Context, req Request, cause error) (*Lease, string, error) {
	policy, perr := l.resolver.ResolveOnUnavailable(ctx, l.ns)
	if perr != nil {
		// Cannot even read the policy; fail closed.
		policy = config.OnUnavailableBlock
	}
	if policy == config.OnUnavailableAllow {
		l.log.Warn("store unavailable, admitting under allow policy",
			zap.String("entity_id", req.EntityID),
			zap.String("resource", req.Resource),
			zap.Error(cause))
		return newDegradedLease(l, req), telemetry.OutcomeDegraded, nil
	}
	return nil, telemetry.OutcomeUnavailable, &UnavailableError{Cause: cause}
}
