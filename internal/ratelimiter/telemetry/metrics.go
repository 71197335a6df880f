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

// Package telemetry holds the process-wide Prometheus collectors. Labels are
// bounded enumerations only; namespace and entity ids never become labels.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Acquire outcomes.
const (
	OutcomeAdmitted    = "admitted"
	OutcomeRejected    = "rejected"
	OutcomeDegraded    = "degraded"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
)

var (
	acquiresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokengate_acquires_total",
		Help: "Total acquire calls by outcome",
	}, []string{"outcome"})
	acquireDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tokengate_acquire_duration_seconds",
		Help:    "End-to-end acquire latency including CAS retries",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	casConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tokengate_cas_conflicts_total",
		Help: "Conditional-check failures on the acquire transaction that triggered a retry",
	})
	compensationFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tokengate_compensation_failures_total",
		Help: "Lease rollback compensations that failed and left balance drift",
	})
	streamDeltasTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tokengate_stream_deltas_total",
		Help: "Consumption deltas extracted from stream records",
	})
	snapshotWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokengate_snapshot_writes_total",
		Help: "Usage snapshot upserts by result",
	}, []string{"result"})
	refillWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tokengate_proactive_refills_total",
		Help: "Aggregator proactive refill writes by result (applied, lost_race, error)",
	}, []string{"result"})
	shardDoublingsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tokengate_shard_doublings_total",
		Help: "Times the aggregator doubled a bucket's shard count",
	})
	archivedEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tokengate_archived_audit_events_total",
		Help: "Audit events written to the archive",
	})
	archivedBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tokengate_archived_bytes_total",
		Help: "Compressed bytes shipped to the audit archive",
	})
)

func init() {
	prometheus.MustRegister(
		acquiresTotal, acquireDuration, casConflictsTotal, compensationFailuresTotal,
		streamDeltasTotal, snapshotWritesTotal, refillWritesTotal, shardDoublingsTotal,
		archivedEventsTotal, archivedBytesTotal,
	)
}

// ObserveAcquire records one acquire call's outcome and latency.
func ObserveAcquire(outcome string, elapsed time.Duration) {
	acquiresTotal.WithLabelValues(outcome).Inc()
	acquireDuration.Observe(elapsed.Seconds())
}

// ObserveCASConflict counts a conditional-check retry on the acquire path.
func ObserveCASConflict() { casConflictsTotal.Inc() }

// ObserveCompensationFailure counts a failed rollback compensation.
func ObserveCompensationFailure() { compensationFailuresTotal.Inc() }

// ObserveStreamDeltas counts deltas extracted from one stream batch.
func ObserveStreamDeltas(n int) {
	if n > 0 {
		streamDeltasTotal.Add(float64(n))
	}
}

// ObserveSnapshotWrite records one snapshot upsert attempt.
func ObserveSnapshotWrite(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	snapshotWritesTotal.WithLabelValues(result).Inc()
}

// ObserveRefillWrite records one proactive refill attempt. A lost race on
// the rf guard is expected and separately counted.
func ObserveRefillWrite(result string) { refillWritesTotal.WithLabelValues(result).Inc() }

// ObserveShardDoubling counts one shard-count doubling decision.
func ObserveShardDoubling() { shardDoublingsTotal.Inc() }

// ObserveArchive records one shipped archive object.
func ObserveArchive(events int, compressedBytes int) {
	archivedEventsTotal.Add(float64(events))
	archivedBytesTotal.Add(float64(compressedBytes))
}

// Handler returns the /metrics handler for embedding into a serve mux.
func Handler() http.Handler { return promhttp.Handler() }

// StartEndpoint serves /metrics on addr in a background goroutine.
func StartEndpoint(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}
