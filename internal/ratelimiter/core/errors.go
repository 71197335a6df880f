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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tokengate"
)

// Error kinds, checked with errors.Is. RateLimitError and UnavailableError
// carry structured payloads and are extracted with errors.As.
var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnavailable     = errors.New("rate limiter unavailable")
	ErrVersionMismatch = errors.New("client version below table minimum")
	ErrLeaseClosed     = errors.New("lease already committed or released")
)

// LimitStatus is the per-limit outcome attached to a rejection. Token
// quantities are whole tokens; fractional state rounds toward the caller.
type LimitStatus struct {
	EntityID          string  `json:"entity_id"`
	Resource          string  `json:"resource"`
	LimitName         string  `json:"limit_name"`
	Available         float64 `json:"available"`
	Requested         float64 `json:"requested"`
	Exceeded          bool    `json:"exceeded"`
	RetryAfterSeconds float64 `json:"retry_after_seconds"`
	Capacity          int64   `json:"capacity"`
	Burst             int64   `json:"burst"`
}

// RateLimitError is the domain outcome for a rejected acquire. EntityID
// names the responsible entity, which in a cascade is the ancestor whose
// bucket rejected the request.
type RateLimitError struct {
	EntityID   string
	Resource   string
	Limits     []LimitStatus
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s on %s, retry after %s",
		e.EntityID, e.Resource, e.RetryAfter.Round(time.Millisecond))
}

// Violations returns only the exceeded statuses.
func (e *RateLimitError) Violations() []LimitStatus {
	var out []LimitStatus
	for _, s := range e.Limits {
		if s.Exceeded {
			out = append(out, s)
		}
	}
	return out
}

// RetryAfterHeader is the Retry-After header value: seconds, rounded up.
func (e *RateLimitError) RetryAfterHeader() int64 {
	return tokengate.RetryAfterHeaderSeconds(e.RetryAfter)
}

type rateLimitBody struct {
	Error             string        `json:"error"`
	Message           string        `json:"message"`
	RetryAfterSeconds int64         `json:"retry_after_seconds"`
	RetryAfterMS      int64         `json:"retry_after_ms"`
	Limits            []LimitStatus `json:"limits"`
}

// ResponseBody renders the JSON payload for a 429 response.
func (e *RateLimitError) ResponseBody() []byte {
	body, err := json.Marshal(rateLimitBody{
		Error:             "rate_limit_exceeded",
		Message:           e.Error(),
		RetryAfterSeconds: e.RetryAfterHeader(),
		RetryAfterMS:      e.RetryAfter.Milliseconds(),
		Limits:            e.Limits,
	})
	if err != nil {
		// Everything in the body is plain data; this cannot fail.
		panic(err)
	}
	return body
}

// UnavailableError wraps an infrastructure failure surfaced under the
// fail-closed on-unavailable policy.
type UnavailableError struct {
	Cause error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("rate limiter unavailable: %v", e.Cause)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

// Is reports true for ErrUnavailable so callers can use errors.Is while the
// unwrap chain keeps the underlying cause reachable.
func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }
