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

package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokengate"
	"tokengate/internal/ratelimiter/core"
)

func TestParseLimits(t *testing.T) {
	limits, err := parseLimits([]string{
		"rpm=100:100:1m",
		"tpm=50000:50000:1m:60000",
	})
	require.NoError(t, err)
	assert.Equal(t, tokengate.LimitConfig{
		Capacity: 100, RefillAmount: 100, RefillPeriod: time.Minute,
	}, limits["rpm"])
	assert.Equal(t, tokengate.LimitConfig{
		Capacity: 50000, RefillAmount: 50000, RefillPeriod: time.Minute, Burst: 60000,
	}, limits["tpm"])
}

func TestParseLimitsRejectsMalformedSpecs(t *testing.T) {
	for _, spec := range []string{
		"rpm",              // no =
		"rpm=100",          // too few fields
		"rpm=100:100:1m:1:1", // too many fields
		"rpm=abc:100:1m",   // bad capacity
		"rpm=100:abc:1m",   // bad refill amount
		"rpm=100:100:soon", // bad period
		"rpm=100:100:1m:x", // bad burst
	} {
		_, err := parseLimits([]string{spec})
		require.Error(t, err, "spec %q", spec)
		assert.ErrorIs(t, err, core.ErrValidation, "spec %q", spec)
	}
}
