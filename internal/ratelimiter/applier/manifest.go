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

// Package applier reconciles a declarative YAML manifest of limit
// configuration against the store, tracking what it manages in a
// per-namespace provisioner state item so removed blocks are cleaned up.
package applier

import (
	"bytes"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"tokengate"
	"tokengate/internal/ratelimiter/config"
	"tokengate/internal/ratelimiter/schema"
)

// LimitSpec is one limit's manifest form. RefillPeriod takes a Go duration
// string ("60s", "1h"). `burst` may be omitted; it then follows capacity.
// `burst` without `capacity` is the legacy spelling of capacity.
type LimitSpec struct {
	Capacity     int64  `yaml:"capacity"`
	Burst        int64  `yaml:"burst"`
	RefillAmount int64  `yaml:"refill_amount"`
	RefillPeriod string `yaml:"refill_period"`
}

// Config converts the spec to the engine's LimitConfig.
func (s LimitSpec) Config() (tokengate.LimitConfig, error) {
	period, err := time.ParseDuration(s.RefillPeriod)
	if err != nil {
		return tokengate.LimitConfig{}, fmt.Errorf("refill_period %q: %w", s.RefillPeriod, err)
	}
	cfg := tokengate.LimitConfig{
		Capacity:     s.Capacity,
		Burst:        s.Burst,
		RefillAmount: s.RefillAmount,
		RefillPeriod: period,
	}
	if cfg.Capacity == 0 && cfg.Burst > 0 {
		cfg.Capacity = cfg.Burst
		cfg.Burst = 0
	}
	if err := cfg.Validate(); err != nil {
		return tokengate.LimitConfig{}, err
	}
	return cfg, nil
}

// SystemSpec is the namespace-wide default block.
type SystemSpec struct {
	OnUnavailable string               `yaml:"on_unavailable"`
	Limits        map[string]LimitSpec `yaml:"limits"`
}

// ResourceSpec holds one resource's limit set.
type ResourceSpec struct {
	Limits map[string]LimitSpec `yaml:"limits"`
}

// EntitySpec declares one entity, its optional parent chain, and per-resource
// limit overrides.
type EntitySpec struct {
	Name      string                  `yaml:"name"`
	Parent    string                  `yaml:"parent"`
	Cascade   bool                    `yaml:"cascade"`
	Resources map[string]ResourceSpec `yaml:"resources"`
}

// Manifest is one namespace's declared configuration.
type Manifest struct {
	Namespace string                  `yaml:"namespace"`
	System    *SystemSpec             `yaml:"system"`
	Resources map[string]ResourceSpec `yaml:"resources"`
	Entities  map[string]EntitySpec   `yaml:"entities"`
}

// Parse decodes and validates a manifest. Unknown fields are rejected so a
// typoed key fails loudly instead of silently dropping limits.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func validateLimits(where string, limits map[string]LimitSpec) error {
	if len(limits) == 0 {
		return fmt.Errorf("%s declares no limits", where)
	}
	for name, spec := range limits {
		if err := schema.ValidateName("limit", name); err != nil {
			return fmt.Errorf("%s: %w", where, err)
		}
		if name == schema.WCULimitName {
			return fmt.Errorf("%s: limit name %q is reserved", where, name)
		}
		if _, err := spec.Config(); err != nil {
			return fmt.Errorf("%s limit %q: %w", where, name, err)
		}
	}
	return nil
}

func (m *Manifest) validate() error {
	if err := schema.ValidateName("namespace", m.Namespace); err != nil {
		return err
	}
	if m.Namespace == schema.ReservedNamespace {
		return fmt.Errorf("namespace %q is reserved", m.Namespace)
	}
	if m.System != nil {
		switch m.System.OnUnavailable {
		case "", config.OnUnavailableAllow, config.OnUnavailableBlock:
		default:
			return fmt.Errorf("system.on_unavailable must be %q or %q, got %q",
				config.OnUnavailableAllow, config.OnUnavailableBlock, m.System.OnUnavailable)
		}
		if err := validateLimits("system", m.System.Limits); err != nil {
			return err
		}
	}
	for resource, spec := range m.Resources {
		if err := schema.ValidateName("resource", resource); err != nil {
			return err
		}
		if err := validateLimits("resource "+resource, spec.Limits); err != nil {
			return err
		}
	}
	for id, spec := range m.Entities {
		if err := schema.ValidateName("entity", id); err != nil {
			return err
		}
		if spec.Parent != "" {
			if _, ok := m.Entities[spec.Parent]; !ok {
				return fmt.Errorf("entity %s: parent %q is not declared in the manifest", id, spec.Parent)
			}
		}
		for resource, rs := range spec.Resources {
			if err := schema.ValidateName("resource", resource); err != nil {
				return fmt.Errorf("entity %s: %w", id, err)
			}
			if err := validateLimits(fmt.Sprintf("entity %s resource %s", id, resource), rs.Limits); err != nil {
				return err
			}
		}
	}
	return nil
}

// configs converts a manifest limit block, never failing after validate.
func configs(limits map[string]LimitSpec) map[string]tokengate.LimitConfig {
	out := make(map[string]tokengate.LimitConfig, len(limits))
	for name, spec := range limits {
		cfg, err := spec.Config()
		if err != nil {
			continue
		}
		out[name] = cfg
	}
	return out
}
