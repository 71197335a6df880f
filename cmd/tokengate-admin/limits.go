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
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tokengate"
	"tokengate/internal/ratelimiter/core"
	"tokengate/internal/ratelimiter/store"
)

// parseLimits decodes repeated --limit flags of the form
// name=capacity:refill_amount:period[:burst], e.g. rpm=100:100:60s or
// tpm=50000:50000:1m:60000.
func parseLimits(specs []string) (map[string]tokengate.LimitConfig, error) {
	limits := make(map[string]tokengate.LimitConfig, len(specs))
	for _, spec := range specs {
		name, rest, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("limit %q: want name=capacity:refill_amount:period[:burst]: %w", spec, core.ErrValidation)
		}
		parts := strings.Split(rest, ":")
		if len(parts) < 3 || len(parts) > 4 {
			return nil, fmt.Errorf("limit %q: want name=capacity:refill_amount:period[:burst]: %w", spec, core.ErrValidation)
		}
		capacity, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("limit %q capacity: %w: %w", name, core.ErrValidation, err)
		}
		refill, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("limit %q refill_amount: %w: %w", name, core.ErrValidation, err)
		}
		period, err := time.ParseDuration(parts[2])
		if err != nil {
			return nil, fmt.Errorf("limit %q period: %w: %w", name, core.ErrValidation, err)
		}
		cfg := tokengate.LimitConfig{Capacity: capacity, RefillAmount: refill, RefillPeriod: period}
		if len(parts) == 4 {
			if cfg.Burst, err = strconv.ParseInt(parts[3], 10, 64); err != nil {
				return nil, fmt.Errorf("limit %q burst: %w: %w", name, core.ErrValidation, err)
			}
		}
		limits[name] = cfg
	}
	return limits, nil
}

func printConfig(rec *store.ConfigRecord) {
	names := make([]string, 0, len(rec.Limits))
	for name := range rec.Limits {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cfg := rec.Limits[name]
		fmt.Printf("%s: capacity=%d burst=%d refill=%d/%s\n",
			name, cfg.Capacity, cfg.EffectiveBurst(), cfg.RefillAmount, cfg.RefillPeriod)
	}
	if rec.OnUnavailable != "" {
		fmt.Printf("on_unavailable: %s\n", rec.OnUnavailable)
	}
}

func newSystemCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "system",
		Short: "Namespace-wide default limits",
	}
	var nsName string
	cmd.PersistentFlags().StringVar(&nsName, "namespace", "", "namespace name")

	var limitSpecs []string
	var onUnavailable string
	set := &cobra.Command{
		Use:   "set-limits",
		Short: "Write the system default limit set",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			ns, err := a.resolveNS(c.Context(), nsName)
			if err != nil {
				return err
			}
			limits, err := parseLimits(limitSpecs)
			if err != nil {
				return err
			}
			return a.service.SetSystemLimits(c.Context(), ns, limits, onUnavailable, a.principal)
		},
	}
	set.Flags().StringArrayVar(&limitSpecs, "limit", nil, "limit as name=capacity:refill_amount:period[:burst] (repeatable)")
	set.Flags().StringVar(&onUnavailable, "on-unavailable", "", "policy when the store is unreachable: allow or block")
	cmd.AddCommand(set)

	cmd.AddCommand(&cobra.Command{
		Use:   "get-limits",
		Short: "Show the system default limit set",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			ns, err := a.resolveNS(c.Context(), nsName)
			if err != nil {
				return err
			}
			rec, err := a.service.GetSystemLimits(c.Context(), ns)
			if err != nil {
				return err
			}
			printConfig(rec)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete-limits",
		Short: "Remove the system default limit set",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			ns, err := a.resolveNS(c.Context(), nsName)
			if err != nil {
				return err
			}
			return a.service.DeleteSystemLimits(c.Context(), ns, a.principal)
		},
	})

	return cmd
}

func newResourceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resource",
		Short: "Per-resource default limits",
	}
	var nsName string
	cmd.PersistentFlags().StringVar(&nsName, "namespace", "", "namespace name")

	var limitSpecs []string
	set := &cobra.Command{
		Use:   "set-limits RESOURCE",
		Short: "Write a resource's default limit set",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			ns, err := a.resolveNS(c.Context(), nsName)
			if err != nil {
				return err
			}
			limits, err := parseLimits(limitSpecs)
			if err != nil {
				return err
			}
			return a.service.SetResourceLimits(c.Context(), ns, args[0], limits, a.principal)
		},
	}
	set.Flags().StringArrayVar(&limitSpecs, "limit", nil, "limit as name=capacity:refill_amount:period[:burst] (repeatable)")
	cmd.AddCommand(set)

	cmd.AddCommand(&cobra.Command{
		Use:   "get-limits RESOURCE",
		Short: "Show a resource's default limit set",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			ns, err := a.resolveNS(c.Context(), nsName)
			if err != nil {
				return err
			}
			rec, err := a.service.GetResourceLimits(c.Context(), ns, args[0])
			if err != nil {
				return err
			}
			printConfig(rec)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete-limits RESOURCE",
		Short: "Remove a resource's default limit set",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			ns, err := a.resolveNS(c.Context(), nsName)
			if err != nil {
				return err
			}
			return a.service.DeleteResourceLimits(c.Context(), ns, args[0], a.principal)
		},
	})

	return cmd
}
