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
	"time"

	"github.com/spf13/cobra"

	"tokengate/internal/ratelimiter/store"
)

func newEntityCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entity",
		Short: "Entity lifecycle and per-entity limit overrides",
	}
	var nsName string
	cmd.PersistentFlags().StringVar(&nsName, "namespace", "", "namespace name")

	var name, parent string
	var cascade bool
	create := &cobra.Command{
		Use:   "create ID",
		Short: "Create an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			ns, err := a.resolveNS(c.Context(), nsName)
			if err != nil {
				return err
			}
			return a.service.CreateEntity(c.Context(), ns, store.EntityRecord{
				ID:       args[0],
				Name:     name,
				ParentID: parent,
				Cascade:  cascade,
			}, a.principal)
		},
	}
	create.Flags().StringVar(&name, "name", "", "display name")
	create.Flags().StringVar(&parent, "parent", "", "parent entity id (cascade target)")
	create.Flags().BoolVar(&cascade, "cascade", false, "propagate consumption to the parent chain by default")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "get ID",
		Short: "Show entity metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			ns, err := a.resolveNS(c.Context(), nsName)
			if err != nil {
				return err
			}
			rec, err := a.service.GetEntity(c.Context(), ns, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("id: %s\n", rec.ID)
			if rec.Name != "" {
				fmt.Printf("name: %s\n", rec.Name)
			}
			if rec.ParentID != "" {
				fmt.Printf("parent: %s (cascade=%t)\n", rec.ParentID, rec.Cascade)
			}
			fmt.Printf("created: %s\n", time.UnixMilli(rec.CreatedAtMS).UTC().Format(time.RFC3339))
			return nil
		},
	})

	var yes bool
	del := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete an entity and every row it owns",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("deleting an entity removes its buckets, history and overrides; re-run with --yes")
			}
			ns, err := a.resolveNS(c.Context(), nsName)
			if err != nil {
				return err
			}
			return a.service.DeleteEntity(c.Context(), ns, args[0], a.principal)
		},
	}
	del.Flags().BoolVar(&yes, "yes", false, "confirm the deletion")
	cmd.AddCommand(del)

	var limitSpecs []string
	setLimits := &cobra.Command{
		Use:   "set-limits ID RESOURCE",
		Short: "Write an entity's limit override for one resource",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			ns, err := a.resolveNS(c.Context(), nsName)
			if err != nil {
				return err
			}
			limits, err := parseLimits(limitSpecs)
			if err != nil {
				return err
			}
			return a.service.SetEntityLimits(c.Context(), ns, args[0], args[1], limits, a.principal)
		},
	}
	setLimits.Flags().StringArrayVar(&limitSpecs, "limit", nil, "limit as name=capacity:refill_amount:period[:burst] (repeatable)")
	cmd.AddCommand(setLimits)

	cmd.AddCommand(&cobra.Command{
		Use:   "get-limits ID RESOURCE",
		Short: "Show an entity's limit override for one resource",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			ns, err := a.resolveNS(c.Context(), nsName)
			if err != nil {
				return err
			}
			rec, err := a.service.GetEntityLimits(c.Context(), ns, args[0], args[1])
			if err != nil {
				return err
			}
			printConfig(rec)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete-limits ID RESOURCE",
		Short: "Remove an entity's limit override for one resource",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			ns, err := a.resolveNS(c.Context(), nsName)
			if err != nil {
				return err
			}
			return a.service.DeleteEntityLimits(c.Context(), ns, args[0], args[1], a.principal)
		},
	})

	return cmd
}
