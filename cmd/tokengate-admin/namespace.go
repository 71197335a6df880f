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

func printNamespace(rec *store.NamespaceRecord) {
	fmt.Printf("%s  %s  %s  created=%s", rec.ID, rec.Name, rec.Status,
		time.UnixMilli(rec.CreatedAtMS).UTC().Format(time.RFC3339))
	if rec.DeletedAtMS > 0 {
		fmt.Printf("  deleted=%s", time.UnixMilli(rec.DeletedAtMS).UTC().Format(time.RFC3339))
	}
	fmt.Println()
}

func newNamespaceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "namespace",
		Short: "Manage tenant namespaces",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "register NAME",
		Short: "Register a namespace (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			id, created, err := a.registry.Register(c.Context(), args[0])
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("registered %s -> %s\n", args[0], id)
			} else {
				fmt.Printf("%s -> %s (already registered)\n", args[0], id)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all namespaces",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			recs, err := a.registry.List(c.Context())
			if err != nil {
				return err
			}
			for i := range recs {
				printNamespace(&recs[i])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show NAME_OR_ID",
		Short: "Show one namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			rec, err := a.registry.Show(c.Context(), args[0])
			if err != nil {
				return err
			}
			printNamespace(rec)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete NAME",
		Short: "Soft-delete a namespace (data stays, name is freed)",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			if err := a.registry.Delete(c.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("soft-deleted %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "recover ID",
		Short: "Restore a soft-deleted namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			rec, err := a.registry.Recover(c.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("recovered %s -> %s\n", rec.Name, rec.ID)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "orphans",
		Short: "List soft-deleted namespaces awaiting purge",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			recs, err := a.registry.Orphans(c.Context())
			if err != nil {
				return err
			}
			for i := range recs {
				printNamespace(&recs[i])
			}
			return nil
		},
	})

	var yes bool
	purge := &cobra.Command{
		Use:   "purge ID",
		Short: "Permanently delete every row of a soft-deleted namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("purge is irreversible; re-run with --yes")
			}
			n, err := a.registry.Purge(c.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("purged %s: %d rows removed\n", args[0], n)
			return nil
		},
	}
	purge.Flags().BoolVar(&yes, "yes", false, "confirm the irreversible purge")
	cmd.AddCommand(purge)

	return cmd
}
