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
	"os"
	"sort"

	"github.com/spf13/cobra"

	"tokengate/internal/ratelimiter/applier"
	"tokengate/internal/ratelimiter/store"
)

func newApplyCmd(a *app) *cobra.Command {
	var file string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Reconcile a declarative limit manifest",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			m, err := applier.Parse(data)
			if err != nil {
				return err
			}

			var res *applier.Result
			if dryRun {
				res, err = a.applier.Plan(c.Context(), m)
			} else {
				res, err = a.applier.Apply(c.Context(), m)
			}
			if err != nil {
				return err
			}
			if res.Unchanged {
				fmt.Printf("%s (%s): unchanged\n", m.Namespace, res.NamespaceID)
				return nil
			}
			verb := "applied"
			if dryRun {
				verb = "would apply"
			}
			fmt.Printf("%s (%s): %s %d changes\n", m.Namespace, res.NamespaceID, verb, len(res.Changes))
			for _, ch := range res.Changes {
				fmt.Printf("  %s\n", ch)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "manifest file")
	_ = cmd.MarkFlagRequired("file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan only, write nothing")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	var nsName string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Operational status of the table and one namespace",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			ns, err := a.resolveNS(c.Context(), nsName)
			if err != nil {
				return err
			}
			st, err := a.service.Status(c.Context(), ns)
			if err != nil {
				return err
			}
			if !st.Healthy {
				fmt.Println("table: UNREACHABLE")
				return fmt.Errorf("table is unreachable")
			}
			fmt.Println("table: ok")
			fmt.Printf("schema_version: %d (min client %d)\n", st.SchemaVersion, st.MinClientVersion)
			fmt.Printf("namespaces: %d\n", st.Namespaces)
			resources := make([]string, 0, len(st.Resources))
			for r := range st.Resources {
				resources = append(resources, r)
			}
			sort.Strings(resources)
			for _, r := range resources {
				fmt.Printf("resource %s: %d entity overrides\n", r, st.Resources[r])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&nsName, "namespace", "", "namespace name")
	return cmd
}

func newVersionCmd(a *app) *cobra.Command {
	var schemaVersion, minClient, aggregator int64
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Read or write the shared version record",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			if schemaVersion > 0 {
				return a.service.WriteVersionRecord(c.Context(), store.VersionRecord{
					SchemaVersion:     schemaVersion,
					MinClientVersion:  minClient,
					AggregatorVersion: aggregator,
				}, a.principal)
			}
			rec, err := a.service.GetVersionRecord(c.Context())
			if err != nil {
				return err
			}
			if rec == nil {
				fmt.Println("no version record")
				return nil
			}
			fmt.Printf("schema=%d min_client=%d aggregator=%d\n",
				rec.SchemaVersion, rec.MinClientVersion, rec.AggregatorVersion)
			return nil
		},
	}
	cmd.Flags().Int64Var(&schemaVersion, "set-schema", 0, "write the record with this schema version")
	cmd.Flags().Int64Var(&minClient, "set-min-client", 0, "minimum client version to admit")
	cmd.Flags().Int64Var(&aggregator, "set-aggregator", 0, "aggregator version")
	return cmd
}
