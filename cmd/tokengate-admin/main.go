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

// Package main is the tokengate administration CLI: namespace registry,
// limit configuration at the system/resource/entity tiers, entity lifecycle,
// declarative manifests, and operational status.
//
// Exit codes: 0 success, 1 operational failure, 2 invalid usage or input.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tokengate/internal/ratelimiter/admin"
	"tokengate/internal/ratelimiter/applier"
	"tokengate/internal/ratelimiter/config"
	"tokengate/internal/ratelimiter/core"
	"tokengate/internal/ratelimiter/namespace"
	"tokengate/internal/ratelimiter/store"
)

const envTable = "TOKENGATE_TABLE"

// app carries the wired components shared by every subcommand.
type app struct {
	table     string
	region    string
	principal string
	verbose   bool

	log      *zap.Logger
	repo     *store.Repository
	registry *namespace.Registry
	service  *admin.Service
	applier  *applier.Applier
}

func (a *app) init(ctx context.Context) error {
	var err error
	if a.verbose {
		a.log, err = zap.NewDevelopment()
	} else {
		a.log, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}
	if a.table == "" {
		a.table = os.Getenv(envTable)
	}
	if a.table == "" {
		return fmt.Errorf("no table given: set --table or %s: %w", envTable, core.ErrValidation)
	}

	var opts []func(*awsconfig.LoadOptions) error
	if a.region != "" {
		opts = append(opts, awsconfig.WithRegion(a.region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}

	a.repo = store.NewRepository(dynamodb.NewFromConfig(awsCfg), a.table, a.log)
	a.registry = namespace.NewRegistry(a.repo, a.log)
	resolver := config.NewResolver(a.repo, nil, a.log)
	a.service = admin.NewService(a.repo, resolver, a.log)
	a.applier = applier.NewApplier(a.repo, a.registry, a.log)
	return nil
}

// resolveNS maps a namespace name to its opaque id.
func (a *app) resolveNS(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("--namespace is required: %w", core.ErrValidation)
	}
	return a.repo.GetNamespaceForward(ctx, name)
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "tokengate-admin",
		Short:         "Administer the tokengate distributed rate limiter",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.table, "table", "", "DynamoDB table name (or "+envTable+")")
	root.PersistentFlags().StringVar(&a.region, "region", "", "AWS region override")
	root.PersistentFlags().StringVar(&a.principal, "principal", os.Getenv("USER"), "principal recorded in audit events")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose logging")

	root.AddCommand(
		newNamespaceCmd(a),
		newSystemCmd(a),
		newResourceCmd(a),
		newEntityCmd(a),
		newApplyCmd(a),
		newStatusCmd(a),
		newVersionCmd(a),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, core.ErrValidation) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
