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

// Package main runs the stream worker: it consumes the table's change
// stream and maintains usage snapshots, proactive refills, shard counts and
// the audit archive. Stop it with SIGINT/SIGTERM; in-flight batches drain
// before exit.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"tokengate/internal/ratelimiter/aggregator"
	"tokengate/internal/ratelimiter/schema"
	"tokengate/internal/ratelimiter/store"
	"tokengate/internal/ratelimiter/telemetry"
)

func main() {
	table := flag.String("table", os.Getenv("TOKENGATE_TABLE"), "DynamoDB table name")
	streamARN := flag.String("stream_arn", "", "Stream ARN; discovered from the table when empty")
	region := flag.String("region", "", "AWS region override")
	auditBucket := flag.String("audit_bucket", "", "S3 bucket for expired audit records; empty disables archival")
	granularity := flag.String("window", string(schema.WindowHourly), "snapshot window: hourly, daily or monthly")
	snapshotTTL := flag.Duration("snapshot_ttl", aggregator.DefaultSnapshotTTL, "how long usage snapshots live")
	wcuThreshold := flag.Float64("wcu_threshold", aggregator.DefaultShardWCUThreshold, "fraction of per-shard write capacity that triggers doubling")
	wcuPerShard := flag.Float64("wcu_per_shard", aggregator.DefaultWCUPerShard, "assumed write units/second one shard sustains")
	maxShards := flag.Int("max_shards", aggregator.DefaultMaxShardCount, "shard growth ceiling")
	pollInterval := flag.Duration("poll_interval", time.Second, "idle wait between stream reads")
	fromStart := flag.Bool("from_start", false, "start from the stream's trim horizon instead of the tip")
	metricsAddr := flag.String("metrics_addr", "", "if non-empty, expose Prometheus /metrics on this address")
	verbose := flag.Bool("verbose", false, "verbose logging")
	flag.Parse()

	log, err := newLogger(*verbose)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if *table == "" {
		log.Fatal("no table given: set --table or TOKENGATE_TABLE")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var opts []func(*awsconfig.LoadOptions) error
	if *region != "" {
		opts = append(opts, awsconfig.WithRegion(*region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.Fatal("loading AWS config", zap.Error(err))
	}

	ddb := dynamodb.NewFromConfig(awsCfg)
	arn := *streamARN
	if arn == "" {
		desc, err := ddb.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: table})
		if err != nil {
			log.Fatal("describing table", zap.Error(err))
		}
		arn = aws.ToString(desc.Table.LatestStreamArn)
		if arn == "" {
			log.Fatal("table has no stream; enable NEW_AND_OLD_IMAGES or pass --stream_arn")
		}
	}

	repo := store.NewRepository(ddb, *table, log)
	var s3c aggregator.S3Client
	if *auditBucket != "" {
		s3c = s3.NewFromConfig(awsCfg)
	}
	agg := aggregator.New(repo, s3c, aggregator.Config{
		Granularity:       schema.WindowGranularity(*granularity),
		SnapshotTTL:       *snapshotTTL,
		AuditBucket:       *auditBucket,
		ShardWCUThreshold: *wcuThreshold,
		WCUPerShard:       *wcuPerShard,
		MaxShardCount:     *maxShards,
	}, log)

	if *metricsAddr != "" {
		telemetry.StartEndpoint(*metricsAddr)
	}

	log.Info("aggregator starting",
		zap.String("table", *table),
		zap.String("stream", arn),
		zap.String("window", *granularity))

	poller := NewPoller(dynamodbstreams.NewFromConfig(awsCfg), agg, arn, *pollInterval, *fromStart, log)
	if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("poller stopped", zap.Error(err))
	}
	log.Info("aggregator stopped")
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
