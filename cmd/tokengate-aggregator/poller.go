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
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"go.uber.org/zap"

	"tokengate/internal/ratelimiter/aggregator"
)

// StreamsClient is the slice of the DynamoDB Streams API the poller uses.
type StreamsClient interface {
	DescribeStream(ctx context.Context, params *dynamodbstreams.DescribeStreamInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error)
	GetShardIterator(ctx context.Context, params *dynamodbstreams.GetShardIteratorInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, params *dynamodbstreams.GetRecordsInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error)
}

// Poller walks every open shard of one stream and feeds batches to the
// aggregator. One goroutine per shard; a batch whose snapshot writes failed
// is re-read from the first failed sequence number instead of advancing.
type Poller struct {
	streams   StreamsClient
	agg       *aggregator.Aggregator
	streamARN string
	interval  time.Duration
	fromStart bool
	log       *zap.Logger

	wg      sync.WaitGroup
	tracked sync.Mutex
	shards  map[string]struct{}
}

// NewPoller wires a poller.
func NewPoller(streams StreamsClient, agg *aggregator.Aggregator, streamARN string, interval time.Duration, fromStart bool, log *zap.Logger) *Poller {
	return &Poller{
		streams:   streams,
		agg:       agg,
		streamARN: streamARN,
		interval:  interval,
		fromStart: fromStart,
		log:       log,
		shards:    make(map[string]struct{}),
	}
}

// Run blocks until ctx is cancelled, then waits for every shard worker to
// finish its in-flight batch. Shard discovery repeats each interval so
// resharding picks up new shards.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.discoverShards(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.log.Error("shard discovery failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			p.wg.Wait()
			p.log.Info("poller drained")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) discoverShards(ctx context.Context) error {
	var lastShard *string
	for {
		out, err := p.streams.DescribeStream(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             aws.String(p.streamARN),
			ExclusiveStartShardId: lastShard,
		})
		if err != nil {
			return err
		}
		for _, shard := range out.StreamDescription.Shards {
			p.adoptShard(ctx, aws.ToString(shard.ShardId))
		}
		lastShard = out.StreamDescription.LastEvaluatedShardId
		if lastShard == nil {
			return nil
		}
	}
}

func (p *Poller) adoptShard(ctx context.Context, shardID string) {
	if shardID == "" {
		return
	}
	p.tracked.Lock()
	_, known := p.shards[shardID]
	if !known {
		p.shards[shardID] = struct{}{}
	}
	p.tracked.Unlock()
	if known {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.pollShard(ctx, shardID)
	}()
}

func (p *Poller) iterator(ctx context.Context, shardID string, after string) (*string, error) {
	in := &dynamodbstreams.GetShardIteratorInput{
		StreamArn: aws.String(p.streamARN),
		ShardId:   aws.String(shardID),
	}
	switch {
	case after != "":
		in.ShardIteratorType = streamtypes.ShardIteratorTypeAfterSequenceNumber
		in.SequenceNumber = aws.String(after)
	case p.fromStart:
		in.ShardIteratorType = streamtypes.ShardIteratorTypeTrimHorizon
	default:
		in.ShardIteratorType = streamtypes.ShardIteratorTypeLatest
	}
	out, err := p.streams.GetShardIterator(ctx, in)
	if err != nil {
		return nil, err
	}
	return out.ShardIterator, nil
}

// pollShard reads a shard until it closes or ctx ends. lastDone tracks the
// newest sequence number whose effects are durably applied; batches with
// failed writes rewind the iterator to just after it.
func (p *Poller) pollShard(ctx context.Context, shardID string) {
	log := p.log.With(zap.String("shard", shardID))
	var lastDone string
	iter, err := p.iterator(ctx, shardID, "")
	if err != nil {
		log.Error("shard iterator unavailable", zap.Error(err))
		return
	}

	for iter != nil && ctx.Err() == nil {
		out, err := p.streams.GetRecords(ctx, &dynamodbstreams.GetRecordsInput{ShardIterator: iter})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("get records failed, re-acquiring iterator", zap.Error(err))
			if iter, err = p.iterator(ctx, shardID, lastDone); err != nil {
				log.Error("shard iterator unavailable", zap.Error(err))
				return
			}
			continue
		}

		if len(out.Records) > 0 {
			batch := make([]aggregator.StreamRecord, 0, len(out.Records))
			for _, rec := range out.Records {
				batch = append(batch, convertRecord(rec))
			}
			res := p.agg.HandleBatch(ctx, batch)
			if res.Errors != nil {
				log.Warn("batch had failures",
					zap.Int("failed_records", len(res.FailedSequenceNumbers)),
					zap.Error(res.Errors))
			}
			if len(res.FailedSequenceNumbers) > 0 {
				// Rewind instead of advancing past unapplied records.
				if iter, err = p.iterator(ctx, shardID, lastDone); err != nil {
					log.Error("shard iterator unavailable", zap.Error(err))
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.interval):
				}
				continue
			}
			lastDone = batch[len(batch)-1].SequenceNumber
		}

		iter = out.NextShardIterator
		if len(out.Records) == 0 && iter != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.interval):
			}
		}
	}
	log.Info("shard closed")
}
