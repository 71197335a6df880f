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

package aggregator

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tokengate/internal/ratelimiter/store"
	"tokengate/internal/ratelimiter/telemetry"
)

// S3Client is the slice of the S3 API the archiver needs.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type auditRemove struct {
	rec StreamRecord
}

// archiveLine is one JSONL row in an archive object.
type archiveLine struct {
	EventID   string            `json:"event_id"`
	Timestamp string            `json:"timestamp"`
	EntityID  string            `json:"entity_id"`
	Action    string            `json:"action"`
	Principal string            `json:"principal,omitempty"`
	Resource  string            `json:"resource,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// archive ships expired audit records to S3, one gzip JSONL object per UTC
// date partition. A failed put marks the contributing records so the stream
// redelivers them; archival within one object preserves stream order.
func (a *Aggregator) archive(ctx context.Context, expired []auditRemove, res *BatchResult) {
	if len(expired) == 0 {
		return
	}
	if a.s3 == nil || a.cfg.AuditBucket == "" {
		a.log.Warn("audit archival disabled, dropping expired records", zap.Int("count", len(expired)))
		return
	}

	type group struct {
		lines []archiveLine
		seqs  []string
		first time.Time
	}
	groups := make(map[string]*group)
	for _, e := range expired {
		rec, err := store.UnmarshalAuditItem(e.rec.OldImage)
		if err != nil {
			res.Errors = multierr.Append(res.Errors, err)
			continue
		}
		ts := time.UnixMilli(rec.TimestampMS).UTC()
		day := ts.Format("2006-01-02")
		g := groups[day]
		if g == nil {
			g = &group{first: ts}
			groups[day] = g
		}
		g.lines = append(g.lines, archiveLine{
			EventID:   rec.EventID,
			Timestamp: ts.Format(time.RFC3339Nano),
			EntityID:  rec.EntityID,
			Action:    rec.Action,
			Principal: rec.Principal,
			Resource:  rec.Resource,
			Details:   rec.Details,
		})
		g.seqs = append(g.seqs, e.rec.SequenceNumber)
	}

	for _, g := range groups {
		key := archiveKey(g.first, uuid.NewString())
		body, err := encodeArchive(g.lines)
		if err != nil {
			res.Errors = multierr.Append(res.Errors, err)
			res.FailedSequenceNumbers = append(res.FailedSequenceNumbers, g.seqs...)
			continue
		}
		_, err = a.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket:          aws.String(a.cfg.AuditBucket),
			Key:             aws.String(key),
			Body:            bytes.NewReader(body),
			ContentType:     aws.String("application/x-ndjson"),
			ContentEncoding: aws.String("gzip"),
		})
		if err != nil {
			res.Errors = multierr.Append(res.Errors, err)
			res.FailedSequenceNumbers = append(res.FailedSequenceNumbers, g.seqs...)
			a.log.Error("audit archive put failed", zap.String("key", key), zap.Error(err))
			continue
		}
		telemetry.ObserveArchive(len(g.lines), len(body))
		a.log.Info("archived audit records", zap.String("key", key), zap.Int("events", len(g.lines)))
	}
}

// archiveKey partitions objects Hive-style by the records' date.
func archiveKey(t time.Time, reqID string) string {
	return fmt.Sprintf("audit/year=%04d/month=%02d/day=%02d/audit-%s-%s.jsonl.gz",
		t.Year(), int(t.Month()), t.Day(), reqID, t.Format("20060102T150405Z"))
}

func encodeArchive(lines []archiveLine) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	for _, l := range lines {
		if err := enc.Encode(l); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
