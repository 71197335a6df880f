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
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"

	"tokengate/internal/ratelimiter/aggregator"
)

// convertAttr maps the streams SDK attribute type onto the dynamodb SDK one.
// The two packages declare structurally identical but distinct types.
func convertAttr(av streamtypes.AttributeValue) ddbtypes.AttributeValue {
	switch v := av.(type) {
	case *streamtypes.AttributeValueMemberS:
		return &ddbtypes.AttributeValueMemberS{Value: v.Value}
	case *streamtypes.AttributeValueMemberN:
		return &ddbtypes.AttributeValueMemberN{Value: v.Value}
	case *streamtypes.AttributeValueMemberB:
		return &ddbtypes.AttributeValueMemberB{Value: v.Value}
	case *streamtypes.AttributeValueMemberBOOL:
		return &ddbtypes.AttributeValueMemberBOOL{Value: v.Value}
	case *streamtypes.AttributeValueMemberNULL:
		return &ddbtypes.AttributeValueMemberNULL{Value: v.Value}
	case *streamtypes.AttributeValueMemberSS:
		return &ddbtypes.AttributeValueMemberSS{Value: v.Value}
	case *streamtypes.AttributeValueMemberNS:
		return &ddbtypes.AttributeValueMemberNS{Value: v.Value}
	case *streamtypes.AttributeValueMemberBS:
		return &ddbtypes.AttributeValueMemberBS{Value: v.Value}
	case *streamtypes.AttributeValueMemberL:
		out := make([]ddbtypes.AttributeValue, len(v.Value))
		for i, e := range v.Value {
			out[i] = convertAttr(e)
		}
		return &ddbtypes.AttributeValueMemberL{Value: out}
	case *streamtypes.AttributeValueMemberM:
		return &ddbtypes.AttributeValueMemberM{Value: convertImage(v.Value)}
	default:
		return &ddbtypes.AttributeValueMemberNULL{Value: true}
	}
}

func convertImage(img map[string]streamtypes.AttributeValue) map[string]ddbtypes.AttributeValue {
	if img == nil {
		return nil
	}
	out := make(map[string]ddbtypes.AttributeValue, len(img))
	for k, v := range img {
		out[k] = convertAttr(v)
	}
	return out
}

// convertRecord flattens one stream record into the aggregator's input shape.
func convertRecord(rec streamtypes.Record) aggregator.StreamRecord {
	out := aggregator.StreamRecord{
		EventName:      string(rec.EventName),
		SequenceNumber: "",
	}
	if rec.Dynamodb != nil {
		if rec.Dynamodb.SequenceNumber != nil {
			out.SequenceNumber = *rec.Dynamodb.SequenceNumber
		}
		out.Keys = convertImage(rec.Dynamodb.Keys)
		out.OldImage = convertImage(rec.Dynamodb.OldImage)
		out.NewImage = convertImage(rec.Dynamodb.NewImage)
		if rec.Dynamodb.ApproximateCreationDateTime != nil {
			out.TimestampMS = rec.Dynamodb.ApproximateCreationDateTime.UnixMilli()
		}
	}
	return out
}
