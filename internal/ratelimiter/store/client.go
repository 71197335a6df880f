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

// Package store is the repository layer over the wide-row table: every
// expression string, attribute name, and index query lives here. Upper
// layers pass and receive typed records and never see AttributeValue maps.
package store

import (
	"context"
	"errors"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// DynamoClient is the narrow slice of the DynamoDB API the repository uses.
// *dynamodb.Client satisfies it; tests substitute a fake.
type DynamoClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Sentinel errors surfaced by the repository. Callers classify with
// errors.Is; the underlying AWS error stays wrapped for logging.
var (
	// ErrNotFound is returned for explicit single-item lookups that miss.
	ErrNotFound = errors.New("store: item not found")
	// ErrConditionFailed marks an optimistic-lock miss (rf changed, or an
	// existence precondition failed). Internally retried by callers.
	ErrConditionFailed = errors.New("store: conditional check failed")
	// ErrConflict marks a uniqueness violation (item already exists).
	ErrConflict = errors.New("store: item already exists")
)

// IsConditionFailed reports whether err is an optimistic-lock miss, either
// as the repository sentinel or as the raw DynamoDB exception (including a
// transaction cancelled solely by condition failures).
func IsConditionFailed(err error) bool {
	if errors.Is(err, ErrConditionFailed) {
		return true
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tc *types.TransactionCanceledException
	if errors.As(err, &tc) {
		return transactionCancelledByCondition(tc)
	}
	return false
}

// transactionCancelledByCondition reports whether at least one cancellation
// reason is ConditionalCheckFailed and none is an infrastructure failure.
func transactionCancelledByCondition(tc *types.TransactionCanceledException) bool {
	sawCondition := false
	for _, r := range tc.CancellationReasons {
		if r.Code == nil {
			continue
		}
		switch *r.Code {
		case "ConditionalCheckFailed":
			sawCondition = true
		case "None":
		default:
			// Throttling, capacity, validation: not a lock miss.
			return false
		}
	}
	return sawCondition
}

// IsThrottled reports whether err is a throughput/throttling rejection that
// the SDK retry budget already exhausted.
func IsThrottled(err error) bool {
	var ptee *types.ProvisionedThroughputExceededException
	if errors.As(err, &ptee) {
		return true
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "ThrottlingException", "RequestLimitExceeded":
			return true
		}
	}
	return false
}

// --- AttributeValue construction helpers ---

func avS(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func avN(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func avBool(v bool) types.AttributeValue {
	return &types.AttributeValueMemberBOOL{Value: v}
}

// getS extracts a string attribute, or "" when absent or mistyped.
func getS(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// getN extracts a numeric attribute, or 0 when absent or unparseable.
func getN(item map[string]types.AttributeValue, name string) int64 {
	if v, ok := item[name].(*types.AttributeValueMemberN); ok {
		n, err := strconv.ParseInt(v.Value, 10, 64)
		if err == nil {
			return n
		}
	}
	return 0
}

// getBool extracts a boolean attribute, defaulting to false.
func getBool(item map[string]types.AttributeValue, name string) bool {
	if v, ok := item[name].(*types.AttributeValueMemberBOOL); ok {
		return v.Value
	}
	return false
}
