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

// Package storetest provides an in-memory DynamoDB fake covering the
// expression shapes the repository emits: conditional updates with
// SET/ADD/REMOVE, if_not_exists, key-condition queries over the table and
// its GSIs, batch get/write, and multi-item transactions with
// per-item cancellation reasons. It is deliberately not a general DynamoDB
// emulator.
package storetest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Fake is an in-memory stand-in for *dynamodb.Client.
type Fake struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue

	// PingErr makes DescribeTable fail.
	PingErr error
	// PreTransact, when set, runs (outside the lock, so it may call the
	// fake's public methods) before every TransactWriteItems evaluation.
	// Tests use it to interleave a competing writer between a client's read
	// and its conditional write.
	PreTransact func(f *Fake)
	// nextErr holds queued one-shot errors per operation name.
	nextErr map[string][]error
}

// NewFake returns an empty in-memory table.
func NewFake() *Fake {
	return &Fake{
		items:   map[string]map[string]types.AttributeValue{},
		nextErr: map[string][]error{},
	}
}

// PushErr queues a one-shot error for the named operation ("PutItem",
// "TransactWriteItems", ...). Errors are consumed FIFO.
func (f *Fake) PushErr(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextErr[op] = append(f.nextErr[op], err)
}

func (f *Fake) takeErr(op string) error {
	q := f.nextErr[op]
	if len(q) == 0 {
		return nil
	}
	f.nextErr[op] = q[1:]
	return q[0]
}

func itemKey(item map[string]types.AttributeValue) string {
	return strS(item["PK"]) + "\x00" + strS(item["SK"])
}

func keyOf(pk, sk string) string { return pk + "\x00" + sk }

func strS(av types.AttributeValue) string {
	if v, ok := av.(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

// SetItem seeds a row directly.
func (f *Fake) SetItem(item map[string]types.AttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[itemKey(item)] = copyItem(item)
}

// Item returns a stored row (or nil) without going through the API.
func (f *Fake) Item(pk, sk string) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyItem(f.items[keyOf(pk, sk)])
}

// Len reports the number of stored rows.
func (f *Fake) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// --- DynamoClient implementation ---

func (f *Fake) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("GetItem"); err != nil {
		return nil, err
	}
	item := f.items[itemKey(in.Key)]
	return &dynamodb.GetItemOutput{Item: copyItem(item)}, nil
}

func (f *Fake) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("PutItem"); err != nil {
		return nil, err
	}
	old := f.items[itemKey(in.Item)]
	if in.ConditionExpression != nil {
		if !evalCondition(*in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, old) {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
		}
	}
	f.items[itemKey(in.Item)] = copyItem(in.Item)
	out := &dynamodb.PutItemOutput{}
	if in.ReturnValues == types.ReturnValueAllOld && old != nil {
		out.Attributes = copyItem(old)
	}
	return out, nil
}

func (f *Fake) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("DeleteItem"); err != nil {
		return nil, err
	}
	k := itemKey(in.Key)
	old := f.items[k]
	delete(f.items, k)
	out := &dynamodb.DeleteItemOutput{}
	if in.ReturnValues == types.ReturnValueAllOld && old != nil {
		out.Attributes = copyItem(old)
	}
	return out, nil
}

func (f *Fake) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("UpdateItem"); err != nil {
		return nil, err
	}
	item, err := f.applyUpdate(in.Key, aws.ToString(in.UpdateExpression), in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	out := &dynamodb.UpdateItemOutput{}
	if in.ReturnValues == types.ReturnValueAllNew {
		out.Attributes = copyItem(item)
	}
	return out, nil
}

func (f *Fake) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("Query"); err != nil {
		return nil, err
	}
	attr, val, pfxAttr, pfx, err := parseKeyCondition(aws.ToString(in.KeyConditionExpression), in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	var items []map[string]types.AttributeValue
	for _, item := range f.items {
		if strS(item[attr]) != val {
			continue
		}
		if pfxAttr != "" && !strings.HasPrefix(strS(item[pfxAttr]), pfx) {
			continue
		}
		items = append(items, copyItem(item))
	}
	return &dynamodb.QueryOutput{Items: items, Count: int32(len(items))}, nil
}

func (f *Fake) BatchGetItem(_ context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("BatchGetItem"); err != nil {
		return nil, err
	}
	out := &dynamodb.BatchGetItemOutput{Responses: map[string][]map[string]types.AttributeValue{}}
	for table, kaa := range in.RequestItems {
		for _, key := range kaa.Keys {
			if item, ok := f.items[itemKey(key)]; ok {
				out.Responses[table] = append(out.Responses[table], copyItem(item))
			}
		}
	}
	return out, nil
}

func (f *Fake) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("BatchWriteItem"); err != nil {
		return nil, err
	}
	for _, reqs := range in.RequestItems {
		for _, req := range reqs {
			if req.DeleteRequest != nil {
				delete(f.items, itemKey(req.DeleteRequest.Key))
			}
			if req.PutRequest != nil {
				f.items[itemKey(req.PutRequest.Item)] = copyItem(req.PutRequest.Item)
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (f *Fake) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	if err := f.takeErr("TransactWriteItems"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	if f.PreTransact != nil {
		pre := f.PreTransact
		f.PreTransact = nil
		f.mu.Unlock()
		pre(f)
		f.mu.Lock()
	}
	defer f.mu.Unlock()
	// First pass: evaluate every condition against current state.
	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		code := "None"
		switch {
		case ti.Put != nil && ti.Put.ConditionExpression != nil:
			old := f.items[itemKey(ti.Put.Item)]
			if !evalCondition(*ti.Put.ConditionExpression, ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues, old) {
				code = "ConditionalCheckFailed"
			}
		case ti.Update != nil && ti.Update.ConditionExpression != nil:
			old := f.items[itemKey(ti.Update.Key)]
			if !evalCondition(*ti.Update.ConditionExpression, ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues, old) {
				code = "ConditionalCheckFailed"
			}
		case ti.Delete != nil && ti.Delete.ConditionExpression != nil:
			old := f.items[itemKey(ti.Delete.Key)]
			if !evalCondition(*ti.Delete.ConditionExpression, ti.Delete.ExpressionAttributeNames, ti.Delete.ExpressionAttributeValues, old) {
				code = "ConditionalCheckFailed"
			}
		}
		if code != "None" {
			failed = true
		}
		reasons[i] = types.CancellationReason{Code: aws.String(code)}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("transaction cancelled"),
			CancellationReasons: reasons,
		}
	}
	// Second pass: apply.
	for _, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			f.items[itemKey(ti.Put.Item)] = copyItem(ti.Put.Item)
		case ti.Delete != nil:
			delete(f.items, itemKey(ti.Delete.Key))
		case ti.Update != nil:
			if _, err := f.applyUpdate(ti.Update.Key, aws.ToString(ti.Update.UpdateExpression), nil, ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues); err != nil {
				return nil, err
			}
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *Fake) DescribeTable(_ context.Context, _ *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PingErr != nil {
		return nil, f.PingErr
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

// --- expression evaluation ---

// applyUpdate mutates (or creates) the addressed row per the repository's
// SET/ADD/REMOVE grammar. Caller holds the lock.
func (f *Fake) applyUpdate(key map[string]types.AttributeValue, expr string, cond *string, names map[string]string, values map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	k := itemKey(key)
	item, exists := f.items[k]
	if cond != nil {
		if !evalCondition(*cond, names, values, item) {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
		}
	}
	if !exists {
		item = copyItem(key)
	}
	for _, clause := range splitClauses(expr) {
		verb, body, _ := strings.Cut(clause, " ")
		switch verb {
		case "SET":
			for _, assign := range splitTop(body) {
				path, rhs, ok := strings.Cut(assign, " = ")
				if !ok {
					return nil, fmt.Errorf("storetest: bad SET %q", assign)
				}
				attr := resolveName(path, names)
				if strings.HasPrefix(rhs, "if_not_exists(") {
					if _, present := item[attr]; present {
						continue
					}
					inner := strings.TrimSuffix(strings.TrimPrefix(rhs, "if_not_exists("), ")")
					parts := splitTop(inner)
					item[attr] = values[strings.TrimSpace(parts[1])]
				} else {
					item[attr] = values[strings.TrimSpace(rhs)]
				}
			}
		case "ADD":
			for _, add := range splitTop(body) {
				path, vref, ok := strings.Cut(strings.TrimSpace(add), " ")
				if !ok {
					return nil, fmt.Errorf("storetest: bad ADD %q", add)
				}
				attr := resolveName(path, names)
				delta := numVal(values[strings.TrimSpace(vref)])
				cur := int64(0)
				if v, ok := item[attr].(*types.AttributeValueMemberN); ok {
					cur, _ = strconv.ParseInt(v.Value, 10, 64)
				}
				item[attr] = &types.AttributeValueMemberN{Value: strconv.FormatInt(cur+delta, 10)}
			}
		case "REMOVE":
			for _, rm := range splitTop(body) {
				delete(item, resolveName(strings.TrimSpace(rm), names))
			}
		default:
			return nil, fmt.Errorf("storetest: unsupported clause %q", clause)
		}
	}
	f.items[k] = item
	return item, nil
}

// splitClauses cuts an update expression into SET/ADD/REMOVE clauses.
func splitClauses(expr string) []string {
	var out []string
	fields := strings.Fields(expr)
	var cur []string
	for _, fld := range fields {
		if fld == "SET" || fld == "ADD" || fld == "REMOVE" {
			if len(cur) > 0 {
				out = append(out, strings.Join(cur, " "))
			}
			cur = []string{fld}
			continue
		}
		cur = append(cur, fld)
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, " "))
	}
	return out
}

// splitTop splits on commas that are not nested inside parentheses.
func splitTop(s string) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	out = append(out, strings.TrimSpace(s[start:]))
	return out
}

func resolveName(tok string, names map[string]string) string {
	tok = strings.TrimSpace(tok)
	if strings.HasPrefix(tok, "#") {
		if real, ok := names[tok]; ok {
			return real
		}
	}
	return tok
}

func numVal(av types.AttributeValue) int64 {
	if v, ok := av.(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

// parseKeyCondition understands "X = :v" optionally followed by
// "AND begins_with(Y, :p)". It returns the equality attribute and value plus
// the optional prefix attribute and prefix.
func parseKeyCondition(expr string, values map[string]types.AttributeValue) (attr, val, pfxAttr, pfx string, err error) {
	eq, rest, _ := strings.Cut(expr, " AND ")
	l, r, ok := strings.Cut(strings.TrimSpace(eq), " = ")
	if !ok {
		return "", "", "", "", fmt.Errorf("storetest: bad key condition %q", expr)
	}
	attr = strings.TrimSpace(l)
	val = strS(values[strings.TrimSpace(r)])
	if rest != "" {
		rest = strings.TrimSpace(rest)
		if !strings.HasPrefix(rest, "begins_with(") {
			return "", "", "", "", fmt.Errorf("storetest: bad key condition %q", expr)
		}
		inner := strings.TrimSuffix(strings.TrimPrefix(rest, "begins_with("), ")")
		parts := splitTop(inner)
		pfxAttr = parts[0]
		pfx = strS(values[parts[1]])
	}
	return attr, val, pfxAttr, pfx, nil
}

// evalCondition supports the repository's condition shapes:
// attribute_not_exists(X), "#a = :v", and "#a <= :v".
func evalCondition(cond string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) bool {
	cond = strings.TrimSpace(cond)
	if strings.HasPrefix(cond, "attribute_not_exists(") {
		attr := resolveName(strings.TrimSuffix(strings.TrimPrefix(cond, "attribute_not_exists("), ")"), names)
		if item == nil {
			return true
		}
		_, present := item[attr]
		return !present
	}
	if item == nil {
		return false
	}
	if l, r, ok := strings.Cut(cond, " <= "); ok {
		attr := resolveName(l, names)
		return numVal(item[attr]) <= numVal(values[strings.TrimSpace(r)])
	}
	if l, r, ok := strings.Cut(cond, " = "); ok {
		attr := resolveName(l, names)
		want := values[strings.TrimSpace(r)]
		got, present := item[attr]
		if !present {
			return false
		}
		switch w := want.(type) {
		case *types.AttributeValueMemberN:
			g, ok := got.(*types.AttributeValueMemberN)
			return ok && g.Value == w.Value
		case *types.AttributeValueMemberS:
			g, ok := got.(*types.AttributeValueMemberS)
			return ok && g.Value == w.Value
		}
		return false
	}
	return false
}
