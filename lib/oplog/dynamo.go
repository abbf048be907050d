/*
 * awsideman
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package oplog

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/gravitational/trace"

	"github.com/gravitational/awsideman/lib/awsapi"
)

// dynamoOperation is the table row. The record itself travels as an
// opaque JSON payload; the flat attributes exist so conditions and
// sweeps work without decoding.
type dynamoOperation struct {
	OperationID string `dynamodbav:"OperationID"`
	Payload     []byte `dynamodbav:"Payload"`
	Timestamp   int64  `dynamodbav:"Timestamp"`
	RolledBack  bool   `dynamodbav:"RolledBack"`
}

// DynamoStoreConfig configures the remote journal.
type DynamoStoreConfig struct {
	// Client is the DynamoDB API.
	Client awsapi.DynamoDB
	// Table is the journal table with an OperationID string hash key.
	Table string
}

// CheckAndSetDefaults validates the config.
func (c *DynamoStoreConfig) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing DynamoDB client")
	}
	if c.Table == "" {
		return trace.BadParameter("missing operations table name")
	}
	return nil
}

// DynamoStore keeps the journal in a DynamoDB table so several
// operators share one history. The rolled-back transition uses a
// conditional write, so the exactly-once guarantee holds across
// processes.
type DynamoStore struct {
	cfg DynamoStoreConfig
}

// NewDynamoStore creates a remote journal store.
func NewDynamoStore(cfg DynamoStoreConfig) (*DynamoStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &DynamoStore{cfg: cfg}, nil
}

func (s *DynamoStore) keyFor(id string) map[string]dynamodbtypes.AttributeValue {
	return map[string]dynamodbtypes.AttributeValue{
		"OperationID": &dynamodbtypes.AttributeValueMemberS{Value: id},
	}
}

func (s *DynamoStore) marshalItem(record *Record) (map[string]dynamodbtypes.AttributeValue, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	item, err := attributevalue.MarshalMap(dynamoOperation{
		OperationID: record.ID,
		Payload:     payload,
		Timestamp:   record.Timestamp.UnixNano(),
		RolledBack:  record.RolledBack,
	})
	return item, trace.Wrap(err)
}

func unmarshalOperation(item map[string]dynamodbtypes.AttributeValue) (*Record, error) {
	var row dynamoOperation
	if err := attributevalue.UnmarshalMap(item, &row); err != nil {
		return nil, trace.Wrap(err)
	}
	var record Record
	if err := json.Unmarshal(row.Payload, &record); err != nil {
		return nil, trace.Wrap(err, "decoding operation %v", row.OperationID)
	}
	return &record, nil
}

// Append implements Store.
func (s *DynamoStore) Append(ctx context.Context, record *Record) error {
	if err := record.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	item, err := s.marshalItem(record)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.cfg.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.cfg.Table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(OperationID)"),
	})
	if err != nil {
		var conditionFailed *dynamodbtypes.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return trace.AlreadyExists("operation %v is already recorded", record.ID)
		}
		return trace.Wrap(err)
	}
	return nil
}

// Get implements Store.
func (s *DynamoStore) Get(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, trace.BadParameter("missing operation id")
	}
	out, err := s.cfg.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.cfg.Table),
		Key:            s.keyFor(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(out.Item) == 0 {
		return nil, trace.NotFound("operation %v not found", id)
	}
	return unmarshalOperation(out.Item)
}

// List implements Store.
func (s *DynamoStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	var records []*Record
	var startKey map[string]dynamodbtypes.AttributeValue
	for {
		out, err := s.cfg.Client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.cfg.Table),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, item := range out.Items {
			record, err := unmarshalOperation(item)
			if err != nil {
				log.WarnContext(ctx, "Skipping undecodable operation item", "error", err)
				continue
			}
			if filter.Match(record) {
				records = append(records, record)
			}
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	sortNewestFirst(records)
	return applyLimit(records, filter.Limit), nil
}

// MarkRolledBack implements Store.
func (s *DynamoStore) MarkRolledBack(ctx context.Context, id, rollbackID string) error {
	record, err := s.Get(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	if record.RolledBack {
		return trace.CompareFailed("operation %v was already rolled back by %v", id, record.RollbackOperationID)
	}
	record.RolledBack = true
	record.RollbackOperationID = rollbackID
	item, err := s.marshalItem(record)
	if err != nil {
		return trace.Wrap(err)
	}
	// The condition closes the race between the read above and this
	// write: whoever lands second fails the check.
	_, err = s.cfg.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.cfg.Table),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(OperationID) AND RolledBack = :notRolledBack"),
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":notRolledBack": &dynamodbtypes.AttributeValueMemberBOOL{Value: false},
		},
	})
	if err != nil {
		var conditionFailed *dynamodbtypes.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return trace.CompareFailed("operation %v was already rolled back", id)
		}
		return trace.Wrap(err)
	}
	return nil
}

// Sweep implements Store.
func (s *DynamoStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	cutoff := olderThan.UnixNano()
	removed := 0
	var startKey map[string]dynamodbtypes.AttributeValue
	for {
		out, err := s.cfg.Client.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.cfg.Table),
			FilterExpression: aws.String("#ts < :cutoff"),
			ExpressionAttributeNames: map[string]string{
				"#ts": "Timestamp",
			},
			ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
				":cutoff": &dynamodbtypes.AttributeValueMemberN{Value: strconv.FormatInt(cutoff, 10)},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return removed, trace.Wrap(err)
		}
		for _, item := range out.Items {
			var row dynamoOperation
			if err := attributevalue.UnmarshalMap(item, &row); err != nil {
				continue
			}
			if _, err := s.cfg.Client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.cfg.Table),
				Key:       s.keyFor(row.OperationID),
			}); err != nil {
				return removed, trace.Wrap(err)
			}
			removed++
		}
		if out.LastEvaluatedKey == nil {
			return removed, nil
		}
		startKey = out.LastEvaluatedKey
	}
}
