package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/agentplexus/calltest/orchestrator"
)

const resultTTL = 90 * 24 * time.Hour

// dynamodbAPI is the part of the DynamoDB client the store uses.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoDB stores results in a single table keyed by session.
type DynamoDB struct {
	api   dynamodbAPI
	table string
	now   func() time.Time
}

// NewDynamoDB returns a store writing to table.
func NewDynamoDB(api dynamodbAPI, table string) (*DynamoDB, error) {
	if api == nil {
		return nil, errors.New("store: dynamodb api must not be nil")
	}
	if strings.TrimSpace(table) == "" {
		return nil, errors.New("store: dynamodb table name must not be empty")
	}
	return &DynamoDB{api: api, table: table, now: time.Now}, nil
}

func sessionPK(id string) string {
	return "SESSION#" + id
}

// Save puts the result item. A session is written at most once.
func (d *DynamoDB) Save(ctx context.Context, result *orchestrator.TestResult) error {
	if result == nil || result.SessionID == "" {
		return errors.New("store: result without session id")
	}
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("store: encode result: %w", err)
	}
	_, err = d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                d.resultItem(result, body),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return fmt.Errorf("store: dynamodb put: %w", err)
	}
	return nil
}

func (d *DynamoDB) resultItem(result *orchestrator.TestResult, body []byte) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: sessionPK(result.SessionID)},
		"SK":         &types.AttributeValueMemberS{Value: "RESULT#"},
		"sessionId":  &types.AttributeValueMemberS{Value: result.SessionID},
		"test":       &types.AttributeValueMemberS{Value: result.Test.Name()},
		"phone":      &types.AttributeValueMemberS{Value: result.Test.PhoneNumber},
		"callStatus": &types.AttributeValueMemberS{Value: string(result.CallStatus)},
		"passed":     &types.AttributeValueMemberBOOL{Value: result.Passed()},
		"startedAt":  &types.AttributeValueMemberS{Value: result.StartedAt.UTC().Format(time.RFC3339Nano)},
		"turns":      &types.AttributeValueMemberN{Value: strconv.Itoa(len(result.Transcript))},
		"result":     &types.AttributeValueMemberS{Value: string(body)},
		"ttl":        &types.AttributeValueMemberN{Value: strconv.FormatInt(d.now().Add(resultTTL).Unix(), 10)},
	}
}

func (d *DynamoDB) Close() error { return nil }
