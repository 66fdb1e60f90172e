package options

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDB key layout: one item per record, PK "OPTION#<name>", SK "VALUE".
const (
	pkPrefix = "OPTION#"
	skValue  = "VALUE"
)

// dynamoAPI is the part of *dynamodb.Client the store calls.
type dynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

type optionItem struct {
	Value map[string]any `dynamodbav:"value"`
}

// DynamoStore keeps option records in a PK/SK table shared with other
// WebPeasy data.
type DynamoStore struct {
	client    dynamoAPI
	tableName string
}

var _ Store = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
func NewDynamoStore(client dynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName}
}

func optionKey(name string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pkPrefix + name},
		"SK": &types.AttributeValueMemberS{Value: skValue},
	}
}

func (s *DynamoStore) Load(ctx context.Context, name string) (map[string]any, bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.tableName,
		Key:            optionKey(name),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, fmt.Errorf("GetItem PK=%s%s: %w", pkPrefix, name, err)
	}
	if result.Item == nil {
		return nil, false, nil
	}
	var item optionItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, false, fmt.Errorf("unmarshal PK=%s%s: %w", pkPrefix, name, err)
	}
	if item.Value == nil {
		item.Value = map[string]any{}
	}
	return item.Value, true, nil
}

func (s *DynamoStore) Save(ctx context.Context, name string, value map[string]any) error {
	item, err := attributevalue.MarshalMap(optionItem{Value: value})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	for k, v := range optionKey(name) {
		item[k] = v
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem PK=%s%s: %w", pkPrefix, name, err)
	}
	return nil
}
