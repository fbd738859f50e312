package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wolfman30/arch2code/pkg/logging"
)

const recordTTL = 90 * 24 * time.Hour

// DynamoAPI is the subset of the DynamoDB client used by RecordStore.
type DynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(context.Context, *dynamodb.QueryInput, ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// RecordStore indexes archived artifacts by session in DynamoDB. The table
// has partition key sessionId and sort key artifactId.
type RecordStore struct {
	client    DynamoAPI
	tableName string
	logger    *logging.Logger
}

func NewRecordStore(client DynamoAPI, tableName string, logger *logging.Logger) *RecordStore {
	if client == nil {
		panic("archive: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("archive: table name cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RecordStore{client: client, tableName: tableName, logger: logger}
}

// Put inserts a record. Existing artifact ids are never overwritten.
func (s *RecordStore) Put(ctx context.Context, rec *Record) error {
	if rec == nil {
		return errors.New("archive: record cannot be nil")
	}
	if rec.SessionID == "" || rec.ArtifactID == "" {
		return errors.New("archive: record requires session and artifact ids")
	}
	now := time.Now().UTC()
	if rec.CreatedAt == "" {
		rec.CreatedAt = now.Format(time.RFC3339Nano)
	}
	if rec.ExpiresAt == 0 {
		rec.ExpiresAt = now.Add(recordTTL).Unix()
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("archive: failed to marshal record: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(artifactId)"),
	})
	if err != nil {
		return fmt.Errorf("archive: failed to persist record: %w", err)
	}
	return nil
}

// ListBySession returns a session's records in artifact id order.
func (s *RecordStore) ListBySession(ctx context.Context, sessionID string) ([]Record, error) {
	if sessionID == "" {
		return nil, errors.New("archive: sessionID required")
	}

	var (
		records  []Record
		startKey map[string]types.AttributeValue
	)
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("#session = :session"),
			ExpressionAttributeNames: map[string]string{
				"#session": "sessionId",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":session": &types.AttributeValueMemberS{Value: sessionID},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("archive: failed to query records: %w", err)
		}
		var page []Record
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("archive: failed to decode records: %w", err)
		}
		records = append(records, page...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return records, nil
}
