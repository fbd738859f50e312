package archive

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockDynamo struct {
	putInput    *dynamodb.PutItemInput
	queryInputs []*dynamodb.QueryInput
	pages       []*dynamodb.QueryOutput
	putErr      error
}

func (m *mockDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.putInput = in
	if m.putErr != nil {
		return nil, m.putErr
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	m.queryInputs = append(m.queryInputs, in)
	idx := len(m.queryInputs) - 1
	if idx >= len(m.pages) {
		return &dynamodb.QueryOutput{}, nil
	}
	return m.pages[idx], nil
}

func TestRecordStore_PutSetsDefaultsAndCondition(t *testing.T) {
	mock := &mockDynamo{}
	store := NewRecordStore(mock, "arch2code_artifacts", nil)

	rec := &Record{SessionID: "sess-1", ArtifactID: "art-1", Phase: "generate", CodeBytes: 12}
	require.NoError(t, store.Put(context.Background(), rec))
	require.NotNil(t, mock.putInput)

	var stored Record
	require.NoError(t, attributevalue.UnmarshalMap(mock.putInput.Item, &stored))
	assert.Equal(t, "sess-1", stored.SessionID)
	assert.NotEmpty(t, stored.CreatedAt)
	assert.Greater(t, stored.ExpiresAt, time.Now().Unix())
	assert.Equal(t, "attribute_not_exists(artifactId)", *mock.putInput.ConditionExpression)
	assert.Equal(t, "arch2code_artifacts", *mock.putInput.TableName)
}

func TestRecordStore_PutValidates(t *testing.T) {
	store := NewRecordStore(&mockDynamo{}, "t", nil)
	assert.Error(t, store.Put(context.Background(), nil))
	assert.Error(t, store.Put(context.Background(), &Record{SessionID: "s"}))
}

func TestRecordStore_ListBySessionPaginates(t *testing.T) {
	page1, err := attributevalue.MarshalMap(Record{SessionID: "s", ArtifactID: "a-1"})
	require.NoError(t, err)
	page2, err := attributevalue.MarshalMap(Record{SessionID: "s", ArtifactID: "a-2"})
	require.NoError(t, err)

	mock := &mockDynamo{pages: []*dynamodb.QueryOutput{
		{
			Items:            []map[string]types.AttributeValue{page1},
			LastEvaluatedKey: map[string]types.AttributeValue{"artifactId": &types.AttributeValueMemberS{Value: "a-1"}},
		},
		{Items: []map[string]types.AttributeValue{page2}},
	}}
	store := NewRecordStore(mock, "t", nil)

	records, err := store.ListBySession(context.Background(), "s")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a-1", records[0].ArtifactID)
	assert.Equal(t, "a-2", records[1].ArtifactID)

	require.Len(t, mock.queryInputs, 2)
	assert.Nil(t, mock.queryInputs[0].ExclusiveStartKey)
	assert.NotNil(t, mock.queryInputs[1].ExclusiveStartKey)
}

func TestNewRecordStore_PanicsWithoutTable(t *testing.T) {
	assert.Panics(t, func() { NewRecordStore(&mockDynamo{}, "", nil) })
}
