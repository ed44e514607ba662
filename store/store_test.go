package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"github.com/agentplexus/calltest"
	"github.com/agentplexus/calltest/conversation"
	"github.com/agentplexus/calltest/evaluation"
	"github.com/agentplexus/calltest/orchestrator"
	"github.com/agentplexus/calltest/scenario"
)

func sampleResult() *orchestrator.TestResult {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &orchestrator.TestResult{
		Test: scenario.Test{
			Persona:     scenario.Persona{Name: "jessica", Prompt: "Order a donut."},
			Scenario:    scenario.Scenario{Name: "order_donut", Prompt: "Order one glazed donut."},
			PhoneNumber: "+15550100",
		},
		SessionID: "7f1c0c8e-6a53-4a8e-9a55-3f1d2f7d9b10",
		Transcript: []conversation.Turn{
			{Speaker: conversation.SpeakerCounterpart, Text: "Donut Palace, hi!", At: start},
			{Speaker: conversation.SpeakerPersona, Text: "One glazed please.", At: start.Add(2 * time.Second)},
		},
		Evaluations: []evaluation.Result{{Criterion: "order_success", Passed: true, Rationale: "Order taken."}},
		CallStatus:  orchestrator.CallCompleted,
		StartedAt:   start,
		EndedAt:     start.Add(time.Minute),
	}
}

func TestFile_SaveAndLoad(t *testing.T) {
	s, err := NewFile(t.TempDir())
	require.NoError(t, err)

	res := sampleResult()
	require.NoError(t, s.Save(context.Background(), res))

	got, err := s.Load(res.SessionID)
	require.NoError(t, err)
	require.Equal(t, res.SessionID, got.SessionID)
	require.Equal(t, orchestrator.CallCompleted, got.CallStatus)
	require.Len(t, got.Transcript, 2)
	require.True(t, got.Passed())

	require.Error(t, s.Save(context.Background(), &orchestrator.TestResult{}))
	_, err = NewFile("")
	require.Error(t, err)
}

type fakeDynamo struct {
	lastPut *dynamodb.PutItemInput
	err     error
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPut = in
	return &dynamodb.PutItemOutput{}, f.err
}

func TestDynamoDB_Save(t *testing.T) {
	db := &fakeDynamo{}
	s, err := NewDynamoDB(db, "calltest-results")
	require.NoError(t, err)
	s.now = func() time.Time { return time.Unix(1000, 0) }

	res := sampleResult()
	require.NoError(t, s.Save(context.Background(), res))
	require.Equal(t, "calltest-results", *db.lastPut.TableName)
	require.Equal(t, "attribute_not_exists(PK)", *db.lastPut.ConditionExpression)

	item := db.lastPut.Item
	require.Equal(t, "SESSION#"+res.SessionID, item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "completed", item["callStatus"].(*types.AttributeValueMemberS).Value)
	require.True(t, item["passed"].(*types.AttributeValueMemberBOOL).Value)
	require.Equal(t, "2", item["turns"].(*types.AttributeValueMemberN).Value)

	var decoded orchestrator.TestResult
	require.NoError(t, json.Unmarshal([]byte(item["result"].(*types.AttributeValueMemberS).Value), &decoded))
	require.Equal(t, res.SessionID, decoded.SessionID)

	db.err = errors.New("ConditionalCheckFailedException")
	require.Error(t, s.Save(context.Background(), res))
}

func TestNewDynamoDB_Validation(t *testing.T) {
	_, err := NewDynamoDB(nil, "t")
	require.Error(t, err)
	_, err = NewDynamoDB(&fakeDynamo{}, " ")
	require.Error(t, err)
}

type fakeExec struct {
	queries []string
	args    [][]any
	err     error
}

func (f *fakeExec) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.queries = append(f.queries, query)
	f.args = append(f.args, args)
	return nil, f.err
}

func TestMySQL_Save(t *testing.T) {
	db := &fakeExec{}
	s, err := newMySQL(context.Background(), db, nil)
	require.NoError(t, err)
	require.Contains(t, db.queries[0], "CREATE TABLE IF NOT EXISTS call_test_results")

	res := sampleResult()
	require.NoError(t, s.Save(context.Background(), res))
	require.Len(t, db.queries, 2)
	args := db.args[1]
	require.Equal(t, res.SessionID, args[0])
	require.Equal(t, "jessica/order_donut", args[1])
	require.Equal(t, "completed", args[3])
	require.Equal(t, true, args[4])
	require.NoError(t, s.Close())
}

func TestMySQLConfig_DSN(t *testing.T) {
	dsn := MySQLConfig{Addr: "db.internal:3306", User: "calltest", Password: "s3cret", Database: "calls"}.DSN()
	require.Contains(t, dsn, "calltest:s3cret@tcp(db.internal:3306)/calls")
	require.Contains(t, dsn, "parseTime=true")
}

func TestOpenMySQL_RequiresAddress(t *testing.T) {
	_, err := OpenMySQL(context.Background(), MySQLConfig{})
	require.True(t, calltest.IsCode(err, calltest.CodeConfig))
}

type fakeBlob struct {
	container, name string
	body            []byte
	opts            *azblob.UploadBufferOptions
}

func (f *fakeBlob) UploadBuffer(_ context.Context, container, name string, buf []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error) {
	f.container, f.name, f.body, f.opts = container, name, buf, o
	return azblob.UploadBufferResponse{}, nil
}

func TestAzureBlob_Save(t *testing.T) {
	fb := &fakeBlob{}
	s := newAzureBlob(fb, "calltest")

	res := sampleResult()
	require.NoError(t, s.Save(context.Background(), res))
	require.Equal(t, "calltest", fb.container)
	require.Equal(t, "results/"+res.SessionID+".json", fb.name)
	require.Equal(t, "application/json", *fb.opts.HTTPHeaders.BlobContentType)
	require.Equal(t, "completed", *fb.opts.Metadata["call_status"])
}

func TestOpen_Kinds(t *testing.T) {
	s, err := Open(context.Background(), Config{})
	require.NoError(t, err)
	require.IsType(t, Nop{}, s)

	s, err = Open(context.Background(), Config{Kind: "FILE", Dir: t.TempDir()})
	require.NoError(t, err)
	require.IsType(t, &File{}, s)

	_, err = Open(context.Background(), Config{Kind: "redis"})
	require.True(t, calltest.IsCode(err, calltest.CodeConfig))

	_, err = Open(context.Background(), Config{Kind: KindAzure})
	require.True(t, calltest.IsCode(err, calltest.CodeConfig))
}
