package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"triage-agent/internal/domain"
)

type fakeDynamo struct {
	getOut   *dynamodb.GetItemOutput
	getErr   error
	putErr   error
	queryOut []*dynamodb.QueryOutput // one entry per page
	queryErr error
	txErr    error

	lastGetInput *dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
	queryInputs  []dynamodb.QueryInput
	txInputs     []*dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryInputs = append(f.queryInputs, *in)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	page := len(f.queryInputs) - 1
	if page >= len(f.queryOut) {
		return &dynamodb.QueryOutput{}, nil
	}
	return f.queryOut[page], nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.txInputs = append(f.txInputs, in)
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func s(v string) *types.AttributeValueMemberS { return &types.AttributeValueMemberS{Value: v} }
func n(v string) *types.AttributeValueMemberN { return &types.AttributeValueMemberN{Value: v} }

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	return c
}

// ---------------------------------------------------------------------------
// Catalog reads
// ---------------------------------------------------------------------------

func TestListDepartments_Paginates(t *testing.T) {
	db := &fakeDynamo{queryOut: []*dynamodb.QueryOutput{
		{
			Items: []map[string]types.AttributeValue{
				{"PK": s(pkCatalog), "SK": s("DEPT#000001"), "id": n("1"), "name": s("内科"), "description": s("常见病")},
			},
			LastEvaluatedKey: map[string]types.AttributeValue{"PK": s(pkCatalog), "SK": s("DEPT#000001")},
		},
		{
			Items: []map[string]types.AttributeValue{
				{"PK": s(pkCatalog), "SK": s("DEPT#000002"), "id": n("2"), "name": s("外科")},
			},
		},
	}}
	c := mustNewClient(t, db)

	got, err := c.ListDepartments(context.Background())
	require.NoError(t, err)
	require.Equal(t, []domain.DepartmentRef{
		{ID: 1, Name: "内科", Description: "常见病"},
		{ID: 2, Name: "外科"},
	}, got)

	require.Len(t, db.queryInputs, 2)
	require.Nil(t, db.queryInputs[0].ExclusiveStartKey)
	require.NotNil(t, db.queryInputs[1].ExclusiveStartKey)
	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", *db.queryInputs[0].KeyConditionExpression)
	require.Equal(t, skPrefixDept, db.queryInputs[0].ExpressionAttributeValues[":prefix"].(*types.AttributeValueMemberS).Value)
	require.Nil(t, db.queryInputs[0].FilterExpression)
}

func TestListDepartments_QueryError(t *testing.T) {
	db := &fakeDynamo{queryErr: errors.New("throttled")}
	_, err := mustNewClient(t, db).ListDepartments(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "throttled")
}

func TestListDepartments_MalformedItem(t *testing.T) {
	db := &fakeDynamo{queryOut: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{{"id": s("one"), "name": s("内科")}},
	}}}
	_, err := mustNewClient(t, db).ListDepartments(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a number")
}

func TestListDoctors_FiltersActive(t *testing.T) {
	db := &fakeDynamo{queryOut: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{{
			"id": n("11"), "departmentId": n("3"), "name": s("张医生"), "title": s("主任医师"),
			"titleLevel": n("1"), "specialty": s("头痛"), "avatar": s("zhang.png"),
		}},
	}}}
	got, err := mustNewClient(t, db).ListDoctors(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, []domain.DoctorRef{{
		ID: 11, DepartmentID: 3, Name: "张医生", Title: "主任医师", TitleLevel: 1, Specialty: "头痛", Avatar: "zhang.png",
	}}, got)

	in := db.queryInputs[0]
	require.Equal(t, "DEPT#3", in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value)
	require.NotNil(t, in.FilterExpression)
	require.Equal(t, "status", in.ExpressionAttributeNames["#status"])
	require.Equal(t, statusActive, in.ExpressionAttributeValues[":active"].(*types.AttributeValueMemberS).Value)
}

func TestListKeywordRules(t *testing.T) {
	db := &fakeDynamo{queryOut: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{
			{"departmentId": n("3"), "keywords": s("头痛, 头晕，偏头痛"), "priority": n("1")},
			{"department": s("皮肤科"), "keywords": s("皮疹")},
		},
	}}}
	got, err := mustNewClient(t, db).ListKeywordRules(context.Background())
	require.NoError(t, err)
	require.Equal(t, []domain.KeywordRule{
		{DepartmentID: 3, Keywords: []string{"头痛", "头晕", "偏头痛"}, Priority: 1},
		{Department: "皮肤科", Keywords: []string{"皮疹"}},
	}, got)
}

func TestListKeywordRules_MissingKeywords(t *testing.T) {
	db := &fakeDynamo{queryOut: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{{"departmentId": n("3")}},
	}}}
	_, err := mustNewClient(t, db).ListKeywordRules(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "keywords")
}

// ---------------------------------------------------------------------------
// Patient context
// ---------------------------------------------------------------------------

func TestGetPatientContext_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"PK": s("PATIENT#p-1"), "SK": s(skProfile), "allergies": s("青霉素"),
	}}}
	got, err := mustNewClient(t, db).GetPatientContext(context.Background(), "p-1")
	require.NoError(t, err)
	require.Equal(t, &domain.PatientContext{Allergies: "青霉素"}, got)
	require.Equal(t, "PATIENT#p-1", db.lastGetInput.Key["PK"].(*types.AttributeValueMemberS).Value)
}

func TestGetPatientContext_Missing(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	got, err := mustNewClient(t, db).GetPatientContext(context.Background(), "p-1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestGetPatientContext_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getErr: errors.New("boom")})
	_, err := c.GetPatientContext(context.Background(), "p-1")
	require.Error(t, err)

	_, err = c.GetPatientContext(context.Background(), "  ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "required")
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

func TestSaveTriage_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	created := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	rec := domain.TriageRecord{
		ID:             "t-1",
		Kind:           "department",
		ConversationID: "c-1",
		Stage:          "poll",
		DepartmentID:   3,
		Fallback:       true,
		Diagnostics:    []domain.Diagnostic{{Stage: "exchange", Message: "", Payload: `{"request_id":"r"}`}},
		CreatedAt:      created,
		TTL:            created.Add(time.Hour).Unix(),
	}
	require.NoError(t, mustNewClient(t, db).SaveTriage(context.Background(), rec))

	item := db.lastPutInput.Item
	require.Equal(t, "TRIAGE#t-1", item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, skResult, item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "3", item["departmentId"].(*types.AttributeValueMemberN).Value)
	require.True(t, item["fallback"].(*types.AttributeValueMemberBOOL).Value)
	require.Equal(t, "2026-03-01T08:00:00Z", item["createdAt"].(*types.AttributeValueMemberS).Value)
	require.Len(t, item["diagnostics"].(*types.AttributeValueMemberL).Value, 1)
	require.NotNil(t, db.lastPutInput.ConditionExpression)
}

func TestSaveTriage_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{putErr: errors.New("conditional check failed")})
	err := c.SaveTriage(context.Background(), domain.TriageRecord{ID: "t-1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "conditional check failed")

	err = c.SaveTriage(context.Background(), domain.TriageRecord{})
	require.Error(t, err)
}

func TestPutCatalog_ChunksTransactions(t *testing.T) {
	db := &fakeDynamo{}
	var depts []domain.DepartmentRef
	for i := 1; i <= 150; i++ {
		depts = append(depts, domain.DepartmentRef{ID: i, Name: "科室"})
	}
	doctors := []domain.DoctorRef{{ID: 11, DepartmentID: 3, Name: "张医生"}}
	rules := []domain.KeywordRule{{DepartmentID: 3, Keywords: []string{"头痛", "头晕"}}}

	require.NoError(t, mustNewClient(t, db).PutCatalog(context.Background(), depts, doctors, rules))
	require.Len(t, db.txInputs, 2)
	require.Len(t, db.txInputs[0].TransactItems, 100)
	require.Len(t, db.txInputs[1].TransactItems, 52)

	last := db.txInputs[1].TransactItems[51].Put.Item
	require.Equal(t, "RULE#0000", last["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "头痛,头晕", last["keywords"].(*types.AttributeValueMemberS).Value)
	doc := db.txInputs[1].TransactItems[50].Put.Item
	require.Equal(t, "DEPT#3", doc["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "DOC#000011", doc["SK"].(*types.AttributeValueMemberS).Value)
}

func TestPutCatalog_RejectsDoctorWithoutDepartment(t *testing.T) {
	db := &fakeDynamo{}
	err := mustNewClient(t, db).PutCatalog(context.Background(), nil, []domain.DoctorRef{{ID: 1}}, nil)
	require.Error(t, err)
	require.Empty(t, db.txInputs)
}

func TestPutCatalog_TransactError(t *testing.T) {
	db := &fakeDynamo{txErr: errors.New("cancelled")}
	err := mustNewClient(t, db).PutCatalog(context.Background(), []domain.DepartmentRef{{ID: 1, Name: "内科"}}, nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cancelled")
}

// ---------------------------------------------------------------------------
// Keys and constructor
// ---------------------------------------------------------------------------

func TestKeys(t *testing.T) {
	require.Equal(t, "DEPT#7", deptPK(7))
	require.Equal(t, "DEPT#000007", deptSK(7))
	require.Equal(t, "DOC#000042", doctorSK(42))
	require.Equal(t, "RULE#0003", ruleSK(3))
	require.Equal(t, "PATIENT#abc", patientPK("abc"))
	require.Equal(t, "TRIAGE#abc", triagePK("abc"))
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "table")
	require.Error(t, err)
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(&fakeDynamo{}, "  ")
	require.Error(t, err)
}
