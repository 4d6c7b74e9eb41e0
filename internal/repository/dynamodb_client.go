package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"triage-agent/internal/domain"
)

const (
	pkCatalog      = "CATALOG"
	skPrefixDept   = "DEPT#"
	skPrefixDoctor = "DOC#"
	skPrefixRule   = "RULE#"
	skProfile      = "PROFILE"
	skResult       = "RESULT"
	statusActive   = "active"

	// maxTransactItems is the DynamoDB limit per TransactWriteItems call.
	maxTransactItems = 100
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps the single DynamoDB table holding the triage catalog and the
// per-orchestration triage records.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

func deptPK(departmentID int) string {
	return skPrefixDept + strconv.Itoa(departmentID)
}

// deptSK zero-pads ids so that sort-key order equals id order.
func deptSK(departmentID int) string {
	return fmt.Sprintf("%s%06d", skPrefixDept, departmentID)
}

func doctorSK(doctorID int) string {
	return fmt.Sprintf("%s%06d", skPrefixDoctor, doctorID)
}

func ruleSK(index int) string {
	return fmt.Sprintf("%s%04d", skPrefixRule, index)
}

func patientPK(patientID string) string {
	return "PATIENT#" + patientID
}

func triagePK(id string) string {
	return "TRIAGE#" + id
}

// ListDepartments returns every department ordered by id.
func (c *Client) ListDepartments(ctx context.Context) ([]domain.DepartmentRef, error) {
	items, err := c.queryPrefix(ctx, pkCatalog, skPrefixDept, false)
	if err != nil {
		return nil, fmt.Errorf("repository: ListDepartments: %w", err)
	}
	out := make([]domain.DepartmentRef, 0, len(items))
	for _, item := range items {
		d, err := itemToDepartment(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListDepartments unmarshal: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}

// ListDoctors returns the active doctors of a department ordered by id.
func (c *Client) ListDoctors(ctx context.Context, departmentID int) ([]domain.DoctorRef, error) {
	items, err := c.queryPrefix(ctx, deptPK(departmentID), skPrefixDoctor, true)
	if err != nil {
		return nil, fmt.Errorf("repository: ListDoctors: %w", err)
	}
	out := make([]domain.DoctorRef, 0, len(items))
	for _, item := range items {
		d, err := itemToDoctor(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListDoctors unmarshal: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}

// ListKeywordRules returns the symptom keyword rules in stored order.
func (c *Client) ListKeywordRules(ctx context.Context) ([]domain.KeywordRule, error) {
	items, err := c.queryPrefix(ctx, pkCatalog, skPrefixRule, false)
	if err != nil {
		return nil, fmt.Errorf("repository: ListKeywordRules: %w", err)
	}
	out := make([]domain.KeywordRule, 0, len(items))
	for _, item := range items {
		r, err := itemToRule(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListKeywordRules unmarshal: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// GetPatientContext returns the patient's allergy and medical history, or nil
// when no profile exists.
func (c *Client) GetPatientContext(ctx context.Context, patientID string) (*domain.PatientContext, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, errors.New("repository: GetPatientContext: patient id is required")
	}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: patientPK(patientID)},
			"SK": &types.AttributeValueMemberS{Value: skProfile},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetPatientContext get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	// both attributes are optional
	allergies, _ := strAttr(out.Item, "allergies")
	history, _ := strAttr(out.Item, "medicalHistory")
	return &domain.PatientContext{Allergies: allergies, MedicalHistory: history}, nil
}

// SaveTriage writes the diagnostics record of one orchestration.
func (c *Client) SaveTriage(ctx context.Context, rec domain.TriageRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("repository: SaveTriage: record id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                triageItem(rec),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: SaveTriage: %w", err)
	}
	return nil
}

// PutCatalog replaces catalog rows with the given departments, doctors and
// rules. Writes are grouped into transactions of at most maxTransactItems.
func (c *Client) PutCatalog(ctx context.Context, departments []domain.DepartmentRef, doctors []domain.DoctorRef, rules []domain.KeywordRule) error {
	items := make([]map[string]types.AttributeValue, 0, len(departments)+len(doctors)+len(rules))
	for _, d := range departments {
		items = append(items, departmentItem(d))
	}
	for _, d := range doctors {
		if d.DepartmentID == 0 {
			return fmt.Errorf("repository: PutCatalog: doctor %d has no department", d.ID)
		}
		items = append(items, doctorItem(d))
	}
	for i, r := range rules {
		items = append(items, ruleItem(i, r))
	}

	for start := 0; start < len(items); start += maxTransactItems {
		end := start + maxTransactItems
		if end > len(items) {
			end = len(items)
		}
		tx := make([]types.TransactWriteItem, 0, end-start)
		for _, item := range items[start:end] {
			tx = append(tx, types.TransactWriteItem{
				Put: &types.Put{
					TableName: aws.String(c.tableName),
					Item:      item,
				},
			})
		}
		if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: tx}); err != nil {
			return fmt.Errorf("repository: PutCatalog: %w", err)
		}
	}
	return nil
}

// queryPrefix reads every page of items under pk whose sort key starts with prefix.
func (c *Client) queryPrefix(ctx context.Context, pk, prefix string, activeOnly bool) ([]map[string]types.AttributeValue, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: pk},
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		},
		ScanIndexForward: aws.Bool(true),
	}
	if activeOnly {
		in.FilterExpression = aws.String("attribute_not_exists(#status) OR #status = :active")
		in.ExpressionAttributeNames = map[string]string{"#status": "status"}
		in.ExpressionAttributeValues[":active"] = &types.AttributeValueMemberS{Value: statusActive}
	}

	var items []map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		if out == nil {
			break
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return items, nil
}

func itemToDepartment(item map[string]types.AttributeValue) (domain.DepartmentRef, error) {
	id, err := intAttr(item, "id")
	if err != nil {
		return domain.DepartmentRef{}, err
	}
	name, err := strAttr(item, "name")
	if err != nil {
		return domain.DepartmentRef{}, err
	}
	desc, _ := strAttr(item, "description") // allow empty
	return domain.DepartmentRef{ID: id, Name: name, Description: desc}, nil
}

func itemToDoctor(item map[string]types.AttributeValue) (domain.DoctorRef, error) {
	id, err := intAttr(item, "id")
	if err != nil {
		return domain.DoctorRef{}, err
	}
	deptID, err := intAttr(item, "departmentId")
	if err != nil {
		return domain.DoctorRef{}, err
	}
	name, err := strAttr(item, "name")
	if err != nil {
		return domain.DoctorRef{}, err
	}
	title, _ := strAttr(item, "title")
	level, _ := intAttr(item, "titleLevel")
	specialty, _ := strAttr(item, "specialty")
	avatar, _ := strAttr(item, "avatar")
	return domain.DoctorRef{
		ID:           id,
		DepartmentID: deptID,
		Name:         name,
		Title:        title,
		TitleLevel:   level,
		Specialty:    specialty,
		Avatar:       avatar,
	}, nil
}

func itemToRule(item map[string]types.AttributeValue) (domain.KeywordRule, error) {
	raw, err := strAttr(item, "keywords")
	if err != nil {
		return domain.KeywordRule{}, err
	}
	deptID, _ := intAttr(item, "departmentId")
	dept, _ := strAttr(item, "department")
	priority, _ := intAttr(item, "priority")
	return domain.KeywordRule{
		DepartmentID: deptID,
		Department:   dept,
		Keywords:     splitKeywords(raw),
		Priority:     priority,
	}, nil
}

// splitKeywords accepts ASCII and full-width commas.
func splitKeywords(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == '，' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func departmentItem(d domain.DepartmentRef) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":          &types.AttributeValueMemberS{Value: pkCatalog},
		"SK":          &types.AttributeValueMemberS{Value: deptSK(d.ID)},
		"id":          numAttr(d.ID),
		"name":        &types.AttributeValueMemberS{Value: d.Name},
		"description": &types.AttributeValueMemberS{Value: d.Description},
	}
}

func doctorItem(d domain.DoctorRef) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: deptPK(d.DepartmentID)},
		"SK":           &types.AttributeValueMemberS{Value: doctorSK(d.ID)},
		"id":           numAttr(d.ID),
		"departmentId": numAttr(d.DepartmentID),
		"name":         &types.AttributeValueMemberS{Value: d.Name},
		"title":        &types.AttributeValueMemberS{Value: d.Title},
		"titleLevel":   numAttr(d.TitleLevel),
		"specialty":    &types.AttributeValueMemberS{Value: d.Specialty},
		"avatar":       &types.AttributeValueMemberS{Value: d.Avatar},
		"status":       &types.AttributeValueMemberS{Value: statusActive},
	}
}

func ruleItem(index int, r domain.KeywordRule) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: pkCatalog},
		"SK":           &types.AttributeValueMemberS{Value: ruleSK(index)},
		"departmentId": numAttr(r.DepartmentID),
		"department":   &types.AttributeValueMemberS{Value: r.Department},
		"keywords":     &types.AttributeValueMemberS{Value: strings.Join(r.Keywords, ",")},
		"priority":     numAttr(r.Priority),
	}
}

func triageItem(rec domain.TriageRecord) map[string]types.AttributeValue {
	doctorIDs := make([]types.AttributeValue, 0, len(rec.DoctorIDs))
	for _, id := range rec.DoctorIDs {
		doctorIDs = append(doctorIDs, numAttr(id))
	}
	diags := make([]types.AttributeValue, 0, len(rec.Diagnostics))
	for _, d := range rec.Diagnostics {
		diags = append(diags, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"stage":   &types.AttributeValueMemberS{Value: d.Stage},
			"message": &types.AttributeValueMemberS{Value: d.Message},
			"payload": &types.AttributeValueMemberS{Value: d.Payload},
		}})
	}
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: triagePK(rec.ID)},
		"SK":             &types.AttributeValueMemberS{Value: skResult},
		"kind":           &types.AttributeValueMemberS{Value: rec.Kind},
		"conversationId": &types.AttributeValueMemberS{Value: rec.ConversationID},
		"stage":          &types.AttributeValueMemberS{Value: rec.Stage},
		"departmentId":   numAttr(rec.DepartmentID),
		"doctorIds":      &types.AttributeValueMemberL{Value: doctorIDs},
		"fallback":       &types.AttributeValueMemberBOOL{Value: rec.Fallback},
		"diagnostics":    &types.AttributeValueMemberL{Value: diags},
		"createdAt":      &types.AttributeValueMemberS{Value: rec.CreatedAt.UTC().Format(time.RFC3339)},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.TTL, 10)},
	}
}

func numAttr(n int) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
