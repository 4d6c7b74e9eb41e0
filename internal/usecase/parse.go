package usecase

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"triage-agent/internal/domain"
)

const snippetLen = 200

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	departmentSchema = mustSchema("schemas/department_recommendation.json")
	doctorSchema     = mustSchema("schemas/doctor_recommendations.json")

	objectPattern = regexp.MustCompile(`(?s)\{.*\}`)
	fenceStripper = strings.NewReplacer("```json", "", "```JSON", "", "```", "")
)

func mustSchema(name string) *gojsonschema.Schema {
	data, err := schemaFS.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("usecase: read schema %s: %v", name, err))
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		panic(fmt.Sprintf("usecase: compile schema %s: %v", name, err))
	}
	return schema
}

// ParseRecommendation extracts one department recommendation from free-form
// answer text. Field-name variants and string ids are normalized.
func ParseRecommendation(text string) (domain.Recommendation, error) {
	obj, err := extractObject(text)
	if err != nil {
		return domain.Recommendation{}, err
	}

	canonical := map[string]any{"analysis": stringValue(obj["analysis"])}
	if dept := firstObject(obj, "recommended_department", "recommendedDepartment", "department"); dept != nil {
		canonical["recommended_department"] = map[string]any{
			"id":     normalizeID(dept["id"]),
			"name":   stringValue(dept["name"]),
			"reason": stringValue(dept["reason"]),
		}
	}
	if err := validate(departmentSchema, canonical); err != nil {
		return domain.Recommendation{}, &MalformedRecommendationError{Snippet: domain.Truncate(text, snippetLen), Err: err}
	}

	dept := canonical["recommended_department"].(map[string]any)
	return domain.Recommendation{
		Analysis: canonical["analysis"].(string),
		Department: domain.DepartmentChoice{
			ID:     int(dept["id"].(int64)),
			Name:   dept["name"].(string),
			Reason: dept["reason"].(string),
		},
	}, nil
}

// ParseDoctorRecommendations extracts the recommended doctor list from free-form
// answer text. Entries carrying neither id nor name are discarded.
func ParseDoctorRecommendations(text string) ([]domain.DoctorRecommendation, error) {
	obj, err := extractObject(text)
	if err != nil {
		return nil, err
	}

	var items []any
	for _, key := range []string{"recommended_doctors", "recommendedDoctors", "doctors"} {
		if list, ok := obj[key].([]any); ok {
			items = list
			break
		}
	}
	canonical := map[string]any{}
	if items != nil {
		docs := make([]any, 0, len(items))
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			doc := map[string]any{
				"title":     stringValue(m["title"]),
				"specialty": stringValue(m["specialty"]),
				"reason":    stringValue(m["reason"]),
			}
			if id, ok := m["id"]; ok && id != nil {
				doc["id"] = normalizeID(id)
			}
			if name := stringValue(m["name"]); name != "" {
				doc["name"] = name
			}
			if _, hasID := doc["id"]; !hasID && doc["name"] == nil {
				continue
			}
			docs = append(docs, doc)
		}
		canonical["recommended_doctors"] = docs
	}
	if err := validate(doctorSchema, canonical); err != nil {
		return nil, &MalformedRecommendationError{Snippet: domain.Truncate(text, snippetLen), Err: err}
	}

	docs := canonical["recommended_doctors"].([]any)
	out := make([]domain.DoctorRecommendation, 0, len(docs))
	for _, d := range docs {
		m := d.(map[string]any)
		rec := domain.DoctorRecommendation{
			Title:     m["title"].(string),
			Specialty: m["specialty"].(string),
			Reason:    m["reason"].(string),
		}
		if id, ok := m["id"].(int64); ok {
			rec.ID = int(id)
		}
		if name, ok := m["name"].(string); ok {
			rec.Name = name
		}
		out = append(out, rec)
	}
	return out, nil
}

// extractObject finds the first JSON object in text: the whole text with code
// fences removed, or else the outermost {...} span.
func extractObject(text string) (map[string]any, error) {
	cleaned := strings.TrimSpace(fenceStripper.Replace(text))
	if cleaned == "" {
		return nil, &MalformedRecommendationError{Snippet: domain.Truncate(text, snippetLen)}
	}
	if obj, err := decodeObject(cleaned); err == nil {
		return obj, nil
	}
	span := objectPattern.FindString(cleaned)
	if span == "" {
		return nil, &MalformedRecommendationError{Snippet: domain.Truncate(text, snippetLen)}
	}
	obj, err := decodeObject(span)
	if err != nil {
		return nil, &MalformedRecommendationError{Snippet: domain.Truncate(text, snippetLen), Err: err}
	}
	return obj, nil
}

func decodeObject(s string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewBufferString(s))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode object: trailing data")
	}
	if obj == nil {
		return nil, errors.New("decode object: null")
	}
	return obj, nil
}

func validate(schema *gojsonschema.Schema, doc map[string]any) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("schema validation failed: %s", strings.Join(msgs, "; "))
}

func firstObject(obj map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		if m, ok := obj[k].(map[string]any); ok {
			return m
		}
	}
	return nil
}

// normalizeID turns numeric and numeric-string ids into int64. Anything else
// is returned unchanged and rejected by the schema.
func normalizeID(v any) any {
	switch id := v.(type) {
	case json.Number:
		if n, err := id.Int64(); err == nil {
			return n
		}
		if f, err := id.Float64(); err == nil && f == float64(int64(f)) {
			return int64(f)
		}
		return id.String()
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64); err == nil {
			return n
		}
		return id
	default:
		return v
	}
}

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case json.Number:
		return s.String()
	default:
		return ""
	}
}
