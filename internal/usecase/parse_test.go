package usecase

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"triage-agent/internal/domain"
)

func TestParseRecommendation_FencedJSON(t *testing.T) {
	text := "```json\n{\"analysis\":\"a\",\"recommended_department\":{\"id\":2,\"name\":\"x\",\"reason\":\"r\"}}\n```"
	got, err := ParseRecommendation(text)
	require.NoError(t, err)
	require.Equal(t, domain.Recommendation{
		Analysis:   "a",
		Department: domain.DepartmentChoice{ID: 2, Name: "x", Reason: "r"},
	}, got)
}

func TestParseRecommendation_EmbeddedObject(t *testing.T) {
	got, err := ParseRecommendation(`here you go: {"analysis":"a","recommended_department":{"id":1}} thanks`)
	require.NoError(t, err)
	require.Equal(t, "a", got.Analysis)
	require.Equal(t, 1, got.Department.ID)
}

func TestParseRecommendation_NormalizesVariants(t *testing.T) {
	cases := []string{
		`{"recommendedDepartment":{"id":"3","name":"儿科"}}`,
		`{"department":{"id":3,"name":"儿科"}}`,
		`{"recommended_department":{"id":3.0,"name":"儿科"}}`,
		`{"recommended_department":{"id":" 3 ","name":"儿科"}}`,
	}
	for _, text := range cases {
		got, err := ParseRecommendation(text)
		require.NoError(t, err, "text=%s", text)
		require.Equal(t, 3, got.Department.ID, "text=%s", text)
		require.Equal(t, "儿科", got.Department.Name, "text=%s", text)
	}
}

func TestParseRecommendation_Malformed(t *testing.T) {
	cases := map[string]string{
		"no object":       "建议您去内科看看",
		"broken object":   `result: {"recommended_department": {"id": }`,
		"missing dept":    `{"analysis":"only analysis"}`,
		"missing id":      `{"recommended_department":{"name":"内科"}}`,
		"zero id":         `{"recommended_department":{"id":0}}`,
		"non numeric id":  `{"recommended_department":{"id":"internal"}}`,
		"fractional id":   `{"recommended_department":{"id":1.5}}`,
		"empty":           "   ",
		"dept not object": `{"recommended_department":"内科"}`,
	}
	for name, text := range cases {
		_, err := ParseRecommendation(text)
		var malformed *MalformedRecommendationError
		require.ErrorAs(t, err, &malformed, name)
	}
}

func TestParseRecommendation_SnippetTruncated(t *testing.T) {
	text := strings.Repeat("无", 500)
	_, err := ParseRecommendation(text)
	var malformed *MalformedRecommendationError
	require.ErrorAs(t, err, &malformed)
	require.Equal(t, 200, len([]rune(malformed.Snippet)))
}

func TestParseDoctorRecommendations(t *testing.T) {
	text := "推荐如下：\n```json\n" + `{"recommended_doctors":[
		{"id":11,"name":"张医生","reason":"擅长头痛"},
		{"name":"李医生","title":"主任医师"},
		{"reason":"no identity"},
		{"id":"12","specialty":"神经内科"}
	]}` + "\n```"
	got, err := ParseDoctorRecommendations(text)
	require.NoError(t, err)
	require.Equal(t, []domain.DoctorRecommendation{
		{ID: 11, Name: "张医生", Reason: "擅长头痛"},
		{Name: "李医生", Title: "主任医师"},
		{ID: 12, Specialty: "神经内科"},
	}, got)
}

func TestParseDoctorRecommendations_CamelCase(t *testing.T) {
	got, err := ParseDoctorRecommendations(`{"recommendedDoctors":[{"id":5}]}`)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 5, got[0].ID)
}

func TestParseDoctorRecommendations_Malformed(t *testing.T) {
	for _, text := range []string{
		`{"doctor":"张医生"}`,
		`{"recommended_doctors":"张医生"}`,
		`{"recommended_doctors":[{"id":"abc"}]}`,
		"没有推荐",
	} {
		_, err := ParseDoctorRecommendations(text)
		var malformed *MalformedRecommendationError
		require.ErrorAs(t, err, &malformed, text)
	}
}
