package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"triage-agent/internal/domain"
	"triage-agent/internal/usecase"
)

var _ usecase.CatalogReader = (*Catalog)(nil)

const sampleYAML = `
departments:
  - id: 1
    name: 内科
  - id: 3
    name: " 神经内科 "
    description: 头痛头晕
doctors:
  - id: 12
    department_id: 3
    name: 李医生
    title: 副主任医师
    title_level: 2
  - id: 11
    department_id: 3
    name: 张医生
    title: 主任医师
    title_level: 1
    specialty: 偏头痛
  - id: 21
    department_id: 1
    name: 王医生
rules:
  - department_id: 3
    keywords: [头痛, " ", 头晕]
    priority: 1
patients:
  p-1:
    allergies: 青霉素
    medical_history: 高血压
`

func TestLoad(t *testing.T) {
	c, err := Load(strings.NewReader(sampleYAML))
	require.NoError(t, err)

	require.Equal(t, []domain.DepartmentRef{
		{ID: 1, Name: "内科"},
		{ID: 3, Name: "神经内科", Description: "头痛头晕"},
	}, c.Departments)
	require.Equal(t, []domain.KeywordRule{{DepartmentID: 3, Keywords: []string{"头痛", "头晕"}, Priority: 1}}, c.Rules)

	ctx := context.Background()
	doctors, err := c.ListDoctors(ctx, 3)
	require.NoError(t, err)
	require.Len(t, doctors, 2)
	require.Equal(t, 11, doctors[0].ID)
	require.Equal(t, 1, doctors[0].TitleLevel)
	require.Equal(t, "偏头痛", doctors[0].Specialty)

	none, err := c.ListDoctors(ctx, 99)
	require.NoError(t, err)
	require.Empty(t, none)

	p, err := c.GetPatientContext(ctx, " p-1 ")
	require.NoError(t, err)
	require.Equal(t, &domain.PatientContext{Allergies: "青霉素", MedicalHistory: "高血压"}, p)

	missing, err := c.GetPatientContext(ctx, "p-2")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestListDepartments_ReturnsCopy(t *testing.T) {
	c, err := Load(strings.NewReader(sampleYAML))
	require.NoError(t, err)

	depts, err := c.ListDepartments(context.Background())
	require.NoError(t, err)
	depts[0].Name = "changed"
	require.Equal(t, "内科", c.Departments[0].Name)
}

func TestLoad_Empty(t *testing.T) {
	c, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	require.Empty(t, c.Departments)
	require.NotNil(t, c.Patients)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown field":      "departmentz: []",
		"bad id":             "departments: [{id: 0, name: 内科}]",
		"missing name":       "departments: [{id: 1}]",
		"duplicate dept":     "departments: [{id: 1, name: a}, {id: 1, name: b}]",
		"orphan doctor":      "departments: [{id: 1, name: a}]\ndoctors: [{id: 2, department_id: 9, name: x}]",
		"duplicate doctor":   "departments: [{id: 1, name: a}]\ndoctors: [{id: 2, department_id: 1, name: x}, {id: 2, department_id: 1, name: y}]",
		"rule no keywords":   "rules: [{department_id: 1, keywords: []}]",
		"rule no department": "rules: [{keywords: [头痛]}]",
		"not yaml":           "departments: [",
	}
	for name, doc := range cases {
		_, err := Load(strings.NewReader(doc))
		require.Error(t, err, name)
		require.Contains(t, err.Error(), "catalog:", name)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	c, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, c.Doctors, 3)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("departments: [{id: 0, name: x}]"), 0o600))
	_, err = LoadFile(bad)
	require.Error(t, err)
	require.Contains(t, err.Error(), bad)
}

func TestDefault(t *testing.T) {
	c := Default()
	require.NotEmpty(t, c.Departments)
	require.Equal(t, domain.DepartmentRef{ID: 1, Name: "内科", Description: "常见内科疾病的诊断与治疗"}, c.Departments[0])
	require.NoError(t, c.Validate())

	rules := DefaultKeywordRules()
	require.Equal(t, c.Rules, rules)
	require.Equal(t,
		[]string{"头痛", "头晕", "偏头痛", "失眠", "眩晕", "咳嗽", "咳痰", "气喘", "呼吸困难", "腹痛"},
		usecase.PopularSymptoms(rules),
	)
}
