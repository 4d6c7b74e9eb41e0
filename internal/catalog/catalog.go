// Package catalog loads triage reference data from YAML.
package catalog

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"triage-agent/internal/domain"
)

//go:embed default.yaml
var defaultYAML []byte

type fileDepartment struct {
	ID          int    `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type fileDoctor struct {
	ID           int    `yaml:"id"`
	DepartmentID int    `yaml:"department_id"`
	Name         string `yaml:"name"`
	Title        string `yaml:"title"`
	TitleLevel   int    `yaml:"title_level"`
	Specialty    string `yaml:"specialty"`
	Avatar       string `yaml:"avatar"`
}

type fileRule struct {
	DepartmentID int      `yaml:"department_id"`
	Department   string   `yaml:"department"`
	Keywords     []string `yaml:"keywords"`
	Priority     int      `yaml:"priority"`
}

type filePatient struct {
	Allergies      string `yaml:"allergies"`
	MedicalHistory string `yaml:"medical_history"`
}

type file struct {
	Departments []fileDepartment       `yaml:"departments"`
	Doctors     []fileDoctor           `yaml:"doctors"`
	Rules       []fileRule             `yaml:"rules"`
	Patients    map[string]filePatient `yaml:"patients"`
}

// Catalog is an in-memory reference data set. It satisfies the usecase
// catalog reader so a YAML file can stand in for the DynamoDB table.
type Catalog struct {
	Departments []domain.DepartmentRef
	Doctors     []domain.DoctorRef
	Rules       []domain.KeywordRule
	Patients    map[string]domain.PatientContext
}

// Load decodes and validates a catalog document.
func Load(r io.Reader) (*Catalog, error) {
	var f file
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &Catalog{Patients: map[string]domain.PatientContext{}}, nil
		}
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	c := f.toCatalog()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func LoadFile(path string) (*Catalog, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	defer func() { _ = fh.Close() }()
	c, err := Load(fh)
	if err != nil {
		return nil, fmt.Errorf("%w (file %s)", err, path)
	}
	return c, nil
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Load(bytes.NewReader(defaultYAML))
	if err != nil {
		panic(fmt.Sprintf("catalog: built-in catalog invalid: %v", err))
	}
	return c
}

// DefaultKeywordRules returns the built-in symptom keyword rules.
func DefaultKeywordRules() []domain.KeywordRule {
	return Default().Rules
}

func (f file) toCatalog() *Catalog {
	c := &Catalog{Patients: make(map[string]domain.PatientContext, len(f.Patients))}
	for _, d := range f.Departments {
		c.Departments = append(c.Departments, domain.DepartmentRef{
			ID:          d.ID,
			Name:        strings.TrimSpace(d.Name),
			Description: strings.TrimSpace(d.Description),
		})
	}
	for _, d := range f.Doctors {
		c.Doctors = append(c.Doctors, domain.DoctorRef{
			ID:           d.ID,
			DepartmentID: d.DepartmentID,
			Name:         strings.TrimSpace(d.Name),
			Title:        strings.TrimSpace(d.Title),
			TitleLevel:   d.TitleLevel,
			Specialty:    strings.TrimSpace(d.Specialty),
			Avatar:       strings.TrimSpace(d.Avatar),
		})
	}
	for _, r := range f.Rules {
		keywords := make([]string, 0, len(r.Keywords))
		for _, k := range r.Keywords {
			if k = strings.TrimSpace(k); k != "" {
				keywords = append(keywords, k)
			}
		}
		c.Rules = append(c.Rules, domain.KeywordRule{
			DepartmentID: r.DepartmentID,
			Department:   strings.TrimSpace(r.Department),
			Keywords:     keywords,
			Priority:     r.Priority,
		})
	}
	for id, p := range f.Patients {
		c.Patients[strings.TrimSpace(id)] = domain.PatientContext{
			Allergies:      strings.TrimSpace(p.Allergies),
			MedicalHistory: strings.TrimSpace(p.MedicalHistory),
		}
	}
	return c
}

// Validate checks ids and cross references.
func (c *Catalog) Validate() error {
	depts := make(map[int]bool, len(c.Departments))
	for _, d := range c.Departments {
		if d.ID <= 0 {
			return fmt.Errorf("catalog: department %q has invalid id %d", d.Name, d.ID)
		}
		if d.Name == "" {
			return fmt.Errorf("catalog: department %d has no name", d.ID)
		}
		if depts[d.ID] {
			return fmt.Errorf("catalog: duplicate department id %d", d.ID)
		}
		depts[d.ID] = true
	}
	doctors := make(map[int]bool, len(c.Doctors))
	for _, d := range c.Doctors {
		if d.ID <= 0 || d.Name == "" {
			return fmt.Errorf("catalog: doctor %d %q needs an id and a name", d.ID, d.Name)
		}
		if doctors[d.ID] {
			return fmt.Errorf("catalog: duplicate doctor id %d", d.ID)
		}
		doctors[d.ID] = true
		if !depts[d.DepartmentID] {
			return fmt.Errorf("catalog: doctor %d references unknown department %d", d.ID, d.DepartmentID)
		}
	}
	for i, r := range c.Rules {
		if len(r.Keywords) == 0 {
			return fmt.Errorf("catalog: rule %d has no keywords", i)
		}
		if r.DepartmentID == 0 && r.Department == "" {
			return fmt.Errorf("catalog: rule %d names no department", i)
		}
	}
	return nil
}

func (c *Catalog) ListDepartments(context.Context) ([]domain.DepartmentRef, error) {
	return append([]domain.DepartmentRef(nil), c.Departments...), nil
}

// ListDoctors returns the doctors of one department ordered by id.
func (c *Catalog) ListDoctors(_ context.Context, departmentID int) ([]domain.DoctorRef, error) {
	var out []domain.DoctorRef
	for _, d := range c.Doctors {
		if d.DepartmentID == departmentID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Catalog) ListKeywordRules(context.Context) ([]domain.KeywordRule, error) {
	return append([]domain.KeywordRule(nil), c.Rules...), nil
}

// GetPatientContext returns nil when the patient is unknown.
func (c *Catalog) GetPatientContext(_ context.Context, patientID string) (*domain.PatientContext, error) {
	p, ok := c.Patients[strings.TrimSpace(patientID)]
	if !ok {
		return nil, nil
	}
	return &p, nil
}
