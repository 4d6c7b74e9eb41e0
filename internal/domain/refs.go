package domain

// DepartmentRef is a read-only department row supplied by the caller.
type DepartmentRef struct {
	ID          int    `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// DoctorRef is a read-only doctor row supplied by the caller.
type DoctorRef struct {
	ID           int    `json:"id" yaml:"id"`
	DepartmentID int    `json:"departmentId" yaml:"department_id"`
	Name         string `json:"name" yaml:"name"`
	Title        string `json:"title" yaml:"title"`
	TitleLevel   int    `json:"-" yaml:"title_level"`
	Specialty    string `json:"specialty,omitempty" yaml:"specialty,omitempty"`
	Avatar       string `json:"avatar,omitempty" yaml:"avatar,omitempty"`
}

// KeywordRule maps symptom keywords to a department. A rule targets its
// department by DepartmentID when set, otherwise by Department name.
// Lower Priority values win.
type KeywordRule struct {
	DepartmentID int      `json:"departmentId,omitempty" yaml:"department_id,omitempty"`
	Department   string   `json:"department,omitempty" yaml:"department,omitempty"`
	Keywords     []string `json:"keywords" yaml:"keywords"`
	Priority     int      `json:"priority" yaml:"priority"`
}

// PatientContext is optional patient history embedded in the triage prompt.
type PatientContext struct {
	Allergies      string `json:"allergies,omitempty"`
	MedicalHistory string `json:"medicalHistory,omitempty"`
}

// Empty reports whether the context carries nothing worth prompting with.
func (p *PatientContext) Empty() bool {
	return p == nil || (p.Allergies == "" && p.MedicalHistory == "")
}
