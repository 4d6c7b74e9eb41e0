package usecase

import (
	"fmt"
	"strings"

	"triage-agent/internal/domain"
)

const noSymptomsPlaceholder = "未提供具体症状"

func buildDepartmentPrompt(symptoms string, patient *domain.PatientContext, departments []domain.DepartmentRef) string {
	parts := []string{
		"患者症状：" + normalizePromptInput(symptoms),
		"",
	}
	if history := patientHistory(patient); history != "" {
		parts = append(parts, "患者病史信息："+history)
	}
	parts = append(parts,
		"医院现有科室列表：",
		departmentList(departments),
		"",
		"请作为医疗分诊助手，分析病情并推荐1个科室。",
		departmentOutputContract(),
	)
	return strings.Join(parts, "\n")
}

func buildDoctorPrompt(symptoms string, doctors []domain.DoctorRef) string {
	if strings.TrimSpace(symptoms) == "" {
		symptoms = noSymptomsPlaceholder
	}
	return strings.Join([]string{
		"患者症状：" + normalizePromptInput(symptoms),
		"",
		"该科室有以下医生及其擅长领域：",
		doctorList(doctors),
		"",
		"请判断哪位医生最适合该患者，并给出推荐理由。",
		doctorOutputContract(),
		"返回 1-3 位推荐医生，按推荐优先级排序。",
	}, "\n")
}

func patientHistory(p *domain.PatientContext) string {
	if p.Empty() {
		return ""
	}
	var b strings.Builder
	if a := strings.TrimSpace(p.Allergies); a != "" {
		b.WriteString("过敏史: " + a + "。")
	}
	if h := strings.TrimSpace(p.MedicalHistory); h != "" {
		b.WriteString("既往病史: " + h + "。")
	}
	return b.String()
}

func departmentList(departments []domain.DepartmentRef) string {
	lines := make([]string, 0, len(departments))
	for _, d := range departments {
		lines = append(lines, fmt.Sprintf("%d. %s", d.ID, d.Name))
	}
	return strings.Join(lines, "\n")
}

func doctorList(doctors []domain.DoctorRef) string {
	lines := make([]string, 0, len(doctors))
	for _, d := range doctors {
		specialty := strings.TrimSpace(d.Specialty)
		if specialty == "" {
			specialty = "暂无擅长描述"
		}
		lines = append(lines, fmt.Sprintf("- [ID %d] %s（%s）：%s", d.ID, d.Name, d.Title, specialty))
	}
	return strings.Join(lines, "\n")
}

func departmentOutputContract() string {
	return strings.Join([]string{
		"【重要】必须只返回 JSON 格式，不要包含 Markdown 标记，格式如下：",
		"{",
		`  "analysis": "病情分析（100字左右）",`,
		`  "recommended_department": {`,
		`    "id": 科室ID（数字）,`,
		`    "name": "科室名称",`,
		`    "reason": "推荐理由"`,
		"  }",
		"}",
	}, "\n")
}

func doctorOutputContract() string {
	return strings.Join([]string{
		"请以 JSON 格式返回结果：",
		"{",
		`  "recommended_doctors": [`,
		"    {",
		`      "id": 医生ID,`,
		`      "name": "医生姓名",`,
		`      "title": "职称",`,
		`      "specialty": "擅长领域",`,
		`      "reason": "推荐理由（50字以内）"`,
		"    }",
		"  ]",
		"}",
	}, "\n")
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
