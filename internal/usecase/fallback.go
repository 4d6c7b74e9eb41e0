package usecase

import (
	"fmt"
	"sort"
	"strings"

	"triage-agent/internal/domain"
)

const (
	reasonKeywordMatch = "症状匹配推荐"
	reasonDefault      = "默认推荐"
	reasonDepartment   = "科室推荐"
	reasonAI           = "AI 推荐"
	unknownSpecialty   = "暂无"
	maxDoctorPicks     = 3
	maxPopularSymptoms = 10
)

var defaultDepartment = domain.DepartmentRef{ID: 1, Name: "内科"}

var defaultPopularSymptoms = []string{
	"头痛", "发热", "咳嗽", "腹痛", "皮疹",
	"失眠", "胸闷", "头晕", "恶心", "腹泻",
}

// fallbackDepartment picks a department without the model: the first keyword
// rule (by priority) that matches the symptoms and resolves to a reference
// entry, else the first reference entry, else the built-in default.
func fallbackDepartment(symptoms string, refs []domain.DepartmentRef, rules []domain.KeywordRule) domain.Recommendation {
	for _, rule := range sortedRules(rules) {
		if !ruleMatches(rule, symptoms) {
			continue
		}
		if ref, ok := resolveRule(rule, refs); ok {
			return domain.Recommendation{
				Analysis: fmt.Sprintf("根据您的症状描述\"%s\"，建议前往 %s 就诊。", symptoms, ref.Name),
				Department: domain.DepartmentChoice{
					ID:     ref.ID,
					Name:   ref.Name,
					Reason: reasonKeywordMatch,
				},
				Fallback: true,
			}
		}
	}

	if len(refs) == 0 {
		return domain.Recommendation{
			Analysis: fmt.Sprintf("根据您的症状描述，建议前往%s就诊。如症状持续或加重，请及时就医。", defaultDepartment.Name),
			Department: domain.DepartmentChoice{
				ID:     defaultDepartment.ID,
				Name:   defaultDepartment.Name,
				Reason: reasonDefault,
			},
			Fallback: true,
		}
	}
	first := refs[0]
	return domain.Recommendation{
		Analysis: fmt.Sprintf("根据您的症状描述\"%s\"，建议前往 %s 就诊。如症状持续或加重，请及时就医。", symptoms, first.Name),
		Department: domain.DepartmentChoice{
			ID:     first.ID,
			Name:   first.Name,
			Reason: reasonDefault,
		},
		Fallback: true,
	}
}

func sortedRules(rules []domain.KeywordRule) []domain.KeywordRule {
	out := append([]domain.KeywordRule(nil), rules...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// ruleMatches reports whether any keyword occurs in the symptom text, or the
// whole symptom text occurs in the rule's keyword list.
func ruleMatches(rule domain.KeywordRule, symptoms string) bool {
	symptoms = strings.TrimSpace(symptoms)
	if symptoms == "" {
		return false
	}
	for _, kw := range rule.Keywords {
		kw = strings.TrimSpace(kw)
		if kw != "" && strings.Contains(symptoms, kw) {
			return true
		}
	}
	return strings.Contains(strings.Join(rule.Keywords, ","), symptoms)
}

func resolveRule(rule domain.KeywordRule, refs []domain.DepartmentRef) (domain.DepartmentRef, bool) {
	if rule.DepartmentID != 0 {
		return findDepartment(refs, rule.DepartmentID)
	}
	name := strings.TrimSpace(rule.Department)
	if name == "" {
		return domain.DepartmentRef{}, false
	}
	for _, ref := range refs {
		if ref.Name == name {
			return ref, true
		}
	}
	return domain.DepartmentRef{}, false
}

func findDepartment(refs []domain.DepartmentRef, id int) (domain.DepartmentRef, bool) {
	for _, ref := range refs {
		if ref.ID == id {
			return ref, true
		}
	}
	return domain.DepartmentRef{}, false
}

func departmentIDs(refs []domain.DepartmentRef) []int {
	ids := make([]int, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ID)
	}
	return ids
}

// sortDoctors orders a copy of doctors by seniority, then id.
func sortDoctors(doctors []domain.DoctorRef) []domain.DoctorRef {
	out := append([]domain.DoctorRef(nil), doctors...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TitleLevel != out[j].TitleLevel {
			return out[i].TitleLevel < out[j].TitleLevel
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func allDoctors(doctors []domain.DoctorRef) []domain.DoctorRecommendation {
	out := make([]domain.DoctorRecommendation, 0, len(doctors))
	for _, d := range doctors {
		out = append(out, doctorFromRef(d, "", reasonDepartment))
	}
	return out
}

// matchDoctors keeps model picks that resolve to a reference doctor by id or
// name, dropping duplicates, capped at maxDoctorPicks.
func matchDoctors(picks []domain.DoctorRecommendation, doctors []domain.DoctorRef) []domain.DoctorRecommendation {
	seen := make(map[int]struct{}, len(picks))
	out := make([]domain.DoctorRecommendation, 0, maxDoctorPicks)
	for _, pick := range picks {
		ref, ok := findDoctor(doctors, pick)
		if !ok {
			continue
		}
		if _, dup := seen[ref.ID]; dup {
			continue
		}
		seen[ref.ID] = struct{}{}
		reason := strings.TrimSpace(pick.Reason)
		if reason == "" {
			reason = reasonAI
		}
		out = append(out, doctorFromRef(ref, pick.Specialty, reason))
		if len(out) == maxDoctorPicks {
			break
		}
	}
	return out
}

func findDoctor(doctors []domain.DoctorRef, pick domain.DoctorRecommendation) (domain.DoctorRef, bool) {
	name := strings.TrimSpace(pick.Name)
	for _, d := range doctors {
		if (pick.ID != 0 && d.ID == pick.ID) || (name != "" && d.Name == name) {
			return d, true
		}
	}
	return domain.DoctorRef{}, false
}

func doctorFromRef(d domain.DoctorRef, pickedSpecialty, reason string) domain.DoctorRecommendation {
	specialty := strings.TrimSpace(d.Specialty)
	if specialty == "" {
		specialty = strings.TrimSpace(pickedSpecialty)
	}
	if specialty == "" {
		specialty = unknownSpecialty
	}
	return domain.DoctorRecommendation{
		ID:        d.ID,
		Name:      d.Name,
		Title:     d.Title,
		Specialty: specialty,
		Avatar:    d.Avatar,
		Reason:    reason,
	}
}

// PopularSymptoms returns up to ten distinct keywords in rule priority order,
// or a built-in list when the rules carry none.
func PopularSymptoms(rules []domain.KeywordRule) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, maxPopularSymptoms)
	for _, rule := range sortedRules(rules) {
		for _, kw := range rule.Keywords {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			if _, dup := seen[kw]; dup {
				continue
			}
			seen[kw] = struct{}{}
			out = append(out, kw)
			if len(out) == maxPopularSymptoms {
				return out
			}
		}
	}
	if len(out) == 0 {
		return append([]string(nil), defaultPopularSymptoms...)
	}
	return out
}
