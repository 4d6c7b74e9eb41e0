package domain

import "time"

// Conversation is one remote agent session. It is owned by a single
// orchestration and never reused.
type Conversation struct {
	ID        string
	CreatedAt time.Time
}

// DepartmentChoice is the department sub-object of a recommendation.
type DepartmentChoice struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Recommendation is the triage result returned to callers.
type Recommendation struct {
	Analysis   string           `json:"analysis"`
	Department DepartmentChoice `json:"recommended_department"`
	Fallback   bool             `json:"-"`
}

// DoctorRecommendation is one validated doctor suggestion.
type DoctorRecommendation struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Title     string `json:"title"`
	Specialty string `json:"specialty"`
	Avatar    string `json:"avatar,omitempty"`
	Reason    string `json:"reason"`
}

// AgentAnswer is the final natural-language text obtained from an answer
// backend together with where it came from.
type AgentAnswer struct {
	Text           string
	Stage          string
	ConversationID string
}

// TriageRecord is the diagnostics record written after each orchestration.
type TriageRecord struct {
	ID             string
	Kind           string
	ConversationID string
	Stage          string
	DepartmentID   int
	DoctorIDs      []int
	Fallback       bool
	Diagnostics    []Diagnostic
	CreatedAt      time.Time
	TTL            int64
}
