package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"triage-agent/internal/domain"
)

const (
	defaultDeadline = 8 * time.Minute
	recordTTL       = 30 * 24 * time.Hour

	recordKindDepartment = "department"
	recordKindDoctor     = "doctor"
)

// AnswerSource produces the final answer text for a prompt.
type AnswerSource interface {
	Answer(ctx context.Context, prompt string, diag *domain.Diagnostics) (domain.AgentAnswer, error)
}

// CatalogReader loads the reference data for a triage request.
type CatalogReader interface {
	ListDepartments(ctx context.Context) ([]domain.DepartmentRef, error)
	ListDoctors(ctx context.Context, departmentID int) ([]domain.DoctorRef, error)
	ListKeywordRules(ctx context.Context) ([]domain.KeywordRule, error)
	GetPatientContext(ctx context.Context, patientID string) (*domain.PatientContext, error)
}

// RecordWriter persists the diagnostics record of one orchestration.
type RecordWriter interface {
	SaveTriage(ctx context.Context, rec domain.TriageRecord) error
}

type TriageService struct {
	answers  AnswerSource
	catalog  CatalogReader
	records  RecordWriter
	rules    []domain.KeywordRule
	logger   *slog.Logger
	deadline time.Duration
	now      func() time.Time
}

type Option func(*TriageService)

func WithCatalog(c CatalogReader) Option {
	return func(s *TriageService) { s.catalog = c }
}

func WithRecords(w RecordWriter) Option {
	return func(s *TriageService) { s.records = w }
}

// WithKeywordRules sets the rules used when the catalog provides none.
func WithKeywordRules(rules []domain.KeywordRule) Option {
	return func(s *TriageService) {
		s.rules = append([]domain.KeywordRule(nil), rules...)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *TriageService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDeadline bounds the answer stage of every orchestration.
func WithDeadline(d time.Duration) Option {
	return func(s *TriageService) {
		if d > 0 {
			s.deadline = d
		}
	}
}

func NewTriageService(answers AnswerSource, opts ...Option) (*TriageService, error) {
	if answers == nil {
		return nil, errors.New("usecase: answer source must not be nil")
	}
	s := &TriageService{
		answers:  answers,
		logger:   slog.Default(),
		deadline: defaultDeadline,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type DepartmentInput struct {
	Symptoms    string
	Departments []domain.DepartmentRef
	Patient     *domain.PatientContext
	// Rules overrides the service's keyword rules for the fallback.
	Rules []domain.KeywordRule
}

type DoctorInput struct {
	Symptoms string
	Doctors  []domain.DoctorRef
}

// RecommendDepartment returns a department from the reference list, or the
// deterministic fallback when the agent cannot provide a valid one. Only
// blank symptoms are rejected.
func (s *TriageService) RecommendDepartment(ctx context.Context, in DepartmentInput) (domain.Recommendation, error) {
	symptoms := strings.TrimSpace(in.Symptoms)
	if symptoms == "" {
		return domain.Recommendation{}, newError(ErrorInvalidInput, "empty_symptoms", nil)
	}
	refs := append([]domain.DepartmentRef(nil), in.Departments...)
	rules := in.Rules
	if len(rules) == 0 {
		rules = s.rules
	}

	rec := s.newRecord(recordKindDepartment)
	log := s.logger.With("triage_id", rec.ID)
	var diag domain.Diagnostics

	var result domain.Recommendation
	if len(refs) == 0 {
		log.Warn("triage: empty department list, using fallback")
		result = fallbackDepartment(symptoms, refs, rules)
	} else {
		var err error
		result, err = s.askDepartment(ctx, log, &rec, &diag, symptoms, in.Patient, refs)
		if err != nil {
			log.Warn("triage: agent result unusable, using fallback", "stage", rec.Stage, "err", err)
			result = fallbackDepartment(symptoms, refs, rules)
		}
	}

	rec.DepartmentID = result.Department.ID
	rec.Fallback = result.Fallback
	rec.Diagnostics = diag.Entries()
	log.Info("triage: done", "department_id", result.Department.ID, "fallback", result.Fallback)
	s.saveRecord(ctx, log, rec)
	return result, nil
}

func (s *TriageService) askDepartment(
	ctx context.Context,
	log *slog.Logger,
	rec *domain.TriageRecord,
	diag *domain.Diagnostics,
	symptoms string,
	patient *domain.PatientContext,
	refs []domain.DepartmentRef,
) (domain.Recommendation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	answer, err := s.answers.Answer(ctx, buildDepartmentPrompt(symptoms, patient, refs), diag)
	rec.ConversationID = answer.ConversationID
	rec.Stage = answer.Stage
	if err != nil {
		diag.Record("answer", err, nil)
		return domain.Recommendation{}, err
	}
	log.Info("triage: answered", "conversation_id", answer.ConversationID, "stage", answer.Stage)

	parsed, err := ParseRecommendation(answer.Text)
	if err != nil {
		rec.Stage = "parse"
		diag.Record("parse", err, []byte(answer.Text))
		return domain.Recommendation{}, err
	}
	log.Info("triage: parsed", "department_id", parsed.Department.ID)

	ref, ok := findDepartment(refs, parsed.Department.ID)
	if !ok {
		rec.Stage = "validate"
		err := &UnknownDepartmentError{ID: parsed.Department.ID, Known: departmentIDs(refs)}
		diag.Record("validate", err, []byte(answer.Text))
		return domain.Recommendation{}, err
	}
	parsed.Department.Name = ref.Name
	log.Info("triage: valid", "department_id", ref.ID)
	return parsed, nil
}

// RecommendDoctors returns up to three doctors from the reference list picked
// by the agent, or every doctor when the agent's picks are unusable.
func (s *TriageService) RecommendDoctors(ctx context.Context, in DoctorInput) []domain.DoctorRecommendation {
	if len(in.Doctors) == 0 {
		return []domain.DoctorRecommendation{}
	}
	doctors := sortDoctors(in.Doctors)

	rec := s.newRecord(recordKindDoctor)
	log := s.logger.With("triage_id", rec.ID)
	var diag domain.Diagnostics

	picks, err := s.askDoctors(ctx, &rec, &diag, in.Symptoms, doctors)
	matched := matchDoctors(picks, doctors)
	if err != nil || len(matched) == 0 {
		log.Warn("triage: doctor picks unusable, returning all doctors", "stage", rec.Stage, "err", err)
		matched = allDoctors(doctors)
		rec.Fallback = true
	}

	for _, d := range matched {
		rec.DoctorIDs = append(rec.DoctorIDs, d.ID)
	}
	rec.Diagnostics = diag.Entries()
	log.Info("triage: doctors done", "count", len(matched), "fallback", rec.Fallback)
	s.saveRecord(ctx, log, rec)
	return matched
}

func (s *TriageService) askDoctors(
	ctx context.Context,
	rec *domain.TriageRecord,
	diag *domain.Diagnostics,
	symptoms string,
	doctors []domain.DoctorRef,
) ([]domain.DoctorRecommendation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	answer, err := s.answers.Answer(ctx, buildDoctorPrompt(symptoms, doctors), diag)
	rec.ConversationID = answer.ConversationID
	rec.Stage = answer.Stage
	if err != nil {
		diag.Record("answer", err, nil)
		return nil, err
	}
	picks, err := ParseDoctorRecommendations(answer.Text)
	if err != nil {
		rec.Stage = "parse"
		diag.Record("parse", err, []byte(answer.Text))
		return nil, err
	}
	return picks, nil
}

type TriageRequest struct {
	Symptoms  string
	PatientID string
}

type DoctorRequest struct {
	DepartmentID int
	Symptoms     string
}

// Triage loads the department list, keyword rules and patient history from
// the catalog and recommends a department. Catalog failures degrade to the
// fallback.
func (s *TriageService) Triage(ctx context.Context, in TriageRequest) (domain.Recommendation, error) {
	if strings.TrimSpace(in.Symptoms) == "" {
		return domain.Recommendation{}, newError(ErrorInvalidInput, "empty_symptoms", nil)
	}
	input := DepartmentInput{Symptoms: in.Symptoms, Rules: s.catalogRules(ctx)}
	if s.catalog == nil {
		return s.RecommendDepartment(ctx, input)
	}

	depts, err := s.catalog.ListDepartments(ctx)
	if err != nil {
		s.logger.Error("triage: list departments", "err", err)
	}
	input.Departments = depts

	if patientID := strings.TrimSpace(in.PatientID); patientID != "" && err == nil {
		patient, perr := s.catalog.GetPatientContext(ctx, patientID)
		if perr != nil {
			s.logger.Warn("triage: patient context unavailable", "patient_id", patientID, "err", perr)
		}
		input.Patient = patient
	}
	return s.RecommendDepartment(ctx, input)
}

// SuggestDoctors loads the active doctors of a department and recommends among them.
func (s *TriageService) SuggestDoctors(ctx context.Context, in DoctorRequest) ([]domain.DoctorRecommendation, error) {
	if in.DepartmentID <= 0 {
		return nil, newError(ErrorInvalidInput, "empty_department_id", nil)
	}
	if s.catalog == nil {
		return nil, newError(ErrorInternal, "catalog_unavailable", nil)
	}
	doctors, err := s.catalog.ListDoctors(ctx, in.DepartmentID)
	if err != nil {
		return nil, newError(ErrorInternal, "catalog_doctors_error", err)
	}
	return s.RecommendDoctors(ctx, DoctorInput{Symptoms: in.Symptoms, Doctors: doctors}), nil
}

// Popular returns the popular symptom keywords of the catalog's rules.
func (s *TriageService) Popular(ctx context.Context) []string {
	return PopularSymptoms(s.catalogRules(ctx))
}

func (s *TriageService) catalogRules(ctx context.Context) []domain.KeywordRule {
	if s.catalog == nil {
		return s.rules
	}
	rules, err := s.catalog.ListKeywordRules(ctx)
	if err != nil {
		s.logger.Warn("triage: keyword rules unavailable, using built-in rules", "err", err)
		return s.rules
	}
	if len(rules) == 0 {
		return s.rules
	}
	return rules
}

func (s *TriageService) newRecord(kind string) domain.TriageRecord {
	now := s.now()
	return domain.TriageRecord{
		ID:        newUUID(),
		Kind:      kind,
		CreatedAt: now,
		TTL:       now.Add(recordTTL).Unix(),
	}
}

func (s *TriageService) saveRecord(ctx context.Context, log *slog.Logger, rec domain.TriageRecord) {
	if s.records == nil {
		return
	}
	if err := s.records.SaveTriage(context.WithoutCancel(ctx), rec); err != nil {
		log.Error("triage: save record", "err", err)
	}
}

var newUUID = func() string {
	return uuid.NewString()
}
