package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zhouzirui/medivoice/backend/internal/analysis/triage"
	"github.com/zhouzirui/medivoice/backend/internal/model/consultation"
	"github.com/zhouzirui/medivoice/backend/internal/service/ai"
)

const reportSystemPrompt = `You are a clinical documentation assistant. Read the consultation transcript and produce a structured report for the treating clinician.
Respond with a single JSON object and nothing else, using exactly these keys:
{"chiefComplaint": string, "summary": string, "symptoms": [string], "severity": "low"|"moderate"|"high"|"critical", "possibleConditions": [string], "recommendations": [string], "followUp": string, "redFlags": [string]}
Write the report in English even if the consultation was held in another language. Do not invent findings that are not supported by the transcript.`

// ReportRequest is the input of the report compiler.
type ReportRequest struct {
	OwnerID   string
	SessionID string
	Params    consultation.SessionParams
	Messages  []consultation.Message
}

type reportPayload struct {
	ChiefComplaint     string   `json:"chiefComplaint"`
	Summary            string   `json:"summary"`
	Symptoms           []string `json:"symptoms"`
	Severity           string   `json:"severity"`
	PossibleConditions []string `json:"possibleConditions"`
	Recommendations    []string `json:"recommendations"`
	FollowUp           string   `json:"followUp"`
	RedFlags           []string `json:"redFlags"`
}

// CloseAndReport compiles a report from the transcript, stores it on the
// session and closes the session. When the model fails or answers with an
// unusable object a heuristic report is stored instead.
func (s *Service) CloseAndReport(ctx context.Context, req ReportRequest) (consultation.Session, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return consultation.Session{}, ErrUnauthorized
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		return consultation.Session{}, fmt.Errorf("%w: sessionId is required", ErrInvalidInput)
	}

	unlock := s.locks.Lock(req.SessionID)
	defer unlock()

	session, err := s.deps.Store.Get(ctx, req.SessionID, req.OwnerID)
	if err != nil {
		return consultation.Session{}, s.storeError("load session", err)
	}
	if session.Status == consultation.StatusClosed {
		return consultation.Session{}, ErrSessionClosed
	}

	messages := req.Messages
	if len(messages) == 0 {
		messages = session.Conversation
	}
	if len(patientStatements(messages)) == 0 {
		return consultation.Session{}, fmt.Errorf("%w: messages must contain at least one patient statement", ErrInvalidInput)
	}

	params := req.Params
	if params.Language == "" {
		params.Language = session.Language
	}
	if params.DoctorName == "" {
		params.DoctorName = session.Doctor.Name
	}
	if params.Specialty == "" {
		params.Specialty = session.Doctor.Specialty
	}

	report, err := s.generateReport(ctx, params, messages)
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", session.ID).Msg("report generation failed, using fallback report")
		report = fallbackReport(params, messages)
	}
	report.Language = params.Language
	report.GeneratedAt = s.now()

	updated, err := s.deps.Store.SaveReport(ctx, session.ID, req.OwnerID, report)
	if err != nil {
		return consultation.Session{}, s.storeError("save report", err)
	}
	s.deps.Metrics.ReportCompiled(report.GeneratedBy)
	s.log.Info().Str("session_id", session.ID).Str("generated_by", report.GeneratedBy).Str("severity", report.Severity).Msg("consultation report saved")
	return updated, nil
}

func (s *Service) generateReport(ctx context.Context, params consultation.SessionParams, messages []consultation.Message) (consultation.Report, error) {
	completer := s.deps.ReportCompleter
	if completer == nil {
		completer = s.deps.Completer
	}
	if completer == nil {
		return consultation.Report{}, errors.New("no completer configured")
	}
	if s.opts.CompletionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.CompletionTimeout)
		defer cancel()
	}

	raw, err := completer.Complete(ctx, reportSystemPrompt, []ai.Turn{
		{Role: consultation.RoleUser, Content: buildReportInput(params, messages)},
	})
	if err != nil {
		s.deps.Metrics.UpstreamFailed("llm")
		return consultation.Report{}, err
	}
	return parseReport(raw)
}

func buildReportInput(params consultation.SessionParams, messages []consultation.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Doctor: %s (%s)\n", orDefault(params.DoctorName, "unknown"), orDefault(params.Specialty, "unknown"))
	fmt.Fprintf(&b, "Patient: %s, age %s\n", orDefault(params.PatientName, "not stated"), orDefault(params.PatientAge, "not stated"))
	fmt.Fprintf(&b, "Consultation language: %s\n\nTranscript:\n", orDefault(params.Language, "english"))

	for _, msg := range messages {
		if msg.Role == consultation.RoleUser && msg.Content == consultation.GreetingPlaceholder {
			continue
		}
		speaker := "Doctor"
		if msg.Role == consultation.RoleUser {
			speaker = "Patient"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, msg.Content)
		if msg.EnrichmentData != nil && msg.EnrichmentData.Translation != "" {
			fmt.Fprintf(&b, "  (English: %s)\n", msg.EnrichmentData.Translation)
		}
	}
	return b.String()
}

// parseReport 截取回复中第一个 { 到最后一个 } 之间的 JSON 并校验必填字段。
func parseReport(raw string) (consultation.Report, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end <= start {
		return consultation.Report{}, errors.New("report reply contains no JSON object")
	}

	var payload reportPayload
	if err := json.Unmarshal([]byte(raw[start:end+1]), &payload); err != nil {
		return consultation.Report{}, fmt.Errorf("decode report: %w", err)
	}
	payload.ChiefComplaint = strings.TrimSpace(payload.ChiefComplaint)
	payload.Summary = strings.TrimSpace(payload.Summary)
	if payload.ChiefComplaint == "" || payload.Summary == "" {
		return consultation.Report{}, errors.New("report is missing chiefComplaint or summary")
	}

	severity, ok := triage.Parse(payload.Severity)
	if !ok {
		severity = triage.Moderate
	}

	return consultation.Report{
		ChiefComplaint:     payload.ChiefComplaint,
		Summary:            payload.Summary,
		Symptoms:           nonNilStrings(payload.Symptoms),
		Severity:           string(severity),
		PossibleConditions: payload.PossibleConditions,
		Recommendations:    nonNilStrings(payload.Recommendations),
		FollowUp:           strings.TrimSpace(payload.FollowUp),
		RedFlags:           payload.RedFlags,
		GeneratedBy:        consultation.GeneratorLLM,
	}, nil
}

func fallbackReport(params consultation.SessionParams, messages []consultation.Message) consultation.Report {
	statements := patientStatements(messages)
	decision := triage.Analyze(statements...)

	severity := decision.Severity
	for _, msg := range messages {
		if msg.EnrichmentData == nil {
			continue
		}
		if parsed, ok := triage.Parse(msg.EnrichmentData.Severity); ok {
			severity = triage.Max(severity, parsed)
		}
	}

	complaint := statements[0]
	if runes := []rune(complaint); len(runes) > 160 {
		complaint = string(runes[:160]) + "…"
	}

	return consultation.Report{
		ChiefComplaint: complaint,
		Summary: fmt.Sprintf("Consultation with %s (%s) held in %s. The patient made %d statement(s); an automated summary was unavailable so this report was derived from keywords.",
			orDefault(params.DoctorName, "the doctor"), orDefault(params.Specialty, "general practice"), orDefault(params.Language, "english"), len(statements)),
		Symptoms:        nonNilStrings(decision.Symptoms),
		Severity:        string(severity),
		Recommendations: fallbackRecommendations(severity),
		RedFlags:        decision.RedFlags,
		GeneratedBy:     consultation.GeneratorFallback,
	}
}

func fallbackRecommendations(severity triage.Severity) []string {
	switch severity {
	case triage.Critical:
		return []string{"Seek emergency care immediately."}
	case triage.High:
		return []string{"See a doctor in person within 24 hours.", "Return immediately if symptoms worsen."}
	case triage.Moderate:
		return []string{"Book an in-person review if symptoms persist beyond a few days.", "Rest and stay hydrated."}
	default:
		return []string{"Monitor symptoms and follow up if they change."}
	}
}

// patientStatements 返回患者真实陈述，跳过问候占位符，优先使用英文译文。
func patientStatements(messages []consultation.Message) []string {
	out := make([]string, 0, len(messages)/2)
	for _, msg := range messages {
		if msg.Role != consultation.RoleUser || msg.Content == consultation.GreetingPlaceholder {
			continue
		}
		text := strings.TrimSpace(msg.Content)
		if msg.EnrichmentData != nil && strings.TrimSpace(msg.EnrichmentData.Translation) != "" {
			text = strings.TrimSpace(msg.EnrichmentData.Translation)
		}
		if text != "" {
			out = append(out, text)
		}
	}
	return out
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
