package consultation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/medivoice/backend/internal/model/consultation"
	"github.com/zhouzirui/medivoice/backend/internal/service/ai"
)

func (f *fixture) sessionWithComplaint(t *testing.T, complaint string) string {
	t.Helper()
	sessionID := f.startSession(t, "english")
	_, err := f.svc.Turn(context.Background(), TurnRequest{OwnerID: "owner-1", SessionID: sessionID, Message: complaint})
	require.NoError(t, err)
	return sessionID
}

func TestCloseAndReportUsesModelOutput(t *testing.T) {
	f := newFixture(t)
	sessionID := f.sessionWithComplaint(t, "I have had a headache and fever for three days")

	f.completer.reply = func(system string, history []ai.Turn) (string, error) {
		return "Here is the report:\n```json\n" + `{"chiefComplaint":"Headache and fever","summary":"Three days of headache with fever.","symptoms":["headache","fever"],"severity":"Medium","recommendations":["Malaria test"],"followUp":"Review in 48 hours"}` + "\n```", nil
	}

	session, err := f.svc.CloseAndReport(context.Background(), ReportRequest{
		OwnerID:   "owner-1",
		SessionID: sessionID,
		Params:    consultation.SessionParams{PatientName: "Ngozi", PatientAge: "34"},
	})
	require.NoError(t, err)

	assert.Equal(t, consultation.StatusClosed, session.Status)
	require.NotNil(t, session.Report)
	assert.Equal(t, "Headache and fever", session.Report.ChiefComplaint)
	assert.Equal(t, "moderate", session.Report.Severity)
	assert.Equal(t, consultation.GeneratorLLM, session.Report.GeneratedBy)
	assert.Equal(t, "english", session.Report.Language)
	assert.False(t, session.Report.GeneratedAt.IsZero())

	call := f.completer.lastCall(t)
	assert.Equal(t, reportSystemPrompt, call.system)
	require.Len(t, call.history, 1)
	input := call.history[0].Content
	assert.Contains(t, input, "Patient: Ngozi, age 34")
	assert.Contains(t, input, "Patient: I have had a headache and fever for three days")
	assert.Contains(t, input, "Dr. Adaeze Okafor")
	assert.NotContains(t, input, consultation.GreetingPlaceholder)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ReportsTotal.WithLabelValues(consultation.GeneratorLLM)))
}

func TestCloseAndReportFallsBackOnInvalidOutput(t *testing.T) {
	cases := map[string]func(string, []ai.Turn) (string, error){
		"model error":     func(string, []ai.Turn) (string, error) { return "", errors.New("503") },
		"no json":         func(string, []ai.Turn) (string, error) { return "I cannot help with that.", nil },
		"missing summary": func(string, []ai.Turn) (string, error) { return `{"chiefComplaint":"pain"}`, nil },
		"broken json":     func(string, []ai.Turn) (string, error) { return `{"chiefComplaint":`, nil },
	}
	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			sessionID := f.sessionWithComplaint(t, "I have chest pain and difficulty breathing")
			f.completer.reply = reply

			session, err := f.svc.CloseAndReport(context.Background(), ReportRequest{OwnerID: "owner-1", SessionID: sessionID})
			require.NoError(t, err)
			require.NotNil(t, session.Report)

			report := session.Report
			assert.Equal(t, consultation.GeneratorFallback, report.GeneratedBy)
			assert.Equal(t, "critical", report.Severity)
			assert.Contains(t, report.Symptoms, "chest pain")
			assert.Contains(t, report.RedFlags, "difficulty breathing")
			assert.NotEmpty(t, report.Recommendations)
			assert.True(t, strings.HasPrefix(report.ChiefComplaint, "I have chest pain"))
		})
	}
}

func TestCloseAndReportUsesSuppliedMessages(t *testing.T) {
	f := newFixture(t)
	sessionID := f.startSession(t, "hausa")
	f.completer.reply = func(string, []ai.Turn) (string, error) { return "", errors.New("offline") }

	messages := []consultation.Message{
		{Role: consultation.RoleUser, Content: consultation.GreetingPlaceholder},
		{Role: consultation.RoleAssistant, Content: "Sannu"},
		{Role: consultation.RoleUser, Content: "ina da zazzabi", EnrichmentData: &consultation.EnrichmentData{Severity: "high", Translation: "I have a fever"}},
	}
	session, err := f.svc.CloseAndReport(context.Background(), ReportRequest{OwnerID: "owner-1", SessionID: sessionID, Messages: messages})
	require.NoError(t, err)
	require.NotNil(t, session.Report)
	assert.Equal(t, "I have a fever", session.Report.ChiefComplaint)
	assert.Equal(t, "high", session.Report.Severity, "enrichment severity raises the heuristic one")
	assert.Equal(t, "hausa", session.Report.Language)
}

func TestCloseAndReportValidation(t *testing.T) {
	f := newFixture(t)
	sessionID := f.startSession(t, "english")
	ctx := context.Background()

	_, err := f.svc.CloseAndReport(ctx, ReportRequest{SessionID: sessionID})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.CloseAndReport(ctx, ReportRequest{OwnerID: "owner-1"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	// 只有问候占位符，没有患者陈述。
	_, err = f.svc.CloseAndReport(ctx, ReportRequest{OwnerID: "owner-1", SessionID: sessionID})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.CloseAndReport(ctx, ReportRequest{OwnerID: "owner-2", SessionID: sessionID})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCloseAndReportTwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	sessionID := f.sessionWithComplaint(t, "sore throat")

	_, err := f.svc.CloseAndReport(context.Background(), ReportRequest{OwnerID: "owner-1", SessionID: sessionID})
	require.NoError(t, err)
	_, err = f.svc.CloseAndReport(context.Background(), ReportRequest{OwnerID: "owner-1", SessionID: sessionID})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestParseReportDefaultsUnknownSeverity(t *testing.T) {
	report, err := parseReport(`{"chiefComplaint":"cough","summary":"dry cough","severity":"unclear"}`)
	require.NoError(t, err)
	assert.Equal(t, "moderate", report.Severity)
	assert.NotNil(t, report.Symptoms)
	assert.NotNil(t, report.Recommendations)
}

func TestCloseAndReportPrefersReportCompleter(t *testing.T) {
	f := newFixture(t)
	sessionID := f.sessionWithComplaint(t, "my knee is swollen")

	reporter := &fakeCompleter{reply: func(string, []ai.Turn) (string, error) {
		return `{"chiefComplaint":"Knee swelling","summary":"Swollen knee.","severity":"low"}`, nil
	}}
	svc, err := NewService(Dependencies{
		Store:           f.store,
		Completer:       f.completer,
		ReportCompleter: reporter,
		Metrics:         f.metrics,
	}, Options{})
	require.NoError(t, err)

	callsBefore := len(f.completer.calls)
	session, err := svc.CloseAndReport(context.Background(), ReportRequest{OwnerID: "owner-1", SessionID: sessionID})
	require.NoError(t, err)

	assert.Equal(t, "Knee swelling", session.Report.ChiefComplaint)
	assert.Equal(t, consultation.GeneratorLLM, session.Report.GeneratedBy)
	assert.Len(t, reporter.calls, 1)
	assert.Len(t, f.completer.calls, callsBefore, "chat completer is not used for reports")
}
