package consultation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/medivoice/backend/internal/metrics"
	"github.com/zhouzirui/medivoice/backend/internal/model/consultation"
	"github.com/zhouzirui/medivoice/backend/internal/model/doctor"
	"github.com/zhouzirui/medivoice/backend/internal/model/speech"
	"github.com/zhouzirui/medivoice/backend/internal/repository"
	"github.com/zhouzirui/medivoice/backend/internal/service/ai"
)

type completeCall struct {
	system  string
	history []ai.Turn
}

type fakeCompleter struct {
	mu    sync.Mutex
	reply func(system string, history []ai.Turn) (string, error)
	calls []completeCall
}

func (f *fakeCompleter) Complete(_ context.Context, system string, history []ai.Turn) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, completeCall{system: system, history: append([]ai.Turn(nil), history...)})
	f.mu.Unlock()
	if f.reply == nil {
		return "Hello, I am your doctor. What is your name?", nil
	}
	return f.reply(system, history)
}

func (f *fakeCompleter) lastCall(t *testing.T) completeCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

type fakeEnricher struct {
	mu      sync.Mutex
	calls   int
	err     error
	started chan struct{}
}

func (f *fakeEnricher) Analyze(_ context.Context, text, lang string) (*consultation.EnrichmentData, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.started != nil {
		close(f.started)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &consultation.EnrichmentData{Keywords: []string{"headache"}, Severity: "moderate", Translation: text}, nil
}

type fakeTranscriber struct {
	text string
	err  error
	lang string
}

func (f *fakeTranscriber) TranscribeBuffer(_ context.Context, sessionID string, audio []byte, filename, lang string) (*speech.TranscriptionResponse, error) {
	f.lang = lang
	if f.err != nil {
		return nil, f.err
	}
	return &speech.TranscriptionResponse{SessionID: sessionID, Text: f.text, Language: lang}, nil
}

type fakeSynthesizer struct {
	err   error
	voice string
}

func (f *fakeSynthesizer) SynthesizeToBuffer(_ context.Context, sessionID, text, voice, lang string) (*speech.SynthesisResponse, error) {
	f.voice = voice
	if f.err != nil {
		return nil, f.err
	}
	return &speech.SynthesisResponse{SessionID: sessionID, Audio: []byte("mp3-bytes"), Format: "mp3", Voice: voice}, nil
}

type failingAppendStore struct {
	repository.Store
}

func (failingAppendStore) AppendTurn(context.Context, string, []consultation.Message) error {
	return errors.New("disk full")
}

var testDoctor = consultation.DoctorProfile{Name: "Dr. Adaeze Okafor", Specialty: "General Practice"}

type fixture struct {
	svc         *Service
	store       *repository.MemoryStore
	completer   *fakeCompleter
	enricher    *fakeEnricher
	transcriber *fakeTranscriber
	synthesizer *fakeSynthesizer
	metrics     *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:       repository.NewMemoryStore(),
		completer:   &fakeCompleter{},
		enricher:    &fakeEnricher{},
		transcriber: &fakeTranscriber{text: "my chest hurts"},
		synthesizer: &fakeSynthesizer{},
		metrics:     metrics.New(),
	}
	svc, err := NewService(Dependencies{
		Store:       f.store,
		Completer:   f.completer,
		Enricher:    f.enricher,
		Transcriber: f.transcriber,
		Synthesizer: f.synthesizer,
		Doctors:     doctor.NewMemoryStore(doctor.Seed()),
		Metrics:     f.metrics,
	}, Options{CompletionTimeout: time.Second})
	require.NoError(t, err)
	f.svc = svc
	return f
}

// startSession runs a greeting turn and returns the new session id.
func (f *fixture) startSession(t *testing.T, lang string) string {
	t.Helper()
	res, err := f.svc.Turn(context.Background(), TurnRequest{OwnerID: "owner-1", Message: "hi", Doctor: testDoctor, Language: lang})
	require.NoError(t, err)
	return res.SessionID
}

func (f *fixture) conversation(t *testing.T, sessionID string) []consultation.Message {
	t.Helper()
	session, err := f.store.Get(context.Background(), sessionID, "owner-1")
	require.NoError(t, err)
	return session.Conversation
}

func TestTurnGreetingCreatesSession(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Turn(context.Background(), TurnRequest{
		OwnerID:  "owner-1",
		Message:  "Good morning doctor",
		Doctor:   testDoctor,
		Language: "yoruba",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, res.SessionID)
	assert.True(t, res.IsNewConsultation)
	assert.Equal(t, consultation.StageGreeting, res.Stage)
	assert.Equal(t, "", res.UserText)
	assert.Equal(t, "yoruba", res.Language)
	assert.NotEmpty(t, res.DoctorResponse)
	assert.LessOrEqual(t, len(strings.Fields(res.DoctorResponse)), ai.GreetingWordLimit)
	assert.False(t, res.Enhanced)
	assert.Nil(t, res.Metadata)
	assert.Nil(t, res.Audio)

	call := f.completer.lastCall(t)
	require.Len(t, call.history, 1)
	assert.Equal(t, ai.GreetingInstruction("yoruba"), call.history[0].Content)
	assert.NotContains(t, call.history[0].Content, "Good morning doctor")
	assert.Equal(t, 0, f.enricher.calls, "greeting turns skip enrichment")

	conv := f.conversation(t, res.SessionID)
	require.Len(t, conv, 2)
	assert.Equal(t, consultation.RoleUser, conv[0].Role)
	assert.Equal(t, consultation.GreetingPlaceholder, conv[0].Content)
	assert.Equal(t, "yoruba", conv[0].Language)
	assert.Nil(t, conv[0].EnrichmentData)
	assert.Equal(t, consultation.RoleAssistant, conv[1].Role)
	assert.Equal(t, res.DoctorResponse, conv[1].Content)
}

func TestTurnOngoingRunsEnrichmentAndCompletion(t *testing.T) {
	f := newFixture(t)
	sessionID := f.startSession(t, "english")

	f.enricher.started = make(chan struct{})
	f.completer.reply = func(string, []ai.Turn) (string, error) {
		// 补全与增强并发执行：补全在增强开始前不会返回。
		select {
		case <-f.enricher.started:
			return "How long has it been hurting?", nil
		case <-time.After(2 * time.Second):
			return "", errors.New("enrichment never started")
		}
	}

	res, err := f.svc.Turn(context.Background(), TurnRequest{OwnerID: "owner-1", SessionID: sessionID, Message: "My head hurts"})
	require.NoError(t, err)

	assert.Equal(t, consultation.StageOngoing, res.Stage)
	assert.False(t, res.IsNewConsultation)
	assert.Equal(t, "My head hurts", res.UserText)
	assert.Equal(t, "How long has it been hurting?", res.DoctorResponse)
	assert.True(t, res.Enhanced)
	require.NotNil(t, res.Metadata)
	assert.Equal(t, "moderate", res.Metadata.Severity)

	call := f.completer.lastCall(t)
	require.Len(t, call.history, 3)
	assert.Equal(t, consultation.GreetingPlaceholder, call.history[0].Content)
	assert.Equal(t, "My head hurts", call.history[2].Content)

	conv := f.conversation(t, sessionID)
	require.Len(t, conv, 4)
	assert.Equal(t, "My head hurts", conv[2].Content)
	require.NotNil(t, conv[2].EnrichmentData)
	assert.Equal(t, "moderate", conv[2].EnrichmentData.Severity)
	assert.Nil(t, conv[3].EnrichmentData)
}

func TestTurnEnrichmentFailureDegradesGracefully(t *testing.T) {
	f := newFixture(t)
	sessionID := f.startSession(t, "english")
	f.enricher.err = errors.New("timeout")

	res, err := f.svc.Turn(context.Background(), TurnRequest{OwnerID: "owner-1", SessionID: sessionID, Message: "I have a fever"})
	require.NoError(t, err)
	assert.False(t, res.Enhanced)
	assert.Nil(t, res.Metadata)

	conv := f.conversation(t, sessionID)
	require.Len(t, conv, 4)
	assert.Nil(t, conv[2].EnrichmentData)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.UpstreamFailures.WithLabelValues("enrichment")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.TurnsTotal.WithLabelValues("ongoing", metrics.OutcomeDegraded)))
}

func TestTurnCompletionFailureUsesFallback(t *testing.T) {
	f := newFixture(t)
	sessionID := f.startSession(t, "english")
	f.completer.reply = func(string, []ai.Turn) (string, error) { return "", errors.New("503") }

	res, err := f.svc.Turn(context.Background(), TurnRequest{OwnerID: "owner-1", SessionID: sessionID, Message: "I feel dizzy"})
	require.NoError(t, err)
	assert.Equal(t, FallbackReply, res.DoctorResponse)

	conv := f.conversation(t, sessionID)
	require.Len(t, conv, 4)
	assert.Equal(t, FallbackReply, conv[3].Content)
}

func TestTurnGreetingCompletionFailureUsesFallback(t *testing.T) {
	f := newFixture(t)
	f.completer.reply = func(string, []ai.Turn) (string, error) { return "   ", nil }

	res, err := f.svc.Turn(context.Background(), TurnRequest{OwnerID: "owner-1", Message: "hi", Doctor: testDoctor})
	require.NoError(t, err)
	assert.Equal(t, FallbackReply, res.DoctorResponse)
	assert.True(t, res.IsNewConsultation)
}

func TestTurnSanitizesAndClampsReply(t *testing.T) {
	f := newFixture(t)
	sessionID := f.startSession(t, "hausa")
	f.completer.reply = func(string, []ai.Turn) (string, error) {
		return "Sannu. Yaya jikinka? (Follow-up question about duration)\nTranslation: Hello. How are you?", nil
	}

	res, err := f.svc.Turn(context.Background(), TurnRequest{OwnerID: "owner-1", SessionID: sessionID, Message: "ina jin ciwo"})
	require.NoError(t, err)
	assert.Equal(t, "Sannu. Yaya jikinka?", res.DoctorResponse)

	long := strings.TrimSpace(strings.Repeat("word ", 90))
	f.completer.reply = func(string, []ai.Turn) (string, error) { return long, nil }
	res, err = f.svc.Turn(context.Background(), TurnRequest{OwnerID: "owner-1", SessionID: sessionID, Message: "still sick"})
	require.NoError(t, err)
	assert.Len(t, strings.Fields(res.DoctorResponse), ai.OngoingWordLimit)
}

func TestTurnAbandonedDuringCompletionPersistsNothing(t *testing.T) {
	f := newFixture(t)
	sessionID := f.startSession(t, "english")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.completer.reply = func(string, []ai.Turn) (string, error) {
		cancel() // 调用方在模型回复前断开
		return "", context.Canceled
	}

	_, err := f.svc.Turn(ctx, TurnRequest{OwnerID: "owner-1", SessionID: sessionID, Message: "I feel dizzy"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, f.conversation(t, sessionID), 2, "no fallback pair is appended")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.TurnsTotal.WithLabelValues("ongoing", metrics.OutcomeFailed)))
}

func TestTurnAbandonedGreetingCreatesNoSession(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.completer.reply = func(string, []ai.Turn) (string, error) {
		cancel()
		return "Hello, I am your doctor.", nil
	}

	_, err := f.svc.Turn(ctx, TurnRequest{OwnerID: "owner-1", Message: "hi", Doctor: testDoctor})
	require.ErrorIs(t, err, context.Canceled)

	sessions, err := f.svc.History(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestTurnTranscriptionFailureLeavesSessionUntouched(t *testing.T) {
	f := newFixture(t)
	sessionID := f.startSession(t, "igbo")
	f.transcriber.err = errors.New("transcription unsuccessful: success=false")

	_, err := f.svc.Turn(context.Background(), TurnRequest{OwnerID: "owner-1", SessionID: sessionID, Audio: []byte("webm")})
	require.ErrorIs(t, err, ErrVoiceProcessing)
	assert.Len(t, f.conversation(t, sessionID), 2)
	assert.Equal(t, "igbo", f.transcriber.lang, "transcription uses the session language")
}

func TestTurnTranscriptionFailureDoesNotCreateSession(t *testing.T) {
	f := newFixture(t)
	f.transcriber.err = errors.New("boom")

	_, err := f.svc.Turn(context.Background(), TurnRequest{OwnerID: "owner-1", Audio: []byte("webm"), Doctor: testDoctor})
	require.ErrorIs(t, err, ErrVoiceProcessing)

	sessions, err := f.svc.History(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestTurnVoiceSynthesizesReply(t *testing.T) {
	f := newFixture(t)
	sessionID := f.startSession(t, "english")

	res, err := f.svc.Turn(context.Background(), TurnRequest{OwnerID: "owner-1", SessionID: sessionID, Audio: []byte("webm"), AudioFilename: "clip.webm"})
	require.NoError(t, err)
	assert.Equal(t, "my chest hurts", res.UserText)
	assert.Equal(t, []byte("mp3-bytes"), res.Audio)
	assert.Equal(t, "mp3", res.AudioFormat)
	// 目录中的医生发音人在建会话时写入快照。
	assert.Equal(t, "en-NG-female-1", f.synthesizer.voice)
}

func TestTurnSynthesisFailureIsNonFatal(t *testing.T) {
	f := newFixture(t)
	sessionID := f.startSession(t, "english")
	f.synthesizer.err = errors.New("tts down")

	res, err := f.svc.Turn(context.Background(), TurnRequest{OwnerID: "owner-1", SessionID: sessionID, Audio: []byte("webm")})
	require.NoError(t, err)
	assert.Nil(t, res.Audio)
	assert.NotEmpty(t, res.DoctorResponse)
	assert.Len(t, f.conversation(t, sessionID), 4)
}

func TestTurnTextRequestSkipsSynthesis(t *testing.T) {
	f := newFixture(t)
	f.synthesizer.err = errors.New("must not be called")
	res, err := f.svc.Turn(context.Background(), TurnRequest{OwnerID: "owner-1", Message: "hi", Doctor: testDoctor})
	require.NoError(t, err)
	assert.Nil(t, res.Audio)
	assert.Equal(t, "", f.synthesizer.voice)
}

func TestTurnUnknownLanguageFallsBackToEnglishPrompt(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Turn(context.Background(), TurnRequest{OwnerID: "owner-1", Message: "hi", Doctor: testDoctor, Language: "klingon"})
	require.NoError(t, err)
	assert.Equal(t, "klingon", res.Language)

	session, err := f.store.Get(context.Background(), res.SessionID, "owner-1")
	require.NoError(t, err)
	call := f.completer.lastCall(t)
	assert.Equal(t, ai.SystemPromptFor(session.Doctor, "english", consultation.StageGreeting), call.system)
}

func TestTurnValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Turn(ctx, TurnRequest{Message: "hi", Doctor: testDoctor})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.Turn(ctx, TurnRequest{OwnerID: "owner-1", Message: "   ", Doctor: testDoctor})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.Turn(ctx, TurnRequest{OwnerID: "owner-1", Message: "hi", Doctor: consultation.DoctorProfile{Name: "Dr. X"}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestTurnDoctorRequiredOnlyForNewSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Turn(ctx, TurnRequest{OwnerID: "owner-1", Message: "hi"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	sessionID := f.startSession(t, "english")
	res, err := f.svc.Turn(ctx, TurnRequest{OwnerID: "owner-1", SessionID: sessionID, Message: "I have a headache"})
	require.NoError(t, err)
	assert.Equal(t, consultation.StageOngoing, res.Stage)

	session, err := f.svc.Session(ctx, "owner-1", sessionID)
	require.NoError(t, err)
	assert.Equal(t, testDoctor.Name, session.Doctor.Name)
}

func TestTurnOwnershipIsolation(t *testing.T) {
	f := newFixture(t)
	sessionID := f.startSession(t, "english")

	_, err := f.svc.Turn(context.Background(), TurnRequest{OwnerID: "owner-2", SessionID: sessionID, Message: "hello"})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = f.svc.Session(context.Background(), "owner-2", sessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = f.svc.Turn(context.Background(), TurnRequest{OwnerID: "owner-1", SessionID: "missing", Message: "hello"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Len(t, f.conversation(t, sessionID), 2)
}

func TestTurnOnClosedSession(t *testing.T) {
	f := newFixture(t)
	sessionID := f.startSession(t, "english")
	_, err := f.svc.Turn(context.Background(), TurnRequest{OwnerID: "owner-1", SessionID: sessionID, Message: "I have a cough"})
	require.NoError(t, err)

	_, err = f.svc.CloseAndReport(context.Background(), ReportRequest{OwnerID: "owner-1", SessionID: sessionID})
	require.NoError(t, err)

	_, err = f.svc.Turn(context.Background(), TurnRequest{OwnerID: "owner-1", SessionID: sessionID, Message: "one more thing"})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestTurnAppendFailureIsInternal(t *testing.T) {
	mem := repository.NewMemoryStore()
	session, err := mem.Create(context.Background(), testDoctor, "english", "owner-1")
	require.NoError(t, err)

	svc, err := NewService(Dependencies{Store: failingAppendStore{mem}, Completer: &fakeCompleter{}}, Options{})
	require.NoError(t, err)

	_, err = svc.Turn(context.Background(), TurnRequest{OwnerID: "owner-1", SessionID: session.ID, Message: "hi"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrSessionNotFound))

	stored, err := mem.Get(context.Background(), session.ID, "owner-1")
	require.NoError(t, err)
	assert.Empty(t, stored.Conversation)
}

func TestConcurrentTurnsOnOneSessionAreSerialized(t *testing.T) {
	f := newFixture(t)
	sessionID := f.startSession(t, "english")

	const turns = 10
	var wg sync.WaitGroup
	errs := make(chan error, turns)
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Turn(context.Background(), TurnRequest{OwnerID: "owner-1", SessionID: sessionID, Message: fmt.Sprintf("symptom %d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	conv := f.conversation(t, sessionID)
	require.Len(t, conv, 2+2*turns)
	for i, msg := range conv {
		want := consultation.RoleUser
		if i%2 == 1 {
			want = consultation.RoleAssistant
		}
		assert.Equal(t, want, msg.Role, "message %d", i)
	}

	// 每一轮看到的历史都比上一轮多两条。
	f.completer.mu.Lock()
	seen := make(map[int]bool)
	for _, call := range f.completer.calls[1:] {
		seen[len(call.history)] = true
	}
	f.completer.mu.Unlock()
	assert.Len(t, seen, turns)
	assert.Equal(t, 0, f.svc.locks.size())
}

func TestHistoryAndSession(t *testing.T) {
	f := newFixture(t)

	sessions, err := f.svc.History(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.NotNil(t, sessions)
	assert.Empty(t, sessions)

	first := f.startSession(t, "english")
	second := f.startSession(t, "hausa")

	sessions, err = f.svc.History(context.Background(), "owner-1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, second, sessions[0].ID)
	assert.Equal(t, first, sessions[1].ID)

	session, err := f.svc.Session(context.Background(), "owner-1", first)
	require.NoError(t, err)
	assert.Equal(t, "english", session.Language)

	_, err = f.svc.Session(context.Background(), "owner-1", "")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.History(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestNewServiceRequiresStore(t *testing.T) {
	_, err := NewService(Dependencies{}, Options{})
	assert.Error(t, err)
}
