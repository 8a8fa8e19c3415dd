// Package consultation runs the voice consultation turn state machine.
package consultation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/medivoice/backend/internal/logger"
	"github.com/zhouzirui/medivoice/backend/internal/metrics"
	"github.com/zhouzirui/medivoice/backend/internal/model/consultation"
	"github.com/zhouzirui/medivoice/backend/internal/model/doctor"
	"github.com/zhouzirui/medivoice/backend/internal/model/language"
	"github.com/zhouzirui/medivoice/backend/internal/model/speech"
	"github.com/zhouzirui/medivoice/backend/internal/repository"
	"github.com/zhouzirui/medivoice/backend/internal/service/ai"
	"github.com/zhouzirui/medivoice/backend/internal/service/enrichment"
)

// Transcriber turns audio into text in the given language.
type Transcriber interface {
	TranscribeBuffer(ctx context.Context, sessionID string, audio []byte, filename, lang string) (*speech.TranscriptionResponse, error)
}

// Synthesizer turns a reply into audio.
type Synthesizer interface {
	SynthesizeToBuffer(ctx context.Context, sessionID, text, voice, lang string) (*speech.SynthesisResponse, error)
}

// Enricher extracts medical keywords and severity from patient text.
type Enricher interface {
	Analyze(ctx context.Context, text, lang string) (*consultation.EnrichmentData, error)
}

// Dependencies 汇总编排器依赖，除 Store 外均可为空。
type Dependencies struct {
	Store     repository.Store
	Completer ai.Completer
	// ReportCompleter 可选，为空时报告生成复用 Completer
	ReportCompleter ai.Completer
	Enricher        Enricher
	Transcriber     Transcriber
	Synthesizer     Synthesizer
	Doctors         doctor.Store
	Metrics         *metrics.Metrics
}

// Options tunes orchestrator timeouts. Zero values leave the bound to the adapters.
type Options struct {
	CompletionTimeout time.Duration
	EnrichmentTimeout time.Duration
	SynthesisTimeout  time.Duration
}

// TurnRequest is one normalized inbound user turn.
type TurnRequest struct {
	OwnerID       string
	SessionID     string
	Message       string
	Audio         []byte
	AudioFilename string
	Doctor        consultation.DoctorProfile
	Language      string
}

// IsVoice reports whether the turn carries audio.
func (r TurnRequest) IsVoice() bool {
	return len(r.Audio) > 0
}

// TurnResult is what a completed turn reports back to the caller.
type TurnResult struct {
	SessionID         string
	Stage             consultation.Stage
	UserText          string
	DoctorResponse    string
	Language          string
	Enhanced          bool
	Audio             []byte
	AudioFormat       string
	IsNewConsultation bool
	Metadata          *consultation.EnrichmentData
}

// Service is the turn orchestrator.
type Service struct {
	deps  Dependencies
	opts  Options
	locks *sessionLocks
	log   zerolog.Logger
	now   func() time.Time
}

// NewService wires the orchestrator.
func NewService(deps Dependencies, opts Options) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("session store is required")
	}
	return &Service{
		deps:  deps,
		opts:  opts,
		locks: newSessionLocks(),
		log:   logger.Component("consultation"),
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Turn executes one user turn: resolve input and session, derive the stage,
// obtain the reply, append the message pair and optionally synthesize audio.
func (s *Service) Turn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	started := time.Now()
	stage := "unknown"
	outcome := metrics.OutcomeFailed
	defer func() {
		s.deps.Metrics.ObserveTurn(stage, outcome, time.Since(started))
	}()

	req.SessionID = strings.TrimSpace(req.SessionID)
	req.Message = strings.TrimSpace(req.Message)
	req.Doctor.Name = strings.TrimSpace(req.Doctor.Name)
	req.Doctor.Specialty = strings.TrimSpace(req.Doctor.Specialty)

	if strings.TrimSpace(req.OwnerID) == "" {
		return TurnResult{}, ErrUnauthorized
	}
	if req.Message == "" && !req.IsVoice() {
		return TurnResult{}, fmt.Errorf("%w: message or audio is required", ErrInvalidInput)
	}
	isNew := req.SessionID == ""
	if isNew && (req.Doctor.Name == "" || req.Doctor.Specialty == "") {
		return TurnResult{}, fmt.Errorf("%w: doctor name and specialty are required", ErrInvalidInput)
	}

	var session consultation.Session
	lang, _ := language.Normalize(req.Language)

	if !isNew {
		unlock := s.locks.Lock(req.SessionID)
		defer unlock()

		var err error
		session, err = s.deps.Store.Get(ctx, req.SessionID, req.OwnerID)
		if err != nil {
			return TurnResult{}, s.storeError("load session", err)
		}
		if session.Status == consultation.StatusClosed {
			return TurnResult{}, ErrSessionClosed
		}
		// 会话语言在轮次开始时读取一次。
		lang = session.Language
	}

	userText := req.Message
	if req.IsVoice() {
		transcript, err := s.deps.transcribe(ctx, req.SessionID, req.Audio, req.AudioFilename, lang)
		if err != nil {
			s.deps.Metrics.UpstreamFailed("stt")
			s.log.Warn().Err(err).Str("session_id", req.SessionID).Msg("transcription failed, aborting turn")
			return TurnResult{}, fmt.Errorf("%w: %v", ErrVoiceProcessing, err)
		}
		userText = transcript
	}

	if isNew {
		// 新会话在回复就绪后才落库，被放弃的首轮不留下空会话。
		session = consultation.Session{
			Doctor:   s.resolveDoctor(req.Doctor),
			Language: lang,
			Status:   consultation.StatusActive,
		}
	}

	current := consultation.StageOf(session.Conversation)
	stage = string(current)
	system := ai.SystemPromptFor(session.Doctor, lang, current)

	var (
		reply      string
		enrich     *consultation.EnrichmentData
		degraded   bool
		userRecord = userText
	)

	switch current {
	case consultation.StageGreeting:
		// 首轮只发送合成的问候指令，患者原话不进入模型也不落库。
		history := []ai.Turn{{Role: consultation.RoleUser, Content: ai.GreetingInstruction(lang)}}
		var err error
		reply, err = s.complete(ctx, system, history)
		if err != nil {
			degraded = true
		}
		userRecord = consultation.GreetingPlaceholder
	default:
		history := make([]ai.Turn, 0, len(session.Conversation)+1)
		for _, msg := range session.Conversation {
			history = append(history, ai.Turn{Role: msg.Role, Content: msg.Content})
		}
		history = append(history, ai.Turn{Role: consultation.RoleUser, Content: userText})

		var completionErr, enrichErr error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			reply, completionErr = s.complete(ctx, system, history)
		}()
		go func() {
			defer wg.Done()
			enrich, enrichErr = s.enrich(ctx, userText, lang)
		}()
		wg.Wait()

		if completionErr != nil {
			degraded = true
		}
		if enrichErr != nil {
			enrich = nil
			if !errors.Is(enrichErr, enrichment.ErrDisabled) {
				degraded = true
				s.deps.Metrics.UpstreamFailed("enrichment")
				s.log.Warn().Err(enrichErr).Str("session_id", session.ID).Msg("enrichment unavailable, continuing without it")
			}
		}
	}

	// 调用方已放弃本轮：不写入任何消息。
	if err := ctx.Err(); err != nil {
		s.log.Info().Err(err).Str("session_id", session.ID).Msg("turn abandoned by caller, nothing persisted")
		return TurnResult{}, err
	}

	if isNew {
		created, err := s.deps.Store.Create(ctx, session.Doctor, lang, req.OwnerID)
		if err != nil {
			return TurnResult{}, s.storeError("create session", err)
		}
		session = created
		s.log.Info().Str("session_id", session.ID).Str("doctor", session.Doctor.Name).Str("language", lang).Msg("consultation session created")
	}

	reply = ai.ClampWords(ai.Sanitize(reply, lang), ai.WordLimit(current))
	if reply == "" {
		reply = FallbackReply
		degraded = true
	}

	now := s.now()
	messages := []consultation.Message{
		{Role: consultation.RoleUser, Content: userRecord, Timestamp: now, Language: lang, EnrichmentData: enrich.Clone()},
		{Role: consultation.RoleAssistant, Content: reply, Timestamp: now},
	}
	if err := s.deps.Store.AppendTurn(ctx, session.ID, messages); err != nil {
		return TurnResult{}, s.storeError("append turn", err)
	}

	result := TurnResult{
		SessionID:         session.ID,
		Stage:             current,
		DoctorResponse:    reply,
		Language:          lang,
		Enhanced:          enrich != nil,
		IsNewConsultation: current == consultation.StageGreeting,
		Metadata:          enrich,
	}
	if current == consultation.StageOngoing {
		result.UserText = userText
	}

	if req.IsVoice() {
		audio, format, err := s.synthesize(ctx, session, reply, lang)
		if err != nil {
			degraded = true
		} else {
			result.Audio = audio
			result.AudioFormat = format
		}
	}

	outcome = metrics.OutcomeCompleted
	if degraded {
		outcome = metrics.OutcomeDegraded
	}
	s.log.Info().
		Str("session_id", session.ID).
		Str("stage", stage).
		Bool("enhanced", result.Enhanced).
		Bool("degraded", degraded).
		Int("messages", len(session.Conversation)+len(messages)).
		Msg("turn completed")
	return result, nil
}

// Session returns one session owned by ownerID.
func (s *Service) Session(ctx context.Context, ownerID, sessionID string) (consultation.Session, error) {
	if strings.TrimSpace(ownerID) == "" {
		return consultation.Session{}, ErrUnauthorized
	}
	if strings.TrimSpace(sessionID) == "" {
		return consultation.Session{}, fmt.Errorf("%w: sessionId is required", ErrInvalidInput)
	}
	session, err := s.deps.Store.Get(ctx, sessionID, ownerID)
	if err != nil {
		return consultation.Session{}, s.storeError("load session", err)
	}
	return session, nil
}

// History lists the owner's sessions, newest first. It never returns nil.
func (s *Service) History(ctx context.Context, ownerID string) ([]consultation.Session, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrUnauthorized
	}
	sessions, err := s.deps.Store.ListForOwner(ctx, ownerID)
	if err != nil {
		return nil, s.storeError("list sessions", err)
	}
	if sessions == nil {
		sessions = []consultation.Session{}
	}
	return sessions, nil
}

func (s *Service) complete(ctx context.Context, system string, history []ai.Turn) (string, error) {
	if s.deps.Completer == nil {
		return FallbackReply, errors.New("no completer configured")
	}
	if s.opts.CompletionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.CompletionTimeout)
		defer cancel()
	}

	reply, err := s.deps.Completer.Complete(ctx, system, history)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = ai.ErrEmptyCompletion
	}
	if err != nil {
		s.deps.Metrics.UpstreamFailed("llm")
		s.log.Warn().Err(err).Msg("completion failed, using fallback reply")
		return FallbackReply, err
	}
	return reply, nil
}

func (s *Service) enrich(ctx context.Context, text, lang string) (*consultation.EnrichmentData, error) {
	if s.deps.Enricher == nil {
		return nil, enrichment.ErrDisabled
	}
	if s.opts.EnrichmentTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.EnrichmentTimeout)
		defer cancel()
	}
	data, err := s.deps.Enricher.Analyze(ctx, text, lang)
	if err == nil && data == nil {
		err = errors.New("enrichment returned no data")
	}
	return data, err
}

func (s *Service) synthesize(ctx context.Context, session consultation.Session, reply, lang string) ([]byte, string, error) {
	if s.deps.Synthesizer == nil {
		return nil, "", errors.New("no synthesizer configured")
	}
	if s.opts.SynthesisTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.SynthesisTimeout)
		defer cancel()
	}
	resp, err := s.deps.Synthesizer.SynthesizeToBuffer(ctx, session.ID, reply, session.Doctor.Voice, lang)
	if err != nil {
		s.deps.Metrics.UpstreamFailed("tts")
		s.log.Warn().Err(err).Str("session_id", session.ID).Msg("synthesis failed, returning text only")
		return nil, "", err
	}
	return resp.Audio, resp.Format, nil
}

// resolveDoctor 用目录中的同名医生补全发音人与人设模板。
func (s *Service) resolveDoctor(profile consultation.DoctorProfile) consultation.DoctorProfile {
	if s.deps.Doctors == nil {
		return profile
	}
	entry, ok := s.deps.Doctors.FindByName(profile.Name)
	if !ok {
		return profile
	}
	if profile.Voice == "" {
		profile.Voice = entry.VoiceID
	}
	if profile.PromptTemplate == "" {
		profile.PromptTemplate = entry.PromptTemplate
	}
	return profile
}

func (s *Service) storeError(op string, err error) error {
	switch {
	case errors.Is(err, repository.ErrSessionNotFound), errors.Is(err, repository.ErrSessionClosed):
		return err
	case errors.Is(err, repository.ErrOwnerRequired):
		return ErrUnauthorized
	default:
		s.log.Error().Err(err).Str("op", op).Msg("session store failure")
		return fmt.Errorf("%s: %w", op, err)
	}
}

func (d Dependencies) transcribe(ctx context.Context, sessionID string, audio []byte, filename, lang string) (string, error) {
	if d.Transcriber == nil {
		return "", errors.New("speech-to-text is not configured")
	}
	resp, err := d.Transcriber.TranscribeBuffer(ctx, sessionID, audio, filename, lang)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", errors.New("empty transcript")
	}
	return text, nil
}
