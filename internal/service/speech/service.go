package speech

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/medivoice/backend/internal/logger"
	"github.com/zhouzirui/medivoice/backend/internal/model/language"
	"github.com/zhouzirui/medivoice/backend/internal/model/speech"
)

// Config 语音服务配置
type Config struct {
	STTURL       string
	TTSURL       string
	APIKey       string
	STTTimeout   time.Duration
	TTSTimeout   time.Duration
	MaxTTSChars  int
	DefaultVoice string
}

var languageVoices = map[string]string{
	language.English: "en-NG-female-1",
	language.Yoruba:  "yo-NG-female-1",
	language.Igbo:    "ig-NG-female-1",
	language.Hausa:   "ha-NG-female-1",
}

// ResolveVoice 选择发音人：医生自带 → 语言默认 → 全局默认。
func ResolveVoice(doctorVoice, lang, fallback string) string {
	if v := strings.TrimSpace(doctorVoice); v != "" {
		return v
	}
	if name, ok := language.Normalize(lang); ok {
		if v, ok := languageVoices[name]; ok {
			return v
		}
	}
	return fallback
}

// Service 语音服务核心业务逻辑
type Service struct {
	cfg         Config
	transcriber *HTTPTranscriber
	synthesizer *HTTPSynthesizer
	log         zerolog.Logger
}

// NewService 创建语音服务实例
func NewService(cfg Config, httpClient *http.Client) *Service {
	return &Service{
		cfg:         cfg,
		transcriber: NewHTTPTranscriber(cfg.STTURL, cfg.APIKey, cfg.STTTimeout, httpClient),
		synthesizer: NewHTTPSynthesizer(cfg.TTSURL, cfg.APIKey, cfg.TTSTimeout, cfg.MaxTTSChars, httpClient),
		log:         logger.Component("speech"),
	}
}

// TranscribeBuffer 语音转文字（使用字节数组）
func (s *Service) TranscribeBuffer(ctx context.Context, sessionID string, audio []byte, filename, lang string) (*speech.TranscriptionResponse, error) {
	resp, err := s.transcriber.Transcribe(ctx, &speech.TranscriptionRequest{
		SessionID: sessionID,
		Audio:     audio,
		Filename:  filename,
		Format:    formatFromFilename(filename),
		Language:  lang,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Int("bytes", len(audio)).Msg("transcription failed")
		return nil, err
	}
	s.log.Debug().Str("session_id", sessionID).Int64("duration_ms", resp.Duration).Msg("transcription completed")
	return resp, nil
}

// SynthesizeToBuffer 文字转语音（返回字节数组）
func (s *Service) SynthesizeToBuffer(ctx context.Context, sessionID, text, voice, lang string) (*speech.SynthesisResponse, error) {
	resolved := ResolveVoice(voice, lang, s.cfg.DefaultVoice)
	resp, err := s.synthesizer.Synthesize(ctx, &speech.SynthesisRequest{
		SessionID: sessionID,
		Text:      text,
		Voice:     resolved,
		Language:  lang,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Str("voice", resolved).Msg("synthesis failed")
		return nil, err
	}
	if resp.Truncated {
		s.log.Info().Str("session_id", sessionID).Int("max_chars", s.cfg.MaxTTSChars).Msg("synthesis text truncated")
	}
	return resp, nil
}

func formatFromFilename(name string) string {
	if idx := strings.LastIndex(name, "."); idx >= 0 && idx < len(name)-1 {
		return strings.ToLower(name[idx+1:])
	}
	return ""
}
