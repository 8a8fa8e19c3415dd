package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zhouzirui/medivoice/backend/internal/model/language"
	"github.com/zhouzirui/medivoice/backend/internal/model/speech"
)

// ErrSynthesisDisabled 未配置 TTS 服务地址。
var ErrSynthesisDisabled = errors.New("text-to-speech service not configured")

const maxAudioBytes = 16 << 20

// HTTPSynthesizer 调用外部 TTS 服务并返回原始音频。
type HTTPSynthesizer struct {
	url        string
	apiKey     string
	timeout    time.Duration
	maxChars   int
	maxAudio   int64
	httpClient *http.Client
	now        func() time.Time
}

// NewHTTPSynthesizer creates a synthesizer. maxChars <= 0 disables truncation.
func NewHTTPSynthesizer(url, apiKey string, timeout time.Duration, maxChars int, httpClient *http.Client) *HTTPSynthesizer {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPSynthesizer{url: url, apiKey: apiKey, timeout: timeout, maxChars: maxChars, maxAudio: maxAudioBytes, httpClient: httpClient, now: time.Now}
}

type synthesizePayload struct {
	Text     string `json:"text"`
	Voice    string `json:"voice"`
	Language string `json:"language"`
}

// Synthesize truncates overlong text and returns the audio body as-is.
func (s *HTTPSynthesizer) Synthesize(ctx context.Context, req *speech.SynthesisRequest) (*speech.SynthesisResponse, error) {
	if s == nil || s.url == "" {
		return nil, ErrSynthesisDisabled
	}
	if req == nil || strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("synthesis text is empty")
	}

	text, truncated := TruncateText(req.Text, s.maxChars)

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	payload, err := json.Marshal(synthesizePayload{
		Text:     text,
		Voice:    req.Voice,
		Language: language.Code(req.Language),
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	start := s.now()
	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("synthesis request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("synthesis service returned %d", resp.StatusCode)
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, s.maxAudio+1))
	if err != nil {
		return nil, fmt.Errorf("read synthesis audio: %w", err)
	}
	if int64(len(audio)) > s.maxAudio {
		return nil, fmt.Errorf("synthesis audio exceeds %d bytes", s.maxAudio)
	}
	if len(audio) == 0 {
		return nil, errors.New("synthesis returned no audio")
	}

	return &speech.SynthesisResponse{
		SessionID: req.SessionID,
		Audio:     audio,
		Format:    audioFormat(resp.Header.Get("Content-Type")),
		Voice:     req.Voice,
		Truncated: truncated,
		Duration:  s.now().Sub(start).Milliseconds(),
		CreatedAt: s.now(),
	}, nil
}

// TruncateText cuts text to at most maxChars runes, preferring the last
// sentence end and then the last word boundary inside the limit.
func TruncateText(text string, maxChars int) (string, bool) {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if maxChars <= 0 || len(runes) <= maxChars {
		return text, false
	}

	cut := string(runes[:maxChars])
	if idx := strings.LastIndexAny(cut, ".!?"); idx > len(cut)/2 {
		return strings.TrimSpace(cut[:idx+1]), true
	}
	if idx := strings.LastIndexAny(cut, " \t\n"); idx > 0 {
		return strings.TrimSpace(cut[:idx]), true
	}
	return cut, true
}

func audioFormat(contentType string) string {
	switch {
	case strings.Contains(contentType, "wav"):
		return "wav"
	case strings.Contains(contentType, "ogg"):
		return "ogg"
	case strings.Contains(contentType, "pcm"):
		return "pcm"
	default:
		return "mp3"
	}
}
