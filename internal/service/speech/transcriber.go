package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/zhouzirui/medivoice/backend/internal/model/language"
	"github.com/zhouzirui/medivoice/backend/internal/model/speech"
)

// ErrTranscriptionDisabled 未配置 STT 服务地址。
var ErrTranscriptionDisabled = errors.New("speech-to-text service not configured")

// HTTPTranscriber 调用外部 STT 服务。
type HTTPTranscriber struct {
	url        string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	now        func() time.Time
}

// NewHTTPTranscriber creates a transcriber; timeout bounds every call.
func NewHTTPTranscriber(url, apiKey string, timeout time.Duration, httpClient *http.Client) *HTTPTranscriber {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPTranscriber{url: url, apiKey: apiKey, timeout: timeout, httpClient: httpClient, now: time.Now}
}

type transcribeResult struct {
	Success *bool  `json:"success"`
	Text    string `json:"text"`
	Error   string `json:"error"`
}

// Transcribe uploads the audio as multipart form data together with the
// ISO code of the session language.
func (t *HTTPTranscriber) Transcribe(ctx context.Context, req *speech.TranscriptionRequest) (*speech.TranscriptionResponse, error) {
	if t == nil || t.url == "" {
		return nil, ErrTranscriptionDisabled
	}
	if req == nil || len(req.Audio) == 0 {
		return nil, errors.New("audio payload is empty")
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	body, contentType, err := buildMultipart(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", contentType)
	if t.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	start := t.now()
	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read transcription response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("transcription service returned %d", resp.StatusCode)
	}

	var result transcribeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode transcription response: %w", err)
	}
	if result.Success != nil && !*result.Success {
		msg := result.Error
		if msg == "" {
			msg = "unknown error"
		}
		return nil, fmt.Errorf("transcription unsuccessful: %s", msg)
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return nil, errors.New("transcription returned no text")
	}

	lang, _ := language.Normalize(req.Language)
	return &speech.TranscriptionResponse{
		SessionID: req.SessionID,
		Text:      text,
		Language:  lang,
		Duration:  t.now().Sub(start).Milliseconds(),
		CreatedAt: t.now(),
	}, nil
}

func buildMultipart(req *speech.TranscriptionRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	filename := req.Filename
	if filename == "" {
		format := req.Format
		if format == "" {
			format = "webm"
		}
		filename = "audio." + format
	}

	part, err := writer.CreateFormFile("audio", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(req.Audio); err != nil {
		return nil, "", err
	}
	if err := writer.WriteField("language", language.Code(req.Language)); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &buf, writer.FormDataContentType(), nil
}
