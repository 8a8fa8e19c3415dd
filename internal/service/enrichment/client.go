// Package enrichment calls the external medical keyword analysis service.
package enrichment

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

	"github.com/rs/zerolog"

	"github.com/zhouzirui/medivoice/backend/internal/analysis/triage"
	"github.com/zhouzirui/medivoice/backend/internal/logger"
	"github.com/zhouzirui/medivoice/backend/internal/model/consultation"
)

// ErrDisabled is returned when no service URL is configured.
var ErrDisabled = errors.New("enrichment service not configured")

// 以下错误重试无法改变结果。
var (
	errDecode   = errors.New("decode enrichment response")
	errReported = errors.New("enrichment service reported failure")
)

// Config 控制单次请求超时与重试策略。
type Config struct {
	URL         string
	APIKey      string
	Timeout     time.Duration // 每次尝试的超时
	MaxAttempts int
	Backoff     time.Duration // 首次重试前的等待，之后逐次翻倍
}

// Client is the enrichment adapter.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        zerolog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client. httpClient may be nil.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		log:        logger.Component("enrichment"),
		sleep:      sleepContext,
	}
}

type analyzeRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

type analyzeResponse struct {
	Success         *bool    `json:"success,omitempty"`
	Keywords        []string `json:"keywords"`
	Severity        string   `json:"severity"`
	Translation     string   `json:"translation"`
	CulturalContext string   `json:"cultural_context"`
	CulturalAlt     string   `json:"culturalContext"`
	Error           string   `json:"error,omitempty"`
}

// statusError carries a non-2xx upstream status.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("enrichment service returned %d: %s", e.code, e.body)
}

// Analyze extracts keywords and severity from text. Transport errors, 429 and
// 5xx responses are retried with exponential backoff; other failures are final.
func (c *Client) Analyze(ctx context.Context, text, language string) (*consultation.EnrichmentData, error) {
	if c == nil || c.cfg.URL == "" {
		return nil, ErrDisabled
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("enrichment text is empty")
	}

	payload, err := json.Marshal(analyzeRequest{Text: text, Language: language})
	if err != nil {
		return nil, err
	}

	var lastErr error
	attempts := 0
	delay := c.cfg.Backoff
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		attempts = attempt
		data, err := c.attempt(ctx, payload)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable(err) || attempt == c.cfg.MaxAttempts {
			break
		}

		c.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("enrichment attempt failed, retrying")
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
	}

	return nil, fmt.Errorf("enrichment failed after %d attempt(s): %w", attempts, lastErr)
}

func (c *Client) attempt(ctx context.Context, payload []byte) (*consultation.EnrichmentData, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{code: resp.StatusCode, body: truncate(string(body), 200)}
	}

	var parsed analyzeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", errDecode, err)
	}
	if parsed.Success != nil && !*parsed.Success {
		return nil, fmt.Errorf("%w: %s", errReported, parsed.Error)
	}

	severity := strings.TrimSpace(parsed.Severity)
	if normalized, ok := triage.Parse(severity); ok {
		severity = string(normalized)
	}
	cultural := parsed.CulturalContext
	if cultural == "" {
		cultural = parsed.CulturalAlt
	}

	return &consultation.EnrichmentData{
		Keywords:        nonNil(parsed.Keywords),
		Severity:        severity,
		Translation:     strings.TrimSpace(parsed.Translation),
		CulturalContext: strings.TrimSpace(cultural),
	}, nil
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return !errors.Is(err, errDecode) && !errors.Is(err, errReported)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
