package speech

import "time"

// TranscriptionResponse 语音识别响应
type TranscriptionResponse struct {
	SessionID string    `json:"sessionId,omitempty"`
	Text      string    `json:"text"`
	Language  string    `json:"language"`
	Duration  int64     `json:"duration"` // milliseconds
	CreatedAt time.Time `json:"createdAt"`
}

// SynthesisResponse 语音合成响应
type SynthesisResponse struct {
	SessionID string    `json:"sessionId,omitempty"`
	Audio     []byte    `json:"-"`
	Format    string    `json:"format"`
	Voice     string    `json:"voice"`
	Truncated bool      `json:"truncated"`
	Duration  int64     `json:"duration"` // milliseconds
	CreatedAt time.Time `json:"createdAt"`
}
