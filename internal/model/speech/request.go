package speech

// TranscriptionRequest 语音识别请求
type TranscriptionRequest struct {
	SessionID string `json:"sessionId"`
	Audio     []byte `json:"-"`
	Filename  string `json:"filename"`
	Format    string `json:"format"`   // mp3, wav, webm, etc.
	Language  string `json:"language"` // 会话语言标签，例如 yoruba
}

// SynthesisRequest 语音合成请求
type SynthesisRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Text      string `json:"text"`
	Voice     string `json:"voice"`
	Language  string `json:"language"`
}
