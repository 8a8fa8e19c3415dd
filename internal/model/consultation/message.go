package consultation

import "time"

// Role 消息作者，system 提示词永不持久化。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// GreetingPlaceholder is persisted as the user message of a greeting turn.
const GreetingPlaceholder = "Session started"

// EnrichmentData is the medical keyword analysis attached to a user message.
type EnrichmentData struct {
	Keywords        []string `json:"keywords"`
	Severity        string   `json:"severity"`
	Translation     string   `json:"translation,omitempty"`
	CulturalContext string   `json:"culturalContext,omitempty"`
}

// Clone 深拷贝关键词切片。
func (e *EnrichmentData) Clone() *EnrichmentData {
	if e == nil {
		return nil
	}
	out := *e
	out.Keywords = append([]string(nil), e.Keywords...)
	return &out
}

// Message is one utterance of the transcript. It is never mutated after append.
type Message struct {
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	Timestamp      time.Time       `json:"timestamp"`
	Language       string          `json:"language,omitempty"`
	EnrichmentData *EnrichmentData `json:"enrichmentData,omitempty"`
}

// Clone returns a copy that shares no memory with m.
func (m Message) Clone() Message {
	m.EnrichmentData = m.EnrichmentData.Clone()
	return m
}
