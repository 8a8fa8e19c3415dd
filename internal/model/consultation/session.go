package consultation

import "time"

// Status 会话状态，只允许 active → closed。
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Stage 由会话当前的对话长度决定。
type Stage string

const (
	StageGreeting Stage = "greeting"
	StageOngoing  Stage = "ongoing"
)

// StageOf returns greeting iff the conversation is empty.
func StageOf(conversation []Message) Stage {
	if len(conversation) == 0 {
		return StageGreeting
	}
	return StageOngoing
}

// DoctorProfile is a snapshot of the doctor taken at session creation.
type DoctorProfile struct {
	Name           string `json:"name"`
	Specialty      string `json:"specialty"`
	Voice          string `json:"voice,omitempty"`
	PromptTemplate string `json:"promptTemplate,omitempty"`
}

// Session captures one patient consultation.
type Session struct {
	ID           string        `json:"sessionId"`
	OwnerID      string        `json:"-"`
	Doctor       DoctorProfile `json:"doctorProfile"`
	Language     string        `json:"language"`
	Conversation []Message     `json:"conversation"`
	Report       *Report       `json:"report"`
	Status       Status        `json:"status"`
	CreatedAt    time.Time     `json:"createdOn"`
}

// Clone returns a deep copy so callers never share the conversation slice.
func (s Session) Clone() Session {
	out := s
	if s.Conversation != nil {
		out.Conversation = make([]Message, len(s.Conversation))
		for i, msg := range s.Conversation {
			out.Conversation[i] = msg.Clone()
		}
	}
	if s.Report != nil {
		report := s.Report.Clone()
		out.Report = &report
	}
	return out
}
