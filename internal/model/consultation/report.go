package consultation

import "time"

// Report generators.
const (
	GeneratorLLM      = "llm"
	GeneratorFallback = "fallback"
)

// Report is the structured clinical summary compiled from a closed session.
type Report struct {
	ChiefComplaint     string    `json:"chiefComplaint"`
	Summary            string    `json:"summary"`
	Symptoms           []string  `json:"symptoms"`
	Severity           string    `json:"severity"`
	PossibleConditions []string  `json:"possibleConditions,omitempty"`
	Recommendations    []string  `json:"recommendations"`
	FollowUp           string    `json:"followUp,omitempty"`
	RedFlags           []string  `json:"redFlags,omitempty"`
	Language           string    `json:"language"`
	GeneratedBy        string    `json:"generatedBy"`
	GeneratedAt        time.Time `json:"generatedAt"`
}

// Clone 深拷贝所有切片字段。
func (r Report) Clone() Report {
	r.Symptoms = append([]string(nil), r.Symptoms...)
	r.PossibleConditions = append([]string(nil), r.PossibleConditions...)
	r.Recommendations = append([]string(nil), r.Recommendations...)
	r.RedFlags = append([]string(nil), r.RedFlags...)
	return r
}

// SessionParams carries the caller-supplied context for report compilation.
type SessionParams struct {
	PatientName string `json:"patientName,omitempty"`
	PatientAge  string `json:"patientAge,omitempty"`
	DoctorName  string `json:"doctorName,omitempty"`
	Specialty   string `json:"specialty,omitempty"`
	Language    string `json:"language,omitempty"`
}
