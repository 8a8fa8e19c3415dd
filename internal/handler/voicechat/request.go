package voicechat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/zhouzirui/medivoice/backend/internal/model/consultation"
	consultsvc "github.com/zhouzirui/medivoice/backend/internal/service/consultation"
)

const (
	maxJSONBody   = 1 << 20
	maxAudioBytes = 25 << 20
)

// DoctorPayload is the doctor object accepted in JSON bodies and WebSocket config.
type DoctorPayload struct {
	Name           string `json:"name"`
	Specialty      string `json:"specialty"`
	Voice          string `json:"voice,omitempty"`
	VoiceID        string `json:"voiceId,omitempty"`
	PromptTemplate string `json:"promptTemplate,omitempty"`
}

func (d *DoctorPayload) profile() consultation.DoctorProfile {
	if d == nil {
		return consultation.DoctorProfile{}
	}
	voice := d.Voice
	if voice == "" {
		voice = d.VoiceID
	}
	return consultation.DoctorProfile{
		Name:           strings.TrimSpace(d.Name),
		Specialty:      strings.TrimSpace(d.Specialty),
		Voice:          strings.TrimSpace(voice),
		PromptTemplate: strings.TrimSpace(d.PromptTemplate),
	}
}

// turnPayload 接受历史上出现过的所有字段别名，normalize 之后核心逻辑只看规范字段。
type turnPayload struct {
	SessionID      string         `json:"sessionId"`
	UserMessage    string         `json:"userMessage"`
	Message        string         `json:"message"`
	Note           string         `json:"note"`
	Notes          string         `json:"notes"`
	Language       string         `json:"language"`
	DoctorProfile  *DoctorPayload `json:"doctorProfile"`
	SelectedDoctor *DoctorPayload `json:"selectedDoctor"`
}

func (p turnPayload) normalize(ownerID string) consultsvc.TurnRequest {
	doctor := p.DoctorProfile
	if doctor == nil {
		doctor = p.SelectedDoctor
	}
	return consultsvc.TurnRequest{
		OwnerID:   ownerID,
		SessionID: strings.TrimSpace(p.SessionID),
		Message:   firstNonEmpty(p.UserMessage, p.Message, p.Note, p.Notes),
		Doctor:    doctor.profile(),
		Language:  strings.TrimSpace(p.Language),
	}
}

// decodeTurnRequest reads either a JSON body or a multipart form with audio.
func decodeTurnRequest(w http.ResponseWriter, r *http.Request, ownerID string) (consultsvc.TurnRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return decodeMultipart(w, r, ownerID)
	}

	var payload turnPayload
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := decoder.Decode(&payload); err != nil {
		return consultsvc.TurnRequest{}, fmt.Errorf("%w: invalid JSON body", consultsvc.ErrInvalidInput)
	}
	return payload.normalize(ownerID), nil
}

func decodeMultipart(w http.ResponseWriter, r *http.Request, ownerID string) (consultsvc.TurnRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBytes+maxJSONBody)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return consultsvc.TurnRequest{}, fmt.Errorf("%w: failed to parse multipart form", consultsvc.ErrInvalidInput)
	}
	defer r.MultipartForm.RemoveAll()

	req := consultsvc.TurnRequest{
		OwnerID:   ownerID,
		SessionID: strings.TrimSpace(r.FormValue("sessionId")),
		Message:   firstNonEmpty(r.FormValue("userMessage"), r.FormValue("message"), r.FormValue("note")),
		Language:  strings.TrimSpace(r.FormValue("language")),
		Doctor: consultation.DoctorProfile{
			Name:      strings.TrimSpace(r.FormValue("doctor_name")),
			Specialty: strings.TrimSpace(r.FormValue("doctor_specialty")),
			Voice:     strings.TrimSpace(r.FormValue("doctor_voice")),
		},
	}

	file, header, err := r.FormFile("audio")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		return req, nil
	case err != nil:
		return consultsvc.TurnRequest{}, fmt.Errorf("%w: unreadable audio upload", consultsvc.ErrInvalidInput)
	}
	defer file.Close()

	audio, err := io.ReadAll(io.LimitReader(file, maxAudioBytes+1))
	if err != nil {
		return consultsvc.TurnRequest{}, fmt.Errorf("%w: unreadable audio upload", consultsvc.ErrInvalidInput)
	}
	if len(audio) > maxAudioBytes {
		return consultsvc.TurnRequest{}, fmt.Errorf("%w: audio exceeds %d bytes", consultsvc.ErrInvalidInput, maxAudioBytes)
	}
	req.Audio = audio
	req.AudioFilename = header.Filename
	return req, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
