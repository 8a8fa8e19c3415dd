package consultation

import (
	"errors"

	"github.com/zhouzirui/medivoice/backend/internal/repository"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidInput    = errors.New("invalid input")
	ErrVoiceProcessing = errors.New("voice processing failed")
	ErrSessionNotFound = repository.ErrSessionNotFound
	ErrSessionClosed   = repository.ErrSessionClosed
)

// FallbackReply replaces the assistant reply when the model call fails.
const FallbackReply = "AI service temporarily unavailable."
