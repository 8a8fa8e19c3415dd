// Package apierror maps service errors onto HTTP responses.
package apierror

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	consultsvc "github.com/zhouzirui/medivoice/backend/internal/service/consultation"
	"github.com/zhouzirui/medivoice/backend/pkg/utils"
)

// Status returns the HTTP status and client-facing message for err.
// Internal failures never leak their cause.
func Status(err error) (int, string) {
	switch {
	case errors.Is(err, consultsvc.ErrUnauthorized):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, consultsvc.ErrInvalidInput):
		return http.StatusBadRequest, clientMessage(err, consultsvc.ErrInvalidInput)
	case errors.Is(err, consultsvc.ErrSessionNotFound):
		return http.StatusNotFound, "Session not found"
	case errors.Is(err, consultsvc.ErrSessionClosed):
		return http.StatusConflict, "Session is closed"
	case errors.Is(err, consultsvc.ErrVoiceProcessing):
		return http.StatusUnprocessableEntity, "Voice processing failed"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// Write sends err as a {success:false, error} body.
func Write(w http.ResponseWriter, err error) {
	status, message := Status(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	utils.RespondError(w, status, message)
}

// clientMessage 去掉哨兵前缀，只保留具体原因。
func clientMessage(err, sentinel error) string {
	msg := err.Error()
	prefix := sentinel.Error() + ": "
	if idx := strings.Index(msg, prefix); idx >= 0 {
		msg = msg[idx+len(prefix):]
	}
	if msg == "" {
		return sentinel.Error()
	}
	return msg
}
