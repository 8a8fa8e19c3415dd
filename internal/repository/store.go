// Package repository persists consultation sessions.
package repository

import (
	"context"
	"errors"

	"github.com/zhouzirui/medivoice/backend/internal/model/consultation"
)

var (
	// ErrSessionNotFound is returned for absent sessions and for sessions owned by another caller.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when mutating a session whose status is closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrOwnerRequired guards every owner-scoped operation.
	ErrOwnerRequired = errors.New("owner id is required")
)

// Store is the session store. Every read and write is scoped by owner.
type Store interface {
	// Create provisions an active session with an empty conversation.
	Create(ctx context.Context, doctor consultation.DoctorProfile, language, ownerID string) (consultation.Session, error)
	// Get returns the session only when it is owned by ownerID.
	Get(ctx context.Context, sessionID, ownerID string) (consultation.Session, error)
	// AppendTurn appends all messages in order as one atomic update.
	AppendTurn(ctx context.Context, sessionID string, messages []consultation.Message) error
	// ListForOwner returns the owner's sessions, newest first.
	ListForOwner(ctx context.Context, ownerID string) ([]consultation.Session, error)
	// SaveReport attaches the report and closes the session.
	SaveReport(ctx context.Context, sessionID, ownerID string, report consultation.Report) (consultation.Session, error)
	Close() error
}
