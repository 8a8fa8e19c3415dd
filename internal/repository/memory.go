package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/medivoice/backend/internal/model/consultation"
)

// MemoryStore keeps sessions in process memory, suitable for single-instance deployments and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*consultation.Session
	order    []string // 创建顺序
	now      func() time.Time
}

// NewMemoryStore bootstraps an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*consultation.Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create provisions a session bound to ownerID.
func (s *MemoryStore) Create(_ context.Context, doctor consultation.DoctorProfile, language, ownerID string) (consultation.Session, error) {
	if ownerID == "" {
		return consultation.Session{}, ErrOwnerRequired
	}

	session := &consultation.Session{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		Doctor:       doctor,
		Language:     language,
		Conversation: make([]consultation.Message, 0, 16),
		Status:       consultation.StatusActive,
		CreatedAt:    s.now(),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.order = append(s.order, session.ID)
	s.mu.Unlock()

	return session.Clone(), nil
}

// Get retrieves a session scoped to its owner.
func (s *MemoryStore) Get(_ context.Context, sessionID, ownerID string) (consultation.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok || session.OwnerID != ownerID {
		return consultation.Session{}, ErrSessionNotFound
	}
	return session.Clone(), nil
}

// AppendTurn appends messages under the write lock so both land or neither.
func (s *MemoryStore) AppendTurn(_ context.Context, sessionID string, messages []consultation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if session.Status == consultation.StatusClosed {
		return ErrSessionClosed
	}

	for _, msg := range messages {
		msg = msg.Clone()
		if msg.Timestamp.IsZero() {
			msg.Timestamp = s.now()
		}
		session.Conversation = append(session.Conversation, msg)
	}
	return nil
}

// ListForOwner returns sessions ordered by creation time, newest first.
func (s *MemoryStore) ListForOwner(_ context.Context, ownerID string) ([]consultation.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]consultation.Session, 0)
	for i := len(s.order) - 1; i >= 0; i-- {
		session := s.sessions[s.order[i]]
		if session.OwnerID == ownerID {
			out = append(out, session.Clone())
		}
	}
	return out, nil
}

// SaveReport attaches the report and transitions the session to closed.
func (s *MemoryStore) SaveReport(_ context.Context, sessionID, ownerID string, report consultation.Report) (consultation.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok || session.OwnerID != ownerID {
		return consultation.Session{}, ErrSessionNotFound
	}
	if session.Status == consultation.StatusClosed {
		return consultation.Session{}, ErrSessionClosed
	}

	stored := report.Clone()
	session.Report = &stored
	session.Status = consultation.StatusClosed
	return session.Clone(), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
