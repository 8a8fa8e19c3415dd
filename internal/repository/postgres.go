package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/zhouzirui/medivoice/backend/internal/model/consultation"
)

//go:embed schema.sql
var postgresSchema string

// PostgresStore keeps the conversation as a JSONB array and appends with the
// jsonb concatenation operator so a turn lands in a single statement.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the database and applies the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Create inserts an active session.
func (s *PostgresStore) Create(ctx context.Context, doctor consultation.DoctorProfile, language, ownerID string) (consultation.Session, error) {
	if ownerID == "" {
		return consultation.Session{}, ErrOwnerRequired
	}

	doctorJSON, err := json.Marshal(doctor)
	if err != nil {
		return consultation.Session{}, fmt.Errorf("encode doctor profile: %w", err)
	}

	session := consultation.Session{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		Doctor:       doctor,
		Language:     language,
		Conversation: []consultation.Message{},
		Status:       consultation.StatusActive,
		CreatedAt:    time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO consultation_sessions (id, owner_id, doctor, language, status, created_at)
         VALUES ($1, $2, $3, $4, $5, $6)`,
		session.ID, ownerID, doctorJSON, language, string(session.Status), session.CreatedAt,
	)
	if err != nil {
		return consultation.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

// Get loads a session scoped to its owner.
func (s *PostgresStore) Get(ctx context.Context, sessionID, ownerID string) (consultation.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, doctor, language, conversation, report, status, created_at
         FROM consultation_sessions
         WHERE id = $1 AND owner_id = $2`,
		sessionID, ownerID,
	)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return consultation.Session{}, ErrSessionNotFound
	}
	return session, err
}

// AppendTurn concatenates the new messages onto the stored array.
func (s *PostgresStore) AppendTurn(ctx context.Context, sessionID string, messages []consultation.Message) error {
	stamped := stampMessages(messages)
	payload, err := json.Marshal(stamped)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE consultation_sessions
         SET conversation = conversation || $2::jsonb
         WHERE id = $1 AND status = 'active'`,
		sessionID, string(payload),
	)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	return s.missingOrClosed(ctx, sessionID)
}

// ListForOwner returns the owner's sessions, newest first.
func (s *PostgresStore) ListForOwner(ctx context.Context, ownerID string) ([]consultation.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, doctor, language, conversation, report, status, created_at
         FROM consultation_sessions
         WHERE owner_id = $1
         ORDER BY created_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]consultation.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

// SaveReport stores the report and closes the session in one statement.
func (s *PostgresStore) SaveReport(ctx context.Context, sessionID, ownerID string, report consultation.Report) (consultation.Session, error) {
	payload, err := json.Marshal(report)
	if err != nil {
		return consultation.Session{}, fmt.Errorf("encode report: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE consultation_sessions
         SET report = $3::jsonb, status = 'closed'
         WHERE id = $1 AND owner_id = $2 AND status = 'active'`,
		sessionID, ownerID, string(payload),
	)
	if err != nil {
		return consultation.Session{}, fmt.Errorf("save report: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return consultation.Session{}, err
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, sessionID, ownerID); getErr != nil {
			return consultation.Session{}, getErr
		}
		return consultation.Session{}, ErrSessionClosed
	}
	return s.Get(ctx, sessionID, ownerID)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) missingOrClosed(ctx context.Context, sessionID string) error {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM consultation_sessions WHERE id = $1`, sessionID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	return ErrSessionClosed
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (consultation.Session, error) {
	var (
		session      consultation.Session
		doctorJSON   []byte
		conversation []byte
		report       []byte
		status       string
	)
	if err := row.Scan(&session.ID, &session.OwnerID, &doctorJSON, &session.Language,
		&conversation, &report, &status, &session.CreatedAt); err != nil {
		return consultation.Session{}, err
	}

	if err := json.Unmarshal(doctorJSON, &session.Doctor); err != nil {
		return consultation.Session{}, fmt.Errorf("decode doctor profile: %w", err)
	}
	session.Conversation = []consultation.Message{}
	if len(conversation) > 0 {
		if err := json.Unmarshal(conversation, &session.Conversation); err != nil {
			return consultation.Session{}, fmt.Errorf("decode conversation: %w", err)
		}
	}
	if len(report) > 0 {
		var r consultation.Report
		if err := json.Unmarshal(report, &r); err != nil {
			return consultation.Session{}, fmt.Errorf("decode report: %w", err)
		}
		session.Report = &r
	}
	session.Status = consultation.Status(status)
	session.CreatedAt = session.CreatedAt.UTC()
	return session, nil
}

func stampMessages(messages []consultation.Message) []consultation.Message {
	now := time.Now().UTC()
	out := make([]consultation.Message, len(messages))
	for i, msg := range messages {
		out[i] = msg.Clone()
		if out[i].Timestamp.IsZero() {
			out[i].Timestamp = now
		}
	}
	return out
}
