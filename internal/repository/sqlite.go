package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/zhouzirui/medivoice/backend/internal/model/consultation"
)

// SQLiteStore stores sessions and their messages in separate tables. A turn is
// appended inside one transaction with monotonically increasing sequence numbers.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dsn and migrates it.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	inMemory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
	if !inMemory && !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_txlock=immediate"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// 内存数据库每个连接都是独立实例，必须限制为单连接。
	if inMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			doctor TEXT NOT NULL,
			language TEXT NOT NULL,
			report TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			language TEXT,
			enrichment TEXT,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (session_id, seq),
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Create inserts an active session.
func (s *SQLiteStore) Create(ctx context.Context, doctor consultation.DoctorProfile, language, ownerID string) (consultation.Session, error) {
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
		`INSERT INTO sessions (session_id, owner_id, doctor, language, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		session.ID, ownerID, string(doctorJSON), language, string(session.Status), session.CreatedAt,
	)
	if err != nil {
		return consultation.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

// Get loads a session and its conversation, scoped to the owner.
func (s *SQLiteStore) Get(ctx context.Context, sessionID, ownerID string) (consultation.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, owner_id, doctor, language, report, status, created_at
		 FROM sessions WHERE session_id = ? AND owner_id = ?`,
		sessionID, ownerID,
	)
	session, err := s.scanSessionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return consultation.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return consultation.Session{}, err
	}

	conversation, err := s.loadConversation(ctx, s.db, sessionID)
	if err != nil {
		return consultation.Session{}, err
	}
	session.Conversation = conversation
	return session, nil
}

// AppendTurn inserts all messages in one transaction.
func (s *SQLiteStore) AppendTurn(ctx context.Context, sessionID string, messages []consultation.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE session_id = ?`, sessionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("load session status: %w", err)
	}
	if consultation.Status(status) == consultation.StatusClosed {
		return ErrSessionClosed
	}

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?`, sessionID,
	).Scan(&next); err != nil {
		return fmt.Errorf("load sequence: %w", err)
	}

	for _, msg := range stampMessages(messages) {
		next++
		var enrichment sql.NullString
		if msg.EnrichmentData != nil {
			raw, err := json.Marshal(msg.EnrichmentData)
			if err != nil {
				return fmt.Errorf("encode enrichment: %w", err)
			}
			enrichment = sql.NullString{String: string(raw), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, seq, role, content, language, enrichment, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sessionID, next, string(msg.Role), msg.Content, msg.Language, enrichment, msg.Timestamp,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	return tx.Commit()
}

// ListForOwner returns the owner's sessions, newest first.
func (s *SQLiteStore) ListForOwner(ctx context.Context, ownerID string) ([]consultation.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, owner_id, doctor, language, report, status, created_at
		 FROM sessions WHERE owner_id = ? ORDER BY created_at DESC, rowid DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	out := make([]consultation.Session, 0)
	for rows.Next() {
		session, err := s.scanSessionRow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// 单连接模式下必须先关闭 rows 再查询消息。
	for i := range out {
		conversation, err := s.loadConversation(ctx, s.db, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Conversation = conversation
	}
	return out, nil
}

// SaveReport stores the report and closes the session.
func (s *SQLiteStore) SaveReport(ctx context.Context, sessionID, ownerID string, report consultation.Report) (consultation.Session, error) {
	payload, err := json.Marshal(report)
	if err != nil {
		return consultation.Session{}, fmt.Errorf("encode report: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET report = ?, status = 'closed' WHERE session_id = ? AND owner_id = ? AND status = 'active'`,
		string(payload), sessionID, ownerID,
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

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) loadConversation(ctx context.Context, q queryer, sessionID string) ([]consultation.Message, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT role, content, language, enrichment, created_at FROM messages WHERE session_id = ? ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	defer rows.Close()

	out := make([]consultation.Message, 0)
	for rows.Next() {
		var (
			msg        consultation.Message
			role       string
			language   sql.NullString
			enrichment sql.NullString
		)
		if err := rows.Scan(&role, &msg.Content, &language, &enrichment, &msg.Timestamp); err != nil {
			return nil, err
		}
		msg.Role = consultation.Role(role)
		msg.Language = language.String
		msg.Timestamp = msg.Timestamp.UTC()
		if enrichment.Valid && enrichment.String != "" {
			var data consultation.EnrichmentData
			if err := json.Unmarshal([]byte(enrichment.String), &data); err != nil {
				return nil, fmt.Errorf("decode enrichment: %w", err)
			}
			msg.EnrichmentData = &data
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) scanSessionRow(row rowScanner) (consultation.Session, error) {
	var (
		session    consultation.Session
		doctorJSON string
		report     sql.NullString
		status     string
	)
	if err := row.Scan(&session.ID, &session.OwnerID, &doctorJSON, &session.Language,
		&report, &status, &session.CreatedAt); err != nil {
		return consultation.Session{}, err
	}
	if err := json.Unmarshal([]byte(doctorJSON), &session.Doctor); err != nil {
		return consultation.Session{}, fmt.Errorf("decode doctor profile: %w", err)
	}
	if report.Valid && report.String != "" {
		var r consultation.Report
		if err := json.Unmarshal([]byte(report.String), &r); err != nil {
			return consultation.Session{}, fmt.Errorf("decode report: %w", err)
		}
		session.Report = &r
	}
	session.Status = consultation.Status(status)
	session.CreatedAt = session.CreatedAt.UTC()
	session.Conversation = []consultation.Message{}
	return session, nil
}
