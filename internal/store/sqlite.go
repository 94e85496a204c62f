package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/servoice/internal/domain"
	"github.com/ashureev/servoice/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS phone_numbers (
		id TEXT PRIMARY KEY,
		e164 TEXT NOT NULL UNIQUE,
		company_id TEXT NOT NULL,
		office_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		phone_number TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		office_id TEXT NOT NULL,
		phone_number_id TEXT NOT NULL,
		direction TEXT NOT NULL DEFAULT 'inbound',
		status TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT 'en',
		intent_summary TEXT,
		metadata TEXT,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_company ON conversations(company_id, started_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES conversations(id),
		role TEXT NOT NULL,
		transcript TEXT,
		language TEXT,
		translated_text TEXT,
		intent TEXT,
		ai_response TEXT,
		ai_response_translated TEXT,
		urgent INTEGER NOT NULL DEFAULT 0,
		session_closed INTEGER NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, timestamp);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type conversationMetadata struct {
	CallerID string `json:"caller_id"`
}

// UpsertConversation creates or updates a conversation row.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, conv *domain.Conversation) error {
	query := `
	INSERT INTO conversations (
		id, company_id, office_id, phone_number_id, direction, status, language,
		intent_summary, metadata, started_at, ended_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		language = excluded.language,
		intent_summary = COALESCE(excluded.intent_summary, conversations.intent_summary),
		metadata = excluded.metadata,
		ended_at = COALESCE(conversations.ended_at, excluded.ended_at),
		updated_at = excluded.updated_at`

	var summary interface{}
	if conv.IntentSummary != nil {
		data, err := json.Marshal(conv.IntentSummary)
		if err != nil {
			return fmt.Errorf("marshal intent summary: %w", err)
		}
		summary = string(data)
	}

	meta, err := json.Marshal(conversationMetadata{CallerID: conv.CallerID})
	if err != nil {
		return fmt.Errorf("marshal conversation metadata: %w", err)
	}

	var endedAt interface{}
	if conv.EndedAt != nil {
		endedAt = conv.EndedAt.UnixMilli()
	}

	direction := conv.Direction
	if direction == "" {
		direction = "inbound"
	}
	language := conv.Language
	if language == "" {
		language = "en"
	}
	updatedAt := conv.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	return shared.RetryOnConflict(ctx, "upsert conversation", s.retry, func() error {
		_, err := s.db.ExecContext(ctx, query,
			conv.ID, conv.Tenant.CompanyID, conv.Tenant.OfficeID, conv.Tenant.LineID,
			direction, conv.Status, language,
			summary, string(meta),
			conv.StartedAt.UnixMilli(), endedAt, updatedAt.UnixMilli(),
		)
		return err
	})
}

// InsertMessages writes msgs in one transaction, skipping IDs already stored.
func (s *SQLiteStore) InsertMessages(ctx context.Context, sessionID string, msgs []domain.Message) (int64, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	var inserted int64
	err := shared.RetryOnConflict(ctx, "insert messages", s.retry, func() error {
		n, err := s.insertMessagesOnce(ctx, sessionID, msgs)
		inserted = n
		return err
	})
	return inserted, err
}

func (s *SQLiteStore) insertMessagesOnce(ctx context.Context, sessionID string, msgs []domain.Message) (n int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to roll back message batch", "error", rbErr, "session_id", sessionID)
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (
			id, session_id, role, transcript, language, translated_text, intent,
			ai_response, ai_response_translated, urgent, session_closed, timestamp, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare message insert: %w", err)
	}
	defer func() {
		if closeErr := stmt.Close(); closeErr != nil {
			slog.Debug("failed to close message statement", "error", closeErr)
		}
	}()

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		ts := m.Timestamp.UnixMilli()
		if m.Timestamp.IsZero() {
			ts = now
		}
		res, execErr := stmt.ExecContext(ctx,
			m.ID, sessionID, m.Role(), m.Transcript, m.DetectedLanguage, m.TranslatedTranscript, m.Intent,
			m.Reply, m.ReplyTranslated, m.Urgent, m.SessionClosed, ts, now,
		)
		if execErr != nil {
			return 0, fmt.Errorf("insert message %s: %w", m.ID, execErr)
		}
		rows, rowsErr := res.RowsAffected()
		if rowsErr != nil {
			return 0, fmt.Errorf("get rows affected: %w", rowsErr)
		}
		n += rows
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit message batch: %w", err)
	}
	return n, nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	query := `
		SELECT id, company_id, office_id, phone_number_id, direction, status, language,
		       intent_summary, metadata, started_at, ended_at, updated_at
		FROM conversations WHERE id = ?`

	var conv domain.Conversation
	var summary, meta sql.NullString
	var startedAt, updatedAt int64
	var endedAt sql.NullInt64

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID, &conv.Tenant.CompanyID, &conv.Tenant.OfficeID, &conv.Tenant.LineID,
		&conv.Direction, &conv.Status, &conv.Language,
		&summary, &meta, &startedAt, &endedAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}

	conv.StartedAt = time.UnixMilli(startedAt)
	conv.UpdatedAt = time.UnixMilli(updatedAt)
	if endedAt.Valid {
		ended := time.UnixMilli(endedAt.Int64)
		conv.EndedAt = &ended
	}
	if summary.Valid && summary.String != "" {
		var a domain.Analysis
		if err := json.Unmarshal([]byte(summary.String), &a); err != nil {
			return nil, fmt.Errorf("decode intent summary: %w", err)
		}
		conv.IntentSummary = &a
	}
	if meta.Valid && meta.String != "" {
		var m conversationMetadata
		if err := json.Unmarshal([]byte(meta.String), &m); err != nil {
			return nil, fmt.Errorf("decode conversation metadata: %w", err)
		}
		conv.CallerID = m.CallerID
	}

	return &conv, nil
}

// ListMessages returns the stored messages of a conversation in conversation order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	query := `
		SELECT id, session_id, transcript, language, translated_text, intent,
		       ai_response, ai_response_translated, urgent, session_closed, timestamp
		FROM messages WHERE session_id = ? ORDER BY timestamp, rowid`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var transcript, language, translated, intent, reply, replyTranslated sql.NullString
		var ts int64
		if err := rows.Scan(
			&m.ID, &m.SessionID, &transcript, &language, &translated, &intent,
			&reply, &replyTranslated, &m.Urgent, &m.SessionClosed, &ts,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Transcript = transcript.String
		m.DetectedLanguage = language.String
		m.TranslatedTranscript = translated.String
		m.Intent = intent.String
		m.Reply = reply.String
		m.ReplyTranslated = replyTranslated.String
		m.Timestamp = time.UnixMilli(ts)
		m.Persisted = true
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// ResolveLine maps a dialed number to its inbound line.
func (s *SQLiteStore) ResolveLine(ctx context.Context, e164 string) (*domain.PhoneLine, error) {
	query := `SELECT id, e164, company_id, office_id, created_at FROM phone_numbers WHERE e164 = ?`

	var line domain.PhoneLine
	var createdAt int64
	err := s.db.QueryRowContext(ctx, query, e164).Scan(
		&line.ID, &line.E164, &line.CompanyID, &line.OfficeID, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan phone number row: %w", err)
	}
	line.CreatedAt = time.UnixMilli(createdAt)
	return &line, nil
}

// UpsertLine creates or updates an inbound line keyed by its E.164 number.
func (s *SQLiteStore) UpsertLine(ctx context.Context, line *domain.PhoneLine) error {
	if line.ID == "" {
		line.ID = uuid.NewString()
	}
	if line.CreatedAt.IsZero() {
		line.CreatedAt = time.Now()
	}

	query := `
	INSERT INTO phone_numbers (id, e164, company_id, office_id, created_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(e164) DO UPDATE SET
		company_id = excluded.company_id,
		office_id = excluded.office_id`

	return shared.RetryOnConflict(ctx, "upsert phone number", s.retry, func() error {
		_, err := s.db.ExecContext(ctx, query,
			line.ID, line.E164, line.CompanyID, line.OfficeID, line.CreatedAt.UnixMilli(),
		)
		return err
	})
}

// FindOrCreateContact returns the contact for phoneNumber, creating it on first sight.
func (s *SQLiteStore) FindOrCreateContact(ctx context.Context, phoneNumber string) (*domain.Contact, error) {
	if phoneNumber == "" {
		return nil, fmt.Errorf("find or create contact: empty phone number")
	}

	err := shared.RetryOnConflict(ctx, "insert contact", s.retry, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO contacts (id, phone_number, created_at) VALUES (?, ?, ?)
			 ON CONFLICT(phone_number) DO NOTHING`,
			uuid.NewString(), phoneNumber, time.Now().UnixMilli(),
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	var c domain.Contact
	var createdAt int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id, phone_number, created_at FROM contacts WHERE phone_number = ?`, phoneNumber,
	).Scan(&c.ID, &c.PhoneNumber, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("scan contact row: %w", err)
	}
	c.CreatedAt = time.UnixMilli(createdAt)
	return &c, nil
}
