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

	"github.com/TBVault/tbv-frontend-sub000/internal/chatobject"
	"github.com/TBVault/tbv-frontend-sub000/internal/domain"
	"github.com/TBVault/tbv-frontend-sub000/internal/shared"
	_ "modernc.org/sqlite"
)

var (
	// ErrSessionNotFound is returned when updating a session that does not exist.
	ErrSessionNotFound = errors.New("chat session not found")
	// ErrDuplicateMessage is returned when a message id is already stored.
	ErrDuplicateMessage = errors.New("chat message already stored")
	// ErrSessionOwned is returned when writing to a session another owner
	// created.
	ErrSessionOwned = errors.New("chat session belongs to another owner")
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
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

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS chat_sessions (
		public_id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		owner TEXT NOT NULL DEFAULT '',
		created_on INTEGER NOT NULL,
		updated_on INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		public_id TEXT NOT NULL UNIQUE,
		chat_session_id TEXT NOT NULL REFERENCES chat_sessions(public_id),
		role TEXT NOT NULL,
		content_json TEXT NOT NULL,
		created_on INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(chat_session_id, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if err := s.migrateOwner(); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_chat_sessions_owner ON chat_sessions(owner, updated_on)`); err != nil {
		return fmt.Errorf("create owner index: %w", err)
	}
	return nil
}

// migrateOwner adds the owner column to databases created before sessions
// were scoped. Existing rows keep an empty owner and are not listed for
// anyone.
func (s *SQLiteStore) migrateOwner() error {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('chat_sessions') WHERE name = 'owner'`).Scan(&n)
	if err != nil {
		return fmt.Errorf("inspect chat_sessions: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.db.Exec(`ALTER TABLE chat_sessions ADD COLUMN owner TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("add owner column: %w", err)
	}
	slog.Info("Migrated chat_sessions: added owner column")
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

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.ChatSession, error) {
	query := `SELECT public_id, title, owner, created_on, updated_on FROM chat_sessions WHERE public_id = ?`

	var session domain.ChatSession
	var createdOn, updatedOn int64
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&session.PublicID, &session.Title, &session.Owner, &createdOn, &updatedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat session row: %w", err)
	}

	session.CreatedOn = time.Unix(createdOn, 0)
	session.UpdatedOn = time.Unix(updatedOn, 0)
	return &session, nil
}

// UpsertSession creates or touches a session. It fails with ErrSessionOwned
// when the session exists under a different owner.
func (s *SQLiteStore) UpsertSession(ctx context.Context, session *domain.ChatSession) error {
	return withRetry(ctx, "upsert chat session", func() error {
		return upsertSession(ctx, s.db, session)
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertSession(ctx context.Context, db execer, session *domain.ChatSession) error {
	query := `
	INSERT INTO chat_sessions (public_id, title, owner, created_on, updated_on)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(public_id) DO UPDATE SET
		title = CASE WHEN excluded.title = '' THEN chat_sessions.title ELSE excluded.title END,
		updated_on = excluded.updated_on
	WHERE chat_sessions.owner = excluded.owner`

	now := time.Now()
	createdOn := session.CreatedOn
	if createdOn.IsZero() {
		createdOn = now
	}
	updatedOn := session.UpdatedOn
	if updatedOn.IsZero() {
		updatedOn = now
	}

	result, err := db.ExecContext(ctx, query, session.PublicID, session.Title, session.Owner, createdOn.Unix(), updatedOn.Unix())
	if err != nil {
		return fmt.Errorf("upsert chat session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSessionOwned
	}
	return nil
}

// ListSessions returns the owner's most recently updated sessions.
func (s *SQLiteStore) ListSessions(ctx context.Context, owner string, limit int) ([]*domain.ChatSession, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT public_id, title, owner, created_on, updated_on
		FROM chat_sessions WHERE owner = ? ORDER BY updated_on DESC, public_id LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("query chat sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close chat sessions rows", "error", closeErr)
		}
	}()

	var sessions []*domain.ChatSession
	for rows.Next() {
		var session domain.ChatSession
		var createdOn, updatedOn int64
		if err := rows.Scan(&session.PublicID, &session.Title, &session.Owner, &createdOn, &updatedOn); err != nil {
			return nil, fmt.Errorf("scan chat session row: %w", err)
		}
		session.CreatedOn = time.Unix(createdOn, 0)
		session.UpdatedOn = time.Unix(updatedOn, 0)
		sessions = append(sessions, &session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat sessions: %w", err)
	}
	return sessions, nil
}

// SetSessionTitle stores the inferred topic of a session.
func (s *SQLiteStore) SetSessionTitle(ctx context.Context, sessionID, title string) error {
	return withRetry(ctx, "set chat session title", func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE chat_sessions SET title = ?, updated_on = ? WHERE public_id = ?`,
			title, time.Now().Unix(), sessionID)
		if err != nil {
			return fmt.Errorf("update title: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
}

// SaveMessages inserts the messages of one turn in a single transaction and
// touches the parent session, creating it for owner when absent.
func (s *SQLiteStore) SaveMessages(ctx context.Context, owner, sessionID string, messages []domain.Message) error {
	return withRetry(ctx, "save chat messages", func() error {
		return s.saveMessagesOnce(ctx, owner, sessionID, messages)
	})
}

func (s *SQLiteStore) saveMessagesOnce(ctx context.Context, owner, sessionID string, messages []domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to rollback chat messages transaction", "error", rbErr)
		}
	}()

	if err := upsertSession(ctx, tx, &domain.ChatSession{PublicID: sessionID, Owner: owner}); err != nil {
		return err
	}

	query := `
	INSERT INTO chat_messages (public_id, chat_session_id, role, content_json, created_on)
	VALUES (?, ?, ?, ?, ?)`

	for _, msg := range messages {
		content := msg.Content
		if content == nil {
			content = []chatobject.Object{}
		}
		contentJSON, err := json.Marshal(content)
		if err != nil {
			return fmt.Errorf("marshal content of %s: %w", msg.PublicID, err)
		}
		if _, err := tx.ExecContext(ctx, query, msg.PublicID, sessionID, string(msg.Role), string(contentJSON), msg.CreatedOn); err != nil {
			if shared.IsSQLiteUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.PublicID)
			}
			return fmt.Errorf("insert chat message %s: %w", msg.PublicID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chat messages: %w", err)
	}
	return nil
}

// ListMessages returns stored messages in insertion order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	query := `
		SELECT public_id, chat_session_id, role, content_json, created_on
		FROM chat_messages WHERE chat_session_id = ? ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close chat messages rows", "error", closeErr)
		}
	}()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var role, contentJSON string
		if err := rows.Scan(&msg.PublicID, &msg.ChatSessionID, &role, &contentJSON, &msg.CreatedOn); err != nil {
			return nil, fmt.Errorf("scan chat message row: %w", err)
		}
		msg.Role = domain.Role(role)
		if err := json.Unmarshal([]byte(contentJSON), &msg.Content); err != nil {
			return nil, fmt.Errorf("decode content of %s: %w", msg.PublicID, err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return messages, nil
}

// withRetry retries op with exponential backoff while SQLite reports lock
// contention.
func withRetry(ctx context.Context, what string, op func() error) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms
		slog.Debug("SQLite busy, retrying", "op", what, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", what, maxRetries, err)
}
