// Package sqlite is a single-file store.Store for development and single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/contractai/chat-gateway/internal/models"
	"github.com/contractai/chat-gateway/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Compile-time check to ensure SQLiteStore implements store.Store
var _ store.Store = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	owner      TEXT    NOT NULL DEFAULT '',
	model_id   TEXT    NOT NULL,
	title      TEXT    NOT NULL DEFAULT 'New Conversation',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner, updated_at DESC);
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT    NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	seq             INTEGER NOT NULL,
	role            TEXT    NOT NULL CHECK (role IN ('user', 'assistant')),
	content         TEXT    NOT NULL DEFAULT '',
	complete        INTEGER NOT NULL DEFAULT 0,
	is_error        INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	UNIQUE (conversation_id, seq)
);
CREATE TABLE IF NOT EXISTS active_conversations (
	owner           TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE
);
`

type SQLiteStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	now    func() time.Time
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string, logger *zap.SugaredLogger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger.With("component", "sqlite_store"), now: time.Now}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the schema. It is safe to run repeatedly.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, arg store.CreateConversationParams) (*models.Conversation, error) {
	id := arg.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, owner, model_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id.String(), arg.Owner, arg.ModelID, arg.Title, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("database error creating conversation: %w", err)
	}
	return &models.Conversation{
		ID:        id,
		Owner:     arg.Owner,
		ModelID:   arg.ModelID,
		Title:     arg.Title,
		Messages:  []models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var conv models.Conversation
	var created, updated int64
	if err := row.Scan(&conv.ID, &conv.Owner, &conv.ModelID, &conv.Title, &created, &updated); err != nil {
		return nil, err
	}
	conv.CreatedAt = time.Unix(0, created).UTC()
	conv.UpdatedAt = time.Unix(0, updated).UTC()
	return &conv, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var role string
	var created int64
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Seq, &role, &msg.Content, &msg.Complete, &msg.IsError, &created); err != nil {
		return nil, err
	}
	msg.Role = models.Role(role)
	msg.Timestamp = time.Unix(0, created).UTC()
	return &msg, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT id, owner, model_id, title, created_at, updated_at FROM conversations WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("error scanning conversation: %w", err)
	}
	msgs, err := s.listMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Messages = msgs
	return conv, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, owner string) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, model_id, title, created_at, updated_at FROM conversations WHERE owner = ? ORDER BY updated_at DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("error querying conversations: %w", err)
	}

	convs := make([]models.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("error scanning conversation row: %w", err)
		}
		convs = append(convs, *conv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversation rows: %w", err)
	}

	// One connection: messages are loaded after the conversation cursor is closed.
	for i := range convs {
		msgs, err := s.listMessages(ctx, convs[i].ID)
		if err != nil {
			return nil, err
		}
		convs[i].Messages = msgs
	}
	return convs, nil
}

func (s *SQLiteStore) listMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, seq, role, content, complete, is_error, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, conversationID.String())
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]models.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning message row: %w", err)
		}
		msgs = append(msgs, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return msgs, nil
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM active_conversations WHERE conversation_id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to clear active reference: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("error executing delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, arg store.AppendMessageParams) (*models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, arg.ConversationID.String()).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM messages WHERE conversation_id = ?`, arg.ConversationID.String()).Scan(&seq); err != nil {
		return nil, fmt.Errorf("failed to compute next sequence: %w", err)
	}

	id := arg.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := s.now().UTC()
	msg := models.Message{
		ID:             id,
		ConversationID: arg.ConversationID,
		Seq:            seq,
		Role:           arg.Role,
		Content:        arg.Content,
		Complete:       arg.Complete,
		IsError:        arg.IsError,
		Timestamp:      now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, seq, role, content, complete, is_error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID.String(), msg.ConversationID.String(), msg.Seq, string(msg.Role), msg.Content, msg.Complete, msg.IsError, now.UnixNano(),
	); err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	if seq == 0 && arg.TitleIfFirst != nil {
		_, err = tx.ExecContext(ctx, `UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
			*arg.TitleIfFirst, now.UnixNano(), arg.ConversationID.String())
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`,
			now.UnixNano(), arg.ConversationID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return &msg, nil
}

func (s *SQLiteStore) UpdateMessage(ctx context.Context, arg store.UpdateMessageParams) (*models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET content = ?, complete = ?, is_error = ? WHERE id = ? AND conversation_id = ?`,
		arg.Content, arg.Complete, arg.IsError, arg.ID.String(), arg.ConversationID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`,
		s.now().UTC().UnixNano(), arg.ConversationID.String()); err != nil {
		return nil, fmt.Errorf("failed to touch conversation: %w", err)
	}

	msg, err := scanMessage(tx.QueryRowContext(ctx,
		`SELECT id, conversation_id, seq, role, content, complete, is_error, created_at FROM messages WHERE id = ?`, arg.ID.String()))
	if err != nil {
		return nil, fmt.Errorf("error scanning updated message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message update: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) SetActiveConversation(ctx context.Context, owner string, id uuid.UUID) error {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id.String()).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO active_conversations (owner, conversation_id) VALUES (?, ?)
		 ON CONFLICT(owner) DO UPDATE SET conversation_id = excluded.conversation_id`, owner, id.String())
	if err != nil {
		return fmt.Errorf("failed to set active conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetActiveConversation(ctx context.Context, owner string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.QueryRowContext(ctx, `SELECT conversation_id FROM active_conversations WHERE owner = ?`, owner).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, store.ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("failed to get active conversation: %w", err)
	}
	return id, nil
}
