package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/contractai/chat-gateway/internal/models"
	"github.com/contractai/chat-gateway/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Compile-time check to ensure PostgresStore implements store.Store
var _ store.Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db     *pgxpool.Pool
	logger *zap.SugaredLogger
}

func NewPostgresStore(db *pgxpool.Pool, logger *zap.SugaredLogger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger.With("component", "postgres_store")}
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// --- Conversation Methods ---

const createConversation = `-- name: CreateConversation :one
INSERT INTO conversations (id, owner, model_id, title)
VALUES ($1, $2, $3, $4)
RETURNING id, owner, model_id, title, created_at, updated_at;
`

func (s *PostgresStore) CreateConversation(ctx context.Context, arg store.CreateConversationParams) (*models.Conversation, error) {
	id := arg.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	var conv models.Conversation
	err := s.db.QueryRow(ctx, createConversation, id, arg.Owner, arg.ModelID, arg.Title).Scan(
		&conv.ID,
		&conv.Owner,
		&conv.ModelID,
		&conv.Title,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			s.logger.Errorw("insert conversation failed", "code", pgErr.Code, "message", pgErr.Message, "detail", pgErr.Detail)
		}
		return nil, fmt.Errorf("database error creating conversation: %w", err)
	}
	conv.Messages = []models.Message{}

	s.logger.Debugw("conversation created", "conversation_id", conv.ID, "model_id", conv.ModelID)
	return &conv, nil
}

const getConversation = `-- name: GetConversation :one
SELECT id, owner, model_id, title, created_at, updated_at
FROM conversations
WHERE id = $1;
`

func (s *PostgresStore) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.QueryRow(ctx, getConversation, id).Scan(
		&conv.ID,
		&conv.Owner,
		&conv.ModelID,
		&conv.Title,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("error scanning conversation: %w", err)
	}

	msgs, err := s.listMessages(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	conv.Messages = msgs
	return &conv, nil
}

const listConversations = `-- name: ListConversations :many
SELECT id, owner, model_id, title, created_at, updated_at
FROM conversations
WHERE owner = $1
ORDER BY updated_at DESC;
`

func (s *PostgresStore) ListConversations(ctx context.Context, owner string) ([]models.Conversation, error) {
	rows, err := s.db.Query(ctx, listConversations, owner)
	if err != nil {
		return nil, fmt.Errorf("error querying conversations: %w", err)
	}

	convs := make([]models.Conversation, 0)
	for rows.Next() {
		var conv models.Conversation
		if err := rows.Scan(
			&conv.ID,
			&conv.Owner,
			&conv.ModelID,
			&conv.Title,
			&conv.CreatedAt,
			&conv.UpdatedAt,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("error scanning conversation row: %w", err)
		}
		convs = append(convs, conv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversation rows: %w", err)
	}

	for i := range convs {
		msgs, err := s.listMessages(ctx, s.db, convs[i].ID)
		if err != nil {
			return nil, err
		}
		convs[i].Messages = msgs
	}
	return convs, nil
}

const deleteConversation = `-- name: DeleteConversation :exec
DELETE FROM conversations
WHERE id = $1;
`

// DeleteConversation relies on ON DELETE CASCADE for messages and the active reference,
// but clears both explicitly so the transaction does not depend on schema drift.
func (s *PostgresStore) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM active_conversations WHERE conversation_id = $1`, id); err != nil {
		return fmt.Errorf("failed to clear active reference: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	tag, err := tx.Exec(ctx, deleteConversation, id)
	if err != nil {
		return fmt.Errorf("error executing delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	s.logger.Debugw("conversation deleted", "conversation_id", id)
	return nil
}

// --- Message Methods ---

const listMessages = `-- name: ListMessages :many
SELECT id, conversation_id, seq, role, content, complete, is_error, created_at
FROM messages
WHERE conversation_id = $1
ORDER BY seq ASC;
`

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) listMessages(ctx context.Context, q querier, conversationID uuid.UUID) ([]models.Message, error) {
	rows, err := q.Query(ctx, listMessages, conversationID)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		var role string
		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.Seq,
			&role,
			&msg.Content,
			&msg.Complete,
			&msg.IsError,
			&msg.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("error scanning message row: %w", err)
		}
		msg.Role = models.Role(role)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return msgs, nil
}

const insertMessage = `-- name: InsertMessage :one
INSERT INTO messages (id, conversation_id, seq, role, content, complete, is_error)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING created_at;
`

// AppendMessage locks the conversation row so concurrent appends get consecutive sequence numbers.
func (s *PostgresStore) AppendMessage(ctx context.Context, arg store.AppendMessageParams) (*models.Message, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked uuid.UUID
	err = tx.QueryRow(ctx, `SELECT id FROM conversations WHERE id = $1 FOR UPDATE`, arg.ConversationID).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock conversation: %w", err)
	}

	var seq int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq) + 1, 0) FROM messages WHERE conversation_id = $1`, arg.ConversationID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("failed to compute next sequence: %w", err)
	}

	id := arg.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	msg := models.Message{
		ID:             id,
		ConversationID: arg.ConversationID,
		Seq:            seq,
		Role:           arg.Role,
		Content:        arg.Content,
		Complete:       arg.Complete,
		IsError:        arg.IsError,
	}
	if err := tx.QueryRow(ctx, insertMessage,
		msg.ID,
		msg.ConversationID,
		msg.Seq,
		string(msg.Role),
		msg.Content,
		msg.Complete,
		msg.IsError,
	).Scan(&msg.Timestamp); err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	if seq == 0 && arg.TitleIfFirst != nil {
		_, err = tx.Exec(ctx, `UPDATE conversations SET title = $1, updated_at = NOW() WHERE id = $2`, *arg.TitleIfFirst, arg.ConversationID)
	} else {
		_, err = tx.Exec(ctx, `UPDATE conversations SET updated_at = NOW() WHERE id = $1`, arg.ConversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to touch conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return &msg, nil
}

const updateMessage = `-- name: UpdateMessage :one
UPDATE messages
SET content = $1, complete = $2, is_error = $3
WHERE id = $4 AND conversation_id = $5
RETURNING id, conversation_id, seq, role, content, complete, is_error, created_at;
`

func (s *PostgresStore) UpdateMessage(ctx context.Context, arg store.UpdateMessageParams) (*models.Message, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var msg models.Message
	var role string
	err = tx.QueryRow(ctx, updateMessage, arg.Content, arg.Complete, arg.IsError, arg.ID, arg.ConversationID).Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.Seq,
		&role,
		&msg.Content,
		&msg.Complete,
		&msg.IsError,
		&msg.Timestamp,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("error scanning updated message: %w", err)
	}
	msg.Role = models.Role(role)

	if _, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = NOW() WHERE id = $1`, arg.ConversationID); err != nil {
		return nil, fmt.Errorf("failed to touch conversation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit message update: %w", err)
	}
	return &msg, nil
}

// --- Active Conversation Methods ---

const setActiveConversation = `-- name: SetActiveConversation :exec
INSERT INTO active_conversations (owner, conversation_id)
VALUES ($1, $2)
ON CONFLICT (owner) DO UPDATE SET conversation_id = EXCLUDED.conversation_id;
`

func (s *PostgresStore) SetActiveConversation(ctx context.Context, owner string, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, setActiveConversation, owner, id)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23503 is foreign_key_violation: the conversation does not exist
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return store.ErrNotFound
		}
		return fmt.Errorf("failed to set active conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActiveConversation(ctx context.Context, owner string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.QueryRow(ctx, `SELECT conversation_id FROM active_conversations WHERE owner = $1`, owner).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, store.ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("failed to get active conversation: %w", err)
	}
	return id, nil
}
