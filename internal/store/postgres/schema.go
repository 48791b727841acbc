package postgres

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id         UUID PRIMARY KEY,
		owner      TEXT        NOT NULL DEFAULT '',
		model_id   TEXT        NOT NULL,
		title      TEXT        NOT NULL DEFAULT 'New Conversation',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner, updated_at DESC)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id              UUID PRIMARY KEY,
		conversation_id UUID        NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		seq             INTEGER     NOT NULL,
		role            TEXT        NOT NULL CHECK (role IN ('user', 'assistant')),
		content         TEXT        NOT NULL DEFAULT '',
		complete        BOOLEAN     NOT NULL DEFAULT FALSE,
		is_error        BOOLEAN     NOT NULL DEFAULT FALSE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (conversation_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS active_conversations (
		owner           TEXT PRIMARY KEY,
		conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE
	)`,
}

// Migrate creates the tables used by the store. It is safe to run repeatedly.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
