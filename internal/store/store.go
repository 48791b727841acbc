package store

import (
	"context"
	"errors"

	"github.com/contractai/chat-gateway/internal/models"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a specific record is not found.
var ErrNotFound = errors.New("record not found")

// CreateConversationParams contains parameters for creating a conversation.
type CreateConversationParams struct {
	ID      uuid.UUID
	Owner   string
	ModelID string
	Title   string
}

// AppendMessageParams contains parameters for appending a message.
// The store assigns Seq; TitleIfFirst is applied only when the message lands at Seq 0.
type AppendMessageParams struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Role           models.Role
	Content        string
	Complete       bool
	IsError        bool
	TitleIfFirst   *string
}

// UpdateMessageParams rewrites a message in place. Role and position never change.
type UpdateMessageParams struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Content        string
	Complete       bool
	IsError        bool
}

// Store defines the interface for conversation persistence.
// This allows for mocking in tests and switching between postgres and sqlite.
type Store interface {
	// Conversation operations
	CreateConversation(ctx context.Context, arg CreateConversationParams) (*models.Conversation, error)
	GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) // Messages ordered by Seq
	ListConversations(ctx context.Context, owner string) ([]models.Conversation, error)
	// DeleteConversation removes the conversation, its messages and any active reference in one transaction.
	DeleteConversation(ctx context.Context, id uuid.UUID) error

	// Message operations
	AppendMessage(ctx context.Context, arg AppendMessageParams) (*models.Message, error)
	UpdateMessage(ctx context.Context, arg UpdateMessageParams) (*models.Message, error)

	// Active conversation reference, one per owner
	SetActiveConversation(ctx context.Context, owner string, id uuid.UUID) error
	GetActiveConversation(ctx context.Context, owner string) (uuid.UUID, error)

	Close() error
}
