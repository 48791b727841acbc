package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/contractai/chat-gateway/internal/models"
	"github.com/contractai/chat-gateway/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrUnknownModel  = errors.New("unknown model")
	ErrInvalidRole   = errors.New("invalid message role")
	ErrEmptyContent  = errors.New("message content is required")
	ErrNotOwner      = errors.New("conversation belongs to another address")
	ErrNoPlaceholder = errors.New("no assistant placeholder to finalize")
)

// ConversationService handles conversation business logic on top of a store.Store.
type ConversationService struct {
	store   store.Store
	catalog *models.Catalog
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// NewConversationService creates a new ConversationService.
func NewConversationService(s store.Store, catalog *models.Catalog, logger *zap.SugaredLogger) *ConversationService {
	return &ConversationService{
		store:   s,
		catalog: catalog,
		logger:  logger.With("component", "conversation_service"),
		now:     time.Now,
	}
}

// CreateConversation starts an empty conversation bound to modelID.
func (s *ConversationService) CreateConversation(ctx context.Context, owner, modelID string) (*models.Conversation, error) {
	if _, ok := s.catalog.Get(modelID); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
	}

	conv, err := s.store.CreateConversation(ctx, store.CreateConversationParams{
		ID:      uuid.New(),
		Owner:   owner,
		ModelID: modelID,
		Title:   models.DefaultConversationTitle,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation in store: %w", err)
	}

	s.logger.Infow("conversation created", "conversation_id", conv.ID, "model_id", modelID)
	return conv, nil
}

// GetConversation returns the conversation if owner may see it.
func (s *ConversationService) GetConversation(ctx context.Context, owner string, id uuid.UUID) (*models.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err // Propagate not found error
		}
		return nil, fmt.Errorf("failed to get conversation from store: %w", err)
	}
	if !strings.EqualFold(conv.Owner, owner) {
		return nil, ErrNotOwner
	}
	return conv, nil
}

// ListConversations returns the owner's conversations, most recently updated first.
func (s *ConversationService) ListConversations(ctx context.Context, owner string) ([]models.Conversation, error) {
	convs, err := s.store.ListConversations(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations from store: %w", err)
	}
	return convs, nil
}

// AppendMessage appends a complete message. The first user message freezes the title.
func (s *ConversationService) AppendMessage(ctx context.Context, conversationID uuid.UUID, role models.Role, content string) (*models.Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if role == models.RoleUser && strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	params := store.AppendMessageParams{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Complete:       true,
	}
	if role == models.RoleUser {
		title := models.DeriveTitle(content)
		params.TitleIfFirst = &title
	}

	msg, err := s.store.AppendMessage(ctx, params)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	return msg, nil
}

// AppendAssistantError records a failed turn as an assistant message.
func (s *ConversationService) AppendAssistantError(ctx context.Context, conversationID uuid.UUID, reason string) (*models.Message, error) {
	msg, err := s.store.AppendMessage(ctx, store.AppendMessageParams{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Content:        models.ErrorMessageContent(reason),
		Complete:       true,
		IsError:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append error message: %w", err)
	}
	return msg, nil
}

// AppendPlaceholder appends the empty assistant message a streaming turn fills in.
func (s *ConversationService) AppendPlaceholder(ctx context.Context, conversationID uuid.UUID) (*models.Message, error) {
	msg, err := s.store.AppendMessage(ctx, store.AppendMessageParams{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append placeholder: %w", err)
	}
	return msg, nil
}

// ReplaceOrFinalizeLastAssistantPlaceholder rewrites the trailing placeholder in place.
// When the conversation does not end in a placeholder, the content is appended as a new
// assistant message instead, so a turn never ends without its assistant slot.
func (s *ConversationService) ReplaceOrFinalizeLastAssistantPlaceholder(ctx context.Context, conversationID uuid.UUID, content string, complete, isError bool) (*models.Message, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	if last, ok := conv.LastMessage(); ok && last.IsPlaceholder() {
		msg, err := s.store.UpdateMessage(ctx, store.UpdateMessageParams{
			ID:             last.ID,
			ConversationID: conversationID,
			Content:        content,
			Complete:       complete,
			IsError:        isError,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to finalize placeholder: %w", err)
		}
		return msg, nil
	}

	s.logger.Warnw("no placeholder to finalize, appending", "conversation_id", conversationID)
	msg, err := s.store.AppendMessage(ctx, store.AppendMessageParams{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Content:        content,
		Complete:       complete,
		IsError:        isError,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append assistant message: %w", err)
	}
	return msg, nil
}

// DeleteConversation removes the conversation, its messages and any active reference to it.
func (s *ConversationService) DeleteConversation(ctx context.Context, owner string, id uuid.UUID) error {
	if _, err := s.GetConversation(ctx, owner, id); err != nil {
		return err
	}
	if err := s.store.DeleteConversation(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	s.logger.Infow("conversation deleted", "conversation_id", id)
	return nil
}

// SetActiveConversation points the owner's active reference at id.
func (s *ConversationService) SetActiveConversation(ctx context.Context, owner string, id uuid.UUID) error {
	if _, err := s.GetConversation(ctx, owner, id); err != nil {
		return err
	}
	if err := s.store.SetActiveConversation(ctx, owner, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to set active conversation: %w", err)
	}
	return nil
}

// GetActiveConversation returns the owner's active conversation ID, or store.ErrNotFound.
func (s *ConversationService) GetActiveConversation(ctx context.Context, owner string) (uuid.UUID, error) {
	id, err := s.store.GetActiveConversation(ctx, owner)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return uuid.Nil, err
		}
		return uuid.Nil, fmt.Errorf("failed to get active conversation: %w", err)
	}
	return id, nil
}

// ExportMarkdown renders the conversation as a markdown transcript.
func (s *ConversationService) ExportMarkdown(ctx context.Context, owner string, id uuid.UUID) (string, error) {
	conv, err := s.GetConversation(ctx, owner, id)
	if err != nil {
		return "", err
	}

	modelName := conv.ModelID
	if m, ok := s.catalog.Get(conv.ModelID); ok {
		modelName = m.Name
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Chat Export - %s\n", modelName)
	fmt.Fprintf(&b, "Date: %s\n\n", s.now().UTC().Format("2006-01-02 15:04:05 MST"))

	for i, msg := range conv.Messages {
		if i > 0 {
			b.WriteString("\n\n---\n\n")
		}
		speaker := modelName
		if msg.Role == models.RoleUser {
			speaker = "You"
		}
		fmt.Fprintf(&b, "**%s:**\n%s", speaker, msg.Content)
	}
	b.WriteString("\n")
	return b.String(), nil
}
