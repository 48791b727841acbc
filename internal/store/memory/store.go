// Package memory is a process-local store.Store. State is lost on exit,
// so it backs tests and throwaway development runs only.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/contractai/chat-gateway/internal/models"
	"github.com/contractai/chat-gateway/internal/store"
	"github.com/google/uuid"
)

// Compile-time check to ensure MemoryStore implements store.Store
var _ store.Store = (*MemoryStore)(nil)

type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[uuid.UUID]*models.Conversation
	active        map[string]uuid.UUID
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[uuid.UUID]*models.Conversation),
		active:        make(map[string]uuid.UUID),
		now:           time.Now,
	}
}

func (s *MemoryStore) CreateConversation(_ context.Context, arg store.CreateConversationParams) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := arg.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := s.now()
	conv := &models.Conversation{
		ID:        id,
		Owner:     arg.Owner,
		ModelID:   arg.ModelID,
		Title:     arg.Title,
		Messages:  []models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations[id] = conv
	return copyConversation(conv), nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id uuid.UUID) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyConversation(conv), nil
}

func (s *MemoryStore) ListConversations(_ context.Context, owner string) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Conversation, 0)
	for _, conv := range s.conversations {
		if conv.Owner == owner {
			out = append(out, *copyConversation(conv))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.conversations, id)
	for owner, activeID := range s.active {
		if activeID == id {
			delete(s.active, owner)
		}
	}
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, arg store.AppendMessageParams) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[arg.ConversationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	id := arg.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := s.now()
	msg := models.Message{
		ID:             id,
		ConversationID: conv.ID,
		Seq:            len(conv.Messages),
		Role:           arg.Role,
		Content:        arg.Content,
		Complete:       arg.Complete,
		IsError:        arg.IsError,
		Timestamp:      now,
	}
	if msg.Seq == 0 && arg.TitleIfFirst != nil {
		conv.Title = *arg.TitleIfFirst
	}
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = now
	return &msg, nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, arg store.UpdateMessageParams) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[arg.ConversationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	for i := range conv.Messages {
		if conv.Messages[i].ID != arg.ID {
			continue
		}
		conv.Messages[i].Content = arg.Content
		conv.Messages[i].Complete = arg.Complete
		conv.Messages[i].IsError = arg.IsError
		conv.UpdatedAt = s.now()
		msg := conv.Messages[i]
		return &msg, nil
	}
	return nil, store.ErrNotFound
}

func (s *MemoryStore) SetActiveConversation(_ context.Context, owner string, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[id]; !ok {
		return store.ErrNotFound
	}
	s.active[owner] = id
	return nil
}

func (s *MemoryStore) GetActiveConversation(_ context.Context, owner string) (uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[owner]
	if !ok {
		return uuid.Nil, store.ErrNotFound
	}
	return id, nil
}

func (s *MemoryStore) Close() error { return nil }

func copyConversation(c *models.Conversation) *models.Conversation {
	out := *c
	out.Messages = append([]models.Message(nil), c.Messages...)
	if out.Messages == nil {
		out.Messages = []models.Message{}
	}
	return &out
}
