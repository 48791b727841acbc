// Package storetest holds the behaviour every store.Store implementation must share.
package storetest

import (
	"context"
	"testing"

	"github.com/contractai/chat-gateway/internal/models"
	"github.com/contractai/chat-gateway/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises s against the store contract. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		conv, err := s.CreateConversation(ctx, store.CreateConversationParams{
			Owner:   "0xabc",
			ModelID: "basic",
			Title:   models.DefaultConversationTitle,
		})
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, conv.ID)
		assert.Empty(t, conv.Messages)

		got, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, "basic", got.ModelID)
		assert.Equal(t, models.DefaultConversationTitle, got.Title)
		assert.Equal(t, "0xabc", got.Owner)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetConversation(context.Background(), uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("AppendAssignsSequenceAndTitleOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		conv, err := s.CreateConversation(ctx, store.CreateConversationParams{ModelID: "basic", Title: models.DefaultConversationTitle})
		require.NoError(t, err)

		first := "first question"
		m0, err := s.AppendMessage(ctx, store.AppendMessageParams{
			ConversationID: conv.ID, Role: models.RoleUser, Content: first, Complete: true, TitleIfFirst: &first,
		})
		require.NoError(t, err)
		assert.Equal(t, 0, m0.Seq)

		second := "second question"
		m1, err := s.AppendMessage(ctx, store.AppendMessageParams{
			ConversationID: conv.ID, Role: models.RoleUser, Content: second, Complete: true, TitleIfFirst: &second,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, m1.Seq)

		got, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, first, got.Title)
		require.Len(t, got.Messages, 2)
		assert.Equal(t, first, got.Messages[0].Content)
		assert.Equal(t, second, got.Messages[1].Content)
	})

	t.Run("AppendToMissingConversation", func(t *testing.T) {
		s := newStore(t)
		_, err := s.AppendMessage(context.Background(), store.AppendMessageParams{
			ConversationID: uuid.New(), Role: models.RoleUser, Content: "hi",
		})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("UpdateMessage", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		conv, err := s.CreateConversation(ctx, store.CreateConversationParams{ModelID: "basic", Title: models.DefaultConversationTitle})
		require.NoError(t, err)
		placeholder, err := s.AppendMessage(ctx, store.AppendMessageParams{ConversationID: conv.ID, Role: models.RoleAssistant})
		require.NoError(t, err)

		updated, err := s.UpdateMessage(ctx, store.UpdateMessageParams{
			ID: placeholder.ID, ConversationID: conv.ID, Content: "done", Complete: true,
		})
		require.NoError(t, err)
		assert.Equal(t, "done", updated.Content)
		assert.True(t, updated.Complete)
		assert.Equal(t, placeholder.Seq, updated.Seq)
		assert.Equal(t, models.RoleAssistant, updated.Role)

		_, err = s.UpdateMessage(ctx, store.UpdateMessageParams{ID: uuid.New(), ConversationID: conv.ID})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("ListByOwner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, owner := range []string{"0xa", "0xa", "0xb"} {
			_, err := s.CreateConversation(ctx, store.CreateConversationParams{Owner: owner, ModelID: "basic", Title: models.DefaultConversationTitle})
			require.NoError(t, err)
		}
		convs, err := s.ListConversations(ctx, "0xa")
		require.NoError(t, err)
		assert.Len(t, convs, 2)

		convs, err = s.ListConversations(ctx, "0xc")
		require.NoError(t, err)
		assert.Empty(t, convs)
	})

	t.Run("DeleteClearsActiveReference", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		conv, err := s.CreateConversation(ctx, store.CreateConversationParams{Owner: "0xa", ModelID: "basic", Title: models.DefaultConversationTitle})
		require.NoError(t, err)
		_, err = s.AppendMessage(ctx, store.AppendMessageParams{ConversationID: conv.ID, Role: models.RoleUser, Content: "hi", Complete: true})
		require.NoError(t, err)
		require.NoError(t, s.SetActiveConversation(ctx, "0xa", conv.ID))

		active, err := s.GetActiveConversation(ctx, "0xa")
		require.NoError(t, err)
		assert.Equal(t, conv.ID, active)

		require.NoError(t, s.DeleteConversation(ctx, conv.ID))

		_, err = s.GetConversation(ctx, conv.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.GetActiveConversation(ctx, "0xa")
		assert.ErrorIs(t, err, store.ErrNotFound)

		assert.ErrorIs(t, s.DeleteConversation(ctx, conv.ID), store.ErrNotFound)
	})

	t.Run("SetActiveMissing", func(t *testing.T) {
		s := newStore(t)
		err := s.SetActiveConversation(context.Background(), "0xa", uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}
