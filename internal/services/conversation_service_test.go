package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/contractai/chat-gateway/internal/logging"
	"github.com/contractai/chat-gateway/internal/models"
	"github.com/contractai/chat-gateway/internal/store"
	"github.com/contractai/chat-gateway/internal/store/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *ConversationService {
	t.Helper()
	return NewConversationService(memory.NewMemoryStore(), models.DefaultCatalog(), logging.Nop())
}

func TestCreateConversation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "0xa", "auditor")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultConversationTitle, conv.Title)
	assert.Equal(t, "auditor", conv.ModelID)
	assert.Empty(t, conv.Messages)

	_, err = svc.CreateConversation(ctx, "0xa", "nope")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestTitleIsDerivedOnceFromFirstUserMessage(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	conv, err := svc.CreateConversation(ctx, "", "basic")
	require.NoError(t, err)

	first := strings.Repeat("a", 60)
	_, err = svc.AppendMessage(ctx, conv.ID, models.RoleUser, first)
	require.NoError(t, err)

	got, err := svc.GetConversation(ctx, "", conv.ID)
	require.NoError(t, err)
	want := strings.Repeat("a", 50) + "..."
	assert.Equal(t, want, got.Title)

	_, err = svc.AppendMessage(ctx, conv.ID, models.RoleAssistant, "reply")
	require.NoError(t, err)
	_, err = svc.AppendMessage(ctx, conv.ID, models.RoleUser, "a different question")
	require.NoError(t, err)
	_, err = svc.AppendMessage(ctx, conv.ID, models.RoleUser, "and another one")
	require.NoError(t, err)

	got, err = svc.GetConversation(ctx, "", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, want, got.Title)
	assert.Len(t, got.Messages, 4)
}

func TestAssistantFirstDoesNotSetTitle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	conv, err := svc.CreateConversation(ctx, "", "basic")
	require.NoError(t, err)

	_, err = svc.AppendMessage(ctx, conv.ID, models.RoleAssistant, "greeting")
	require.NoError(t, err)
	_, err = svc.AppendMessage(ctx, conv.ID, models.RoleUser, "question")
	require.NoError(t, err)

	got, err := svc.GetConversation(ctx, "", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultConversationTitle, got.Title)
}

func TestAppendMessageValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	conv, err := svc.CreateConversation(ctx, "", "basic")
	require.NoError(t, err)

	_, err = svc.AppendMessage(ctx, conv.ID, models.Role("system"), "x")
	assert.ErrorIs(t, err, ErrInvalidRole)

	_, err = svc.AppendMessage(ctx, conv.ID, models.RoleUser, "   ")
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = svc.AppendMessage(ctx, uuid.New(), models.RoleUser, "hi")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReplaceOrFinalizePlaceholder(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	conv, err := svc.CreateConversation(ctx, "", "basic")
	require.NoError(t, err)

	_, err = svc.AppendMessage(ctx, conv.ID, models.RoleUser, "hi")
	require.NoError(t, err)
	placeholder, err := svc.AppendPlaceholder(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, placeholder.IsPlaceholder())

	msg, err := svc.ReplaceOrFinalizeLastAssistantPlaceholder(ctx, conv.ID, "Hello", true, false)
	require.NoError(t, err)
	assert.Equal(t, placeholder.ID, msg.ID)

	got, err := svc.GetConversation(ctx, "", conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "Hello", got.Messages[1].Content)
	assert.True(t, got.Messages[1].Complete)

	// Without a trailing placeholder the content lands in a new assistant message.
	msg, err = svc.ReplaceOrFinalizeLastAssistantPlaceholder(ctx, conv.ID, "late", false, true)
	require.NoError(t, err)
	assert.NotEqual(t, placeholder.ID, msg.ID)

	got, err = svc.GetConversation(ctx, "", conv.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 3)
}

func TestOwnershipIsEnforced(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	conv, err := svc.CreateConversation(ctx, "0xa", "basic")
	require.NoError(t, err)

	_, err = svc.GetConversation(ctx, "0xb", conv.ID)
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.ErrorIs(t, svc.DeleteConversation(ctx, "0xb", conv.ID), ErrNotOwner)
	assert.ErrorIs(t, svc.SetActiveConversation(ctx, "0xb", conv.ID), ErrNotOwner)
}

func TestDeleteClearsActiveConversation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	conv, err := svc.CreateConversation(ctx, "0xa", "basic")
	require.NoError(t, err)
	other, err := svc.CreateConversation(ctx, "0xa", "basic")
	require.NoError(t, err)

	require.NoError(t, svc.SetActiveConversation(ctx, "0xa", conv.ID))
	require.NoError(t, svc.DeleteConversation(ctx, "0xa", conv.ID))

	_, err = svc.GetActiveConversation(ctx, "0xa")
	assert.ErrorIs(t, err, store.ErrNotFound)

	convs, err := svc.ListConversations(ctx, "0xa")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, other.ID, convs[0].ID)
}

func TestExportMarkdown(t *testing.T) {
	svc := newTestService(t)
	svc.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	conv, err := svc.CreateConversation(ctx, "", "auditor")
	require.NoError(t, err)
	_, err = svc.AppendMessage(ctx, conv.ID, models.RoleUser, "check this")
	require.NoError(t, err)
	_, err = svc.AppendMessage(ctx, conv.ID, models.RoleAssistant, "looks fine")
	require.NoError(t, err)

	out, err := svc.ExportMarkdown(ctx, "", conv.ID)
	require.NoError(t, err)

	want := "# Chat Export - Auditor\n" +
		"Date: 2024-05-01 12:00:00 UTC\n\n" +
		"**You:**\ncheck this\n\n---\n\n**Auditor:**\nlooks fine\n"
	assert.Equal(t, want, out)
}
