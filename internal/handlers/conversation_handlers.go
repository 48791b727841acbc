package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/contractai/chat-gateway/internal/entitlement"
	"github.com/contractai/chat-gateway/internal/models"
	"github.com/contractai/chat-gateway/internal/orchestrator"
	"github.com/contractai/chat-gateway/internal/services"
	"github.com/contractai/chat-gateway/internal/store"
	"github.com/contractai/chat-gateway/pkg/httputil"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConversationHandlers handles stored conversations and their turns.
type ConversationHandlers struct {
	conversations *services.ConversationService
	orch          *orchestrator.Orchestrator
	logger        *zap.SugaredLogger
}

func NewConversationHandlers(conversations *services.ConversationService, orch *orchestrator.Orchestrator, logger *zap.SugaredLogger) *ConversationHandlers {
	return &ConversationHandlers{
		conversations: conversations,
		orch:          orch,
		logger:        logger,
	}
}

// HandleCreateConversation handles POST /v1/conversations.
func (h *ConversationHandlers) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req models.CreateConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ModelID == "" {
		httputil.RespondError(w, http.StatusBadRequest, "model_id is required")
		return
	}

	conv, err := h.conversations.CreateConversation(r.Context(), resolveAddress(r, req.Address), req.ModelID)
	if err != nil {
		h.respondError(w, err, "Failed to create conversation")
		return
	}
	httputil.RespondJSON(w, http.StatusCreated, h.view(conv))
}

// HandleListConversations handles GET /v1/conversations.
func (h *ConversationHandlers) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.conversations.ListConversations(r.Context(), resolveAddress(r, ""))
	if err != nil {
		h.respondError(w, err, "Failed to list conversations")
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	httputil.RespondJSON(w, http.StatusOK, models.ListConversationsResponse{Conversations: convs})
}

// HandleGetConversation handles GET /v1/conversations/{conversationID}.
func (h *ConversationHandlers) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "conversationID")
	if err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid conversation ID")
		return
	}

	conv, err := h.conversations.GetConversation(r.Context(), resolveAddress(r, ""), id)
	if err != nil {
		h.respondError(w, err, "Failed to get conversation")
		return
	}
	httputil.RespondJSON(w, http.StatusOK, h.view(conv))
}

// HandleDeleteConversation handles DELETE /v1/conversations/{conversationID}.
func (h *ConversationHandlers) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "conversationID")
	if err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid conversation ID")
		return
	}
	err = h.orch.DeleteConversation(r.Context(), resolveAddress(r, ""), id)
	if errors.Is(err, orchestrator.ErrTurnInProgress) {
		httputil.RespondError(w, http.StatusConflict, "A reply is still being generated for this conversation")
		return
	}
	if err != nil {
		h.respondError(w, err, "Failed to delete conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSubmitMessage handles POST /v1/conversations/{conversationID}/messages and
// streams the reply.
func (h *ConversationHandlers) HandleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "conversationID")
	if err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid conversation ID")
		return
	}
	var req models.SubmitMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp := newStreamResponse(w)
	result, err := h.orch.Submit(r.Context(), orchestrator.SubmitRequest{
		ConversationID: id,
		Address:        resolveAddress(r, req.Address),
		Content:        req.Content,
	}, resp)
	if err != nil {
		if resp.started {
			if !errors.Is(err, orchestrator.ErrTurnCanceled) {
				h.logger.Warnw("turn ended with error", "conversation_id", id, "error", err)
				resp.fail(streamErrorText(err))
			}
			return
		}
		var decision *entitlement.Decision
		if result != nil {
			decision = &result.Decision
		}
		respondTurnError(w, h.logger, err, decision)
		return
	}
	resp.start()
}

// HandleGetActiveConversation handles GET /v1/conversations/active.
func (h *ConversationHandlers) HandleGetActiveConversation(w http.ResponseWriter, r *http.Request) {
	id, err := h.conversations.GetActiveConversation(r.Context(), resolveAddress(r, ""))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.respondError(w, err, "Failed to get active conversation")
		return
	}
	resp := models.ActiveConversationResponse{}
	if err == nil {
		resp.ConversationID = &id
	}
	httputil.RespondJSON(w, http.StatusOK, resp)
}

// HandleSetActiveConversation handles PUT /v1/conversations/active.
func (h *ConversationHandlers) HandleSetActiveConversation(w http.ResponseWriter, r *http.Request) {
	var req models.SetActiveConversationRequest
	if err := decodeJSON(r, &req); err != nil || req.ConversationID == uuid.Nil {
		httputil.RespondError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	if err := h.conversations.SetActiveConversation(r.Context(), resolveAddress(r, req.Address), req.ConversationID); err != nil {
		h.respondError(w, err, "Failed to set active conversation")
		return
	}
	httputil.RespondJSON(w, http.StatusOK, models.ActiveConversationResponse{ConversationID: &req.ConversationID})
}

// HandleExportConversation handles GET /v1/conversations/{conversationID}/export.
func (h *ConversationHandlers) HandleExportConversation(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "conversationID")
	if err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid conversation ID")
		return
	}

	doc, err := h.conversations.ExportMarkdown(r.Context(), resolveAddress(r, ""), id)
	if err != nil {
		h.respondError(w, err, "Failed to export conversation")
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="chat-export-%s.md"`, id))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

// view overlays the in-flight reply, if any, on the stored conversation.
func (h *ConversationHandlers) view(conv *models.Conversation) models.ConversationResponse {
	out := models.ConversationResponse{Conversation: *conv, TurnState: h.orch.State(conv.ID)}
	if out.Messages == nil {
		out.Messages = []models.Message{}
	}
	if msgID, content, ok := h.orch.LiveContent(conv.ID); ok {
		msgs := make([]models.Message, len(out.Messages))
		copy(msgs, out.Messages)
		for i := range msgs {
			if msgs[i].ID == msgID && msgs[i].IsPlaceholder() {
				msgs[i].Content = content
			}
		}
		out.Messages = msgs
	}
	return out
}

func (h *ConversationHandlers) respondError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case orchestrator.IsNotFound(err):
		httputil.RespondError(w, http.StatusNotFound, "Conversation not found")
	case errors.Is(err, services.ErrUnknownModel):
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Errorw(fallback, "error", err)
		httputil.RespondError(w, http.StatusInternalServerError, fallback)
	}
}
