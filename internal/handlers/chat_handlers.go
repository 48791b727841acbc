package handlers

import (
	"errors"
	"net/http"

	"github.com/contractai/chat-gateway/internal/entitlement"
	"github.com/contractai/chat-gateway/internal/generation"
	"github.com/contractai/chat-gateway/internal/models"
	"github.com/contractai/chat-gateway/internal/orchestrator"
	"github.com/contractai/chat-gateway/internal/stream"
	"github.com/contractai/chat-gateway/pkg/httputil"
	"go.uber.org/zap"
)

// ChatHandlers handles HTTP requests for stateless turns.
type ChatHandlers struct {
	orch   *orchestrator.Orchestrator
	logger *zap.SugaredLogger
}

// NewChatHandlers creates a new ChatHandlers instance.
func NewChatHandlers(orch *orchestrator.Orchestrator, logger *zap.SugaredLogger) *ChatHandlers {
	return &ChatHandlers{
		orch:   orch,
		logger: logger,
	}
}

// HandleChat gates and streams one reply for a client-held history.
func (h *ChatHandlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.RespondErrorBody(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body", Details: err.Error()})
		return
	}

	address := resolveAddress(r, req.Address)
	resp := newStreamResponse(w)
	decision, err := h.orch.Relay(r.Context(), orchestrator.RelayRequest{
		Messages: req.Messages,
		ModelID:  req.ModelID,
		Address:  address,
	}, resp)
	if err != nil {
		if req.TokenID != nil && decision.TokenID != nil && *req.TokenID != *decision.TokenID {
			h.logger.Debugw("client token id ignored", "model_id", req.ModelID, "client", *req.TokenID, "server", *decision.TokenID)
		}
		h.finishWithError(resp, err, &decision)
		return
	}
	// An empty reply still answers 200.
	resp.start()
}

func (h *ChatHandlers) finishWithError(resp *streamResponse, err error, d *entitlement.Decision) {
	if resp.started {
		if errors.Is(err, orchestrator.ErrTurnCanceled) {
			return
		}
		h.logger.Warnw("stream ended with error", "error", err)
		resp.fail(streamErrorText(err))
		return
	}
	respondTurnError(resp.w, h.logger, err, d)
}

// streamResponse delays the 200 until there is something to stream, so failures before
// the first byte still get a proper status code.
type streamResponse struct {
	w       http.ResponseWriter
	sw      *stream.Writer
	started bool
	broken  bool
}

func newStreamResponse(w http.ResponseWriter) *streamResponse {
	return &streamResponse{w: w, sw: stream.NewWriter(w)}
}

func (s *streamResponse) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", stream.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	s.w.WriteHeader(http.StatusOK)
	s.sw.Flush()
}

func (s *streamResponse) Started(placeholder models.Message) {
	s.w.Header().Set("X-Conversation-Id", placeholder.ConversationID.String())
	s.w.Header().Set("X-Message-Id", placeholder.ID.String())
	s.start()
}

func (s *streamResponse) Delta(text string) {
	s.start()
	if s.broken {
		return
	}
	// The request context ends the turn once the client is gone.
	if err := s.sw.WriteText(text); err != nil {
		s.broken = true
	}
}

func (s *streamResponse) fail(message string) {
	if s.broken {
		return
	}
	if err := s.sw.WriteError(message); err != nil {
		s.broken = true
	}
}

// respondTurnError maps turn errors to a JSON error response.
func respondTurnError(w http.ResponseWriter, logger *zap.SugaredLogger, err error, d *entitlement.Decision) {
	status := http.StatusInternalServerError
	body := models.ErrorResponse{}
	if d != nil {
		body.TokenID = d.TokenID
	}

	switch {
	case errors.Is(err, orchestrator.ErrAuthenticationRequired):
		status = http.StatusBadRequest
		body.Error = "Wallet address required"
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		status = http.StatusBadRequest
		body.Error = "Invalid request"
		body.Details = err.Error()
	case orchestrator.IsNotFound(err):
		status = http.StatusNotFound
		body.Error = "Conversation not found"
	case errors.Is(err, orchestrator.ErrTurnInProgress):
		status = http.StatusConflict
		body.Error = "A reply is already being generated for this conversation"
	case errors.Is(err, orchestrator.ErrEntitlementDenied):
		status = http.StatusForbidden
		body.Error = "Entitlement denied"
		if d != nil {
			body.Details = d.Message()
		}
	case errors.Is(err, orchestrator.ErrEntitlementCheckFailed):
		body.Error = "Entitlement check failed"
		if d != nil {
			body.Details = d.Message()
		}
	case errors.Is(err, orchestrator.ErrConfiguration):
		var cfgErr *generation.ConfigError
		if errors.As(err, &cfgErr) {
			body.Error = cfgErr.Reason
		} else {
			body.Error = "Server configuration error"
			body.Details = err.Error()
		}
	default:
		body.Error = "Failed to generate response"
		body.Details = err.Error()
	}

	if status >= http.StatusInternalServerError {
		logger.Errorw("turn failed", "status", status, "error", err)
	}
	httputil.RespondErrorBody(w, status, body)
}

// streamErrorText is the error record sent once the stream has started.
func streamErrorText(err error) string {
	switch {
	case errors.Is(err, orchestrator.ErrStreamTransport):
		return "Incomplete response"
	default:
		return "Failed to generate response"
	}
}
