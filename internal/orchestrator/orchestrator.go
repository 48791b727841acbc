// Package orchestrator runs conversation turns: entitlement check, streamed
// generation and persistence of the reply, one turn per conversation at a time.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/contractai/chat-gateway/internal/entitlement"
	"github.com/contractai/chat-gateway/internal/generation"
	"github.com/contractai/chat-gateway/internal/models"
	"github.com/contractai/chat-gateway/internal/services"
	"github.com/contractai/chat-gateway/internal/store"
	"github.com/contractai/chat-gateway/internal/stream"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

var (
	ErrInvalidRequest         = errors.New("invalid request")
	ErrTurnInProgress         = errors.New("a turn is already in progress for this conversation")
	ErrAuthenticationRequired = errors.New("wallet address required")
	ErrEntitlementDenied      = errors.New("entitlement denied")
	ErrEntitlementCheckFailed = errors.New("entitlement check failed")
	ErrConfiguration          = errors.New("configuration error")
	ErrUpstreamGeneration     = errors.New("upstream generation failed")
	ErrStreamTransport        = errors.New("stream transport failed")
	ErrTurnCanceled           = errors.New("turn canceled")
)

// EntitlementChecker decides whether an address may use a model.
type EntitlementChecker interface {
	Check(ctx context.Context, address, modelID string) entitlement.Decision
}

// Observer receives turn progress. Calls happen on the submitting goroutine, in order.
type Observer interface {
	// Started is called once the placeholder assistant message exists.
	Started(placeholder models.Message)
	// Delta is called with each piece of newly decoded text.
	Delta(text string)
}

type nopObserver struct{}

func (nopObserver) Started(models.Message) {}
func (nopObserver) Delta(string)           {}

// Config tunes the orchestrator.
type Config struct {
	GateTimeout     time.Duration // Bounds the entitlement check, independent of the stream
	ChunkSize       int           // Read buffer for the reply stream
	Temperature     float32
	FinalizeTimeout time.Duration // Bounds the persistence of the final message
}

// SubmitRequest is one user message for a stored conversation.
type SubmitRequest struct {
	ConversationID uuid.UUID
	Address        string
	Content        string
}

// TurnResult describes a finished turn.
type TurnResult struct {
	Conversation uuid.UUID
	UserMessage  *models.Message
	Assistant    *models.Message
	Decision     entitlement.Decision
	Complete     bool
}

// liveTurn is the in-memory view of an in-flight turn.
type liveTurn struct {
	mu        sync.RWMutex
	state     string
	messageID uuid.UUID
	content   strings.Builder
}

// Orchestrator is safe for concurrent use across conversations.
type Orchestrator struct {
	conversations *services.ConversationService
	gate          EntitlementChecker
	backend       generation.Backend
	locks         *TurnLocks
	live          sync.Map // uuid.UUID -> *liveTurn
	cfg           Config
	logger        *zap.SugaredLogger
}

func New(conversations *services.ConversationService, gate EntitlementChecker, backend generation.Backend, cfg Config, logger *zap.SugaredLogger) *Orchestrator {
	if cfg.GateTimeout <= 0 {
		cfg.GateTimeout = 10 * time.Second
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 4096
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 10 * time.Second
	}
	return &Orchestrator{
		conversations: conversations,
		gate:          gate,
		backend:       backend,
		locks:         NewTurnLocks(),
		cfg:           cfg,
		logger:        logger.With("component", "orchestrator"),
	}
}

// State returns the turn state of a conversation.
func (o *Orchestrator) State(conversationID uuid.UUID) string {
	if v, ok := o.live.Load(conversationID); ok {
		lt := v.(*liveTurn)
		lt.mu.RLock()
		defer lt.mu.RUnlock()
		return lt.state
	}
	return StateIdle
}

// LiveContent returns the streamed content of the in-flight placeholder, if any.
func (o *Orchestrator) LiveContent(conversationID uuid.UUID) (uuid.UUID, string, bool) {
	v, ok := o.live.Load(conversationID)
	if !ok {
		return uuid.Nil, "", false
	}
	lt := v.(*liveTurn)
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	if lt.messageID == uuid.Nil {
		return uuid.Nil, "", false
	}
	return lt.messageID, lt.content.String(), true
}

// DeleteConversation removes a conversation unless a turn holds it. The turn lock is
// held for the duration, so no submit can start against a conversation being deleted.
func (o *Orchestrator) DeleteConversation(ctx context.Context, address string, conversationID uuid.UUID) error {
	if !o.locks.TryAcquire(conversationID) {
		return ErrTurnInProgress
	}
	defer o.locks.Release(conversationID)
	return o.conversations.DeleteConversation(ctx, address, conversationID)
}

// Submit runs one turn. Once the user message is stored the result is non-nil, even
// when an error is returned, so callers can report the decision and persisted messages.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest, obs Observer) (*TurnResult, error) {
	if obs == nil {
		obs = nopObserver{}
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidRequest)
	}

	conv, err := o.conversations.GetConversation(ctx, req.Address, req.ConversationID)
	if err != nil {
		return nil, err
	}

	// The lock is taken before anything is written, so a rejected submit leaves no trace.
	if !o.locks.TryAcquire(conv.ID) {
		return nil, ErrTurnInProgress
	}
	defer o.locks.Release(conv.ID)

	lt := &liveTurn{state: StateIdle}
	o.live.Store(conv.ID, lt)
	defer o.live.Delete(conv.ID)

	log := o.logger.With("conversation_id", conv.ID, "model_id", conv.ModelID)
	machine := newTurnMachine(log, func(state string) {
		lt.mu.Lock()
		lt.state = state
		lt.mu.Unlock()
	})

	userMsg, err := o.conversations.AppendMessage(ctx, conv.ID, models.RoleUser, req.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to persist user message: %w", err)
	}
	result := &TurnResult{Conversation: conv.ID, UserMessage: userMsg}
	history := append(conv.Messages, *userMsg)

	o.fire(ctx, machine, eventSubmit)

	gateCtx, cancel := context.WithTimeout(ctx, o.cfg.GateTimeout)
	decision := o.gate.Check(gateCtx, req.Address, conv.ModelID)
	cancel()
	result.Decision = decision

	if !decision.Allowed() {
		turnErr := DecisionError(decision)
		log.Infow("turn rejected", "outcome", decision.Outcome, "reason", decision.Reason, "error", decision.Err)
		pctx, pcancel := o.persistCtx(ctx)
		msg, err := o.conversations.AppendAssistantError(pctx, conv.ID, decision.Message())
		pcancel()
		o.fire(ctx, machine, eventReject)
		if err != nil {
			return result, errors.Join(turnErr, err)
		}
		result.Assistant = msg
		return result, turnErr
	}
	o.fire(ctx, machine, eventAllow)

	pctx, pcancel := o.persistCtx(ctx)
	placeholder, err := o.conversations.AppendPlaceholder(pctx, conv.ID)
	pcancel()
	if err != nil {
		err = fmt.Errorf("failed to persist placeholder: %w", err)
		log.Errorw("turn aborted", "error", err)
		// The user message still gets its assistant slot.
		pctx, pcancel := o.persistCtx(ctx)
		msg, ferr := o.conversations.AppendAssistantError(pctx, conv.ID, "Failed to generate response")
		pcancel()
		o.fire(ctx, machine, eventFail)
		if ferr != nil {
			return result, errors.Join(err, ferr)
		}
		result.Assistant = msg
		return result, err
	}
	lt.mu.Lock()
	lt.messageID = placeholder.ID
	lt.mu.Unlock()
	obs.Started(*placeholder)

	body, err := o.backend.Open(ctx, generation.Request{
		ModelID:      conv.ModelID,
		SystemPrompt: generation.SystemPrompt(conv.ModelID),
		Messages:     chatHistory(history),
		Temperature:  o.cfg.Temperature,
	})
	if err != nil {
		turnErr := ErrUpstreamGeneration
		reason := "Failed to generate response"
		if errors.Is(err, generation.ErrNotConfigured) {
			turnErr = ErrConfiguration
			reason = "Generation backend not configured"
		} else if ctx.Err() != nil {
			turnErr = ErrTurnCanceled
			reason = "Request canceled"
		}
		log.Warnw("failed to open reply stream", "error", err)
		pctx, pcancel := o.persistCtx(ctx)
		msg, ferr := o.conversations.ReplaceOrFinalizeLastAssistantPlaceholder(pctx, conv.ID,
			models.ErrorMessageContent(reason), true, true)
		pcancel()
		o.fire(ctx, machine, eventFail)
		if ferr != nil {
			return result, errors.Join(turnErr, err, ferr)
		}
		result.Assistant = msg
		return result, fmt.Errorf("%w: %w", turnErr, err)
	}

	summary, readErr := o.pump(ctx, body, lt, obs)
	o.fire(ctx, machine, eventFinish)

	content, complete, isError, turnErr := settle(summary, readErr, ctx.Err())
	if turnErr != nil {
		log.Warnw("turn ended early", "error", turnErr, "read_error", readErr, "content_len", len(summary.Content))
	}
	pctx, pcancel = o.persistCtx(ctx)
	msg, err := o.conversations.ReplaceOrFinalizeLastAssistantPlaceholder(pctx, conv.ID, content, complete, isError)
	pcancel()
	o.fire(ctx, machine, eventDone)
	if err != nil {
		return result, errors.Join(turnErr, fmt.Errorf("failed to finalize reply: %w", err))
	}
	result.Assistant = msg
	result.Complete = complete
	if turnErr == nil {
		log.Infow("turn complete", "content_len", len(content))
	}
	return result, turnErr
}

// pump reads the reply until it ends, fails or ctx is done.
func (o *Orchestrator) pump(ctx context.Context, body io.ReadCloser, lt *liveTurn, obs Observer) (stream.Summary, error) {
	// Unblocks a Read stuck on a silent backend once the caller goes away.
	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer stop()
	defer body.Close()

	var state stream.State
	var readErr error
	buf := make([]byte, o.cfg.ChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			var delta string
			state, delta = stream.Decode(state, buf[:n])
			if delta != "" {
				lt.mu.Lock()
				lt.content.WriteString(delta)
				lt.mu.Unlock()
				obs.Delta(delta)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	return stream.Finish(state), readErr
}

// settle decides how the reply is persisted. Partial output is always kept.
func settle(sum stream.Summary, readErr, ctxErr error) (content string, complete, isError bool, turnErr error) {
	content = sum.Content
	var reason string
	switch {
	case ctxErr != nil:
		turnErr = fmt.Errorf("%w: %v", ErrTurnCanceled, ctxErr)
		reason = "Request canceled"
	case readErr != nil:
		turnErr = fmt.Errorf("%w: %v", ErrStreamTransport, readErr)
		reason = "Connection lost"
	case sum.Error != nil:
		turnErr = fmt.Errorf("%w: %s", ErrUpstreamGeneration, *sum.Error)
		reason = *sum.Error
	case sum.TrailingData:
		turnErr = fmt.Errorf("%w: stream ended inside a record", ErrStreamTransport)
		reason = "Incomplete response"
	default:
		return content, true, false, nil
	}
	if content == "" {
		return models.ErrorMessageContent(reason), false, true, turnErr
	}
	return content, false, false, turnErr
}

// DecisionError maps a non-allowed gate decision to a turn error.
func DecisionError(d entitlement.Decision) error {
	switch d.Outcome {
	case entitlement.Allowed:
		return nil
	case entitlement.Denied:
		return ErrEntitlementDenied
	}
	switch d.Reason {
	case entitlement.ReasonAddressRequired:
		return ErrAuthenticationRequired
	case entitlement.ReasonUnknownModel, entitlement.ReasonInvalidAddress:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, d.Message())
	case entitlement.ReasonInvalidModel, entitlement.ReasonNotConfigured:
		return fmt.Errorf("%w: %s", ErrConfiguration, d.Message())
	case entitlement.ReasonCanceled:
		return fmt.Errorf("%w: %w", ErrTurnCanceled, ErrEntitlementCheckFailed)
	default:
		return fmt.Errorf("%w: %s", ErrEntitlementCheckFailed, d.Message())
	}
}

// persistCtx keeps turn writes alive after the caller has gone away.
func (o *Orchestrator) persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FinalizeTimeout)
}

func (o *Orchestrator) fire(ctx context.Context, machine *fsm.FSM, event string) {
	// Transitions must happen even when the caller's context is done.
	if err := machine.Event(context.WithoutCancel(ctx), event); err != nil {
		o.logger.Errorw("invalid turn transition", "event", event, "state", machine.Current(), "error", err)
	}
}

// chatHistory is what the backend sees: completed or partial text, no error stubs.
func chatHistory(msgs []models.Message) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.IsError || m.Content == "" {
			continue
		}
		out = append(out, models.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// IsNotFound reports whether err means the conversation does not exist for the caller.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, services.ErrNotOwner)
}
