package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/contractai/chat-gateway/internal/entitlement"
	"github.com/contractai/chat-gateway/internal/generation"
	"github.com/contractai/chat-gateway/internal/models"
)

// RelayRequest is a turn whose history is held by the caller.
type RelayRequest struct {
	Messages []models.ChatMessage
	ModelID  string
	Address  string
}

// Relay gates and streams a reply without persisting anything. Deltas go to obs as
// they arrive. The returned decision is always set once validation passed.
func (o *Orchestrator) Relay(ctx context.Context, req RelayRequest, obs Observer) (entitlement.Decision, error) {
	if obs == nil {
		obs = nopObserver{}
	}
	if err := validateRelay(req); err != nil {
		return entitlement.Decision{ModelID: req.ModelID}, err
	}
	log := o.logger.With("model_id", req.ModelID, "messages", len(req.Messages))

	gateCtx, cancel := context.WithTimeout(ctx, o.cfg.GateTimeout)
	decision := o.gate.Check(gateCtx, req.Address, req.ModelID)
	cancel()
	if !decision.Allowed() {
		log.Infow("relay rejected", "outcome", decision.Outcome, "reason", decision.Reason, "error", decision.Err)
		return decision, DecisionError(decision)
	}

	body, err := o.backend.Open(ctx, generation.Request{
		ModelID:      req.ModelID,
		SystemPrompt: generation.SystemPrompt(req.ModelID),
		Messages:     req.Messages,
		Temperature:  o.cfg.Temperature,
	})
	if err != nil {
		log.Warnw("failed to open reply stream", "error", err)
		switch {
		case errors.Is(err, generation.ErrNotConfigured):
			return decision, fmt.Errorf("%w: %w", ErrConfiguration, err)
		case ctx.Err() != nil:
			return decision, fmt.Errorf("%w: %w", ErrTurnCanceled, err)
		default:
			return decision, fmt.Errorf("%w: %w", ErrUpstreamGeneration, err)
		}
	}

	summary, readErr := o.pump(ctx, body, &liveTurn{}, obs)
	_, _, _, turnErr := settle(summary, readErr, ctx.Err())
	if turnErr != nil {
		log.Warnw("relay ended early", "error", turnErr, "content_len", len(summary.Content))
	}
	return decision, turnErr
}

func validateRelay(req RelayRequest) error {
	if strings.TrimSpace(req.ModelID) == "" {
		return fmt.Errorf("%w: modelId is required", ErrInvalidRequest)
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: messages are required", ErrInvalidRequest)
	}
	for i, m := range req.Messages {
		if !m.Role.Valid() {
			return fmt.Errorf("%w: message %d has invalid role %q", ErrInvalidRequest, i, m.Role)
		}
	}
	if last := req.Messages[len(req.Messages)-1]; last.Role != models.RoleUser || strings.TrimSpace(last.Content) == "" {
		return fmt.Errorf("%w: last message must be a non-empty user message", ErrInvalidRequest)
	}
	return nil
}
