package models

import (
	"time"

	"github.com/google/uuid"
)

// --- Request Structs ---

// ChatMessage is a role/content pair as exchanged with clients and generation backends.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest defines the body of the stateless submit-turn endpoint.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
	ModelID  string        `json:"modelId"`
	Address  string        `json:"address,omitempty"`
	TokenID  *int64        `json:"tokenId,omitempty"` // Advisory only, the server-side mapping decides
}

// CreateConversationRequest defines the body for creating a conversation.
type CreateConversationRequest struct {
	ModelID string `json:"model_id"`
	Address string `json:"address,omitempty"`
}

// SubmitMessageRequest defines the body for an orchestrated turn.
type SubmitMessageRequest struct {
	Content string `json:"content"`
	Address string `json:"address,omitempty"`
}

// SetActiveConversationRequest selects the caller's active conversation.
type SetActiveConversationRequest struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Address        string    `json:"address,omitempty"`
}

// WalletSignInRequest carries a personal_sign signature over the sign-in message.
type WalletSignInRequest struct {
	Address   string    `json:"address"`
	IssuedAt  time.Time `json:"issued_at"`
	Signature string    `json:"signature"` // 0x-prefixed 65 byte hex
}

// --- Response Structs ---

// ErrorResponse defines the standard structure for API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	TokenID *int64 `json:"tokenId,omitempty"`
}

// AuthResponse is returned after a successful wallet sign-in.
type AuthResponse struct {
	AccessToken string `json:"access_token"`
	Address     string `json:"address"`
}

// ModelResponse is a catalog entry with the caller's entitlement mirrored from the last gate check.
type ModelResponse struct {
	Model
	TokenID  *int64 `json:"token_id,omitempty"`
	Entitled bool   `json:"entitled"`
	Reason   string `json:"reason,omitempty"` // Set when the check could not be completed
}

// ListModelsResponse wraps the catalog listing.
type ListModelsResponse struct {
	Models []ModelResponse `json:"models"`
}

// EntitlementResponse reports a single gate decision.
type EntitlementResponse struct {
	ModelID string             `json:"model_id"`
	TokenID *int64             `json:"token_id,omitempty"`
	Outcome string             `json:"outcome"`
	Reason  string             `json:"reason,omitempty"`
	Record  *EntitlementRecord `json:"record,omitempty"`
}

// ConversationResponse is a conversation plus the orchestrator's view of it.
type ConversationResponse struct {
	Conversation
	TurnState string `json:"turn_state"`
}

// ListConversationsResponse wraps conversation listings.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}

// ActiveConversationResponse reports the caller's active conversation, if any.
type ActiveConversationResponse struct {
	ConversationID *uuid.UUID `json:"conversation_id"`
}
