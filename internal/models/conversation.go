package models

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the roles a stored message may carry.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

const (
	// DefaultConversationTitle is used until the first user message arrives.
	DefaultConversationTitle = "New Conversation"
	// TitleMaxLength is measured in characters, not bytes.
	TitleMaxLength = 50
	titleEllipsis  = "..."
)

// Conversation is an ordered, append-only log of messages bound to a single model.
type Conversation struct {
	ID        uuid.UUID `json:"id"`
	Owner     string    `json:"owner"`    // Wallet address, empty for anonymous conversations
	ModelID   string    `json:"model_id"` // Fixed at creation
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LastMessage returns the most recent message, if any.
func (c *Conversation) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// Message is a single entry of a conversation.
type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Seq            int       `json:"seq"` // Position within the conversation, starting at 0
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Complete       bool      `json:"complete"`
	IsError        bool      `json:"is_error"`
	Timestamp      time.Time `json:"timestamp"`
}

// IsPlaceholder reports whether m is an assistant message still waiting to be finalized.
func (m Message) IsPlaceholder() bool {
	return m.Role == RoleAssistant && !m.Complete && !m.IsError
}

// DeriveTitle builds a conversation title from the first user message. Surrounding
// whitespace is dropped before truncating, so a message that starts with blank lines
// still gets a readable title.
func DeriveTitle(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return DefaultConversationTitle
	}
	if utf8.RuneCountInString(content) <= TitleMaxLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:TitleMaxLength]) + titleEllipsis
}

// ErrorMessageContent is the assistant text persisted when a turn fails.
func ErrorMessageContent(reason string) string {
	return "Error: " + reason + ". Please try again."
}
