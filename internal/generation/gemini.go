package generation

import (
	"context"
	"fmt"
	"io"

	"github.com/contractai/chat-gateway/internal/models"
	"github.com/contractai/chat-gateway/internal/stream"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

const DefaultGeminiModel = "gemini-2.0-flash-exp"

// GeminiBackend streams replies from the Gemini API.
type GeminiBackend struct {
	client *genai.Client
	model  string
	logger *zap.SugaredLogger
}

// NewGeminiBackend creates a Gemini client with the given API key.
func NewGeminiBackend(ctx context.Context, apiKey, model string, logger *zap.SugaredLogger) (*GeminiBackend, error) {
	if apiKey == "" {
		return nil, ErrNotConfigured
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiBackend{client: client, model: model, logger: logger.With("component", "gemini")}, nil
}

// Open starts generation and re-encodes the text parts as wire records.
// A failure after the first record is reported as a transport error on the body.
func (b *GeminiBackend) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	config := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		config.Temperature = &temp
	}
	contents := convertMessages(req.Messages)

	pr, pw := io.Pipe()
	go func() {
		w := stream.NewWriter(pw)
		for resp, err := range b.client.Models.GenerateContentStream(ctx, b.model, contents, config) {
			if err != nil {
				b.logger.Warnw("stream failed", "model", b.model, "error", err)
				pw.CloseWithError(fmt.Errorf("gemini stream: %w", err))
				return
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Text == "" {
					continue
				}
				if err := w.WriteText(part.Text); err != nil {
					// Reader side closed.
					pw.CloseWithError(err)
					return
				}
			}
		}
		pw.Close()
	}()
	return pr, nil
}

func convertMessages(messages []models.ChatMessage) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == models.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return contents
}
