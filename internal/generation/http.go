package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/contractai/chat-gateway/internal/models"
)

// HTTPBackend forwards generation to a remote service that already speaks the
// record wire format.
type HTTPBackend struct {
	url    string
	client *http.Client
}

// NewHTTPBackend returns a backend posting to url. A nil client uses one without a
// timeout, since replies may stream for a long time.
func NewHTTPBackend(url string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPBackend{url: url, client: client}
}

type httpRequest struct {
	ModelID     string               `json:"modelId"`
	System      string               `json:"system,omitempty"`
	Messages    []models.ChatMessage `json:"messages"`
	Temperature float32              `json:"temperature,omitempty"`
}

func (b *HTTPBackend) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	if b.url == "" {
		return nil, ErrNotConfigured
	}
	body, err := json.Marshal(httpRequest{
		ModelID:     req.ModelID,
		System:      req.SystemPrompt,
		Messages:    req.Messages,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode generation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build generation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("generation request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("generation backend returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return resp.Body, nil
}
