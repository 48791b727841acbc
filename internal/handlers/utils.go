package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/contractai/chat-gateway/internal/auth"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// decodeJSON decodes the request body into dst.
func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// resolveAddress returns the caller's wallet address. A signed-in session wins over
// anything the client put in the request.
func resolveAddress(r *http.Request, fromRequest string) string {
	if addr, ok := auth.GetAddressFromContext(r.Context()); ok {
		return addr
	}
	if fromRequest == "" {
		fromRequest = r.URL.Query().Get("address")
	}
	return auth.NormalizeAddress(fromRequest)
}

// uuidParam extracts a UUID from the URL path.
func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, name)))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}
