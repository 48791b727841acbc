package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/contractai/chat-gateway/internal/models"
	"go.uber.org/zap"
)

// RespondJSON writes a JSON response with the given status code and payload.
func RespondJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// Can't write header again here, just log the error
		zap.S().Warnw("failed to encode JSON response", "error", err)
	}
}

// RespondError writes a JSON error response with the given status code and message.
func RespondError(w http.ResponseWriter, statusCode int, message string) {
	RespondJSON(w, statusCode, models.ErrorResponse{Error: message})
}

// RespondErrorBody writes a fully populated error body.
func RespondErrorBody(w http.ResponseWriter, statusCode int, body models.ErrorResponse) {
	RespondJSON(w, statusCode, body)
}
