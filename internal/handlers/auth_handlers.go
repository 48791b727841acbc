package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/contractai/chat-gateway/internal/models"
	"github.com/contractai/chat-gateway/internal/services"
	"github.com/contractai/chat-gateway/pkg/httputil"
	"go.uber.org/zap"
)

// AuthService defines the interface expected from the auth service.
type AuthService interface {
	SignInWithWallet(ctx context.Context, address string, issuedAt time.Time, signature string) (string, string, error)
}

type AuthHandler struct {
	authService AuthService
	logger      *zap.SugaredLogger
}

func NewAuthHandler(authSvc AuthService, logger *zap.SugaredLogger) *AuthHandler {
	return &AuthHandler{
		authService: authSvc,
		logger:      logger,
	}
}

// HandleWalletSignIn handles the POST /v1/auth/wallet request.
func (h *AuthHandler) HandleWalletSignIn(w http.ResponseWriter, r *http.Request) {
	var req models.WalletSignInRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	token, address, err := h.authService.SignInWithWallet(r.Context(), req.Address, req.IssuedAt, req.Signature)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrValidation):
			httputil.RespondError(w, http.StatusBadRequest, err.Error()) // 400
		case errors.Is(err, services.ErrInvalidCredentials):
			httputil.RespondError(w, http.StatusUnauthorized, err.Error()) // 401
		default:
			h.logger.Errorw("wallet sign-in failed", "error", err)
			httputil.RespondError(w, http.StatusInternalServerError, "Sign-in failed due to an internal error") // 500
		}
		return
	}

	httputil.RespondJSON(w, http.StatusOK, models.AuthResponse{AccessToken: token, Address: address})
}
