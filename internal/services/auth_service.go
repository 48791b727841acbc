package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/contractai/chat-gateway/internal/auth"
	"github.com/contractai/chat-gateway/internal/config"
	"go.uber.org/zap"
)

// Custom errors for auth service
var (
	ErrInvalidCredentials = errors.New("invalid wallet signature")
	ErrCreatingToken      = errors.New("failed to create access token")
	ErrValidation         = errors.New("input validation failed") // Generic validation error
)

type AuthService struct {
	cfg    *config.Config
	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewAuthService(cfg *config.Config, logger *zap.SugaredLogger) *AuthService {
	return &AuthService{
		cfg:    cfg,
		logger: logger.With("component", "auth_service"),
		now:    time.Now,
	}
}

// SignInWithWallet verifies a personal_sign signature over the sign-in message and
// returns an access token for the recovered address.
func (s *AuthService) SignInWithWallet(ctx context.Context, address string, issuedAt time.Time, signature string) (string, string, error) {
	address = strings.TrimSpace(address)
	if address == "" || signature == "" || issuedAt.IsZero() {
		return "", "", fmt.Errorf("%w: address, issued_at and signature are required", ErrValidation)
	}

	signer, err := auth.VerifyWalletSignature(address, issuedAt, signature, s.cfg.SignInMaxAge, s.now())
	if err != nil {
		s.logger.Infow("wallet sign-in rejected", "address", address, "error", err)
		return "", "", fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	token, err := auth.NewAccessToken(signer, s.cfg.JWTSecret, s.cfg.TokenExpiration)
	if err != nil {
		s.logger.Errorw("failed to issue token", "address", signer, "error", err)
		return "", "", ErrCreatingToken
	}

	s.logger.Infow("wallet signed in", "address", signer)
	return token, signer, nil
}
