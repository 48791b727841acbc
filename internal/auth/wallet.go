package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrSignerMismatch   = errors.New("signature does not match address")
	ErrSignInExpired    = errors.New("sign-in message expired")
)

// SignInMessage is the text a wallet signs to start a session.
func SignInMessage(address string, issuedAt time.Time) string {
	return fmt.Sprintf("Sign in to ContractAI\n\nAddress: %s\nIssued At: %s",
		NormalizeAddress(address), issuedAt.UTC().Format(time.RFC3339))
}

// SignInHash is the EIP-191 personal_sign digest of msg.
func SignInHash(msg string) []byte {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "\x19Ethereum Signed Message:\n%d%s", len(msg), msg)
	return h.Sum(nil)
}

// NormalizeAddress returns the checksummed form of a hex address, or the input trimmed
// when it is not one.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return address
	}
	return common.HexToAddress(address).Hex()
}

// VerifyWalletSignature checks that signature was produced by address over the sign-in
// message for issuedAt, and that issuedAt is within maxAge of now.
func VerifyWalletSignature(address string, issuedAt time.Time, signature string, maxAge time.Duration, now time.Time) (string, error) {
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("%w: malformed address", ErrInvalidSignature)
	}
	age := now.Sub(issuedAt)
	if age > maxAge || age < -time.Minute {
		return "", ErrSignInExpired
	}

	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("%w: expected %d byte hex", ErrInvalidSignature, crypto.SignatureLength)
	}
	// Wallets report the recovery id as 27/28.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(SignInHash(SignInMessage(address, issuedAt)), sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	signer := crypto.PubkeyToAddress(*pub)
	if signer != common.HexToAddress(address) {
		return "", ErrSignerMismatch
	}
	return signer.Hex(), nil
}
