package models

import (
	"math/big"
	"strings"
	"time"
)

// EntitlementRecord is the last known oracle answer for an (address, token) pair.
type EntitlementRecord struct {
	Address   string    `json:"address"`
	TokenID   int64     `json:"token_id"`
	Balance   *big.Int  `json:"balance"`
	CheckedAt time.Time `json:"checked_at"`
	Stale     bool      `json:"stale"` // Set by an explicit refresh, forces a re-query
}

// Entitled reports whether the recorded balance grants access.
func (r EntitlementRecord) Entitled() bool {
	return r.Balance != nil && r.Balance.Sign() > 0
}

// Fresh reports whether the record can be served without a new oracle read.
func (r EntitlementRecord) Fresh(now time.Time, ttl time.Duration) bool {
	if r.Stale || r.Balance == nil {
		return false
	}
	return now.Sub(r.CheckedAt) < ttl
}

// EntitlementKey identifies a cached record. Addresses compare case-insensitively.
type EntitlementKey struct {
	Address string
	TokenID int64
}

// NewEntitlementKey normalizes the address part of the key.
func NewEntitlementKey(address string, tokenID int64) EntitlementKey {
	return EntitlementKey{Address: strings.ToLower(strings.TrimSpace(address)), TokenID: tokenID}
}
