package auth

import (
	"context"
)

// --- Context Helper Functions ---

// WithAddress returns a context carrying the authenticated wallet address.
func WithAddress(ctx context.Context, address string) context.Context {
	return context.WithValue(ctx, AddressKey, address)
}

// GetAddressFromContext retrieves the authenticated address from the request context.
// Returns the address and true if found, otherwise "" and false.
func GetAddressFromContext(ctx context.Context) (string, bool) {
	address, ok := ctx.Value(AddressKey).(string)
	return address, ok && address != ""
}
