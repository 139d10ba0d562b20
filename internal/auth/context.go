// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating verified claims via context

package auth

import (
	"context"
)

// AuthContext holds the identity the gate verified for a request.
type AuthContext struct {
	Subject        string
	ConversationID string // empty for tokens not scoped to a conversation
	Anonymous      bool   // true when the gate runs without a verifier
}

// CanAccess reports whether the caller may act on conversationID.
// Unscoped tokens (bots, the token CLI) may act on any conversation.
func (a *AuthContext) CanAccess(conversationID string) bool {
	return a.ConversationID == "" || a.ConversationID == conversationID
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}
