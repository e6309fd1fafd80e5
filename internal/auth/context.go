// ABOUTME: Request context carrying the browser session and its CSRF token
// ABOUTME: Provides WithSession/FromContext for handlers behind the session middleware

package auth

import (
	"context"

	"github.com/2389/ssi-portal/internal/store"
)

// SessionContext is the session attached to a request by the middleware.
type SessionContext struct {
	Session   *store.Session
	CSRFToken string
	Fresh     bool // created on this request
}

type sessionContextKey struct{}

// WithSession returns a new context with the SessionContext attached.
func WithSession(ctx context.Context, sc *SessionContext) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sc)
}

// FromContext retrieves the SessionContext, returning nil if not present.
func FromContext(ctx context.Context) *SessionContext {
	sc, _ := ctx.Value(sessionContextKey{}).(*SessionContext)
	return sc
}

// MustFromContext retrieves the SessionContext, panicking if not present.
func MustFromContext(ctx context.Context) *SessionContext {
	sc := FromContext(ctx)
	if sc == nil {
		panic("auth: SessionContext not found in context")
	}
	return sc
}
