// Package auth manages the portal's anonymous browser sessions.
//
// # Sessions
//
// Visitors never log in. The first request gets a fresh session row in the
// store and a cookie holding an HS256 JWT whose "sub" is the session id.
// Later requests present the cookie; an invalid or expired token, or a
// session that no longer exists, silently yields a new session.
//
// # Keys
//
// The configured session.secret is never used directly. DeriveKeys expands it
// with HKDF-SHA256 into a token signing key and a CSRF key.
//
// # CSRF
//
// Every form carries csrf_token, the HMAC of the session id under the CSRF
// key. The middleware rejects POST, PUT, PATCH, and DELETE requests whose
// token does not match, and any unsafe request that arrives without a session.
//
// # Usage
//
//	keys, _ := auth.DeriveKeys(cfg.Session.Secret)
//	sessions := auth.NewSessions(st, auth.SessionConfig{Keys: keys, Duration: cfg.Session.Duration})
//	mux.Handle("/", sessions.Middleware(pages))
//
// Handlers read the session with auth.FromContext(r.Context()).
package auth
