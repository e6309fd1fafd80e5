// ABOUTME: Browser session middleware backed by the store and a JWT cookie
// ABOUTME: Ensures every request has a session and rejects POSTs without a valid CSRF token

package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/ssi-portal/internal/store"
)

// SessionCookieName is the name of the session cookie
const SessionCookieName = "ssi_portal_session"

// SessionConfig configures the session middleware.
type SessionConfig struct {
	Keys         Keys
	Duration     time.Duration
	SecureCookie bool
	Logger       *slog.Logger
}

// Sessions issues, loads, and guards browser sessions.
type Sessions struct {
	store    store.Store
	tokens   *JWTVerifier
	csrf     *CSRF
	duration time.Duration
	secure   bool
	logger   *slog.Logger
	now      func() time.Time
}

// NewSessions creates the session middleware.
func NewSessions(s store.Store, cfg SessionConfig) *Sessions {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	duration := cfg.Duration
	if duration <= 0 {
		duration = 24 * time.Hour
	}
	return &Sessions{
		store:    s,
		tokens:   NewJWTVerifier(cfg.Keys.Signing),
		csrf:     NewCSRF(cfg.Keys.CSRF),
		duration: duration,
		secure:   cfg.SecureCookie,
		logger:   logger.With("component", "sessions"),
		now:      time.Now,
	}
}

// CSRF exposes the CSRF helper for handlers that render forms.
func (s *Sessions) CSRF() *CSRF { return s.csrf }

// Middleware attaches a SessionContext to every request, creating a session
// when the cookie is missing, invalid, or points at an expired session.
// Unsafe methods must carry the session's CSRF token.
func (s *Sessions) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, fresh, err := s.load(w, r)
		if err != nil {
			s.logger.Error("failed to establish session", "error", err)
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}

		if !isSafeMethod(r.Method) {
			if fresh || !s.csrf.Valid(sess.ID, fromRequest(r)) {
				s.logger.Warn("rejected request with bad CSRF token", "path", r.URL.Path, "session_id", sess.ID)
				http.Error(w, "invalid or missing CSRF token", http.StatusForbidden)
				return
			}
		}

		sc := &SessionContext{
			Session:   sess,
			CSRFToken: s.csrf.Token(sess.ID),
			Fresh:     fresh,
		}
		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sc)))
	})
}

func (s *Sessions) load(w http.ResponseWriter, r *http.Request) (*store.Session, bool, error) {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		id, err := s.tokens.Verify(cookie.Value)
		if err == nil {
			sess, err := s.store.GetSession(r.Context(), id)
			if err == nil {
				return sess, false, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, false, err
			}
		} else {
			s.logger.Debug("discarding session cookie", "error", err)
		}
	}

	sess, err := s.create(r)
	if err != nil {
		return nil, false, err
	}
	if err := s.setCookie(w, r, sess); err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

func (s *Sessions) create(r *http.Request) (*store.Session, error) {
	now := s.now().UTC()
	sess := &store.Session{
		ID:        uuid.NewString(),
		PHCStep:   store.PHCStepConnect,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.duration),
	}
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		return nil, err
	}
	s.logger.Debug("created session", "session_id", sess.ID)
	return sess, nil
}

func (s *Sessions) setCookie(w http.ResponseWriter, r *http.Request, sess *store.Session) error {
	token, err := s.tokens.Generate(sess.ID, sess.ExpiresAt)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   s.secure || r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func isSafeMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
