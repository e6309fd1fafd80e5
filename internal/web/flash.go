// ABOUTME: One-shot flash messages carried across redirects in a cookie
// ABOUTME: Handlers set flashes before redirecting; the next page render takes and clears them

package web

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
)

const flashCookieName = "ssi_portal_flash"

// Flash kinds map to CSS classes.
const (
	flashSuccess = "success"
	flashError   = "error"
)

// Flash is a message shown once on the next page.
type Flash struct {
	Kind    string `json:"k"`
	Message string `json:"m"`
}

func setFlashes(w http.ResponseWriter, flashes []Flash) {
	if len(flashes) == 0 {
		return
	}
	raw, err := json.Marshal(flashes)
	if err != nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     flashCookieName,
		Value:    base64.RawURLEncoding.EncodeToString(raw),
		Path:     "/",
		MaxAge:   60,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// takeFlashes returns the pending flashes and clears the cookie.
func takeFlashes(w http.ResponseWriter, r *http.Request) []Flash {
	c, err := r.Cookie(flashCookieName)
	if err != nil || c.Value == "" {
		return nil
	}
	http.SetCookie(w, &http.Cookie{
		Name:     flashCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	raw, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		return nil
	}
	var flashes []Flash
	if err := json.Unmarshal(raw, &flashes); err != nil {
		return nil
	}
	return flashes
}
