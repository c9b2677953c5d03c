package token

import (
	"net/http"
	"time"
)

const DefaultCookieName = "Authorization"

// CookieConfig controls how the opaque-token cookie is written. The cookie is
// always Secure and scoped to Path=/. The zero value is safe: HttpOnly stays
// on unless AllowScriptAccess is set.
type CookieConfig struct {
	Name   string
	Domain string

	// AllowScriptAccess drops the HttpOnly flag, exposing the cookie to
	// client-side scripts.
	AllowScriptAccess bool

	SameSite http.SameSite
}

// CookieSetter writes and clears the opaque-token cookie.
type CookieSetter struct {
	cfg CookieConfig
}

// NewCookieSetter creates a cookie setter, filling in defaults for unset
// fields.
func NewCookieSetter(cfg CookieConfig) *CookieSetter {
	if cfg.Name == "" {
		cfg.Name = DefaultCookieName
	}
	if cfg.SameSite == 0 {
		cfg.SameSite = http.SameSiteStrictMode
	}
	return &CookieSetter{cfg: cfg}
}

func (c *CookieSetter) Name() string {
	return c.cfg.Name
}

// SetCookie sets the opaque-token cookie with the given value and expiry.
func (c *CookieSetter) SetCookie(w http.ResponseWriter, value string, expire time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.cfg.Name,
		Path:     "/",
		Domain:   c.cfg.Domain,
		Value:    value,
		Expires:  expire,
		HttpOnly: !c.cfg.AllowScriptAccess,
		Secure:   true,
		SameSite: c.cfg.SameSite,
	})
}

// ClearCookie expires the opaque-token cookie.
func (c *CookieSetter) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.cfg.Name,
		Path:     "/",
		Domain:   c.cfg.Domain,
		Value:    "",
		MaxAge:   -1,
		HttpOnly: !c.cfg.AllowScriptAccess,
		Secure:   true,
		SameSite: c.cfg.SameSite,
	})
}

// ReadCookie returns the opaque token carried by the request cookie, or an
// empty string when the cookie is absent.
func (c *CookieSetter) ReadCookie(r *http.Request) string {
	cookie, err := r.Cookie(c.cfg.Name)
	if err != nil {
		return ""
	}
	return cookie.Value
}
