package middleware

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/smoke-http/smoke/mwctx"
	"github.com/smoke-http/smoke/pipeline"
	"github.com/smoke-http/smoke/writer"
)

// CSRFConfig configures the CSRF middleware.
//
// This middleware implements the double-submit cookie pattern for CSRF
// protection. A cryptographically secure token is generated and stored in
// both a cookie and expected in a header for unsafe HTTP methods (POST,
// PUT, PATCH, DELETE).
//
// Security considerations:
//   - Use HTTPS in production (CookieSecure: true)
//   - Set appropriate SameSite policy (SameSiteLaxMode recommended)
//   - Use HttpOnly cookies to prevent XSS token theft
//   - Ensure TokenLength is sufficient (32 bytes minimum recommended)
type CSRFConfig struct {
	// CookieName specifies the name of the CSRF cookie.
	CookieName string
	// HeaderName specifies the name of the header where the CSRF token is expected.
	HeaderName string
	// TokenLength sets the length of the generated token in bytes.
	TokenLength int
	// CookiePath sets the path attribute of the CSRF cookie.
	CookiePath string
	// CookieDomain sets the domain attribute of the CSRF cookie.
	CookieDomain string
	// CookieSecure sets the Secure flag on the CSRF cookie.
	CookieSecure bool
	// CookieHTTPOnly sets the HttpOnly flag on the CSRF cookie.
	CookieHTTPOnly bool
	// CookieSameSite sets the SameSite policy for the CSRF cookie.
	CookieSameSite http.SameSite
	// TTL sets the expiration time for the CSRF cookie.
	TTL time.Duration
}

// DefaultCSRFConfig returns a safe default configuration: 32-byte tokens,
// secure HttpOnly cookies, SameSite=Lax, 12-hour expiration.
func DefaultCSRFConfig() CSRFConfig {
	return CSRFConfig{
		CookieName:     "_csrf",
		HeaderName:     "X-CSRF-Token",
		TokenLength:    32,
		CookiePath:     "/",
		CookieSecure:   true,
		CookieHTTPOnly: true,
		CookieSameSite: http.SameSiteLaxMode,
		TTL:            12 * time.Hour,
	}
}

// CSRF returns outer-tier middleware implementing the double-submit cookie
// pattern.
//
// Behavior:
//   - For safe methods (GET, HEAD, OPTIONS): stages a CSRF cookie if one is
//     missing, then continues
//   - For unsafe methods (POST, PUT, PATCH, DELETE): validates the token
//     present in both the cookie and the header, rejecting with 403 if
//     either is missing or they disagree
//   - Uses constant-time comparison to prevent timing attacks
func CSRF(cfgs ...CSRFConfig) OuterMiddleware {
	cfg := DefaultCSRFConfig()
	if len(cfgs) > 0 {
		cfg = cfgs[0]
	}
	return func(next OuterHandler) OuterHandler {
		return func(ctx context.Context, raw *pipeline.RawRequest, w *writer.Writer, mc *mwctx.Context) error {
			req := raw.HTTP
			switch req.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				if err := ensureCSRFCookie(req, w, cfg); err != nil {
					return err
				}
				return next(ctx, raw, w, mc)
			}

			cookie, err := req.Cookie(cfg.CookieName)
			if err != nil || cookie.Value == "" {
				if serr := w.SetStatus(http.StatusForbidden); serr != nil {
					return serr
				}
				return w.CommitAndCompleteWith([]byte("CSRF token missing"))
			}
			headerTok := req.Header.Get(cfg.HeaderName)
			if headerTok == "" || !compareTokens(cookie.Value, headerTok) {
				if serr := w.SetStatus(http.StatusForbidden); serr != nil {
					return serr
				}
				return w.CommitAndCompleteWith([]byte("CSRF token invalid"))
			}
			return next(ctx, raw, w, mc)
		}
	}
}

// ensureCSRFCookie stages a Set-Cookie header carrying a fresh CSRF token if
// the request doesn't already carry one.
func ensureCSRFCookie(req *http.Request, w *writer.Writer, cfg CSRFConfig) error {
	if cookie, err := req.Cookie(cfg.CookieName); err == nil && cookie.Value != "" {
		return nil
	}
	tok := generateCSRFToken(cfg.TokenLength)
	cookie := &http.Cookie{
		Name:     cfg.CookieName,
		Value:    tok,
		Path:     cfg.CookiePath,
		Domain:   cfg.CookieDomain,
		Secure:   cfg.CookieSecure,
		HttpOnly: cfg.CookieHTTPOnly,
		SameSite: cfg.CookieSameSite,
		Expires:  time.Now().Add(cfg.TTL),
	}
	return w.UpdateHeaders(func(h http.Header) { h.Add("Set-Cookie", cookie.String()) })
}

// generateCSRFToken creates a cryptographically secure random token encoded
// URL-safe.
func generateCSRFToken(length int) string {
	b := make([]byte, length)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// compareTokens compares two tokens in constant time to avoid leaking
// information via timing.
func compareTokens(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
