package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/smoke-http/smoke/mwctx"
	"github.com/smoke-http/smoke/pipeline"
	"github.com/smoke-http/smoke/writer"
)

// CORSConfig holds configuration for the CORS middleware.
//
// Origins, Methods, and Headers control allowed cross-origin requests.
// Expose lists headers exposed to the browser. Credentials enables cookies.
// MaxAge sets preflight cache duration (seconds).
//
// Security considerations:
//   - Use specific origins rather than "*" when possible
//   - Only expose headers that are necessary for your application
//   - Be cautious with Credentials=true as it allows cookies in cross-origin requests
//   - Set appropriate MaxAge to balance security and performance
type CORSConfig struct {
	// Origins specifies allowed origins for cross-origin requests.
	// If empty, no Access-Control-Allow-Origin header is set.
	// Use "*" to allow all origins (not recommended for production).
	Origins []string
	// Methods specifies allowed HTTP methods for cross-origin requests.
	// If empty, defaults to common methods: GET, POST, PUT, PATCH, DELETE, HEAD, OPTIONS.
	Methods []string
	// Headers specifies allowed request headers for cross-origin requests.
	Headers []string
	// Expose specifies response headers that browsers can access via JavaScript.
	Expose []string
	// Credentials enables sending cookies and authorization headers in cross-origin requests.
	// Cannot be used with Origins: ["*"].
	Credentials bool
	// MaxAge sets the duration (in seconds) that browsers can cache preflight responses.
	MaxAge int
}

// CORS returns outer-tier middleware that sets CORS headers and handles
// preflight requests according to cfg.
//
// Behavior:
//   - Sets Access-Control-Allow-Origin, -Credentials, -Expose-Headers on all responses
//   - For OPTIONS requests carrying Access-Control-Request-Method (preflight):
//     validates the requested method and headers, sets -Allow-Methods,
//     -Allow-Headers, -Max-Age, and completes with 204
//   - For other OPTIONS requests: completes with 200 and an empty body
//   - For non-OPTIONS requests: passes through to the next handler
func CORS(cfg CORSConfig) OuterMiddleware {
	allowedMethods := uniqOrDefault(cfg.Methods, []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"})
	allowedMethodsStr := strings.Join(allowedMethods, ", ")
	allowedHeaders := cfg.Headers
	allowedHeadersStr := strings.Join(allowedHeaders, ", ")
	exposeHeaders := strings.Join(cfg.Expose, ", ")

	hasWildcard := false
	for _, origin := range cfg.Origins {
		if origin == "*" {
			hasWildcard = true
			break
		}
	}

	if hasWildcard && cfg.Credentials {
		panic("CORS: cannot use wildcard origin (*) with credentials=true for security reasons")
	}

	return func(next OuterHandler) OuterHandler {
		return func(ctx context.Context, raw *pipeline.RawRequest, w *writer.Writer, mc *mwctx.Context) error {
			req := raw.HTTP
			origin := req.Header.Get("Origin")

			var allowedOrigin string
			if len(cfg.Origins) > 0 {
				if hasWildcard {
					allowedOrigin = "*"
				} else if origin != "" && origin != "null" {
					for _, allowed := range cfg.Origins {
						if origin == allowed {
							allowedOrigin = origin
							break
						}
					}
				}
			}

			if err := w.UpdateHeaders(func(h http.Header) {
				if allowedOrigin != "" {
					h.Set("Access-Control-Allow-Origin", allowedOrigin)
				}
				if cfg.Credentials && allowedOrigin != "*" {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
				if exposeHeaders != "" {
					h.Set("Access-Control-Expose-Headers", exposeHeaders)
				}
				h.Set("X-Content-Type-Options", "nosniff")
				h.Set("X-Frame-Options", "DENY")
			}); err != nil {
				return err
			}

			if req.Method != http.MethodOptions {
				return next(ctx, raw, w, mc)
			}

			requestMethod := req.Header.Get("Access-Control-Request-Method")
			if requestMethod == "" {
				if err := w.SetStatus(http.StatusOK); err != nil {
					return err
				}
				return w.CommitAndCompleteWith(nil)
			}

			methodAllowed := false
			for _, method := range allowedMethods {
				if requestMethod == method {
					methodAllowed = true
					break
				}
			}
			if !methodAllowed {
				if err := w.SetStatus(http.StatusForbidden); err != nil {
					return err
				}
				return w.CommitAndCompleteWith([]byte("Method not allowed"))
			}

			requestHeaders := req.Header.Get("Access-Control-Request-Headers")
			if requestHeaders != "" && len(allowedHeaders) > 0 {
				requestedHeaders := strings.Split(strings.ToLower(requestHeaders), ",")
				for _, reqHeader := range requestedHeaders {
					reqHeader = strings.TrimSpace(reqHeader)
					headerAllowed := false
					for _, allowedHeader := range allowedHeaders {
						if reqHeader == strings.ToLower(allowedHeader) {
							headerAllowed = true
							break
						}
					}
					if !headerAllowed {
						if err := w.SetStatus(http.StatusForbidden); err != nil {
							return err
						}
						return w.CommitAndCompleteWith([]byte("Header not allowed"))
					}
				}
			}

			if err := w.UpdateHeaders(func(h http.Header) {
				if allowedMethodsStr != "" {
					h.Set("Access-Control-Allow-Methods", allowedMethodsStr)
				}
				if allowedHeadersStr != "" {
					h.Set("Access-Control-Allow-Headers", allowedHeadersStr)
				}
				if cfg.MaxAge > 0 {
					h.Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
				}
			}); err != nil {
				return err
			}
			if err := w.SetStatus(http.StatusNoContent); err != nil {
				return err
			}
			return w.CommitAndCompleteWith(nil)
		}
	}
}

// uniqOrDefault returns the input slice with duplicates removed, or the
// default if input is empty.
func uniqOrDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	m := map[string]struct{}{}
	res := make([]string, 0, len(v))
	for _, s := range v {
		if _, ok := m[s]; !ok {
			m[s] = struct{}{}
			res = append(res, s)
		}
	}
	return res
}
