package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/smoke-http/smoke/mwctx"
	"github.com/smoke-http/smoke/pipeline"
	"github.com/smoke-http/smoke/writer"
)

// RequestSizeConfig configures the request size limiting middleware.
//
// This is distinct from the transform stage's body cap: that one enforces a
// byte ceiling while streaming the body into a decoder, catching requests
// that omit Content-Length or lie about it. RequestSize rejects oversized
// requests earlier, purely from the declared Content-Length header, before
// any routing or decoding work happens.
type RequestSizeConfig struct {
	// MaxSize is the maximum allowed request body size in bytes, checked
	// against Content-Length. If 0 or negative, no limit is enforced.
	MaxSize int64

	// ErrorResponse customizes the response when the limit is exceeded. If
	// nil, a default JSON 413 response is written.
	ErrorResponse func(w *writer.Writer, size, limit int64) error
}

// RequestSize returns outer-tier middleware that rejects requests whose
// Content-Length exceeds cfg.MaxSize with 413, before the body is read.
// Requests without a declared Content-Length (chunked transfer) pass
// through unchecked.
func RequestSize(cfg RequestSizeConfig) OuterMiddleware {
	if cfg.MaxSize <= 0 {
		return func(next OuterHandler) OuterHandler { return next }
	}

	return func(next OuterHandler) OuterHandler {
		return func(ctx context.Context, raw *pipeline.RawRequest, w *writer.Writer, mc *mwctx.Context) error {
			contentLength := raw.HTTP.ContentLength
			if contentLength > 0 && contentLength > cfg.MaxSize {
				if cfg.ErrorResponse != nil {
					return cfg.ErrorResponse(w, contentLength, cfg.MaxSize)
				}
				return defaultRequestSizeError(w, cfg.MaxSize)
			}
			return next(ctx, raw, w, mc)
		}
	}
}

func defaultRequestSizeError(w *writer.Writer, limit int64) error {
	body, err := json.Marshal(map[string]any{
		"error": "Request entity too large",
		"code":  "REQUEST_TOO_LARGE",
		"limit": limit,
	})
	if err != nil {
		return err
	}
	if err := w.UpdateHeaders(func(h http.Header) { h.Set("X-Content-Type-Options", "nosniff") }); err != nil {
		return err
	}
	if err := w.SetStatus(http.StatusRequestEntityTooLarge); err != nil {
		return err
	}
	if err := w.SetContentType("application/json"); err != nil {
		return err
	}
	return w.CommitAndCompleteWith(body)
}
