package middleware

import (
	"context"
	"net/http"

	"github.com/smoke-http/smoke/mwctx"
	"github.com/smoke-http/smoke/observability"
	"github.com/smoke-http/smoke/pipeline"
	"github.com/smoke-http/smoke/writer"
)

// RequestIDConfig configures the RequestID middleware. Header sets the
// response header name (default: X-Request-ID).
type RequestIDConfig struct {
	Header string
}

// RequestID returns outer-tier middleware that echoes the internal request
// id serverstate already minted (mc.RequestID()) as a response header,
// honoring an inbound value for the same header as an override so a caller
// behind a correlating proxy keeps its own id end to end. The id itself is
// always already present in mc by the time this middleware runs, since
// serverstate.Handler mints one for every request, not just those that opt
// into this middleware.
func RequestID(cfgs ...RequestIDConfig) OuterMiddleware {
	cfg := RequestIDConfig{Header: "X-Request-ID"}
	if len(cfgs) > 0 && cfgs[0].Header != "" {
		cfg.Header = cfgs[0].Header
	}
	return func(next OuterHandler) OuterHandler {
		return func(ctx context.Context, raw *pipeline.RawRequest, w *writer.Writer, mc *mwctx.Context) error {
			id := raw.HTTP.Header.Get(cfg.Header)
			if id == "" {
				id = mc.RequestID()
			} else {
				mc.SetRequestID(id)
			}
			ctx = observability.ContextWithLogger(ctx, mc.Logger())
			if err := w.UpdateHeaders(func(h http.Header) { h.Set(cfg.Header, id) }); err != nil {
				return err
			}
			return next(ctx, raw, w, mc)
		}
	}
}
