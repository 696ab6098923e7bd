// Package middleware collects outer-tier middleware: behavior that runs
// on the raw, not-yet-decoded request, ahead of an operation's own
// decode/validate/encode pipeline. Gzip, Buffer and Timeout are instead
// Transports that wrap the net/http handler (see Transport). Each file adapts a familiar middleware
// of the same name to the framework's (RawRequest, Writer, Context)
// triple; see each file's doc comment for its specific grounding.
package middleware

import (
	"net/http"

	"github.com/smoke-http/smoke/mwctx"
	"github.com/smoke-http/smoke/pipeline"
	"github.com/smoke-http/smoke/writer"
)

// OuterMiddleware is the raw-request tier every middleware in this package
// operates on.
type OuterMiddleware = pipeline.Middleware[*pipeline.RawRequest, *writer.Writer, *mwctx.Context]

// OuterHandler is the Handler shape OuterMiddleware wraps.
type OuterHandler = pipeline.Handler[*pipeline.RawRequest, *writer.Writer, *mwctx.Context]

// Transport wraps a net/http handler below the per-request writer.Writer
// construction — for middleware (gzip, request buffering, timeouts) that
// needs to observe or intercept the raw http.ResponseWriter directly, which
// the framework's staged Writer deliberately doesn't expose to outer-tier
// middleware once a request enters the pipeline.
type Transport func(http.Handler) http.Handler
