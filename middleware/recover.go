package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/smoke-http/smoke/apierr"
	"github.com/smoke-http/smoke/mwctx"
	"github.com/smoke-http/smoke/pipeline"
	"github.com/smoke-http/smoke/writer"
)

// Recover returns outer-tier middleware that recovers from a panic
// anywhere downstream, logs it with a stack trace, and completes the
// writer with an InternalError response, returning that classified error
// to its caller. operation.Register already
// installs an equivalent guard around each operation's full pipeline, so
// this is primarily useful further out — ahead of other outer middleware
// that itself might panic, or on routes assembled without
// operation.Register.
func Recover() OuterMiddleware {
	return func(next OuterHandler) OuterHandler {
		return func(ctx context.Context, raw *pipeline.RawRequest, w *writer.Writer, mc *mwctx.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					mc.Logger().Error("recovered panic", "panic", r, "stack", string(debug.Stack()))
					classified := apierr.Internal(fmt.Errorf("panic: %v", r))
					if wErr := classified.Write(w); wErr != nil {
						mc.Logger().Error("failed to write panic response", "error", wErr)
					}
					err = classified
				}
			}()
			return next(ctx, raw, w, mc)
		}
	}
}
