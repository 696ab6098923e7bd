// Package operation assembles a single operation's full
// request pipeline (outer middleware, decode/validate transform, inner
// middleware, the operation function itself) and installing it into a
// router under its declared path template and method.
//
// The registration path and its error handling generalize a single flat
// error mapping to the framework's closed five-kind taxonomy plus a
// per-operation declared-error table matched by description string.
package operation

import (
	"context"
	"fmt"
	"net/http"

	"github.com/smoke-http/smoke/apierr"
	"github.com/smoke-http/smoke/iotypes"
	"github.com/smoke-http/smoke/mwctx"
	"github.com/smoke-http/smoke/pipeline"
	"github.com/smoke-http/smoke/router"
	"github.com/smoke-http/smoke/writer"
)

// Operation is the business logic an endpoint runs once its input has been
// decoded and validated: given the typed input and the middleware context,
// produce a typed output or an error.
type Operation[In, Out any] func(ctx context.Context, in In, mc *mwctx.Context) (Out, error)

// AllowedError is one entry of an operation's declared-error table: an
// error whose Description() matches Description is classified under the
// given kind name and HTTP status rather than falling through to
// InternalError.
type AllowedError struct {
	Description string
	Status      int
}

// OuterMiddleware is the raw-request tier every operation's outer stack
// operates on (logging, request-id, recover, CORS, tracing, ...).
type OuterMiddleware = pipeline.Middleware[*pipeline.RawRequest, *writer.Writer, *mwctx.Context]

// Options configures a Register call beyond its required arguments.
type Options struct {
	// SuccessStatus is the status written on a successful operation call.
	// Defaults to 200.
	SuccessStatus int
}

func matchAllowed(allowed []AllowedError, de apierr.DomainError) (*apierr.Error, bool) {
	for _, a := range allowed {
		if a.Description == de.Description() {
			return apierr.Declared(a.Description, a.Status, de), true
		}
	}
	return nil, false
}

// Register builds an operation's pipeline — outer ∘ transform ∘ inner ∘ op —
// and installs it into r under id/method. transform is typically built with
// pipeline.WithInputWithOutput, pipeline.WithInputNoOutput, or
// pipeline.NoInputWithOutput.
//
// Error handling is ordered: op's own error is
// matched against allowed first (by Description() identity, first match
// wins on duplicates); anything unmatched becomes InternalError. A decode
// or validation failure surfacing from transform, or a route miss surfacing
// from the router itself, is classified by apierr.Classify. A panic
// anywhere in the composed chain is recovered and reported as
// InternalError, so the writer is completed exactly once either way.
func Register[In, Out any](
	r *router.Router,
	id mwctx.OperationID,
	method string,
	op Operation[In, Out],
	allowed []AllowedError,
	outer []OuterMiddleware,
	inner []pipeline.Middleware[In, *pipeline.TypedWriter[Out], *mwctx.Context],
	transform pipeline.TransformingMiddleware[*pipeline.RawRequest, *writer.Writer, *mwctx.Context, In, *pipeline.TypedWriter[Out], *mwctx.Context],
	opts Options,
) error {
	successStatus := opts.SuccessStatus
	if successStatus == 0 {
		successStatus = 200
	}

	operationHandler := func(ctx context.Context, in In, tw *pipeline.TypedWriter[Out], mc *mwctx.Context) error {
		out, err := op(ctx, in, mc)
		if err != nil {
			if de, ok := err.(apierr.DomainError); ok {
				if ae, found := matchAllowed(allowed, de); found {
					return ae
				}
			}
			return apierr.Internal(err)
		}
		if v, ok := any(out).(iotypes.Validatable); ok {
			if verr := v.Validate(); verr != nil {
				return apierr.Internal(verr)
			}
		}
		if werr := tw.WriteOutput(successStatus, out); werr != nil {
			return apierr.Internal(werr)
		}
		return nil
	}

	composed := pipeline.Compose(outer, transform, inner, operationHandler)

	return r.AddHandler(id, method, func(ctx context.Context, req *http.Request, w *writer.Writer, mc *mwctx.Context) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				classified := apierr.Internal(fmt.Errorf("operation panic: %v", rec))
				if wErr := classified.Write(w); wErr != nil {
					mc.Logger().Error("failed to write panic response", "error", wErr)
				}
				err = classified
			}
		}()

		raw := &pipeline.RawRequest{HTTP: req, Shape: mc.Shape()}
		cerr := composed(ctx, raw, w, mc)
		if cerr == nil {
			return nil
		}
		// Neither operationHandler nor the decode/transform stage writes to
		// w on failure — they only classify. This is the single place an
		// error response is ever written, so the writer completes exactly
		// once regardless of which stage failed.
		classified := apierr.Classify(cerr)
		if wErr := classified.Write(w); wErr != nil {
			mc.Logger().Error("failed to write error response", "error", wErr)
		}
		return classified
	})
}
