// Package pipeline implements the generic middleware composition machinery:
// a homogeneous Middleware stack operating on one (Input, Writer, Context)
// triple, and a distinguished TransformingMiddleware stage that changes the
// triple's types partway through the chain (raw request -> typed operation
// input, raw writer -> typed response writer). Composition is static: Go's
// type parameters enforce that the output types of one stage match the
// input types of the next at compile time, generalizing a familiar handler
// composition from one homogeneous []Middleware stack to two stacks plus
// one transform.
package pipeline

import "context"

// Handler is the terminal shape every Middleware wraps: given a context, an
// input, a writer, and a middleware context, it drives the request to
// completion (or returns an error for an outer layer to translate).
type Handler[In, W, Ctx any] func(ctx context.Context, in In, w W, mc Ctx) error

// Middleware wraps a Handler with behavior that runs before and/or after
// the wrapped handler. A middleware that wants to short-circuit completes
// the writer itself and returns nil without calling next.
type Middleware[In, W, Ctx any] func(next Handler[In, W, Ctx]) Handler[In, W, Ctx]

// Identity returns a middleware that does nothing, useful as a zero value
// when building a stack conditionally.
func Identity[In, W, Ctx any]() Middleware[In, W, Ctx] {
	return func(next Handler[In, W, Ctx]) Handler[In, W, Ctx] { return next }
}

// Chain composes a homogeneous stack of middleware around a final handler.
// mws[0] is outermost: it runs first and decides last. An empty stack
// returns final unchanged.
func Chain[In, W, Ctx any](mws []Middleware[In, W, Ctx], final Handler[In, W, Ctx]) Handler[In, W, Ctx] {
	h := final
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// TransformingMiddleware spans a type-changing step in the pipeline: it
// receives a handler for the downstream (In2, W2, Ctx2) triple and returns
// a handler for the upstream (In1, W1, Ctx1) triple. The framework's one
// built-in instance is the decode/bind transform (see transform.go); user
// code normally never writes its own.
type TransformingMiddleware[In1, W1, Ctx1, In2, W2, Ctx2 any] func(next Handler[In2, W2, Ctx2]) Handler[In1, W1, Ctx1]

// Compose assembles the full request pipeline: outer middleware (operating
// on the raw triple), the transform stage, inner middleware (operating on
// the typed triple), and
// finally the operation handler itself (already wrapping response-encode
// and declared-error matching — see operation.Register).
//
//	outer₁ ∘ … ∘ outerₙ ∘ transform ∘ inner₁ ∘ … ∘ innerₘ ∘ operation
func Compose[In1, W1, Ctx1, In2, W2, Ctx2 any](
	outer []Middleware[In1, W1, Ctx1],
	transform TransformingMiddleware[In1, W1, Ctx1, In2, W2, Ctx2],
	inner []Middleware[In2, W2, Ctx2],
	operation Handler[In2, W2, Ctx2],
) Handler[In1, W1, Ctx1] {
	innerChain := Chain(inner, operation)
	transformed := transform(innerChain)
	return Chain(outer, transformed)
}
