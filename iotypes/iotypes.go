// Package iotypes defines the typed operation input/output contracts: how
// an operation's input is composed from the four independently-decoded
// request surfaces (query, path, headers, body), how its output is split
// into body bytes and extra headers, and the optional validate() hook run
// before the operation (on input) and before the response writer commits
// (on output).
package iotypes

import (
	"net/http"
	"net/url"

	"github.com/go-playground/validator/v10"
)

// Input is the marker interface every operation input type satisfies.
// Implementing Validatable is optional; types that don't need post-decode
// validation simply omit it.
type Input interface{}

// Validatable is implemented by input or output types that need a
// validation pass beyond struct decoding. A non-nil error fails the
// request with ValidationError (for input) or InternalError (for output —
// a service producing a malformed value is the framework's fault, not the
// caller's).
type Validatable interface {
	Validate() error
}

// Output is the marker interface every operation output type satisfies.
// Body() and ExtraHeaders() are optional accessors; an output with neither
// is legal (e.g. a 204 No Content operation).
type Output interface{}

// BodyProvider is implemented by outputs that encode a response body.
type BodyProvider interface {
	Body() (contentType string, data []byte, err error)
}

// ExtraHeaderProvider is implemented by outputs that add response headers
// beyond the body's content-type.
type ExtraHeaderProvider interface {
	ExtraHeaders() (http.Header, error)
}

// Decoders bundles the four independently-failable surface thunks a
// Composer draws from. A Composer for an input type that only cares about
// one surface simply never calls the other three.
type Decoders struct {
	Query   func() (url.Values, error)
	Path    func() (map[string]string, error)
	Headers func() (http.Header, error)
	Body    func() ([]byte, error)
}

// Composer builds a typed input In from the four request surfaces. Any
// thunk's error propagates unchanged — it is the caller's (the transform
// middleware's) job to classify it as a DecodingError.
type Composer[In any] func(Decoders) (In, error)

// defaultValidator is shared across Validate calls; it has no
// request-scoped state so a single instance is safe for concurrent use.
var defaultValidator = validator.New()

// ValidateStruct runs go-playground/validator's struct-tag validation
// (`validate:"..."` tags) over v. Input/Output types that want tag-driven
// validation instead of hand-written Validate() logic can delegate to this
// from their own Validate method.
func ValidateStruct(v any) error {
	return defaultValidator.Struct(v)
}
