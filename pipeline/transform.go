package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"sync"

	"github.com/smoke-http/smoke/iotypes"
	"github.com/smoke-http/smoke/mwctx"
	"github.com/smoke-http/smoke/writer"
)

// RawRequest is the In1 type at the top of every pipeline: the raw,
// not-yet-decoded request, plus the path shape the router already matched.
type RawRequest struct {
	HTTP  *http.Request
	Shape map[string]string
}

// bodyCache reads the request body at most once, capping it at limit bytes
// (0 means unlimited). A body that overruns the cap reports ErrBodyTooLarge
// so the transform can translate it into a ValidationError.
type bodyCache struct {
	once  sync.Once
	bytes []byte
	err   error
	limit int64
}

// bodyTooLargeError is a comparable sentinel (see iotypes' emptyBodyError
// for why FieldErrors can't serve this role) so the transform can
// recognize the oversized-body case and classify it as a ValidationError
// rather than the generic DecodingError an arbitrary body read failure
// gets.
type bodyTooLargeError struct{}

func (bodyTooLargeError) Error() string { return "request body exceeds the configured size limit" }

// ErrBodyTooLarge is returned by the body thunk when the request body
// exceeds the configured cap.
var ErrBodyTooLarge error = bodyTooLargeError{}

// DecodeError wraps a failure from the decode/validate stage so
// apierr.Classify can tell a validation failure (empty body, oversized
// body, a failed Validate() call, a FieldErrors result) from any other
// codec failure without inspecting string messages.
type DecodeError struct {
	Err        error
	Validation bool
}

func (e *DecodeError) Error() string { return e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

func isValidationFailure(err error) bool {
	if err == ErrBodyTooLarge || err == iotypes.ErrEmptyBody {
		return true
	}
	if _, ok := iotypes.AsFieldErrors(err); ok {
		return true
	}
	return false
}

func (b *bodyCache) read(r io.Reader) ([]byte, error) {
	b.once.Do(func() {
		if b.limit <= 0 {
			b.bytes, b.err = io.ReadAll(r)
			return
		}
		limited := io.LimitReader(r, b.limit+1)
		data, err := io.ReadAll(limited)
		if err != nil {
			b.err = err
			return
		}
		if int64(len(data)) > b.limit {
			b.err = ErrBodyTooLarge
			return
		}
		b.bytes = data
	})
	return b.bytes, b.err
}

// NewDecoders builds the four independently-failable surface thunks a
// Composer draws from, for a single raw HTTP request and its
// already-matched path shape. maxBodyBytes <= 0 means no cap.
func NewDecoders(req *http.Request, shape map[string]string, maxBodyBytes int64) iotypes.Decoders {
	bc := &bodyCache{limit: maxBodyBytes}
	return iotypes.Decoders{
		Query: func() (url.Values, error) {
			return url.ParseQuery(req.URL.RawQuery)
		},
		Path: func() (map[string]string, error) {
			return shape, nil
		},
		Headers: func() (http.Header, error) {
			return req.Header, nil
		},
		Body: func() ([]byte, error) {
			return bc.read(req.Body)
		},
	}
}

// TypedWriter is the W2 type the transform binds: a raw *writer.Writer plus
// knowledge of the operation's Out type, so the response-transform step
// (run by operation.Register, after the operation itself) can encode a
// value of that type without the generic pipeline machinery needing to
// know about it.
type TypedWriter[Out any] struct {
	Raw *writer.Writer
}

// WriteOutput runs the default output codec (JSON body, application/json
// content type) unless Out implements iotypes.BodyProvider, in which case
// that take precedence; iotypes.ExtraHeaderProvider is applied either way.
// A nil pointer or struct{} output (the no-output-declared case) completes
// the response with an empty body under the given status.
func (w *TypedWriter[Out]) WriteOutput(status int, out Out) error {
	if err := w.Raw.SetStatus(status); err != nil {
		return err
	}
	if eh, ok := any(out).(iotypes.ExtraHeaderProvider); ok {
		h, err := eh.ExtraHeaders()
		if err != nil {
			return err
		}
		if len(h) > 0 {
			if err := w.Raw.UpdateHeaders(func(dst http.Header) {
				for k, v := range h {
					dst[k] = v
				}
			}); err != nil {
				return err
			}
		}
	}

	if bp, ok := any(out).(iotypes.BodyProvider); ok {
		ct, data, err := bp.Body()
		if err != nil {
			return err
		}
		if ct != "" {
			if err := w.Raw.SetContentType(ct); err != nil {
				return err
			}
		}
		return w.Raw.CommitAndCompleteWith(data)
	}

	var buf bytes.Buffer
	if !isNilOutput(out) {
		if err := json.NewEncoder(&buf).Encode(out); err != nil {
			return err
		}
	}
	if buf.Len() == 0 {
		return w.Raw.Complete()
	}
	if err := w.Raw.SetContentType("application/json"); err != nil {
		return err
	}
	return w.Raw.CommitAndCompleteWith(bytes.TrimRight(buf.Bytes(), "\n"))
}

func isNilOutput(v any) bool {
	if v == nil {
		return true
	}
	if _, ok := v.(struct{}); ok {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

// WithInputWithOutput builds the distinguished transform middleware for
// operations that decode a typed input and encode a typed output: the
// common case. compose builds In2 from the four decode thunks; the
// resulting Handler sees a *TypedWriter[Out] it can call WriteOutput on.
func WithInputWithOutput[In any, Out any](
	compose iotypes.Composer[In],
	maxBodyBytes int64,
) TransformingMiddleware[*RawRequest, *writer.Writer, *mwctx.Context, In, *TypedWriter[Out], *mwctx.Context] {
	return func(next Handler[In, *TypedWriter[Out], *mwctx.Context]) Handler[*RawRequest, *writer.Writer, *mwctx.Context] {
		return func(ctx context.Context, raw *RawRequest, w *writer.Writer, mc *mwctx.Context) error {
			decoders := NewDecoders(raw.HTTP, raw.Shape, maxBodyBytes)
			in, err := compose(decoders)
			if err != nil {
				return &DecodeError{Err: err, Validation: isValidationFailure(err)}
			}
			if v, ok := any(in).(iotypes.Validatable); ok {
				if err := v.Validate(); err != nil {
					return &DecodeError{Err: err, Validation: true}
				}
			}
			tw := &TypedWriter[Out]{Raw: w}
			return next(ctx, in, tw, mc)
		}
	}
}

// WithInputNoOutput is WithInputWithOutput specialized to operations with
// no response body, e.g. 204 endpoints; Out is fixed to struct{}.
func WithInputNoOutput[In any](
	compose iotypes.Composer[In],
	maxBodyBytes int64,
) TransformingMiddleware[*RawRequest, *writer.Writer, *mwctx.Context, In, *TypedWriter[struct{}], *mwctx.Context] {
	return WithInputWithOutput[In, struct{}](compose, maxBodyBytes)
}

// NoInputWithOutput is WithInputWithOutput specialized to operations that
// ignore the request entirely, e.g. health/status endpoints; In is fixed
// to struct{}.
func NoInputWithOutput[Out any](maxBodyBytes int64) TransformingMiddleware[*RawRequest, *writer.Writer, *mwctx.Context, struct{}, *TypedWriter[Out], *mwctx.Context] {
	return WithInputWithOutput[struct{}, Out](func(iotypes.Decoders) (struct{}, error) {
		return struct{}{}, nil
	}, maxBodyBytes)
}

// Passthrough is the fully untyped transform variant: it performs no
// decode/encode binding at all, simply forwarding the raw writer wrapped
// as a TypedWriter[struct{}] so an operation can drop to raw bytes when it
// needs to (e.g. streaming or non-JSON payloads it encodes by hand via the
// underlying writer.Writer).
func Passthrough(maxBodyBytes int64) TransformingMiddleware[*RawRequest, *writer.Writer, *mwctx.Context, *RawRequest, *TypedWriter[struct{}], *mwctx.Context] {
	return func(next Handler[*RawRequest, *TypedWriter[struct{}], *mwctx.Context]) Handler[*RawRequest, *writer.Writer, *mwctx.Context] {
		return func(ctx context.Context, raw *RawRequest, w *writer.Writer, mc *mwctx.Context) error {
			return next(ctx, raw, &TypedWriter[struct{}]{Raw: w}, mc)
		}
	}
}
