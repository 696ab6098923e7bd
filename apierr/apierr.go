// Package apierr defines the framework's closed error taxonomy: the five
// serialisable kinds every response-producing failure maps to, their JSON
// wire payload, and the status code each kind carries. Classification is
// ordered, so an error already claimed by one kind never falls through to
// a later one.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/smoke-http/smoke/pipeline"
	"github.com/smoke-http/smoke/router"
	"github.com/smoke-http/smoke/writer"
)

// Kind is one of the framework's closed set of response error kinds.
type Kind string

const (
	InvalidOperation Kind = "InvalidOperation"
	DecodingError    Kind = "DecodingError"
	ValidationError  Kind = "ValidationError"
	InternalError    Kind = "InternalError"
)

// Error is a classified, HTTP-facing failure: a kind, the status it maps
// to, and an optional message. InternalError always suppresses its
// message on the wire; the reason may still be logged server-side via
// Cause.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (%d)", e.Kind, e.Status)
	}
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
}

// Unwrap exposes the original cause for errors.Is/As and for logging; it
// is never part of the serialised payload.
func (e *Error) Unwrap() error { return e.cause }

// Cause returns the original error this Error was built from, or nil for
// one constructed directly (e.g. InvalidOperation from a route miss).
func (e *Error) Cause() error { return e.cause }

func newError(kind Kind, status int, message string, cause error) *Error {
	return &Error{Kind: kind, Status: status, Message: message, cause: cause}
}

// InvalidOp classifies a router miss.
func InvalidOp(cause error) *Error {
	return newError(InvalidOperation, http.StatusBadRequest, cause.Error(), cause)
}

// Decoding classifies a field-codec failure (malformed JSON, wrong type,
// unexpected/missing fields not otherwise claimed as validation).
func Decoding(cause error) *Error {
	return newError(DecodingError, http.StatusBadRequest, cause.Error(), cause)
}

// Validation classifies a failed validate() call, an empty body against a
// non-nullable body type, or an oversized body.
func Validation(cause error) *Error {
	return newError(ValidationError, http.StatusBadRequest, cause.Error(), cause)
}

// Declared classifies an operation-thrown error matched against its
// allowedErrors table, under the declared kind name and HTTP status.
func Declared(kindName string, status int, cause error) *Error {
	return newError(Kind(kindName), status, cause.Error(), cause)
}

// Internal classifies anything else: unmatched operation errors,
// output-encoding failures, output validation failures, writer failures.
// Its message is always suppressed on the wire.
func Internal(cause error) *Error {
	return newError(InternalError, http.StatusInternalServerError, "", cause)
}

// AsError reports whether err is already a classified *Error (so a caller
// further up the chain doesn't reclassify it).
func AsError(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}

// DomainError is implemented by operation-thrown errors that want to be
// matched against an allowedErrors table instead of falling through to
// InternalError. Description must be stable across calls for the same
// logical failure — it's the matching key, not a message.
type DomainError interface {
	error
	Description() string
}

// Classify applies the ordered classification to any error surfacing from
// outside the operation call itself (route selection, decode/validate,
// a panic). Declared-error matching happens earlier, in operation.Register,
// since it needs the per-operation allowedErrors table this function
// doesn't have.
func Classify(err error) *Error {
	if e, ok := AsError(err); ok {
		return e
	}
	var invalidOp *router.ErrInvalidOperation
	if errors.As(err, &invalidOp) {
		return InvalidOp(invalidOp)
	}
	var de *pipeline.DecodeError
	if errors.As(err, &de) {
		if de.Validation {
			return Validation(de.Err)
		}
		return Decoding(de.Err)
	}
	return Internal(err)
}

// payload is the wire shape: {"__type": "<Kind>", "message": "<reason|null>"}.
type payload struct {
	Type    string  `json:"__type"`
	Message *string `json:"message"`
}

// Write serialises e as the default JSON error body and completes w.
func (e *Error) Write(w *writer.Writer) error {
	p := payload{Type: string(e.Kind)}
	if e.Message != "" {
		p.Message = &e.Message
	}
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := w.SetStatus(e.Status); err != nil {
		return err
	}
	if err := w.SetContentType("application/json"); err != nil {
		return err
	}
	return w.CommitAndCompleteWith(body)
}
