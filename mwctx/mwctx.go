// Package mwctx defines the per-request middleware context: the record
// the framework threads through the outer/transform/inner pipeline,
// exposing mutable logger, request-id, path-shape and operation-identity
// slots plus a read-only request head via small capability interfaces so
// middleware can depend on only the slice of context it actually needs.
package mwctx

import (
	"log/slog"
	"net/http"

	"github.com/smoke-http/smoke/pathtmpl"
)

// OperationID is an opaque, externally-comparable operation identity. It
// also yields a canonical path template and a stable description used in
// logs and metrics.
type OperationID interface {
	// Template returns the canonical registration path, e.g. "/items/{id}".
	Template() string
	// Description returns a stable string for logs/metrics, independent of
	// the path template (so renaming a route doesn't silently change which
	// metrics bucket it reports under).
	Description() string
}

// simpleOperationID is the common OperationID implementation: a path plus
// a description, compared by value.
type simpleOperationID struct {
	template    string
	description string
}

// NewOperationID constructs the common OperationID: a path template and a
// stable description string.
func NewOperationID(template, description string) OperationID {
	return simpleOperationID{template: template, description: description}
}

func (o simpleOperationID) Template() string    { return o.template }
func (o simpleOperationID) Description() string { return o.description }

// RequestHead is an immutable snapshot of the inbound request line and
// headers, carried into the context so inner middleware (e.g. tracing,
// correlation-id propagation) can inspect it without retaining the live
// *http.Request.
type RequestHead struct {
	Method  string
	URI     string
	Proto   string
	Headers http.Header
}

// HasLogger is implemented by contexts exposing a mutable request logger.
type HasLogger interface {
	Logger() *slog.Logger
	SetLogger(*slog.Logger)
}

// HasRequestID is implemented by contexts exposing a mutable internal
// request id.
type HasRequestID interface {
	RequestID() string
	SetRequestID(string)
}

// HasShape is implemented by contexts exposing the path-template variable
// shape matched for this request.
type HasShape interface {
	Shape() pathtmpl.Shape
	SetShape(pathtmpl.Shape)
}

// HasOperationID is implemented by contexts exposing the matched
// operation's identity.
type HasOperationID interface {
	OperationID() OperationID
	SetOperationID(OperationID)
}

// HasHead is implemented by contexts exposing the request head snapshot.
type HasHead interface {
	Head() RequestHead
}

// Context is the concrete middleware context record threaded through a
// request's pipeline. It satisfies HasLogger, HasRequestID, HasShape,
// HasOperationID, and HasHead.
type Context struct {
	logger      *slog.Logger
	requestID   string
	shape       pathtmpl.Shape
	operationID OperationID
	head        RequestHead
}

// New builds a Context for an accepted request, before any middleware runs.
// A nil logger falls back to slog.Default() so Logger() is always callable.
func New(head RequestHead, opID OperationID, shape pathtmpl.Shape, logger *slog.Logger, requestID string) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{logger: logger, requestID: requestID, shape: shape, operationID: opID, head: head}
}

func (c *Context) Logger() *slog.Logger             { return c.logger }
func (c *Context) SetLogger(l *slog.Logger)         { c.logger = l }
func (c *Context) RequestID() string                { return c.requestID }
func (c *Context) SetRequestID(id string)           { c.requestID = id }
func (c *Context) Shape() pathtmpl.Shape            { return c.shape }
func (c *Context) SetShape(s pathtmpl.Shape)        { c.shape = s }
func (c *Context) OperationID() OperationID         { return c.operationID }
func (c *Context) SetOperationID(id OperationID)    { c.operationID = id }
func (c *Context) Head() RequestHead                { return c.head }

var (
	_ HasLogger      = (*Context)(nil)
	_ HasRequestID   = (*Context)(nil)
	_ HasShape       = (*Context)(nil)
	_ HasOperationID = (*Context)(nil)
	_ HasHead        = (*Context)(nil)
)
