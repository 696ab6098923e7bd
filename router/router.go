// Package router implements the two-tier (exact, tokenised) route table
// described by the framework: an exact map keyed by (lowercased path,
// method), checked first, falling back to an append-ordered list of
// tokenised templates matched via pathtmpl. httprouter backs existence/
// conflict checking for the exact tier, while pathtmpl owns the
// typed-shape tokenised tier httprouter itself can't produce.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/julienschmidt/httprouter"
	"github.com/smoke-http/smoke/mwctx"
	"github.com/smoke-http/smoke/pathtmpl"
	"github.com/smoke-http/smoke/writer"
)

// Handler is the shape the router invokes once it has selected a route:
// the raw request/writer/context triple entering the assembled pipeline.
type Handler func(ctx context.Context, req *http.Request, w *writer.Writer, mc *mwctx.Context) error

// ErrInvalidOperation reports that no route matched (uri, method).
type ErrInvalidOperation struct {
	URI    string
	Method string
}

func (e *ErrInvalidOperation) Error() string {
	return fmt.Sprintf("router: no operation registered for %s %s", e.Method, e.URI)
}

type exactEntry struct {
	opID    mwctx.OperationID
	handler Handler
}

type tokenisedEntry struct {
	template pathtmpl.Template
	method   string
	opID     mwctx.OperationID
	handler  Handler
}

// Router is the (id, method) -> Handler table. The framework treats it as
// immutable once serving begins: build it with AddHandler calls from a
// single goroutine before the server starts accepting connections.
type Router struct {
	mu        sync.RWMutex
	exact     *httprouter.Router
	exactReg  map[string]bool
	exactTbl  map[string]exactEntry
	tokenised []tokenisedEntry
	logger    *slog.Logger
}

// New builds an empty Router. logger receives *path-does-not-match-template*
// events at Error level as tokenised entries are tried and skipped during
// Handle.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		exact:    httprouter.New(),
		exactReg: map[string]bool{},
		exactTbl: map[string]exactEntry{},
		logger:   logger,
	}
}

// AddHandler tokenises opID's template. An exact template (a single
// literal segment) is inserted into the exact map, replacing any prior
// entry for the same (method, lowercased path). A non-exact template is
// appended to the tokenised list in registration order.
func (r *Router) AddHandler(opID mwctx.OperationID, method string, handler Handler) error {
	tmpl, err := pathtmpl.Tokenize(opID.Template())
	if err != nil {
		return err
	}
	method = strings.ToUpper(method)

	r.mu.Lock()
	defer r.mu.Unlock()

	if tmpl.IsExact() {
		// ExactLiteral is the bare segment text; the lookup key carries the
		// leading slash so it agrees with the request path form Handle sees.
		path := "/" + strings.ToLower(tmpl.ExactLiteral())
		key := exactKey(method, path)
		r.exactTbl[key] = exactEntry{opID: opID, handler: handler}
		if !r.exactReg[key] {
			r.exactReg[key] = true
			// The registered func is never invoked: httprouter.Handle only
			// exists here so conflicting method/path registrations panic at
			// startup the same way they would in a plain httprouter app;
			// the real payload lives in exactTbl, looked up by key below.
			r.exact.Handle(method, path, func(http.ResponseWriter, *http.Request, httprouter.Params) {})
		}
		return nil
	}

	r.tokenised = append(r.tokenised, tokenisedEntry{template: tmpl, method: method, opID: opID, handler: handler})
	return nil
}

// Handle implements the two-tier lookup: exact map first (with
// shape = nil), then tokenised entries in insertion order, first match
// wins. It invokes the handler with the matched opID and shape installed
// into mc, or returns *ErrInvalidOperation.
func (r *Router) Handle(ctx context.Context, req *http.Request, path string, w *writer.Writer, mc *mwctx.Context) error {
	method := strings.ToUpper(req.Method)
	lower := "/" + strings.TrimPrefix(strings.ToLower(path), "/")

	r.mu.RLock()
	if handle, _, _ := r.exact.Lookup(method, lower); handle != nil {
		entry := r.exactTbl[exactKey(method, lower)]
		r.mu.RUnlock()
		mc.SetShape(pathtmpl.Shape{})
		mc.SetOperationID(entry.opID)
		return entry.handler(ctx, req, w, mc)
	}
	tokenised := r.tokenised
	r.mu.RUnlock()

	for _, e := range tokenised {
		if e.method != method {
			continue
		}
		// Match against the original-case path: MatchFold folds literal
		// token comparison only, so captured variable values come back
		// exactly as the caller sent them.
		shape, ok := pathtmpl.MatchFold(path, e.template)
		if !ok {
			r.logger.Error("path does not match template", "template", e.template.Raw, "path", path)
			continue
		}
		mc.SetShape(shape)
		mc.SetOperationID(e.opID)
		return e.handler(ctx, req, w, mc)
	}

	return &ErrInvalidOperation{URI: path, Method: req.Method}
}

func exactKey(method, path string) string {
	return method + "\x00" + path
}
