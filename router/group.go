package router

import (
	"strings"

	"github.com/smoke-http/smoke/mwctx"
	"github.com/smoke-http/smoke/pipeline"
	"github.com/smoke-http/smoke/writer"
)

// GroupMiddleware is the outer-tier middleware type a Group accumulates and
// hands back to operation.Register's outer parameter. It is the same
// instantiation operation.OuterMiddleware aliases, so values are freely
// interchangeable between the two packages without a conversion.
type GroupMiddleware = pipeline.Middleware[*pipeline.RawRequest, *writer.Writer, *mwctx.Context]

// Group is a path prefix plus a list of inherited outer middleware: it
// lets a family of operations share a path prefix and a common middleware
// stack without each operation.Register call re-declaring that stack.
// Because operation.Register is generic per (In, Out) pair, a Group cannot
// itself expose a single registration method; instead it exposes Path and
// Outer, the two pieces an operation.Register call needs, and callers
// build the id/outer arguments from them.
type Group struct {
	router     *Router
	prefix     string
	middleware []GroupMiddleware
}

// Group creates a route group rooted at prefix with no inherited
// middleware. Use Use or pass middleware to (*Group).Group to add some.
func (r *Router) Group(prefix string) *Group {
	return &Group{router: r, prefix: cleanPrefix(prefix)}
}

// Use appends mw to the group's inherited middleware, in call order.
func (g *Group) Use(mw ...GroupMiddleware) *Group {
	g.middleware = append(g.middleware, mw...)
	return g
}

// Group creates a nested group under g, inheriting g's prefix and
// middleware and appending mw after them, so parent middleware runs
// before a nested group's own.
func (g *Group) Group(prefix string, mw ...GroupMiddleware) *Group {
	child := &Group{
		router:     g.router,
		prefix:     joinPath(g.prefix, prefix),
		middleware: append(append([]GroupMiddleware{}, g.middleware...), mw...),
	}
	return child
}

// Path joins the group's prefix with a route-relative path template,
// ready to pass as an OperationID's template.
func (g *Group) Path(relative string) string {
	return joinPath(g.prefix, relative)
}

// Outer returns the group's inherited middleware followed by any
// route-specific middleware passed in, ready to pass as operation.Register's
// outer argument.
func (g *Group) Outer(routeSpecific ...GroupMiddleware) []GroupMiddleware {
	out := make([]GroupMiddleware, 0, len(g.middleware)+len(routeSpecific))
	out = append(out, g.middleware...)
	out = append(out, routeSpecific...)
	return out
}

// Router returns the underlying Router a group's operations are ultimately
// installed into.
func (g *Group) Router() *Router {
	return g.router
}

func cleanPrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

func joinPath(prefix, relative string) string {
	relative = strings.TrimPrefix(relative, "/")
	if prefix == "" {
		if relative == "" {
			return "/"
		}
		return "/" + relative
	}
	if relative == "" {
		return prefix
	}
	return prefix + "/" + relative
}
