// Package serverstate implements the per-request state machine that
// sits between net/http and the router. It mints the internal request id,
// serves the hard-coded /ping liveness shortcut, splits the request URI at
// '?' before handing the path to the router, dispatches the matched
// handler according to the configured invocation strategy, and reports
// each request's outcome to the observability package.
//
// Request-scoped context construction and the recover boundary follow the
// framework's usual per-request lifecycle, generalized to the framework's
// explicit accept -> route -> dispatch -> report pipeline.
package serverstate

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/smoke-http/smoke/apierr"
	"github.com/smoke-http/smoke/mwctx"
	"github.com/smoke-http/smoke/observability"
	"github.com/smoke-http/smoke/router"
	"github.com/smoke-http/smoke/security"
	"github.com/smoke-http/smoke/writer"
)

// InvocationStrategy selects how a matched handler is run relative to the
// accepting goroutine.
type InvocationStrategy int

const (
	// OriginalEventLoop runs the handler synchronously on the goroutine
	// net/http allocated for the request — the default.
	OriginalEventLoop InvocationStrategy = iota
	// CooperativeTaskGroup runs the handler on a freshly spawned goroutine
	// and waits for it to finish before ServeHTTP returns.
	CooperativeTaskGroup
	// DispatchQueue runs the handler on a bounded worker pool, capping the
	// number of requests executing concurrently regardless of how many
	// connections net/http has accepted.
	DispatchQueue
)

// PingPath is the hard-coded liveness path every Handler answers without
// reaching the router.
const PingPath = "/ping"

// Config configures a Handler.
type Config struct {
	Logger       *slog.Logger
	Sink         observability.MetricsSink
	Reporting    observability.ReportingConfig
	Strategy     InvocationStrategy
	QueueWorkers int // DispatchQueue pool size; defaults to 32 when Strategy is DispatchQueue and this is <= 0.
}

// Handler adapts a Router into an http.Handler, implementing the framework's
// request lifecycle end to end: mint request id -> /ping shortcut -> route
// -> dispatch per Strategy -> classify and write any failure -> report.
type Handler struct {
	router    *router.Router
	logger    *slog.Logger
	sink      observability.MetricsSink
	reporting observability.ReportingConfig
	strategy  InvocationStrategy

	queue    chan func()
	queueWG  sync.WaitGroup
	startOne sync.Once
}

// New builds a Handler serving r. A zero Config runs everything
// synchronously (OriginalEventLoop) with a discard-nothing default logger
// and a no-op metrics sink.
func New(r *router.Router, cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = observability.NoopSink{}
	}
	h := &Handler{
		router:    r,
		logger:    logger,
		sink:      sink,
		reporting: cfg.Reporting,
		strategy:  cfg.Strategy,
	}
	if h.strategy == DispatchQueue {
		workers := cfg.QueueWorkers
		if workers <= 0 {
			workers = 32
		}
		h.queue = make(chan func())
		for i := 0; i < workers; i++ {
			h.queueWG.Add(1)
			go h.worker()
		}
	}
	return h
}

func (h *Handler) worker() {
	defer h.queueWG.Done()
	for fn := range h.queue {
		fn()
	}
}

// Close stops the DispatchQueue worker pool, if one was started. A no-op
// for the other strategies.
func (h *Handler) Close() {
	if h.queue != nil {
		close(h.queue)
		h.queueWG.Wait()
	}
}

// splitURI drops anything from the first '?' on before the path reaches
// the router. net/http already parses the query string out of
// req.URL, but a client that sends a malformed request line with the query
// string left attached to RequestURI can still reach here via req.RequestURI;
// this normalizes either source to a bare path. The result is then run
// through security.SanitizePath so a traversal or double-slash path never
// reaches the router's matching logic; an unsanitizable path comes back as
// "", which deliberately fails every route match and reports as
// unknownOperation rather than panicking deeper in the pipeline.
func splitURI(uri string) string {
	if idx := strings.IndexByte(uri, '?'); idx >= 0 {
		uri = uri[:idx]
	}
	if uri == "" {
		return "/"
	}
	return security.SanitizePath(uri)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	requestID := observability.NewRequestID()
	// "internalRequestId" is the logger metadata key the outbound
	// x-smoke-request-id header must always agree with.
	logger := h.logger.With("internalRequestId", requestID)

	path := splitURI(req.URL.Path)

	// Reserved for every method: GET, POST, and anything else sent to
	// /ping shortcuts straight past the router and all middleware.
	if path == PingPath {
		h.servePing(w, logger, start)
		return
	}

	ww := writer.Wrap(w, nil)
	// Echoed unconditionally, not just under tracing: every response
	// carries the internal request id, and the outbound
	// x-smoke-request-id always equals the id logged as internalRequestId.
	_ = ww.UpdateHeaders(func(h http.Header) {
		h.Set(observability.RequestIDHeader, requestID)
		if trace := req.Header.Get(observability.TraceIDHeader); trace != "" {
			h.Set(observability.TraceIDHeader, trace)
		}
	})
	head := mwctx.RequestHead{
		Method:  req.Method,
		URI:     req.URL.RequestURI(),
		Proto:   req.Proto,
		Headers: req.Header,
	}
	mc := mwctx.New(head, nil, nil, logger, requestID)
	ctx := observability.ContextWithLogger(req.Context(), logger)

	var category observability.Category
	run := func() {
		category = h.route(ctx, req, path, ww, mc)
	}

	switch h.strategy {
	case CooperativeTaskGroup:
		done := make(chan struct{})
		go func() {
			defer close(done)
			run()
		}()
		<-done
	case DispatchQueue:
		done := make(chan struct{})
		h.queue <- func() {
			defer close(done)
			run()
		}
		<-done
	default:
		run()
	}

	status := ww.StatusCode()
	if status == 0 {
		status = http.StatusOK
	}
	observability.Record(h.sink, h.reporting, category, status, time.Since(start))
}

// route runs the matched operation's already-installed handler (built by
// operation.Register) and, for the two failure modes the router itself can
// produce — no match, or any other error during selection — classifies and
// writes the response the handler never got a chance to. It returns the
// reporting category the request should be published under: the matched
// operation's own description on success or a declared-error response,
// unknownOperation for a clean route miss, errorDeterminingOperation for
// anything else.
func (h *Handler) route(ctx context.Context, req *http.Request, path string, ww *writer.Writer, mc *mwctx.Context) observability.Category {
	if path == "" {
		// splitURI rejected the path; no route is tried for it.
		classified := apierr.InvalidOp(&router.ErrInvalidOperation{URI: req.URL.Path, Method: req.Method})
		if wErr := classified.Write(ww); wErr != nil {
			mc.Logger().Error("failed to write error response", "error", wErr)
		}
		return observability.UnknownOperation
	}
	err := h.router.Handle(ctx, req, path, ww, mc)
	if opID := mc.OperationID(); opID != nil {
		// A route matched; whatever the handler itself did with it
		// (success, declared error, internal error) is reported under the
		// operation's own bucket, not the selection-failure buckets below.
		if err != nil {
			if _, already := apierr.AsError(err); !already {
				// operation.Register always returns a classified *apierr.Error;
				// anything else escaping it would be a programmer error in a
				// custom handler bypassing Register. Treat conservatively.
				classified := apierr.Internal(err)
				if wErr := classified.Write(ww); wErr != nil {
					mc.Logger().Error("failed to write error response", "error", wErr)
				}
			}
		}
		return observability.ForOperation(opID.Description())
	}
	if err == nil {
		return observability.UnknownOperation
	}

	var invalidOp *router.ErrInvalidOperation
	if errors.As(err, &invalidOp) {
		classified := apierr.InvalidOp(invalidOp)
		if wErr := classified.Write(ww); wErr != nil {
			mc.Logger().Error("failed to write error response", "error", wErr)
		}
		return observability.UnknownOperation
	}
	classified := apierr.Internal(err)
	if wErr := classified.Write(ww); wErr != nil {
		mc.Logger().Error("failed to write error response", "error", wErr)
	}
	return observability.ErrorDeterminingOperation
}

func (h *Handler) servePing(w http.ResponseWriter, logger *slog.Logger, start time.Time) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("Ping completed.")); err != nil {
		logger.Error("failed to write ping response", "error", err)
	}
	observability.Record(h.sink, h.reporting, observability.Ping, http.StatusOK, time.Since(start))
}

var _ http.Handler = (*Handler)(nil)
