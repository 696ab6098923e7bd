// Command exampleserver wires every layer of the framework together into a
// runnable service: a config loaded from flags, two registered operations
// exercising the decode/validate/declared-error path, the outer-tier
// middleware stack, and the gzip/buffer/timeout transport wrappers around
// serverstate.Handler, finished off with graceful shutdown through
// lifecycle.Server.
//
// Wiring order: build router -> register routes -> wrap handler -> listen
// -> wait for signal.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/smoke-http/smoke/config"
	"github.com/smoke-http/smoke/iotypes"
	"github.com/smoke-http/smoke/lifecycle"
	"github.com/smoke-http/smoke/middleware"
	"github.com/smoke-http/smoke/mwctx"
	"github.com/smoke-http/smoke/observability"
	"github.com/smoke-http/smoke/operation"
	"github.com/smoke-http/smoke/pipeline"
	"github.com/smoke-http/smoke/router"
	"github.com/smoke-http/smoke/serverstate"
)

// widgetInput is the body of POST /widgets.
type widgetInput struct {
	Name  string `json:"name"`
	Price int    `json:"price"`
}

func (w widgetInput) Validate() error {
	errs := map[string]string{}
	if w.Name == "" {
		errs["name"] = "required"
	}
	if w.Price <= 0 {
		errs["price"] = "must be positive"
	}
	if fe := iotypes.NewFieldErrors(errs); fe != nil {
		return fe
	}
	return nil
}

type widgetOutput struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price int    `json:"price"`
}

// widgetLookupInput is bound from the {id} path segment of GET /widgets/{id}.
type widgetLookupInput struct {
	ID string `json:"id"`
}

// widgetNotFoundError is the declared error a lookup raises for an unknown
// id. Description is the stable key operation.Register's allowed-error
// table matches against.
type widgetNotFoundError struct{ id string }

func (e *widgetNotFoundError) Error() string       { return fmt.Sprintf("widget %q not found", e.id) }
func (e *widgetNotFoundError) Description() string { return "WidgetNotFound" }

// widgetStore is an intentionally tiny in-memory backing store, just
// enough to give the two operations below something real to do.
type widgetStore struct {
	next  int
	items map[string]widgetOutput
}

func newWidgetStore() *widgetStore {
	return &widgetStore{items: make(map[string]widgetOutput)}
}

func (s *widgetStore) create(name string, price int) widgetOutput {
	s.next++
	w := widgetOutput{ID: fmt.Sprintf("w%d", s.next), Name: name, Price: price}
	s.items[w.ID] = w
	return w
}

func (s *widgetStore) get(id string) (widgetOutput, bool) {
	w, ok := s.items[id]
	return w, ok
}

func buildRouter(logger *slog.Logger, store *widgetStore, cfg config.Config) (*router.Router, error) {
	r := router.New(logger)
	maxBodyBytes := cfg.MaxBodyBytes

	outer := []operation.OuterMiddleware{
		middleware.Recover(),
		middleware.RequestID(),
		middleware.Logger(),
		middleware.RegisterHealthCheck(middleware.HealthCheckWithPath("/health")),
		middleware.CORS(middleware.CORSConfig{Origins: []string{"*"}}),
	}
	if cfg.EnableTracing {
		outer = append(outer, observability.OTel(cfg.ServiceName))
	}

	// The health middleware only runs inside a matched route's pipeline, so
	// /health needs a route of its own for the middleware to intercept. The
	// passthrough operation below is the fallback the middleware never lets
	// run for a GET; it answers 200 with no body if it somehow does.
	healthOp := func(ctx context.Context, in *pipeline.RawRequest, mc *mwctx.Context) (struct{}, error) {
		return struct{}{}, nil
	}
	if err := operation.Register(r, mwctx.NewOperationID("/health", "Health"), http.MethodGet,
		healthOp, nil, outer, nil, pipeline.Passthrough(maxBodyBytes), operation.Options{}); err != nil {
		return nil, err
	}

	// widgets is a route group: both operations below share the /widgets
	// prefix and the outer-tier stack above without re-declaring it, and
	// either operation could layer on route-specific middleware via
	// widgets.Outer(extra...) without touching the other's registration.
	widgets := r.Group("/widgets").Use(outer...)

	createOp := func(ctx context.Context, in widgetInput, mc *mwctx.Context) (widgetOutput, error) {
		return store.create(in.Name, in.Price), nil
	}
	createTransform := pipeline.WithInputWithOutput[widgetInput, widgetOutput](
		iotypes.ComposeJSON[widgetInput](), maxBodyBytes,
	)
	if err := operation.Register(r, mwctx.NewOperationID(widgets.Path("/"), "CreateWidget"), http.MethodPost,
		createOp, nil, widgets.Outer(), nil, createTransform, operation.Options{SuccessStatus: http.StatusCreated}); err != nil {
		return nil, err
	}

	lookupOp := func(ctx context.Context, in widgetLookupInput, mc *mwctx.Context) (widgetOutput, error) {
		w, ok := store.get(in.ID)
		if !ok {
			return widgetOutput{}, &widgetNotFoundError{id: in.ID}
		}
		return w, nil
	}
	lookupTransform := pipeline.WithInputWithOutput[widgetLookupInput, widgetOutput](
		iotypes.ComposeMerged[widgetLookupInput](iotypes.BindOptions{}), maxBodyBytes,
	)
	allowed := []operation.AllowedError{{Description: "WidgetNotFound", Status: http.StatusNotFound}}
	if err := operation.Register(r, mwctx.NewOperationID(widgets.Path("/{id}"), "GetWidget"), http.MethodGet,
		lookupOp, allowed, widgets.Outer(), nil, lookupTransform, operation.Options{}); err != nil {
		return nil, err
	}

	return r, nil
}

func run() error {
	cfg, err := config.FromFlags(os.Args[1:])
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	store := newWidgetStore()
	r, err := buildRouter(logger, store, cfg)
	if err != nil {
		return fmt.Errorf("exampleserver: building router: %w", err)
	}

	h := serverstate.New(r, serverstate.Config{
		Logger:       logger,
		Reporting:    cfg.Reporting,
		Strategy:     cfg.InvocationStrategy,
		QueueWorkers: cfg.QueueWorkers,
	})
	defer h.Close()

	// Transport-tier middleware wraps the raw net/http.Handler from the
	// outside, below serverstate.Handler's own writer.Writer staging.
	var transport http.Handler = h
	transport = middleware.Timeout(middleware.TimeoutConfig{Duration: 30 * time.Second})(transport)
	transport = middleware.Buffer(middleware.BufferConfig{MaxSize: 4 << 20})(transport)
	transport = middleware.Gzip()(transport)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{Addr: addr, Handler: transport}

	lc := lifecycle.New(httpServer, lifecycle.Config{
		ShutdownTimeout: cfg.ShutdownTimeout,
		DisableSignals:  cfg.DisableSignals,
		HandleSIGTERM:   cfg.ShutdownOnSIGTERM,
		Logger:          logger,
	})

	if err := lc.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("exampleserver: %w", err)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
