package observability

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/smoke-http/smoke/mwctx"
	"github.com/smoke-http/smoke/pipeline"
	"github.com/smoke-http/smoke/writer"
)

// Middleware is the outer-tier shape the tracing stage runs at: it sees
// the raw, not-yet-decoded request, so a span covers the whole pipeline,
// including decode/validate failures.
type Middleware = pipeline.Middleware[*pipeline.RawRequest, *writer.Writer, *mwctx.Context]

// OTelConfig configures the span-extraction middleware.
type OTelConfig struct {
	ServiceName string

	// Tracer and Propagator default to the global otel providers when nil.
	Tracer     trace.Tracer
	Propagator propagation.TextMapPropagator

	// RecordDuration is not read by OTelWithConfig: no duration attribute
	// is emitted, whatever its value.
	RecordDuration bool

	// Filter, when non-nil and returning true, skips span creation for a
	// request (e.g. a liveness-probe path) while still invoking next.
	Filter func(mc *mwctx.Context) bool

	// SpanName overrides the default "<method> <route>" span name when it
	// returns a non-empty string.
	SpanName func(mc *mwctx.Context) string

	// Attributes returns additional span attributes computed per request.
	Attributes func(mc *mwctx.Context) []attribute.KeyValue

	// ExtraAttributes are static attributes applied to every span.
	ExtraAttributes []attribute.KeyValue

	// Status maps a response status and handler error to the span's
	// recorded status code/description. The default marks 5xx and any
	// non-nil error as codes.Error, everything else codes.Unset.
	Status func(status int, err error) (codes.Code, string)
}

func defaultStatus(status int, err error) (codes.Code, string) {
	if err != nil || status >= 500 {
		return codes.Error, http.StatusText(status)
	}
	return codes.Unset, ""
}

// OTel builds the tracing middleware with otel's global tracer/propagator
// and no extra configuration, the common case.
func OTel(serviceName string) Middleware {
	return OTelWithConfig(OTelConfig{ServiceName: serviceName})
}

// OTelWithConfig extracts the propagation headers the configured Propagator
// recognizes from the inbound request into the context (it does not read
// `x-smoke-request-id`/`x-smoke-trace-id` itself), starts a server-kind span
// named by cfg.SpanName or else "<method> <route template>", records the
// standard http.* attributes, and on completion records the response
// status/size and, on failure, the error.
func OTelWithConfig(cfg OTelConfig) Middleware {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(cfg.ServiceName)
	}
	prop := cfg.Propagator
	if prop == nil {
		prop = otel.GetTextMapPropagator()
	}
	statusFn := cfg.Status
	if statusFn == nil {
		statusFn = defaultStatus
	}

	return func(next pipeline.Handler[*pipeline.RawRequest, *writer.Writer, *mwctx.Context]) pipeline.Handler[*pipeline.RawRequest, *writer.Writer, *mwctx.Context] {
		return func(ctx context.Context, raw *pipeline.RawRequest, w *writer.Writer, mc *mwctx.Context) error {
			if cfg.Filter != nil && cfg.Filter(mc) {
				return next(ctx, raw, w, mc)
			}

			carrier := propagation.HeaderCarrier(raw.HTTP.Header)
			ctx = prop.Extract(ctx, carrier)

			name := ""
			if cfg.SpanName != nil {
				name = cfg.SpanName(mc)
			}
			if name == "" {
				route := ""
				if mc.OperationID() != nil {
					route = mc.OperationID().Template()
				}
				name = raw.HTTP.Method + " " + route
			}

			ctx, span := tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			attrs := []attribute.KeyValue{
				attribute.String("http.method", raw.HTTP.Method),
				attribute.String("http.target", raw.HTTP.URL.RequestURI()),
				attribute.String("http.flavor", raw.HTTP.Proto),
				attribute.String("http.user_agent", raw.HTTP.UserAgent()),
				attribute.Int64("http.request_content_length", raw.HTTP.ContentLength),
			}
			attrs = append(attrs, cfg.ExtraAttributes...)
			if cfg.Attributes != nil {
				attrs = append(attrs, cfg.Attributes(mc)...)
			}
			span.SetAttributes(attrs...)

			err := next(ctx, raw, w, mc)

			status := w.StatusCode()
			if status == 0 {
				status = http.StatusOK
			}
			span.SetAttributes(
				attribute.Int("http.status_code", status),
				attribute.Int("http.response_content_length", w.BytesWritten()),
			)
			code, desc := statusFn(status, err)
			span.SetStatus(code, desc)
			if err != nil {
				span.RecordError(err)
				span.SetAttributes(attribute.String("status", "error"))
			}
			return err
		}
	}
}
