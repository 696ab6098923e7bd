package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/smoke-http/smoke/mwctx"
	"github.com/smoke-http/smoke/observability"
	"github.com/smoke-http/smoke/pipeline"
	"github.com/smoke-http/smoke/writer"
)

// LoggerAttributeKey is the context key for storing custom logger attributes.
type LoggerAttributeKey struct{}

// LoggerAttributes holds custom key-value pairs to be included in a
// request's log line, set by an earlier middleware or by the operation
// itself.
type LoggerAttributes struct {
	attrs []any
}

// NewLoggerAttributes builds a LoggerAttributes from the given key-value
// pairs.
func NewLoggerAttributes(pairs ...any) *LoggerAttributes {
	return &LoggerAttributes{attrs: pairs}
}

// Add appends more key-value pairs.
func (la *LoggerAttributes) Add(pairs ...any) {
	la.attrs = append(la.attrs, pairs...)
}

// WithLoggerAttributes attaches attrs to ctx for Logger to pick up.
func WithLoggerAttributes(ctx context.Context, attrs *LoggerAttributes) context.Context {
	return context.WithValue(ctx, LoggerAttributeKey{}, attrs)
}

// LoggerAttributesFromContext retrieves attributes attached via
// WithLoggerAttributes, or nil if none were set.
func LoggerAttributesFromContext(ctx context.Context) *LoggerAttributes {
	if v := ctx.Value(LoggerAttributeKey{}); v != nil {
		if attrs, ok := v.(*LoggerAttributes); ok {
			return attrs
		}
	}
	return nil
}

// LoggerConfig configures the Logger middleware.
type LoggerConfig struct {
	// ExcludeFields drops standard fields from the log line: "method",
	// "path", "operation", "status", "duration_ms", "remote", "user_agent",
	// "request_id".
	ExcludeFields []string

	// CustomAttributesFunc computes extra attributes per request.
	CustomAttributesFunc func(mc *mwctx.Context) []any

	// Message is the log message. Defaults to "request".
	Message string
}

// LoggerOption configures a Logger call.
type LoggerOption func(*LoggerConfig)

// WithExcludeFields excludes the named standard fields.
func WithExcludeFields(fields ...string) LoggerOption {
	return func(cfg *LoggerConfig) { cfg.ExcludeFields = append(cfg.ExcludeFields, fields...) }
}

// WithCustomAttributes adds a per-request attribute function.
func WithCustomAttributes(fn func(mc *mwctx.Context) []any) LoggerOption {
	return func(cfg *LoggerConfig) { cfg.CustomAttributesFunc = fn }
}

// WithMessage overrides the default "request" log message.
func WithMessage(message string) LoggerOption {
	return func(cfg *LoggerConfig) { cfg.Message = message }
}

// Logger returns outer-tier middleware that logs one structured line per
// request via mc's logger: method, path, matched operation, status,
// duration, remote address, user agent, and request id, plus any custom
// attributes attached via WithLoggerAttributes or CustomAttributesFunc.
func Logger(options ...LoggerOption) OuterMiddleware {
	cfg := &LoggerConfig{Message: "request"}
	for _, option := range options {
		option(cfg)
	}
	exclude := make(map[string]bool, len(cfg.ExcludeFields))
	for _, f := range cfg.ExcludeFields {
		exclude[f] = true
	}

	return func(next OuterHandler) OuterHandler {
		return func(ctx context.Context, raw *pipeline.RawRequest, w *writer.Writer, mc *mwctx.Context) error {
			start := time.Now()
			ctx = observability.ContextWithLogger(ctx, mc.Logger())
			err := next(ctx, raw, w, mc)
			dur := time.Since(start)

			status := w.StatusCode()
			if status == 0 {
				status = http.StatusOK
			}

			attrs := make([]any, 0, 16)
			if !exclude["method"] {
				attrs = append(attrs, "method", raw.HTTP.Method)
			}
			if !exclude["path"] {
				attrs = append(attrs, "path", raw.HTTP.URL.Path)
			}
			if !exclude["operation"] {
				op := ""
				if mc.OperationID() != nil {
					op = mc.OperationID().Description()
				}
				attrs = append(attrs, "operation", op)
			}
			if !exclude["status"] {
				attrs = append(attrs, "status", status)
			}
			if !exclude["duration_ms"] {
				attrs = append(attrs, "duration_ms", float64(dur.Microseconds())/1000.0)
			}
			if !exclude["remote"] {
				attrs = append(attrs, "remote", raw.HTTP.RemoteAddr)
			}
			if !exclude["user_agent"] {
				attrs = append(attrs, "user_agent", raw.HTTP.UserAgent())
			}
			if !exclude["request_id"] {
				attrs = append(attrs, "request_id", mc.RequestID())
			}
			if custom := LoggerAttributesFromContext(ctx); custom != nil {
				attrs = append(attrs, custom.attrs...)
			}
			if cfg.CustomAttributesFunc != nil {
				if custom := cfg.CustomAttributesFunc(mc); len(custom) > 0 {
					attrs = append(attrs, custom...)
				}
			}

			mc.Logger().Info(cfg.Message, attrs...)
			return err
		}
	}
}
