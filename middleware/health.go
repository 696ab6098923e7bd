package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/smoke-http/smoke/mwctx"
	"github.com/smoke-http/smoke/pipeline"
	"github.com/smoke-http/smoke/writer"
)

// HealthCheckFunc reports the liveness of a dependency. A non-nil error
// marks the service unhealthy.
type HealthCheckFunc func() error

// HealthCheckConfig configures the health check middleware.
type HealthCheckConfig struct {
	// Path is the health check endpoint path. Default: "/health".
	Path string
	// ServiceName is reported in the response body. Default: "smoke".
	ServiceName string
	// HealthCheckFunc, when set, determines health. A nil func always
	// reports healthy.
	HealthCheckFunc HealthCheckFunc
	// OnErrorFunc, when set, is invoked when HealthCheckFunc returns an
	// error, before the response is written.
	OnErrorFunc func(mc *mwctx.Context, err error)
	// OnSuccessFunc, when set, is invoked when the check passes.
	OnSuccessFunc func(mc *mwctx.Context)
}

// HealthCheckWithPath builds a HealthCheckConfig for path, optionally with a
// check function.
func HealthCheckWithPath(path string, fn ...HealthCheckFunc) HealthCheckConfig {
	cfg := HealthCheckConfig{Path: path, ServiceName: "smoke"}
	if len(fn) > 0 {
		cfg.HealthCheckFunc = fn[0]
	}
	return cfg
}

func sanitizeHealthPath(p string) string {
	if p == "" {
		return "/health"
	}
	if strings.Contains(p, "//") || !strings.HasPrefix(p, "/") {
		p = path.Clean(p)
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
	}
	return p
}

type healthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}

// RegisterHealthCheck returns outer-tier middleware that answers GET/HEAD
// requests for cfg.Path with a liveness payload, running cfg.HealthCheckFunc
// (if any) to decide between 200 and 503. Requests for any other path pass
// through to next unchanged.
func RegisterHealthCheck(cfgs ...HealthCheckConfig) OuterMiddleware {
	cfg := HealthCheckConfig{Path: "/health", ServiceName: "smoke"}
	if len(cfgs) > 0 {
		if cfgs[0].Path != "" {
			cfg.Path = cfgs[0].Path
		}
		if cfgs[0].ServiceName != "" {
			cfg.ServiceName = cfgs[0].ServiceName
		}
		cfg.HealthCheckFunc = cfgs[0].HealthCheckFunc
		cfg.OnErrorFunc = cfgs[0].OnErrorFunc
		cfg.OnSuccessFunc = cfgs[0].OnSuccessFunc
	}
	sanitized := sanitizeHealthPath(cfg.Path)

	return func(next OuterHandler) OuterHandler {
		return func(ctx context.Context, raw *pipeline.RawRequest, w *writer.Writer, mc *mwctx.Context) error {
			req := raw.HTTP
			if req.URL.Path != sanitized || (req.Method != http.MethodGet && req.Method != http.MethodHead) {
				return next(ctx, raw, w, mc)
			}

			resp := healthResponse{Status: "healthy", Service: cfg.ServiceName, Timestamp: time.Now().UTC().Format(time.RFC3339)}
			status := http.StatusOK
			if cfg.HealthCheckFunc != nil {
				if err := cfg.HealthCheckFunc(); err != nil {
					resp.Status = "unhealthy"
					resp.Error = err.Error()
					status = http.StatusServiceUnavailable
					if cfg.OnErrorFunc != nil {
						cfg.OnErrorFunc(mc, err)
					}
				} else if cfg.OnSuccessFunc != nil {
					cfg.OnSuccessFunc(mc)
				}
			} else if cfg.OnSuccessFunc != nil {
				cfg.OnSuccessFunc(mc)
			}

			body, err := json.Marshal(resp)
			if err != nil {
				return err
			}
			if err := w.SetStatus(status); err != nil {
				return err
			}
			if err := w.SetContentType("application/json"); err != nil {
				return err
			}
			return w.CommitAndCompleteWith(body)
		}
	}
}
