// Package config implements the framework's server configuration: the
// handful of knobs the ambient stack calls for (listen address, invocation
// strategy, signal handling, body-size cap, reporting, tracing) assembled
// through functional options, the same idiom used for constructing the
// framework's other components. No dedicated config/flag library (viper,
// koanf, envconfig, cleanenv, ...) fits a concern this small, so this
// stays on the standard library's flag package for command-line loading;
// see DESIGN.md for the full justification.
package config

import (
	"flag"
	"time"

	"github.com/smoke-http/smoke/observability"
	"github.com/smoke-http/smoke/serverstate"
)

// DefaultMaxBodyBytes is the request body size cap applied when Config
// doesn't override it: 1 MiB.
const DefaultMaxBodyBytes = 1 << 20

// Config is the server's full set of tunables.
type Config struct {
	Host string
	Port int

	InvocationStrategy serverstate.InvocationStrategy
	QueueWorkers       int

	ShutdownOnSIGTERM bool
	DisableSignals    bool
	ShutdownTimeout   time.Duration

	MaxBodyBytes int64

	Reporting     observability.ReportingConfig
	EnableTracing bool
	ServiceName   string
}

// Option mutates a Config being built by New.
type Option func(*Config)

// WithHost overrides the default listen host ("127.0.0.1").
func WithHost(host string) Option { return func(c *Config) { c.Host = host } }

// WithPort overrides the default listen port (8080).
func WithPort(port int) Option { return func(c *Config) { c.Port = port } }

// WithInvocationStrategy selects how matched handlers are dispatched
// relative to the accepting goroutine.
func WithInvocationStrategy(s serverstate.InvocationStrategy) Option {
	return func(c *Config) { c.InvocationStrategy = s }
}

// WithQueueWorkers sets the worker pool size for InvocationStrategy
// DispatchQueue; ignored for the other strategies.
func WithQueueWorkers(n int) Option { return func(c *Config) { c.QueueWorkers = n } }

// WithShutdownOnSIGTERM additionally installs a SIGTERM handler alongside
// the always-on SIGINT one.
func WithShutdownOnSIGTERM(on bool) Option { return func(c *Config) { c.ShutdownOnSIGTERM = on } }

// WithDisableSignals skips installing any OS signal handler; the caller
// becomes solely responsible for calling the server's Shutdown.
func WithDisableSignals(disable bool) Option { return func(c *Config) { c.DisableSignals = disable } }

// WithShutdownTimeout bounds how long a graceful shutdown waits for
// in-flight requests to drain.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Config) { c.ShutdownTimeout = d }
}

// WithMaxBodyBytes overrides the default request body size cap.
func WithMaxBodyBytes(n int64) Option { return func(c *Config) { c.MaxBodyBytes = n } }

// WithReporting overrides which metrics categories are emitted.
func WithReporting(r observability.ReportingConfig) Option {
	return func(c *Config) { c.Reporting = r }
}

// WithTracing enables the OpenTelemetry outer-tier middleware under
// serviceName.
func WithTracing(serviceName string) Option {
	return func(c *Config) { c.EnableTracing = true; c.ServiceName = serviceName }
}

// New builds a Config from defaults plus the given options.
func New(opts ...Option) Config {
	c := Config{
		Host:               "127.0.0.1",
		Port:               8080,
		InvocationStrategy: serverstate.OriginalEventLoop,
		ShutdownTimeout:    15 * time.Second,
		MaxBodyBytes:       DefaultMaxBodyBytes,
		Reporting:          observability.DefaultReportingConfig(),
	}
	for _, o := range opts {
		o(&c)
	}
	return c
}

// FromFlags parses a Config from the command line, layered over defaults.
// It defines its own FlagSet so tests (and embedding callers) can parse
// argv other than os.Args.
func FromFlags(args []string) (Config, error) {
	c := New()
	fs := flag.NewFlagSet("smoke", flag.ContinueOnError)
	fs.StringVar(&c.Host, "host", c.Host, "listen host")
	fs.IntVar(&c.Port, "port", c.Port, "listen port")
	fs.BoolVar(&c.ShutdownOnSIGTERM, "shutdown-on-sigterm", c.ShutdownOnSIGTERM, "also shut down gracefully on SIGTERM")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "max time to wait for in-flight requests to drain")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", c.MaxBodyBytes, "request body size cap in bytes")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", c.EnableTracing, "install the OpenTelemetry tracing middleware")
	fs.StringVar(&c.ServiceName, "service-name", c.ServiceName, "service name reported to the tracer")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return c, nil
}
