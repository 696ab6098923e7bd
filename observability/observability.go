// Package observability implements the framework's request-id minting,
// per-request logger decoration, and reporting-category plumbing. Metrics
// and tracing backends are treated as pluggable sinks the framework writes
// structured events into; this package owns neither backend, only the seam.
//
// The logger-in-context pattern and request id minting/header echo follow
// the framework's usual request-scoped context idiom, generalized to the
// framework's reporting categories and metrics-sink contract.
package observability

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"
)

// RequestIDHeader is the header the framework echoes the internal request
// id back to the caller on, set on every response except the /ping
// shortcut's.
const RequestIDHeader = "x-smoke-request-id"

// TraceIDHeader is the inbound trace-correlation header serverstate.Handler
// echoes back unchanged when present. OTelWithConfig does not read it.
const TraceIDHeader = "x-smoke-trace-id"

type loggerKey struct{}

// ContextWithLogger returns a copy of ctx carrying l, retrievable via
// LoggerFromContext.
func ContextWithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// LoggerFromContext returns the logger carried in ctx, or slog.Default()
// if none was installed.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// requestSeq is a process-wide monotonic counter mixed into every minted
// request id, keeping ids unique even under concurrent accepts.
var requestSeq uint64

// NewRequestID mints a fresh internal request id: a monotonic sequence
// number followed by 8 random bytes, hex-encoded. The sequence number
// alone guarantees uniqueness across the process; the random suffix
// avoids leaking the exact accept-order count to callers.
func NewRequestID() string {
	seq := atomic.AddUint64(&requestSeq, 1)
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hexUint64(seq) + "-" + hex.EncodeToString(b)
}

func hexUint64(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v%16]
		v /= 16
	}
	return string(buf[i:])
}

// Category is the reporting bucket a request's metrics are published
// under: one of the three fixed categories below, or an operation's own
// description string.
type Category string

const (
	// Ping is the category for the hard-coded /ping shortcut.
	Ping Category = "ping"
	// UnknownOperation is the category for a router miss.
	UnknownOperation Category = "unknownOperation"
	// ErrorDeterminingOperation is the category for a failure during
	// route selection itself (distinct from a clean miss).
	ErrorDeterminingOperation Category = "errorDeterminingOperation"
)

// ForOperation returns the reporting category for a matched operation,
// keyed by its stable description (so a path rename doesn't move metrics
// to a new bucket).
func ForOperation(description string) Category {
	return Category(description)
}

// MetricsSink is the pluggable backend the framework publishes per-category
// counts and latency samples to. Record treats a nil sink as a no-op;
// NoopSink is an explicit do-nothing implementation.
type MetricsSink interface {
	IncRequest(category Category, status int)
	ObserveLatency(category Category, d time.Duration)
}

// NoopSink discards every event. It is the default when no sink is
// configured, so the framework never has to nil-check at the call site.
type NoopSink struct{}

func (NoopSink) IncRequest(Category, int)               {}
func (NoopSink) ObserveLatency(Category, time.Duration) {}

// ReportingConfig gates count and latency emission independently. A zero
// value emits nothing; use DefaultReportingConfig for the usual both-on
// default.
type ReportingConfig struct {
	Counts    bool
	Latencies bool
}

// DefaultReportingConfig enables both counters and latency samples.
func DefaultReportingConfig() ReportingConfig {
	return ReportingConfig{Counts: true, Latencies: true}
}

// Record publishes one request's outcome to sink according to cfg. Safe to
// call with a nil sink (it's a no-op) so callers needn't special-case an
// unconfigured server.
func Record(sink MetricsSink, cfg ReportingConfig, category Category, status int, d time.Duration) {
	if sink == nil {
		return
	}
	if cfg.Counts {
		sink.IncRequest(category, status)
	}
	if cfg.Latencies {
		sink.ObserveLatency(category, d)
	}
}
