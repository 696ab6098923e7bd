package lifecycle

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestHTTPServer(t *testing.T) (*http.Server, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})}
	return srv, ln
}

func TestLifecycleRunsAndShutsDownProgrammatically(t *testing.T) {
	srv, ln := newTestHTTPServer(t)
	s := New(srv, Config{DisableSignals: true, ShutdownTimeout: time.Second})
	require.Equal(t, Initialised, s.State())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(func() error { return srv.Serve(ln) }) }()

	require.Eventually(t, func() bool { return s.State() == Running }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
	require.Equal(t, ShutDown, s.State())
}

func TestWaitUntilShutdown(t *testing.T) {
	srv, ln := newTestHTTPServer(t)
	s := New(srv, Config{DisableSignals: true})
	go func() { _ = s.Serve(func() error { return srv.Serve(ln) }) }()
	require.Eventually(t, func() bool { return s.State() == Running }, time.Second, time.Millisecond)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitUntilShutdown(ctx))
}

func TestStartLogsStartingThenStarted(t *testing.T) {
	srv, ln := newTestHTTPServer(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	s := New(srv, Config{DisableSignals: true, ShutdownTimeout: time.Second, Logger: logger})

	go func() { _ = s.Serve(func() error { return srv.Serve(ln) }) }()
	require.Eventually(t, func() bool { return s.State() == Running }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	logged := buf.String()
	startingIdx := strings.Index(logged, "msg=starting")
	startedIdx := strings.Index(logged, "msg=started")
	require.True(t, startingIdx >= 0, "expected a starting log line, got: %s", logged)
	require.True(t, startedIdx > startingIdx, "expected started to log after starting, got: %s", logged)
}

func TestOnShutdownInvokedExactlyOnce(t *testing.T) {
	srv, ln := newTestHTTPServer(t)
	s := New(srv, Config{DisableSignals: true, ShutdownTimeout: time.Second})
	go func() { _ = s.Serve(func() error { return srv.Serve(ln) }) }()
	require.Eventually(t, func() bool { return s.State() == Running }, time.Second, time.Millisecond)

	var calls int32
	var mu sync.Mutex
	s.OnShutdown(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.Eventually(t, func() bool { return s.State() == ShutDown }, 2*time.Second, time.Millisecond)

	// Registering after shutdown has completed must invoke immediately.
	done := make(chan struct{})
	s.OnShutdown(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnShutdown registered after shutdown did not fire immediately")
	}

	mu.Lock()
	require.Equal(t, int32(1), calls)
	mu.Unlock()
}

func TestShutdownOnUnstartedServerFails(t *testing.T) {
	srv, _ := newTestHTTPServer(t)
	s := New(srv, Config{})
	err := s.Shutdown(context.Background())
	require.ErrorIs(t, err, ErrShutdownOnUnstartedServer)
	require.Equal(t, Initialised, s.State())
}

func TestConcurrentShutdownIsIdempotent(t *testing.T) {
	srv, ln := newTestHTTPServer(t)
	s := New(srv, Config{DisableSignals: true, ShutdownTimeout: time.Second})
	go func() { _ = s.Serve(func() error { return srv.Serve(ln) }) }()
	require.Eventually(t, func() bool { return s.State() == Running }, time.Second, time.Millisecond)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			errs[i] = s.Shutdown(ctx)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return s.State() == ShutDown }, 2*time.Second, time.Millisecond)
}
