package serverstate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smoke-http/smoke/mwctx"
	"github.com/smoke-http/smoke/observability"
	"github.com/smoke-http/smoke/router"
	"github.com/smoke-http/smoke/writer"
)

func addOK(t *testing.T, r *router.Router, path string) {
	t.Helper()
	err := r.AddHandler(mwctx.NewOperationID(path, "op:"+path), http.MethodGet,
		func(ctx context.Context, req *http.Request, w *writer.Writer, mc *mwctx.Context) error {
			if serr := w.SetStatus(http.StatusOK); serr != nil {
				return serr
			}
			return w.CommitAndCompleteWith([]byte("ok"))
		})
	require.NoError(t, err)
}

type recordingSink struct {
	mu    sync.Mutex
	calls []string
}

func (s *recordingSink) IncRequest(c observability.Category, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, string(c))
}
func (s *recordingSink) ObserveLatency(observability.Category, time.Duration) {}

func TestPingShortcut(t *testing.T) {
	r := router.New(nil)
	h := New(r, Config{})
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Ping completed.", rec.Body.String())
}

func TestPingShortcutAnyMethod(t *testing.T) {
	r := router.New(nil)
	h := New(r, Config{})
	req := httptest.NewRequest(http.MethodPost, "/ping", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Ping completed.", rec.Body.String())
}

func TestRoutedRequest(t *testing.T) {
	r := router.New(nil)
	addOK(t, r, "/widgets")
	h := New(r, Config{})
	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestReportsOperationAndUnknownCategories(t *testing.T) {
	r := router.New(nil)
	addOK(t, r, "/widgets")
	sink := &recordingSink{}
	h := New(r, Config{Sink: sink, Reporting: observability.DefaultReportingConfig()})

	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	req2 := httptest.NewRequest(http.MethodGet, "/missing", nil)
	h.ServeHTTP(httptest.NewRecorder(), req2)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Contains(t, sink.calls, "op:/widgets")
	require.Contains(t, sink.calls, string(observability.UnknownOperation))
}

func TestUnknownOperation(t *testing.T) {
	r := router.New(nil)
	h := New(r, Config{})
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSplitURI(t *testing.T) {
	require.Equal(t, "/widgets", splitURI("/widgets?x=1"))
	require.Equal(t, "/", splitURI(""))
	require.Equal(t, "/a/b", splitURI("/a/b"))
	require.Equal(t, "/a/b", splitURI("/a/../a/b"))
	require.Equal(t, "", splitURI("/a@b"))
}

func TestDispatchQueueStrategy(t *testing.T) {
	r := router.New(nil)
	addOK(t, r, "/q")
	h := New(r, Config{Strategy: DispatchQueue, QueueWorkers: 2})
	defer h.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/q", nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, http.StatusOK, rec.Code)
		}()
	}
	wg.Wait()
}

func TestCooperativeTaskGroupStrategy(t *testing.T) {
	r := router.New(nil)
	addOK(t, r, "/c")
	h := New(r, Config{Strategy: CooperativeTaskGroup})
	req := httptest.NewRequest(http.MethodGet, "/c", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
