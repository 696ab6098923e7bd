package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smoke-http/smoke/mwctx"
	"github.com/smoke-http/smoke/pipeline"
	"github.com/smoke-http/smoke/writer"
)

func runSession(mw OuterMiddleware, method, target string, setup func(*http.Request), final OuterHandler) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	w := writer.Wrap(rec, nil)
	req := httptest.NewRequest(method, target, nil)
	if setup != nil {
		setup(req)
	}
	if final == nil {
		final = okFinal
	}
	_ = mw(final)(context.Background(), &pipeline.RawRequest{HTTP: req}, w, testMC())
	return rec
}

func TestSessionsCookieBasedID(t *testing.T) {
	store := NewMemoryStore()
	mw := Sessions(SessionConfig{Store: store, TTL: time.Hour})

	var captured *Session
	rec := runSession(mw, http.MethodGet, "/", nil, func(ctx context.Context, raw *pipeline.RawRequest, w *writer.Writer, mc *mwctx.Context) error {
		captured = SessionFromContext(ctx)
		captured.Set("user_id", "42")
		if err := w.SetStatus(http.StatusOK); err != nil {
			return err
		}
		return w.CommitAndCompleteWith([]byte("ok"))
	})

	require.NotEmpty(t, rec.Result().Cookies())
	ck := rec.Result().Cookies()[0]
	require.Equal(t, "smoke.sid", ck.Name)
	require.NotEmpty(t, captured.ID)
	require.True(t, captured.IsChanged())

	vals, ok := store.Get(ck.Value)
	require.True(t, ok)
	require.Equal(t, "42", vals["user_id"])
}

func TestMemoryStoreSaveGetDelete(t *testing.T) {
	store := NewMemoryStore()
	require.Error(t, store.Save("", map[string]any{}, time.Minute))

	require.NoError(t, store.Save("abc", map[string]any{"k": "v"}, time.Minute))
	vals, ok := store.Get("abc")
	require.True(t, ok)
	require.Equal(t, "v", vals["k"])

	require.NoError(t, store.Delete("abc"))
	_, ok = store.Get("abc")
	require.False(t, ok)
}

func TestMemoryStoreExpiredDeletesOnGet(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save("abc", map[string]any{"k": "v"}, time.Nanosecond))
	time.Sleep(2 * time.Millisecond)
	_, ok := store.Get("abc")
	require.False(t, ok)
	require.Equal(t, 0, store.Len())
}

func TestMemoryStoreSaveEmptyIDErrorAndNilData(t *testing.T) {
	store := NewMemoryStore()
	require.Error(t, store.Save("", nil, 0))
	require.NoError(t, store.Save("x", nil, 0))
	vals, ok := store.Get("x")
	require.True(t, ok)
	require.NotNil(t, vals)
}

func TestSessionDeleteBranches(t *testing.T) {
	s := &Session{}
	s.Delete("missing") // nil Values, no panic, no change
	require.False(t, s.IsChanged())

	s.Set("a", 1)
	s.Delete("a")
	require.False(t, s.Values["a"] != nil)
	require.True(t, s.IsChanged())
}

func TestSessionsHeaderBasedID(t *testing.T) {
	store := NewMemoryStore()
	mw := Sessions(SessionConfig{Store: store, HeaderName: "X-Session-ID", CookieName: ""})

	rec := runSession(mw, http.MethodGet, "/", nil, func(ctx context.Context, raw *pipeline.RawRequest, w *writer.Writer, mc *mwctx.Context) error {
		SessionFromContext(ctx).Set("k", "v")
		if err := w.SetStatus(http.StatusOK); err != nil {
			return err
		}
		return w.CommitAndCompleteWith(nil)
	})

	id := rec.Header().Get("X-Session-ID")
	require.NotEmpty(t, id)
	require.Empty(t, rec.Result().Cookies())

	vals, ok := store.Get(id)
	require.True(t, ok)
	require.Equal(t, "v", vals["k"])
}

func TestSessionsReusesExternalID(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save("existing-id", map[string]any{"seeded": true}, time.Hour))
	mw := Sessions(SessionConfig{Store: store})

	var captured *Session
	rec := runSession(mw, http.MethodGet, "/", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "smoke.sid", Value: "existing-id"})
	}, func(ctx context.Context, raw *pipeline.RawRequest, w *writer.Writer, mc *mwctx.Context) error {
		captured = SessionFromContext(ctx)
		if err := w.SetStatus(http.StatusOK); err != nil {
			return err
		}
		return w.CommitAndCompleteWith(nil)
	})

	require.Equal(t, "existing-id", captured.ID)
	require.False(t, captured.IsNew())
	require.Equal(t, true, captured.Values["seeded"])

	ck := rec.Result().Cookies()[0]
	require.Equal(t, "existing-id", ck.Value)
}

func TestSessionsUnknownExternalIDCreatesNew(t *testing.T) {
	store := NewMemoryStore()
	mw := Sessions(SessionConfig{Store: store})

	var captured *Session
	runSession(mw, http.MethodGet, "/", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "smoke.sid", Value: "unknown-id"})
	}, func(ctx context.Context, raw *pipeline.RawRequest, w *writer.Writer, mc *mwctx.Context) error {
		captured = SessionFromContext(ctx)
		if err := w.SetStatus(http.StatusOK); err != nil {
			return err
		}
		return w.CommitAndCompleteWith(nil)
	})

	require.Equal(t, "unknown-id", captured.ID)
	require.True(t, captured.IsNew())
}

func TestSessionsAlwaysIssuesCookieEvenWithoutChanges(t *testing.T) {
	store := NewMemoryStore()
	mw := Sessions(SessionConfig{Store: store})

	rec := runSession(mw, http.MethodGet, "/", nil, okFinal)

	// The session id is staged before next runs, so a cookie is always set,
	// even for a session the handler never touches.
	require.NotEmpty(t, rec.Result().Cookies())
}

func TestSessionClearAndRegenerate(t *testing.T) {
	s := &Session{ID: "old-id", Values: map[string]any{"a": 1}}
	s.Regenerate()
	require.NotEqual(t, "old-id", s.ID)
	require.Equal(t, "old-id", s.oldID)
	require.True(t, s.IsRegenerated())
	require.True(t, s.IsChanged())

	s.Clear()
	require.Empty(t, s.Values)
	require.True(t, s.IsChanged())
}

func TestSessionsRegenerateDeletesOldIDOnSave(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save("old-id", map[string]any{}, time.Hour))
	mw := Sessions(SessionConfig{Store: store})

	runSession(mw, http.MethodGet, "/", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "smoke.sid", Value: "old-id"})
	}, func(ctx context.Context, raw *pipeline.RawRequest, w *writer.Writer, mc *mwctx.Context) error {
		sess := SessionFromContext(ctx)
		sess.Regenerate()
		if err := w.SetStatus(http.StatusOK); err != nil {
			return err
		}
		return w.CommitAndCompleteWith(nil)
	})

	_, ok := store.Get("old-id")
	require.False(t, ok)
}

func TestSessionFromContextNilAndWrongType(t *testing.T) {
	s := SessionFromContext(context.Background())
	require.NotNil(t, s)
	require.NotNil(t, s.Values)

	ctx := context.WithValue(context.Background(), sessionContextKey{}, "not a session")
	s = SessionFromContext(ctx)
	require.NotNil(t, s)
	require.NotNil(t, s.Values)
}
