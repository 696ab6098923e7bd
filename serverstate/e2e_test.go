package serverstate_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smoke-http/smoke/iotypes"
	"github.com/smoke-http/smoke/mwctx"
	"github.com/smoke-http/smoke/operation"
	"github.com/smoke-http/smoke/pipeline"
	"github.com/smoke-http/smoke/router"
	"github.com/smoke-http/smoke/serverstate"
)

type postExampleInput struct {
	TheID string `json:"theID"`
}

func (p postExampleInput) Validate() error {
	if len(p.TheID) != 12 {
		return errors.New("ID not the correct length.")
	}
	return nil
}

type postExampleOutput struct {
	BodyColor string `json:"bodyColor"`
	IsGreat   bool   `json:"isGreat"`
}

func (o postExampleOutput) Validate() error {
	if o.BodyColor != "BLUE" {
		return errors.New("body color is not blue")
	}
	return nil
}

type theError struct{}

func (e *theError) Error() string       { return "Is bad!" }
func (e *theError) Description() string { return "TheError" }

type childLookupInput struct {
	ID string `json:"id"`
}

type childLookupOutput struct {
	Parent string `json:"parent"`
}

// newExampleHandler wires a full stack: router, three registered operations,
// and the request state machine, with a 64-byte body cap so the oversized
// path is cheap to exercise.
func newExampleHandler(t *testing.T) *serverstate.Handler {
	t.Helper()
	r := router.New(nil)

	postOp := func(ctx context.Context, in postExampleInput, mc *mwctx.Context) (postExampleOutput, error) {
		if in.TheID == "999999999999" {
			return postExampleOutput{BodyColor: "YELLOW", IsGreat: true}, nil
		}
		return postExampleOutput{BodyColor: "BLUE", IsGreat: true}, nil
	}
	require.NoError(t, operation.Register(r,
		mwctx.NewOperationID("/postexample", "PostExample"), http.MethodPost,
		postOp, nil, nil, nil,
		pipeline.WithInputWithOutput[postExampleInput, postExampleOutput](iotypes.ComposeJSON[postExampleInput](), 64),
		operation.Options{}))

	errOp := func(ctx context.Context, in postExampleInput, mc *mwctx.Context) (postExampleOutput, error) {
		return postExampleOutput{}, &theError{}
	}
	allowed := []operation.AllowedError{{Description: "TheError", Status: http.StatusBadRequest}}
	require.NoError(t, operation.Register(r,
		mwctx.NewOperationID("/errorexample", "ErrorExample"), http.MethodPost,
		errOp, allowed, nil, nil,
		pipeline.WithInputWithOutput[postExampleInput, postExampleOutput](iotypes.ComposeJSON[postExampleInput](), 64),
		operation.Options{}))

	childOp := func(ctx context.Context, in childLookupInput, mc *mwctx.Context) (childLookupOutput, error) {
		return childLookupOutput{Parent: in.ID}, nil
	}
	require.NoError(t, operation.Register(r,
		mwctx.NewOperationID("/items/{id}/children", "ListChildren"), http.MethodPost,
		childOp, nil, nil, nil,
		pipeline.WithInputWithOutput[childLookupInput, childLookupOutput](iotypes.ComposeMerged[childLookupInput](iotypes.BindOptions{}), 64),
		operation.Options{}))

	return serverstate.New(r, serverstate.Config{})
}

func doJSON(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errType(t *testing.T, rec *httptest.ResponseRecorder) (string, any) {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	typ, _ := payload["__type"].(string)
	return typ, payload["message"]
}

func TestEndToEndHappyPath(t *testing.T) {
	h := newExampleHandler(t)
	rec := doJSON(h, http.MethodPost, "/postexample", `{"theID":"123456789012"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.JSONEq(t, `{"bodyColor":"BLUE","isGreat":true}`, rec.Body.String())
}

func TestEndToEndInputValidationFailure(t *testing.T) {
	h := newExampleHandler(t)
	rec := doJSON(h, http.MethodPost, "/postexample", `{"theID":"short"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	typ, msg := errType(t, rec)
	require.Equal(t, "ValidationError", typ)
	require.Equal(t, "ID not the correct length.", msg)
}

func TestEndToEndOutputValidationFailureIsInternal(t *testing.T) {
	h := newExampleHandler(t)
	rec := doJSON(h, http.MethodPost, "/postexample", `{"theID":"999999999999"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	typ, msg := errType(t, rec)
	require.Equal(t, "InternalError", typ)
	require.Nil(t, msg, "internal errors must not leak a reason")
}

func TestEndToEndDeclaredError(t *testing.T) {
	h := newExampleHandler(t)
	rec := doJSON(h, http.MethodPost, "/errorexample", `{"theID":"123456789012"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	typ, msg := errType(t, rec)
	require.Equal(t, "TheError", typ)
	require.Equal(t, "Is bad!", msg)
}

func TestEndToEndUnknownRoute(t *testing.T) {
	h := newExampleHandler(t)
	rec := doJSON(h, http.MethodPost, "/unknown", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	typ, _ := errType(t, rec)
	require.Equal(t, "InvalidOperation", typ)
}

func TestEndToEndWrongMethodIsInvalidOperation(t *testing.T) {
	h := newExampleHandler(t)
	rec := doJSON(h, http.MethodGet, "/postexample", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	typ, _ := errType(t, rec)
	require.Equal(t, "InvalidOperation", typ)
}

func TestEndToEndPing(t *testing.T) {
	h := newExampleHandler(t)
	rec := doJSON(h, http.MethodGet, "/ping", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Equal(t, "Ping completed.", rec.Body.String())
	require.Empty(t, rec.Header().Get("x-smoke-request-id"),
		"the ping shortcut bypasses all per-request plumbing")
}

func TestEndToEndTokenisedPathShape(t *testing.T) {
	h := newExampleHandler(t)
	rec := doJSON(h, http.MethodPost, "/items/abc/children", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"parent":"abc"}`, rec.Body.String())
}

func TestEndToEndBodyTooLargeIsValidationError(t *testing.T) {
	h := newExampleHandler(t)
	big := `{"theID":"` + strings.Repeat("x", 100) + `"}`
	rec := doJSON(h, http.MethodPost, "/postexample", big)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	typ, _ := errType(t, rec)
	require.Equal(t, "ValidationError", typ)
}

func TestEndToEndRequestIDEchoed(t *testing.T) {
	h := newExampleHandler(t)
	rec := doJSON(h, http.MethodPost, "/postexample", `{"theID":"123456789012"}`)
	require.NotEmpty(t, rec.Header().Get("x-smoke-request-id"))
}

func TestEndToEndTraceIDEchoedWhenPresent(t *testing.T) {
	h := newExampleHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/postexample", strings.NewReader(`{"theID":"123456789012"}`))
	req.Header.Set("x-smoke-trace-id", "trace-abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "trace-abc", rec.Header().Get("x-smoke-trace-id"))
}
