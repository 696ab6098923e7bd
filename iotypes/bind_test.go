package iotypes

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

type widgetInput struct {
	ID     string `json:"id"`
	Limit  int    `json:"limit"`
	Active bool   `json:"active"`
}

func TestComposeStructFromQuery(t *testing.T) {
	q, err := url.ParseQuery("limit=5&active=true")
	require.NoError(t, err)

	var in widgetInput
	err = ComposeStruct(&in, QueryMap(q), BindOptions{WeaklyTypedInput: true})
	require.NoError(t, err)
	require.Equal(t, 5, in.Limit)
	require.True(t, in.Active)
}

func TestComposeStructFromPath(t *testing.T) {
	var in widgetInput
	err := ComposeStruct(&in, PathMap(map[string]string{"id": "abc-123"}), BindOptions{})
	require.NoError(t, err)
	require.Equal(t, "abc-123", in.ID)
}

func TestComposeStructFromHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("X-Limit", "7")
	var target struct {
		Limit int `json:"x-limit"`
	}
	err := ComposeStruct(&target, HeaderMap(h), BindOptions{WeaklyTypedInput: true})
	require.NoError(t, err)
	require.Equal(t, 7, target.Limit)
}

func TestComposeStructStrictTypeMismatch(t *testing.T) {
	var in widgetInput
	err := ComposeStruct(&in, map[string]any{"limit": "not-a-number"}, BindOptions{})
	require.Error(t, err)
	fe, ok := AsFieldErrors(err)
	require.True(t, ok, "expected a FieldErrors, got %T: %v", err, err)
	require.Len(t, fe.All(), 1)
	require.Equal(t, "limit", fe.All()[0].Field())
}

func TestComposeStructErrorUnused(t *testing.T) {
	var in widgetInput
	err := ComposeStruct(&in, map[string]any{"id": "x", "bogus": "y"}, BindOptions{ErrorUnused: true})
	require.Error(t, err)
	fe, ok := AsFieldErrors(err)
	require.True(t, ok)
	require.Len(t, fe.All(), 1)
	require.Equal(t, "bogus", fe.All()[0].Field())
}

func TestBodyJSONMapEmpty(t *testing.T) {
	_, err := BodyJSONMap(nil)
	require.ErrorIs(t, err, ErrEmptyBody)
}

func TestBodyJSONMapDecodes(t *testing.T) {
	m, err := BodyJSONMap([]byte(`{"id":"z9","limit":3}`))
	require.NoError(t, err)

	var in widgetInput
	require.NoError(t, ComposeStruct(&in, m, BindOptions{}))
	require.Equal(t, "z9", in.ID)
	require.Equal(t, 3, in.Limit)
}
