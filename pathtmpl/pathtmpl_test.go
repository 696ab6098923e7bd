package pathtmpl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenizeExact(t *testing.T) {
	tpl, err := Tokenize("/postexample")
	require.NoError(t, err)
	require.True(t, tpl.IsExact())
	require.Equal(t, "postexample", tpl.ExactLiteral())
}

func TestTokenizeVariable(t *testing.T) {
	tpl, err := Tokenize("/items/{id}/children")
	require.NoError(t, err)
	require.False(t, tpl.IsExact())
	require.Len(t, tpl.Segments, 3)
}

func TestTokenizeUnclosedBrace(t *testing.T) {
	_, err := Tokenize("/items/{id")
	require.Error(t, err)
	var invalid *ErrInvalidTemplate
	require.ErrorAs(t, err, &invalid)
}

func TestTokenizeEmptySegment(t *testing.T) {
	_, err := Tokenize("/items//children")
	require.Error(t, err)
}

func TestMatchTokenised(t *testing.T) {
	tpl, err := Tokenize("/items/{id}/children")
	require.NoError(t, err)

	shape, ok := Match("/items/abc/children", tpl)
	require.True(t, ok)
	require.Equal(t, Shape{"id": "abc"}, shape)

	_, ok = Match("/items/abc/def/children", tpl)
	require.False(t, ok, "segment count mismatch must not match")

	_, ok = Match("/items//children", tpl)
	require.False(t, ok, "variables must capture a non-empty substring")
}

func TestMatchMixedSegment(t *testing.T) {
	tpl, err := Tokenize("/files/report-{id}.pdf")
	require.NoError(t, err)

	shape, ok := Match("/files/report-42.pdf", tpl)
	require.True(t, ok)
	require.Equal(t, Shape{"id": "42"}, shape)
}

func TestMatchLiteralCaseSensitive(t *testing.T) {
	tpl, err := Tokenize("/Foo/{x}")
	require.NoError(t, err)
	_, ok := Match("/foo/bar", tpl)
	require.False(t, ok, "Match folds nothing; MatchFold is the router's case-insensitive-literal entry point")
}

func TestMatchFoldLiteralCaseInsensitiveVariableCasePreserved(t *testing.T) {
	tpl, err := Tokenize("/Foo/{x}")
	require.NoError(t, err)
	shape, ok := MatchFold("/foo/BAR", tpl)
	require.True(t, ok, "MatchFold folds literal comparison")
	require.Equal(t, Shape{"x": "BAR"}, shape, "variable capture must keep the caller's original case")
}
