package plancache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relq/relq/dialect"
)

func TestGetMissOnEmptyCache(t *testing.T) {
	c, err := New(8)
	require.NoError(t, err)

	_, ok := c.Get("missing")
	require.False(t, ok)
}

func TestSetThenGetReturnsStoredResult(t *testing.T) {
	c, err := New(8)
	require.NoError(t, err)

	want := dialect.Result{SQL: "SELECT 1", Params: []any{1}}
	c.Set("k", want)

	got, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestEvictsLeastRecentlyUsedPastSize(t *testing.T) {
	c, err := New(1)
	require.NoError(t, err)

	c.Set("a", dialect.Result{SQL: "A"})
	c.Set("b", dialect.Result{SQL: "B"})

	_, ok := c.Get("a")
	require.False(t, ok)

	got, ok := c.Get("b")
	require.True(t, ok)
	require.Equal(t, "B", got.SQL)
}
