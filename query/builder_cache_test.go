package query

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relq/relq/ast"
	"github.com/relq/relq/dialect"
	"github.com/relq/relq/internal/plancache"
	"github.com/relq/relq/schema"
)

func cacheTestUsers(t *testing.T) *schema.Table {
	t.Helper()
	tbl, err := schema.DefineTable("users", []schema.Column{
		schema.Integer("id", schema.WithPrimary()),
		schema.Text("name"),
	}, nil, nil)
	require.NoError(t, err)
	return tbl
}

func TestCompileCachedMissThenHit(t *testing.T) {
	users := cacheTestUsers(t)
	catalog := schema.NewCatalog(users)
	cache, err := plancache.New(8)
	require.NoError(t, err)

	b := SelectFrom(catalog, users).Select(ColumnSpec{Alias: "id", Expr: ast.Column{Table: "users", Name: "id"}})

	first, err := b.CompileCached(dialect.Postgres{}, cache, "users:all")
	require.NoError(t, err)

	second, err := b.CompileCached(dialect.Postgres{}, cache, "users:all")
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestCompileCachedDistinctKeysDoNotCollide(t *testing.T) {
	users := cacheTestUsers(t)
	catalog := schema.NewCatalog(users)
	cache, err := plancache.New(8)
	require.NoError(t, err)

	base := SelectFrom(catalog, users).Select(ColumnSpec{Alias: "id", Expr: ast.Column{Table: "users", Name: "id"}})
	limited := base.Limit(1)

	unbounded, err := base.CompileCached(dialect.Postgres{}, cache, "users:all")
	require.NoError(t, err)
	capped, err := limited.CompileCached(dialect.Postgres{}, cache, "users:limit1")
	require.NoError(t, err)

	require.NotEqual(t, unbounded.SQL, capped.SQL)
}
