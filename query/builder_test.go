package query

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relq/relq/ast"
	"github.com/relq/relq/schema"
)

func builderTestCatalog(t *testing.T) (*schema.Catalog, *schema.Table, *schema.Table) {
	t.Helper()

	users, err := schema.DefineTable("users", []schema.Column{
		schema.Integer("id", schema.WithPrimary()),
		schema.Text("name"),
	}, nil, nil)
	require.NoError(t, err)

	posts, err := schema.DefineTable("posts", []schema.Column{
		schema.Integer("id", schema.WithPrimary()),
		schema.Integer("user_id"),
		schema.Text("title"),
	}, nil, nil)
	require.NoError(t, err)

	hasMany := schema.HasMany("posts", "user_id", "id", schema.CascadeRemove)
	hasMany.Name = "posts"
	require.NoError(t, schema.SetRelations(users, hasMany))

	belongsTo := schema.BelongsTo("users", "user_id", "id")
	belongsTo.Name = "author"
	require.NoError(t, schema.SetRelations(posts, belongsTo))

	return schema.NewCatalog(users, posts), users, posts
}

func TestSelectDeduplicatesByAlias(t *testing.T) {
	catalog, users, _ := builderTestCatalog(t)
	b := SelectFrom(catalog, users).
		Select(Col("id", ast.Column{Table: "users", Name: "id"})).
		Select(Col("id", ast.Column{Table: "users", Name: "id"}))

	require.Len(t, b.GetAST().Columns, 1)
}

func TestIncludeWidensProjectionAndRegistersPlan(t *testing.T) {
	catalog, users, _ := builderTestCatalog(t)
	b, err := SelectFrom(catalog, users).Include("posts")
	require.NoError(t, err)

	sel := b.GetAST()
	require.NotNil(t, sel.Meta.Hydration)
	require.Len(t, sel.Meta.Hydration.Relations, 1)
	require.Equal(t, "posts", sel.Meta.Hydration.Relations[0].Name)

	found := false
	for _, c := range sel.Columns {
		if c.Alias == "posts__title" {
			found = true
		}
	}
	require.True(t, found)
}

func TestIncludeUnknownColumnErrors(t *testing.T) {
	catalog, users, _ := builderTestCatalog(t)
	_, err := SelectFrom(catalog, users).Include("posts", IncludeOptions{Columns: []string{"nope"}})
	require.Error(t, err)
}

func TestIncludeUnknownRelationErrors(t *testing.T) {
	catalog, users, _ := builderTestCatalog(t)
	_, err := SelectFrom(catalog, users).Include("nope")
	require.Error(t, err)
}

func TestMatchAddsDistinctOnRootPK(t *testing.T) {
	catalog, users, _ := builderTestCatalog(t)
	b, err := SelectFrom(catalog, users).Match("posts")
	require.NoError(t, err)

	sel := b.GetAST()
	require.NotNil(t, sel.Distinct)
	require.Len(t, sel.Joins, 1)
	require.Equal(t, ast.JoinInner, sel.Joins[0].Kind)
}

func TestJoinRelationBelongsToManyEmitsPivotJoins(t *testing.T) {
	tags, err := schema.DefineTable("tags", []schema.Column{
		schema.Integer("id", schema.WithPrimary()),
		schema.Text("name"),
	}, nil, nil)
	require.NoError(t, err)

	users, err := schema.DefineTable("users", []schema.Column{
		schema.Integer("id", schema.WithPrimary()),
	}, nil, nil)
	require.NoError(t, err)

	btm := schema.BelongsToMany("tags", "user_tags", "user_id", "tag_id", schema.CascadeNone)
	btm.Name = "tags"
	require.NoError(t, schema.SetRelations(users, btm))

	catalog := schema.NewCatalog(users, tags)
	b, err := SelectFrom(catalog, users).JoinRelation("tags", ast.JoinInner)
	require.NoError(t, err)

	require.Len(t, b.GetAST().Joins, 2)
	require.Equal(t, "user_tags", b.GetAST().Joins[0].Target.(ast.Table).Name)
}

func TestWhereHasAttachesCorrelatedExists(t *testing.T) {
	catalog, users, _ := builderTestCatalog(t)
	b, err := SelectFrom(catalog, users).WhereHas("posts", nil)
	require.NoError(t, err)

	_, ok := b.GetAST().Where.(ast.Exists)
	require.True(t, ok)
}

func TestUnionRejectsOperandWithOwnPaging(t *testing.T) {
	catalog, users, _ := builderTestCatalog(t)
	limit := 1
	base := SelectFrom(catalog, users)
	other := SelectFrom(catalog, users)
	other.sel.Limit = &limit

	_, err := base.Union(other)
	require.Error(t, err)
}

func TestSelectBuilderIsImmutable(t *testing.T) {
	catalog, users, _ := builderTestCatalog(t)
	base := SelectFrom(catalog, users)
	widened := base.Select(Col("id", ast.Column{Table: "users", Name: "id"}))

	require.Empty(t, base.GetAST().Columns)
	require.Len(t, widened.GetAST().Columns, 1)
}
