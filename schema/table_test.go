package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefineTableRejectsDuplicateColumns(t *testing.T) {
	_, err := DefineTable("users", []Column{
		Integer("id", WithPrimary()),
		Text("id"),
	}, nil, nil)
	require.Error(t, err)
}

func TestDefineTableRejectsMultiplePrimaryKeys(t *testing.T) {
	_, err := DefineTable("users", []Column{
		Integer("id", WithPrimary()),
		Integer("other_id", WithPrimary()),
	}, nil, nil)
	require.Error(t, err)
}

func TestDefineTableStampsColumnTableName(t *testing.T) {
	tbl, err := DefineTable("users", []Column{Integer("id", WithPrimary())}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "users", tbl.Columns["id"].Table)
}

func TestPrimaryKeyReturnsEmptyWhenNoneDeclared(t *testing.T) {
	tbl, err := DefineTable("logs", []Column{Text("message")}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "", tbl.PrimaryKey())
}

func TestSetRelationsRejectsPatchingTheSameNameTwice(t *testing.T) {
	users, err := DefineTable("users", []Column{Integer("id", WithPrimary())}, nil, nil)
	require.NoError(t, err)
	_, err = DefineTable("posts", []Column{Integer("id", WithPrimary()), Integer("user_id")}, nil, nil)
	require.NoError(t, err)

	rel := BelongsTo("posts", "user_id", "id")
	rel.Name = "firstPost"
	require.NoError(t, SetRelations(users, rel))
	require.Error(t, SetRelations(users, rel))
}

func TestApplyRelationDefaultsFillsForeignKeyConvention(t *testing.T) {
	users, err := DefineTable("users", []Column{Integer("id", WithPrimary())}, nil, nil)
	require.NoError(t, err)
	posts, err := DefineTable("posts", []Column{Integer("id", WithPrimary())}, nil, nil)
	require.NoError(t, err)

	hasMany := HasMany("posts", "", "", CascadeNone)
	hasMany.Name = "posts"
	require.NoError(t, SetRelations(users, hasMany))

	_ = posts
	got := users.Relations["posts"]
	require.Equal(t, "users_id", got.ForeignKey)
	require.Equal(t, "id", got.LocalKey)
}

func TestCatalogTableLookup(t *testing.T) {
	users, err := DefineTable("users", []Column{Integer("id", WithPrimary())}, nil, nil)
	require.NoError(t, err)
	catalog := NewCatalog(users)

	got, ok := catalog.Table("users")
	require.True(t, ok)
	require.Same(t, users, got)

	_, ok = catalog.Table("nope")
	require.False(t, ok)
}

func TestCatalogMustTablePanicsOnUnknownTable(t *testing.T) {
	catalog := NewCatalog()
	require.Panics(t, func() { catalog.MustTable("nope") })
}

func TestTableRelationErrorsOnUnknownName(t *testing.T) {
	users, err := DefineTable("users", []Column{Integer("id", WithPrimary())}, nil, nil)
	require.NoError(t, err)
	_, err = users.Relation("nope")
	require.Error(t, err)
}
