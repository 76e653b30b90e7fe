package hydrate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relq/relq/ast"
	"github.com/relq/relq/executor"
	"github.com/relq/relq/schema"
)

// mapIdentityMap is a minimal IdentityMap test double backed by a plain
// map, mirroring what session.Session provides in production.
type mapIdentityMap struct {
	byTable map[string]map[any]*Entity
}

func newMapIdentityMap() *mapIdentityMap {
	return &mapIdentityMap{byTable: map[string]map[any]*Entity{}}
}

func (m *mapIdentityMap) GetOrCreate(table string, pk any, create func() *Entity) *Entity {
	byPK, ok := m.byTable[table]
	if !ok {
		byPK = map[any]*Entity{}
		m.byTable[table] = byPK
	}
	if e, ok := byPK[pk]; ok {
		return e
	}
	e := create()
	byPK[pk] = e
	return e
}

func singleRootPlan() *ast.HydrationPlan {
	return &ast.HydrationPlan{
		RootTable:      "users",
		RootPrimaryKey: "id",
		RootColumns:    []string{"id", "name"},
	}
}

func TestRowsBuildsOneEntityPerRootRow(t *testing.T) {
	result := executor.Result{
		Columns: []string{"id", "name"},
		Values: []executor.Row{
			{1, "ada"},
			{2, "grace"},
		},
	}

	roots, err := Rows(result, singleRootPlan(), newMapIdentityMap())
	require.NoError(t, err)
	require.Len(t, roots, 2)
	require.Equal(t, "ada", roots[0].Attrs["name"])
}

func TestRowsCollapsesRepeatedRootAcrossJoinedRows(t *testing.T) {
	plan := &ast.HydrationPlan{
		RootTable:      "users",
		RootPrimaryKey: "id",
		RootColumns:    []string{"id", "name"},
		Relations: []ast.RelationPlan{{
			Name:             "posts",
			AliasPrefix:      "posts",
			Kind:             "HasMany",
			TargetTable:      "posts",
			TargetPrimaryKey: "id",
			Columns:          []string{"id", "title"},
		}},
	}
	result := executor.Result{
		Columns: []string{"id", "name", "posts__id", "posts__title"},
		Values: []executor.Row{
			{1, "ada", 10, "first post"},
			{1, "ada", 11, "second post"},
		},
	}

	roots, err := Rows(result, plan, newMapIdentityMap())
	require.NoError(t, err)
	require.Len(t, roots, 1)

	children, ok := roots[0].Rels["posts"].([]*Entity)
	require.True(t, ok)
	require.Len(t, children, 2)
}

func TestRowsLeftJoinMissGivesEmptyHasManyCollection(t *testing.T) {
	plan := &ast.HydrationPlan{
		RootTable:      "users",
		RootPrimaryKey: "id",
		RootColumns:    []string{"id"},
		Relations: []ast.RelationPlan{{
			Name:             "posts",
			AliasPrefix:      "posts",
			Kind:             "HasMany",
			TargetTable:      "posts",
			TargetPrimaryKey: "id",
			Columns:          []string{"id"},
		}},
	}
	result := executor.Result{
		Columns: []string{"id", "posts__id"},
		Values:  []executor.Row{{1, nil}},
	}

	roots, err := Rows(result, plan, newMapIdentityMap())
	require.NoError(t, err)
	require.Len(t, roots, 1)

	children, ok := roots[0].Rels["posts"].([]*Entity)
	require.True(t, ok)
	require.Empty(t, children)
}

func TestRowsMissingColumnErrors(t *testing.T) {
	result := executor.Result{
		Columns: []string{"id"},
		Values:  []executor.Row{{1}},
	}
	_, err := Rows(result, singleRootPlan(), newMapIdentityMap())
	require.Error(t, err)
}

func TestRelationFieldLoadedReturnsValueWithoutLoader(t *testing.T) {
	f := Loaded([]*Entity{{Table: "posts"}})
	require.True(t, f.IsLoaded())

	v, err := f.Load()
	require.NoError(t, err)
	require.Len(t, v, 1)
}

type stubLoader struct {
	value any
	err   error
	calls int
}

func (l *stubLoader) Load(keys []any) (any, error) {
	l.calls++
	return l.value, l.err
}

func TestRelationFieldUnloadedResolvesAndCachesOnce(t *testing.T) {
	loader := &stubLoader{value: []*Entity{{Table: "posts"}}}
	f := Unloaded([]any{1, 2}, loader)
	require.False(t, f.IsLoaded())

	v1, err := f.Load()
	require.NoError(t, err)
	v2, err := f.Load()
	require.NoError(t, err)

	require.Equal(t, v1, v2)
	require.Equal(t, 1, loader.calls)
	require.True(t, f.IsLoaded())
}

func TestRelationFieldDescribeDistinguishesLoadedAndUnloaded(t *testing.T) {
	loaded := Loaded(42)
	require.Contains(t, loaded.Describe(), "loaded")

	unloaded := Unloaded([]any{7}, &stubLoader{})
	require.Contains(t, unloaded.Describe(), "unloaded")
	require.Contains(t, unloaded.Describe(), "7")
}

func proxyTestCatalog(t *testing.T) *schema.Catalog {
	t.Helper()
	users, err := schema.DefineTable("users", []schema.Column{schema.Integer("id", schema.WithPrimary())}, nil, nil)
	require.NoError(t, err)
	posts, err := schema.DefineTable("posts", []schema.Column{
		schema.Integer("id", schema.WithPrimary()),
		schema.Integer("user_id"),
	}, nil, nil)
	require.NoError(t, err)

	hasMany := schema.HasMany("posts", "", "", schema.CascadeNone)
	hasMany.Name = "posts"
	require.NoError(t, schema.SetRelations(users, hasMany))
	return schema.NewCatalog(users, posts)
}

func TestRowsAttachesUnloadedProxyForRelationAbsentFromPlan(t *testing.T) {
	catalog := proxyTestCatalog(t)
	plan := &ast.HydrationPlan{RootTable: "users", RootPrimaryKey: "id", RootColumns: []string{"id"}}
	result := executor.Result{Columns: []string{"id"}, Values: []executor.Row{{1}}}

	roots, err := Rows(result, plan, newMapIdentityMap(), ProxyOptions{Catalog: catalog})
	require.NoError(t, err)
	require.Len(t, roots, 1)

	field, ok := roots[0].Rels["posts"].(*RelationField)
	require.True(t, ok)
	require.False(t, field.IsLoaded())
}

func TestRowsSkipsProxyForRelationAlreadyIncluded(t *testing.T) {
	catalog := proxyTestCatalog(t)
	plan := &ast.HydrationPlan{
		RootTable:      "users",
		RootPrimaryKey: "id",
		RootColumns:    []string{"id"},
		Relations: []ast.RelationPlan{{
			Name: "posts", AliasPrefix: "posts", Kind: "HasMany",
			TargetTable: "posts", TargetPrimaryKey: "id", Columns: []string{"id"},
		}},
	}
	result := executor.Result{
		Columns: []string{"id", "posts__id"},
		Values:  []executor.Row{{1, 10}},
	}

	roots, err := Rows(result, plan, newMapIdentityMap(), ProxyOptions{Catalog: catalog})
	require.NoError(t, err)

	children, ok := roots[0].Rels["posts"].([]*Entity)
	require.True(t, ok)
	require.Len(t, children, 1)
}

type stubMutator struct {
	calls []RelationChangeKind
}

func (m *stubMutator) QueueEntityRelationChange(owner *Entity, relationName string, kind RelationChangeKind, target *Entity) error {
	m.calls = append(m.calls, kind)
	return nil
}

func TestRelationFieldAddQueuesChangeAndUpdatesLoadedValue(t *testing.T) {
	owner := &Entity{Table: "users", PK: 1}
	post := &Entity{Table: "posts", PK: 10}
	mutator := &stubMutator{}

	field := Loaded([]*Entity{}).Bind(owner, "posts", mutator)
	require.NoError(t, field.Add(post))

	require.Equal(t, []RelationChangeKind{ChangeAdd}, mutator.calls)
	v, err := field.Load()
	require.NoError(t, err)
	require.Equal(t, []*Entity{post}, v)
}

func TestRelationFieldRemoveWithoutBindReturnsError(t *testing.T) {
	field := Unloaded(nil, &stubLoader{})
	require.Error(t, field.Remove(&Entity{}))
}
