package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relq/relq/dialect"
	"github.com/relq/relq/executor"
	"github.com/relq/relq/schema"
)

// fakeExecutor is an in-memory executor.Executor test double. It records
// every statement it executes and returns the next canned result/error in
// its queue, falling back to an empty Result when the queue is drained.
type fakeExecutor struct {
	caps executor.Capabilities

	executed []fakeCall
	results  []executor.Result
	errs     []error

	lastInsertID int64

	began, committed, rolledback int
}

type fakeCall struct {
	SQL    string
	Params []any
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{caps: executor.Capabilities{Transactions: true}}
}

func (f *fakeExecutor) ExecuteSQL(ctx context.Context, sql string, params []any) (executor.Result, error) {
	f.executed = append(f.executed, fakeCall{SQL: sql, Params: params})

	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	if err != nil {
		return executor.Result{}, err
	}
	if len(f.results) > 0 {
		res := f.results[0]
		f.results = f.results[1:]
		return res, nil
	}
	return executor.Result{}, nil
}

func (f *fakeExecutor) BeginTransaction(ctx context.Context) error {
	f.began++
	return nil
}

func (f *fakeExecutor) CommitTransaction(ctx context.Context) error {
	f.committed++
	return nil
}

func (f *fakeExecutor) RollbackTransaction(ctx context.Context) error {
	f.rolledback++
	return nil
}

func (f *fakeExecutor) Capabilities() executor.Capabilities { return f.caps }

func (f *fakeExecutor) Dispose() error { return nil }

func (f *fakeExecutor) LastInsertID() (int64, error) {
	return f.lastInsertID, nil
}

var _ executor.LastInsertIDer = (*fakeExecutor)(nil)

var errBoom = errors.New("boom")

func usersTable(t *testing.T) *schema.Table {
	t.Helper()
	tbl, err := schema.DefineTable("users", []schema.Column{
		schema.Integer("id", schema.WithPrimary(), schema.WithAutoIncrement(schema.IdentityByDefault)),
		schema.Text("name"),
		schema.Text("email"),
	}, nil, nil)
	require.NoError(t, err)
	return tbl
}

func postsTable(t *testing.T) *schema.Table {
	t.Helper()
	tbl, err := schema.DefineTable("posts", []schema.Column{
		schema.Integer("id", schema.WithPrimary()),
		schema.Integer("user_id"),
		schema.Text("title"),
	}, nil, nil)
	require.NoError(t, err)
	return tbl
}

func TestPersistMarksNewAndIsIdempotent(t *testing.T) {
	catalog := schema.NewCatalog(usersTable(t))
	s := New(catalog, newFakeExecutor(), dialect.Postgres{}, nil)
	users, _ := catalog.Table("users")

	entity := map[string]any{"name": "ada"}
	te1 := s.Persist(users, entity)
	require.Equal(t, StatusNew, te1.Status)

	te2 := s.Persist(users, entity)
	require.Same(t, te1, te2)
}

func TestPersistDistinguishesDifferentMaps(t *testing.T) {
	catalog := schema.NewCatalog(usersTable(t))
	s := New(catalog, newFakeExecutor(), dialect.Postgres{}, nil)
	users, _ := catalog.Table("users")

	te1 := s.Persist(users, map[string]any{"name": "ada"})
	te2 := s.Persist(users, map[string]any{"name": "grace"})
	require.NotSame(t, te1, te2)
}

func TestFlushInsertsBeforeUpdatesBeforeDeletes(t *testing.T) {
	catalog := schema.NewCatalog(usersTable(t))
	users, _ := catalog.Table("users")
	fe := newFakeExecutor()
	s := New(catalog, fe, dialect.Postgres{}, nil)

	inserted := s.Persist(users, map[string]any{"name": "new-user"})

	managed := map[string]any{"id": 5, "name": "old", "email": "old@x.com"}
	teManaged := s.Persist(users, managed)
	teManaged.Status = StatusManaged
	teManaged.PK = 5
	teManaged.Snapshot = cloneMap(managed)
	managed["name"] = "changed"
	teManaged.Status = StatusDirty

	removed := map[string]any{"id": 9, "name": "gone", "email": "gone@x.com"}
	teRemoved := s.Persist(users, removed)
	teRemoved.Status = StatusManaged
	teRemoved.PK = 9
	teRemoved.Snapshot = cloneMap(removed)
	s.Remove(teRemoved)

	require.NoError(t, s.Flush(context.Background()))

	require.Len(t, fe.executed, 3)
	require.Contains(t, fe.executed[0].SQL, "INSERT")
	require.Contains(t, fe.executed[1].SQL, "UPDATE")
	require.Contains(t, fe.executed[2].SQL, "DELETE")
	require.Equal(t, StatusManaged, inserted.Status)
	require.Equal(t, 1, fe.began)
	require.Equal(t, 1, fe.committed)
	require.Equal(t, 0, fe.rolledback)
}

func TestInsertEntityResolvesPKViaReturning(t *testing.T) {
	catalog := schema.NewCatalog(usersTable(t))
	users, _ := catalog.Table("users")
	fe := newFakeExecutor()
	fe.results = []executor.Result{{Columns: []string{"id"}, Values: []executor.Row{{int64(7)}}}}
	s := New(catalog, fe, dialect.Postgres{}, nil)

	te := s.Persist(users, map[string]any{"name": "ada"})
	require.NoError(t, s.Flush(context.Background()))

	require.Contains(t, fe.executed[0].SQL, "RETURNING")
	require.Equal(t, int64(7), te.Entity["id"])
	require.Equal(t, int64(7), te.PK)
}

func TestInsertEntityResolvesPKViaLastInsertIDer(t *testing.T) {
	catalog := schema.NewCatalog(usersTable(t))
	users, _ := catalog.Table("users")
	fe := newFakeExecutor()
	fe.lastInsertID = 42
	s := New(catalog, fe, dialect.MySQL{}, nil)

	te := s.Persist(users, map[string]any{"name": "ada"})
	require.NoError(t, s.Flush(context.Background()))

	require.NotContains(t, fe.executed[0].SQL, "RETURNING")
	require.Equal(t, int64(42), te.Entity["id"])
	require.Equal(t, int64(42), te.PK)
}

func TestUpdateEntityOnlyIncludesChangedColumns(t *testing.T) {
	catalog := schema.NewCatalog(usersTable(t))
	users, _ := catalog.Table("users")
	fe := newFakeExecutor()
	s := New(catalog, fe, dialect.Postgres{}, nil)

	entity := map[string]any{"id": 1, "name": "ada", "email": "ada@x.com"}
	te := s.Persist(users, entity)
	te.Status = StatusManaged
	te.PK = 1
	te.Snapshot = cloneMap(entity)

	entity["email"] = "ada@new.com"
	te.Status = StatusDirty

	require.NoError(t, s.Flush(context.Background()))
	require.Len(t, fe.executed, 1)
	require.Contains(t, fe.executed[0].SQL, "email")
	require.NotContains(t, fe.executed[0].SQL, `"name"`)
}

func TestDeleteEntityClearsIdentityAndTracking(t *testing.T) {
	catalog := schema.NewCatalog(usersTable(t))
	users, _ := catalog.Table("users")
	fe := newFakeExecutor()
	s := New(catalog, fe, dialect.Postgres{}, nil)

	entity := map[string]any{"id": 7, "name": "ada", "email": "ada@x.com"}
	te := s.Persist(users, entity)
	te.Status = StatusManaged
	te.PK = 7

	s.Remove(te)
	require.NoError(t, s.Flush(context.Background()))

	require.Nil(t, s.GetEntity("users", 7))
	require.Empty(t, s.tracked)
}

func TestFlushRollsBackOnExecutorFailure(t *testing.T) {
	catalog := schema.NewCatalog(usersTable(t))
	users, _ := catalog.Table("users")
	fe := newFakeExecutor()
	fe.errs = []error{errBoom}
	s := New(catalog, fe, dialect.Postgres{}, nil)

	s.Persist(users, map[string]any{"name": "will-fail"})

	err := s.Flush(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, fe.began)
	require.Equal(t, 0, fe.committed)
	require.Equal(t, 1, fe.rolledback)
}

func TestFlushRevertsEarlierSuccessesWhenALaterEntityFails(t *testing.T) {
	catalog := schema.NewCatalog(usersTable(t))
	users, _ := catalog.Table("users")
	fe := newFakeExecutor()
	fe.results = []executor.Result{{Columns: []string{"id"}, Values: []executor.Row{{int64(3)}}}}
	fe.errs = []error{nil, nil, errBoom}
	s := New(catalog, fe, dialect.Postgres{}, nil)

	// A: brand new, will insert successfully and pick up PK 3.
	inserted := s.Persist(users, map[string]any{"name": "new-user"})

	// B: already managed, dirtied, will update successfully.
	managedEntity := map[string]any{"id": 5, "name": "old", "email": "old@x.com"}
	updated := s.Persist(users, managedEntity)
	updated.Status = StatusManaged
	updated.PK = 5
	updated.Snapshot = cloneMap(managedEntity)
	managedEntity["email"] = "new@x.com"
	updated.Status = StatusDirty

	// C: already managed, queued for removal, whose DELETE will fail.
	removedEntity := map[string]any{"id": 9, "name": "gone", "email": "gone@x.com"}
	removed := s.Persist(users, removedEntity)
	removed.Status = StatusManaged
	removed.PK = 9
	removed.Snapshot = cloneMap(removedEntity)
	s.Remove(removed)

	err := s.Flush(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, fe.rolledback)

	// A's insert succeeded before C's delete failed, but the whole flush
	// aborts: A must look exactly as it did before Flush was called.
	require.Equal(t, StatusNew, inserted.Status)
	require.Nil(t, inserted.PK)
	_, hasID := inserted.Entity["id"]
	require.False(t, hasID)
	require.Nil(t, s.GetEntity("users", int64(3)))

	// B's update also succeeded before the later failure; it must revert to
	// its pre-flush dirty state and snapshot.
	require.Equal(t, StatusDirty, updated.Status)
	require.Equal(t, "old@x.com", updated.Snapshot["email"])
	require.Equal(t, "new@x.com", updated.Entity["email"])

	// C is still tracked for removal, exactly as before the failed flush.
	require.Equal(t, StatusRemoved, removed.Status)
	require.Contains(t, s.tracked, findEntityKey(s.tracked, removed))
}

func TestApplyPivotChangeAttachInsertsRow(t *testing.T) {
	catalog := schema.NewCatalog(usersTable(t))
	users, _ := catalog.Table("users")
	fe := newFakeExecutor()
	s := New(catalog, fe, dialect.Postgres{}, nil)

	root := s.Persist(users, map[string]any{"id": 1})
	root.PK = 1
	root.Status = StatusManaged
	target := s.Persist(users, map[string]any{"id": 2})
	target.PK = 2
	target.Status = StatusManaged

	rel := schema.BelongsToMany("tags", "user_tags", "user_id", "tag_id", schema.CascadeNone)
	s.QueueRelationChange(RelationChange{Root: root, Target: target, Relation: rel, Kind: ChangeAttach})

	require.NoError(t, s.Flush(context.Background()))

	require.True(t, anyContains(fe.executed, "INSERT", "user_tags"))
}

func TestApplyPivotChangeDetachDeletesRow(t *testing.T) {
	catalog := schema.NewCatalog(usersTable(t))
	users, _ := catalog.Table("users")
	fe := newFakeExecutor()
	s := New(catalog, fe, dialect.Postgres{}, nil)

	root := s.Persist(users, map[string]any{"id": 1})
	root.PK = 1
	root.Status = StatusManaged
	target := s.Persist(users, map[string]any{"id": 2})
	target.PK = 2
	target.Status = StatusManaged

	rel := schema.BelongsToMany("tags", "user_tags", "user_id", "tag_id", schema.CascadeNone)
	s.QueueRelationChange(RelationChange{Root: root, Target: target, Relation: rel, Kind: ChangeDetach})

	require.NoError(t, s.Flush(context.Background()))

	require.True(t, anyContains(fe.executed, "DELETE", "user_tags"))
}

func TestApplyOwnedChangeCascadeDeletesChild(t *testing.T) {
	catalog := schema.NewCatalog(usersTable(t), postsTable(t))
	users, _ := catalog.Table("users")
	posts, _ := catalog.Table("posts")
	fe := newFakeExecutor()
	s := New(catalog, fe, dialect.Postgres{}, nil)

	root := s.Persist(users, map[string]any{"id": 1})
	root.PK = 1
	root.Status = StatusManaged
	child := s.Persist(posts, map[string]any{"id": 9, "user_id": 1})
	child.PK = 9
	child.Status = StatusManaged

	rel := schema.HasMany("posts", "user_id", "id", schema.CascadeAll)
	s.QueueRelationChange(RelationChange{Root: root, Target: child, Relation: rel, RelationName: "posts", Kind: ChangeRemove})

	require.NoError(t, s.Flush(context.Background()))

	require.True(t, anyContains(fe.executed, "DELETE", "posts"))
}

func TestApplyOwnedChangeNullsForeignKeyWithoutCascade(t *testing.T) {
	catalog := schema.NewCatalog(usersTable(t), postsTable(t))
	users, _ := catalog.Table("users")
	posts, _ := catalog.Table("posts")
	fe := newFakeExecutor()
	s := New(catalog, fe, dialect.Postgres{}, nil)

	root := s.Persist(users, map[string]any{"id": 1})
	root.PK = 1
	root.Status = StatusManaged
	child := s.Persist(posts, map[string]any{"id": 9, "user_id": 1})
	child.PK = 9
	child.Status = StatusManaged

	rel := schema.HasMany("posts", "user_id", "id", schema.CascadeNone)
	s.QueueRelationChange(RelationChange{Root: root, Target: child, Relation: rel, RelationName: "posts", Kind: ChangeRemove})

	require.NoError(t, s.Flush(context.Background()))

	require.True(t, anyContains(fe.executed, "UPDATE", "posts"))
}

func TestSaveChangesDrainsDomainEventsAfterCommit(t *testing.T) {
	catalog := schema.NewCatalog(usersTable(t))
	users, _ := catalog.Table("users")
	fe := newFakeExecutor()
	s := New(catalog, fe, dialect.Postgres{}, nil)

	var seen []string
	s.RegisterDomainEventHandler("user.created", func(ev DomainEvent) error {
		seen = append(seen, ev.Name)
		return nil
	})

	te := s.Persist(users, map[string]any{"name": "ada"})
	s.EmitEvent(te, "user.created", nil)

	require.NoError(t, s.SaveChanges(context.Background()))
	require.Equal(t, []string{"user.created"}, seen)
}

func anyContains(calls []fakeCall, subs ...string) bool {
	for _, c := range calls {
		ok := true
		for _, sub := range subs {
			if !strings.Contains(c.SQL, sub) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}
