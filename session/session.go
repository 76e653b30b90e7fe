// Package session implements the unit-of-work pattern: an identity map,
// per-entity change tracking, flush ordering, pivot-table maintenance, and
// a transactional envelope around an executor.Executor.
package session

import (
	"context"
	"fmt"

	"github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/relq/relq/ast"
	"github.com/relq/relq/dialect"
	"github.com/relq/relq/executor"
	"github.com/relq/relq/hydrate"
	"github.com/relq/relq/query"
	"github.com/relq/relq/relerr"
	"github.com/relq/relq/schema"
)

func eqCol(col string, val any) ast.Expression {
	return ast.Eq(ast.Column{Name: col}, ast.ToOperand(val))
}

func andEq(col1 string, val1 any, col2 string, val2 any) ast.Expression {
	return ast.AndAppend(eqCol(col1, val1), eqCol(col2, val2))
}

// Status is a tracked entity's position in the flush lifecycle.
type Status int

const (
	StatusNew Status = iota
	StatusManaged
	StatusDirty
	StatusRemoved
	StatusDetached
)

// TrackedEntity pairs a live entity map with the session's bookkeeping
// about it.
type TrackedEntity struct {
	Table    *schema.Table
	Entity   map[string]any
	PK       any
	Status   Status
	Snapshot map[string]any // nil until first Managed
}

// RelationChangeKind is one of the four ways a relation can be mutated
// between flushes.
type RelationChangeKind int

const (
	ChangeAdd RelationChangeKind = iota
	ChangeAttach
	ChangeRemove
	ChangeDetach
)

// RelationChange is a pending mutation to a HasMany/BelongsToMany edge,
// applied during flush's relation-change pass.
type RelationChange struct {
	Root         *TrackedEntity
	RelationName string
	Relation     schema.Relation
	Kind         RelationChangeKind
	Target       *TrackedEntity
}

// DomainEvent is queued per entity and drained after a successful commit.
type DomainEvent struct {
	Entity  *TrackedEntity
	Name    string
	Payload any
}

// Session is the unit-of-work: one per logical business transaction. Not
// safe for concurrent use — callers schedule work against one Session
// cooperatively from a single goroutine.
type Session struct {
	catalog  *schema.Catalog
	executor executor.Executor
	dialect  dialect.Dialect
	log      *zap.SugaredLogger

	identity map[string]map[any]*hydrate.Entity
	tracked  map[*hydrate.Entity]*TrackedEntity
	changes  []RelationChange
	events   []DomainEvent

	beforeFlush []func(*Session) error
	afterFlush  []func(*Session) error
	eventHandlers map[string][]func(DomainEvent) error

	inTransaction bool
}

// New builds a Session bound to one executor/dialect pair.
func New(catalog *schema.Catalog, exec executor.Executor, d dialect.Dialect, log *zap.SugaredLogger) *Session {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Session{
		catalog:       catalog,
		executor:      exec,
		dialect:       d,
		log:           log,
		identity:      map[string]map[any]*hydrate.Entity{},
		tracked:       map[*hydrate.Entity]*TrackedEntity{},
		eventHandlers: map[string][]func(DomainEvent) error{},
	}
}

// GetOrCreate implements hydrate.IdentityMap, letting hydrate and preload
// consult and populate the same identity map the session uses for write
// tracking.
func (s *Session) GetOrCreate(table string, pk any, create func() *hydrate.Entity) *hydrate.Entity {
	byPK, ok := s.identity[table]
	if !ok {
		byPK = map[any]*hydrate.Entity{}
		s.identity[table] = byPK
	}
	if e, ok := byPK[pk]; ok {
		return e
	}
	e := create()
	byPK[pk] = e
	return e
}

// GetEntity returns the identity-mapped entity for (table, pk), or nil.
func (s *Session) GetEntity(table string, pk any) *hydrate.Entity {
	return s.identity[table][pk]
}

// RegisterInterceptor adds a beforeFlush or afterFlush hook.
func (s *Session) RegisterInterceptor(before, after func(*Session) error) {
	if before != nil {
		s.beforeFlush = append(s.beforeFlush, before)
	}
	if after != nil {
		s.afterFlush = append(s.afterFlush, after)
	}
}

// RegisterDomainEventHandler subscribes to events named name, invoked after
// a successful flush drains the outbox.
func (s *Session) RegisterDomainEventHandler(name string, handler func(DomainEvent) error) {
	s.eventHandlers[name] = append(s.eventHandlers[name], handler)
}

// Persist marks entity as tracked: a brand-new map becomes StatusNew; an
// already-tracked entity is left as-is, so calling Persist twice on the
// same map is a no-op the second time.
func (s *Session) Persist(table *schema.Table, entity map[string]any) *TrackedEntity {
	for _, te := range s.tracked {
		if sameEntity(te.Entity, entity) {
			return te
		}
	}
	te := &TrackedEntity{Table: table, Entity: entity, Status: StatusNew}
	if pk := table.PrimaryKey(); pk != "" {
		te.PK = entity[pk]
	}
	key := &hydrate.Entity{Table: table.Name, Attrs: entity}
	s.tracked[key] = te
	return te
}

func sameEntity(a, b map[string]any) bool {
	// Entities are tracked by the identity of the backing map.
	return fmt.Sprintf("%p", a) == fmt.Sprintf("%p", b)
}

// Remove marks a tracked entity for deletion. Removing a StatusNew entity
// forgets it outright, since it was never persisted.
func (s *Session) Remove(te *TrackedEntity) {
	if te.Status == StatusNew {
		for k, v := range s.tracked {
			if v == te {
				delete(s.tracked, k)
				return
			}
		}
		return
	}
	te.Status = StatusRemoved
}

// QueueRelationChange records a pending relation mutation, applied during
// the flush's relation-change pass.
func (s *Session) QueueRelationChange(c RelationChange) {
	s.changes = append(s.changes, c)
}

// QueueEntityRelationChange implements hydrate.RelationMutator: a
// RelationField proxy hydrate.Rows attached (via Add/Attach/Remove/Detach)
// forwards here, so editing a lazily-loaded relation queues the same
// RelationChange a hand-built one would.
func (s *Session) QueueEntityRelationChange(owner *hydrate.Entity, relationName string, kind hydrate.RelationChangeKind, target *hydrate.Entity) error {
	ownerTable, ok := s.catalog.Table(owner.Table)
	if !ok {
		return relerr.Of(relerr.InvalidSchema, "queue relation change: unknown table %q", owner.Table)
	}
	rel, err := ownerTable.Relation(relationName)
	if err != nil {
		return err
	}
	targetTable, ok := s.catalog.Table(rel.Target)
	if !ok {
		return relerr.Of(relerr.InvalidSchema, "relation %q targets unknown table %q", relationName, rel.Target)
	}

	var ck RelationChangeKind
	switch kind {
	case hydrate.ChangeAdd:
		ck = ChangeAdd
	case hydrate.ChangeAttach:
		ck = ChangeAttach
	case hydrate.ChangeRemove:
		ck = ChangeRemove
	case hydrate.ChangeDetach:
		ck = ChangeDetach
	default:
		return relerr.Of(relerr.InvalidSchema, "queue relation change: unknown change kind %d", kind)
	}

	s.QueueRelationChange(RelationChange{
		Root:         s.trackedFor(ownerTable, owner),
		RelationName: relationName,
		Relation:     rel,
		Kind:         ck,
		Target:       s.trackedFor(targetTable, target),
	})
	return nil
}

// trackedFor returns the TrackedEntity already tracking e, or starts
// tracking e as StatusManaged — an entity hydrated straight from a query
// result, whose attributes already reflect a committed row, rather than one
// explicitly passed to Persist.
func (s *Session) trackedFor(table *schema.Table, e *hydrate.Entity) *TrackedEntity {
	if te, ok := s.tracked[e]; ok {
		return te
	}
	for _, te := range s.tracked {
		if sameEntity(te.Entity, e.Attrs) {
			s.tracked[e] = te
			return te
		}
	}
	te := &TrackedEntity{Table: table, Entity: e.Attrs, PK: e.PK, Status: StatusManaged, Snapshot: cloneMap(e.Attrs)}
	s.tracked[e] = te
	return te
}

// EmitEvent queues a domain event against te, drained by SaveChanges after
// a successful commit.
func (s *Session) EmitEvent(te *TrackedEntity, name string, payload any) {
	s.events = append(s.events, DomainEvent{Entity: te, Name: name, Payload: payload})
}

// Flush runs beforeFlush → entity pass → relation-change pass → entity pass
// → afterFlush inside one transaction (when the executor supports one). On
// any error the transaction is rolled back, the error rethrown wrapped as
// TransactionAborted, and the identity map is left exactly as it was before
// Flush was called (tracked-entity statuses are only committed to on
// success).
func (s *Session) Flush(ctx context.Context) error {
	caps := s.executor.Capabilities()
	if caps.Transactions {
		if err := s.executor.BeginTransaction(ctx); err != nil {
			return relerr.Wrap(relerr.ExecutorFailure, err, "begin transaction")
		}
		s.inTransaction = true
	}

	snaps, tracked, identity := s.snapshotState()
	if err := s.runFlush(ctx); err != nil {
		s.restoreState(snaps, tracked, identity)
		if s.inTransaction {
			if rbErr := s.executor.RollbackTransaction(ctx); rbErr != nil {
				s.log.Errorw("rollback failed after flush error", "flushErr", err, "rollbackErr", rbErr)
			}
			s.inTransaction = false
		}
		return relerr.Wrap(relerr.TransactionAborted, err, "flush failed")
	}

	if s.inTransaction {
		if err := s.executor.CommitTransaction(ctx); err != nil {
			return relerr.Wrap(relerr.ExecutorFailure, err, "commit transaction")
		}
		s.inTransaction = false
	}
	return nil
}

// trackedSnapshot captures one TrackedEntity's mutable state before a flush
// pass touches it, so a later failure in the same flush can restore it.
type trackedSnapshot struct {
	status   Status
	pk       any
	snapshot map[string]any
	entity   map[string]any
}

// snapshotState captures everything flushEntities/flushRelationChanges can
// mutate in place: each tracked entity's Status/PK/Snapshot/Entity contents,
// the tracked set itself (insert/delete change membership), and the
// identity map (insert adds entries, delete removes them).
func (s *Session) snapshotState() (map[*TrackedEntity]trackedSnapshot, map[*hydrate.Entity]*TrackedEntity, map[string]map[any]*hydrate.Entity) {
	snaps := make(map[*TrackedEntity]trackedSnapshot, len(s.tracked))
	for _, te := range s.tracked {
		snaps[te] = trackedSnapshot{
			status:   te.Status,
			pk:       te.PK,
			snapshot: cloneMapOrNil(te.Snapshot),
			entity:   cloneMapOrNil(te.Entity),
		}
	}
	tracked := make(map[*hydrate.Entity]*TrackedEntity, len(s.tracked))
	for k, v := range s.tracked {
		tracked[k] = v
	}
	identity := make(map[string]map[any]*hydrate.Entity, len(s.identity))
	for table, byPK := range s.identity {
		m := make(map[any]*hydrate.Entity, len(byPK))
		for pk, e := range byPK {
			m[pk] = e
		}
		identity[table] = m
	}
	return snaps, tracked, identity
}

// restoreState reverts every tracked entity, the tracked set, and the
// identity map to a snapshot taken before the failed flush began.
func (s *Session) restoreState(snaps map[*TrackedEntity]trackedSnapshot, tracked map[*hydrate.Entity]*TrackedEntity, identity map[string]map[any]*hydrate.Entity) {
	for te, snap := range snaps {
		te.Status = snap.status
		te.PK = snap.pk
		te.Snapshot = snap.snapshot
		for k := range te.Entity {
			if _, ok := snap.entity[k]; !ok {
				delete(te.Entity, k)
			}
		}
		for k, v := range snap.entity {
			te.Entity[k] = v
		}
	}
	s.tracked = tracked
	s.identity = identity
}

func (s *Session) runFlush(ctx context.Context) error {
	for _, hook := range s.beforeFlush {
		if err := hook(s); err != nil {
			return err
		}
	}

	if err := s.flushEntities(ctx); err != nil {
		return err
	}
	if err := s.flushRelationChanges(ctx); err != nil {
		return err
	}
	if err := s.flushEntities(ctx); err != nil {
		return err
	}

	for _, hook := range s.afterFlush {
		if err := hook(s); err != nil {
			return err
		}
	}
	return nil
}

// flushEntities applies insert-before-update-before-delete ordering within
// this single pass.
func (s *Session) flushEntities(ctx context.Context) error {
	var inserts, updates, deletes []*TrackedEntity
	for _, te := range s.tracked {
		switch te.Status {
		case StatusNew:
			inserts = append(inserts, te)
		case StatusDirty:
			updates = append(updates, te)
		case StatusRemoved:
			deletes = append(deletes, te)
		}
	}
	for _, te := range inserts {
		if err := s.insertEntity(ctx, te); err != nil {
			return err
		}
	}
	for _, te := range updates {
		if err := s.updateEntity(ctx, te); err != nil {
			return err
		}
	}
	for _, te := range deletes {
		if err := s.deleteEntity(ctx, te); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) insertEntity(ctx context.Context, te *TrackedEntity) error {
	if h := te.Table.Hooks.BeforeInsert; h != nil {
		if err := h(te.Entity); err != nil {
			return err
		}
	}

	b := query.InsertInto(te.Table).Values(te.Entity)
	pkCol := te.Table.PrimaryKey()
	if pkCol != "" {
		col, _ := te.Table.Columns[pkCol]
		if col.Identity == schema.IdentityByDefault && s.dialect.Supports(dialect.FeatureReturning) {
			b = b.Returning(pkCol)
		}
	}

	res, err := b.Compile(s.dialect)
	if err != nil {
		return err
	}
	result, err := s.executor.ExecuteSQL(ctx, res.SQL, res.Params)
	if err != nil {
		return relerr.Wrap(relerr.ExecutorFailure, err, fmt.Sprintf("insert into %s", te.Table.Name))
	}

	if pkCol != "" && te.Entity[pkCol] == nil {
		if len(result.Values) > 0 && len(result.Columns) > 0 {
			for i, c := range result.Columns {
				if c == pkCol {
					te.Entity[pkCol] = result.Values[0][i]
				}
			}
		} else if lid, ok := s.executor.(executor.LastInsertIDer); ok {
			id, err := lid.LastInsertID()
			if err != nil {
				return relerr.Wrap(relerr.ExecutorFailure, err, "retrieve last insert id")
			}
			te.Entity[pkCol] = id
		}
	}
	te.PK = te.Entity[pkCol]
	te.Status = StatusManaged
	te.Snapshot = cloneMap(te.Entity)

	if pkCol != "" {
		s.GetOrCreate(te.Table.Name, te.PK, func() *hydrate.Entity {
			return &hydrate.Entity{Table: te.Table.Name, PK: te.PK, Attrs: te.Entity, Rels: map[string]any{}}
		})
	}

	if h := te.Table.Hooks.AfterInsert; h != nil {
		return h(te.Entity)
	}
	return nil
}

func (s *Session) updateEntity(ctx context.Context, te *TrackedEntity) error {
	if h := te.Table.Hooks.BeforeUpdate; h != nil {
		if err := h(te.Entity); err != nil {
			return err
		}
	}

	pkCol := te.Table.PrimaryKey()
	b := query.UpdateTable(te.Table)
	for _, c := range te.Table.ColumnOrder {
		if c == pkCol {
			continue
		}
		if te.Snapshot != nil && equalValue(te.Snapshot[c], te.Entity[c]) {
			continue
		}
		b = b.Set(c, te.Entity[c])
	}
	if pkCol != "" {
		b = b.Where(eqCol(pkCol, te.PK))
	}

	res, err := b.Compile(s.dialect)
	if err != nil {
		return err
	}
	if _, err := s.executor.ExecuteSQL(ctx, res.SQL, res.Params); err != nil {
		return relerr.Wrap(relerr.ExecutorFailure, err, fmt.Sprintf("update %s", te.Table.Name))
	}

	te.Status = StatusManaged
	te.Snapshot = cloneMap(te.Entity)
	if h := te.Table.Hooks.AfterUpdate; h != nil {
		return h(te.Entity)
	}
	return nil
}

func (s *Session) deleteEntity(ctx context.Context, te *TrackedEntity) error {
	if h := te.Table.Hooks.BeforeDelete; h != nil {
		if err := h(te.Entity); err != nil {
			return err
		}
	}

	pkCol := te.Table.PrimaryKey()
	b := query.DeleteFrom(te.Table)
	if pkCol != "" {
		b = b.Where(eqCol(pkCol, te.PK))
	} else {
		b = b.AllowFullTableDelete()
	}

	res, err := b.Compile(s.dialect)
	if err != nil {
		return err
	}
	if _, err := s.executor.ExecuteSQL(ctx, res.SQL, res.Params); err != nil {
		return relerr.Wrap(relerr.ExecutorFailure, err, fmt.Sprintf("delete from %s", te.Table.Name))
	}

	te.Status = StatusDetached
	delete(s.identity[te.Table.Name], te.PK)
	delete(s.tracked, findEntityKey(s.tracked, te))

	if h := te.Table.Hooks.AfterDelete; h != nil {
		return h(te.Entity)
	}
	return nil
}

func findEntityKey(tracked map[*hydrate.Entity]*TrackedEntity, te *TrackedEntity) *hydrate.Entity {
	for k, v := range tracked {
		if v == te {
			return k
		}
	}
	return nil
}

// flushRelationChanges applies queued attach/detach/add/remove mutations:
// BelongsToMany attach/add insert and detach deletes a single pivot row;
// HasMany/HasOne add sets the child's FK to the root's local key, and
// remove/detach either nulls the FK or deletes the child per Cascade.
func (s *Session) flushRelationChanges(ctx context.Context) error {
	pending := s.changes
	s.changes = nil
	for _, c := range pending {
		var err error
		switch c.Relation.Kind {
		case schema.RelBelongsToMany:
			err = s.applyPivotChange(ctx, c)
		case schema.RelHasMany, schema.RelHasOne:
			err = s.applyOwnedChange(ctx, c)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) applyPivotChange(ctx context.Context, c RelationChange) error {
	pivot := &schema.Table{Name: c.Relation.PivotTable, ColumnOrder: []string{c.Relation.PivotForeignKeyRoot, c.Relation.PivotForeignKeyTarget}}
	switch c.Kind {
	case ChangeAttach, ChangeAdd:
		b := query.InsertInto(pivot).Values(map[string]any{
			c.Relation.PivotForeignKeyRoot:   c.Root.PK,
			c.Relation.PivotForeignKeyTarget: c.Target.PK,
		})
		res, err := b.Compile(s.dialect)
		if err != nil {
			return err
		}
		_, err = s.executor.ExecuteSQL(ctx, res.SQL, res.Params)
		return wrapExec(err, "attach pivot row")
	case ChangeDetach:
		b := query.DeleteFrom(pivot).Where(
			andEq(c.Relation.PivotForeignKeyRoot, c.Root.PK, c.Relation.PivotForeignKeyTarget, c.Target.PK),
		)
		res, err := b.Compile(s.dialect)
		if err != nil {
			return err
		}
		_, err = s.executor.ExecuteSQL(ctx, res.SQL, res.Params)
		return wrapExec(err, "detach pivot row")
	}
	return nil
}

func (s *Session) applyOwnedChange(ctx context.Context, c RelationChange) error {
	if c.Kind != ChangeRemove && c.Kind != ChangeDetach && c.Kind != ChangeAdd {
		return nil
	}
	target, ok := s.catalog.Table(c.Relation.Target)
	if !ok {
		return relerr.Of(relerr.InvalidSchema, "relation %q targets unknown table %q", c.RelationName, c.Relation.Target)
	}
	if c.Kind == ChangeAdd {
		b := query.UpdateTable(target).Set(c.Relation.ForeignKey, c.Root.Entity[c.Relation.LocalKey]).Where(eqCol(target.PrimaryKey(), c.Target.PK))
		res, err := b.Compile(s.dialect)
		if err != nil {
			return err
		}
		_, err = s.executor.ExecuteSQL(ctx, res.SQL, res.Params)
		return wrapExec(err, "set foreign key on child")
	}
	switch c.Relation.Cascade {
	case schema.CascadeAll, schema.CascadeRemove:
		b := query.DeleteFrom(target).Where(eqCol(target.PrimaryKey(), c.Target.PK))
		res, err := b.Compile(s.dialect)
		if err != nil {
			return err
		}
		_, err = s.executor.ExecuteSQL(ctx, res.SQL, res.Params)
		return wrapExec(err, "cascade delete child")
	default:
		b := query.UpdateTable(target).Set(c.Relation.ForeignKey, nil).Where(eqCol(target.PrimaryKey(), c.Target.PK))
		res, err := b.Compile(s.dialect)
		if err != nil {
			return err
		}
		_, err = s.executor.ExecuteSQL(ctx, res.SQL, res.Params)
		return wrapExec(err, "null foreign key on child")
	}
}

// SaveChanges runs Flush then drains the domain-event outbox; handlers run
// only after a successful commit and see a fully flushed session state.
func (s *Session) SaveChanges(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	events := s.events
	s.events = nil
	for _, ev := range events {
		for _, h := range s.eventHandlers[ev.Name] {
			if err := h(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RetryRead retries a caller-supplied idempotent read-only operation, up to
// three attempts, against transient executor failures. Writes are never retried
// automatically: a partial retry during flush could double-insert.
func (s *Session) RetryRead(ctx context.Context, op func() error) error {
	return retry.Do(
		op,
		retry.Context(ctx),
		retry.Attempts(3),
		retry.OnRetry(func(n uint, err error) {
			s.log.Debugw("retrying read", "attempt", n, "error", err)
		}),
	)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// cloneMapOrNil preserves nilness, unlike cloneMap — a nil Snapshot means
// "not yet managed", which a restored empty map would not reproduce.
func cloneMapOrNil(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return cloneMap(m)
}

func equalValue(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b) && a != nil && b != nil
}

func wrapExec(err error, context string) error {
	if err == nil {
		return nil
	}
	return relerr.Wrap(relerr.ExecutorFailure, err, context)
}
