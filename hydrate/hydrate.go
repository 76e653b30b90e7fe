// Package hydrate reshapes the flat rows an executor returns into a nested
// object graph, driven by the ast.HydrationPlan a query.SelectBuilder
// stamps onto its Select. Columns from joined relations carry a
// `<prefix>__<column>` alias; Rows splits each row back into its per-table
// attribute sets and wires them into entities, consulting an identity map
// so repeated primary keys resolve to one shared instance.
package hydrate

import (
	"fmt"
	"strings"

	"github.com/relq/relq/ast"
	"github.com/relq/relq/executor"
	"github.com/relq/relq/relerr"
	"github.com/relq/relq/schema"
)

// Entity is a hydrated row: a flat map of root column name to value, plus
// resolved relations keyed by relation name. BelongsTo/HasOne values are
// *Entity (nil if the relation's FK was null); HasMany/BelongsToMany values
// are []*Entity.
type Entity struct {
	Table string
	PK    any
	Attrs map[string]any
	Rels  map[string]any
}

// IdentityMap resolves (table, primary key) to a single *Entity instance
// for the lifetime of a session. The session package owns the concrete
// implementation; hydrate only needs this narrow contract.
type IdentityMap interface {
	GetOrCreate(table string, pk any, create func() *Entity) *Entity
}

// ProxyOptions lets Rows attach a lazy RelationField proxy, rather than
// leaving the key absent, for every relation the root table declares but
// the hydration plan did not eagerly join. Omitting it (or passing a zero
// value) limits Rows to the plan's own relations, as before.
type ProxyOptions struct {
	Catalog *schema.Catalog
	Loaders LoaderFactory
	Mutator RelationMutator
}

// LoaderFactory builds the Loader an unloaded proxy calls to resolve rel on
// owner. The preload package supplies the concrete batching implementation;
// hydrate only needs the shape.
type LoaderFactory func(owner *Entity, table *schema.Table, rel schema.Relation) Loader

// Rows hydrates result into a slice of root entities per plan, using idm
// for identity resolution. Each row is partitioned into root columns and
// per-relation sub-maps using the `<prefix>__<column>` alias convention.
// When opts names a Catalog, every schema-declared relation absent from the
// plan gets an Unloaded RelationField instead of being left out of Rels.
func Rows(result executor.Result, plan *ast.HydrationPlan, idm IdentityMap, opts ...ProxyOptions) ([]*Entity, error) {
	colIndex := make(map[string]int, len(result.Columns))
	for i, c := range result.Columns {
		colIndex[c] = i
	}

	var roots []*Entity
	seenRoot := map[any]bool{}

	for _, row := range result.Values {
		rootPKVal, err := columnValue(row, colIndex, plan.RootPrimaryKey)
		if err != nil {
			return nil, err
		}
		if rootPKVal == nil {
			continue // LEFT JOIN produced no root match (shouldn't happen for a root table, but is not an error)
		}

		root := idm.GetOrCreate(plan.RootTable, rootPKVal, func() *Entity {
			return &Entity{Table: plan.RootTable, PK: rootPKVal, Attrs: map[string]any{}, Rels: map[string]any{}}
		})
		if err := fillRootColumns(root, row, colIndex, plan.RootColumns); err != nil {
			return nil, err
		}

		for _, relPlan := range plan.Relations {
			if err := applyRelation(root, row, colIndex, relPlan, idm); err != nil {
				return nil, err
			}
		}

		if !seenRoot[rootPKVal] {
			seenRoot[rootPKVal] = true
			roots = append(roots, root)
		}
	}

	var opt ProxyOptions
	if len(opts) > 0 {
		opt = opts[0]
	}
	if opt.Catalog != nil {
		for _, root := range roots {
			attachUnloadedProxies(root, opt.Catalog, plan.RootTable, opt.Loaders, opt.Mutator)
		}
	}

	return roots, nil
}

// attachUnloadedProxies sets an Unloaded RelationField for every relation
// tableName declares that e.Rels doesn't already hold a value for, so a
// declared-but-not-included relation resolves through Load() rather than
// simply being absent from Rels.
func attachUnloadedProxies(e *Entity, catalog *schema.Catalog, tableName string, loaders LoaderFactory, mutator RelationMutator) {
	table, ok := catalog.Table(tableName)
	if !ok {
		return
	}
	for name, rel := range table.Relations {
		if _, ok := e.Rels[name]; ok {
			continue
		}
		var loader Loader
		if loaders != nil {
			loader = loaders(e, table, rel)
		}
		field := Unloaded([]any{localKeyValue(e, rel)}, loader)
		if mutator != nil {
			field.Bind(e, name, mutator)
		}
		e.Rels[name] = field
	}
}

// localKeyValue returns the attribute on e that a relation's Loader resolves
// against: the foreign key itself for BelongsTo, the local key (default the
// primary key) for HasOne/HasMany/BelongsToMany.
func localKeyValue(e *Entity, rel schema.Relation) any {
	if rel.Kind == schema.RelBelongsTo {
		return e.Attrs[rel.ForeignKey]
	}
	if rel.LocalKey != "" {
		return e.Attrs[rel.LocalKey]
	}
	return e.PK
}

func fillRootColumns(e *Entity, row executor.Row, idx map[string]int, cols []string) error {
	for _, c := range cols {
		v, err := columnValue(row, idx, c)
		if err != nil {
			return err
		}
		e.Attrs[c] = v
	}
	return nil
}

// applyRelation resolves relPlan's slice of row into the parent entity's
// Rels map, recursing into relPlan.Nested when present.
func applyRelation(parent *Entity, row executor.Row, idx map[string]int, relPlan ast.RelationPlan, idm IdentityMap) error {
	targetPKCol := relPlan.AliasPrefix + "__" + relPlan.TargetPrimaryKey
	pkVal, err := columnValue(row, idx, targetPKCol)
	if err != nil {
		return err
	}
	if pkVal == nil {
		// LEFT JOIN found no matching child this row; HasMany/BelongsToMany
		// relations still need an (empty, not nil) collection registered.
		if isToMany(relPlan.Kind) {
			if _, ok := parent.Rels[relPlan.Name]; !ok {
				parent.Rels[relPlan.Name] = []*Entity{}
			}
		}
		return nil
	}

	child := idm.GetOrCreate(relPlan.TargetTable, pkVal, func() *Entity {
		return &Entity{Table: relPlan.TargetTable, PK: pkVal, Attrs: map[string]any{}, Rels: map[string]any{}}
	})
	for _, c := range relPlan.Columns {
		v, err := columnValue(row, idx, relPlan.AliasPrefix+"__"+c)
		if err != nil {
			return err
		}
		child.Attrs[c] = v
	}

	if relPlan.Nested != nil {
		for _, nestedPlan := range relPlan.Nested.Relations {
			if err := applyRelation(child, row, idx, nestedPlan, idm); err != nil {
				return err
			}
		}
	}

	if isToMany(relPlan.Kind) {
		list, _ := parent.Rels[relPlan.Name].([]*Entity)
		if !containsEntity(list, child) {
			list = append(list, child)
		}
		parent.Rels[relPlan.Name] = list
	} else {
		parent.Rels[relPlan.Name] = child
	}
	return nil
}

func isToMany(kind string) bool {
	return kind == "HasMany" || kind == "BelongsToMany"
}

func containsEntity(list []*Entity, e *Entity) bool {
	for _, x := range list {
		if x == e {
			return true
		}
	}
	return false
}

func columnValue(row executor.Row, idx map[string]int, col string) (any, error) {
	if col == "" {
		return nil, nil
	}
	i, ok := idx[col]
	if !ok {
		return nil, relerr.Of(relerr.CompileFailure, "hydrate: result set missing expected column %q", col)
	}
	if i >= len(row) {
		return nil, relerr.Of(relerr.CompileFailure, "hydrate: row too short for column %q", col)
	}
	return row[i], nil
}

// RelationField is the tagged variant a lazy (non-included) relation is
// exposed through: Loaded once resolved, Unloaded with the key(s) a Loader
// needs to resolve it on demand. Modeling it as a sum type rather than a
// collection subtype that panics on unloaded access keeps the loaded state
// checkable without a type assertion.
type RelationField struct {
	loaded bool
	value  any    // *Entity or []*Entity, when loaded
	keys   []any  // FK value(s) to resolve, when unloaded
	loader Loader // invoked by Load

	owner        *Entity
	relationName string
	mutator      RelationMutator
}

// RelationChangeKind mirrors the session package's four ways a relation can
// be mutated between flushes; RelationField's Add/Attach/Remove/Detach
// forward the corresponding kind into a bound RelationMutator.
type RelationChangeKind int

const (
	ChangeAdd RelationChangeKind = iota
	ChangeAttach
	ChangeRemove
	ChangeDetach
)

// RelationMutator is the narrow session contract a RelationField's
// Add/Attach/Remove/Detach forward into. session.Session implements this by
// resolving owner/target through its identity map and queuing the matching
// RelationChange for the next flush.
type RelationMutator interface {
	QueueEntityRelationChange(owner *Entity, relationName string, kind RelationChangeKind, target *Entity) error
}

// Bind attaches the owner/relation/mutator a proxy needs to turn
// Add/Attach/Remove/Detach into a queued session mutation. Proxies built
// outside attachUnloadedProxies (e.g. in tests) that never call Bind get a
// plain error from those methods instead of a panic.
func (f *RelationField) Bind(owner *Entity, relationName string, mutator RelationMutator) *RelationField {
	f.owner = owner
	f.relationName = relationName
	f.mutator = mutator
	return f
}

// Add appends target to a HasMany collection, queuing the FK update (or
// BelongsToMany pivot insert) the next Flush applies.
func (f *RelationField) Add(target *Entity) error { return f.mutate(ChangeAdd, target) }

// Attach inserts a BelongsToMany pivot row linking the owner to target.
func (f *RelationField) Attach(target *Entity) error { return f.mutate(ChangeAttach, target) }

// Remove detaches target from a HasMany collection per the relation's
// cascade rule (delete the child, or null its foreign key).
func (f *RelationField) Remove(target *Entity) error { return f.mutate(ChangeRemove, target) }

// Detach deletes a BelongsToMany pivot row without touching target itself.
func (f *RelationField) Detach(target *Entity) error { return f.mutate(ChangeDetach, target) }

func (f *RelationField) mutate(kind RelationChangeKind, target *Entity) error {
	if f.mutator == nil {
		return relerr.Of(relerr.InvalidSchema, "hydrate: relation field %q has no bound mutator", f.relationName)
	}
	if err := f.mutator.QueueEntityRelationChange(f.owner, f.relationName, kind, target); err != nil {
		return err
	}
	f.applyLocal(kind, target)
	return nil
}

// applyLocal keeps an already-loaded collection in sync with a queued
// mutation so a caller reading the field again before the next Flush sees
// the change, without waiting on a round trip.
func (f *RelationField) applyLocal(kind RelationChangeKind, target *Entity) {
	if !f.loaded {
		return
	}
	list, ok := f.value.([]*Entity)
	if !ok {
		return
	}
	switch kind {
	case ChangeAdd, ChangeAttach:
		if !containsEntity(list, target) {
			f.value = append(list, target)
		}
	case ChangeRemove, ChangeDetach:
		out := make([]*Entity, 0, len(list))
		for _, e := range list {
			if e != target {
				out = append(out, e)
			}
		}
		f.value = out
	}
}

// Loader resolves an unloaded RelationField's keys into its value. The
// preloader package supplies the concrete implementation; hydrate only
// defines the shape.
type Loader interface {
	Load(keys []any) (any, error)
}

func Unloaded(keys []any, loader Loader) *RelationField {
	return &RelationField{keys: keys, loader: loader}
}

func Loaded(value any) *RelationField {
	return &RelationField{loaded: true, value: value}
}

func (f *RelationField) IsLoaded() bool { return f.loaded }

// Load resolves the field if unloaded, caching the result, and returns the
// value either way.
func (f *RelationField) Load() (any, error) {
	if f.loaded {
		return f.value, nil
	}
	v, err := f.loader.Load(f.keys)
	if err != nil {
		return nil, err
	}
	f.value = v
	f.loaded = true
	return v, nil
}

// Describe renders a short diagnostic string, useful in error messages
// naming which lazy field tripped a misuse.
func (f *RelationField) Describe() string {
	if f.loaded {
		return fmt.Sprintf("loaded(%T)", f.value)
	}
	keys := make([]string, len(f.keys))
	for i, k := range f.keys {
		keys[i] = fmt.Sprint(k)
	}
	return fmt.Sprintf("unloaded(%s)", strings.Join(keys, ","))
}
