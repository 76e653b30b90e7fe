// Package preload batches the secondary queries needed to resolve
// relations that were not eagerly joined into a root query's SELECT,
// eliminating N+1 fetches across sibling parent relations that target the
// same table. The root query returns flat rows from one statement; this
// package issues the explicit follow-up batches, coalesced by
// (targetTable, remoteKey) per depth.
package preload

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/relq/relq/ast"
	"github.com/relq/relq/dialect"
	"github.com/relq/relq/executor"
	"github.com/relq/relq/hydrate"
	"github.com/relq/relq/query"
	"github.com/relq/relq/relerr"
	"github.com/relq/relq/schema"
)

// pivotRootFKAlias is the projection alias carrying a BelongsToMany row's
// pivot-side foreign key back to the root, so resolveGroup can group
// fetched rows by parent without a second round trip.
const pivotRootFKAlias = "__pivot_root_fk"

// Node is one edge of a normalized include tree: load Relation on every
// entity currently at this frontier, then recurse into Children.
type Node struct {
	Relation string
	Children []Node
}

// Preloader batches and executes the secondary queries an include tree
// needs against a single executor/dialect pair.
type Preloader struct {
	Catalog  *schema.Catalog
	Executor executor.Executor
	Dialect  dialect.Dialect
	Identity hydrate.IdentityMap
	// Logf, when set, receives one line per batch round (one per depth)
	// giving the depth and its number of coalesced groups.
	Logf func(format string, args ...any)

	// mu serializes identity-map and entity writes when sibling groups are
	// resolved concurrently.
	mu sync.Mutex
}

// LazyLoader returns a hydrate.LoaderFactory backed by this Preloader, so a
// RelationField proxy hydrate.Rows attaches for a non-included relation
// resolves through the same batched Load path an eager include uses — for
// one owner at a time, since Loader.Load only sees one proxy's keys.
func (p *Preloader) LazyLoader(ctx context.Context) hydrate.LoaderFactory {
	return func(owner *hydrate.Entity, table *schema.Table, rel schema.Relation) hydrate.Loader {
		return &relationLoader{p: p, ctx: ctx, owner: owner, table: table, rel: rel}
	}
}

// relationLoader adapts one (owner, relation) pair to hydrate.Loader by
// running it through Preloader.Load as a single-parent, single-relation
// frontier.
type relationLoader struct {
	p     *Preloader
	ctx   context.Context
	owner *hydrate.Entity
	table *schema.Table
	rel   schema.Relation
}

func (l *relationLoader) Load(_ []any) (any, error) {
	if err := l.p.Load(l.ctx, []*hydrate.Entity{l.owner}, l.table, []Node{{Relation: l.rel.Name}}); err != nil {
		return nil, err
	}
	return l.owner.Rels[l.rel.Name], nil
}

// frontierItem is one (parent entities, relation) edge awaiting resolution
// at the current depth.
type frontierItem struct {
	parents  []*hydrate.Entity
	relName  string
	relation schema.Relation
	children []Node
}

// coalesceKey groups sibling frontier items that resolve against the same
// target table through the same remote key, so they batch into one query
// instead of one per sibling relation.
type coalesceKey struct {
	targetTable string
	remoteKey   string
}

// Load resolves tree against roots, which must already be hydrated from
// rootTable. It issues exactly depth(tree) query rounds in the common case
// where no two same-depth siblings target different tables.
func (p *Preloader) Load(ctx context.Context, roots []*hydrate.Entity, rootTable *schema.Table, tree []Node) error {
	if len(roots) == 0 || len(tree) == 0 {
		return nil
	}

	frontier, err := buildFrontier(rootTable, roots, tree)
	if err != nil {
		return err
	}

	depth := 0
	for len(frontier) > 0 {
		next, err := p.loadDepth(ctx, depth, frontier)
		if err != nil {
			return err
		}
		frontier = next
		depth++
	}
	return nil
}

func buildFrontier(table *schema.Table, parents []*hydrate.Entity, tree []Node) ([]frontierItem, error) {
	items := make([]frontierItem, 0, len(tree))
	for _, n := range tree {
		rel, err := table.Relation(n.Relation)
		if err != nil {
			return nil, err
		}
		items = append(items, frontierItem{parents: parents, relName: n.Relation, relation: rel, children: n.Children})
	}
	return items, nil
}

// loadDepth groups frontier by coalesceKey, issues one query per group, and
// returns the next depth's frontier.
func (p *Preloader) loadDepth(ctx context.Context, depth int, frontier []frontierItem) ([]frontierItem, error) {
	groups := map[coalesceKey][]frontierItem{}
	var order []coalesceKey
	for _, item := range frontier {
		key := coalesceKey{targetTable: item.relation.Target, remoteKey: remoteKeyFor(item.relation)}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], item)
	}

	results := make([][]frontierItem, len(order))
	concurrent := p.Executor.Capabilities().Concurrent

	run := func(i int) error {
		next, err := p.resolveGroup(ctx, groups[order[i]])
		if err != nil {
			return err
		}
		results[i] = next
		return nil
	}

	if concurrent && len(order) > 1 {
		g, _ := errgroup.WithContext(ctx)
		for i := range order {
			i := i
			g.Go(func() error { return run(i) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i := range order {
			if err := run(i); err != nil {
				return nil, err
			}
		}
	}

	if p.Logf != nil {
		p.Logf("preload depth=%d groups=%d", depth, len(order))
	}

	var next []frontierItem
	for _, r := range results {
		next = append(next, r...)
	}
	return next, nil
}

func remoteKeyFor(rel schema.Relation) string {
	switch rel.Kind {
	case schema.RelBelongsTo:
		return rel.LocalKey
	case schema.RelBelongsToMany:
		return rel.PivotForeignKeyTarget
	default:
		return rel.ForeignKey
	}
}

func localKeyFor(rel schema.Relation) string {
	switch rel.Kind {
	case schema.RelBelongsTo:
		return rel.ForeignKey
	case schema.RelBelongsToMany:
		return ""
	default:
		return rel.LocalKey
	}
}

// resolveGroup issues exactly one query for every frontierItem sharing a
// coalesceKey, distributes rows back to each parent, and returns the
// combined next-depth frontier.
func (p *Preloader) resolveGroup(ctx context.Context, items []frontierItem) ([]frontierItem, error) {
	if len(items) == 0 {
		return nil, nil
	}
	rel := items[0].relation
	target, ok := p.Catalog.Table(rel.Target)
	if !ok {
		return nil, relerr.Of(relerr.InvalidSchema, "preload: relation targets unknown table %q", rel.Target)
	}

	keySet := map[any]bool{}
	for _, item := range items {
		lk := localKeyFor(item.relation)
		for _, parent := range item.parents {
			if lk == "" {
				if pk := parent.PK; pk != nil {
					keySet[pk] = true
				}
				continue
			}
			if v, ok := parent.Attrs[lk]; ok && v != nil {
				keySet[v] = true
			}
		}
	}
	keys := make([]any, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sortKeys(keys)
	if len(keys) == 0 {
		return nil, nil
	}

	rows, err := p.fetch(ctx, target, rel, keys)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	childrenByFK := map[any][]*hydrate.Entity{}
	targetPK := target.PrimaryKey()
	for _, row := range rows {
		pkVal := row[targetPK]
		child := p.Identity.GetOrCreate(target.Name, pkVal, func() *hydrate.Entity {
			return &hydrate.Entity{Table: target.Name, PK: pkVal, Attrs: map[string]any{}, Rels: map[string]any{}}
		})
		for k, v := range row {
			if k == pivotRootFKAlias {
				continue
			}
			child.Attrs[k] = v
		}
		fk := fkForRow(rel, row)
		childrenByFK[fk] = append(childrenByFK[fk], child)
	}

	var nextFrontier []frontierItem
	for _, item := range items {
		lk := localKeyFor(item.relation)
		for _, parent := range item.parents {
			var matchKey any
			if lk == "" {
				matchKey = parent.PK
			} else {
				matchKey = parent.Attrs[lk]
			}
			children := childrenByFK[matchKey]
			wireRelation(parent, item.relName, item.relation, children)
		}
		if len(item.children) > 0 {
			allChildren := uniqueEntities(childrenByFK)
			sub, err := buildFrontier(target, allChildren, item.children)
			if err != nil {
				return nil, err
			}
			nextFrontier = append(nextFrontier, sub...)
		}
	}
	return nextFrontier, nil
}

func fkForRow(rel schema.Relation, row map[string]any) any {
	switch rel.Kind {
	case schema.RelBelongsTo:
		return row[rel.LocalKey]
	case schema.RelBelongsToMany:
		return row[pivotRootFKAlias]
	default:
		return row[rel.ForeignKey]
	}
}

func wireRelation(parent *hydrate.Entity, name string, rel schema.Relation, children []*hydrate.Entity) {
	switch rel.Kind {
	case schema.RelBelongsTo, schema.RelHasOne:
		if len(children) > 0 {
			parent.Rels[name] = children[0]
		} else {
			parent.Rels[name] = (*hydrate.Entity)(nil)
		}
	default:
		if children == nil {
			children = []*hydrate.Entity{}
		}
		parent.Rels[name] = children
	}
}

// fetch issues the single batched query for one coalesced group: a plain
// `SELECT … WHERE remoteKey IN (keys)` for BelongsTo/HasOne/HasMany, or a
// target↔pivot join carrying the pivot's root-side FK for BelongsToMany.
func (p *Preloader) fetch(ctx context.Context, target *schema.Table, rel schema.Relation, keys []any) ([]map[string]any, error) {
	b := query.SelectFrom(p.Catalog, target, target.Name)
	specs := make([]query.ColumnSpec, 0, len(target.ColumnOrder)+1)
	for _, c := range target.ColumnOrder {
		specs = append(specs, query.Col(c, ast.Column{Table: target.Name, Name: c}))
	}

	var whereCol ast.Operand
	if rel.Kind == schema.RelBelongsToMany {
		pivotAlias := "piv"
		b = b.InnerJoin(
			ast.Table{Name: rel.PivotTable, Alias: pivotAlias},
			ast.Eq(ast.Column{Table: target.Name, Name: target.PrimaryKey()}, ast.Column{Table: pivotAlias, Name: rel.PivotForeignKeyTarget}),
		)
		specs = append(specs, query.Col(pivotRootFKAlias, ast.Column{Table: pivotAlias, Name: rel.PivotForeignKeyRoot}))
		whereCol = ast.Column{Table: pivotAlias, Name: rel.PivotForeignKeyRoot}
	} else {
		whereCol = ast.Column{Table: target.Name, Name: remoteKeyFor(rel)}
	}

	b = b.Select(specs...).Where(ast.InList(whereCol, keys, false))

	res, err := b.Compile(p.Dialect)
	if err != nil {
		return nil, err
	}

	result, err := p.Executor.ExecuteSQL(ctx, res.SQL, res.Params)
	if err != nil {
		return nil, relerr.Wrap(relerr.ExecutorFailure, err, fmt.Sprintf("preload fetch: %s", res.SQL))
	}

	rows := make([]map[string]any, len(result.Values))
	for i, rv := range result.Values {
		m := make(map[string]any, len(result.Columns))
		for j, c := range result.Columns {
			if j < len(rv) {
				m[c] = rv[j]
			}
		}
		rows[i] = m
	}
	return rows, nil
}

func uniqueEntities(byKey map[any][]*hydrate.Entity) []*hydrate.Entity {
	seen := map[*hydrate.Entity]bool{}
	var out []*hydrate.Entity
	keys := make([]any, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sortKeys(keys)
	for _, k := range keys {
		for _, e := range byKey[k] {
			if !seen[e] {
				seen[e] = true
				out = append(out, e)
			}
		}
	}
	return out
}

// sortKeys orders comparable keys deterministically so two runs of the same
// batch issue params in the same order, keeping compiled SQL reproducible
// the way the root query's compiler output already is.
func sortKeys(keys []any) {
	sort.Slice(keys, func(i, j int) bool {
		return fmt.Sprint(keys[i]) < fmt.Sprint(keys[j])
	})
}
