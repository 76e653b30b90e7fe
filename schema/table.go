package schema

import (
	"fmt"

	"github.com/relq/relq/relerr"
)

// Hooks are lifecycle callbacks a table may register. Each receives the
// entity as an opaque map (see the session package for how tracked entities
// are represented) and may return an error to abort the operation; the
// session does not roll back other hooks already run in the same phase.
type Hooks struct {
	BeforeInsert func(entity map[string]any) error
	AfterInsert  func(entity map[string]any) error
	BeforeUpdate func(entity map[string]any) error
	AfterUpdate  func(entity map[string]any) error
	BeforeDelete func(entity map[string]any) error
	AfterDelete  func(entity map[string]any) error
}

// Index is a named, non-unique-by-default secondary index.
type Index struct {
	Name    string
	Columns []string
	Unique  bool
}

// Table is an immutable table descriptor. Property insertion order in the
// Columns map is preserved via ColumnOrder, which IS the declared column
// order.
type Table struct {
	Name        string
	Schema      string
	ColumnOrder []string
	Columns     map[string]Column
	Relations   map[string]Relation
	Indexes     []Index
	Hooks       Hooks

	relationsLocked map[string]bool // write-once guard for patched-in relations
}

// PrimaryKey returns the name of the single-column primary key, or "" if
// the table declares none. relq does not support composite primary keys.
func (t *Table) PrimaryKey() string {
	for _, name := range t.ColumnOrder {
		if t.Columns[name].Primary {
			return name
		}
	}
	return ""
}

// DefineTable builds an immutable Table descriptor: it stamps each column
// with its owning table name and validates there are no duplicate columns,
// no unnamed or repeated relation, and at most one primary key.
func DefineTable(name string, columns []Column, relations []Relation, indexes []Index, opts ...TableOpt) (*Table, error) {
	t := &Table{
		Name:            name,
		Columns:         make(map[string]Column, len(columns)),
		Relations:       make(map[string]Relation, len(relations)),
		relationsLocked: make(map[string]bool),
	}
	for _, o := range opts {
		o(t)
	}

	primarySeen := false
	for _, c := range columns {
		if _, exists := t.Columns[c.Name]; exists {
			return nil, relerr.Of(relerr.InvalidSchema, "table %q: duplicate column %q", name, c.Name)
		}
		if c.Primary {
			if primarySeen {
				return nil, relerr.Of(relerr.InvalidSchema, "table %q: conflicting primary keys", name)
			}
			primarySeen = true
		}
		c.Table = name
		t.Columns[c.Name] = c
		t.ColumnOrder = append(t.ColumnOrder, c.Name)
	}

	for _, r := range relations {
		if err := t.addRelation(r); err != nil {
			return nil, err
		}
	}

	t.Indexes = append(t.Indexes, indexes...)
	return t, nil
}

// TableOpt configures optional table-level settings (schema qualification,
// lifecycle hooks) at DefineTable time.
type TableOpt func(*Table)

func WithSchema(name string) TableOpt { return func(t *Table) { t.Schema = name } }
func WithHooks(h Hooks) TableOpt      { return func(t *Table) { t.Hooks = h } }

func (t *Table) addRelation(r Relation) error {
	if r.Name == "" {
		return relerr.Of(relerr.InvalidSchema, "table %q: relation missing a name", t.Name)
	}
	if t.relationsLocked[r.Name] {
		return relerr.Of(relerr.InvalidSchema, "table %q: relation %q already patched (write-once)", t.Name, r.Name)
	}
	r.root = t.Name
	if (r.Kind == RelHasOne || r.Kind == RelHasMany) && r.LocalKey == "" {
		r.LocalKey = t.PrimaryKey()
	}
	t.Relations[r.Name] = applyRelationDefaults(t.Name, r)
	t.relationsLocked[r.Name] = true
	return nil
}

// SetRelations patches relation back-references onto an already-created
// table, permitting cyclic relation graphs: declare all tables first, then
// call SetRelations once per table. Each relation name may only be patched
// once.
func SetRelations(t *Table, relations ...Relation) error {
	for _, r := range relations {
		if err := t.addRelation(r); err != nil {
			return err
		}
	}
	return nil
}

// applyRelationDefaults fills in ForeignKey/LocalKey/pivot column names
// that were left empty, following the `<name>_id` convention.
func applyRelationDefaults(rootTable string, r Relation) Relation {
	switch r.Kind {
	case RelBelongsTo:
		if r.ForeignKey == "" {
			r.ForeignKey = fmt.Sprintf("%s_id", r.Name)
		}
		if r.LocalKey == "" {
			r.LocalKey = "id" // used as-is; the target table's actual primary key is not consulted
		}
	case RelHasOne, RelHasMany:
		if r.ForeignKey == "" {
			r.ForeignKey = fmt.Sprintf("%s_id", rootTable)
		}
		if r.LocalKey == "" {
			r.LocalKey = "id" // root declares no primary key; addRelation fills pk(root) otherwise
		}
	case RelBelongsToMany:
		if r.PivotForeignKeyRoot == "" {
			r.PivotForeignKeyRoot = fmt.Sprintf("%s_id", rootTable)
		}
		if r.PivotForeignKeyTarget == "" {
			r.PivotForeignKeyTarget = fmt.Sprintf("%s_id", r.Target)
		}
	}
	return r
}

// Catalog is an explicit registry of tables a session consumes, built by
// the caller rather than discovered by reflecting over a live connection.
type Catalog struct {
	tables map[string]*Table
}

func NewCatalog(tables ...*Table) *Catalog {
	c := &Catalog{tables: make(map[string]*Table, len(tables))}
	for _, t := range tables {
		c.tables[t.Name] = t
	}
	return c
}

func (c *Catalog) Table(name string) (*Table, bool) {
	t, ok := c.tables[name]
	return t, ok
}

func (c *Catalog) MustTable(name string) *Table {
	t, ok := c.tables[name]
	if !ok {
		panic(fmt.Sprintf("relq: catalog has no table %q", name))
	}
	return t
}

// Relation resolves a relation by name, validating it exists on the table.
func (t *Table) Relation(name string) (Relation, error) {
	r, ok := t.Relations[name]
	if !ok {
		return Relation{}, relerr.Of(relerr.UnknownRelation, "table %q has no relation %q", t.Name, name)
	}
	return r, nil
}
