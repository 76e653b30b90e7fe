package query

import (
	"github.com/relq/relq/ast"
	"github.com/relq/relq/dialect"
	"github.com/relq/relq/relerr"
	"github.com/relq/relq/schema"
)

var errNoWhereNoOptIn = relerr.Of(relerr.CompileFailure, "delete has no WHERE predicate; call AllowFullTableDelete to delete every row")

// InsertBuilder produces an ast.Insert from one or more row value sets, or
// from a SELECT subquery via FromSelect.
type InsertBuilder struct {
	table   *schema.Table
	columns []string
	rows    [][]ast.Operand
	sub     *SelectBuilder
	ret     []ast.Operand
}

// InsertInto starts a new InsertBuilder targeting table.
func InsertInto(table *schema.Table) *InsertBuilder {
	return &InsertBuilder{table: table}
}

// Values appends one row. row keys become the column list on first call;
// subsequent calls must supply the same columns (enforced by the session
// layer, which always calls Values with a fixed column set per entity
// table — InsertBuilder itself does not re-validate column identity across
// calls).
func (b *InsertBuilder) Values(row map[string]any) *InsertBuilder {
	nb := *b
	if len(nb.columns) == 0 {
		nb.columns = make([]string, 0, len(row))
		for _, c := range b.table.ColumnOrder {
			if _, ok := row[c]; ok {
				nb.columns = append(nb.columns, c)
			}
		}
	}
	vals := make([]ast.Operand, len(nb.columns))
	for i, c := range nb.columns {
		vals[i] = ast.ToOperand(row[c])
	}
	nb.rows = append(append([][]ast.Operand(nil), b.rows...), vals)
	return &nb
}

// FromSelect makes this an INSERT … SELECT.
func (b *InsertBuilder) FromSelect(columns []string, sub *SelectBuilder) *InsertBuilder {
	nb := *b
	nb.columns = columns
	nb.sub = sub
	return &nb
}

// Returning requests the named columns back via RETURNING/OUTPUT.
func (b *InsertBuilder) Returning(cols ...string) *InsertBuilder {
	nb := *b
	ops := make([]ast.Operand, len(cols))
	for i, c := range cols {
		ops[i] = ast.Column{Name: c}
	}
	nb.ret = ops
	return &nb
}

func (b *InsertBuilder) GetAST() *ast.Insert {
	var sub *ast.Select
	if b.sub != nil {
		sub = b.sub.GetAST()
	}
	return &ast.Insert{
		Table:     ast.Table{Name: b.table.Name, Schema: b.table.Schema},
		Columns:   append([]string(nil), b.columns...),
		Rows:      b.rows,
		Subquery:  sub,
		Returning: b.ret,
	}
}

func (b *InsertBuilder) Compile(d dialect.Dialect) (dialect.Result, error) {
	return dialect.New(d).CompileInsert(b.GetAST())
}

// UpdateBuilder produces an ast.Update.
type UpdateBuilder struct {
	table    *schema.Table
	set      map[string]ast.Operand
	setOrder []string
	where    ast.Expression
	ret      []ast.Operand
}

func UpdateTable(table *schema.Table) *UpdateBuilder {
	return &UpdateBuilder{table: table, set: map[string]ast.Operand{}}
}

// Set assigns column = value, preserving first-seen assignment order.
func (b *UpdateBuilder) Set(column string, value any) *UpdateBuilder {
	nb := *b
	nb.set = make(map[string]ast.Operand, len(b.set)+1)
	for k, v := range b.set {
		nb.set[k] = v
	}
	if _, exists := nb.set[column]; !exists {
		nb.setOrder = append(append([]string(nil), b.setOrder...), column)
	} else {
		nb.setOrder = b.setOrder
	}
	nb.set[column] = ast.ToOperand(value)
	return &nb
}

func (b *UpdateBuilder) Where(expr ast.Expression) *UpdateBuilder {
	nb := *b
	nb.where = ast.AndAppend(nb.where, expr)
	return &nb
}

func (b *UpdateBuilder) Returning(cols ...string) *UpdateBuilder {
	nb := *b
	ops := make([]ast.Operand, len(cols))
	for i, c := range cols {
		ops[i] = ast.Column{Name: c}
	}
	nb.ret = ops
	return &nb
}

func (b *UpdateBuilder) GetAST() *ast.Update {
	return &ast.Update{
		Table:     ast.Table{Name: b.table.Name, Schema: b.table.Schema},
		Set:       b.set,
		SetOrder:  append([]string(nil), b.setOrder...),
		Where:     b.where,
		Returning: b.ret,
	}
}

func (b *UpdateBuilder) Compile(d dialect.Dialect) (dialect.Result, error) {
	return dialect.New(d).CompileUpdate(b.GetAST())
}

// DeleteBuilder produces an ast.Delete. A nil Where predicate deletes every
// row; callers must call AllowFullTableDelete to opt into that explicitly,
// so an unconditional delete is never emitted by accident.
type DeleteBuilder struct {
	table       *schema.Table
	where       ast.Expression
	allowFull   bool
	ret         []ast.Operand
}

func DeleteFrom(table *schema.Table) *DeleteBuilder {
	return &DeleteBuilder{table: table}
}

func (b *DeleteBuilder) Where(expr ast.Expression) *DeleteBuilder {
	nb := *b
	nb.where = ast.AndAppend(nb.where, expr)
	return &nb
}

// AllowFullTableDelete opts into deleting every row when no Where call was
// ever made.
func (b *DeleteBuilder) AllowFullTableDelete() *DeleteBuilder {
	nb := *b
	nb.allowFull = true
	return &nb
}

func (b *DeleteBuilder) Returning(cols ...string) *DeleteBuilder {
	nb := *b
	ops := make([]ast.Operand, len(cols))
	for i, c := range cols {
		ops[i] = ast.Column{Name: c}
	}
	nb.ret = ops
	return &nb
}

func (b *DeleteBuilder) GetAST() (*ast.Delete, error) {
	if b.where == nil && !b.allowFull {
		return nil, errNoWhereNoOptIn
	}
	return &ast.Delete{
		From:      ast.Table{Name: b.table.Name, Schema: b.table.Schema},
		Where:     b.where,
		Returning: b.ret,
	}, nil
}

func (b *DeleteBuilder) Compile(d dialect.Dialect) (dialect.Result, error) {
	del, err := b.GetAST()
	if err != nil {
		return dialect.Result{}, err
	}
	return dialect.New(d).CompileDelete(del)
}
