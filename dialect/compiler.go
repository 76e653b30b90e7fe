package dialect

import (
	"github.com/relq/relq/ast"
	"github.com/relq/relq/relerr"
)

// Compiler renders ast nodes for one Dialect. It holds no per-query state;
// the Writer created by each Compile* call carries everything mutable, so
// a Compiler is safe for concurrent use across goroutines compiling
// different queries.
type Compiler struct {
	D Dialect
}

func New(d Dialect) *Compiler { return &Compiler{D: d} }

// CompileSelect renders sel, hoisting any CTEs declared on sel or on the
// right-hand operand of a set operation into a single leading WITH clause.
func (c *Compiler) CompileSelect(sel *ast.Select) (Result, error) {
	w := NewWriter(c.D)
	ctx := &ctx{w: w, d: c.D}

	ctes := collectCTEs(sel)
	if len(ctes) > 0 {
		if err := ctx.writeWith(ctes); err != nil {
			return Result{}, err
		}
	}

	if len(sel.SetOps) == 0 {
		if err := ctx.writeSelect(sel, true); err != nil {
			return Result{}, err
		}
	} else {
		w.WriteString("(")
		if err := ctx.writeSelect(sel, false); err != nil {
			return Result{}, err
		}
		w.WriteString(")")
		for _, op := range sel.SetOps {
			if hasOwnPaging(op.Rhs) {
				return Result{}, relerr.Of(relerr.InvalidSetOperand,
					"ORDER BY/LIMIT/OFFSET not allowed on a set-operation operand")
			}
			w.WriteString(" ")
			w.WriteString(string(op.Op))
			w.WriteString(" (")
			if err := ctx.writeSelect(op.Rhs, false); err != nil {
				return Result{}, err
			}
			w.WriteString(")")
		}
		if err := ctx.writeOrderByAndPaging(sel); err != nil {
			return Result{}, err
		}
	}

	w.WriteString(";")
	return Result{SQL: w.String(), Params: w.Params}, nil
}

func hasOwnPaging(sel *ast.Select) bool {
	return len(sel.OrderBy) > 0 || sel.Limit != nil || sel.Offset != nil
}

// collectCTEs gathers sel's own CTEs followed by those declared on each
// set-operation operand, in declaration order, so every CTE ends up on one
// hoisted leading WITH regardless of which operand declared it.
func collectCTEs(sel *ast.Select) []ast.CTE {
	var out []ast.CTE
	out = append(out, sel.CTEs...)
	for _, op := range sel.SetOps {
		out = append(out, op.Rhs.CTEs...)
	}
	return out
}

type ctx struct {
	w *Writer
	d Dialect
}

func (c *ctx) writeWith(ctes []ast.CTE) error {
	recursive := false
	for _, cte := range ctes {
		if cte.Recursive {
			recursive = true
		}
	}
	c.w.WriteString("WITH ")
	if recursive {
		c.w.WriteString("RECURSIVE ")
	}
	for i, cte := range ctes {
		if i > 0 {
			c.w.WriteString(", ")
		}
		c.w.Quote(cte.Name)
		if len(cte.Columns) > 0 {
			c.w.WriteString(" (")
			for j, col := range cte.Columns {
				if j > 0 {
					c.w.WriteString(", ")
				}
				c.w.Quote(col)
			}
			c.w.WriteString(")")
		}
		c.w.WriteString(" AS (")
		if err := c.writeSelect(cte.Query, false); err != nil {
			return err
		}
		c.w.WriteString(")")
	}
	c.w.WriteString(" ")
	return nil
}

// writeSelect renders the core SELECT statement (columns, FROM, JOINs,
// WHERE, GROUP BY, HAVING) and, when withPaging is true, the ORDER
// BY/LIMIT/OFFSET clauses. withPaging is false when sel is an operand of a
// set operation or a CTE body, since those never carry their own paging.
func (c *ctx) writeSelect(sel *ast.Select, withPaging bool) error {
	c.w.WriteString("SELECT ")
	if sel.Distinct != nil {
		if sel.Distinct.All || len(sel.Distinct.Columns) == 0 {
			c.w.WriteString("DISTINCT ")
		} else {
			c.w.WriteString("DISTINCT ON (")
			for i, col := range sel.Distinct.Columns {
				if i > 0 {
					c.w.WriteString(", ")
				}
				if err := c.compileOperand(col); err != nil {
					return err
				}
			}
			c.w.WriteString(") ")
		}
	}

	if len(sel.Columns) == 0 {
		return relerr.Of(relerr.CompileFailure, "select has no projected columns")
	}
	for i, proj := range sel.Columns {
		if i > 0 {
			c.w.WriteString(", ")
		}
		if err := c.compileOperand(proj.Expr); err != nil {
			return err
		}
		if proj.Alias != "" {
			c.w.WriteString(" AS ")
			c.w.Quote(proj.Alias)
		}
	}

	c.w.WriteString(" FROM ")
	if err := c.compileTableLike(sel.From); err != nil {
		return err
	}

	for _, j := range sel.Joins {
		if err := c.compileJoin(j); err != nil {
			return err
		}
	}

	if sel.Where != nil {
		c.w.WriteString(" WHERE ")
		if err := c.compileExpression(sel.Where); err != nil {
			return err
		}
	}

	if len(sel.GroupBy) > 0 {
		c.w.WriteString(" GROUP BY ")
		for i, g := range sel.GroupBy {
			if i > 0 {
				c.w.WriteString(", ")
			}
			if err := c.compileOperand(g); err != nil {
				return err
			}
		}
	}

	if sel.Having != nil {
		c.w.WriteString(" HAVING ")
		if err := c.compileExpression(sel.Having); err != nil {
			return err
		}
	}

	if withPaging {
		if err := c.writeOrderByAndPaging(sel); err != nil {
			return err
		}
	}
	return nil
}

func (c *ctx) writeOrderByAndPaging(sel *ast.Select) error {
	hasPaging := sel.Limit != nil || sel.Offset != nil
	useOffsetFetch := c.d.Supports(FeatureOffsetFetchPaging) && hasPaging

	switch {
	case len(sel.OrderBy) > 0:
		c.w.WriteString(" ORDER BY ")
		for i, t := range sel.OrderBy {
			if i > 0 {
				c.w.WriteString(", ")
			}
			if err := c.compileOperand(t.Expr); err != nil {
				return err
			}
			if t.Desc {
				c.w.WriteString(" DESC")
			} else {
				c.w.WriteString(" ASC")
			}
		}
	case useOffsetFetch:
		c.w.WriteString(" ORDER BY (SELECT NULL)")
	}

	if !hasPaging {
		return nil
	}

	if useOffsetFetch {
		offset := 0
		if sel.Offset != nil {
			offset = *sel.Offset
		}
		if sel.Limit == nil {
			return relerr.Of(relerr.CompileFailure, "OFFSET…FETCH paging requires a limit")
		}
		c.w.WriteString(" OFFSET ")
		c.w.WriteInt(offset)
		c.w.WriteString(" ROWS FETCH NEXT ")
		c.w.WriteInt(*sel.Limit)
		c.w.WriteString(" ROWS ONLY")
		return nil
	}

	if sel.Limit != nil {
		c.w.WriteString(" LIMIT ")
		c.w.WriteInt(*sel.Limit)
	}
	if sel.Offset != nil {
		c.w.WriteString(" OFFSET ")
		c.w.WriteInt(*sel.Offset)
	}
	return nil
}

func (c *ctx) compileJoin(j ast.Join) error {
	switch j.Kind {
	case ast.JoinInner:
		c.w.WriteString(" JOIN ")
	case ast.JoinLeft:
		c.w.WriteString(" LEFT JOIN ")
	case ast.JoinRight:
		c.w.WriteString(" RIGHT JOIN ")
	case ast.JoinCross:
		c.w.WriteString(" CROSS JOIN ")
	default:
		return relerr.Of(relerr.CompileFailure, "unknown join kind %q", j.Kind)
	}
	if err := c.compileTableLike(j.Target); err != nil {
		return err
	}
	if j.Kind != ast.JoinCross && j.On != nil {
		c.w.WriteString(" ON ")
		if err := c.compileExpression(j.On); err != nil {
			return err
		}
	}
	return nil
}

func (c *ctx) compileTableLike(t ast.TableLike) error {
	switch tv := t.(type) {
	case ast.Table:
		c.w.QuoteQualified(tv.Schema, tv.Name)
		if tv.Alias != "" {
			c.w.WriteString(" AS ")
			c.w.Quote(tv.Alias)
		}
	case ast.Subquery:
		c.w.WriteString("(")
		if err := c.writeSelect(tv.Query, true); err != nil {
			return err
		}
		c.w.WriteString(") AS ")
		c.w.Quote(tv.Alias)
	case ast.FunctionTable:
		return c.compileFunctionTable(tv)
	default:
		return relerr.Of(relerr.CompileFailure, "unknown table-like node %T", t)
	}
	return nil
}

func (c *ctx) compileFunctionTable(ft ast.FunctionTable) error {
	if ft.Lateral && !c.d.Supports(FeatureLateralFunctionTable) {
		return relerr.Of(relerr.UnsupportedDialectFeature, "%s does not support LATERAL function tables", c.d.Name())
	}
	if ft.WithOrdinality && !c.d.Supports(FeatureWithOrdinality) {
		return relerr.Of(relerr.UnsupportedDialectFeature, "%s does not support WITH ORDINALITY", c.d.Name())
	}
	if ft.Lateral {
		c.w.WriteString("LATERAL ")
	}
	c.w.QuoteQualified(ft.Schema, ft.Name)
	c.w.WriteString("(")
	for i, a := range ft.Args {
		if i > 0 {
			c.w.WriteString(", ")
		}
		if err := c.compileOperand(a); err != nil {
			return err
		}
	}
	c.w.WriteString(")")
	if ft.WithOrdinality {
		c.w.WriteString(" WITH ORDINALITY")
	}
	c.w.WriteString(" AS ")
	c.w.Quote(ft.Alias)
	if len(ft.ColumnAliases) > 0 {
		c.w.WriteString(" (")
		for i, a := range ft.ColumnAliases {
			if i > 0 {
				c.w.WriteString(", ")
			}
			c.w.Quote(a)
		}
		c.w.WriteString(")")
	}
	return nil
}

func (c *ctx) compileOperand(op ast.Operand) error {
	switch v := op.(type) {
	case ast.Column:
		if v.Table != "" {
			c.w.Quote(v.Table)
			c.w.WriteString(".")
		}
		c.w.Quote(v.Name)
	case ast.Star:
		c.w.WriteString("*")
	case ast.Literal:
		c.compileLiteral(v.Value)
	case ast.Function:
		c.w.WriteString(v.Name)
		c.w.WriteString("(")
		if v.Distinct {
			c.w.WriteString("DISTINCT ")
		}
		for i, a := range v.Args {
			if i > 0 {
				c.w.WriteString(", ")
			}
			if err := c.compileOperand(a); err != nil {
				return err
			}
		}
		c.w.WriteString(")")
	case ast.JsonPath:
		colName := v.Column.Name
		if v.Column.Table != "" {
			colName = c.d.QuoteIdentifier(v.Column.Table) + "." + c.d.QuoteIdentifier(v.Column.Name)
		} else {
			colName = c.d.QuoteIdentifier(v.Column.Name)
		}
		c.d.RenderJSONPath(c.w, colName, v.Path)
	case ast.WindowFunction:
		return c.compileWindowFunction(v)
	case ast.ScalarSubquery:
		c.w.WriteString("(")
		if err := c.writeSelect(v.Query, true); err != nil {
			return err
		}
		c.w.WriteString(")")
	case ast.CaseExpression:
		return c.compileCase(v)
	default:
		return relerr.Of(relerr.CompileFailure, "unknown operand node %T", op)
	}
	return nil
}

func (c *ctx) compileWindowFunction(v ast.WindowFunction) error {
	c.w.WriteString(v.Name)
	c.w.WriteString("(")
	for i, a := range v.Args {
		if i > 0 {
			c.w.WriteString(", ")
		}
		if err := c.compileOperand(a); err != nil {
			return err
		}
	}
	c.w.WriteString(") OVER (")
	wrote := false
	if len(v.PartitionBy) > 0 {
		c.w.WriteString("PARTITION BY ")
		for i, p := range v.PartitionBy {
			if i > 0 {
				c.w.WriteString(", ")
			}
			if err := c.compileOperand(p); err != nil {
				return err
			}
		}
		wrote = true
	}
	if len(v.OrderBy) > 0 {
		if wrote {
			c.w.WriteString(" ")
		}
		c.w.WriteString("ORDER BY ")
		for i, t := range v.OrderBy {
			if i > 0 {
				c.w.WriteString(", ")
			}
			if err := c.compileOperand(t.Expr); err != nil {
				return err
			}
			if t.Desc {
				c.w.WriteString(" DESC")
			} else {
				c.w.WriteString(" ASC")
			}
		}
		wrote = true
	}
	if v.Frame != nil {
		if wrote {
			c.w.WriteString(" ")
		}
		c.w.WriteString(v.Frame.Clause)
	}
	c.w.WriteString(")")
	return nil
}

func (c *ctx) compileCase(v ast.CaseExpression) error {
	c.w.WriteString("CASE")
	for _, br := range v.Branches {
		c.w.WriteString(" WHEN ")
		if err := c.compileExpression(br.When); err != nil {
			return err
		}
		c.w.WriteString(" THEN ")
		if err := c.compileOperand(br.Then); err != nil {
			return err
		}
	}
	if v.Else != nil {
		c.w.WriteString(" ELSE ")
		if err := c.compileOperand(v.Else); err != nil {
			return err
		}
	}
	c.w.WriteString(" END")
	return nil
}

func (c *ctx) compileLiteral(v any) {
	switch v.(type) {
	case nil:
		c.w.WriteString("NULL")
	default:
		c.w.AddParam(v)
	}
}

// compileExpression renders e without wrapping it in parens; callers that
// need a nested Logical parenthesized call compileExpressionNested instead.
func (c *ctx) compileExpression(e ast.Expression) error {
	switch v := e.(type) {
	case ast.Binary:
		if err := c.compileOperand(v.Left); err != nil {
			return err
		}
		c.w.WriteString(" ")
		c.w.WriteString(string(v.Op))
		c.w.WriteString(" ")
		return c.compileOperand(v.Right)
	case ast.Logical:
		for i, operand := range v.Operands {
			if i > 0 {
				c.w.WriteString(" ")
				c.w.WriteString(string(v.Op))
				c.w.WriteString(" ")
			}
			if err := c.compileExpressionNested(operand); err != nil {
				return err
			}
		}
		return nil
	case ast.Null:
		if err := c.compileOperand(v.Left); err != nil {
			return err
		}
		c.w.WriteString(" ")
		c.w.WriteString(string(v.Op))
		return nil
	case ast.In:
		if err := c.compileOperand(v.Left); err != nil {
			return err
		}
		c.w.WriteString(" ")
		c.w.WriteString(string(v.Op))
		c.w.WriteString(" (")
		if v.Subquery != nil {
			if err := c.writeSelect(v.Subquery, true); err != nil {
				return err
			}
		} else {
			for i, val := range v.Values {
				if i > 0 {
					c.w.WriteString(", ")
				}
				if err := c.compileOperand(val); err != nil {
					return err
				}
			}
		}
		c.w.WriteString(")")
		return nil
	case ast.Between:
		if err := c.compileOperand(v.Left); err != nil {
			return err
		}
		c.w.WriteString(" ")
		c.w.WriteString(string(v.Op))
		c.w.WriteString(" ")
		if err := c.compileOperand(v.Lower); err != nil {
			return err
		}
		c.w.WriteString(" AND ")
		return c.compileOperand(v.Upper)
	case ast.Exists:
		c.w.WriteString(string(v.Op))
		c.w.WriteString(" (")
		if err := c.writeSelect(v.Subquery, true); err != nil {
			return err
		}
		c.w.WriteString(")")
		return nil
	case ast.Like:
		if err := c.compileOperand(v.Left); err != nil {
			return err
		}
		c.w.WriteString(" ")
		c.w.WriteString(string(v.Op))
		c.w.WriteString(" ")
		if err := c.compileOperand(v.Pattern); err != nil {
			return err
		}
		if v.Escape != nil {
			c.w.WriteString(" ESCAPE ")
			c.compileLiteral(*v.Escape)
		}
		return nil
	default:
		return relerr.Of(relerr.CompileFailure, "unknown expression node %T", e)
	}
}

// compileExpressionNested parenthesizes e when it is itself a Logical node;
// Binary and other leaf predicates are never parenthesized.
func (c *ctx) compileExpressionNested(e ast.Expression) error {
	if _, ok := e.(ast.Logical); ok {
		c.w.WriteString("(")
		if err := c.compileExpression(e); err != nil {
			return err
		}
		c.w.WriteString(")")
		return nil
	}
	return c.compileExpression(e)
}

// CompileInsert renders ins. When ins.Returning is set, RETURNING-style
// dialects (PostgreSQL) append a RETURNING clause; OUTPUT-style
// dialects (SQL Server) emit OUTPUT INSERTED.<col> between the column list
// and the VALUES/SELECT body.
func (c *Compiler) CompileInsert(ins *ast.Insert) (Result, error) {
	w := NewWriter(c.D)
	ctx := &ctx{w: w, d: c.D}

	if len(ins.Returning) > 0 && !c.D.Supports(FeatureReturning) && !c.D.Supports(FeatureOutput) {
		return Result{}, relerr.Of(relerr.UnsupportedDialectFeature, "%s supports neither RETURNING nor OUTPUT", c.D.Name())
	}

	w.WriteString("INSERT INTO ")
	w.QuoteQualified(ins.Table.Schema, ins.Table.Name)
	w.WriteString(" (")
	for i, col := range ins.Columns {
		if i > 0 {
			w.WriteString(", ")
		}
		w.Quote(col)
	}
	w.WriteString(")")

	if len(ins.Returning) > 0 && c.D.Supports(FeatureOutput) {
		w.WriteString(" OUTPUT ")
		if err := ctx.writeOutputColumns("INSERTED", ins.Returning); err != nil {
			return Result{}, err
		}
	}

	switch {
	case ins.Subquery != nil:
		w.WriteString(" ")
		if err := ctx.writeSelect(ins.Subquery, true); err != nil {
			return Result{}, err
		}
	case len(ins.Rows) > 0:
		w.WriteString(" VALUES ")
		for i, row := range ins.Rows {
			if i > 0 {
				w.WriteString(", ")
			}
			w.WriteString("(")
			for j, v := range row {
				if j > 0 {
					w.WriteString(", ")
				}
				if err := ctx.compileOperand(v); err != nil {
					return Result{}, err
				}
			}
			w.WriteString(")")
		}
	default:
		return Result{}, relerr.Of(relerr.CompileFailure, "insert has neither rows nor a subquery")
	}

	if len(ins.Returning) > 0 && c.D.Supports(FeatureReturning) {
		w.WriteString(" RETURNING ")
		for i, col := range ins.Returning {
			if i > 0 {
				w.WriteString(", ")
			}
			if err := ctx.compileOperand(col); err != nil {
				return Result{}, err
			}
		}
	}

	w.WriteString(";")
	return Result{SQL: w.String(), Params: w.Params}, nil
}

// CompileUpdate renders upd in SetOrder's column order.
func (c *Compiler) CompileUpdate(upd *ast.Update) (Result, error) {
	w := NewWriter(c.D)
	ctx := &ctx{w: w, d: c.D}

	if len(upd.Returning) > 0 && !c.D.Supports(FeatureReturning) && !c.D.Supports(FeatureOutput) {
		return Result{}, relerr.Of(relerr.UnsupportedDialectFeature, "%s supports neither RETURNING nor OUTPUT", c.D.Name())
	}

	w.WriteString("UPDATE ")
	w.QuoteQualified(upd.Table.Schema, upd.Table.Name)
	w.WriteString(" SET ")
	for i, col := range upd.SetOrder {
		if i > 0 {
			w.WriteString(", ")
		}
		w.Quote(col)
		w.WriteString(" = ")
		val, ok := upd.Set[col]
		if !ok {
			return Result{}, relerr.Of(relerr.CompileFailure, "update SetOrder names column %q missing from Set", col)
		}
		if err := ctx.compileOperand(val); err != nil {
			return Result{}, err
		}
	}

	if len(upd.Returning) > 0 && c.D.Supports(FeatureOutput) {
		w.WriteString(" OUTPUT ")
		if err := ctx.writeOutputColumns("INSERTED", upd.Returning); err != nil {
			return Result{}, err
		}
	}

	if upd.Where != nil {
		w.WriteString(" WHERE ")
		if err := ctx.compileExpression(upd.Where); err != nil {
			return Result{}, err
		}
	}

	if len(upd.Returning) > 0 && c.D.Supports(FeatureReturning) {
		w.WriteString(" RETURNING ")
		for i, col := range upd.Returning {
			if i > 0 {
				w.WriteString(", ")
			}
			if err := ctx.compileOperand(col); err != nil {
				return Result{}, err
			}
		}
	}

	w.WriteString(";")
	return Result{SQL: w.String(), Params: w.Params}, nil
}

// CompileDelete renders del. OUTPUT-style dialects reference the DELETED
// pseudo-table rather than INSERTED.
func (c *Compiler) CompileDelete(del *ast.Delete) (Result, error) {
	w := NewWriter(c.D)
	ctx := &ctx{w: w, d: c.D}

	if len(del.Returning) > 0 && !c.D.Supports(FeatureReturning) && !c.D.Supports(FeatureOutput) {
		return Result{}, relerr.Of(relerr.UnsupportedDialectFeature, "%s supports neither RETURNING nor OUTPUT", c.D.Name())
	}

	w.WriteString("DELETE FROM ")
	w.QuoteQualified(del.From.Schema, del.From.Name)

	if len(del.Returning) > 0 && c.D.Supports(FeatureOutput) {
		w.WriteString(" OUTPUT ")
		if err := ctx.writeOutputColumns("DELETED", del.Returning); err != nil {
			return Result{}, err
		}
	}

	if del.Where != nil {
		w.WriteString(" WHERE ")
		if err := ctx.compileExpression(del.Where); err != nil {
			return Result{}, err
		}
	}

	if len(del.Returning) > 0 && c.D.Supports(FeatureReturning) {
		w.WriteString(" RETURNING ")
		for i, col := range del.Returning {
			if i > 0 {
				w.WriteString(", ")
			}
			if err := ctx.compileOperand(col); err != nil {
				return Result{}, err
			}
		}
	}

	w.WriteString(";")
	return Result{SQL: w.String(), Params: w.Params}, nil
}

// writeOutputColumns renders SQL Server's `OUTPUT <pseudoTable>.col, ...`
// list. Only bare Column operands are supported since OUTPUT references the
// pseudo-table rather than the real one.
func (c *ctx) writeOutputColumns(pseudoTable string, cols []ast.Operand) error {
	for i, op := range cols {
		if i > 0 {
			c.w.WriteString(", ")
		}
		col, ok := op.(ast.Column)
		if !ok {
			return relerr.Of(relerr.CompileFailure, "OUTPUT clause requires bare column operands, got %T", op)
		}
		c.w.Quote(pseudoTable)
		c.w.WriteString(".")
		c.w.Quote(col.Name)
	}
	return nil
}
