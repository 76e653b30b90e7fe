// Package filter folds a declarative WhereInput tree of field conditions,
// nested boolean groups, and relation sub-filters into an ast.Expression
// suitable for query.SelectBuilder.Where.
package filter

import (
	"strings"

	"github.com/relq/relq/ast"
	"github.com/relq/relq/query"
	"github.com/relq/relq/relerr"
	"github.com/relq/relq/schema"
)

// Operator is the closed set of comparison operators a WhereInput condition
// may use.
type Operator string

const (
	OpEquals     Operator = "equals"
	OpNot        Operator = "not"
	OpIn         Operator = "in"
	OpNotIn      Operator = "notIn"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startsWith"
	OpEndsWith   Operator = "endsWith"
)

// Mode toggles case sensitivity for string comparisons.
type Mode string

const (
	ModeDefault     Mode = "default"
	ModeInsensitive Mode = "insensitive"
)

// Condition is one field-level predicate.
type Condition struct {
	Field    string
	Operator Operator
	Value    any
	Mode     Mode
}

// RelationQuantifier is one of the three ways a relation sub-filter can
// constrain its parent: at least one match, no match, or every child
// matching.
type RelationQuantifier string

const (
	QuantifierSome  RelationQuantifier = "some"
	QuantifierNone  RelationQuantifier = "none"
	QuantifierEvery RelationQuantifier = "every"
)

// RelationFilter constrains a parent row by its related rows, compiled as a
// correlated EXISTS.
type RelationFilter struct {
	Relation   string
	Quantifier RelationQuantifier
	Where      WhereInput
}

// Presence tests isEmpty/isNotEmpty on a to-many relation.
type Presence struct {
	Relation string
	Empty    bool
}

// WhereInput is a tree of conditions, nested inputs, and relation
// sub-filters combined by Logic — mirroring the Filter{Conditions,
// NestedFilters, Operator} shape of the grounding example, generalized
// with explicit relation-filter and presence branches relq's schema needs
// that the example's flat Condition list does not.
type WhereInput struct {
	Logic      ast.LogicalOp // zero value OpAnd
	Negate     bool
	Conditions []Condition
	Nested     []WhereInput
	Relations  []RelationFilter
	Presence   []Presence
}

// Compiler folds WhereInput trees into ast.Expression against one table's
// schema, validating field names along the way.
type Compiler struct {
	Catalog *schema.Catalog
}

// Compile folds input into an ast.Expression scoped to table aliased as
// alias, recursing into relation sub-filters as correlated EXISTS
// subqueries built via query.SelectFrom.
func (c Compiler) Compile(table *schema.Table, alias string, input WhereInput) (ast.Expression, error) {
	var parts []ast.Expression

	for _, cond := range input.Conditions {
		if _, ok := table.Columns[cond.Field]; !ok {
			return nil, relerr.Of(relerr.InvalidSchema, "filter: table %q has no column %q", table.Name, cond.Field)
		}
		expr, err := compileCondition(alias, cond)
		if err != nil {
			return nil, err
		}
		parts = append(parts, expr)
	}

	for _, nested := range input.Nested {
		expr, err := c.Compile(table, alias, nested)
		if err != nil {
			return nil, err
		}
		if expr != nil {
			parts = append(parts, expr)
		}
	}

	for _, rf := range input.Relations {
		expr, err := c.compileRelationFilter(table, alias, rf)
		if err != nil {
			return nil, err
		}
		parts = append(parts, expr)
	}

	for _, p := range input.Presence {
		expr, err := c.compilePresence(table, alias, p)
		if err != nil {
			return nil, err
		}
		parts = append(parts, expr)
	}

	if len(parts) == 0 {
		return nil, nil
	}

	op := input.Logic
	if op == "" {
		op = ast.OpAnd
	}
	var combined ast.Expression
	if len(parts) == 1 {
		combined = parts[0]
	} else {
		combined = ast.Logical{Op: op, Operands: parts}
	}
	if input.Negate {
		combined = negate(combined)
	}
	return combined, nil
}

// negate folds NOT through expr via De Morgan's laws, since ast has no
// standalone unary-not node: every Expression variant the core AST defines
// has a direct negated counterpart (swap the operator, or swap AND/OR and
// negate each operand).
func negate(expr ast.Expression) ast.Expression {
	switch e := expr.(type) {
	case ast.Binary:
		e.Op = negateBinaryOp(e.Op)
		return e
	case ast.Logical:
		op := ast.OpOr
		if e.Op == ast.OpOr {
			op = ast.OpAnd
		}
		negated := make([]ast.Expression, len(e.Operands))
		for i, o := range e.Operands {
			negated[i] = negate(o)
		}
		return ast.Logical{Op: op, Operands: negated}
	case ast.Null:
		if e.Op == ast.OpIsNull {
			e.Op = ast.OpIsNotNull
		} else {
			e.Op = ast.OpIsNull
		}
		return e
	case ast.In:
		if e.Op == ast.OpIn {
			e.Op = ast.OpNotIn
		} else {
			e.Op = ast.OpIn
		}
		return e
	case ast.Between:
		if e.Op == ast.OpBetween {
			e.Op = ast.OpNotBetween
		} else {
			e.Op = ast.OpBetween
		}
		return e
	case ast.Exists:
		if e.Op == ast.OpExists {
			e.Op = ast.OpNotExists
		} else {
			e.Op = ast.OpExists
		}
		return e
	case ast.Like:
		if e.Op == ast.OpLikePattern {
			e.Op = ast.OpNotLikePattern
		} else {
			e.Op = ast.OpLikePattern
		}
		return e
	default:
		return e
	}
}

func negateBinaryOp(op ast.BinaryOp) ast.BinaryOp {
	switch op {
	case ast.OpEq:
		return ast.OpNeq
	case ast.OpNeq:
		return ast.OpEq
	case ast.OpGt:
		return ast.OpLte
	case ast.OpGte:
		return ast.OpLt
	case ast.OpLt:
		return ast.OpGte
	case ast.OpLte:
		return ast.OpGt
	case ast.OpLike:
		return ast.OpNotLike
	case ast.OpNotLike:
		return ast.OpLike
	default:
		return op
	}
}

func compileCondition(alias string, cond Condition) (ast.Expression, error) {
	col := ast.Column{Table: alias, Name: cond.Field}
	var left ast.Operand = col
	var value any = cond.Value

	if cond.Mode == ModeInsensitive {
		if s, ok := cond.Value.(string); ok {
			left = ast.Function{Name: "LOWER", Args: []ast.Operand{col}}
			value = strings.ToLower(s)
		}
	}

	switch cond.Operator {
	case OpEquals:
		return ast.Eq(left, value), nil
	case OpNot:
		return ast.Neq(left, value), nil
	case OpGt:
		return ast.Gt(left, value), nil
	case OpGte:
		return ast.Gte(left, value), nil
	case OpLt:
		return ast.Lt(left, value), nil
	case OpLte:
		return ast.Lte(left, value), nil
	case OpIn:
		values, err := toSlice(cond.Value)
		if err != nil {
			return nil, err
		}
		return ast.InList(left, values, false), nil
	case OpNotIn:
		values, err := toSlice(cond.Value)
		if err != nil {
			return nil, err
		}
		return ast.InList(left, values, true), nil
	case OpContains:
		return likePattern(left, value, "%", "%", false), nil
	case OpStartsWith:
		return likePattern(left, value, "", "%", false), nil
	case OpEndsWith:
		return likePattern(left, value, "%", "", false), nil
	default:
		return nil, relerr.Of(relerr.InvalidSchema, "filter: unknown operator %q", cond.Operator)
	}
}

// likePattern escapes %, _ and the escape character itself in value before
// wrapping it with prefix/suffix wildcards, so user-supplied substrings
// cannot inject their own pattern metacharacters.
func likePattern(left ast.Operand, value any, prefix, suffix string, negate bool) ast.Expression {
	s, _ := value.(string)
	const escapeChar = "\\"
	escaped := strings.NewReplacer(
		escapeChar, escapeChar+escapeChar,
		"%", escapeChar+"%",
		"_", escapeChar+"_",
	).Replace(s)
	return ast.LikePattern(left, prefix+escaped+suffix, negate, escapeChar)
}

func toSlice(v any) ([]any, error) {
	switch vv := v.(type) {
	case []any:
		return vv, nil
	case nil:
		return nil, relerr.Of(relerr.InvalidSchema, "filter: in/notIn operator requires a non-nil slice value")
	default:
		return nil, relerr.Of(relerr.InvalidSchema, "filter: in/notIn operator requires a []any value, got %T", v)
	}
}

// compileRelationFilter builds a correlated EXISTS (or NOT EXISTS, for
// none/every) subquery against the named relation.
func (c Compiler) compileRelationFilter(table *schema.Table, alias string, rf RelationFilter) (ast.Expression, error) {
	rel, err := table.Relation(rf.Relation)
	if err != nil {
		return nil, err
	}
	target, ok := c.Catalog.Table(rel.Target)
	if !ok {
		return nil, relerr.Of(relerr.InvalidSchema, "filter: relation %q targets unknown table %q", rf.Relation, rel.Target)
	}

	childAlias := alias + "__" + rf.Relation
	build := func() *query.SelectBuilder {
		return c.correlatedSub(table, alias, target, childAlias, rel)
	}

	hasWhere := rf.Where.Logic != "" || len(rf.Where.Conditions) > 0 || len(rf.Where.Nested) > 0 || len(rf.Where.Relations) > 0 || len(rf.Where.Presence) > 0

	sub := build()
	if hasWhere {
		inner, err := c.Compile(target, childAlias, rf.Where)
		if err != nil {
			return nil, err
		}
		if inner != nil {
			sub = sub.Where(inner)
		}
	}

	switch rf.Quantifier {
	case QuantifierSome:
		return ast.ExistsSub(sub.GetAST(), false), nil
	case QuantifierNone:
		return ast.ExistsSub(sub.GetAST(), true), nil
	case QuantifierEvery:
		// "every child matches" == "no child fails to match", i.e. NOT
		// EXISTS(children WHERE NOT inner).
		negatedSub := build()
		if hasWhere {
			inner, err := c.Compile(target, childAlias, rf.Where)
			if err != nil {
				return nil, err
			}
			if inner != nil {
				negatedSub = negatedSub.Where(negate(inner))
			}
		}
		return ast.ExistsSub(negatedSub.GetAST(), true), nil
	default:
		return nil, relerr.Of(relerr.InvalidSchema, "filter: unknown relation quantifier %q", rf.Quantifier)
	}
}

// correlatedSub builds `SELECT 1 FROM <target|pivot+target> WHERE <link to
// parentAlias>`, joining through the pivot table for BelongsToMany so the
// correlation still reduces to a single equality against the parent row.
func (c Compiler) correlatedSub(parent *schema.Table, parentAlias string, target *schema.Table, childAlias string, rel schema.Relation) *query.SelectBuilder {
	sub := query.SelectFrom(c.Catalog, target, childAlias).SelectRaw(ast.Literal{Value: 1})
	if rel.Kind == schema.RelBelongsToMany {
		pivotAlias := childAlias + "__piv"
		sub = sub.InnerJoin(
			ast.Table{Name: rel.PivotTable, Alias: pivotAlias},
			ast.Eq(ast.Column{Table: childAlias, Name: target.PrimaryKey()}, ast.Column{Table: pivotAlias, Name: rel.PivotForeignKeyTarget}),
		).Where(ast.Eq(
			ast.Column{Table: parentAlias, Name: parent.PrimaryKey()},
			ast.Column{Table: pivotAlias, Name: rel.PivotForeignKeyRoot},
		))
		return sub
	}
	return sub.Where(correlationPredicate(parent, parentAlias, target, childAlias, rel))
}

func (c Compiler) compilePresence(table *schema.Table, alias string, p Presence) (ast.Expression, error) {
	rel, err := table.Relation(p.Relation)
	if err != nil {
		return nil, err
	}
	target, ok := c.Catalog.Table(rel.Target)
	if !ok {
		return nil, relerr.Of(relerr.InvalidSchema, "filter: relation %q targets unknown table %q", p.Relation, rel.Target)
	}
	childAlias := alias + "__" + p.Relation
	sub := c.correlatedSub(table, alias, target, childAlias, rel)
	return ast.ExistsSub(sub.GetAST(), p.Empty), nil
}

// correlationPredicate builds the parent/child join condition for the
// non-pivoted relation kinds (BelongsTo, HasOne, HasMany); BelongsToMany is
// handled separately by correlatedSub since it needs a pivot join rather
// than a direct column equality.
func correlationPredicate(parent *schema.Table, parentAlias string, child *schema.Table, childAlias string, rel schema.Relation) ast.Expression {
	if rel.Kind == schema.RelBelongsTo {
		return ast.Eq(
			ast.Column{Table: parentAlias, Name: rel.ForeignKey},
			ast.Column{Table: childAlias, Name: rel.LocalKey},
		)
	}
	return ast.Eq(
		ast.Column{Table: parentAlias, Name: rel.LocalKey},
		ast.Column{Table: childAlias, Name: rel.ForeignKey},
	)
}

// PageRequest is a 1-indexed page/pageSize pair.
type PageRequest struct {
	Page     int
	PageSize int
}

// PageResult is the pagination envelope ExecutePaged returns.
type PageResult struct {
	Items       []map[string]any
	TotalItems  int
	Page        int
	PageSize    int
	TotalPages  int
	HasNextPage bool
	HasPrevPage bool
}
