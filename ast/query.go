package ast

// Projection is one entry of a SELECT's column list.
type Projection struct {
	Alias string
	Expr  Operand
}

// DistinctClause is either plain DISTINCT (All, no Columns) or
// DISTINCT ON (Columns) for dialects that support it.
type DistinctClause struct {
	All     bool
	Columns []Operand
}

// SetOp is one of the four set-operation keywords.
type SetOp string

const (
	SetUnion     SetOp = "UNION"
	SetUnionAll  SetOp = "UNION ALL"
	SetIntersect SetOp = "INTERSECT"
	SetExcept    SetOp = "EXCEPT"
)

// SetOperation chains another Select onto the compound with Op.
type SetOperation struct {
	Op  SetOp
	Rhs *Select
}

// CTE is one entry of a WITH clause.
type CTE struct {
	Name      string
	Query     *Select
	Columns   []string
	Recursive bool
}

// QueryMeta carries compiler- and builder-level metadata that rides along
// with a Select but is not itself SQL: the hydration plan that lets the
// hydrate package reshape the flat rows this Select produces.
type QueryMeta struct {
	Hydration *HydrationPlan
}

// Select is the AST's central query node. When SetOps is non-empty,
// OrderBy/Limit/Offset on operand Selects (those that appear as an Rhs, or
// the receiver of a set operation once combined) are invalid — only the
// outermost compound may carry them. The builder enforces this at
// construction time (relerr.InvalidSetOperand); the AST itself does not.
type Select struct {
	From     TableLike
	Columns  []Projection
	Joins    []Join
	Where    Expression
	GroupBy  []Operand
	Having   Expression
	OrderBy  []OrderTerm
	Limit    *int
	Offset   *int
	Distinct *DistinctClause
	CTEs     []CTE
	SetOps   []SetOperation
	Meta     QueryMeta
}

// Insert either inserts literal Rows or the result of a Subquery — exactly
// one is set.
type Insert struct {
	Table     Table
	Columns   []string
	Rows      [][]Operand
	Subquery  *Select
	Returning []Operand
}

// Update sets columns named in SetOrder (which fixes rendering order) to
// the corresponding Operand in Set.
type Update struct {
	Table     Table
	Set       map[string]Operand
	SetOrder  []string
	Where     Expression
	Returning []Operand
}

// Delete removes rows matching Where (nil Where deletes every row — the
// builder never synthesizes this accidentally since DeleteBuilder requires
// an explicit opt-in to delete without a predicate).
type Delete struct {
	From      Table
	Where     Expression
	Returning []Operand
}

// HydrationPlan describes how to reshape the flat rows of the Select it is
// attached to into a nested object graph.
type HydrationPlan struct {
	RootTable      string
	RootPrimaryKey string
	RootColumns    []string
	Relations      []RelationPlan
}

// RelationPlan is one included relation's slice of a HydrationPlan. Columns
// belonging to this relation are aliased `<AliasPrefix>__<column>` in the
// Select's projection list.
type RelationPlan struct {
	Name             string
	AliasPrefix      string
	Kind             string // schema.RelationKind.String(); avoids an import cycle with schema
	TargetTable      string
	TargetPrimaryKey string
	ForeignKey       string
	LocalKey         string
	Columns          []string
	Nested           *HydrationPlan
}
