package ast

// ToOperand lifts a bare value to an Operand: an existing Operand passes
// through unchanged, anything else becomes a Literal. The query builder
// uses this so callers can write Eq(col, 5) instead of
// Eq(col, Literal{5}).
func ToOperand(v any) Operand {
	if op, ok := v.(Operand); ok {
		return op
	}
	return Literal{Value: v}
}

func binary(left, right any, op BinaryOp) Binary {
	return Binary{Left: ToOperand(left), Op: op, Right: ToOperand(right)}
}

func Eq(left, right any) Binary  { return binary(left, right, OpEq) }
func Neq(left, right any) Binary { return binary(left, right, OpNeq) }
func Gt(left, right any) Binary  { return binary(left, right, OpGt) }
func Gte(left, right any) Binary { return binary(left, right, OpGte) }
func Lt(left, right any) Binary  { return binary(left, right, OpLt) }
func Lte(left, right any) Binary { return binary(left, right, OpLte) }

// LikePattern builds a LIKE/NOT LIKE predicate, with an optional ESCAPE
// character.
func LikePattern(left any, pattern any, negate bool, escape ...string) Like {
	op := OpLikePattern
	if negate {
		op = OpNotLikePattern
	}
	l := Like{Left: ToOperand(left), Pattern: ToOperand(pattern), Op: op}
	if len(escape) > 0 {
		l.Escape = &escape[0]
	}
	return l
}

func IsNull(left any) Null    { return Null{Left: ToOperand(left), Op: OpIsNull} }
func IsNotNull(left any) Null { return Null{Left: ToOperand(left), Op: OpIsNotNull} }

// InList builds an IN/NOT IN predicate against a literal value list.
func InList(left any, values []any, negate bool) In {
	ops := make([]Operand, len(values))
	for i, v := range values {
		ops[i] = ToOperand(v)
	}
	op := OpIn
	if negate {
		op = OpNotIn
	}
	return In{Left: ToOperand(left), Op: op, Values: ops}
}

// InSubquery builds an IN/NOT IN predicate against a subquery.
func InSubquery(left any, sub *Select, negate bool) In {
	op := OpIn
	if negate {
		op = OpNotIn
	}
	return In{Left: ToOperand(left), Op: op, Subquery: sub}
}

func BetweenVals(left, lower, upper any, negate bool) Between {
	op := OpBetween
	if negate {
		op = OpNotBetween
	}
	return Between{Left: ToOperand(left), Lower: ToOperand(lower), Upper: ToOperand(upper), Op: op}
}

func ExistsSub(sub *Select, negate bool) Exists {
	op := OpExists
	if negate {
		op = OpNotExists
	}
	return Exists{Subquery: sub, Op: op}
}

func And(exprs ...Expression) Logical { return Logical{Op: OpAnd, Operands: exprs} }
func Or(exprs ...Expression) Logical  { return Logical{Op: OpOr, Operands: exprs} }

// AndAppend folds next into base by AND, flattening when base is already a
// top-level AND so repeated .Where() calls don't nest needlessly deep.
func AndAppend(base Expression, next Expression) Expression {
	if base == nil {
		return next
	}
	if l, ok := base.(Logical); ok && l.Op == OpAnd {
		l.Operands = append(append([]Expression(nil), l.Operands...), next)
		return l
	}
	return And(base, next)
}

func fn(name string, distinct bool, args ...Operand) Function {
	return Function{Name: name, Args: args, Distinct: distinct}
}

func CountAll() Function        { return fn("COUNT", false, Star{}) }
func Count(arg any) Function    { return fn("COUNT", false, ToOperand(arg)) }
func CountDistinct(arg any) Function {
	return fn("COUNT", true, ToOperand(arg))
}
func Sum(arg any) Function   { return fn("SUM", false, ToOperand(arg)) }
func Avg(arg any) Function   { return fn("AVG", false, ToOperand(arg)) }
func Min(arg any) Function   { return fn("MIN", false, ToOperand(arg)) }
func Max(arg any) Function   { return fn("MAX", false, ToOperand(arg)) }

// Window builds a window function call.
func Window(name string, args []any, partitionBy []any, orderBy []OrderTerm, frame *Frame) WindowFunction {
	wargs := make([]Operand, len(args))
	for i, a := range args {
		wargs[i] = ToOperand(a)
	}
	wpart := make([]Operand, len(partitionBy))
	for i, p := range partitionBy {
		wpart[i] = ToOperand(p)
	}
	return WindowFunction{Name: name, Args: wargs, PartitionBy: wpart, OrderBy: orderBy, Frame: frame}
}

// ExtractJSON builds a JsonPath operand for the given column and dotted
// path segments (e.g. ExtractJSON(col, "address", "city")).
func ExtractJSON(col Column, path ...string) JsonPath {
	return JsonPath{Column: col, Path: path}
}

// Case builds a searched CASE expression.
func Case(elseVal any, branches ...CaseBranch) CaseExpression {
	var e Operand
	if elseVal != nil {
		e = ToOperand(elseVal)
	}
	return CaseExpression{Branches: branches, Else: e}
}

func When(cond Expression, then any) CaseBranch {
	return CaseBranch{When: cond, Then: ToOperand(then)}
}
