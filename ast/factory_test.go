package ast

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToOperandLiftsBareValues(t *testing.T) {
	require.Equal(t, Literal{Value: 5}, ToOperand(5))

	col := Column{Name: "id"}
	require.Equal(t, col, ToOperand(col))
}

func TestAndAppendFlattensTopLevelAnd(t *testing.T) {
	a := Eq(Column{Name: "a"}, 1)
	b := Eq(Column{Name: "b"}, 2)
	c := Eq(Column{Name: "c"}, 3)

	combined := AndAppend(AndAppend(a, b), c)

	logical, ok := combined.(Logical)
	require.True(t, ok)
	require.Equal(t, OpAnd, logical.Op)
	require.Len(t, logical.Operands, 3)
}

func TestAndAppendWithNilBaseReturnsNext(t *testing.T) {
	next := Eq(Column{Name: "a"}, 1)
	require.Equal(t, Expression(next), AndAppend(nil, next))
}

func TestAndAppendDoesNotFlattenOr(t *testing.T) {
	or := Or(Eq(Column{Name: "a"}, 1), Eq(Column{Name: "b"}, 2))
	combined := AndAppend(or, Eq(Column{Name: "c"}, 3))

	logical, ok := combined.(Logical)
	require.True(t, ok)
	require.Equal(t, OpAnd, logical.Op)
	require.Len(t, logical.Operands, 2)
	require.Equal(t, Expression(or), logical.Operands[0])
}

func TestLikePatternNegation(t *testing.T) {
	positive := LikePattern(Column{Name: "name"}, "a%", false)
	require.Equal(t, OpLikePattern, positive.Op)

	negative := LikePattern(Column{Name: "name"}, "a%", true, `\`)
	require.Equal(t, OpNotLikePattern, negative.Op)
	require.NotNil(t, negative.Escape)
	require.Equal(t, `\`, *negative.Escape)
}

func TestInListBuildsValueOperands(t *testing.T) {
	in := InList(Column{Name: "status"}, []any{"a", "b"}, false)
	require.Equal(t, OpIn, in.Op)
	require.Equal(t, []Operand{Literal{Value: "a"}, Literal{Value: "b"}}, in.Values)

	notIn := InList(Column{Name: "status"}, []any{"a"}, true)
	require.Equal(t, OpNotIn, notIn.Op)
}
