package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithPrimaryImpliesNotNull(t *testing.T) {
	c := Integer("id", WithPrimary())
	require.True(t, c.Primary)
	require.True(t, c.NotNull)
}

func TestWithUniqueRecordsOptionalName(t *testing.T) {
	c := Text("email", WithUnique("uq_users_email"))
	require.True(t, c.Unique)
	require.Equal(t, "uq_users_email", c.UniqueName)
}

func TestWithAutoIncrementSetsIdentityStrategy(t *testing.T) {
	c := Integer("id", WithAutoIncrement(IdentityByDefault))
	require.True(t, c.AutoIncrement)
	require.Equal(t, IdentityByDefault, c.Identity)
}

func TestVarcharSetsLength(t *testing.T) {
	c := Varchar("name", 255)
	require.Equal(t, TypeVarchar, c.Type)
	require.Equal(t, 255, c.Length)
}

func TestDecimalSetsPrecisionAndScale(t *testing.T) {
	c := Decimal("amount", 10, 2)
	require.Equal(t, 10, c.Precision)
	require.Equal(t, 2, c.Scale)
}

func TestEnumCopiesValuesDefensively(t *testing.T) {
	values := []string{"a", "b"}
	c := Enum("status", values)
	values[0] = "mutated"
	require.Equal(t, "a", c.EnumValues[0])
}

func TestColumnTypeStringCoversKnownValues(t *testing.T) {
	require.Equal(t, "varchar", TypeVarchar.String())
	require.Equal(t, "timestamp(tz)", TypeTimestampTZ.String())
}

func TestReferentialActionStringDefaultsToNoAction(t *testing.T) {
	require.Equal(t, "NO ACTION", ActionNoAction.String())
	require.Equal(t, "CASCADE", ActionCascade.String())
}
