package dialect

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQuoteIdentifierEscapesEmbeddedQuoteCharacter(t *testing.T) {
	require.Equal(t, `"a""b"`, Postgres{}.QuoteIdentifier(`a"b`))
	require.Equal(t, "`a``b`", MySQL{}.QuoteIdentifier("a`b"))
	require.Equal(t, `"a""b"`, SQLite{}.QuoteIdentifier(`a"b`))
	require.Equal(t, "[a]]b]", MSSQL{}.QuoteIdentifier("a]b"))
}

func TestBooleanLiteralDiffersByDialect(t *testing.T) {
	require.Equal(t, "TRUE", Postgres{}.BooleanLiteral(true))
	require.Equal(t, "1", MySQL{}.BooleanLiteral(true))
	require.Equal(t, "0", MySQL{}.BooleanLiteral(false))
}

func TestRenderJSONPathUsesEachDialectsOwnSyntax(t *testing.T) {
	cases := []struct {
		name string
		d    Dialect
		want string
	}{
		{"postgres", Postgres{}, "#>>"},
		{"mysql", MySQL{}, "JSON_UNQUOTE(JSON_EXTRACT("},
		{"sqlite", SQLite{}, "->>"},
		{"mssql", MSSQL{}, "JSON_VALUE("},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := NewWriter(tc.d)
			tc.d.RenderJSONPath(w, "doc", []string{"address", "city"})
			require.Contains(t, w.String(), tc.want)
		})
	}
}

func TestWriterAddParamWritesPlaceholderInAppearanceOrder(t *testing.T) {
	w := NewWriter(Postgres{})
	w.AddParam("a")
	w.AddParam("b")
	require.Equal(t, []any{"a", "b"}, w.Params)
	require.Equal(t, "$1$2", w.String())
}

func TestQuoteQualifiedSkipsEmptySchema(t *testing.T) {
	w := NewWriter(Postgres{})
	w.QuoteQualified("", "users")
	require.Equal(t, `"users"`, w.String())

	w2 := NewWriter(Postgres{})
	w2.QuoteQualified("app", "users")
	require.Equal(t, `"app"."users"`, w2.String())
}
