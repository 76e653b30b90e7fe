package dialect

import (
	"fmt"
	"strings"
)

// Postgres implements Dialect for PostgreSQL: dollar placeholders,
// double-quoted identifiers, RETURNING, and native boolean literals.
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) QuoteIdentifier(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func (Postgres) Placeholder(i int) string { return fmt.Sprintf("$%d", i) }

func (Postgres) Supports(f Feature) bool {
	switch f {
	case FeatureReturning, FeatureWithOrdinality, FeatureLateralFunctionTable:
		return true
	default:
		return false
	}
}

func (Postgres) BooleanLiteral(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

// RenderJSONPath uses the `#>>` text-extraction operator over a literal
// text[] path array.
func (Postgres) RenderJSONPath(w *Writer, col string, path []string) {
	w.WriteString(col)
	w.WriteString(" #>> '{")
	for i, seg := range path {
		if i > 0 {
			w.WriteString(",")
		}
		w.WriteString(strings.ReplaceAll(seg, `"`, `\"`))
	}
	w.WriteString("}'")
}
