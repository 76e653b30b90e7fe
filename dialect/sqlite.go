package dialect

import "strings"

// SQLite implements Dialect for SQLite: double-quoted identifiers, `?`
// placeholders, rowid-based last-insert-id PK retrieval.
type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }

func (SQLite) QuoteIdentifier(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func (SQLite) Placeholder(i int) string { return "?" }

// SQLite retrieves generated primary keys via last-insert-id rather than
// RETURNING, per the resolved per-dialect PK-retrieval design decision.
func (SQLite) Supports(f Feature) bool {
	switch f {
	case FeatureLastInsertID:
		return true
	default:
		return false
	}
}

func (SQLite) BooleanLiteral(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// RenderJSONPath uses SQLite's JSON1 extension `->>` operator with a
// `$.a.b` path expression.
func (SQLite) RenderJSONPath(w *Writer, col string, path []string) {
	w.WriteString(col)
	w.WriteString(" ->> '$")
	for _, seg := range path {
		w.WriteString(".")
		w.WriteString(seg)
	}
	w.WriteString("'")
}
