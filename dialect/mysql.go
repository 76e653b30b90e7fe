package dialect

import "strings"

// MySQL implements Dialect for MySQL/MariaDB: backtick identifiers, `?`
// placeholders, no RETURNING, last-insert-id PK retrieval.
type MySQL struct{}

func (MySQL) Name() string { return "mysql" }

func (MySQL) QuoteIdentifier(id string) string {
	return "`" + strings.ReplaceAll(id, "`", "``") + "`"
}

func (MySQL) Placeholder(i int) string { return "?" }

func (MySQL) Supports(f Feature) bool {
	switch f {
	case FeatureLastInsertID:
		return true
	default:
		return false
	}
}

func (MySQL) BooleanLiteral(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// RenderJSONPath uses MySQL's JSON_EXTRACT/JSON_UNQUOTE with a `$.a.b`
// path expression.
func (MySQL) RenderJSONPath(w *Writer, col string, path []string) {
	w.WriteString("JSON_UNQUOTE(JSON_EXTRACT(")
	w.WriteString(col)
	w.WriteString(", '$")
	for _, seg := range path {
		w.WriteString(".")
		w.WriteString(seg)
	}
	w.WriteString("'))")
}
