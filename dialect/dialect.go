// Package dialect renders the ast package's tagged tree into dialect
// quoted, parameterized SQL for MySQL, PostgreSQL, SQLite and SQL Server.
//
// Dialect is modeled as a capability set rather than a base class: most of
// the AST walk lives once in Compiler (compiler.go), and a Dialect supplies
// only the narrow set of product-specific behaviors — quoting, placeholders,
// JSON path syntax, pagination syntax, boolean literal formatting, and a
// Feature capability bitmask.
package dialect

import (
	"bytes"
	"strconv"
)

// Feature is a bit flag for an optional SQL capability a dialect may or may
// not support. The compiler consults these to decide between equivalent
// renderings (RETURNING vs OUTPUT) or to reject a request outright
// (relerr.UnsupportedDialectFeature) rather than emit invalid SQL.
type Feature uint32

const (
	FeatureReturning Feature = 1 << iota
	FeatureOutput
	FeatureWithOrdinality
	FeatureLateralFunctionTable
	FeatureOffsetFetchPaging
	FeatureLastInsertID
)

// Dialect is the narrow per-product surface the shared Compiler delegates
// to. Adding a fifth backend means implementing this interface; it never
// requires touching Compiler's AST walk.
type Dialect interface {
	Name() string

	// QuoteIdentifier wraps id in this dialect's single quoting style,
	// escaping any occurrence of the quote character inside id.
	QuoteIdentifier(id string) string

	// Placeholder renders the parameter marker for the 1-based positional
	// index i (e.g. "?", "$1", "@p1").
	Placeholder(i int) string

	// Supports reports whether this dialect implements an optional
	// Feature.
	Supports(f Feature) bool

	// BooleanLiteral renders a boolean literal value.
	BooleanLiteral(b bool) string

	// RenderJSONPath writes the dialect's JSON-path-extraction expression
	// for col at the given path segments into w.
	RenderJSONPath(w *Writer, col string, path []string)
}

// Writer accumulates rendered SQL text and the ordered parameter list that
// goes with it. Params are appended in exactly the order their placeholders
// are written.
type Writer struct {
	buf    bytes.Buffer
	Params []any
	d      Dialect
}

func NewWriter(d Dialect) *Writer {
	return &Writer{d: d}
}

func (w *Writer) WriteString(s string) { w.buf.WriteString(s) }

func (w *Writer) Quote(id string) { w.buf.WriteString(w.d.QuoteIdentifier(id)) }

// QuoteQualified renders schema.table (or schema.column, etc.), quoting
// each part independently.
func (w *Writer) QuoteQualified(schema, name string) {
	if schema != "" {
		w.Quote(schema)
		w.buf.WriteByte('.')
	}
	w.Quote(name)
}

// AddParam appends v to Params and writes its placeholder at the current
// position.
func (w *Writer) AddParam(v any) {
	w.Params = append(w.Params, v)
	w.buf.WriteString(w.d.Placeholder(len(w.Params)))
}

// WriteInt writes an integer literal inline (used only for LIMIT/OFFSET
// bounds, which are never user-controllable parameter values).
func (w *Writer) WriteInt(n int) { w.buf.WriteString(strconv.Itoa(n)) }

func (w *Writer) String() string { return w.buf.String() }

// Result is the compiled SQL text with its ordered parameter list.
type Result struct {
	SQL    string
	Params []any
}
