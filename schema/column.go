package schema

import "fmt"

// ColumnType is the closed set of logical column types the compiler knows
// how to render across all four dialects.
type ColumnType int

const (
	TypeInteger ColumnType = iota
	TypeBigInt
	TypeVarchar
	TypeText
	TypeDecimal
	TypeFloat
	TypeBoolean
	TypeJSON
	TypeUUID
	TypeBinary
	TypeVarBinary
	TypeBlob
	TypeBytea
	TypeDate
	TypeDateTime
	TypeTimestamp
	TypeTimestampTZ
	TypeEnum
)

func (t ColumnType) String() string {
	switch t {
	case TypeInteger:
		return "integer"
	case TypeBigInt:
		return "bigint"
	case TypeVarchar:
		return "varchar"
	case TypeText:
		return "text"
	case TypeDecimal:
		return "decimal"
	case TypeFloat:
		return "float"
	case TypeBoolean:
		return "boolean"
	case TypeJSON:
		return "json"
	case TypeUUID:
		return "uuid"
	case TypeBinary:
		return "binary"
	case TypeVarBinary:
		return "varbinary"
	case TypeBlob:
		return "blob"
	case TypeBytea:
		return "bytea"
	case TypeDate:
		return "date"
	case TypeDateTime:
		return "datetime"
	case TypeTimestamp:
		return "timestamp"
	case TypeTimestampTZ:
		return "timestamp(tz)"
	case TypeEnum:
		return "enum"
	default:
		return fmt.Sprintf("ColumnType(%d)", int(t))
	}
}

// IdentityStrategy controls how an auto-incrementing primary key is
// generated by the database.
type IdentityStrategy int

const (
	IdentityNone IdentityStrategy = iota
	IdentityAlways
	IdentityByDefault
)

// ReferentialAction is one of the five actions a foreign key may declare
// for ON DELETE / ON UPDATE.
type ReferentialAction int

const (
	ActionNoAction ReferentialAction = iota
	ActionRestrict
	ActionCascade
	ActionSetNull
	ActionSetDefault
)

func (a ReferentialAction) String() string {
	switch a {
	case ActionRestrict:
		return "RESTRICT"
	case ActionCascade:
		return "CASCADE"
	case ActionSetNull:
		return "SET NULL"
	case ActionSetDefault:
		return "SET DEFAULT"
	default:
		return "NO ACTION"
	}
}

// ForeignKey describes the target of a column-level references clause.
type ForeignKey struct {
	TargetTable  string
	TargetColumn string
	OnDelete     ReferentialAction
	OnUpdate     ReferentialAction
	Deferrable   bool
}

// Default is either a literal value or a marker that the default is a raw
// SQL expression (e.g. CURRENT_TIMESTAMP) that must not be quoted.
type Default struct {
	Literal any
	Raw     string // non-empty means this is a raw-SQL default, Literal is ignored
}

// Column is an immutable column descriptor. Once returned by a factory or
// attached to a table it must not be mutated; builders and the compiler
// only ever read from it.
type Column struct {
	Name       string
	Type       ColumnType
	Length     int // varchar(n)
	Precision  int // decimal(p,s)
	Scale      int
	EnumValues []string

	Primary       bool
	NotNull       bool
	Unique        bool
	UniqueName    string
	Default       *Default
	AutoIncrement bool
	Identity      IdentityStrategy
	Check         string
	References    *ForeignKey
	Comment       string

	// Table is stamped with the owning table's name once the column is
	// attached to a table via DefineTable; empty until then.
	Table string
}

// Opt mutates a Column during construction. Factories apply Opts in order
// before the column is returned, so later opts win over earlier ones.
type Opt func(*Column)

func WithPrimary() Opt { return func(c *Column) { c.Primary = true; c.NotNull = true } }

func WithNotNull() Opt { return func(c *Column) { c.NotNull = true } }

func WithUnique(name ...string) Opt {
	return func(c *Column) {
		c.Unique = true
		if len(name) > 0 {
			c.UniqueName = name[0]
		}
	}
}

func WithDefault(v any) Opt { return func(c *Column) { c.Default = &Default{Literal: v} } }

func WithDefaultRaw(expr string) Opt { return func(c *Column) { c.Default = &Default{Raw: expr} } }

func WithAutoIncrement(strategy IdentityStrategy) Opt {
	return func(c *Column) {
		c.AutoIncrement = true
		c.Identity = strategy
	}
}

func WithCheck(expr string) Opt { return func(c *Column) { c.Check = expr } }

func WithReferences(fk ForeignKey) Opt { return func(c *Column) { c.References = &fk } }

func WithComment(s string) Opt { return func(c *Column) { c.Comment = s } }

func newColumn(name string, t ColumnType, opts ...Opt) Column {
	c := Column{Name: name, Type: t}
	for _, o := range opts {
		o(&c)
	}
	return c
}

func Integer(name string, opts ...Opt) Column  { return newColumn(name, TypeInteger, opts...) }
func BigInt(name string, opts ...Opt) Column   { return newColumn(name, TypeBigInt, opts...) }
func Text(name string, opts ...Opt) Column     { return newColumn(name, TypeText, opts...) }
func Float(name string, opts ...Opt) Column    { return newColumn(name, TypeFloat, opts...) }
func Boolean(name string, opts ...Opt) Column  { return newColumn(name, TypeBoolean, opts...) }
func JSON(name string, opts ...Opt) Column     { return newColumn(name, TypeJSON, opts...) }
func UUID(name string, opts ...Opt) Column     { return newColumn(name, TypeUUID, opts...) }
func Binary(name string, opts ...Opt) Column   { return newColumn(name, TypeBinary, opts...) }
func Blob(name string, opts ...Opt) Column     { return newColumn(name, TypeBlob, opts...) }
func Bytea(name string, opts ...Opt) Column    { return newColumn(name, TypeBytea, opts...) }
func Date(name string, opts ...Opt) Column     { return newColumn(name, TypeDate, opts...) }
func DateTime(name string, opts ...Opt) Column { return newColumn(name, TypeDateTime, opts...) }

func Timestamp(name string, withTZ bool, opts ...Opt) Column {
	t := TypeTimestamp
	if withTZ {
		t = TypeTimestampTZ
	}
	return newColumn(name, t, opts...)
}

func Varchar(name string, length int, opts ...Opt) Column {
	c := newColumn(name, TypeVarchar, opts...)
	c.Length = length
	return c
}

func VarBinary(name string, length int, opts ...Opt) Column {
	c := newColumn(name, TypeVarBinary, opts...)
	c.Length = length
	return c
}

func Decimal(name string, precision, scale int, opts ...Opt) Column {
	c := newColumn(name, TypeDecimal, opts...)
	c.Precision = precision
	c.Scale = scale
	return c
}

func Enum(name string, values []string, opts ...Opt) Column {
	c := newColumn(name, TypeEnum, opts...)
	c.EnumValues = append([]string(nil), values...)
	return c
}
