// Package schema defines the structural schema AST used to validate agent
// outputs before they are persisted. Absence is encoded with Nullable only;
// a declared field must always be present in the payload.
package schema

// Kind enumerates the structural schema node kinds.
type Kind string

const (
	KindString   Kind = "string"
	KindInt      Kind = "int"
	KindFloat    Kind = "float"
	KindBool     Kind = "bool"
	KindEnum     Kind = "enum"
	KindNullable Kind = "nullable"
	KindList     Kind = "list"
	KindObject   Kind = "object"
	KindUnion    Kind = "union"
)

// Schema is one node of a structural schema tree.
type Schema struct {
	Kind     Kind
	Values   []string  // enum members, closed set
	Elem     *Schema   // list element or nullable inner schema
	Fields   []Field   // object fields, declaration order
	Variants []*Schema // union alternatives
}

// Field is a named object member.
type Field struct {
	Name   string
	Schema *Schema
}

// String returns a string schema.
func String() *Schema { return &Schema{Kind: KindString} }

// Int returns an integer schema. JSON numbers must be integral.
func Int() *Schema { return &Schema{Kind: KindInt} }

// Float returns a floating-point schema.
func Float() *Schema { return &Schema{Kind: KindFloat} }

// Bool returns a boolean schema.
func Bool() *Schema { return &Schema{Kind: KindBool} }

// Enum returns a closed string enumeration schema.
func Enum(values ...string) *Schema { return &Schema{Kind: KindEnum, Values: values} }

// Nullable wraps a schema so that null is also accepted.
func Nullable(s *Schema) *Schema { return &Schema{Kind: KindNullable, Elem: s} }

// List returns a homogeneous list schema.
func List(elem *Schema) *Schema { return &Schema{Kind: KindList, Elem: elem} }

// Object returns a record schema with the given fields. Every field is
// required; unknown keys are rejected.
func Object(fields ...Field) *Schema { return &Schema{Kind: KindObject, Fields: fields} }

// F builds an object field.
func F(name string, s *Schema) Field { return Field{Name: name, Schema: s} }

// Union returns a schema matched by any one of its variants.
func Union(variants ...*Schema) *Schema { return &Schema{Kind: KindUnion, Variants: variants} }

// Closed enumerations shared across the catalog.
var (
	PriorityEnum = Enum("critical", "high", "medium", "low")
	SeverityEnum = Enum("none", "minor", "major", "critical")
	TierEnum     = Enum("trivial", "small", "medium", "large")
	StatusEnum   = Enum("partial", "complete", "blocked")
)
