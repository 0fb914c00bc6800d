package schema

import (
	"fmt"
	"math"
	"strings"
)

// Error reports the first mismatch found during validation.
type Error struct {
	Path     string // dotted path to the offending value, "$" for the root
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("schema mismatch at %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// Validate checks a decoded JSON value against a schema. It performs no
// coercion and fills no defaults; the first mismatch aborts validation.
func Validate(s *Schema, value any) error {
	return validate(s, value, "$")
}

func validate(s *Schema, value any, path string) error {
	switch s.Kind {
	case KindString:
		if _, ok := value.(string); !ok {
			return mismatch(path, "string", value)
		}
	case KindInt:
		f, ok := value.(float64)
		if !ok || f != math.Trunc(f) {
			return mismatch(path, "int", value)
		}
	case KindFloat:
		if _, ok := value.(float64); !ok {
			return mismatch(path, "float", value)
		}
	case KindBool:
		if _, ok := value.(bool); !ok {
			return mismatch(path, "bool", value)
		}
	case KindEnum:
		str, ok := value.(string)
		if !ok {
			return mismatch(path, "enum("+strings.Join(s.Values, "|")+")", value)
		}
		for _, v := range s.Values {
			if v == str {
				return nil
			}
		}
		return &Error{Path: path, Expected: "enum(" + strings.Join(s.Values, "|") + ")", Actual: fmt.Sprintf("%q", str)}
	case KindNullable:
		if value == nil {
			return nil
		}
		return validate(s.Elem, value, path)
	case KindList:
		items, ok := value.([]any)
		if !ok {
			return mismatch(path, "list", value)
		}
		for i, item := range items {
			if err := validate(s.Elem, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case KindObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return mismatch(path, "object", value)
		}
		for _, f := range s.Fields {
			v, present := obj[f.Name]
			if !present {
				// Undefined is never a legal absence encoding; nullable
				// fields must carry an explicit null.
				return &Error{Path: path + "." + f.Name, Expected: kindName(f.Schema), Actual: "missing"}
			}
			if err := validate(f.Schema, v, path+"."+f.Name); err != nil {
				return err
			}
		}
		for key := range obj {
			if !hasField(s, key) {
				return &Error{Path: path + "." + key, Expected: "no such field", Actual: "present"}
			}
		}
	case KindUnion:
		var first error
		for _, v := range s.Variants {
			err := validate(v, value, path)
			if err == nil {
				return nil
			}
			if first == nil {
				first = err
			}
		}
		if first == nil {
			return mismatch(path, "union", value)
		}
		return first
	default:
		return &Error{Path: path, Expected: "known schema kind", Actual: string(s.Kind)}
	}
	return nil
}

func hasField(s *Schema, name string) bool {
	for _, f := range s.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

func kindName(s *Schema) string {
	if s.Kind == KindNullable {
		return "nullable " + kindName(s.Elem)
	}
	return string(s.Kind)
}

func mismatch(path, expected string, value any) *Error {
	return &Error{Path: path, Expected: expected, Actual: typeName(value)}
}

func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "bool"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", value)
	}
}
