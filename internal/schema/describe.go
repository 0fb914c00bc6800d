package schema

import "strings"

// Describe renders a schema as a JSON-like skeleton suitable for embedding
// in a prompt. Nullable fields show "| null"; enums list their members.
func Describe(s *Schema) string {
	var b strings.Builder
	describe(s, &b, 0)
	return b.String()
}

func describe(s *Schema, b *strings.Builder, indent int) {
	switch s.Kind {
	case KindString:
		b.WriteString("string")
	case KindInt:
		b.WriteString("integer")
	case KindFloat:
		b.WriteString("number")
	case KindBool:
		b.WriteString("boolean")
	case KindEnum:
		b.WriteString(`"` + strings.Join(s.Values, `" | "`) + `"`)
	case KindNullable:
		describe(s.Elem, b, indent)
		b.WriteString(" | null")
	case KindList:
		b.WriteString("[")
		describe(s.Elem, b, indent)
		b.WriteString(", ...]")
	case KindObject:
		pad := strings.Repeat("  ", indent+1)
		b.WriteString("{\n")
		for i, f := range s.Fields {
			b.WriteString(pad + `"` + f.Name + `": `)
			describe(f.Schema, b, indent+1)
			if i < len(s.Fields)-1 {
				b.WriteString(",")
			}
			b.WriteString("\n")
		}
		b.WriteString(strings.Repeat("  ", indent) + "}")
	case KindUnion:
		for i, v := range s.Variants {
			if i > 0 {
				b.WriteString(" | ")
			}
			describe(v, b, indent)
		}
	}
}
