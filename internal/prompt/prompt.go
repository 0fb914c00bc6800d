// Package prompt renders the text fed to agent subprocesses. Every producer
// is a pure (props) -> string function; the engine treats them as opaque.
package prompt

import (
	"fmt"
	"strings"

	"ralphlite/internal/config"
	"ralphlite/internal/pipeline"
	"ralphlite/internal/schema"
)

// Builder renders prompts against one project configuration.
type Builder struct {
	cfg     *config.Config
	catalog schema.Catalog
}

// NewBuilder returns a prompt builder for the run.
func NewBuilder(cfg *config.Config, catalog schema.Catalog) *Builder {
	return &Builder{cfg: cfg, catalog: catalog}
}

// section writes a titled block. Empty bodies are skipped entirely so
// prompts stay short for simple tickets.
func section(b *strings.Builder, title, body string) {
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}
	b.WriteString("## " + title + "\n")
	b.WriteString(body)
	b.WriteString("\n\n")
}

// header opens every prompt with the project identity and working rules.
func (p *Builder) header(b *strings.Builder, role string) {
	fmt.Fprintf(b, "You are the %s agent for project %q.\n", role, p.cfg.ProjectName)
	b.WriteString("Work only inside the current directory. ")
	b.WriteString("Never push, never switch branches, never touch files outside the repository.\n\n")
	if p.cfg.CodeStyle != "" {
		section(b, "Code style", p.cfg.CodeStyle)
	}
}

// schemaFooter closes every prompt with the required reply shape.
func (p *Builder) schemaFooter(b *strings.Builder, schemaKey string) {
	s := p.catalog.Lookup(schemaKey)
	if s == nil {
		return
	}
	b.WriteString("## Reply format\n")
	b.WriteString("Reply with a single JSON object matching exactly this shape. ")
	b.WriteString("Use null for unknown values; never omit a field:\n")
	b.WriteString(schema.Describe(s))
	b.WriteString("\n")
}

// ticketSection describes the ticket under work.
func ticketSection(b *strings.Builder, t pipeline.Ticket) {
	var body strings.Builder
	fmt.Fprintf(&body, "id: %s\ntitle: %s\npriority: %s\ntier: %s\ncategory: %s\n\n%s\n",
		t.ID, t.Title, t.Priority, t.Tier, t.Category, t.Description)
	if len(t.AcceptanceCriteria) > 0 {
		body.WriteString("\nAcceptance criteria:\n")
		for _, ac := range t.AcceptanceCriteria {
			body.WriteString("- " + ac + "\n")
		}
	}
	if len(t.RelevantFiles) > 0 {
		body.WriteString("\nRelevant files:\n")
		for _, f := range t.RelevantFiles {
			body.WriteString("- " + f + "\n")
		}
	}
	if len(t.ReferenceFiles) > 0 {
		body.WriteString("\nReference files (read, do not modify):\n")
		for _, f := range t.ReferenceFiles {
			body.WriteString("- " + f + "\n")
		}
	}
	section(b, "Ticket", body.String())
}

// evictionSection injects merge-queue diagnostics verbatim. A ticket whose
// last landing attempt was evicted sees exactly what conflicted.
func evictionSection(b *strings.Builder, ec pipeline.EvictionContext) {
	if ec.Empty() {
		return
	}
	var body strings.Builder
	body.WriteString("A previous attempt to land this ticket was evicted from the merge queue.\n")
	body.WriteString("Rework the change so it lands cleanly on the current mainline.\n\n")
	body.WriteString("Commits on the evicted branch:\n" + ec.BranchLog + "\n\n")
	body.WriteString("Files the evicted branch changed:\n" + ec.SummaryDiff + "\n\n")
	body.WriteString("Commits landed on mainline since the branch point:\n" + ec.MainlineLog + "\n")
	section(b, "Eviction context", body.String())
}

// depSection embeds a prior stage's output for downstream stages.
func depSection(b *strings.Builder, title string, payload map[string]any, keys ...string) {
	if payload == nil {
		return
	}
	var body strings.Builder
	for _, k := range keys {
		v, ok := payload[k]
		if !ok || v == nil {
			continue
		}
		fmt.Fprintf(&body, "%s: %s\n", k, stringify(v))
	}
	section(b, title, body.String())
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			parts = append(parts, stringify(item))
		}
		return strings.Join(parts, "; ")
	case map[string]any:
		parts := make([]string, 0, len(x))
		for k, item := range x {
			parts = append(parts, k+"="+stringify(item))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(x)
	}
}

// commandList renders ecosystem commands for build/test/check sections.
func commandList(cmds []config.Command) string {
	var body strings.Builder
	for _, c := range cmds {
		fmt.Fprintf(&body, "- [%s] %s\n", c.Ecosystem, c.Run)
	}
	return body.String()
}
