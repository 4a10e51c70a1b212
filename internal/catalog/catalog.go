// Package catalog defines the type/field catalogs that constrain the
// interpreter's vocabulary, and the TTL-bound cache that serves them.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// FieldDef describes one typed attribute of a catalog type.
type FieldDef struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"` // string, number, bool, timestamp
	Required bool   `json:"required"`
}

// TypeDef describes one target type the data store knows about.
type TypeDef struct {
	Name   string     `json:"name"`
	Fields []FieldDef `json:"fields"`
}

// HasField reports whether the type declares the named field.
func (t TypeDef) HasField(name string) bool {
	for _, f := range t.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Catalog is the full set of known types, indexed by name.
type Catalog struct {
	Types map[string]TypeDef `json:"types"`
}

// TypeNames returns the sorted type names, for prompt construction.
func (c Catalog) TypeNames() []string {
	names := make([]string, 0, len(c.Types))
	for name := range c.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Vocabulary renders the catalog as the constrained vocabulary block
// injected into the interpreter's system prompt.
func (c Catalog) Vocabulary() string {
	var sb strings.Builder
	for _, name := range c.TypeNames() {
		t := c.Types[name]
		sb.WriteString("- ")
		sb.WriteString(name)
		sb.WriteString(": ")
		parts := make([]string, 0, len(t.Fields))
		for _, f := range t.Fields {
			p := fmt.Sprintf("%s (%s)", f.Name, f.Kind)
			if f.Required {
				p += " required"
			}
			parts = append(parts, p)
		}
		sb.WriteString(strings.Join(parts, ", "))
		sb.WriteString("\n")
	}
	return sb.String()
}

// Source supplies catalogs from the underlying data store.
type Source interface {
	LoadCatalog(ctx context.Context) (Catalog, error)
}
