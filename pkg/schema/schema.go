// Package schema holds the canonical healthcare schema used as the
// normalization target. The catalog is declarative (canonical.yaml) and
// precomputed at startup; lookup is case-insensitive.
package schema

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed canonical.yaml
var catalogYAML []byte

// FieldType enumerates canonical field value types.
type FieldType string

const (
	TypeString     FieldType = "string"
	TypeInt        FieldType = "int"
	TypeNumber     FieldType = "number"
	TypeDate       FieldType = "date"
	TypeStringList FieldType = "list<string>"
)

// Group names for nested output substructures.
const (
	GroupMember   = "member"
	GroupProvider = "provider"
	GroupItem     = "item"
)

// FieldDefinition is one entry in the canonical schema.
type FieldDefinition struct {
	Name        string    `yaml:"name"`
	Type        FieldType `yaml:"type"`
	Required    bool      `yaml:"required"`
	Group       string    `yaml:"group"`
	Aliases     []string  `yaml:"aliases"`
	Description string    `yaml:"description"`
}

// Catalog is the loaded, immutable canonical schema.
type Catalog struct {
	fields     map[string]FieldDefinition
	order      []string
	aliasIndex map[string]string // lowercase alias or name -> canonical name
}

type catalogFile struct {
	Fields []FieldDefinition `yaml:"fields"`
}

// Load parses and validates the embedded catalog.
func Load() (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(catalogYAML, &file); err != nil {
		return nil, fmt.Errorf("failed to parse canonical schema: %w", err)
	}

	c := &Catalog{
		fields:     make(map[string]FieldDefinition, len(file.Fields)),
		aliasIndex: make(map[string]string),
	}

	for _, def := range file.Fields {
		if def.Name == "" {
			return nil, fmt.Errorf("canonical field with empty name")
		}
		if _, dup := c.fields[def.Name]; dup {
			return nil, fmt.Errorf("duplicate canonical field %q", def.Name)
		}
		c.fields[def.Name] = def
		c.order = append(c.order, def.Name)

		for _, key := range append([]string{def.Name}, def.Aliases...) {
			lower := strings.ToLower(key)
			if existing, dup := c.aliasIndex[lower]; dup && existing != def.Name {
				return nil, fmt.Errorf("alias %q claimed by both %q and %q", key, existing, def.Name)
			}
			c.aliasIndex[lower] = def.Name
		}
	}
	return c, nil
}

var (
	defaultCatalog *Catalog
	defaultOnce    sync.Once
)

// Default returns the process-wide catalog, loading it on first use.
// The embedded catalog is validated at build time by tests, so a load
// failure here is a programming error.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Load()
		if err != nil {
			panic(err)
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// ResolveAlias maps a source field name to its canonical name,
// case-insensitively.
func (c *Catalog) ResolveAlias(name string) (string, bool) {
	canonical, ok := c.aliasIndex[strings.ToLower(name)]
	return canonical, ok
}

// Field returns the definition for a canonical name.
func (c *Catalog) Field(name string) (FieldDefinition, bool) {
	def, ok := c.fields[name]
	return def, ok
}

// Fields returns all definitions in declaration order.
func (c *Catalog) Fields() []FieldDefinition {
	out := make([]FieldDefinition, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.fields[name])
	}
	return out
}

// RequiredFields returns the canonical names marked required.
func (c *Catalog) RequiredFields() []string {
	var out []string
	for _, name := range c.order {
		if c.fields[name].Required {
			out = append(out, name)
		}
	}
	return out
}
