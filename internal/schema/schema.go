// Package schema models the collection schema and resource spec documents
// exchanged at the protocol boundary.
//
// Documents arrive as YAML or JSON (YAML being a superset, one parser
// covers both). Before any constraint computation runs, every document is
// structurally validated against an embedded CUE definition; a document
// that fails CUE validation never reaches domain logic.
package schema

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

// FieldType is the scalar/document type of a projected field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeBinary  FieldType = "binary"
)

// Projection maps a document location to a named, typed field.
type Projection struct {
	Field string    `yaml:"field" json:"field"`
	Type  FieldType `yaml:"type" json:"type"`
	Ptr   string    `yaml:"ptr,omitempty" json:"ptr,omitempty"`
}

// Collection describes a source collection: its name, the ordered key
// fields, and the projections available for materialization.
type Collection struct {
	Name        string       `yaml:"name" json:"name"`
	Keys        []string     `yaml:"keys" json:"keys"`
	Projections []Projection `yaml:"projections" json:"projections"`
}

// Projection returns the projection named field, or nil.
func (c *Collection) Projection(field string) *Projection {
	for i := range c.Projections {
		if c.Projections[i].Field == field {
			return &c.Projections[i]
		}
	}
	return nil
}

// IsKey reports whether field is one of the collection's key fields.
func (c *Collection) IsKey(field string) bool {
	for _, k := range c.Keys {
		if k == field {
			return true
		}
	}
	return false
}

// Resource is the destination-side resource spec carried in a session's
// target: which table to materialize into, and whether the destination is
// delta-updates only (append-only, no exactly-once fencing).
type Resource struct {
	Table        string `yaml:"table" json:"table"`
	DeltaUpdates bool   `yaml:"delta_updates,omitempty" json:"delta_updates,omitempty"`
}

// collectionCUE is the structural contract for collection documents.
const collectionCUE = `
#Projection: {
	field: string & !=""
	type:  "string" | "integer" | "number" | "boolean" | "object" | "binary"
	ptr?:  string
}

name: string & !=""
keys: [string & !="", ...string & !=""]
projections: [...#Projection]
`

// resourceCUE is the structural contract for resource spec documents.
const resourceCUE = `
table: string & !=""
delta_updates?: bool
`

// ParseCollection parses and validates a collection schema document.
func ParseCollection(doc []byte) (*Collection, error) {
	if err := validateCUE(doc, collectionCUE); err != nil {
		return nil, fmt.Errorf("collection schema: %w", err)
	}
	var c Collection
	if err := yaml.Unmarshal(doc, &c); err != nil {
		return nil, fmt.Errorf("collection schema: %w", err)
	}
	fields := make(map[string]bool, len(c.Projections))
	for _, p := range c.Projections {
		if fields[p.Field] {
			return nil, fmt.Errorf("collection schema: duplicate projection field %q", p.Field)
		}
		fields[p.Field] = true
	}
	keys := make(map[string]bool, len(c.Keys))
	for _, k := range c.Keys {
		if keys[k] {
			return nil, fmt.Errorf("collection schema: duplicate key field %q", k)
		}
		keys[k] = true
		if c.Projection(k) == nil {
			return nil, fmt.Errorf("collection schema: key field %q has no projection", k)
		}
	}
	return &c, nil
}

// ParseResource parses and validates a resource spec document.
func ParseResource(doc []byte) (*Resource, error) {
	if err := validateCUE(doc, resourceCUE); err != nil {
		return nil, fmt.Errorf("resource spec: %w", err)
	}
	var r Resource
	if err := yaml.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("resource spec: %w", err)
	}
	return &r, nil
}

// validateCUE unifies the parsed document with the CUE contract and
// reports the first violation.
func validateCUE(doc []byte, contract string) error {
	var parsed any
	if err := yaml.Unmarshal(doc, &parsed); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if parsed == nil {
		return fmt.Errorf("empty document")
	}

	ctx := cuecontext.New()
	def := ctx.CompileString(contract)
	if err := def.Err(); err != nil {
		return fmt.Errorf("compile contract: %w", err)
	}
	val := def.Unify(ctx.Encode(parsed))
	if err := val.Validate(cue.Final(), cue.Concrete(true)); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	return nil
}
