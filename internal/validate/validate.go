// Package validate computes the constraint set for a candidate collection
// schema against a destination table's current physical shape.
//
// Validate is a pure function: no side effects, no session mutation. Two
// calls with the same destination shape and candidate schema return
// identical constraints, so callers may validate speculatively before
// committing to an apply.
package validate

import (
	"fmt"

	"github.com/roach88/weft/internal/constraint"
	"github.com/roach88/weft/internal/schema"
	"github.com/roach88/weft/internal/store"
)

// ColumnType returns the SQLite column type a field type materializes as.
func ColumnType(t schema.FieldType) string {
	switch t {
	case schema.TypeString, schema.TypeObject:
		return "TEXT"
	case schema.TypeInteger, schema.TypeBoolean:
		return "INTEGER"
	case schema.TypeNumber:
		return "REAL"
	case schema.TypeBinary:
		return "BLOB"
	default:
		return ""
	}
}

// Validate maps every projection of the candidate collection to a
// constraint, given the destination table's existing columns (empty if
// the table does not exist yet).
//
// Rules, in order of precedence per field:
//   - an unknown field type is Unsatisfiable
//   - an existing column with a conflicting declared type is
//     Unsatisfiable (the shapes cannot be reconciled)
//   - an existing column with a matching type is FieldRequired (the
//     destination already materializes it; dropping it would lose data)
//   - key fields are FieldRequired
//   - a root-document projection (empty ptr) is LocationRequired
//   - scalar locations are LocationRecommended
//   - everything else is FieldOptional
//
// Fields absent from the returned set are implicitly forbidden, per the
// constraint package's lookup contract.
func Validate(existing []store.Column, collection *schema.Collection) constraint.Set {
	byName := make(map[string]store.Column, len(existing))
	for _, c := range existing {
		byName[c.Name] = c
	}

	set := make(constraint.Set, len(collection.Projections))
	for _, p := range collection.Projections {
		set[p.Field] = fieldConstraint(byName, collection, p)
	}
	return set
}

func fieldConstraint(byName map[string]store.Column, c *schema.Collection, p schema.Projection) constraint.Constraint {
	want := ColumnType(p.Type)
	if want == "" {
		return constraint.Constraint{
			Type:   constraint.Unsatisfiable,
			Reason: fmt.Sprintf("field type %q has no destination column type", p.Type),
		}
	}

	if col, ok := byName[p.Field]; ok {
		if col.Type != want {
			return constraint.Constraint{
				Type: constraint.Unsatisfiable,
				Reason: fmt.Sprintf("existing column is %s but field %q needs %s",
					col.Type, p.Field, want),
			}
		}
		return constraint.Constraint{
			Type:   constraint.FieldRequired,
			Reason: "field is already materialized and cannot be dropped",
		}
	}

	if c.IsKey(p.Field) {
		return constraint.Constraint{
			Type:   constraint.FieldRequired,
			Reason: "key fields are required",
		}
	}

	if p.Ptr == "" && p.Type == schema.TypeObject {
		return constraint.Constraint{
			Type:   constraint.LocationRequired,
			Reason: "the root document must be materialized",
		}
	}

	switch p.Type {
	case schema.TypeString, schema.TypeInteger, schema.TypeNumber, schema.TypeBoolean:
		return constraint.Constraint{
			Type:   constraint.LocationRecommended,
			Reason: "scalar locations materialize efficiently",
		}
	default:
		return constraint.Constraint{
			Type:   constraint.FieldOptional,
			Reason: "field may be materialized",
		}
	}
}
