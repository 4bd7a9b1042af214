// Package constraint defines the vocabulary for field-level admissibility
// decisions produced by validation.
//
// A Set maps field names to Constraints. The binding contract of Set is
// its lookup rule: a field absent from the Set is FieldForbidden. Absence
// carries meaning; callers must never read it as "no opinion".
package constraint

import "fmt"

// Type classifies how a field may participate in a materialization.
type Type int

const (
	// FieldRequired means the field must be present in the selection.
	FieldRequired Type = iota + 1
	// LocationRequired means some field covering this document location
	// must be selected, though not necessarily this projection of it.
	LocationRequired
	// LocationRecommended means the location should be selected but the
	// materialization works without it.
	LocationRecommended
	// FieldOptional means the field may be freely included or excluded.
	FieldOptional
	// FieldForbidden means the field must not be selected. This is also
	// the implicit constraint of every field absent from a Set.
	FieldForbidden
	// Unsatisfiable means the field is required but cannot be reconciled
	// with the destination's existing shape. Not an error: it is surfaced
	// through validation results for operator resolution.
	Unsatisfiable
)

// String returns the wire name of the constraint type.
func (t Type) String() string {
	switch t {
	case FieldRequired:
		return "FIELD_REQUIRED"
	case LocationRequired:
		return "LOCATION_REQUIRED"
	case LocationRecommended:
		return "LOCATION_RECOMMENDED"
	case FieldOptional:
		return "FIELD_OPTIONAL"
	case FieldForbidden:
		return "FIELD_FORBIDDEN"
	case Unsatisfiable:
		return "UNSATISFIABLE"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// Constraint is a single field-level admissibility decision.
type Constraint struct {
	Type   Type   `json:"type"`
	Reason string `json:"reason"`
}

// Set maps field names to constraints.
type Set map[string]Constraint

// Lookup returns the constraint for field. Fields absent from the Set are
// FieldForbidden; this default is part of the contract, not an artifact
// of map semantics.
func (s Set) Lookup(field string) Constraint {
	if c, ok := s[field]; ok {
		return c
	}
	return Constraint{
		Type:   FieldForbidden,
		Reason: "field is not part of the validated schema",
	}
}

// Satisfiable reports whether the Set contains no Unsatisfiable entry.
func (s Set) Satisfiable() bool {
	for _, c := range s {
		if c.Type == Unsatisfiable {
			return false
		}
	}
	return true
}

// SelectionError checks a field selection against the Set: every
// FieldRequired entry must be selected and no selected field may be
// forbidden. Returns nil when the selection is admissible.
func (s Set) SelectionError(selected []string) error {
	chosen := make(map[string]bool, len(selected))
	for _, f := range selected {
		chosen[f] = true
	}
	for field, c := range s {
		if c.Type == FieldRequired && !chosen[field] {
			return fmt.Errorf("required field %q is not selected: %s", field, c.Reason)
		}
	}
	for _, f := range selected {
		c := s.Lookup(f)
		switch c.Type {
		case FieldForbidden:
			return fmt.Errorf("selected field %q is forbidden: %s", f, c.Reason)
		case Unsatisfiable:
			return fmt.Errorf("selected field %q is unsatisfiable: %s", f, c.Reason)
		}
	}
	return nil
}
