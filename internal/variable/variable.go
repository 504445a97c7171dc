// Package variable defines the client-side model of Dara variables: typed
// references to values that the backend resolves. A definition describes where
// a value comes from; the concrete value travels separately and is matched to
// its definition positionally when building request payloads.
package variable

import "strings"

// TypeName discriminates the variable variants on the wire.
type TypeName string

const (
	TypePlain       TypeName = "Variable"
	TypeDerived     TypeName = "DerivedVariable"
	TypeServer      TypeName = "ServerVariable"
	TypeData        TypeName = "DataVariable"
	TypeDerivedData TypeName = "DerivedDataVariable"
	TypeSwitch      TypeName = "SwitchVariable"
	TypeState       TypeName = "StateVariable"
)

// Def is a variable definition as it appears in a kwargs structure. Definitions
// are value-identity objects: created once by application code and referenced
// by UID everywhere else.
type Def struct {
	TypeName TypeName `json:"__typename"`
	UID      string   `json:"uid"`

	// Nested is a property path into the variable's value. A kwarg bound to
	// a sub-property of a variable carries the path here.
	Nested []string `json:"nested,omitempty"`

	// Variables holds the input definitions of a derived variable, in the
	// order their resolved values appear in ResolvedDerived.Values.
	Variables []Def `json:"variables,omitempty"`

	// Default is the client-side initial value for plain variables.
	Default any `json:"default,omitempty"`

	// Sequence is the last observed sequence number for server variables.
	Sequence int `json:"sequence_number,omitempty"`
}

// IsDerived reports whether the definition resolves through other variables.
func (d Def) IsDerived() bool {
	return d.TypeName == TypeDerived || d.TypeName == TypeDerivedData
}

// Identifier derives the lookup key for a variable's value:
// "{typename}:{uid}" plus ":{path}" when the definition is bound to a nested
// property. The same definition always yields the same identifier, so
// colliding lookup entries hold equal values.
func (d Def) Identifier() string {
	var b strings.Builder
	b.WriteString(string(d.TypeName))
	b.WriteByte(':')
	b.WriteString(d.UID)
	if len(d.Nested) > 0 {
		b.WriteByte(':')
		b.WriteString(strings.Join(d.Nested, "."))
	}
	return b.String()
}

// ResolvedDerived is the point-in-time serialized form of a derived variable:
// its UID plus the resolved values of its inputs, parallel to Def.Variables.
type ResolvedDerived struct {
	Type   string `json:"type"` // always "derived"
	UID    string `json:"uid"`
	Values []any  `json:"values"`
	Force  bool   `json:"force,omitempty"`
}

// StateProjection names the facets a StateVariable can project off its parent.
type StateProjection string

const (
	ProjectLoading  StateProjection = "loading"
	ProjectError    StateProjection = "error"
	ProjectHasValue StateProjection = "hasValue"
)
