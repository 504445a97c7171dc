// Package normalize converts resolved variable trees into deduplicated
// {data, lookup} payloads before they cross the wire, and reverses the
// transformation on receipt. Repeated variable values are stored once in the
// lookup and replaced in the data tree by {"__ref": id} placeholders.
package normalize

import (
	"fmt"

	"github.com/dara-platform/dara-go/internal/variable"
)

// RefKey marks a placeholder object inside normalized data.
const RefKey = "__ref"

// Payload is the wire envelope for normalized variable values. Every __ref in
// Data must resolve in Lookup, or recursively in a nested payload's lookup.
type Payload struct {
	Data   any            `json:"data"`
	Lookup map[string]any `json:"lookup"`
}

// DanglingReferenceError is returned when denormalization meets a placeholder
// with no matching lookup entry. Valid payloads never produce it; its presence
// indicates a corrupted or truncated payload.
type DanglingReferenceError struct {
	Ref string
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("normalize: dangling reference %q has no lookup entry", e.Ref)
}

// Ref builds a placeholder node for the given identifier.
func Ref(id string) map[string]any {
	return map[string]any{RefKey: id}
}

// refID extracts the identifier if v is a placeholder node.
func refID(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return "", false
	}
	id, ok := m[RefKey].(string)
	return id, ok
}

// Request normalizes a kwargs map. Values and defs are parallel structures:
// defs holds the originating variable definition for every kwarg that is
// variable-backed; kwargs without a definition are static and pass through
// unchanged. Lookups from nested derived values are merged into the top-level
// lookup; later keys win on collision, which is safe because identifiers are
// content-derived and equal keys hold equal values.
func Request(values map[string]any, defs map[string]variable.Def) Payload {
	data := make(map[string]any, len(values))
	lookup := map[string]any{}
	for key, val := range values {
		def, ok := defs[key]
		if !ok {
			data[key] = val
			continue
		}
		data[key] = normalizeValue(val, def, lookup)
	}
	return Payload{Data: data, Lookup: lookup}
}

// Values normalizes a positional value list against its definition list, as
// used for a derived variable's inputs.
func Values(values []any, defs []variable.Def) Payload {
	lookup := map[string]any{}
	data := normalizeSlice(values, defs, lookup)
	return Payload{Data: data, Lookup: lookup}
}

func normalizeSlice(values []any, defs []variable.Def, lookup map[string]any) []any {
	out := make([]any, len(values))
	for i, val := range values {
		if i >= len(defs) {
			out[i] = val
			continue
		}
		out[i] = normalizeValue(val, defs[i], lookup)
	}
	return out
}

// normalizeValue moves a single resolved value into the lookup, or recurses
// into it when the definition is derived.
func normalizeValue(val any, def variable.Def, lookup map[string]any) any {
	if !def.IsDerived() {
		id := def.Identifier()
		lookup[id] = val
		return Ref(id)
	}

	switch rv := val.(type) {
	case variable.ResolvedDerived:
		return map[string]any{
			"type":   rv.Type,
			"uid":    rv.UID,
			"values": normalizeSlice(rv.Values, def.Variables, lookup),
			"force":  rv.Force,
		}
	case map[string]any:
		// Derived values arriving through JSON decode rather than as the
		// typed struct. Only the values list is variable-backed.
		out := make(map[string]any, len(rv))
		for k, v := range rv {
			out[k] = v
		}
		if inner, ok := rv["values"].([]any); ok {
			out["values"] = normalizeSlice(inner, def.Variables, lookup)
		}
		return out
	default:
		// A derived definition with a non-structural value; nothing to dedupe.
		return val
	}
}

// Denormalize walks a JSON-like tree and replaces every placeholder with its
// lookup value, itself denormalized recursively. Trees without placeholders
// come back unchanged, so the operation is idempotent. Normalized payloads are
// trees by construction, so the walk needs no cycle handling.
func Denormalize(obj any, lookup map[string]any) (any, error) {
	if id, ok := refID(obj); ok {
		val, ok := lookup[id]
		if !ok {
			return nil, &DanglingReferenceError{Ref: id}
		}
		return Denormalize(val, lookup)
	}

	switch v := obj.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := Denormalize(item, lookup)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := Denormalize(item, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return obj, nil
	}
}

// DenormalizePayload resolves a full payload back into a concrete value tree.
func DenormalizePayload(p Payload) (any, error) {
	return Denormalize(p.Data, p.Lookup)
}
