package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dara-platform/dara-go/internal/variable"
)

func plainDef(uid string) variable.Def {
	return variable.Def{TypeName: variable.TypePlain, UID: uid}
}

func TestRequest_PlainVariableMovedToLookup(t *testing.T) {
	values := map[string]any{"x": float64(42)}
	defs := map[string]variable.Def{"x": plainDef("v1")}

	p := Request(values, defs)

	data, ok := p.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, Ref("Variable:v1"), data["x"])
	assert.Equal(t, float64(42), p.Lookup["Variable:v1"])
}

func TestRequest_StaticKwargPassesThrough(t *testing.T) {
	values := map[string]any{"static": "hello", "x": "val"}
	defs := map[string]variable.Def{"x": plainDef("v1")}

	p := Request(values, defs)

	data := p.Data.(map[string]any)
	assert.Equal(t, "hello", data["static"])
	assert.Equal(t, Ref("Variable:v1"), data["x"])
	assert.Len(t, p.Lookup, 1)
}

func TestRequest_NestedPathInIdentifier(t *testing.T) {
	def := variable.Def{TypeName: variable.TypePlain, UID: "v1", Nested: []string{"a", "b"}}
	p := Request(map[string]any{"x": 1}, map[string]variable.Def{"x": def})

	_, ok := p.Lookup["Variable:v1:a.b"]
	assert.True(t, ok)
}

func TestRequest_DerivedRecursesAndMergesLookup(t *testing.T) {
	derivedDef := variable.Def{
		TypeName: variable.TypeDerived,
		UID:      "d1",
		Variables: []variable.Def{
			plainDef("in1"),
			plainDef("in2"),
		},
	}
	derivedVal := map[string]any{
		"type":   "derived",
		"uid":    "d1",
		"values": []any{"a", "b"},
	}

	p := Request(map[string]any{"d": derivedVal}, map[string]variable.Def{"d": derivedDef})

	data := p.Data.(map[string]any)
	d := data["d"].(map[string]any)
	vals := d["values"].([]any)
	assert.Equal(t, Ref("Variable:in1"), vals[0])
	assert.Equal(t, Ref("Variable:in2"), vals[1])
	assert.Equal(t, "a", p.Lookup["Variable:in1"])
	assert.Equal(t, "b", p.Lookup["Variable:in2"])
}

func TestRequest_SharedVariableDeduplicated(t *testing.T) {
	shared := plainDef("shared")
	values := map[string]any{"x": "same", "y": "same"}
	defs := map[string]variable.Def{"x": shared, "y": shared}

	p := Request(values, defs)

	// Both kwargs reference a single lookup entry.
	assert.Len(t, p.Lookup, 1)
	data := p.Data.(map[string]any)
	assert.Equal(t, data["x"], data["y"])
}

func TestRoundTrip(t *testing.T) {
	derivedDef := variable.Def{
		TypeName: variable.TypeDerived,
		UID:      "d1",
		Variables: []variable.Def{
			plainDef("in1"),
			{TypeName: variable.TypeServer, UID: "s1"},
		},
	}
	values := map[string]any{
		"plain":  map[string]any{"deep": []any{float64(1), float64(2)}},
		"static": "untouched",
		"d": map[string]any{
			"type":   "derived",
			"uid":    "d1",
			"values": []any{"a", map[string]any{"k": "b"}},
		},
	}
	defs := map[string]variable.Def{
		"plain": plainDef("p1"),
		"d":     derivedDef,
	}

	p := Request(values, defs)
	back, err := DenormalizePayload(p)
	require.NoError(t, err)
	assert.Equal(t, values, back)
}

func TestDenormalize_IdempotentOnResolvedTree(t *testing.T) {
	tree := map[string]any{"a": []any{float64(1), "two"}, "b": map[string]any{"c": true}}
	out, err := Denormalize(tree, nil)
	require.NoError(t, err)
	assert.Equal(t, tree, out)
}

func TestDenormalize_DanglingReference(t *testing.T) {
	_, err := Denormalize(Ref("Variable:missing"), map[string]any{})
	var dangling *DanglingReferenceError
	require.ErrorAs(t, err, &dangling)
	assert.Equal(t, "Variable:missing", dangling.Ref)
}

func TestDenormalize_NestedLookupValues(t *testing.T) {
	// Lookup values may themselves contain placeholders.
	lookup := map[string]any{
		"Variable:outer": map[string]any{"inner": Ref("Variable:inner")},
		"Variable:inner": "resolved",
	}
	out, err := Denormalize(Ref("Variable:outer"), lookup)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"inner": "resolved"}, out)
}
