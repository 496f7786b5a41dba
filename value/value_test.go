package value

import (
	"encoding/json"
	"testing"

	"github.com/oarkflow/qauth/internal/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func sampleMap() Map {
	return Map{
		"name":    String("alice"),
		"age":     Int(42),
		"score":   Float(9.5),
		"admin":   Bool(true),
		"nothing": Null(),
		"tags":    Strings("a", "b"),
		"nested": Object(map[string]Value{
			"depth": Int(-3),
			"items": List(Int(1), String("two"), Float(3.25)),
		}),
	}
}

func TestCBORRoundTripPreservesKinds(t *testing.T) {
	original := sampleMap()
	data, err := codec.Marshal(original)
	require.NoError(t, err)

	var decoded Map
	require.NoError(t, codec.Unmarshal(data, &decoded))
	assert.True(t, original.Equal(decoded), "got %v", decoded)

	age := decoded["age"]
	assert.Equal(t, KindInt, age.Kind())
	score := decoded["score"]
	assert.Equal(t, KindFloat, score.Kind())
}

func TestCBORFloatWithIntegralValueStaysFloat(t *testing.T) {
	data, err := codec.Marshal(Float(2))
	require.NoError(t, err)
	var decoded Value
	require.NoError(t, codec.Unmarshal(data, &decoded))
	assert.Equal(t, KindFloat, decoded.Kind())
}

func TestJSONRoundTrip(t *testing.T) {
	original := sampleMap()
	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Map
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, original.Equal(decoded), "got %v", decoded)
}

func TestIntegralFloatKeepsKind(t *testing.T) {
	original := Map{
		"whole":  Float(2),
		"nested": List(Float(-3), Int(3)),
		"obj":    Object(map[string]Value{"f": Float(1e21)}),
		"empty":  List(),
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"whole":2.0`)
	var fromJSON Map
	require.NoError(t, json.Unmarshal(data, &fromJSON))
	assert.True(t, original.Equal(fromJSON), "got %v", fromJSON)
	assert.Equal(t, KindFloat, fromJSON["whole"].Kind())

	data, err = yaml.Marshal(original)
	require.NoError(t, err)
	var fromYAML Map
	require.NoError(t, yaml.Unmarshal(data, &fromYAML))
	assert.True(t, original.Equal(fromYAML), "got %v from %s", fromYAML, data)
	assert.Equal(t, KindFloat, fromYAML["whole"].Kind())
}

func TestYAMLDecode(t *testing.T) {
	doc := []byte("dept: eng\nlevel: 3\nratio: 0.5\nflags: [x, y]\n")
	var decoded Map
	require.NoError(t, yaml.Unmarshal(doc, &decoded))

	assert.True(t, decoded["dept"].Equal(String("eng")))
	assert.True(t, decoded["level"].Equal(Int(3)))
	assert.True(t, decoded["ratio"].Equal(Float(0.5)))
	assert.True(t, decoded["flags"].Equal(Strings("x", "y")))
}

func TestFrom(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want Value
	}{
		{"nil", nil, Null()},
		{"string", "s", String("s")},
		{"int", 7, Int(7)},
		{"uint64", uint64(9), Int(9)},
		{"float", 1.5, Float(1.5)},
		{"bool", false, Bool(false)},
		{"json number int", json.Number("12"), Int(12)},
		{"json number float", json.Number("1.25"), Float(1.25)},
		{"string slice", []string{"a"}, Strings("a")},
		{"any slice", []any{"a", 1}, List(String("a"), Int(1))},
		{"map", map[string]any{"k": "v"}, Object(map[string]Value{"k": String("v")})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := From(tt.in)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v want %v", got, tt.want)
		})
	}
}

func TestFromRejectsUnsupported(t *testing.T) {
	_, err := From(struct{}{})
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = From(uint64(1) << 63)
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = From([]any{1, make(chan int)})
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestEqualDistinguishesIntAndFloat(t *testing.T) {
	assert.False(t, Int(1).Equal(Float(1)))
	n, ok := Int(1).AsNumber()
	assert.True(t, ok)
	assert.Equal(t, 1.0, n)
}

func TestObjectCopiesInput(t *testing.T) {
	fields := map[string]Value{"a": Int(1)}
	v := Object(fields)
	fields["a"] = Int(2)
	got, _ := v.Field("a")
	assert.True(t, got.Equal(Int(1)))
}

func TestStringRendering(t *testing.T) {
	v := Object(map[string]Value{"b": Int(2), "a": Strings("x")})
	assert.Equal(t, "{a: [x], b: 2}", v.String())
}
