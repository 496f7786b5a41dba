// Package value provides the tagged value used for open-ended claim and
// attribute maps. A Value is one of null, string, integer, float, bool,
// ordered list or string-keyed map, and keeps that kind through CBOR,
// JSON and YAML round trips.
package value

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/oarkflow/qauth/internal/codec"
	"gopkg.in/yaml.v3"
)

// ErrUnsupportedType is returned by From for Go values with no Value kind.
var ErrUnsupportedType = errors.New("value: unsupported type")

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is an immutable tagged union. The zero Value is null.
type Value struct {
	kind   Kind
	str    string
	num    int64
	flt    float64
	bl     bool
	list   []Value
	fields map[string]Value
}

// Map is the map form used for claims and attributes.
type Map map[string]Value

func Null() Value { return Value{} }
func String(s string) Value { return Value{kind: KindString, str: s} }
func Int(i int64) Value { return Value{kind: KindInt, num: i} }
func Float(f float64) Value { return Value{kind: KindFloat, flt: f} }
func Bool(b bool) Value { return Value{kind: KindBool, bl: b} }
func List(items ...Value) Value {
	return Value{kind: KindList, list: append([]Value{}, items...)}
}

// Object wraps a map. The map is copied.
func Object(fields map[string]Value) Value {
	cp := make(map[string]Value, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Value{kind: KindMap, fields: cp}
}

// Strings is shorthand for a list of string values.
func Strings(items ...string) Value {
	list := make([]Value, len(items))
	for i, s := range items {
		list[i] = String(s)
	}
	return Value{kind: KindList, list: list}
}

// From converts a plain Go value (as produced by encoding/json,
// yaml.v3 or the CBOR decoder) into a Value.
func From(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return fromUint(uint64(t))
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return fromUint(t)
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: number %q", ErrUnsupportedType, t.String())
		}
		return Float(f), nil
	case []string:
		return Strings(t...), nil
	case []Value:
		return List(t...), nil
	case []any:
		list := make([]Value, 0, len(t))
		for i, item := range t {
			iv, err := From(item)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			list = append(list, iv)
		}
		return Value{kind: KindList, list: list}, nil
	case Map:
		return Object(t), nil
	case map[string]Value:
		return Object(t), nil
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			iv, err := From(item)
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", k, err)
			}
			fields[k] = iv
		}
		return Value{kind: KindMap, fields: fields}, nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

func fromUint(u uint64) (Value, error) {
	if u > math.MaxInt64 {
		return Value{}, fmt.Errorf("%w: integer %d overflows int64", ErrUnsupportedType, u)
	}
	return Int(int64(u)), nil
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }
func (v Value) AsInt() (int64, bool) { return v.num, v.kind == KindInt }
func (v Value) AsFloat() (float64, bool) { return v.flt, v.kind == KindFloat }
func (v Value) AsBool() (bool, bool) { return v.bl, v.kind == KindBool }

// AsNumber returns integers and floats as float64.
func (v Value) AsNumber() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.num), true
	case KindFloat:
		return v.flt, true
	default:
		return 0, false
	}
}

// AsList returns a copy of the list items.
func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return append([]Value{}, v.list...), true
}

// Len returns the number of list items or map entries.
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.list)
	case KindMap:
		return len(v.fields)
	default:
		return 0
	}
}

// Field returns a map entry.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	f, ok := v.fields[name]
	return f, ok
}

// AsMap returns a copy of the map entries.
func (v Value) AsMap() (Map, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	out := make(Map, len(v.fields))
	for k, f := range v.fields {
		out[k] = f
	}
	return out, true
}

// Interface converts v back to plain Go values: nil, string, int64,
// float64, bool, []any or map[string]any.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return v.num
	case KindFloat:
		return v.flt
	case KindBool:
		return v.bl
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.fields))
		for k, item := range v.fields {
			out[k] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

// Equal reports structural equality. Int(1) and Float(1) are different.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindInt:
		return v.num == o.num
	case KindFloat:
		return v.flt == o.flt
	case KindBool:
		return v.bl == o.bl
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return Map(v.fields).Equal(Map(o.fields))
	}
	return false
}

// Equal reports whether two maps hold equal values under the same keys.
func (m Map) Equal(o Map) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// String renders v for logs and reasons. Map keys are sorted.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindString:
		return v.str
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindFloat:
		return strconv.FormatFloat(v.flt, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.bl)
	case KindList:
		parts := make([]string, len(v.list))
		for i, item := range v.list {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindMap:
		keys := make([]string, 0, len(v.fields))
		for k := range v.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + v.fields[k].String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return ""
}

func (v Value) MarshalCBOR() ([]byte, error) {
	return codec.Marshal(v.Interface())
}

func (v *Value) UnmarshalCBOR(data []byte) error {
	var raw any
	if err := codec.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := From(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// MarshalJSON writes integral floats with a fractional part so they
// decode as floats again.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindFloat:
		b, err := json.Marshal(v.flt)
		if err != nil {
			return nil, err
		}
		if !bytes.ContainsAny(b, ".eE") {
			b = append(b, ".0"...)
		}
		return b, nil
	case KindList:
		return json.Marshal(v.items())
	case KindMap:
		return json.Marshal(v.object())
	default:
		return json.Marshal(v.Interface())
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := From(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v Value) MarshalYAML() (any, error) {
	switch v.kind {
	case KindFloat:
		if isIntegral(v.flt) {
			return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: strconv.FormatFloat(v.flt, 'f', 1, 64)}, nil
		}
		return v.flt, nil
	case KindList:
		return v.items(), nil
	case KindMap:
		return v.object(), nil
	default:
		return v.Interface(), nil
	}
}

func (v Value) items() []Value {
	if v.list == nil {
		return []Value{}
	}
	return v.list
}

func (v Value) object() map[string]Value {
	if v.fields == nil {
		return map[string]Value{}
	}
	return v.fields
}

func isIntegral(f float64) bool {
	return !math.IsInf(f, 0) && !math.IsNaN(f) && f == math.Trunc(f)
}

func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := From(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
