package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// Kind identifies which member of the Value union is set.
type Kind uint8

const (
	KindNil    Kind = 0x00
	KindBool   Kind = 0x01
	KindInt    Kind = 0x02
	KindFloat  Kind = 0x03
	KindString Kind = 0x04
	KindTime   Kind = 0x05
	KindList   Kind = 0x10
	KindMap    Kind = 0x11
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindTime:
		return "time"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a tagged union of the values a record can carry: a scalar
// (nil, bool, int, float, string, time), a sequence or an ordered mapping.
// The zero Value is nil.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	t    time.Time
	list []Value
	m    *Map
}

func Nil() Value { return Value{} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Int(i int64) Value { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func Time(t time.Time) Value { return Value{kind: KindTime, t: t} }
func List(vs ...Value) Value { return Value{kind: KindList, list: vs} }
func MapValue(m *Map) Value {
	if m == nil {
		m = NewMap()
	}
	return Value{kind: KindMap, m: m}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNil() bool { return v.kind == KindNil }
func (v Value) IsScalar() bool { return v.kind != KindList && v.kind != KindMap }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }
func (v Value) AsTime() (time.Time, bool) { return v.t, v.kind == KindTime }
func (v Value) AsList() ([]Value, bool) { return v.list, v.kind == KindList }
func (v Value) AsMap() (*Map, bool) { return v.m, v.kind == KindMap }

// AsFloat returns the numeric value of an int or float.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	}
	return 0, false
}

// Len returns the number of elements of a list or map and 0 for scalars.
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.list)
	case KindMap:
		return v.m.Len()
	}
	return 0
}

// Clone returns a deep copy. Scalars are returned as is.
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		out := make([]Value, len(v.list))
		for i, item := range v.list {
			out[i] = item.Clone()
		}
		return List(out...)
	case KindMap:
		return MapValue(v.m.Clone())
	}
	return v
}

// Equal reports deep equality. Ints and floats are compared by kind, so
// Int(1) and Float(1) are different values.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNil:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindString:
		return v.s == o.s
	case KindTime:
		return v.t.Equal(o.t)
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
		return v.m.Equal(o.m)
	}
	return false
}

// Native converts the value into plain Go types: nil, bool, int64, float64,
// string, time.Time, []any and map[string]any.
func (v Value) Native() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindTime:
		return v.t
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Native()
		}
		return out
	case KindMap:
		return v.m.Native()
	}
	return nil
}

// String renders scalars the way they appear in text outputs.
func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return ""
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindString:
		return v.s
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("<%s>", v.kind)
		}
		return string(b)
	}
}

// MarshalJSON implements the json.Marshaler interface for Value.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindList:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case KindMap:
		return v.m.MarshalJSON()
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return json.Marshal(strconv.FormatFloat(v.f, 'f', -1, 64))
		}
	}
	return json.Marshal(v.Native())
}

// FromNative builds a Value from a Go value. Maps with string keys become
// ordered maps with their keys sorted.
func FromNative(data any) (Value, error) {
	switch x := data.(type) {
	case nil:
		return Nil(), nil
	case Value:
		return x, nil
	case *Map:
		return MapValue(x), nil
	case bool:
		return Bool(x), nil
	case int:
		return Int(int64(x)), nil
	case int8:
		return Int(int64(x)), nil
	case int16:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint:
		return Int(int64(x)), nil
	case uint8:
		return Int(int64(x)), nil
	case uint16:
		return Int(int64(x)), nil
	case uint32:
		return Int(int64(x)), nil
	case uint64:
		if x > math.MaxInt64 {
			return Float(float64(x)), nil
		}
		return Int(int64(x)), nil
	case float32:
		return Float(float64(x)), nil
	case float64:
		return Float(x), nil
	case string:
		return String(x), nil
	case time.Time:
		return Time(x), nil
	case []Value:
		return List(x...), nil
	case []any:
		out := make([]Value, len(x))
		for i, item := range x {
			v, err := FromNative(item)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = v
		}
		return List(out...), nil
	case map[string]any:
		m, err := MapFromNative(x)
		if err != nil {
			return Value{}, err
		}
		return MapValue(m), nil
	case map[string]Value:
		m := NewMap()
		for _, k := range sortedKeys(x) {
			m.Set(k, x[k])
		}
		return MapValue(m), nil
	default:
		return Value{}, &UnsupportedTypeError{Message: fmt.Sprintf("%T", data)}
	}
}

// MapFromNative converts a map[string]any into an ordered Map.
func MapFromNative(data map[string]any) (*Map, error) {
	m := NewMap()
	for _, k := range sortedKeys(data) {
		v, err := FromNative(data[k])
		if err != nil {
			return nil, fmt.Errorf("invalid value for field '%s': %w", k, err)
		}
		m.Set(k, v)
	}
	return m, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
