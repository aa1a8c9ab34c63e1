package core

import (
	"bytes"
	"encoding/json"
)

// Map is an insertion-ordered mapping from field name to Value.
// A nil *Map behaves as an empty map for all read operations.
type Map struct {
	keys []string
	vals map[string]Value
}

func NewMap() *Map {
	return &Map{vals: make(map[string]Value)}
}

// Set stores v under k. New keys are appended to the key order, existing
// keys keep their position.
func (m *Map) Set(k string, v Value) {
	if _, ok := m.vals[k]; !ok {
		m.keys = append(m.keys, k)
	}
	m.vals[k] = v
}

func (m *Map) Get(k string) (Value, bool) {
	if m == nil {
		return Value{}, false
	}
	v, ok := m.vals[k]
	return v, ok
}

func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns a copy of the keys in order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Range calls fn for each entry in order until fn returns false.
func (m *Map) Range(fn func(k string, v Value) bool) {
	if m == nil {
		return
	}
	for _, k := range m.keys {
		if !fn(k, m.vals[k]) {
			return
		}
	}
}

func (m *Map) Clone() *Map {
	out := NewMap()
	m.Range(func(k string, v Value) bool {
		out.Set(k, v.Clone())
		return true
	})
	return out
}

// Equal compares keys, key order and values.
func (m *Map) Equal(o *Map) bool {
	if m.Len() != o.Len() {
		return false
	}
	for i, k := range m.Keys() {
		if o.keys[i] != k {
			return false
		}
		ov, _ := o.Get(k)
		mv, _ := m.Get(k)
		if !mv.Equal(ov) {
			return false
		}
	}
	return true
}

func (m *Map) Native() map[string]any {
	out := make(map[string]any, m.Len())
	m.Range(func(k string, v Value) bool {
		out[k] = v.Native()
		return true
	})
	return out
}

// MarshalJSON writes the object with its keys in insertion order.
func (m *Map) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	var err error
	i := 0
	m.Range(func(k string, v Value) bool {
		if i > 0 {
			buf.WriteByte(',')
		}
		i++
		var kb, vb []byte
		if kb, err = json.Marshal(k); err != nil {
			return false
		}
		if vb, err = v.MarshalJSON(); err != nil {
			return false
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
		return true
	})
	if err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Merge deep-merges src over dst and returns a new map. Nested maps are
// merged key by key; any other value in src replaces the one in dst.
// Neither input is modified.
func Merge(dst, src *Map) *Map {
	out := dst.Clone()
	src.Range(func(k string, sv Value) bool {
		if dv, ok := out.Get(k); ok {
			dm, dIsMap := dv.AsMap()
			sm, sIsMap := sv.AsMap()
			if dIsMap && sIsMap {
				out.Set(k, MapValue(Merge(dm, sm)))
				return true
			}
		}
		out.Set(k, sv.Clone())
		return true
	})
	return out
}
