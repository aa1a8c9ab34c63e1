package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMap(t *testing.T, data map[string]any) *Map {
	t.Helper()
	m, err := MapFromNative(data)
	require.NoError(t, err)
	return m
}

func TestFromNative(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	testCases := []struct {
		name string
		in   any
		kind Kind
	}{
		{"nil", nil, KindNil},
		{"bool", true, KindBool},
		{"int", 42, KindInt},
		{"uint32", uint32(7), KindInt},
		{"huge uint64", uint64(math.MaxUint64), KindFloat},
		{"float32", float32(1.5), KindFloat},
		{"string", "up", KindString},
		{"time", ts, KindTime},
		{"list", []any{1, "a"}, KindList},
		{"map", map[string]any{"b": 1, "a": 2}, KindMap},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := FromNative(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.kind, v.Kind())
		})
	}

	_, err := FromNative(struct{}{})
	require.Error(t, err)
	assert.True(t, IsUnsupportedError(err))

	_, err = FromNative(map[string]any{"bad": make(chan int)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field 'bad'")
}

func TestMapFromNative_SortsKeys(t *testing.T) {
	m := mustMap(t, map[string]any{"zeta": 1, "alpha": 2, "mid": 3})
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, m.Keys())
}

func TestMap_SetKeepsPosition(t *testing.T) {
	m := NewMap()
	m.Set("b", Int(1))
	m.Set("a", Int(2))
	m.Set("b", Int(3))
	assert.Equal(t, []string{"b", "a"}, m.Keys())
	v, ok := m.Get("b")
	require.True(t, ok)
	assert.True(t, v.Equal(Int(3)))
}

func TestMap_NilIsEmpty(t *testing.T) {
	var m *Map
	assert.Equal(t, 0, m.Len())
	assert.Nil(t, m.Keys())
	_, ok := m.Get("x")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Clone().Len())
}

func TestMerge(t *testing.T) {
	dst := mustMap(t, map[string]any{
		"host": "a",
		"load": map[string]any{"one": 1, "five": 5},
		"tags": []any{"x"},
	})
	src := mustMap(t, map[string]any{
		"load":  map[string]any{"one": 9, "fifteen": 15},
		"tags":  []any{"y", "z"},
		"state": "up",
	})

	out := Merge(dst, src)
	b, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"host": "a",
		"load": {"five": 5, "one": 9, "fifteen": 15},
		"tags": ["y", "z"],
		"state": "up"
	}`, string(b))
	assert.Equal(t, []string{"host", "load", "tags", "state"}, out.Keys())

	// Inputs are not modified.
	load, _ := dst.Get("load")
	lm, _ := load.AsMap()
	one, _ := lm.Get("one")
	assert.True(t, one.Equal(Int(1)))
	assert.Equal(t, 3, dst.Len())
}

func TestMerge_ScalarReplacesMap(t *testing.T) {
	dst := mustMap(t, map[string]any{"v": map[string]any{"a": 1}})
	src := mustMap(t, map[string]any{"v": 2})
	out := Merge(dst, src)
	v, _ := out.Get("v")
	assert.True(t, v.Equal(Int(2)))
}

func TestValue_Equal(t *testing.T) {
	assert.True(t, Int(1).Equal(Int(1)))
	assert.False(t, Int(1).Equal(Float(1)))
	assert.True(t, Float(math.NaN()).Equal(Float(math.NaN())))
	assert.True(t, List(Int(1), String("a")).Equal(List(Int(1), String("a"))))
	assert.False(t, List(Int(1)).Equal(List(Int(1), Int(2))))
	assert.True(t, Nil().Equal(Value{}))
}

func TestValue_CloneIsDeep(t *testing.T) {
	orig := MapValue(mustMap(t, map[string]any{"a": 1}))
	cp := orig.Clone()
	m, _ := cp.AsMap()
	m.Set("a", Int(2))

	om, _ := orig.AsMap()
	a, _ := om.Get("a")
	assert.True(t, a.Equal(Int(1)))
}

func TestValue_JSON(t *testing.T) {
	v := List(Int(1), Float(math.Inf(1)), Nil(), String("x"))
	b, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `[1,"+Inf",null,"x"]`, string(b))

	assert.Equal(t, "2.5", Float(2.5).String())
	assert.Equal(t, "", Nil().String())
	assert.Equal(t, `{"a":1}`, MapValue(mustMap(t, map[string]any{"a": 1})).String())
}

func TestRecord_MarshalJSON(t *testing.T) {
	r := NewRecord("cpu", mustMap(t, map[string]any{"load": 0.5}))
	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"collector_id":"cpu","data":{"load":0.5}}`, string(b))

	empty := NewRecord("cpu", nil)
	assert.Equal(t, 0, empty.Data.Len())
}

func TestScope(t *testing.T) {
	base, err := ScopeFromNative(map[string]any{"site": "lab"})
	require.NoError(t, err)
	s := base.With("data", Int(1))
	assert.Len(t, base, 1, "With must not modify the receiver")
	assert.Equal(t, map[string]any{"site": "lab", "data": int64(1)}, s.Native())

	_, err = ScopeFromNative(map[string]any{"bad": struct{}{}})
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestBacklogFileName(t *testing.T) {
	name := BacklogFileName("0190a5b2c3d4")
	assert.Equal(t, "items_0190a5b2c3d4.data", name)

	token, ok := ParseBacklogFileName(name)
	require.True(t, ok)
	assert.Equal(t, "0190a5b2c3d4", token)

	for _, bad := range []string{"items_.data", "items_ab-c.data", "other_abc.data", "items_abc.data.tmp", "items_abc.data.corrupt"} {
		_, ok := ParseBacklogFileName(bad)
		assert.False(t, ok, bad)
	}
}

func TestParseCompressionType(t *testing.T) {
	for name, want := range map[string]CompressionType{"": CompressionNone, "none": CompressionNone, "Snappy": CompressionSnappy, "lz4": CompressionLZ4, " zstd ": CompressionZSTD} {
		ct, err := ParseCompressionType(name)
		require.NoError(t, err)
		assert.Equal(t, want, ct)
	}
	_, err := ParseCompressionType("gzip")
	assert.Error(t, err)
}

func TestErrorHelpers(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("write: %w", Recoverable("influx", cause))
	assert.True(t, IsRecoverable(err))
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, Recoverable("influx", nil))

	assert.False(t, IsRecoverable(cause))
	assert.True(t, IsBacklogIOError(&BacklogIOError{Op: "put", Path: "/x", Err: cause}))
	assert.True(t, IsEvaluationError(&EvaluationError{Path: "$def", Expr: "a.b", Err: cause}))
	assert.Equal(t, "invalid configuration in $def[1]: no body", (&ConfigError{Path: "$def[1]", Message: "no body"}).Error())
}
