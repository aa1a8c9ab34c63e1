package backlog

import (
	"fmt"
	"reflect"
	"time"

	"github.com/INLOpen/nexusrelay/core"
	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("backlog: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("backlog: CBOR decoder initialization failed: " + err.Error())
	}
}

// wireRecord is the CBOR form of a core.Record. Field order of the data
// mapping is preserved by encoding it as a list of pairs.
type wireRecord struct {
	_           struct{} `cbor:",toarray"`
	CollectorID string
	Fields      []wireField
}

type wireField struct {
	_     struct{} `cbor:",toarray"`
	Key   string
	Value wireValue
}

type wireValue struct {
	Kind  core.Kind   `cbor:"1,keyasint"`
	Bool  bool        `cbor:"2,keyasint,omitempty"`
	Int   int64       `cbor:"3,keyasint,omitempty"`
	Float float64     `cbor:"4,keyasint,omitempty"`
	Str   string      `cbor:"5,keyasint,omitempty"`
	Time  *time.Time  `cbor:"6,keyasint,omitempty"`
	List  []wireValue `cbor:"7,keyasint,omitempty"`
	Map   []wireField `cbor:"8,keyasint,omitempty"`
}

func encodeRecord(r core.Record) ([]byte, error) {
	return encMode.Marshal(wireRecord{CollectorID: r.CollectorID, Fields: toWireFields(r.Data)})
}

func decodeRecord(data []byte) (core.Record, error) {
	var w wireRecord
	if err := decMode.Unmarshal(data, &w); err != nil {
		return core.Record{}, err
	}
	m, err := fromWireFields(w.Fields)
	if err != nil {
		return core.Record{}, err
	}
	return core.NewRecord(w.CollectorID, m), nil
}

func toWireFields(m *core.Map) []wireField {
	fields := make([]wireField, 0, m.Len())
	m.Range(func(k string, v core.Value) bool {
		fields = append(fields, wireField{Key: k, Value: toWire(v)})
		return true
	})
	return fields
}

func toWire(v core.Value) wireValue {
	w := wireValue{Kind: v.Kind()}
	switch v.Kind() {
	case core.KindBool:
		w.Bool, _ = v.AsBool()
	case core.KindInt:
		w.Int, _ = v.AsInt()
	case core.KindFloat:
		w.Float, _ = v.AsFloat()
	case core.KindString:
		w.Str, _ = v.AsString()
	case core.KindTime:
		t, _ := v.AsTime()
		w.Time = &t
	case core.KindList:
		items, _ := v.AsList()
		w.List = make([]wireValue, len(items))
		for i, item := range items {
			w.List[i] = toWire(item)
		}
	case core.KindMap:
		m, _ := v.AsMap()
		w.Map = toWireFields(m)
	}
	return w
}

func fromWireFields(fields []wireField) (*core.Map, error) {
	m := core.NewMap()
	for _, f := range fields {
		v, err := fromWire(f.Value)
		if err != nil {
			return nil, fmt.Errorf("field '%s': %w", f.Key, err)
		}
		m.Set(f.Key, v)
	}
	return m, nil
}

func fromWire(w wireValue) (core.Value, error) {
	switch w.Kind {
	case core.KindNil:
		return core.Nil(), nil
	case core.KindBool:
		return core.Bool(w.Bool), nil
	case core.KindInt:
		return core.Int(w.Int), nil
	case core.KindFloat:
		return core.Float(w.Float), nil
	case core.KindString:
		return core.String(w.Str), nil
	case core.KindTime:
		if w.Time == nil {
			return core.Time(time.Time{}), nil
		}
		return core.Time(*w.Time), nil
	case core.KindList:
		items := make([]core.Value, len(w.List))
		for i, item := range w.List {
			v, err := fromWire(item)
			if err != nil {
				return core.Value{}, err
			}
			items[i] = v
		}
		return core.List(items...), nil
	case core.KindMap:
		m, err := fromWireFields(w.Map)
		if err != nil {
			return core.Value{}, err
		}
		return core.MapValue(m), nil
	}
	return core.Value{}, &core.UnsupportedTypeError{Message: fmt.Sprintf("value kind %d", w.Kind)}
}
