package core

import "encoding/json"

// Record is one evaluated output of a collector, ready to be delivered to a
// destination. Records are not modified after construction.
type Record struct {
	CollectorID string
	Data        *Map
}

func NewRecord(collectorID string, data *Map) Record {
	if data == nil {
		data = NewMap()
	}
	return Record{CollectorID: collectorID, Data: data}
}

// MarshalJSON implements the json.Marshaler interface for Record.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		CollectorID string `json:"collector_id"`
		Data        *Map   `json:"data"`
	}{r.CollectorID, r.Data})
}

// Scope holds the variables visible to template expressions.
type Scope map[string]Value

// With returns a copy of the scope with k set to v.
func (s Scope) With(k string, v Value) Scope {
	out := make(Scope, len(s)+1)
	for name, val := range s {
		out[name] = val
	}
	out[k] = v
	return out
}

// Native converts every variable to plain Go values.
func (s Scope) Native() map[string]any {
	out := make(map[string]any, len(s))
	for k, v := range s {
		out[k] = v.Native()
	}
	return out
}

// ScopeFromNative converts a map of plain Go values (for example decoded
// YAML) into a Scope.
func ScopeFromNative(vars map[string]any) (Scope, error) {
	s := make(Scope, len(vars))
	for k, raw := range vars {
		v, err := FromNative(raw)
		if err != nil {
			return nil, &ConfigError{Path: "scope." + k, Message: err.Error()}
		}
		s[k] = v
	}
	return s, nil
}
