package redis

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/INLOpen/nexusrelay/core"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(id string, v int64) core.Record {
	m := core.NewMap()
	m.Set("value", core.Int(v))
	return core.NewRecord(id, m)
}

func newTestDestination(t *testing.T, cfg Config) (*Destination, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	cfg.Address = s.Addr()
	if cfg.Key == "" {
		cfg.Key = "records"
	}
	d, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d, s
}

func TestDestination_Write(t *testing.T) {
	d, s := newTestDestination(t, Config{})
	ctx := context.Background()
	require.NoError(t, d.Healthcheck(ctx))
	require.NoError(t, d.Write(ctx, []core.Record{record("cpu", 1), record("cpu", 2)}))
	require.NoError(t, d.Write(ctx, nil))

	items, err := s.List("records")
	require.NoError(t, err)
	require.Len(t, items, 2)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(items[1]), &decoded))
	assert.Equal(t, "cpu", decoded["collector_id"])
	assert.Equal(t, map[string]any{"value": float64(2)}, decoded["data"])
}

func TestDestination_MaxLen(t *testing.T) {
	d, s := newTestDestination(t, Config{MaxLen: 2})
	ctx := context.Background()
	require.NoError(t, d.Write(ctx, []core.Record{record("c", 1), record("c", 2), record("c", 3)}))

	items, err := s.List("records")
	require.NoError(t, err)
	assert.Equal(t, []string{`{"collector_id":"c","data":{"value":2}}`, `{"collector_id":"c","data":{"value":3}}`}, items)
}

func TestDestination_ConnectionErrorIsRecoverable(t *testing.T) {
	d, s := newTestDestination(t, Config{})
	s.Close()

	err := d.Write(context.Background(), []core.Record{record("c", 1)})
	require.Error(t, err)
	assert.True(t, core.IsRecoverable(err))
	assert.Error(t, d.Healthcheck(context.Background()))
}

func TestDestination_ServerErrorIsUnrecoverable(t *testing.T) {
	d, s := newTestDestination(t, Config{})
	require.NoError(t, s.Set("records", "not a list"))

	err := d.Write(context.Background(), []core.Record{record("c", 1)})
	require.Error(t, err)
	assert.False(t, core.IsRecoverable(err))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Address: "localhost:6379"}, nil)
	assert.True(t, core.IsConfigError(err))
}
