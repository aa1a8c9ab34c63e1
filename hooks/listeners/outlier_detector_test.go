package listeners

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/INLOpen/nexusrelay/core"
	"github.com/INLOpen/nexusrelay/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutlierDetectionListener_OnEvent(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	rules := []OutlierRule{
		{CollectorID: "sensors", FieldName: "degrees_celsius", Thresholds: Thresholds{Min: 0, Max: 90}},
		{CollectorID: "http", FieldName: "latency_ms", Thresholds: Thresholds{Min: 1, Max: 1000}},
	}
	listener := NewOutlierDetectionListener(logger, rules)
	require.NotNil(t, listener)

	trigger := func(t *testing.T, collectorID string, data map[string]any) {
		t.Helper()
		m, err := core.MapFromNative(data)
		require.NoError(t, err)
		records := []core.Record{core.NewRecord(collectorID, m)}
		event := hooks.NewPreWriteBatchEvent(hooks.PreWriteBatchPayload{WriterID: "influx", Records: &records})
		require.NoError(t, listener.OnEvent(context.Background(), event))
	}

	t.Run("DetectsFloatOutlier", func(t *testing.T) {
		logBuf.Reset()
		trigger(t, "sensors", map[string]any{"degrees_celsius": 95.5})

		out := logBuf.String()
		assert.Contains(t, out, "Outlier detected")
		assert.Contains(t, out, `"collector_id":"sensors"`)
		assert.Contains(t, out, `"writer_id":"influx"`)
		assert.Contains(t, out, `"field":"degrees_celsius"`)
		assert.Contains(t, out, `"value":95.5`)
		assert.Contains(t, out, `"max_threshold":90`)
	})

	t.Run("DetectsIntOutlier", func(t *testing.T) {
		logBuf.Reset()
		trigger(t, "http", map[string]any{"latency_ms": int64(2000)})
		assert.Contains(t, logBuf.String(), `"value":2000`)
	})

	t.Run("DetectsBelowMin", func(t *testing.T) {
		logBuf.Reset()
		trigger(t, "http", map[string]any{"latency_ms": 0})
		assert.Contains(t, logBuf.String(), `"min_threshold":1`)
	})

	t.Run("IgnoresInlierValue", func(t *testing.T) {
		logBuf.Reset()
		trigger(t, "sensors", map[string]any{"degrees_celsius": 50.0})
		assert.Empty(t, logBuf.String())
	})

	t.Run("IgnoresUnconfiguredCollector", func(t *testing.T) {
		logBuf.Reset()
		trigger(t, "memory", map[string]any{"degrees_celsius": 9999})
		assert.Empty(t, logBuf.String())
	})

	t.Run("IgnoresNonNumericField", func(t *testing.T) {
		logBuf.Reset()
		trigger(t, "sensors", map[string]any{"degrees_celsius": "very hot"})
		assert.Empty(t, logBuf.String())
	})

	t.Run("IgnoresOtherEvents", func(t *testing.T) {
		logBuf.Reset()
		event := hooks.NewPostHealthChangeEvent(hooks.HealthChangePayload{WriterID: "influx"})
		require.NoError(t, listener.OnEvent(context.Background(), event))
		assert.Empty(t, logBuf.String())
	})
}
