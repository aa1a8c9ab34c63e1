package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/INLOpen/nexusrelay/config"
	"github.com/INLOpen/nexusrelay/core"
	"github.com/INLOpen/nexusrelay/template"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "out", "data.csv")
	doc := fmt.Sprintf(`
data_dir: %s
scope:
  site: lab
writers:
  csv:
    type: csv
    csv:
      path: %s
    write_interval: 0
    batch_size: 10
collectors:
  fixed:
    schedule: "@every 20ms"
    max_history: 5
    source:
      type: static
      data: {name: sensor, v: 3}
    writers:
      - writer_id: csv
        $def:
          site: !expr site
          name: !expr data.name
          v: !expr data.v * 2
`, filepath.ToSlash(dir), filepath.ToSlash(csvPath))
	cfg, err := config.Load(strings.NewReader(doc))
	require.NoError(t, err)
	return cfg, csvPath
}

func TestAppServer_RunsCollectorsIntoWriters(t *testing.T) {
	cfg, csvPath := testConfig(t)
	s, err := NewAppServer(cfg, discardLogger(), nil)
	require.NoError(t, err)
	require.Len(t, s.Collectors(), 1)

	done := make(chan error, 1)
	go func() { done <- s.Start() }()

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(csvPath)
		return err == nil && strings.Count(string(data), "\n") >= 2
	}, 10*time.Second, 10*time.Millisecond)

	s.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("the application did not stop")
	}

	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	first := strings.SplitN(string(data), "\n", 2)[0]
	assert.Equal(t, `"lab","sensor",6`, first)

	w, ok := s.Writer("csv")
	require.True(t, ok)
	stats := w.Stats()
	assert.Equal(t, 0, stats.QueueSize)
	assert.Equal(t, 0, stats.BacklogFiles)
	assert.GreaterOrEqual(t, stats.RecordsDelivered, int64(2))

	err = w.Write(t.Context(), "fixed", core.Int(1), template.Static(core.NewMap()), nil)
	assert.ErrorIs(t, err, core.ErrWriterClosed)
}

func TestAppServer_InvalidConfig(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Collectors["fixed"].Writers[0].WriterID = "missing"
	_, err := NewAppServer(cfg, discardLogger(), nil)
	require.Error(t, err)
	assert.True(t, core.IsConfigError(err))
}

func TestAppServer_PrometheusMetrics(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Debug.Enabled = true
	s, err := NewAppServer(cfg, discardLogger(), nil)
	require.NoError(t, err)
	defer s.Close()

	count, err := testutil.GatherAndCount(s.Registry(), "nexusrelay_writer_queue_size", "nexusrelay_writer_write_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	srv := httptest.NewServer(s.metricsServer.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics/prometheus")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `nexusrelay_writer_backlog_files{writer_id="csv"} 0`)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAppServer_StopBeforeStart(t *testing.T) {
	cfg, _ := testConfig(t)
	s, err := NewAppServer(cfg, discardLogger(), nil)
	require.NoError(t, err)

	s.Stop()
	done := make(chan error, 1)
	go func() { done <- s.Start() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Start did not return after an early Stop")
	}
}
