// Package influxdb implements a destination that writes records as points to
// InfluxDB 2.x.
package influxdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/INLOpen/nexusrelay/core"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
)

// DefaultTimeField is the record field used as the point timestamp.
const DefaultTimeField = "time"

// Config configures an InfluxDB destination.
type Config struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
	// Measurement defaults to the collector id of each record.
	Measurement string `yaml:"measurement"`
	// Tags lists the record fields written as tags instead of fields.
	Tags      []string `yaml:"tags"`
	TimeField string   `yaml:"time_field"`
	// TimeoutSeconds is the HTTP request timeout.
	TimeoutSeconds uint `yaml:"timeout_seconds"`
}

// Destination writes batches with the blocking write API.
type Destination struct {
	cfg      Config
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	tags     map[string]struct{}
	logger   *slog.Logger
}

// New creates the client. No connection is made until the first call.
func New(cfg Config, logger *slog.Logger) (*Destination, error) {
	if cfg.URL == "" || cfg.Bucket == "" {
		return nil, &core.ConfigError{Path: "influxdb", Message: "url and bucket are required"}
	}
	if cfg.TimeField == "" {
		cfg.TimeField = DefaultTimeField
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts := influxdb2.DefaultOptions()
	if cfg.TimeoutSeconds > 0 {
		opts.SetHTTPRequestTimeout(cfg.TimeoutSeconds)
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)
	tags := make(map[string]struct{}, len(cfg.Tags))
	for _, t := range cfg.Tags {
		tags[t] = struct{}{}
	}
	return &Destination{
		cfg:      cfg,
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		tags:     tags,
		logger:   logger.With("component", "InfluxDBDestination", "bucket", cfg.Bucket),
	}, nil
}

// Healthcheck queries the server health endpoint and expects status "pass".
func (d *Destination) Healthcheck(ctx context.Context) error {
	health, err := d.client.Health(ctx)
	if err != nil {
		return err
	}
	if health.Status != domain.HealthCheckStatusPass {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("influxdb status is %s: %s", health.Status, msg)
	}
	return nil
}

// Write converts the batch to points and writes them in one request.
func (d *Destination) Write(ctx context.Context, batch []core.Record) error {
	points := make([]*write.Point, 0, len(batch))
	for _, rec := range batch {
		p, ok := d.Point(rec)
		if !ok {
			d.logger.Debug("Skipping a record without fields", "collector_id", rec.CollectorID)
			continue
		}
		points = append(points, p)
	}
	if len(points) == 0 {
		return nil
	}
	if err := d.writeAPI.WritePoint(ctx, points...); err != nil {
		return classify(err)
	}
	return nil
}

// Point converts a record. It returns false when the record has no fields.
func (d *Destination) Point(rec core.Record) (*write.Point, bool) {
	measurement := d.cfg.Measurement
	if measurement == "" {
		measurement = rec.CollectorID
	}
	tags := make(map[string]string)
	fields := make(map[string]any)
	ts := time.Time{}
	rec.Data.Range(func(k string, v core.Value) bool {
		switch {
		case k == d.cfg.TimeField:
			if t, ok := v.AsTime(); ok {
				ts = t
				return true
			}
			fields[k] = fieldValue(v)
		case isTag(d.tags, k):
			tags[k] = v.String()
		case v.IsNil():
		default:
			fields[k] = fieldValue(v)
		}
		return true
	})
	if len(fields) == 0 {
		return nil, false
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return influxdb2.NewPoint(measurement, tags, fields, ts), true
}

// Close releases the HTTP client.
func (d *Destination) Close() error {
	d.client.Close()
	return nil
}

func isTag(tags map[string]struct{}, k string) bool {
	_, ok := tags[k]
	return ok
}

func fieldValue(v core.Value) any {
	switch v.Kind() {
	case core.KindBool, core.KindInt, core.KindFloat, core.KindString:
		return v.Native()
	}
	return v.String()
}

// classify marks server overload, server errors and transport failures as
// recoverable. Other HTTP errors, such as a rejected line protocol, are not.
func classify(err error) error {
	var herr *influxhttp.Error
	if errors.As(err, &herr) {
		switch {
		case herr.StatusCode == 0,
			herr.StatusCode == http.StatusTooManyRequests,
			herr.StatusCode >= http.StatusInternalServerError:
			return core.Recoverable("influxdb", err)
		}
		return fmt.Errorf("influxdb rejected the batch: %w", err)
	}
	return core.Recoverable("influxdb", err)
}
