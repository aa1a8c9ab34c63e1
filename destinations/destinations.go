// Package destinations builds writer destinations from configuration.
package destinations

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/INLOpen/nexusrelay/core"
	"github.com/INLOpen/nexusrelay/destinations/csvfile"
	"github.com/INLOpen/nexusrelay/destinations/influxdb"
	"github.com/INLOpen/nexusrelay/destinations/redis"
	"github.com/INLOpen/nexusrelay/writer"
)

const (
	TypeCSV      = "csv"
	TypeInfluxDB = "influxdb"
	TypeRedis    = "redis"
)

// Config selects a destination type and holds the settings of each type.
// Only the section matching Type is used.
type Config struct {
	Type     string          `yaml:"type"`
	CSV      csvfile.Config  `yaml:"csv"`
	InfluxDB influxdb.Config `yaml:"influxdb"`
	Redis    redis.Config    `yaml:"redis"`
}

// Destination is a writer destination that holds resources.
type Destination interface {
	writer.Destination
	io.Closer
}

// New creates the destination described by cfg.
func New(cfg Config, logger *slog.Logger) (Destination, error) {
	var (
		d   Destination
		err error
	)
	switch strings.ToLower(cfg.Type) {
	case TypeCSV:
		d, err = csvfile.New(cfg.CSV, logger)
	case TypeInfluxDB:
		d, err = influxdb.New(cfg.InfluxDB, logger)
	case TypeRedis:
		d, err = redis.New(cfg.Redis, logger)
	case "":
		return nil, &core.ConfigError{Path: "type", Message: "the destination type is required"}
	default:
		return nil, &core.ConfigError{Path: "type", Message: fmt.Sprintf("unknown destination type '%s'", cfg.Type)}
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}
