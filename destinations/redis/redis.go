// Package redis implements a destination that pushes JSON-encoded records
// onto a Redis list.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/nexusrelay/core"
	"github.com/gomodule/redigo/redis"
)

// Config configures a Redis list destination.
type Config struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
	// MaxLen trims the list to its newest MaxLen entries after each push.
	// Zero keeps everything.
	MaxLen    int `yaml:"max_len"`
	MaxIdle   int `yaml:"max_idle"`
	TimeoutMs int `yaml:"timeout_ms"`
}

// Destination appends each batch with a single RPUSH.
type Destination struct {
	cfg    Config
	pool   *redis.Pool
	logger *slog.Logger
}

// New creates the connection pool. Connections are dialed lazily.
func New(cfg Config, logger *slog.Logger) (*Destination, error) {
	if cfg.Address == "" || cfg.Key == "" {
		return nil, &core.ConfigError{Path: "redis", Message: "address and key are required"}
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 2
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 5000
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	pool := &redis.Pool{
		MaxIdle:     cfg.MaxIdle,
		IdleTimeout: 5 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", cfg.Address,
				redis.DialPassword(cfg.Password),
				redis.DialDatabase(cfg.DB),
				redis.DialConnectTimeout(timeout),
				redis.DialReadTimeout(timeout),
				redis.DialWriteTimeout(timeout),
			)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
	return NewWithPool(cfg, pool, logger), nil
}

// NewWithPool creates a destination on an existing pool.
func NewWithPool(cfg Config, pool *redis.Pool, logger *slog.Logger) *Destination {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Destination{cfg: cfg, pool: pool, logger: logger.With("component", "RedisDestination", "key", cfg.Key)}
}

// Healthcheck sends PING.
func (d *Destination) Healthcheck(ctx context.Context) error {
	conn, err := d.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	pong, err := redis.String(redis.DoContext(conn, ctx, "PING"))
	if err != nil {
		return err
	}
	if pong != "PONG" {
		return fmt.Errorf("unexpected PING reply %q", pong)
	}
	return nil
}

// Write pushes the batch. Connection failures are recoverable, error
// replies from the server are not.
func (d *Destination) Write(ctx context.Context, batch []core.Record) error {
	if len(batch) == 0 {
		return nil
	}
	args := make(redis.Args, 0, len(batch)+1).Add(d.cfg.Key)
	for _, rec := range batch {
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode record of %s: %w", rec.CollectorID, err)
		}
		args = append(args, b)
	}

	conn, err := d.pool.GetContext(ctx)
	if err != nil {
		return core.Recoverable("redis", err)
	}
	defer conn.Close()

	length, err := redis.Int(redis.DoContext(conn, ctx, "RPUSH", args...))
	if err != nil {
		return classify(err)
	}
	if d.cfg.MaxLen > 0 && length > d.cfg.MaxLen {
		if _, err := redis.DoContext(conn, ctx, "LTRIM", d.cfg.Key, -d.cfg.MaxLen, -1); err != nil {
			d.logger.Warn("Failed to trim the list", "error", err)
		}
	}
	d.logger.Debug("Pushed records", "count", len(batch), "length", length)
	return nil
}

// Close closes the pool.
func (d *Destination) Close() error {
	return d.pool.Close()
}

func classify(err error) error {
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return fmt.Errorf("redis rejected the batch: %w", err)
	}
	return core.Recoverable("redis", err)
}
