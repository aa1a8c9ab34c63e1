// Package csvfile implements a destination that appends records as lines to
// a CSV file with size-based rotation.
package csvfile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/INLOpen/nexusrelay/core"
)

// TimeLayout is used for time values.
const TimeLayout = "2006-01-02 15:04:05.999999"

// Config configures a CSV destination.
type Config struct {
	Path   string `yaml:"path"`
	Header string `yaml:"header"`
	// MaxBytes rotates the file before a line would grow it past this size.
	// Zero disables rotation.
	MaxBytes int64 `yaml:"max_bytes"`
	// BackupCount is the number of rotated files kept as path.1 ... path.N.
	// Rotation is disabled when it is zero.
	BackupCount int `yaml:"backup_count"`
}

// Destination writes one line per record. Values are written in record
// field order.
type Destination struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File
	size int64
}

// New creates a CSV destination. The file is opened on the first write.
func New(cfg Config, logger *slog.Logger) (*Destination, error) {
	if cfg.Path == "" {
		return nil, &core.ConfigError{Path: "csv.path", Message: "the path is required"}
	}
	if cfg.MaxBytes < 0 || cfg.BackupCount < 0 {
		return nil, &core.ConfigError{Path: "csv", Message: "max_bytes and backup_count must not be negative"}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Destination{cfg: cfg, logger: logger.With("component", "CSVDestination", "path", cfg.Path)}, nil
}

// Healthcheck verifies that the target directory exists or can be created.
func (d *Destination) Healthcheck(ctx context.Context) error {
	return os.MkdirAll(filepath.Dir(d.cfg.Path), 0o755)
}

// Write appends the batch. Disk errors are recoverable.
func (d *Destination) Write(ctx context.Context, batch []core.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger.Debug("Writing rows", "rows", len(batch))
	for _, rec := range batch {
		line := FormatLine(rec.Data) + "\n"
		if err := d.writeLine(line); err != nil {
			d.closeFile()
			return core.Recoverable("csv", err)
		}
	}
	if d.file != nil {
		if err := d.file.Sync(); err != nil {
			d.closeFile()
			return core.Recoverable("csv", err)
		}
	}
	return nil
}

func (d *Destination) writeLine(line string) error {
	if d.file == nil {
		if err := d.open(); err != nil {
			return err
		}
	}
	if d.shouldRotate(int64(len(line))) {
		if err := d.rotate(); err != nil {
			return err
		}
	}
	n, err := d.file.WriteString(line)
	d.size += int64(n)
	return err
}

func (d *Destination) shouldRotate(n int64) bool {
	if d.cfg.MaxBytes == 0 || d.cfg.BackupCount == 0 {
		return false
	}
	return d.size > 0 && d.size+n > d.cfg.MaxBytes
}

// open opens the file for appending and writes the header when it is empty.
func (d *Destination) open() error {
	if err := os.MkdirAll(filepath.Dir(d.cfg.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", d.cfg.Path, err)
	}
	f, err := os.OpenFile(d.cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", d.cfg.Path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat %s: %w", d.cfg.Path, err)
	}
	d.file = f
	d.size = info.Size()
	if d.size == 0 && d.cfg.Header != "" {
		n, err := f.WriteString(d.cfg.Header + "\n")
		d.size += int64(n)
		if err != nil {
			return fmt.Errorf("failed to write header to %s: %w", d.cfg.Path, err)
		}
	}
	return nil
}

// rotate shifts path.N-1 to path.N down to path to path.1 and reopens path.
func (d *Destination) rotate() error {
	d.closeFile()
	for i := d.cfg.BackupCount - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", d.cfg.Path, i)
		dst := fmt.Sprintf("%s.%d", d.cfg.Path, i+1)
		if _, err := os.Stat(src); err == nil {
			if err := os.Rename(src, dst); err != nil {
				return fmt.Errorf("failed to rotate %s: %w", src, err)
			}
		}
	}
	if err := os.Rename(d.cfg.Path, d.cfg.Path+".1"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rotate %s: %w", d.cfg.Path, err)
	}
	d.logger.Info("Rotated the file", "backups", d.cfg.BackupCount)
	return d.open()
}

func (d *Destination) closeFile() {
	if d.file != nil {
		_ = d.file.Close()
		d.file = nil
	}
}

// Close closes the file.
func (d *Destination) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

// FormatLine renders the values of m as one CSV line without the newline.
func FormatLine(m *core.Map) string {
	parts := make([]string, 0, m.Len())
	m.Range(func(_ string, v core.Value) bool {
		parts = append(parts, FormatValue(v))
		return true
	})
	return strings.Join(parts, ",")
}

// FormatValue renders one value. Strings are quoted with backslash-escaped
// quotes and newlines replaced by spaces, times are quoted, numbers and
// booleans are bare, and nested values are written as quoted JSON.
func FormatValue(v core.Value) string {
	switch v.Kind() {
	case core.KindString:
		s, _ := v.AsString()
		return quote(s)
	case core.KindTime:
		t, _ := v.AsTime()
		return `"` + t.Format(TimeLayout) + `"`
	case core.KindList, core.KindMap:
		return quote(v.String())
	}
	return v.String()
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", " ")
	return `"` + s + `"`
}
