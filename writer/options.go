package writer

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/INLOpen/nexusrelay/core"
	"github.com/INLOpen/nexusrelay/hooks"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultWriteInterval       = 10 * time.Second
	DefaultHealthcheckInterval = 20 * time.Second
	DefaultBatchSize           = 100
	DefaultShutdownTimeout     = 30 * time.Second

	// idleTick bounds how long a worker with WriteInterval 0 sleeps without
	// a wake signal, so that the backlog is still retried.
	idleTick = time.Second
)

// Options configures a Writer.
type Options struct {
	WriterID string `validate:"required,excludesall=/\\"`

	// WriteInterval is the worker tick. Zero means records are written as
	// soon as Write returns.
	WriteInterval       time.Duration `validate:"gte=0"`
	WriteEmpty          bool
	HealthcheckInterval time.Duration `validate:"gte=0"`
	DisableBacklog      bool
	BatchSize           int `validate:"gte=1"`

	// Disabled makes every healthcheck fail so that data goes to the backlog.
	Disabled bool
	// DryRun skips destination writes and backlog file changes.
	DryRun bool
	// BacklogUnrecoverable keeps batches that failed with an unrecoverable
	// error in the backlog instead of dropping them.
	BacklogUnrecoverable bool

	BacklogDir      string `validate:"required"`
	Compression     core.CompressionType
	ShutdownTimeout time.Duration `validate:"gte=0"`

	Logger      *slog.Logger      `validate:"-"`
	HookManager hooks.HookManager `validate:"-"`
	Tracer      trace.Tracer      `validate:"-"`
	Metrics     *Metrics          `validate:"-"`
}

// DefaultOptions returns options with the default intervals and batch size.
func DefaultOptions(writerID, backlogDir string) Options {
	return Options{
		WriterID:            writerID,
		WriteInterval:       DefaultWriteInterval,
		WriteEmpty:          true,
		HealthcheckInterval: DefaultHealthcheckInterval,
		BatchSize:           DefaultBatchSize,
		BacklogDir:          backlogDir,
		Compression:         core.CompressionSnappy,
		ShutdownTimeout:     DefaultShutdownTimeout,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the options and reports the first problem as a
// *core.ConfigError.
func (o *Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return &core.ConfigError{
				Path:    "writers." + o.WriterID + "." + toSnake(fe.Field()),
				Message: fmt.Sprintf("failed on '%s' (value %v)", fe.Tag(), fe.Value()),
			}
		}
		return &core.ConfigError{Path: "writers." + o.WriterID, Message: err.Error()}
	}
	if o.Compression > core.CompressionZSTD {
		return &core.ConfigError{Path: "writers." + o.WriterID + ".compression", Message: "unknown compression"}
	}
	return nil
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
