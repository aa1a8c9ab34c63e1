package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/INLOpen/nexusrelay/collector"
	"github.com/INLOpen/nexusrelay/core"
	"github.com/INLOpen/nexusrelay/destinations"
	"github.com/INLOpen/nexusrelay/template"
	"github.com/INLOpen/nexusrelay/writer"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ListenAddress     string `yaml:"listen_address"`
	PProfEnabled      bool   `yaml:"pprof_enabled"`
	MetricsEnabled    bool   `yaml:"metrics_enabled"`
	MonitorUIEnabled  bool   `yaml:"monitor_ui_enabled"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// OutlierRuleConfig flags record fields outside [min, max].
type OutlierRuleConfig struct {
	CollectorID string  `yaml:"collector_id"`
	Field       string  `yaml:"field" validate:"required"`
	Min         float64 `yaml:"min"`
	Max         float64 `yaml:"max" validate:"gtefield=Min"`
}

// HooksConfig configures the built-in hook listeners.
type HooksConfig struct {
	// BacklogAlertThreshold is the backlog file count at which a writer is
	// reported. Zero disables the alert.
	BacklogAlertThreshold int                 `yaml:"backlog_alert_threshold" validate:"gte=0"`
	OutlierRules          []OutlierRuleConfig `yaml:"outlier_rules" validate:"dive"`
}

// Duration is a time.Duration read from YAML as "10s" or as a bare number
// of seconds. Zero is a valid value.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	parsed, err := ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ParseDuration parses "1m30s" style durations and bare numbers of seconds,
// e.g. "0", "20" or "0.5".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// WriterConfig describes one writer: its destination and its delivery options.
type WriterConfig struct {
	destinations.Config `yaml:",inline"`

	WriteInterval        Duration `yaml:"write_interval"`
	WriteEmpty           bool     `yaml:"write_empty"`
	HealthcheckInterval  Duration `yaml:"healthcheck_interval"`
	DisableBacklog       bool     `yaml:"disable_backlog"`
	BatchSize            int      `yaml:"batch_size" validate:"gte=1"`
	DisableWriter        bool     `yaml:"disable_writer"`
	BacklogUnrecoverable bool     `yaml:"backlog_unrecoverable"`
	Compression          string   `yaml:"compression" validate:"oneof=none snappy lz4 zstd"`
	// BacklogDir defaults to <data_dir>/backlog/<writer id>.
	BacklogDir      string   `yaml:"backlog_dir"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DefaultWriterConfig returns the writer defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		WriteInterval:       Duration(writer.DefaultWriteInterval),
		WriteEmpty:          true,
		HealthcheckInterval: Duration(writer.DefaultHealthcheckInterval),
		BatchSize:           writer.DefaultBatchSize,
		Compression:         core.CompressionSnappy.String(),
		ShutdownTimeout:     Duration(writer.DefaultShutdownTimeout),
	}
}

// UnmarshalYAML applies the writer defaults before decoding.
func (w *WriterConfig) UnmarshalYAML(n *yaml.Node) error {
	type plain WriterConfig
	cfg := plain(DefaultWriterConfig())
	if err := n.Decode(&cfg); err != nil {
		return err
	}
	*w = WriterConfig(cfg)
	return nil
}

// Options converts the configuration into writer options. dataDir is used
// for the default backlog directory.
func (w WriterConfig) Options(id, dataDir string, dryRun bool) (writer.Options, error) {
	ct, err := core.ParseCompressionType(w.Compression)
	if err != nil {
		return writer.Options{}, &core.ConfigError{Path: "writers." + id + ".compression", Message: err.Error()}
	}
	dir := w.BacklogDir
	if dir == "" {
		dir = filepath.Join(dataDir, "backlog", id)
	}
	opts := writer.DefaultOptions(id, dir)
	opts.WriteInterval = time.Duration(w.WriteInterval)
	opts.WriteEmpty = w.WriteEmpty
	opts.HealthcheckInterval = time.Duration(w.HealthcheckInterval)
	opts.DisableBacklog = w.DisableBacklog
	opts.BatchSize = w.BatchSize
	opts.Disabled = w.DisableWriter
	opts.BacklogUnrecoverable = w.BacklogUnrecoverable
	opts.DryRun = dryRun
	opts.Compression = ct
	opts.ShutdownTimeout = time.Duration(w.ShutdownTimeout)
	return opts, opts.Validate()
}

// SourceConfig selects the data source of a collector.
type SourceConfig struct {
	Type string `yaml:"type" validate:"oneof=system static"`
	// DiskPath is the mount point whose usage the system source reports.
	DiskPath string `yaml:"disk_path"`
	// Data is the fixed payload of a static source.
	Data yaml.Node `yaml:"data"`
}

// WriterTarget binds a collector to a writer with the definition that
// shapes its records. The definition keys ($def, $if, $opts) sit next to
// writer_id in the YAML mapping.
type WriterTarget struct {
	WriterID string
	node     *yaml.Node
}

func (t *WriterTarget) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: a writer target must be a mapping", n.Line)
	}
	def := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", Line: n.Line, Column: n.Column}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == "writer_id" {
			t.WriterID = n.Content[i+1].Value
			continue
		}
		def.Content = append(def.Content, n.Content[i], n.Content[i+1])
	}
	if t.WriterID == "" {
		return fmt.Errorf("line %d: writer_id is required", n.Line)
	}
	t.node = def
	return nil
}

// Definition parses the template of the target.
func (t WriterTarget) Definition() (*template.Definition, error) {
	if t.node == nil {
		return nil, &core.ConfigError{Path: "writers." + t.WriterID, Message: "the writer definition is empty"}
	}
	return template.FromNode(t.node)
}

// CollectorConfig describes a collector.
type CollectorConfig struct {
	// Schedule is "@every 30s", a plain duration or a cron expression.
	Schedule   string         `yaml:"schedule" validate:"required"`
	Source     SourceConfig   `yaml:"source"`
	MaxHistory int            `yaml:"max_history" validate:"gte=0"`
	Disabled   bool           `yaml:"disabled"`
	Writers    []WriterTarget `yaml:"writers"`
}

// UnmarshalYAML applies the collector defaults before decoding.
func (c *CollectorConfig) UnmarshalYAML(n *yaml.Node) error {
	type plain CollectorConfig
	cfg := plain{MaxHistory: collector.DefaultMaxHistory}
	if err := n.Decode(&cfg); err != nil {
		return err
	}
	*c = CollectorConfig(cfg)
	return nil
}

// BuildSource creates the data source of the collector.
func (s SourceConfig) BuildSource() (collector.Source, error) {
	switch s.Type {
	case "system":
		return collector.SystemSource{DiskPath: s.DiskPath}, nil
	case "static":
		var raw any
		if s.Data.Kind != 0 {
			if err := s.Data.Decode(&raw); err != nil {
				return nil, &core.ConfigError{Path: "source.data", Message: err.Error()}
			}
		}
		data, err := core.FromNative(raw)
		if err != nil {
			return nil, &core.ConfigError{Path: "source.data", Message: err.Error()}
		}
		return collector.StaticSource{Data: data}, nil
	}
	return nil, &core.ConfigError{Path: "source.type", Message: fmt.Sprintf("unknown source type '%s'", s.Type)}
}

// Config is the top-level configuration struct.
type Config struct {
	DataDir    string                     `yaml:"data_dir"`
	DryRun     bool                       `yaml:"dry_run"`
	Logging    LoggingConfig              `yaml:"logging"`
	Debug      DebugConfig                `yaml:"debug"`
	Tracing    TracingConfig              `yaml:"tracing"`
	Hooks      HooksConfig                `yaml:"hooks"`
	Scope      map[string]any             `yaml:"scope"`
	Writers    map[string]WriterConfig    `yaml:"writers"`
	Collectors map[string]CollectorConfig `yaml:"collectors"`
}

// WriterIDs returns the writer ids in sorted order.
func (c *Config) WriterIDs() []string {
	return sortedKeys(c.Writers)
}

// CollectorIDs returns the collector ids in sorted order.
func (c *Config) CollectorIDs() []string {
	return sortedKeys(c.Collectors)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks writers and collectors, including that every collector
// target names a configured writer and carries a valid definition.
func (c *Config) Validate() error {
	if err := validate.Struct(c.Hooks); err != nil {
		return validationError("hooks", err)
	}
	for _, id := range c.WriterIDs() {
		w := c.Writers[id]
		if err := validate.Struct(w); err != nil {
			return validationError("writers."+id, err)
		}
		if _, err := w.Options(id, c.DataDir, c.DryRun); err != nil {
			return err
		}
	}
	for _, id := range c.CollectorIDs() {
		col := c.Collectors[id]
		if err := validate.Struct(col); err != nil {
			return validationError("collectors."+id, err)
		}
		if _, err := collector.ParseSchedule(col.Schedule); err != nil {
			return &core.ConfigError{Path: "collectors." + id + ".schedule", Message: err.Error()}
		}
		if _, err := col.Source.BuildSource(); err != nil {
			return fmt.Errorf("collectors.%s: %w", id, err)
		}
		for i, t := range col.Writers {
			if _, ok := c.Writers[t.WriterID]; !ok {
				return &core.ConfigError{
					Path:    fmt.Sprintf("collectors.%s.writers[%d]", id, i),
					Message: fmt.Sprintf("unknown writer '%s'", t.WriterID),
				}
			}
			if _, err := t.Definition(); err != nil {
				return fmt.Errorf("collectors.%s.writers[%d]: %w", id, i, err)
			}
		}
	}
	return nil
}

func validationError(path string, err error) error {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fe := verrs[0]
		return &core.ConfigError{
			Path:    path + "." + strings.ToLower(fe.Field()),
			Message: fmt.Sprintf("failed on '%s' (value %v)", fe.Tag(), fe.Value()),
		}
	}
	return &core.ConfigError{Path: path, Message: err.Error()}
}

// envRef matches ${NAME}. Template keys such as $def are left alone.
var envRef = regexp.MustCompile(`\$\{([A-Z0-9_]+)\}`)

// ExpandEnv replaces ${NAME} references with environment variables. Unset
// variables expand to an empty string.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads configuration from an io.Reader.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		DataDir: "./data",
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexusrelay.log",
		},
		Hooks: HooksConfig{
			BacklogAlertThreshold: 100,
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Debug: DebugConfig{
			Enabled:           false,
			ListenAddress:     "127.0.0.1:6060",
			PProfEnabled:      true,
			MetricsEnabled:    true,
			MonitorUIEnabled:  true,
			PrometheusEnabled: true,
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(ExpandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
