package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ChuLiYu/track-orchestrator/internal/analyzer"
	"github.com/ChuLiYu/track-orchestrator/internal/coordinator"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration file. Fields missing from
// the file keep their defaults.
type Config struct {
	Orchestrator coordinator.Config `yaml:"orchestrator"`

	Simulation struct {
		FailureRate float64       `yaml:"failure_rate"`
		FatalRate   float64       `yaml:"fatal_rate"`
		MaxLatency  time.Duration `yaml:"max_latency"`
		Seed        int64         `yaml:"seed"`
		FieldSize   int           `yaml:"field_size"`
	} `yaml:"simulation"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Health struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"health"`

	Report struct {
		Path    string `yaml:"path"`
		Backups int    `yaml:"backups"`
	} `yaml:"report"`

	Journal struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"journal"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultConfig returns the configuration used when the file omits a field.
func DefaultConfig() *Config {
	cfg := &Config{Orchestrator: coordinator.DefaultConfig()}
	cfg.Simulation.FailureRate = 0.1
	cfg.Simulation.FatalRate = 0.1
	cfg.Simulation.MaxLatency = 200 * time.Millisecond
	cfg.Simulation.FieldSize = 8
	cfg.Metrics.Port = 9090
	cfg.Health.Port = 50051
	cfg.Report.Backups = 3
	cfg.Journal.Path = "data/events.jsonl"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Validate checks the whole file.
func (c *Config) Validate() error {
	if err := c.Orchestrator.Validate(); err != nil {
		return err
	}
	if c.Simulation.FailureRate < 0 || c.Simulation.FailureRate > 1 {
		return fmt.Errorf("simulation failure_rate must be within [0,1], got %v", c.Simulation.FailureRate)
	}
	if c.Simulation.FatalRate < 0 || c.Simulation.FatalRate > 1 {
		return fmt.Errorf("simulation fatal_rate must be within [0,1], got %v", c.Simulation.FatalRate)
	}
	if c.Simulation.MaxLatency < 0 {
		return fmt.Errorf("simulation max_latency must not be negative")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port %d", c.Metrics.Port)
	}
	if c.Health.Enabled && (c.Health.Port <= 0 || c.Health.Port > 65535) {
		return fmt.Errorf("invalid health port %d", c.Health.Port)
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal path is required when the journal is enabled")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

func (c *Config) simulatedConfig() analyzer.SimulatedConfig {
	return analyzer.SimulatedConfig{
		FailureRate: c.Simulation.FailureRate,
		FatalRate:   c.Simulation.FatalRate,
		MaxLatency:  c.Simulation.MaxLatency,
		Seed:        c.Simulation.Seed,
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

func parseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return l, fmt.Errorf("invalid log level %q", level)
	}
	return l, nil
}

// newLogger builds the process logger: text or json on w.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	l, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: l}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
