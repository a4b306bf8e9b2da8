package config

import (
	"fmt"
	"os"
	"time"

	"github.com/labstack/gommon/log"
	"gopkg.in/yaml.v3"
)

// EnvPath names the environment variable holding the config file path.
const EnvPath = "HOSTSTAT_CONFIG"

type NetworkSource string

const (
	NetworkSourceIfstat   NetworkSource = "ifstat"
	NetworkSourceCounters NetworkSource = "counters"
	NetworkSourceNone     NetworkSource = "none"
)

type DiskConfig struct {
	Command string   `yaml:"command"`
	Exclude []string `yaml:"exclude"`
}

type LoadConfig struct {
	Command string `yaml:"command"`
}

type MemoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Command string `yaml:"command"`
}

type NetworkConfig struct {
	Source     NetworkSource `yaml:"source"`
	Command    string        `yaml:"command"`
	ClearAfter int           `yaml:"clear_after"`
	RetryPause time.Duration `yaml:"retry_pause"`
	Interval   time.Duration `yaml:"interval"`
}

type SelfMetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type Config struct {
	Bind           string            `yaml:"bind"`
	Port           int               `yaml:"port"`
	LogLevel       string            `yaml:"log_level"`
	CommandTimeout time.Duration     `yaml:"command_timeout"`
	HostLabel      bool              `yaml:"host_label"`
	Disk           DiskConfig        `yaml:"disk"`
	Load           LoadConfig        `yaml:"load"`
	Memory         MemoryConfig      `yaml:"memory"`
	Network        NetworkConfig     `yaml:"network"`
	SelfMetrics    SelfMetricsConfig `yaml:"self_metrics"`
}

func Default() *Config {
	return &Config{
		Bind:           "0.0.0.0",
		Port:           8000,
		LogLevel:       "info",
		CommandTimeout: 10 * time.Second,
		Disk: DiskConfig{
			Command: "df -P",
			Exclude: []string{"tmpfs"},
		},
		Load: LoadConfig{
			Command: "cat /proc/loadavg",
		},
		Memory: MemoryConfig{
			Command: "free -m",
		},
		Network: NetworkConfig{
			Source:     NetworkSourceIfstat,
			Command:    "ifstat",
			ClearAfter: 5,
			RetryPause: 100 * time.Millisecond,
			Interval:   time.Second,
		},
		SelfMetrics: SelfMetricsConfig{
			Path: "/-/metrics",
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path or a
// missing file yields the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command_timeout must be positive, got %s", c.CommandTimeout)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Network.Source {
	case NetworkSourceIfstat, NetworkSourceCounters, NetworkSourceNone:
	default:
		return fmt.Errorf("unknown network source %q", c.Network.Source)
	}
	if c.Network.Source == NetworkSourceCounters && c.Network.Interval <= 0 {
		return fmt.Errorf("network.interval must be positive, got %s", c.Network.Interval)
	}
	if c.Network.ClearAfter < 0 {
		return fmt.Errorf("network.clear_after must not be negative")
	}
	if c.SelfMetrics.Enabled && (c.SelfMetrics.Path == "" || c.SelfMetrics.Path[0] != '/') {
		return fmt.Errorf("self_metrics.path must start with /, got %q", c.SelfMetrics.Path)
	}
	return nil
}

// ParseLevel maps a log_level value onto a gommon level.
func ParseLevel(s string) (log.Lvl, error) {
	switch s {
	case "debug":
		return log.DEBUG, nil
	case "", "info":
		return log.INFO, nil
	case "warn":
		return log.WARN, nil
	case "error":
		return log.ERROR, nil
	case "off":
		return log.OFF, nil
	}
	return log.INFO, fmt.Errorf("unknown log level %q", s)
}
