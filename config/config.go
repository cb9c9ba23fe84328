package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Capture struct {
		Interface   string        `yaml:"interface"`
		SnapshotLen int32         `yaml:"snapshot_len"`
		Promiscuous bool          `yaml:"promiscuous"`
		ReadTimeout time.Duration `yaml:"read_timeout"`
		BPFFilter   string        `yaml:"bpf_filter"`
		PcapDump    string        `yaml:"pcap_dump"`
		LocalIPs    []string      `yaml:"local_ips"`
	} `yaml:"capture"`

	Attribution struct {
		RefreshInterval time.Duration `yaml:"refresh_interval"`
		Enumerator      string        `yaml:"enumerator"` // netstat | gopsutil
	} `yaml:"attribution"`

	Store struct {
		Path                    string        `yaml:"path"`
		CleanupThreshold        int64         `yaml:"cleanup_threshold"`
		CleanupFraction         float64       `yaml:"cleanup_fraction"`
		CleanupInterval         time.Duration `yaml:"cleanup_interval"`
		RenumberOnDelete        bool          `yaml:"renumber_on_delete"`
		AllowDestructiveRebuild bool          `yaml:"allow_destructive_rebuild"`
	} `yaml:"store"`

	Worker struct {
		Size      int `yaml:"size"`
		QueueSize int `yaml:"queue_size"`
	} `yaml:"worker"`

	Sampler struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"sampler"`

	Resources struct {
		CPUCores float64 `yaml:"cpu_cores"`
		MemoryMB int     `yaml:"memory_mb"`
	} `yaml:"resources"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"metrics"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Capture
	if c.Capture.SnapshotLen <= 0 {
		return fmt.Errorf("capture.snapshot_len must be > 0")
	}
	if c.Capture.ReadTimeout <= 0 {
		return fmt.Errorf("capture.read_timeout must be > 0")
	}

	// Attribution
	if c.Attribution.RefreshInterval < time.Second {
		return fmt.Errorf("attribution.refresh_interval must be >= 1s")
	}
	switch c.Attribution.Enumerator {
	case "netstat", "gopsutil":
	default:
		return fmt.Errorf("attribution.enumerator must be netstat or gopsutil, got %q", c.Attribution.Enumerator)
	}

	// Store
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if c.Store.CleanupThreshold <= 0 {
		return fmt.Errorf("store.cleanup_threshold must be > 0")
	}
	if c.Store.CleanupFraction <= 0 || c.Store.CleanupFraction > 1 {
		return fmt.Errorf("store.cleanup_fraction must be in (0, 1]")
	}
	if c.Store.CleanupInterval < time.Second {
		return fmt.Errorf("store.cleanup_interval must be >= 1s")
	}

	// Worker
	if c.Worker.Size <= 0 {
		return fmt.Errorf("worker.size must be > 0")
	}
	if c.Worker.QueueSize <= 0 {
		return fmt.Errorf("worker.queue_size must be > 0")
	}

	// Sampler
	if c.Sampler.Interval <= 0 {
		return fmt.Errorf("sampler.interval must be > 0")
	}

	// Resources
	if c.Resources.CPUCores < 0 {
		return fmt.Errorf("resources.cpu_cores must be >= 0")
	}
	if c.Resources.MemoryMB < 0 {
		return fmt.Errorf("resources.memory_mb must be >= 0")
	}

	// Metrics
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics.address must not be empty when metrics.enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); configPath == "" || os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.applyEnvOverrides(); err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Capture.SnapshotLen = 65536
	cfg.Capture.Promiscuous = true
	cfg.Capture.ReadTimeout = 100 * time.Millisecond

	cfg.Attribution.RefreshInterval = 3 * time.Second
	cfg.Attribution.Enumerator = "netstat"

	cfg.Store.Path = "traffic_monitor.db"
	cfg.Store.CleanupThreshold = 5000
	cfg.Store.CleanupFraction = 0.1
	cfg.Store.CleanupInterval = 10 * time.Minute

	cfg.Worker.Size = 2
	cfg.Worker.QueueSize = 256

	cfg.Sampler.Interval = time.Second

	cfg.Metrics.Enabled = false
	cfg.Metrics.Address = ":9100"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if iface := os.Getenv("TRAFFICMON_INTERFACE"); iface != "" {
		c.Capture.Interface = iface
	}
	if path := os.Getenv("TRAFFICMON_DB_PATH"); path != "" {
		c.Store.Path = path
	}
	if level := os.Getenv("TRAFFICMON_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if v := os.Getenv("TRAFFICMON_CLEANUP_THRESHOLD"); v != "" {
		n, err := cast.ToInt64E(v)
		if err != nil {
			return fmt.Errorf("TRAFFICMON_CLEANUP_THRESHOLD: %w", err)
		}
		c.Store.CleanupThreshold = n
	}
	return nil
}
