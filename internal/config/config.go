// Package config holds all configuration types and loading logic for a
// Qakka server instance. Config structure never shrinks — fields are only
// added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a Qakka server instance.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Cluster ClusterConfig `yaml:"cluster"`
	Storage StorageConfig `yaml:"storage"`
	Queue   QueueConfig   `yaml:"queue"`
	Auth    AuthConfig    `yaml:"auth"`
	Metrics MetricsConfig `yaml:"metrics"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// NodeConfig holds identity and network settings for this server node.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// ClusterConfig controls multi-node behaviour. Reserved for future
// multi-node coordination; this implementation is single-node only, but the
// field is present so enabling clustering later is a config change, not a
// code change.
type ClusterConfig struct {
	Enabled bool     `yaml:"enabled"`
	Peers   []string `yaml:"peers"`
}

// StorageConfig controls the body-log compactor's sweep cadence and
// retention window. Pointer/shard/counter/audit rows live in bbolt, which
// fsyncs its own commits and needs no equivalent knob.
type StorageConfig struct {
	CompactionInterval string `yaml:"compaction_interval"`
	BodyRetention      string `yaml:"body_retention"`
}

// CompactionIntervalDuration parses CompactionInterval, defaulting to 1h on
// a parse error or empty value.
func (s StorageConfig) CompactionIntervalDuration() time.Duration {
	if d, err := time.ParseDuration(s.CompactionInterval); err == nil {
		return d
	}
	return time.Hour
}

// BodyRetentionDuration parses BodyRetention, defaulting to 24h.
func (s StorageConfig) BodyRetentionDuration() time.Duration {
	if d, err := time.ParseDuration(s.BodyRetention); err == nil {
		return d
	}
	return 24 * time.Hour
}

// QueueConfig holds the recognized queue options from §6. createQueue does
// not copy them into a queue's definition. RegionLocal is the server's local
// region, InflightTimeoutMs is the lease duration for queues whose definition
// carries none, and CounterFlushIntervalMs and ReaperIntervalMs set the
// counter flush and reaper periods. RegionsReplicated, DeliveryDelayMs,
// ShardMaxSize and MailboxBound are validated but not read anywhere else.
type QueueConfig struct {
	RegionLocal            string   `yaml:"region_local"`
	RegionsReplicated      []string `yaml:"regions_replicated"`
	InflightTimeoutMs      int64    `yaml:"inflight_timeout_ms"`
	DeliveryDelayMs        int64    `yaml:"delivery_delay_ms"`
	ShardMaxSize           int64    `yaml:"shard_max_size"`
	CounterFlushIntervalMs int      `yaml:"counter_flush_interval_ms"`
	ReaperIntervalMs       int      `yaml:"reaper_interval_ms"`
	MailboxBound           int      `yaml:"mailbox_bound"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// WebhookConfig controls behaviour when pushing getNextMessages results to
// webhook subscribers (A7).
type WebhookConfig struct {
	MaxRetries int `yaml:"max_retries"`
	TimeoutMs  int `yaml:"timeout_ms"`
}

// Default returns a Config populated with the recognized-options defaults
// from §6, plus the supplemented process-level settings from §6.1. It is
// the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Cluster: ClusterConfig{
			Enabled: false,
			Peers:   []string{},
		},
		Storage: StorageConfig{
			CompactionInterval: "1h",
			BodyRetention:      "24h",
		},
		Queue: QueueConfig{
			RegionLocal:            "local",
			RegionsReplicated:      []string{},
			InflightTimeoutMs:      5_000,
			DeliveryDelayMs:        0,
			ShardMaxSize:           100_000,
			CounterFlushIntervalMs: 1_000,
			ReaperIntervalMs:       2_000,
			MailboxBound:           10_000,
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Webhook: WebhookConfig{
			MaxRetries: 3,
			TimeoutMs:  5_000,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run a Qakka node with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	QAKKA_AUTH_API_KEY — sets auth.api_key and enables auth (auth.enabled = true)
//	QAKKA_DATA_DIR     — sets node.data_dir
//	QAKKA_PORT         — sets node.port
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("QAKKA_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("QAKKA_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("QAKKA_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
}

// Validate checks that the config values are consistent and within
// acceptable ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if c.Queue.RegionLocal == "" {
		return errors.New("queue.region_local must not be empty")
	}
	if !regionMember(c.Queue.RegionLocal, c.Queue.RegionLocal, c.Queue.RegionsReplicated) {
		return errors.New("queue.region_local must be a member of {region_local} ∪ regions_replicated")
	}
	if c.Queue.InflightTimeoutMs < 1 {
		return errors.New("queue.inflight_timeout_ms must be at least 1")
	}
	if c.Queue.ShardMaxSize < 1 {
		return errors.New("queue.shard_max_size must be at least 1")
	}
	if c.Queue.ReaperIntervalMs < 1 {
		return errors.New("queue.reaper_interval_ms must be at least 1")
	}
	// The reaper must tick at least twice within the smallest inflight
	// timeout, per §4.9, so no expired lease can sit past its deadline for
	// longer than one extra sweep.
	if int64(c.Queue.ReaperIntervalMs)*2 > c.Queue.InflightTimeoutMs {
		return errors.New("queue.reaper_interval_ms must be at most half queue.inflight_timeout_ms")
	}
	if c.Queue.MailboxBound < 1 {
		return errors.New("queue.mailbox_bound must be at least 1")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	return nil
}

func regionMember(region, local string, replicated []string) bool {
	if region == local {
		return true
	}
	for _, r := range replicated {
		if region == r {
			return true
		}
	}
	return false
}
