// Package config provides configuration types and loading for memmesh.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/KafClaw/memmesh/internal/projection"
	"github.com/KafClaw/memmesh/internal/provenance"
	"github.com/KafClaw/memmesh/internal/store"
	"github.com/KafClaw/memmesh/internal/trust"
)

// Config is the root configuration struct.
type Config struct {
	Paths        PathsConfig                 `json:"paths"`
	MultiAgent   MultiAgentConfig            `json:"multi_agent"`
	Sync         SyncConfig                  `json:"sync"`
	Subscription projection.Config           `json:"subscription"`
	Trust        trust.Config                `json:"trust"`
	Correction   provenance.CorrectionConfig `json:"correction"`
	Retention    store.RetentionConfig       `json:"retention"`
	Kafka        KafkaConfig                 `json:"kafka"`
	Metrics      MetricsConfig               `json:"metrics"`
	Log          LogConfig                   `json:"log"`
}

// PathsConfig groups filesystem locations.
type PathsConfig struct {
	// DB is the SQLite database file. Relative paths resolve against the
	// config directory.
	DB string `json:"db" envconfig:"DB"`
}

// MultiAgentConfig switches the engine between a single default agent and
// full multi-agent operation.
type MultiAgentConfig struct {
	Enabled      bool   `json:"enabled" envconfig:"ENABLED"`
	DefaultAgent string `json:"default_agent" envconfig:"DEFAULT_AGENT"`
	// AuditReads also audits successful cross-agent reads.
	AuditReads bool `json:"audit_reads" envconfig:"AUDIT_READS"`
	// IdleAfter is how long an agent may go without activity before the
	// pruner marks it idle. 0 never marks agents idle.
	IdleAfter time.Duration `json:"idle_after" envconfig:"IDLE_AFTER"`
}

// SyncConfig bounds explicit agent synchronisation.
type SyncConfig struct {
	Timeout   time.Duration `json:"timeout" envconfig:"TIMEOUT"`
	BatchSize int           `json:"batch_size" envconfig:"BATCH_SIZE"`
	// BufferLimit caps deltas held back waiting for causal predecessors.
	BufferLimit int `json:"buffer_limit" envconfig:"BUFFER_LIMIT"`
	// PollInterval is how often serve checks agent inboxes.
	PollInterval time.Duration `json:"poll_interval" envconfig:"POLL_INTERVAL"`
}

// KafkaConfig configures the optional Kafka transport. When disabled,
// deltas travel through the local inbox table only.
type KafkaConfig struct {
	Enabled       bool     `json:"enabled" envconfig:"ENABLED"`
	Brokers       []string `json:"brokers" envconfig:"BROKERS"`
	ConsumerGroup string   `json:"consumer_group" envconfig:"CONSUMER_GROUP"`
	Cluster       string   `json:"cluster" envconfig:"CLUSTER"`
}

// MetricsConfig configures the Prometheus endpoint served by "serve".
type MetricsConfig struct {
	Addr string `json:"addr" envconfig:"ADDR"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Level string `json:"level" envconfig:"LEVEL"`
	JSON  bool   `json:"json" envconfig:"JSON"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{DB: "memmesh.db"},
		MultiAgent: MultiAgentConfig{
			Enabled:      false,
			DefaultAgent: "default",
			IdleAfter:    24 * time.Hour,
		},
		Sync: SyncConfig{
			Timeout:      30 * time.Second,
			BatchSize:    500,
			BufferLimit:  10000,
			PollInterval: time.Second,
		},
		Subscription: projection.DefaultConfig(),
		Trust:        trust.DefaultConfig(),
		Correction:   provenance.DefaultCorrectionConfig(),
		Retention:    store.DefaultRetention(),
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "memmesh",
			Cluster:       "default",
		},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9464"},
		Log:     LogConfig{Level: "info"},
	}
}

// DBPath resolves Paths.DB against the config directory.
func (c *Config) DBPath() (string, error) {
	p := strings.TrimSpace(c.Paths.DB)
	if p == "" {
		p = DefaultConfig().Paths.DB
	}
	if strings.HasPrefix(p, "~") {
		home, err := resolveHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, p[1:]), nil
	}
	if filepath.IsAbs(p) || p == ":memory:" {
		return p, nil
	}
	cfgPath, err := ConfigPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(cfgPath), p), nil
}
