// Package config loads the process configuration for bus components from
// YAML, applying defaults for everything left unset. Configuration covers
// infrastructure bindings (transport, directory store, trajectory store) and
// operational tuning; capability declarations stay in code, with the agents.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend kinds accepted by the infrastructure sections.
const (
	BackendMemory   = "memory"
	BackendRabbitMQ = "rabbitmq"
	BackendRedis    = "redis"
	BackendMySQL    = "mysql"
)

// Config is the root configuration document.
type Config struct {
	Transport   TransportConfig   `yaml:"transport"`
	Directory   DirectoryConfig   `yaml:"directory"`
	Trajectory  TrajectoryConfig  `yaml:"trajectory"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// TransportConfig selects and tunes the event transport.
type TransportConfig struct {
	// Kind is "memory" or "rabbitmq".
	Kind string `yaml:"kind"`
	// URL is the broker address for the rabbitmq kind.
	URL string `yaml:"url"`
	// Durable declares durable broker entities (rabbitmq kind).
	Durable bool `yaml:"durable"`
	// Prefetch is the default per-subscription prefetch.
	Prefetch int `yaml:"prefetch"`
	// MaxDeliveries bounds delivery attempts before dead-lettering.
	MaxDeliveries int `yaml:"max_deliveries"`
	// DeadLetterDestination receives exhausted envelopes.
	DeadLetterDestination string `yaml:"dead_letter_destination"`
	// Breaker enables the publish circuit breaker.
	Breaker bool `yaml:"breaker"`
}

// DirectoryConfig selects and tunes the agent directory.
type DirectoryConfig struct {
	// Kind is "memory" or "redis".
	Kind string `yaml:"kind"`
	// Addr is the redis address for the redis kind.
	Addr string `yaml:"addr"`
	// Password authenticates the redis connection.
	Password string `yaml:"password"`
	// DB selects the redis logical database.
	DB int `yaml:"db"`
	// HeartbeatInterval is the expected heartbeat cadence.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// MissedHeartbeats is how many intervals may pass before eviction.
	MissedHeartbeats int `yaml:"missed_heartbeats"`
}

// TrajectoryConfig selects the trajectory store.
type TrajectoryConfig struct {
	// Kind is "memory" or "mysql". Empty disables trajectory recording.
	Kind string `yaml:"kind"`
	// DSN is the mysql data source name (parseTime=true required).
	DSN string `yaml:"dsn"`
}

// CoordinatorConfig tunes aggregation behavior.
type CoordinatorConfig struct {
	ResultDestination string        `yaml:"result_destination"`
	AggregateTimeout  time.Duration `yaml:"aggregate_timeout"`
}

// RuntimeConfig tunes the agent runtime shell.
type RuntimeConfig struct {
	MaxAttempts          int           `yaml:"max_attempts"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `yaml:"retry_max_interval"`
	DrainGrace           time.Duration `yaml:"drain_grace"`
	DedupTTL             time.Duration `yaml:"dedup_ttl"`
	InlineResultLimit    int           `yaml:"inline_result_limit"`
}

// LoggingConfig tunes the structured logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
	// AddSource includes source positions in log entries.
	AddSource bool `yaml:"add_source"`
}

// TelemetryConfig tunes tracing.
type TelemetryConfig struct {
	// Enabled turns span export on.
	Enabled bool `yaml:"enabled"`
	// ServiceName identifies the process in exported spans.
	ServiceName string `yaml:"service_name"`
}

// Default returns a configuration suitable for local development: in-memory
// everything, info-level JSON logs, telemetry off.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Transport.Kind == "" {
		c.Transport.Kind = BackendMemory
	}
	if c.Transport.Prefetch <= 0 {
		c.Transport.Prefetch = 16
	}
	if c.Transport.MaxDeliveries <= 0 {
		c.Transport.MaxDeliveries = 5
	}
	if c.Transport.DeadLetterDestination == "" {
		c.Transport.DeadLetterDestination = "agentbus.deadletter"
	}

	if c.Directory.Kind == "" {
		c.Directory.Kind = BackendMemory
	}
	if c.Directory.HeartbeatInterval <= 0 {
		c.Directory.HeartbeatInterval = 30 * time.Second
	}
	if c.Directory.MissedHeartbeats <= 0 {
		c.Directory.MissedHeartbeats = 3
	}

	if c.Coordinator.ResultDestination == "" {
		c.Coordinator.ResultDestination = "agentbus.results"
	}
	if c.Coordinator.AggregateTimeout <= 0 {
		c.Coordinator.AggregateTimeout = 30 * time.Second
	}

	if c.Runtime.MaxAttempts <= 0 {
		c.Runtime.MaxAttempts = 3
	}
	if c.Runtime.RetryInitialInterval <= 0 {
		c.Runtime.RetryInitialInterval = time.Second
	}
	if c.Runtime.RetryMaxInterval <= 0 {
		c.Runtime.RetryMaxInterval = 30 * time.Second
	}
	if c.Runtime.DrainGrace <= 0 {
		c.Runtime.DrainGrace = 30 * time.Second
	}
	if c.Runtime.DedupTTL <= 0 {
		c.Runtime.DedupTTL = 10 * time.Minute
	}
	if c.Runtime.InlineResultLimit <= 0 {
		c.Runtime.InlineResultLimit = 16 * 1024
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "agentbus"
	}
}

// Validate rejects configurations that cannot be instantiated.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case BackendMemory:
	case BackendRabbitMQ:
		if c.Transport.URL == "" {
			return fmt.Errorf("transport.url required for kind %s", BackendRabbitMQ)
		}
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}

	switch c.Directory.Kind {
	case BackendMemory:
	case BackendRedis:
		if c.Directory.Addr == "" {
			return fmt.Errorf("directory.addr required for kind %s", BackendRedis)
		}
	default:
		return fmt.Errorf("unknown directory kind %q", c.Directory.Kind)
	}

	switch c.Trajectory.Kind {
	case "", BackendMemory:
	case BackendMySQL:
		if c.Trajectory.DSN == "" {
			return fmt.Errorf("trajectory.dsn required for kind %s", BackendMySQL)
		}
	default:
		return fmt.Errorf("unknown trajectory kind %q", c.Trajectory.Kind)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown logging format %q", c.Logging.Format)
	}
	return nil
}
