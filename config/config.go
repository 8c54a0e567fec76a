// Package config loads runtime configuration for the noetl server, broker
// and worker processes from a YAML file and NOETL_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend type names accepted by the store sections.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendRedis    = "redis"
	BackendPulse    = "pulse"
)

type (
	// Config is the root configuration of a noetl process. Every section has
	// working defaults; a zero-file local profile runs entirely in memory.
	Config struct {
		Server   ServerConfig   `mapstructure:"server"`
		Broker   BrokerConfig   `mapstructure:"broker"`
		Worker   WorkerConfig   `mapstructure:"worker"`
		EventLog EventLogConfig `mapstructure:"eventlog"`
		Catalog  CatalogConfig  `mapstructure:"catalog"`
		Queue    QueueConfig    `mapstructure:"queue"`
		Registry RegistryConfig `mapstructure:"registry"`
		Notify   NotifyConfig   `mapstructure:"notify"`
		Redis    RedisConfig    `mapstructure:"redis"`
		Log      LogConfig      `mapstructure:"log"`
	}

	// ServerConfig configures the control API listener.
	ServerConfig struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
		// URL is the control API base URL remote workers and the CLI talk to.
		URL string `mapstructure:"url"`
	}

	// BrokerConfig configures the scheduling loop.
	BrokerConfig struct {
		ID                 string        `mapstructure:"id"`
		DiscoveryInterval  time.Duration `mapstructure:"discovery_interval"`
		MaxConcurrentTicks int           `mapstructure:"max_concurrent_ticks"`
		LeaseTTL           time.Duration `mapstructure:"lease_ttl"`
		QueueHighWater     int           `mapstructure:"queue_high_water"`
	}

	// WorkerConfig configures a worker process.
	WorkerConfig struct {
		Name              string        `mapstructure:"name"`
		Capabilities      []string      `mapstructure:"capabilities"`
		MaxConcurrency    int           `mapstructure:"max_concurrency"`
		LeaseDuration     time.Duration `mapstructure:"lease_duration"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		PollInterval      time.Duration `mapstructure:"poll_interval"`
		ProgressInterval  time.Duration `mapstructure:"progress_interval"`
	}

	// EventLogConfig selects the event log backend.
	EventLogConfig struct {
		// Type is memory or postgres.
		Type string `mapstructure:"type"`
		// DSN is the Postgres connection string, required for postgres.
		DSN string `mapstructure:"dsn"`
	}

	// CatalogConfig selects the playbook and credential store.
	CatalogConfig struct {
		// Type is memory or mongo.
		Type string `mapstructure:"type"`
		// URI is the MongoDB connection string, required for mongo.
		URI string `mapstructure:"uri"`
		// Database is the MongoDB database name.
		Database string `mapstructure:"database"`
	}

	// QueueConfig selects the job transport.
	QueueConfig struct {
		// Type is memory or pulse (Redis streams).
		Type string `mapstructure:"type"`
	}

	// RegistryConfig selects the worker membership store.
	RegistryConfig struct {
		// Type is memory or redis.
		Type string `mapstructure:"type"`
		// StaleThreshold is how long a missing heartbeat keeps a worker READY.
		StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	}

	// NotifyConfig selects the broker wake channel.
	NotifyConfig struct {
		// Type is memory or redis.
		Type string `mapstructure:"type"`
	}

	// RedisConfig is shared by the pulse queue, redis registry, notifier and
	// advisory broker leases.
	RedisConfig struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	}

	// LogConfig configures structured logging.
	LogConfig struct {
		// Level is debug, info, warn or error.
		Level string `mapstructure:"level"`
		// Format is text or json.
		Format string `mapstructure:"format"`
	}
)

// Load reads configuration from the optional YAML file at path, applies
// defaults and NOETL_* environment overrides, and validates the result.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("NOETL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8082)
	v.SetDefault("server.url", "http://localhost:8082")
	v.SetDefault("broker.discovery_interval", "3s")
	v.SetDefault("broker.max_concurrent_ticks", 8)
	v.SetDefault("broker.lease_ttl", "30s")
	v.SetDefault("broker.queue_high_water", 1024)
	v.SetDefault("worker.max_concurrency", 4)
	v.SetDefault("worker.lease_duration", "60s")
	v.SetDefault("worker.heartbeat_interval", "10s")
	v.SetDefault("worker.poll_interval", "500ms")
	v.SetDefault("worker.progress_interval", "5s")
	v.SetDefault("eventlog.type", BackendMemory)
	v.SetDefault("catalog.type", BackendMemory)
	v.SetDefault("catalog.database", "noetl")
	v.SetDefault("queue.type", BackendMemory)
	v.SetDefault("registry.type", BackendMemory)
	v.SetDefault("registry.stale_threshold", "30s")
	v.SetDefault("notify.type", BackendMemory)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Validate checks backend selections and their required settings.
func (c *Config) Validate() error {
	switch c.EventLog.Type {
	case BackendMemory:
	case BackendPostgres:
		if c.EventLog.DSN == "" {
			return fmt.Errorf("config: eventlog.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown eventlog.type %q", c.EventLog.Type)
	}

	switch c.Catalog.Type {
	case BackendMemory:
	case BackendMongo:
		if c.Catalog.URI == "" {
			return fmt.Errorf("config: catalog.uri is required for the mongo backend")
		}
	default:
		return fmt.Errorf("config: unknown catalog.type %q", c.Catalog.Type)
	}

	switch c.Queue.Type {
	case BackendMemory:
	case BackendPulse:
		if c.Redis.Addr == "" {
			return fmt.Errorf("config: redis.addr is required for the pulse queue")
		}
	default:
		return fmt.Errorf("config: unknown queue.type %q", c.Queue.Type)
	}

	switch c.Registry.Type {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("config: redis.addr is required for the redis registry")
		}
	default:
		return fmt.Errorf("config: unknown registry.type %q", c.Registry.Type)
	}

	switch c.Notify.Type {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("config: redis.addr is required for the redis notifier")
		}
	default:
		return fmt.Errorf("config: unknown notify.type %q", c.Notify.Type)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	return nil
}

// ListenAddr returns the host:port the control API binds.
func (c *ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
