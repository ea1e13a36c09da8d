package domain

import "time"

// Config holds the complete Merlin configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Detector settings (rules, thresholds, parallelism, caching)
	Detector DetectorConfig `json:"detector"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// DetectorConfig configures the scoring orchestrator.
type DetectorConfig struct {
	// EnabledRules names the builtin rules to activate. Empty = all.
	EnabledRules []string `json:"enabledRules"`

	// Thresholds overrides per-rule trigger points by name.
	Thresholds map[string]float64 `json:"thresholds,omitempty"`

	// GlobalThreshold is the combined-score cutoff for the fraud flag.
	GlobalThreshold float64 `json:"globalThreshold"`

	// CustomRules are CEL-expression rules added to the builtin set.
	CustomRules []Rule `json:"customRules,omitempty"`

	// MaxWorkers caps concurrent analyzer execution per transaction.
	MaxWorkers int `json:"maxWorkers"`

	// SoftDeadline bounds one transaction's analysis. Analyzers still
	// running at the deadline are treated as failed, not retried.
	SoftDeadline time.Duration `json:"softDeadline"`

	// Result cache (single-flight, TTL + LRU bounded).
	CacheEnabled bool          `json:"cacheEnabled"`
	CacheTTL     time.Duration `json:"cacheTTL"`
	CacheMaxSize int           `json:"cacheMaxSize"`

	// EventsEnabled controls emission to the event bus.
	EventsEnabled bool `json:"eventsEnabled"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
	Endpoint    string `json:"endpoint"`
}

// DefaultConfig returns the single-node default: SQLite persistence,
// in-process cache and event bus, all builtin rules enabled.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Detector: DetectorConfig{
			EnabledRules:    BuiltinRuleNames(),
			GlobalThreshold: 0.7,
			MaxWorkers:      8,
			SoftDeadline:    500 * time.Millisecond,
			CacheEnabled:    true,
			CacheTTL:        5 * time.Minute,
			CacheMaxSize:    10000,
			EventsEnabled:   true,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./merlin.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "merlin",
		},
	}
}

// ProConfig returns a configuration for distributed deployments:
// PostgreSQL persistence, Redis-backed cache, NATS event bus.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "merlin",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
