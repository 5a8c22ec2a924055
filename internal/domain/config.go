package domain

import "time"

// Config holds the complete receipt-check configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" mapstructure:"repository"`
	Cache      CacheConfig      `json:"cache" mapstructure:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" mapstructure:"eventbus"`

	// Checking behaviour
	Check CheckConfig `json:"check" mapstructure:"check"`

	// Observability
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	ReadTimeout  int    `json:"readTimeout" mapstructure:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" mapstructure:"write_timeout"` // seconds

	// AllowedOrigins lists the browser origins allowed by CORS. Empty allows any.
	AllowedOrigins []string `json:"allowedOrigins" mapstructure:"allowed_origins"`
}

// CheckConfig holds settings for checking sessions.
type CheckConfig struct {
	// DwellMillis is the minimum time a claim stays in the checking state.
	DwellMillis int `json:"dwellMillis" mapstructure:"dwell_millis"`

	// Timezone defines the calendar month boundaries, e.g. "Asia/Tokyo".
	Timezone string `json:"timezone" mapstructure:"timezone"`

	// ConsultationPrefixes are the visit-only code prefixes used by no_procedure.
	ConsultationPrefixes []string `json:"consultationPrefixes" mapstructure:"consultation_prefixes"`

	// RuleSnapshotTTL bounds how long a cached rule snapshot is reused.
	RuleSnapshotTTL time.Duration `json:"ruleSnapshotTtl" mapstructure:"rule_snapshot_ttl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"serviceName" mapstructure:"service_name"`
}

// DefaultConfig returns a single-node configuration: SQLite, in-memory
// cache and channel event bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./receiptcheck.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 1000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Check: CheckConfig{
			DwellMillis:          300,
			Timezone:             "Asia/Tokyo",
			ConsultationPrefixes: []string{"A0"},
			RuleSnapshotTTL:      10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "receiptcheck",
		},
	}
}
