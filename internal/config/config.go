package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Scylla    ScyllaConfig    `mapstructure:"scylla"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port          int           `mapstructure:"port"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	BodyLimit     int           `mapstructure:"body_limit"`
	InProcessRuns bool          `mapstructure:"in_process_runs"`
}

// LedgerConfig selects the storage backing campaigns and the dispatch log.
type LedgerConfig struct {
	Driver string `mapstructure:"driver"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	HealthQuery     string        `mapstructure:"health_query"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type ScyllaConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Hosts             []string      `mapstructure:"hosts"`
	Port              int           `mapstructure:"port"`
	Keyspace          string        `mapstructure:"keyspace"`
	Consistency       string        `mapstructure:"consistency"`
	Timeout           time.Duration `mapstructure:"timeout"`
	DisableInitSchema bool          `mapstructure:"disable_init_schema"`
	EventTTL          time.Duration `mapstructure:"event_ttl"`
}

type KafkaConfig struct {
	Enabled                bool          `mapstructure:"enabled"`
	Brokers                []string      `mapstructure:"brokers"`
	ClientID               string        `mapstructure:"client_id"`
	RunTopic               string        `mapstructure:"run_topic"`
	ProgressTopic          string        `mapstructure:"progress_topic"`
	RunConsumerGroupID     string        `mapstructure:"run_consumer_group_id"`
	JournalConsumerGroupID string        `mapstructure:"journal_consumer_group_id"`
	CommitInterval         time.Duration `mapstructure:"commit_interval"`
	Partitions             int           `mapstructure:"partitions"`
	ReplicationFactor      int           `mapstructure:"replication_factor"`
}

type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// GatewayConfig points at the messaging gateway REST API.
type GatewayConfig struct {
	Provider       string        `mapstructure:"provider"`
	BaseURL        string        `mapstructure:"base_url"`
	Session        string        `mapstructure:"session"`
	SecretKey      string        `mapstructure:"secret_key"`
	TokenTimeout   time.Duration `mapstructure:"token_timeout"`
	TextTimeout    time.Duration `mapstructure:"text_timeout"`
	ImageTimeout   time.Duration `mapstructure:"image_timeout"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	BodyLimit      int64         `mapstructure:"body_limit"`
}

// DispatchConfig tunes a single campaign run.
type DispatchConfig struct {
	MessageDelay time.Duration `mapstructure:"message_delay"`
	ImageDir     string        `mapstructure:"image_dir"`
	ListDir      string        `mapstructure:"list_dir"`
	Placeholder  string        `mapstructure:"placeholder"`
	FallbackName string        `mapstructure:"fallback_name"`
}

type RunnerConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	EventBuffer   int           `mapstructure:"event_buffer"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	LockKeyPrefix string        `mapstructure:"lock_key_prefix"`
}

type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "campaign-dispatcher")
	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.body_limit", 16*1024*1024)
	v.SetDefault("ledger.driver", "postgres")
	v.SetDefault("postgres.health_query", "SELECT 1")
	v.SetDefault("kafka.run_topic", "campaign.run")
	v.SetDefault("kafka.progress_topic", "campaign.progress")
	v.SetDefault("kafka.run_consumer_group_id", "campaign-dispatcher")
	v.SetDefault("kafka.journal_consumer_group_id", "campaign-journal")
	v.SetDefault("kafka.partitions", 12)
	v.SetDefault("kafka.replication_factor", 1)
	v.SetDefault("gateway.provider", "wppconnect")
	v.SetDefault("gateway.base_url", "http://localhost:21465")
	v.SetDefault("gateway.session", "Principal")
	v.SetDefault("gateway.token_timeout", 10*time.Second)
	v.SetDefault("gateway.text_timeout", 30*time.Second)
	v.SetDefault("gateway.image_timeout", 60*time.Second)
	v.SetDefault("gateway.session_timeout", 20*time.Second)
	v.SetDefault("gateway.body_limit", 1<<20)
	v.SetDefault("dispatch.message_delay", 5*time.Second)
	v.SetDefault("dispatch.image_dir", "uploads/images")
	v.SetDefault("dispatch.list_dir", "uploads/lists")
	v.SetDefault("dispatch.placeholder", "{{nome}}")
	v.SetDefault("dispatch.fallback_name", "cliente")
	v.SetDefault("runner.max_concurrent", 1)
	v.SetDefault("runner.event_buffer", 64)
	v.SetDefault("runner.lock_ttl", time.Minute)
	v.SetDefault("runner.lock_key_prefix", "dispatch:campaign")
	v.SetDefault("scheduler.tick_interval", time.Minute)
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.shutdown_timeout", 5*time.Second)
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Ledger.Driver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("ledger.driver must be postgres or memory, got %q", c.Ledger.Driver))
	}
	if c.Dispatch.MessageDelay < 0 {
		errs = append(errs, errors.New("dispatch.message_delay must not be negative"))
	}
	if c.Dispatch.Placeholder == "" {
		errs = append(errs, errors.New("dispatch.placeholder is required"))
	}
	if c.Gateway.Provider != "mock" {
		if c.Gateway.BaseURL == "" {
			errs = append(errs, errors.New("gateway.base_url is required"))
		}
		if c.Gateway.Session == "" {
			errs = append(errs, errors.New("gateway.session is required"))
		}
	}
	if c.Runner.MaxConcurrent < 1 {
		errs = append(errs, errors.New("runner.max_concurrent must be >= 1"))
	}
	if c.Runner.LockTTL <= 0 {
		errs = append(errs, errors.New("runner.lock_ttl must be positive"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}
	if c.Scheduler.Enabled && c.Scheduler.TickInterval <= 0 {
		errs = append(errs, errors.New("scheduler.tick_interval must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
