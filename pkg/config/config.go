// Package config loads process configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DroneConfig controls access to the upstream Drone CI server.
type DroneConfig struct {
	ServerURL string `json:"server_url" yaml:"server_url" env:"DRONE_SERVER_URL"`
	Token     string `json:"token" yaml:"token" env:"DRONE_TOKEN"`
	Owner     string `json:"owner" yaml:"owner" env:"DRONE_OWNER"`
	Repo      string `json:"repo" yaml:"repo" env:"DRONE_REPO"`
	MaxPages  int    `json:"max_pages" yaml:"max_pages" env:"DRONE_MAX_PAGES"`
	MaxBuilds int    `json:"max_builds" yaml:"max_builds" env:"DRONE_MAX_BUILDS"`
}

// BrokerConfig controls the ZeroMQ job queue broker (C3/C4).
type BrokerConfig struct {
	RepAddress     string `json:"rep_address" yaml:"rep_address" env:"BROKER_REP_ADDRESS"`
	PullAddress    string `json:"pull_address" yaml:"pull_address" env:"BROKER_PULL_ADDRESS"`
	PushAddress    string `json:"push_address" yaml:"push_address" env:"BROKER_PUSH_ADDRESS"`
	MonitorAddress string `json:"monitor_address" yaml:"monitor_address" env:"BROKER_MONITOR_ADDRESS"`
	ControlAddress string `json:"control_address" yaml:"control_address" env:"BROKER_CONTROL_ADDRESS"`
	HighWaterMark  int    `json:"high_water_mark" yaml:"high_water_mark" env:"BROKER_HIGH_WATER_MARK"`
	PollTimeoutMS  int    `json:"poll_timeout_ms" yaml:"poll_timeout_ms" env:"BROKER_POLL_TIMEOUT_MS"`
	PostmortemSec  int    `json:"postmortem_sleep_seconds" yaml:"postmortem_sleep_seconds" env:"BROKER_POSTMORTEM_SLEEP_SECONDS"`
}

// WorkerConfig controls the puller worker pool (C4).
type WorkerConfig struct {
	MaxWorkers    int `json:"max_workers" yaml:"max_workers" env:"WORKER_MAX_WORKERS"`
	PostmortemSec int `json:"postmortem_sleep_seconds" yaml:"postmortem_sleep_seconds" env:"WORKER_POSTMORTEM_SLEEP_SECONDS"`
}

// DatabaseConfig controls the PostgreSQL connection (C1/C7).
type DatabaseConfig struct {
	DSN          string `json:"dsn" yaml:"dsn" env:"DATABASE_DSN"`
	Host         string `json:"host" yaml:"host" env:"DATABASE_HOST"`
	Port         int    `json:"port" yaml:"port" env:"DATABASE_PORT"`
	User         string `json:"user" yaml:"user" env:"DATABASE_USER"`
	Password     string `json:"password" yaml:"password" env:"DATABASE_PASSWORD"`
	Name         string `json:"name" yaml:"name" env:"DATABASE_NAME"`
	SSLMode      string `json:"sslmode" yaml:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
}

// SearchIndexConfig holds settings for an external search index. The
// in-process searchindex.MemoryIndex that cmd/butler builds does not read
// them.
type SearchIndexConfig struct {
	Host      string `json:"host" yaml:"host" env:"SEARCH_INDEX_HOST"`
	Port      int    `json:"port" yaml:"port" env:"SEARCH_INDEX_PORT"`
	IndexName string `json:"index_name" yaml:"index_name" env:"SEARCH_INDEX_NAME"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size" env:"SEARCH_INDEX_POOL_SIZE"`
}

// RedisConfig configures the optional Redis L1 layer in front of the HTTP
// interaction cache; it is not part of the core pipeline's durable state.
type RedisConfig struct {
	Host string `json:"host" yaml:"host" env:"REDIS_HOST"`
	Port int    `json:"port" yaml:"port" env:"REDIS_PORT"`
	DB   int    `json:"db" yaml:"db" env:"REDIS_DB"`
}

// NotifyConfig controls the notifier sink (C9).
type NotifyConfig struct {
	SlackWebhookURL string `json:"slack_webhook_url" yaml:"slack_webhook_url" env:"NOTIFY_SLACK_WEBHOOK_URL"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// MetricsConfig controls the Prometheus /metrics HTTP listener.
type MetricsConfig struct {
	Port int `json:"port" yaml:"port" env:"METRICS_PORT"`
}

// Config is the top-level configuration structure for the butler process.
type Config struct {
	Drone       DroneConfig       `json:"drone" yaml:"drone"`
	Broker      BrokerConfig      `json:"broker" yaml:"broker"`
	Worker      WorkerConfig      `json:"worker" yaml:"worker"`
	Database    DatabaseConfig    `json:"database" yaml:"database"`
	SearchIndex SearchIndexConfig `json:"search_index" yaml:"search_index"`
	Redis       RedisConfig       `json:"redis" yaml:"redis"`
	Notify      NotifyConfig      `json:"notify" yaml:"notify"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Drone: DroneConfig{
			MaxPages:  10,
			MaxBuilds: 100,
		},
		Broker: BrokerConfig{
			RepAddress:    "tcp://127.0.0.1:5555",
			PullAddress:   "tcp://127.0.0.1:5556",
			PushAddress:   "tcp://127.0.0.1:5557",
			HighWaterMark: 1,
			PollTimeoutMS: 100,
			PostmortemSec: 10,
		},
		Worker: WorkerConfig{
			MaxWorkers:    4,
			PostmortemSec: 10,
		},
		Database: DatabaseConfig{
			SSLMode:      "disable",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		SearchIndex: SearchIndexConfig{
			PoolSize: 4,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "drone-analyzer",
		},
		Metrics: MetricsConfig{
			Port: 9090,
		},
	}
}

// ConnectionString builds a PostgreSQL connection string from host parameters.
// Only used when DSN is not set directly.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// EffectiveDSN returns the effective PostgreSQL connection string, preferring
// an explicit DSN over host-parameter construction.
func (c DatabaseConfig) EffectiveDSN() string {
	if strings.TrimSpace(c.DSN) != "" {
		return c.DSN
	}
	return c.ConnectionString()
}

// Load loads configuration from file (if present) and environment variables.
// Environment variables always win over file-provided values.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged field is set in the environment;
		// treat that as "no overrides" so a file-only config still works.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile reads configuration from a YAML file only, without env overrides
// or validation. Used by tests.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyDatabaseURLOverride mirrors the common convention of letting a single
// DATABASE_URL environment variable override any file-provided DSN.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

// Validate checks that the fields required for the pipeline to start are
// present. It does not validate ancillary fields (Redis, search index).
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Drone.ServerURL) == "" {
		return &MissingFieldError{Field: "drone.server_url"}
	}
	if strings.TrimSpace(c.Drone.Token) == "" {
		return &MissingFieldError{Field: "drone.token"}
	}
	if strings.TrimSpace(c.Database.DSN) == "" && strings.TrimSpace(c.Database.Host) == "" {
		return &MissingFieldError{Field: "database.dsn"}
	}
	return nil
}

// MissingFieldError is returned by Validate when a required field is unset.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("config: required field %q is not set", e.Field)
}
