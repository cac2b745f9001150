package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// LeaseConfig carries the `lease.*` tunables (spec.md §6).
type LeaseConfig struct {
	TTLSeconds            int    `json:"ttl_seconds" yaml:"ttl_seconds" env:"LEASE_TTL_SECONDS"`
	HeartbeatEverySeconds int    `json:"heartbeat_every_seconds" yaml:"heartbeat_every_seconds" env:"LEASE_HEARTBEAT_EVERY_SECONDS"`
	Backend               string `json:"backend" yaml:"backend" env:"LEASE_BACKEND"`
}

// TTL returns TTLSeconds as a time.Duration.
func (l LeaseConfig) TTL() time.Duration { return time.Duration(l.TTLSeconds) * time.Second }

// HeartbeatEvery returns HeartbeatEverySeconds as a time.Duration.
func (l LeaseConfig) HeartbeatEvery() time.Duration {
	return time.Duration(l.HeartbeatEverySeconds) * time.Second
}

// RetryConfig carries the `retry.*` tunables.
type RetryConfig struct {
	DefaultMaxAttempts int `json:"default_max_attempts" yaml:"default_max_attempts" env:"RETRY_DEFAULT_MAX_ATTEMPTS"`
}

// IdempotencyConfig carries the `idempotency.*` tunables.
type IdempotencyConfig struct {
	RequiredOperations []string `json:"required_operations" yaml:"required_operations" env:"IDEMPOTENCY_REQUIRED_OPERATIONS"`
	HeaderName         string   `json:"header_name" yaml:"header_name" env:"IDEMPOTENCY_HEADER_NAME"`
}

// StateMachineConfig carries the `state_machine.*` tunables: the
// transition graphs are expressed as {state: [allowed next states]}
// maps so an operator can extend them without a code change.
type StateMachineConfig struct {
	OrderTransitions map[string][]string `json:"order_transitions" yaml:"order_transitions"`
	ItemTransitions  map[string][]string `json:"item_transitions" yaml:"item_transitions"`
}

// MaintenanceConfig carries the `maintenance.*` tunables.
type MaintenanceConfig struct {
	DeadLetterAfterHours     int  `json:"dead_letter_after_hours" yaml:"dead_letter_after_hours" env:"MAINTENANCE_DEAD_LETTER_AFTER_HOURS"`
	StaleOrderThresholdHours int  `json:"stale_order_threshold_hours" yaml:"stale_order_threshold_hours" env:"MAINTENANCE_STALE_ORDER_THRESHOLD_HOURS"`
	EnableAlerts             bool `json:"enable_alerts" yaml:"enable_alerts" env:"MAINTENANCE_ENABLE_ALERTS"`
	CronSpec                 string `json:"cron_spec" yaml:"cron_spec" env:"MAINTENANCE_CRON_SPEC"`
}

// MetricsConfig carries the `metrics.*` tunables.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" env:"METRICS_ENABLED"`
	Namespace string `json:"namespace" yaml:"namespace" env:"METRICS_NAMESPACE"`
}

// QueryConfig carries the `query.*` tunables.
type QueryConfig struct {
	DefaultPageSize int `json:"default_page_size" yaml:"default_page_size" env:"QUERY_DEFAULT_PAGE_SIZE"`
	MaxPageSize     int `json:"max_page_size" yaml:"max_page_size" env:"QUERY_MAX_PAGE_SIZE"`
}

// Config is the top-level configuration structure for the work-order
// control plane.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Database     DatabaseConfig     `json:"database"`
	Logging      LoggingConfig      `json:"logging"`
	Lease        LeaseConfig        `json:"lease"`
	Retry        RetryConfig        `json:"retry"`
	Idempotency  IdempotencyConfig  `json:"idempotency"`
	StateMachine StateMachineConfig `json:"state_machine"`
	Maintenance  MaintenanceConfig  `json:"maintenance"`
	Metrics      MetricsConfig      `json:"metrics"`
	Query        QueryConfig        `json:"query"`
}

// New returns a configuration populated with defaults matching the
// domain package's own DefaultXConfig constructors (spec.md §4).
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "workorderd",
		},
		Lease: LeaseConfig{
			TTLSeconds:            600,
			HeartbeatEverySeconds: 120,
			Backend:               "postgres",
		},
		Retry: RetryConfig{
			DefaultMaxAttempts: 3,
		},
		Idempotency: IdempotencyConfig{
			RequiredOperations: []string{"propose", "submit", "submit-part", "finalize", "approve", "reject"},
			HeaderName:         "Idempotency-Key",
		},
		Maintenance: MaintenanceConfig{
			DeadLetterAfterHours:     48,
			StaleOrderThresholdHours: 24,
			EnableAlerts:             false,
			CronSpec:                 "@every 5m",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "workorderd",
		},
		Query: QueryConfig{
			DefaultPageSize: 50,
			MaxPageSize:     100,
		},
	}
}

// ConnectionString builds a PostgreSQL connection string using host parameters.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from file (if present) and environment variables.
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
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
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
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

// applyDatabaseURLOverride lets DATABASE_URL override any file-based DSN,
// matching how cmd/workorderd reads its connection string in containers.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}
