package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the audit engine.
// Configuration can come from a YAML file (config.yaml) or environment
// variables; environment variables override YAML values. Secrets must only
// come from environment variables.
type Config struct {
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8440"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Audit    AuditConfig    `yaml:"audit"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"postgres"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"audit_engine"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MaxConnections int32  `yaml:"max_connections" env:"PG_MAX_CONNECTIONS" env-default:"25"`

	// MigrationsPath is where golang-migrate finds the SQL migrations.
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`
}

// URL builds the connection string for pgx and database/sql.
func (c *DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig holds the optional Redis configuration used for cross-instance
// alert publication. An empty host disables Redis.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// AuditConfig tunes engine behavior.
type AuditConfig struct {
	// RuleSetPath points at a YAML compliance rule set. Empty means the
	// built-in default set.
	RuleSetPath string `yaml:"rule_set_path" env:"AUDIT_RULE_SET_PATH" env-default:""`

	// LineageDepth bounds lineage graph expansion.
	LineageDepth int `yaml:"lineage_depth" env:"AUDIT_LINEAGE_DEPTH" env-default:"2"`

	// VerifyChunkSize is how many records the verifier streams per batch.
	VerifyChunkSize int `yaml:"verify_chunk_size" env:"AUDIT_VERIFY_CHUNK_SIZE" env-default:"500"`

	// AppendRetries bounds sequence-conflict retries on ingest.
	AppendRetries int `yaml:"append_retries" env:"AUDIT_APPEND_RETRIES" env-default:"3"`

	// SubscriberBuffer is the per-subscription channel depth. Delivery is
	// at-most-once: a full buffer drops the event.
	SubscriberBuffer int `yaml:"subscriber_buffer" env:"AUDIT_SUBSCRIBER_BUFFER" env-default:"16"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"AUDIT_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

// Load reads configuration from config.yaml (if present) and the environment.
func Load(version string) (*Config, error) {
	var cfg Config

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	} else {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment config: %w", err)
		}
	}

	cfg.Version = version

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Audit.LineageDepth < 1 {
		return fmt.Errorf("audit.lineage_depth must be at least 1, got %d", c.Audit.LineageDepth)
	}
	if c.Audit.VerifyChunkSize < 1 {
		return fmt.Errorf("audit.verify_chunk_size must be at least 1, got %d", c.Audit.VerifyChunkSize)
	}
	if c.Audit.AppendRetries < 1 {
		return fmt.Errorf("audit.append_retries must be at least 1, got %d", c.Audit.AppendRetries)
	}
	return nil
}
