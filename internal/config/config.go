// Package config loads and validates the audit service configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the APEX_ prefix (e.g., APEX_DATABASE_HOST
// overrides database.host in the YAML). Per-model audit policies live under
// audit.models.<model_type> and are normally only set in the YAML file; they can be
// reloaded at runtime with LoadAndWatch.
//
// The APEX_AUDIT_SIGNATURE_KEY variable is expanded after unmarshalling so the
// signing key can be injected by infrastructure tooling as ${SOME_SECRET}.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Rollback  RollbackConfig  `mapstructure:"rollback"`
	Retention RetentionConfig `mapstructure:"retention"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	// Driver is "postgres" (production) or "sqlite" (local development)
	Driver             string `mapstructure:"driver"`
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	Path               string `mapstructure:"path"` // sqlite file path
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds the connection used by the redis queue driver
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// AuditConfig holds the audit recorder configuration
type AuditConfig struct {
	// Enabled globally toggles audit and history recording
	Enabled bool `mapstructure:"enabled"`
	// GlobalExclude lists fields never audited for any model
	GlobalExclude []string `mapstructure:"global_exclude"`
	// SensitiveKeys lists request parameter names redacted from record metadata
	SensitiveKeys []string                     `mapstructure:"sensitive_keys"`
	Signature     SignatureConfig              `mapstructure:"signature"`
	Queue         QueueConfig                  `mapstructure:"queue"`
	Shippers      []AuditShipperConfig         `mapstructure:"shippers"`
	Models        map[string]ModelPolicyConfig `mapstructure:"models"`
}

// SignatureConfig holds record signing configuration
type SignatureConfig struct {
	// Key is the raw HMAC key. Empty means plain SHA-512 digests.
	Key string `mapstructure:"key"`
	// Passphrase and Salt derive the key with PBKDF2 when Key is empty
	Passphrase string `mapstructure:"passphrase"`
	Salt       string `mapstructure:"salt"`
	Iterations int    `mapstructure:"iterations"`
	MaxLength  int    `mapstructure:"max_length"`
}

// QueueConfig holds the asynchronous write-back queue configuration
type QueueConfig struct {
	// Driver is "memory" (in-process workers) or "redis"
	Driver      string          `mapstructure:"driver"`
	Workers     int             `mapstructure:"workers"`
	BufferSize  int             `mapstructure:"buffer_size"`
	JobTimeout  time.Duration   `mapstructure:"job_timeout"`
	RetryDelays []time.Duration `mapstructure:"retry_delays"`
}

// AuditShipperConfig holds configuration for a single shipper of persisted records
type AuditShipperConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Type    string              `mapstructure:"type"` // file, webhook, kafka
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	File    *AuditFileConfig    `mapstructure:"file"`
	Kafka   *AuditKafkaConfig   `mapstructure:"kafka"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL         string            `mapstructure:"url"`
	Headers     map[string]string `mapstructure:"headers"`
	TimeoutSecs int               `mapstructure:"timeout_secs"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// AuditKafkaConfig holds Kafka shipper configuration
type AuditKafkaConfig struct {
	BootstrapServers string `mapstructure:"bootstrap_servers"`
	Topic            string `mapstructure:"topic"`
}

// ModelPolicyConfig is the per-model audit policy as written in configuration
type ModelPolicyConfig struct {
	Table               string                     `mapstructure:"table"`
	PrimaryKey          string                     `mapstructure:"primary_key"`
	Label               string                     `mapstructure:"label"`
	AuditEvents         []string                   `mapstructure:"audit_events"`
	AuditInclude        []string                   `mapstructure:"audit_include"`
	AuditExclude        []string                   `mapstructure:"audit_exclude"`
	HistoryExclude      []string                   `mapstructure:"history_exclude"`
	RollbackableActions []string                   `mapstructure:"rollbackable_actions"`
	AuditRules          map[string]FieldRuleConfig `mapstructure:"audit_rules"`
}

// FieldRuleConfig holds per-field change rules
type FieldRuleConfig struct {
	MinimumChange    *float64 `mapstructure:"minimum_change"`
	TrackChangesOnly bool     `mapstructure:"track_changes_only"`
	Validator        string   `mapstructure:"validator"`
}

// RollbackConfig holds rollback engine configuration
type RollbackConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// RetentionConfig holds retention windows in days; zero disables a window
type RetentionConfig struct {
	AuditDays   int `mapstructure:"audit_days"`
	HistoryDays int `mapstructure:"history_days"`
}

// ArchiveConfig holds the archive-before-purge sink configuration
type ArchiveConfig struct {
	Enabled bool               `mapstructure:"enabled"`
	Backend string             `mapstructure:"backend"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalArchiveConfig `mapstructure:"local"`
	S3      S3ArchiveConfig    `mapstructure:"s3"`
	GCS     GCSArchiveConfig   `mapstructure:"gcs"`
	Azure   AzureArchiveConfig `mapstructure:"azure"`
}

// LocalArchiveConfig holds local filesystem archive configuration
type LocalArchiveConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// S3ArchiveConfig holds S3-compatible archive configuration
type S3ArchiveConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO etc.)
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`

	// Authentication method: "default", "static" or "assume_role"
	AuthMethod      string `mapstructure:"auth_method"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	RoleARN         string `mapstructure:"role_arn"`
	ExternalID      string `mapstructure:"external_id"`
}

// GCSArchiveConfig holds Google Cloud Storage archive configuration
type GCSArchiveConfig struct {
	Bucket          string `mapstructure:"bucket"`
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`
	Endpoint        string `mapstructure:"endpoint"`
}

// AzureArchiveConfig holds Azure Blob Storage archive configuration
type AzureArchiveConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
}

// JobsConfig holds the worker's periodic job settings
type JobsConfig struct {
	VerifyIntervalHours  int `mapstructure:"verify_interval_hours"`
	VerifyBatchSize      int `mapstructure:"verify_batch_size"`
	CleanupIntervalHours int `mapstructure:"cleanup_interval_hours"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() alone does not reach nested keys during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Database
		"database.driver",
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.path",
		"database.max_connections",
		"database.min_idle_connections",

		// Redis
		"redis.addr",
		"redis.password",
		"redis.db",
		"redis.key_prefix",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		// Audit
		"audit.enabled",
		"audit.global_exclude",
		"audit.sensitive_keys",
		"audit.signature.key",
		"audit.signature.passphrase",
		"audit.signature.salt",
		"audit.signature.iterations",
		"audit.signature.max_length",
		"audit.queue.driver",
		"audit.queue.workers",
		"audit.queue.buffer_size",
		"audit.queue.job_timeout",
		"audit.queue.retry_delays",

		// Rollback / retention
		"rollback.enabled",
		"retention.audit_days",
		"retention.history_days",

		// Archive
		"archive.enabled",
		"archive.backend",
		"archive.prefix",
		"archive.local.base_path",
		"archive.s3.endpoint",
		"archive.s3.region",
		"archive.s3.bucket",
		"archive.s3.auth_method",
		"archive.s3.access_key_id",
		"archive.s3.secret_access_key",
		"archive.s3.role_arn",
		"archive.s3.external_id",
		"archive.gcs.bucket",
		"archive.gcs.credentials_file",
		"archive.gcs.credentials_json",
		"archive.gcs.endpoint",
		"archive.azure.account_name",
		"archive.azure.account_key",
		"archive.azure.container_name",

		// Jobs
		"jobs.verify_interval_hours",
		"jobs.verify_batch_size",
		"jobs.cleanup_interval_hours",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	cfg, _, err := load(configPath)
	return cfg, err
}

// LoadAndWatch loads the configuration and re-reads it whenever the config file changes.
// onChange receives the new configuration only when it validates; an invalid edit is
// logged and the previous configuration stays in effect.
func LoadAndWatch(configPath string, onChange func(*Config)) (*Config, error) {
	cfg, v, err := load(configPath)
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() == "" {
		return cfg, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(v)
		if err != nil {
			slog.Warn("config reload rejected", "file", e.Name, "error", err)
			return
		}
		slog.Info("config reloaded", "file", e.Name)
		onChange(next)
	})
	v.WatchConfig()

	return cfg, nil
}

func load(configPath string) (*Config, *viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/apex-audit")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("APEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, nil, err
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Audit.Signature.Key = expandEnv(cfg.Audit.Signature.Key)
	cfg.Audit.Signature.Passphrase = expandEnv(cfg.Audit.Signature.Passphrase)
	cfg.Archive.S3.AccessKeyID = expandEnv(cfg.Archive.S3.AccessKeyID)
	cfg.Archive.S3.SecretAccessKey = expandEnv(cfg.Archive.S3.SecretAccessKey)
	cfg.Archive.Azure.AccountKey = expandEnv(cfg.Archive.Azure.AccountKey)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "apex_audit")
	v.SetDefault("database.user", "apex")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.path", "./data/apex-audit.db")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "apex:")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.global_exclude", []string{"password", "remember_token"})
	v.SetDefault("audit.sensitive_keys", []string{
		"password", "password_confirmation", "token", "secret", "api_key",
		"authorization", "credit_card", "cvv",
	})
	v.SetDefault("audit.signature.iterations", 100000)
	v.SetDefault("audit.signature.max_length", 128)
	v.SetDefault("audit.queue.driver", "memory")
	v.SetDefault("audit.queue.workers", 4)
	v.SetDefault("audit.queue.buffer_size", 1024)
	v.SetDefault("audit.queue.job_timeout", "30s")
	v.SetDefault("audit.queue.retry_delays", []time.Duration{time.Second, 4 * time.Second, 16 * time.Second})

	v.SetDefault("rollback.enabled", true)

	v.SetDefault("retention.audit_days", 0)
	v.SetDefault("retention.history_days", 0)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.backend", "local")
	v.SetDefault("archive.prefix", "audit-archive")
	v.SetDefault("archive.local.base_path", "./archive")

	v.SetDefault("jobs.verify_interval_hours", 24)
	v.SetDefault("jobs.verify_batch_size", 500)
	v.SetDefault("jobs.cleanup_interval_hours", 24)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database.name is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required when using the sqlite driver")
		}
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite)", c.Database.Driver)
	}

	switch c.Audit.Queue.Driver {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when audit.queue.driver is redis")
		}
	default:
		return fmt.Errorf("invalid audit queue driver: %s (must be memory or redis)", c.Audit.Queue.Driver)
	}
	if c.Audit.Queue.Workers < 1 {
		return fmt.Errorf("audit.queue.workers must be at least 1")
	}
	if c.Audit.Queue.JobTimeout <= 0 {
		return fmt.Errorf("audit.queue.job_timeout must be positive")
	}

	if c.Audit.Signature.MaxLength < 1 {
		return fmt.Errorf("audit.signature.max_length must be positive")
	}
	if c.Audit.Signature.Key == "" && c.Audit.Signature.Passphrase != "" && len(c.Audit.Signature.Salt) < 16 {
		return fmt.Errorf("audit.signature.salt must be at least 16 bytes when a passphrase is used")
	}

	if c.Retention.AuditDays < 0 || c.Retention.HistoryDays < 0 {
		return fmt.Errorf("retention windows must not be negative")
	}

	if c.Archive.Enabled {
		validBackends := map[string]bool{"azure": true, "s3": true, "gcs": true, "local": true}
		if !validBackends[c.Archive.Backend] {
			return fmt.Errorf("invalid archive backend: %s (must be azure, s3, gcs, or local)", c.Archive.Backend)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the connection string for the configured driver
func (c *DatabaseConfig) GetDSN() string {
	if c.Driver == "sqlite" {
		return c.Path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}
