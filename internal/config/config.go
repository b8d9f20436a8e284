// Package config centralizes how the integrator reads its settings: defaults,
// an optional config file, then INTEGRATOR_* environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/dharsanguruparan/Integrator/internal/errors"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "INTEGRATOR"

// Config represents runtime configuration shared by every binary.
type Config struct {
	Address  string `mapstructure:"address" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn warning error"`
	LogFile  string `mapstructure:"log_file"`

	DatabaseURL string `mapstructure:"database_url"`

	RedisAddr     string `mapstructure:"redis_addr" validate:"required"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" validate:"min=0"`

	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`
	S3Region    string `mapstructure:"s3_region"`
	S3UseSSL    bool   `mapstructure:"s3_use_ssl"`
	S3Bucket    string `mapstructure:"s3_bucket" validate:"required"`

	TempDownloadDir string        `mapstructure:"temp_download_dir" validate:"required"`
	TempFileTTL     time.Duration `mapstructure:"temp_file_ttl" validate:"gt=0"`

	WorkerConcurrency      int `mapstructure:"worker_concurrency" validate:"min=1"`
	QueueCapacity          int `mapstructure:"queue_capacity" validate:"min=1"`
	ConnectorConcurrency   int `mapstructure:"connector_concurrency" validate:"min=1"`
	PostProcessConcurrency int `mapstructure:"post_process_concurrency" validate:"min=1"`

	IngestBaseURL       string  `mapstructure:"ingest_base_url" validate:"omitempty,url"`
	IngestToken         string  `mapstructure:"ingest_token"`
	IngestRatePerSecond float64 `mapstructure:"ingest_rate_per_second" validate:"gt=0"`
	IngestBurst         int     `mapstructure:"ingest_burst" validate:"min=1"`
	IngestUploadEnabled bool    `mapstructure:"ingest_upload_enabled"`
	IngestCreateEnabled bool    `mapstructure:"ingest_create_enabled"`
	UnknownLocationID   string  `mapstructure:"unknown_location_id"`

	SigningSecret string        `mapstructure:"signing_secret"`
	SignatureTTL  time.Duration `mapstructure:"signature_ttl" validate:"gt=0"`

	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval" validate:"gt=0"`
	MaintenanceCron     string        `mapstructure:"maintenance_cron"`
	CheckRunCron        string        `mapstructure:"check_run_cron"`
	TriggerCron         string        `mapstructure:"trigger_cron"`
	TriggerOperations   string        `mapstructure:"trigger_operations"`
	RunTimeout          time.Duration `mapstructure:"run_timeout" validate:"gt=0"`

	ConnectorCatalog string `mapstructure:"connector_catalog"`
}

// SetDefaults registers every key so environment overrides reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("address", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_addr", "127.0.0.1:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("s3_endpoint", "")
	v.SetDefault("s3_access_key", "")
	v.SetDefault("s3_secret_key", "")
	v.SetDefault("s3_region", "us-east-1")
	v.SetDefault("s3_use_ssl", false)
	v.SetDefault("s3_bucket", "discovered-files")
	v.SetDefault("temp_download_dir", "/tmp/integrator")
	v.SetDefault("temp_file_ttl", 24*time.Hour)
	v.SetDefault("worker_concurrency", 4)
	v.SetDefault("queue_capacity", 16)
	v.SetDefault("connector_concurrency", 2)
	v.SetDefault("post_process_concurrency", 4)
	v.SetDefault("ingest_base_url", "")
	v.SetDefault("ingest_token", "")
	v.SetDefault("ingest_rate_per_second", 5.0)
	v.SetDefault("ingest_burst", 5)
	v.SetDefault("ingest_upload_enabled", true)
	v.SetDefault("ingest_create_enabled", true)
	v.SetDefault("unknown_location_id", "")
	v.SetDefault("signing_secret", "")
	v.SetDefault("signature_ttl", 5*time.Minute)
	v.SetDefault("maintenance_interval", 15*time.Minute)
	v.SetDefault("maintenance_cron", "@every 15m")
	v.SetDefault("check_run_cron", "0 23 * * *")
	v.SetDefault("trigger_cron", "0 */3 * * *")
	v.SetDefault("trigger_operations", "")
	v.SetDefault("run_timeout", 4*time.Hour)
	v.SetDefault("connector_catalog", "")
}

// New returns a viper instance wired for defaults and INTEGRATOR_* env vars.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads configuration from path (when non-empty) and the environment.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}
	return LoadWithViper(v)
}

// LoadWithViper unmarshals and validates configuration from v.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if cfg.SigningSecret == "" {
		cfg.SigningSecret = randomSecret()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks the struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.WithHint(errors.Wrap(err, "invalid configuration"),
			"set values in the config file or through "+EnvPrefix+"_* environment variables")
	}
	return nil
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte("fallbacksecret"))
	}
	return hex.EncodeToString(buf)
}
