package config

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all configuration for the blackroad-cron service.
// Values come from defaults, an optional config file and environment
// variables, in increasing precedence. Keys are the lower-cased variable
// names (tick_interval <-> TICK_INTERVAL).
type Config struct {
	HTTPAddr string `json:"http_addr"`

	TickInterval    time.Duration `json:"-"`
	TickIntervalStr string        `json:"tick_interval"`

	WorkerPoolSize       int `json:"worker_pool_size"`
	ExecutionLogCapacity int `json:"execution_log_capacity"`

	BackoffBase      time.Duration `json:"-"`
	BackoffBaseStr   string        `json:"backoff_base"`
	BackoffMax       time.Duration `json:"-"`
	BackoffMaxStr    string        `json:"backoff_max"`
	ResponseMaxBytes int           `json:"response_max_bytes"`

	// DefaultJobTimeout applies to jobs created without a timeout.
	DefaultJobTimeout    time.Duration `json:"-"`
	DefaultJobTimeoutStr string        `json:"default_job_timeout"`

	HTTPShutdownTimeout       time.Duration `json:"-"`
	HTTPShutdownTimeoutStr    string        `json:"http_shutdown_timeout"`
	DispatcherDrainTimeout    time.Duration `json:"-"`
	DispatcherDrainTimeoutStr string        `json:"dispatcher_drain_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    string `json:"metrics_port"`

	RedisAddr             string        `json:"redis_addr,omitempty"`
	AnalyticsRetention    time.Duration `json:"-"`
	AnalyticsRetentionStr string        `json:"analytics_retention"`

	// StoreDriver: "memory" (no persistence), "postgres" or "sqlite".
	StoreDriver string `json:"store_driver"`
	DatabaseURL string `json:"database_url"`
	SQLitePath  string `json:"sqlite_path"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	PersistBufferSize int `json:"persist_buffer_size"`

	ReconcileEnabled     bool          `json:"reconcile_enabled"`
	ReconcileInterval    time.Duration `json:"-"`
	ReconcileIntervalStr string        `json:"reconcile_interval"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	// ManualRunRate is the sustained rate of "run now" requests per second.
	ManualRunRate  float64 `json:"manual_run_rate"`
	ManualRunBurst int     `json:"manual_run_burst"`

	SeedFile string `json:"seed_file,omitempty"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("tick_interval", "30s")
	v.SetDefault("worker_pool_size", 10)
	v.SetDefault("execution_log_capacity", 1000)
	v.SetDefault("backoff_base", "1s")
	v.SetDefault("backoff_max", "30s")
	v.SetDefault("response_max_bytes", 1024)
	v.SetDefault("default_job_timeout", "30s")
	v.SetDefault("http_shutdown_timeout", "10s")
	v.SetDefault("dispatcher_drain_timeout", "30s")
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("metrics_path", "/metrics")
	v.SetDefault("metrics_port", "9090")
	v.SetDefault("analytics_retention", "24h")
	v.SetDefault("store_driver", DriverMemory)
	v.SetDefault("db_op_timeout", "5s")
	v.SetDefault("db_max_open_conns", 25)
	v.SetDefault("db_max_idle_conns", 5)
	v.SetDefault("db_conn_max_lifetime", "30m")
	v.SetDefault("db_conn_max_idle_time", "5m")
	v.SetDefault("persist_buffer_size", 1000)
	v.SetDefault("reconcile_enabled", true)
	v.SetDefault("reconcile_interval", "5m")
	v.SetDefault("circuit_breaker_threshold", 0)
	v.SetDefault("circuit_breaker_cooldown", "2m")
	v.SetDefault("manual_run_rate", 5.0)
	v.SetDefault("manual_run_burst", 5)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
}

// NewViper returns a viper instance with defaults and environment binding.
// When path is non-empty the file is read; its format follows the extension.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}
	return v, nil
}

// Load reads configuration from defaults, the optional file at path and
// the environment.
func Load(path string) (Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return Config{}, err
	}
	return FromViper(v), nil
}

// FromViper builds a Config from v. Durations that fail to parse are left
// zero; Validate reports them.
func FromViper(v *viper.Viper) Config {
	cfg := Config{
		HTTPAddr:                  v.GetString("http_addr"),
		TickIntervalStr:           v.GetString("tick_interval"),
		WorkerPoolSize:            v.GetInt("worker_pool_size"),
		ExecutionLogCapacity:      v.GetInt("execution_log_capacity"),
		BackoffBaseStr:            v.GetString("backoff_base"),
		BackoffMaxStr:             v.GetString("backoff_max"),
		ResponseMaxBytes:          v.GetInt("response_max_bytes"),
		DefaultJobTimeoutStr:      v.GetString("default_job_timeout"),
		HTTPShutdownTimeoutStr:    v.GetString("http_shutdown_timeout"),
		DispatcherDrainTimeoutStr: v.GetString("dispatcher_drain_timeout"),
		MetricsEnabled:            v.GetBool("metrics_enabled"),
		MetricsPath:               v.GetString("metrics_path"),
		MetricsPort:               v.GetString("metrics_port"),
		RedisAddr:                 v.GetString("redis_addr"),
		AnalyticsRetentionStr:     v.GetString("analytics_retention"),
		StoreDriver:               strings.ToLower(v.GetString("store_driver")),
		DatabaseURL:               v.GetString("database_url"),
		SQLitePath:                v.GetString("sqlite_path"),
		DBOpTimeoutStr:            v.GetString("db_op_timeout"),
		DBMaxOpenConns:            v.GetInt("db_max_open_conns"),
		DBMaxIdleConns:            v.GetInt("db_max_idle_conns"),
		DBConnMaxLifetimeStr:      v.GetString("db_conn_max_lifetime"),
		DBConnMaxIdleTimeStr:      v.GetString("db_conn_max_idle_time"),
		PersistBufferSize:         v.GetInt("persist_buffer_size"),
		ReconcileEnabled:          v.GetBool("reconcile_enabled"),
		ReconcileIntervalStr:      v.GetString("reconcile_interval"),
		CircuitBreakerThreshold:   v.GetInt("circuit_breaker_threshold"),
		CircuitBreakerCooldownStr: v.GetString("circuit_breaker_cooldown"),
		ManualRunRate:             v.GetFloat64("manual_run_rate"),
		ManualRunBurst:            v.GetInt("manual_run_burst"),
		SeedFile:                  v.GetString("seed_file"),
		LogLevel:                  strings.ToLower(v.GetString("log_level")),
		LogFormat:                 strings.ToLower(v.GetString("log_format")),
	}

	// Support Railway's PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	// Parse durations; validation is handled separately by Validate().
	for _, f := range cfg.durations() {
		if d, err := time.ParseDuration(*f.str); err == nil {
			*f.dst = d
		}
	}

	return cfg
}

type durationField struct {
	key string
	str *string
	dst *time.Duration
}

func (c *Config) durations() []durationField {
	return []durationField{
		{"TICK_INTERVAL", &c.TickIntervalStr, &c.TickInterval},
		{"BACKOFF_BASE", &c.BackoffBaseStr, &c.BackoffBase},
		{"BACKOFF_MAX", &c.BackoffMaxStr, &c.BackoffMax},
		{"DEFAULT_JOB_TIMEOUT", &c.DefaultJobTimeoutStr, &c.DefaultJobTimeout},
		{"HTTP_SHUTDOWN_TIMEOUT", &c.HTTPShutdownTimeoutStr, &c.HTTPShutdownTimeout},
		{"DISPATCHER_DRAIN_TIMEOUT", &c.DispatcherDrainTimeoutStr, &c.DispatcherDrainTimeout},
		{"ANALYTICS_RETENTION", &c.AnalyticsRetentionStr, &c.AnalyticsRetention},
		{"DB_OP_TIMEOUT", &c.DBOpTimeoutStr, &c.DBOpTimeout},
		{"DB_CONN_MAX_LIFETIME", &c.DBConnMaxLifetimeStr, &c.DBConnMaxLifetime},
		{"DB_CONN_MAX_IDLE_TIME", &c.DBConnMaxIdleTimeStr, &c.DBConnMaxIdleTime},
		{"RECONCILE_INTERVAL", &c.ReconcileIntervalStr, &c.ReconcileInterval},
		{"CIRCUIT_BREAKER_COOLDOWN", &c.CircuitBreakerCooldownStr, &c.CircuitBreakerCooldown},
	}
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	if c.RedisAddr != "" && strings.Contains(c.RedisAddr, "@") {
		masked.RedisAddr = maskSecret(c.RedisAddr)
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "redis://", "rediss://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
