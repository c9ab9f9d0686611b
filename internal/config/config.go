package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the ScopeLens services.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Database    DatabaseConfig    `toml:"database"`
	Redis       RedisConfig       `toml:"redis"`
	RabbitMQ    RabbitMQConfig    `toml:"rabbitmq"`
	Auth        AuthConfig        `toml:"auth"`
	Detector    DetectorConfig    `toml:"detector"`
	Dispatcher  DispatcherConfig  `toml:"dispatcher"`
	Plagiarism  PlagiarismConfig  `toml:"plagiarism"`
	Entitlement EntitlementConfig `toml:"entitlement"`
	Upload      UploadConfig      `toml:"upload"`
}

type ServerConfig struct {
	Port           int    `toml:"port"`
	Env            string `toml:"env"`
	LogLevel       string `toml:"log_level"`
	RequestsPerMin int    `toml:"requests_per_min"`
}

// SlogLevel maps LogLevel onto a slog level; unknown values mean info.
func (c ServerConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DatabaseConfig sizes the pgx pool. StatementTimeout bounds every query the
// dispatcher and upload path run; ApplicationName shows up in pg_stat_activity
// so server and CLI connections can be told apart.
type DatabaseConfig struct {
	URL               string        `toml:"url"`
	MaxConns          int           `toml:"max_conns"`
	MinConns          int           `toml:"min_conns"`
	ConnMaxLifetime   time.Duration `toml:"conn_max_lifetime"`
	ConnMaxIdleTime   time.Duration `toml:"conn_max_idle_time"`
	HealthCheckPeriod time.Duration `toml:"health_check_period"`
	StatementTimeout  time.Duration `toml:"statement_timeout"`
	ApplicationName   string        `toml:"application_name"`
	MigrationsDir     string        `toml:"migrations_dir"`
}

type RedisConfig struct {
	URL string `toml:"url"`
}

type RabbitMQConfig struct {
	URL   string `toml:"url"`
	Queue string `toml:"queue"`
}

// Enabled reports whether dispatch triggers should be published.
func (c RabbitMQConfig) Enabled() bool { return c.URL != "" }

type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
	Issuer    string `toml:"issuer"`
}

type DetectorConfig struct {
	BaseURL string        `toml:"base_url"`
	Timeout time.Duration `toml:"timeout"`
}

type DispatcherConfig struct {
	BatchSize         int           `toml:"batch_size"`
	MaxPrefetch       int           `toml:"max_prefetch"`
	DefaultMaxRetries int           `toml:"default_max_retries"`
	LeaseTTL          time.Duration `toml:"lease_ttl"`
	StaleAfter        time.Duration `toml:"stale_after"`
	Interval          time.Duration `toml:"interval"`
	LockFile          string        `toml:"lock_file"`
}

// PlagiarismConfig tunes the plagiarism processor and its CORE search client.
type PlagiarismConfig struct {
	CoreBaseURL     string        `toml:"core_base_url"`
	Timeout         time.Duration `toml:"timeout"`
	BatchSize       int           `toml:"batch_size"`
	ResultsPerQuery int           `toml:"results_per_query"`
	RequestInterval time.Duration `toml:"request_interval"`
	MaxRetries      int           `toml:"max_retries"`
}

type EntitlementConfig struct {
	Timezone string `toml:"timezone"`
}

// Location resolves the timezone used for the free tier's daily window.
func (c EntitlementConfig) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

type UploadConfig struct {
	MaxBytes int64 `toml:"max_bytes"`
}

// Default returns the built-in configuration before any file or env overrides.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:           8080,
			Env:            "development",
			LogLevel:       "info",
			RequestsPerMin: 60,
		},
		Database: DatabaseConfig{
			MaxConns:          25,
			MinConns:          2,
			ConnMaxLifetime:   time.Hour,
			ConnMaxIdleTime:   30 * time.Minute,
			HealthCheckPeriod: time.Minute,
			StatementTimeout:  30 * time.Second,
			ApplicationName:   "scopelens",
			MigrationsDir:     "migrations",
		},
		RabbitMQ: RabbitMQConfig{
			Queue: "scan_dispatch",
		},
		Detector: DetectorConfig{
			BaseURL: "https://api.zerogpt.com",
			Timeout: 60 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			BatchSize:         50,
			MaxPrefetch:       500,
			DefaultMaxRetries: 3,
			LeaseTTL:          10 * time.Minute,
			StaleAfter:        30 * time.Minute,
			Interval:          time.Minute,
			LockFile:          os.TempDir() + "/scopelens-dispatch.lock",
		},
		Plagiarism: PlagiarismConfig{
			CoreBaseURL:     "https://api.core.ac.uk",
			Timeout:         30 * time.Second,
			BatchSize:       5,
			ResultsPerQuery: 5,
			RequestInterval: 150 * time.Millisecond,
			MaxRetries:      2,
		},
		Entitlement: EntitlementConfig{
			Timezone: "Local",
		},
		Upload: UploadConfig{
			MaxBytes: 10 << 20,
		},
	}
}

// Load reads configuration from SCOPELENS_CONFIG (when set) and environment
// variables, and returns a validated Config.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("SCOPELENS_CONFIG"))
}

// LoadFile decodes the TOML file at path (skipped when path is empty), applies
// environment overrides, and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()

		if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = envInt("SCOPELENS_PORT", c.Server.Port)
	c.Server.Env = envString("SCOPELENS_ENV", c.Server.Env)
	c.Server.LogLevel = envString("LOG_LEVEL", c.Server.LogLevel)
	c.Server.RequestsPerMin = envInt("RATE_LIMIT_PER_MIN", c.Server.RequestsPerMin)

	c.Database.URL = envString("DATABASE_URL", c.Database.URL)
	c.Database.MaxConns = envInt("DATABASE_MAX_CONNS", c.Database.MaxConns)
	c.Database.MinConns = envInt("DATABASE_MIN_CONNS", c.Database.MinConns)
	c.Database.ConnMaxLifetime = envDuration("DATABASE_CONN_MAX_LIFETIME", c.Database.ConnMaxLifetime)
	c.Database.ConnMaxIdleTime = envDuration("DATABASE_CONN_MAX_IDLE_TIME", c.Database.ConnMaxIdleTime)
	c.Database.HealthCheckPeriod = envDuration("DATABASE_HEALTH_CHECK_PERIOD", c.Database.HealthCheckPeriod)
	c.Database.StatementTimeout = envDuration("DATABASE_STATEMENT_TIMEOUT", c.Database.StatementTimeout)
	c.Database.ApplicationName = envString("DATABASE_APPLICATION_NAME", c.Database.ApplicationName)
	c.Database.MigrationsDir = envString("DATABASE_MIGRATIONS_DIR", c.Database.MigrationsDir)

	c.Redis.URL = envString("REDIS_URL", c.Redis.URL)

	c.RabbitMQ.URL = envString("RABBITMQ_URL", c.RabbitMQ.URL)
	c.RabbitMQ.Queue = envString("RABBITMQ_QUEUE", c.RabbitMQ.Queue)

	c.Auth.JWTSecret = envString("AUTH_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.Issuer = envString("AUTH_JWT_ISSUER", c.Auth.Issuer)

	c.Detector.BaseURL = envString("DETECTOR_BASE_URL", c.Detector.BaseURL)
	c.Detector.Timeout = envDurationSecs("DETECTOR_TIMEOUT_SECS", c.Detector.Timeout)

	c.Dispatcher.BatchSize = envInt("DISPATCH_BATCH_SIZE", c.Dispatcher.BatchSize)
	c.Dispatcher.MaxPrefetch = envInt("DISPATCH_MAX_PREFETCH", c.Dispatcher.MaxPrefetch)
	c.Dispatcher.DefaultMaxRetries = envInt("DISPATCH_DEFAULT_MAX_RETRIES", c.Dispatcher.DefaultMaxRetries)
	c.Dispatcher.LeaseTTL = envDuration("DISPATCH_LEASE_TTL", c.Dispatcher.LeaseTTL)
	c.Dispatcher.StaleAfter = envDuration("DISPATCH_STALE_AFTER", c.Dispatcher.StaleAfter)
	c.Dispatcher.Interval = envDuration("DISPATCH_INTERVAL", c.Dispatcher.Interval)
	c.Dispatcher.LockFile = envString("DISPATCH_LOCK_FILE", c.Dispatcher.LockFile)

	c.Plagiarism.CoreBaseURL = envString("CORE_BASE_URL", c.Plagiarism.CoreBaseURL)
	c.Plagiarism.Timeout = envDurationSecs("CORE_TIMEOUT_SECS", c.Plagiarism.Timeout)
	c.Plagiarism.BatchSize = envInt("PLAGIARISM_BATCH_SIZE", c.Plagiarism.BatchSize)
	c.Plagiarism.ResultsPerQuery = envInt("PLAGIARISM_RESULTS_PER_QUERY", c.Plagiarism.ResultsPerQuery)
	c.Plagiarism.RequestInterval = envDuration("PLAGIARISM_REQUEST_INTERVAL", c.Plagiarism.RequestInterval)
	c.Plagiarism.MaxRetries = envInt("PLAGIARISM_MAX_RETRIES", c.Plagiarism.MaxRetries)

	c.Entitlement.Timezone = envString("FREE_TIER_TIMEZONE", c.Entitlement.Timezone)

	c.Upload.MaxBytes = int64(envInt("UPLOAD_MAX_BYTES", int(c.Upload.MaxBytes)))
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required")
	}

	if !strings.HasPrefix(c.Detector.BaseURL, "http://") && !strings.HasPrefix(c.Detector.BaseURL, "https://") {
		return fmt.Errorf("DETECTOR_BASE_URL must start with http:// or https://, got %q", c.Detector.BaseURL)
	}

	if c.RabbitMQ.URL != "" && !strings.HasPrefix(c.RabbitMQ.URL, "amqp://") && !strings.HasPrefix(c.RabbitMQ.URL, "amqps://") {
		return fmt.Errorf("RABBITMQ_URL must start with amqp:// or amqps://, got %q", c.RabbitMQ.URL)
	}

	if c.Dispatcher.BatchSize <= 0 {
		return fmt.Errorf("DISPATCH_BATCH_SIZE must be positive, got %d", c.Dispatcher.BatchSize)
	}
	if c.Dispatcher.MaxPrefetch < c.Dispatcher.BatchSize {
		return fmt.Errorf("DISPATCH_MAX_PREFETCH (%d) must be at least DISPATCH_BATCH_SIZE (%d)",
			c.Dispatcher.MaxPrefetch, c.Dispatcher.BatchSize)
	}
	if c.Dispatcher.DefaultMaxRetries < 0 {
		return fmt.Errorf("DISPATCH_DEFAULT_MAX_RETRIES must not be negative")
	}

	if c.Database.MinConns < 0 || c.Database.MaxConns <= 0 || c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("DATABASE_MIN_CONNS (%d) must be between 0 and DATABASE_MAX_CONNS (%d)",
			c.Database.MinConns, c.Database.MaxConns)
	}

	if !strings.HasPrefix(c.Plagiarism.CoreBaseURL, "http://") && !strings.HasPrefix(c.Plagiarism.CoreBaseURL, "https://") {
		return fmt.Errorf("CORE_BASE_URL must start with http:// or https://, got %q", c.Plagiarism.CoreBaseURL)
	}
	if c.Plagiarism.BatchSize <= 0 {
		return fmt.Errorf("PLAGIARISM_BATCH_SIZE must be positive, got %d", c.Plagiarism.BatchSize)
	}
	if c.Plagiarism.MaxRetries < 0 {
		return fmt.Errorf("PLAGIARISM_MAX_RETRIES must not be negative")
	}

	if _, err := c.Entitlement.Location(); err != nil {
		return fmt.Errorf("FREE_TIER_TIMEZONE is invalid: %w", err)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
