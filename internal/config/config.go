// Package config loads the YAML configuration shared by the server and nhictl.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qualys/nhi/internal/models"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Scanner       ScannerConfig       `yaml:"scanner"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	GitHub        GitHubConfig        `yaml:"github"`
	AWS           AWSConfig           `yaml:"aws"`
	Auth          AuthConfig          `yaml:"auth"`
	Credentials   CredentialsConfig   `yaml:"credentials"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	CORSAllowOrigin string        `yaml:"cors_allow_origin"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	AutoMigrate  bool   `yaml:"auto_migrate"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type ScannerConfig struct {
	Workers         int           `yaml:"workers"`
	ScanTimeout     time.Duration `yaml:"scan_timeout"`
	APITimeout      time.Duration `yaml:"api_timeout"`
	GitHubBatchSize int           `yaml:"github_batch_size"`
	AWSConcurrency  int           `yaml:"aws_concurrency"`
	// JobTimeout bounds a whole queued job. It is always longer than
	// ScanTimeout so the scan's outcome can still be recorded.
	JobTimeout time.Duration `yaml:"job_timeout"`
	// StaleWorkerTimeout is how long a worker may miss heartbeats before its
	// jobs are released.
	StaleWorkerTimeout time.Duration `yaml:"stale_worker_timeout"`
}

type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
	// Tick is the cron expression of the due-scan sweep.
	Tick        string        `yaml:"tick"`
	CleanupTick string        `yaml:"cleanup_tick"`
	JobLockTTL  time.Duration `yaml:"job_lock_ttl"`
}

type GitHubConfig struct {
	APIURL string `yaml:"api_url"`
}

type AWSConfig struct {
	Region string `yaml:"region"`
}

type AuthConfig struct {
	JWTSecret          string        `yaml:"jwt_secret"`
	Issuer             string        `yaml:"issuer"`
	AccessTokenExpiry  time.Duration `yaml:"access_token_expiry"`
	RefreshTokenExpiry time.Duration `yaml:"refresh_token_expiry"`
}

type CredentialsConfig struct {
	// EncryptionKey is the base64 encoded 32 byte key sealing connection credentials.
	EncryptionKey string `yaml:"encryption_key"`
}

type NotificationsConfig struct {
	MinSeverity models.Severity   `yaml:"min_severity"`
	Slack       SlackNotifyConfig `yaml:"slack"`
	Email       EmailNotifyConfig `yaml:"email"`
}

type SlackNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type EmailNotifyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SlogLevel maps the configured level name to a slog level. Unknown names mean info.
func (c LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
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

// Path returns the config path from CONFIG_PATH, or config.yaml.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config.yaml"
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

const jobTimeoutMargin = 2 * time.Minute

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Scanner.Workers == 0 {
		c.Scanner.Workers = 4
	}
	if c.Scanner.ScanTimeout == 0 {
		c.Scanner.ScanTimeout = 15 * time.Minute
	}
	if c.Scanner.JobTimeout <= c.Scanner.ScanTimeout {
		c.Scanner.JobTimeout = c.Scanner.ScanTimeout + jobTimeoutMargin
	}
	if c.Scanner.APITimeout == 0 {
		c.Scanner.APITimeout = 30 * time.Second
	}
	if c.Scanner.GitHubBatchSize == 0 {
		c.Scanner.GitHubBatchSize = 10
	}
	if c.Scanner.AWSConcurrency == 0 {
		c.Scanner.AWSConcurrency = 10
	}
	if c.Scanner.StaleWorkerTimeout == 0 {
		c.Scanner.StaleWorkerTimeout = 5 * time.Minute
	}

	if c.Scheduler.Tick == "" {
		c.Scheduler.Tick = "@hourly"
	}
	if c.Scheduler.CleanupTick == "" {
		c.Scheduler.CleanupTick = "*/10 * * * *"
	}
	if c.Scheduler.JobLockTTL == 0 {
		c.Scheduler.JobLockTTL = time.Hour
	}

	if c.GitHub.APIURL == "" {
		c.GitHub.APIURL = "https://api.github.com"
	}
	if c.AWS.Region == "" {
		c.AWS.Region = "us-east-1"
	}

	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = "change-me-in-production"
		slog.Warn("using default JWT secret, set auth.jwt_secret in production")
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "nhi"
	}
	if c.Auth.AccessTokenExpiry == 0 {
		c.Auth.AccessTokenExpiry = 15 * time.Minute
	}
	if c.Auth.RefreshTokenExpiry == 0 {
		c.Auth.RefreshTokenExpiry = 7 * 24 * time.Hour
	}

	if c.Notifications.MinSeverity == "" {
		c.Notifications.MinSeverity = models.SeverityHigh
	}
	if c.Notifications.Email.SMTPPort == 0 {
		c.Notifications.Email.SMTPPort = 587
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
