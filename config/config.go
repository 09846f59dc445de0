package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Media     MediaConfig
	AWS       AWSConfig
	Recording RecordingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all (e.g. http://localhost:3000,http://localhost:3001)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/meet?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MediaConfig holds media node (egress API) settings.
type MediaConfig struct {
	BaseURL       string // e.g. http://media-node:7880
	APIKey        string
	APISecret     string
	WebhookSecret string // HMAC key for incoming egress webhooks
	TimeoutSec    int    // per-request HTTP timeout
}

// AWSConfig holds AWS credentials and the recordings bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	RecordingsBucket     string
	PresignExpireMinutes int
}

// RecordingConfig holds recording-lifecycle timing settings.
// LockTTL must exceed StartTimeout so a crashed instance's lock outlives its
// own timeout window; Load enforces this.
type RecordingConfig struct {
	StartTimeout        time.Duration // how long a start may stay unconfirmed
	LockTTL             time.Duration // distributed lock auto-expiry
	LockGracePeriod     time.Duration // minimum lock age before orphan collection
	StaleThreshold      time.Duration // max time an active egress may go unupdated
	OrphanSweepInterval time.Duration
	StaleSweepInterval  time.Duration
	SweepBatchSize      int
	DeleteRetryAttempts int
	DeleteRetryBackoff  time.Duration
	DeleteSettleWait    time.Duration // pause between stopping and verifying during bulk delete
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:4200"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/meet?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "meet"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Media: MediaConfig{
			BaseURL:       getEnv("MEDIA_BASE_URL", "http://localhost:7880"),
			APIKey:        getEnv("MEDIA_API_KEY", ""),
			APISecret:     getEnv("MEDIA_API_SECRET", ""),
			WebhookSecret: getEnv("MEDIA_WEBHOOK_SECRET", ""),
			TimeoutSec:    getEnvInt("MEDIA_TIMEOUT_SEC", 10),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			RecordingsBucket:     getEnv("AWS_S3_RECORDINGS_BUCKET", "meet-recordings-bucket"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Recording: RecordingConfig{
			StartTimeout:        secondsEnv("RECORDING_START_TIMEOUT_SEC", 30),
			LockTTL:             secondsEnv("RECORDING_LOCK_TTL_SEC", 90),
			LockGracePeriod:     secondsEnv("RECORDING_LOCK_GRACE_PERIOD_SEC", 300),
			StaleThreshold:      secondsEnv("RECORDING_STALE_THRESHOLD_SEC", 3600),
			OrphanSweepInterval: secondsEnv("RECORDING_ORPHAN_SWEEP_INTERVAL_SEC", 120),
			StaleSweepInterval:  secondsEnv("RECORDING_STALE_SWEEP_INTERVAL_SEC", 300),
			SweepBatchSize:      getEnvInt("RECORDING_SWEEP_BATCH_SIZE", 10),
			DeleteRetryAttempts: getEnvInt("RECORDING_DELETE_RETRY_ATTEMPTS", 3),
			DeleteRetryBackoff:  secondsEnv("RECORDING_DELETE_RETRY_BACKOFF_SEC", 2),
			DeleteSettleWait:    secondsEnv("RECORDING_DELETE_SETTLE_WAIT_SEC", 2),
		},
	}
	if cfg.Recording.LockTTL <= cfg.Recording.StartTimeout {
		return nil, fmt.Errorf("RECORDING_LOCK_TTL_SEC (%s) must exceed RECORDING_START_TIMEOUT_SEC (%s)",
			cfg.Recording.LockTTL, cfg.Recording.StartTimeout)
	}
	return cfg, nil
}

func secondsEnv(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
