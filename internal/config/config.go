// Package config handles application configuration.
package config

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port        int
	MetricsPort int
	BaseURL     string
	CORSOrigins []string

	// Metadata store
	DatabaseURL string

	// Backing store (Redis-compatible)
	RedisHost          string
	RedisPort          int
	RedisPassword      string
	RedisDB            int
	RedisTLSSkipVerify bool

	// Authentication
	MasterAPIKey     string
	APIKeyAuth       bool   // when false, every request authenticates as the default application
	EncryptionKey    []byte // 32-byte key for AES-256-GCM encryption of stored secrets

	// Rate limiting
	RateLimitWindow time.Duration
	RateLimitMax    int

	// Job retention
	CompletedJobRetention time.Duration
	FailedJobRetention    time.Duration

	// Fan-out dispatch
	DispatchWorkers     int
	ShutdownGracePeriod time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnvInt("PORT", 8080),
		MetricsPort: getEnvInt("METRICS_PORT", 0),
		BaseURL:     getEnv("BASE_URL", "http://localhost:8080"),
		CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"*"}),

		DatabaseURL: getEnv("DATABASE_URL", "file:brokerd.db?_journal=WAL&_timeout=5000"),

		RedisHost:          getEnv("REDIS_HOST", "localhost"),
		RedisPort:          getEnvInt("REDIS_PORT", 6379),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		RedisTLSSkipVerify: getEnvBool("REDIS_TLS_SKIP_VERIFY", false),

		MasterAPIKey: getEnv("MASTER_API_KEY", ""),
		APIKeyAuth:   getEnvBool("ENABLE_API_KEY_AUTH", true),

		RateLimitWindow: time.Duration(getEnvInt("RATE_LIMIT_WINDOW_MS", 60000)) * time.Millisecond,
		RateLimitMax:    getEnvInt("RATE_LIMIT_MAX_REQUESTS", 100),

		CompletedJobRetention: time.Duration(getEnvInt("COMPLETED_JOB_RETENTION_SECONDS", 3600)) * time.Second,
		FailedJobRetention:    time.Duration(getEnvInt("FAILED_JOB_RETENTION_SECONDS", 86400)) * time.Second,

		DispatchWorkers:     getEnvInt("DISPATCH_WORKERS", 8),
		ShutdownGracePeriod: getEnvDuration("SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	// Set up encryption key (derive from master key if not explicitly set)
	encKeyStr := getEnv("ENCRYPTION_KEY", "")
	if encKeyStr != "" {
		decoded, err := base64.StdEncoding.DecodeString(encKeyStr)
		if err != nil || len(decoded) != 32 {
			return nil, fmt.Errorf("ENCRYPTION_KEY must be a base64-encoded 32-byte key")
		}
		cfg.EncryptionKey = decoded
	} else {
		cfg.EncryptionKey = deriveEncryptionKey(cfg.MasterAPIKey)
	}

	if cfg.RateLimitMax <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_MAX_REQUESTS must be positive")
	}

	return cfg, nil
}

// RedisAddr returns the host:port address of the backing store.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// RedisTLS reports whether the configured port indicates a managed TLS
// endpoint (Azure Cache and friends expose 6380 for TLS).
func (c *Config) RedisTLS() bool {
	return c.RedisPort == 6380
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// deriveEncryptionKey creates a 32-byte AES-256 key from a secret string using
// HKDF with SHA-256. The salt and info strings bind the key to this purpose.
func deriveEncryptionKey(secret string) []byte {
	salt := []byte("brokerd-encryption-key-v1")
	info := []byte("aes-256-gcm-encryption")

	hkdfReader := hkdf.New(sha256.New, []byte(secret), salt, info)

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		panic("hkdf: failed to derive key: " + err.Error())
	}

	return key
}
