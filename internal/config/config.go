// Package config provides configuration management for the user registry.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// DefaultAPIMaxPayloadSize is the default max payload size for API endpoints (100KB).
	DefaultAPIMaxPayloadSize int64 = 100 * 1024

	// DefaultAccessTokenTTL is how long an issued access token stays valid.
	DefaultAccessTokenTTL = 30 * time.Minute

	// DefaultShutdownTimeout bounds graceful server shutdown.
	DefaultShutdownTimeout = 30 * time.Second
)

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendFile     = "file"
	BackendMemory   = "memory"
)

// Config holds the application configuration.
type Config struct {
	// Port is the HTTP server port.
	Port string

	// GRPCPort is the port of the gRPC health server. "off" disables it.
	GRPCPort string

	// StoreBackend selects the user store implementation.
	StoreBackend string

	// DatabaseURL is the full Postgres DSN. When empty it is assembled from the DB* parts.
	DatabaseURL string
	DBHost      string
	DBPort      int
	DBName      string
	DBUser      string
	DBPassword  string

	RedisAddr     string
	RedisDB       int
	RedisPassword string

	// FileStorePath is the JSON file used by the file backend.
	FileStorePath string

	// SecretKey signs access tokens.
	SecretKey      string
	JWTAlgorithm   string
	AccessTokenTTL time.Duration

	LogLevel  string
	LogFormat string

	// APIMaxPayloadSize is the maximum request body size for API endpoints in bytes.
	APIMaxPayloadSize int64

	ShutdownTimeout time.Duration
}

// LoadDotEnv loads .env and .env.local into the process environment.
// Variables that are already set are left untouched.
func LoadDotEnv() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	v := viper.New()
	v.AutomaticEnv()
	return LoadFrom(v)
}

// LoadFrom loads configuration from v. Keys are the lower-case environment
// variable names, so flags bound under the same keys take precedence over env.
func LoadFrom(v *viper.Viper) *Config {
	return &Config{
		Port:              getStringOrDefault(v, "port", "8080"),
		GRPCPort:          getStringOrDefault(v, "grpc_port", "9090"),
		StoreBackend:      strings.ToLower(getStringOrDefault(v, "store_backend", BackendPostgres)),
		DatabaseURL:       v.GetString("database_url"),
		DBHost:            v.GetString("db_host"),
		DBPort:            getIntOrDefault(v, "db_port", 5432),
		DBName:            getStringOrDefault(v, "db_name", "users"),
		DBUser:            v.GetString("db_user"),
		DBPassword:        v.GetString("db_password"),
		RedisAddr:         getStringOrDefault(v, "redis_addr", "localhost:6379"),
		RedisDB:           getIntOrDefault(v, "redis_db", 0),
		RedisPassword:     v.GetString("redis_password"),
		FileStorePath:     getStringOrDefault(v, "file_store_path", "data/users.json"),
		SecretKey:         v.GetString("secret_key"),
		JWTAlgorithm:      getStringOrDefault(v, "jwt_algorithm", "HS256"),
		AccessTokenTTL:    getDurationOrDefault(v, "access_token_ttl", DefaultAccessTokenTTL),
		LogLevel:          getStringOrDefault(v, "log_level", "info"),
		LogFormat:         getStringOrDefault(v, "log_format", "json"),
		APIMaxPayloadSize: getSizeOrDefault(v, "api_max_payload_size", DefaultAPIMaxPayloadSize),
		ShutdownTimeout:   getDurationOrDefault(v, "shutdown_timeout", DefaultShutdownTimeout),
	}
}

// PostgresDSN returns DatabaseURL, or a DSN built from the DB* fields.
func (c *Config) PostgresDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.DBHost, strconv.Itoa(c.DBPort)),
		Path:   "/" + c.DBName,
	}
	if c.DBUser != "" {
		u.User = url.UserPassword(c.DBUser, c.DBPassword)
	}
	return u.String()
}

// GRPCEnabled reports whether the gRPC health server should be started.
func (c *Config) GRPCEnabled() bool {
	return c.GRPCPort != "" && !strings.EqualFold(c.GRPCPort, "off")
}

// Validate checks that the selected store backend has what it needs.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" && c.DBHost == "" {
			return fmt.Errorf("store backend %q requires DATABASE_URL or DB_HOST", c.StoreBackend)
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("store backend %q requires REDIS_ADDR", c.StoreBackend)
		}
	case BackendFile:
		if c.FileStorePath == "" {
			return fmt.Errorf("store backend %q requires FILE_STORE_PATH", c.StoreBackend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	return nil
}

// getStringOrDefault returns the value or the default if not set.
func getStringOrDefault(v *viper.Viper, key, defaultValue string) string {
	if value := v.GetString(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntOrDefault returns the value as int or the default if not set or invalid.
func getIntOrDefault(v *viper.Viper, key string, defaultValue int) int {
	if value := v.GetString(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getDurationOrDefault returns the value as a duration or the default if not set or invalid.
func getDurationOrDefault(v *viper.Viper, key string, defaultValue time.Duration) time.Duration {
	if value := v.GetString(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getSizeOrDefault accepts plain byte counts and human sizes like "100KB" or "1MiB".
func getSizeOrDefault(v *viper.Viper, key string, defaultValue int64) int64 {
	if value := v.GetString(key); value != "" {
		if parsed, err := units.RAMInBytes(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}
