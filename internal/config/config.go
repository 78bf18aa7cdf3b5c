package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerHost string
	ServerPort string

	// Event history persistence. DB_HOST empty means in-memory history only.
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Client-side settings (cmd/client)
	CollabBaseURL string
	UserID        string
	UserName      string
	JournalPath   string

	// Engine tunables
	RetryCeiling     int
	ReconnectCeiling int
	PollInterval     time.Duration
	PingInterval     time.Duration

	// Observability
	JaegerEndpoint string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		ServerHost: getEnv("SERVER_HOST", "localhost"),
		ServerPort: getEnv("SERVER_PORT", "8080"),

		DBHost:     getEnv("DB_HOST", ""),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "flowboard"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		CollabBaseURL: getEnv("COLLAB_BASE_URL", "http://localhost:8080"),
		UserID:        getEnv("COLLAB_USER_ID", ""),
		UserName:      getEnv("COLLAB_USER_NAME", ""),
		JournalPath:   getEnv("COLLAB_JOURNAL_PATH", ""),

		RetryCeiling:     getEnvInt("COLLAB_RETRY_CEILING", 3),
		ReconnectCeiling: getEnvInt("COLLAB_RECONNECT_CEILING", 5),
		PollInterval:     getEnvDuration("COLLAB_POLL_INTERVAL", 2*time.Second),
		PingInterval:     getEnvDuration("COLLAB_PING_INTERVAL", 10*time.Second),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
	}

	return cfg, nil
}

// DatabaseEnabled reports whether a Postgres event store is configured.
func (c *Config) DatabaseEnabled() bool {
	return c.DBHost != ""
}

func (c *Config) DatabaseURL() string {
	return "host=" + c.DBHost + " port=" + c.DBPort + " user=" + c.DBUser +
		" password=" + c.DBPassword + " dbname=" + c.DBName + " sslmode=" + c.DBSSLMode
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
