package config

import (
	"fmt"
	"strings"
	"time"

	"telecare-backend/pkg/env"
)

// Config holds the call service configuration, loaded from environment
// variables with Docker secret file support for credentials
type Config struct {
	Env  string
	Port int

	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	JWTSecret string

	AllowedOrigins  []string
	MaxConnections  int
	RateLimitPerMin int
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// LoadConfig reads configuration from the environment
func LoadConfig() *Config {
	return &Config{
		Env:  env.GetString("ENV", "development"),
		Port: env.GetInt("PORT", 8084),

		DBHost:     env.GetString("DB_HOST", "localhost"),
		DBPort:     env.GetInt("DB_PORT", 26257),
		DBUser:     env.GetString("DB_USER", "root"),
		DBPassword: env.GetStringFromFile("DB_PASSWORD", ""),
		DBName:     env.GetString("DB_NAME", "telecare"),
		DBSSLMode:  env.GetString("DB_SSLMODE", "disable"),

		RedisHost:     env.GetString("REDIS_HOST", "localhost"),
		RedisPort:     env.GetInt("REDIS_PORT", 6379),
		RedisPassword: env.GetStringFromFile("REDIS_PASSWORD", ""),
		RedisDB:       env.GetInt("REDIS_DB", 0),

		JWTSecret: env.GetStringFromFile("JWT_SECRET", ""),

		AllowedOrigins:  splitOrigins(env.GetString("WS_ALLOWED_ORIGINS", "http://localhost:3000")),
		MaxConnections:  env.GetInt("WS_MAX_CONNECTIONS", 1000),
		RateLimitPerMin: env.GetInt("RATELIMIT_PER_MIN", 120),
		RequestTimeout:  env.GetDuration("REQUEST_TIMEOUT", 30*time.Second),
		ShutdownTimeout: env.GetDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}
}

// DBConnectionString returns the CockroachDB connection string
func (c *Config) DBConnectionString() string {
	conn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBName, c.DBSSLMode)
	if c.DBPassword != "" {
		conn += " password=" + c.DBPassword
	}
	return conn
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
