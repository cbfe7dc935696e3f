package config

import (
	"strings"
	"time"
)

// SocketConfig holds runtime configuration for the notification service.
type SocketConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	JWTSecret          string
	CORSOrigins        []string
	HistoryLimit       int
	DeliveryTimeout    time.Duration
	ReadLimitBytes     int64
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadSocketConfig constructs a SocketConfig from environment variables.
func LoadSocketConfig() SocketConfig {
	return SocketConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("SOCKET_ADDR", ":4100"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://tasknotify:tasknotify@db:5432/tasknotify?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		CORSOrigins:        splitOrigins(GetString("CORS_ORIGIN", "*")),
		HistoryLimit:       GetInt("NOTIFICATION_HISTORY_LIMIT", 0),
		DeliveryTimeout:    GetSeconds("WS_DELIVERY_TIMEOUT_SECONDS", 5*time.Second),
		ReadLimitBytes:     int64(GetInt("WS_READ_LIMIT_BYTES", 4096)),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
