package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisURL string

	ServerPort string

	JWTSecret string

	AccessTokenMaxAge  int // seconds
	RefreshTokenMaxAge int // seconds

	// Feed engine tuning. See the fan-out worker and feed service for how
	// each knob is applied.
	FanoutThreshold    int           // followers above this are excluded from push fan-out
	PushRetentionCount int           // max entries kept per precomputed timeline
	BackfillWindow     time.Duration // how far back a new follow is backfilled
	PageDefaultLimit   int
	PageMaxLimit       int

	WorkerCount  int
	WorkerBatch  int
	WorkerBlock  time.Duration
}

func LoadConfig() (*Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found or error loading it, relying on environment variables")
	}

	serverPort := os.Getenv("SERVER_PORT")
	if serverPort == "" {
		serverPort = "8080"
	}

	sslMode := os.Getenv("DB_SSLMODE")
	if sslMode == "" {
		sslMode = "require"
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}

	return &Config{
		DBHost:     os.Getenv("DB_HOST"),
		DBPort:     os.Getenv("DB_PORT"),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     os.Getenv("DB_NAME"),
		DBSSLMode:  sslMode,

		RedisURL: redisURL,

		ServerPort: serverPort,

		JWTSecret: os.Getenv("JWT_SECRET"),

		AccessTokenMaxAge:  envInt("ACCESS_TOKEN_MAX_AGE", 900),
		RefreshTokenMaxAge: envInt("REFRESH_TOKEN_MAX_AGE", 2592000),

		FanoutThreshold:    envInt("FANOUT_THRESHOLD", 10000),
		PushRetentionCount: envInt("PUSH_RETENTION_COUNT", 500),
		BackfillWindow:     envDuration("BACKFILL_WINDOW", 30*24*time.Hour),
		PageDefaultLimit:   envInt("PAGE_DEFAULT_LIMIT", 10),
		PageMaxLimit:       envInt("PAGE_MAX_LIMIT", 50),

		WorkerCount: envInt("WORKER_COUNT", 2),
		WorkerBatch: envInt("WORKER_BATCH", 10),
		WorkerBlock: envDuration("WORKER_BLOCK", 5*time.Second),
	}, nil
}

// envInt reads an integer env var, falling back to def when unset or invalid.
func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// envDuration reads a duration env var ("30s", "720h"), falling back to def.
func envDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
