package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string
	LogLevel    string
	LogFormat   string
	Timezone    string

	RateLimitPerMinute             int
	RateLimitBurst                 int
	OrganizationRateLimitPerMinute int
	OrganizationRateLimitBurst     int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetention    time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string

	KafkaBrokers string
	KafkaTopic   string

	SequenceResetSchedule string
	OutboxPurgeSchedule   string
}

// Load reads the environment. A .env file in the working directory is
// applied first when present; variables already set win.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:        readString("PORT", "8080"),
		DatabaseURL: os.Getenv("DB_DSN"),
		LogLevel:    readString("LOG_LEVEL", "info"),
		LogFormat:   readString("LOG_FORMAT", "json"),
		Timezone:    readString("TIMEZONE", "UTC"),

		RateLimitPerMinute:             readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:                 readInt("RATE_LIMIT_BURST", 30),
		OrganizationRateLimitPerMinute: readInt("TENANT_RATE_LIMIT_PER_MIN", 600),
		OrganizationRateLimitBurst:     readInt("TENANT_RATE_LIMIT_BURST", 120),

		OutboxPollInterval: readDurationSeconds("OUTBOX_POLL_INTERVAL_SECONDS", 1),
		OutboxBatchSize:    readInt("OUTBOX_BATCH_SIZE", 100),
		OutboxMaxAttempts:  readInt("OUTBOX_MAX_ATTEMPTS", 5),
		OutboxRetention:    time.Duration(readInt("OUTBOX_RETENTION_HOURS", 24)) * time.Hour,

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       readInt("REDIS_DB", 0),
		RedisChannel:  readString("REDIS_CHANNEL", "queue-engine:events"),

		KafkaBrokers: os.Getenv("KAFKA_BROKERS"),
		KafkaTopic:   readString("KAFKA_TOPIC", "queue-events"),

		SequenceResetSchedule: readString("SEQUENCE_RESET_SCHEDULE", "0 * * * * *"),
		OutboxPurgeSchedule:   readString("OUTBOX_PURGE_SCHEDULE", "0 */10 * * * *"),
	}
}

// Location resolves Timezone, falling back to UTC for unknown names.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func readString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
