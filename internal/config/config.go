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

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	StatsCacheTTL time.Duration

	AMQPURL            string
	AMQPQueue          string
	NotifyProvider     string
	NotifyWebhookURL   string
	NotifyWebhookToken string

	PositionRefresh  time.Duration
	FeedResync       time.Duration
	FeedReconnectMax time.Duration
	Location         *time.Location

	LogLevel  string
	LogFormat string

	OTLPEndpoint     string
	OTLPInsecure     bool
	TraceSampleRatio float64
	Environment      string
	Version          string

	AllowedOrigins             []string
	RateLimitPerMinute         int
	RateLimitBurst             int
	BusinessRateLimitPerMinute int
	BusinessRateLimitBurst     int
}

// Load reads the environment, after an optional .env file in the working
// directory.
func Load() Config {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:        port,
		DatabaseURL: os.Getenv("DB_DSN"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       readInt("REDIS_DB", 0),
		StatsCacheTTL: readDurationSeconds("STATS_CACHE_TTL_SECONDS", 30),

		AMQPURL:            os.Getenv("AMQP_URL"),
		AMQPQueue:          readString("AMQP_QUEUE", "queue.token.announcements"),
		NotifyProvider:     readString("NOTIFY_PROVIDER", "log"),
		NotifyWebhookURL:   os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookToken: os.Getenv("NOTIFY_WEBHOOK_TOKEN"),

		PositionRefresh:  readDurationSeconds("POSITION_REFRESH_SECONDS", 30),
		FeedResync:       readDurationSeconds("FEED_RESYNC_SECONDS", 0),
		FeedReconnectMax: readDurationSeconds("FEED_RECONNECT_MAX_SECONDS", 30),
		Location:         readLocation("QUEUE_TIMEZONE"),

		LogLevel:  readString("LOG_LEVEL", "info"),
		LogFormat: readString("LOG_FORMAT", "json"),

		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:     os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		TraceSampleRatio: readRatio("TRACE_SAMPLE_RATIO", 1),
		Environment:      readString("APP_ENV", "development"),
		Version:          os.Getenv("SERVICE_VERSION"),

		AllowedOrigins:             readList("ALLOWED_ORIGINS"),
		RateLimitPerMinute:         readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:             readInt("RATE_LIMIT_BURST", 30),
		BusinessRateLimitPerMinute: readInt("BUSINESS_RATE_LIMIT_PER_MIN", 600),
		BusinessRateLimitBurst:     readInt("BUSINESS_RATE_LIMIT_BURST", 120),
	}
}

func readString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func readList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// readLocation falls back to UTC on an empty or unknown zone name.
func readLocation(key string) *time.Location {
	name := strings.TrimSpace(os.Getenv(key))
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

// readRatio accepts values in [0, 1].
func readRatio(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value < 0 || value > 1 {
		return fallback
	}
	return value
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
