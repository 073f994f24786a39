package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	LogLevel    string
	HTTPAddr    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Kafka KafkaConfig

	PricingServiceURL string
	UserServiceURL    string

	Relay  RelayConfig
	Rescue RescueConfig
}

// KafkaConfig covers both the trip-event consumer and the outbox publisher.
type KafkaConfig struct {
	Brokers         []string
	TripTopic       string
	DeadLetterTopic string
	GroupID         string
	Workers         int
	MaxRetries      int
	RetryBackoff    time.Duration
}

// RelayConfig controls the outbox relay and its maintenance sweeps.
type RelayConfig struct {
	PollInterval    time.Duration
	BatchSize       int
	RescueInterval  time.Duration
	StuckTimeout    time.Duration
	CleanupInterval time.Duration
	Retention       time.Duration
	LockTTL         time.Duration
}

// RescueConfig controls the zombie payment rescue job.
type RescueConfig struct {
	Interval  time.Duration
	Deadline  time.Duration
	BatchSize int
	LockTTL   time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "payment-service"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "payments"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		Kafka: KafkaConfig{
			Brokers:         splitCSV(getenv("KAFKA_BROKERS", "localhost:9092")),
			TripTopic:       getenv("KAFKA_TRIP_TOPIC", "trip_events"),
			DeadLetterTopic: getenv("KAFKA_DLT_TOPIC", "trip_events.dlt"),
			GroupID:         getenv("KAFKA_GROUP_ID", "payment-service-group"),
			Workers:         getenvInt("KAFKA_WORKERS", 4),
			MaxRetries:      getenvInt("KAFKA_MAX_RETRIES", 3),
			RetryBackoff:    getenvDuration("KAFKA_RETRY_BACKOFF", time.Second),
		},

		PricingServiceURL: getenv("PRICING_SERVICE_URL", "http://localhost:8081"),
		UserServiceURL:    getenv("USER_SERVICE_URL", "http://localhost:8082"),

		Relay: RelayConfig{
			PollInterval:    getenvDuration("OUTBOX_POLL_INTERVAL", 500*time.Millisecond),
			BatchSize:       getenvInt("OUTBOX_BATCH_SIZE", 100),
			RescueInterval:  getenvDuration("OUTBOX_RESCUE_INTERVAL", time.Minute),
			StuckTimeout:    getenvDuration("OUTBOX_STUCK_TIMEOUT", 10*time.Minute),
			CleanupInterval: getenvDuration("OUTBOX_CLEANUP_INTERVAL", time.Hour),
			Retention:       getenvDuration("OUTBOX_RETENTION", 72*time.Hour),
			LockTTL:         getenvDuration("OUTBOX_LOCK_TTL", 50*time.Second),
		},
		Rescue: RescueConfig{
			Interval:  getenvDuration("RESCUE_INTERVAL", time.Minute),
			Deadline:  getenvDuration("RESCUE_DEADLINE", 10*time.Minute),
			BatchSize: getenvInt("RESCUE_BATCH_SIZE", 50),
			LockTTL:   getenvDuration("RESCUE_LOCK_TTL", 50*time.Second),
		},
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
