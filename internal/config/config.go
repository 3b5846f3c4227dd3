// package config provides the environment-backed configuration loader used by
// the platform bootstrap (cmd/platform/main.go).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the runtime config values read at startup.
type Config struct {
	DatabaseURL string // DATABASE_URL
	ListenAddr  string // LISTEN_ADDR (default :8080)

	KafkaBrokers    []string // KAFKA_BROKERS (comma separated)
	NormalizedTopic string   // NORMALIZED_TOPIC
	SyntheticTopic  string   // SYNTHETIC_TOPIC
	EvaluatedTopic  string   // EVALUATED_TOPIC (with AlertTopic, routes outcomes over Kafka)
	AlertTopic      string   // ALERT_TOPIC
	ConsumerGroup   string   // CONSUMER_GROUP (default platform-service)

	SchedulerEnabled  bool          // SCHEDULER_ENABLED (default true)
	SchedulerInterval time.Duration // SCHEDULER_INTERVAL_SECONDS (default 15s)
	SchedulerLimit    int           // SCHEDULER_POLL_LIMIT (default 100)

	IngestMaxConcurrent int // INGEST_MAX_CONCURRENT (default 32)

	AuthJWTSecret string // AUTH_JWT_SECRET (empty disables auth)

	S3Bucket string // S3_BUCKET (empty disables the audit archiver)
	S3Prefix string // S3_PREFIX (optional)
}

// LoadFromEnv reads config values from environment variables, applying
// defaults where unset.
func LoadFromEnv() *Config {
	cfg := &Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		ListenAddr:        os.Getenv("LISTEN_ADDR"),
		NormalizedTopic:   os.Getenv("NORMALIZED_TOPIC"),
		SyntheticTopic:    os.Getenv("SYNTHETIC_TOPIC"),
		EvaluatedTopic:    os.Getenv("EVALUATED_TOPIC"),
		AlertTopic:        os.Getenv("ALERT_TOPIC"),
		ConsumerGroup:     os.Getenv("CONSUMER_GROUP"),
		AuthJWTSecret:     os.Getenv("AUTH_JWT_SECRET"),
		S3Bucket:          strings.TrimSpace(os.Getenv("S3_BUCKET")),
		S3Prefix:          strings.TrimSpace(os.Getenv("S3_PREFIX")),
		SchedulerEnabled:  true,
		SchedulerInterval: 15 * time.Second,
		SchedulerLimit:    100,
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "platform-service"
	}

	if raw := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); raw != "" {
		for _, b := range strings.Split(raw, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	if v := os.Getenv("SCHEDULER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.SchedulerEnabled = b
		}
	}
	if v := os.Getenv("SCHEDULER_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SchedulerInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("SCHEDULER_POLL_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SchedulerLimit = n
		}
	}

	cfg.IngestMaxConcurrent = 32
	if v := os.Getenv("INGEST_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.IngestMaxConcurrent = n
		}
	}

	return cfg
}
