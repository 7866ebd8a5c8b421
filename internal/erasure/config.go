package erasure

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/retail-pipeline/etl/internal/config"
)

const (
	defaultMaxPerSecond = 10
	defaultBurst        = 1
	defaultTopic        = "erasure-requests"
	defaultGroupID      = "etl-erasure"
	defaultIdleTimeout  = 5 * time.Second
)

type (
	// Config holds erasure throttling and request queue settings.
	Config struct {
		// MaxPerSecond caps file rewrites per second; zero or less disables the cap.
		MaxPerSecond float64 `yaml:"max_per_second"` //nolint:tagliatelle // snake_case is intentional for YAML config files
		Burst        int     `yaml:"burst"`

		Brokers []string `yaml:"kafka_brokers"` //nolint:tagliatelle // snake_case is intentional for YAML config files
		Topic   string   `yaml:"kafka_topic"`   //nolint:tagliatelle // snake_case is intentional for YAML config files
		GroupID string   `yaml:"kafka_group_id"` //nolint:tagliatelle // snake_case is intentional for YAML config files
		// IdleTimeout ends a queue drain once no message arrived for this long.
		IdleTimeout time.Duration `yaml:"idle_timeout"` //nolint:tagliatelle // snake_case is intentional for YAML config files
	}

	fileConfig struct {
		Erasure Config `yaml:"erasure"`
	}
)

// LoadConfig reads the "erasure" section of the pipeline configuration file, then applies
// ERASURE_MAX_PER_SECOND, ERASURE_BURST, KAFKA_BROKERS, KAFKA_ERASURE_TOPIC,
// KAFKA_GROUP_ID and KAFKA_IDLE_TIMEOUT on top.
func LoadConfig() *Config {
	cfg := &Config{
		MaxPerSecond: defaultMaxPerSecond,
		Burst:        defaultBurst,
		Brokers:      []string{"localhost:9092"},
		Topic:        defaultTopic,
		GroupID:      defaultGroupID,
		IdleTimeout:  defaultIdleTimeout,
	}

	file := fileConfig{Erasure: *cfg}
	if config.LoadFileFromEnv(&file) {
		*cfg = file.Erasure
	}

	cfg.MaxPerSecond = config.GetEnvFloat("ERASURE_MAX_PER_SECOND", cfg.MaxPerSecond)
	cfg.Burst = config.GetEnvInt("ERASURE_BURST", cfg.Burst)
	cfg.Brokers = config.GetEnvList("KAFKA_BROKERS", cfg.Brokers)
	cfg.Topic = config.GetEnvStr("KAFKA_ERASURE_TOPIC", cfg.Topic)
	cfg.GroupID = config.GetEnvStr("KAFKA_GROUP_ID", cfg.GroupID)
	cfg.IdleTimeout = config.GetEnvDuration("KAFKA_IDLE_TIMEOUT", cfg.IdleTimeout)

	return cfg
}

// Limiter returns the rewrite throttle described by the config.
func (c *Config) Limiter() *rate.Limiter {
	if c.MaxPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}

	burst := c.Burst
	if burst < 1 {
		burst = 1
	}

	return rate.NewLimiter(rate.Limit(c.MaxPerSecond), burst)
}
