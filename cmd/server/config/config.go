package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all server settings, read from the environment. Optional
// backends (AMQP, Postgres, Redis, remote payment status, OTLP) are enabled
// by setting their URL and fall back to in-process implementations.
type Config struct {
	HTTPAddr string

	AMQPURL      string
	AMQPPrefetch int

	DatabaseURL string

	RedisURL       string
	RedisStatusTTL time.Duration
	RedisOTel      bool

	PaymentStatusURL string
	OTLPEndpoint     string

	// Simulated external call delays.
	PaymentDelay time.Duration
	KitchenDelay time.Duration

	// SagaDeadline > 0 enables the deadline sweep.
	SagaDeadline  time.Duration
	SweepInterval time.Duration

	Reliability ReliabilityConfig
}

// ReliabilityConfig holds retry and circuit breaker settings. Defaults
// match the production policy: three consecutive failures open the breaker
// for thirty seconds.
type ReliabilityConfig struct {
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration

	// A zero interval or burst disables the rate limiter.
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		AMQPURL:          strings.TrimSpace(os.Getenv("AMQP_URL")),
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:         strings.TrimSpace(os.Getenv("REDIS_URL")),
		PaymentStatusURL: strings.TrimSpace(os.Getenv("PAYMENT_STATUS_URL")),
		OTLPEndpoint:     strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
	}
	var err error

	if cfg.HTTPAddr, err = stringOr("HTTP_ADDR", ":8080"); err != nil {
		return cfg, err
	}
	if cfg.AMQPPrefetch, err = intOr("AMQP_PREFETCH", 8); err != nil {
		return cfg, err
	}
	if cfg.RedisStatusTTL, err = durationOr("REDIS_STATUS_TTL", 24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.RedisOTel, err = boolOr("REDIS_OTEL", false); err != nil {
		return cfg, err
	}
	if cfg.PaymentDelay, err = durationOr("PAYMENT_DELAY", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.KitchenDelay, err = durationOr("KITCHEN_DELAY", 1500*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.SagaDeadline, err = durationOr("SAGA_DEADLINE", 0); err != nil {
		return cfg, err
	}
	if cfg.SweepInterval, err = durationOr("SAGA_SWEEP_INTERVAL", 30*time.Second); err != nil {
		return cfg, err
	}

	if cfg.Reliability.RetryMaxAttempts, err = intOr("RETRY_MAX_ATTEMPTS", 3); err != nil {
		return cfg, err
	}
	if cfg.Reliability.RetryBaseDelay, err = durationOr("RETRY_BASE_DELAY", 50*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.Reliability.RetryMaxDelay, err = durationOr("RETRY_MAX_DELAY", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.Reliability.BreakerMaxFailures, err = intOr("BREAKER_MAX_FAILURES", 3); err != nil {
		return cfg, err
	}
	if cfg.Reliability.BreakerResetTimeout, err = durationOr("BREAKER_RESET_TIMEOUT", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.Reliability.RateLimitInterval, err = durationOr("RATE_LIMIT_INTERVAL", 100*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.Reliability.RateLimitBurst, err = intOr("RATE_LIMIT_BURST", 10); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func stringOr(name, fallback string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	return raw, nil
}

func durationOr(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func intOr(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func boolOr(name string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}
