package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App         AppConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Stripe      StripeConfig
	Kafka       KafkaConfig
	JWT         JWTConfig
	CORS        CORSConfig
	Reservation ReservationConfig
	Sweeper     SweeperConfig
	Seed        SeedConfig
}

type AppConfig struct {
	Name    string
	Port    string
	Debug   bool
	LogPath string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	MaxConns int32
}

type RedisConfig struct {
	// Addr is empty when the sweeper runs without Redis on a single instance.
	Addr     string
	Password string
	DB       int
}

type StripeConfig struct {
	// Provider is "stripe" or "mock"; empty picks stripe when a key is set.
	Provider  string
	SecretKey string
	Currency  string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type JWTConfig struct {
	Secret string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type ReservationConfig struct {
	HoldTTL              time.Duration
	CaptureTimeout       time.Duration
	RetryMaxAttempts     int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
	LockKey   string
	LockTTL   time.Duration
	// Grace delays reclamation past the hold deadline so an in-flight capture
	// can finish its retries first.
	Grace time.Duration
}

type SeedConfig struct {
	DemoData bool
}

// LoadConfig reads .env from the working directory when present, then lets
// environment variables override every key.
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(".env")
}

func LoadConfigFrom(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")

	// Set defaults
	v.SetDefault("APP_NAME", "cinema-reservation")
	v.SetDefault("PORT", "8080")
	v.SetDefault("DEBUG", false)
	v.SetDefault("LOG_PATH", "logs/")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("PAYMENT_CURRENCY", "usd")
	v.SetDefault("KAFKA_TOPIC", "reservation-events")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("HOLD_TTL", "10m")
	v.SetDefault("PAYMENT_CAPTURE_TIMEOUT", "10s")
	v.SetDefault("PAYMENT_RETRY_MAX_ATTEMPTS", 4)
	v.SetDefault("PAYMENT_RETRY_INITIAL_INTERVAL", "500ms")
	v.SetDefault("PAYMENT_RETRY_MAX_INTERVAL", "5s")
	v.SetDefault("SWEEPER_INTERVAL", "30s")
	v.SetDefault("SWEEPER_BATCH_SIZE", 100)
	v.SetDefault("SWEEPER_LOCK_KEY", "cinema-reservation:sweeper")
	v.SetDefault("SWEEPER_LOCK_TTL", "25s")
	v.SetDefault("SWEEPER_GRACE", "15s")
	v.SetDefault("SEED_DEMO_DATA", false)

	if err := v.ReadInConfig(); err != nil {
		var pathErr *fs.PathError
		if !errors.As(err, &pathErr) {
			return nil, err
		}
	}

	v.AutomaticEnv()

	config := &Config{
		App: AppConfig{
			Name:    v.GetString("APP_NAME"),
			Port:    v.GetString("PORT"),
			Debug:   v.GetBool("DEBUG"),
			LogPath: v.GetString("LOG_PATH"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetString("DB_PORT"),
			Name:     v.GetString("DB_NAME"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASS"),
			MaxConns: v.GetInt32("DB_MAX_CONNS"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Stripe: StripeConfig{
			Provider:  strings.ToLower(v.GetString("PAYMENT_PROVIDER")),
			SecretKey: v.GetString("STRIPE_SECRET_KEY"),
			Currency:  strings.ToLower(v.GetString("PAYMENT_CURRENCY")),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetString("KAFKA_BROKERS")),
			Topic:   v.GetString("KAFKA_TOPIC"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("JWT_SECRET"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		},
		Reservation: ReservationConfig{
			HoldTTL:              v.GetDuration("HOLD_TTL"),
			CaptureTimeout:       v.GetDuration("PAYMENT_CAPTURE_TIMEOUT"),
			RetryMaxAttempts:     v.GetInt("PAYMENT_RETRY_MAX_ATTEMPTS"),
			RetryInitialInterval: v.GetDuration("PAYMENT_RETRY_INITIAL_INTERVAL"),
			RetryMaxInterval:     v.GetDuration("PAYMENT_RETRY_MAX_INTERVAL"),
		},
		Sweeper: SweeperConfig{
			Interval:  v.GetDuration("SWEEPER_INTERVAL"),
			BatchSize: v.GetInt("SWEEPER_BATCH_SIZE"),
			LockKey:   v.GetString("SWEEPER_LOCK_KEY"),
			LockTTL:   v.GetDuration("SWEEPER_LOCK_TTL"),
			Grace:     v.GetDuration("SWEEPER_GRACE"),
		},
		Seed: SeedConfig{
			DemoData: v.GetBool("SEED_DEMO_DATA"),
		},
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	if c.JWT.Secret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.Sweeper.Grace > c.Sweeper.Interval {
		return fmt.Errorf("SWEEPER_GRACE %s exceeds SWEEPER_INTERVAL %s", c.Sweeper.Grace, c.Sweeper.Interval)
	}
	return nil
}

// splitList turns "a, b,,c" into [a b c].
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
