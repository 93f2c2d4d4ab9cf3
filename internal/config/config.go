package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/care-matching/internal/geo"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Defaults come first, then the optional CONFIG_FILE, then environment
// variables, so the binary runs locally with no setup at all.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisGeoKey   string `yaml:"redis_geo_key"`

	KafkaBrokers       []string `yaml:"kafka_brokers"`
	KafkaLocationTopic string   `yaml:"kafka_location_topic"`
	KafkaBookingTopic  string   `yaml:"kafka_booking_topic"`

	PGDSN         string `yaml:"pg_dsn"`
	SQLitePath    string `yaml:"sqlite_path"`
	RunMigrations bool   `yaml:"migrate"`

	Match MatchConfig `yaml:"match"`

	SweepInterval  time.Duration `yaml:"sweep_interval"`
	RematchAfter   time.Duration `yaml:"rematch_after"`
	OutboxInterval time.Duration `yaml:"outbox_interval"`

	PushEndpoint string `yaml:"push_endpoint"`
	FCMEndpoint  string `yaml:"fcm_endpoint"`
	FCMKey       string `yaml:"fcm_key"`

	StripeAPIKey string    `yaml:"stripe_api_key"`
	CancelFee    FeeConfig `yaml:"cancel_fee"`

	LogLevel string `yaml:"log_level"`
}

type MatchConfig struct {
	RadiusKm       float64       `yaml:"radius_km"`
	ResponseWindow time.Duration `yaml:"response_window"`
	Weights        geo.Weights   `yaml:"weights"`
	AsyncRematch   bool          `yaml:"async_rematch"`
}

// UnmarshalYAML starts weights from zero when the file names any, so a
// partial weights block means the same as MATCH_WEIGHTS.
func (m *MatchConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == "weights" {
				m.Weights = geo.Weights{}
			}
		}
	}
	type plain MatchConfig
	return node.Decode((*plain)(m))
}

type FeeConfig struct {
	AmountCents int64         `yaml:"amount_cents"`
	Currency    string        `yaml:"currency"`
	Window      time.Duration `yaml:"window"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "caregivers_geo",
		KafkaLocationTopic: "caregiver-locations",
		KafkaBookingTopic:  "booking-requested",
		Match: MatchConfig{
			RadiusKm:       10,
			ResponseWindow: 15 * time.Minute,
			Weights:        geo.DefaultWeights(),
			AsyncRematch:   true,
		},
		SweepInterval:  time.Minute,
		RematchAfter:   2 * time.Minute,
		OutboxInterval: 5 * time.Second,
		CancelFee: FeeConfig{
			Currency: "usd",
			Window:   24 * time.Hour,
		},
		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaBookingTopic, "KAFKA_BOOKING_TOPIC")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	setStringFromEnv(&cfg.SQLitePath, "SQLITE_PATH")
	setBoolFromEnv(&cfg.RunMigrations, "MIGRATE", &errs)

	setFloatFromEnv(&cfg.Match.RadiusKm, "MATCH_RADIUS_KM", &errs)
	setDurationFromEnv(&cfg.Match.ResponseWindow, "MATCH_RESPONSE_WINDOW", &errs)
	if v := strings.TrimSpace(os.Getenv("MATCH_WEIGHTS")); v != "" {
		w, err := geo.ParseWeights(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid MATCH_WEIGHTS: %w", err))
		} else {
			cfg.Match.Weights = w
		}
	}
	setBoolFromEnv(&cfg.Match.AsyncRematch, "MATCH_ASYNC_REMATCH", &errs)

	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.RematchAfter, "SWEEP_REMATCH_AFTER", &errs)
	setDurationFromEnv(&cfg.OutboxInterval, "OUTBOX_INTERVAL", &errs)

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	setStringFromEnv(&cfg.FCMKey, "FCM_KEY")

	setStringFromEnv(&cfg.StripeAPIKey, "STRIPE_API_KEY")
	setInt64FromEnv(&cfg.CancelFee.AmountCents, "CANCEL_FEE_CENTS", &errs)
	setStringFromEnv(&cfg.CancelFee.Currency, "CANCEL_FEE_CURRENCY")
	setDurationFromEnv(&cfg.CancelFee.Window, "CANCEL_FEE_WINDOW", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives cmd/consumer, which applies the location stream to
// the Redis geo index.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	LocationTopic string
	Group         string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		LocationTopic: "caregiver-locations",
		Group:         "care-matching-consumer",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "caregivers_geo",
		LogLevel:      "info",
	}
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := splitAndTrim(os.Getenv("KAFKA_BROKERS")); len(brokers) > 0 {
		cfg.KafkaBrokers = brokers
	}
	setStringFromEnv(&cfg.LocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.Group, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if cfg.LocationTopic == "" || cfg.Group == "" {
		return cfg, errors.New("KAFKA_LOCATION_TOPIC and KAFKA_GROUP must be set")
	}
	return cfg, nil
}

func loadFile(path string, cfg *ServerConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	return nil
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.Match.RadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_RADIUS_KM must be > 0"))
	}
	if c.Match.ResponseWindow <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_RESPONSE_WINDOW must be > 0"))
	}
	if err := c.Match.Weights.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("MATCH_WEIGHTS: %w", err))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be > 0"))
	}
	if c.RematchAfter <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_REMATCH_AFTER must be > 0"))
	}
	if c.OutboxInterval <= 0 {
		errs = append(errs, fmt.Errorf("OUTBOX_INTERVAL must be > 0"))
	}
	if c.CancelFee.AmountCents < 0 {
		errs = append(errs, fmt.Errorf("CANCEL_FEE_CENTS must be >= 0"))
	}
	if c.CancelFee.AmountCents > 0 && c.StripeAPIKey == "" {
		errs = append(errs, fmt.Errorf("CANCEL_FEE_CENTS requires STRIPE_API_KEY"))
	}
	if c.PGDSN != "" && c.SQLitePath != "" {
		errs = append(errs, fmt.Errorf("set only one of PG_DSN and SQLITE_PATH"))
	}
	return errs
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
