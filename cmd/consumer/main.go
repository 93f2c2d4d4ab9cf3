package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/care-matching/internal/config"
	"github.com/example/care-matching/internal/geo"
	"github.com/example/care-matching/internal/logging"
	"github.com/example/care-matching/internal/models"
	"github.com/example/care-matching/internal/observability"
)

const maxBackoff = 30 * time.Second

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Component(logging.NewLogger(cfg.LogLevel), "consumer")

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	go serveHealth(cfg.MetricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.LocationTopic, GroupID: cfg.Group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	c := &locationConsumer{reader: r, redis: &redisAdapter{c: rc}, geoKey: cfg.RedisGeoKey, logger: logger}
	logger.Info("consumer listening", "topic", cfg.LocationTopic, "brokers", cfg.KafkaBrokers, "group", cfg.Group)
	c.run(ctx)
	logger.Info("shutting down consumer")
}

func serveHealth(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(200)
		w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "err", err)
	}
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// RedisUpdater is the subset of redis the consumer writes with.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

// locationConsumer applies caregiver position reports to the geo set and
// availability hash that the server's RedisGeo index reads.
type locationConsumer struct {
	reader messageReader
	redis  RedisUpdater
	geoKey string
	logger *slog.Logger

	retryDelay time.Duration
}

// run reads until ctx is cancelled. Read errors back off exponentially; a bad
// or unappliable message is counted and skipped.
func (c *locationConsumer) run(ctx context.Context) {
	backoff := time.Second
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("kafka read error", "err", err, "backoff", backoff.String())
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		observability.ConsumerMessages.WithLabelValues("consumed").Inc()
		c.handle(ctx, m)
	}
}

func (c *locationConsumer) handle(ctx context.Context, m kafka.Message) bool {
	u, err := decodeUpdate(m.Value)
	if err != nil {
		observability.ConsumerMessages.WithLabelValues("invalid").Inc()
		c.logger.Warn("invalid message", "offset", m.Offset, "err", err)
		return false
	}
	delay := c.retryDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	if err := updateRedisWithRetry(ctx, c.redis, c.geoKey, u, 3, delay); err != nil {
		observability.ConsumerMessages.WithLabelValues("failed").Inc()
		c.logger.Error("redis update failed", "caregiver_id", u.CaregiverID, "err", err)
		return false
	}
	observability.ConsumerMessages.WithLabelValues("applied").Inc()
	return true
}

// decodeUpdate parses one location message; a message without a caregiver
// id or with coordinates out of range is rejected.
func decodeUpdate(b []byte) (models.LocationUpdate, error) {
	var u models.LocationUpdate
	if err := json.Unmarshal(b, &u); err != nil {
		return u, err
	}
	if strings.TrimSpace(u.CaregiverID) == "" {
		return u, errors.New("missing caregiver_id")
	}
	if u.Loc.Lat < -90 || u.Loc.Lat > 90 || u.Loc.Lng < -180 || u.Loc.Lng > 180 {
		return u, errors.New("coordinates out of range")
	}
	if u.Updated.IsZero() {
		u.Updated = time.Now().UTC()
	}
	return u, nil
}

// updateRedisWithRetry writes the position then the availability hash,
// retrying the pair with doubling delay.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, key string, u models.LocationUpdate, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
			delay *= 2
		}
		if err = rc.GeoAdd(ctx, key, &redis.GeoLocation{Longitude: u.Loc.Lng, Latitude: u.Loc.Lat, Name: u.CaregiverID}); err != nil {
			continue
		}
		if err = rc.HSet(ctx, geo.MetaKey(u.CaregiverID), map[string]interface{}{
			"available_now": strconv.FormatBool(u.AvailableNow),
			"updated":       u.Updated.Format(time.RFC3339),
		}); err != nil {
			continue
		}
		return nil
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
