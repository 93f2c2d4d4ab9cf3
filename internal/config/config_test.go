package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/care-matching/internal/geo"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, 10.0, cfg.Match.RadiusKm)
	require.Equal(t, 15*time.Minute, cfg.Match.ResponseWindow)
	require.Equal(t, geo.DefaultWeights(), cfg.Match.Weights)
	require.True(t, cfg.Match.AsyncRematch)
	require.Equal(t, "usd", cfg.CancelFee.Currency)
	require.Equal(t, 2*time.Minute, cfg.RematchAfter)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("MATCH_RADIUS_KM", "25")
	t.Setenv("MATCH_WEIGHTS", "distance=1,rating=1")
	t.Setenv("MATCH_ASYNC_REMATCH", "false")
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 25.0, cfg.Match.RadiusKm)
	require.Equal(t, geo.Weights{Distance: 1, Rating: 1}, cfg.Match.Weights)
	require.False(t, cfg.Match.AsyncRematch)
	require.Equal(t, 30*time.Second, cfg.SweepInterval)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9090"
sqlite_path: /tmp/care.db
match:
  radius_km: 5
  response_window: 10m
cancel_fee:
  amount_cents: 1500
stripe_api_key: sk_test_x
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HTTP_ADDR", ":7070")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.HTTPAddr)
	require.Equal(t, "/tmp/care.db", cfg.SQLitePath)
	require.Equal(t, 5.0, cfg.Match.RadiusKm)
	require.Equal(t, 10*time.Minute, cfg.Match.ResponseWindow)
	require.Equal(t, int64(1500), cfg.CancelFee.AmountCents)
	require.Equal(t, 24*time.Hour, cfg.CancelFee.Window)
	require.Equal(t, geo.DefaultWeights(), cfg.Match.Weights)
}

func TestFileWeightsStartFromZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rematch_after: 5m
match:
  weights:
    distance: 0.5
    experience: 0.5
`), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	require.Equal(t, geo.Weights{Distance: 0.5, Experience: 0.5}, cfg.Match.Weights)
	require.Equal(t, 10.0, cfg.Match.RadiusKm)
	require.True(t, cfg.Match.AsyncRematch)
	require.Equal(t, 5*time.Minute, cfg.RematchAfter)

	env, err := geo.ParseWeights("distance=0.5,experience=0.5")
	require.NoError(t, err)
	require.Equal(t, env, cfg.Match.Weights)
}

func TestInvalidValuesAreCollected(t *testing.T) {
	t.Setenv("MATCH_RADIUS_KM", "-1")
	t.Setenv("SWEEP_INTERVAL", "soon")
	t.Setenv("MATCH_WEIGHTS", "distance=x")
	t.Setenv("CANCEL_FEE_CENTS", "500")

	_, err := LoadServerConfig()
	require.Error(t, err)
	msg := err.Error()
	require.Contains(t, msg, "MATCH_RADIUS_KM")
	require.Contains(t, msg, "SWEEP_INTERVAL")
	require.Contains(t, msg, "MATCH_WEIGHTS")
	require.Contains(t, msg, "STRIPE_API_KEY")
}

func TestMissingConfigFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := LoadServerConfig()
	require.Error(t, err)
}

func TestConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("KAFKA_GROUP", "geo-writers")
	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, "geo-writers", cfg.Group)
	require.Equal(t, "caregiver-locations", cfg.LocationTopic)
	require.Equal(t, "caregivers_geo", cfg.RedisGeoKey)
}
