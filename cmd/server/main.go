package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/example/care-matching/internal/assignment"
	"github.com/example/care-matching/internal/config"
	"github.com/example/care-matching/internal/dispatch"
	"github.com/example/care-matching/internal/geo"
	httpapi "github.com/example/care-matching/internal/http"
	"github.com/example/care-matching/internal/ingest"
	"github.com/example/care-matching/internal/logging"
	"github.com/example/care-matching/internal/matcher"
	"github.com/example/care-matching/internal/models"
	"github.com/example/care-matching/internal/payments"
	"github.com/example/care-matching/internal/profiles"
	"github.com/example/care-matching/internal/requests"
	"github.com/example/care-matching/internal/storage"
	"github.com/example/care-matching/internal/sweeper"
)

const ratingCacheTTL = time.Minute

// directory is what both profile backends offer the server.
type directory interface {
	profiles.Directory
	profiles.Candidates
	profiles.Reviews
	Upsert(ctx context.Context, u models.LocationUpdate) error
}

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var (
		store storage.Store
		dir   directory
	)
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
		if cfg.RunMigrations || db.Dialect == storage.SQLite {
			if err := db.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("schema migrated")
		}
		store = storage.NewSQLStore(db)
		dir = profiles.NewSQLDirectory(db)
	} else {
		logger.Warn("no database configured, using in-memory store")
		store = storage.NewMemoryStore()
		dir = profiles.NewMemoryDirectory()
	}

	locations := []httpapi.LocationSink{dir}
	var candidates profiles.Candidates = dir
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer rg.Close()
		if err := rg.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		candidates = &profiles.GeoCandidates{Locator: rg, Profiles: dir}
		locations = append([]httpapi.LocationSink{rg}, locations...)
	}

	var (
		publisher ingest.Publisher = ingest.LogPublisher{Logger: logging.Component(logger, "outbox")}
		locPub    httpapi.LocationPublisher
	)
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		publisher, locPub = kp, kp
	}
	defer publisher.Close()

	ws := dispatch.NewWSRegistry()
	notifier := dispatch.NewPushDispatcher(ws, fallbackNotifier(cfg, logger), logging.Component(logger, "dispatch"))

	relay := ingest.NewRelay(store, publisher, logging.Component(logger, "outbox"))
	relay.Interval = cfg.OutboxInterval
	relay.Topics = map[string]string{models.TopicBookingRequested: cfg.KafkaBookingTopic}

	engine := &matcher.Engine{
		Store:          store,
		Candidates:     candidates,
		Reviews:        profiles.NewCachedReviews(dir, ratingCacheTTL),
		Notifier:       notifier,
		Logger:         logging.Component(logger, "matcher"),
		RadiusKm:       cfg.Match.RadiusKm,
		ResponseWindow: cfg.Match.ResponseWindow,
		Weights:        cfg.Match.Weights,
	}
	life := &assignment.Lifecycle{
		Store:    store,
		Profiles: dir,
		Matcher:  engine,
		Notifier: notifier,
		Outbox:   relay,
		Logger:   logging.Component(logger, "assignment"),
		Async:    cfg.Match.AsyncRematch,
	}
	svc := &requests.Service{
		Store:     store,
		Profiles:  dir,
		Matcher:   engine,
		Lifecycle: life,
		Notifier:  notifier,
		Logger:    logging.Component(logger, "requests"),
		FeeWindow: cfg.CancelFee.Window,
	}
	if cfg.StripeAPIKey != "" && cfg.CancelFee.AmountCents > 0 {
		svc.Fees = &payments.CancellationFee{
			Gateway:     payments.NewStripeClient(cfg.StripeAPIKey),
			AmountCents: cfg.CancelFee.AmountCents,
			Currency:    cfg.CancelFee.Currency,
		}
	}
	sw := &sweeper.Sweeper{
		Store:        store,
		Expirer:      life,
		Matcher:      engine,
		RematchAfter: cfg.RematchAfter,
		Logger:       logging.Component(logger, "sweeper"),
		Interval:     cfg.SweepInterval,
	}

	api := httpapi.NewServer(svc, ws, logging.Component(logger, "http"))
	api.Locations = locations
	if locPub != nil {
		api.Publisher = locPub
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	bgCtx, cancelBG := context.WithCancel(context.Background())
	var bg sync.WaitGroup
	bg.Add(2)
	go func() { defer bg.Done(); sw.Run(bgCtx) }()
	go func() { defer bg.Done(); relay.Run(bgCtx) }()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("care-matching listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		cancelBG()
		bg.Wait()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	life.Wait()
	cancelBG()
	bg.Wait()
	// drain what the last requests wrote
	if n, err := relay.Flush(shutdownCtx); err != nil {
		logger.Warn("final outbox flush", "delivered", n, "err", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func openDB(cfg config.ServerConfig) (*storage.DB, error) {
	switch {
	case cfg.PGDSN != "":
		return storage.OpenPostgres(cfg.PGDSN)
	case cfg.SQLitePath != "":
		return storage.OpenSQLite(cfg.SQLitePath)
	}
	return nil, nil
}

func fallbackNotifier(cfg config.ServerConfig, logger *slog.Logger) dispatch.Notifier {
	switch {
	case cfg.FCMEndpoint != "":
		return dispatch.NewFCMNotifier(cfg.FCMEndpoint, cfg.FCMKey)
	case cfg.PushEndpoint != "":
		return dispatch.NewWebhookNotifier(cfg.PushEndpoint)
	}
	return dispatch.LogNotifier{Logger: logging.Component(logger, "dispatch")}
}
