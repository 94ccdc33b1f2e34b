package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fares"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/locations"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/ws"
	"github.com/example/ride-dispatch/internal/zone"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.PGDSN != "" && cfg.RunMigrations {
		runMigrations(cfg.PGDSN, logger)
	}

	var store storage.RideStore
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "err", err)
			os.Exit(1)
		}
		store = pg
	} else {
		logger.Warn("PG_DSN not set, using in-memory ride store")
		store = storage.NewMemoryStore()
	}

	var quoter dispatch.Quoter
	if cfg.FareEndpoint != "" {
		quoter = &fares.CachedQuoter{
			Inner: fares.NewHTTPQuoter(cfg.FareEndpoint),
			Cache: fares.NewCache(5 * time.Minute),
		}
	} else {
		quoter = &fares.FlatQuoter{}
	}

	ix := zone.NewIndex(cfg.ZonePrecision)
	reg := registry.New()
	hub := ws.NewHub()

	svc := dispatch.NewService(store, ix, reg, hub, quoter, logger)
	svc.OTPLength = cfg.OTPLength
	svc.ScanRadiusKm = cfg.ScanRadiusKm
	svc.ScanRadiusMaxKm = cfg.ScanRadiusMaxKm

	var recorders []dispatch.Recorder
	if cfg.RedisAddr != "" {
		rs := locations.NewStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer rs.Close()
		recorders = append(recorders, rs)
		svc.Locator = rs
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		recorders = append(recorders, kp)
	}
	if len(recorders) > 0 {
		svc.Location = multiRecorder(recorders)
	}

	if os.Getenv("STRIPE_API_KEY") != "" {
		svc.Payments = payments.NewStripeClient()
	}
	if cfg.PushEndpoint != "" {
		svc.Push = notify.NewPushClient(cfg.PushEndpoint, os.Getenv("PUSH_KEY"))
	}

	api := httpapi.NewServer(svc, hub, reg, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
	logger.Info("ride-dispatch stopped")
}

// multiRecorder fans a ping out to every configured sink. The first failure
// is returned but later sinks still get the ping.
type multiRecorder []dispatch.Recorder

func (m multiRecorder) Record(ctx context.Context, ping models.LocationPing) error {
	var first error
	for _, r := range m {
		if err := r.Record(ctx, ping); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open", "err", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
	if err != nil {
		logger.Error("migration read", "err", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec", "err", err)
	}
}
