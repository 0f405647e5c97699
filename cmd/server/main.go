package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vdavid/ticketdesk/internal/api"
	"github.com/vdavid/ticketdesk/internal/auth"
	"github.com/vdavid/ticketdesk/internal/config"
	"github.com/vdavid/ticketdesk/internal/crypto"
	"github.com/vdavid/ticketdesk/internal/db"
	"github.com/vdavid/ticketdesk/internal/events"
	"github.com/vdavid/ticketdesk/internal/ingest"
	"github.com/vdavid/ticketdesk/internal/lock"
	"github.com/vdavid/ticketdesk/internal/logger"
	"github.com/vdavid/ticketdesk/internal/mailbox"
	"github.com/vdavid/ticketdesk/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger, err := logger.New(cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = appLogger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, appLogger); err != nil {
		appLogger.Fatal("server stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	pool, err := db.NewConnection(ctx, cfg, logger.Named("db"))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.CloseConnection(pool)
	logger.Info("connected to database")

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return fmt.Errorf("failed to create encryptor: %w", err)
	}

	rules, err := config.LoadRules(cfg.RulesFile, cfg.OrgDomain)
	if err != nil {
		return err
	}

	locker, closeLocker, err := lock.FromConfig(cfg, pool)
	if err != nil {
		return err
	}
	defer func() { _ = closeLocker() }()

	var publisher events.Publisher = events.Nop{}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL)
		if err != nil {
			logger.Warn("event publishing disabled", zap.Error(err))
		} else {
			defer amqpPublisher.Close()
			publisher = amqpPublisher
		}
	}

	ingestLogger := logger.Named("ingest")
	pipeline := ingest.NewPipeline(pool, encryptor, mailbox.NewProviderFactory(cfg, ingestLogger), cfg, rules, publisher, ingestLogger)
	runLog := ingest.NewRunLog(pool)
	coordinator := ingest.NewCoordinator(locker, pipeline, runLog, ingestLogger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           NewServer(cfg, coordinator, runLog, pool, logger.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("ticketdesk server starting",
			zap.String("address", srv.Addr),
			zap.String("environment", cfg.Environment),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.SyncInterval > 0 {
		g.Go(func() error {
			return runScheduler(gctx, cfg.SyncInterval, coordinator, logger.Named("scheduler"))
		})
	}

	return g.Wait()
}

// NewServer wires the HTTP routes of the ingestion service.
func NewServer(cfg *config.Config, trigger api.IngestTrigger, history api.RunHistory, store api.Pinger, logger *zap.Logger) http.Handler {
	authn := auth.NewAuthenticator(cfg, logger)
	jobs := api.NewJobsHandler(trigger, history, logger)
	health := api.NewHealthHandler(store, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", handleRoot)
	mux.HandleFunc("GET /health", health.Check)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("POST /jobs/ingest", authn.RequireJobToken(http.HandlerFunc(jobs.TriggerScheduled)))
	mux.Handle("POST /admin/jobs/ingest", authn.RequireAdmin(http.HandlerFunc(jobs.TriggerManual)))
	mux.Handle("GET /admin/jobs/ingest/latest", authn.RequireAdmin(http.HandlerFunc(jobs.Latest)))

	return mux
}

// runScheduler triggers a cron run every interval until ctx ends. A tick that lands while
// a run is still going is absorbed by the coordinator's lock.
func runScheduler(ctx context.Context, interval time.Duration, trigger api.IngestTrigger, logger *zap.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("scheduled ingestion enabled", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := trigger.Run(ctx, models.TriggerCron, ""); err != nil {
				logger.Error("scheduled ingestion failed", zap.Error(err))
			}
		}
	}
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "TicketDesk ingestion service is running")
}
