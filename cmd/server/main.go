package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/tukerank/internal/classifier"
	"github.com/example/tukerank/internal/config"
	"github.com/example/tukerank/internal/dispatch"
	"github.com/example/tukerank/internal/events"
	"github.com/example/tukerank/internal/feedback"
	httpapi "github.com/example/tukerank/internal/http"
	"github.com/example/tukerank/internal/leaderboard"
	"github.com/example/tukerank/internal/logging"
	"github.com/example/tukerank/internal/payments"
	"github.com/example/tukerank/internal/rides"
	"github.com/example/tukerank/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("error").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var store storage.Store
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := runMigrations(cfg.PGDSN); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var board httpapi.Leaderboard
	if cfg.RedisAddr != "" {
		board = leaderboard.NewRedisLeaderboard(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisLeaderboardKey)
	}

	var publisher feedback.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
	}

	wsreg := dispatch.NewWSRegistry(logging.Component(logger, "dispatch"))

	fbSvc := &feedback.Service{
		Store:             store,
		Classifier:        classifier.NewHTTPClient(cfg.ClassifierURL, cfg.ClassifierTimeout),
		Publisher:         publisher,
		Notifier:          wsreg,
		Logger:            logging.Component(logger, "feedback"),
		MaxCommitAttempts: cfg.CommitMaxAttempts,
	}

	rideSvc := &rides.Service{
		Store:     store,
		Logger:    logging.Component(logger, "rides"),
		FareCents: cfg.RideFareCents,
		Currency:  cfg.FareCurrency,
	}
	if cfg.RideFareCents > 0 {
		rideSvc.Payments = payments.NewStripeClient()
	}

	srv := httpapi.NewServer(logging.Component(logger, "http"), store, rideSvc, fbSvc, board, wsreg)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("tukerank listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("shut down cleanly")
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_tables.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
