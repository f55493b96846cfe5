package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"sqlgate/db/migrations"
	"sqlgate/internal/advice"
	"sqlgate/internal/app"
	"sqlgate/internal/approval"
	"sqlgate/internal/clock"
	"sqlgate/internal/config"
	"sqlgate/internal/executor"
	"sqlgate/internal/impact"
	"sqlgate/internal/monitor"
	"sqlgate/internal/notify"
	"sqlgate/internal/risk"
	"sqlgate/internal/store"
	"sqlgate/internal/ticket"
)

func main() {
	setupLogger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	metrics := monitor.NewMetrics()
	tracer := monitor.NewTracer()
	clk := clock.Real{}

	var (
		tickets   ticket.Store
		rollbacks ticket.RollbackLog
		purge     func(context.Context) (int64, error)
		checks    = []app.Check{{Name: "database", Ping: db.PingContext}}
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Info().Msg("using redis for approval tickets")
		redisStore, err := ticket.NewRedisStore(cfg.RedisURL, cfg.Store.EvictionGrace, clk)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		tickets = redisStore
		rollbacks = redisStore.RollbackLog(cfg.Store.RollbackRetention)
		checks = append(checks, app.Check{Name: "tickets", Ping: redisStore.Ping})
	} else {
		log.Info().Msg("using postgres for approval tickets")
		if err := store.ApplyMigrations(ctx, db, migrations.FS); err != nil {
			log.Fatal().Err(err).Msg("migrations failed")
		}
		pgStore := ticket.NewPostgresStore(db, cfg.Store.EvictionGrace, clk)
		tickets = pgStore
		rollbacks = pgStore.RollbackLog(cfg.Store.RollbackRetention)
		purge = pgStore.PurgeEvicted
	}

	retrying := ticket.NewRetryingStore(tickets, ticket.RetryPolicy{
		InitialInterval: cfg.Store.RetryInitial,
		MaxElapsed:      cfg.Store.RetryMaxElapsed,
	})
	retrying.OnRetry(func(op string, err error) {
		metrics.RecordStoreRetry(op)
	})

	var planner impact.Planner
	if cfg.Database.Driver == store.DriverPostgres {
		planner = impact.NewPostgresPlanner(db)
	}

	var generator advice.Generator
	if cfg.Advice.BaseURL != "" && cfg.Advice.APIKey != "" {
		generator = advice.NewLLMClient(cfg.Advice.BaseURL, cfg.Advice.APIKey, cfg.Advice.Model, cfg.Advice.Timeout)
	} else {
		log.Info().Msg("no LLM configured, recommendations come from rules")
	}

	var notifier approval.Notifier
	email := notify.NewEmail(notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		FromName: cfg.SMTP.FromName,
	}, cfg.SMTP.Recipients, cfg.SMTP.TicketURL)
	if email.IsConfigured() {
		notifier = email
	}

	orchestrator := approval.New(retrying, impact.NewEstimator(planner), risk.Policy{CriticalTables: cfg.Approval.CriticalTables}, approval.Options{
		TicketTTL:     cfg.Approval.TicketTTL,
		MaxChecks:     cfg.Approval.MaxChecks,
		CheckInterval: cfg.Approval.CheckInterval,
		Clock:         clk,
		Advisor:       advice.NewService(generator, cfg.Advice.Timeout),
		Notifier:      notifier,
		Metrics:       metrics,
		Tracer:        tracer,
	})
	exec := executor.New(db, retrying, executor.Options{
		RowMultiplier: cfg.Executor.RowMultiplier,
		RowSlack:      cfg.Executor.RowSlack,
		Rollbacks:     rollbacks,
		Clock:         clk,
		Metrics:       metrics,
		Tracer:        tracer,
	})

	service := app.NewService(orchestrator, exec, checks...)
	httpServer := app.NewHTTPServer(service, metrics, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// run and await block for up to max_checks*interval.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Msg("sqlgate API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sweep(gctx, orchestrator, purge, cfg.Approval.SweepInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("sqlgate stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("sqlgate stopped")
}

// sweep expires stale tickets and, for the postgres backend, deletes rows
// past their eviction time.
func sweep(ctx context.Context, orchestrator *approval.Orchestrator, purge func(context.Context) (int64, error), every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := orchestrator.ExpireStale(ctx); err != nil {
			log.Warn().Err(err).Msg("expiry sweep failed")
		} else if n > 0 {
			log.Info().Int("expired", n).Msg("expired stale tickets")
		}
		if purge != nil {
			if n, err := purge(ctx); err != nil {
				log.Warn().Err(err).Msg("eviction purge failed")
			} else if n > 0 {
				log.Info().Int64("purged", n).Msg("purged evicted tickets")
			}
		}
	}
}

func setupLogger() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}
	if os.Getenv("LOG_FORMAT") != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
