package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/idangerous/pushqueue/internal/application"
	"github.com/idangerous/pushqueue/internal/config"
	"github.com/idangerous/pushqueue/internal/infrastructure/fcm"
	"github.com/idangerous/pushqueue/internal/infrastructure/postgres"
	kafkaconsumer "github.com/idangerous/pushqueue/internal/kafka"
	"github.com/idangerous/pushqueue/internal/metrics"
	transporthttp "github.com/idangerous/pushqueue/internal/transport/http"
)

func main() {
	// ── Logging ──────────────────────────────────────────────────────────────
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// ── Config ───────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if cfg.Server.Env == "production" {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Str("env", cfg.Server.Env).Str("port", cfg.Server.Port).Msg("starting pushqueue")

	if cfg.Server.APISecret == "" && cfg.Server.Env == "production" {
		log.Warn().Msg("api secret is empty, the HTTP surface is unauthenticated")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── Database ──────────────────────────────────────────────────────────────
	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping failed")
	}
	log.Info().Msg("postgres connected")

	// ── Repositories ──────────────────────────────────────────────────────────
	jobs := postgres.NewJobRepo(pool)
	tokens := postgres.NewTokenRepo(pool)
	ledger := postgres.NewDeliveryLedger(pool)
	locker := postgres.NewLock(pool)

	// ── Gateway ───────────────────────────────────────────────────────────────
	creds, projectID := loadCredentials(cfg.Firebase)
	gateway := fcm.NewClient(projectID, tokens)

	// ── Application ───────────────────────────────────────────────────────────
	m := metrics.New(prometheus.DefaultRegisterer)
	sender := application.NewSender(jobs, tokens, ledger, gateway, creds, m)
	admin := application.NewAdmin(jobs, tokens, ledger)
	processor := application.NewProcessor(
		jobs, ledger, locker, sender, creds, m,
		time.Duration(cfg.Queue.LockTTLMinutes)*time.Minute,
		time.Duration(cfg.Queue.StaleAfterMinutes)*time.Minute,
	)

	// ── HTTP Server ───────────────────────────────────────────────────────────
	handler := transporthttp.NewHandler(sender, admin, processor)
	router := transporthttp.NewRouter(handler, cfg.Server.APISecret)

	// ── Kafka Consumer ────────────────────────────────────────────────────────
	if cfg.Kafka.Enabled {
		consumer, err := kafkaconsumer.New(
			cfg.Kafka.Brokers,
			cfg.Kafka.ConsumerGroupID,
			cfg.Kafka.Topic,
			sender,
		)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create kafka consumer")
		}
		go consumer.Start(ctx)
		log.Info().Str("topic", cfg.Kafka.Topic).Msg("kafka consumer started")
	}

	// ── Queue Scheduler ───────────────────────────────────────────────────────
	if cfg.Queue.IntervalMinutes > 0 {
		go func() {
			ticker := time.NewTicker(time.Duration(cfg.Queue.IntervalMinutes) * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if _, err := processor.RunBatch(ctx, application.BatchOptions{Limit: cfg.Queue.Limit}); err != nil {
						log.Error().Err(err).Msg("scheduled queue pass failed")
					}
				case <-ctx.Done():
					return
				}
			}
		}()
		log.Info().Int("interval_minutes", cfg.Queue.IntervalMinutes).Msg("queue scheduler started")
	}

	// ── Ledger Cleanup (every 24h) ────────────────────────────────────────────
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				retention := time.Duration(cfg.Queue.CleanupRetentionDays) * 24 * time.Hour
				if _, err := admin.CleanupLedger(context.Background(), retention); err != nil {
					log.Error().Err(err).Msg("ledger cleanup failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// ── Start HTTP Server ─────────────────────────────────────────────────────
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("HTTP server listening")
		if err := router.Start(":" + cfg.Server.Port); err != nil {
			log.Info().Msg("HTTP server stopped")
		}
	}()

	// ── Graceful Shutdown ─────────────────────────────────────────────────────
	<-ctx.Done()
	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := router.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("pushqueue stopped")
}

// loadCredentials builds the gateway credential source from config. A missing
// key is not fatal: the service keeps serving registrations and admin calls,
// and sends fail with a config error until the key appears.
func loadCredentials(cfg config.FirebaseConfig) (application.Credentials, string) {
	raw := []byte(cfg.CredentialsJSON)
	if len(raw) == 0 && cfg.CredentialsFile != "" {
		b, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			log.Error().Err(err).Str("path", cfg.CredentialsFile).Msg("cannot read firebase credentials file")
			return application.NoCredentials{}, ""
		}
		raw = b
	}
	if len(raw) == 0 {
		log.Warn().Msg("no firebase credentials configured, sends will fail")
		return application.NoCredentials{}, ""
	}

	sa, err := fcm.ParseServiceAccount(raw)
	if err != nil {
		log.Error().Err(err).Msg("invalid firebase credentials")
		return application.NoCredentials{}, ""
	}
	log.Info().Str("project_id", sa.ProjectID).Msg("firebase credentials loaded")
	return fcm.NewCredentials(fcm.NewCredentialProvider(), sa), sa.ProjectID
}
