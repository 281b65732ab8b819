// Command pushqueue runs one queue processing pass from the shell, for cron
// setups and operators who want to drain the queue by hand.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/idangerous/pushqueue/internal/application"
	"github.com/idangerous/pushqueue/internal/config"
	"github.com/idangerous/pushqueue/internal/domain"
	"github.com/idangerous/pushqueue/internal/infrastructure/fcm"
	"github.com/idangerous/pushqueue/internal/infrastructure/postgres"
	"github.com/idangerous/pushqueue/internal/metrics"
)

func main() {
	var (
		limit      int
		status     string
		forceRetry bool
		verbose    bool
	)
	pflag.IntVarP(&limit, "limit", "l", 0, "max jobs to process (0 = default)")
	pflag.StringVarP(&status, "status", "s", "", "queue state to drain: pending or failed")
	pflag.BoolVarP(&forceRetry, "force-retry", "f", false, "reset all failed jobs to pending first")
	pflag.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	pflag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}

	switch domain.JobStatus(status) {
	case "", domain.StatusPending, domain.StatusFailed:
	default:
		fmt.Fprintf(os.Stderr, "unknown status %q, want pending or failed\n", status)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to connect to postgres:", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "postgres ping failed:", err)
		os.Exit(1)
	}

	jobs := postgres.NewJobRepo(pool)
	tokens := postgres.NewTokenRepo(pool)
	ledger := postgres.NewDeliveryLedger(pool)
	locker := postgres.NewLock(pool)

	creds, projectID := loadCredentials(cfg.Firebase)
	gateway := fcm.NewClient(projectID, tokens)

	m := metrics.New(prometheus.NewRegistry())
	sender := application.NewSender(jobs, tokens, ledger, gateway, creds, m)
	processor := application.NewProcessor(
		jobs, ledger, locker, sender, creds, m,
		time.Duration(cfg.Queue.LockTTLMinutes)*time.Minute,
		time.Duration(cfg.Queue.StaleAfterMinutes)*time.Minute,
	)

	if limit == 0 {
		limit = cfg.Queue.Limit
	}
	res, err := processor.RunBatch(ctx, application.BatchOptions{
		Limit:      limit,
		Status:     domain.JobStatus(status),
		ForceRetry: forceRetry,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "processing pass failed:", err)
		os.Exit(1)
	}
	if res.Skipped {
		fmt.Println("another pass is already running, nothing done")
		os.Exit(1)
	}

	for _, j := range res.Jobs {
		if !j.Claimed {
			fmt.Printf("job %d: skipped (claimed elsewhere)\n", j.JobID)
			continue
		}
		if j.Error != "" {
			fmt.Printf("job %d: %s, sent=%d failed=%d (%s)\n", j.JobID, j.Status, j.Sent, j.Failed, j.Error)
		} else {
			fmt.Printf("job %d: %s, sent=%d failed=%d\n", j.JobID, j.Status, j.Sent, j.Failed)
		}
	}
	if res.Recovered > 0 {
		fmt.Printf("recovered %d stuck job(s)\n", res.Recovered)
	}
	if res.Reset > 0 {
		fmt.Printf("reset %d failed job(s) to pending\n", res.Reset)
	}
	fmt.Printf("processed %d job(s): %d completed, %d failed\n", res.Processed, res.Succeeded, res.Failed)
}

// loadCredentials mirrors the server's credential loading, quieter.
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
		return application.NoCredentials{}, ""
	}
	sa, err := fcm.ParseServiceAccount(raw)
	if err != nil {
		log.Error().Err(err).Msg("invalid firebase credentials")
		return application.NoCredentials{}, ""
	}
	return fcm.NewCredentials(fcm.NewCredentialProvider(), sa), sa.ProjectID
}
