package application

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/idangerous/pushqueue/internal/domain"
	"github.com/idangerous/pushqueue/internal/metrics"
)

const (
	// lockName serializes bulk passes across all processor instances.
	lockName = "pushqueue_bulk_processing"

	defaultBatchLimit = 10

	// staleBatchLimit caps how many stuck jobs one pass will recover.
	staleBatchLimit = 50
)

// BatchOptions tunes one processing pass.
type BatchOptions struct {
	// Limit caps how many jobs the pass picks up. Zero means the default.
	Limit int
	// Status selects which queue state to drain. Empty means pending.
	Status domain.JobStatus
	// ForceRetry resets all failed jobs to pending before selection.
	ForceRetry bool
}

// JobOutcome is the per-job result of a pass.
type JobOutcome struct {
	JobID  int64            `json:"job_id"`
	Status domain.JobStatus `json:"status"`
	Sent   int              `json:"sent"`
	Failed int              `json:"failed"`
	Error  string           `json:"error,omitempty"`
	// Claimed is false when another worker won the claim race and this
	// pass left the job alone.
	Claimed bool `json:"claimed"`
}

// BatchResult summarizes one processing pass.
type BatchResult struct {
	RunID string `json:"run_id"`
	// Skipped means another pass held the lock; nothing was attempted.
	Skipped   bool         `json:"skipped"`
	Recovered int          `json:"recovered"`
	Reset     int64        `json:"reset"`
	Processed int          `json:"processed"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Jobs      []JobOutcome `json:"jobs"`
}

// Processor drains the bulk job queue. Exactly one pass runs at a time
// cluster-wide, guarded by a named lock with a TTL safety net.
type Processor struct {
	jobs       domain.JobRepository
	ledger     domain.DeliveryLedger
	locker     domain.Locker
	sender     *Sender
	creds      Credentials
	metrics    *metrics.Metrics
	lockTTL    time.Duration
	staleAfter time.Duration
}

// NewProcessor creates a Processor. lockTTL bounds how long a crashed pass
// can block the queue; staleAfter is the age at which a processing job is
// considered abandoned.
func NewProcessor(jobs domain.JobRepository, ledger domain.DeliveryLedger, locker domain.Locker, sender *Sender, creds Credentials, m *metrics.Metrics, lockTTL, staleAfter time.Duration) *Processor {
	if lockTTL <= 0 {
		lockTTL = time.Hour
	}
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	return &Processor{
		jobs:       jobs,
		ledger:     ledger,
		locker:     locker,
		sender:     sender,
		creds:      creds,
		metrics:    m,
		lockTTL:    lockTTL,
		staleAfter: staleAfter,
	}
}

// RunBatch executes one processing pass: take the lock, recover stuck jobs,
// select eligible jobs, and deliver each under a per-job claim. One bad job
// never aborts the pass. A held lock is reported via Skipped, not an error.
func (p *Processor) RunBatch(ctx context.Context, opts BatchOptions) (*BatchResult, error) {
	if opts.Limit < 1 {
		opts.Limit = defaultBatchLimit
	}
	if opts.Status == "" {
		opts.Status = domain.StatusPending
	}

	res := &BatchResult{RunID: uuid.NewString()}
	logger := log.With().Str("run_id", res.RunID).Logger()

	ok, err := p.locker.Acquire(ctx, lockName, p.lockTTL)
	if err != nil {
		p.metrics.BatchPasses.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("acquire processing lock: %w", err)
	}
	if !ok {
		logger.Info().Msg("another pass is running, skipping")
		p.metrics.BatchPasses.WithLabelValues("skipped").Inc()
		res.Skipped = true
		return res, nil
	}
	defer func() {
		// Release must run even when ctx was cancelled mid-pass.
		if err := p.locker.Release(context.WithoutCancel(ctx), lockName); err != nil {
			logger.Error().Err(err).Msg("failed to release processing lock")
		}
	}()

	started := time.Now()
	defer func() {
		p.metrics.BatchDuration.Observe(time.Since(started).Seconds())
	}()

	if opts.ForceRetry {
		n, err := p.jobs.ResetFailed(ctx)
		if err != nil {
			p.metrics.BatchPasses.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("reset failed jobs: %w", err)
		}
		res.Reset = n
		logger.Info().Int64("reset", n).Msg("failed jobs reset to pending")
	}

	if err := p.recoverStuck(ctx, logger, res); err != nil {
		p.metrics.BatchPasses.WithLabelValues("error").Inc()
		return nil, err
	}

	eligible, err := p.jobs.SelectEligible(ctx, []domain.JobStatus{opts.Status, domain.StatusProcessing}, opts.Limit)
	if err != nil {
		p.metrics.BatchPasses.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("select eligible jobs: %w", err)
	}

	// One credential fetch serves the whole pass.
	passCreds := &cachedCredentials{src: p.creds}

	for _, job := range eligible {
		outcome := p.processJob(ctx, logger, job, passCreds)
		res.Jobs = append(res.Jobs, outcome)
		if !outcome.Claimed {
			continue
		}
		res.Processed++
		switch outcome.Status {
		case domain.StatusCompleted:
			res.Succeeded++
		case domain.StatusFailed:
			res.Failed++
		}
	}

	logger.Info().
		Int("selected", len(eligible)).
		Int("processed", res.Processed).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("recovered", res.Recovered).
		Dur("elapsed", time.Since(started)).
		Msg("processing pass finished")
	p.metrics.BatchPasses.WithLabelValues("completed").Inc()
	return res, nil
}

// processJob claims and delivers one job. All failures are absorbed into the
// outcome; the job row carries the error for operators.
func (p *Processor) processJob(ctx context.Context, logger zerolog.Logger, job *domain.Job, creds Credentials) JobOutcome {
	if job.Status == domain.StatusProcessing {
		// Mid-flight and not yet stale. Recovery will pick it up if its
		// worker died; touching it now would double-send.
		logger.Debug().Int64("job_id", job.ID).Msg("job is mid-flight, skipping")
		return JobOutcome{JobID: job.ID, Status: job.Status}
	}

	claimed, err := p.jobs.Claim(ctx, job.ID, job.Status)
	if err != nil {
		logger.Error().Err(err).Int64("job_id", job.ID).Msg("claim failed")
		return JobOutcome{JobID: job.ID, Status: job.Status, Error: err.Error()}
	}
	if !claimed {
		// Another worker holds it, or it is mid-flight and not yet stale.
		logger.Debug().Int64("job_id", job.ID).Msg("job not claimable, skipping")
		return JobOutcome{JobID: job.ID, Status: job.Status}
	}

	outcome, err := p.sender.Deliver(ctx, domain.ExistingJob(job.ID), creds)
	if err != nil {
		logger.Error().Err(err).Int64("job_id", job.ID).Msg("delivery aborted")
		if ferr := p.jobs.Finalize(ctx, job.ID, 0, 0, domain.StatusFailed, err.Error()); ferr != nil {
			logger.Error().Err(ferr).Int64("job_id", job.ID).Msg("failed to mark job failed")
		}
		return JobOutcome{JobID: job.ID, Status: domain.StatusFailed, Error: err.Error(), Claimed: true}
	}
	return JobOutcome{
		JobID:   job.ID,
		Status:  outcome.Status,
		Sent:    outcome.Sent,
		Failed:  outcome.Failed,
		Error:   outcome.ErrorText,
		Claimed: true,
	}
}

// recoverStuck repairs jobs abandoned mid-flight. The delivery ledger is
// authoritative: a stale job whose recorded deliveries cover its sent total
// finished its work and is marked completed; anything else goes back to
// pending for a clean, ledger-guarded retry.
func (p *Processor) recoverStuck(ctx context.Context, logger zerolog.Logger, res *BatchResult) error {
	stale, err := p.jobs.ListStale(ctx, p.staleAfter, staleBatchLimit)
	if err != nil {
		return fmt.Errorf("list stale jobs: %w", err)
	}
	for _, job := range stale {
		delivered, err := p.ledger.Count(ctx, job.ID)
		if err != nil {
			logger.Error().Err(err).Int64("job_id", job.ID).Msg("failed to count deliveries for stale job")
			continue
		}
		if job.TotalSent > 0 && delivered >= job.TotalSent {
			if err := p.jobs.MarkCompleted(ctx, job.ID); err != nil {
				logger.Error().Err(err).Int64("job_id", job.ID).Msg("failed to complete stale job")
				continue
			}
			if _, err := p.ledger.Purge(ctx, job.ID); err != nil {
				logger.Error().Err(err).Int64("job_id", job.ID).Msg("failed to purge delivery records")
			}
			logger.Info().Int64("job_id", job.ID).Int("delivered", delivered).Msg("stale job was already done, marked completed")
		} else {
			if err := p.jobs.ResetPending(ctx, job.ID); err != nil {
				logger.Error().Err(err).Int64("job_id", job.ID).Msg("failed to reset stale job")
				continue
			}
			logger.Info().Int64("job_id", job.ID).Msg("stale job reset to pending")
		}
		res.Recovered++
		p.metrics.JobsRecovered.Inc()
	}
	return nil
}

// cachedCredentials memoizes one token fetch for the duration of a pass.
// Passes are single-goroutine so no locking is needed.
type cachedCredentials struct {
	src   Credentials
	token string
}

func (c *cachedCredentials) AccessToken(ctx context.Context) (string, error) {
	if c.token != "" {
		return c.token, nil
	}
	token, err := c.src.AccessToken(ctx)
	if err != nil {
		return "", err
	}
	c.token = token
	return token, nil
}
