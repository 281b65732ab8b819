package application

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/idangerous/pushqueue/internal/domain"
)

// Admin holds the operator-facing use-cases: job inspection and retry,
// token registry management, queue stats, and ledger cleanup.
type Admin struct {
	jobs   domain.JobRepository
	tokens domain.TokenRepository
	ledger domain.DeliveryLedger
}

// NewAdmin creates a new Admin.
func NewAdmin(jobs domain.JobRepository, tokens domain.TokenRepository, ledger domain.DeliveryLedger) *Admin {
	return &Admin{jobs: jobs, tokens: tokens, ledger: ledger}
}

// GetJob fetches one job.
func (a *Admin) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	return a.jobs.GetByID(ctx, id)
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (a *Admin) ListJobs(ctx context.Context, status domain.JobStatus, limit, offset int) ([]*domain.Job, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return a.jobs.List(ctx, status, limit, offset)
}

// RetryJob puts a failed job back in the queue. Jobs in any other state are
// rejected so a retry can never duplicate an in-flight or finished send.
func (a *Admin) RetryJob(ctx context.Context, id int64) (*domain.Job, error) {
	job, err := a.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.StatusFailed {
		return nil, fmt.Errorf("job %d is %s, only failed jobs can be retried", id, job.Status)
	}
	if err := a.jobs.ResetPending(ctx, id); err != nil {
		return nil, fmt.Errorf("reset job %d: %w", id, err)
	}
	log.Info().Int64("job_id", id).Msg("failed job queued for retry")
	return a.jobs.GetByID(ctx, id)
}

// RegisterToken upserts a device token registration.
func (a *Admin) RegisterToken(ctx context.Context, reg domain.TokenRegistration) (*domain.DeviceToken, error) {
	tok, err := a.tokens.Register(ctx, reg)
	if err != nil {
		return nil, fmt.Errorf("register token: %w", err)
	}
	log.Info().
		Int64("token_id", tok.ID).
		Str("device_type", string(tok.DeviceType)).
		Int64("store_id", tok.StoreID).
		Msg("device token registered")
	return tok, nil
}

// UnregisterToken deactivates a token without deleting it, so the device's
// history survives a re-registration.
func (a *Admin) UnregisterToken(ctx context.Context, token string) error {
	return a.tokens.Deactivate(ctx, token)
}

// DeleteToken hard-deletes a token by id.
func (a *Admin) DeleteToken(ctx context.Context, id int64) error {
	return a.tokens.Delete(ctx, id)
}

// ListTokens returns registered tokens, most recently seen first.
func (a *Admin) ListTokens(ctx context.Context, limit, offset int) ([]*domain.DeviceToken, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return a.tokens.List(ctx, limit, offset)
}

// Stats is a snapshot of queue and registry health.
type Stats struct {
	Jobs   map[domain.JobStatus]int64  `json:"jobs"`
	Tokens map[domain.DeviceType]int64 `json:"tokens"`
}

// GetStats returns job counts by status and active token counts by platform.
func (a *Admin) GetStats(ctx context.Context) (*Stats, error) {
	jobs, err := a.jobs.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	tokens, err := a.tokens.CountByType(ctx)
	if err != nil {
		return nil, fmt.Errorf("count tokens: %w", err)
	}
	return &Stats{Jobs: jobs, Tokens: tokens}, nil
}

// CleanupLedger removes delivery records left behind by jobs that completed
// longer than retention ago. Run periodically; the per-job purge on
// completion makes this a safety net, not the primary path.
func (a *Admin) CleanupLedger(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := a.ledger.PurgeOrphaned(ctx, retention)
	if err != nil {
		return 0, fmt.Errorf("purge orphaned delivery records: %w", err)
	}
	if n > 0 {
		log.Info().Int64("purged", n).Msg("orphaned delivery records removed")
	}
	return n, nil
}
