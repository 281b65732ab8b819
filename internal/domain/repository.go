package domain

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup targets a row that does not exist.
var ErrNotFound = errors.New("not found")

// JobRepository is the persistence port for notification jobs.
// Implementations live in infrastructure/postgres.
type JobRepository interface {
	// Create inserts a job with the given initial status and returns it.
	Create(ctx context.Context, spec JobSpec, status JobStatus) (*Job, error)

	// GetByID fetches a single job.
	GetByID(ctx context.Context, id int64) (*Job, error)

	// FindActiveByFingerprint returns a pending, processing, or completed
	// job with the same content hash in the same store scope, if any.
	// Used for duplicate suppression at creation time.
	FindActiveByFingerprint(ctx context.Context, hash string, storeID int64) (*Job, error)

	// SelectEligible returns bulk jobs in any of the given statuses whose
	// scheduled time has passed (or is unset), oldest first, capped at limit.
	SelectEligible(ctx context.Context, statuses []JobStatus, limit int) ([]*Job, error)

	// Claim atomically flips a job from the expected status to processing.
	// Returns false when another worker already claimed it.
	Claim(ctx context.Context, id int64, from JobStatus) (bool, error)

	// ListStale returns bulk jobs stuck in processing whose creation or
	// last-processed time is older than the staleness threshold.
	ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*Job, error)

	// ResetPending returns a job to the pending state, clearing its
	// processed timestamp so it is retried on the next pass.
	ResetPending(ctx context.Context, id int64) error

	// ResetFailed resets all failed jobs to pending (force-retry).
	ResetFailed(ctx context.Context) (int64, error)

	// Finalize adds the pass's delivered/failed counts onto the job's
	// totals and sets its terminal status. Error text is recorded only
	// with StatusFailed.
	Finalize(ctx context.Context, id int64, addSent, addFailed int, status JobStatus, errMsg string) error

	// MarkCompleted sets the terminal completed status without touching
	// counters. Used by stuck-job recovery.
	MarkCompleted(ctx context.Context, id int64) error

	// List returns jobs for the admin surface, newest first.
	// An empty status means all statuses.
	List(ctx context.Context, status JobStatus, limit, offset int) ([]*Job, error)

	// CountByStatus returns job counts grouped by status.
	CountByStatus(ctx context.Context) (map[JobStatus]int64, error)
}

// TokenRepository is the persistence port for device tokens, including
// audience resolution.
type TokenRepository interface {
	// Resolve computes the deduplicated set of active, in-scope recipients
	// matching the filter.
	Resolve(ctx context.Context, f *FilterSpec, storeID int64) ([]Recipient, error)

	// ForCustomer narrows resolution to a single owner for single-recipient jobs.
	ForCustomer(ctx context.Context, customerID, storeID int64) ([]Recipient, error)

	// Register upserts a token: same token string updates in place, and a
	// matching device id within the store replaces that device's token.
	Register(ctx context.Context, reg TokenRegistration) (*DeviceToken, error)

	// Deactivate flips the active flag off. Unregistration never deletes.
	Deactivate(ctx context.Context, token string) error

	// DeleteByToken hard-deletes a token the gateway reported as
	// permanently invalid.
	DeleteByToken(ctx context.Context, token string) error

	// Delete hard-deletes a token by id (admin surface).
	Delete(ctx context.Context, id int64) error

	// List returns tokens for the admin surface, most recently seen first.
	List(ctx context.Context, limit, offset int) ([]*DeviceToken, error)

	// CountByType returns active-token counts grouped by device type.
	CountByType(ctx context.Context) (map[DeviceType]int64, error)
}

// DeliveryLedger makes redelivery idempotent across retries of one job.
type DeliveryLedger interface {
	// Unsent returns the subset of candidate token ids with no delivery
	// record for the job.
	Unsent(ctx context.Context, jobID int64, candidates []int64) ([]int64, error)

	// MarkSent records deliveries. Duplicate pairs are no-ops; large slices
	// are written in bounded batches.
	MarkSent(ctx context.Context, jobID int64, tokenIDs []int64) error

	// Count returns the number of delivery records for a job.
	Count(ctx context.Context, jobID int64) (int, error)

	// Purge removes all delivery records for a job once it completes.
	Purge(ctx context.Context, jobID int64) (int64, error)

	// PurgeOrphaned removes delivery records belonging to jobs that
	// completed longer than the retention window ago.
	PurgeOrphaned(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Locker serializes whole batch passes across processor instances.
// Acquire is best-effort advisory: a held lock means skip, not wait.
type Locker interface {
	// Acquire takes the named lock for at most ttl. Returns false without
	// error when the lock is currently held by someone else.
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)

	// Release frees the named lock. Safe to call on an expired lock.
	Release(ctx context.Context, name string) error
}
