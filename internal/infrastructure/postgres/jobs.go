package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/idangerous/pushqueue/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// JobRepo is the PostgreSQL implementation of domain.JobRepository.
type JobRepo struct {
	pool *pgxpool.Pool
}

// NewJobRepo creates a new postgres JobRepo.
func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

const jobColumns = `id, title, body, image_url, action_url, category, payload, filters,
	target_customer_id, store_id, content_hash, status, total_sent, total_failed,
	error_message, created_at, scheduled_at, processed_at`

// Create inserts a job with the given initial status.
func (r *JobRepo) Create(ctx context.Context, spec domain.JobSpec, status domain.JobStatus) (*domain.Job, error) {
	payloadJSON, _ := json.Marshal(spec.Payload)

	var filtersJSON []byte
	if spec.Filter != nil {
		filtersJSON, _ = json.Marshal(spec.Filter)
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO push_jobs
			(title, body, image_url, action_url, category, payload, filters,
			 target_customer_id, store_id, content_hash, status, scheduled_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+jobColumns,
		spec.Title, spec.Body, spec.ImageURL, spec.ActionURL, spec.Category,
		payloadJSON, filtersJSON, spec.TargetCustomerID, spec.StoreID,
		spec.Fingerprint(), string(status), spec.ScheduledAt)

	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetByID fetches a single job.
func (r *JobRepo) GetByID(ctx context.Context, id int64) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM push_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return job, err
}

// FindActiveByFingerprint looks up an in-flight or already-completed job with
// the same content hash in the same store. Returns (nil, nil) when none exists.
func (r *JobRepo) FindActiveByFingerprint(ctx context.Context, hash string, storeID int64) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM push_jobs
		WHERE content_hash = $1 AND store_id = $2
		  AND status IN ('pending', 'processing', 'completed')
		ORDER BY created_at DESC
		LIMIT 1
	`, hash, storeID)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find job by fingerprint: %w", err)
	}
	return job, nil
}

// SelectEligible returns bulk jobs ready for processing, oldest first.
func (r *JobRepo) SelectEligible(ctx context.Context, statuses []domain.JobStatus, limit int) ([]*domain.Job, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM push_jobs
		WHERE status = ANY($1)
		  AND target_customer_id IS NULL
		  AND (scheduled_at IS NULL OR scheduled_at <= now())
		ORDER BY created_at ASC
		LIMIT $2
	`, names, limit)
	if err != nil {
		return nil, fmt.Errorf("select eligible jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// Claim is the per-job compare-and-swap into processing. A false return means
// another worker won the race or the job moved on since selection.
func (r *JobRepo) Claim(ctx context.Context, id int64, from domain.JobStatus) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE push_jobs SET status = 'processing', processed_at = now()
		WHERE id = $1 AND status = $2
	`, id, string(from))
	if err != nil {
		return false, fmt.Errorf("claim job %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListStale returns bulk jobs stuck in processing past the staleness cutoff,
// judged on creation time or last-processed time, whichever is available.
func (r *JobRepo) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Job, error) {
	cutoff := time.Now().Add(-olderThan)

	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM push_jobs
		WHERE status = 'processing'
		  AND target_customer_id IS NULL
		  AND (created_at < $1 OR (processed_at IS NOT NULL AND processed_at < $1))
		ORDER BY created_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ResetPending returns a job to the queue.
func (r *JobRepo) ResetPending(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE push_jobs SET status = 'pending', processed_at = NULL, error_message = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("reset job %d to pending: %w", id, err)
	}
	return nil
}

// ResetFailed force-resets every failed job to pending.
func (r *JobRepo) ResetFailed(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE push_jobs SET status = 'pending', processed_at = NULL, error_message = NULL
		WHERE status = 'failed'
	`)
	if err != nil {
		return 0, fmt.Errorf("reset failed jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Finalize accumulates the pass's counters onto the job and sets its terminal
// status. Error text is kept only for failed jobs.
func (r *JobRepo) Finalize(ctx context.Context, id int64, addSent, addFailed int, status domain.JobStatus, errMsg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE push_jobs SET
			total_sent = total_sent + $2,
			total_failed = total_failed + $3,
			status = $4,
			error_message = CASE WHEN $4 = 'failed' THEN NULLIF($5, '') ELSE NULL END,
			processed_at = now()
		WHERE id = $1
	`, id, addSent, addFailed, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("finalize job %d: %w", id, err)
	}
	return nil
}

// MarkCompleted is used by stuck-job recovery when the ledger shows the job
// already finished.
func (r *JobRepo) MarkCompleted(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE push_jobs SET status = 'completed', processed_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark job %d completed: %w", id, err)
	}
	return nil
}

// List returns jobs for the admin surface, newest first.
func (r *JobRepo) List(ctx context.Context, status domain.JobStatus, limit, offset int) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM push_jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountByStatus returns job counts grouped by status.
func (r *JobRepo) CountByStatus(ctx context.Context) (map[domain.JobStatus]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM push_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[domain.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// scannable lets scanJob work with both QueryRow and Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*domain.Job, error) {
	var j domain.Job
	var payloadJSON, filtersJSON []byte
	var imageURL, actionURL, errMsg *string

	err := row.Scan(
		&j.ID, &j.Title, &j.Body, &imageURL, &actionURL, &j.Category,
		&payloadJSON, &filtersJSON, &j.TargetCustomerID, &j.StoreID,
		&j.ContentHash, &j.Status, &j.TotalSent, &j.TotalFailed,
		&errMsg, &j.CreatedAt, &j.ScheduledAt, &j.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}

	if imageURL != nil {
		j.ImageURL = *imageURL
	}
	if actionURL != nil {
		j.ActionURL = *actionURL
	}
	if errMsg != nil {
		j.ErrorMessage = *errMsg
	}
	if len(payloadJSON) > 0 {
		_ = json.Unmarshal(payloadJSON, &j.Payload)
	}
	if len(filtersJSON) > 0 {
		var f domain.FilterSpec
		if err := json.Unmarshal(filtersJSON, &f); err == nil {
			j.Filter = &f
		}
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*domain.Job, error) {
	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
