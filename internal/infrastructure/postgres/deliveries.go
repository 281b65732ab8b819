package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// markSentBatchSize bounds the size of a single ledger insert statement.
const markSentBatchSize = 1000

// DeliveryLedger is the PostgreSQL implementation of domain.DeliveryLedger.
type DeliveryLedger struct {
	pool *pgxpool.Pool
}

// NewDeliveryLedger creates a new postgres DeliveryLedger.
func NewDeliveryLedger(pool *pgxpool.Pool) *DeliveryLedger {
	return &DeliveryLedger{pool: pool}
}

// Unsent returns the candidates with no delivery record for the job,
// preserving candidate order.
func (l *DeliveryLedger) Unsent(ctx context.Context, jobID int64, candidates []int64) ([]int64, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	rows, err := l.pool.Query(ctx,
		`SELECT token_id FROM delivery_records WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("load sent tokens for job %d: %w", jobID, err)
	}
	defer rows.Close()

	sent := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan sent token: %w", err)
		}
		sent[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	unsent := make([]int64, 0, len(candidates))
	for _, id := range candidates {
		if _, done := sent[id]; !done {
			unsent = append(unsent, id)
		}
	}
	return unsent, nil
}

// MarkSent inserts delivery records in bounded batches. A duplicate
// (job, token) pair is ignored, not an error.
func (l *DeliveryLedger) MarkSent(ctx context.Context, jobID int64, tokenIDs []int64) error {
	for start := 0; start < len(tokenIDs); start += markSentBatchSize {
		end := start + markSentBatchSize
		if end > len(tokenIDs) {
			end = len(tokenIDs)
		}
		if err := l.insertBatch(ctx, jobID, tokenIDs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (l *DeliveryLedger) insertBatch(ctx context.Context, jobID int64, tokenIDs []int64) error {
	if len(tokenIDs) == 0 {
		return nil
	}

	// Build VALUES list: ($1,$2), ($1,$3), ... — job id is shared.
	args := make([]any, 0, len(tokenIDs)+1)
	args = append(args, jobID)
	query := `INSERT INTO delivery_records (job_id, token_id) VALUES `
	for i, id := range tokenIDs {
		if i > 0 {
			query += ","
		}
		args = append(args, id)
		query += fmt.Sprintf("($1,$%d)", len(args))
	}
	query += ` ON CONFLICT (job_id, token_id) DO NOTHING`

	if _, err := l.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert delivery records for job %d: %w", jobID, err)
	}
	return nil
}

// Count returns the number of delivery records for a job.
func (l *DeliveryLedger) Count(ctx context.Context, jobID int64) (int, error) {
	var n int
	err := l.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM delivery_records WHERE job_id = $1`, jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count delivery records for job %d: %w", jobID, err)
	}
	return n, nil
}

// Purge drops a completed job's ledger.
func (l *DeliveryLedger) Purge(ctx context.Context, jobID int64) (int64, error) {
	tag, err := l.pool.Exec(ctx,
		`DELETE FROM delivery_records WHERE job_id = $1`, jobID)
	if err != nil {
		return 0, fmt.Errorf("purge delivery records for job %d: %w", jobID, err)
	}
	return tag.RowsAffected(), nil
}

// PurgeOrphaned removes ledger rows left behind by completed jobs older than
// the retention window. Safety net for passes that crashed between the
// completed update and the purge.
func (l *DeliveryLedger) PurgeOrphaned(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	tag, err := l.pool.Exec(ctx, `
		DELETE FROM delivery_records d
		USING push_jobs j
		WHERE d.job_id = j.id AND j.status = 'completed' AND j.processed_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge orphaned delivery records: %w", err)
	}
	return tag.RowsAffected(), nil
}
