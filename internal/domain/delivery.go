package domain

import "time"

// DeliveryRecord marks that a specific token already received a specific
// job's payload. The (JobID, TokenID) pair is unique; inserting a duplicate
// is a no-op. Records exist only while the owning job might still be
// retried and are purged once it completes.
type DeliveryRecord struct {
	JobID   int64
	TokenID int64
	SentAt  time.Time
}
