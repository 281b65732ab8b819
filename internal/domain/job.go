package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// JobStatus tracks a notification job through its queue lifecycle.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Job is one logical notification send request, bulk or single-recipient.
type Job struct {
	ID               int64             `json:"id"`
	Title            string            `json:"title"`
	Body             string            `json:"body"`
	ImageURL         string            `json:"image_url,omitempty"`
	ActionURL        string            `json:"action_url,omitempty"`
	Category         string            `json:"category"`
	Payload          map[string]string `json:"payload,omitempty"`
	Filter           *FilterSpec       `json:"filter,omitempty"`
	TargetCustomerID *int64            `json:"target_customer_id,omitempty"`
	StoreID          int64             `json:"store_id"`
	ContentHash      string            `json:"content_hash"`
	Status           JobStatus         `json:"status"`
	TotalSent        int               `json:"total_sent"`
	TotalFailed      int               `json:"total_failed"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	ScheduledAt      *time.Time        `json:"scheduled_at,omitempty"`
	ProcessedAt      *time.Time        `json:"processed_at,omitempty"`
}

// IsSingle reports whether the job targets exactly one customer.
// Single jobs are delivered synchronously at creation time and are
// never picked up by the bulk queue processor.
func (j *Job) IsSingle() bool {
	return j.TargetCustomerID != nil
}

// JobSpec carries everything needed to create a new Job.
// Exactly one of TargetCustomerID and Filter is meaningful.
type JobSpec struct {
	Title            string
	Body             string
	ImageURL         string
	ActionURL        string
	Category         string
	Payload          map[string]string
	Filter           *FilterSpec
	TargetCustomerID *int64
	StoreID          int64
	ScheduledAt      *time.Time
}

// Fingerprint returns a deterministic hash of the job's semantic content,
// used to detect duplicate submissions. Identical title, body, filter set
// (regardless of key order), store scope, and category hash identically.
func (s JobSpec) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(s.Title))
	h.Write([]byte{'|'})
	h.Write([]byte(s.Body))
	h.Write([]byte{'|'})
	h.Write([]byte(s.Filter.CanonicalJSON()))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(s.StoreID, 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(s.Category))
	return hex.EncodeToString(h.Sum(nil))
}

// JobRef identifies which job a delivery should run against: a brand-new job
// built from a spec, or one that already sits in the queue. The two cases are
// constructed via NewJob and ExistingJob.
type JobRef struct {
	spec       *JobSpec
	existingID int64
}

// NewJob references a job that does not exist yet and must be created
// (with duplicate suppression) before delivery.
func NewJob(spec JobSpec) JobRef {
	return JobRef{spec: &spec}
}

// ExistingJob references a queued job that has already been claimed.
func ExistingJob(id int64) JobRef {
	return JobRef{existingID: id}
}

// Spec returns the creation spec for a NewJob reference.
func (r JobRef) Spec() (JobSpec, bool) {
	if r.spec == nil {
		return JobSpec{}, false
	}
	return *r.spec, true
}

// ExistingID returns the job id for an ExistingJob reference.
func (r JobRef) ExistingID() (int64, bool) {
	if r.spec != nil {
		return 0, false
	}
	return r.existingID, true
}
