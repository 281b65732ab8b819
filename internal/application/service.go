package application

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/idangerous/pushqueue/internal/domain"
	"github.com/idangerous/pushqueue/internal/metrics"
)

// errMessageLimit caps the error text persisted on a job so one bad batch
// cannot bloat the row.
const errMessageLimit = 1000

// Sender holds the delivery use-cases: queueing bulk jobs, synchronous
// single-customer sends, direct token sends, and the shared per-job
// delivery path the queue processor drives.
type Sender struct {
	jobs    domain.JobRepository
	tokens  domain.TokenRepository
	ledger  domain.DeliveryLedger
	gateway Gateway
	creds   Credentials
	metrics *metrics.Metrics
}

// NewSender creates a new Sender.
func NewSender(jobs domain.JobRepository, tokens domain.TokenRepository, ledger domain.DeliveryLedger, gateway Gateway, creds Credentials, m *metrics.Metrics) *Sender {
	return &Sender{jobs: jobs, tokens: tokens, ledger: ledger, gateway: gateway, creds: creds, metrics: m}
}

// DeliveryOutcome summarizes one delivery attempt for a job.
type DeliveryOutcome struct {
	Job       *domain.Job      `json:"job"`
	Sent      int              `json:"sent"`
	Failed    int              `json:"failed"`
	Status    domain.JobStatus `json:"status"`
	ErrorText string           `json:"error_text,omitempty"`
	// Duplicate is set when an equivalent active job already existed and
	// no new job was created.
	Duplicate bool `json:"duplicate,omitempty"`
}

// EnqueueBulk creates a pending bulk job for later processing. Submissions
// whose fingerprint matches an active job in the same store are suppressed:
// the existing job is returned with Duplicate set and nothing new is created.
func (s *Sender) EnqueueBulk(ctx context.Context, spec domain.JobSpec) (*DeliveryOutcome, error) {
	if spec.TargetCustomerID != nil {
		return nil, fmt.Errorf("bulk job cannot target a single customer")
	}
	if err := spec.Filter.Validate(); err != nil {
		return nil, err
	}
	if spec.Category == "" {
		spec.Category = "general"
	}

	existing, err := s.jobs.FindActiveByFingerprint(ctx, spec.Fingerprint(), spec.StoreID)
	if err != nil {
		return nil, fmt.Errorf("check duplicate job: %w", err)
	}
	if existing != nil {
		log.Info().
			Int64("existing_job_id", existing.ID).
			Str("status", string(existing.Status)).
			Msg("duplicate submission suppressed")
		return &DeliveryOutcome{Job: existing, Status: existing.Status, Duplicate: true}, nil
	}

	job, err := s.jobs.Create(ctx, spec, domain.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	log.Info().Int64("job_id", job.ID).Int64("store_id", job.StoreID).Msg("bulk job queued")
	return &DeliveryOutcome{Job: job, Status: job.Status}, nil
}

// SendToCustomer creates a single-recipient job and delivers it immediately,
// in the caller's request. Single jobs never enter the bulk queue.
func (s *Sender) SendToCustomer(ctx context.Context, spec domain.JobSpec) (*DeliveryOutcome, error) {
	if spec.TargetCustomerID == nil {
		return nil, fmt.Errorf("single send requires a target customer")
	}
	if spec.Category == "" {
		spec.Category = "general"
	}
	return s.Deliver(ctx, domain.NewJob(spec), s.creds)
}

// SendToToken pushes one message straight to a raw device token without
// creating a job row. Used for token test sends.
func (s *Sender) SendToToken(ctx context.Context, deviceToken string, msg domain.PushMessage) (domain.PushResult, error) {
	accessToken, err := s.creds.AccessToken(ctx)
	if err != nil {
		return domain.PushResult{}, err
	}
	res, err := s.gateway.Send(ctx, accessToken, deviceToken, msg)
	if err != nil {
		return domain.PushResult{}, err
	}
	if res.Delivered {
		s.metrics.MessagesSent.Inc()
	} else {
		s.metrics.MessagesFailed.Inc()
		if res.TokenPruned {
			s.metrics.TokensPruned.Inc()
		}
	}
	return res, nil
}

// Deliver runs the shared delivery path for one job: resolve the audience,
// drop recipients already recorded in the ledger, send token by token, and
// finalize the job's counters and terminal status. Gateway and credential
// failures land in the outcome as a failed job; an error return means the
// store itself misbehaved and the job's state is unknown.
func (s *Sender) Deliver(ctx context.Context, ref domain.JobRef, creds Credentials) (*DeliveryOutcome, error) {
	if creds == nil {
		creds = s.creds
	}

	job, err := s.materialize(ctx, ref)
	if err != nil {
		return nil, err
	}

	recipients, err := s.resolveAudience(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients for job %d: %w", job.ID, err)
	}

	targets, err := s.dropAlreadySent(ctx, job.ID, recipients)
	if err != nil {
		return nil, err
	}

	if len(targets) == 0 {
		// Nothing left to send: either no audience matched, or every
		// recipient was delivered on a previous attempt.
		if err := s.jobs.Finalize(ctx, job.ID, 0, 0, domain.StatusCompleted, ""); err != nil {
			return nil, fmt.Errorf("finalize job %d: %w", job.ID, err)
		}
		if _, err := s.ledger.Purge(ctx, job.ID); err != nil {
			log.Error().Err(err).Int64("job_id", job.ID).Msg("failed to purge delivery records")
		}
		log.Info().Int64("job_id", job.ID).Int("recipients", len(recipients)).Msg("job completed with nothing to send")
		s.metrics.JobsProcessed.WithLabelValues(string(domain.StatusCompleted)).Inc()
		return &DeliveryOutcome{Job: job, Status: domain.StatusCompleted}, nil
	}

	accessToken, err := creds.AccessToken(ctx)
	if err != nil {
		// Credential failure fails the job but leaves it retriable.
		return s.fail(ctx, job, 0, 0, err.Error())
	}

	msg := domain.PushMessage{
		Title:     job.Title,
		Body:      job.Body,
		ImageURL:  job.ImageURL,
		ActionURL: job.ActionURL,
		Category:  job.Category,
		Data:      job.Payload,
	}

	sent, failed := 0, 0
	var errs []string
	for _, t := range targets {
		res, sendErr := s.gateway.Send(ctx, accessToken, t.Token, msg)
		if sendErr != nil {
			failed++
			s.metrics.MessagesFailed.Inc()
			errs = append(errs, sendErr.Error())
			continue
		}
		if res.Delivered {
			// Record immediately so a crash mid-job never resends.
			if err := s.ledger.MarkSent(ctx, job.ID, []int64{t.TokenID}); err != nil {
				return nil, fmt.Errorf("record delivery for job %d: %w", job.ID, err)
			}
			sent++
			s.metrics.MessagesSent.Inc()
			continue
		}
		failed++
		s.metrics.MessagesFailed.Inc()
		if res.TokenPruned {
			s.metrics.TokensPruned.Inc()
		}
		errs = append(errs, res.ErrorText)
	}

	errText := joinErrors(errs)
	if sent == 0 && failed > 0 {
		return s.fail(ctx, job, sent, failed, errText)
	}

	if err := s.jobs.Finalize(ctx, job.ID, sent, failed, domain.StatusCompleted, ""); err != nil {
		return nil, fmt.Errorf("finalize job %d: %w", job.ID, err)
	}
	if _, err := s.ledger.Purge(ctx, job.ID); err != nil {
		log.Error().Err(err).Int64("job_id", job.ID).Msg("failed to purge delivery records")
	}
	log.Info().
		Int64("job_id", job.ID).
		Int("sent", sent).
		Int("failed", failed).
		Msg("job completed")
	s.metrics.JobsProcessed.WithLabelValues(string(domain.StatusCompleted)).Inc()
	return &DeliveryOutcome{Job: job, Sent: sent, Failed: failed, Status: domain.StatusCompleted, ErrorText: errText}, nil
}

// materialize turns a JobRef into a persisted job row. New single jobs are
// created directly in processing state since they are delivered inline.
func (s *Sender) materialize(ctx context.Context, ref domain.JobRef) (*domain.Job, error) {
	if spec, ok := ref.Spec(); ok {
		job, err := s.jobs.Create(ctx, spec, domain.StatusProcessing)
		if err != nil {
			return nil, fmt.Errorf("create job: %w", err)
		}
		return job, nil
	}
	id, _ := ref.ExistingID()
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load job %d: %w", id, err)
	}
	return job, nil
}

func (s *Sender) resolveAudience(ctx context.Context, job *domain.Job) ([]domain.Recipient, error) {
	if job.IsSingle() {
		return s.tokens.ForCustomer(ctx, *job.TargetCustomerID, job.StoreID)
	}
	return s.tokens.Resolve(ctx, job.Filter, job.StoreID)
}

// dropAlreadySent filters recipients down to those without a delivery record,
// preserving resolution order.
func (s *Sender) dropAlreadySent(ctx context.Context, jobID int64, recipients []domain.Recipient) ([]domain.Recipient, error) {
	if len(recipients) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(recipients))
	for i, r := range recipients {
		ids[i] = r.TokenID
	}
	unsent, err := s.ledger.Unsent(ctx, jobID, ids)
	if err != nil {
		return nil, fmt.Errorf("load delivery ledger for job %d: %w", jobID, err)
	}
	if len(unsent) == len(recipients) {
		return recipients, nil
	}
	keep := make(map[int64]struct{}, len(unsent))
	for _, id := range unsent {
		keep[id] = struct{}{}
	}
	out := make([]domain.Recipient, 0, len(unsent))
	for _, r := range recipients {
		if _, ok := keep[r.TokenID]; ok {
			out = append(out, r)
		}
	}
	log.Debug().
		Int64("job_id", jobID).
		Int("skipped", len(recipients)-len(out)).
		Msg("skipping recipients already delivered")
	return out, nil
}

func (s *Sender) fail(ctx context.Context, job *domain.Job, sent, failed int, errText string) (*DeliveryOutcome, error) {
	if err := s.jobs.Finalize(ctx, job.ID, sent, failed, domain.StatusFailed, errText); err != nil {
		return nil, fmt.Errorf("finalize job %d: %w", job.ID, err)
	}
	log.Warn().
		Int64("job_id", job.ID).
		Int("failed", failed).
		Str("error", errText).
		Msg("job failed")
	s.metrics.JobsProcessed.WithLabelValues(string(domain.StatusFailed)).Inc()
	return &DeliveryOutcome{Job: job, Sent: sent, Failed: failed, Status: domain.StatusFailed, ErrorText: errText}, nil
}

func joinErrors(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	joined := strings.Join(errs, "; ")
	if len(joined) > errMessageLimit {
		joined = joined[:errMessageLimit]
	}
	return joined
}
