package application_test

import (
	"context"
	"testing"
	"time"

	"github.com/idangerous/pushqueue/internal/application"
	"github.com/idangerous/pushqueue/internal/domain"
)

func TestRunBatch_DeliversPendingJobs(t *testing.T) {
	e := newTestEnv()
	e.tokens.recipients = recipients("tok-a", "tok-b")
	e.jobs.Create(context.Background(), bulkSpec("one"), domain.StatusPending)
	e.jobs.Create(context.Background(), bulkSpec("two"), domain.StatusPending)

	res, err := e.processor.RunBatch(context.Background(), application.BatchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped {
		t.Fatal("pass should not have been skipped")
	}
	if res.Processed != 2 || res.Succeeded != 2 || res.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", res)
	}

	for _, id := range []int64{1, 2} {
		j, _ := e.jobs.GetByID(context.Background(), id)
		if j.Status != domain.StatusCompleted {
			t.Fatalf("job %d status = %s, want completed", id, j.Status)
		}
		if j.TotalSent != 2 || j.TotalFailed != 0 {
			t.Fatalf("job %d counters: sent=%d failed=%d", id, j.TotalSent, j.TotalFailed)
		}
		// Ledger is purged once a job completes.
		if n, _ := e.ledger.Count(context.Background(), id); n != 0 {
			t.Fatalf("job %d still has %d delivery records", id, n)
		}
	}
	if e.lock.releases != 1 {
		t.Fatalf("lock released %d times, want 1", e.lock.releases)
	}
}

func TestRunBatch_LockHeld_Skips(t *testing.T) {
	e := newTestEnv()
	e.lock.held = true
	e.jobs.Create(context.Background(), bulkSpec("queued"), domain.StatusPending)

	res, err := e.processor.RunBatch(context.Background(), application.BatchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped {
		t.Fatal("expected pass to be skipped")
	}
	if res.Processed != 0 {
		t.Fatalf("processed %d jobs under a held lock", res.Processed)
	}
	j, _ := e.jobs.GetByID(context.Background(), 1)
	if j.Status != domain.StatusPending {
		t.Fatalf("job status = %s, want pending", j.Status)
	}
}

func TestRunBatch_ClaimRace_SkipsJob(t *testing.T) {
	e := newTestEnv()
	e.tokens.recipients = recipients("tok-a")
	// A fresh processing job is selected but not claimable and not stale.
	job, _ := e.jobs.Create(context.Background(), bulkSpec("in flight"), domain.StatusProcessing)

	res, err := e.processor.RunBatch(context.Background(), application.BatchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 0 {
		t.Fatalf("processed %d, want 0", res.Processed)
	}
	if len(res.Jobs) != 1 || res.Jobs[0].Claimed {
		t.Fatalf("expected one unclaimed outcome, got %+v", res.Jobs)
	}
	if len(e.gateway.calls) != 0 {
		t.Fatal("gateway must not be called for an unclaimed job")
	}
	j, _ := e.jobs.GetByID(context.Background(), job.ID)
	if j.Status != domain.StatusProcessing {
		t.Fatalf("job status = %s, want processing", j.Status)
	}
}

func TestRunBatch_AllSendsFail_JobFailed(t *testing.T) {
	e := newTestEnv()
	e.tokens.recipients = recipients("tok-a", "tok-b")
	e.gateway.results["tok-a"] = domain.PushResult{ErrorText: "quota exceeded"}
	e.gateway.results["tok-b"] = domain.PushResult{ErrorText: "quota exceeded"}
	e.jobs.Create(context.Background(), bulkSpec("doomed"), domain.StatusPending)

	res, err := e.processor.RunBatch(context.Background(), application.BatchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || res.Succeeded != 0 {
		t.Fatalf("unexpected summary: %+v", res)
	}
	j, _ := e.jobs.GetByID(context.Background(), 1)
	if j.Status != domain.StatusFailed {
		t.Fatalf("job status = %s, want failed", j.Status)
	}
	if j.ErrorMessage == "" {
		t.Fatal("failed job should carry its error text")
	}
	if j.TotalFailed != 2 || j.TotalSent != 0 {
		t.Fatalf("counters: sent=%d failed=%d", j.TotalSent, j.TotalFailed)
	}
}

func TestRunBatch_PartialFailure_Completes(t *testing.T) {
	e := newTestEnv()
	e.tokens.recipients = recipients("tok-a", "tok-b")
	e.gateway.results["tok-b"] = domain.PushResult{ErrorText: "unregistered", TokenPruned: true}
	e.jobs.Create(context.Background(), bulkSpec("mixed"), domain.StatusPending)

	res, err := e.processor.RunBatch(context.Background(), application.BatchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 1 {
		t.Fatalf("unexpected summary: %+v", res)
	}
	j, _ := e.jobs.GetByID(context.Background(), 1)
	if j.Status != domain.StatusCompleted {
		t.Fatalf("job status = %s, want completed", j.Status)
	}
	if j.TotalSent != 1 || j.TotalFailed != 1 {
		t.Fatalf("counters: sent=%d failed=%d", j.TotalSent, j.TotalFailed)
	}
}

func TestRunBatch_TransportFault_CountsAsFailure(t *testing.T) {
	e := newTestEnv()
	e.tokens.recipients = recipients("tok-a")
	e.gateway.errs["tok-a"] = errGatewayDown
	e.jobs.Create(context.Background(), bulkSpec("offline"), domain.StatusPending)

	res, err := e.processor.RunBatch(context.Background(), application.BatchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", res)
	}
	j, _ := e.jobs.GetByID(context.Background(), 1)
	if j.Status != domain.StatusFailed {
		t.Fatalf("job status = %s, want failed", j.Status)
	}
}

func TestRunBatch_CredentialFailure_FailsJobsButNotPass(t *testing.T) {
	e := newTestEnv()
	e.tokens.recipients = recipients("tok-a")
	e.creds.err = application.ErrNotConfigured
	e.jobs.Create(context.Background(), bulkSpec("no creds"), domain.StatusPending)

	res, err := e.processor.RunBatch(context.Background(), application.BatchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", res)
	}
	j, _ := e.jobs.GetByID(context.Background(), 1)
	if j.Status != domain.StatusFailed {
		t.Fatalf("job status = %s, want failed", j.Status)
	}
	if len(e.gateway.calls) != 0 {
		t.Fatal("no sends should happen without an access token")
	}
}

func TestRunBatch_CredentialFetchedOncePerPass(t *testing.T) {
	e := newTestEnv()
	e.tokens.recipients = recipients("tok-a")
	for i := 0; i < 3; i++ {
		e.jobs.Create(context.Background(), bulkSpec(string(rune('a'+i))), domain.StatusPending)
	}

	if _, err := e.processor.RunBatch(context.Background(), application.BatchOptions{}); err != nil {
		t.Fatal(err)
	}
	if e.creds.calls != 1 {
		t.Fatalf("credentials fetched %d times, want 1", e.creds.calls)
	}
}

func TestRunBatch_IdempotentResend(t *testing.T) {
	e := newTestEnv()
	e.tokens.recipients = recipients("tok-a", "tok-b")
	job, _ := e.jobs.Create(context.Background(), bulkSpec("retry"), domain.StatusPending)
	// First attempt already delivered to token 1.
	e.ledger.MarkSent(context.Background(), job.ID, []int64{1})

	res, err := e.processor.RunBatch(context.Background(), application.BatchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 1 {
		t.Fatalf("unexpected summary: %+v", res)
	}
	if len(e.gateway.calls) != 1 || e.gateway.calls[0] != "tok-b" {
		t.Fatalf("gateway calls = %v, want only tok-b", e.gateway.calls)
	}
}

func TestRunBatch_NoRecipients_Completes(t *testing.T) {
	e := newTestEnv()
	e.tokens.recipients = nil
	e.jobs.Create(context.Background(), bulkSpec("nobody"), domain.StatusPending)

	res, err := e.processor.RunBatch(context.Background(), application.BatchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 1 {
		t.Fatalf("unexpected summary: %+v", res)
	}
	j, _ := e.jobs.GetByID(context.Background(), 1)
	if j.Status != domain.StatusCompleted || j.TotalSent != 0 {
		t.Fatalf("job: status=%s sent=%d", j.Status, j.TotalSent)
	}
	if e.creds.calls != 0 {
		t.Fatal("no credential fetch needed when nothing is sent")
	}
}

func TestRunBatch_ScheduledInFuture_NotSelected(t *testing.T) {
	e := newTestEnv()
	e.tokens.recipients = recipients("tok-a")
	later := time.Now().Add(time.Hour)
	spec := bulkSpec("later")
	spec.ScheduledAt = &later
	e.jobs.Create(context.Background(), spec, domain.StatusPending)

	res, err := e.processor.RunBatch(context.Background(), application.BatchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Jobs) != 0 {
		t.Fatalf("scheduled job was selected: %+v", res.Jobs)
	}
}

func TestRunBatch_StuckJob_ResetAndRedelivered(t *testing.T) {
	e := newTestEnv()
	e.tokens.recipients = recipients("tok-a", "tok-b")
	job, _ := e.jobs.Create(context.Background(), bulkSpec("stuck"), domain.StatusProcessing)
	// Simulate a worker that died an age ago, after one delivery.
	e.jobs.jobs[job.ID].CreatedAt = time.Now().Add(-2 * time.Hour)
	e.ledger.MarkSent(context.Background(), job.ID, []int64{1})

	res, err := e.processor.RunBatch(context.Background(), application.BatchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Recovered != 1 {
		t.Fatalf("recovered = %d, want 1", res.Recovered)
	}
	// The reset job is picked up in the same pass; only the missing token
	// gets a send.
	if len(e.gateway.calls) != 1 || e.gateway.calls[0] != "tok-b" {
		t.Fatalf("gateway calls = %v, want only tok-b", e.gateway.calls)
	}
	j, _ := e.jobs.GetByID(context.Background(), job.ID)
	if j.Status != domain.StatusCompleted {
		t.Fatalf("job status = %s, want completed", j.Status)
	}
}

func TestRunBatch_StuckJob_LedgerShowsDone_MarkedCompleted(t *testing.T) {
	e := newTestEnv()
	e.tokens.recipients = recipients("tok-a", "tok-b")
	job, _ := e.jobs.Create(context.Background(), bulkSpec("done but stuck"), domain.StatusProcessing)
	e.jobs.jobs[job.ID].CreatedAt = time.Now().Add(-2 * time.Hour)
	e.jobs.jobs[job.ID].TotalSent = 2
	e.ledger.MarkSent(context.Background(), job.ID, []int64{1, 2})

	res, err := e.processor.RunBatch(context.Background(), application.BatchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Recovered != 1 {
		t.Fatalf("recovered = %d, want 1", res.Recovered)
	}
	j, _ := e.jobs.GetByID(context.Background(), job.ID)
	if j.Status != domain.StatusCompleted {
		t.Fatalf("job status = %s, want completed", j.Status)
	}
	if len(e.gateway.calls) != 0 {
		t.Fatalf("finished job must not be redelivered, calls = %v", e.gateway.calls)
	}
	if n, _ := e.ledger.Count(context.Background(), job.ID); n != 0 {
		t.Fatalf("ledger not purged, %d records remain", n)
	}
}

func TestRunBatch_ForceRetry_ResetsFailedJobs(t *testing.T) {
	e := newTestEnv()
	e.tokens.recipients = recipients("tok-a")
	job, _ := e.jobs.Create(context.Background(), bulkSpec("previously failed"), domain.StatusFailed)

	res, err := e.processor.RunBatch(context.Background(), application.BatchOptions{ForceRetry: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reset != 1 {
		t.Fatalf("reset = %d, want 1", res.Reset)
	}
	j, _ := e.jobs.GetByID(context.Background(), job.ID)
	if j.Status != domain.StatusCompleted {
		t.Fatalf("job status = %s, want completed after forced retry", j.Status)
	}
}

func TestRunBatch_DrainFailedStatus(t *testing.T) {
	e := newTestEnv()
	e.tokens.recipients = recipients("tok-a")
	e.jobs.Create(context.Background(), bulkSpec("failed earlier"), domain.StatusFailed)
	e.jobs.Create(context.Background(), bulkSpec("still pending"), domain.StatusPending)

	res, err := e.processor.RunBatch(context.Background(), application.BatchOptions{Status: domain.StatusFailed})
	if err != nil {
		t.Fatal(err)
	}
	// Only the failed job is drained; the pending one waits for a normal pass.
	if res.Processed != 1 {
		t.Fatalf("processed = %d, want 1", res.Processed)
	}
	if res.Jobs[0].JobID != 1 || res.Jobs[0].Status != domain.StatusCompleted {
		t.Fatalf("unexpected outcomes: %+v", res.Jobs)
	}
	pending, _ := e.jobs.GetByID(context.Background(), 2)
	if pending.Status != domain.StatusPending {
		t.Fatalf("pending job was touched: %s", pending.Status)
	}
}

func TestRunBatch_LimitRespected(t *testing.T) {
	e := newTestEnv()
	e.tokens.recipients = recipients("tok-a")
	for i := 0; i < 5; i++ {
		e.jobs.Create(context.Background(), bulkSpec(string(rune('a'+i))), domain.StatusPending)
	}

	res, err := e.processor.RunBatch(context.Background(), application.BatchOptions{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 2 {
		t.Fatalf("processed = %d, want 2", res.Processed)
	}
	// Oldest first.
	if res.Jobs[0].JobID != 1 || res.Jobs[1].JobID != 2 {
		t.Fatalf("wrong selection order: %+v", res.Jobs)
	}
}
