package application_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/idangerous/pushqueue/internal/application"
	"github.com/idangerous/pushqueue/internal/domain"
	"github.com/idangerous/pushqueue/internal/metrics"
)

// --- in-memory job repository ---

type fakeJobs struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*domain.Job
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[int64]*domain.Job{}}
}

func (f *fakeJobs) Create(_ context.Context, spec domain.JobSpec, status domain.JobStatus) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	j := &domain.Job{
		ID:               f.nextID,
		Title:            spec.Title,
		Body:             spec.Body,
		ImageURL:         spec.ImageURL,
		ActionURL:        spec.ActionURL,
		Category:         spec.Category,
		Payload:          spec.Payload,
		Filter:           spec.Filter,
		TargetCustomerID: spec.TargetCustomerID,
		StoreID:          spec.StoreID,
		ContentHash:      spec.Fingerprint(),
		Status:           status,
		CreatedAt:        time.Now().Add(time.Duration(f.nextID) * time.Millisecond),
		ScheduledAt:      spec.ScheduledAt,
	}
	f.jobs[j.ID] = j
	return j, nil
}

func (f *fakeJobs) GetByID(_ context.Context, id int64) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobs) FindActiveByFingerprint(_ context.Context, hash string, storeID int64) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ContentHash != hash || j.StoreID != storeID {
			continue
		}
		switch j.Status {
		case domain.StatusPending, domain.StatusProcessing, domain.StatusCompleted:
			return j, nil
		}
	}
	return nil, nil
}

func (f *fakeJobs) SelectEligible(_ context.Context, statuses []domain.JobStatus, limit int) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := map[domain.JobStatus]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	var out []*domain.Job
	for _, j := range f.jobs {
		if !want[j.Status] || j.TargetCustomerID != nil {
			continue
		}
		if j.ScheduledAt != nil && j.ScheduledAt.After(time.Now()) {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeJobs) Claim(_ context.Context, id int64, from domain.JobStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != from {
		return false, nil
	}
	now := time.Now()
	j.Status = domain.StatusProcessing
	j.ProcessedAt = &now
	return true, nil
}

func (f *fakeJobs) ListStale(_ context.Context, olderThan time.Duration, limit int) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []*domain.Job
	for _, j := range f.jobs {
		if j.Status != domain.StatusProcessing || j.TargetCustomerID != nil {
			continue
		}
		if j.CreatedAt.Before(cutoff) || (j.ProcessedAt != nil && j.ProcessedAt.Before(cutoff)) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeJobs) ResetPending(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = domain.StatusPending
	j.ProcessedAt = nil
	j.ErrorMessage = ""
	return nil
}

func (f *fakeJobs) ResetFailed(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, j := range f.jobs {
		if j.Status == domain.StatusFailed {
			j.Status = domain.StatusPending
			j.ProcessedAt = nil
			j.ErrorMessage = ""
			n++
		}
	}
	return n, nil
}

func (f *fakeJobs) Finalize(_ context.Context, id int64, addSent, addFailed int, status domain.JobStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now()
	j.TotalSent += addSent
	j.TotalFailed += addFailed
	j.Status = status
	j.ProcessedAt = &now
	if status == domain.StatusFailed {
		j.ErrorMessage = errMsg
	} else {
		j.ErrorMessage = ""
	}
	return nil
}

func (f *fakeJobs) MarkCompleted(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now()
	j.Status = domain.StatusCompleted
	j.ProcessedAt = &now
	return nil
}

func (f *fakeJobs) List(_ context.Context, status domain.JobStatus, limit, offset int) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Job
	for _, j := range f.jobs {
		if status == "" || j.Status == status {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (f *fakeJobs) CountByStatus(_ context.Context) (map[domain.JobStatus]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := map[domain.JobStatus]int64{}
	for _, j := range f.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

// --- in-memory token repository ---

type fakeTokens struct {
	recipients []domain.Recipient
	byCustomer map[int64][]domain.Recipient
	deleted    []string
}

func (f *fakeTokens) Resolve(context.Context, *domain.FilterSpec, int64) ([]domain.Recipient, error) {
	return f.recipients, nil
}

func (f *fakeTokens) ForCustomer(_ context.Context, customerID, _ int64) ([]domain.Recipient, error) {
	return f.byCustomer[customerID], nil
}

func (f *fakeTokens) Register(_ context.Context, reg domain.TokenRegistration) (*domain.DeviceToken, error) {
	return &domain.DeviceToken{ID: 1, Token: reg.Token, DeviceType: reg.DeviceType, IsActive: true}, nil
}

func (f *fakeTokens) Deactivate(context.Context, string) error { return nil }

func (f *fakeTokens) DeleteByToken(_ context.Context, token string) error {
	f.deleted = append(f.deleted, token)
	return nil
}

func (f *fakeTokens) Delete(context.Context, int64) error { return nil }

func (f *fakeTokens) List(context.Context, int, int) ([]*domain.DeviceToken, error) {
	return nil, nil
}

func (f *fakeTokens) CountByType(context.Context) (map[domain.DeviceType]int64, error) {
	return nil, nil
}

// --- in-memory delivery ledger ---

type fakeLedger struct {
	mu   sync.Mutex
	sent map[int64]map[int64]struct{}
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{sent: map[int64]map[int64]struct{}{}}
}

func (f *fakeLedger) Unsent(_ context.Context, jobID int64, candidates []int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int64
	for _, id := range candidates {
		if _, ok := f.sent[jobID][id]; !ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeLedger) MarkSent(_ context.Context, jobID int64, tokenIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent[jobID] == nil {
		f.sent[jobID] = map[int64]struct{}{}
	}
	for _, id := range tokenIDs {
		f.sent[jobID][id] = struct{}{}
	}
	return nil
}

func (f *fakeLedger) Count(_ context.Context, jobID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[jobID]), nil
}

func (f *fakeLedger) Purge(_ context.Context, jobID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := int64(len(f.sent[jobID]))
	delete(f.sent, jobID)
	return n, nil
}

func (f *fakeLedger) PurgeOrphaned(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

// --- lock, gateway, credentials ---

type fakeLock struct {
	mu       sync.Mutex
	held     bool
	acquires int
	releases int
}

func (f *fakeLock) Acquire(_ context.Context, _ string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLock) Release(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = false
	f.releases++
	return nil
}

type fakeGateway struct {
	mu      sync.Mutex
	calls   []string
	results map[string]domain.PushResult
	errs    map[string]error
	lastMsg domain.PushMessage
}

func (f *fakeGateway) Send(_ context.Context, _, token string, msg domain.PushMessage) (domain.PushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, token)
	f.lastMsg = msg
	if err, ok := f.errs[token]; ok {
		return domain.PushResult{}, err
	}
	if res, ok := f.results[token]; ok {
		return res, nil
	}
	return domain.PushResult{Delivered: true}, nil
}

type fakeCreds struct {
	token string
	err   error
	calls int
}

func (f *fakeCreds) AccessToken(context.Context) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

var errGatewayDown = errors.New("gateway unreachable")

// --- wiring helper ---

type testEnv struct {
	jobs      *fakeJobs
	tokens    *fakeTokens
	ledger    *fakeLedger
	gateway   *fakeGateway
	creds     *fakeCreds
	lock      *fakeLock
	sender    *application.Sender
	processor *application.Processor
}

func newTestEnv() *testEnv {
	e := &testEnv{
		jobs:    newFakeJobs(),
		tokens:  &fakeTokens{byCustomer: map[int64][]domain.Recipient{}},
		ledger:  newFakeLedger(),
		gateway: &fakeGateway{results: map[string]domain.PushResult{}, errs: map[string]error{}},
		creds:   &fakeCreds{token: "access-token"},
		lock:    &fakeLock{},
	}
	m := metrics.New(prometheus.NewRegistry())
	e.sender = application.NewSender(e.jobs, e.tokens, e.ledger, e.gateway, e.creds, m)
	e.processor = application.NewProcessor(e.jobs, e.ledger, e.lock, e.sender, e.creds, m, time.Hour, time.Hour)
	return e
}

func bulkSpec(title string) domain.JobSpec {
	return domain.JobSpec{
		Title:    title,
		Body:     "body of " + title,
		Category: "general",
	}
}

func recipients(tokens ...string) []domain.Recipient {
	out := make([]domain.Recipient, len(tokens))
	for i, t := range tokens {
		out[i] = domain.Recipient{TokenID: int64(i + 1), Token: t}
	}
	return out
}
