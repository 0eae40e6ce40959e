package service

import (
	"context"
	"sync"
	"time"

	"github.com/kursadbilgin/callflow-engine/internal/domain"
	"github.com/kursadbilgin/callflow-engine/internal/lease"
	"github.com/kursadbilgin/callflow-engine/internal/provider"
	"github.com/kursadbilgin/callflow-engine/internal/queue"
	"github.com/kursadbilgin/callflow-engine/internal/repository"
)

type fakeRetryStateRepo struct {
	createFn             func(ctx context.Context, s *domain.RetryState) error
	getByIDFn            func(ctx context.Context, id string) (*domain.RetryState, error)
	getByEnrollmentFn    func(ctx context.Context, contactID, campaignID, appointmentID string) (*domain.RetryState, error)
	listFn               func(ctx context.Context, params repository.ListParams) ([]domain.RetryState, int64, error)
	getDueFn             func(ctx context.Context, now, enqueuedBefore time.Time, limit int) ([]domain.RetryState, error)
	markEnqueuedFn       func(ctx context.Context, id string, dueAt, at time.Time) (bool, error)
	getStuckAttemptingFn func(ctx context.Context, since time.Time, limit int) ([]domain.RetryState, error)
	beginAttemptFn       func(ctx context.Context, id string, attempt *domain.CallAttempt) (*domain.RetryState, error)
	finalizeFn           func(ctx context.Context, id string, expect domain.State, t repository.Transition) (*domain.RetryState, bool, error)
	rescheduleFn         func(ctx context.Context, id string, next time.Time) error
	refreshContactFn     func(ctx context.Context, id string, c repository.ContactCache) error
	markDoNotCallFn      func(ctx context.Context, contactID string) (int64, error)
	resetEscalationFn    func(ctx context.Context, id string, next time.Time) (*domain.RetryState, error)
	reopenFn             func(ctx context.Context, id string, next time.Time) (*domain.RetryState, error)
}

func (f *fakeRetryStateRepo) Create(ctx context.Context, s *domain.RetryState) error {
	if f.createFn != nil {
		return f.createFn(ctx, s)
	}
	return nil
}

func (f *fakeRetryStateRepo) GetByID(ctx context.Context, id string) (*domain.RetryState, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeRetryStateRepo) GetByEnrollment(ctx context.Context, contactID, campaignID, appointmentID string) (*domain.RetryState, error) {
	if f.getByEnrollmentFn != nil {
		return f.getByEnrollmentFn(ctx, contactID, campaignID, appointmentID)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeRetryStateRepo) List(ctx context.Context, params repository.ListParams) ([]domain.RetryState, int64, error) {
	if f.listFn != nil {
		return f.listFn(ctx, params)
	}
	return nil, 0, nil
}

func (f *fakeRetryStateRepo) GetDue(ctx context.Context, now, enqueuedBefore time.Time, limit int) ([]domain.RetryState, error) {
	if f.getDueFn != nil {
		return f.getDueFn(ctx, now, enqueuedBefore, limit)
	}
	return nil, nil
}

func (f *fakeRetryStateRepo) MarkEnqueued(ctx context.Context, id string, dueAt, at time.Time) (bool, error) {
	if f.markEnqueuedFn != nil {
		return f.markEnqueuedFn(ctx, id, dueAt, at)
	}
	return true, nil
}

func (f *fakeRetryStateRepo) GetStuckAttempting(ctx context.Context, since time.Time, limit int) ([]domain.RetryState, error) {
	if f.getStuckAttemptingFn != nil {
		return f.getStuckAttemptingFn(ctx, since, limit)
	}
	return nil, nil
}

func (f *fakeRetryStateRepo) BeginAttempt(ctx context.Context, id string, attempt *domain.CallAttempt) (*domain.RetryState, error) {
	if f.beginAttemptFn != nil {
		return f.beginAttemptFn(ctx, id, attempt)
	}
	return nil, domain.ErrConflict
}

func (f *fakeRetryStateRepo) Finalize(ctx context.Context, id string, expect domain.State, t repository.Transition) (*domain.RetryState, bool, error) {
	if f.finalizeFn != nil {
		return f.finalizeFn(ctx, id, expect, t)
	}
	return &domain.RetryState{ID: id, State: t.State}, t.ConfirmationStatus != nil, nil
}

func (f *fakeRetryStateRepo) Reschedule(ctx context.Context, id string, next time.Time) error {
	if f.rescheduleFn != nil {
		return f.rescheduleFn(ctx, id, next)
	}
	return nil
}

func (f *fakeRetryStateRepo) RefreshContact(ctx context.Context, id string, c repository.ContactCache) error {
	if f.refreshContactFn != nil {
		return f.refreshContactFn(ctx, id, c)
	}
	return nil
}

func (f *fakeRetryStateRepo) MarkDoNotCall(ctx context.Context, contactID string) (int64, error) {
	if f.markDoNotCallFn != nil {
		return f.markDoNotCallFn(ctx, contactID)
	}
	return 0, nil
}

func (f *fakeRetryStateRepo) ResetEscalation(ctx context.Context, id string, next time.Time) (*domain.RetryState, error) {
	if f.resetEscalationFn != nil {
		return f.resetEscalationFn(ctx, id, next)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeRetryStateRepo) Reopen(ctx context.Context, id string, next time.Time) (*domain.RetryState, error) {
	if f.reopenFn != nil {
		return f.reopenFn(ctx, id, next)
	}
	return nil, domain.ErrNotFound
}

type fakeAttemptRepo struct {
	getByIDFn             func(ctx context.Context, id string) (*domain.CallAttempt, error)
	getByExternalCallIDFn func(ctx context.Context, externalCallID string) (*domain.CallAttempt, error)
	listByRetryStateFn    func(ctx context.Context, retryStateID string) ([]domain.CallAttempt, error)
	markPlacedFn          func(ctx context.Context, id, externalCallID string, placedAt time.Time) error
	recordOutcomeFn       func(ctx context.Context, id string, rec domain.OutcomeRecord) (bool, error)
}

func (f *fakeAttemptRepo) GetByID(ctx context.Context, id string) (*domain.CallAttempt, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeAttemptRepo) GetByExternalCallID(ctx context.Context, externalCallID string) (*domain.CallAttempt, error) {
	if f.getByExternalCallIDFn != nil {
		return f.getByExternalCallIDFn(ctx, externalCallID)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeAttemptRepo) ListByRetryState(ctx context.Context, retryStateID string) ([]domain.CallAttempt, error) {
	if f.listByRetryStateFn != nil {
		return f.listByRetryStateFn(ctx, retryStateID)
	}
	return nil, nil
}

func (f *fakeAttemptRepo) CountByRetryState(ctx context.Context, retryStateID string) (int64, error) {
	attempts, err := f.ListByRetryState(ctx, retryStateID)
	return int64(len(attempts)), err
}

func (f *fakeAttemptRepo) MarkPlaced(ctx context.Context, id, externalCallID string, placedAt time.Time) error {
	if f.markPlacedFn != nil {
		return f.markPlacedFn(ctx, id, externalCallID, placedAt)
	}
	return nil
}

func (f *fakeAttemptRepo) RecordOutcome(ctx context.Context, id string, rec domain.OutcomeRecord) (bool, error) {
	if f.recordOutcomeFn != nil {
		return f.recordOutcomeFn(ctx, id, rec)
	}
	return true, nil
}

// memoryDispatchRepo keeps the dispatch ledger in memory with the unique key enforced.
type memoryDispatchRepo struct {
	mu        sync.Mutex
	byKey     map[string]*domain.WorkflowDispatch
	reserveFn func(ctx context.Context, d *domain.WorkflowDispatch) (bool, error)
}

func newMemoryDispatchRepo() *memoryDispatchRepo {
	return &memoryDispatchRepo{byKey: make(map[string]*domain.WorkflowDispatch)}
}

func (r *memoryDispatchRepo) Reserve(ctx context.Context, d *domain.WorkflowDispatch) (bool, error) {
	if r.reserveFn != nil {
		return r.reserveFn(ctx, d)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byKey[d.IdempotencyKey]; ok {
		return false, nil
	}
	stored := *d
	r.byKey[d.IdempotencyKey] = &stored
	return true, nil
}

func (r *memoryDispatchRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.WorkflowDispatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byKey[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *d
	return &out, nil
}

func (r *memoryDispatchRepo) ListByContact(ctx context.Context, contactID string) ([]domain.WorkflowDispatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.WorkflowDispatch
	for _, d := range r.byKey {
		if d.ContactID == contactID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (r *memoryDispatchRepo) MarkDelivered(ctx context.Context, id string, executionID, smsMessageID *string, attempts int) error {
	return r.update(id, func(d *domain.WorkflowDispatch) {
		d.Status = domain.DispatchDelivered
		d.ExecutionID = executionID
		d.SMSMessageID = smsMessageID
		d.Attempts = attempts
	})
}

func (r *memoryDispatchRepo) MarkFailed(ctx context.Context, id string, lastErr string, attempts int) error {
	return r.update(id, func(d *domain.WorkflowDispatch) {
		d.Status = domain.DispatchFailed
		d.LastError = &lastErr
		d.Attempts = attempts
	})
}

func (r *memoryDispatchRepo) update(id string, fn func(d *domain.WorkflowDispatch)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.byKey {
		if d.ID == id {
			fn(d)
			return nil
		}
	}
	return domain.ErrNotFound
}

type fakePublisher struct {
	publishFn func(ctx context.Context, queueName string, msg queue.CallMessage) error
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.CallMessage) error {
	if f.publishFn != nil {
		return f.publishFn(ctx, queueName, msg)
	}
	return nil
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.MessageHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	<-ctx.Done()
	return nil
}

type fakeRateLimiter struct {
	waitFn func(ctx context.Context, scope string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, scope string) (bool, error) {
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, scope string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, scope)
	}
	return nil
}

type fakeLocker struct {
	mu        sync.Mutex
	acquireFn func(ctx context.Context, key string, ttl time.Duration) (lease.Lease, error)
	released  []string
}

func (f *fakeLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (lease.Lease, error) {
	if f.acquireFn != nil {
		return f.acquireFn(ctx, key, ttl)
	}
	return &fakeLease{key: key, locker: f}, nil
}

func (f *fakeLocker) releasedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

type fakeLease struct {
	key    string
	locker *fakeLocker
}

func (l *fakeLease) Key() string {
	return l.key
}

func (l *fakeLease) Release(ctx context.Context) error {
	l.locker.mu.Lock()
	l.locker.released = append(l.locker.released, l.key)
	l.locker.mu.Unlock()
	return nil
}

type fakeVoice struct {
	placeCallFn func(ctx context.Context, req provider.PlaceCallRequest) (*provider.PlaceCallResponse, error)
}

func (f *fakeVoice) PlaceCall(ctx context.Context, req provider.PlaceCallRequest) (*provider.PlaceCallResponse, error) {
	if f.placeCallFn != nil {
		return f.placeCallFn(ctx, req)
	}
	return &provider.PlaceCallResponse{ExternalCallID: "call-" + req.AttemptID}, nil
}

type fakeWorkflow struct {
	mu                sync.Mutex
	triggerWorkflowFn func(ctx context.Context, req provider.WorkflowRequest) (string, error)
	calls             []provider.WorkflowRequest
}

func (f *fakeWorkflow) TriggerWorkflow(ctx context.Context, req provider.WorkflowRequest) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.triggerWorkflowFn != nil {
		return f.triggerWorkflowFn(ctx, req)
	}
	return "exec-" + string(req.Kind), nil
}

func (f *fakeWorkflow) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSMS struct {
	mu        sync.Mutex
	sendSMSFn func(ctx context.Context, req provider.SMSRequest) (string, error)
	calls     []provider.SMSRequest
}

func (f *fakeSMS) SendSMS(ctx context.Context, req provider.SMSRequest) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.sendSMSFn != nil {
		return f.sendSMSFn(ctx, req)
	}
	return "sms-1", nil
}

func (f *fakeSMS) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeCRM struct {
	mu                      sync.Mutex
	getContactFn            func(ctx context.Context, contactID string) (*domain.Contact, error)
	tagManualFollowUpFn     func(ctx context.Context, contactID string, reason domain.EscalationReason) error
	setConfirmationStatusFn func(ctx context.Context, contactID, appointmentID string, status domain.ConfirmationStatus) error
	tags                    []domain.EscalationReason
	statuses                []domain.ConfirmationStatus
}

func (f *fakeCRM) GetContact(ctx context.Context, contactID string) (*domain.Contact, error) {
	if f.getContactFn != nil {
		return f.getContactFn(ctx, contactID)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeCRM) TagManualFollowUp(ctx context.Context, contactID string, reason domain.EscalationReason) error {
	f.mu.Lock()
	f.tags = append(f.tags, reason)
	f.mu.Unlock()
	if f.tagManualFollowUpFn != nil {
		return f.tagManualFollowUpFn(ctx, contactID, reason)
	}
	return nil
}

func (f *fakeCRM) SetConfirmationStatus(ctx context.Context, contactID, appointmentID string, status domain.ConfirmationStatus) error {
	f.mu.Lock()
	f.statuses = append(f.statuses, status)
	f.mu.Unlock()
	if f.setConfirmationStatusFn != nil {
		return f.setConfirmationStatusFn(ctx, contactID, appointmentID, status)
	}
	return nil
}

func (f *fakeCRM) taggedReasons() []domain.EscalationReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.EscalationReason(nil), f.tags...)
}

type fakeOutcomePublisher struct {
	publishFn func(ctx context.Context, attemptID string, rec domain.OutcomeRecord) error
}

func (f *fakeOutcomePublisher) Publish(ctx context.Context, attemptID string, rec domain.OutcomeRecord) error {
	if f.publishFn != nil {
		return f.publishFn(ctx, attemptID, rec)
	}
	return nil
}
