package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/callflow-engine/internal/classifier"
	"github.com/kursadbilgin/callflow-engine/internal/config"
	"github.com/kursadbilgin/callflow-engine/internal/domain"
	"github.com/kursadbilgin/callflow-engine/internal/observability"
	"github.com/kursadbilgin/callflow-engine/internal/provider"
	"github.com/kursadbilgin/callflow-engine/internal/repository"
	"github.com/kursadbilgin/callflow-engine/internal/retry"
	"github.com/kursadbilgin/callflow-engine/internal/timezone"
	"go.uber.org/zap"
)

const maxBatchSize = 1000

// EnrollRequest schedules one contact in one campaign for one appointment.
// Contact fields are optional overrides; the CRM copy wins when available.
type EnrollRequest struct {
	ContactID     string
	CampaignID    string
	CampaignKind  domain.CampaignKind
	AppointmentID string
	Phone         string
	DisplayName   string
	Region        string
	RequestedAt   *time.Time
}

type EnrollResult struct {
	State   *domain.RetryState
	Created bool
	Err     error
}

// OutcomeCallback is the voice platform's asynchronous end-of-call report.
type OutcomeCallback struct {
	AttemptID       string
	ExternalCallID  string
	TerminationCode string
	Intent          string
	DurationSeconds *float64
}

type ContactService struct {
	states    repository.RetryStateRepository
	attempts  repository.AttemptRepository
	crm       provider.CRMClient
	resolver  *timezone.Resolver
	policies  *config.Policies
	finalizer *Finalizer
	hub       *OutcomeHub
	bus       OutcomePublisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewContactService(
	states repository.RetryStateRepository,
	attempts repository.AttemptRepository,
	crm provider.CRMClient,
	resolver *timezone.Resolver,
	policies *config.Policies,
	finalizer *Finalizer,
	hub *OutcomeHub,
	bus OutcomePublisher,
	logger *zap.Logger,
) (*ContactService, error) {
	if states == nil || attempts == nil {
		return nil, fmt.Errorf("retry state and attempt repositories are required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("timezone resolver is required")
	}
	if policies == nil {
		policies = config.DefaultPolicies()
	}
	if hub == nil {
		hub = NewOutcomeHub()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ContactService{
		states:    states,
		attempts:  attempts,
		crm:       crm,
		resolver:  resolver,
		policies:  policies,
		finalizer: finalizer,
		hub:       hub,
		bus:       bus,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Enroll creates the enrollment's retry state. Re-enrolling returns the
// existing record, except that an archived reschedule_requested enrollment is
// reopened. The returned bool reports whether anything was created or reopened.
func (s *ContactService) Enroll(ctx context.Context, req EnrollRequest) (*domain.RetryState, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := s.normalizeEnrollRequest(req)
	if err != nil {
		return nil, false, err
	}

	existing, err := s.states.GetByEnrollment(ctx, req.ContactID, req.CampaignID, req.AppointmentID)
	switch {
	case err == nil:
		return s.reenroll(ctx, existing, req)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, false, fmt.Errorf("failed to look up enrollment: %w", err)
	}

	contact, err := s.loadContact(ctx, req)
	if err != nil {
		return nil, false, err
	}
	if contact.DoNotCall {
		return nil, false, fmt.Errorf("%w: contact %s is do-not-call", domain.ErrConflict, contact.ID)
	}

	now := s.now().UTC()
	state := &domain.RetryState{
		ID:            uuid.NewString(),
		ContactID:     contact.ID,
		CampaignID:    req.CampaignID,
		CampaignKind:  req.CampaignKind,
		AppointmentID: req.AppointmentID,
		Phone:         contact.Phone,
		DisplayName:   contact.DisplayName,
		Region:        contact.Region,
		State:         domain.StateScheduled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	res, resolveErr := s.resolver.Resolve(timezone.RegionHint{Region: contact.Region, Phone: contact.Phone})
	if resolveErr != nil {
		if !errors.Is(resolveErr, domain.ErrUnsupportedRegion) {
			return nil, false, resolveErr
		}
		reason := domain.EscalationUnsupportedRegion
		state.State = domain.StateEscalated
		state.Escalated = true
		state.EscalationReason = &reason
	} else {
		requestedAt := now
		if req.RequestedAt != nil {
			requestedAt = req.RequestedAt.UTC()
		}
		next := retry.FirstEligibleAt(res.Window, now, requestedAt)
		tz := res.Timezone
		state.Region = res.Region
		state.Timezone = &tz
		state.NextEligibleAt = &next
	}

	if err := state.Validate(); err != nil {
		return nil, false, err
	}

	if err := s.states.Create(ctx, state); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			existing, getErr := s.states.GetByEnrollment(ctx, req.ContactID, req.CampaignID, req.AppointmentID)
			if getErr != nil {
				return nil, false, fmt.Errorf("failed to load existing enrollment after conflict: %w", getErr)
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	if state.Escalated {
		s.logger.Warn("contact region is not served, enrollment escalated",
			append(observability.EnrollmentFields(state), zap.Error(resolveErr))...,
		)
		s.tagEscalation(ctx, state)
		return state, true, nil
	}

	s.logger.Info("contact enrolled",
		append(observability.EnrollmentFields(state), zap.Timep("nextEligibleAt", state.NextEligibleAt))...,
	)
	return state, true, nil
}

// EnrollBatch enrolls every request independently. A non-nil error reports a
// partial failure; per-request errors are in the results.
func (s *ContactService) EnrollBatch(ctx context.Context, reqs []EnrollRequest) ([]EnrollResult, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: batch must include at least one enrollment", domain.ErrValidation)
	}
	if len(reqs) > maxBatchSize {
		return nil, fmt.Errorf("%w: batch size exceeds %d", domain.ErrValidation, maxBatchSize)
	}

	results := make([]EnrollResult, len(reqs))
	failed := 0
	for i := range reqs {
		state, created, err := s.Enroll(ctx, reqs[i])
		results[i] = EnrollResult{State: state, Created: created, Err: err}
		if err != nil {
			failed++
		}
	}

	if failed > 0 {
		s.logger.Warn("batch enrollment completed with partial failure",
			zap.Int("failed", failed),
			zap.Int("total", len(reqs)),
		)
		return results, fmt.Errorf("batch enrolled with partial failure: %d/%d failed", failed, len(reqs))
	}
	return results, nil
}

func (s *ContactService) Get(ctx context.Context, id string) (*domain.RetryState, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: enrollment id is required", domain.ErrValidation)
	}
	return s.states.GetByID(ctx, strings.TrimSpace(id))
}

func (s *ContactService) List(ctx context.Context, params repository.ListParams) ([]domain.RetryState, int64, error) {
	return s.states.List(ctx, params)
}

// Attempts lists the call attempts of one enrollment in attempt order.
func (s *ContactService) Attempts(ctx context.Context, retryStateID string) ([]domain.CallAttempt, error) {
	state, err := s.Get(ctx, retryStateID)
	if err != nil {
		return nil, err
	}
	return s.attempts.ListByRetryState(ctx, state.ID)
}

// MarkDoNotCall flags every enrollment of the contact and cancels the scheduled ones.
func (s *ContactService) MarkDoNotCall(ctx context.Context, contactID string) (int64, error) {
	contactID = strings.TrimSpace(contactID)
	if contactID == "" {
		return 0, fmt.Errorf("%w: contact id is required", domain.ErrValidation)
	}

	affected, err := s.states.MarkDoNotCall(ctx, contactID)
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, domain.ErrNotFound
	}

	s.logger.Info("contact marked do-not-call",
		zap.String("contactId", contactID),
		zap.Int64("enrollments", affected),
	)
	return affected, nil
}

// ResetEscalation is the operator action returning an escalated enrollment to automation.
func (s *ContactService) ResetEscalation(ctx context.Context, id string) (*domain.RetryState, error) {
	state, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !state.Escalated {
		return nil, fmt.Errorf("%w: enrollment %s is not escalated", domain.ErrConflict, state.ID)
	}

	res, err := s.resolver.Resolve(timezone.RegionHint{Region: state.Region, Phone: state.Phone})
	if err != nil {
		return nil, err
	}

	updated, err := s.states.ResetEscalation(ctx, state.ID, res.Window.Snap(s.now().UTC()))
	if err != nil {
		return nil, err
	}
	s.logger.Info("escalation reset by operator",
		append(observability.EnrollmentFields(updated), zap.Timep("nextEligibleAt", updated.NextEligibleAt))...,
	)
	return updated, nil
}

// HandleOutcomeCallback classifies and stores a reported outcome. It reports
// whether this callback was the one that recorded the outcome; duplicates are no-ops.
func (s *ContactService) HandleOutcomeCallback(ctx context.Context, cb OutcomeCallback) (bool, error) {
	attempt, err := s.findAttempt(ctx, cb)
	if err != nil {
		return false, err
	}
	if attempt.Outcome != nil {
		s.logger.Info("duplicate outcome callback ignored", zap.String("attemptId", attempt.ID))
		return false, nil
	}

	state, err := s.states.GetByID(ctx, attempt.RetryStateID)
	if err != nil {
		return false, fmt.Errorf("failed to load retry state for attempt: %w", err)
	}

	intent, intentErr := classifier.ParseIntent(cb.Intent)
	if intentErr != nil {
		intent = domain.IntentUnclear
	}
	rec := domain.OutcomeRecord{
		Outcome: classifier.Classify(
			classifier.Signal{TerminationCode: cb.TerminationCode, Intent: cb.Intent},
			classifier.History{UnclearCount: state.UnclearCount},
		),
		Reason:      strings.TrimSpace(cb.TerminationCode),
		Intent:      intent,
		CompletedAt: s.now().UTC(),
	}
	if cb.DurationSeconds != nil && *cb.DurationSeconds > 0 {
		rec.Duration = time.Duration(*cb.DurationSeconds * float64(time.Second))
	}

	recorded, err := s.attempts.RecordOutcome(ctx, attempt.ID, rec)
	if err != nil {
		return false, fmt.Errorf("failed to record callback outcome: %w", err)
	}
	if !recorded {
		s.logger.Info("duplicate outcome callback ignored", zap.String("attemptId", attempt.ID))
		return false, nil
	}

	s.logger.Info("call outcome received",
		append(observability.EnrollmentFields(state),
			zap.String("attemptId", attempt.ID),
			zap.String("outcome", rec.Outcome.String()),
		)...,
	)
	s.notify(ctx, attempt.ID, rec)
	return true, nil
}

func (s *ContactService) notify(ctx context.Context, attemptID string, rec domain.OutcomeRecord) {
	if s.bus != nil {
		err := s.bus.Publish(ctx, attemptID, rec)
		if err == nil {
			return
		}
		s.logger.Warn("failed to publish outcome, delivering locally",
			zap.String("attemptId", attemptID),
			zap.Error(err),
		)
	}
	s.hub.Deliver(attemptID, rec)
}

func (s *ContactService) findAttempt(ctx context.Context, cb OutcomeCallback) (*domain.CallAttempt, error) {
	attemptID := strings.TrimSpace(cb.AttemptID)
	externalID := strings.TrimSpace(cb.ExternalCallID)
	if attemptID == "" && externalID == "" {
		return nil, fmt.Errorf("%w: attempt id or external call id is required", domain.ErrValidation)
	}

	if attemptID != "" {
		attempt, err := s.attempts.GetByID(ctx, attemptID)
		if err == nil {
			return attempt, nil
		}
		if !errors.Is(err, domain.ErrNotFound) || externalID == "" {
			return nil, err
		}
	}
	return s.attempts.GetByExternalCallID(ctx, externalID)
}

func (s *ContactService) reenroll(ctx context.Context, existing *domain.RetryState, req EnrollRequest) (*domain.RetryState, bool, error) {
	if existing.ArchivedAt == nil || existing.CurrentConfirmationStatus() != domain.ConfirmationRescheduleRequested {
		return existing, false, nil
	}

	res, err := s.resolver.Resolve(timezone.RegionHint{Region: existing.Region, Phone: existing.Phone})
	if err != nil {
		return nil, false, err
	}

	now := s.now().UTC()
	requestedAt := now
	if req.RequestedAt != nil {
		requestedAt = req.RequestedAt.UTC()
	}
	reopened, err := s.states.Reopen(ctx, existing.ID, retry.FirstEligibleAt(res.Window, now, requestedAt))
	if err != nil {
		return nil, false, err
	}
	s.logger.Info("reschedule requested enrollment reopened", observability.EnrollmentFields(reopened)...)
	return reopened, true, nil
}

// loadContact merges the CRM contact over the request's fields.
func (s *ContactService) loadContact(ctx context.Context, req EnrollRequest) (*domain.Contact, error) {
	contact := &domain.Contact{
		ID:            req.ContactID,
		Phone:         req.Phone,
		DisplayName:   req.DisplayName,
		Region:        req.Region,
		AppointmentID: req.AppointmentID,
	}

	if s.crm != nil {
		remote, err := s.crm.GetContact(ctx, req.ContactID)
		switch {
		case err == nil:
			if remote.Phone != "" {
				contact.Phone = remote.Phone
			}
			if remote.DisplayName != "" {
				contact.DisplayName = remote.DisplayName
			}
			if remote.Region != "" {
				contact.Region = remote.Region
			}
			contact.DoNotCall = remote.DoNotCall
		case contact.Phone == "":
			return nil, fmt.Errorf("failed to fetch contact from CRM: %w", err)
		default:
			s.logger.Warn("CRM lookup failed, enrolling with request fields",
				zap.String("contactId", req.ContactID),
				zap.Error(err),
			)
		}
	}

	if err := contact.Validate(); err != nil {
		return nil, err
	}
	return contact, nil
}

func (s *ContactService) normalizeEnrollRequest(req EnrollRequest) (EnrollRequest, error) {
	req.ContactID = strings.TrimSpace(req.ContactID)
	req.CampaignID = strings.TrimSpace(req.CampaignID)
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	req.Phone = strings.TrimSpace(req.Phone)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	req.Region = strings.TrimSpace(req.Region)

	if req.ContactID == "" {
		return req, fmt.Errorf("%w: contact id is required", domain.ErrValidation)
	}
	if req.CampaignID == "" {
		return req, fmt.Errorf("%w: campaign id is required", domain.ErrValidation)
	}

	if campaign, ok := s.policies.Campaign(req.CampaignID); ok {
		if req.CampaignKind != "" && req.CampaignKind != campaign.Kind {
			return req, fmt.Errorf("%w: campaign %s is %s, not %s", domain.ErrValidation, req.CampaignID, campaign.Kind, req.CampaignKind)
		}
		req.CampaignKind = campaign.Kind
	}
	if req.CampaignKind == "" {
		req.CampaignKind = domain.CampaignConfirmation
	}
	if !req.CampaignKind.IsValid() {
		return req, fmt.Errorf("%w: invalid campaign kind %q", domain.ErrValidation, req.CampaignKind)
	}
	return req, nil
}

func (s *ContactService) tagEscalation(ctx context.Context, state *domain.RetryState) {
	if s.finalizer != nil {
		s.finalizer.afterEscalation(ctx, state, *state.EscalationReason, false)
		return
	}
	if s.crm == nil {
		return
	}
	if err := s.crm.TagManualFollowUp(ctx, state.ContactID, *state.EscalationReason); err != nil {
		s.logger.Error("failed to tag contact for manual follow-up",
			append(observability.EnrollmentFields(state), zap.Error(err))...,
		)
	}
}
