package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/callflow-engine/internal/classifier"
	"github.com/kursadbilgin/callflow-engine/internal/domain"
	"github.com/kursadbilgin/callflow-engine/internal/lease"
	"github.com/kursadbilgin/callflow-engine/internal/observability"
	"github.com/kursadbilgin/callflow-engine/internal/provider"
	"github.com/kursadbilgin/callflow-engine/internal/queue"
	"github.com/kursadbilgin/callflow-engine/internal/ratelimit"
	"github.com/kursadbilgin/callflow-engine/internal/repository"
	"github.com/kursadbilgin/callflow-engine/internal/timezone"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minOrchestratorConcurrency = 1
	callRateScope              = "calls"
	defaultPlaceCallTimeout    = 15 * time.Second
	defaultOutcomeTimeout      = 15 * time.Minute
	defaultLeaseTTL            = 20 * time.Minute
	leaseReleaseTimeout        = 5 * time.Second
)

// OrchestratorOptions carries the timing knobs of the call loop.
type OrchestratorOptions struct {
	Concurrency        int
	PlaceCallTimeout   time.Duration
	CallOutcomeTimeout time.Duration
	LeaseTTL           time.Duration
}

// Orchestrator consumes due enrollments and drives each through one call attempt.
type Orchestrator struct {
	states      repository.RetryStateRepository
	attempts    repository.AttemptRepository
	consumer    queue.Consumer
	voice       provider.VoiceClient
	crm         provider.CRMClient
	resolver    *timezone.Resolver
	locker      lease.Locker
	rateLimiter ratelimit.RateLimiter
	slots       ratelimit.Semaphore
	hub         *OutcomeHub
	finalizer   *Finalizer
	logger      *zap.Logger
	metrics     *observability.Metrics
	opts        OrchestratorOptions
	now         func() time.Time
}

func NewOrchestrator(
	states repository.RetryStateRepository,
	attempts repository.AttemptRepository,
	consumer queue.Consumer,
	voice provider.VoiceClient,
	crm provider.CRMClient,
	resolver *timezone.Resolver,
	locker lease.Locker,
	rateLimiter ratelimit.RateLimiter,
	hub *OutcomeHub,
	finalizer *Finalizer,
	opts OrchestratorOptions,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if states == nil || attempts == nil {
		return nil, fmt.Errorf("retry state and attempt repositories are required")
	}
	if voice == nil {
		return nil, fmt.Errorf("voice client is required")
	}
	if resolver == nil || locker == nil || rateLimiter == nil || hub == nil || finalizer == nil {
		return nil, fmt.Errorf("resolver, locker, rate limiter, outcome hub and finalizer are required")
	}
	if opts.Concurrency < minOrchestratorConcurrency {
		opts.Concurrency = minOrchestratorConcurrency
	}
	if opts.PlaceCallTimeout <= 0 {
		opts.PlaceCallTimeout = defaultPlaceCallTimeout
	}
	if opts.CallOutcomeTimeout <= 0 {
		opts.CallOutcomeTimeout = defaultOutcomeTimeout
	}
	if opts.LeaseTTL <= opts.CallOutcomeTimeout {
		opts.LeaseTTL = max(defaultLeaseTTL, opts.CallOutcomeTimeout+opts.PlaceCallTimeout+time.Minute)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		states:      states,
		attempts:    attempts,
		consumer:    consumer,
		voice:       voice,
		crm:         crm,
		resolver:    resolver,
		locker:      locker,
		rateLimiter: rateLimiter,
		hub:         hub,
		finalizer:   finalizer,
		logger:      logger,
		opts:        opts,
		now:         time.Now,
	}, nil
}

func (o *Orchestrator) SetMetrics(metrics *observability.Metrics) {
	if o == nil {
		return
	}
	o.metrics = metrics
}

// SetCallSlots bounds calls in flight across every instance sharing slots.
// Without it only the per-instance consumer count limits concurrency.
func (o *Orchestrator) SetCallSlots(slots ratelimit.Semaphore) {
	if o == nil {
		return
	}
	o.slots = slots
}

// Start consumes the calls queue with the configured concurrency until context cancellation.
func (o *Orchestrator) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if o.consumer == nil {
		return fmt.Errorf("consumer is required")
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < o.opts.Concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			o.logger.Info("call worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queue.CallsQueue),
			)

			err := o.consumer.Consume(groupCtx, queue.CallsQueue, o.processMessage)
			if err != nil {
				o.logger.Error("call worker stopped with error",
					zap.Int("workerId", workerID),
					zap.Error(err),
				)
				return err
			}

			o.logger.Info("call worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

func (o *Orchestrator) processMessage(ctx context.Context, msg queue.CallMessage) error {
	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}
	logger := observability.LoggerFor(ctx, o.logger)

	held, err := o.locker.Acquire(ctx, lease.ContactKey(msg.ContactID), o.opts.LeaseTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLeaseNotAcquired) {
			o.metrics.IncLeaseContention()
			logger.Info("contact lease held elsewhere, skipping",
				zap.String("contactId", msg.ContactID),
				zap.String("retryStateId", msg.RetryStateID),
			)
			return nil
		}
		return fmt.Errorf("failed to acquire contact lease: %w", err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseReleaseTimeout)
		defer cancel()
		if err := held.Release(releaseCtx); err != nil {
			logger.Warn("failed to release contact lease",
				zap.String("key", held.Key()),
				zap.Error(err),
			)
		}
	}()

	state, err := o.states.GetByID(ctx, msg.RetryStateID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("retry state not found, skipping", zap.String("retryStateId", msg.RetryStateID))
			return nil
		}
		return fmt.Errorf("failed to load retry state: %w", err)
	}

	now := o.now().UTC()
	if !state.IsDue(now) {
		if state.State == domain.StateScheduled && state.DoNotCall {
			return o.cancel(ctx, state)
		}
		logger.Debug("enrollment not due, skipping", observability.EnrollmentFields(state)...)
		return nil
	}

	state, window, err := o.prepare(ctx, state)
	if err != nil {
		if errors.Is(err, domain.ErrUnsupportedRegion) {
			logger.Warn("contact region is not served, escalating without a call",
				append(observability.EnrollmentFields(state), zap.Error(err))...,
			)
			if _, err := o.finalizer.Escalate(ctx, state, domain.EscalationUnsupportedRegion); err != nil && !errors.Is(err, domain.ErrConflict) {
				return fmt.Errorf("failed to escalate unsupported region: %w", err)
			}
			return nil
		}
		return err
	}
	if state.DoNotCall {
		return o.cancel(ctx, state)
	}

	if !window.Contains(now) {
		next := window.Snap(now)
		if err := o.states.Reschedule(ctx, state.ID, next); err != nil && !errors.Is(err, domain.ErrConflict) {
			return fmt.Errorf("failed to reschedule outside calling window: %w", err)
		}
		logger.Info("outside calling window, rescheduled",
			append(observability.EnrollmentFields(state), zap.Time("nextEligibleAt", next))...,
		)
		return nil
	}

	if o.slots != nil {
		slot, err := o.slots.Acquire(ctx, callRateScope, o.opts.LeaseTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire call slot: %w", err)
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseReleaseTimeout)
			defer cancel()
			if err := slot.Release(releaseCtx); err != nil {
				logger.Warn("failed to release call slot", zap.Error(err))
			}
		}()
	}

	if err := o.rateLimiter.Wait(ctx, callRateScope); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	attempt := &domain.CallAttempt{
		ID:        uuid.NewString(),
		CreatedAt: o.now().UTC(),
	}
	state, err = o.states.BeginAttempt(ctx, state.ID, attempt)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			logger.Info("enrollment no longer schedulable, skipping", zap.String("retryStateId", msg.RetryStateID))
			return nil
		}
		return fmt.Errorf("failed to begin attempt: %w", err)
	}

	rec, err := o.placeAndAwait(ctx, logger, state, attempt)
	if err != nil {
		return err
	}

	if _, err := o.finalizer.Complete(ctx, state.ID, attempt.ID, rec); err != nil {
		return fmt.Errorf("failed to complete attempt: %w", err)
	}
	return nil
}

// prepare refreshes the cached contact from the CRM and resolves the calling window.
func (o *Orchestrator) prepare(ctx context.Context, state *domain.RetryState) (*domain.RetryState, *timezone.Window, error) {
	if o.crm != nil {
		contact, err := o.crm.GetContact(ctx, state.ContactID)
		switch {
		case err == nil:
			applyContact(state, contact)
		case errors.Is(err, domain.ErrNotFound):
			o.logger.Warn("contact missing in CRM, using cached fields", observability.EnrollmentFields(state)...)
		default:
			o.logger.Warn("CRM contact refresh failed, using cached fields",
				append(observability.EnrollmentFields(state), zap.Error(err))...,
			)
		}
	}

	if state.DoNotCall {
		err := o.states.RefreshContact(ctx, state.ID, repository.ContactCache{
			Phone:       state.Phone,
			DisplayName: state.DisplayName,
			Region:      state.Region,
			Timezone:    state.Timezone,
			DoNotCall:   true,
		})
		if err != nil {
			return state, nil, fmt.Errorf("failed to store do-not-call flag: %w", err)
		}
		return state, nil, nil
	}

	res, err := o.resolver.Resolve(timezone.RegionHint{Region: state.Region, Phone: state.Phone})
	if err != nil {
		return state, nil, err
	}
	state.Region = res.Region
	tz := res.Timezone
	state.Timezone = &tz

	err = o.states.RefreshContact(ctx, state.ID, repository.ContactCache{
		Phone:       state.Phone,
		DisplayName: state.DisplayName,
		Region:      state.Region,
		Timezone:    state.Timezone,
		DoNotCall:   state.DoNotCall,
	})
	if err != nil {
		return state, nil, fmt.Errorf("failed to refresh cached contact: %w", err)
	}
	return state, res.Window, nil
}

func (o *Orchestrator) placeAndAwait(
	ctx context.Context,
	logger *zap.Logger,
	state *domain.RetryState,
	attempt *domain.CallAttempt,
) (domain.OutcomeRecord, error) {
	o.metrics.IncCallsInFlight()
	defer o.metrics.DecCallsInFlight()

	waiter, cancelWait := o.hub.Register(attempt.ID)
	defer cancelWait()

	fields := append(observability.EnrollmentFields(state), zap.String("attemptId", attempt.ID))

	placeCtx, cancelPlace := context.WithTimeout(ctx, o.opts.PlaceCallTimeout)
	placeStart := o.now()
	resp, err := o.voice.PlaceCall(placeCtx, provider.PlaceCallRequest{
		AttemptID:     attempt.ID,
		ContactID:     state.ContactID,
		CampaignID:    state.CampaignID,
		CampaignKind:  state.CampaignKind,
		AppointmentID: state.AppointmentID,
		Phone:         state.Phone,
		DisplayName:   state.DisplayName,
		AttemptNumber: attempt.AttemptNumber,
	})
	cancelPlace()
	o.metrics.ObserveCallPlaceDuration(state.CampaignKind.String(), o.now().Sub(placeStart))

	if err != nil {
		outcome, reason := classifier.FromPlacementError(err)
		logger.Warn("call placement failed", append(fields, zap.Error(err))...)
		return domain.OutcomeRecord{Outcome: outcome, Reason: reason, CompletedAt: o.now().UTC()}, nil
	}

	o.metrics.IncCallPlaced(state.CampaignKind.String())
	if resp != nil && strings.TrimSpace(resp.ExternalCallID) != "" {
		if err := o.attempts.MarkPlaced(ctx, attempt.ID, resp.ExternalCallID, o.now().UTC()); err != nil {
			logger.Error("failed to store external call id", append(fields, zap.Error(err))...)
		}
	}
	logger.Info("call placed", fields...)

	if resp != nil && strings.TrimSpace(resp.EndedReason) != "" {
		intent, _ := classifier.ParseIntent(resp.Intent)
		outcome := classifier.Classify(
			classifier.Signal{TerminationCode: resp.EndedReason, Intent: resp.Intent},
			classifier.History{UnclearCount: state.UnclearCount},
		)
		return domain.OutcomeRecord{
			Outcome:     outcome,
			Reason:      resp.EndedReason,
			Intent:      intent,
			CompletedAt: o.now().UTC(),
		}, nil
	}

	timer := time.NewTimer(o.opts.CallOutcomeTimeout)
	defer timer.Stop()

	select {
	case rec := <-waiter:
		return rec, nil
	case <-timer.C:
		outcome, reason := classifier.Timeout()
		logger.Warn("call outcome did not arrive in time", fields...)
		return domain.OutcomeRecord{Outcome: outcome, Reason: reason, CompletedAt: o.now().UTC()}, nil
	case <-ctx.Done():
		// Left in ATTEMPTING; the recovery sweep finalizes it.
		return domain.OutcomeRecord{}, ctx.Err()
	}
}

func (o *Orchestrator) cancel(ctx context.Context, state *domain.RetryState) error {
	_, _, err := o.states.Finalize(ctx, state.ID, domain.StateScheduled, repository.Transition{
		State: domain.StateCancelled,
		At:    o.now().UTC(),
	})
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("failed to cancel do-not-call enrollment: %w", err)
	}
	o.logger.Info("do-not-call contact, enrollment cancelled", observability.EnrollmentFields(state)...)
	return nil
}

func applyContact(state *domain.RetryState, contact *domain.Contact) {
	if contact == nil {
		return
	}
	if phone := strings.TrimSpace(contact.Phone); phone != "" {
		state.Phone = phone
	}
	if name := strings.TrimSpace(contact.DisplayName); name != "" {
		state.DisplayName = name
	}
	if region := strings.TrimSpace(contact.Region); region != "" {
		state.Region = region
	}
	if contact.DoNotCall {
		state.DoNotCall = true
	}
}
