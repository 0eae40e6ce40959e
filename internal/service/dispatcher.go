package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/callflow-engine/internal/domain"
	"github.com/kursadbilgin/callflow-engine/internal/observability"
	"github.com/kursadbilgin/callflow-engine/internal/provider"
	"github.com/kursadbilgin/callflow-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultDispatchMaxAttempts = 3
	defaultDispatchBackoff     = 500 * time.Millisecond
)

// DispatchRequest describes the terminal status whose downstream workflow should fire.
type DispatchRequest struct {
	RetryStateID  string
	ContactID     string
	CampaignID    string
	AppointmentID string
	Phone         string
	Status        domain.ConfirmationStatus
}

// Dispatcher fires the workflow, CRM write and SMS fallback for a terminal
// status at most once per contact, status and appointment.
type Dispatcher struct {
	dispatches  repository.DispatchRepository
	workflows   provider.WorkflowClient
	crm         provider.CRMClient
	sms         provider.SMSClient
	logger      *zap.Logger
	metrics     *observability.Metrics
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(
	dispatches repository.DispatchRepository,
	workflows provider.WorkflowClient,
	crm provider.CRMClient,
	sms provider.SMSClient,
	maxAttempts int,
	backoff time.Duration,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if dispatches == nil {
		return nil, fmt.Errorf("dispatch repository is required")
	}
	if workflows == nil {
		return nil, fmt.Errorf("workflow client is required")
	}
	if maxAttempts < 1 {
		maxAttempts = defaultDispatchMaxAttempts
	}
	if backoff <= 0 {
		backoff = defaultDispatchBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		dispatches:  dispatches,
		workflows:   workflows,
		crm:         crm,
		sms:         sms,
		logger:      logger,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		now:         time.Now,
		sleep:       sleepContext,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// Dispatch reports whether this call won the reservation for the request's
// idempotency key. A lost reservation is a duplicate signal and not an error.
// A returned error means the reservation was won but delivery failed; the
// ledger row is then marked failed.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (bool, error) {
	kind, ok := domain.WorkflowFor(req.Status)
	if !ok {
		return false, fmt.Errorf("%w: no workflow for status %q", domain.ErrValidation, req.Status)
	}
	if strings.TrimSpace(req.ContactID) == "" {
		return false, fmt.Errorf("%w: contact id is required", domain.ErrValidation)
	}

	key := domain.IdempotencyKey(req.ContactID, req.Status, req.AppointmentID)
	now := d.now().UTC()
	dispatch := &domain.WorkflowDispatch{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		RetryStateID:   req.RetryStateID,
		ContactID:      strings.TrimSpace(req.ContactID),
		AppointmentID:  strings.TrimSpace(req.AppointmentID),
		Kind:           kind,
		Status:         domain.DispatchPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	reserved, err := d.dispatches.Reserve(ctx, dispatch)
	if err != nil {
		return false, fmt.Errorf("failed to reserve workflow dispatch: %w", err)
	}
	if !reserved {
		d.logger.Info("workflow dispatch already reserved, skipping",
			zap.String("idempotencyKey", key),
			zap.String("contactId", req.ContactID),
		)
		d.metrics.IncWorkflowDispatch(kind.String(), "duplicate")
		return false, nil
	}

	executionID, smsID, attempts, deliverErr := d.deliver(ctx, req, kind, key)
	if deliverErr != nil {
		if err := d.dispatches.MarkFailed(ctx, dispatch.ID, deliverErr.Error(), attempts); err != nil {
			d.logger.Error("failed to mark workflow dispatch as failed",
				zap.String("dispatchId", dispatch.ID),
				zap.Error(err),
			)
		}
		d.logger.Error("workflow dispatch delivery failed",
			zap.String("dispatchId", dispatch.ID),
			zap.String("idempotencyKey", key),
			zap.String("kind", kind.String()),
			zap.Int("attempts", attempts),
			zap.Error(deliverErr),
		)
		d.metrics.IncWorkflowDispatch(kind.String(), "failed")
		return true, fmt.Errorf("workflow dispatch %s failed: %w", key, deliverErr)
	}

	if err := d.dispatches.MarkDelivered(ctx, dispatch.ID, executionID, smsID, attempts); err != nil {
		return true, fmt.Errorf("failed to mark workflow dispatch as delivered: %w", err)
	}
	d.metrics.IncWorkflowDispatch(kind.String(), "delivered")
	d.logger.Info("workflow dispatched",
		zap.String("dispatchId", dispatch.ID),
		zap.String("idempotencyKey", key),
		zap.String("kind", kind.String()),
	)
	return true, nil
}

// DispatchedKinds lists the workflow kinds already reserved for a contact.
func (d *Dispatcher) DispatchedKinds(ctx context.Context, contactID string) ([]domain.WorkflowKind, error) {
	dispatches, err := d.dispatches.ListByContact(ctx, strings.TrimSpace(contactID))
	if err != nil {
		return nil, err
	}

	kinds := make([]domain.WorkflowKind, 0, len(dispatches))
	seen := make(map[domain.WorkflowKind]struct{}, len(dispatches))
	for _, dispatch := range dispatches {
		if _, ok := seen[dispatch.Kind]; ok {
			continue
		}
		seen[dispatch.Kind] = struct{}{}
		kinds = append(kinds, dispatch.Kind)
	}
	return kinds, nil
}

// deliver runs every side effect for the status. The steps are independent:
// a failing workflow or CRM write never suppresses the SMS fallback. Step
// failures are joined into the returned error.
func (d *Dispatcher) deliver(
	ctx context.Context,
	req DispatchRequest,
	kind domain.WorkflowKind,
	key string,
) (*string, *string, int, error) {
	var (
		executionID *string
		smsID       *string
		attempts    int
		errs        []error
	)

	n, err := d.withRetry(ctx, func(ctx context.Context) error {
		id, err := d.workflows.TriggerWorkflow(ctx, provider.WorkflowRequest{
			Kind:           kind,
			ContactID:      req.ContactID,
			CampaignID:     req.CampaignID,
			AppointmentID:  req.AppointmentID,
			IdempotencyKey: key,
		})
		if err == nil && id != "" {
			executionID = &id
		}
		return err
	})
	attempts = max(attempts, n)
	if err != nil {
		errs = append(errs, fmt.Errorf("trigger workflow: %w", err))
	}

	if d.crm != nil {
		n, err = d.withRetry(ctx, func(ctx context.Context) error {
			return d.crm.SetConfirmationStatus(ctx, req.ContactID, req.AppointmentID, req.Status)
		})
		attempts = max(attempts, n)
		if err != nil {
			errs = append(errs, fmt.Errorf("write confirmation status: %w", err))
		}
	}

	if req.Status == domain.ConfirmationNoAnswerExhausted && d.sms != nil {
		n, err = d.withRetry(ctx, func(ctx context.Context) error {
			id, err := d.sms.SendSMS(ctx, provider.SMSRequest{
				ContactID:      req.ContactID,
				Phone:          req.Phone,
				Template:       kind,
				IdempotencyKey: key + ":sms",
			})
			if err == nil && id != "" {
				smsID = &id
			}
			return err
		})
		attempts = max(attempts, n)
		if err != nil {
			errs = append(errs, fmt.Errorf("send sms fallback: %w", err))
		}
	}

	return executionID, smsID, attempts, errors.Join(errs...)
}

// withRetry runs fn up to maxAttempts times with linear backoff. Permanent
// collaborator errors stop immediately.
func (d *Dispatcher) withRetry(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if !provider.IsTransient(lastErr) || attempt == d.maxAttempts {
			return attempt, lastErr
		}
		if err := d.sleep(ctx, time.Duration(attempt)*d.backoff); err != nil {
			return attempt, errors.Join(lastErr, err)
		}
	}
	return d.maxAttempts, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
