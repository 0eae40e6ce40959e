package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/callflow-engine/internal/domain"
	"github.com/kursadbilgin/callflow-engine/internal/repository"
	"github.com/kursadbilgin/callflow-engine/internal/service"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type EnrollmentService interface {
	Enroll(ctx context.Context, req service.EnrollRequest) (*domain.RetryState, bool, error)
	EnrollBatch(ctx context.Context, reqs []service.EnrollRequest) ([]service.EnrollResult, error)
	Get(ctx context.Context, id string) (*domain.RetryState, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.RetryState, int64, error)
	Attempts(ctx context.Context, retryStateID string) ([]domain.CallAttempt, error)
	MarkDoNotCall(ctx context.Context, contactID string) (int64, error)
	ResetEscalation(ctx context.Context, id string) (*domain.RetryState, error)
}

type EnrollmentHandler struct {
	service EnrollmentService
}

func NewEnrollmentHandler(service EnrollmentService) (*EnrollmentHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("enrollment service is required")
	}
	return &EnrollmentHandler{service: service}, nil
}

func RegisterEnrollmentRoutes(router fiber.Router, service EnrollmentService) error {
	h, err := NewEnrollmentHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/enrollments", h.Enroll)
	v1.Post("/enrollments/batch", h.EnrollBatch)
	v1.Get("/enrollments", h.ListEnrollments)
	v1.Get("/enrollments/:id", h.GetEnrollment)
	v1.Get("/enrollments/:id/attempts", h.ListAttempts)
	v1.Post("/enrollments/:id/reset-escalation", h.ResetEscalation)
	v1.Post("/contacts/:contactId/do-not-call", h.MarkDoNotCall)

	return nil
}

type enrollRequest struct {
	ContactID     string     `json:"contactId" validate:"required,max=128"`
	CampaignID    string     `json:"campaignId" validate:"required,max=128"`
	CampaignKind  string     `json:"campaignKind" validate:"omitempty,oneof=CONFIRMATION QUALIFICATION confirmation qualification"`
	AppointmentID string     `json:"appointmentId" validate:"max=128"`
	Phone         string     `json:"phone" validate:"omitempty,e164"`
	DisplayName   string     `json:"displayName" validate:"max=256"`
	Region        string     `json:"region" validate:"max=64"`
	RequestedAt   *time.Time `json:"requestedAt"`
}

type enrollBatchRequest struct {
	Enrollments []enrollRequest `json:"enrollments" validate:"required,min=1,max=1000,dive"`
}

type enrollmentResponse struct {
	ID                 string     `json:"id"`
	ContactID          string     `json:"contactId"`
	CampaignID         string     `json:"campaignId"`
	CampaignKind       string     `json:"campaignKind"`
	AppointmentID      string     `json:"appointmentId,omitempty"`
	Phone              string     `json:"phone"`
	Region             string     `json:"region,omitempty"`
	Timezone           *string    `json:"timezone,omitempty"`
	State              string     `json:"state"`
	AttemptCount       int        `json:"attemptCount"`
	InfraFailureCount  int        `json:"infraFailureCount"`
	LastOutcome        string     `json:"lastOutcome,omitempty"`
	NextEligibleAt     *time.Time `json:"nextEligibleAt,omitempty"`
	Escalated          bool       `json:"escalated"`
	EscalationReason   string     `json:"escalationReason,omitempty"`
	ConfirmationStatus string     `json:"confirmationStatus,omitempty"`
	DoNotCall          bool       `json:"doNotCall"`
	ArchivedAt         *time.Time `json:"archivedAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt,omitempty"`
	UpdatedAt          time.Time  `json:"updatedAt,omitempty"`
}

type attemptResponse struct {
	ID              string     `json:"id"`
	AttemptNumber   int        `json:"attemptNumber"`
	ExternalCallID  *string    `json:"externalCallId,omitempty"`
	PlacedAt        *time.Time `json:"placedAt,omitempty"`
	Outcome         string     `json:"outcome,omitempty"`
	Reason          *string    `json:"reason,omitempty"`
	Intent          string     `json:"intent,omitempty"`
	DurationSeconds *float64   `json:"durationSeconds,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

type enrollBatchItem struct {
	Enrollment *enrollmentResponse `json:"enrollment,omitempty"`
	Created    bool                `json:"created"`
	Error      string              `json:"error,omitempty"`
}

type enrollBatchResponse struct {
	Total   int               `json:"total"`
	Failed  int               `json:"failed"`
	Results []enrollBatchItem `json:"results"`
	Warning string            `json:"warning,omitempty"`
}

type listEnrollmentsResponse struct {
	Data []enrollmentResponse `json:"data"`
	Meta listMeta             `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *EnrollmentHandler) Enroll(c *fiber.Ctx) error {
	var req enrollRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	enroll, err := toEnrollRequest(req)
	if err != nil {
		return toHTTPError(err)
	}

	state, created, err := h.service.Enroll(c.Context(), enroll)
	if err != nil {
		return toHTTPError(err)
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(toEnrollmentResponse(state))
}

func (h *EnrollmentHandler) EnrollBatch(c *fiber.Ctx) error {
	var req enrollBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := validateRequest(req); err != nil {
		return toHTTPError(err)
	}

	reqs := make([]service.EnrollRequest, 0, len(req.Enrollments))
	for _, item := range req.Enrollments {
		enroll, err := toEnrollRequest(item)
		if err != nil {
			return toHTTPError(err)
		}
		reqs = append(reqs, enroll)
	}

	results, err := h.service.EnrollBatch(c.Context(), reqs)
	if err != nil && results == nil {
		return toHTTPError(err)
	}

	resp := enrollBatchResponse{
		Total:   len(results),
		Results: make([]enrollBatchItem, 0, len(results)),
	}
	for _, result := range results {
		item := enrollBatchItem{Created: result.Created}
		if result.Err != nil {
			item.Error = result.Err.Error()
			resp.Failed++
		} else {
			enrollment := toEnrollmentResponse(result.State)
			item.Enrollment = &enrollment
		}
		resp.Results = append(resp.Results, item)
	}
	if err != nil {
		resp.Warning = err.Error()
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *EnrollmentHandler) GetEnrollment(c *fiber.Ctx) error {
	state, err := h.service.Get(c.Context(), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toEnrollmentResponse(state))
}

func (h *EnrollmentHandler) ListAttempts(c *fiber.Ctx) error {
	attempts, err := h.service.Attempts(c.Context(), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]attemptResponse, 0, len(attempts))
	for i := range attempts {
		data = append(data, toAttemptResponse(&attempts[i]))
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": data})
}

func (h *EnrollmentHandler) ListEnrollments(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	states, total, err := h.service.List(c.Context(), params)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]enrollmentResponse, 0, len(states))
	for i := range states {
		data = append(data, toEnrollmentResponse(&states[i]))
	}
	return c.Status(fiber.StatusOK).JSON(listEnrollmentsResponse{
		Data: data,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func (h *EnrollmentHandler) ResetEscalation(c *fiber.Ctx) error {
	state, err := h.service.ResetEscalation(c.Context(), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toEnrollmentResponse(state))
}

func (h *EnrollmentHandler) MarkDoNotCall(c *fiber.Ctx) error {
	contactID := strings.TrimSpace(c.Params("contactId"))
	affected, err := h.service.MarkDoNotCall(c.Context(), contactID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"contactId":   contactID,
		"doNotCall":   true,
		"enrollments": affected,
	})
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if contactID := strings.TrimSpace(c.Query("contactId")); contactID != "" {
		params.ContactID = &contactID
	}
	if campaignID := strings.TrimSpace(c.Query("campaignId")); campaignID != "" {
		params.CampaignID = &campaignID
	}
	if rawState := strings.TrimSpace(c.Query("state")); rawState != "" {
		state, err := domain.ParseStateFromString(rawState)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.State = &state
	}
	if rawEscalated := strings.TrimSpace(c.Query("escalated")); rawEscalated != "" {
		switch strings.ToLower(rawEscalated) {
		case "true":
			escalated := true
			params.Escalated = &escalated
		case "false":
			escalated := false
			params.Escalated = &escalated
		default:
			return repository.ListParams{}, fmt.Errorf("%w: escalated must be true or false", domain.ErrValidation)
		}
	}

	return params, nil
}

func toEnrollRequest(req enrollRequest) (service.EnrollRequest, error) {
	if err := validateRequest(req); err != nil {
		return service.EnrollRequest{}, err
	}

	out := service.EnrollRequest{
		ContactID:     strings.TrimSpace(req.ContactID),
		CampaignID:    strings.TrimSpace(req.CampaignID),
		AppointmentID: strings.TrimSpace(req.AppointmentID),
		Phone:         strings.TrimSpace(req.Phone),
		DisplayName:   strings.TrimSpace(req.DisplayName),
		Region:        strings.TrimSpace(req.Region),
		RequestedAt:   req.RequestedAt,
	}
	if strings.TrimSpace(req.CampaignKind) != "" {
		kind, err := domain.ParseCampaignKindFromString(req.CampaignKind)
		if err != nil {
			return service.EnrollRequest{}, err
		}
		out.CampaignKind = kind
	}
	return out, nil
}

func toEnrollmentResponse(s *domain.RetryState) enrollmentResponse {
	if s == nil {
		return enrollmentResponse{}
	}

	resp := enrollmentResponse{
		ID:                 s.ID,
		ContactID:          s.ContactID,
		CampaignID:         s.CampaignID,
		CampaignKind:       s.CampaignKind.String(),
		AppointmentID:      s.AppointmentID,
		Phone:              s.Phone,
		Region:             s.Region,
		Timezone:           s.Timezone,
		State:              s.State.String(),
		AttemptCount:       s.AttemptCount,
		InfraFailureCount:  s.InfraFailureCount,
		NextEligibleAt:     s.NextEligibleAt,
		Escalated:          s.Escalated,
		ConfirmationStatus: s.CurrentConfirmationStatus().String(),
		DoNotCall:          s.DoNotCall,
		ArchivedAt:         s.ArchivedAt,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
	if s.LastOutcome != nil {
		resp.LastOutcome = s.LastOutcome.String()
	}
	if s.EscalationReason != nil {
		resp.EscalationReason = s.EscalationReason.String()
	}
	return resp
}

func toAttemptResponse(a *domain.CallAttempt) attemptResponse {
	resp := attemptResponse{
		ID:             a.ID,
		AttemptNumber:  a.AttemptNumber,
		ExternalCallID: a.ExternalCallID,
		PlacedAt:       a.PlacedAt,
		Reason:         a.Reason,
		CompletedAt:    a.CompletedAt,
	}
	if a.Outcome != nil {
		resp.Outcome = a.Outcome.String()
	}
	if a.Intent != nil {
		resp.Intent = a.Intent.String()
	}
	if a.DurationMillis != nil {
		seconds := float64(*a.DurationMillis) / 1000
		resp.DurationSeconds = &seconds
	}
	return resp
}
