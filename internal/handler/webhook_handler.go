package handler

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/callflow-engine/internal/observability"
	"github.com/kursadbilgin/callflow-engine/internal/service"
)

// HeaderCallbackSecret carries the shared secret on voice platform callbacks.
const HeaderCallbackSecret = "X-Callback-Secret"

type OutcomeCallbackService interface {
	HandleOutcomeCallback(ctx context.Context, cb service.OutcomeCallback) (bool, error)
}

type WebhookHandler struct {
	service OutcomeCallbackService
	secret  string
}

func NewWebhookHandler(service OutcomeCallbackService, secret string) (*WebhookHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("outcome callback service is required")
	}
	return &WebhookHandler{service: service, secret: secret}, nil
}

// RegisterWebhookRoutes mounts the call outcome webhook. An empty secret disables the header check.
func RegisterWebhookRoutes(router fiber.Router, service OutcomeCallbackService, secret string) error {
	h, err := NewWebhookHandler(service, secret)
	if err != nil {
		return err
	}

	router.Group("/v1").Post("/webhooks/call-outcome", h.CallOutcome)
	return nil
}

type callOutcomeRequest struct {
	AttemptID       string   `json:"attemptId" validate:"required_without=ExternalCallID"`
	ExternalCallID  string   `json:"externalCallId" validate:"required_without=AttemptID"`
	TerminationCode string   `json:"terminationCode" validate:"max=256"`
	Intent          string   `json:"intent" validate:"max=64"`
	DurationSeconds *float64 `json:"durationSeconds" validate:"omitempty,gte=0"`
}

func (h *WebhookHandler) CallOutcome(c *fiber.Ctx) error {
	if h.secret != "" {
		got := c.Get(HeaderCallbackSecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid callback secret")
		}
	}

	var req callOutcomeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := validateRequest(req); err != nil {
		return toHTTPError(err)
	}

	ctx := observability.WithCorrelationID(c.Context(), requestCorrelationID(c))
	recorded, err := h.service.HandleOutcomeCallback(ctx, service.OutcomeCallback{
		AttemptID:       req.AttemptID,
		ExternalCallID:  req.ExternalCallID,
		TerminationCode: req.TerminationCode,
		Intent:          req.Intent,
		DurationSeconds: req.DurationSeconds,
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"accepted":  true,
		"duplicate": !recorded,
	})
}
