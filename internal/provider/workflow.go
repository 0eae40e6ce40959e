package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

type workflowBody struct {
	ContactID      string `json:"contactId"`
	CampaignID     string `json:"campaignId,omitempty"`
	AppointmentID  string `json:"appointmentId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type workflowResult struct {
	ExecutionID string `json:"executionId"`
}

type HTTPWorkflowClient struct {
	api *jsonAPI
}

func NewHTTPWorkflowClient(baseURL string, timeout time.Duration) (*HTTPWorkflowClient, error) {
	return NewHTTPWorkflowClientWithClient(baseURL, timeout, nil)
}

func NewHTTPWorkflowClientWithClient(baseURL string, timeout time.Duration, client *resty.Client) (*HTTPWorkflowClient, error) {
	api, err := newJSONAPI("workflow", baseURL, "", timeout, client)
	if err != nil {
		return nil, err
	}
	return &HTTPWorkflowClient{api: api}, nil
}

// TriggerWorkflow starts one execution of the workflow for req.Kind and returns its execution id.
func (c *HTTPWorkflowClient) TriggerWorkflow(ctx context.Context, req WorkflowRequest) (string, error) {
	if strings.TrimSpace(req.Kind.String()) == "" || strings.TrimSpace(req.ContactID) == "" {
		return "", fmt.Errorf("workflow kind and contact id are required")
	}

	var result workflowResult
	r := c.api.request(ctx).
		SetPathParam("kind", req.Kind.String()).
		SetHeader("Idempotency-Key", req.IdempotencyKey).
		SetBody(workflowBody{
			ContactID:      req.ContactID,
			CampaignID:     req.CampaignID,
			AppointmentID:  req.AppointmentID,
			IdempotencyKey: req.IdempotencyKey,
		}).
		SetResult(&result)

	response, err := c.api.do(r, http.MethodPost, "/workflows/{kind}/executions")
	if err != nil {
		return "", err
	}

	if id := strings.TrimSpace(result.ExecutionID); id != "" {
		return id, nil
	}
	return requestID(response), nil
}
